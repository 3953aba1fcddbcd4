package riscv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// ErrHalt is returned by Step/Run when the guest writes to address 0
// with stop-on-zero enabled; it's the convention the test suite (and,
// during bring-up, the CLI) uses to end a run deterministically.
var ErrHalt = errors.New("machine halted")

// ErrFatalTrap wraps a Trap that spec.md's error model calls fatal: an
// access-fault or misaligned-address exception. The trap is still
// delivered to the guest so its handler gets a chance to run; this
// sentinel lets an outer caller additionally notice and decide to stop.
var ErrFatalTrap = errors.New("fatal trap")

// Machine wires a CPU, bus, MMU and the fixed device set together into a
// runnable system.
type Machine struct {
	CPU   *CPU
	Bus   *Bus
	MMU   *MMU
	CLINT *CLINT
	PLIC  *PLIC
	Disk  *Disk

	uart *UART
	kbd  *Keyboard

	halted atomic.Bool

	stopOnZero bool

	lastFatal   Trap
	hasFatal    bool
}

// MMIOBases overrides the fixed memory map's device windows. A zero
// field means "use the built-in default" (CLINTBase, PLICBase, ...).
type MMIOBases struct {
	CLINTBase uint64
	PLICBase  uint64
	UARTBase  uint64
	DiskBase  uint64
	KBDBase   uint64
}

// NewMachine creates a machine with ramSize bytes of RAM, output wired as
// the UART's console, and an optional disk image (nil for none), at the
// default MMIO base addresses.
func NewMachine(ramSize uint64, output io.Writer, diskImage []byte) *Machine {
	return NewMachineWithBases(ramSize, output, diskImage, MMIOBases{})
}

// NewMachineWithBases is NewMachine with each device's base address
// overridable, for the CLI's -config YAML overlay.
func NewMachineWithBases(ramSize uint64, output io.Writer, diskImage []byte, bases MMIOBases) *Machine {
	if bases.CLINTBase == 0 {
		bases.CLINTBase = CLINTBase
	}
	if bases.PLICBase == 0 {
		bases.PLICBase = PLICBase
	}
	if bases.UARTBase == 0 {
		bases.UARTBase = UARTBase
	}
	if bases.DiskBase == 0 {
		bases.DiskBase = DiskBase
	}
	if bases.KBDBase == 0 {
		bases.KBDBase = KBDBase
	}

	bus := NewBus(ramSize)

	cpu := NewCPU(bus)
	mmu := NewMMU(cpu)
	clint := NewCLINT(cpu)
	plic := NewPLIC(cpu)
	uart := NewUART(output, plic)
	disk := NewDisk(bus, diskImage)
	kbd := NewKeyboard()

	bus.AddDevice(bases.CLINTBase, clint)
	bus.AddDevice(bases.PLICBase, plic)
	bus.AddDevice(bases.UARTBase, uart)
	bus.AddDevice(bases.DiskBase, disk)
	bus.AddDevice(bases.KBDBase, kbd)

	return &Machine{
		CPU:   cpu,
		Bus:   bus,
		MMU:   mmu,
		CLINT: clint,
		PLIC:  plic,
		Disk:  disk,
		uart:  uart,
		kbd:   kbd,
	}
}

// UART returns the console device, for wiring a host stdin reader to
// EnqueueInput.
func (m *Machine) UART() *UART { return m.uart }

// Keyboard returns the scancode source, for wiring a host input
// producer to PushScancode.
func (m *Machine) Keyboard() *Keyboard { return m.kbd }

// SetPC sets the program counter.
func (m *Machine) SetPC(pc uint64) { m.CPU.PC = pc }

// GetPC returns the program counter.
func (m *Machine) GetPC() uint64 { return m.CPU.PC }

// SetStopOnZero enables halting (ErrHalt) when the guest stores to
// physical address 0 — a convenience the test suite uses in place of a
// real shutdown device interaction.
func (m *Machine) SetStopOnZero(enable bool) { m.stopOnZero = enable }

// LoadBytes loads data into guest physical memory at addr.
func (m *Machine) LoadBytes(addr uint64, data []byte) error {
	return m.Bus.LoadBytes(addr, data)
}

func (m *Machine) MemoryBase() uint64 { return m.Bus.RAMBase }
func (m *Machine) MemorySize() uint64 { return m.Bus.RAM.Size() }

// FramebufferSlice returns the guest RAM window reserved for the
// framebuffer, for a host renderer to read directly.
func (m *Machine) FramebufferSlice(size uint64) []byte {
	return m.Bus.RAM.Slice(FBOffset, size)
}

// LastFatal reports the most recently delivered fatal trap, if any,
// since the last call to ClearFatal.
func (m *Machine) LastFatal() (Trap, bool) { return m.lastFatal, m.hasFatal }

// ClearFatal resets the fatal-trap flag LastFatal reports.
func (m *Machine) ClearFatal() { m.hasFatal = false }

// Step runs one pass of the pipeline spec.md describes: fetch, advance
// pc by 4, execute, poll device interrupt lines, and take a trap if one
// is now pending — whether because execute raised an exception or
// because an interrupt arrived.
func (m *Machine) Step() error {
	if m.CPU.WFI {
		m.pollDevices()
		if pending, _ := m.CPU.CheckInterrupt(); pending {
			m.CPU.WFI = false
		} else {
			return nil
		}
	}

	// Advance PC before anything can trap, per spec: branch/jump targets
	// and the exception PC (pc-4 in HandleTrap) are both derived relative
	// to this already-advanced value (see execute.go and csr.go), fetch
	// faults included.
	pc := m.CPU.PC
	m.CPU.PC = pc + 4

	if pc&3 != 0 {
		m.deliverTrap(CauseInsnAddrMisaligned, pc)
		return nil
	}

	paddr, err := m.MMU.TranslateFetch(pc)
	if err != nil {
		if trap, ok := err.(Trap); ok {
			m.deliverTrap(trap.Cause, trap.Tval)
			return nil
		}
		return err
	}

	insn, err := m.Bus.Fetch(paddr)
	if err != nil {
		m.deliverTrap(CauseInsnAccessFault, pc)
		return nil
	}

	if err := m.executeWithMMU(insn); err != nil {
		if trap, ok := err.(Trap); ok {
			m.deliverTrap(trap.Cause, trap.Tval)
			return nil
		}
		return err
	}

	m.CPU.Cycle++
	m.CPU.Instret++

	m.pollDevices()
	if pending, cause := m.CPU.CheckInterrupt(); pending {
		m.CPU.HandleTrap(cause, 0)
	}

	if m.stopOnZero && m.halted.Load() {
		return ErrHalt
	}
	if m.Disk.ShutdownRequested {
		return ErrHalt
	}

	return nil
}

func (m *Machine) deliverTrap(cause, tval uint64) {
	m.CPU.HandleTrap(cause, tval)
	if Fatal(cause) {
		m.lastFatal = Trap{Cause: cause, Tval: tval}
		m.hasFatal = true
	}
}

func (m *Machine) pollDevices() {
	m.CLINT.Poll()
	m.uart.Poll()
	m.Disk.Poll(m.PLIC)
}

func (m *Machine) executeWithMMU(insn uint32) error {
	switch opcode(insn) {
	case OpLoad:
		return m.execLoadMMU(insn)
	case OpStore:
		return m.execStoreMMU(insn)
	case OpAMO:
		return m.execAMOMMU(insn)
	default:
		return m.CPU.Execute(insn)
	}
}

func (m *Machine) execLoadMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immI(insn))
	paddr, err := m.MMU.TranslateRead(vaddr)
	if err != nil {
		if trap, ok := err.(Trap); ok {
			trap.Tval = vaddr
			return trap
		}
		return err
	}

	f3 := funct3(insn)
	var val uint64
	switch f3 {
	case 0b000:
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int8(v))
	case 0b001:
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int16(v))
	case 0b010:
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(int32(v))
	case 0b011:
		v, e := m.Bus.Read64(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = v
	case 0b100:
		v, e := m.Bus.Read8(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b101:
		v, e := m.Bus.Read16(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	case 0b110:
		v, e := m.Bus.Read32(paddr)
		if e != nil {
			return Exception(CauseLoadAccessFault, vaddr)
		}
		val = uint64(v)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	m.CPU.WriteReg(rd(insn), val)
	return nil
}

func (m *Machine) execStoreMMU(insn uint32) error {
	vaddr := uint64(int64(m.CPU.ReadReg(rs1(insn))) + immS(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		if trap, ok := err.(Trap); ok {
			trap.Tval = vaddr
			return trap
		}
		return err
	}

	if m.stopOnZero && paddr == 0 {
		m.halted.Store(true)
		return nil
	}

	val := m.CPU.ReadReg(rs2(insn))
	f3 := funct3(insn)

	var writeErr error
	switch f3 {
	case 0b000:
		writeErr = m.Bus.Write8(paddr, uint8(val))
	case 0b001:
		writeErr = m.Bus.Write16(paddr, uint16(val))
	case 0b010:
		writeErr = m.Bus.Write32(paddr, uint32(val))
	case 0b011:
		writeErr = m.Bus.Write64(paddr, val)
	default:
		return Exception(CauseIllegalInsn, uint64(insn))
	}

	if writeErr != nil {
		return Exception(CauseStoreAccessFault, vaddr)
	}
	return nil
}

func (m *Machine) execAMOMMU(insn uint32) error {
	vaddr := m.CPU.ReadReg(rs1(insn))
	paddr, err := m.MMU.TranslateWrite(vaddr)
	if err != nil {
		if trap, ok := err.(Trap); ok {
			trap.Tval = vaddr
			return trap
		}
		return err
	}

	origBus := m.CPU.Bus
	m.CPU.Bus = &translatedBus{bus: m.Bus, paddr: paddr}
	defer func() { m.CPU.Bus = origBus }()

	return m.CPU.execAMO(insn)
}

// translatedBus lets execAMO run unmodified against an address the
// caller has already translated: every method ignores its addr argument
// and uses paddr instead. It exists only for the lifetime of one AMO
// instruction (see execAMOMMU).
type translatedBus struct {
	bus   *Bus
	paddr uint64
}

func (t *translatedBus) Read8(addr uint64) (uint8, error)   { return t.bus.Read8(t.paddr) }
func (t *translatedBus) Read16(addr uint64) (uint16, error) { return t.bus.Read16(t.paddr) }
func (t *translatedBus) Read32(addr uint64) (uint32, error) { return t.bus.Read32(t.paddr) }
func (t *translatedBus) Read64(addr uint64) (uint64, error) { return t.bus.Read64(t.paddr) }
func (t *translatedBus) Write8(addr uint64, value uint8) error {
	return t.bus.Write8(t.paddr, value)
}
func (t *translatedBus) Write16(addr uint64, value uint16) error {
	return t.bus.Write16(t.paddr, value)
}
func (t *translatedBus) Write32(addr uint64, value uint32) error {
	return t.bus.Write32(t.paddr, value)
}
func (t *translatedBus) Write64(addr uint64, value uint64) error {
	return t.bus.Write64(t.paddr, value)
}

// Run steps the machine until ctx is cancelled, Step returns an error, or
// a step delivers a fatal trap (returned wrapping ErrFatalTrap and the
// Trap), yielding to ctx.Err() every yieldAfter instructions.
func (m *Machine) Run(ctx context.Context, yieldAfter int64) error {
	if yieldAfter <= 0 {
		yieldAfter = 100000
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for i := int64(0); i < yieldAfter; i++ {
			if err := m.Step(); err != nil {
				if errors.Is(err, ErrHalt) {
					return ErrHalt
				}
				return fmt.Errorf("step error at pc=0x%x: %w", m.CPU.PC, err)
			}
			if trap, fatal := m.LastFatal(); fatal {
				return fmt.Errorf("%w: %w", ErrFatalTrap, trap)
			}
		}
	}
}

// IsHalted reports whether the guest triggered the stop-on-zero
// convention.
func (m *Machine) IsHalted() bool { return m.halted.Load() }

// AddDevice maps an additional device onto the bus.
func (m *Machine) AddDevice(base uint64, dev Device) { m.Bus.AddDevice(base, dev) }

// ReadAt reads from guest physical memory, implementing io.ReaderAt.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	for i := range p {
		v, err := m.Bus.Read8(uint64(off) + uint64(i))
		if err != nil {
			return i, err
		}
		p[i] = v
	}
	return len(p), nil
}

// WriteAt writes to guest physical memory, implementing io.WriterAt.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	for i, b := range p {
		if err := m.Bus.Write8(uint64(off)+uint64(i), b); err != nil {
			return i, err
		}
	}
	return len(p), nil
}
