package riscv

import (
	"fmt"
	"io"
)

// MemBus is the memory interface the CPU issues loads, stores and AMOs
// against. *Bus implements it directly; Machine also uses it to hand the
// CPU a view of guest RAM pinned to one already-translated address for
// the duration of a single AMO (see translatedBus in machine.go).
type MemBus interface {
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)
	Write8(addr uint64, value uint8) error
	Write16(addr uint64, value uint16) error
	Write32(addr uint64, value uint32) error
	Write64(addr uint64, value uint64) error
}

// Device represents a memory-mapped device.
type Device interface {
	Read(offset uint64, size int) (uint64, error)
	Write(offset uint64, size int, value uint64) error
	Size() uint64
}

// MemoryRegion is a flat, contiguous span of guest RAM.
type MemoryRegion struct {
	Data []byte
}

// NewMemoryRegion creates a zeroed memory region of the given size.
func NewMemoryRegion(size uint64) *MemoryRegion {
	return &MemoryRegion{Data: make([]byte, size)}
}

// Read implements Device.
func (m *MemoryRegion) Read(offset uint64, size int) (uint64, error) {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return 0, fmt.Errorf("memory read out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}
	switch size {
	case 1:
		return uint64(m.Data[offset]), nil
	case 2:
		return uint64(cpuEndian.Uint16(m.Data[offset:])), nil
	case 4:
		return uint64(cpuEndian.Uint32(m.Data[offset:])), nil
	case 8:
		return cpuEndian.Uint64(m.Data[offset:]), nil
	default:
		return 0, fmt.Errorf("invalid read size: %d", size)
	}
}

// Write implements Device.
func (m *MemoryRegion) Write(offset uint64, size int, value uint64) error {
	if offset+uint64(size) > uint64(len(m.Data)) {
		return fmt.Errorf("memory write out of bounds: offset=0x%x size=%d len=%d", offset, size, len(m.Data))
	}
	switch size {
	case 1:
		m.Data[offset] = byte(value)
	case 2:
		cpuEndian.PutUint16(m.Data[offset:], uint16(value))
	case 4:
		cpuEndian.PutUint32(m.Data[offset:], uint32(value))
	case 8:
		cpuEndian.PutUint64(m.Data[offset:], value)
	default:
		return fmt.Errorf("invalid write size: %d", size)
	}
	return nil
}

// Size implements Device.
func (m *MemoryRegion) Size() uint64 { return uint64(len(m.Data)) }

// ReadAt implements io.ReaderAt, for loading kernel/disk images.
func (m *MemoryRegion) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= int64(len(m.Data)) {
		return 0, io.EOF
	}
	return copy(p, m.Data[off:]), nil
}

// WriteAt implements io.WriterAt, for loading kernel/disk images.
func (m *MemoryRegion) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(m.Data)) {
		return 0, fmt.Errorf("write offset out of bounds")
	}
	return copy(m.Data[off:], p), nil
}

// Slice returns the backing bytes for [offset, offset+length), e.g. for
// exposing the framebuffer window to a host renderer.
func (m *MemoryRegion) Slice(offset, length uint64) []byte {
	if offset+length > uint64(len(m.Data)) {
		return nil
	}
	return m.Data[offset : offset+length]
}

// DeviceMapping binds a Device to a fixed address window.
type DeviceMapping struct {
	Base   uint64
	Size   uint64
	Device Device
}

// Bus decodes physical addresses into RAM or one of the fixed MMIO device
// windows. Ranges are disjoint by construction: every device sits below
// RAMBase, and RAM claims everything at or above it.
type Bus struct {
	RAM     *MemoryRegion
	RAMBase uint64
	Devices []DeviceMapping

	// UARTOutput, when set, receives bytes the guest writes to the UART
	// transmit-hold register, independent of the device's own plumbing.
	UARTOutput io.Writer
}

// NewBus creates a bus with ramSize bytes of RAM based at RAMBase.
func NewBus(ramSize uint64) *Bus {
	return &Bus{
		RAM:     NewMemoryRegion(ramSize),
		RAMBase: RAMBase,
	}
}

// AddDevice maps dev at base, sized by dev.Size().
func (bus *Bus) AddDevice(base uint64, dev Device) {
	bus.Devices = append(bus.Devices, DeviceMapping{Base: base, Size: dev.Size(), Device: dev})
}

func (bus *Bus) findDevice(addr uint64) (Device, uint64, error) {
	if addr >= bus.RAMBase && addr < bus.RAMBase+bus.RAM.Size() {
		return bus.RAM, addr - bus.RAMBase, nil
	}
	for _, mapping := range bus.Devices {
		if addr >= mapping.Base && addr < mapping.Base+mapping.Size {
			return mapping.Device, addr - mapping.Base, nil
		}
	}
	return nil, 0, fmt.Errorf("no device at address 0x%x", addr)
}

// Read reads size bytes (1/2/4/8) from addr.
func (bus *Bus) Read(addr uint64, size int) (uint64, error) {
	dev, offset, err := bus.findDevice(addr)
	if err != nil {
		return 0, err
	}
	return dev.Read(offset, size)
}

// Write writes size bytes (1/2/4/8) to addr.
func (bus *Bus) Write(addr uint64, size int, value uint64) error {
	dev, offset, err := bus.findDevice(addr)
	if err != nil {
		return err
	}
	return dev.Write(offset, size, value)
}

func (bus *Bus) Read8(addr uint64) (uint8, error) {
	val, err := bus.Read(addr, 1)
	return uint8(val), err
}

func (bus *Bus) Read16(addr uint64) (uint16, error) {
	val, err := bus.Read(addr, 2)
	return uint16(val), err
}

func (bus *Bus) Read32(addr uint64) (uint32, error) {
	val, err := bus.Read(addr, 4)
	return uint32(val), err
}

func (bus *Bus) Read64(addr uint64) (uint64, error) {
	return bus.Read(addr, 8)
}

func (bus *Bus) Write8(addr uint64, value uint8) error {
	return bus.Write(addr, 1, uint64(value))
}

func (bus *Bus) Write16(addr uint64, value uint16) error {
	return bus.Write(addr, 2, uint64(value))
}

func (bus *Bus) Write32(addr uint64, value uint32) error {
	return bus.Write(addr, 4, uint64(value))
}

func (bus *Bus) Write64(addr uint64, value uint64) error {
	return bus.Write(addr, 8, value)
}

// LoadBytes copies data into guest memory starting at addr, taking the
// RAM fast path when the whole span lands in RAM.
func (bus *Bus) LoadBytes(addr uint64, data []byte) error {
	if addr >= bus.RAMBase && addr+uint64(len(data)) <= bus.RAMBase+bus.RAM.Size() {
		copy(bus.RAM.Data[addr-bus.RAMBase:], data)
		return nil
	}
	for i, b := range data {
		if err := bus.Write8(addr+uint64(i), b); err != nil {
			return err
		}
	}
	return nil
}

// Fetch reads one 32-bit instruction word from addr. There is no
// compressed-instruction encoding in this ISA subset, so every
// instruction is a plain 4-byte aligned fetch; callers are responsible
// for raising InstructionAddressMisaligned when addr&3 != 0.
func (bus *Bus) Fetch(addr uint64) (uint32, error) {
	return bus.Read32(addr)
}
