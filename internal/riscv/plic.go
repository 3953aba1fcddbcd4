package riscv

import "sync"

// PLIC register offsets. This is a drastic simplification of the real
// RISC-V PLIC's 1024-source priority/enable/threshold/claim arrays down
// to four registers: a pending bitmap, an S-mode enable mask, a priority
// register that is stored but not consulted, and a claim/complete
// register the guest reads to claim a source and writes to complete it.
const (
	plicPending  = 0x0000
	plicSEnable  = 0x0004
	plicSPrio    = 0x0008
	plicSClaim   = 0x000c
)

// PLIC implements the simplified platform interrupt controller.
type PLIC struct {
	cpu *CPU
	mu  sync.Mutex

	pending uint32
	senable uint32
	sprio   uint32
	claimed uint32 // source currently claimed, 0 if none
}

// NewPLIC creates a PLIC wired to cpu's mip.SEIP line.
func NewPLIC(cpu *CPU) *PLIC {
	return &PLIC{cpu: cpu}
}

func (p *PLIC) Size() uint64 { return PLICSize }

func (p *PLIC) Read(offset uint64, size int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch offset {
	case plicPending:
		return uint64(p.pending), nil
	case plicSEnable:
		return uint64(p.senable), nil
	case plicSPrio:
		return uint64(p.sprio), nil
	case plicSClaim:
		irq := p.claim()
		p.updateLine()
		return uint64(irq), nil
	}
	return 0, nil
}

func (p *PLIC) Write(offset uint64, size int, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch offset {
	case plicSEnable:
		p.senable = uint32(value)
	case plicSPrio:
		p.sprio = uint32(value)
	case plicSClaim:
		p.complete(uint32(value))
	}
	p.updateLine()
	return nil
}

// Raise marks irq pending, for a device to call after it produces data.
func (p *PLIC) Raise(irq uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending |= 1 << irq
	p.updateLine()
}

// claim returns and clears the lowest-numbered pending, enabled source,
// recording it as outstanding until the guest completes it.
func (p *PLIC) claim() uint32 {
	avail := p.pending & p.senable
	if avail == 0 {
		return 0
	}
	for irq := uint32(0); irq < 32; irq++ {
		if avail&(1<<irq) != 0 {
			p.pending &^= 1 << irq
			p.claimed = irq
			return irq
		}
	}
	return 0
}

func (p *PLIC) complete(irq uint32) {
	if p.claimed == irq {
		p.claimed = 0
	}
}

func (p *PLIC) updateLine() {
	if p.pending&p.senable != 0 {
		p.cpu.Mip |= MipSEIP
	} else {
		p.cpu.Mip &^= MipSEIP
	}
}

var _ Device = (*PLIC)(nil)
