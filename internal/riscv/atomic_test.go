package riscv

import "testing"

// amoInsn encodes an R-type AMO instruction: funct5 in bits 31:27, aq/rl
// (always 0 here) in bits 26:25, rs2 in 24:20, rs1 in 19:15, funct3 in
// 14:12, rd in 11:7, opcode 0b0101111.
func amoInsn(funct5 uint32, rs2, rs1, funct3, rd uint32) uint32 {
	return (funct5 << 27) | (rs2 << 20) | (rs1 << 15) | (funct3 << 12) | (rd << 7) | OpAMO
}

func TestAMOADDWord(t *testing.T) {
	bus := NewBus(4096)
	cpu := NewCPU(bus)

	addr := RAMBase
	bus.Write32(addr, 10)
	cpu.WriteReg(10, addr) // rs1 = address
	cpu.WriteReg(11, 5)    // rs2 = operand

	insn := amoInsn(0b00000, 11, 10, 0b010, 12) // amoadd.w x12, x11, (x10)
	if err := cpu.execAMO(insn); err != nil {
		t.Fatalf("amoadd.w: %v", err)
	}

	if cpu.X[12] != 10 {
		t.Errorf("expected old value 10 returned, got %d", cpu.X[12])
	}
	v, _ := bus.Read32(addr)
	if v != 15 {
		t.Errorf("expected memory updated to 15, got %d", v)
	}
}

func TestLRSCSucceedsWithoutInterveningStore(t *testing.T) {
	bus := NewBus(4096)
	cpu := NewCPU(bus)

	addr := RAMBase
	bus.Write64(addr, 42)
	cpu.WriteReg(10, addr)

	lr := amoInsn(0b00010, 0, 10, 0b011, 11) // lr.d x11, (x10)
	if err := cpu.execAMO(lr); err != nil {
		t.Fatalf("lr.d: %v", err)
	}
	if cpu.X[11] != 42 {
		t.Errorf("expected 42 loaded, got %d", cpu.X[11])
	}

	cpu.WriteReg(12, 99)
	sc := amoInsn(0b00011, 12, 10, 0b011, 13) // sc.d x13, x12, (x10)
	if err := cpu.execAMO(sc); err != nil {
		t.Fatalf("sc.d: %v", err)
	}
	if cpu.X[13] != 0 {
		t.Errorf("expected sc.d to report success (0), got %d", cpu.X[13])
	}

	v, _ := bus.Read64(addr)
	if v != 99 {
		t.Errorf("expected memory updated to 99, got %d", v)
	}
}

func TestSCFailsWithoutReservation(t *testing.T) {
	bus := NewBus(4096)
	cpu := NewCPU(bus)

	addr := RAMBase
	cpu.WriteReg(10, addr)
	cpu.WriteReg(12, 99)

	sc := amoInsn(0b00011, 12, 10, 0b011, 13) // sc.d without a prior lr.d
	if err := cpu.execAMO(sc); err != nil {
		t.Fatalf("sc.d: %v", err)
	}
	if cpu.X[13] != 1 {
		t.Errorf("expected sc.d to report failure (1), got %d", cpu.X[13])
	}
}

func TestAMOMisalignedRaisesLoadAddrMisaligned(t *testing.T) {
	bus := NewBus(4096)
	cpu := NewCPU(bus)

	cpu.WriteReg(10, RAMBase+1) // misaligned
	insn := amoInsn(0b00000, 11, 10, 0b010, 12)

	err := cpu.execAMO(insn)
	trap, ok := err.(Trap)
	if !ok {
		t.Fatalf("expected a Trap, got %v", err)
	}
	if trap.Cause != CauseLoadAddrMisaligned {
		t.Errorf("expected CauseLoadAddrMisaligned, got %#x", trap.Cause)
	}
}
