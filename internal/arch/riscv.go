package arch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// PLIC addresses for the common virt platform layout.
const (
	plicThreshold = 0x0C200000
)

// riscvExceptions maps mcause exception codes to names.
var riscvExceptions = map[uint64]string{
	0:  "Instruction address misaligned",
	1:  "Instruction access fault",
	2:  "Illegal instruction",
	3:  "Breakpoint",
	4:  "Load address misaligned",
	5:  "Load access fault",
	6:  "Store/AMO address misaligned",
	7:  "Store/AMO access fault",
	8:  "Environment call from U-mode",
	9:  "Environment call from S-mode",
	11: "Environment call from M-mode",
	12: "Instruction page fault",
	13: "Load page fault",
	15: "Store/AMO page fault",
}

// riscvInterrupts maps mcause interrupt codes to names.
var riscvInterrupts = map[uint64]string{
	1:  "Supervisor software interrupt",
	3:  "Machine software interrupt",
	5:  "Supervisor timer interrupt",
	7:  "Machine timer interrupt",
	9:  "Supervisor external interrupt",
	11: "Machine external interrupt",
}

// riscvFaultTypes maps exception codes to high-level categories.
var riscvFaultTypes = map[uint64]string{
	0:  "instruction_misaligned",
	1:  "instruction_access_fault",
	2:  "illegal_instruction",
	3:  "breakpoint",
	4:  "load_misaligned",
	5:  "load_access_fault",
	6:  "store_misaligned",
	7:  "store_access_fault",
	8:  "ecall_user",
	9:  "ecall_supervisor",
	11: "ecall_machine",
	12: "instruction_page_fault",
	13: "load_page_fault",
	15: "store_page_fault",
}

// mtvalIsAddress lists the exception codes for which mtval carries the
// faulting address.
var mtvalIsAddress = map[uint64]bool{
	1: true, 5: true, 7: true, 12: true, 13: true, 15: true,
}

// riscV implements Target for RV32 and RV64 machine-mode targets.
// Trap state lives in CSRs, which the debug stub exposes only through
// expression evaluation, not memory-mapped reads.
type riscV struct {
	name    string
	ptrSize int
}

func newRiscV(name string, ptrSize int) *riscV {
	return &riscV{name: name, ptrSize: ptrSize}
}

func (r *riscV) Name() string { return r.name }

func (r *riscV) RegisterNames() []string {
	return []string{
		"zero", "ra", "sp", "gp", "tp",
		"t0", "t1", "t2",
		"s0", "s1",
		"a0", "a1", "a2", "a3", "a4", "a5", "a6", "a7",
		"s2", "s3", "s4", "s5", "s6", "s7", "s8", "s9", "s10", "s11",
		"t3", "t4", "t5", "t6",
		"pc",
	}
}

func (r *riscV) PointerSize() int { return r.ptrSize }

// readCSR reads a control and status register by name through the
// debugger's expression evaluator.
func (r *riscV) readCSR(ctx context.Context, m Machine, name string) (uint64, error) {
	result, err := m.Evaluate(ctx, "$"+name)
	if err != nil {
		return 0, fmt.Errorf("read CSR %s: %w", name, err)
	}

	// Some debugger builds echo "name = value".
	if idx := strings.LastIndexByte(result, '='); idx >= 0 {
		result = result[idx+1:]
	}
	result = strings.TrimSpace(result)

	if strings.HasPrefix(result, "-") {
		n, err := strconv.ParseInt(result, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse CSR %s value %q: %w", name, result, err)
		}
		return uint64(n), nil
	}
	n, err := strconv.ParseUint(result, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("parse CSR %s value %q: %w", name, result, err)
	}
	return n, nil
}

// decodeMcause splits mcause into its interrupt discriminator (the top
// bit of the register width) and cause code.
func (r *riscV) decodeMcause(value uint64) (isInterrupt bool, code uint64) {
	msb := uint(r.ptrSize*8 - 1)
	return value&(1<<msb) != 0, value & 0x7FFFFFFF
}

// ReadFaultState reads mcause, mtval, and mepc and decodes the trap.
// mtval is surfaced as the fault address only for access and page
// faults; for illegal instructions it carries the instruction bits
// instead and is decoded as such.
func (r *riscV) ReadFaultState(ctx context.Context, m Machine) (FaultState, error) {
	mcause, err := r.readCSR(ctx, m, "mcause")
	if err != nil {
		return FaultState{}, err
	}
	mtval, err := r.readCSR(ctx, m, "mtval")
	if err != nil {
		return FaultState{}, err
	}
	mepc, err := r.readCSR(ctx, m, "mepc")
	if err != nil {
		return FaultState{}, err
	}

	isInterrupt, code := r.decodeMcause(mcause)

	decoded := make(map[string]string)
	state := FaultState{
		Decoded: decoded,
		Registers: map[string]uint64{
			"mcause": mcause,
			"mtval":  mtval,
			"mepc":   mepc,
		},
	}

	if isInterrupt {
		name, ok := riscvInterrupts[code]
		if !ok {
			name = fmt.Sprintf("Unknown interrupt (%d)", code)
		}
		decoded["trap_type"] = "interrupt"
		decoded["trap_name"] = name
		state.Type = "interrupt"
		return state, nil
	}

	name, ok := riscvExceptions[code]
	if !ok {
		name = fmt.Sprintf("Unknown exception (%d)", code)
	}
	decoded["trap_type"] = "exception"
	decoded["trap_name"] = name

	state.Type = riscvFaultTypes[code]
	if state.Type == "" {
		state.Type = "unknown_trap"
	}

	if mtvalIsAddress[code] {
		state.Address = mtval
		state.AddressValid = true
	} else if code == 2 {
		decoded["illegal_instruction"] = fmt.Sprintf("0x%08x", mtval)
	}
	return state, nil
}

// DecodeExceptionFrame captures the register context at the trap. The
// hardware stacks nothing on trap entry, so the live registers are the
// saved context when stopped in a handler; mepc is the return address.
func (r *riscV) DecodeExceptionFrame(ctx context.Context, m Machine, sp uint64) (ExceptionFrame, error) {
	regs, err := m.ReadAllRegisters(ctx)
	if err != nil {
		return ExceptionFrame{}, fmt.Errorf("read registers: %w", err)
	}

	mepc, err := r.readCSR(ctx, m, "mepc")
	if err != nil {
		return ExceptionFrame{}, err
	}

	if sp == 0 {
		sp = regs["sp"]
	}

	return ExceptionFrame{
		Registers:     regs,
		ReturnAddress: mepc,
		StackPointer:  sp,
		FrameType:     "riscv_trap",
	}, nil
}

// machine-level interrupt bits in mie/mip.
var riscvInterruptBits = []struct {
	bit  int
	name string
}{
	{3, "MSI"},
	{7, "MTI"},
	{11, "MEI"},
}

// CheckInterruptConfig inspects the machine interrupt enable and
// pending CSRs plus the PLIC claim threshold. A PLIC that is absent on
// the platform is tolerated.
func (r *riscV) CheckInterruptConfig(ctx context.Context, m Machine) (InterruptAnalysis, error) {
	mie, err := r.readCSR(ctx, m, "mie")
	if err != nil {
		return InterruptAnalysis{}, err
	}
	mip, err := r.readCSR(ctx, m, "mip")
	if err != nil {
		return InterruptAnalysis{}, err
	}
	mstatus, err := r.readCSR(ctx, m, "mstatus")
	if err != nil {
		return InterruptAnalysis{}, err
	}

	var enabled, pending []InterruptInfo
	for _, ib := range riscvInterruptBits {
		if mie&(1<<ib.bit) != 0 {
			enabled = append(enabled, InterruptInfo{Number: ib.bit, Name: ib.name, Enabled: true})
		}
		if mip&(1<<ib.bit) != 0 {
			pending = append(pending, InterruptInfo{Number: ib.bit, Name: ib.name, Pending: true})
		}
	}

	var warnings []string
	globalEnable := mstatus&0x08 != 0
	if !globalEnable {
		warnings = append(warnings, "Global machine interrupts disabled (mstatus.MIE=0)")
	}

	if threshold, err := readWord(ctx, m, plicThreshold); err == nil && threshold > 0 {
		warnings = append(warnings, fmt.Sprintf(
			"PLIC threshold is %d. Interrupts with priority <= %d are masked.",
			threshold, threshold))
	}

	priorities := map[string]int{
		"MSI": int((mie >> 3) & 1),
		"MTI": int((mie >> 7) & 1),
		"MEI": int((mie >> 11) & 1),
	}
	if globalEnable {
		priorities["global_enable"] = 1
	} else {
		priorities["global_enable"] = 0
	}

	return InterruptAnalysis{
		Enabled:    enabled,
		Pending:    pending,
		Priorities: priorities,
		Warnings:   warnings,
	}, nil
}

// MemoryProtection reads the first 8 PMP entries via the pmpaddr and
// pmpcfg CSRs. Entries with a zero config byte or OFF address mode are
// skipped; a target where PMP CSRs are inaccessible yields an empty,
// disabled configuration.
func (r *riscV) MemoryProtection(ctx context.Context, m Machine) (MemoryProtectionConfig, error) {
	addrModes := map[uint64]string{0: "OFF", 1: "TOR", 2: "NA4", 3: "NAPOT"}

	var regions []MemoryRegion
	for i := 0; i < 8; i++ {
		pmpaddr, err := r.readCSR(ctx, m, fmt.Sprintf("pmpaddr%d", i))
		if err != nil {
			break
		}
		pmpcfg, err := r.readCSR(ctx, m, fmt.Sprintf("pmpcfg%d", i/4))
		if err != nil {
			break
		}
		cfg := (pmpcfg >> ((i % 4) * 8)) & 0xFF
		if cfg == 0 {
			continue
		}

		mode := (cfg >> 3) & 0x03
		if mode == 0 {
			continue
		}

		perms := ""
		for _, p := range []struct {
			mask uint64
			ch   string
		}{{0x01, "R"}, {0x02, "W"}, {0x04, "X"}} {
			if cfg&p.mask != 0 {
				perms += p.ch
			} else {
				perms += "-"
			}
		}

		base := pmpaddr << 2
		var size uint64
		switch mode {
		case 2: // NA4
			size = 4
		case 3: // NAPOT: trailing ones encode the region size
			if pmpaddr == 0 {
				// Whole address space. 2^XLEN overflows uint64 on
				// 64-bit targets, so saturate.
				if r.ptrSize >= 8 {
					size = ^uint64(0)
				} else {
					size = 1 << (r.ptrSize * 8)
				}
			} else {
				ones := 0
				for v := pmpaddr; v&1 != 0; v >>= 1 {
					ones++
				}
				if ones+3 >= 64 {
					size = ^uint64(0)
				} else {
					size = 1 << (ones + 3)
				}
				base = (pmpaddr &^ ((1 << ones) - 1)) << 2
			}
		}

		regions = append(regions, MemoryRegion{
			Number:      i,
			Base:        base,
			Size:        size,
			Permissions: perms,
			Enabled:     true,
			Attributes: map[string]any{
				"mode":   addrModes[mode],
				"locked": cfg&0x80 != 0,
			},
		})
	}

	return MemoryProtectionConfig{
		Enabled:            len(regions) > 0,
		Regions:            regions,
		DefaultPermissions: "RWX",
	}, nil
}
