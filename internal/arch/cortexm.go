package arch

import (
	"context"
	"fmt"
)

// System Control Block registers.
const (
	regCFSR  = 0xE000ED28 // Configurable Fault Status
	regHFSR  = 0xE000ED2C // HardFault Status
	regMMFAR = 0xE000ED34 // MemManage Fault Address
	regBFAR  = 0xE000ED38 // BusFault Address

	regSHPR1 = 0xE000ED18 // MemManage, BusFault, UsageFault priorities
	regSHPR2 = 0xE000ED1C // SVCall priority
	regSHPR3 = 0xE000ED20 // PendSV, SysTick priorities

	regNVICISER = 0xE000E100 // Interrupt Set Enable
	regNVICISPR = 0xE000E200 // Interrupt Set Pending

	regMPUType = 0xE000ED90
	regMPUCtrl = 0xE000ED94
	regMPURNR  = 0xE000ED98
	regMPURBAR = 0xE000ED9C
	regMPURASR = 0xE000EDA0
)

// CFSR valid-address bits.
const (
	cfsrMMARValid = 0x80
	cfsrBFARValid = 0x8000
)

// bitDesc is one status-register bit with its explanation.
type bitDesc struct {
	mask uint32
	name string
	desc string
}

// cfsrBits covers the MemManage (0-7), BusFault (8-15), and UsageFault
// (16-31) bytes of the CFSR.
var cfsrBits = []bitDesc{
	{0x01, "IACCVIOL", "Instruction access violation"},
	{0x02, "DACCVIOL", "Data access violation"},
	{0x08, "MUNSTKERR", "MemManage fault on unstacking for return"},
	{0x10, "MSTKERR", "MemManage fault on stacking for exception"},
	{0x20, "MLSPERR", "MemManage fault during FP lazy state preservation"},
	{cfsrMMARValid, "MMARVALID", "MMFAR holds valid fault address"},

	{0x0100, "IBUSERR", "Instruction bus error"},
	{0x0200, "PRECISERR", "Precise data bus error"},
	{0x0400, "IMPRECISERR", "Imprecise data bus error"},
	{0x0800, "UNSTKERR", "BusFault on unstacking for return"},
	{0x1000, "STKERR", "BusFault on stacking for exception"},
	{0x2000, "LSPERR", "BusFault during FP lazy state preservation"},
	{cfsrBFARValid, "BFARVALID", "BFAR holds valid fault address"},

	{0x010000, "UNDEFINSTR", "Undefined instruction"},
	{0x020000, "INVSTATE", "Invalid state (Thumb bit)"},
	{0x040000, "INVPC", "Invalid PC load (bad EXC_RETURN)"},
	{0x080000, "NOCP", "No coprocessor (FPU disabled?)"},
	{0x100000, "STKOF", "Stack overflow detected (ARMv8-M)"},
	{0x01000000, "UNALIGNED", "Unaligned memory access"},
	{0x02000000, "DIVBYZERO", "Divide by zero"},
}

var hfsrBits = []bitDesc{
	{0x02, "VECTTBL", "Vector table read error on exception"},
	{0x40000000, "FORCED", "Forced HardFault (escalated from other fault)"},
	{0x80000000, "DEBUGEVT", "Debug event triggered HardFault"},
}

// cortexM implements Target for ARMv7-M and ARMv8-M cores.
type cortexM struct {
	name string
}

func newCortexM(name string) *cortexM {
	return &cortexM{name: name}
}

func (c *cortexM) Name() string { return c.name }

func (c *cortexM) RegisterNames() []string {
	return []string{
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
		"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc", "xpsr",
	}
}

func (c *cortexM) PointerSize() int { return 4 }

// decodeBits collects set bits into a name-to-description map.
func decodeBits(value uint32, bits []bitDesc, into map[string]string) {
	for _, b := range bits {
		if value&b.mask != 0 {
			into[b.name] = b.desc
		}
	}
}

// faultType maps the status registers to a high-level category. Checks
// run in byte order: MemManage, then BusFault, then the individual
// UsageFault bits, then HardFault escalation.
func faultType(cfsr, hfsr uint32) string {
	switch {
	case cfsr&0xFF != 0:
		return "memory_protection_fault"
	case cfsr&0xFF00 != 0:
		return "bus_fault"
	case cfsr&0x010000 != 0:
		return "undefined_instruction"
	case cfsr&0x020000 != 0:
		return "invalid_state"
	case cfsr&0x040000 != 0:
		return "invalid_pc"
	case cfsr&0x080000 != 0:
		return "coprocessor_fault"
	case cfsr&0x01000000 != 0:
		return "unaligned_access"
	case cfsr&0x02000000 != 0:
		return "divide_by_zero"
	case hfsr&0x40000000 != 0:
		return "escalated_fault"
	case hfsr&0x02 != 0:
		return "vector_table_fault"
	default:
		return "unknown_fault"
	}
}

// ReadFaultState reads CFSR, HFSR, MMFAR, and BFAR and decodes the
// cause of the active fault. The fault address is only surfaced when
// the corresponding valid bit gates it: MMFAR for MemManage faults,
// BFAR for bus faults, MemManage winning when both claim validity.
func (c *cortexM) ReadFaultState(ctx context.Context, m Machine) (FaultState, error) {
	cfsr, err := readWord(ctx, m, regCFSR)
	if err != nil {
		return FaultState{}, fmt.Errorf("read CFSR: %w", err)
	}
	hfsr, err := readWord(ctx, m, regHFSR)
	if err != nil {
		return FaultState{}, fmt.Errorf("read HFSR: %w", err)
	}
	mmfar, err := readWord(ctx, m, regMMFAR)
	if err != nil {
		return FaultState{}, fmt.Errorf("read MMFAR: %w", err)
	}
	bfar, err := readWord(ctx, m, regBFAR)
	if err != nil {
		return FaultState{}, fmt.Errorf("read BFAR: %w", err)
	}

	decoded := make(map[string]string)
	decodeBits(cfsr, cfsrBits, decoded)
	decodeBits(hfsr, hfsrBits, decoded)

	state := FaultState{
		Type:    faultType(cfsr, hfsr),
		Decoded: decoded,
		Registers: map[string]uint64{
			"CFSR":  uint64(cfsr),
			"HFSR":  uint64(hfsr),
			"MMFAR": uint64(mmfar),
			"BFAR":  uint64(bfar),
		},
	}

	if cfsr&cfsrMMARValid != 0 {
		state.Address = uint64(mmfar)
		state.AddressValid = true
	} else if cfsr&cfsrBFARValid != 0 {
		state.Address = uint64(bfar)
		state.AddressValid = true
	}
	return state, nil
}

// DecodeExceptionFrame reads the 8-word frame the core pushes at
// exception entry: r0-r3, r12, lr, pc, xpsr. A clear bit 4 in the
// stacked LR marks an extended frame with FPU context below it. The
// Thumb state comes from the stacked xPSR T bit and is reported
// separately; the return address has its low bit cleared.
func (c *cortexM) DecodeExceptionFrame(ctx context.Context, m Machine, sp uint64) (ExceptionFrame, error) {
	if sp == 0 {
		regs, err := m.ReadRegisters(ctx, []string{"sp"})
		if err != nil {
			return ExceptionFrame{}, fmt.Errorf("read sp: %w", err)
		}
		sp = regs["sp"]
	}

	data, err := m.ReadMemory(ctx, sp, 32)
	if err != nil {
		return ExceptionFrame{}, fmt.Errorf("read frame at 0x%x: %w", sp, err)
	}
	if len(data) < 32 {
		return ExceptionFrame{}, fmt.Errorf("arch: short frame read at 0x%x", sp)
	}

	word := func(off int) uint64 {
		return uint64(data[off]) | uint64(data[off+1])<<8 |
			uint64(data[off+2])<<16 | uint64(data[off+3])<<24
	}

	registers := map[string]uint64{
		"r0":   word(0),
		"r1":   word(4),
		"r2":   word(8),
		"r3":   word(12),
		"r12":  word(16),
		"lr":   word(20),
		"pc":   word(24),
		"xpsr": word(28),
	}

	frameType := "basic"
	if registers["lr"]&0x10 == 0 {
		frameType = "extended_fpu"
	}

	return ExceptionFrame{
		Registers:     registers,
		ReturnAddress: registers["pc"] &^ 1,
		StackPointer:  sp,
		FrameType:     frameType,
		Thumb:         registers["xpsr"]&(1<<24) != 0,
	}, nil
}

// CheckInterruptConfig reads the system handler priorities and the
// first NVIC enable/pending banks, warning on priority inversions that
// break common RTOS assumptions.
func (c *cortexM) CheckInterruptConfig(ctx context.Context, m Machine) (InterruptAnalysis, error) {
	shpr1, err := readWord(ctx, m, regSHPR1)
	if err != nil {
		return InterruptAnalysis{}, fmt.Errorf("read SHPR1: %w", err)
	}
	shpr2, err := readWord(ctx, m, regSHPR2)
	if err != nil {
		return InterruptAnalysis{}, fmt.Errorf("read SHPR2: %w", err)
	}
	shpr3, err := readWord(ctx, m, regSHPR3)
	if err != nil {
		return InterruptAnalysis{}, fmt.Errorf("read SHPR3: %w", err)
	}

	// Lower priority values preempt higher ones.
	priorities := map[string]int{
		"MemManage":  int(shpr1 & 0xFF),
		"BusFault":   int((shpr1 >> 8) & 0xFF),
		"UsageFault": int((shpr1 >> 16) & 0xFF),
		"SVCall":     int((shpr2 >> 24) & 0xFF),
		"PendSV":     int((shpr3 >> 16) & 0xFF),
		"SysTick":    int((shpr3 >> 24) & 0xFF),
	}

	var warnings []string
	if priorities["PendSV"] < priorities["SVCall"] {
		warnings = append(warnings, fmt.Sprintf(
			"PendSV priority (%d) is higher than SVCall (%d). This can cause context switch issues in RTOS implementations.",
			priorities["PendSV"], priorities["SVCall"]))
	}
	if priorities["SysTick"] < priorities["SVCall"] {
		warnings = append(warnings, fmt.Sprintf(
			"SysTick priority (%d) is higher than SVCall (%d). Time-critical syscalls may be delayed.",
			priorities["SysTick"], priorities["SVCall"]))
	}

	iser, err := readWord(ctx, m, regNVICISER)
	if err != nil {
		return InterruptAnalysis{}, fmt.Errorf("read NVIC ISER: %w", err)
	}
	ispr, err := readWord(ctx, m, regNVICISPR)
	if err != nil {
		return InterruptAnalysis{}, fmt.Errorf("read NVIC ISPR: %w", err)
	}

	var enabled, pending []InterruptInfo
	for i := 0; i < 32; i++ {
		if iser&(1<<i) != 0 {
			enabled = append(enabled, InterruptInfo{Number: i, Name: fmt.Sprintf("IRQ%d", i), Enabled: true})
		}
		if ispr&(1<<i) != 0 {
			pending = append(pending, InterruptInfo{Number: i, Name: fmt.Sprintf("IRQ%d", i), Pending: true})
		}
	}

	return InterruptAnalysis{
		Enabled:    enabled,
		Pending:    pending,
		Priorities: priorities,
		Warnings:   warnings,
	}, nil
}

// mpuAccessPerms maps RASR AP field values to permission strings.
var mpuAccessPerms = map[uint32]string{
	0: "---",
	1: "RW-",
	2: "RW-",
	3: "RW-",
	5: "R--",
	6: "R--",
}

// MemoryProtection reads the MPU configuration region by region via the
// region number register window.
func (c *cortexM) MemoryProtection(ctx context.Context, m Machine) (MemoryProtectionConfig, error) {
	mpuType, err := readWord(ctx, m, regMPUType)
	if err != nil {
		return MemoryProtectionConfig{}, fmt.Errorf("read MPU_TYPE: %w", err)
	}

	numRegions := int((mpuType >> 8) & 0xFF)
	if numRegions == 0 {
		return MemoryProtectionConfig{DefaultPermissions: "---"}, nil
	}
	if numRegions > 16 {
		numRegions = 16
	}

	ctrl, err := readWord(ctx, m, regMPUCtrl)
	if err != nil {
		return MemoryProtectionConfig{}, fmt.Errorf("read MPU_CTRL: %w", err)
	}

	cfg := MemoryProtectionConfig{
		Enabled:            ctrl&0x01 != 0,
		DefaultPermissions: "---",
	}
	if ctrl&0x04 != 0 { // PRIVDEFENA: background map enabled
		cfg.DefaultPermissions = "RWX"
	}

	for i := 0; i < numRegions; i++ {
		if err := m.WriteMemory(ctx, regMPURNR, []byte{byte(i), 0, 0, 0}); err != nil {
			return MemoryProtectionConfig{}, fmt.Errorf("select MPU region %d: %w", i, err)
		}

		rbar, err := readWord(ctx, m, regMPURBAR)
		if err != nil {
			return MemoryProtectionConfig{}, fmt.Errorf("read MPU_RBAR: %w", err)
		}
		rasr, err := readWord(ctx, m, regMPURASR)
		if err != nil {
			return MemoryProtectionConfig{}, fmt.Errorf("read MPU_RASR: %w", err)
		}

		if rasr&0x01 == 0 {
			continue
		}

		sizeBits := (rasr >> 1) & 0x1F
		var size uint64
		if sizeBits >= 4 {
			size = 1 << (sizeBits + 1)
		}

		perms, ok := mpuAccessPerms[(rasr>>24)&0x07]
		if !ok {
			perms = "???"
		}
		if rasr&0x10000000 == 0 { // XN clear: executable
			perms = perms[:2] + "X"
		}

		cfg.Regions = append(cfg.Regions, MemoryRegion{
			Number:      i,
			Base:        uint64(rbar &^ 0x1F),
			Size:        size,
			Permissions: perms,
			Enabled:     true,
			Attributes: map[string]any{
				"tex":        (rasr >> 19) & 0x07,
				"shareable":  rasr&0x40000 != 0,
				"cacheable":  rasr&0x20000 != 0,
				"bufferable": rasr&0x10000 != 0,
			},
		})
	}

	return cfg, nil
}

// cortexM0 covers M0/M0+ cores, which have no CFSR: every fault is a
// HardFault with HFSR as the only status source.
type cortexM0 struct {
	*cortexM
}

func newCortexM0(name string) *cortexM0 {
	return &cortexM0{cortexM: newCortexM(name)}
}

// ReadFaultState reads only HFSR; M0-class cores report no fault address.
func (c *cortexM0) ReadFaultState(ctx context.Context, m Machine) (FaultState, error) {
	hfsr, err := readWord(ctx, m, regHFSR)
	if err != nil {
		return FaultState{}, fmt.Errorf("read HFSR: %w", err)
	}

	decoded := make(map[string]string)
	decodeBits(hfsr, hfsrBits, decoded)

	return FaultState{
		Type:      "hardfault",
		Decoded:   decoded,
		Registers: map[string]uint64{"HFSR": uint64(hfsr)},
	}, nil
}

// cortexM33 covers ARMv8-M mainline cores (M23/M33). The v7-M decode
// applies; the STKOF bit in the shared CFSR table is v8-M only.
type cortexM33 struct {
	*cortexM
}

func newCortexM33(name string) *cortexM33 {
	return &cortexM33{cortexM: newCortexM(name)}
}
