// Package arch provides pluggable architecture support for fault
// analysis on embedded targets.
//
// Each architecture implements Target over the narrow Machine surface a
// debug session exposes, so decoders never depend on the session or the
// debugger wiring directly.
package arch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/exp/maps"
)

// ErrUnknownArchitecture is returned by Lookup for names with no
// registered implementation.
var ErrUnknownArchitecture = errors.New("arch: unknown architecture")

// Machine is the target-access surface a decoder needs: raw memory,
// registers, and expression evaluation through the debugger.
type Machine interface {
	// ReadMemory reads size bytes at addr.
	ReadMemory(ctx context.Context, addr uint64, size int) ([]byte, error)
	// WriteMemory writes data at addr.
	WriteMemory(ctx context.Context, addr uint64, data []byte) error
	// ReadRegisters reads the named registers.
	ReadRegisters(ctx context.Context, names []string) (map[string]uint64, error)
	// ReadAllRegisters reads every scalar register the debugger names.
	ReadAllRegisters(ctx context.Context) (map[string]uint64, error)
	// Evaluate evaluates an expression and returns its textual result.
	Evaluate(ctx context.Context, expr string) (string, error)
}

// FaultState is architecture-agnostic fault information.
type FaultState struct {
	// Type is the high-level fault category ("bus_fault",
	// "illegal_instruction", ...).
	Type string
	// Address is the faulting address when the architecture reports one.
	Address uint64
	// AddressValid reports whether Address holds a real fault address.
	AddressValid bool
	// Registers holds the raw fault register values that were read.
	Registers map[string]uint64
	// Decoded maps set fault bits to human-readable explanations.
	Decoded map[string]string
}

// ExceptionFrame is the register context captured at exception entry.
type ExceptionFrame struct {
	// Registers holds the frame's register values.
	Registers map[string]uint64
	// ReturnAddress is where execution resumes after the handler.
	ReturnAddress uint64
	// StackPointer is the stack pointer the frame was read from.
	StackPointer uint64
	// FrameType names the architecture-specific frame layout.
	FrameType string
	// Thumb reports the instruction-set state at the fault point, for
	// architectures that carry one. The return address never encodes it.
	Thumb bool
}

// InterruptInfo describes one interrupt line.
type InterruptInfo struct {
	Number   int
	Name     string
	Priority int
	Enabled  bool
	Pending  bool
	Active   bool
}

// InterruptAnalysis is the result of inspecting the interrupt controller.
type InterruptAnalysis struct {
	// Enabled and Pending list the interrupt lines in each state.
	Enabled []InterruptInfo
	Pending []InterruptInfo
	// Priorities holds priority values for key handlers.
	Priorities map[string]int
	// Warnings lists detected misconfigurations.
	Warnings []string
}

// MemoryRegion is one memory-protection region.
type MemoryRegion struct {
	Number      int
	Base        uint64
	Size        uint64
	Permissions string
	Enabled     bool
	// Attributes holds architecture-specific region attributes.
	Attributes map[string]any
}

// MemoryProtectionConfig describes the protection unit's configuration.
type MemoryProtectionConfig struct {
	// Enabled reports whether protection is globally active.
	Enabled bool
	// Regions lists the configured regions.
	Regions []MemoryRegion
	// DefaultPermissions applies to addresses no region covers.
	DefaultPermissions string
}

// Target is one architecture's fault-analysis implementation.
type Target interface {
	// Name is the canonical architecture name.
	Name() string
	// RegisterNames lists the general-purpose registers in ABI order.
	RegisterNames() []string
	// PointerSize is the pointer width in bytes.
	PointerSize() int

	// ReadFaultState reads and decodes the fault/trap registers.
	ReadFaultState(ctx context.Context, m Machine) (FaultState, error)
	// DecodeExceptionFrame parses the exception frame. A zero sp means
	// the current stack pointer.
	DecodeExceptionFrame(ctx context.Context, m Machine, sp uint64) (ExceptionFrame, error)
	// CheckInterruptConfig analyzes the interrupt controller.
	CheckInterruptConfig(ctx context.Context, m Machine) (InterruptAnalysis, error)
	// MemoryProtection reads the protection-unit configuration.
	MemoryProtection(ctx context.Context, m Machine) (MemoryProtectionConfig, error)
}

// CrashReport aggregates one crash analysis pass.
type CrashReport struct {
	Architecture string
	Fault        FaultState
	Frame        ExceptionFrame
	Interrupts   InterruptAnalysis
}

// AnalyzeCrash gathers fault state, the exception frame, and the
// interrupt configuration into one report.
func AnalyzeCrash(ctx context.Context, t Target, m Machine) (CrashReport, error) {
	fault, err := t.ReadFaultState(ctx, m)
	if err != nil {
		return CrashReport{}, fmt.Errorf("fault state: %w", err)
	}
	frame, err := t.DecodeExceptionFrame(ctx, m, 0)
	if err != nil {
		return CrashReport{}, fmt.Errorf("exception frame: %w", err)
	}
	interrupts, err := t.CheckInterruptConfig(ctx, m)
	if err != nil {
		return CrashReport{}, fmt.Errorf("interrupt config: %w", err)
	}

	return CrashReport{
		Architecture: t.Name(),
		Fault:        fault,
		Frame:        frame,
		Interrupts:   interrupts,
	}, nil
}

// architectures maps names to constructors. Aliases share one
// implementation.
var architectures = map[string]func() Target{
	"cortex-m":   func() Target { return newCortexM("cortex-m") },
	"cortex-m0":  func() Target { return newCortexM0("cortex-m0") },
	"cortex-m0+": func() Target { return newCortexM0("cortex-m0+") },
	"cortex-m3":  func() Target { return newCortexM("cortex-m3") },
	"cortex-m4":  func() Target { return newCortexM("cortex-m4") },
	"cortex-m7":  func() Target { return newCortexM("cortex-m7") },
	"cortex-m23": func() Target { return newCortexM33("cortex-m23") },
	"cortex-m33": func() Target { return newCortexM33("cortex-m33") },

	"riscv":   func() Target { return newRiscV("riscv", 4) },
	"riscv32": func() Target { return newRiscV("riscv32", 4) },
	"riscv64": func() Target { return newRiscV("riscv64", 8) },
	"rv32":    func() Target { return newRiscV("riscv32", 4) },
	"rv64":    func() Target { return newRiscV("riscv64", 8) },
}

// Lookup returns the architecture implementation registered under name.
func Lookup(name string) (Target, error) {
	ctor, ok := architectures[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s (supported: %s)",
			ErrUnknownArchitecture, name, strings.Join(Names(), ", "))
	}
	return ctor(), nil
}

// Names lists every registered architecture name, sorted.
func Names() []string {
	names := maps.Keys(architectures)
	sort.Strings(names)
	return names
}

// Detect infers an architecture name from the simulator's cpu and
// machine model names. Unknown combinations default to cortex-m, the
// most common embedded target.
func Detect(cpu, machine string) string {
	cpu = strings.ToLower(cpu)
	machine = strings.ToLower(machine)

	for _, variant := range []string{
		"cortex-m0+", "cortex-m0", "cortex-m33", "cortex-m23",
		"cortex-m7", "cortex-m4", "cortex-m3",
	} {
		if strings.Contains(cpu, variant) {
			return variant
		}
	}
	if strings.Contains(cpu, "cortex") {
		return "cortex-m"
	}

	if strings.Contains(cpu, "rv64") || strings.Contains(machine, "riscv64") {
		return "riscv64"
	}
	if strings.Contains(cpu, "rv32") || strings.Contains(machine, "riscv32") {
		return "riscv32"
	}
	if strings.Contains(machine, "sifive") {
		if strings.Contains(machine, "sifive_u") {
			return "riscv64"
		}
		return "riscv32"
	}
	if strings.Contains(cpu, "riscv") || strings.Contains(machine, "riscv") {
		return "riscv"
	}

	return "cortex-m"
}

// readWord reads one 32-bit little-endian word from target memory.
func readWord(ctx context.Context, m Machine, addr uint64) (uint32, error) {
	data, err := m.ReadMemory(ctx, addr, 4)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("arch: short read at 0x%x", addr)
	}
	return uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24, nil
}
