// Package config provides configuration for faultline sessions.
//
// Configuration is resolved in precedence order: built-in defaults,
// then an optional TOML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Sentinel errors for the config package.
var (
	// ErrInvalidConfiguration is returned for invalid configuration values.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// Machine holds the simulator parameters for one target.
type Machine struct {
	// Model is the simulator machine model (e.g. "lm3s6965evb").
	Model string `toml:"machine"`
	// CPU is the CPU model (e.g. "cortex-m3").
	CPU string `toml:"cpu"`
	// Memory is the memory size (e.g. "64K").
	Memory string `toml:"memory"`
	// GDBPort is the debug-channel port. Zero means auto-allocate.
	GDBPort int `toml:"gdb_port"`
	// QMPPort is the control-channel port. Zero means auto-allocate.
	QMPPort int `toml:"qmp_port"`
	// ExtraArgs are appended to the simulator command line.
	ExtraArgs []string `toml:"extra_args"`
}

// Config holds tool paths and machine defaults.
type Config struct {
	// GDBPath is the debugger executable.
	GDBPath string `toml:"gdb_path"`
	// QEMUARMPath is the simulator executable for ARM targets.
	QEMUARMPath string `toml:"qemu_arm_path"`
	// QEMURiscv32Path is the simulator executable for RV32 targets.
	QEMURiscv32Path string `toml:"qemu_riscv32_path"`
	// QEMURiscv64Path is the simulator executable for RV64 targets.
	QEMURiscv64Path string `toml:"qemu_riscv64_path"`
	// SnapshotDir is where snapshot bookkeeping is kept.
	SnapshotDir string `toml:"snapshot_dir"`
	// LogLevel is the minimum log level ("debug", "info", "warn", "error").
	LogLevel string `toml:"log_level"`
	// Machine holds the default machine parameters.
	Machine Machine `toml:"machine_defaults"`
}

// Default returns the built-in configuration defaults.
func Default() Config {
	return Config{
		GDBPath:         "gdb-multiarch",
		QEMUARMPath:     "qemu-system-arm",
		QEMURiscv32Path: "qemu-system-riscv32",
		QEMURiscv64Path: "qemu-system-riscv64",
		SnapshotDir:     "/tmp/faultline",
		LogLevel:        "info",
		Machine: Machine{
			Model:   "lm3s6965evb",
			CPU:     "cortex-m3",
			Memory:  "64K",
			GDBPort: 1234,
			QMPPort: 4444,
		},
	}
}

// Load resolves configuration from defaults, an optional TOML file,
// and the environment. An empty path skips file loading.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadFile merges a TOML file into cfg.
func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// loadEnv merges environment variables into cfg.
// Environment values win over file values.
func loadEnv(cfg *Config) {
	if v := os.Getenv("FAULTLINE_GDB_PATH"); v != "" {
		cfg.GDBPath = v
	}
	if v := os.Getenv("FAULTLINE_QEMU_ARM_PATH"); v != "" {
		cfg.QEMUARMPath = v
	}
	if v := os.Getenv("FAULTLINE_QEMU_RISCV32_PATH"); v != "" {
		cfg.QEMURiscv32Path = v
	}
	if v := os.Getenv("FAULTLINE_QEMU_RISCV64_PATH"); v != "" {
		cfg.QEMURiscv64Path = v
	}
	if v := os.Getenv("FAULTLINE_SNAPSHOT_DIR"); v != "" {
		cfg.SnapshotDir = v
	}
	if v := os.Getenv("FAULTLINE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// Validate checks the configuration for obviously unusable values.
func (c Config) Validate() error {
	if c.GDBPath == "" {
		return fmt.Errorf("%w: gdb path is empty", ErrInvalidConfiguration)
	}
	if c.Machine.GDBPort < 0 || c.Machine.GDBPort > 65535 {
		return fmt.Errorf("%w: gdb port %d out of range", ErrInvalidConfiguration, c.Machine.GDBPort)
	}
	if c.Machine.QMPPort < 0 || c.Machine.QMPPort > 65535 {
		return fmt.Errorf("%w: qmp port %d out of range", ErrInvalidConfiguration, c.Machine.QMPPort)
	}
	return nil
}

// QEMUPath returns the simulator executable for the given cpu/machine pair.
func (c Config) QEMUPath(cpu, machine string) string {
	cpuLower := strings.ToLower(cpu)
	machineLower := strings.ToLower(machine)

	switch {
	case strings.Contains(cpuLower, "rv64") || strings.Contains(machineLower, "riscv64"):
		return c.QEMURiscv64Path
	case strings.Contains(cpuLower, "rv32") || strings.Contains(machineLower, "riscv32") ||
		strings.Contains(machineLower, "sifive"):
		return c.QEMURiscv32Path
	default:
		return c.QEMUARMPath
	}
}
