package main

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"

	"github.com/dylandreimerink/gobpfvm"
	"github.com/dylandreimerink/gobpfvm/functable"
)

// Config holds the VM settings of the config file. Unset fields keep the VM defaults.
type Config struct {
	BoundsCheck     *bool   `toml:"bounds-check"`
	StackSize       int     `toml:"stack-size"`
	MaxInstructions int     `toml:"max-instructions"`
	MaxCodeSize     int     `toml:"max-code-size"`
	UnwindIndex     *uint32 `toml:"unwind-index"`
	PointerSecret   uint64  `toml:"pointer-secret"`
	JIT             bool    `toml:"jit"`
}

// loadConfig parses the config file at path, an empty path yields the zero config.
func loadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read %s: %w", path, err)
	}

	if err := parseConfig(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse error in %s: %w", path, err)
	}

	return cfg, nil
}

func parseConfig(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown setting '%s'", undecoded[0])
	}

	if cfg.UnwindIndex != nil && *cfg.UnwindIndex >= functable.MaxFunctions {
		return fmt.Errorf("unwind-index %d is out of range, max %d", *cfg.UnwindIndex, functable.MaxFunctions-1)
	}

	return nil
}

// VM flags, shared by the commands which create a VM
var (
	flagNoBoundsCheck   bool
	flagStackSize       int
	flagMaxInstructions int
	flagUnwindIndex     uint32
	flagPointerSecret   uint64
)

func addVMFlags(f *pflag.FlagSet) {
	f.BoolVar(&flagNoBoundsCheck, "no-bounds-check", false, "Disable bounds checking of memory accesses (unsafe)")
	f.IntVar(&flagStackSize, "stack-size", 0, "Size of the stack of each execution in bytes")
	f.IntVar(&flagMaxInstructions, "max-instructions", 0, "Largest program accepted")
	f.Uint32Var(&flagUnwindIndex, "unwind", 0, "Index of the function which ends the program when it returns 0")
	f.Uint64Var(&flagPointerSecret, "secret", 0, "Pointer secret mixed into JIT generated code")
}

// overlay applies the flags which are set on the command line over the config file.
func (cfg *Config) overlay(f *pflag.FlagSet) {
	if f.Changed("no-bounds-check") {
		enabled := !flagNoBoundsCheck
		cfg.BoundsCheck = &enabled
	}
	if f.Changed("stack-size") {
		cfg.StackSize = flagStackSize
	}
	if f.Changed("max-instructions") {
		cfg.MaxInstructions = flagMaxInstructions
	}
	if f.Changed("unwind") {
		index := flagUnwindIndex
		cfg.UnwindIndex = &index
	}
	if f.Changed("secret") {
		cfg.PointerSecret = flagPointerSecret
	}
	if f.Changed("jit") {
		cfg.JIT = flagJIT
	}
}

// newVM creates a VM with the configured settings and the builtin functions registered.
func (cfg *Config) newVM() (*gobpfvm.VM, error) {
	opts := []gobpfvm.Option{
		gobpfvm.WithErrorPrinter(printFault),
		gobpfvm.WithStackSize(cfg.StackSize),
		gobpfvm.WithMaxInstructions(cfg.MaxInstructions),
		gobpfvm.WithMaxCodeSize(cfg.MaxCodeSize),
		gobpfvm.WithPointerSecret(cfg.PointerSecret),
	}
	if cfg.BoundsCheck != nil {
		opts = append(opts, gobpfvm.WithBoundsCheck(*cfg.BoundsCheck))
	}

	vm := gobpfvm.New(opts...)

	if err := registerBuiltins(vm); err != nil {
		_ = vm.Close()
		return nil, err
	}

	if cfg.UnwindIndex != nil {
		if err := vm.SetUnwindFunctionIndex(*cfg.UnwindIndex); err != nil {
			_ = vm.Close()
			return nil, err
		}
	}

	return vm, nil
}

func printFault(format string, args ...interface{}) {
	log.Errorf("fault: "+trimNewline(format), args...)
}

func trimNewline(s string) string {
	for len(s) > 0 && s[len(s)-1] == '\n' {
		s = s[:len(s)-1]
	}
	return s
}
