package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dylandreimerink/gobpfvm"
	"github.com/dylandreimerink/gobpfvm/ebpf"
)

var (
	flagJIT    bool
	flagMem    string
	flagMemHex string
	flagOutput string
)

func runCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "run {program file}",
		Short: "Run a program, its result (r0) is printed",
		Args:  cobra.ExactArgs(1),
		RunE:  run,
	}

	f := c.Flags()
	addVMFlags(f)
	f.BoolVar(&flagJIT, "jit", false, "Compile the program to machine code instead of interpreting it")
	f.StringVarP(&flagMem, "mem", "m", "", "File whose contents are the memory region of the program")
	f.StringVar(&flagMemHex, "mem-hex", "", "Memory region of the program as hex string")

	return c
}

func asmCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "asm {assembly file}",
		Short: "Assemble a program into raw bytecode",
		Args:  cobra.ExactArgs(1),
		RunE:  assemble,
	}

	c.Flags().StringVarP(&flagOutput, "output", "o", "", "Output file, stdout if not set")
	return c
}

func disasmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disasm {program file}",
		Short: "Verify a program and print it in assembly syntax",
		Args:  cobra.ExactArgs(1),
		RunE:  disassemble,
	}
}

func jitDumpCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "jit-dump {program file}",
		Short: "Print the x86-64 machine code generated for a program",
		Args:  cobra.ExactArgs(1),
		RunE:  jitDump,
	}

	addVMFlags(c.Flags())
	return c
}

func setup(cmd *cobra.Command, path string) (*gobpfvm.VM, Config, error) {
	cmd.SilenceUsage = true

	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return nil, cfg, err
	}
	cfg.overlay(cmd.Flags())

	vm, err := cfg.newVM()
	if err != nil {
		return nil, cfg, err
	}

	if err := loadProgram(vm, path, flagFormat); err != nil {
		_ = vm.Close()
		return nil, cfg, err
	}
	log.Infof("loaded %s, %d instructions", path, vm.Program().Len())

	return vm, cfg, nil
}

func run(cmd *cobra.Command, args []string) error {
	vm, cfg, err := setup(cmd, args[0])
	if err != nil {
		return err
	}
	defer vm.Close()

	mem, err := memory()
	if err != nil {
		return err
	}

	engine := gobpfvm.Engine(interpreted{vm})
	if cfg.JIT {
		fn, err := vm.Compile()
		if err != nil {
			return fmt.Errorf("compile: %w", err)
		}
		log.Debugf("compiled %d bytes of machine code", len(fn.Code().Bytes()))
		engine = fn
	}

	result, err := engine.Run(mem)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "0x%x\n", result)
	return nil
}

// interpreted runs the program of a VM in the interpreter
type interpreted struct {
	vm *gobpfvm.VM
}

func (i interpreted) Run(mem []byte) (uint64, error) {
	return i.vm.Exec(mem)
}

func memory() ([]byte, error) {
	switch {
	case flagMem != "" && flagMemHex != "":
		return nil, fmt.Errorf("--mem and --mem-hex are mutually exclusive")
	case flagMem != "":
		return os.ReadFile(flagMem)
	case flagMemHex != "":
		mem, err := hex.DecodeString(strings.ReplaceAll(flagMemHex, " ", ""))
		if err != nil {
			return nil, fmt.Errorf("--mem-hex: %w", err)
		}
		return mem, nil
	}
	return nil, nil
}

func assemble(cmd *cobra.Command, args []string) error {
	cmd.SilenceUsage = true

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	insts, err := ebpf.Assemble(filepath.Base(args[0]), f)
	if err != nil {
		return err
	}
	code := ebpf.EncodeBytes(insts)

	if flagOutput == "" {
		_, err = cmd.OutOrStdout().Write(code)
		return err
	}

	log.Infof("writing %d instructions to %s", len(insts), flagOutput)
	return os.WriteFile(flagOutput, code, 0o644)
}

func disassemble(cmd *cobra.Command, args []string) error {
	vm, _, err := setup(cmd, args[0])
	if err != nil {
		return err
	}
	defer vm.Close()

	text, err := vm.Disassemble()
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(cmd.OutOrStdout(), text)
	return err
}

func jitDump(cmd *cobra.Command, args []string) error {
	vm, _, err := setup(cmd, args[0])
	if err != nil {
		return err
	}
	defer vm.Close()

	code, err := vm.TranslateCode()
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(cmd.OutOrStdout(), code.Disassemble())
	return err
}

// loadProgram loads the program file in the given format into vm.
func loadProgram(vm *gobpfvm.VM, path, format string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if format == "auto" {
		format = formatOf(path)
	}

	switch format {
	case "raw":
		return vm.Load(data)
	case "elf":
		return vm.LoadELF(bytes.NewReader(data))
	case "asm":
		insts, err := ebpf.Assemble(filepath.Base(path), bytes.NewReader(data))
		if err != nil {
			return err
		}
		return vm.LoadInstructions(insts)
	}

	return fmt.Errorf("unknown program format '%s'", format)
}

func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".o", ".elf":
		return "elf"
	case ".s", ".asm", ".bpfasm":
		return "asm"
	}
	return "raw"
}
