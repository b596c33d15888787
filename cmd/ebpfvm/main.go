// Command ebpfvm assembles, disassembles, runs and JIT compiles eBPF programs in the userspace VM.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("ebpfvm")

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	flagVerbose int
	flagConfig  string
	flagFormat  string
)

func rootCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "ebpfvm",
		Short: "Userspace eBPF virtual machine",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			commonlog.Configure(flagVerbose, nil)
		},
		SilenceErrors: true,
	}

	f := c.PersistentFlags()
	f.CountVarP(&flagVerbose, "verbose", "v", "Increase log verbosity, can be repeated")
	f.StringVarP(&flagConfig, "config", "c", "", "Path to a TOML file with VM settings, flags take precedence")
	f.StringVarP(&flagFormat, "format", "f", "auto", "Format of the program file: auto, raw, elf or asm. "+
		"auto picks by file extension, .o and .elf are ELF objects, .s, .asm and .bpfasm assembly, "+
		"everything else raw bytecode")

	c.AddCommand(
		runCmd(),
		asmCmd(),
		disasmCmd(),
		jitDumpCmd(),
	)

	return c
}
