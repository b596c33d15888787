//go:build linux && amd64

package jit

import (
	"fmt"

	"github.com/dylandreimerink/gobpfvm/internal/codebuf"
	"github.com/dylandreimerink/gobpfvm/machine"
)

// jitcall enters generated code at the address code with ctx as first argument. It returns when the generated code
// exits to Go, ctx.exit holds the reason.
func jitcall(code uintptr, ctx *context)

// Compile places the code in executable memory.
func (c *Code) Compile() (*Function, error) {
	buf, err := codebuf.New(c.bytes)
	if err != nil {
		return nil, fmt.Errorf("jit: %w", err)
	}

	return &Function{code: c, buf: buf}, nil
}

// Run executes the function with mem as memory region and returns r0. A failed execution returns a *machine.Fault
// which has also been sent to the error printer.
func (f *Function) Run(mem []byte) (uint64, error) {
	addr, err := f.buf.Addr()
	if err != nil {
		return 0, fmt.Errorf("jit: %w", err)
	}

	cfg := &f.code.cfg
	stack := make([]byte, cfg.StackSize)
	memory := machine.NewMemory(mem, stack, cfg.BoundsCheck)

	ctx := &context{
		memBase:   memory.RegionBase,
		memEnd:    memory.RegionBase + uint64(len(mem)),
		stackBase: memory.StackBase,
		stackEnd:  memory.StackBase + uint64(len(stack)),
		resume:    uint64(f.code.entry) ^ cfg.Secret,
		mem:       mem,
		stack:     stack,
	}
	regs := (*machine.Registers)(&ctx.regs)
	cfg.Init(regs, memory)

	result, fault := f.run(addr, ctx, memory)
	cfg.Finish(regs)
	if fault != nil {
		cfg.Report(fault)
		return 0, fault
	}

	return result, nil
}

func (f *Function) run(addr uintptr, ctx *context, memory *machine.Memory) (uint64, *machine.Fault) {
	regs := (*machine.Registers)(&ctx.regs)
	for {
		ctx.exit = exitNone
		jitcall(addr, ctx)

		switch ctx.exit {
		case exitReturn:
			return ctx.regs[0], nil

		case exitCall:
			// The generated code has already set resume to the continuation of the call site
			if fault := machine.Call(f.code.table, uint32(ctx.arg), int(ctx.pc), regs); fault != nil {
				return 0, fault
			}

		case exitDivideByZero:
			return 0, machine.DivideByZero(int(ctx.pc), regs)

		case exitOutOfBounds:
			size := int(ctx.arg &^ argStore)
			return 0, machine.OutOfBounds(int(ctx.pc), ctx.addr, size, ctx.arg&argStore != 0, regs, memory)

		default:
			panic(fmt.Sprintf("jit: generated code exited with unknown reason %d", ctx.exit))
		}
	}
}
