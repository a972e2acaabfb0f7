package bytecode

import (
	"fmt"

	"github.com/chazu/looptier/vm"
)

// step is one compiled instruction. exec updates the registers and returns
// the next bytecode index.
type step struct {
	ret  bool
	reg  int
	exec func(regs []int32) int
}

func compileInstr(in Instr) step {
	a, b := in.A, in.B
	next := in.BCI + in.Size()
	switch in.Op {
	case OpReturn:
		return step{ret: true, reg: a}
	case OpInc:
		return step{exec: func(r []int32) int { r[a]++; return next }}
	case OpDec:
		return step{exec: func(r []int32) int { r[a]--; return next }}
	case OpCopy:
		return step{exec: func(r []int32) int { r[b] = r[a]; return next }}
	case OpJmpNonZero:
		dest := in.Dest()
		return step{exec: func(r []int32) int {
			if r[a] != 0 {
				return dest
			}
			return next
		}}
	}
	panic(fmt.Sprintf("bytecode: cannot compile %s", in.Op))
}

// CheckCompilable refuses targets that are not loop headers.
func (n *Node) CheckCompilable(target int) error {
	for _, h := range LoopHeaders(n.instrs) {
		if h == target {
			return nil
		}
	}
	return vm.PermanentBailout(fmt.Sprintf("%d is not a loop header of %s", target, n.name))
}

// CompileOSR turns the program into a chain of closures entered at
// p.Target. Registers are kept in a local slice while the code runs and
// written back to the OSR frame when it returns or deoptimizes.
//
// The code checks for invalidation on every back-edge. When it finds
// itself deoptimized it hands the loop header it was about to enter back
// to the interpreter.
func (n *Node) CompileOSR(p *vm.Program) (vm.OSRCode, error) {
	for r := 0; r < n.numRegs; r++ {
		slot := n.regs + r
		if slot >= len(p.Tags) || p.Tags[slot] != vm.KindInt {
			return nil, vm.TransientBailout(fmt.Sprintf("register r%d of %s is not an int at entry", r, n.name))
		}
	}

	steps := make([]step, len(n.code))
	for _, in := range n.instrs {
		steps[in.BCI] = compileInstr(in)
	}
	logger.Debug("bytecode loop compiled", "node", n.String(), "target", p.Target, "instructions", len(n.instrs))

	return func(t *vm.Thread, f *vm.Frame, target int, _ any) vm.Outcome {
		regs := n.loadRegisters(f)
		bci := target
		for {
			s := steps[bci]
			if s.ret {
				n.storeRegisters(f, regs)
				return vm.Return(regs[s.reg])
			}
			next := s.exec(regs)
			if next < bci && !t.InCompiledCode() {
				n.storeRegisters(f, regs)
				return vm.Continue(next)
			}
			bci = next
		}
	}, nil
}

func (n *Node) loadRegisters(f *vm.Frame) []int32 {
	regs := make([]int32, n.numRegs)
	for r := range regs {
		regs[r] = n.reg(f, r)
	}
	return regs
}

func (n *Node) storeRegisters(f *vm.Frame, regs []int32) {
	for r, v := range regs {
		n.setReg(f, r, v)
	}
}
