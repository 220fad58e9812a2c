package compiler

import (
	"fmt"

	"etch/internal/instr"
	"etch/internal/vm"
)

// regSet is a 256-bit must-defined set, one bit per register.
type regSet [4]uint64

func (s *regSet) set(r uint8)      { s[r>>6] |= 1 << (r & 63) }
func (s regSet) has(r uint8) bool  { return s[r>>6]&(1<<(r&63)) != 0 }
func (s regSet) intersect(o regSet) regSet {
	return regSet{s[0] & o[0], s[1] & o[1], s[2] & o[2], s[3] & o[3]}
}

// VerifyRegisterUse checks the register frame invariant over every
// function: no register is read before being written along any
// control-flow path, counting parameter registers as caller-seeded.
// It is a must-defined forward dataflow over the instruction-level CFG,
// used by tests as a fuzz-style backstop on the compiler's allocation
// discipline.
func VerifyRegisterUse(prog *vm.Program) error {
	for name, info := range prog.Functions {
		if err := verifyFunction(prog, name, info); err != nil {
			return err
		}
	}
	return nil
}

func verifyFunction(prog *vm.Program, name string, info vm.FunctionInfo) error {
	var entry regSet
	for i := 0; i < info.ParamCount; i++ {
		entry.set(uint8(i))
	}

	in := make(map[int]regSet)
	in[info.StartPC] = entry
	worklist := []int{info.StartPC}

	for len(worklist) > 0 {
		pc := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		if pc < info.StartPC || pc > info.EndPC {
			continue
		}
		defs := in[pc]
		ins := prog.Code[pc]

		for _, r := range readRegs(ins) {
			if !defs.has(r) {
				return fmt.Errorf("compiler: %s: pc %d (%s) reads register %d before any write",
					name, pc, ins.Op(), r)
			}
		}
		out := defs
		for _, r := range writeRegs(ins) {
			out.set(r)
		}

		// Must-defined merge: a register counts only when every path in
		// agrees. Shrinking a successor's set re-queues it.
		for _, succ := range successors(pc, ins) {
			if prev, ok := in[succ]; ok {
				merged := prev.intersect(out)
				if merged != prev {
					in[succ] = merged
					worklist = append(worklist, succ)
				}
			} else {
				in[succ] = out
				worklist = append(worklist, succ)
			}
		}
	}
	return nil
}

func successors(pc int, ins instr.Instruction) []int {
	switch ins.Op() {
	case instr.OpJmp:
		return []int{pc + 1 + int(ins.SBx())}
	case instr.OpReturn, instr.OpTailCall, instr.OpDeferEnd:
		return nil
	case instr.OpEq, instr.OpLt, instr.OpLe, instr.OpTest,
		instr.OpTestSet, instr.OpTestTag:
		return []int{pc + 1, pc + 2}
	case instr.OpForPrep, instr.OpForLoop:
		return []int{pc + 1, pc + 1 + int(ins.SBx())}
	case instr.OpCmpJmp, instr.OpIncTest:
		return []int{pc + 1, pc + 1 + int(ins.WSBx())}
	case instr.OpPushDefer:
		// The deferred body runs later with at least the defs present
		// at registration.
		return []int{pc + 1, pc + int(ins.SBx())}
	default:
		return []int{pc + 1}
	}
}

func readRegs(ins instr.Instruction) []uint8 {
	a, b, c := ins.A(), ins.B(), ins.C()
	switch ins.Op() {
	case instr.OpMove, instr.OpNeg, instr.OpNot,
		instr.OpWrapSome, instr.OpWrapOk, instr.OpWrapErr,
		instr.OpUnwrapOption, instr.OpUnwrapResult,
		instr.OpLen, instr.OpTestTag,
		instr.OpAddI, instr.OpSubI, instr.OpMulI,
		instr.OpArrayGetI, instr.OpTableGetK:
		return []uint8{b}
	case instr.OpAdd, instr.OpSub, instr.OpMul, instr.OpDiv,
		instr.OpEq, instr.OpLt, instr.OpLe,
		instr.OpEqStore, instr.OpNeStore, instr.OpLtStore, instr.OpLeStore,
		instr.OpAnd, instr.OpOr, instr.OpIn, instr.OpNotIn,
		instr.OpArrayGet, instr.OpTableGet:
		return []uint8{b, c}
	case instr.OpSlice:
		return []uint8{b, c, c + 1}
	case instr.OpTest, instr.OpSetGlobal, instr.OpPrint:
		return []uint8{a}
	case instr.OpTestSet:
		return []uint8{b}
	case instr.OpArraySet, instr.OpTableSet:
		return []uint8{a, b, c}
	case instr.OpArraySetI, instr.OpTableSetK:
		return []uint8{a, b}
	case instr.OpReturn:
		if b != 0 {
			return []uint8{a}
		}
		return nil
	case instr.OpCall, instr.OpTailCall:
		args := make([]uint8, 0, ins.W8a())
		for i := uint8(1); i <= ins.W8a(); i++ {
			args = append(args, a+i)
		}
		return args
	case instr.OpForPrep:
		return []uint8{a, a + 1}
	case instr.OpForLoop:
		return []uint8{a, a + 1, a + 2}
	case instr.OpAddAdd, instr.OpMulAdd:
		r1, r2, r3 := ins.AxRegs()
		return []uint8{r1, r2, r3}
	case instr.OpCmpJmp:
		return []uint8{ins.W8a()}
	case instr.OpIncTest:
		return []uint8{ins.W8a(), ins.W8b()}
	default:
		return nil
	}
}

func writeRegs(ins instr.Instruction) []uint8 {
	a := ins.A()
	switch ins.Op() {
	case instr.OpSetGlobal, instr.OpPrint, instr.OpJmp, instr.OpTest,
		instr.OpReturn, instr.OpNop,
		instr.OpEq, instr.OpLt, instr.OpLe, instr.OpTestTag,
		instr.OpArraySet, instr.OpArraySetI,
		instr.OpTableSet, instr.OpTableSetK,
		instr.OpExecDefers, instr.OpDeferEnd, instr.OpPushDefer,
		instr.OpCmpJmp:
		return nil
	case instr.OpForPrep:
		return nil
	case instr.OpForLoop:
		return []uint8{a}
	case instr.OpIncTest:
		return []uint8{ins.W8a()}
	case instr.OpCall, instr.OpTailCall:
		if ins.W8b() > 0 {
			return []uint8{a}
		}
		return nil
	default:
		return []uint8{a}
	}
}
