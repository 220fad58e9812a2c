// Package optimizer implements the post-compile bytecode passes:
// constant folding over LoadK+LoadK+arith triples, Test+Jmp fusion into
// CmpJmp, increment/test loop-tail fusion into IncTest, and a
// basic-block common-subexpression pass. Every pass rewrites
// instructions in place; instruction count and therefore every PC and
// jump offset stay untouched, so no repatching is needed.
package optimizer

import (
	"etch/internal/instr"
	"etch/internal/value"
	"etch/internal/vm"
)

// Optimize runs the passes enabled at level. Level 0 is a no-op; level
// 1 enables constant folding and test fusion; level 2 adds loop-tail
// fusion and CSE.
func Optimize(prog *vm.Program, level int) {
	if level < 1 {
		return
	}
	targets := jumpTargets(prog)
	foldConstants(prog, targets)
	fuseTestJmp(prog, targets)
	if level >= 2 {
		fuseIncTest(prog, targets)
		eliminateCommonSubexpressions(prog, targets)
	}
}

// jumpTargets collects every PC that an explicit transfer can land on.
// Rewriting an instruction that is a transfer target into a Nop would
// change behavior, so the fusion passes consult this set.
func jumpTargets(prog *vm.Program) map[int]bool {
	targets := map[int]bool{prog.EntryPoint: true}
	for _, info := range prog.Functions {
		targets[info.StartPC] = true
	}
	for pc, ins := range prog.Code {
		switch ins.Op() {
		case instr.OpJmp, instr.OpForPrep, instr.OpForLoop:
			targets[pc+1+int(ins.SBx())] = true
		case instr.OpPushDefer:
			targets[pc+int(ins.SBx())] = true
		case instr.OpCmpJmp, instr.OpIncTest:
			targets[pc+1+int(ins.WSBx())] = true
		}
	}
	return targets
}

// constantOf reads the value a LoadK produces, in either encoding.
func constantOf(prog *vm.Program, ins instr.Instruction) (value.Value, bool) {
	if ins.Op() != instr.OpLoadK {
		return value.Value{}, false
	}
	if ins.Form() == instr.FormAsBx {
		return value.Int(int64(ins.SBx())), true
	}
	bx := int(ins.Bx())
	if bx >= len(prog.Constants) {
		return value.Value{}, false
	}
	return prog.Constants[bx], true
}

// internConstant returns the pool index for v, appending if absent.
func internConstant(prog *vm.Program, v value.Value) uint16 {
	for i, existing := range prog.Constants {
		if value.Equal(existing, v) {
			return uint16(i)
		}
	}
	prog.Constants = append(prog.Constants, v)
	return uint16(len(prog.Constants) - 1)
}

// loadOf builds the cheapest LoadK for v into reg.
func loadOf(prog *vm.Program, reg uint8, v value.Value) instr.Instruction {
	if v.IsInt() {
		if n := v.AsInt(); n >= -32767 && n <= 32767 {
			return instr.EncodeAsBx(instr.OpLoadK, reg, int32(n))
		}
	}
	return instr.EncodeABx(instr.OpLoadK, reg, internConstant(prog, v))
}

// foldConstants rewrites the arithmetic of each LoadK, LoadK, arith
// triple whose operands are exactly the two loaded registers into a
// single LoadK of the folded value. The loads stay; later uses of their
// registers remain valid and the CSE pass or a dead-store peephole in a
// future compiler can retire them.
func foldConstants(prog *vm.Program, targets map[int]bool) {
	code := prog.Code
	for pc := 0; pc+2 < len(code); pc++ {
		// A transfer landing inside the triple could reach the arith
		// with registers the loads never wrote; fold only straight-line
		// triples.
		if targets[pc+1] || targets[pc+2] {
			continue
		}
		k1, ok1 := constantOf(prog, code[pc])
		k2, ok2 := constantOf(prog, code[pc+1])
		if !ok1 || !ok2 {
			continue
		}
		arith := code[pc+2]
		var folded value.Value
		switch arith.Op() {
		case instr.OpAdd:
			folded = value.Add(k1, k2)
		case instr.OpSub:
			folded = value.Sub(k1, k2)
		case instr.OpMul:
			folded = value.Mul(k1, k2)
		case instr.OpDiv:
			q, outcome := value.Div(k1, k2)
			if outcome != value.DivOK {
				continue // preserve the runtime trap / IEEE behavior
			}
			folded = q
		default:
			continue
		}
		if arith.B() != code[pc].A() || arith.C() != code[pc+1].A() {
			continue
		}
		if folded.IsNil() {
			continue // mixed-type arithmetic stays a runtime concern
		}
		prog.Code[pc+2] = loadOf(prog, arith.A(), folded)
	}
}

// fuseTestJmp collapses Test followed by Jmp into one CmpJmp, leaving a
// Nop in the jump's slot. Skipped when the jump is itself a transfer
// target, or when the preceding instruction could skip over the Test
// and land on the jump.
func fuseTestJmp(prog *vm.Program, targets map[int]bool) {
	code := prog.Code
	for pc := 0; pc+1 < len(code); pc++ {
		if code[pc].Op() != instr.OpTest || code[pc+1].Op() != instr.OpJmp {
			continue
		}
		if targets[pc+1] {
			continue
		}
		if pc > 0 && canSkipNext(code[pc-1].Op()) {
			continue
		}
		test, jmp := code[pc], code[pc+1]
		// The fused jump triggers when the tested truthiness equals the
		// Test's C operand, reaching the Jmp's target from one slot
		// earlier.
		offset := jmp.SBx() + 1
		prog.Code[pc] = instr.EncodeWide(instr.OpCmpJmp, 0,
			uint16(offset+1<<15), test.A(), test.C())
		prog.Code[pc+1] = instr.EncodeABC(instr.OpNop, 0, 0, 0)
	}
}

// fuseIncTest recognizes the counting-loop tail the compiler emits for
// array iteration:
//
//	head:  Lt 1, idx, limit
//	       Jmp exit
//	body:  ...
//	       AddI idx, idx, 1
//	       Jmp head
//
// and folds the increment and back-jump into one IncTest that re-tests
// without re-entering the head.
func fuseIncTest(prog *vm.Program, targets map[int]bool) {
	code := prog.Code
	for pc := 0; pc+1 < len(code); pc++ {
		add := code[pc]
		if add.Op() != instr.OpAddI || add.A() != add.B() || int8(add.C()) != 1 {
			continue
		}
		back := code[pc+1]
		if back.Op() != instr.OpJmp || targets[pc+1] {
			continue
		}
		head := pc + 2 + int(back.SBx())
		if head < 0 || head+1 >= len(code) {
			continue
		}
		lt := code[head]
		if lt.Op() != instr.OpLt || lt.A() != 1 || lt.B() != add.A() {
			continue
		}
		if code[head+1].Op() != instr.OpJmp {
			continue
		}
		body := head + 2
		offset := int32(body - pc - 1)
		prog.Code[pc] = instr.EncodeWide(instr.OpIncTest, 0,
			uint16(offset+1<<15), add.A(), lt.C())
		prog.Code[pc+1] = instr.EncodeABC(instr.OpNop, 0, 0, 0)
	}
}

// cseKey identifies a pure computation by opcode and source registers.
type cseKey struct {
	op   instr.Op
	b, c uint8
}

// eliminateCommonSubexpressions reuses previously computed pure ABC
// results within a basic block, rewriting repeats into register moves.
// The table resets at block boundaries and invalidates on writes to
// source registers; calls, indexed stores, and global writes flush it
// wholesale.
func eliminateCommonSubexpressions(prog *vm.Program, targets map[int]bool) {
	avail := make(map[cseKey]uint8)
	flush := func() {
		for k := range avail {
			delete(avail, k)
		}
	}
	invalidate := func(reg uint8) {
		for k, dest := range avail {
			if k.b == reg || k.c == reg || dest == reg {
				delete(avail, k)
			}
		}
	}

	for pc, ins := range prog.Code {
		if targets[pc] {
			flush()
		}
		op := ins.Op()
		switch op {
		case instr.OpAdd, instr.OpSub, instr.OpMul, instr.OpDiv,
			instr.OpEqStore, instr.OpNeStore, instr.OpLtStore, instr.OpLeStore,
			instr.OpAnd, instr.OpOr, instr.OpIn, instr.OpNotIn:
			key := cseKey{op: op, b: ins.B(), c: ins.C()}
			if dest, ok := avail[key]; ok && dest != ins.A() {
				prog.Code[pc] = instr.EncodeABC(instr.OpMove, ins.A(), dest, 0)
				invalidate(ins.A())
				continue
			}
			invalidate(ins.A())
			avail[key] = ins.A()
		case instr.OpCall, instr.OpTailCall, instr.OpReturn,
			instr.OpSetGlobal, instr.OpArraySet, instr.OpArraySetI,
			instr.OpTableSet, instr.OpTableSetK,
			instr.OpJmp, instr.OpForPrep, instr.OpForLoop,
			instr.OpExecDefers, instr.OpDeferEnd, instr.OpPushDefer,
			instr.OpCmpJmp, instr.OpIncTest:
			flush()
		case instr.OpEq, instr.OpLt, instr.OpLe, instr.OpTest,
			instr.OpTestSet, instr.OpTestTag:
			// Skip-next producers end the straight-line block.
			flush()
		default:
			if writesA(op) {
				invalidate(ins.A())
			}
		}
	}
}

// canSkipNext reports whether op can increment the PC past its
// successor.
func canSkipNext(op instr.Op) bool {
	switch op {
	case instr.OpEq, instr.OpLt, instr.OpLe, instr.OpTest,
		instr.OpTestSet, instr.OpTestTag:
		return true
	default:
		return false
	}
}

// writesA reports whether op's A operand is a destination register.
func writesA(op instr.Op) bool {
	switch op {
	case instr.OpSetGlobal, instr.OpArraySet, instr.OpArraySetI,
		instr.OpTableSet, instr.OpTableSetK, instr.OpPrint,
		instr.OpReturn, instr.OpJmp, instr.OpTest, instr.OpNop,
		instr.OpExecDefers, instr.OpDeferEnd, instr.OpPushDefer:
		return false
	default:
		return true
	}
}
