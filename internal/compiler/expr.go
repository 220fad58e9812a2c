package compiler

import (
	"etch/internal/ast"
	"etch/internal/instr"
	"etch/internal/value"
)

// smallIntImmediate is the AsBx literal range; larger integers intern
// into the constant pool.
const smallIntMin, smallIntMax = -32767, 32767

// compileExpr compiles an expression and returns the register holding
// its result.
func (c *Compiler) compileExpr(expr ast.Expr) int {
	switch e := expr.(type) {
	case *ast.Literal:
		return c.compileLiteral(e)
	case *ast.Variable:
		return c.compileVariable(e)
	case *ast.Binary:
		return c.compileBinary(e)
	case *ast.UnaryExpr:
		return c.compileUnaryExpr(e)
	case *ast.LogicalExpr:
		return c.compileLogicalExpr(e)
	case *ast.CallExpr:
		return c.compileCallExpr(e)
	case *ast.ArrayExpr:
		return c.compileArrayExpr(e)
	case *ast.MapExpr:
		return c.compileMapExpr(e)
	case *ast.IndexExpr:
		return c.compileIndexExpr(e)
	case *ast.PropertyExpr:
		return c.compilePropertyExpr(e)
	case *ast.SliceExpr:
		return c.compileSliceExpr(e)
	case *ast.SomeExpr:
		return c.compileWrap(instr.OpWrapSome, e.Inner)
	case *ast.OkExpr:
		return c.compileWrap(instr.OpWrapOk, e.Inner)
	case *ast.ErrExpr:
		return c.compileWrap(instr.OpWrapErr, e.Inner)
	case *ast.NoneExpr:
		reg := c.allocReg()
		c.emit(instr.EncodeABx(instr.OpLoadK, uint8(reg), c.addConstant(value.None())))
		return reg
	default:
		c.errorf("unknown expression type: %T", expr)
		return c.allocReg()
	}
}

func (c *Compiler) compileLiteral(e *ast.Literal) int {
	reg := c.allocReg()
	switch v := e.Value.(type) {
	case int64:
		if v >= smallIntMin && v <= smallIntMax {
			c.emit(instr.EncodeAsBx(instr.OpLoadK, uint8(reg), int32(v)))
		} else {
			c.emit(instr.EncodeABx(instr.OpLoadK, uint8(reg), c.addConstant(value.Int(v))))
		}
	case float64:
		c.emit(instr.EncodeABx(instr.OpLoadK, uint8(reg), c.addConstant(value.Float(v))))
	case string:
		c.emit(instr.EncodeABx(instr.OpLoadK, uint8(reg), c.addConstant(value.Str(v))))
	case byte:
		c.emit(instr.EncodeABx(instr.OpLoadK, uint8(reg), c.addConstant(value.Char(v))))
	case bool:
		c.emit(instr.EncodeABx(instr.OpLoadK, uint8(reg), c.addConstant(value.Bool(v))))
	case nil:
		c.emit(instr.EncodeABC(instr.OpLoadNil, uint8(reg), 0, 0))
	default:
		c.errorf("unknown literal type: %T", e.Value)
	}
	return reg
}

func (c *Compiler) compileVariable(e *ast.Variable) int {
	if reg, ok := c.tracker.Resolve(e.Name); ok {
		c.tracker.Use(e.Name, len(c.prog.Code))
		return reg
	}
	reg := c.allocReg()
	nameIdx := c.addStringConstant(e.Name)
	c.emit(instr.EncodeABx(instr.OpGetGlobal, uint8(reg), nameIdx))
	return reg
}

func (c *Compiler) compileBinary(e *ast.Binary) int {
	// Fusion patterns take precedence over generic lowering at opt 2+.
	if c.opts.OptLevel >= 2 && e.Operator == "+" {
		if fused, ok := c.tryFusedAdd(e); ok {
			return fused
		}
	}

	// Immediate-operand arithmetic when the RHS is a small integer
	// literal.
	if op, ok := immediateOp(e.Operator); ok {
		if lit, isLit := e.Right.(*ast.Literal); isLit {
			if n, isInt := lit.Value.(int64); isInt && n >= -128 && n <= 127 {
				leftReg := c.compileExpr(e.Left)
				resultReg := c.allocReg()
				c.emit(instr.EncodeABC(op, uint8(resultReg), uint8(leftReg), uint8(int8(n))))
				c.freeTemp(leftReg)
				return resultReg
			}
		}
	}

	leftReg := c.compileExpr(e.Left)
	leftWasLocked := c.alloc.Locked(leftReg)
	c.alloc.Lock(leftReg)
	rightReg := c.compileExpr(e.Right)
	if !leftWasLocked {
		c.alloc.Unlock(leftReg)
	}
	resultReg := c.allocReg()

	switch e.Operator {
	case "+":
		c.emit(instr.EncodeABC(instr.OpAdd, uint8(resultReg), uint8(leftReg), uint8(rightReg)))
	case "-":
		c.emit(instr.EncodeABC(instr.OpSub, uint8(resultReg), uint8(leftReg), uint8(rightReg)))
	case "*":
		c.emit(instr.EncodeABC(instr.OpMul, uint8(resultReg), uint8(leftReg), uint8(rightReg)))
	case "/":
		c.emit(instr.EncodeABC(instr.OpDiv, uint8(resultReg), uint8(leftReg), uint8(rightReg)))
	case "==":
		c.emit(instr.EncodeABC(instr.OpEqStore, uint8(resultReg), uint8(leftReg), uint8(rightReg)))
	case "!=":
		c.emit(instr.EncodeABC(instr.OpNeStore, uint8(resultReg), uint8(leftReg), uint8(rightReg)))
	case "<":
		c.emit(instr.EncodeABC(instr.OpLtStore, uint8(resultReg), uint8(leftReg), uint8(rightReg)))
	case "<=":
		c.emit(instr.EncodeABC(instr.OpLeStore, uint8(resultReg), uint8(leftReg), uint8(rightReg)))
	case ">":
		c.emit(instr.EncodeABC(instr.OpLtStore, uint8(resultReg), uint8(rightReg), uint8(leftReg)))
	case ">=":
		c.emit(instr.EncodeABC(instr.OpLeStore, uint8(resultReg), uint8(rightReg), uint8(leftReg)))
	case "in":
		c.emit(instr.EncodeABC(instr.OpIn, uint8(resultReg), uint8(leftReg), uint8(rightReg)))
	case "!in":
		c.emit(instr.EncodeABC(instr.OpNotIn, uint8(resultReg), uint8(leftReg), uint8(rightReg)))
	default:
		c.errorf("unknown binary operator: %s", e.Operator)
	}

	if !leftWasLocked {
		c.freeTemp(leftReg)
	}
	c.freeTemp(rightReg)
	return resultReg
}

// tryFusedAdd recognizes (a + b) + c and a*b + c, packing the three
// source registers into one Ax-form instruction.
func (c *Compiler) tryFusedAdd(e *ast.Binary) (int, bool) {
	inner, ok := e.Left.(*ast.Binary)
	if !ok {
		return 0, false
	}
	var op instr.Op
	switch inner.Operator {
	case "+":
		op = instr.OpAddAdd
	case "*":
		op = instr.OpMulAdd
	default:
		return 0, false
	}

	r1 := c.compileExpr(inner.Left)
	r1Locked := c.alloc.Locked(r1)
	c.alloc.Lock(r1)
	r2 := c.compileExpr(inner.Right)
	r2Locked := c.alloc.Locked(r2)
	c.alloc.Lock(r2)
	r3 := c.compileExpr(e.Right)
	if !r1Locked {
		c.alloc.Unlock(r1)
	}
	if !r2Locked {
		c.alloc.Unlock(r2)
	}
	resultReg := c.allocReg()
	c.emit(instr.EncodeAx(op, uint8(resultReg), uint8(r1), uint8(r2), uint8(r3)))
	if !r1Locked {
		c.freeTemp(r1)
	}
	if !r2Locked {
		c.freeTemp(r2)
	}
	c.freeTemp(r3)
	return resultReg, true
}

func immediateOp(operator string) (instr.Op, bool) {
	switch operator {
	case "+":
		return instr.OpAddI, true
	case "-":
		return instr.OpSubI, true
	case "*":
		return instr.OpMulI, true
	default:
		return 0, false
	}
}

func (c *Compiler) compileUnaryExpr(e *ast.UnaryExpr) int {
	operandReg := c.compileExpr(e.Operand)
	resultReg := c.allocReg()
	switch e.Operator {
	case "-":
		c.emit(instr.EncodeABC(instr.OpNeg, uint8(resultReg), uint8(operandReg), 0))
	case "!":
		c.emit(instr.EncodeABC(instr.OpNot, uint8(resultReg), uint8(operandReg), 0))
	default:
		c.errorf("unknown unary operator: %s", e.Operator)
	}
	c.freeTemp(operandReg)
	return resultReg
}

// compileLogicalExpr short-circuits: the right side only evaluates when
// the left side does not decide the result.
func (c *Compiler) compileLogicalExpr(e *ast.LogicalExpr) int {
	leftReg := c.compileExpr(e.Left)
	resultReg := c.allocReg()
	c.alloc.Lock(resultReg)
	c.emit(instr.EncodeABC(instr.OpMove, uint8(resultReg), uint8(leftReg), 0))

	if e.Operator == "&&" {
		// The jump over the right side is taken when the left side is
		// falsy: the left value already decides the result.
		c.emit(instr.EncodeABC(instr.OpTest, uint8(leftReg), 0, 0))
	} else { // "||"
		c.emit(instr.EncodeABC(instr.OpTest, uint8(leftReg), 0, 1))
	}
	skipRight := c.emitJump()
	c.freeTemp(leftReg)

	rightReg := c.compileExpr(e.Right)
	c.emit(instr.EncodeABC(instr.OpMove, uint8(resultReg), uint8(rightReg), 0))
	c.freeTemp(rightReg)
	c.patchJump(skipRight)

	c.alloc.Unlock(resultReg)
	return resultReg
}

// compileCallExpr stages arguments into the consecutive registers above
// the result slot and emits the call.
func (c *Compiler) compileCallExpr(e *ast.CallExpr) int {
	// print lowers to the dedicated opcode.
	if e.Callee == "print" {
		for _, arg := range e.Args {
			argReg := c.compileExpr(arg)
			c.emit(instr.EncodeABC(instr.OpPrint, uint8(argReg), 0, 0))
			c.freeTemp(argReg)
		}
		reg := c.allocReg()
		c.emit(instr.EncodeABC(instr.OpLoadNil, uint8(reg), 0, 0))
		return reg
	}

	base, n := c.stageCallArgs(e)
	idx := c.prog.FunctionIndex(e.Callee)
	c.emit(instr.EncodeWide(instr.OpCall, uint8(base), uint16(idx), uint8(n), 1))
	c.releaseCallArgs(base, n)
	return base
}

// stageCallArgs reserves the result register plus one consecutive slot
// per argument (defaults filled in for trailing parameters the call
// omits), compiles each argument, and moves strays into place. The
// whole block stays locked until releaseCallArgs.
func (c *Compiler) stageCallArgs(e *ast.CallExpr) (base, n int) {
	args := e.Args
	if decl, ok := c.functions[e.Callee]; ok && len(args) < len(decl.Params) {
		for i := len(args); i < len(decl.Params); i++ {
			if decl.Params[i].Default == nil {
				c.errorf("call to %s missing argument %q", e.Callee, decl.Params[i].Name)
				break
			}
			args = append(args, decl.Params[i].Default)
		}
	} else if !c.isCallable(e.Callee) {
		c.errorf("missing function referent: %s", e.Callee)
	}

	n = len(args)
	base, err := c.alloc.AllocConsecutive(1 + n)
	if err != nil {
		c.error(err.Error())
		return 0, 0
	}
	for i := 0; i <= n; i++ {
		c.alloc.Lock(base + i)
	}
	for i, arg := range args {
		argReg := c.compileExpr(arg)
		target := base + 1 + i
		if argReg != target {
			c.emit(instr.EncodeABC(instr.OpMove, uint8(target), uint8(argReg), 0))
			c.freeTemp(argReg)
		}
	}
	return base, n
}

// releaseCallArgs frees the argument slots; the result slot stays live
// as the call's value.
func (c *Compiler) releaseCallArgs(base, n int) {
	for i := n; i >= 1; i-- {
		c.alloc.Unlock(base + i)
		c.alloc.Free(base + i)
	}
	c.alloc.Unlock(base)
}

func (c *Compiler) compileArrayExpr(e *ast.ArrayExpr) int {
	reg := c.allocReg()
	c.alloc.Lock(reg)
	c.emit(instr.EncodeABx(instr.OpNewArray, uint8(reg), uint16(len(e.Elements))))
	for i, elem := range e.Elements {
		elemReg := c.compileExpr(elem)
		if i <= 255 {
			c.emit(instr.EncodeABC(instr.OpArraySetI, uint8(reg), uint8(elemReg), uint8(i)))
		} else {
			idxReg := c.allocReg()
			c.emit(instr.EncodeAsBx(instr.OpLoadK, uint8(idxReg), int32(i)))
			c.emit(instr.EncodeABC(instr.OpArraySet, uint8(reg), uint8(idxReg), uint8(elemReg)))
			c.freeTemp(idxReg)
		}
		c.freeTemp(elemReg)
	}
	c.alloc.Unlock(reg)
	return reg
}

func (c *Compiler) compileMapExpr(e *ast.MapExpr) int {
	reg := c.allocReg()
	c.alloc.Lock(reg)
	c.emit(instr.EncodeABx(instr.OpNewTable, uint8(reg), uint16(len(e.Keys))))
	for i, key := range e.Keys {
		valueReg := c.compileExpr(e.Values[i])
		if keyIdx := c.addStringConstant(key); keyIdx <= 255 {
			c.emit(instr.EncodeABC(instr.OpTableSetK, uint8(reg), uint8(valueReg), uint8(keyIdx)))
		} else {
			keyReg := c.allocReg()
			c.emit(instr.EncodeABx(instr.OpLoadK, uint8(keyReg), c.addStringConstant(key)))
			c.emit(instr.EncodeABC(instr.OpTableSet, uint8(reg), uint8(keyReg), uint8(valueReg)))
			c.freeTemp(keyReg)
		}
		c.freeTemp(valueReg)
	}
	c.alloc.Unlock(reg)
	return reg
}

func (c *Compiler) compileIndexExpr(e *ast.IndexExpr) int {
	objReg := c.compileExpr(e.Object)

	if lit, ok := e.Index.(*ast.Literal); ok {
		switch idx := lit.Value.(type) {
		case int64:
			if idx >= 0 && idx <= 255 {
				resultReg := c.allocReg()
				c.emit(instr.EncodeABC(instr.OpArrayGetI, uint8(resultReg), uint8(objReg), uint8(idx)))
				c.freeTemp(objReg)
				return resultReg
			}
		case string:
			if keyIdx := c.addStringConstant(idx); keyIdx <= 255 {
				resultReg := c.allocReg()
				c.emit(instr.EncodeABC(instr.OpTableGetK, uint8(resultReg), uint8(objReg), uint8(keyIdx)))
				c.freeTemp(objReg)
				return resultReg
			}
		}
	}

	objWasLocked := c.alloc.Locked(objReg)
	c.alloc.Lock(objReg)
	indexReg := c.compileExpr(e.Index)
	if !objWasLocked {
		c.alloc.Unlock(objReg)
	}
	resultReg := c.allocReg()
	c.emit(instr.EncodeABC(instr.OpArrayGet, uint8(resultReg), uint8(objReg), uint8(indexReg)))
	c.freeTemp(objReg)
	c.freeTemp(indexReg)
	return resultReg
}

func (c *Compiler) compilePropertyExpr(e *ast.PropertyExpr) int {
	objReg := c.compileExpr(e.Object)
	resultReg := c.allocReg()
	if keyIdx := c.addStringConstant(e.Property); keyIdx <= 255 {
		c.emit(instr.EncodeABC(instr.OpTableGetK, uint8(resultReg), uint8(objReg), uint8(keyIdx)))
	} else {
		keyReg := c.allocReg()
		c.emit(instr.EncodeABx(instr.OpLoadK, uint8(keyReg), c.addStringConstant(e.Property)))
		c.emit(instr.EncodeABC(instr.OpTableGet, uint8(resultReg), uint8(objReg), uint8(keyReg)))
		c.freeTemp(keyReg)
	}
	c.freeTemp(objReg)
	return resultReg
}

// compileSliceExpr stages the bounds into two consecutive registers;
// omitted bounds default to 0 and the receiver's length.
func (c *Compiler) compileSliceExpr(e *ast.SliceExpr) int {
	objReg := c.compileExpr(e.Object)
	objWasLocked := c.alloc.Locked(objReg)
	c.alloc.Lock(objReg)

	base, err := c.alloc.AllocConsecutive(2)
	if err != nil {
		c.error(err.Error())
		return 0
	}
	c.alloc.Lock(base)
	c.alloc.Lock(base + 1)

	if e.Low != nil {
		lowReg := c.compileExpr(e.Low)
		if lowReg != base {
			c.emit(instr.EncodeABC(instr.OpMove, uint8(base), uint8(lowReg), 0))
			c.freeTemp(lowReg)
		}
	} else {
		c.emit(instr.EncodeAsBx(instr.OpLoadK, uint8(base), 0))
	}
	if e.High != nil {
		highReg := c.compileExpr(e.High)
		if highReg != base+1 {
			c.emit(instr.EncodeABC(instr.OpMove, uint8(base+1), uint8(highReg), 0))
			c.freeTemp(highReg)
		}
	} else {
		c.emit(instr.EncodeABC(instr.OpLen, uint8(base+1), uint8(objReg), 0))
	}

	if !objWasLocked {
		c.alloc.Unlock(objReg)
	}
	resultReg := c.allocReg()
	c.emit(instr.EncodeABC(instr.OpSlice, uint8(resultReg), uint8(objReg), uint8(base)))

	c.alloc.Unlock(base)
	c.alloc.Unlock(base + 1)
	c.alloc.Free(base + 1)
	c.alloc.Free(base)
	c.freeTemp(objReg)
	return resultReg
}

func (c *Compiler) compileWrap(op instr.Op, inner ast.Expr) int {
	innerReg := c.compileExpr(inner)
	resultReg := c.allocReg()
	c.emit(instr.EncodeABC(op, uint8(resultReg), uint8(innerReg), 0))
	c.freeTemp(innerReg)
	return resultReg
}
