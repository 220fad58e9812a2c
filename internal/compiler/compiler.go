// Package compiler lowers the typed AST into the register machine's
// three-address instruction stream. Every expression evaluation returns
// a destination register; every statement may emit zero or more
// instructions and mutate the allocator and lifetime tracker.
package compiler

import (
	"fmt"

	"etch/internal/ast"
	"etch/internal/cffi"
	"etch/internal/etcherr"
	"etch/internal/instr"
	"etch/internal/lifetime"
	"etch/internal/regalloc"
	"etch/internal/value"
	"etch/internal/vm"
)

// Options configures one compilation.
type Options struct {
	// OptLevel: 0 = none, 1 = post-compile passes, >= 2 also enables
	// emission-time instruction fusion.
	OptLevel int
	// EmitDebug attaches a per-instruction source record.
	EmitDebug bool
	// Verbose mirrors the bytecode header's verbose flag.
	Verbose bool

	SourceFile      string
	CompilerVersion string
}

// Compiler compiles one checked program into a vm.Program.
type Compiler struct {
	prog *vm.Program
	opts Options

	alloc   *regalloc.Allocator
	tracker *lifetime.Tracker
	fnName  string

	// hasDefers is set when the current function registers any defer;
	// it disables tail calls, whose frame replacement would race the
	// deferred bodies for registers.
	hasDefers bool

	functions map[string]*ast.FunctionStmt
	loopStack []loopInfo
	errors    []error

	pos ast.Pos
}

// loopInfo collects the jumps a loop body emits so the loop can patch
// them once its exit and continue labels are known.
type loopInfo struct {
	breakJumps    []int
	continueJumps []int
}

// Compile lowers program. descriptors carries the foreign functions the
// checker resolved; their names become callable alongside user functions
// and builtins.
func Compile(program *ast.Program, descriptors map[string]cffi.Descriptor, opts Options) (*vm.Program, error) {
	c := &Compiler{
		prog: &vm.Program{
			SourceFile:      program.SourceFile,
			CompilerVersion: opts.CompilerVersion,
			Flags: vm.Flags{
				Verbose:  opts.Verbose,
				Debug:    opts.EmitDebug,
				OptLevel: opts.OptLevel,
			},
			Functions: make(map[string]vm.FunctionInfo),
			CFFI:      make(map[string]cffi.Descriptor),
			Lifetimes: make(map[string]*lifetime.Tracker),
		},
		opts:      opts,
		functions: make(map[string]*ast.FunctionStmt),
	}
	for name, d := range descriptors {
		c.prog.CFFI[name] = d
	}
	for _, fn := range program.Functions {
		c.functions[fn.Name] = fn
	}

	main, hasMain := c.functions["main"]
	if !hasMain {
		return nil, etcherr.NewCompileError("missing function referent: main",
			program.SourceFile, 0, 0)
	}

	for _, fn := range program.Functions {
		if fn.Name != "main" {
			c.compileFunction(fn)
		}
	}
	c.compileFunction(main)

	if len(program.Globals) > 0 {
		c.compileGlobalInit(program.Globals)
	} else {
		c.prog.EntryPoint = c.prog.Functions["main"].StartPC
	}

	if len(c.errors) > 0 {
		return nil, c.errors[0]
	}
	return c.prog, nil
}

// compileGlobalInit emits the synthetic <global_init> function: every
// global initializer in declaration order, then a call to main, then
// the terminating return. It becomes the program's entry point.
func (c *Compiler) compileGlobalInit(globals []*ast.LetStmt) {
	c.alloc = regalloc.New()
	c.tracker = lifetime.NewTracker()
	c.fnName = "<global_init>"
	c.hasDefers = false
	start := len(c.prog.Code)

	for _, g := range globals {
		c.pos = g.Pos
		var reg int
		if g.Expr != nil {
			reg = c.compileExpr(g.Expr)
		} else {
			reg = c.allocReg()
			c.emit(instr.EncodeABC(instr.OpLoadNil, uint8(reg), 0, 0))
		}
		nameIdx := c.addStringConstant(g.Name)
		c.emit(instr.EncodeABx(instr.OpSetGlobal, uint8(reg), nameIdx))
		c.freeTemp(reg)
	}

	base, err := c.alloc.AllocConsecutive(1)
	if err != nil {
		c.error(err.Error())
	}
	mainIdx := c.prog.FunctionIndex("main")
	c.emit(instr.EncodeWide(instr.OpCall, uint8(base), uint16(mainIdx), 0, 1))
	c.emit(instr.EncodeABC(instr.OpExecDefers, 0, 0, 0))
	c.emit(instr.EncodeABC(instr.OpReturn, 0, 0, 0))

	c.tracker.ExitScope(len(c.prog.Code) - 1)
	c.tracker.BuildIndex(len(c.prog.Code))
	c.prog.Lifetimes[c.fnName] = c.tracker
	c.prog.Functions[c.fnName] = vm.FunctionInfo{
		StartPC:     start,
		EndPC:       len(c.prog.Code) - 1,
		MaxRegister: c.alloc.MaxUsed(),
	}
	c.prog.EntryPoint = start
}

func (c *Compiler) compileFunction(fn *ast.FunctionStmt) {
	c.alloc = regalloc.New()
	c.tracker = lifetime.NewTracker()
	c.fnName = fn.Name
	c.hasDefers = false
	c.pos = fn.Pos
	start := len(c.prog.Code)

	// Parameter registers are seeded by the caller; they are live from
	// function entry.
	for _, p := range fn.Params {
		reg := c.allocReg()
		c.alloc.Lock(reg)
		c.tracker.Declare(p.Name, reg, start)
		c.tracker.Define(p.Name, start)
	}

	for _, stmt := range fn.Body {
		c.compileStmt(stmt)
	}

	// Implicit fallthrough return. Defers run on every exit path.
	c.emit(instr.EncodeABC(instr.OpExecDefers, 0, 0, 0))
	c.emit(instr.EncodeABC(instr.OpReturn, 0, 0, 0))

	c.tracker.ExitScope(len(c.prog.Code) - 1)
	if c.opts.OptLevel >= 1 {
		c.tracker.ShrinkToLastUse()
	}
	c.tracker.BuildIndex(len(c.prog.Code))
	c.prog.Lifetimes[fn.Name] = c.tracker
	c.prog.Functions[fn.Name] = vm.FunctionInfo{
		StartPC:     start,
		EndPC:       len(c.prog.Code) - 1,
		ParamCount:  len(fn.Params),
		MaxRegister: c.alloc.MaxUsed(),
	}
	c.prog.FunctionIndex(fn.Name)
}

// ============================================================================
// Emission helpers
// ============================================================================

// emit appends an instruction and its debug record, returning its PC.
func (c *Compiler) emit(ins instr.Instruction) int {
	pc := len(c.prog.Code)
	c.prog.Code = append(c.prog.Code, ins)
	if c.opts.EmitDebug {
		c.prog.Debug = append(c.prog.Debug, instr.DebugInfo{
			Line:     c.pos.Line,
			Column:   c.pos.Column,
			File:     c.opts.SourceFile,
			Function: c.fnName,
		})
	}
	return pc
}

// emitJump emits a placeholder jump to be patched once the target PC is
// known.
func (c *Compiler) emitJump() int {
	return c.emit(instr.EncodeAsBx(instr.OpJmp, 0, 0))
}

// patchJump retargets the AsBx instruction at pc to the current
// position.
func (c *Compiler) patchJump(pc int) {
	c.patchJumpTo(pc, len(c.prog.Code))
}

// patchJumpTo rewrites the AsBx instruction at pc so its offset reaches
// target, preserving opcode and A.
func (c *Compiler) patchJumpTo(pc, target int) {
	old := c.prog.Code[pc]
	c.prog.Code[pc] = instr.EncodeAsBx(old.Op(), old.A(), int32(target-pc-1))
}

// allocReg allocates a register, converting exhaustion into a compile
// error.
func (c *Compiler) allocReg() int {
	reg, err := c.alloc.Alloc()
	if err != nil {
		c.error(err.Error())
		return 0
	}
	return reg
}

// freeTemp returns reg to the allocator unless it backs a named
// variable.
func (c *Compiler) freeTemp(reg int) {
	if !c.tracker.BoundRegister(reg) {
		c.alloc.Free(reg)
	}
}

// defineLocal binds name to a fresh register in the current scope. The
// caller marks the definition point once the defining instruction is
// emitted.
func (c *Compiler) defineLocal(name string) int {
	reg := c.allocReg()
	c.alloc.Lock(reg)
	c.tracker.Declare(name, reg, len(c.prog.Code))
	return reg
}

func (c *Compiler) beginScope() {
	c.tracker.EnterScope()
}

func (c *Compiler) endScope() {
	pc := len(c.prog.Code) - 1
	if pc < 0 {
		pc = 0
	}
	for _, r := range c.tracker.ExitScope(pc) {
		c.alloc.Unlock(r.Register)
		c.alloc.Free(r.Register)
	}
}

// addConstant interns v into the constant pool by structural equality
// and returns its index.
func (c *Compiler) addConstant(v value.Value) uint16 {
	for i, existing := range c.prog.Constants {
		if value.Equal(existing, v) {
			return uint16(i)
		}
	}
	if len(c.prog.Constants) >= 1<<16 {
		c.error("constant pool exceeds 65536 entries")
		return 0
	}
	c.prog.Constants = append(c.prog.Constants, v)
	return uint16(len(c.prog.Constants) - 1)
}

func (c *Compiler) addStringConstant(s string) uint16 {
	return c.addConstant(value.Str(s))
}

// isCallable reports whether name resolves to a user function, builtin,
// or registered foreign function.
func (c *Compiler) isCallable(name string) bool {
	if _, ok := c.functions[name]; ok {
		return true
	}
	if vm.IsBuiltin(name) {
		return true
	}
	_, ok := c.prog.CFFI[name]
	return ok
}

func (c *Compiler) error(msg string) {
	c.errors = append(c.errors,
		etcherr.NewCompileError(msg, c.opts.SourceFile, c.pos.Line, c.pos.Column))
}

func (c *Compiler) errorf(format string, args ...interface{}) {
	c.error(fmt.Sprintf(format, args...))
}
