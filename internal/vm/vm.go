// Package vm implements the ETCH execution engine: a single dispatch
// loop over the packed instruction stream, a frame stack of 256-slot
// register files, defer execution, and call dispatch across user
// functions, foreign functions, and builtins.
//
// The VM is single-threaded and cooperative. Execute runs to completion
// unless a debug hook pauses it, in which case it returns StatusPaused
// and the embedder re-enters Execute to resume from the saved PC. No
// suspension happens inside an instruction.
package vm

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"strings"

	"etch/internal/cffi"
	"etch/internal/etcherr"
	"etch/internal/instr"
	"etch/internal/value"
)

// Status is the result of one Execute entry.
type Status int

const (
	// StatusOK: the entry frame returned; the program is done.
	StatusOK Status = 0
	// StatusPaused: a debug hook asked to pause; re-enter Execute to
	// resume.
	StatusPaused Status = -1
	// StatusFault: a fatal runtime error; Err() has the detail.
	StatusFault Status = 1
	// StatusUnderflow: the frame stack underflowed.
	StatusUnderflow Status = 2
)

// DebugHook is the executor's view of a debugger. ShouldBreak is asked
// before every instruction; returning true pauses the VM. OnCall and
// OnReturn maintain the hook's call-depth bookkeeping; builtin and
// foreign frames are reported with builtin=true so they do not count
// toward user call depth.
type DebugHook interface {
	ShouldBreak(pc int, file string, line int) bool
	OnCall(function string, builtin bool)
	OnReturn()
}

// RNGState captures the deterministic RNG position: the seed and how
// many draws have happened since. Restoring replays the draws.
type RNGState struct {
	Seed  int64
	Count int64
}

// Recorder receives state-change deltas during execution. The replay
// engine implements it; a nil recorder costs one branch per write.
type Recorder interface {
	OnStatement(instrIdx int, file string, line int)
	OnRegWrite(frameIdx, reg int, old, new value.Value)
	OnGlobalWrite(name string, old, new value.Value)
	OnFramePush(f *Frame)
	OnFramePop(f *Frame)
	OnRNGChange(old, new RNGState)
	OnPCJump(old, new int)
}

// Frame is one function activation: a fixed register file, the resume
// point in the caller, where the return value lands, and the pending
// defer bodies.
type Frame struct {
	Registers [256]value.Value
	Function  string

	// ReturnPC is the absolute caller PC to resume at; ResultReg the
	// caller register the return value lands in when ResultCount > 0.
	ReturnPC    int
	ResultReg   int
	ResultCount int

	// DeferStack holds body PCs pushed by PushDefer, executed LIFO.
	// DeferReturnPC points back at the draining ExecDefers.
	DeferStack    []int
	DeferReturnPC int

	// SavedPC holds this frame's PC while a callee is running; only the
	// top frame's PC lives in the VM itself.
	SavedPC int
}

// Options configures a VM instance.
type Options struct {
	// Out receives flushed stdout. Defaults to os.Stdout.
	Out io.Writer
	// Sink, when set, receives each print line directly instead of the
	// buffered writer. Debug sessions use it to capture output.
	Sink func(line string)
	// Seed initializes the deterministic RNG.
	Seed int64
}

const (
	flushBytes = 8 * 1024
	flushLines = 100
)

// VM executes one Program. It holds a non-owning handle on the CFFI
// registry for the duration of Execute.
type VM struct {
	prog     *Program
	registry *cffi.Registry

	pc     int
	frames []*Frame

	globals map[string]value.Value

	out      io.Writer
	sink     func(string)
	buf      strings.Builder
	bufLines int

	rng      *rand.Rand
	rngSeed  int64
	rngCount int64

	hook DebugHook
	rec  Recorder

	paused  bool
	started bool
	err     error

	stmtIdx      int
	lastStmtFile string
	lastStmtLine int
}

func New(prog *Program, registry *cffi.Registry, opts Options) *VM {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if registry == nil {
		registry = cffi.NewRegistry()
	}
	return &VM{
		prog:     prog,
		registry: registry,
		globals:  make(map[string]value.Value),
		out:      opts.Out,
		sink:     opts.Sink,
		rng:      rand.New(rand.NewSource(opts.Seed)),
		rngSeed:  opts.Seed,
	}
}

// SetDebugHook attaches a debugger before the first Execute.
func (vm *VM) SetDebugHook(h DebugHook) { vm.hook = h }

// SetRecorder attaches a replay recorder before the first Execute.
func (vm *VM) SetRecorder(r Recorder) { vm.rec = r }

// Err returns the fatal error after a StatusFault return.
func (vm *VM) Err() error { return vm.err }

// Resume clears the paused flag; the next Execute continues from the
// saved PC.
func (vm *VM) Resume() { vm.paused = false }

// Frames exposes the live frame stack, topmost last. The debugger's
// stack mirror and the replay snapshotter read it; nothing else should.
func (vm *VM) Frames() []*Frame { return vm.frames }

// Globals exposes the live global table.
func (vm *VM) Globals() map[string]value.Value { return vm.globals }

// PC reports the current program counter.
func (vm *VM) PC() int { return vm.pc }

// Program returns the program under execution.
func (vm *VM) Program() *Program { return vm.prog }

// RNG reports the current deterministic RNG position.
func (vm *VM) RNG() RNGState { return RNGState{Seed: vm.rngSeed, Count: vm.rngCount} }

// RestoreRNG rewinds the RNG to st by reseeding and replaying draws.
func (vm *VM) RestoreRNG(st RNGState) {
	vm.rng = rand.New(rand.NewSource(st.Seed))
	for i := int64(0); i < st.Count; i++ {
		vm.rng.Int63()
	}
	vm.rngSeed = st.Seed
	vm.rngCount = st.Count
}

// Restore overwrites the VM's execution state. The replay engine uses it
// to land a seek result back in a live VM.
func (vm *VM) Restore(frames []*Frame, globals map[string]value.Value, pc int, rng RNGState) {
	vm.frames = frames
	vm.globals = globals
	vm.pc = pc
	vm.RestoreRNG(rng)
	vm.started = true
	vm.paused = true
}

// Execute runs until the entry frame returns, a debug hook pauses, or a
// fatal error occurs. Output is flushed on every return path.
func (vm *VM) Execute() Status {
	defer vm.flush()

	if !vm.started {
		vm.started = true
		entry := &Frame{Function: vm.entryFunctionName(), ReturnPC: -1, DeferReturnPC: -1}
		vm.frames = append(vm.frames, entry)
		if vm.rec != nil {
			vm.rec.OnFramePush(entry)
		}
		vm.pc = vm.prog.EntryPoint
	}

	code := vm.prog.Code
	consts := vm.prog.Constants

	for {
		if vm.pc < 0 || vm.pc >= len(code) {
			vm.err = etcherr.NewRuntimeError(
				fmt.Sprintf("program counter %d out of bounds", vm.pc),
				vm.prog.SourceFile, 0)
			return StatusFault
		}

		d := vm.prog.DebugAt(vm.pc)

		if vm.hook != nil {
			if vm.hook.ShouldBreak(vm.pc, d.File, d.Line) {
				vm.paused = true
				return StatusPaused
			}
		}

		if vm.rec != nil && d.Line != 0 &&
			(d.Line != vm.lastStmtLine || d.File != vm.lastStmtFile) {
			vm.rec.OnStatement(vm.stmtIdx, d.File, d.Line)
			vm.stmtIdx++
			vm.lastStmtFile = d.File
			vm.lastStmtLine = d.Line
		}

		frame := vm.frames[len(vm.frames)-1]
		ins := code[vm.pc]
		oldPC := vm.pc
		vm.pc++

		switch ins.Op() {
		case instr.OpMove:
			vm.setReg(frame, int(ins.A()), frame.Registers[ins.B()])

		case instr.OpLoadK:
			if ins.Form() == instr.FormAsBx {
				vm.setReg(frame, int(ins.A()), value.Int(int64(ins.SBx())))
			} else {
				vm.setReg(frame, int(ins.A()), consts[ins.Bx()])
			}

		case instr.OpLoadNil:
			vm.setReg(frame, int(ins.A()), value.Nil())

		case instr.OpGetGlobal:
			name := consts[ins.Bx()].AsString()
			g, ok := vm.globals[name]
			if !ok {
				g = value.Nil()
			}
			vm.setReg(frame, int(ins.A()), g)

		case instr.OpSetGlobal:
			name := consts[ins.Bx()].AsString()
			old, ok := vm.globals[name]
			if !ok {
				old = value.Nil()
			}
			v := frame.Registers[ins.A()]
			if vm.rec != nil {
				vm.rec.OnGlobalWrite(name, old, v)
			}
			vm.globals[name] = v

		case instr.OpAdd:
			vm.setReg(frame, int(ins.A()), value.Add(frame.Registers[ins.B()], frame.Registers[ins.C()]))
		case instr.OpSub:
			vm.setReg(frame, int(ins.A()), value.Sub(frame.Registers[ins.B()], frame.Registers[ins.C()]))
		case instr.OpMul:
			vm.setReg(frame, int(ins.A()), value.Mul(frame.Registers[ins.B()], frame.Registers[ins.C()]))

		case instr.OpDiv:
			q, outcome := value.Div(frame.Registers[ins.B()], frame.Registers[ins.C()])
			if outcome == value.DivByZeroFatal {
				return vm.fail("integer division by zero", oldPC)
			}
			vm.setReg(frame, int(ins.A()), q)

		case instr.OpAddI, instr.OpSubI, instr.OpMulI:
			imm := int64(int8(ins.C()))
			b := frame.Registers[ins.B()]
			var out value.Value
			if b.IsInt() {
				switch ins.Op() {
				case instr.OpAddI:
					out = value.Int(b.AsInt() + imm)
				case instr.OpSubI:
					out = value.Int(b.AsInt() - imm)
				default:
					out = value.Int(b.AsInt() * imm)
				}
			} else {
				out = value.Nil()
			}
			vm.setReg(frame, int(ins.A()), out)

		case instr.OpNeg:
			b := frame.Registers[ins.B()]
			switch {
			case b.IsInt():
				vm.setReg(frame, int(ins.A()), value.Int(-b.AsInt()))
			case b.IsFloat():
				vm.setReg(frame, int(ins.A()), value.Float(-b.AsFloat()))
			default:
				vm.setReg(frame, int(ins.A()), value.Nil())
			}

		case instr.OpNot:
			vm.setReg(frame, int(ins.A()), value.Bool(!frame.Registers[ins.B()].Truthy()))

		case instr.OpEq, instr.OpLt, instr.OpLe:
			result := vm.compare(ins.Op(), frame.Registers[ins.B()], frame.Registers[ins.C()])
			expected := ins.A() != 0
			if result == expected {
				vm.pc++
			}

		case instr.OpEqStore:
			vm.setReg(frame, int(ins.A()),
				value.Bool(value.Equal(frame.Registers[ins.B()], frame.Registers[ins.C()])))
		case instr.OpNeStore:
			vm.setReg(frame, int(ins.A()),
				value.Bool(!value.Equal(frame.Registers[ins.B()], frame.Registers[ins.C()])))
		case instr.OpLtStore:
			vm.setReg(frame, int(ins.A()),
				value.Bool(vm.compare(instr.OpLt, frame.Registers[ins.B()], frame.Registers[ins.C()])))
		case instr.OpLeStore:
			vm.setReg(frame, int(ins.A()),
				value.Bool(vm.compare(instr.OpLe, frame.Registers[ins.B()], frame.Registers[ins.C()])))

		case instr.OpAnd:
			vm.setReg(frame, int(ins.A()),
				value.Bool(frame.Registers[ins.B()].Truthy() && frame.Registers[ins.C()].Truthy()))
		case instr.OpOr:
			vm.setReg(frame, int(ins.A()),
				value.Bool(frame.Registers[ins.B()].Truthy() || frame.Registers[ins.C()].Truthy()))

		case instr.OpIn:
			vm.setReg(frame, int(ins.A()), value.In(frame.Registers[ins.B()], frame.Registers[ins.C()]))
		case instr.OpNotIn:
			vm.setReg(frame, int(ins.A()),
				value.Bool(!value.In(frame.Registers[ins.B()], frame.Registers[ins.C()]).AsBool()))

		case instr.OpWrapSome:
			vm.setReg(frame, int(ins.A()), value.Some(frame.Registers[ins.B()]))
		case instr.OpWrapOk:
			vm.setReg(frame, int(ins.A()), value.Ok(frame.Registers[ins.B()]))
		case instr.OpWrapErr:
			vm.setReg(frame, int(ins.A()), value.Err(frame.Registers[ins.B()]))
		case instr.OpUnwrapOption, instr.OpUnwrapResult:
			vm.setReg(frame, int(ins.A()), frame.Registers[ins.B()].Unwrap())

		case instr.OpTestTag:
			if tagMatches(frame.Registers[ins.B()], ins.C()) {
				vm.pc++
			}

		case instr.OpNewArray:
			vm.setReg(frame, int(ins.A()), value.Array(make([]value.Value, ins.Bx())))
		case instr.OpNewTable:
			vm.setReg(frame, int(ins.A()), value.Table(make(map[string]value.Value, ins.Bx())))

		case instr.OpArrayGet:
			// The register-index form also serves table reads whose key is
			// only known at runtime; the checker guarantees the key type
			// matches the receiver.
			recv, key := frame.Registers[ins.B()], frame.Registers[ins.C()]
			if recv.IsTable() && key.IsString() {
				vm.setReg(frame, int(ins.A()), value.TableGet(recv, key.AsString()))
			} else {
				vm.setReg(frame, int(ins.A()), value.ArrayGet(recv, key.AsInt()))
			}
		case instr.OpArrayGetI:
			vm.setReg(frame, int(ins.A()),
				value.ArrayGet(frame.Registers[ins.B()], int64(ins.C())))
		case instr.OpArraySet:
			recv, key := frame.Registers[ins.A()], frame.Registers[ins.B()]
			if recv.IsTable() && key.IsString() {
				value.TableSet(recv, key.AsString(), frame.Registers[ins.C()])
			} else {
				value.ArraySet(recv, key.AsInt(), frame.Registers[ins.C()])
			}
		case instr.OpArraySetI:
			value.ArraySet(frame.Registers[ins.A()], int64(ins.C()), frame.Registers[ins.B()])

		case instr.OpTableGet:
			vm.setReg(frame, int(ins.A()),
				value.TableGet(frame.Registers[ins.B()], frame.Registers[ins.C()].AsString()))
		case instr.OpTableGetK:
			vm.setReg(frame, int(ins.A()),
				value.TableGet(frame.Registers[ins.B()], consts[ins.C()].AsString()))
		case instr.OpTableSet:
			value.TableSet(frame.Registers[ins.A()], frame.Registers[ins.B()].AsString(), frame.Registers[ins.C()])
		case instr.OpTableSetK:
			value.TableSet(frame.Registers[ins.A()], consts[ins.C()].AsString(), frame.Registers[ins.B()])

		case instr.OpLen:
			vm.setReg(frame, int(ins.A()), value.Len(frame.Registers[ins.B()]))

		case instr.OpSlice:
			lo := frame.Registers[ins.C()].AsInt()
			hi := frame.Registers[ins.C()+1].AsInt()
			vm.setReg(frame, int(ins.A()), value.Slice(frame.Registers[ins.B()], lo, hi))

		case instr.OpJmp:
			vm.pc += int(ins.SBx())

		case instr.OpTest:
			if frame.Registers[ins.A()].Truthy() != (ins.C() != 0) {
				vm.pc++
			}

		case instr.OpTestSet:
			if frame.Registers[ins.B()].Truthy() == (ins.C() != 0) {
				vm.setReg(frame, int(ins.A()), frame.Registers[ins.B()])
			} else {
				vm.pc++
			}

		case instr.OpCall:
			if st := vm.call(frame, ins, false); st != StatusOK {
				return st
			}

		case instr.OpTailCall:
			if st := vm.call(frame, ins, true); st != StatusOK {
				return st
			}

		case instr.OpReturn:
			if len(vm.frames) == 0 {
				return StatusUnderflow
			}
			popped := vm.frames[len(vm.frames)-1]
			vm.frames = vm.frames[:len(vm.frames)-1]
			if vm.rec != nil {
				vm.rec.OnFramePop(popped)
			}
			if vm.hook != nil {
				vm.hook.OnReturn()
			}
			if len(vm.frames) == 0 {
				return StatusOK
			}
			caller := vm.frames[len(vm.frames)-1]
			if popped.ResultCount > 0 {
				var ret value.Value
				if ins.B() != 0 {
					ret = popped.Registers[ins.A()]
				} else {
					ret = value.Nil()
				}
				vm.setReg(caller, popped.ResultReg, ret)
			}
			vm.pc = popped.ReturnPC

		case instr.OpForPrep:
			idx := frame.Registers[ins.A()]
			limit := frame.Registers[ins.A()+1]
			if less, ok := value.Less(idx, limit); !ok || !less {
				vm.pc += int(ins.SBx())
			}

		case instr.OpForLoop:
			a := int(ins.A())
			idx := frame.Registers[a]
			step := frame.Registers[a+2]
			next := value.Add(idx, step)
			vm.setReg(frame, a, next)
			if less, ok := value.Less(next, frame.Registers[a+1]); ok && less {
				vm.pc += int(ins.SBx())
			}

		case instr.OpPushDefer:
			frame.DeferStack = append(frame.DeferStack, vm.pc+int(ins.SBx())-1)

		case instr.OpExecDefers:
			if n := len(frame.DeferStack); n > 0 {
				body := frame.DeferStack[n-1]
				frame.DeferStack = frame.DeferStack[:n-1]
				frame.DeferReturnPC = oldPC
				vm.pc = body
			}

		case instr.OpDeferEnd:
			vm.pc = frame.DeferReturnPC

		case instr.OpAddAdd:
			r1, r2, r3 := ins.AxRegs()
			vm.setReg(frame, int(ins.A()),
				value.Add(value.Add(frame.Registers[r1], frame.Registers[r2]), frame.Registers[r3]))
		case instr.OpMulAdd:
			r1, r2, r3 := ins.AxRegs()
			vm.setReg(frame, int(ins.A()),
				value.Add(value.Mul(frame.Registers[r1], frame.Registers[r2]), frame.Registers[r3]))

		case instr.OpCmpJmp:
			if frame.Registers[ins.W8a()].Truthy() == (ins.W8b() != 0) {
				vm.pc += int(ins.WSBx())
			}

		case instr.OpIncTest:
			idxReg := int(ins.W8a())
			next := value.Add(frame.Registers[idxReg], value.Int(1))
			vm.setReg(frame, idxReg, next)
			if less, ok := value.Less(next, frame.Registers[ins.W8b()]); ok && less {
				vm.pc += int(ins.WSBx())
			}

		case instr.OpPrint:
			vm.printLine(value.ToDisplayString(frame.Registers[ins.A()]))

		case instr.OpNop:
			// nothing

		default:
			return vm.fail(fmt.Sprintf("unknown opcode %d", ins.Op()), oldPC)
		}

		if vm.rec != nil && vm.pc != oldPC+1 {
			vm.rec.OnPCJump(oldPC, vm.pc)
		}
	}
}

// call dispatches OpCall/OpTailCall: user function, foreign function,
// or builtin, in that resolution order. The caller's PC has already been
// advanced past the call instruction.
func (vm *VM) call(frame *Frame, ins instr.Instruction, tail bool) Status {
	idx := int(ins.W16())
	argc := int(ins.W8a())
	resc := int(ins.W8b())
	base := int(ins.A())

	if idx < 0 || idx >= len(vm.prog.FunctionTable) {
		fmt.Fprintf(os.Stderr, "etch: call to out-of-range function index %d\n", idx)
		vm.setReg(frame, base, value.Nil())
		return StatusOK
	}
	name := vm.prog.FunctionTable[idx]

	if info, ok := vm.prog.Functions[name]; ok {
		callee := &Frame{
			Function:      name,
			ResultReg:     base,
			ResultCount:   resc,
			DeferReturnPC: -1,
		}
		if tail {
			popped := vm.frames[len(vm.frames)-1]
			vm.frames = vm.frames[:len(vm.frames)-1]
			if vm.rec != nil {
				vm.rec.OnFramePop(popped)
			}
			if vm.hook != nil {
				vm.hook.OnReturn()
			}
			callee.ReturnPC = popped.ReturnPC
			callee.ResultReg = popped.ResultReg
			callee.ResultCount = popped.ResultCount
		} else {
			callee.ReturnPC = vm.pc
			frame.SavedPC = vm.pc
		}
		for i := 0; i < argc; i++ {
			callee.Registers[i] = frame.Registers[base+1+i]
		}
		vm.frames = append(vm.frames, callee)
		if vm.rec != nil {
			vm.rec.OnFramePush(callee)
		}
		if vm.hook != nil {
			vm.hook.OnCall(name, false)
		}
		vm.pc = info.StartPC
		return StatusOK
	}

	args := make([]value.Value, argc)
	for i := 0; i < argc; i++ {
		args[i] = frame.Registers[base+1+i]
	}

	if vm.registry.Has(name) {
		if vm.hook != nil {
			vm.hook.OnCall(name, true)
		}
		result, err := vm.registry.Invoke(name, args)
		if vm.hook != nil {
			vm.hook.OnReturn()
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "etch: cffi %s: %v\n", name, err)
			result = value.Nil()
		}
		if resc > 0 {
			vm.setReg(frame, base, result)
		}
		return StatusOK
	}

	if fn, ok := builtins[name]; ok {
		if vm.hook != nil {
			vm.hook.OnCall(name, true)
		}
		result := fn(vm, args)
		if vm.hook != nil {
			vm.hook.OnReturn()
		}
		if resc > 0 {
			vm.setReg(frame, base, result)
		}
		return StatusOK
	}

	fmt.Fprintf(os.Stderr, "etch: unknown function %q\n", name)
	if resc > 0 {
		vm.setReg(frame, base, value.Nil())
	}
	return StatusOK
}

func (vm *VM) compare(op instr.Op, a, b value.Value) bool {
	switch op {
	case instr.OpEq:
		return value.Equal(a, b)
	case instr.OpLt:
		less, ok := value.Less(a, b)
		return ok && less
	default: // OpLe
		if value.Equal(a, b) {
			return true
		}
		less, ok := value.Less(a, b)
		return ok && less
	}
}

func tagMatches(v value.Value, tag uint8) bool {
	switch tag {
	case instr.TagSome:
		return v.IsSome()
	case instr.TagNone:
		return v.IsNone()
	case instr.TagOk:
		return v.IsOk()
	case instr.TagErr:
		return v.IsErr()
	case instr.TagInt:
		return v.IsInt()
	case instr.TagFloat:
		return v.IsFloat()
	case instr.TagBool:
		return v.IsBool()
	case instr.TagChar:
		return v.IsChar()
	case instr.TagString:
		return v.IsString()
	case instr.TagArray:
		return v.IsArray()
	case instr.TagTable:
		return v.IsTable()
	case instr.TagNil:
		return v.IsNil()
	default:
		return false
	}
}

func (vm *VM) setReg(f *Frame, reg int, v value.Value) {
	if vm.rec != nil {
		vm.rec.OnRegWrite(len(vm.frames)-1, reg, f.Registers[reg], v)
	}
	f.Registers[reg] = v
}

func (vm *VM) entryFunctionName() string {
	if name, ok := vm.prog.FunctionAt(vm.prog.EntryPoint); ok {
		return name
	}
	return "<global_init>"
}

func (vm *VM) fail(msg string, pc int) Status {
	d := vm.prog.DebugAt(pc)
	e := etcherr.NewRuntimeError(msg, d.File, d.Line)
	for i := len(vm.frames) - 1; i >= 0; i-- {
		f := vm.frames[i]
		fd := vm.prog.DebugAt(f.SavedPC)
		e.AddStackFrame(f.Function, fd.File, fd.Line)
	}
	vm.err = e
	return StatusFault
}

func (vm *VM) printLine(s string) {
	if vm.sink != nil {
		vm.sink(s)
		return
	}
	vm.buf.WriteString(s)
	vm.buf.WriteByte('\n')
	vm.bufLines++
	if vm.buf.Len() > flushBytes || vm.bufLines >= flushLines {
		vm.flush()
	}
}

func (vm *VM) flush() {
	if vm.buf.Len() > 0 {
		io.WriteString(vm.out, vm.buf.String())
		vm.buf.Reset()
		vm.bufLines = 0
	}
}
