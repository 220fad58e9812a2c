// Package debugger implements the VM's debug hook: breakpoints,
// step-over/in/out via call-depth tracking, a stack-frame mirror, and
// variable display backed by the lifetime tracker. The embedder drives
// stepping by calling Continue/Step* and re-entering vm.Execute after
// each pause.
package debugger

import (
	"fmt"

	"github.com/google/uuid"

	"etch/internal/value"
	"etch/internal/vm"
)

// State is the debugger's stepping mode.
type State int

const (
	Running State = iota
	Paused
	StepInto
	StepOver
	StepOut
	Terminated
)

// Breakpoint is one source-line breakpoint.
type Breakpoint struct {
	ID       uuid.UUID
	File     string
	Line     int
	Enabled  bool
	HitCount int
}

// StackFrame mirrors one VM frame for display. Builtin and foreign
// frames are flagged; they do not count toward user call depth.
type StackFrame struct {
	Function string
	Builtin  bool
}

// Variable is one in-scope binding formatted for display.
type Variable struct {
	Name          string
	Register      int
	Value         string
	Uninitialized bool
}

// Debugger implements vm.DebugHook.
type Debugger struct {
	vm *vm.VM

	// SessionID tags this debug session; attached observers use it to
	// tell concurrent sessions apart.
	SessionID uuid.UUID

	breakpoints map[uuid.UUID]*Breakpoint
	state       State

	callStack     []StackFrame
	userCallDepth int
	stepDepth     int

	// Updated only on an actual break; stepping detects line
	// transitions against these.
	lastFile string
	lastLine int

	// Updated on every instruction; a breakpoint fires when execution
	// enters its line, and entry is a change against the last observed
	// position, not the last break.
	prevFile string
	prevLine int

	broadcaster *EventBroadcaster
}

func New(machine *vm.VM) *Debugger {
	d := &Debugger{
		vm:          machine,
		SessionID:   uuid.New(),
		breakpoints: make(map[uuid.UUID]*Breakpoint),
		state:       Running,
	}
	machine.SetDebugHook(d)
	return d
}

// SetBroadcaster attaches an optional event mirror.
func (d *Debugger) SetBroadcaster(b *EventBroadcaster) { d.broadcaster = b }

// State reports the current stepping mode.
func (d *Debugger) State() State { return d.state }

// AddBreakpoint registers a breakpoint at (file, line) and returns its
// ID.
func (d *Debugger) AddBreakpoint(file string, line int) uuid.UUID {
	bp := &Breakpoint{
		ID:      uuid.New(),
		File:    file,
		Line:    line,
		Enabled: true,
	}
	d.breakpoints[bp.ID] = bp
	return bp.ID
}

// RemoveBreakpoint deletes a breakpoint by ID.
func (d *Debugger) RemoveBreakpoint(id uuid.UUID) bool {
	if _, ok := d.breakpoints[id]; ok {
		delete(d.breakpoints, id)
		return true
	}
	return false
}

// Breakpoints lists the registered breakpoints.
func (d *Debugger) Breakpoints() []*Breakpoint {
	out := make([]*Breakpoint, 0, len(d.breakpoints))
	for _, bp := range d.breakpoints {
		out = append(out, bp)
	}
	return out
}

// Continue resumes free running.
func (d *Debugger) Continue() {
	d.state = Running
	d.vm.Resume()
}

// StepInto pauses on the next line transition, entering calls.
func (d *Debugger) StepInto() {
	d.state = StepInto
	d.vm.Resume()
}

// StepOver pauses on the next line transition at or above the current
// call depth.
func (d *Debugger) StepOver() {
	d.state = StepOver
	d.stepDepth = d.userCallDepth
	d.vm.Resume()
}

// StepOut pauses once the current function returns.
func (d *Debugger) StepOut() {
	d.state = StepOut
	d.stepDepth = d.userCallDepth
	d.vm.Resume()
}

// Terminate stops the session; every subsequent ShouldBreak pauses.
func (d *Debugger) Terminate() { d.state = Terminated }

// ShouldBreak implements vm.DebugHook. It is asked before every
// instruction; answering true pauses the VM between instructions.
func (d *Debugger) ShouldBreak(pc int, file string, line int) bool {
	switch d.state {
	case Paused, Terminated:
		return true
	}

	entering := line != 0 && (file != d.prevFile || line != d.prevLine)
	if line != 0 {
		d.prevFile = file
		d.prevLine = line
	}
	lineChanged := line != 0 && (file != d.lastFile || line != d.lastLine)

	if entering {
		for _, bp := range d.breakpoints {
			if bp.Enabled && bp.File == file && bp.Line == line {
				bp.HitCount++
				d.breakAt(pc, file, line, "breakpoint")
				return true
			}
		}
	}

	switch d.state {
	case StepInto:
		if lineChanged {
			d.breakAt(pc, file, line, "step")
			return true
		}
	case StepOver:
		if lineChanged && d.userCallDepth <= d.stepDepth {
			d.breakAt(pc, file, line, "step")
			return true
		}
	case StepOut:
		if d.userCallDepth < d.stepDepth {
			d.breakAt(pc, file, line, "step")
			return true
		}
	}
	return false
}

func (d *Debugger) breakAt(pc int, file string, line int, reason string) {
	d.state = Paused
	d.lastFile = file
	d.lastLine = line
	if d.broadcaster != nil {
		d.broadcaster.Publish(Event{
			Session:  d.SessionID.String(),
			Reason:   reason,
			File:     file,
			Line:     line,
			PC:       pc,
			Function: d.currentFunction(),
		})
	}
}

// OnCall implements vm.DebugHook.
func (d *Debugger) OnCall(function string, builtin bool) {
	d.callStack = append(d.callStack, StackFrame{Function: function, Builtin: builtin})
	if !builtin {
		d.userCallDepth++
	}
}

// OnReturn implements vm.DebugHook.
func (d *Debugger) OnReturn() {
	if n := len(d.callStack); n > 0 {
		if !d.callStack[n-1].Builtin {
			d.userCallDepth--
		}
		d.callStack = d.callStack[:n-1]
	}
}

// CallStack returns the mirrored frames, outermost first.
func (d *Debugger) CallStack() []StackFrame {
	out := make([]StackFrame, len(d.callStack))
	copy(out, d.callStack)
	return out
}

func (d *Debugger) currentFunction() string {
	if n := len(d.callStack); n > 0 {
		return d.callStack[n-1].Function
	}
	if name, ok := d.vm.Program().FunctionAt(d.vm.PC()); ok {
		return name
	}
	return ""
}

// Location reports the paused source position.
func (d *Debugger) Location() (file string, line int) {
	de := d.vm.Program().DebugAt(d.vm.PC())
	return de.File, de.Line
}

// Variables reads the lifetime tracker at the current PC and formats
// each in-scope register of the top frame. A variable whose defining
// instruction is the paused one reports as uninitialized.
func (d *Debugger) Variables() []Variable {
	prog := d.vm.Program()
	pc := d.vm.PC()
	fnName, ok := prog.FunctionAt(pc)
	if !ok {
		return nil
	}
	tracker, ok := prog.Lifetimes[fnName]
	if !ok {
		return nil
	}
	frames := d.vm.Frames()
	if len(frames) == 0 {
		return nil
	}
	top := frames[len(frames)-1]

	var out []Variable
	for _, v := range tracker.VariablesAt(pc) {
		display := "<uninitialized>"
		if !v.Uninitialized {
			display = value.ToDisplayString(top.Registers[v.Register])
		}
		out = append(out, Variable{
			Name:          v.Name,
			Register:      v.Register,
			Value:         display,
			Uninitialized: v.Uninitialized,
		})
	}
	return out
}

// FormatFrame renders one mirror frame for the CLI.
func FormatFrame(i int, f StackFrame) string {
	kind := ""
	if f.Builtin {
		kind = " [builtin]"
	}
	return fmt.Sprintf("#%d %s%s", i, f.Function, kind)
}
