// Package replay implements the instruction-granularity recorder that
// lets a debugger scrub backward: periodic full snapshots, a
// per-statement delta stream, bidirectional seek over both, and
// branch-on-modify truncation when the user mutates state mid-replay.
package replay

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"etch/internal/value"
	"etch/internal/vm"
)

// DefaultSnapshotInterval is the statement count between full
// snapshots. Seek cost is bounded by the deltas inside one interval.
const DefaultSnapshotInterval = 100

// DeltaKind discriminates one recorded state mutation.
type DeltaKind int

const (
	DeltaRegWrite DeltaKind = iota
	DeltaGlobalWrite
	DeltaFramePush
	DeltaFramePop
	DeltaRNGChange
	DeltaPCJump
)

// Delta is a single state mutation between two statement boundaries,
// sufficient to replay forward.
type Delta struct {
	Kind    DeltaKind
	StmtIdx int

	FrameIdx int
	Reg      int
	Old, New value.Value

	Name string

	Frame *vm.Frame

	OldRNG, NewRNG vm.RNGState

	OldPC, NewPC int
}

// Snapshot is a full capture of frames, globals, and RNG state at one
// statement boundary.
type Snapshot struct {
	StmtIdx   int
	Timestamp time.Time
	File      string
	Line      int
	PC        int
	Frames    []*vm.Frame
	Globals   map[string]value.Value
	RNG       vm.RNGState

	// deltaPos is the delta-log length at capture time. Seek replays
	// only deltas recorded after this point; anything earlier is
	// already inside the snapshot.
	deltaPos int
}

// State is a reconstructed VM state produced by Seek; ApplyTo lands it
// back in a live VM.
type State struct {
	StmtIdx int
	PC      int
	Frames  []*vm.Frame
	Globals map[string]value.Value
	RNG     vm.RNGState
}

// ApplyTo overwrites machine's execution state with s.
func (s *State) ApplyTo(machine *vm.VM) {
	machine.Restore(s.Frames, s.Globals, s.PC, s.RNG)
}

// Recorder implements vm.Recorder. It holds the snapshot ring and the
// delta log for one recording session; the log is append-only while
// recording and must live alongside the VM for the session's duration.
type Recorder struct {
	SessionID uuid.UUID

	vm       *vm.VM
	interval int

	snapshots []*Snapshot
	deltas    []Delta

	// index maps a statement index to the positions of its deltas in
	// the log.
	index map[int][]int

	curStmt    int
	totalStmts int
	started    time.Time
}

// NewRecorder attaches a recorder to machine. interval <= 0 selects the
// default.
func NewRecorder(machine *vm.VM, interval int) *Recorder {
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	r := &Recorder{
		SessionID: uuid.New(),
		vm:        machine,
		interval:  interval,
		index:     make(map[int][]int),
		started:   time.Now(),
	}
	machine.SetRecorder(r)
	return r
}

// TotalStatements reports how many statement boundaries have been
// recorded.
func (r *Recorder) TotalStatements() int { return r.totalStmts }

// Interval reports the snapshot interval.
func (r *Recorder) Interval() int { return r.interval }

// Duration reports how long the session has been recording.
func (r *Recorder) Duration() time.Duration { return time.Since(r.started) }

// Snapshots exposes the snapshot sequence, oldest first.
func (r *Recorder) Snapshots() []*Snapshot { return r.snapshots }

// OnStatement implements vm.Recorder: a source-line transition is a
// statement boundary; every interval-th one takes a full snapshot.
func (r *Recorder) OnStatement(instrIdx int, file string, line int) {
	r.curStmt = instrIdx
	r.totalStmts = instrIdx + 1
	if instrIdx%r.interval == 0 {
		r.takeSnapshot(file, line)
	}
}

func (r *Recorder) takeSnapshot(file string, line int) {
	snap := &Snapshot{
		StmtIdx:   r.curStmt,
		Timestamp: time.Now(),
		File:      file,
		Line:      line,
		PC:        r.vm.PC(),
		Frames:    cloneFrames(r.vm.Frames()),
		Globals:   cloneGlobals(r.vm.Globals()),
		RNG:       r.vm.RNG(),
		deltaPos:  len(r.deltas),
	}
	r.snapshots = append(r.snapshots, snap)
}

func (r *Recorder) record(d Delta) {
	d.StmtIdx = r.curStmt
	r.deltas = append(r.deltas, d)
	r.index[r.curStmt] = append(r.index[r.curStmt], len(r.deltas)-1)
}

// OnRegWrite implements vm.Recorder.
func (r *Recorder) OnRegWrite(frameIdx, reg int, old, new value.Value) {
	r.record(Delta{
		Kind:     DeltaRegWrite,
		FrameIdx: frameIdx,
		Reg:      reg,
		Old:      value.Clone(old),
		New:      value.Clone(new),
	})
}

// OnGlobalWrite implements vm.Recorder.
func (r *Recorder) OnGlobalWrite(name string, old, new value.Value) {
	r.record(Delta{
		Kind: DeltaGlobalWrite,
		Name: name,
		Old:  value.Clone(old),
		New:  value.Clone(new),
	})
}

// OnFramePush implements vm.Recorder.
func (r *Recorder) OnFramePush(f *vm.Frame) {
	r.record(Delta{Kind: DeltaFramePush, Frame: cloneFrame(f)})
}

// OnFramePop implements vm.Recorder.
func (r *Recorder) OnFramePop(f *vm.Frame) {
	r.record(Delta{Kind: DeltaFramePop, Frame: cloneFrame(f)})
}

// OnRNGChange implements vm.Recorder.
func (r *Recorder) OnRNGChange(old, new vm.RNGState) {
	r.record(Delta{Kind: DeltaRNGChange, OldRNG: old, NewRNG: new})
}

// OnPCJump implements vm.Recorder.
func (r *Recorder) OnPCJump(old, new int) {
	r.record(Delta{Kind: DeltaPCJump, OldPC: old, NewPC: new})
}

// Seek reconstructs the VM state at statement boundary target: restore
// the latest snapshot at or before it, then replay the deltas in
// [snapshot, target) in order. Cost is bounded by the snapshot
// interval.
func (r *Recorder) Seek(target int) (*State, error) {
	if len(r.snapshots) == 0 {
		return nil, fmt.Errorf("replay: no snapshots recorded")
	}
	if target < 0 || target >= r.totalStmts {
		return nil, fmt.Errorf("replay: statement %d out of range [0, %d)", target, r.totalStmts)
	}

	// Latest snapshot with StmtIdx <= target.
	i := sort.Search(len(r.snapshots), func(i int) bool {
		return r.snapshots[i].StmtIdx > target
	}) - 1
	if i < 0 {
		return nil, fmt.Errorf("replay: no snapshot at or before statement %d", target)
	}
	snap := r.snapshots[i]

	state := &State{
		StmtIdx: target,
		PC:      snap.PC,
		Frames:  cloneFrames(snap.Frames),
		Globals: cloneGlobals(snap.Globals),
		RNG:     snap.RNG,
	}

	// The log is in execution order; replay the window forward.
	for j := snap.deltaPos; j < len(r.deltas) && r.deltas[j].StmtIdx < target; j++ {
		if err := applyDelta(state, &r.deltas[j]); err != nil {
			return nil, err
		}
	}
	return state, nil
}

func applyDelta(state *State, d *Delta) error {
	switch d.Kind {
	case DeltaRegWrite:
		if d.FrameIdx < 0 || d.FrameIdx >= len(state.Frames) {
			return fmt.Errorf("replay: delta targets frame %d of %d", d.FrameIdx, len(state.Frames))
		}
		state.Frames[d.FrameIdx].Registers[d.Reg] = value.Clone(d.New)
	case DeltaGlobalWrite:
		state.Globals[d.Name] = value.Clone(d.New)
	case DeltaFramePush:
		state.Frames = append(state.Frames, cloneFrame(d.Frame))
	case DeltaFramePop:
		if len(state.Frames) == 0 {
			return fmt.Errorf("replay: frame pop on empty stack")
		}
		state.Frames = state.Frames[:len(state.Frames)-1]
	case DeltaRNGChange:
		state.RNG = d.NewRNG
	case DeltaPCJump:
		state.PC = d.NewPC
	}
	return nil
}

func cloneFrame(f *vm.Frame) *vm.Frame {
	out := &vm.Frame{
		Function:      f.Function,
		ReturnPC:      f.ReturnPC,
		ResultReg:     f.ResultReg,
		ResultCount:   f.ResultCount,
		DeferReturnPC: f.DeferReturnPC,
		SavedPC:       f.SavedPC,
	}
	for i := range f.Registers {
		out.Registers[i] = value.Clone(f.Registers[i])
	}
	out.DeferStack = append([]int(nil), f.DeferStack...)
	return out
}

func cloneFrames(frames []*vm.Frame) []*vm.Frame {
	out := make([]*vm.Frame, len(frames))
	for i, f := range frames {
		out[i] = cloneFrame(f)
	}
	return out
}

func cloneGlobals(globals map[string]value.Value) map[string]value.Value {
	out := make(map[string]value.Value, len(globals))
	for k, v := range globals {
		out[k] = value.Clone(v)
	}
	return out
}
