// Package lifetime tracks per-variable live ranges for a single function:
// declaration/definition/last-use/end PCs, scope levels, destructor
// points, and a PC-indexed view of which variables are active. The
// compiler feeds it while emitting code; the debugger reads it back to
// display in-scope registers.
package lifetime

// Range is the live range of one named variable.
//
// DeclPC is set when the variable is declared, DefPC when its initializer
// has been compiled (-1 until then), LastUsePC on every read, EndPC when
// its scope exits (-1 while the scope is open).
type Range struct {
	Name       string
	Register   int
	DeclPC     int
	DefPC      int
	LastUsePC  int
	EndPC      int
	ScopeLevel int
}

type scope struct {
	level int
	open  []*Range
}

// Tracker records variable lifetimes as the compiler walks one function
// body. Scope enter/exit mirror the source block structure.
type Tracker struct {
	Ranges []*Range

	// Destructors maps a PC to the variables whose storage dies there,
	// in the order their scopes closed.
	Destructors map[int][]string

	// Index maps each PC to the names active there. Built by BuildIndex
	// after compilation; nil before.
	Index map[int][]string

	scopes []*scope
}

func NewTracker() *Tracker {
	t := &Tracker{
		Destructors: make(map[int][]string),
	}
	// Function-body scope, level 0.
	t.scopes = append(t.scopes, &scope{level: 0})
	return t
}

// FromSerialized rebuilds a tracker from its persisted tables. The
// scope stack is not restored; a deserialized tracker answers queries
// but does not accept further declarations.
func FromSerialized(ranges []*Range, index, destructors map[int][]string) *Tracker {
	t := NewTracker()
	t.Ranges = ranges
	t.Index = index
	t.Destructors = destructors
	return t
}

// ScopeLevel reports the current nesting depth.
func (t *Tracker) ScopeLevel() int {
	return t.scopes[len(t.scopes)-1].level
}

// EnterScope pushes a new scope descriptor.
func (t *Tracker) EnterScope() {
	t.scopes = append(t.scopes, &scope{level: t.ScopeLevel() + 1})
}

// ExitScope closes every still-open range in the current scope with
// end_pc = pc, records a destructor point at pc naming those variables,
// and returns the closed ranges so the compiler can release their
// registers.
func (t *Tracker) ExitScope(pc int) []*Range {
	top := t.scopes[len(t.scopes)-1]
	var dying []string
	var closed []*Range
	for _, r := range top.open {
		if r.EndPC == -1 {
			r.EndPC = pc
			dying = append(dying, r.Name)
			closed = append(closed, r)
		}
	}
	if len(dying) > 0 {
		t.Destructors[pc] = append(t.Destructors[pc], dying...)
	}
	if len(t.scopes) > 1 {
		t.scopes = t.scopes[:len(t.scopes)-1]
	} else {
		// Function-body scope stays; just drop its ranges.
		top.open = top.open[:0]
	}
	return closed
}

// BoundRegister reports whether reg currently backs a named variable in
// any open scope. The compiler's temporary-freeing hint consults it so
// a named local's register is never returned to the free list early.
func (t *Tracker) BoundRegister(reg int) bool {
	for _, sc := range t.scopes {
		for _, r := range sc.open {
			if r.Register == reg && r.EndPC == -1 {
				return true
			}
		}
	}
	return false
}

// Declare opens a range for name in the current scope.
func (t *Tracker) Declare(name string, register, pc int) *Range {
	r := &Range{
		Name:       name,
		Register:   register,
		DeclPC:     pc,
		DefPC:      -1,
		LastUsePC:  -1,
		EndPC:      -1,
		ScopeLevel: t.ScopeLevel(),
	}
	t.Ranges = append(t.Ranges, r)
	top := t.scopes[len(t.scopes)-1]
	top.open = append(top.open, r)
	return r
}

// Define marks the most recently declared open range for name as defined
// at pc.
func (t *Tracker) Define(name string, pc int) {
	if r := t.resolveRange(name); r != nil {
		r.DefPC = pc
	}
}

// Use records a read of name at pc.
func (t *Tracker) Use(name string, pc int) {
	if r := t.resolveRange(name); r != nil {
		r.LastUsePC = pc
	}
}

// Resolve reports the register bound to name in the innermost scope that
// declares it. The compiler's local-variable lookup.
func (t *Tracker) Resolve(name string) (int, bool) {
	if r := t.resolveRange(name); r != nil {
		return r.Register, true
	}
	return 0, false
}

// Unbind closes the innermost open range for name at pc without waiting
// for its scope to exit. Loop headers use it to remap a reused loop
// variable.
func (t *Tracker) Unbind(name string, pc int) {
	if r := t.resolveRange(name); r != nil {
		r.EndPC = pc
	}
}

func (t *Tracker) resolveRange(name string) *Range {
	for i := len(t.scopes) - 1; i >= 0; i-- {
		open := t.scopes[i].open
		for j := len(open) - 1; j >= 0; j-- {
			if open[j].Name == name && open[j].EndPC == -1 {
				return open[j]
			}
		}
	}
	return nil
}

// ShrinkToLastUse tightens each range's end to its last read and records
// an earlier destructor point just after it. Ranges never read keep
// their scope-exit end.
func (t *Tracker) ShrinkToLastUse() {
	for _, r := range t.Ranges {
		if r.LastUsePC >= 0 && r.EndPC >= 0 && r.LastUsePC < r.EndPC {
			t.removeDestructor(r.EndPC, r.Name)
			r.EndPC = r.LastUsePC
			t.Destructors[r.LastUsePC+1] = append(t.Destructors[r.LastUsePC+1], r.Name)
		}
	}
}

func (t *Tracker) removeDestructor(pc int, name string) {
	names := t.Destructors[pc]
	for i, n := range names {
		if n == name {
			t.Destructors[pc] = append(names[:i], names[i+1:]...)
			if len(t.Destructors[pc]) == 0 {
				delete(t.Destructors, pc)
			}
			return
		}
	}
}

// BuildIndex constructs the pc -> active-variable-names map for a
// function whose instruction stream is instrCount long.
func (t *Tracker) BuildIndex(instrCount int) {
	t.Index = make(map[int][]string)
	for _, r := range t.Ranges {
		end := r.EndPC
		if end < 0 || end >= instrCount {
			end = instrCount - 1
		}
		for pc := r.DeclPC; pc <= end; pc++ {
			t.Index[pc] = append(t.Index[pc], r.Name)
		}
	}
}

// Variable is the debugger's view of one in-scope binding.
type Variable struct {
	Name     string
	Register int

	// Uninitialized is true when the defining instruction is the one at
	// the queried PC and has not yet executed.
	Uninitialized bool
}

// VariablesAt reports the variables visible at pc: declared at or before
// it, not yet dead, and defined. A variable whose def_pc equals pc is
// reported as uninitialized.
func (t *Tracker) VariablesAt(pc int) []Variable {
	var out []Variable
	for _, r := range t.Ranges {
		end := r.EndPC
		if end == -1 {
			end = int(^uint(0) >> 1)
		}
		if r.DeclPC <= pc && pc <= end && r.DefPC != -1 && r.DefPC <= pc {
			out = append(out, Variable{
				Name:          r.Name,
				Register:      r.Register,
				Uninitialized: r.DefPC == pc,
			})
		}
	}
	return out
}
