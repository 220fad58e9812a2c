package lifetime

import "testing"

func TestDeclareDefineUse(t *testing.T) {
	tr := NewTracker()
	tr.Declare("x", 0, 2)
	tr.Define("x", 3)
	tr.Use("x", 7)
	tr.ExitScope(10)

	if len(tr.Ranges) != 1 {
		t.Fatalf("expected 1 range, got %d", len(tr.Ranges))
	}
	r := tr.Ranges[0]
	if r.DeclPC != 2 || r.DefPC != 3 || r.LastUsePC != 7 || r.EndPC != 10 {
		t.Fatalf("range PCs wrong: %+v", r)
	}
	if names := tr.Destructors[10]; len(names) != 1 || names[0] != "x" {
		t.Fatalf("expected destructor for x at pc 10, got %v", tr.Destructors)
	}
}

func TestNestedScopeShadowing(t *testing.T) {
	tr := NewTracker()
	tr.Declare("x", 0, 0)
	tr.Define("x", 0)
	tr.EnterScope()
	tr.Declare("x", 1, 5)
	tr.Define("x", 5)

	if reg, ok := tr.Resolve("x"); !ok || reg != 1 {
		t.Fatalf("inner x should resolve to register 1, got %d ok=%v", reg, ok)
	}
	tr.ExitScope(8)
	if reg, ok := tr.Resolve("x"); !ok || reg != 0 {
		t.Fatalf("after inner scope exits, x should resolve to register 0, got %d ok=%v", reg, ok)
	}
}

func TestShrinkToLastUse(t *testing.T) {
	tr := NewTracker()
	tr.Declare("v", 3, 1)
	tr.Define("v", 1)
	tr.Use("v", 4)
	tr.ExitScope(9)

	tr.ShrinkToLastUse()
	r := tr.Ranges[0]
	if r.EndPC != 4 {
		t.Fatalf("end should shrink to last use 4, got %d", r.EndPC)
	}
	if names := tr.Destructors[5]; len(names) != 1 || names[0] != "v" {
		t.Fatalf("destructor should move to last_use+1, got %v", tr.Destructors)
	}
	if _, stale := tr.Destructors[9]; stale {
		t.Fatalf("old destructor point should be removed")
	}
}

func TestVariablesAt(t *testing.T) {
	tr := NewTracker()
	tr.Declare("a", 0, 2)
	tr.Define("a", 3)
	tr.Declare("b", 1, 5)
	tr.Define("b", 6)
	tr.ExitScope(10)

	// At pc 4 only a is defined.
	vars := tr.VariablesAt(4)
	if len(vars) != 1 || vars[0].Name != "a" || vars[0].Uninitialized {
		t.Fatalf("at pc 4 want [a initialized], got %v", vars)
	}

	// At pc 6, b's defining instruction has not executed yet.
	vars = tr.VariablesAt(6)
	if len(vars) != 2 {
		t.Fatalf("at pc 6 want 2 vars, got %v", vars)
	}
	for _, v := range vars {
		if v.Name == "b" && !v.Uninitialized {
			t.Fatalf("b should be uninitialized at its def pc")
		}
		if v.Name == "a" && v.Uninitialized {
			t.Fatalf("a should be initialized at pc 6")
		}
	}

	// Past the scope end nothing is visible.
	if vars := tr.VariablesAt(11); len(vars) != 0 {
		t.Fatalf("past end want no vars, got %v", vars)
	}
}

func TestBuildIndex(t *testing.T) {
	tr := NewTracker()
	tr.Declare("i", 0, 1)
	tr.Define("i", 1)
	tr.Use("i", 3)
	tr.ExitScope(5)
	tr.BuildIndex(8)

	for pc := 1; pc <= 5; pc++ {
		if names := tr.Index[pc]; len(names) != 1 || names[0] != "i" {
			t.Fatalf("pc %d: want [i], got %v", pc, names)
		}
	}
	if names := tr.Index[7]; len(names) != 0 {
		t.Fatalf("pc 7: want empty, got %v", names)
	}
}
