package debugger

import (
	"strings"
	"testing"

	"etch/internal/ast"
	"etch/internal/compiler"
	"etch/internal/vm"
)

// loopVM compiles a five-iteration counting loop with debug records and
// returns a paused-capable VM plus its attached debugger.
func loopVM(t *testing.T) (*vm.VM, *Debugger, *strings.Builder) {
	t.Helper()
	source := &ast.Program{
		SourceFile: "dbg.etch",
		Functions: []*ast.FunctionStmt{{
			Name: "main",
			Body: []ast.Stmt{
				&ast.LetStmt{Name: "i", Expr: &ast.Literal{Value: int64(0)}, Pos: ast.Pos{Line: 1}},
				&ast.WhileStmt{
					Condition: &ast.Binary{
						Left:     &ast.Variable{Name: "i"},
						Operator: "<",
						Right:    &ast.Literal{Value: int64(5)},
					},
					Body: []ast.Stmt{
						&ast.ExpressionStmt{
							Expr: &ast.CallExpr{Callee: "print", Args: []ast.Expr{&ast.Variable{Name: "i"}}},
							Pos:  ast.Pos{Line: 3},
						},
						&ast.AssignmentStmt{
							Name: "i",
							Value: &ast.Binary{
								Left:     &ast.Variable{Name: "i"},
								Operator: "+",
								Right:    &ast.Literal{Value: int64(1)},
							},
							Pos: ast.Pos{Line: 4},
						},
					},
					Pos: ast.Pos{Line: 2},
				},
			},
			Pos: ast.Pos{Line: 1},
		}},
	}
	prog, err := compiler.Compile(source, nil, compiler.Options{
		OptLevel:        1,
		EmitDebug:       true,
		SourceFile:      "dbg.etch",
		CompilerVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var out strings.Builder
	machine := vm.New(prog, nil, vm.Options{Out: &out})
	return machine, New(machine), &out
}

func TestBreakpointPausesEachHit(t *testing.T) {
	machine, dbg, out := loopVM(t)
	dbg.AddBreakpoint("dbg.etch", 3)

	hits := 0
	for {
		status := machine.Execute()
		if status == vm.StatusOK {
			break
		}
		if status != vm.StatusPaused {
			t.Fatalf("status %d err %v", status, machine.Err())
		}
		file, line := dbg.Location()
		if file != "dbg.etch" || line != 3 {
			t.Fatalf("paused at %s:%d, want dbg.etch:3", file, line)
		}
		hits++
		if hits > 10 {
			t.Fatalf("breakpoint loop did not terminate")
		}
		dbg.Continue()
	}
	if hits != 5 {
		t.Fatalf("breakpoint hit %d times, want 5", hits)
	}
	if out.String() != "0\n1\n2\n3\n4\n" {
		t.Fatalf("program output %q", out.String())
	}
}

func TestVariablesAtBreakpoint(t *testing.T) {
	machine, dbg, _ := loopVM(t)
	dbg.AddBreakpoint("dbg.etch", 4)

	if status := machine.Execute(); status != vm.StatusPaused {
		t.Fatalf("expected pause, got %d", status)
	}
	vars := dbg.Variables()
	found := false
	for _, v := range vars {
		if v.Name == "i" {
			found = true
			if v.Value != "0" {
				t.Fatalf("i = %s at first assignment, want 0", v.Value)
			}
		}
	}
	if !found {
		t.Fatalf("variable i not reported; got %v", vars)
	}

	dbg.Continue()
	if status := machine.Execute(); status != vm.StatusPaused {
		t.Fatalf("expected second pause")
	}
	for _, v := range dbg.Variables() {
		if v.Name == "i" && v.Value != "1" {
			t.Fatalf("i = %s at second assignment, want 1", v.Value)
		}
	}
}

func TestStepOverWalksLines(t *testing.T) {
	machine, dbg, _ := loopVM(t)
	dbg.StepInto() // arm before the first instruction

	var lines []int
	for i := 0; i < 7; i++ {
		status := machine.Execute()
		if status == vm.StatusOK {
			break
		}
		if status != vm.StatusPaused {
			t.Fatalf("status %d", status)
		}
		_, line := dbg.Location()
		lines = append(lines, line)
		dbg.StepOver()
	}
	want := []int{1, 2, 3, 4, 2, 3, 4}
	for i := range want {
		if i >= len(lines) || lines[i] != want[i] {
			t.Fatalf("stepped lines %v, want prefix %v", lines, want)
		}
	}
}

func TestStepOutOfFunction(t *testing.T) {
	source := &ast.Program{
		SourceFile: "dbg.etch",
		Functions: []*ast.FunctionStmt{
			{
				Name: "inner",
				Body: []ast.Stmt{
					&ast.ExpressionStmt{
						Expr: &ast.CallExpr{Callee: "print", Args: []ast.Expr{&ast.Literal{Value: "in"}}},
						Pos:  ast.Pos{Line: 10},
					},
				},
				Pos: ast.Pos{Line: 9},
			},
			{
				Name: "main",
				Body: []ast.Stmt{
					&ast.ExpressionStmt{Expr: &ast.CallExpr{Callee: "inner"}, Pos: ast.Pos{Line: 1}},
					&ast.ExpressionStmt{
						Expr: &ast.CallExpr{Callee: "print", Args: []ast.Expr{&ast.Literal{Value: "after"}}},
						Pos:  ast.Pos{Line: 2},
					},
				},
				Pos: ast.Pos{Line: 1},
			},
		},
	}
	prog, err := compiler.Compile(source, nil, compiler.Options{
		OptLevel: 1, EmitDebug: true, SourceFile: "dbg.etch", CompilerVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	var out strings.Builder
	machine := vm.New(prog, nil, vm.Options{Out: &out})
	dbg := New(machine)

	dbg.AddBreakpoint("dbg.etch", 10)
	if status := machine.Execute(); status != vm.StatusPaused {
		t.Fatalf("expected pause inside inner")
	}
	if _, line := dbg.Location(); line != 10 {
		t.Fatalf("paused at line %d, want 10", line)
	}

	dbg.StepOut()
	if status := machine.Execute(); status != vm.StatusPaused {
		t.Fatalf("expected pause after stepping out")
	}
	if _, line := dbg.Location(); line != 2 {
		t.Fatalf("stepped out to line %d, want 2", line)
	}
	dbg.Continue()
	if status := machine.Execute(); status != vm.StatusOK {
		t.Fatalf("final status %d", status)
	}
	if out.String() != "in\nafter\n" {
		t.Fatalf("output %q", out.String())
	}
}
