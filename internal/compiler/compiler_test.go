package compiler_test

import (
	"strings"
	"testing"

	"etch/internal/ast"
	"etch/internal/compiler"
	"etch/internal/instr"
	"etch/internal/optimizer"
	"etch/internal/vm"
)

func lit(n int64) ast.Expr    { return &ast.Literal{Value: n} }
func slit(s string) ast.Expr  { return &ast.Literal{Value: s} }
func vr(name string) ast.Expr { return &ast.Variable{Name: name} }

func bin(op string, l, r ast.Expr) ast.Expr {
	return &ast.Binary{Left: l, Operator: op, Right: r}
}

func printCall(arg ast.Expr) ast.Stmt {
	return &ast.ExpressionStmt{Expr: &ast.CallExpr{Callee: "print", Args: []ast.Expr{arg}}}
}

func mainProgram(body ...ast.Stmt) *ast.Program {
	return &ast.Program{
		SourceFile: "test.etch",
		Functions:  []*ast.FunctionStmt{{Name: "main", Body: body}},
	}
}

// compileAndRun compiles at the given opt level, runs to completion,
// and returns stdout.
func compileAndRun(t *testing.T, program *ast.Program, opt int) (string, *vm.Program) {
	t.Helper()
	prog, err := compiler.Compile(program, nil, compiler.Options{
		OptLevel:        opt,
		EmitDebug:       true,
		SourceFile:      program.SourceFile,
		CompilerVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	optimizer.Optimize(prog, opt)

	var out strings.Builder
	machine := vm.New(prog, nil, vm.Options{Out: &out})
	if status := machine.Execute(); status != vm.StatusOK {
		t.Fatalf("execute: status %d, err %v", status, machine.Err())
	}
	return out.String(), prog
}

func TestWhileLoopCountsToFive(t *testing.T) {
	program := mainProgram(
		&ast.LetStmt{Name: "i", Expr: lit(0), Pos: ast.Pos{Line: 1}},
		&ast.WhileStmt{
			Condition: bin("<", vr("i"), lit(5)),
			Body: []ast.Stmt{
				printCall(vr("i")),
				&ast.AssignmentStmt{Name: "i", Value: bin("+", vr("i"), lit(1)), Pos: ast.Pos{Line: 3}},
			},
			Pos: ast.Pos{Line: 2},
		},
	)
	for _, opt := range []int{0, 1, 2} {
		out, _ := compileAndRun(t, program, opt)
		if out != "0\n1\n2\n3\n4\n" {
			t.Fatalf("opt %d: got %q", opt, out)
		}
	}
}

func TestMulAddFusion(t *testing.T) {
	program := mainProgram(printCall(bin("+", bin("*", lit(2), lit(3)), lit(4))))

	out, prog := compileAndRun(t, program, 2)
	if out != "10\n" {
		t.Fatalf("got %q", out)
	}
	mulAdds := 0
	for _, ins := range prog.Code {
		if ins.Op() == instr.OpMulAdd {
			mulAdds++
		}
	}
	if mulAdds != 1 {
		t.Fatalf("expected exactly one MulAdd, found %d", mulAdds)
	}

	// Unoptimized compilation must agree on behavior.
	out0, _ := compileAndRun(t, program, 0)
	if out0 != out {
		t.Fatalf("opt levels disagree: %q vs %q", out0, out)
	}
}

func matchProgram(input string) *ast.Program {
	return mainProgram(
		&ast.LetStmt{Name: "x", Expr: &ast.CallExpr{Callee: "parseInt", Args: []ast.Expr{slit(input)}}},
		&ast.MatchStmt{
			Scrutinee: vr("x"),
			Arms: []ast.MatchArm{
				{Pattern: &ast.SomePattern{Bind: "n"}, Body: []ast.Stmt{printCall(vr("n"))}},
				{Pattern: &ast.NonePattern{}, Body: []ast.Stmt{printCall(lit(-1))}},
			},
		},
	)
}

func TestMatchOnOption(t *testing.T) {
	out, _ := compileAndRun(t, matchProgram("42"), 1)
	if out != "42\n" {
		t.Fatalf("some arm: got %q", out)
	}
	out, _ = compileAndRun(t, matchProgram("xx"), 1)
	if out != "-1\n" {
		t.Fatalf("none arm: got %q", out)
	}
}

func TestDeferLIFO(t *testing.T) {
	program := &ast.Program{
		SourceFile: "test.etch",
		Functions: []*ast.FunctionStmt{
			{Name: "f", Body: []ast.Stmt{
				&ast.DeferStmt{Body: []ast.Stmt{printCall(slit("a"))}},
				&ast.DeferStmt{Body: []ast.Stmt{printCall(slit("b"))}},
				printCall(slit("c")),
			}},
			{Name: "main", Body: []ast.Stmt{
				&ast.ExpressionStmt{Expr: &ast.CallExpr{Callee: "f"}},
			}},
		},
	}
	out, _ := compileAndRun(t, program, 1)
	if out != "c\nb\na\n" {
		t.Fatalf("got %q", out)
	}
}

func TestDeferRunsOnEarlyReturn(t *testing.T) {
	program := &ast.Program{
		SourceFile: "test.etch",
		Functions: []*ast.FunctionStmt{
			{Name: "f", Params: []ast.Param{{Name: "early"}}, Body: []ast.Stmt{
				&ast.DeferStmt{Body: []ast.Stmt{printCall(slit("cleanup"))}},
				&ast.IfStmt{
					Condition: vr("early"),
					Then:      []ast.Stmt{&ast.ReturnStmt{}},
				},
				printCall(slit("late")),
			}},
			{Name: "main", Body: []ast.Stmt{
				&ast.ExpressionStmt{Expr: &ast.CallExpr{Callee: "f", Args: []ast.Expr{&ast.Literal{Value: true}}}},
				&ast.ExpressionStmt{Expr: &ast.CallExpr{Callee: "f", Args: []ast.Expr{&ast.Literal{Value: false}}}},
			}},
		},
	}
	out, _ := compileAndRun(t, program, 1)
	if out != "cleanup\nlate\ncleanup\n" {
		t.Fatalf("got %q", out)
	}
}

func TestForRange(t *testing.T) {
	inclusive := mainProgram(&ast.ForRangeStmt{
		Variable: "i", From: lit(1), To: lit(3), Inclusive: true,
		Body: []ast.Stmt{printCall(vr("i"))},
	})
	out, _ := compileAndRun(t, inclusive, 1)
	if out != "1\n2\n3\n" {
		t.Fatalf("inclusive: got %q", out)
	}

	exclusive := mainProgram(&ast.ForRangeStmt{
		Variable: "i", From: lit(1), To: lit(3), Inclusive: false,
		Body: []ast.Stmt{printCall(vr("i"))},
	})
	out, _ = compileAndRun(t, exclusive, 1)
	if out != "1\n2\n" {
		t.Fatalf("exclusive: got %q", out)
	}
}

func TestForInArray(t *testing.T) {
	program := mainProgram(
		&ast.LetStmt{Name: "xs", Expr: &ast.ArrayExpr{Elements: []ast.Expr{lit(7), lit(8), lit(9)}}},
		&ast.ForInStmt{Variable: "x", Collection: vr("xs"),
			Body: []ast.Stmt{printCall(vr("x"))}},
	)
	for _, opt := range []int{0, 2} {
		out, _ := compileAndRun(t, program, opt)
		if out != "7\n8\n9\n" {
			t.Fatalf("opt %d: got %q", opt, out)
		}
	}
}

func TestBreakContinue(t *testing.T) {
	// for i in 0..<10 { if i == 3 { continue }; if i == 6 { break }; print(i) }
	program := mainProgram(&ast.ForRangeStmt{
		Variable: "i", From: lit(0), To: lit(10),
		Body: []ast.Stmt{
			&ast.IfStmt{Condition: bin("==", vr("i"), lit(3)),
				Then: []ast.Stmt{&ast.ContinueStmt{}}},
			&ast.IfStmt{Condition: bin("==", vr("i"), lit(6)),
				Then: []ast.Stmt{&ast.BreakStmt{}}},
			printCall(vr("i")),
		},
	})
	out, _ := compileAndRun(t, program, 1)
	if out != "0\n1\n2\n4\n5\n" {
		t.Fatalf("got %q", out)
	}
}

func TestGlobalInitRunsBeforeMain(t *testing.T) {
	program := &ast.Program{
		SourceFile: "test.etch",
		Globals:    []*ast.LetStmt{{Name: "g", Expr: bin("+", lit(1000), lit(2000))}},
		Functions: []*ast.FunctionStmt{
			{Name: "main", Body: []ast.Stmt{printCall(vr("g"))}},
		},
	}
	out, prog := compileAndRun(t, program, 1)
	if out != "3000\n" {
		t.Fatalf("got %q", out)
	}
	info, ok := prog.Functions["<global_init>"]
	if !ok {
		t.Fatalf("missing synthetic <global_init>")
	}
	if prog.EntryPoint != info.StartPC {
		t.Fatalf("entry point %d, want <global_init> start %d", prog.EntryPoint, info.StartPC)
	}
}

func TestDefaultArguments(t *testing.T) {
	program := &ast.Program{
		SourceFile: "test.etch",
		Functions: []*ast.FunctionStmt{
			{
				Name: "repeat",
				Params: []ast.Param{
					{Name: "word"},
					{Name: "suffix", Default: slit("!")},
				},
				Body: []ast.Stmt{printCall(bin("+", vr("word"), vr("suffix")))},
			},
			{Name: "main", Body: []ast.Stmt{
				&ast.ExpressionStmt{Expr: &ast.CallExpr{Callee: "repeat", Args: []ast.Expr{slit("go")}}},
				&ast.ExpressionStmt{Expr: &ast.CallExpr{Callee: "repeat", Args: []ast.Expr{slit("go"), slit("?")}}},
			}},
		},
	}
	out, _ := compileAndRun(t, program, 1)
	if out != "go!\ngo?\n" {
		t.Fatalf("got %q", out)
	}
}

func TestRecursionAndTailCall(t *testing.T) {
	// fn sum(n, acc) { if n == 0 { return acc }; return sum(n - 1, acc + n) }
	program := &ast.Program{
		SourceFile: "test.etch",
		Functions: []*ast.FunctionStmt{
			{
				Name:   "sum",
				Params: []ast.Param{{Name: "n"}, {Name: "acc"}},
				Body: []ast.Stmt{
					&ast.IfStmt{
						Condition: bin("==", vr("n"), lit(0)),
						Then:      []ast.Stmt{&ast.ReturnStmt{Value: vr("acc")}},
					},
					&ast.ReturnStmt{Value: &ast.CallExpr{Callee: "sum", Args: []ast.Expr{
						bin("-", vr("n"), lit(1)),
						bin("+", vr("acc"), vr("n")),
					}}},
				},
			},
			{Name: "main", Body: []ast.Stmt{
				printCall(&ast.CallExpr{Callee: "sum", Args: []ast.Expr{lit(100), lit(0)}}),
			}},
		},
	}
	out, prog := compileAndRun(t, program, 1)
	if out != "5050\n" {
		t.Fatalf("got %q", out)
	}
	foundTail := false
	for _, ins := range prog.Code {
		if ins.Op() == instr.OpTailCall {
			foundTail = true
		}
	}
	if !foundTail {
		t.Fatalf("recursive return should compile to TailCall")
	}
}

func TestMissingFunctionReferent(t *testing.T) {
	program := mainProgram(
		&ast.ExpressionStmt{Expr: &ast.CallExpr{Callee: "noSuchFunction"}},
	)
	_, err := compiler.Compile(program, nil, compiler.Options{SourceFile: "test.etch"})
	if err == nil {
		t.Fatalf("expected compile error for unknown callee")
	}
	if !strings.Contains(err.Error(), "noSuchFunction") {
		t.Fatalf("diagnostic should name the callee: %v", err)
	}
}

func TestRegisterFrameInvariant(t *testing.T) {
	programs := []*ast.Program{
		matchProgram("42"),
		mainProgram(
			&ast.LetStmt{Name: "i", Expr: lit(0)},
			&ast.WhileStmt{
				Condition: bin("<", vr("i"), lit(5)),
				Body: []ast.Stmt{
					printCall(vr("i")),
					&ast.AssignmentStmt{Name: "i", Value: bin("+", vr("i"), lit(1))},
				},
			},
		),
		mainProgram(&ast.ForRangeStmt{
			Variable: "i", From: lit(1), To: lit(3), Inclusive: true,
			Body: []ast.Stmt{printCall(vr("i"))},
		}),
	}
	for i, program := range programs {
		for _, opt := range []int{0, 1, 2} {
			prog, err := compiler.Compile(program, nil, compiler.Options{
				OptLevel: opt, SourceFile: "test.etch", CompilerVersion: "1.0.0",
			})
			if err != nil {
				t.Fatalf("program %d opt %d: compile: %v", i, opt, err)
			}
			optimizer.Optimize(prog, opt)
			if err := compiler.VerifyRegisterUse(prog); err != nil {
				t.Fatalf("program %d opt %d: %v", i, opt, err)
			}
		}
	}
}
