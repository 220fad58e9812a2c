package bytecodefile

import (
	"bytes"
	"reflect"
	"testing"

	"github.com/kr/pretty"

	"etch/internal/cffi"
	"etch/internal/instr"
	"etch/internal/lifetime"
	"etch/internal/value"
	"etch/internal/vm"
)

func sampleProgram() *vm.Program {
	tracker := lifetime.NewTracker()
	tracker.Declare("x", 0, 1)
	tracker.Define("x", 1)
	tracker.Use("x", 3)
	tracker.ExitScope(4)
	tracker.BuildIndex(6)

	prog := &vm.Program{
		SourceFile:      "sample.etch",
		SourceHash:      HashSource([]byte("let x = 1")),
		CompilerVersion: "1.2.3",
		Flags:           vm.Flags{Debug: true, OptLevel: 2},
		EntryPoint:      0,
		Constants: []value.Value{
			value.Int(1 << 40),
			value.Float(2.5),
			value.Str("hello"),
			value.Bool(true),
			value.Char('c'),
			value.Nil(),
			value.Array([]value.Value{value.Int(1), value.Str("two")}),
			value.Table(map[string]value.Value{"k": value.Int(9)}),
			value.Some(value.Int(3)),
			value.None(),
			value.Ok(value.Str("fine")),
			value.Err(value.Str("broken")),
		},
		Code: []instr.Instruction{
			instr.EncodeABx(instr.OpLoadK, 0, 0),
			instr.EncodeAsBx(instr.OpLoadK, 1, -42),
			instr.EncodeABC(instr.OpAdd, 2, 0, 1),
			instr.EncodeAx(instr.OpMulAdd, 3, 0, 1, 2),
			instr.EncodeWide(instr.OpCall, 0, 1, 2, 1),
			instr.EncodeABC(instr.OpReturn, 0, 0, 0),
		},
		Debug: []instr.DebugInfo{
			{Line: 1, File: "sample.etch"},
			{Line: 1, File: "sample.etch"},
			{Line: 2, File: "sample.etch"},
			{Line: 2, File: "sample.etch"},
			{Line: 3, File: "sample.etch"},
			{Line: 3, File: "sample.etch"},
		},
		Functions: map[string]vm.FunctionInfo{
			"main":   {StartPC: 0, EndPC: 5, ParamCount: 0, MaxRegister: 4},
			"helper": {StartPC: 6, EndPC: 6, ParamCount: 2, MaxRegister: 3},
		},
		FunctionTable: []string{"main", "helper", "toString"},
		CFFI: map[string]cffi.Descriptor{
			"m_sin": {
				Name:        "m_sin",
				LibraryName: "libm",
				Symbol:      "sin",
				BaseName:    "sin",
				ParamTypes:  []string{"float"},
				ReturnType:  "float",
			},
		},
		Lifetimes: map[string]*lifetime.Tracker{"main": tracker},
	}
	return prog
}

func TestRoundTrip(t *testing.T) {
	prog := sampleProgram()

	var buf bytes.Buffer
	if err := Write(&buf, prog); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	if !reflect.DeepEqual(got.Constants, prog.Constants) {
		t.Fatalf("constants differ:\n%s", pretty.Diff(prog.Constants, got.Constants))
	}
	if !reflect.DeepEqual(got.Code, prog.Code) {
		t.Fatalf("instructions differ:\n%s", pretty.Diff(prog.Code, got.Code))
	}
	if !reflect.DeepEqual(got.Functions, prog.Functions) {
		t.Fatalf("function infos differ:\n%s", pretty.Diff(prog.Functions, got.Functions))
	}
	if !reflect.DeepEqual(got.FunctionTable, prog.FunctionTable) {
		t.Fatalf("function table differs:\n%s", pretty.Diff(prog.FunctionTable, got.FunctionTable))
	}
	if !reflect.DeepEqual(got.CFFI, prog.CFFI) {
		t.Fatalf("cffi table differs:\n%s", pretty.Diff(prog.CFFI, got.CFFI))
	}
	if got.EntryPoint != prog.EntryPoint {
		t.Fatalf("entry point %d, want %d", got.EntryPoint, prog.EntryPoint)
	}
	if got.SourceHash != prog.SourceHash {
		t.Fatalf("source hash mismatch")
	}
	if got.CompilerVersion != prog.CompilerVersion {
		t.Fatalf("compiler version %q, want %q", got.CompilerVersion, prog.CompilerVersion)
	}
	if got.Flags != prog.Flags {
		t.Fatalf("flags %+v, want %+v", got.Flags, prog.Flags)
	}

	want := prog.Lifetimes["main"]
	gotLT := got.Lifetimes["main"]
	if gotLT == nil {
		t.Fatalf("lifetime table for main missing")
	}
	if !reflect.DeepEqual(gotLT.Ranges, want.Ranges) {
		t.Fatalf("lifetime ranges differ:\n%s", pretty.Diff(want.Ranges, gotLT.Ranges))
	}
	if !reflect.DeepEqual(gotLT.Index, want.Index) {
		t.Fatalf("lifetime index differs:\n%s", pretty.Diff(want.Index, gotLT.Index))
	}
	if !reflect.DeepEqual(gotLT.Destructors, want.Destructors) {
		t.Fatalf("destructor points differ:\n%s", pretty.Diff(want.Destructors, gotLT.Destructors))
	}

	// Per-instruction debug records carry line and file.
	for pc := range prog.Code {
		if got.DebugAt(pc).Line != prog.DebugAt(pc).Line ||
			got.DebugAt(pc).File != prog.DebugAt(pc).File {
			t.Fatalf("debug record at pc %d differs", pc)
		}
	}
}

func TestSecondRoundTripIsStable(t *testing.T) {
	prog := sampleProgram()
	var first, second bytes.Buffer
	if err := Write(&first, prog); err != nil {
		t.Fatal(err)
	}
	reread, err := Read(bytes.NewReader(first.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	if err := Write(&second, reread); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Bytes(), second.Bytes()) {
		t.Fatalf("serialize(deserialize(x)) is not byte-stable")
	}
}

func TestLoadErrors(t *testing.T) {
	prog := sampleProgram()
	var buf bytes.Buffer
	if err := Write(&buf, prog); err != nil {
		t.Fatal(err)
	}
	good := buf.Bytes()

	corrupt := func(mutate func(b []byte)) []byte {
		b := append([]byte(nil), good...)
		mutate(b)
		return b
	}

	if _, err := Read(bytes.NewReader(corrupt(func(b []byte) { b[0] = 'X' }))); err != ErrBadMagic {
		t.Fatalf("bad magic: got %v", err)
	}
	if _, err := Read(bytes.NewReader(corrupt(func(b []byte) { b[4] = VMTypeStack }))); err != ErrWrongVMType {
		t.Fatalf("wrong vm type: got %v", err)
	}
	if _, err := Read(bytes.NewReader(corrupt(func(b []byte) { b[5] = 0xFF }))); err != ErrWrongVersion {
		t.Fatalf("wrong version: got %v", err)
	}
	if _, err := Read(bytes.NewReader(good[:len(good)/2])); err == nil {
		t.Fatalf("truncated file must fail to load")
	}
}

func TestCompatibleCompiler(t *testing.T) {
	if !CompatibleCompiler("1.2.3", "1.9.0") {
		t.Fatalf("same major should be compatible")
	}
	if CompatibleCompiler("1.2.3", "2.0.0") {
		t.Fatalf("different major should be incompatible")
	}
	if CompatibleCompiler("garbage", "1.0.0") {
		t.Fatalf("invalid version should be incompatible")
	}
}
