package bytecodefile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"sort"

	"etch/internal/instr"
	"etch/internal/lifetime"
	"etch/internal/value"
	"etch/internal/vm"
)

// Write serializes prog to w in the on-disk format.
func Write(w io.Writer, prog *vm.Program) error {
	bw := &writer{w: bufio.NewWriter(w)}

	bw.bytes([]byte(Magic))
	bw.u8(VMTypeRegister)
	bw.u32(BytecodeVersion)
	bw.bytes(prog.SourceHash[:])
	ver := pad32(prog.CompilerVersion)
	bw.bytes(ver[:])
	bw.u8(prog.Flags.Byte())
	bw.str(prog.SourceFile)

	bw.u32(uint32(prog.EntryPoint))

	bw.u32(uint32(len(prog.Constants)))
	for _, v := range prog.Constants {
		bw.value(v)
	}

	bw.u32(uint32(len(prog.Code)))
	for pc, ins := range prog.Code {
		bw.instruction(ins, prog.DebugAt(pc))
	}

	names := make([]string, 0, len(prog.Functions))
	for name := range prog.Functions {
		names = append(names, name)
	}
	sort.Strings(names)
	bw.u32(uint32(len(names)))
	for _, name := range names {
		info := prog.Functions[name]
		bw.str(name)
		bw.u32(uint32(info.StartPC))
		bw.u32(uint32(info.EndPC))
		bw.u32(uint32(info.ParamCount))
		bw.u32(uint32(info.MaxRegister))
	}

	// The ordered dispatch table is its own section: Call instructions
	// address functions by index, so the order must survive round-trips
	// exactly.
	bw.u32(uint32(len(prog.FunctionTable)))
	for _, name := range prog.FunctionTable {
		bw.str(name)
	}

	cffiNames := make([]string, 0, len(prog.CFFI))
	for name := range prog.CFFI {
		cffiNames = append(cffiNames, name)
	}
	sort.Strings(cffiNames)
	bw.u32(uint32(len(cffiNames)))
	for _, name := range cffiNames {
		d := prog.CFFI[name]
		bw.str(name)
		bw.str(d.LibraryName)
		bw.str(d.Symbol)
		bw.str(d.BaseName)
		bw.u32(uint32(len(d.ParamTypes)))
		for _, p := range d.ParamTypes {
			bw.str(p)
		}
		bw.str(d.ReturnType)
	}

	ltNames := make([]string, 0, len(prog.Lifetimes))
	for name := range prog.Lifetimes {
		ltNames = append(ltNames, name)
	}
	sort.Strings(ltNames)
	bw.u32(uint32(len(ltNames)))
	for _, name := range ltNames {
		bw.lifetimeTable(name, prog.Lifetimes[name])
	}

	if bw.err != nil {
		return fmt.Errorf("bytecodefile: write: %w", bw.err)
	}
	return bw.w.(*bufio.Writer).Flush()
}

// WriteFile serializes prog to path.
func WriteFile(path string, prog *vm.Program) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Write(f, prog)
}

type writer struct {
	w   io.Writer
	err error
}

func (bw *writer) bytes(b []byte) {
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.Write(b)
}

func (bw *writer) u8(v byte)   { bw.bytes([]byte{v}) }
func (bw *writer) u16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	bw.bytes(b[:])
}
func (bw *writer) u32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	bw.bytes(b[:])
}
func (bw *writer) u64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	bw.bytes(b[:])
}
func (bw *writer) i32(v int32)   { bw.u32(uint32(v)) }
func (bw *writer) i16(v int16)   { bw.u16(uint16(v)) }
func (bw *writer) f64(v float64) { bw.u64(math.Float64bits(v)) }

func (bw *writer) str(s string) {
	bw.u32(uint32(len(s)))
	bw.bytes([]byte(s))
}

// value writes one constant: a 1-byte kind tag then a kind-specific
// payload; wrapper kinds recurse into the owned inner value.
func (bw *writer) value(v value.Value) {
	switch v.Kind() {
	case value.KindInt:
		bw.u8(tagInt)
		bw.u64(uint64(v.AsInt()))
	case value.KindFloat:
		bw.u8(tagFloat)
		bw.f64(v.AsFloat())
	case value.KindBool:
		bw.u8(tagBool)
		if v.AsBool() {
			bw.u8(1)
		} else {
			bw.u8(0)
		}
	case value.KindChar:
		bw.u8(tagChar)
		bw.u8(v.AsChar())
	case value.KindNil:
		bw.u8(tagNil)
	case value.KindString:
		bw.u8(tagString)
		bw.str(v.AsString())
	case value.KindArray:
		bw.u8(tagArray)
		elems := v.AsArray()
		bw.u32(uint32(len(elems)))
		for _, e := range elems {
			bw.value(e)
		}
	case value.KindTable:
		bw.u8(tagTable)
		tbl := v.AsTable()
		keys := make([]string, 0, len(tbl))
		for k := range tbl {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		bw.u32(uint32(len(keys)))
		for _, k := range keys {
			bw.str(k)
			bw.value(tbl[k])
		}
	case value.KindOption:
		if v.IsSome() {
			bw.u8(tagSome)
			bw.value(v.Unwrap())
		} else {
			bw.u8(tagNone)
		}
	case value.KindResult:
		if v.IsOk() {
			bw.u8(tagOk)
		} else {
			bw.u8(tagErr)
		}
		bw.value(v.Unwrap())
	}
}

// instruction writes opcode, A, opType, the operand bytes the opType
// dictates, then the debug record.
func (bw *writer) instruction(ins instr.Instruction, d instr.DebugInfo) {
	bw.u8(byte(ins.Op()))
	bw.u8(ins.A())
	form := ins.Form()
	bw.u8(byte(form))
	switch form {
	case instr.FormABC:
		bw.u8(ins.B())
		bw.u8(ins.C())
	case instr.FormABx:
		bw.u16(ins.Bx())
	case instr.FormAsBx:
		bw.i16(int16(ins.SBx()))
	case instr.FormAx:
		bw.u32(ins.Ax())
	case instr.FormWide:
		bw.u16(ins.W16())
		bw.u8(ins.W8a())
		bw.u8(ins.W8b())
	}
	bw.u32(uint32(d.Line))
	bw.str(d.File)
}

func (bw *writer) lifetimeTable(fnName string, t *lifetime.Tracker) {
	bw.str(fnName)

	bw.u32(uint32(len(t.Ranges)))
	for _, r := range t.Ranges {
		bw.str(r.Name)
		bw.u32(uint32(r.Register))
		bw.i32(int32(r.DeclPC))
		bw.i32(int32(r.DefPC))
		bw.i32(int32(r.LastUsePC))
		bw.i32(int32(r.EndPC))
		bw.u32(uint32(r.ScopeLevel))
	}

	bw.pcNamesMap(t.Index)
	bw.pcNamesMap(t.Destructors)
}

func (bw *writer) pcNamesMap(m map[int][]string) {
	pcs := make([]int, 0, len(m))
	for pc := range m {
		pcs = append(pcs, pc)
	}
	sort.Ints(pcs)
	bw.u32(uint32(len(pcs)))
	for _, pc := range pcs {
		bw.u32(uint32(pc))
		names := m[pc]
		bw.u32(uint32(len(names)))
		for _, n := range names {
			bw.str(n)
		}
	}
}
