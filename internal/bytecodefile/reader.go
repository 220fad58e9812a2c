package bytecodefile

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"etch/internal/cffi"
	"etch/internal/etcherr"
	"etch/internal/instr"
	"etch/internal/lifetime"
	"etch/internal/value"
	"etch/internal/vm"
)

// Read deserializes one program. Bad magic, a stack-VM tag, and a
// version mismatch each surface as their distinct sentinel; any short
// read is fatal and reported as truncation.
func Read(r io.Reader) (*vm.Program, error) {
	br := &reader{r: bufio.NewReader(r)}
	prog := &vm.Program{
		Functions: make(map[string]vm.FunctionInfo),
		CFFI:      make(map[string]cffi.Descriptor),
		Lifetimes: make(map[string]*lifetime.Tracker),
	}

	magic := br.take(4)
	if br.err != nil {
		return nil, ErrTruncated
	}
	if string(magic) != Magic {
		return nil, ErrBadMagic
	}
	if vmType := br.u8(); br.err == nil && vmType != VMTypeRegister {
		return nil, ErrWrongVMType
	}
	if version := br.u32(); br.err == nil && version != BytecodeVersion {
		return nil, ErrWrongVersion
	}

	copy(prog.SourceHash[:], br.take(32))
	var ver [32]byte
	copy(ver[:], br.take(32))
	prog.CompilerVersion = unpad32(ver)
	prog.Flags = vm.FlagsFromByte(br.u8())
	prog.SourceFile = br.str()

	prog.EntryPoint = int(br.u32())

	constCount := br.u32()
	prog.Constants = make([]value.Value, 0, constCount)
	for i := uint32(0); i < constCount && br.err == nil; i++ {
		prog.Constants = append(prog.Constants, br.value(0))
	}

	instrCount := br.u32()
	prog.Code = make([]instr.Instruction, 0, instrCount)
	prog.Debug = make([]instr.DebugInfo, 0, instrCount)
	anyDebug := false
	for i := uint32(0); i < instrCount && br.err == nil; i++ {
		ins, d := br.instruction()
		prog.Code = append(prog.Code, ins)
		prog.Debug = append(prog.Debug, d)
		if d.Line != 0 || d.File != "" {
			anyDebug = true
		}
	}
	if !anyDebug {
		prog.Debug = nil
	}

	funcCount := br.u32()
	for i := uint32(0); i < funcCount && br.err == nil; i++ {
		name := br.str()
		info := vm.FunctionInfo{
			StartPC:     int(br.u32()),
			EndPC:       int(br.u32()),
			ParamCount:  int(br.u32()),
			MaxRegister: int(br.u32()),
		}
		prog.Functions[name] = info
	}

	tableCount := br.u32()
	prog.FunctionTable = make([]string, 0, tableCount)
	for i := uint32(0); i < tableCount && br.err == nil; i++ {
		prog.FunctionTable = append(prog.FunctionTable, br.str())
	}

	cffiCount := br.u32()
	for i := uint32(0); i < cffiCount && br.err == nil; i++ {
		d := cffi.Descriptor{
			Name:        br.str(),
			LibraryName: br.str(),
			Symbol:      br.str(),
			BaseName:    br.str(),
		}
		paramCount := br.u32()
		for j := uint32(0); j < paramCount && br.err == nil; j++ {
			d.ParamTypes = append(d.ParamTypes, br.str())
		}
		d.ReturnType = br.str()
		prog.CFFI[d.Name] = d
	}

	ltCount := br.u32()
	for i := uint32(0); i < ltCount && br.err == nil; i++ {
		name := br.str()
		rangeCount := br.u32()
		ranges := make([]*lifetime.Range, 0, rangeCount)
		for j := uint32(0); j < rangeCount && br.err == nil; j++ {
			ranges = append(ranges, &lifetime.Range{
				Name:       br.str(),
				Register:   int(br.u32()),
				DeclPC:     int(br.i32()),
				DefPC:      int(br.i32()),
				LastUsePC:  int(br.i32()),
				EndPC:      int(br.i32()),
				ScopeLevel: int(br.u32()),
			})
		}
		index := br.pcNamesMap()
		destructors := br.pcNamesMap()
		prog.Lifetimes[name] = lifetime.FromSerialized(ranges, index, destructors)
	}

	if br.err != nil {
		if br.err == io.EOF || br.err == io.ErrUnexpectedEOF {
			return nil, ErrTruncated
		}
		return nil, etcherr.NewLoadError("read bytecode: %v", br.err)
	}
	return prog, nil
}

// ReadFile deserializes the program stored at path.
func ReadFile(path string) (*vm.Program, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

type reader struct {
	r   io.Reader
	err error
}

func (br *reader) take(n int) []byte {
	if br.err != nil {
		return make([]byte, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(br.r, b); err != nil {
		br.err = err
		return make([]byte, n)
	}
	return b
}

func (br *reader) u8() byte    { return br.take(1)[0] }
func (br *reader) u16() uint16 { return binary.LittleEndian.Uint16(br.take(2)) }
func (br *reader) u32() uint32 { return binary.LittleEndian.Uint32(br.take(4)) }
func (br *reader) u64() uint64 { return binary.LittleEndian.Uint64(br.take(8)) }
func (br *reader) i16() int16  { return int16(br.u16()) }
func (br *reader) i32() int32  { return int32(br.u32()) }
func (br *reader) f64() float64 {
	return math.Float64frombits(br.u64())
}

func (br *reader) str() string {
	n := br.u32()
	if br.err != nil {
		return ""
	}
	return string(br.take(int(n)))
}

// maxValueDepth bounds wrapper recursion so a corrupt file cannot
// overflow the stack.
const maxValueDepth = 64

func (br *reader) value(depth int) value.Value {
	if depth > maxValueDepth {
		br.err = fmt.Errorf("constant nesting exceeds %d", maxValueDepth)
		return value.Nil()
	}
	switch br.u8() {
	case tagInt:
		return value.Int(int64(br.u64()))
	case tagFloat:
		return value.Float(br.f64())
	case tagBool:
		return value.Bool(br.u8() != 0)
	case tagChar:
		return value.Char(br.u8())
	case tagNil:
		return value.Nil()
	case tagString:
		return value.Str(br.str())
	case tagArray:
		n := br.u32()
		elems := make([]value.Value, 0, n)
		for i := uint32(0); i < n && br.err == nil; i++ {
			elems = append(elems, br.value(depth+1))
		}
		return value.Array(elems)
	case tagTable:
		n := br.u32()
		tbl := make(map[string]value.Value, n)
		for i := uint32(0); i < n && br.err == nil; i++ {
			k := br.str()
			tbl[k] = br.value(depth + 1)
		}
		return value.Table(tbl)
	case tagSome:
		return value.Some(br.value(depth + 1))
	case tagNone:
		return value.None()
	case tagOk:
		return value.Ok(br.value(depth + 1))
	case tagErr:
		return value.Err(br.value(depth + 1))
	default:
		if br.err == nil {
			br.err = fmt.Errorf("unknown constant kind tag")
		}
		return value.Nil()
	}
}

func (br *reader) instruction() (instr.Instruction, instr.DebugInfo) {
	op := instr.Op(br.u8())
	a := br.u8()
	form := instr.Form(br.u8())
	var ins instr.Instruction
	switch form {
	case instr.FormABC:
		b, c := br.u8(), br.u8()
		ins = instr.EncodeABC(op, a, b, c)
	case instr.FormABx:
		ins = instr.EncodeABx(op, a, br.u16())
	case instr.FormAsBx:
		ins = instr.EncodeAsBx(op, a, int32(br.i16()))
	case instr.FormAx:
		ax := br.u32()
		ins = instr.EncodeAx(op, a, uint8(ax&0xFF), uint8(ax>>8&0xFF), uint8(ax>>16&0xFF))
	case instr.FormWide:
		w16 := br.u16()
		w8a, w8b := br.u8(), br.u8()
		ins = instr.EncodeWide(op, a, w16, w8a, w8b)
	default:
		if br.err == nil {
			br.err = fmt.Errorf("unknown operand form %d", form)
		}
	}
	d := instr.DebugInfo{Line: int(br.u32()), File: br.str()}
	return ins, d
}

func (br *reader) pcNamesMap() map[int][]string {
	n := br.u32()
	m := make(map[int][]string, n)
	for i := uint32(0); i < n && br.err == nil; i++ {
		pc := int(br.u32())
		count := br.u32()
		names := make([]string, 0, count)
		for j := uint32(0); j < count && br.err == nil; j++ {
			names = append(names, br.str())
		}
		m[pc] = names
	}
	return m
}
