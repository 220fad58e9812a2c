package vm

import (
	"etch/internal/cffi"
	"etch/internal/instr"
	"etch/internal/lifetime"
	"etch/internal/value"
)

// FunctionInfo is the per-function entry of the compiled program's
// function map.
type FunctionInfo struct {
	StartPC     int
	EndPC       int
	ParamCount  int
	MaxRegister int
}

// Flags is the decoded form of the bytecode header's flags byte:
// bit 0 = verbose, bit 1 = debug, bits 4-7 = optimization level.
type Flags struct {
	Verbose  bool
	Debug    bool
	OptLevel int
}

func (f Flags) Byte() byte {
	var b byte
	if f.Verbose {
		b |= 1 << 0
	}
	if f.Debug {
		b |= 1 << 1
	}
	b |= byte(f.OptLevel&0xF) << 4
	return b
}

func FlagsFromByte(b byte) Flags {
	return Flags{
		Verbose:  b&(1<<0) != 0,
		Debug:    b&(1<<1) != 0,
		OptLevel: int(b >> 4),
	}
}

// Program is one compiled compilation unit: everything the executor,
// serializer, debugger, and replay engine share. Constants, functions,
// and CFFI metadata are read-only once compilation finishes.
type Program struct {
	SourceFile      string
	SourceHash      [32]byte
	CompilerVersion string
	Flags           Flags

	EntryPoint int
	Constants  []value.Value
	Code       []instr.Instruction

	// Debug parallels Code. Empty when debug records were omitted.
	Debug []instr.DebugInfo

	// Functions maps name to range info; FunctionTable maps the Call
	// instruction's 16-bit index back to a name. The table also carries
	// builtin and foreign names so every call site dispatches by index.
	Functions     map[string]FunctionInfo
	FunctionTable []string

	// CFFI carries the foreign-function descriptors the program was
	// compiled against, keyed by mangled name. Dispatch goes through the
	// registry, never through these.
	CFFI map[string]cffi.Descriptor

	// Lifetimes holds per-function variable lifetime tables, keyed by
	// function name ("<global_init>" for the synthetic entry).
	Lifetimes map[string]*lifetime.Tracker
}

// DebugAt returns the debug record for pc, or a zero record when none
// was recorded.
func (p *Program) DebugAt(pc int) instr.DebugInfo {
	if pc >= 0 && pc < len(p.Debug) {
		return p.Debug[pc]
	}
	return instr.DebugInfo{}
}

// FunctionIndex returns the Call-table index for name, adding an entry
// if it is not present yet. Used by the compiler; at execution time the
// table is read-only.
func (p *Program) FunctionIndex(name string) int {
	for i, n := range p.FunctionTable {
		if n == name {
			return i
		}
	}
	p.FunctionTable = append(p.FunctionTable, name)
	return len(p.FunctionTable) - 1
}

// FunctionAt maps a PC back to the containing user function. The
// debugger and replay engine use it to pick the right lifetime table.
func (p *Program) FunctionAt(pc int) (string, bool) {
	for name, info := range p.Functions {
		if pc >= info.StartPC && pc <= info.EndPC {
			return name, true
		}
	}
	return "", false
}
