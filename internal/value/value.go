// Package value implements the ETCH runtime value model: a discriminated
// union with Int/Float/Bool/Char/Nil/String/Array/Table/Option/Result
// variants.
//
// Unlike a NaN-boxed or tagged-pointer encoding, Value is a plain Go
// struct carrying an explicit Kind tag. Cache locality matters less here
// than clarity and exhaustive dispatch, and a tagged union lets heap
// payloads (strings, arrays, tables) live without fighting an encoding
// meant for float64 bit patterns.
package value

import (
	"fmt"
	"strings"
)

// Kind discriminates the variant held by a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindChar
	KindString
	KindArray
	KindTable
	KindOption
	KindResult
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindChar:
		return "char"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindTable:
		return "table"
	case KindOption:
		return "option"
	case KindResult:
		return "result"
	default:
		return "unknown"
	}
}

// Value is the runtime representation of every ETCH datum.
//
// Exactly one payload field is meaningful for a given Kind:
//   - KindBool:   b
//   - KindInt:    i
//   - KindFloat:  f
//   - KindChar:   c
//   - KindString: s
//   - KindArray:  arr
//   - KindTable:  tbl
//   - KindOption: wrapped (Some) or nothing (None, wrapped == nil)
//   - KindResult: wrapped (Ok or Err); ok distinguishes the two
type Value struct {
	kind    Kind
	b       bool
	i       int64
	f       float64
	c       byte
	s       string
	arr     []Value
	tbl     map[string]Value
	wrapped *Value
	ok      bool // meaningful only for KindResult: true=Ok, false=Err
}

// ============================================================================
// Constructors
// ============================================================================

func Int(i int64) Value     { return Value{kind: KindInt, i: i} }
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value     { return Value{kind: KindBool, b: b} }
func Char(c byte) Value     { return Value{kind: KindChar, c: c} }
func Nil() Value            { return Value{kind: KindNil} }
func Str(s string) Value    { return Value{kind: KindString, s: s} }

func Array(elems []Value) Value {
	return Value{kind: KindArray, arr: elems}
}

func Table(entries map[string]Value) Value {
	if entries == nil {
		entries = make(map[string]Value)
	}
	return Value{kind: KindTable, tbl: entries}
}

// Some wraps v as an owned Option payload.
func Some(v Value) Value {
	inner := v
	return Value{kind: KindOption, wrapped: &inner}
}

// None is the empty Option.
func None() Value {
	return Value{kind: KindOption, wrapped: nil}
}

// Ok wraps v as a successful Result payload.
func Ok(v Value) Value {
	inner := v
	return Value{kind: KindResult, wrapped: &inner, ok: true}
}

// Err wraps v as a failed Result payload.
func Err(v Value) Value {
	inner := v
	return Value{kind: KindResult, wrapped: &inner, ok: false}
}

// ============================================================================
// Predicates
// ============================================================================

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNil() bool    { return v.kind == KindNil }
func (v Value) IsBool() bool   { return v.kind == KindBool }
func (v Value) IsInt() bool    { return v.kind == KindInt }
func (v Value) IsFloat() bool  { return v.kind == KindFloat }
func (v Value) IsChar() bool   { return v.kind == KindChar }
func (v Value) IsString() bool { return v.kind == KindString }
func (v Value) IsArray() bool  { return v.kind == KindArray }
func (v Value) IsTable() bool  { return v.kind == KindTable }
func (v Value) IsOption() bool { return v.kind == KindOption }
func (v Value) IsResult() bool { return v.kind == KindResult }

func (v Value) IsSome() bool { return v.kind == KindOption && v.wrapped != nil }
func (v Value) IsNone() bool { return v.kind == KindOption && v.wrapped == nil }
func (v Value) IsOk() bool   { return v.kind == KindResult && v.ok }
func (v Value) IsErr() bool  { return v.kind == KindResult && !v.ok }

// ============================================================================
// Extraction
// ============================================================================

func (v Value) AsBool() bool       { return v.b }
func (v Value) AsInt() int64       { return v.i }
func (v Value) AsFloat() float64   { return v.f }
func (v Value) AsChar() byte       { return v.c }
func (v Value) AsString() string   { return v.s }
func (v Value) AsArray() []Value   { return v.arr }
func (v Value) AsTable() map[string]Value { return v.tbl }

// Unwrap returns the inner value of a Some/Ok/Err wrapper. Calling it on
// any other variant (including None) returns Nil; no exception is raised.
func (v Value) Unwrap() Value {
	if (v.kind == KindOption || v.kind == KindResult) && v.wrapped != nil {
		return *v.wrapped
	}
	return Nil()
}

// ============================================================================
// Truthiness, equality, ordering
// ============================================================================

// Truthy reports the truthiness rule: Nil and Bool(false) are false,
// everything else is true.
func (v Value) Truthy() bool {
	if v.kind == KindNil {
		return false
	}
	if v.kind == KindBool {
		return v.b
	}
	return true
}

// Equal is deep structural equality: same variant and equal payload;
// Nil==Nil; Some(a)==Some(b) iff a==b.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil:
		return true
	case KindBool:
		return a.b == b.b
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindChar:
		return a.c == b.c
	case KindString:
		return a.s == b.s
	case KindArray:
		if len(a.arr) != len(b.arr) {
			return false
		}
		for i := range a.arr {
			if !Equal(a.arr[i], b.arr[i]) {
				return false
			}
		}
		return true
	case KindTable:
		if len(a.tbl) != len(b.tbl) {
			return false
		}
		for k, av := range a.tbl {
			bv, ok := b.tbl[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	case KindOption:
		if (a.wrapped == nil) != (b.wrapped == nil) {
			return false
		}
		if a.wrapped == nil {
			return true // None == None
		}
		return Equal(*a.wrapped, *b.wrapped)
	case KindResult:
		if a.ok != b.ok {
			return false
		}
		return Equal(*a.wrapped, *b.wrapped)
	default:
		return false
	}
}

// Less is the partial ordering: defined only within Int/Int, Float/Float,
// Char/Char, and String/String lexical. ok is false for any other pairing.
func Less(a, b Value) (result bool, ok bool) {
	if a.kind != b.kind {
		return false, false
	}
	switch a.kind {
	case KindInt:
		return a.i < b.i, true
	case KindFloat:
		return a.f < b.f, true
	case KindChar:
		return a.c < b.c, true
	case KindString:
		return a.s < b.s, true
	default:
		return false, false
	}
}

// ============================================================================
// Monomorphic arithmetic/string/array helpers
//
// Dispatch is on the concrete tag pair; any combination not listed yields
// Nil. The interpreter is the sole caller, so a generic coercion scheme
// would only slow the hot path down for a case that never happens in
// practice: mixed-type arithmetic is a source-level type error the
// (out-of-scope) checker already rejects before bytecode exists.
// ============================================================================

func Add(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return Int(a.i + b.i)
	case a.kind == KindFloat && b.kind == KindFloat:
		return Float(a.f + b.f)
	case a.kind == KindString && b.kind == KindString:
		return Str(a.s + b.s)
	case a.kind == KindArray && b.kind == KindArray:
		out := make([]Value, 0, len(a.arr)+len(b.arr))
		out = append(out, a.arr...)
		out = append(out, b.arr...)
		return Array(out)
	default:
		return Nil()
	}
}

func Sub(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return Int(a.i - b.i)
	case a.kind == KindFloat && b.kind == KindFloat:
		return Float(a.f - b.f)
	default:
		return Nil()
	}
}

func Mul(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return Int(a.i * b.i)
	case a.kind == KindFloat && b.kind == KindFloat:
		return Float(a.f * b.f)
	default:
		return Nil()
	}
}

// DivOutcome distinguishes a normal quotient from the two documented
// division-by-zero behaviors.
type DivOutcome int

const (
	DivOK DivOutcome = iota
	DivByZeroFatal     // Int/Int by zero: documented as a fatal trap
	DivByZeroInf       // Float/Float by zero: IEEE-754 +-Inf/NaN, not fatal
)

func Div(a, b Value) (Value, DivOutcome) {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		if b.i == 0 {
			return Nil(), DivByZeroFatal
		}
		return Int(a.i / b.i), DivOK
	case a.kind == KindFloat && b.kind == KindFloat:
		return Float(a.f / b.f), DivByZeroInfIfZero(b.f)
	default:
		return Nil(), DivOK
	}
}

func DivByZeroInfIfZero(divisor float64) DivOutcome {
	if divisor == 0 {
		return DivByZeroInf
	}
	return DivOK
}

func Len(v Value) Value {
	switch v.kind {
	case KindString:
		return Int(int64(len(v.s)))
	case KindArray:
		return Int(int64(len(v.arr)))
	case KindTable:
		return Int(int64(len(v.tbl)))
	default:
		return Nil()
	}
}

// In implements membership. Non-array, non-string receivers evaluate to
// false rather than erroring.
func In(needle, haystack Value) Value {
	switch haystack.kind {
	case KindArray:
		for _, elem := range haystack.arr {
			if Equal(needle, elem) {
				return Bool(true)
			}
		}
		return Bool(false)
	case KindString:
		if needle.kind != KindString {
			return Bool(false)
		}
		return Bool(strings.Contains(haystack.s, needle.s))
	default:
		return Bool(false)
	}
}

// ArrayGet reads element i of an array. Out-of-bounds and non-array
// receivers yield Nil.
func ArrayGet(v Value, i int64) Value {
	if v.kind != KindArray || i < 0 || i >= int64(len(v.arr)) {
		return Nil()
	}
	return v.arr[i]
}

// ArraySet writes element i in place. Out-of-bounds and non-array
// receivers are ignored; the store reports whether it happened.
func ArraySet(v Value, i int64, elem Value) bool {
	if v.kind != KindArray || i < 0 || i >= int64(len(v.arr)) {
		return false
	}
	v.arr[i] = elem
	return true
}

// TableGet reads key from a table; Nil for missing keys and non-table
// receivers.
func TableGet(v Value, key string) Value {
	if v.kind != KindTable {
		return Nil()
	}
	if e, ok := v.tbl[key]; ok {
		return e
	}
	return Nil()
}

// TableSet writes key in place; no-op on non-table receivers.
func TableSet(v Value, key string, elem Value) bool {
	if v.kind != KindTable {
		return false
	}
	v.tbl[key] = elem
	return true
}

// Slice returns v[lo:hi] for arrays and strings, clamping the bounds.
// Anything else yields Nil.
func Slice(v Value, lo, hi int64) Value {
	clamp := func(n int64, limit int64) int64 {
		if n < 0 {
			return 0
		}
		if n > limit {
			return limit
		}
		return n
	}
	switch v.kind {
	case KindArray:
		n := int64(len(v.arr))
		lo, hi = clamp(lo, n), clamp(hi, n)
		if lo > hi {
			return Array(nil)
		}
		out := make([]Value, hi-lo)
		copy(out, v.arr[lo:hi])
		return Array(out)
	case KindString:
		n := int64(len(v.s))
		lo, hi = clamp(lo, n), clamp(hi, n)
		if lo > hi {
			return Str("")
		}
		return Str(v.s[lo:hi])
	default:
		return Nil()
	}
}

// Clone deep-copies v. Arrays, tables, and wrapper payloads get fresh
// backing storage; the replay engine snapshots with it so later mutation
// of the live VM cannot reach into recorded state.
func Clone(v Value) Value {
	switch v.kind {
	case KindArray:
		out := make([]Value, len(v.arr))
		for i, e := range v.arr {
			out[i] = Clone(e)
		}
		return Array(out)
	case KindTable:
		out := make(map[string]Value, len(v.tbl))
		for k, e := range v.tbl {
			out[k] = Clone(e)
		}
		return Table(out)
	case KindOption:
		if v.wrapped == nil {
			return None()
		}
		return Some(Clone(*v.wrapped))
	case KindResult:
		inner := Clone(*v.wrapped)
		if v.ok {
			return Ok(inner)
		}
		return Err(inner)
	default:
		return v
	}
}

// ToDisplayString renders v the way print/toString does.
func ToDisplayString(v Value) string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindChar:
		return string(rune(v.c))
	case KindString:
		return v.s
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = ToDisplayString(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindTable:
		parts := make([]string, 0, len(v.tbl))
		for k, e := range v.tbl {
			parts = append(parts, fmt.Sprintf("%s: %s", k, ToDisplayString(e)))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindOption:
		if v.wrapped == nil {
			return "none"
		}
		return "some(" + ToDisplayString(*v.wrapped) + ")"
	case KindResult:
		if v.ok {
			return "ok(" + ToDisplayString(*v.wrapped) + ")"
		}
		return "err(" + ToDisplayString(*v.wrapped) + ")"
	default:
		return "<unknown>"
	}
}
