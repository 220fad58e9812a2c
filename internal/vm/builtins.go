package vm

import (
	"os"
	"strconv"

	"etch/internal/value"
)

// builtinFn is one entry of the fixed builtin dispatch table. Builtins
// run inside the caller's instruction; they never push a real frame.
type builtinFn func(vm *VM, args []value.Value) value.Value

var builtins = map[string]builtinFn{
	"print":      builtinPrint,
	"toString":   builtinToString,
	"rand":       builtinRand,
	"seed":       builtinSeed,
	"readFile":   builtinReadFile,
	"parseInt":   builtinParseInt,
	"parseFloat": builtinParseFloat,
	"parseBool":  builtinParseBool,
	"isSome":     builtinIsSome,
	"isNone":     builtinIsNone,
	"isOk":       builtinIsOk,
	"isErr":      builtinIsErr,
	"new":        builtinPassThrough,
	"deref":      builtinPassThrough,
}

// IsBuiltin reports whether name is in the builtin table. The compiler
// uses it to decide which callees need no FunctionInfo entry.
func IsBuiltin(name string) bool {
	_, ok := builtins[name]
	return ok
}

func builtinPrint(vm *VM, args []value.Value) value.Value {
	for _, a := range args {
		vm.printLine(value.ToDisplayString(a))
	}
	return value.Nil()
}

func builtinToString(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 {
		return value.Str("")
	}
	return value.Str(value.ToDisplayString(args[0]))
}

func builtinRand(vm *VM, args []value.Value) value.Value {
	old := vm.RNG()
	n := vm.rng.Int63()
	vm.rngCount++
	if vm.rec != nil {
		vm.rec.OnRNGChange(old, vm.RNG())
	}
	return value.Int(n)
}

func builtinSeed(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 || !args[0].IsInt() {
		return value.Nil()
	}
	old := vm.RNG()
	vm.RestoreRNG(RNGState{Seed: args[0].AsInt()})
	if vm.rec != nil {
		vm.rec.OnRNGChange(old, vm.RNG())
	}
	return value.Nil()
}

func builtinReadFile(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 || !args[0].IsString() {
		return value.Err(value.Str("readFile: expected a path"))
	}
	data, err := os.ReadFile(args[0].AsString())
	if err != nil {
		return value.Err(value.Str(err.Error()))
	}
	return value.Ok(value.Str(string(data)))
}

func builtinParseInt(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 || !args[0].IsString() {
		return value.None()
	}
	n, err := strconv.ParseInt(args[0].AsString(), 10, 64)
	if err != nil {
		return value.None()
	}
	return value.Some(value.Int(n))
}

func builtinParseFloat(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 || !args[0].IsString() {
		return value.None()
	}
	f, err := strconv.ParseFloat(args[0].AsString(), 64)
	if err != nil {
		return value.None()
	}
	return value.Some(value.Float(f))
}

func builtinParseBool(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 || !args[0].IsString() {
		return value.None()
	}
	b, err := strconv.ParseBool(args[0].AsString())
	if err != nil {
		return value.None()
	}
	return value.Some(value.Bool(b))
}

func builtinIsSome(vm *VM, args []value.Value) value.Value {
	return value.Bool(len(args) > 0 && args[0].IsSome())
}

func builtinIsNone(vm *VM, args []value.Value) value.Value {
	return value.Bool(len(args) > 0 && args[0].IsNone())
}

func builtinIsOk(vm *VM, args []value.Value) value.Value {
	return value.Bool(len(args) > 0 && args[0].IsOk())
}

func builtinIsErr(vm *VM, args []value.Value) value.Value {
	return value.Bool(len(args) > 0 && args[0].IsErr())
}

// new and deref are pass-through placeholders until the reference model
// lands in the frontend.
func builtinPassThrough(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 {
		return value.Nil()
	}
	return args[0]
}
