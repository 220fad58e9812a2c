// Package cffi implements the foreign-function registry the VM dispatches
// through. The registry is an explicit object handed to the VM at
// construction; the VM holds a non-owning handle and never performs
// symbol resolution itself. Symbols are resolved and invoked with
// purego, so no cgo toolchain is needed at build time.
package cffi

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"

	"etch/internal/value"
)

// Descriptor names a foreign function: the library it lives in, the
// symbol to resolve, and the marshalled parameter/return types. Types are
// the source-level names: "int", "float", "string", "bool", "void".
type Descriptor struct {
	Name         string // mangled name the Call instruction resolves
	LibraryName  string
	ResolvedPath string
	Symbol       string
	BaseName     string
	ParamTypes   []string
	ReturnType   string
}

// Invoker marshals arguments, calls the foreign function, and converts
// the result back.
type Invoker func(args []value.Value) (value.Value, error)

// Registry maps mangled names to descriptors and their invokers.
type Registry struct {
	descriptors map[string]Descriptor
	invokers    map[string]Invoker
	handles     map[string]uintptr // resolved library path -> dlopen handle
}

func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		invokers:    make(map[string]Invoker),
		handles:     make(map[string]uintptr),
	}
}

// Register resolves desc's symbol and installs an invoker for it. The
// library is opened once per resolved path and shared across symbols.
func (r *Registry) Register(desc Descriptor) error {
	handle, ok := r.handles[desc.ResolvedPath]
	if !ok {
		h, err := purego.Dlopen(desc.ResolvedPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			return fmt.Errorf("cffi: open %s: %w", desc.ResolvedPath, err)
		}
		r.handles[desc.ResolvedPath] = h
		handle = h
	}
	sym, err := purego.Dlsym(handle, desc.Symbol)
	if err != nil {
		return fmt.Errorf("cffi: resolve %s in %s: %w", desc.Symbol, desc.LibraryName, err)
	}
	inv, err := buildInvoker(handle, sym, desc)
	if err != nil {
		return err
	}
	r.descriptors[desc.Name] = desc
	r.invokers[desc.Name] = inv
	return nil
}

// RegisterInvoker installs a pre-built invoker under name. Embedders use
// it to expose host Go functions through the same dispatch path as real
// foreign symbols, and tests use it to avoid loading shared libraries.
func (r *Registry) RegisterInvoker(desc Descriptor, inv Invoker) {
	r.descriptors[desc.Name] = desc
	r.invokers[desc.Name] = inv
}

// Has reports whether name resolves to a registered foreign function.
func (r *Registry) Has(name string) bool {
	_, ok := r.invokers[name]
	return ok
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.descriptors[name]
	return d, ok
}

// Descriptors returns the full descriptor map, read by the serializer.
func (r *Registry) Descriptors() map[string]Descriptor {
	return r.descriptors
}

// Invoke calls the foreign function registered under name.
func (r *Registry) Invoke(name string, args []value.Value) (value.Value, error) {
	inv, ok := r.invokers[name]
	if !ok {
		return value.Nil(), fmt.Errorf("cffi: no function registered as %q", name)
	}
	return inv(args)
}

// buildInvoker constructs the marshalling trampoline for desc. Integer,
// string, and bool signatures go through SyscallN; float-carrying
// signatures need typed trampolines because floats travel in vector
// registers on every supported ABI.
func buildInvoker(handle, sym uintptr, desc Descriptor) (Invoker, error) {
	hasFloat := desc.ReturnType == "float"
	for _, p := range desc.ParamTypes {
		if p == "float" {
			hasFloat = true
		}
		if p == "array" || p == "table" {
			return nil, fmt.Errorf("cffi: %s: %s parameters are not marshallable", desc.Name, p)
		}
	}
	if hasFloat {
		return buildFloatInvoker(handle, desc)
	}

	params := desc.ParamTypes
	retType := desc.ReturnType
	return func(args []value.Value) (value.Value, error) {
		if len(args) != len(params) {
			return value.Nil(), fmt.Errorf("cffi: %s expects %d args, got %d",
				desc.Name, len(params), len(args))
		}
		raw := make([]uintptr, len(args))
		var keep [][]byte
		for i, arg := range args {
			switch params[i] {
			case "int":
				raw[i] = uintptr(arg.AsInt())
			case "bool":
				if arg.AsBool() {
					raw[i] = 1
				}
			case "string":
				b := append([]byte(arg.AsString()), 0)
				keep = append(keep, b)
				raw[i] = uintptr(unsafe.Pointer(&b[0]))
			default:
				return value.Nil(), fmt.Errorf("cffi: %s: unsupported parameter type %q",
					desc.Name, params[i])
			}
		}
		r1, _, _ := purego.SyscallN(sym, raw...)
		runtime.KeepAlive(keep)
		switch retType {
		case "int":
			return value.Int(int64(r1)), nil
		case "bool":
			return value.Bool(r1 != 0), nil
		case "string":
			return value.Str(goString(r1)), nil
		case "void":
			return value.Nil(), nil
		default:
			return value.Nil(), fmt.Errorf("cffi: %s: unsupported return type %q",
				desc.Name, retType)
		}
	}, nil
}

// buildFloatInvoker covers the float signatures the source language can
// produce. Each shape needs its own typed trampoline; purego generates
// the ABI glue from the Go function type.
func buildFloatInvoker(handle uintptr, desc Descriptor) (Invoker, error) {
	sig := desc.ReturnType + "(" + join(desc.ParamTypes) + ")"
	switch sig {
	case "float()":
		var fn func() float64
		purego.RegisterLibFunc(&fn, handle, desc.Symbol)
		return func(args []value.Value) (value.Value, error) {
			return value.Float(fn()), nil
		}, nil
	case "float(float)":
		var fn func(float64) float64
		purego.RegisterLibFunc(&fn, handle, desc.Symbol)
		return func(args []value.Value) (value.Value, error) {
			return value.Float(fn(args[0].AsFloat())), nil
		}, nil
	case "float(float,float)":
		var fn func(float64, float64) float64
		purego.RegisterLibFunc(&fn, handle, desc.Symbol)
		return func(args []value.Value) (value.Value, error) {
			return value.Float(fn(args[0].AsFloat(), args[1].AsFloat())), nil
		}, nil
	case "float(int)":
		var fn func(int64) float64
		purego.RegisterLibFunc(&fn, handle, desc.Symbol)
		return func(args []value.Value) (value.Value, error) {
			return value.Float(fn(args[0].AsInt())), nil
		}, nil
	case "int(float)":
		var fn func(float64) int64
		purego.RegisterLibFunc(&fn, handle, desc.Symbol)
		return func(args []value.Value) (value.Value, error) {
			return value.Int(fn(args[0].AsFloat())), nil
		}, nil
	case "void(float)":
		var fn func(float64)
		purego.RegisterLibFunc(&fn, handle, desc.Symbol)
		return func(args []value.Value) (value.Value, error) {
			fn(args[0].AsFloat())
			return value.Nil(), nil
		}, nil
	default:
		return nil, fmt.Errorf("cffi: %s: unsupported float signature %s", desc.Name, sig)
	}
}

func join(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// goString copies a NUL-terminated C string at ptr into a Go string.
func goString(ptr uintptr) string {
	if ptr == 0 {
		return ""
	}
	var n int
	for {
		b := *(*byte)(unsafe.Pointer(ptr + uintptr(n)))
		if b == 0 {
			break
		}
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n))
}
