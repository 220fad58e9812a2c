package value

import (
	"math"
	"testing"
)

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want bool
	}{
		{"int equal", Int(3), Int(3), true},
		{"int not equal", Int(3), Int(4), false},
		{"nil equal nil", Nil(), Nil(), true},
		{"different kinds", Int(3), Float(3), false},
		{"some equal", Some(Int(1)), Some(Int(1)), true},
		{"some vs none", Some(Int(1)), None(), false},
		{"none equal none", None(), None(), true},
		{"array equal", Array([]Value{Int(1), Int(2)}), Array([]Value{Int(1), Int(2)}), true},
		{"array different length", Array([]Value{Int(1)}), Array([]Value{Int(1), Int(2)}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(tt.a, tt.b); got != tt.want {
				t.Errorf("Equal(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestLess(t *testing.T) {
	if r, ok := Less(Int(1), Int(2)); !ok || !r {
		t.Fatalf("expected 1 < 2")
	}
	if _, ok := Less(Int(1), Str("a")); ok {
		t.Fatalf("expected no ordering across kinds")
	}
}

func TestTruthy(t *testing.T) {
	if Nil().Truthy() {
		t.Fatalf("nil must be falsy")
	}
	if Bool(false).Truthy() {
		t.Fatalf("false must be falsy")
	}
	if !Bool(true).Truthy() {
		t.Fatalf("true must be truthy")
	}
	if !Int(0).Truthy() {
		t.Fatalf("int zero must be truthy (only nil/false are falsy)")
	}
}

func TestUnwrapNonWrapper(t *testing.T) {
	if got := Int(5).Unwrap(); !got.IsNil() {
		t.Fatalf("Unwrap on non-wrapper must yield Nil, got %v", got)
	}
	if got := None().Unwrap(); !got.IsNil() {
		t.Fatalf("Unwrap on None must yield Nil, got %v", got)
	}
}

func TestMonomorphicArithmetic(t *testing.T) {
	if got := Add(Int(2), Int(3)); got.AsInt() != 5 {
		t.Fatalf("Add(2,3) = %v", got)
	}
	if got := Add(Str("a"), Str("b")); got.AsString() != "ab" {
		t.Fatalf("string concat failed: %v", got)
	}
	if got := Add(Int(2), Str("b")); !got.IsNil() {
		t.Fatalf("mismatched types must yield Nil, got %v", got)
	}
}

func TestDivByZero(t *testing.T) {
	if _, outcome := Div(Int(1), Int(0)); outcome != DivByZeroFatal {
		t.Fatalf("int division by zero must be fatal")
	}
	v, outcome := Div(Float(1), Float(0))
	if outcome != DivByZeroInf {
		t.Fatalf("float division by zero must be non-fatal IEEE-754 result")
	}
	if !math.IsInf(v.AsFloat(), 1) {
		t.Fatalf("1.0/0.0 = %v, want +Inf", v.AsFloat())
	}
}

func TestIn(t *testing.T) {
	arr := Array([]Value{Int(1), Int(2), Int(3)})
	if !In(Int(2), arr).AsBool() {
		t.Fatalf("expected 2 in array")
	}
	if In(Int(9), arr).AsBool() {
		t.Fatalf("expected 9 not in array")
	}
	if In(Int(1), Int(5)).AsBool() {
		t.Fatalf("non-array/string receiver must yield false")
	}
}
