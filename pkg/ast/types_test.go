package ast

import (
	"math"
	"testing"
)

func array(low, high int64, elem *Type) *Type {
	return &Type{Kind: TYPE_ARRAY, Low: low, High: high, Base: elem}
}

func TestArraySizes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		typ       *Type
		len, size int64
	}{
		{"small", array(1, 10, TypeDINT), 10, 40},
		{"negative bounds", array(-3, 3, TypeINT), 7, 14},
		{"nested", array(0, 3, array(0, 1, TypeLREAL)), 4, 64},
		{"count overflows", array(0, math.MaxInt64, TypeLINT), SizeCap, SizeCap},
		{"full range", array(math.MinInt64, math.MaxInt64, TypeBYTE), SizeCap, SizeCap},
		{"bytes overflow", array(0, 1<<61-1, TypeLINT), 1 << 61, SizeCap},
		{"nested overflow", array(0, 1<<40, array(0, 1<<40, TypeBYTE)), 1<<40 + 1, SizeCap},
	}
	for _, tt := range tests {
		if got := tt.typ.Len(); got != tt.len {
			t.Errorf("%s: Len() = %d, want %d", tt.name, got, tt.len)
		}
		if got := tt.typ.SizeOf(); got != tt.size {
			t.Errorf("%s: SizeOf() = %d, want %d", tt.name, got, tt.size)
		}
	}
}

func TestStructLayoutSaturates(t *testing.T) {
	t.Parallel()

	field := func(name string, typ *Type) *Node {
		return &Node{Type: VarDecl, Data: VarDeclNode{Name: name, Type: typ}}
	}
	st := &Type{Kind: TYPE_STRUCT, Fields: []*Node{
		field("head", TypeSINT),
		field("body", array(0, 1<<61-1, TypeLINT)),
		field("tail", TypeLINT),
	}}
	if got := st.SizeOf(); got != SizeCap {
		t.Errorf("SizeOf() = %d, want %d", got, SizeCap)
	}
	tail, ok := st.Field("TAIL")
	if !ok || tail.Offset != SizeCap {
		t.Errorf("tail = %+v, want offset %d", tail, SizeCap)
	}

	small := &Type{Kind: TYPE_STRUCT, Fields: []*Node{field("a", TypeSINT), field("b", TypeDINT)}}
	if b, _ := small.Field("b"); b.Offset != 4 || small.SizeOf() != 8 || small.AlignOf() != 4 {
		t.Errorf("small layout: b at %d, size %d, align %d", b.Offset, small.SizeOf(), small.AlignOf())
	}
}
