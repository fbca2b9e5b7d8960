package ast

import (
	"fmt"
	"strings"

	"github.com/xplshn/gstc/pkg/token"
)

// TypeKind defines the kind of a Type
type TypeKind int

// Type kinds enum
const (
	TYPE_INT TypeKind = iota
	TYPE_BITS
	TYPE_BOOL
	TYPE_REAL
	TYPE_STRUCT
	TYPE_ENUM
	TYPE_ARRAY
	TYPE_FB
	TYPE_NAMED
	TYPE_VOID
	TYPE_UNTYPED_INT
	TYPE_UNTYPED_REAL
)

// Type describes an ST data type. Named references (TYPE_NAMED) are replaced
// by their declarations during type resolution.
type Type struct {
	Kind     TypeKind
	Name     string
	Size     int64 // byte size of elementary types
	Signed   bool
	Base     *Type // array element or enum base type
	LowExpr  *Node
	HighExpr *Node
	Low      int64 // resolved array bounds
	High     int64
	Fields   []*Node // VarDecl nodes of struct and function block members
	Members  []*Node // VarDecl nodes of enum members
	Decl     *Node   // TypeDecl or POU node a user type was declared by
	Tok      token.Token

	layout []FieldLayout
	size   int64
	align  int64
}

// Pre-defined types
var (
	TypeSINT  = &Type{Kind: TYPE_INT, Name: "SINT", Size: 1, Signed: true}
	TypeINT   = &Type{Kind: TYPE_INT, Name: "INT", Size: 2, Signed: true}
	TypeDINT  = &Type{Kind: TYPE_INT, Name: "DINT", Size: 4, Signed: true}
	TypeLINT  = &Type{Kind: TYPE_INT, Name: "LINT", Size: 8, Signed: true}
	TypeUSINT = &Type{Kind: TYPE_INT, Name: "USINT", Size: 1}
	TypeUINT  = &Type{Kind: TYPE_INT, Name: "UINT", Size: 2}
	TypeUDINT = &Type{Kind: TYPE_INT, Name: "UDINT", Size: 4}
	TypeULINT = &Type{Kind: TYPE_INT, Name: "ULINT", Size: 8}
	TypeBYTE  = &Type{Kind: TYPE_BITS, Name: "BYTE", Size: 1}
	TypeWORD  = &Type{Kind: TYPE_BITS, Name: "WORD", Size: 2}
	TypeDWORD = &Type{Kind: TYPE_BITS, Name: "DWORD", Size: 4}
	TypeLWORD = &Type{Kind: TYPE_BITS, Name: "LWORD", Size: 8}
	TypeBOOL  = &Type{Kind: TYPE_BOOL, Name: "BOOL", Size: 1}
	TypeREAL  = &Type{Kind: TYPE_REAL, Name: "REAL", Size: 4, Signed: true}
	TypeLREAL = &Type{Kind: TYPE_REAL, Name: "LREAL", Size: 8, Signed: true}
	TypeVoid  = &Type{Kind: TYPE_VOID, Name: "VOID"}

	TypeUntypedInt  = &Type{Kind: TYPE_UNTYPED_INT, Name: "untyped integer", Size: 8, Signed: true}
	TypeUntypedReal = &Type{Kind: TYPE_UNTYPED_REAL, Name: "untyped real", Size: 8, Signed: true}
)

// Elementary maps canonical (upper-case) type names to the predefined types.
var Elementary = map[string]*Type{}

func init() {
	for _, t := range []*Type{
		TypeSINT, TypeINT, TypeDINT, TypeLINT, TypeUSINT, TypeUINT, TypeUDINT, TypeULINT,
		TypeBYTE, TypeWORD, TypeDWORD, TypeLWORD, TypeBOOL, TypeREAL, TypeLREAL,
	} {
		Elementary[t.Name] = t
	}
}

// LookupElementary finds a predefined type by name, case-insensitively.
func LookupElementary(name string) *Type { return Elementary[strings.ToUpper(name)] }

func NewNamedType(tok token.Token, name string) *Type {
	return &Type{Kind: TYPE_NAMED, Name: name, Tok: tok}
}

func NewArrayType(tok token.Token, low, high *Node, elem *Type) *Type {
	return &Type{Kind: TYPE_ARRAY, LowExpr: low, HighExpr: high, Base: elem, Tok: tok}
}

func NewStructType(tok token.Token, fields []*Node) *Type {
	return &Type{Kind: TYPE_STRUCT, Fields: fields, Tok: tok}
}

func NewEnumType(tok token.Token, members []*Node) *Type {
	return &Type{Kind: TYPE_ENUM, Members: members, Base: TypeDINT, Size: 4, Signed: true, Tok: tok}
}

// adopt links the expressions nested in a type to the declaring node.
func (t *Type) adopt(parent *Node) {
	if t == nil {
		return
	}
	for _, n := range []*Node{t.LowExpr, t.HighExpr} {
		if n != nil && n.Parent == nil {
			n.Parent = parent
		}
	}
	for _, f := range t.Fields {
		if f.Parent == nil {
			f.Parent = parent
		}
	}
	for _, m := range t.Members {
		if m.Parent == nil {
			m.Parent = parent
		}
	}
	if t.Kind == TYPE_ARRAY {
		t.Base.adopt(parent)
	}
}

func (t *Type) IsInteger() bool {
	return t != nil && (t.Kind == TYPE_INT || t.Kind == TYPE_UNTYPED_INT)
}

func (t *Type) IsBits() bool { return t != nil && (t.Kind == TYPE_BITS || t.Kind == TYPE_BOOL) }

func (t *Type) IsReal() bool {
	return t != nil && (t.Kind == TYPE_REAL || t.Kind == TYPE_UNTYPED_REAL)
}

func (t *Type) IsNumeric() bool { return t.IsInteger() || t.IsReal() }

// IsScalar reports whether values of t fit in a register.
func (t *Type) IsScalar() bool {
	if t == nil {
		return false
	}
	switch t.Kind {
	case TYPE_INT, TYPE_BITS, TYPE_BOOL, TYPE_REAL, TYPE_ENUM, TYPE_UNTYPED_INT, TYPE_UNTYPED_REAL:
		return true
	}
	return false
}

func (t *Type) IsAggregate() bool {
	return t != nil && (t.Kind == TYPE_STRUCT || t.Kind == TYPE_ARRAY || t.Kind == TYPE_FB)
}

// IsUnsigned reports whether the integer representation of t is zero-extended.
func (t *Type) IsUnsigned() bool {
	if t == nil {
		return false
	}
	switch t.Kind {
	case TYPE_INT:
		return !t.Signed
	case TYPE_BITS, TYPE_BOOL:
		return true
	}
	return false
}

// SizeCap is the ceiling that element counts, sizes and layout offsets
// saturate at. Anything that reaches it is too large to lay out.
const SizeCap int64 = 1 << 62

// Len returns the element count of an array type, saturated at SizeCap.
func (t *Type) Len() int64 {
	n := uint64(t.High) - uint64(t.Low)
	if t.High < t.Low {
		return 0
	}
	if n >= uint64(SizeCap-1) {
		return SizeCap
	}
	return int64(n) + 1
}

func saturatingMul(a, b int64) int64 {
	if a == 0 || b == 0 {
		return 0
	}
	if a >= SizeCap || b >= SizeCap || a > SizeCap/b {
		return SizeCap
	}
	return a * b
}

func saturatingAdd(a, b int64) int64 {
	if a >= SizeCap-b {
		return SizeCap
	}
	return a + b
}

func (t *Type) String() string {
	if t == nil {
		return "<nil>"
	}
	switch t.Kind {
	case TYPE_ARRAY:
		if t.Name != "" {
			return t.Name
		}
		return fmt.Sprintf("ARRAY[%d..%d] OF %s", t.Low, t.High, t.Base)
	case TYPE_STRUCT:
		if t.Name != "" {
			return t.Name
		}
		return "STRUCT"
	case TYPE_ENUM:
		if t.Name != "" {
			return t.Name
		}
		return "enum"
	}
	return t.Name
}

// FieldLayout places one member of a struct or function block instance.
type FieldLayout struct {
	Name    string
	Decl    *Node
	Type    *Type
	Offset  int64
	Size    int64
	Pointer bool // VAR_IN_OUT members of function blocks store an address
}

func alignUp(n, align int64) int64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// SizeOf returns the byte size of a resolved type.
func (t *Type) SizeOf() int64 {
	switch t.Kind {
	case TYPE_ARRAY:
		return saturatingMul(t.Base.SizeOf(), t.Len())
	case TYPE_STRUCT, TYPE_FB:
		t.computeLayout()
		return t.size
	case TYPE_ENUM:
		return t.Base.SizeOf()
	case TYPE_VOID:
		return 0
	}
	return t.Size
}

// AlignOf returns the alignment of a resolved type.
func (t *Type) AlignOf() int64 {
	switch t.Kind {
	case TYPE_ARRAY:
		return t.Base.AlignOf()
	case TYPE_STRUCT, TYPE_FB:
		t.computeLayout()
		return t.align
	case TYPE_ENUM:
		return t.Base.AlignOf()
	case TYPE_VOID:
		return 1
	}
	if t.Size == 0 {
		return 1
	}
	return t.Size
}

// Layout returns the member placement of a struct or function block type.
func (t *Type) Layout() []FieldLayout {
	t.computeLayout()
	return t.layout
}

// Field finds a member by name, case-insensitively.
func (t *Type) Field(name string) (FieldLayout, bool) {
	for _, f := range t.Layout() {
		if strings.EqualFold(f.Name, name) {
			return f, true
		}
	}
	return FieldLayout{}, false
}

func (t *Type) computeLayout() {
	if t.layout != nil || (t.Kind != TYPE_STRUCT && t.Kind != TYPE_FB) {
		return
	}
	var offset, maxAlign int64 = 0, 1
	layout := make([]FieldLayout, 0, len(t.Fields))
	for _, f := range t.Fields {
		d := f.Data.(VarDeclNode)
		fl := FieldLayout{Name: d.Name, Decl: f, Type: d.Type}
		var size, align int64
		if d.Section == SectionInOut {
			fl.Pointer = true
			size, align = 8, 8
		} else {
			size, align = d.Type.SizeOf(), d.Type.AlignOf()
		}
		if align > maxAlign {
			maxAlign = align
		}
		offset = min(alignUp(offset, align), SizeCap)
		fl.Offset, fl.Size = offset, size
		offset = saturatingAdd(offset, size)
		layout = append(layout, fl)
	}
	t.size = min(alignUp(offset, maxAlign), SizeCap)
	t.align = maxAlign
	t.layout = layout
}
