// Package ir defines the three-address intermediate representation shared by
// the native, QBE and LLVM backends.
package ir

import (
	"fmt"

	"github.com/xplshn/gstc/pkg/ast"
)

type Op int

const (
	OpLoad  Op = iota // Result = *Args[0], Typ is the memory type
	OpStore           // *Args[1] = Args[0], Typ is the memory type
	OpBlit            // copy Size bytes from Args[0] to Args[1]
	OpZero            // clear Size bytes at Args[0]
	OpAddr            // Result = address of Args[0] (Global or Slot)
	OpCopy
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpUDiv
	OpRem
	OpURem
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr // logical
	OpSar // arithmetic
	OpNeg
	OpNot // bitwise complement
	OpAddF
	OpSubF
	OpMulF
	OpDivF
	OpNegF
	OpCEq
	OpCNeq
	OpCLt
	OpCGt
	OpCLe
	OpCGe
	OpExtSB
	OpExtUB
	OpExtSH
	OpExtUH
	OpExtSW
	OpExtUW
	OpSToF // signed integer to float
	OpUToF // unsigned integer to float
	OpFToS // float to signed integer, truncating
	OpFToU // float to unsigned integer, truncating
	OpFToF
	OpJmp
	OpJnz
	OpRet
	OpCall
)

var opNames = [...]string{
	OpLoad: "load", OpStore: "store", OpBlit: "blit", OpZero: "zero", OpAddr: "addr", OpCopy: "copy",
	OpAdd: "add", OpSub: "sub", OpMul: "mul", OpDiv: "div", OpUDiv: "udiv", OpRem: "rem", OpURem: "urem",
	OpAnd: "and", OpOr: "or", OpXor: "xor", OpShl: "shl", OpShr: "shr", OpSar: "sar", OpNeg: "neg", OpNot: "not",
	OpAddF: "addf", OpSubF: "subf", OpMulF: "mulf", OpDivF: "divf", OpNegF: "negf",
	OpCEq: "ceq", OpCNeq: "cne", OpCLt: "clt", OpCGt: "cgt", OpCLe: "cle", OpCGe: "cge",
	OpExtSB: "extsb", OpExtUB: "extub", OpExtSH: "extsh", OpExtUH: "extuh", OpExtSW: "extsw", OpExtUW: "extuw",
	OpSToF: "stof", OpUToF: "utof", OpFToS: "ftos", OpFToU: "ftou", OpFToF: "ftof",
	OpJmp: "jmp", OpJnz: "jnz", OpRet: "ret", OpCall: "call",
}

func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op%d", int(op))
}

// IsCompare reports whether op produces a 0/1 comparison result.
func (op Op) IsCompare() bool { return op >= OpCEq && op <= OpCGe }

// IsTerminator reports whether op ends a basic block.
func (op Op) IsTerminator() bool { return op == OpJmp || op == OpJnz || op == OpRet }

type Type int

const (
	TypeNone Type = iota
	TypeB         // byte (8-bit store)
	TypeH         // half-word (16-bit store)
	TypeW         // word (32-bit store)
	TypeL         // long (64-bit); every integer value in a register
	TypeS         // single float (32-bit)
	TypeD         // double float (64-bit)
	TypeSB        // signed byte load
	TypeUB        // unsigned byte load
	TypeSH        // signed half-word load
	TypeUH        // unsigned half-word load
	TypeSW        // signed word load
	TypeUW        // unsigned word load
)

var typeNames = [...]string{"", "b", "h", "w", "l", "s", "d", "sb", "ub", "sh", "uh", "sw", "uw"}

func (t Type) String() string { return typeNames[t] }

// IsFloat reports whether t lives in a floating-point register.
func (t Type) IsFloat() bool { return t == TypeS || t == TypeD }

type Value interface {
	isValue()
	String() string
}

type Const struct{ Value int64 }
type FloatConst struct {
	Value float64
	Typ   Type
}

// Global is the symbolic address of a data object or function.
type Global struct{ Name string }
type Temporary struct {
	Name string
	ID   int
}
type Label struct{ Name string }

// Slot is a block of stack storage owned by one function.
type Slot struct {
	Name  string
	ID    int
	Size  int64
	Align int64
}

func (c *Const) isValue()      {}
func (f *FloatConst) isValue() {}
func (g *Global) isValue()     {}
func (t *Temporary) isValue()  {}
func (l *Label) isValue()      {}
func (s *Slot) isValue()       {}

func (c *Const) String() string { return fmt.Sprintf("%d", c.Value) }
func (f *FloatConst) String() string {
	return fmt.Sprintf("%s_%v", f.Typ, f.Value)
}
func (g *Global) String() string { return "$" + g.Name }
func (t *Temporary) String() string {
	if t.Name != "" {
		return fmt.Sprintf("%%%s.%d", t.Name, t.ID)
	}
	return fmt.Sprintf("%%t%d", t.ID)
}
func (l *Label) String() string { return "@" + l.Name }
func (s *Slot) String() string  { return fmt.Sprintf("%%s%d", s.ID) }

type Func struct {
	Name       string
	Params     []*Param
	ReturnType Type
	Blocks     []*BasicBlock
	Slots      []*Slot
	Node       *ast.Node
}

type Param struct {
	Name string
	Typ  Type
	Val  *Temporary
}

type BasicBlock struct {
	Label        *Label
	Instructions []*Instruction
}

type Instruction struct {
	Op          Op
	Typ         Type // result type, or memory type of loads and stores
	OperandType Type // operand type of comparisons and conversions
	Unsigned    bool // unsigned comparison
	Result      Value
	Args        []Value
	ArgTypes    []Type // call argument types
	Size        int64  // blit and zero length
	Align       int64
}

// Extern is a symbol this unit references but does not define.
type Extern struct {
	Name       string
	IsFunc     bool
	Params     []Type
	ReturnType Type
	Size       int64
}

type Program struct {
	Data     []*Data
	Funcs    []*Func
	Externs  []*Extern
	WordSize int
}

// Data is a named, initialized or zeroed, data object.
type Data struct {
	Name  string
	Align int64
	Size  int64
	Bytes []byte // nil when the object is all zero
}

// IsZero reports whether the object belongs in .bss.
func (d *Data) IsZero() bool {
	for _, b := range d.Bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

func (p *Program) FindFunc(name string) *Func {
	for _, f := range p.Funcs {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (p *Program) FindExtern(name string) *Extern {
	for _, e := range p.Externs {
		if e.Name == name {
			return e
		}
	}
	return nil
}

// LoadType returns the load type for an integer of size bytes.
func LoadType(size int64, unsigned bool) Type {
	switch size {
	case 1:
		if unsigned {
			return TypeUB
		}
		return TypeSB
	case 2:
		if unsigned {
			return TypeUH
		}
		return TypeSH
	case 4:
		if unsigned {
			return TypeUW
		}
		return TypeSW
	}
	return TypeL
}

// StoreType returns the store type for an integer of size bytes.
func StoreType(size int64) Type {
	switch size {
	case 1:
		return TypeB
	case 2:
		return TypeH
	case 4:
		return TypeW
	}
	return TypeL
}

// SizeOfType returns the number of bytes a memory type moves.
func SizeOfType(t Type) int64 {
	switch t {
	case TypeB, TypeSB, TypeUB:
		return 1
	case TypeH, TypeSH, TypeUH:
		return 2
	case TypeW, TypeSW, TypeUW, TypeS:
		return 4
	}
	return 8
}
