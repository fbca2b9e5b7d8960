package typeChecker

import (
	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/symtab"
)

// Info is the result of resolution. Expression types are stored in
// ast.Node.Typ; everything that links nodes to symbols lives here.
type Info struct {
	// Uses binds identifiers to the symbol they denote. POU-level
	// VAR_EXTERNAL references are bound to the unit-level variable.
	Uses map[*ast.Node]*symtab.Symbol
	// Consts holds the value of every constant expression.
	Consts map[*ast.Node]Const
	// Operands holds the common operand type of each binary operation.
	Operands map[*ast.Node]*ast.Type
	// Calls describes every call node.
	Calls map[*ast.Node]*CallInfo
	// Inits maps a VarDecl to its effective initializer: the declared one or
	// the default of its named type.
	Inits map[*ast.Node]*ast.Node
	// EnumValues holds the value of each enumeration member, keyed by the
	// member declaration.
	EnumValues map[*ast.Node]int64
}

func newInfo() *Info {
	return &Info{
		Uses:       make(map[*ast.Node]*symtab.Symbol),
		Consts:     make(map[*ast.Node]Const),
		Operands:   make(map[*ast.Node]*ast.Type),
		Calls:      make(map[*ast.Node]*CallInfo),
		Inits:      make(map[*ast.Node]*ast.Node),
		EnumValues: make(map[*ast.Node]int64),
	}
}

// ConstOf returns the constant value of n, if it has one.
func (info *Info) ConstOf(n *ast.Node) (Const, bool) {
	c, ok := info.Consts[n]
	return c, ok
}

// DefaultValue is the value a scalar of type t starts with when it has no
// initializer. Enumerations start at their first member.
func (info *Info) DefaultValue(t *ast.Type) Const {
	if t.Kind == ast.TYPE_ENUM && len(t.Members) > 0 {
		return Const{Int: info.EnumValues[t.Members[0]]}
	}
	if t.IsReal() {
		return Const{IsReal: true}
	}
	return Const{}
}

// CallKind classifies a call node.
type CallKind int

const (
	CallFunction CallKind = iota
	CallFunctionBlock
	CallProgram
	CallConversion
	CallTrunc
	CallShift
)

// BoundArg is one actual argument matched to its formal parameter.
type BoundArg struct {
	Param    *symtab.Symbol
	Value    *ast.Node
	IsOutput bool
}

// CallInfo describes the resolved target of a call.
type CallInfo struct {
	Kind CallKind
	// POU is the called FUNCTION, FUNCTION_BLOCK or PROGRAM.
	POU *symtab.Symbol
	// Instance is the expression denoting the function block instance.
	Instance *ast.Node
	// Args are the bound arguments in source order.
	Args []BoundArg

	// Builtins.
	From, To  *ast.Type
	ShiftLeft bool
}

// Arg returns the argument bound to param, or nil.
func (ci *CallInfo) Arg(param *symtab.Symbol) *BoundArg {
	for i := range ci.Args {
		if ci.Args[i].Param == param {
			return &ci.Args[i]
		}
	}
	return nil
}
