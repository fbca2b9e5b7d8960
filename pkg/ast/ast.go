// Package ast defines the types used to represent the Abstract Syntax Tree (AST)
package ast

import (
	"github.com/xplshn/gstc/pkg/token"
)

// NodeType defines the kind of a node in the AST
type NodeType int

// Node types enum
const (
	// Expressions
	Number NodeType = iota
	Real
	Bool
	Ident
	BinaryOp
	UnaryOp
	MemberAccess
	Subscript
	Call
	TypedLiteral
	EnumLiteral
	ArrayInit
	StructInit

	// Statements
	Assign
	CallStmt
	If
	Case
	For
	While
	Repeat
	Exit
	Continue
	Return
	Empty

	// Declarations
	CompilationUnit
	VarBlock
	VarDecl
	TypeDecl
	POU
	Argument
	CaseBranch
	ElsIf
)

// Node represents a node in the Abstract Syntax Tree
type Node struct {
	Type   NodeType
	Tok    token.Token
	Parent *Node
	Data   interface{}
	Typ    *Type // Set by the type checker
}

// --- Node Data Structs ---
type NumberNode struct{ Value uint64 }
type RealNode struct{ Value float64 }
type BoolNode struct{ Value bool }
type IdentNode struct{ Name string }
type BinaryOpNode struct{ Op token.Type; Left, Right *Node }
type UnaryOpNode struct{ Op token.Type; Expr *Node }
type MemberAccessNode struct{ Expr *Node; Member string; MemberTok token.Token }
type SubscriptNode struct{ Array, Index *Node }
type TypedLiteralNode struct{ TypeName string; Value *Node }
type EnumLiteralNode struct{ EnumName, Member string }
type ArrayInitNode struct{ Elems []*Node }
type StructInitNode struct{ Fields []*Node } // Assign nodes with Ident targets

// ArgumentNode is one actual argument of a call. Name is empty for positional
// arguments; IsOutput marks the `name => target` form.
type ArgumentNode struct {
	Name     string
	Value    *Node
	IsOutput bool
}
type CallNode struct{ Callee *Node; Args []*Node }

type AssignNode struct{ Lhs, Rhs *Node }
type CallStmtNode struct{ Call *Node }
type IfNode struct {
	Cond    *Node
	Then    []*Node
	ElsIfs  []*Node // ElsIf nodes
	Else    []*Node
	HasElse bool
}
type ElsIfNode struct{ Cond *Node; Body []*Node }

// CaseBranchNode holds the labels of one branch. A label is either a constant
// expression or a BinaryOp with Op token.DotDot for ranges.
type CaseBranchNode struct{ Labels []*Node; Body []*Node }
type CaseNode struct {
	Selector *Node
	Branches []*Node
	Else     []*Node
	HasElse  bool
}
type ForNode struct {
	Var              *Node
	Start, End, Step *Node
	Body             []*Node
}
type WhileNode struct{ Cond *Node; Body []*Node }
type RepeatNode struct{ Body []*Node; Cond *Node }

// VarSection identifies the declaration block a variable belongs to.
type VarSection int

const (
	SectionLocal VarSection = iota
	SectionInput
	SectionOutput
	SectionInOut
	SectionTemp
	SectionGlobal
	SectionExternal
)

var sectionNames = [...]string{"VAR", "VAR_INPUT", "VAR_OUTPUT", "VAR_IN_OUT", "VAR_TEMP", "VAR_GLOBAL", "VAR_EXTERNAL"}

func (s VarSection) String() string { return sectionNames[s] }

type VarBlockNode struct {
	Section    VarSection
	IsConstant bool
	IsExternal bool // declared through {external} or a top-level VAR_EXTERNAL
	Decls      []*Node
}

type VarDeclNode struct {
	Name       string
	Type       *Type
	Init       *Node
	Section    VarSection
	IsConstant bool
	IsExternal bool
}

type TypeDeclNode struct {
	Name string
	Type *Type
	Init *Node // default value, e.g. for enums or aliases
}

// POUKind distinguishes programs, functions and function blocks.
type POUKind int

const (
	KindProgram POUKind = iota
	KindFunction
	KindFunctionBlock
)

func (k POUKind) String() string {
	switch k {
	case KindProgram:
		return "PROGRAM"
	case KindFunction:
		return "FUNCTION"
	default:
		return "FUNCTION_BLOCK"
	}
}

type POUNode struct {
	Kind       POUKind
	Name       string
	ReturnType *Type // nil when the function returns nothing
	VarBlocks  []*Node
	Body       []*Node
	IsExternal bool
	Pragmas    []string
}

// Vars returns every variable declaration of the POU in declaration order.
func (p *POUNode) Vars() []*Node {
	var decls []*Node
	for _, b := range p.VarBlocks {
		decls = append(decls, b.Data.(VarBlockNode).Decls...)
	}
	return decls
}

type CompilationUnitNode struct{ Decls []*Node }

// --- Node Constructors ---
func newNode(tok token.Token, nodeType NodeType, data interface{}, children ...*Node) *Node {
	node := &Node{Type: nodeType, Tok: tok, Data: data}
	for _, child := range children {
		if child != nil {
			child.Parent = node
		}
	}
	return node
}

func adopt(parent *Node, children []*Node) {
	for _, c := range children {
		if c != nil {
			c.Parent = parent
		}
	}
}

func NewNumber(tok token.Token, value uint64) *Node {
	return newNode(tok, Number, NumberNode{Value: value})
}

func NewReal(tok token.Token, value float64) *Node {
	return newNode(tok, Real, RealNode{Value: value})
}

func NewBool(tok token.Token, value bool) *Node { return newNode(tok, Bool, BoolNode{Value: value}) }

func NewIdent(tok token.Token, name string) *Node { return newNode(tok, Ident, IdentNode{Name: name}) }

func NewBinaryOp(tok token.Token, op token.Type, left, right *Node) *Node {
	return newNode(tok, BinaryOp, BinaryOpNode{Op: op, Left: left, Right: right}, left, right)
}

func NewUnaryOp(tok token.Token, op token.Type, expr *Node) *Node {
	return newNode(tok, UnaryOp, UnaryOpNode{Op: op, Expr: expr}, expr)
}

func NewMemberAccess(tok token.Token, expr *Node, member string, memberTok token.Token) *Node {
	return newNode(tok, MemberAccess, MemberAccessNode{Expr: expr, Member: member, MemberTok: memberTok}, expr)
}

func NewSubscript(tok token.Token, array, index *Node) *Node {
	return newNode(tok, Subscript, SubscriptNode{Array: array, Index: index}, array, index)
}

func NewTypedLiteral(tok token.Token, typeName string, value *Node) *Node {
	return newNode(tok, TypedLiteral, TypedLiteralNode{TypeName: typeName, Value: value}, value)
}

func NewEnumLiteral(tok token.Token, enumName, member string) *Node {
	return newNode(tok, EnumLiteral, EnumLiteralNode{EnumName: enumName, Member: member})
}

func NewArrayInit(tok token.Token, elems []*Node) *Node {
	node := newNode(tok, ArrayInit, ArrayInitNode{Elems: elems})
	adopt(node, elems)
	return node
}

func NewStructInit(tok token.Token, fields []*Node) *Node {
	node := newNode(tok, StructInit, StructInitNode{Fields: fields})
	adopt(node, fields)
	return node
}

func NewArgument(tok token.Token, name string, value *Node, isOutput bool) *Node {
	return newNode(tok, Argument, ArgumentNode{Name: name, Value: value, IsOutput: isOutput}, value)
}

func NewCall(tok token.Token, callee *Node, args []*Node) *Node {
	node := newNode(tok, Call, CallNode{Callee: callee, Args: args}, callee)
	adopt(node, args)
	return node
}

func NewAssign(tok token.Token, lhs, rhs *Node) *Node {
	return newNode(tok, Assign, AssignNode{Lhs: lhs, Rhs: rhs}, lhs, rhs)
}

func NewCallStmt(tok token.Token, call *Node) *Node {
	return newNode(tok, CallStmt, CallStmtNode{Call: call}, call)
}

func NewIf(tok token.Token, cond *Node, then, elsIfs, elseBody []*Node, hasElse bool) *Node {
	node := newNode(tok, If, IfNode{Cond: cond, Then: then, ElsIfs: elsIfs, Else: elseBody, HasElse: hasElse}, cond)
	adopt(node, then)
	adopt(node, elsIfs)
	adopt(node, elseBody)
	return node
}

func NewElsIf(tok token.Token, cond *Node, body []*Node) *Node {
	node := newNode(tok, ElsIf, ElsIfNode{Cond: cond, Body: body}, cond)
	adopt(node, body)
	return node
}

func NewCaseBranch(tok token.Token, labels, body []*Node) *Node {
	node := newNode(tok, CaseBranch, CaseBranchNode{Labels: labels, Body: body})
	adopt(node, labels)
	adopt(node, body)
	return node
}

func NewCase(tok token.Token, selector *Node, branches, elseBody []*Node, hasElse bool) *Node {
	node := newNode(tok, Case, CaseNode{Selector: selector, Branches: branches, Else: elseBody, HasElse: hasElse}, selector)
	adopt(node, branches)
	adopt(node, elseBody)
	return node
}

func NewFor(tok token.Token, v, start, end, step *Node, body []*Node) *Node {
	node := newNode(tok, For, ForNode{Var: v, Start: start, End: end, Step: step, Body: body}, v, start, end, step)
	adopt(node, body)
	return node
}

func NewWhile(tok token.Token, cond *Node, body []*Node) *Node {
	node := newNode(tok, While, WhileNode{Cond: cond, Body: body}, cond)
	adopt(node, body)
	return node
}

func NewRepeat(tok token.Token, body []*Node, cond *Node) *Node {
	node := newNode(tok, Repeat, RepeatNode{Body: body, Cond: cond}, cond)
	adopt(node, body)
	return node
}

func NewExit(tok token.Token) *Node     { return newNode(tok, Exit, nil) }
func NewContinue(tok token.Token) *Node { return newNode(tok, Continue, nil) }
func NewReturn(tok token.Token) *Node   { return newNode(tok, Return, nil) }
func NewEmpty(tok token.Token) *Node    { return newNode(tok, Empty, nil) }

func NewVarDecl(tok token.Token, name string, typ *Type, init *Node, section VarSection, isConstant, isExternal bool) *Node {
	node := newNode(tok, VarDecl, VarDeclNode{
		Name: name, Type: typ, Init: init, Section: section,
		IsConstant: isConstant, IsExternal: isExternal,
	}, init)
	typ.adopt(node)
	return node
}

func NewVarBlock(tok token.Token, section VarSection, isConstant, isExternal bool, decls []*Node) *Node {
	node := newNode(tok, VarBlock, VarBlockNode{Section: section, IsConstant: isConstant, IsExternal: isExternal, Decls: decls})
	adopt(node, decls)
	return node
}

func NewTypeDecl(tok token.Token, name string, typ *Type, init *Node) *Node {
	node := newNode(tok, TypeDecl, TypeDeclNode{Name: name, Type: typ, Init: init}, init)
	typ.adopt(node)
	return node
}

func NewPOU(tok token.Token, pou POUNode) *Node {
	node := newNode(tok, POU, pou)
	adopt(node, pou.VarBlocks)
	adopt(node, pou.Body)
	pou.ReturnType.adopt(node)
	return node
}

func NewCompilationUnit(tok token.Token, decls []*Node) *Node {
	node := newNode(tok, CompilationUnit, CompilationUnitNode{Decls: decls})
	adopt(node, decls)
	return node
}
