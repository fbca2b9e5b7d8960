package parser

import "github.com/xplshn/gstc/pkg/ast"

// cloneExpr deep-copies an initializer so that every variable of a
// multi-name declaration owns its own nodes.
func cloneExpr(n *ast.Node) *ast.Node {
	if n == nil {
		return nil
	}
	cloneList := func(nodes []*ast.Node) []*ast.Node {
		out := make([]*ast.Node, len(nodes))
		for i, c := range nodes {
			out[i] = cloneExpr(c)
		}
		return out
	}
	switch d := n.Data.(type) {
	case ast.NumberNode:
		return ast.NewNumber(n.Tok, d.Value)
	case ast.RealNode:
		return ast.NewReal(n.Tok, d.Value)
	case ast.BoolNode:
		return ast.NewBool(n.Tok, d.Value)
	case ast.IdentNode:
		return ast.NewIdent(n.Tok, d.Name)
	case ast.BinaryOpNode:
		return ast.NewBinaryOp(n.Tok, d.Op, cloneExpr(d.Left), cloneExpr(d.Right))
	case ast.UnaryOpNode:
		return ast.NewUnaryOp(n.Tok, d.Op, cloneExpr(d.Expr))
	case ast.MemberAccessNode:
		return ast.NewMemberAccess(n.Tok, cloneExpr(d.Expr), d.Member, d.MemberTok)
	case ast.SubscriptNode:
		return ast.NewSubscript(n.Tok, cloneExpr(d.Array), cloneExpr(d.Index))
	case ast.TypedLiteralNode:
		return ast.NewTypedLiteral(n.Tok, d.TypeName, cloneExpr(d.Value))
	case ast.EnumLiteralNode:
		return ast.NewEnumLiteral(n.Tok, d.EnumName, d.Member)
	case ast.ArrayInitNode:
		return ast.NewArrayInit(n.Tok, cloneList(d.Elems))
	case ast.StructInitNode:
		return ast.NewStructInit(n.Tok, cloneList(d.Fields))
	case ast.AssignNode:
		return ast.NewAssign(n.Tok, cloneExpr(d.Lhs), cloneExpr(d.Rhs))
	case ast.ArgumentNode:
		return ast.NewArgument(n.Tok, d.Name, cloneExpr(d.Value), d.IsOutput)
	case ast.CallNode:
		return ast.NewCall(n.Tok, cloneExpr(d.Callee), cloneList(d.Args))
	}
	return n
}

// cloneType copies the parts of a type that hold per-declaration state.
// Elementary types are shared.
func cloneType(t *ast.Type) *ast.Type {
	if t == nil {
		return nil
	}
	switch t.Kind {
	case ast.TYPE_NAMED:
		return ast.NewNamedType(t.Tok, t.Name)
	case ast.TYPE_ARRAY:
		return ast.NewArrayType(t.Tok, cloneExpr(t.LowExpr), cloneExpr(t.HighExpr), cloneType(t.Base))
	}
	return t
}
