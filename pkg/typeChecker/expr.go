package typeChecker

import (
	"math"
	"strings"

	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/symtab"
	"github.com/xplshn/gstc/pkg/token"
	"github.com/xplshn/gstc/pkg/util"
)

func (tc *TypeChecker) checkExpr(node *ast.Node) *ast.Type {
	if node == nil {
		return nil
	}
	if node.Typ != nil {
		return node.Typ
	}

	var typ *ast.Type
	switch d := node.Data.(type) {
	case ast.NumberNode:
		typ = ast.TypeUntypedInt
		tc.info.Consts[node] = Const{Int: int64(d.Value), Wide: d.Value > math.MaxInt64}
	case ast.RealNode:
		typ = ast.TypeUntypedReal
		tc.info.Consts[node] = Const{Real: d.Value, IsReal: true}
	case ast.BoolNode:
		typ = ast.TypeBOOL
		tc.info.Consts[node] = Const{Int: b2i(d.Value)}
	case ast.IdentNode:
		typ = tc.checkIdent(node, d.Name)
	case ast.TypedLiteralNode:
		typ = ast.LookupElementary(d.TypeName)
		tc.checkExpr(d.Value)
		tc.expect(typ, d.Value, d.TypeName+"# literal")
		tc.info.Consts[node] = tc.info.Consts[d.Value]
	case ast.EnumLiteralNode:
		typ = tc.checkEnumLiteral(node, d)
	case ast.BinaryOpNode:
		typ = tc.checkBinary(node, d)
	case ast.UnaryOpNode:
		typ = tc.checkUnary(node, d)
	case ast.MemberAccessNode:
		typ = tc.checkMember(node, d)
	case ast.SubscriptNode:
		typ = tc.checkSubscript(node, d)
	case ast.CallNode:
		typ = tc.checkCall(node, false)
	case ast.ArrayInitNode, ast.StructInitNode:
		util.Bail(util.TypeMismatchError, node.Tok, "aggregate initializers are only allowed in declarations")
	default:
		util.Bail(util.InternalError, node.Tok, "unexpected expression node %d", node.Type)
	}
	node.Typ = typ
	return typ
}

func (tc *TypeChecker) checkIdent(node *ast.Node, name string) *ast.Type {
	sym := tc.scope.Lookup(name)
	if sym == nil {
		util.Bail(util.UnresolvedSymbolError, node.Tok, "undeclared identifier '%s'", name)
	}
	tc.used[sym] = true
	if sym.Binds != nil {
		sym = sym.Binds
		tc.used[sym] = true
	}
	tc.info.Uses[node] = sym

	switch sym.Kind {
	case symtab.Variable:
		t := tc.typeOf(sym)
		if c, ok := tc.constOfSymbol(sym, node.Tok); ok {
			tc.info.Consts[node] = c
		}
		return t
	case symtab.EnumMember:
		t := tc.typeOf(sym)
		v, ok := tc.info.EnumValues[sym.Decl]
		if !ok {
			util.Bail(util.ConstantEvaluationError, node.Tok, "enumeration member '%s' is used before its value is known", name)
		}
		tc.info.Consts[node] = Const{Int: v}
		return t
	case symtab.ProgramUnit:
		if sym.POUKind == ast.KindProgram {
			return tc.typeOf(sym)
		}
		util.Bail(util.TypeMismatchError, node.Tok, "%s '%s' cannot be used as a value", sym.POUKind, name)
	}
	util.Bail(util.TypeMismatchError, node.Tok, "type '%s' cannot be used as a value", name)
	return nil
}

func (tc *TypeChecker) checkEnumLiteral(node *ast.Node, d ast.EnumLiteralNode) *ast.Type {
	sym := tc.table.Global.LookupLocal(d.EnumName)
	if sym == nil {
		util.Bail(util.UnresolvedSymbolError, node.Tok, "unknown type '%s'", d.EnumName)
	}
	if sym.Kind != symtab.Type {
		util.Bail(util.TypeMismatchError, node.Tok, "'%s' is not an enumeration type", d.EnumName)
	}
	t := tc.typeOf(sym)
	if t.Kind != ast.TYPE_ENUM {
		util.Bail(util.TypeMismatchError, node.Tok, "'%s' is not an enumeration type", d.EnumName)
	}
	for _, m := range t.Members {
		if strings.EqualFold(m.Data.(ast.VarDeclNode).Name, d.Member) {
			tc.info.Consts[node] = Const{Int: tc.info.EnumValues[m]}
			if msym := tc.table.Global.LookupLocal(d.Member); msym != nil {
				tc.used[msym] = true
			}
			return t
		}
	}
	util.Bail(util.UnresolvedSymbolError, node.Tok, "'%s' has no member '%s'", d.EnumName, d.Member)
	return nil
}

func isUntyped(t *ast.Type) bool {
	return t.Kind == ast.TYPE_UNTYPED_INT || t.Kind == ast.TYPE_UNTYPED_REAL
}

func (tc *TypeChecker) checkBinary(node *ast.Node, d ast.BinaryOpNode) *ast.Type {
	lt, rt := tc.checkExpr(d.Left), tc.checkExpr(d.Right)
	if lt.Kind == ast.TYPE_VOID || rt.Kind == ast.TYPE_VOID {
		util.Bail(util.TypeMismatchError, node.Tok, "operand of '%s' has no value", d.Op)
	}
	ct := tc.commonType(d.Left, d.Right)
	if ct == nil {
		util.Bail(util.TypeMismatchError, node.Tok, "mismatched operand types %s and %s for '%s'", lt, rt, d.Op)
	}

	result := ct
	switch d.Op {
	case token.Plus, token.Minus, token.Star, token.Slash:
		if !(ct.IsNumeric() || ct.Kind == ast.TYPE_BITS) {
			util.Bail(util.TypeMismatchError, node.Tok, "operator '%s' is not defined for %s", d.Op, ct)
		}
	case token.Mod:
		if !(ct.IsInteger() || ct.Kind == ast.TYPE_BITS) {
			util.Bail(util.TypeMismatchError, node.Tok, "MOD is not defined for %s", ct)
		}
	case token.And, token.Or, token.Xor:
		if !(ct.IsInteger() || ct.IsBits()) {
			util.Bail(util.TypeMismatchError, node.Tok, "operator '%s' is not defined for %s", d.Op, ct)
		}
	case token.Eq, token.Neq:
		if !ct.IsScalar() {
			util.Bail(util.TypeMismatchError, node.Tok, "operator '%s' is not defined for %s", d.Op, ct)
		}
		result = ast.TypeBOOL
	case token.Lt, token.Gt, token.Lte, token.Gte:
		if !(ct.IsNumeric() || ct.IsBits() || ct.Kind == ast.TYPE_ENUM) {
			util.Bail(util.TypeMismatchError, node.Tok, "operator '%s' is not defined for %s", d.Op, ct)
		}
		result = ast.TypeBOOL
	default:
		util.Bail(util.InternalError, node.Tok, "unexpected binary operator '%s'", d.Op)
	}

	if !isUntyped(ct) {
		tc.settle(d.Left, ct)
		tc.settle(d.Right, ct)
	}
	tc.info.Operands[node] = ct
	lc, lok := tc.info.Consts[d.Left]
	rc, rok := tc.info.Consts[d.Right]
	if lok && rok {
		c, ok := foldBinary(d.Op, lc, rc, ct)
		if !ok {
			util.Bail(util.ConstantEvaluationError, node.Tok, "division by zero in constant expression")
		}
		tc.info.Consts[node] = c
	}
	return result
}

func (tc *TypeChecker) checkUnary(node *ast.Node, d ast.UnaryOpNode) *ast.Type {
	t := tc.checkExpr(d.Expr)
	switch d.Op {
	case token.Minus:
		if !(t.IsReal() || t.Kind == ast.TYPE_UNTYPED_INT || (t.Kind == ast.TYPE_INT && t.Signed)) {
			util.Bail(util.TypeMismatchError, node.Tok, "unary '-' is not defined for %s", t)
		}
	case token.Not:
		if !(t.IsInteger() || t.IsBits()) {
			util.Bail(util.TypeMismatchError, node.Tok, "NOT is not defined for %s", t)
		}
	}
	if c, ok := tc.info.Consts[d.Expr]; ok {
		c.Wide = false
		tc.info.Consts[node] = foldUnary(d.Op, c, t)
	}
	return t
}

func (tc *TypeChecker) checkMember(node *ast.Node, d ast.MemberAccessNode) *ast.Type {
	bt := tc.checkExpr(d.Expr)
	switch bt.Kind {
	case ast.TYPE_STRUCT, ast.TYPE_FB:
	default:
		util.Bail(util.TypeMismatchError, node.Tok, "%s has no members", bt)
	}
	member := memberDecl(bt, d.Member)
	if member == nil {
		util.Bail(util.UnresolvedSymbolError, d.MemberTok, "%s has no member '%s'", bt, d.Member)
	}
	md := member.Data.(ast.VarDeclNode)
	if bt.Kind == ast.TYPE_FB {
		owner := tc.table.SymbolOf(bt.Decl)
		if owner != nil && owner.POUKind == ast.KindFunctionBlock {
			if md.Section != ast.SectionInput && md.Section != ast.SectionOutput {
				util.Bail(util.UnresolvedSymbolError, d.MemberTok, "'%s' is not an accessible member of '%s'", d.Member, bt)
			}
		}
		if owner != nil {
			if msym := owner.Scope.LookupLocal(d.Member); msym != nil {
				tc.used[msym] = true
			}
		}
	}
	return tc.resolveDeclType(member)
}

func (tc *TypeChecker) checkSubscript(node *ast.Node, d ast.SubscriptNode) *ast.Type {
	at := tc.checkExpr(d.Array)
	if at.Kind != ast.TYPE_ARRAY {
		util.Bail(util.TypeMismatchError, node.Tok, "%s cannot be indexed", at)
	}
	it := tc.checkExpr(d.Index)
	if !(it.IsInteger() || it.Kind == ast.TYPE_BITS) {
		util.Bail(util.TypeMismatchError, d.Index.Tok, "array index must be an integer, not %s", it)
	}
	if c, ok := tc.info.Consts[d.Index]; ok {
		if c.Wide || c.Int < at.Low || c.Int > at.High {
			util.Bail(util.ConstantEvaluationError, d.Index.Tok, "index %s is outside [%d..%d]", c, at.Low, at.High)
		}
	}
	tc.defaultType(d.Index)
	return at.Base
}

// Calls

func (tc *TypeChecker) checkCall(node *ast.Node, asStmt bool) *ast.Type {
	d := node.Data.(ast.CallNode)
	if node.Typ != nil {
		return node.Typ
	}

	var pou *symtab.Symbol
	ci := &CallInfo{}
	if d.Callee.Type == ast.Ident {
		name := d.Callee.Data.(ast.IdentNode).Name
		sym := tc.scope.Lookup(name)
		if sym == nil {
			typ := tc.checkBuiltin(node, name, d.Args)
			node.Typ = typ
			return typ
		}
		tc.used[sym] = true
		// Inside a FUNCTION its name is the result variable, but a call
		// through that name is a recursive call.
		if sym.IsResult && sym.Owner != nil {
			sym = sym.Owner
		}
		switch {
		case sym.Kind == symtab.ProgramUnit && sym.POUKind == ast.KindFunction:
			ci.Kind, pou = CallFunction, sym
			tc.info.Uses[d.Callee] = sym
			d.Callee.Typ = ast.TypeVoid
		case sym.Kind == symtab.ProgramUnit && sym.POUKind == ast.KindProgram:
			ci.Kind, pou = CallProgram, sym
			tc.info.Uses[d.Callee] = sym
			d.Callee.Typ = tc.typeOf(sym)
		case sym.Kind == symtab.ProgramUnit:
			util.Bail(util.TypeMismatchError, d.Callee.Tok, "function block '%s' must be called through an instance", name)
		}
	}
	if pou == nil {
		t := tc.checkExpr(d.Callee)
		if t.Kind == ast.TYPE_FB {
			if owner := tc.table.SymbolOf(t.Decl); owner != nil && owner.POUKind == ast.KindFunctionBlock {
				ci.Kind, pou, ci.Instance = CallFunctionBlock, owner, d.Callee
			}
		}
		if pou == nil {
			util.Bail(util.TypeMismatchError, d.Callee.Tok, "%s is not callable", t)
		}
	}

	ci.POU = pou
	ci.Args = tc.bindArgs(node, pou, d.Args)
	tc.info.Calls[node] = ci

	result := ast.TypeVoid
	if ci.Kind == CallFunction {
		result = tc.resolveType(pou.Type)
		pou.Type = result
	}
	if !asStmt && result.Kind == ast.TYPE_VOID {
		util.Bail(util.TypeMismatchError, node.Tok, "'%s' does not return a value", pou.Name)
	}
	node.Typ = result
	return result
}

// bindArgs matches actual arguments to the formal parameters of pou.
func (tc *TypeChecker) bindArgs(call *ast.Node, pou *symtab.Symbol, args []*ast.Node) []BoundArg {
	params := pou.Scope.Params()
	for _, p := range params {
		tc.typeOf(p)
	}

	var bound []BoundArg
	seen := make(map[*symtab.Symbol]bool)
	named := false
	for i, a := range args {
		ad := a.Data.(ast.ArgumentNode)
		var p *symtab.Symbol
		if ad.Name == "" {
			if named {
				util.Bail(util.TypeMismatchError, a.Tok, "positional argument after named arguments")
			}
			if i >= len(params) {
				util.Bail(util.TypeMismatchError, a.Tok, "too many arguments to '%s' (it takes %d)", pou.Name, len(params))
			}
			p = params[i]
		} else {
			named = true
			p = pou.Scope.LookupLocal(ad.Name)
			if p == nil || !p.IsParameter() {
				util.Bail(util.UnresolvedSymbolError, a.Tok, "'%s' has no parameter '%s'", pou.Name, ad.Name)
			}
			if ad.IsOutput && p.Section != ast.SectionOutput {
				util.Bail(util.TypeMismatchError, a.Tok, "'=>' binds VAR_OUTPUT parameters only, '%s' is %s", p.Name, p.Section)
			}
			if !ad.IsOutput && p.Section == ast.SectionOutput {
				util.Bail(util.TypeMismatchError, a.Tok, "output '%s' must be bound with '=>'", p.Name)
			}
		}
		if seen[p] {
			util.Bail(util.TypeMismatchError, a.Tok, "parameter '%s' is bound twice", p.Name)
		}
		seen[p] = true

		pt := p.Type
		value := ad.Value
		tc.checkExpr(value)
		switch p.Section {
		case ast.SectionInput:
			tc.expect(pt, value, "argument '"+p.Name+"'")
		case ast.SectionInOut:
			tc.checkTarget(value)
			if !sameType(pt, value.Typ) {
				util.Bail(util.TypeMismatchError, value.Tok, "VAR_IN_OUT '%s' needs a %s variable, not %s", p.Name, pt, value.Typ)
			}
		case ast.SectionOutput:
			tc.checkTarget(value)
			if !(sameType(value.Typ, pt) || (!pt.IsAggregate() && tc.widening() && widens(pt, value.Typ))) {
				util.Bail(util.TypeMismatchError, value.Tok, "cannot store output '%s' of type %s in %s", p.Name, pt, value.Typ)
			}
		}
		a.Typ = value.Typ
		bound = append(bound, BoundArg{Param: p, Value: value, IsOutput: p.Section == ast.SectionOutput})
	}

	for _, p := range params {
		if p.Section == ast.SectionInOut && !seen[p] {
			util.Bail(util.TypeMismatchError, call.Tok, "missing argument for VAR_IN_OUT '%s' of '%s'", p.Name, pou.Name)
		}
	}
	return bound
}

// builtinArgs accepts positional arguments or the IEC formal names.
func (tc *TypeChecker) builtinArgs(call *ast.Node, name string, args []*ast.Node, formals ...string) []*ast.Node {
	if len(args) != len(formals) {
		util.Bail(util.TypeMismatchError, call.Tok, "%s takes %d argument(s), %d given", name, len(formals), len(args))
	}
	out := make([]*ast.Node, len(formals))
	for i, a := range args {
		ad := a.Data.(ast.ArgumentNode)
		idx := i
		if ad.Name != "" {
			idx = -1
			for j, f := range formals {
				if strings.EqualFold(f, ad.Name) {
					idx = j
				}
			}
			if idx < 0 || ad.IsOutput {
				util.Bail(util.UnresolvedSymbolError, a.Tok, "%s has no input '%s'", name, ad.Name)
			}
		}
		if out[idx] != nil {
			util.Bail(util.TypeMismatchError, a.Tok, "argument '%s' of %s is bound twice", formals[idx], name)
		}
		out[idx] = ad.Value
		tc.checkExpr(ad.Value)
		a.Typ = ad.Value.Typ
	}
	return out
}

// checkBuiltin types calls of the conversion and shift functions.
func (tc *TypeChecker) checkBuiltin(node *ast.Node, name string, args []*ast.Node) *ast.Type {
	upper := strings.ToUpper(name)
	ci := &CallInfo{}

	switch {
	case upper == "SHL" || upper == "SHR":
		vals := tc.builtinArgs(node, upper, args, "IN", "N")
		in, n := vals[0], vals[1]
		tc.defaultType(in)
		tc.defaultType(n)
		if !(in.Typ.Kind == ast.TYPE_INT || in.Typ.Kind == ast.TYPE_BITS) {
			util.Bail(util.TypeMismatchError, in.Tok, "%s needs an integer or bit string, not %s", upper, in.Typ)
		}
		if !(n.Typ.Kind == ast.TYPE_INT || n.Typ.Kind == ast.TYPE_BITS) {
			util.Bail(util.TypeMismatchError, n.Tok, "%s shift count must be an integer, not %s", upper, n.Typ)
		}
		ci.Kind, ci.ShiftLeft = CallShift, upper == "SHL"
		ci.From, ci.To = in.Typ, in.Typ
		ci.Args = []BoundArg{{Value: in}, {Value: n}}
		if vc, ok := tc.info.Consts[in]; ok {
			if nc, ok := tc.info.Consts[n]; ok {
				tc.info.Consts[node] = foldShift(ci.ShiftLeft, vc, nc, in.Typ)
			}
		}
	case upper == "TRUNC":
		in := tc.builtinArgs(node, upper, args, "IN")[0]
		tc.defaultType(in)
		if in.Typ.Kind != ast.TYPE_REAL {
			util.Bail(util.TypeMismatchError, in.Tok, "TRUNC needs a REAL or LREAL, not %s", in.Typ)
		}
		ci.Kind, ci.From, ci.To = CallTrunc, in.Typ, ast.TypeDINT
		if in.Typ.SizeOf() == 8 {
			ci.To = ast.TypeLINT
		}
		ci.Args = []BoundArg{{Value: in}}
		if c, ok := tc.info.Consts[in]; ok {
			tc.info.Consts[node] = truncConst(c, ci.To)
		}
	default:
		idx := strings.Index(upper, "_TO_")
		var from, to *ast.Type
		if idx > 0 {
			from, to = ast.LookupElementary(upper[:idx]), ast.LookupElementary(upper[idx+4:])
		}
		if from == nil || to == nil {
			util.Bail(util.UnresolvedSymbolError, node.Data.(ast.CallNode).Callee.Tok, "undeclared function '%s'", name)
		}
		in := tc.builtinArgs(node, upper, args, "IN")[0]
		tc.expect(from, in, upper)
		ci.Kind, ci.From, ci.To = CallConversion, from, to
		ci.Args = []BoundArg{{Value: in}}
		if c, ok := tc.info.Consts[in]; ok {
			if from.IsUnsigned() && from.SizeOf() == 8 {
				c.Wide = true
			}
			res := coerce(c, to)
			res.Wide = false
			tc.info.Consts[node] = res
		}
	}
	tc.info.Calls[node] = ci
	return ci.To
}
