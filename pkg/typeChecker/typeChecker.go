package typeChecker

import (
	"strings"

	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/symtab"
	"github.com/xplshn/gstc/pkg/token"
	"github.com/xplshn/gstc/pkg/util"
)

type TypeChecker struct {
	cfg   *config.Config
	table *symtab.Table
	diag  *util.Diagnostics
	info  *Info

	scope     *symtab.Scope
	pou       *symtab.Symbol
	loopDepth int
	used      map[*symtab.Symbol]bool

	resolving  map[*ast.Type]bool
	resolved   map[*ast.Type]bool
	aliasing   map[*symtab.Symbol]bool
	evaluating map[*symtab.Symbol]bool
}

func NewTypeChecker(cfg *config.Config, table *symtab.Table, diag *util.Diagnostics) *TypeChecker {
	return &TypeChecker{
		cfg:        cfg,
		table:      table,
		diag:       diag,
		info:       newInfo(),
		scope:      table.Global,
		used:       make(map[*symtab.Symbol]bool),
		resolving:  make(map[*ast.Type]bool),
		resolved:   make(map[*ast.Type]bool),
		aliasing:   make(map[*symtab.Symbol]bool),
		evaluating: make(map[*symtab.Symbol]bool),
	}
}

// Check resolves every reference of the unit, assigns a type to every
// expression and evaluates constant expressions.
func (tc *TypeChecker) Check(root *ast.Node) (info *Info, err error) {
	defer util.Recover(&err)
	if root == nil || root.Type != ast.CompilationUnit {
		return nil, util.Errorf(util.InternalError, token.Token{}, "type checker run on a non-unit node")
	}

	for _, sym := range tc.table.Global.Symbols {
		switch sym.Kind {
		case symtab.Type:
			t := tc.typeOf(sym)
			if td := sym.Decl.Data.(ast.TypeDeclNode); td.Init != nil {
				tc.checkInit(td.Init, t, "default value of type '"+td.Name+"'")
			}
		case symtab.EnumMember:
			tc.typeOf(sym)
		}
	}
	for _, sym := range tc.table.Global.Symbols {
		if sym.Kind == symtab.Variable {
			tc.typeOf(sym)
			tc.checkDeclInit(sym.Decl)
		}
	}
	for _, pou := range tc.table.POUs {
		tc.checkPOU(pou)
	}
	tc.warnUnused()
	return tc.info, nil
}

// namedDefault follows an alias chain to the nearest type default value.
func (tc *TypeChecker) namedDefault(t *ast.Type) *ast.Node {
	for i := 0; t != nil && t.Kind == ast.TYPE_NAMED && i < len(tc.table.Global.Symbols); i++ {
		sym := tc.table.Global.LookupLocal(t.Name)
		if sym == nil || sym.Kind != symtab.Type {
			return nil
		}
		td := sym.Decl.Data.(ast.TypeDeclNode)
		if td.Init != nil {
			return td.Init
		}
		t = td.Type
	}
	return nil
}

// checkDeclInit validates the initializer of a variable declaration and
// records its effective initializer.
func (tc *TypeChecker) checkDeclInit(decl *ast.Node) {
	d := decl.Data.(ast.VarDeclNode)
	if _, done := tc.info.Inits[decl]; done && d.Init == nil {
		return
	}
	if d.Init == nil {
		if def := tc.namedDefault(d.Type); def != nil {
			tc.info.Inits[decl] = def
		}
		return
	}
	t := tc.resolveDeclType(decl)
	if decl.Data.(ast.VarDeclNode).Section == ast.SectionInOut {
		util.Bail(util.TypeMismatchError, d.Init.Tok, "VAR_IN_OUT '%s' cannot have an initializer", d.Name)
	}
	defer tc.withScope(tc.table.ScopeOf(decl))()
	tc.checkInit(d.Init, t, "initializer of '"+d.Name+"'")
	tc.info.Inits[decl] = d.Init
}

// checkInit checks a constant initializer, including aggregate forms.
func (tc *TypeChecker) checkInit(init *ast.Node, t *ast.Type, context string) {
	if init.Typ != nil && init.Typ == t {
		return
	}
	switch d := init.Data.(type) {
	case ast.ArrayInitNode:
		if t.Kind != ast.TYPE_ARRAY {
			util.Bail(util.TypeMismatchError, init.Tok, "array initializer used for %s in %s", t, context)
		}
		if int64(len(d.Elems)) > t.Len() {
			util.Bail(util.TypeMismatchError, init.Tok, "%d elements given for %s in %s", len(d.Elems), t, context)
		}
		for _, e := range d.Elems {
			tc.checkInit(e, t.Base, context)
		}
		init.Typ = t
	case ast.StructInitNode:
		if t.Kind != ast.TYPE_STRUCT && t.Kind != ast.TYPE_FB {
			util.Bail(util.TypeMismatchError, init.Tok, "structure initializer used for %s in %s", t, context)
		}
		seen := make(map[string]bool)
		for _, f := range d.Fields {
			a := f.Data.(ast.AssignNode)
			name := a.Lhs.Data.(ast.IdentNode).Name
			member := memberDecl(t, name)
			if member == nil {
				util.Bail(util.UnresolvedSymbolError, a.Lhs.Tok, "%s has no member '%s'", t, name)
			}
			md := member.Data.(ast.VarDeclNode)
			if md.Section == ast.SectionInOut {
				util.Bail(util.TypeMismatchError, a.Lhs.Tok, "VAR_IN_OUT '%s' cannot be initialized", name)
			}
			key := strings.ToUpper(name)
			if seen[key] {
				util.Bail(util.TypeMismatchError, a.Lhs.Tok, "member '%s' initialized twice", name)
			}
			seen[key] = true
			tc.checkInit(a.Rhs, md.Type, context)
		}
		init.Typ = t
	default:
		tc.checkExpr(init)
		if _, ok := tc.info.Consts[init]; !ok {
			util.Bail(util.ConstantEvaluationError, init.Tok, "%s is not a constant expression", context)
		}
		tc.expect(t, init, context)
	}
}

// memberDecl finds a member of a struct or instance type by name.
func memberDecl(t *ast.Type, name string) *ast.Node {
	for _, f := range t.Fields {
		if strings.EqualFold(f.Data.(ast.VarDeclNode).Name, name) {
			return f
		}
	}
	return nil
}

// constInt evaluates a constant integer expression such as an array bound.
func (tc *TypeChecker) constInt(n *ast.Node, what string) int64 {
	defer tc.withScope(tc.table.ScopeOf(n))()
	tc.checkExpr(n)
	c, ok := tc.info.Consts[n]
	if !ok || c.IsReal || !(n.Typ.IsInteger() || n.Typ.IsBits()) {
		util.Bail(util.ConstantEvaluationError, n.Tok, "%s is not a constant integer expression", what)
	}
	tc.defaultType(n)
	return c.Int
}

// constOfSymbol returns the value of a CONSTANT variable.
func (tc *TypeChecker) constOfSymbol(sym *symtab.Symbol, ref token.Token) (Const, bool) {
	if !sym.IsConstant || sym.Kind != symtab.Variable || sym.Decl == nil || sym.Storage == symtab.External {
		return Const{}, false
	}
	t := tc.typeOf(sym)
	if !t.IsScalar() {
		return Const{}, false
	}
	if tc.evaluating[sym] {
		util.Bail(util.ConstantEvaluationError, ref, "constant '%s' depends on itself", sym.Name)
	}
	tc.evaluating[sym] = true
	defer delete(tc.evaluating, sym)

	tc.checkDeclInit(sym.Decl)
	init := tc.info.Inits[sym.Decl]
	if init == nil {
		return tc.info.DefaultValue(t), true
	}
	c, ok := tc.info.Consts[init]
	return c, ok
}

func (tc *TypeChecker) checkPOU(pou *symtab.Symbol) {
	defer tc.withScope(pou.Scope)()
	tc.pou = pou
	d := pou.Decl.Data.(ast.POUNode)

	if d.Kind == ast.KindFunction {
		pou.Type = tc.resolveType(pou.Type)
		if res := pou.Scope.LookupLocal(pou.Name); res != nil && res.IsResult {
			res.Type = pou.Type
		}
	} else {
		tc.typeOf(pou)
	}

	for _, sym := range pou.Scope.Symbols {
		if sym.IsResult {
			continue
		}
		if sym.Section == ast.SectionExternal {
			tc.bindExternal(sym)
			continue
		}
		tc.typeOf(sym)
		tc.checkDeclInit(sym.Decl)
	}

	if d.IsExternal {
		return
	}
	tc.loopDepth = 0
	tc.checkStmts(d.Body)
}

// bindExternal links a POU-level VAR_EXTERNAL to the unit-level variable of
// the same name.
func (tc *TypeChecker) bindExternal(sym *symtab.Symbol) {
	g := tc.table.Global.LookupLocal(sym.Name)
	if g == nil || g.Kind != symtab.Variable {
		util.Bail(util.UnresolvedSymbolError, sym.Tok, "VAR_EXTERNAL '%s' does not name a global variable", sym.Name)
	}
	lt, gt := tc.typeOf(sym), tc.typeOf(g)
	if !sameType(lt, gt) {
		util.Bail(util.TypeMismatchError, sym.Tok, "VAR_EXTERNAL '%s' is declared %s but the global is %s", sym.Name, lt, gt)
	}
	if g.IsConstant && !sym.IsConstant {
		util.Bail(util.TypeMismatchError, sym.Tok, "VAR_EXTERNAL '%s' must be CONSTANT like its global", sym.Name)
	}
	sym.Binds = g
}

func (tc *TypeChecker) warnUnused() {
	for _, pou := range tc.table.POUs {
		if pou.Storage == symtab.External {
			continue
		}
		for _, sym := range pou.Scope.Symbols {
			if sym.IsResult || tc.used[sym] {
				continue
			}
			if sym.Section == ast.SectionLocal || sym.Section == ast.SectionTemp {
				tc.diag.Warn(config.WarnUnused, sym.Tok, "variable '%s' is declared but never used", sym.Name)
			}
		}
	}
}

// Statements

func isTerminator(n *ast.Node) bool {
	switch n.Type {
	case ast.Return, ast.Exit, ast.Continue:
		return true
	}
	return false
}

func (tc *TypeChecker) checkStmts(stmts []*ast.Node) {
	terminated := false
	for _, s := range stmts {
		if terminated && s.Type != ast.Empty {
			tc.diag.Warn(config.WarnUnreachableCode, s.Tok, "unreachable code")
			terminated = false
		}
		tc.checkStmt(s)
		if isTerminator(s) {
			terminated = true
		}
	}
}

func (tc *TypeChecker) checkStmt(node *ast.Node) {
	switch d := node.Data.(type) {
	case ast.AssignNode:
		tc.checkExpr(d.Lhs)
		tc.checkTarget(d.Lhs)
		tc.checkExpr(d.Rhs)
		tc.expect(d.Lhs.Typ, d.Rhs, "assignment")
	case ast.CallStmtNode:
		tc.checkCall(d.Call, true)
	case ast.IfNode:
		tc.checkCond(d.Cond, "IF")
		tc.checkStmts(d.Then)
		for _, e := range d.ElsIfs {
			ed := e.Data.(ast.ElsIfNode)
			tc.checkCond(ed.Cond, "ELSIF")
			tc.checkStmts(ed.Body)
		}
		tc.checkStmts(d.Else)
	case ast.CaseNode:
		tc.checkCase(node, d)
	case ast.ForNode:
		tc.checkFor(d)
	case ast.WhileNode:
		tc.checkCond(d.Cond, "WHILE")
		tc.loopDepth++
		tc.checkStmts(d.Body)
		tc.loopDepth--
	case ast.RepeatNode:
		tc.loopDepth++
		tc.checkStmts(d.Body)
		tc.loopDepth--
		tc.checkCond(d.Cond, "UNTIL")
	default:
		switch node.Type {
		case ast.Exit, ast.Continue:
			if tc.loopDepth == 0 {
				util.Bail(util.SyntaxError, node.Tok, "%s outside of a loop", strings.ToUpper(node.Tok.Value))
			}
		case ast.Return, ast.Empty:
		default:
			util.Bail(util.InternalError, node.Tok, "unexpected statement node %d", node.Type)
		}
	}
}

func (tc *TypeChecker) checkCond(n *ast.Node, what string) {
	t := tc.checkExpr(n)
	if t.Kind != ast.TYPE_BOOL {
		util.Bail(util.TypeMismatchError, n.Tok, "%s condition must be BOOL, not %s", what, t)
	}
}

// checkTarget verifies that n denotes a writable location.
func (tc *TypeChecker) checkTarget(n *ast.Node) {
	switch d := n.Data.(type) {
	case ast.IdentNode:
		sym := tc.info.Uses[n]
		if sym == nil {
			util.Bail(util.TypeMismatchError, n.Tok, "cannot assign to '%s'", d.Name)
		}
		switch {
		case sym.Kind == symtab.ProgramUnit && sym.POUKind == ast.KindProgram:
			if n.Parent != nil && n.Parent.Type == ast.MemberAccess {
				return
			}
		case sym.Kind == symtab.Variable:
			if sym.IsConstant {
				util.Bail(util.TypeMismatchError, n.Tok, "cannot assign to constant '%s'", d.Name)
			}
			return
		}
		util.Bail(util.TypeMismatchError, n.Tok, "cannot assign to %s '%s'", sym.Kind, d.Name)
	case ast.MemberAccessNode:
		tc.checkTarget(d.Expr)
	case ast.SubscriptNode:
		tc.checkTarget(d.Array)
	default:
		util.Bail(util.TypeMismatchError, n.Tok, "expression is not assignable")
	}
}

func (tc *TypeChecker) checkCase(node *ast.Node, d ast.CaseNode) {
	tc.checkExpr(d.Selector)
	tc.defaultType(d.Selector)
	sel := d.Selector.Typ
	if !(sel.IsInteger() || sel.IsBits() || sel.Kind == ast.TYPE_ENUM) {
		util.Bail(util.TypeMismatchError, d.Selector.Tok, "CASE selector must be an integer, bit string or enumeration, not %s", sel)
	}
	if len(d.Branches) == 0 {
		tc.diag.Warn(config.WarnExtra, node.Tok, "CASE statement has no branches")
	}

	type span struct{ lo, hi int64 }
	var seen []span
	unsigned := sel.IsUnsigned()
	less := func(a, b int64) bool {
		if unsigned {
			return uint64(a) < uint64(b)
		}
		return a < b
	}
	label := func(n *ast.Node) int64 {
		tc.checkExpr(n)
		if _, ok := tc.info.Consts[n]; !ok {
			util.Bail(util.ConstantEvaluationError, n.Tok, "CASE label is not a constant expression")
		}
		tc.expect(sel, n, "CASE label")
		return tc.info.Consts[n].Int
	}

	for _, b := range d.Branches {
		bd := b.Data.(ast.CaseBranchNode)
		for _, l := range bd.Labels {
			var s span
			if l.Type == ast.BinaryOp && l.Data.(ast.BinaryOpNode).Op == token.DotDot {
				r := l.Data.(ast.BinaryOpNode)
				s = span{label(r.Left), label(r.Right)}
				if less(s.hi, s.lo) {
					util.Bail(util.ConstantEvaluationError, l.Tok, "empty CASE range")
				}
				l.Typ = sel
			} else {
				v := label(l)
				s = span{v, v}
			}
			for _, p := range seen {
				if !less(s.hi, p.lo) && !less(p.hi, s.lo) {
					tc.diag.Warn(config.WarnExtra, l.Tok, "duplicate CASE label; the first matching branch is taken")
					break
				}
			}
			seen = append(seen, s)
		}
		tc.checkStmts(bd.Body)
	}
	tc.checkStmts(d.Else)
}

func (tc *TypeChecker) checkFor(d ast.ForNode) {
	vt := tc.checkExpr(d.Var)
	tc.checkTarget(d.Var)
	if vt.Kind != ast.TYPE_INT {
		util.Bail(util.TypeMismatchError, d.Var.Tok, "FOR control variable must be an integer, not %s", vt)
	}
	tc.checkExpr(d.Start)
	tc.expect(vt, d.Start, "FOR start value")
	tc.checkExpr(d.End)
	tc.expect(vt, d.End, "FOR end value")
	if d.Step != nil {
		tc.checkExpr(d.Step)
		tc.expect(vt, d.Step, "FOR step")
		if c, ok := tc.info.Consts[d.Step]; ok && c.Int == 0 {
			tc.diag.Warn(config.WarnExtra, d.Step.Tok, "FOR step is zero; the loop never ends")
		}
	}
	tc.loopDepth++
	tc.checkStmts(d.Body)
	tc.loopDepth--
}
