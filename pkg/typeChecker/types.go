package typeChecker

import (
	"strings"

	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/symtab"
	"github.com/xplshn/gstc/pkg/util"
)

// resolveType replaces named references by their declarations and evaluates
// array bounds. It returns the canonical descriptor for t.
func (tc *TypeChecker) resolveType(t *ast.Type) *ast.Type {
	if t == nil {
		return nil
	}
	switch t.Kind {
	case ast.TYPE_NAMED:
		return tc.resolveNamed(t)
	case ast.TYPE_ARRAY:
		if tc.resolved[t] {
			return t
		}
		if tc.resolving[t] {
			util.Bail(util.RecursiveTypeError, t.Tok, "type '%s' contains itself", t)
		}
		tc.resolving[t] = true
		t.Base = tc.resolveType(t.Base)
		if t.Base.Kind == ast.TYPE_VOID {
			util.Bail(util.TypeMismatchError, t.Tok, "array element type cannot be VOID")
		}
		t.Low = tc.constInt(t.LowExpr, "array lower bound")
		t.High = tc.constInt(t.HighExpr, "array upper bound")
		if t.High < t.Low {
			util.Bail(util.ConstantEvaluationError, t.Tok, "array upper bound %d is below lower bound %d", t.High, t.Low)
		}
		delete(tc.resolving, t)
		tc.resolved[t] = true
		return t
	case ast.TYPE_STRUCT, ast.TYPE_FB:
		if tc.resolved[t] {
			return t
		}
		if tc.resolving[t] {
			util.Bail(util.RecursiveTypeError, t.Tok, "type '%s' contains itself", t)
		}
		tc.resolving[t] = true
		var pointers []*ast.Node
		for _, f := range t.Fields {
			d := f.Data.(ast.VarDeclNode)
			if d.Section == ast.SectionInOut {
				pointers = append(pointers, f)
				continue
			}
			tc.resolveDeclType(f)
		}
		delete(tc.resolving, t)
		tc.resolved[t] = true
		for _, f := range pointers {
			tc.resolveDeclType(f)
		}
		if t.Kind == ast.TYPE_STRUCT {
			for _, f := range t.Fields {
				tc.checkDeclInit(f)
			}
		}
		return t
	case ast.TYPE_ENUM:
		if !tc.resolved[t] {
			tc.resolved[t] = true
			tc.resolveEnum(t)
		}
		return t
	}
	return t
}

func (tc *TypeChecker) resolveNamed(t *ast.Type) *ast.Type {
	sym := tc.table.Global.LookupLocal(t.Name)
	if sym == nil {
		util.Bail(util.UnresolvedSymbolError, t.Tok, "unknown type '%s'", t.Name)
	}
	switch sym.Kind {
	case symtab.Type:
		if tc.aliasing[sym] {
			util.Bail(util.RecursiveTypeError, t.Tok, "type alias '%s' refers to itself", t.Name)
		}
		tc.aliasing[sym] = true
		target := tc.resolveType(sym.Type)
		delete(tc.aliasing, sym)
		sym.Type = target
		return target
	case symtab.ProgramUnit:
		if sym.POUKind == ast.KindFunctionBlock {
			return tc.resolveType(sym.Instance)
		}
		util.Bail(util.TypeMismatchError, t.Tok, "'%s' is a %s, not a type", sym.Name, sym.POUKind)
	}
	util.Bail(util.TypeMismatchError, t.Tok, "'%s' is a %s, not a type", sym.Name, sym.Kind)
	return nil
}

// resolveDeclType resolves the declared type of a VarDecl and stores it back
// in the node.
func (tc *TypeChecker) resolveDeclType(decl *ast.Node) *ast.Type {
	d := decl.Data.(ast.VarDeclNode)
	if d.Type == nil {
		return nil
	}
	d.Type = tc.resolveType(d.Type)
	decl.Data = d
	if d.Type.Kind == ast.TYPE_VOID {
		util.Bail(util.TypeMismatchError, decl.Tok, "variable '%s' cannot be VOID", d.Name)
	}
	return d.Type
}

func (tc *TypeChecker) resolveEnum(t *ast.Type) {
	defer tc.withScope(tc.table.Global)()
	next := int64(0)
	for _, m := range t.Members {
		d := m.Data.(ast.VarDeclNode)
		if d.Init != nil {
			tc.checkExpr(d.Init)
			c, ok := tc.info.Consts[d.Init]
			if !ok || c.IsReal {
				util.Bail(util.ConstantEvaluationError, d.Init.Tok, "value of enumeration member '%s' is not a constant integer", d.Name)
			}
			if !fits(c, ast.TypeDINT) && d.Init.Typ.Kind == ast.TYPE_UNTYPED_INT {
				util.Bail(util.ConstantEvaluationError, d.Init.Tok, "value %s of '%s' does not fit DINT", c, d.Name)
			}
			next = c.Int
		}
		tc.info.EnumValues[m] = wrap(next, ast.TypeDINT)
		next++
	}
}

// withScope switches the resolution scope and returns the function restoring it.
func (tc *TypeChecker) withScope(s *symtab.Scope) func() {
	prev := tc.scope
	tc.scope = s
	return func() { tc.scope = prev }
}

// typeOf returns the resolved type of a symbol.
func (tc *TypeChecker) typeOf(sym *symtab.Symbol) *ast.Type {
	switch {
	case sym.Kind == symtab.ProgramUnit && sym.Instance != nil:
		sym.Instance = tc.resolveType(sym.Instance)
		return sym.Instance
	case sym.Kind == symtab.Variable && sym.Decl != nil:
		sym.Type = tc.resolveDeclType(sym.Decl)
		return sym.Type
	}
	sym.Type = tc.resolveType(sym.Type)
	return sym.Type
}

// widens reports whether a value of type from converts implicitly to to.
func widens(from, to *ast.Type) bool {
	if from == to {
		return true
	}
	fs, ts := from.SizeOf(), to.SizeOf()
	switch {
	case from.Kind == ast.TYPE_INT && to.Kind == ast.TYPE_INT:
		if from.Signed == to.Signed {
			return fs < ts
		}
		return !from.Signed && to.Signed && fs < ts
	case from.Kind == ast.TYPE_BITS && to.Kind == ast.TYPE_BITS:
		return fs < ts
	case from.Kind == ast.TYPE_BOOL && to.Kind == ast.TYPE_BITS:
		return true
	case from.Kind == ast.TYPE_INT && to.Kind == ast.TYPE_REAL:
		if ts == 4 {
			return fs <= 2
		}
		return fs <= 4
	case from.Kind == ast.TYPE_REAL && to.Kind == ast.TYPE_REAL:
		return fs < ts
	}
	return false
}

// sameType reports structural equality.
func sameType(a, b *ast.Type) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil || a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case ast.TYPE_ARRAY:
		return a.Low == b.Low && a.High == b.High && sameType(a.Base, b.Base)
	case ast.TYPE_STRUCT:
		if len(a.Fields) != len(b.Fields) {
			return false
		}
		for i := range a.Fields {
			fa, fb := a.Fields[i].Data.(ast.VarDeclNode), b.Fields[i].Data.(ast.VarDeclNode)
			if !strings.EqualFold(fa.Name, fb.Name) || !sameType(fa.Type, fb.Type) {
				return false
			}
		}
		return true
	case ast.TYPE_ENUM, ast.TYPE_FB:
		return false
	}
	return a.Size == b.Size && a.Signed == b.Signed && a.Name == b.Name
}

// assignable reports whether the value of expression src may be stored in a
// location of type dst.
func (tc *TypeChecker) assignable(dst *ast.Type, src *ast.Node) bool {
	st := src.Typ
	switch st.Kind {
	case ast.TYPE_UNTYPED_INT, ast.TYPE_UNTYPED_REAL:
		c, ok := tc.info.Consts[src]
		if !ok {
			return false
		}
		if st.Kind == ast.TYPE_UNTYPED_REAL {
			return dst.IsReal()
		}
		return fits(c, dst)
	}
	if dst.IsAggregate() || st.IsAggregate() {
		return sameType(dst, st)
	}
	return sameType(dst, st) || (tc.widening() && widens(st, dst))
}

// widening reports whether narrower operands convert implicitly (-Fimplicit-widening).
func (tc *TypeChecker) widening() bool {
	return tc.cfg == nil || tc.cfg.IsFeatureEnabled(config.FeatImplicitWidening)
}

// expect checks that src may be stored in dst and gives untyped constants
// their final type.
func (tc *TypeChecker) expect(dst *ast.Type, src *ast.Node, context string) {
	if !tc.assignable(dst, src) {
		if c, ok := tc.info.Consts[src]; ok && src.Typ.Kind == ast.TYPE_UNTYPED_INT && (dst.IsInteger() || dst.IsBits()) {
			util.Bail(util.TypeMismatchError, src.Tok, "constant %s does not fit %s in %s", c, dst, context)
		}
		util.Bail(util.TypeMismatchError, src.Tok, "cannot use %s as %s in %s", src.Typ, dst, context)
	}
	tc.settle(src, dst)
}

// settle gives an untyped constant expression the type of its context.
func (tc *TypeChecker) settle(n *ast.Node, t *ast.Type) {
	if n.Typ.Kind != ast.TYPE_UNTYPED_INT && n.Typ.Kind != ast.TYPE_UNTYPED_REAL {
		return
	}
	if !t.IsScalar() || t.Kind == ast.TYPE_ENUM {
		return
	}
	if c, ok := tc.info.Consts[n]; ok {
		tc.info.Consts[n] = coerce(c, t)
	}
	n.Typ = t
}

// defaultType settles an untyped expression without a context.
func (tc *TypeChecker) defaultType(n *ast.Node) {
	switch n.Typ.Kind {
	case ast.TYPE_UNTYPED_INT:
		c := tc.info.Consts[n]
		switch {
		case c.Wide:
			tc.settle(n, ast.TypeULINT)
		case fits(c, ast.TypeDINT):
			tc.settle(n, ast.TypeDINT)
		default:
			tc.settle(n, ast.TypeLINT)
		}
	case ast.TYPE_UNTYPED_REAL:
		tc.settle(n, ast.TypeLREAL)
	}
}

// widenCandidates are the targets tried, smallest first, when two operand
// types do not widen into one another.
var widenCandidates = []*ast.Type{
	ast.TypeSINT, ast.TypeUSINT, ast.TypeINT, ast.TypeUINT, ast.TypeDINT, ast.TypeUDINT,
	ast.TypeLINT, ast.TypeULINT, ast.TypeREAL, ast.TypeLREAL,
}

// commonType returns the operand type of a binary operation on l and r, or
// nil when there is none.
func (tc *TypeChecker) commonType(l, r *ast.Node) *ast.Type {
	lt, rt := l.Typ, r.Typ
	lu := lt.Kind == ast.TYPE_UNTYPED_INT || lt.Kind == ast.TYPE_UNTYPED_REAL
	ru := rt.Kind == ast.TYPE_UNTYPED_INT || rt.Kind == ast.TYPE_UNTYPED_REAL
	switch {
	case lu && ru:
		if lt.Kind == ast.TYPE_UNTYPED_REAL || rt.Kind == ast.TYPE_UNTYPED_REAL {
			return ast.TypeUntypedReal
		}
		return ast.TypeUntypedInt
	case lu:
		if tc.assignable(rt, l) {
			return rt
		}
		return nil
	case ru:
		if tc.assignable(lt, r) {
			return lt
		}
		return nil
	}
	if lt.IsAggregate() || rt.IsAggregate() {
		return nil
	}
	if sameType(lt, rt) {
		return lt
	}
	if !tc.widening() {
		return nil
	}
	if widens(lt, rt) {
		return rt
	}
	if widens(rt, lt) {
		return lt
	}
	for _, c := range widenCandidates {
		if widens(lt, c) && widens(rt, c) {
			return c
		}
	}
	return nil
}
