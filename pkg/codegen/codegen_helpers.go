package codegen

import (
	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/ir"
	"github.com/xplshn/gstc/pkg/symtab"
	"github.com/xplshn/gstc/pkg/token"
	"github.com/xplshn/gstc/pkg/typeChecker"
	"github.com/xplshn/gstc/pkg/util"
)

// valType is the register class of an elementary value. Every integer, bit
// string, BOOL and enumeration value is held as a 64-bit long, sign- or
// zero-extended from its declared width.
func valType(t *ast.Type) ir.Type {
	if t.IsReal() {
		if t.Kind == ast.TYPE_REAL && t.SizeOf() == 4 {
			return ir.TypeS
		}
		return ir.TypeD
	}
	return ir.TypeL
}

func loadType(t *ast.Type) ir.Type {
	if t.IsReal() {
		return valType(t)
	}
	return ir.LoadType(t.SizeOf(), t.IsUnsigned())
}

func storeType(t *ast.Type) ir.Type {
	if t.IsReal() {
		return valType(t)
	}
	return ir.StoreType(t.SizeOf())
}

func constValue(c typeChecker.Const, t *ast.Type) ir.Value {
	if t.IsReal() {
		return &ir.FloatConst{Value: c.AsReal(), Typ: valType(t)}
	}
	return &ir.Const{Value: c.Int}
}

func (ctx *Context) load(addr ir.Value, t *ast.Type) ir.Value {
	res := ctx.newTemp()
	ctx.addInstr(&ir.Instruction{Op: ir.OpLoad, Typ: loadType(t), Result: res, Args: []ir.Value{addr}})
	return res
}

func (ctx *Context) loadRaw(addr ir.Value, typ ir.Type) ir.Value {
	res := ctx.newTemp()
	ctx.addInstr(&ir.Instruction{Op: ir.OpLoad, Typ: typ, Result: res, Args: []ir.Value{addr}})
	return res
}

func (ctx *Context) store(val, addr ir.Value, typ ir.Type) {
	ctx.addInstr(&ir.Instruction{Op: ir.OpStore, Typ: typ, Args: []ir.Value{val, addr}})
}

func (ctx *Context) blit(src, dst ir.Value, t *ast.Type) {
	ctx.addInstr(&ir.Instruction{Op: ir.OpBlit, Args: []ir.Value{src, dst}, Size: t.SizeOf(), Align: t.AlignOf()})
}

// assign stores a value of type from into a t-typed object at addr. For
// aggregates val is the source address.
func (ctx *Context) assign(val ir.Value, from *ast.Type, addr ir.Value, t *ast.Type) {
	if t.IsAggregate() {
		ctx.blit(val, addr, t)
		return
	}
	ctx.store(ctx.convert(val, from, t), addr, storeType(t))
}

func (ctx *Context) arith(op ir.Op, l, r ir.Value) ir.Value {
	res := ctx.newTemp()
	ctx.addInstr(&ir.Instruction{Op: op, Typ: ir.TypeL, Result: res, Args: []ir.Value{l, r}})
	return res
}

func (ctx *Context) compare(op ir.Op, l, r ir.Value, t *ast.Type) ir.Value {
	res := ctx.newTemp()
	ctx.addInstr(&ir.Instruction{
		Op: op, Typ: ir.TypeL, OperandType: valType(t), Unsigned: t.IsUnsigned(),
		Result: res, Args: []ir.Value{l, r},
	})
	return res
}

// extend brings a 64-bit intermediate back to the canonical form of t,
// wrapping it to the width of t.
func (ctx *Context) extend(v ir.Value, t *ast.Type) ir.Value {
	if t.Kind == ast.TYPE_BOOL || t.IsReal() {
		return v
	}
	var op ir.Op
	unsigned := t.IsUnsigned()
	switch t.SizeOf() {
	case 1:
		op = pick(unsigned, ir.OpExtUB, ir.OpExtSB)
	case 2:
		op = pick(unsigned, ir.OpExtUH, ir.OpExtSH)
	case 4:
		op = pick(unsigned, ir.OpExtUW, ir.OpExtSW)
	default:
		return v
	}
	res := ctx.newTemp()
	ctx.addInstr(&ir.Instruction{Op: op, Typ: ir.TypeL, OperandType: ir.TypeL, Result: res, Args: []ir.Value{v}})
	return res
}

func pick(cond bool, a, b ir.Op) ir.Op {
	if cond {
		return a
	}
	return b
}

// convert changes the representation of v from type from to type to. Both
// implicit widening and the explicit *_TO_* conversions go through here.
func (ctx *Context) convert(v ir.Value, from, to *ast.Type) ir.Value {
	if from == to || to.IsAggregate() {
		return v
	}
	switch {
	case from.IsReal() && to.IsReal():
		if valType(from) == valType(to) {
			return v
		}
		return ctx.conv(ir.OpFToF, v, valType(from), valType(to))
	case to.IsReal():
		op := ir.OpSToF
		if from.IsUnsigned() && from.SizeOf() == 8 {
			op = ir.OpUToF
		}
		return ctx.conv(op, v, ir.TypeL, valType(to))
	case from.IsReal():
		if to.Kind == ast.TYPE_BOOL {
			return ctx.compare(ir.OpCNeq, v, &ir.FloatConst{Typ: valType(from)}, from)
		}
		op := ir.OpFToS
		if to.IsUnsigned() && to.SizeOf() == 8 {
			op = ir.OpFToU
		}
		return ctx.extend(ctx.conv(op, v, valType(from), ir.TypeL), to)
	case to.Kind == ast.TYPE_BOOL:
		if from.Kind == ast.TYPE_BOOL {
			return v
		}
		return ctx.compare(ir.OpCNeq, v, &ir.Const{Value: 0}, from)
	}
	if to.SizeOf() >= 8 || (from.SizeOf() < to.SizeOf() && (from.IsUnsigned() || !to.IsUnsigned())) {
		return v
	}
	if from.SizeOf() == to.SizeOf() && from.IsUnsigned() == to.IsUnsigned() {
		return v
	}
	return ctx.extend(v, to)
}

func (ctx *Context) conv(op ir.Op, v ir.Value, from, to ir.Type) ir.Value {
	res := ctx.newTemp()
	ctx.addInstr(&ir.Instruction{Op: op, Typ: to, OperandType: from, Result: res, Args: []ir.Value{v}})
	return res
}

// Expressions

// codegenExpr evaluates node in its own type. Aggregates evaluate to their
// address.
func (ctx *Context) codegenExpr(node *ast.Node) ir.Value {
	if c, ok := ctx.info.ConstOf(node); ok && node.Typ.IsScalar() {
		return constValue(c, node.Typ)
	}
	switch d := node.Data.(type) {
	case ast.IdentNode, ast.MemberAccessNode, ast.SubscriptNode:
		addr := ctx.codegenAddr(node)
		if node.Typ.IsAggregate() {
			return addr
		}
		return ctx.load(addr, node.Typ)
	case ast.BinaryOpNode:
		return ctx.codegenBinary(node, d)
	case ast.UnaryOpNode:
		return ctx.codegenUnary(node, d)
	case ast.CallNode:
		return ctx.codegenCall(node)
	}
	util.Bail(util.InternalError, node.Tok, "cannot lower expression node %d", node.Type)
	return nil
}

// codegenExprAs evaluates node and converts it to t.
func (ctx *Context) codegenExprAs(node *ast.Node, t *ast.Type) ir.Value {
	if c, ok := ctx.info.ConstOf(node); ok && t.IsScalar() {
		return constValue(c.As(t), t)
	}
	return ctx.convert(ctx.codegenExpr(node), node.Typ, t)
}

var intOps = map[token.Type][2]ir.Op{
	token.Plus:  {ir.OpAdd, ir.OpAdd},
	token.Minus: {ir.OpSub, ir.OpSub},
	token.Star:  {ir.OpMul, ir.OpMul},
	token.Slash: {ir.OpDiv, ir.OpUDiv},
	token.Mod:   {ir.OpRem, ir.OpURem},
	token.And:   {ir.OpAnd, ir.OpAnd},
	token.Or:    {ir.OpOr, ir.OpOr},
	token.Xor:   {ir.OpXor, ir.OpXor},
}

var floatOps = map[token.Type]ir.Op{
	token.Plus: ir.OpAddF, token.Minus: ir.OpSubF, token.Star: ir.OpMulF, token.Slash: ir.OpDivF,
}

var compareOps = map[token.Type]ir.Op{
	token.Eq: ir.OpCEq, token.Neq: ir.OpCNeq, token.Lt: ir.OpCLt,
	token.Gt: ir.OpCGt, token.Lte: ir.OpCLe, token.Gte: ir.OpCGe,
}

func (ctx *Context) codegenBinary(node *ast.Node, d ast.BinaryOpNode) ir.Value {
	ct := ctx.info.Operands[node]
	l := ctx.codegenExprAs(d.Left, ct)
	r := ctx.codegenExprAs(d.Right, ct)

	if op, ok := compareOps[d.Op]; ok {
		return ctx.compare(op, l, r, ct)
	}
	if ct.IsReal() {
		op, ok := floatOps[d.Op]
		if !ok {
			util.Bail(util.InternalError, node.Tok, "operator '%s' on %s", d.Op, ct)
		}
		res := ctx.newTemp()
		ctx.addInstr(&ir.Instruction{Op: op, Typ: valType(ct), Result: res, Args: []ir.Value{l, r}})
		return res
	}
	ops, ok := intOps[d.Op]
	if !ok {
		util.Bail(util.InternalError, node.Tok, "operator '%s' on %s", d.Op, ct)
	}
	op := ops[0]
	if ct.IsUnsigned() {
		op = ops[1]
	}
	res := ctx.arith(op, l, r)
	switch d.Op {
	case token.And, token.Or, token.Xor, token.Mod:
		return res
	}
	return ctx.extend(res, ct)
}

func (ctx *Context) codegenUnary(node *ast.Node, d ast.UnaryOpNode) ir.Value {
	t := node.Typ
	v := ctx.codegenExprAs(d.Expr, t)
	res := ctx.newTemp()
	switch {
	case d.Op == token.Plus:
		return v
	case d.Op == token.Minus && t.IsReal():
		ctx.addInstr(&ir.Instruction{Op: ir.OpNegF, Typ: valType(t), Result: res, Args: []ir.Value{v}})
		return res
	case d.Op == token.Minus:
		ctx.addInstr(&ir.Instruction{Op: ir.OpNeg, Typ: ir.TypeL, Result: res, Args: []ir.Value{v}})
	case d.Op == token.Not && t.Kind == ast.TYPE_BOOL:
		ctx.addInstr(&ir.Instruction{Op: ir.OpXor, Typ: ir.TypeL, Result: res, Args: []ir.Value{v, &ir.Const{Value: 1}}})
		return res
	case d.Op == token.Not:
		ctx.addInstr(&ir.Instruction{Op: ir.OpNot, Typ: ir.TypeL, Result: res, Args: []ir.Value{v}})
	default:
		util.Bail(util.InternalError, node.Tok, "unary operator '%s'", d.Op)
	}
	return ctx.extend(res, t)
}

// codegenAddr computes the address of an lvalue.
func (ctx *Context) codegenAddr(node *ast.Node) ir.Value {
	switch d := node.Data.(type) {
	case ast.IdentNode:
		sym := ctx.info.Uses[node]
		if sym == nil {
			util.Bail(util.InternalError, node.Tok, "unresolved identifier '%s' reached lowering", d.Name)
		}
		if sym.Kind == symtab.ProgramUnit {
			return ctx.programInstance(sym)
		}
		return ctx.addrOf(sym)
	case ast.MemberAccessNode:
		base := ctx.codegenAddr(d.Expr)
		f, ok := d.Expr.Typ.Field(d.Member)
		if !ok {
			util.Bail(util.InternalError, d.MemberTok, "%s has no member '%s'", d.Expr.Typ, d.Member)
		}
		a := ctx.offset(base, f.Offset)
		if f.Pointer {
			return ctx.loadRaw(a, ir.TypeL)
		}
		return a
	case ast.SubscriptNode:
		at := d.Array.Typ
		base := ctx.codegenAddr(d.Array)
		esize := at.Base.SizeOf()
		if c, ok := ctx.info.ConstOf(d.Index); ok {
			return ctx.offset(base, (c.Int-at.Low)*esize)
		}
		idx := ctx.codegenExpr(d.Index)
		if at.Low != 0 {
			idx = ctx.arith(ir.OpSub, idx, &ir.Const{Value: at.Low})
		}
		if esize != 1 {
			idx = ctx.arith(ir.OpMul, idx, &ir.Const{Value: esize})
		}
		return ctx.arith(ir.OpAdd, base, idx)
	}
	util.Bail(util.InternalError, node.Tok, "expression is not addressable")
	return nil
}

// Statements

func (ctx *Context) codegenStmts(stmts []*ast.Node) (terminates bool) {
	for _, stmt := range stmts {
		if ctx.codegenStmt(stmt) {
			return true
		}
	}
	return false
}

func (ctx *Context) codegenStmt(node *ast.Node) (terminates bool) {
	switch d := node.Data.(type) {
	case ast.AssignNode:
		if d.Lhs.Typ.IsAggregate() {
			src := ctx.codegenExpr(d.Rhs)
			ctx.blit(src, ctx.codegenAddr(d.Lhs), d.Lhs.Typ)
			return false
		}
		v := ctx.codegenExprAs(d.Rhs, d.Lhs.Typ)
		ctx.store(v, ctx.codegenAddr(d.Lhs), storeType(d.Lhs.Typ))
		return false
	case ast.CallStmtNode:
		ctx.codegenCall(d.Call)
		return false
	case ast.IfNode:
		return ctx.codegenIf(d)
	case ast.CaseNode:
		return ctx.codegenCase(d)
	case ast.ForNode:
		return ctx.codegenFor(d)
	case ast.WhileNode:
		return ctx.codegenWhile(d)
	case ast.RepeatNode:
		return ctx.codegenRepeat(d)
	}

	switch node.Type {
	case ast.Exit:
		ctx.jump(ctx.breakLabel)
		return true
	case ast.Continue:
		ctx.jump(ctx.continueLabel)
		return true
	case ast.Return:
		ctx.jump(ctx.exitLabel)
		return true
	case ast.Empty:
		return false
	}
	util.Bail(util.InternalError, node.Tok, "cannot lower statement node %d", node.Type)
	return false
}

func (ctx *Context) codegenIf(d ast.IfNode) bool {
	endL := ctx.newLabel()
	allTerminate := true

	arm := func(cond *ast.Node, body []*ast.Node) {
		thenL, nextL := ctx.newLabel(), ctx.newLabel()
		ctx.branch(ctx.codegenExprAs(cond, ast.TypeBOOL), thenL, nextL)
		ctx.startBlock(thenL)
		if !ctx.codegenStmts(body) {
			ctx.jump(endL)
			allTerminate = false
		}
		ctx.startBlock(nextL)
	}

	arm(d.Cond, d.Then)
	for _, e := range d.ElsIfs {
		ed := e.Data.(ast.ElsIfNode)
		arm(ed.Cond, ed.Body)
	}
	if !ctx.codegenStmts(d.Else) {
		ctx.jump(endL)
		allTerminate = false
	}
	if allTerminate && d.HasElse {
		return true
	}
	ctx.startBlock(endL)
	return false
}

// spill keeps a value that must survive past the current block.
func (ctx *Context) spill(v ir.Value, t *ast.Type) *ir.Slot {
	slot := ctx.newSlot("", t)
	ctx.store(v, ctx.addr(slot), storeType(t))
	return slot
}

// reload returns v when it is a constant, or reloads the spilled value.
func (ctx *Context) reload(v ir.Value, slot *ir.Slot, t *ast.Type) ir.Value {
	if slot == nil {
		return v
	}
	return ctx.load(ctx.addr(slot), t)
}

func isConst(v ir.Value) bool {
	switch v.(type) {
	case *ir.Const, *ir.FloatConst:
		return true
	}
	return false
}

func (ctx *Context) codegenCase(d ast.CaseNode) bool {
	st := d.Selector.Typ
	sel := ctx.codegenExpr(d.Selector)
	var selSlot *ir.Slot
	if !isConst(sel) {
		selSlot = ctx.spill(sel, st)
	}
	endL := ctx.newLabel()
	allTerminate := true

	for _, b := range d.Branches {
		bd := b.Data.(ast.CaseBranchNode)
		bodyL, nextL := ctx.newLabel(), ctx.newLabel()
		v := ctx.reload(sel, selSlot, st)
		var cond ir.Value
		for _, lbl := range bd.Labels {
			var c ir.Value
			if r, ok := lbl.Data.(ast.BinaryOpNode); ok && r.Op == token.DotDot {
				lo := ctx.compare(ir.OpCGe, v, ctx.codegenExprAs(r.Left, st), st)
				hi := ctx.compare(ir.OpCLe, v, ctx.codegenExprAs(r.Right, st), st)
				c = ctx.arith(ir.OpAnd, lo, hi)
			} else {
				c = ctx.compare(ir.OpCEq, v, ctx.codegenExprAs(lbl, st), st)
			}
			if cond == nil {
				cond = c
			} else {
				cond = ctx.arith(ir.OpOr, cond, c)
			}
		}
		if cond == nil {
			cond = &ir.Const{Value: 0}
		}
		ctx.branch(cond, bodyL, nextL)
		ctx.startBlock(bodyL)
		if !ctx.codegenStmts(bd.Body) {
			ctx.jump(endL)
			allTerminate = false
		}
		ctx.startBlock(nextL)
	}

	if !ctx.codegenStmts(d.Else) {
		ctx.jump(endL)
		allTerminate = false
	}
	if allTerminate && d.HasElse {
		return true
	}
	ctx.startBlock(endL)
	return false
}

// codegenFor lowers FOR v := a TO b BY s. The bound and step are evaluated
// once; the loop runs while v <= b for a non-negative step and while v >= b
// otherwise.
func (ctx *Context) codegenFor(d ast.ForNode) bool {
	vt := d.Var.Typ
	ctx.store(ctx.codegenExprAs(d.Start, vt), ctx.codegenAddr(d.Var), storeType(vt))

	end := ctx.codegenExprAs(d.End, vt)
	var endSlot, stepSlot *ir.Slot
	if !isConst(end) {
		endSlot = ctx.spill(end, vt)
	}
	var step ir.Value = &ir.Const{Value: 1}
	if d.Step != nil {
		step = ctx.codegenExprAs(d.Step, vt)
	}
	if !isConst(step) {
		stepSlot = ctx.spill(step, vt)
	}

	headL, bodyL, incrL, endL := ctx.newLabel(), ctx.newLabel(), ctx.newLabel(), ctx.newLabel()
	oldBreak, oldContinue := ctx.breakLabel, ctx.continueLabel
	ctx.breakLabel, ctx.continueLabel = endL, incrL
	defer func() { ctx.breakLabel, ctx.continueLabel = oldBreak, oldContinue }()

	ctx.jump(headL)
	ctx.startBlock(headL)
	v := ctx.load(ctx.codegenAddr(d.Var), vt)
	bound := ctx.reload(end, endSlot, vt)
	var cond ir.Value
	switch s := step.(type) {
	case *ir.Const:
		if s.Value >= 0 || vt.IsUnsigned() {
			cond = ctx.compare(ir.OpCLe, v, bound, vt)
		} else {
			cond = ctx.compare(ir.OpCGe, v, bound, vt)
		}
	default:
		if vt.IsUnsigned() {
			cond = ctx.compare(ir.OpCLe, v, bound, vt)
			break
		}
		sv := ctx.reload(step, stepSlot, vt)
		up := ctx.compare(ir.OpCGe, sv, &ir.Const{Value: 0}, vt)
		down := ctx.arith(ir.OpXor, up, &ir.Const{Value: 1})
		le := ctx.arith(ir.OpAnd, up, ctx.compare(ir.OpCLe, v, bound, vt))
		ge := ctx.arith(ir.OpAnd, down, ctx.compare(ir.OpCGe, v, bound, vt))
		cond = ctx.arith(ir.OpOr, le, ge)
	}
	ctx.branch(cond, bodyL, endL)

	ctx.startBlock(bodyL)
	if !ctx.codegenStmts(d.Body) {
		ctx.jump(incrL)
	}

	ctx.startBlock(incrL)
	addr := ctx.codegenAddr(d.Var)
	next := ctx.extend(ctx.arith(ir.OpAdd, ctx.load(addr, vt), ctx.reload(step, stepSlot, vt)), vt)
	ctx.store(next, addr, storeType(vt))
	ctx.jump(headL)

	ctx.startBlock(endL)
	return false
}

func (ctx *Context) codegenWhile(d ast.WhileNode) bool {
	startL, bodyL, endL := ctx.newLabel(), ctx.newLabel(), ctx.newLabel()

	oldBreak, oldContinue := ctx.breakLabel, ctx.continueLabel
	ctx.breakLabel, ctx.continueLabel = endL, startL
	defer func() { ctx.breakLabel, ctx.continueLabel = oldBreak, oldContinue }()

	ctx.jump(startL)
	ctx.startBlock(startL)
	ctx.branch(ctx.codegenExprAs(d.Cond, ast.TypeBOOL), bodyL, endL)

	ctx.startBlock(bodyL)
	if !ctx.codegenStmts(d.Body) {
		ctx.jump(startL)
	}

	ctx.startBlock(endL)
	return false
}

func (ctx *Context) codegenRepeat(d ast.RepeatNode) bool {
	bodyL, condL, endL := ctx.newLabel(), ctx.newLabel(), ctx.newLabel()

	oldBreak, oldContinue := ctx.breakLabel, ctx.continueLabel
	ctx.breakLabel, ctx.continueLabel = endL, condL
	defer func() { ctx.breakLabel, ctx.continueLabel = oldBreak, oldContinue }()

	ctx.jump(bodyL)
	ctx.startBlock(bodyL)
	if !ctx.codegenStmts(d.Body) {
		ctx.jump(condL)
	}

	ctx.startBlock(condL)
	ctx.branch(ctx.codegenExprAs(d.Cond, ast.TypeBOOL), endL, bodyL)

	ctx.startBlock(endL)
	return false
}
