package codegen

import (
	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/ir"
	"github.com/xplshn/gstc/pkg/symtab"
	"github.com/xplshn/gstc/pkg/typeChecker"
	"github.com/xplshn/gstc/pkg/util"
)

// codegenCall lowers every kind of call. Arguments are evaluated in the order
// they are written.
func (ctx *Context) codegenCall(node *ast.Node) ir.Value {
	ci := ctx.info.Calls[node]
	if ci == nil {
		util.Bail(util.InternalError, node.Tok, "unresolved call reached lowering")
	}

	switch ci.Kind {
	case typeChecker.CallConversion:
		in := ci.Args[0].Value
		return ctx.convert(ctx.codegenExprAs(in, ci.From), ci.From, ci.To)
	case typeChecker.CallTrunc:
		in := ci.Args[0].Value
		return ctx.extend(ctx.conv(ir.OpFToS, ctx.codegenExpr(in), valType(in.Typ), ir.TypeL), ci.To)
	case typeChecker.CallShift:
		return ctx.codegenShift(ci)
	case typeChecker.CallFunction:
		return ctx.codegenFunctionCall(node, ci)
	case typeChecker.CallFunctionBlock:
		ctx.codegenInstanceCall(ci, ctx.codegenAddr(ci.Instance), false)
	case typeChecker.CallProgram:
		ctx.codegenInstanceCall(ci, ctx.programInstance(ci.POU), true)
	}
	return nil
}

// codegenShift lowers SHL and SHR. The count is taken modulo 64; SHR is
// arithmetic for signed integers.
func (ctx *Context) codegenShift(ci *typeChecker.CallInfo) ir.Value {
	t := ci.To
	v := ctx.codegenExpr(ci.Args[0].Value)
	n := ctx.arith(ir.OpAnd, ctx.codegenExpr(ci.Args[1].Value), &ir.Const{Value: 63})
	if ci.ShiftLeft {
		return ctx.extend(ctx.arith(ir.OpShl, v, n), t)
	}
	if t.IsUnsigned() {
		return ctx.arith(ir.OpShr, v, n)
	}
	return ctx.arith(ir.OpSar, v, n)
}

// outputCopy is an OUTPUT value copied to its target after the call returns.
type outputCopy struct {
	from   ir.Value // address of the value the callee produced
	typ    *ast.Type
	target *ast.Node
}

func (ctx *Context) finishOutputs(outs []outputCopy) {
	for _, o := range outs {
		tt := o.target.Typ
		if tt.IsAggregate() {
			ctx.blit(o.from, ctx.codegenAddr(o.target), tt)
			continue
		}
		v := ctx.load(o.from, o.typ)
		ctx.store(ctx.convert(v, o.typ, tt), ctx.codegenAddr(o.target), storeType(tt))
	}
}

// codegenFunctionCall passes elementary inputs by value and everything else
// by address. OUTPUT parameters write into a scratch object that is copied to
// the bound target afterwards, so a narrower output can land in a wider
// variable.
func (ctx *Context) codegenFunctionCall(node *ast.Node, ci *typeChecker.CallInfo) ir.Value {
	pou := ci.POU
	params := pou.Scope.Params()
	vals := make(map[*symtab.Symbol]ir.Value, len(params))
	var outs []outputCopy

	for _, a := range ci.Args {
		p := a.Param
		switch p.Section {
		case ast.SectionInput:
			if p.Type.IsAggregate() {
				vals[p] = ctx.codegenExpr(a.Value)
			} else {
				vals[p] = ctx.codegenExprAs(a.Value, p.Type)
			}
		case ast.SectionInOut:
			vals[p] = ctx.codegenAddr(a.Value)
		}
	}

	for _, p := range params {
		if _, ok := vals[p]; ok {
			continue
		}
		init := ctx.info.Inits[p.Decl]
		switch {
		case p.Section == ast.SectionOutput || p.Type.IsAggregate():
			scratch := ctx.addr(ctx.newSlot(p.Name, p.Type))
			ctx.initStorage(scratch, p.Type, init)
			vals[p] = scratch
			if p.Section == ast.SectionOutput {
				if a := ci.Arg(p); a != nil {
					outs = append(outs, outputCopy{from: scratch, typ: p.Type, target: a.Value})
				}
			}
		case p.Section == ast.SectionInput:
			c := ctx.info.DefaultValue(p.Type)
			if init != nil {
				c, _ = ctx.info.ConstOf(init)
				c = c.As(p.Type)
			}
			vals[p] = constValue(c, p.Type)
		default:
			util.Bail(util.InternalError, node.Tok, "VAR_IN_OUT '%s' of '%s' is unbound", p.Name, pou.Name)
		}
	}

	call := &ir.Instruction{Op: ir.OpCall, Typ: ir.TypeNone, Args: []ir.Value{&ir.Global{Name: pou.Name}}}
	for _, p := range params {
		call.Args = append(call.Args, vals[p])
		call.ArgTypes = append(call.ArgTypes, paramType(p))
	}
	var res ir.Value
	if pou.Type.Kind != ast.TYPE_VOID {
		call.Typ = valType(pou.Type)
		res = ctx.newTemp()
		call.Result = res
	}
	if pou.Storage == symtab.External {
		ctx.useExtern(ctx.externFunc(pou))
	}
	ctx.addInstr(call)
	ctx.finishOutputs(outs)
	return res
}

// codegenInstanceCall stores the bound inputs into the instance, calls the
// body and copies the bound outputs out. Function blocks receive the
// instance address; programs use their fixed instance.
func (ctx *Context) codegenInstanceCall(ci *typeChecker.CallInfo, inst ir.Value, isProgram bool) {
	pou := ci.POU
	var outs []outputCopy
	for _, a := range ci.Args {
		f, ok := pou.Instance.Field(a.Param.Name)
		if !ok {
			util.Bail(util.InternalError, a.Value.Tok, "'%s' has no member '%s'", pou.Name, a.Param.Name)
		}
		at := ctx.offset(inst, f.Offset)
		switch a.Param.Section {
		case ast.SectionInput:
			ctx.assign(ctx.codegenExprAs(a.Value, f.Type), f.Type, at, f.Type)
		case ast.SectionInOut:
			ctx.store(ctx.codegenAddr(a.Value), at, ir.TypeL)
		case ast.SectionOutput:
			outs = append(outs, outputCopy{from: at, typ: f.Type, target: a.Value})
		}
	}

	call := &ir.Instruction{Op: ir.OpCall, Typ: ir.TypeNone, Args: []ir.Value{&ir.Global{Name: pou.Name}}}
	if !isProgram {
		call.Args = append(call.Args, inst)
		call.ArgTypes = []ir.Type{ir.TypeL}
	}
	if pou.Storage == symtab.External {
		ctx.useExtern(ctx.externFunc(pou))
	}
	ctx.addInstr(call)
	ctx.finishOutputs(outs)
}
