package codegen

import (
	"bytes"
	"fmt"

	"github.com/llir/llvm/ir"
	"github.com/llir/llvm/ir/constant"
	"github.com/llir/llvm/ir/enum"
	"github.com/llir/llvm/ir/types"
	"github.com/llir/llvm/ir/value"
	"github.com/xplshn/gstc/pkg/config"
	gir "github.com/xplshn/gstc/pkg/ir"
)

// llvmBackend renders the IR as textual LLVM IR. Addresses are i64 values
// converted with inttoptr at each memory access; data objects and stack slots
// are byte arrays.
type llvmBackend struct {
	mod    *ir.Module
	funcs  map[string]*ir.Func
	data   map[string]*ir.Global
	temps  map[*gir.Temporary]value.Value
	slots  map[*gir.Slot]*ir.InstAlloca
	blocks map[string]*ir.Block
	block  *ir.Block

	memcpy, memset *ir.Func
}

func (b *llvmBackend) Generate(prog *gir.Program, cfg *config.Config) (*bytes.Buffer, error) {
	b.mod = ir.NewModule()
	b.funcs = make(map[string]*ir.Func)
	b.data = make(map[string]*ir.Global)

	i8p := types.NewPointer(types.I8)
	b.memcpy = b.mod.NewFunc("llvm.memcpy.p0i8.p0i8.i64", types.Void,
		ir.NewParam("", i8p), ir.NewParam("", i8p), ir.NewParam("", types.I64), ir.NewParam("", types.I1))
	b.memset = b.mod.NewFunc("llvm.memset.p0i8.i64", types.Void,
		ir.NewParam("", i8p), ir.NewParam("", types.I8), ir.NewParam("", types.I64), ir.NewParam("", types.I1))

	for _, d := range prog.Data {
		arr := types.NewArray(uint64(d.Size), types.I8)
		var init constant.Constant = constant.NewZeroInitializer(arr)
		if d.Bytes != nil {
			init = constant.NewCharArray(d.Bytes)
		}
		g := b.mod.NewGlobalDef(d.Name, init)
		g.Align = ir.Align(d.Align)
		b.data[d.Name] = g
	}
	for _, e := range prog.Externs {
		if e.IsFunc {
			var params []*ir.Param
			for _, p := range e.Params {
				params = append(params, ir.NewParam("", llvmType(p)))
			}
			b.funcs[e.Name] = b.mod.NewFunc(e.Name, llvmType(e.ReturnType), params...)
			continue
		}
		b.data[e.Name] = b.mod.NewGlobal(e.Name, types.NewArray(uint64(e.Size), types.I8))
	}
	for _, fn := range prog.Funcs {
		var params []*ir.Param
		for _, p := range fn.Params {
			params = append(params, ir.NewParam(p.Name, llvmType(p.Typ)))
		}
		b.funcs[fn.Name] = b.mod.NewFunc(fn.Name, llvmType(fn.ReturnType), params...)
	}

	for _, fn := range prog.Funcs {
		if err := b.genFunc(fn); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if _, err := b.mod.WriteTo(&buf); err != nil {
		return nil, err
	}
	return &buf, nil
}

func llvmType(t gir.Type) types.Type {
	switch t {
	case gir.TypeNone:
		return types.Void
	case gir.TypeS:
		return types.Float
	case gir.TypeD:
		return types.Double
	case gir.TypeB, gir.TypeSB, gir.TypeUB:
		return types.I8
	case gir.TypeH, gir.TypeSH, gir.TypeUH:
		return types.I16
	case gir.TypeW, gir.TypeSW, gir.TypeUW:
		return types.I32
	}
	return types.I64
}

func (b *llvmBackend) genFunc(fn *gir.Func) error {
	f := b.funcs[fn.Name]
	b.temps = make(map[*gir.Temporary]value.Value)
	b.slots = make(map[*gir.Slot]*ir.InstAlloca)
	b.blocks = make(map[string]*ir.Block)

	for i, p := range fn.Params {
		b.temps[p.Val] = f.Params[i]
	}
	for _, bb := range fn.Blocks {
		b.blocks[bb.Label.Name] = f.NewBlock(bb.Label.Name)
	}
	entry := b.blocks[fn.Blocks[0].Label.Name]
	for _, s := range fn.Slots {
		a := entry.NewAlloca(types.NewArray(uint64(s.Size), types.I8))
		a.Align = ir.Align(s.Align)
		b.slots[s] = a
	}

	for _, bb := range fn.Blocks {
		b.block = b.blocks[bb.Label.Name]
		for _, instr := range bb.Instructions {
			if err := b.genInstr(instr); err != nil {
				return fmt.Errorf("%s: %w", fn.Name, err)
			}
		}
	}
	return nil
}

func (b *llvmBackend) value(v gir.Value) value.Value {
	switch val := v.(type) {
	case *gir.Const:
		return constant.NewInt(types.I64, val.Value)
	case *gir.FloatConst:
		if val.Typ == gir.TypeS {
			return constant.NewFloat(types.Float, float64(float32(val.Value)))
		}
		return constant.NewFloat(types.Double, val.Value)
	case *gir.Temporary:
		return b.temps[val]
	}
	return nil
}

func (b *llvmBackend) ptr(addr gir.Value, elem types.Type) value.Value {
	return b.block.NewIntToPtr(b.value(addr), types.NewPointer(elem))
}

func (b *llvmBackend) set(res gir.Value, v value.Value) {
	if t, ok := res.(*gir.Temporary); ok {
		b.temps[t] = v
	}
}

// widen brings a comparison or narrow load back to a 64-bit value.
func (b *llvmBackend) widen(v value.Value, signed bool) value.Value {
	if signed {
		return b.block.NewSExt(v, types.I64)
	}
	return b.block.NewZExt(v, types.I64)
}

var intBinops = map[gir.Op]func(*ir.Block, value.Value, value.Value) value.Value{
	gir.OpAdd:  func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewAdd(x, y) },
	gir.OpSub:  func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewSub(x, y) },
	gir.OpMul:  func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewMul(x, y) },
	gir.OpDiv:  func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewSDiv(x, y) },
	gir.OpUDiv: func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewUDiv(x, y) },
	gir.OpRem:  func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewSRem(x, y) },
	gir.OpURem: func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewURem(x, y) },
	gir.OpAnd:  func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewAnd(x, y) },
	gir.OpOr:   func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewOr(x, y) },
	gir.OpXor:  func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewXor(x, y) },
	gir.OpShl:  func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewShl(x, y) },
	gir.OpShr:  func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewLShr(x, y) },
	gir.OpSar:  func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewAShr(x, y) },
	gir.OpAddF: func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewFAdd(x, y) },
	gir.OpSubF: func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewFSub(x, y) },
	gir.OpMulF: func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewFMul(x, y) },
	gir.OpDivF: func(bl *ir.Block, x, y value.Value) value.Value { return bl.NewFDiv(x, y) },
}

var intPreds = map[gir.Op][2]enum.IPred{
	gir.OpCEq:  {enum.IPredEQ, enum.IPredEQ},
	gir.OpCNeq: {enum.IPredNE, enum.IPredNE},
	gir.OpCLt:  {enum.IPredSLT, enum.IPredULT},
	gir.OpCGt:  {enum.IPredSGT, enum.IPredUGT},
	gir.OpCLe:  {enum.IPredSLE, enum.IPredULE},
	gir.OpCGe:  {enum.IPredSGE, enum.IPredUGE},
}

var floatPreds = map[gir.Op]enum.FPred{
	gir.OpCEq: enum.FPredOEQ, gir.OpCNeq: enum.FPredUNE, gir.OpCLt: enum.FPredOLT,
	gir.OpCGt: enum.FPredOGT, gir.OpCLe: enum.FPredOLE, gir.OpCGe: enum.FPredOGE,
}

func (b *llvmBackend) genInstr(instr *gir.Instruction) error {
	bl := b.block
	args := instr.Args

	if fn, ok := intBinops[instr.Op]; ok {
		b.set(instr.Result, fn(bl, b.value(args[0]), b.value(args[1])))
		return nil
	}
	if instr.Op.IsCompare() {
		var c value.Value
		if instr.OperandType.IsFloat() {
			c = bl.NewFCmp(floatPreds[instr.Op], b.value(args[0]), b.value(args[1]))
		} else {
			preds := intPreds[instr.Op]
			pred := preds[0]
			if instr.Unsigned {
				pred = preds[1]
			}
			c = bl.NewICmp(pred, b.value(args[0]), b.value(args[1]))
		}
		b.set(instr.Result, b.widen(c, false))
		return nil
	}

	switch instr.Op {
	case gir.OpAddr:
		switch a := args[0].(type) {
		case *gir.Slot:
			b.set(instr.Result, bl.NewPtrToInt(b.slots[a], types.I64))
		case *gir.Global:
			if g, ok := b.data[a.Name]; ok {
				b.set(instr.Result, bl.NewPtrToInt(g, types.I64))
			} else if f, ok := b.funcs[a.Name]; ok {
				b.set(instr.Result, bl.NewPtrToInt(f, types.I64))
			} else {
				return fmt.Errorf("unknown symbol %s", a.Name)
			}
		}
	case gir.OpCopy:
		b.set(instr.Result, b.value(args[0]))
	case gir.OpLoad:
		elem := llvmType(instr.Typ)
		v := value.Value(bl.NewLoad(elem, b.ptr(args[0], elem)))
		switch instr.Typ {
		case gir.TypeSB, gir.TypeSH, gir.TypeSW:
			v = b.widen(v, true)
		case gir.TypeUB, gir.TypeUH, gir.TypeUW:
			v = b.widen(v, false)
		}
		b.set(instr.Result, v)
	case gir.OpStore:
		elem := llvmType(instr.Typ)
		v := b.value(args[0])
		if it, ok := elem.(*types.IntType); ok && it.BitSize < 64 {
			v = bl.NewTrunc(v, elem)
		}
		bl.NewStore(v, b.ptr(args[1], elem))
	case gir.OpBlit:
		bl.NewCall(b.memcpy, b.ptr(args[1], types.I8), b.ptr(args[0], types.I8),
			constant.NewInt(types.I64, instr.Size), constant.False)
	case gir.OpZero:
		bl.NewCall(b.memset, b.ptr(args[0], types.I8), constant.NewInt(types.I8, 0),
			constant.NewInt(types.I64, instr.Size), constant.False)
	case gir.OpNeg:
		b.set(instr.Result, bl.NewSub(constant.NewInt(types.I64, 0), b.value(args[0])))
	case gir.OpNot:
		b.set(instr.Result, bl.NewXor(b.value(args[0]), constant.NewInt(types.I64, -1)))
	case gir.OpNegF:
		b.set(instr.Result, bl.NewFNeg(b.value(args[0])))
	case gir.OpExtSB, gir.OpExtUB, gir.OpExtSH, gir.OpExtUH, gir.OpExtSW, gir.OpExtUW:
		narrow := map[gir.Op]types.Type{
			gir.OpExtSB: types.I8, gir.OpExtUB: types.I8, gir.OpExtSH: types.I16,
			gir.OpExtUH: types.I16, gir.OpExtSW: types.I32, gir.OpExtUW: types.I32,
		}[instr.Op]
		signed := instr.Op == gir.OpExtSB || instr.Op == gir.OpExtSH || instr.Op == gir.OpExtSW
		b.set(instr.Result, b.widen(bl.NewTrunc(b.value(args[0]), narrow), signed))
	case gir.OpSToF:
		b.set(instr.Result, bl.NewSIToFP(b.value(args[0]), llvmType(instr.Typ)))
	case gir.OpUToF:
		b.set(instr.Result, bl.NewUIToFP(b.value(args[0]), llvmType(instr.Typ)))
	case gir.OpFToS:
		b.set(instr.Result, bl.NewFPToSI(b.value(args[0]), types.I64))
	case gir.OpFToU:
		b.set(instr.Result, bl.NewFPToUI(b.value(args[0]), types.I64))
	case gir.OpFToF:
		if instr.Typ == gir.TypeD {
			b.set(instr.Result, bl.NewFPExt(b.value(args[0]), types.Double))
		} else {
			b.set(instr.Result, bl.NewFPTrunc(b.value(args[0]), types.Float))
		}
	case gir.OpCall:
		callee := b.funcs[args[0].(*gir.Global).Name]
		if callee == nil {
			return fmt.Errorf("call to unknown function %s", args[0])
		}
		var vals []value.Value
		for _, a := range args[1:] {
			vals = append(vals, b.value(a))
		}
		call := bl.NewCall(callee, vals...)
		if instr.Result != nil {
			b.set(instr.Result, call)
		}
	case gir.OpJmp:
		bl.NewBr(b.blocks[args[0].(*gir.Label).Name])
	case gir.OpJnz:
		cond := bl.NewICmp(enum.IPredNE, b.value(args[0]), constant.NewInt(types.I64, 0))
		bl.NewCondBr(cond, b.blocks[args[1].(*gir.Label).Name], b.blocks[args[2].(*gir.Label).Name])
	case gir.OpRet:
		if len(args) == 0 {
			bl.NewRet(nil)
		} else {
			bl.NewRet(b.value(args[0]))
		}
	default:
		return fmt.Errorf("unsupported operation %s", instr.Op)
	}
	return nil
}
