package codegen

import (
	"debug/elf"
	"fmt"
	"math"

	"github.com/xplshn/gstc/pkg/asm/amd64"
	"github.com/xplshn/gstc/pkg/ir"
	"github.com/xplshn/gstc/pkg/object"
	"github.com/xplshn/gstc/pkg/token"
	"github.com/xplshn/gstc/pkg/util"
)

// nativeBackend translates IR to x86-64 for the System V ABI. Every
// temporary gets its own 8-byte frame slot below the IR slots; instructions
// load their operands into rax and rcx, compute, and store the result back.
type nativeBackend struct {
	a     *amd64.Assembler
	fn    *ir.Func
	temps map[*ir.Temporary]int32
	slots map[*ir.Slot]int32
	local int
}

// CompileNative generates position independent machine code and data for
// prog. The module name is left for the caller to set.
func CompileNative(prog *ir.Program) (*object.Module, error) {
	b := &nativeBackend{a: amd64.New()}
	m := &object.Module{DataAlign: 1, BSSAlign: 1}
	defined := make(map[string]bool)

	for _, d := range prog.Data {
		e := object.Export{Name: d.Name, Kind: object.KindObject, Size: uint64(d.Size), Align: uint64(d.Align)}
		if d.IsZero() {
			e.Section = object.SectionBSS
			e.Offset = alignUp64(m.BSSSize, e.Align)
			m.BSSSize = e.Offset + e.Size
			m.BSSAlign = max(m.BSSAlign, e.Align)
		} else {
			e.Section = object.SectionData
			e.Offset = alignUp64(uint64(len(m.Data)), e.Align)
			m.Data = append(m.Data, make([]byte, e.Offset-uint64(len(m.Data)))...)
			m.Data = append(m.Data, d.Bytes...)
			m.Data = append(m.Data, make([]byte, e.Offset+e.Size-uint64(len(m.Data)))...)
			m.DataAlign = max(m.DataAlign, e.Align)
		}
		m.Exports = append(m.Exports, e)
		defined[d.Name] = true
	}

	for _, fn := range prog.Funcs {
		b.a.Align(16)
		start := b.a.Len()
		if err := b.genFunc(fn); err != nil {
			return nil, err
		}
		m.Exports = append(m.Exports, object.Export{
			Name: fn.Name, Section: object.SectionText, Kind: object.KindFunc,
			Offset: uint64(start), Size: uint64(b.a.Len() - start), Align: 16,
		})
		defined[fn.Name] = true
	}

	code, relocs, err := b.a.Finish()
	if err != nil {
		return nil, util.Wrap(util.InternalError, err, "assembling")
	}
	m.Text = code
	for _, r := range relocs {
		typ := elf.R_X86_64_PLT32
		if r.Kind == amd64.RelocGOTPCRELX {
			typ = elf.R_X86_64_REX_GOTPCRELX
		}
		m.Relocs = append(m.Relocs, object.Relocation{
			Offset: uint64(r.Offset), Symbol: r.Symbol, Type: typ, Addend: r.Addend, External: !defined[r.Symbol],
		})
	}
	for _, x := range prog.Externs {
		k := object.KindObject
		if x.IsFunc {
			k = object.KindFunc
		}
		m.Externals = append(m.Externals, object.External{Name: x.Name, Kind: k})
	}
	return m, nil
}

func alignUp64(v, a uint64) uint64 {
	if a <= 1 {
		return v
	}
	return (v + a - 1) / a * a
}

func (b *nativeBackend) label(name string) string { return b.fn.Name + "@" + name }

func (b *nativeBackend) localLabel() string {
	b.local++
	return fmt.Sprintf("%s@.c%d", b.fn.Name, b.local)
}

// layout assigns frame offsets below rbp and returns the frame size.
func (b *nativeBackend) layout(fn *ir.Func) (int32, error) {
	b.temps = make(map[*ir.Temporary]int32)
	b.slots = make(map[*ir.Slot]int32)
	var off int64
	for _, s := range fn.Slots {
		off = int64(alignUp64(uint64(off+s.Size), uint64(max(s.Align, 1))))
		b.slots[s] = int32(-off)
		if off > maxObjectSize {
			break
		}
	}
	addTemp := func(t *ir.Temporary) {
		if _, ok := b.temps[t]; !ok {
			off += 8
			b.temps[t] = int32(-off)
		}
	}
	off = int64(alignUp64(uint64(off), 8))
	for _, p := range fn.Params {
		addTemp(p.Val)
	}
	for _, blk := range fn.Blocks {
		for _, in := range blk.Instructions {
			if t, ok := in.Result.(*ir.Temporary); ok {
				addTemp(t)
			}
		}
	}
	frame := int64(alignUp64(uint64(off), 16))
	if frame > maxObjectSize {
		return 0, util.Errorf(util.CodegenError, fnToken(fn), "stack frame of '%s' needs %d bytes, more than 2 GiB", fn.Name, frame)
	}
	return int32(frame), nil
}

func fnToken(fn *ir.Func) token.Token {
	if fn.Node != nil {
		return fn.Node.Tok
	}
	return token.Token{FileIndex: -1}
}

func (b *nativeBackend) genFunc(fn *ir.Func) error {
	b.fn = fn
	b.local = 0
	frame, err := b.layout(fn)
	if err != nil {
		return err
	}

	a := b.a
	a.Push(amd64.RBP)
	a.Mov(amd64.RBP, amd64.RSP)
	if frame > 0 {
		a.SubImm(amd64.RSP, frame)
	}

	nInt, nFloat, nStack := 0, 0, 0
	for _, p := range fn.Params {
		at := b.tempMem(p.Val)
		switch {
		case p.Typ.IsFloat() && nFloat < len(amd64.FloatArgRegs):
			a.MovqFromXmm(amd64.RAX, amd64.FloatArgRegs[nFloat])
			a.Store(amd64.Quad, at, amd64.RAX)
			nFloat++
		case !p.Typ.IsFloat() && nInt < len(amd64.IntArgRegs):
			a.Store(amd64.Quad, at, amd64.IntArgRegs[nInt])
			nInt++
		default:
			if err := a.Load(amd64.Quad, false, amd64.RAX, amd64.At(amd64.RBP, int32(16+8*nStack))); err != nil {
				return err
			}
			a.Store(amd64.Quad, at, amd64.RAX)
			nStack++
		}
	}

	for i, blk := range fn.Blocks {
		if err := a.Mark(b.label(blk.Label.Name)); err != nil {
			return util.Wrap(util.InternalError, err, "function %s", fn.Name)
		}
		var next string
		if i+1 < len(fn.Blocks) {
			next = fn.Blocks[i+1].Label.Name
		}
		for _, in := range blk.Instructions {
			if err := b.genInstr(in, next); err != nil {
				return util.Wrap(util.InternalError, err, "function %s, block %s", fn.Name, blk.Label.Name)
			}
		}
	}
	return nil
}

func (b *nativeBackend) tempMem(t *ir.Temporary) amd64.Mem {
	return amd64.At(amd64.RBP, b.temps[t])
}

// loadValue materializes v in r without touching any other register.
func (b *nativeBackend) loadValue(r amd64.Reg, v ir.Value) error {
	switch v := v.(type) {
	case *ir.Const:
		b.a.MovImm(r, v.Value)
	case *ir.FloatConst:
		b.a.MovImm(r, floatBits(v.Value, v.Typ))
	case *ir.Temporary:
		off, ok := b.temps[v]
		if !ok {
			return fmt.Errorf("temporary %s has no frame slot", v)
		}
		return b.a.Load(amd64.Quad, false, r, amd64.At(amd64.RBP, off))
	case *ir.Slot:
		off, ok := b.slots[v]
		if !ok {
			return fmt.Errorf("slot %s does not belong to this function", v)
		}
		b.a.Lea(r, amd64.At(amd64.RBP, off))
	case *ir.Global:
		b.a.LoadAddr(r, v.Name)
	default:
		return fmt.Errorf("cannot materialize %v", v)
	}
	return nil
}

func floatBits(f float64, t ir.Type) int64 {
	if t == ir.TypeS {
		return int64(math.Float32bits(float32(f)))
	}
	return int64(math.Float64bits(f))
}

func (b *nativeBackend) setResult(in *ir.Instruction, r amd64.Reg) error {
	t, ok := in.Result.(*ir.Temporary)
	if !ok {
		return fmt.Errorf("%s result is not a temporary", in.Op)
	}
	b.a.Store(amd64.Quad, b.tempMem(t), r)
	return nil
}

func (b *nativeBackend) loadPair(in *ir.Instruction) error {
	if err := b.loadValue(amd64.RAX, in.Args[0]); err != nil {
		return err
	}
	return b.loadValue(amd64.RCX, in.Args[1])
}

// loadFloats puts the two operands in xmm0 and xmm1.
func (b *nativeBackend) loadFloats(in *ir.Instruction) error {
	for i, x := range []amd64.Xmm{amd64.X0, amd64.X1} {
		if err := b.loadValue(amd64.RAX, in.Args[i]); err != nil {
			return err
		}
		b.a.MovqToXmm(x, amd64.RAX)
	}
	return nil
}

var (
	nativeIntOps = map[ir.Op]func(a *amd64.Assembler, dst, src amd64.Reg){
		ir.OpAdd: (*amd64.Assembler).Add,
		ir.OpSub: (*amd64.Assembler).Sub,
		ir.OpMul: (*amd64.Assembler).Imul,
		ir.OpAnd: (*amd64.Assembler).And,
		ir.OpOr:  (*amd64.Assembler).Or,
		ir.OpXor: (*amd64.Assembler).Xor,
	}
	nativeShifts = map[ir.Op]func(a *amd64.Assembler, r amd64.Reg){
		ir.OpShl: (*amd64.Assembler).ShlCL,
		ir.OpShr: (*amd64.Assembler).ShrCL,
		ir.OpSar: (*amd64.Assembler).SarCL,
	}
	nativeFloatOps = map[ir.Op]byte{
		ir.OpAddF: amd64.SSEAdd,
		ir.OpSubF: amd64.SSESub,
		ir.OpMulF: amd64.SSEMul,
		ir.OpDivF: amd64.SSEDiv,
	}
)

func (b *nativeBackend) genInstr(in *ir.Instruction, next string) error {
	a := b.a
	if op, ok := nativeIntOps[in.Op]; ok {
		if err := b.loadPair(in); err != nil {
			return err
		}
		op(a, amd64.RAX, amd64.RCX)
		return b.setResult(in, amd64.RAX)
	}
	if op, ok := nativeShifts[in.Op]; ok {
		if err := b.loadPair(in); err != nil {
			return err
		}
		op(a, amd64.RAX)
		return b.setResult(in, amd64.RAX)
	}
	if op, ok := nativeFloatOps[in.Op]; ok {
		if err := b.loadFloats(in); err != nil {
			return err
		}
		a.Arith(op, in.Typ == ir.TypeD, amd64.X0, amd64.X1)
		a.MovqFromXmm(amd64.RAX, amd64.X0)
		return b.setResult(in, amd64.RAX)
	}
	if in.Op.IsCompare() {
		return b.genCompare(in)
	}

	switch in.Op {
	case ir.OpDiv, ir.OpRem, ir.OpUDiv, ir.OpURem:
		if err := b.loadPair(in); err != nil {
			return err
		}
		if in.Op == ir.OpDiv || in.Op == ir.OpRem {
			a.Cqo()
			a.Idiv(amd64.RCX)
		} else {
			a.Xor(amd64.RDX, amd64.RDX)
			a.Div(amd64.RCX)
		}
		if in.Op == ir.OpRem || in.Op == ir.OpURem {
			return b.setResult(in, amd64.RDX)
		}
		return b.setResult(in, amd64.RAX)

	case ir.OpCopy, ir.OpAddr:
		if err := b.loadValue(amd64.RAX, in.Args[0]); err != nil {
			return err
		}
		return b.setResult(in, amd64.RAX)

	case ir.OpNeg, ir.OpNot, ir.OpNegF:
		if err := b.loadValue(amd64.RAX, in.Args[0]); err != nil {
			return err
		}
		switch in.Op {
		case ir.OpNeg:
			a.Neg(amd64.RAX)
		case ir.OpNot:
			a.Not(amd64.RAX)
		default:
			sign := int64(math.MinInt64)
			if in.Typ == ir.TypeS {
				sign = 0x80000000
			}
			a.MovImm(amd64.RCX, sign)
			a.Xor(amd64.RAX, amd64.RCX)
		}
		return b.setResult(in, amd64.RAX)

	case ir.OpExtSB, ir.OpExtUB, ir.OpExtSH, ir.OpExtUH, ir.OpExtSW, ir.OpExtUW:
		if err := b.loadValue(amd64.RAX, in.Args[0]); err != nil {
			return err
		}
		w, signed := extWidth(in.Op)
		if err := a.Extend(w, signed, amd64.RAX); err != nil {
			return err
		}
		return b.setResult(in, amd64.RAX)

	case ir.OpLoad:
		if err := b.loadValue(amd64.RCX, in.Args[0]); err != nil {
			return err
		}
		w, signed := memWidth(in.Typ)
		if err := a.Load(w, signed, amd64.RAX, amd64.At(amd64.RCX, 0)); err != nil {
			return err
		}
		return b.setResult(in, amd64.RAX)

	case ir.OpStore:
		if err := b.loadPair(in); err != nil {
			return err
		}
		w, _ := memWidth(in.Typ)
		a.Store(w, amd64.At(amd64.RCX, 0), amd64.RAX)
		return nil

	case ir.OpBlit:
		if err := b.loadValue(amd64.RSI, in.Args[0]); err != nil {
			return err
		}
		if err := b.loadValue(amd64.RDI, in.Args[1]); err != nil {
			return err
		}
		a.MovImm(amd64.RCX, in.Size)
		a.RepMovsb()
		return nil

	case ir.OpZero:
		if err := b.loadValue(amd64.RDI, in.Args[0]); err != nil {
			return err
		}
		a.Xor(amd64.RAX, amd64.RAX)
		a.MovImm(amd64.RCX, in.Size)
		a.RepStosb()
		return nil

	case ir.OpSToF, ir.OpUToF, ir.OpFToS, ir.OpFToU, ir.OpFToF:
		return b.genConvert(in)

	case ir.OpCall:
		return b.genCall(in)

	case ir.OpJmp:
		if target := in.Args[0].(*ir.Label).Name; target != next {
			a.Jmp(b.label(target))
		}
		return nil

	case ir.OpJnz:
		if err := b.loadValue(amd64.RAX, in.Args[0]); err != nil {
			return err
		}
		a.Test(amd64.RAX, amd64.RAX)
		a.Jcc(amd64.CondNE, b.label(in.Args[1].(*ir.Label).Name))
		if f := in.Args[2].(*ir.Label).Name; f != next {
			a.Jmp(b.label(f))
		}
		return nil

	case ir.OpRet:
		if len(in.Args) > 0 {
			if err := b.loadValue(amd64.RAX, in.Args[0]); err != nil {
				return err
			}
			if b.fn.ReturnType.IsFloat() {
				a.MovqToXmm(amd64.X0, amd64.RAX)
			}
		}
		a.Leave()
		a.Ret()
		return nil
	}
	return fmt.Errorf("no native lowering for %s", in.Op)
}

func extWidth(op ir.Op) (amd64.Width, bool) {
	switch op {
	case ir.OpExtSB:
		return amd64.Byte, true
	case ir.OpExtUB:
		return amd64.Byte, false
	case ir.OpExtSH:
		return amd64.Half, true
	case ir.OpExtUH:
		return amd64.Half, false
	case ir.OpExtSW:
		return amd64.Word, true
	}
	return amd64.Word, false
}

// memWidth maps a memory type to its access width and signedness.
func memWidth(t ir.Type) (amd64.Width, bool) {
	switch t {
	case ir.TypeB, ir.TypeUB:
		return amd64.Byte, false
	case ir.TypeSB:
		return amd64.Byte, true
	case ir.TypeH, ir.TypeUH:
		return amd64.Half, false
	case ir.TypeSH:
		return amd64.Half, true
	case ir.TypeW, ir.TypeUW, ir.TypeS:
		return amd64.Word, false
	case ir.TypeSW:
		return amd64.Word, true
	}
	return amd64.Quad, false
}

var (
	signedConds   = map[ir.Op]amd64.Cond{ir.OpCEq: amd64.CondE, ir.OpCNeq: amd64.CondNE, ir.OpCLt: amd64.CondL, ir.OpCGt: amd64.CondG, ir.OpCLe: amd64.CondLE, ir.OpCGe: amd64.CondGE}
	unsignedConds = map[ir.Op]amd64.Cond{ir.OpCEq: amd64.CondE, ir.OpCNeq: amd64.CondNE, ir.OpCLt: amd64.CondB, ir.OpCGt: amd64.CondA, ir.OpCLe: amd64.CondBE, ir.OpCGe: amd64.CondAE}
)

// genCompare produces 0 or 1. Float comparisons with a NaN operand are false
// except for <>.
func (b *nativeBackend) genCompare(in *ir.Instruction) error {
	a := b.a
	if !in.OperandType.IsFloat() {
		if err := b.loadPair(in); err != nil {
			return err
		}
		a.Cmp(amd64.RAX, amd64.RCX)
		conds := signedConds
		if in.Unsigned {
			conds = unsignedConds
		}
		a.Setcc(conds[in.Op], amd64.RAX)
		return b.setResult(in, amd64.RAX)
	}

	if err := b.loadFloats(in); err != nil {
		return err
	}
	d := in.OperandType == ir.TypeD
	switch in.Op {
	case ir.OpCEq:
		a.Ucomis(d, amd64.X0, amd64.X1)
		a.Setcc(amd64.CondE, amd64.RAX)
		a.Setcc(amd64.CondNP, amd64.RCX)
		a.And(amd64.RAX, amd64.RCX)
	case ir.OpCNeq:
		a.Ucomis(d, amd64.X0, amd64.X1)
		a.Setcc(amd64.CondNE, amd64.RAX)
		a.Setcc(amd64.CondP, amd64.RCX)
		a.Or(amd64.RAX, amd64.RCX)
	case ir.OpCGt:
		a.Ucomis(d, amd64.X0, amd64.X1)
		a.Setcc(amd64.CondA, amd64.RAX)
	case ir.OpCGe:
		a.Ucomis(d, amd64.X0, amd64.X1)
		a.Setcc(amd64.CondAE, amd64.RAX)
	case ir.OpCLt:
		a.Ucomis(d, amd64.X1, amd64.X0)
		a.Setcc(amd64.CondA, amd64.RAX)
	case ir.OpCLe:
		a.Ucomis(d, amd64.X1, amd64.X0)
		a.Setcc(amd64.CondAE, amd64.RAX)
	}
	return b.setResult(in, amd64.RAX)
}

func (b *nativeBackend) genConvert(in *ir.Instruction) error {
	a := b.a
	if err := b.loadValue(amd64.RAX, in.Args[0]); err != nil {
		return err
	}
	switch in.Op {
	case ir.OpSToF:
		a.CvtIntToFloat(in.Typ == ir.TypeD, amd64.X0, amd64.RAX)
		a.MovqFromXmm(amd64.RAX, amd64.X0)

	case ir.OpUToF:
		// Values with the top bit set are halved, rounding to odd, then
		// doubled after conversion.
		d := in.Typ == ir.TypeD
		big, done := b.localLabel(), b.localLabel()
		a.Test(amd64.RAX, amd64.RAX)
		a.Jcc(amd64.CondS, big)
		a.CvtIntToFloat(d, amd64.X0, amd64.RAX)
		a.Jmp(done)
		if err := a.Mark(big); err != nil {
			return err
		}
		a.Mov(amd64.RCX, amd64.RAX)
		a.ShrImm(amd64.RCX, 1)
		a.MovImm(amd64.RDX, 1)
		a.And(amd64.RAX, amd64.RDX)
		a.Or(amd64.RCX, amd64.RAX)
		a.CvtIntToFloat(d, amd64.X0, amd64.RCX)
		a.Arith(amd64.SSEAdd, d, amd64.X0, amd64.X0)
		if err := a.Mark(done); err != nil {
			return err
		}
		a.MovqFromXmm(amd64.RAX, amd64.X0)

	case ir.OpFToS:
		a.MovqToXmm(amd64.X0, amd64.RAX)
		a.CvtFloatToInt(in.OperandType == ir.TypeD, amd64.RAX, amd64.X0)

	case ir.OpFToU:
		// At or above 2^63 the value is rebased before the signed conversion.
		d := in.OperandType == ir.TypeD
		big, done := b.localLabel(), b.localLabel()
		a.MovqToXmm(amd64.X0, amd64.RAX)
		a.MovImm(amd64.RCX, floatBits(1<<63, in.OperandType))
		a.MovqToXmm(amd64.X1, amd64.RCX)
		a.Ucomis(d, amd64.X0, amd64.X1)
		a.Jcc(amd64.CondAE, big)
		a.CvtFloatToInt(d, amd64.RAX, amd64.X0)
		a.Jmp(done)
		if err := a.Mark(big); err != nil {
			return err
		}
		a.Arith(amd64.SSESub, d, amd64.X0, amd64.X1)
		a.CvtFloatToInt(d, amd64.RAX, amd64.X0)
		a.MovImm(amd64.RCX, math.MinInt64)
		a.Xor(amd64.RAX, amd64.RCX)
		if err := a.Mark(done); err != nil {
			return err
		}

	case ir.OpFToF:
		a.MovqToXmm(amd64.X0, amd64.RAX)
		a.CvtFloat(in.Typ != ir.TypeD, amd64.X0, amd64.X0)
		a.MovqFromXmm(amd64.RAX, amd64.X0)
	}
	return b.setResult(in, amd64.RAX)
}

// genCall passes the first six integer and eight float arguments in
// registers and the rest on the stack, keeping rsp 16-byte aligned.
func (b *nativeBackend) genCall(in *ir.Instruction) error {
	a := b.a
	callee, ok := in.Args[0].(*ir.Global)
	if !ok {
		return fmt.Errorf("indirect call")
	}
	args := in.Args[1:]

	var ints, floats, stack []int
	for i := range args {
		isFloat := in.ArgTypes[i].IsFloat()
		switch {
		case isFloat && len(floats) < len(amd64.FloatArgRegs):
			floats = append(floats, i)
		case !isFloat && len(ints) < len(amd64.IntArgRegs):
			ints = append(ints, i)
		default:
			stack = append(stack, i)
		}
	}

	cleanup := int32(8 * len(stack))
	if len(stack)%2 != 0 {
		a.SubImm(amd64.RSP, 8)
		cleanup += 8
	}
	for i := len(stack) - 1; i >= 0; i-- {
		if err := b.loadValue(amd64.RAX, args[stack[i]]); err != nil {
			return err
		}
		a.Push(amd64.RAX)
	}
	for j, i := range floats {
		if err := b.loadValue(amd64.RAX, args[i]); err != nil {
			return err
		}
		a.MovqToXmm(amd64.FloatArgRegs[j], amd64.RAX)
	}
	for j, i := range ints {
		if err := b.loadValue(amd64.IntArgRegs[j], args[i]); err != nil {
			return err
		}
	}

	a.CallSym(callee.Name)
	if cleanup > 0 {
		a.AddImm(amd64.RSP, cleanup)
	}
	if in.Result == nil {
		return nil
	}
	if in.Typ.IsFloat() {
		a.MovqFromXmm(amd64.RAX, amd64.X0)
	}
	return b.setResult(in, amd64.RAX)
}
