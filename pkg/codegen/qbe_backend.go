package codegen

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xplshn/gstc/pkg/config"
	"github.com/xplshn/gstc/pkg/ir"
)

// qbeBackend renders the IR as QBE intermediate language. Every integer
// temporary is a long; slots become alloc instructions in the start block.
type qbeBackend struct {
	out       *strings.Builder
	prog      *ir.Program
	currentFn *ir.Func
	ilOnly    bool
	zeroCount int
}

func NewQBEBackend() Backend { return &qbeBackend{} }

// GenerateIR returns the QBE IL of prog.
func (b *qbeBackend) GenerateIR(prog *ir.Program, cfg *config.Config) (string, error) {
	var sb strings.Builder
	b.out = &sb
	b.prog = prog
	b.gen()
	return sb.String(), nil
}

func (b *qbeBackend) gen() {
	for _, d := range b.prog.Data {
		b.genData(d)
	}
	for _, fn := range b.prog.Funcs {
		b.genFunc(fn)
	}
}

func (b *qbeBackend) genData(d *ir.Data) {
	fmt.Fprintf(b.out, "export data $%s = align %d { ", d.Name, d.Align)
	if d.Bytes == nil {
		fmt.Fprintf(b.out, "z %d }\n", d.Size)
		return
	}
	for i, c := range d.Bytes {
		if i > 0 {
			b.out.WriteString(", ")
		}
		fmt.Fprintf(b.out, "b %d", c)
	}
	b.out.WriteString(" }\n")
}

func (b *qbeBackend) genFunc(fn *ir.Func) {
	b.currentFn = fn
	retTypeStr := b.formatType(fn.ReturnType)
	if retTypeStr != "" {
		retTypeStr = " " + retTypeStr
	}

	fmt.Fprintf(b.out, "\nexport function%s $%s(", retTypeStr, fn.Name)
	for i, p := range fn.Params {
		fmt.Fprintf(b.out, "%s %s", b.formatType(p.Typ), b.formatValue(p.Val))
		if i < len(fn.Params)-1 {
			b.out.WriteString(", ")
		}
	}
	b.out.WriteString(") {\n")

	for i, block := range fn.Blocks {
		fmt.Fprintf(b.out, "@%s\n", block.Label.Name)
		if i == 0 {
			for _, s := range fn.Slots {
				fmt.Fprintf(b.out, "\t%s =l %s %d\n", b.formatValue(s), allocOp(s.Align), s.Size)
			}
		}
		for _, instr := range block.Instructions {
			b.genInstr(instr)
		}
	}
	b.out.WriteString("}\n")
}

func allocOp(align int64) string {
	switch {
	case align <= 4:
		return "alloc4"
	case align <= 8:
		return "alloc8"
	}
	return "alloc16"
}

func (b *qbeBackend) genInstr(instr *ir.Instruction) {
	switch instr.Op {
	case ir.OpCall:
		b.genCall(instr)
		return
	case ir.OpZero:
		b.genZero(instr)
		return
	case ir.OpBlit:
		fmt.Fprintf(b.out, "\tblit %s, %s, %d\n", b.formatValue(instr.Args[0]), b.formatValue(instr.Args[1]), instr.Size)
		return
	case ir.OpNot:
		fmt.Fprintf(b.out, "\t%s =l xor %s, -1\n", b.formatValue(instr.Result), b.formatValue(instr.Args[0]))
		return
	}

	b.out.WriteString("\t")
	if instr.Result != nil {
		resultType := instr.Typ
		switch {
		case instr.Op == ir.OpLoad && !resultType.IsFloat():
			resultType = ir.TypeL
		case instr.Op.IsCompare():
			resultType = ir.TypeL
		}
		fmt.Fprintf(b.out, "%s =%s ", b.formatValue(instr.Result), b.formatType(resultType))
	}

	b.out.WriteString(b.formatOp(instr))
	for i, arg := range instr.Args {
		if i == 0 {
			b.out.WriteString(" ")
		} else {
			b.out.WriteString(", ")
		}
		b.out.WriteString(b.formatValue(arg))
	}
	b.out.WriteString("\n")
}

// genZero clears small objects with stores and larger ones through memset.
func (b *qbeBackend) genZero(instr *ir.Instruction) {
	addr := b.formatValue(instr.Args[0])
	if instr.Size > 64 {
		fmt.Fprintf(b.out, "\tcall $memset(l %s, w 0, l %d)\n", addr, instr.Size)
		return
	}
	for off := int64(0); off < instr.Size; {
		n := int64(8)
		for off+n > instr.Size {
			n /= 2
		}
		tmp := fmt.Sprintf("%%.z_%d", b.zeroCount)
		b.zeroCount++
		fmt.Fprintf(b.out, "\t%s =l add %s, %d\n", tmp, addr, off)
		fmt.Fprintf(b.out, "\tstore%s 0, %s\n", b.formatType(ir.StoreType(n)), tmp)
		off += n
	}
}

func (b *qbeBackend) genCall(instr *ir.Instruction) {
	b.out.WriteString("\t")
	if instr.Result != nil {
		fmt.Fprintf(b.out, "%s =%s ", b.formatValue(instr.Result), b.formatType(instr.Typ))
	}
	fmt.Fprintf(b.out, "call %s(", b.formatValue(instr.Args[0]))
	for i, arg := range instr.Args[1:] {
		if i > 0 {
			b.out.WriteString(", ")
		}
		fmt.Fprintf(b.out, "%s %s", b.formatType(instr.ArgTypes[i]), b.formatValue(arg))
	}
	b.out.WriteString(")\n")
}

func (b *qbeBackend) formatValue(v ir.Value) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case *ir.Const:
		return strconv.FormatInt(val.Value, 10)
	case *ir.FloatConst:
		if val.Typ == ir.TypeS {
			return "s_" + strconv.FormatFloat(float64(float32(val.Value)), 'g', -1, 32)
		}
		return "d_" + strconv.FormatFloat(val.Value, 'g', -1, 64)
	case *ir.Global:
		return "$" + val.Name
	case *ir.Temporary:
		if val.Name != "" {
			return fmt.Sprintf("%%.%s_%d", val.Name, val.ID)
		}
		return fmt.Sprintf("%%t%d", val.ID)
	case *ir.Slot:
		return fmt.Sprintf("%%s%d", val.ID)
	case *ir.Label:
		return "@" + val.Name
	}
	return ""
}

func (b *qbeBackend) formatType(t ir.Type) string {
	switch t {
	case ir.TypeB:
		return "b"
	case ir.TypeH:
		return "h"
	case ir.TypeW:
		return "w"
	case ir.TypeL:
		return "l"
	case ir.TypeS:
		return "s"
	case ir.TypeD:
		return "d"
	}
	return ""
}

func (b *qbeBackend) formatOp(instr *ir.Instruction) string {
	argType := b.formatType(instr.OperandType)
	isFloat := instr.OperandType.IsFloat()

	cmp := func(base string) string {
		switch {
		case isFloat:
			return "c" + base + argType
		case instr.Unsigned:
			return "cu" + base + argType
		}
		return "cs" + base + argType
	}

	switch instr.Op {
	case ir.OpLoad:
		return "load" + instr.Typ.String()
	case ir.OpStore:
		return "store" + b.formatType(instr.Typ)
	case ir.OpAddr, ir.OpCopy:
		return "copy"
	case ir.OpAdd, ir.OpAddF:
		return "add"
	case ir.OpSub, ir.OpSubF:
		return "sub"
	case ir.OpMul, ir.OpMulF:
		return "mul"
	case ir.OpDiv, ir.OpDivF:
		return "div"
	case ir.OpUDiv:
		return "udiv"
	case ir.OpRem:
		return "rem"
	case ir.OpURem:
		return "urem"
	case ir.OpAnd:
		return "and"
	case ir.OpOr:
		return "or"
	case ir.OpXor:
		return "xor"
	case ir.OpShl:
		return "shl"
	case ir.OpShr:
		return "shr"
	case ir.OpSar:
		return "sar"
	case ir.OpNeg, ir.OpNegF:
		return "neg"
	case ir.OpCEq:
		return "ceq" + argType
	case ir.OpCNeq:
		return "cne" + argType
	case ir.OpCLt:
		return cmp("lt")
	case ir.OpCGt:
		return cmp("gt")
	case ir.OpCLe:
		return cmp("le")
	case ir.OpCGe:
		return cmp("ge")
	case ir.OpExtSB, ir.OpExtUB, ir.OpExtSH, ir.OpExtUH, ir.OpExtSW, ir.OpExtUW:
		return instr.Op.String()
	case ir.OpSToF:
		return "sltof"
	case ir.OpUToF:
		return "ultof"
	case ir.OpFToS:
		return argType + "tosi"
	case ir.OpFToU:
		return argType + "toui"
	case ir.OpFToF:
		if instr.Typ == ir.TypeD {
			return "exts"
		}
		return "truncd"
	case ir.OpJmp:
		return "jmp"
	case ir.OpJnz:
		return "jnz"
	case ir.OpRet:
		return "ret"
	}
	return "unknown_op"
}
