package ir

import (
	"fmt"
	"io"
	"strings"
)

// Fprint writes a readable listing of the program.
func Fprint(w io.Writer, p *Program) {
	for _, e := range p.Externs {
		if e.IsFunc {
			fmt.Fprintf(w, "extern function %s\n", e.Name)
		} else {
			fmt.Fprintf(w, "extern data %s\n", e.Name)
		}
	}
	for _, d := range p.Data {
		if d.IsZero() {
			fmt.Fprintf(w, "data $%s align %d { z %d }\n", d.Name, d.Align, d.Size)
		} else {
			fmt.Fprintf(w, "data $%s align %d { % x }\n", d.Name, d.Align, d.Bytes)
		}
	}
	for _, f := range p.Funcs {
		var params []string
		for _, pa := range f.Params {
			params = append(params, fmt.Sprintf("%s %s", pa.Typ, pa.Val))
		}
		fmt.Fprintf(w, "\nfunction %s $%s(%s) {\n", f.ReturnType, f.Name, strings.Join(params, ", "))
		for _, s := range f.Slots {
			fmt.Fprintf(w, "\t%s = slot %d, align %d\t# %s\n", s, s.Size, s.Align, s.Name)
		}
		for _, b := range f.Blocks {
			fmt.Fprintf(w, "%s\n", b.Label)
			for _, instr := range b.Instructions {
				fmt.Fprintf(w, "\t%s\n", instr)
			}
		}
		fmt.Fprintln(w, "}")
	}
}

func (instr *Instruction) String() string {
	var sb strings.Builder
	if instr.Result != nil {
		fmt.Fprintf(&sb, "%s =%s ", instr.Result, instr.Typ)
	}
	sb.WriteString(instr.Op.String())
	switch instr.Op {
	case OpLoad, OpStore:
		sb.WriteString(instr.Typ.String())
	default:
		if instr.OperandType != TypeNone {
			sb.WriteString(instr.OperandType.String())
		}
	}
	if instr.Unsigned {
		sb.WriteString(".u")
	}
	for i, a := range instr.Args {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(a.String())
	}
	if instr.Op == OpBlit || instr.Op == OpZero {
		fmt.Fprintf(&sb, ", %d", instr.Size)
	}
	return sb.String()
}
