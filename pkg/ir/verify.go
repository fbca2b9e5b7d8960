package ir

import "fmt"

// Verify checks the structural invariants the backends rely on: every block
// ends in exactly one terminator, temporaries are defined before use in the
// block that uses them, and each function returns from its last block only.
func (p *Program) Verify() error {
	for _, f := range p.Funcs {
		if err := f.verify(); err != nil {
			return fmt.Errorf("function %s: %w", f.Name, err)
		}
	}
	return nil
}

func (f *Func) verify() error {
	if len(f.Blocks) == 0 {
		return fmt.Errorf("no blocks")
	}
	labels := make(map[string]bool, len(f.Blocks))
	for _, b := range f.Blocks {
		if labels[b.Label.Name] {
			return fmt.Errorf("duplicate label %s", b.Label)
		}
		labels[b.Label.Name] = true
	}

	params := make(map[*Temporary]bool, len(f.Params))
	for _, p := range f.Params {
		params[p.Val] = true
	}

	rets := 0
	for bi, b := range f.Blocks {
		defined := make(map[*Temporary]bool)
		if bi == 0 {
			for t := range params {
				defined[t] = true
			}
		}
		n := len(b.Instructions)
		if n == 0 || !b.Instructions[n-1].Op.IsTerminator() {
			return fmt.Errorf("block %s does not end in a terminator", b.Label)
		}
		for i, instr := range b.Instructions {
			if instr.Op.IsTerminator() && i != n-1 {
				return fmt.Errorf("block %s has %s before its end", b.Label, instr.Op)
			}
			for _, a := range instr.Args {
				switch v := a.(type) {
				case *Temporary:
					if !defined[v] {
						return fmt.Errorf("block %s uses %s outside its defining block", b.Label, v)
					}
				case *Label:
					if !labels[v.Name] {
						return fmt.Errorf("block %s jumps to unknown label %s", b.Label, v)
					}
				case *Global:
					if instr.Op != OpAddr && !(instr.Op == OpCall && a == instr.Args[0]) {
						return fmt.Errorf("block %s uses %s as a value", b.Label, v)
					}
				}
			}
			if t, ok := instr.Result.(*Temporary); ok {
				defined[t] = true
			}
			if instr.Op == OpRet {
				rets++
				if bi != len(f.Blocks)-1 {
					return fmt.Errorf("return outside the exit block")
				}
			}
		}
	}
	if rets != 1 {
		return fmt.Errorf("%d return instructions", rets)
	}
	return nil
}
