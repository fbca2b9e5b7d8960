package ir

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// clamp builds: function l $clamp(l %x.0) { if x < 0 return 0 else return x }
func clamp() *Func {
	x := &Temporary{Name: "x", ID: 0}
	c := &Temporary{ID: 1}
	res := &Slot{Name: "clamp", ID: 0, Size: 8, Align: 8}
	v := &Temporary{ID: 2}
	start, neg, pos, exit := &Label{"start"}, &Label{"neg"}, &Label{"pos"}, &Label{"exit"}
	return &Func{
		Name:       "clamp",
		Params:     []*Param{{Name: "x", Typ: TypeL, Val: x}},
		ReturnType: TypeL,
		Slots:      []*Slot{res},
		Blocks: []*BasicBlock{
			{Label: start, Instructions: []*Instruction{
				{Op: OpCLt, Typ: TypeL, OperandType: TypeL, Result: c, Args: []Value{x, &Const{0}}},
				{Op: OpStore, Typ: TypeL, Args: []Value{x, res}},
				{Op: OpJnz, Args: []Value{c, neg, pos}},
			}},
			{Label: neg, Instructions: []*Instruction{
				{Op: OpStore, Typ: TypeL, Args: []Value{&Const{0}, res}},
				{Op: OpJmp, Args: []Value{exit}},
			}},
			{Label: pos, Instructions: []*Instruction{
				{Op: OpJmp, Args: []Value{exit}},
			}},
			{Label: exit, Instructions: []*Instruction{
				{Op: OpLoad, Typ: TypeL, Result: v, Args: []Value{res}},
				{Op: OpRet, Args: []Value{v}},
			}},
		},
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()

	if err := (&Program{Funcs: []*Func{clamp()}}).Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(f *Func)
		want   string
	}{
		{"no blocks", func(f *Func) { f.Blocks = nil }, "no blocks"},
		{"duplicate label", func(f *Func) { f.Blocks[2].Label = &Label{"neg"} }, "duplicate label @neg"},
		{"missing terminator", func(f *Func) {
			b := f.Blocks[2]
			b.Instructions = nil
		}, "block @pos does not end in a terminator"},
		{"early terminator", func(f *Func) {
			b := f.Blocks[1]
			b.Instructions = append([]*Instruction{{Op: OpJmp, Args: []Value{&Label{"exit"}}}}, b.Instructions...)
		}, "block @neg has jmp before its end"},
		{"temporary from another block", func(f *Func) {
			c := f.Blocks[0].Instructions[0].Result
			f.Blocks[1].Instructions[0].Args[0] = c
		}, "block @neg uses %t1 outside its defining block"},
		{"unknown label", func(f *Func) {
			f.Blocks[2].Instructions[0].Args[0] = &Label{"nowhere"}
		}, "jumps to unknown label @nowhere"},
		{"global as value", func(f *Func) {
			f.Blocks[1].Instructions[0].Args[0] = &Global{"g"}
		}, "block @neg uses $g as a value"},
		{"return outside exit", func(f *Func) {
			f.Blocks[2].Instructions[0] = &Instruction{Op: OpRet}
		}, "return outside the exit block"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := clamp()
			tt.mutate(f)
			err := (&Program{Funcs: []*Func{f}}).Verify()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Verify() = %v, want %q", err, tt.want)
			}
			if err != nil && !strings.HasPrefix(err.Error(), "function clamp: ") {
				t.Errorf("error does not name the function: %v", err)
			}
		})
	}
}

func TestFprint(t *testing.T) {
	t.Parallel()

	p := &Program{
		Externs: []*Extern{{Name: "Ext", IsFunc: true}, {Name: "remote", Size: 4}},
		Data: []*Data{
			{Name: "counter", Align: 4, Size: 4, Bytes: []byte{3, 0, 0, 0}},
			{Name: "table", Align: 8, Size: 64},
		},
		Funcs: []*Func{clamp()},
	}
	var out bytes.Buffer
	Fprint(&out, p)
	want := `extern function Ext
extern data remote
data $counter align 4 { 03 00 00 00 }
data $table align 8 { z 64 }

function l $clamp(l %x.0) {
	%s0 = slot 8, align 8	# clamp
@start
	%t1 =l cltl %x.0, 0
	storel %x.0, %s0
	jnz %t1, @neg, @pos
@neg
	storel 0, %s0
	jmp @exit
@pos
	jmp @exit
@exit
	%t2 =l loadl %s0
	ret %t2
}
`
	if diff := cmp.Diff(want, out.String()); diff != "" {
		t.Errorf("Fprint mismatch (-want +got):\n%s", diff)
	}
}

func TestInstructionString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		instr *Instruction
		want  string
	}{
		{&Instruction{Op: OpCLt, Typ: TypeL, OperandType: TypeW, Unsigned: true, Result: &Temporary{ID: 4}, Args: []Value{&Temporary{ID: 1}, &Const{7}}},
			"%t4 =l cltw.u %t1, 7"},
		{&Instruction{Op: OpBlit, Args: []Value{&Slot{ID: 1}, &Slot{ID: 2}}, Size: 24}, "blit %s1, %s2, 24"},
		{&Instruction{Op: OpZero, Args: []Value{&Global{"main_instance"}}, Size: 16}, "zero $main_instance, 16"},
		{&Instruction{Op: OpAddF, Typ: TypeD, Result: &Temporary{ID: 0}, Args: []Value{&Temporary{ID: 1}, &FloatConst{Value: 1.5, Typ: TypeD}}},
			"%t0 =d addf %t1, d_1.5"},
		{&Instruction{Op: OpCall, Typ: TypeL, Result: &Temporary{Name: "r", ID: 9}, Args: []Value{&Global{"Twice"}, &Temporary{ID: 3}}},
			"%r.9 =l call $Twice, %t3"},
		{&Instruction{Op: OpLoad, Typ: TypeSH, Result: &Temporary{ID: 2}, Args: []Value{&Slot{ID: 0}}}, "%t2 =sh loadsh %s0"},
	}
	for _, tt := range tests {
		if got := tt.instr.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
	if got := Op(999).String(); got != "op999" {
		t.Errorf("unknown op = %q", got)
	}
}

func TestMemoryTypes(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		size     int64
		unsigned bool
		load     Type
		store    Type
	}{
		{1, false, TypeSB, TypeB},
		{1, true, TypeUB, TypeB},
		{2, false, TypeSH, TypeH},
		{2, true, TypeUH, TypeH},
		{4, false, TypeSW, TypeW},
		{4, true, TypeUW, TypeW},
		{8, false, TypeL, TypeL},
		{8, true, TypeL, TypeL},
	} {
		load, store := LoadType(tt.size, tt.unsigned), StoreType(tt.size)
		if load != tt.load || store != tt.store {
			t.Errorf("size %d unsigned=%v: load %s store %s", tt.size, tt.unsigned, load, store)
		}
		if SizeOfType(load) != tt.size || SizeOfType(store) != tt.size {
			t.Errorf("size %d: SizeOfType(%s)=%d SizeOfType(%s)=%d", tt.size, load, SizeOfType(load), store, SizeOfType(store))
		}
	}
	if SizeOfType(TypeS) != 4 || SizeOfType(TypeD) != 8 || !TypeS.IsFloat() || TypeL.IsFloat() {
		t.Errorf("float types are misclassified")
	}
	if !OpCGe.IsCompare() || OpJmp.IsCompare() || !OpRet.IsTerminator() || OpCall.IsTerminator() {
		t.Errorf("op classes are misclassified")
	}
}

func TestDataIsZero(t *testing.T) {
	t.Parallel()

	if !(&Data{Size: 8}).IsZero() || !(&Data{Size: 2, Bytes: []byte{0, 0}}).IsZero() {
		t.Errorf("zero data not recognized")
	}
	if (&Data{Size: 2, Bytes: []byte{0, 1}}).IsZero() {
		t.Errorf("initialized data reported as zero")
	}

	p := &Program{Funcs: []*Func{clamp()}, Externs: []*Extern{{Name: "Ext", IsFunc: true}}}
	if p.FindFunc("clamp") == nil || p.FindFunc("Clamp") != nil || p.FindExtern("Ext") == nil || p.FindExtern("nope") != nil {
		t.Errorf("lookups by exact name failed")
	}
}
