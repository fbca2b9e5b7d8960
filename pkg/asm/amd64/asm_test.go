package amd64

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncoding(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		emit func(a *Assembler)
		want []byte
	}{
		{"mov rax, rcx", func(a *Assembler) { a.Mov(RAX, RCX) }, []byte{0x48, 0x89, 0xC8}},
		{"mov r8, rax", func(a *Assembler) { a.Mov(R8, RAX) }, []byte{0x49, 0x89, 0xC0}},
		{"mov rbp, rsp", func(a *Assembler) { a.Mov(RBP, RSP) }, []byte{0x48, 0x89, 0xE5}},
		{"push rbp", func(a *Assembler) { a.Push(RBP) }, []byte{0x55}},
		{"push r12", func(a *Assembler) { a.Push(R12) }, []byte{0x41, 0x54}},
		{"load quad", func(a *Assembler) { _ = a.Load(Quad, false, RAX, At(RBP, -8)) }, []byte{0x48, 0x8B, 0x45, 0xF8}},
		{"movsxd", func(a *Assembler) { _ = a.Load(Word, true, RAX, At(RBP, -16)) }, []byte{0x48, 0x63, 0x45, 0xF0}},
		{"movzx byte", func(a *Assembler) { _ = a.Load(Byte, false, RCX, At(RAX, 0)) }, []byte{0x0F, 0xB6, 0x08}},
		{"load rsp base", func(a *Assembler) { _ = a.Load(Quad, false, RAX, At(RSP, 8)) }, []byte{0x48, 0x8B, 0x44, 0x24, 0x08}},
		{"store byte", func(a *Assembler) { a.Store(Byte, At(RCX, 0), RAX) }, []byte{0x88, 0x01}},
		{"store sil", func(a *Assembler) { a.Store(Byte, At(RCX, 0), RSI) }, []byte{0x40, 0x88, 0x31}},
		{"store half", func(a *Assembler) { a.Store(Half, At(RCX, 0), RAX) }, []byte{0x66, 0x89, 0x01}},
		{"store disp32", func(a *Assembler) { a.Store(Quad, At(RBP, -200), RAX) }, []byte{0x48, 0x89, 0x85, 0x38, 0xFF, 0xFF, 0xFF}},
		{"lea", func(a *Assembler) { a.Lea(RAX, At(RBP, -16)) }, []byte{0x48, 0x8D, 0x45, 0xF0}},
		{"mov imm32", func(a *Assembler) { a.MovImm(RAX, 1) }, []byte{0xB8, 0x01, 0x00, 0x00, 0x00}},
		{"mov imm negative", func(a *Assembler) { a.MovImm(RAX, -1) }, []byte{0x48, 0xC7, 0xC0, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"mov imm64", func(a *Assembler) { a.MovImm(R9, 1<<40) }, []byte{0x49, 0xB9, 0, 0, 0, 0, 0, 0x01, 0, 0}},
		{"sub rsp imm8", func(a *Assembler) { a.SubImm(RSP, 32) }, []byte{0x48, 0x83, 0xEC, 0x20}},
		{"sub rsp imm32", func(a *Assembler) { a.SubImm(RSP, 256) }, []byte{0x48, 0x81, 0xEC, 0x00, 0x01, 0x00, 0x00}},
		{"cqo idiv", func(a *Assembler) { a.Cqo(); a.Idiv(RCX) }, []byte{0x48, 0x99, 0x48, 0xF7, 0xF9}},
		{"div", func(a *Assembler) { a.Div(RCX) }, []byte{0x48, 0xF7, 0xF1}},
		{"imul", func(a *Assembler) { a.Imul(RAX, RCX) }, []byte{0x48, 0x0F, 0xAF, 0xC1}},
		{"shl cl", func(a *Assembler) { a.ShlCL(RAX) }, []byte{0x48, 0xD3, 0xE0}},
		{"sar cl", func(a *Assembler) { a.SarCL(RAX) }, []byte{0x48, 0xD3, 0xF8}},
		{"setl", func(a *Assembler) { a.Setcc(CondL, RAX) }, []byte{0x0F, 0x9C, 0xC0, 0x0F, 0xB6, 0xC0}},
		{"movq to xmm", func(a *Assembler) { a.MovqToXmm(X0, RAX) }, []byte{0x66, 0x48, 0x0F, 0x6E, 0xC0}},
		{"movq from xmm", func(a *Assembler) { a.MovqFromXmm(RAX, X0) }, []byte{0x66, 0x48, 0x0F, 0x7E, 0xC0}},
		{"addsd", func(a *Assembler) { a.Arith(SSEAdd, true, X0, X1) }, []byte{0xF2, 0x0F, 0x58, 0xC1}},
		{"divss", func(a *Assembler) { a.Arith(SSEDiv, false, X0, X1) }, []byte{0xF3, 0x0F, 0x5E, 0xC1}},
		{"ucomisd", func(a *Assembler) { a.Ucomis(true, X0, X1) }, []byte{0x66, 0x0F, 0x2E, 0xC1}},
		{"ucomiss", func(a *Assembler) { a.Ucomis(false, X0, X1) }, []byte{0x0F, 0x2E, 0xC1}},
		{"cvtsi2sd", func(a *Assembler) { a.CvtIntToFloat(true, X0, RAX) }, []byte{0xF2, 0x48, 0x0F, 0x2A, 0xC0}},
		{"cvttsd2si", func(a *Assembler) { a.CvtFloatToInt(true, RAX, X0) }, []byte{0xF2, 0x48, 0x0F, 0x2C, 0xC0}},
		{"cvtss2sd", func(a *Assembler) { a.CvtFloat(false, X0, X0) }, []byte{0xF3, 0x0F, 0x5A, 0xC0}},
		{"movsxd reg", func(a *Assembler) { _ = a.Extend(Word, true, RAX) }, []byte{0x48, 0x63, 0xC0}},
		{"zero extend word", func(a *Assembler) { _ = a.Extend(Word, false, RAX) }, []byte{0x89, 0xC0}},
		{"rep movsb", func(a *Assembler) { a.RepMovsb() }, []byte{0xF3, 0xA4}},
		{"leave ret", func(a *Assembler) { a.Leave(); a.Ret() }, []byte{0xC9, 0xC3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := New()
			tt.emit(a)
			got, _, err := a.Finish()
			if err != nil {
				t.Fatalf("Finish: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("encoding mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestJumps(t *testing.T) {
	t.Parallel()

	a := New()
	if err := a.Mark("top"); err != nil {
		t.Fatal(err)
	}
	a.Jmp("top")
	a.Jcc(CondE, "bottom")
	if err := a.Mark("bottom"); err != nil {
		t.Fatal(err)
	}
	got, _, err := a.Finish()
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0xE9, 0xFB, 0xFF, 0xFF, 0xFF, 0x0F, 0x84, 0x00, 0x00, 0x00, 0x00}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("jumps (-want +got):\n%s", diff)
	}

	b := New()
	b.Jmp("nowhere")
	if _, _, err := b.Finish(); err == nil {
		t.Error("expected an undefined label error")
	}
	if err := b.Mark("x"); err != nil {
		t.Fatal(err)
	}
	if err := b.Mark("x"); err == nil {
		t.Error("expected a duplicate label error")
	}
}

func TestRelocations(t *testing.T) {
	t.Parallel()

	a := New()
	a.LoadAddr(RAX, "gX")
	a.CallSym("main")
	code, relocs, err := a.Finish()
	if err != nil {
		t.Fatal(err)
	}
	wantCode := []byte{0x48, 0x8B, 0x05, 0, 0, 0, 0, 0xE8, 0, 0, 0, 0}
	if diff := cmp.Diff(wantCode, code); diff != "" {
		t.Errorf("code (-want +got):\n%s", diff)
	}
	want := []Reloc{
		{Offset: 3, Symbol: "gX", Kind: RelocGOTPCRELX, Addend: -4},
		{Offset: 8, Symbol: "main", Kind: RelocPLT32, Addend: -4},
	}
	if diff := cmp.Diff(want, relocs); diff != "" {
		t.Errorf("relocations (-want +got):\n%s", diff)
	}
}
