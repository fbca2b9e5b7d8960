package amd64

import (
	"encoding/binary"
	"fmt"
)

// RelocKind is the kind of a symbol reference left in the code.
type RelocKind uint8

const (
	// RelocPLT32 is the rel32 operand of a call through the PLT.
	RelocPLT32 RelocKind = iota
	// RelocGOTPCRELX is the disp32 of a relaxable mov reg, [rip + sym@GOTPCREL].
	RelocGOTPCRELX
)

func (k RelocKind) String() string {
	switch k {
	case RelocPLT32:
		return "PLT32"
	case RelocGOTPCRELX:
		return "REX_GOTPCRELX"
	}
	return fmt.Sprintf("RelocKind(%d)", uint8(k))
}

// Reloc is a 32-bit pc-relative field at Offset referring to Symbol.
type Reloc struct {
	Offset int
	Symbol string
	Kind   RelocKind
	Addend int64
}

type jumpFixup struct {
	pos   int // offset of the rel32 field
	label string
}

// Assembler accumulates the code of one section. Labels are local to it and
// resolved by Finish; symbol references become relocations.
type Assembler struct {
	buf    []byte
	labels map[string]int
	fixups []jumpFixup
	relocs []Reloc
}

func New() *Assembler {
	return &Assembler{labels: make(map[string]int)}
}

// Len returns the current offset.
func (a *Assembler) Len() int { return len(a.buf) }

func (a *Assembler) emit(b ...byte) { a.buf = append(a.buf, b...) }

// Mark binds label to the current offset.
func (a *Assembler) Mark(label string) error {
	if _, ok := a.labels[label]; ok {
		return fmt.Errorf("amd64: label %q defined twice", label)
	}
	a.labels[label] = len(a.buf)
	return nil
}

// Align pads with int3 up to a multiple of n.
func (a *Assembler) Align(n int) {
	for len(a.buf)%n != 0 {
		a.emit(0xCC)
	}
}

// Finish resolves every jump and returns the code and its relocations.
func (a *Assembler) Finish() ([]byte, []Reloc, error) {
	for _, f := range a.fixups {
		target, ok := a.labels[f.label]
		if !ok {
			return nil, nil, fmt.Errorf("amd64: undefined label %q", f.label)
		}
		binary.LittleEndian.PutUint32(a.buf[f.pos:], uint32(int32(target-(f.pos+4))))
	}
	a.fixups = nil
	return a.buf, a.relocs, nil
}

func (a *Assembler) rel32(label string) {
	a.fixups = append(a.fixups, jumpFixup{pos: len(a.buf), label: label})
	a.emit(0, 0, 0, 0)
}

func (a *Assembler) Jmp(label string) {
	a.emit(0xE9)
	a.rel32(label)
}

func (a *Assembler) Jcc(c Cond, label string) {
	a.emit(0x0F, 0x80|byte(c))
	a.rel32(label)
}

// CallSym emits call sym@PLT.
func (a *Assembler) CallSym(sym string) {
	a.emit(0xE8)
	a.relocs = append(a.relocs, Reloc{Offset: len(a.buf), Symbol: sym, Kind: RelocPLT32, Addend: -4})
	a.emit(0, 0, 0, 0)
}

// LoadAddr emits mov dst, [rip + sym@GOTPCREL].
func (a *Assembler) LoadAddr(dst Reg, sym string) {
	code, pos := encodeRIP(instr{rex: rexState{w: true}, opcode: []byte{0x8B}}, byte(dst))
	a.relocs = append(a.relocs, Reloc{Offset: len(a.buf) + pos, Symbol: sym, Kind: RelocGOTPCRELX, Addend: -4})
	a.emit(code...)
}

func (a *Assembler) Push(r Reg) {
	if r.high() {
		a.emit(0x41)
	}
	a.emit(0x50 + r.low())
}

func (a *Assembler) Pop(r Reg) {
	if r.high() {
		a.emit(0x41)
	}
	a.emit(0x58 + r.low())
}

func (a *Assembler) Leave() { a.emit(0xC9) }
func (a *Assembler) Ret()   { a.emit(0xC3) }

// Cqo sign extends rax into rdx:rax.
func (a *Assembler) Cqo() { a.emit(0x48, 0x99) }

// RepMovsb copies rcx bytes from [rsi] to [rdi].
func (a *Assembler) RepMovsb() { a.emit(0xF3, 0xA4) }

// RepStosb stores al into rcx bytes at [rdi].
func (a *Assembler) RepStosb() { a.emit(0xF3, 0xAA) }

func (a *Assembler) MovImm(dst Reg, value int64) { a.emit(encodeMovRegImm(dst, value)...) }

func (a *Assembler) Mov(dst, src Reg) {
	if dst != src {
		a.emit(encodeALURegReg(aluOp{opcode: 0x89}, dst, src)...)
	}
}

// Load reads w bytes at m into dst, extending to 64 bits.
func (a *Assembler) Load(w Width, signed bool, dst Reg, m Mem) error {
	code, err := encodeLoad(w, signed, dst, m)
	if err != nil {
		return err
	}
	a.emit(code...)
	return nil
}

// Store writes the low w bytes of src to m.
func (a *Assembler) Store(w Width, m Mem, src Reg) {
	a.emit(encodeMovMemReg(w, m, src)...)
}

func (a *Assembler) Lea(dst Reg, m Mem) {
	a.emit(encodeRM(instr{rex: rexState{w: true}, opcode: []byte{0x8D}}, byte(dst), m)...)
}

// Extend sign or zero extends the low w bytes of r to 64 bits.
func (a *Assembler) Extend(w Width, signed bool, r Reg) error {
	code, err := encodeExtend(w, signed, r)
	if err != nil {
		return err
	}
	a.emit(code...)
	return nil
}

func (a *Assembler) Add(dst, src Reg) { a.emit(encodeALURegReg(aluAdd, dst, src)...) }
func (a *Assembler) Sub(dst, src Reg) { a.emit(encodeALURegReg(aluSub, dst, src)...) }
func (a *Assembler) And(dst, src Reg) { a.emit(encodeALURegReg(aluAnd, dst, src)...) }
func (a *Assembler) Or(dst, src Reg)  { a.emit(encodeALURegReg(aluOr, dst, src)...) }
func (a *Assembler) Xor(dst, src Reg) { a.emit(encodeALURegReg(aluXor, dst, src)...) }
func (a *Assembler) Cmp(dst, src Reg) { a.emit(encodeALURegReg(aluCmp, dst, src)...) }

func (a *Assembler) AddImm(dst Reg, v int32) { a.emit(encodeALURegImm(aluAdd, dst, v)...) }
func (a *Assembler) SubImm(dst Reg, v int32) { a.emit(encodeALURegImm(aluSub, dst, v)...) }
func (a *Assembler) CmpImm(dst Reg, v int32) { a.emit(encodeALURegImm(aluCmp, dst, v)...) }

func (a *Assembler) Test(dst, src Reg) {
	a.emit(encodeRR(instr{rex: rexState{w: true}, opcode: []byte{0x85}}, byte(src), byte(dst))...)
}

// Imul multiplies dst by src, keeping the low 64 bits.
func (a *Assembler) Imul(dst, src Reg) {
	a.emit(encodeRR(instr{rex: rexState{w: true}, opcode: []byte{0x0F, 0xAF}}, byte(dst), byte(src))...)
}

func (a *Assembler) Not(r Reg)  { a.emit(encodeGroup3(2, r)...) }
func (a *Assembler) Neg(r Reg)  { a.emit(encodeGroup3(3, r)...) }
func (a *Assembler) Div(r Reg)  { a.emit(encodeGroup3(6, r)...) }
func (a *Assembler) Idiv(r Reg) { a.emit(encodeGroup3(7, r)...) }

func (a *Assembler) ShlCL(r Reg) { a.emit(encodeShiftCL(4, r)...) }
func (a *Assembler) ShrCL(r Reg) { a.emit(encodeShiftCL(5, r)...) }
func (a *Assembler) SarCL(r Reg) { a.emit(encodeShiftCL(7, r)...) }

// ShrImm shifts r right logically by n bits.
func (a *Assembler) ShrImm(r Reg, n uint8) {
	a.emit(append(encodeRR(instr{rex: rexState{w: true}, opcode: []byte{0xC1}}, 5, byte(r)), n)...)
}

// Setcc sets the low byte of r from c and zero extends it to 64 bits.
func (a *Assembler) Setcc(c Cond, r Reg) {
	a.emit(encodeRR(instr{rex: rexState{force: needsByteREX(r)}, opcode: []byte{0x0F, 0x90 | byte(c)}}, 0, byte(r))...)
	code, _ := encodeExtend(Byte, false, r)
	a.emit(code...)
}

// MovqToXmm copies the 64 bits of src into the low lane of dst.
func (a *Assembler) MovqToXmm(dst Xmm, src Reg) {
	a.emit(encodeRR(sse(0x66, true, 0x6E), byte(dst), byte(src))...)
}

// MovqFromXmm copies the low 64 bits of src into dst.
func (a *Assembler) MovqFromXmm(dst Reg, src Xmm) {
	a.emit(encodeRR(sse(0x66, true, 0x7E), byte(src), byte(dst))...)
}

// Scalar SSE arithmetic opcodes.
const (
	SSEAdd byte = 0x58
	SSEMul byte = 0x59
	SSESub byte = 0x5C
	SSEDiv byte = 0x5E
)

// Arith applies one of the SSE* opcodes to the scalar in dst and src.
func (a *Assembler) Arith(op byte, double bool, dst, src Xmm) {
	a.emit(encodeRR(sse(scalarPrefix(double), false, op), byte(dst), byte(src))...)
}

// Ucomis compares x with y and sets ZF, PF and CF.
func (a *Assembler) Ucomis(double bool, x, y Xmm) {
	in := instr{opcode: []byte{0x0F, 0x2E}}
	if double {
		in.legacy = 0x66
	}
	a.emit(encodeRR(in, byte(x), byte(y))...)
}

// CvtIntToFloat converts the signed 64-bit src.
func (a *Assembler) CvtIntToFloat(double bool, dst Xmm, src Reg) {
	a.emit(encodeRR(sse(scalarPrefix(double), true, 0x2A), byte(dst), byte(src))...)
}

// CvtFloatToInt converts src to a signed 64-bit integer, truncating.
func (a *Assembler) CvtFloatToInt(double bool, dst Reg, src Xmm) {
	a.emit(encodeRR(sse(scalarPrefix(double), true, 0x2C), byte(dst), byte(src))...)
}

// CvtFloat converts between single and double precision. fromDouble selects
// cvtsd2ss, otherwise cvtss2sd.
func (a *Assembler) CvtFloat(fromDouble bool, dst, src Xmm) {
	a.emit(encodeRR(sse(scalarPrefix(fromDouble), false, 0x5A), byte(dst), byte(src))...)
}
