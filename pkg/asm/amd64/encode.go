package amd64

import (
	"encoding/binary"
	"fmt"
)

type rexState struct {
	w, r, x, b bool
	force      bool // byte access to spl/bpl/sil/dil
}

func (s rexState) prefix() (byte, bool) {
	if !s.w && !s.r && !s.x && !s.b && !s.force {
		return 0, false
	}
	rex := byte(0x40)
	if s.w {
		rex |= 0x08
	}
	if s.r {
		rex |= 0x04
	}
	if s.x {
		rex |= 0x02
	}
	if s.b {
		rex |= 0x01
	}
	return rex, true
}

// needsByteREX reports whether an 8-bit access to r must carry a REX prefix
// to avoid selecting ah/ch/dh/bh.
func needsByteREX(r Reg) bool { return r >= RSP && r <= RDI }

func fitsInt8(v int32) bool { return v >= -128 && v <= 127 }

// encodeMemoryOperand returns the ModRM, SIB and displacement bytes for
// [base + disp] with the given reg field.
func encodeMemoryOperand(reg byte, m Mem) []byte {
	base := m.Base.low()
	var mod byte
	switch {
	case m.Disp == 0 && base != 5:
		mod = 0
	case fitsInt8(m.Disp):
		mod = 1
	default:
		mod = 2
	}
	out := []byte{mod<<6 | (reg&7)<<3 | base}
	if base == 4 {
		out = append(out, 0x24)
	}
	switch mod {
	case 1:
		out = append(out, byte(int8(m.Disp)))
	case 2:
		out = binary.LittleEndian.AppendUint32(out, uint32(m.Disp))
	}
	return out
}

// instr is one encoded instruction before it is appended to the stream.
type instr struct {
	legacy byte // 0x66, 0xF2 or 0xF3, zero when absent
	rex    rexState
	opcode []byte
}

func (in instr) head() []byte {
	var out []byte
	if in.legacy != 0 {
		out = append(out, in.legacy)
	}
	if rex, ok := in.rex.prefix(); ok {
		out = append(out, rex)
	}
	return append(out, in.opcode...)
}

// encodeRR encodes an instruction whose ModRM names two registers. reg and rm
// are 4-bit register numbers of either class.
func encodeRR(in instr, reg, rm byte) []byte {
	in.rex.r = reg >= 8
	in.rex.b = rm >= 8
	return append(in.head(), 0xC0|(reg&7)<<3|rm&7)
}

// encodeRM encodes an instruction with a register and a memory operand.
func encodeRM(in instr, reg byte, m Mem) []byte {
	in.rex.r = reg >= 8
	in.rex.b = m.Base.high()
	return append(in.head(), encodeMemoryOperand(reg, m)...)
}

// encodeRIP encodes a [rip + disp32] operand with a zero displacement and
// returns the offset of the displacement within the result.
func encodeRIP(in instr, reg byte) ([]byte, int) {
	in.rex.r = reg >= 8
	out := append(in.head(), (reg&7)<<3|5)
	pos := len(out)
	return append(out, 0, 0, 0, 0), pos
}

func widthPrefix(w Width) instr {
	switch w {
	case Half:
		return instr{legacy: 0x66}
	case Quad:
		return instr{rex: rexState{w: true}}
	}
	return instr{}
}

func encodeMovRegImm(dst Reg, value int64) []byte {
	switch {
	case value >= 0 && value <= 0xFFFFFFFF:
		// mov r32, imm32 zero-extends
		in := instr{rex: rexState{b: dst.high()}, opcode: []byte{0xB8 + dst.low()}}
		return binary.LittleEndian.AppendUint32(in.head(), uint32(value))
	case value >= -1<<31 && value < 1<<31:
		out := encodeRR(instr{rex: rexState{w: true}, opcode: []byte{0xC7}}, 0, byte(dst))
		return binary.LittleEndian.AppendUint32(out, uint32(int32(value)))
	}
	in := instr{rex: rexState{w: true, b: dst.high()}, opcode: []byte{0xB8 + dst.low()}}
	return binary.LittleEndian.AppendUint64(in.head(), uint64(value))
}

func encodeMovMemReg(w Width, m Mem, src Reg) []byte {
	in := widthPrefix(w)
	in.opcode = []byte{0x89}
	if w == Byte {
		in.opcode = []byte{0x88}
		in.rex.force = needsByteREX(src)
	}
	return encodeRM(in, byte(src), m)
}

// encodeLoad encodes a load of w bytes into the full 64-bit dst, sign or
// zero extending.
func encodeLoad(w Width, signed bool, dst Reg, m Mem) ([]byte, error) {
	var in instr
	switch {
	case w == Quad:
		in = instr{rex: rexState{w: true}, opcode: []byte{0x8B}}
	case w == Word && signed:
		in = instr{rex: rexState{w: true}, opcode: []byte{0x63}}
	case w == Word:
		in = instr{opcode: []byte{0x8B}}
	case w == Half && signed:
		in = instr{rex: rexState{w: true}, opcode: []byte{0x0F, 0xBF}}
	case w == Half:
		in = instr{opcode: []byte{0x0F, 0xB7}}
	case w == Byte && signed:
		in = instr{rex: rexState{w: true}, opcode: []byte{0x0F, 0xBE}}
	case w == Byte:
		in = instr{opcode: []byte{0x0F, 0xB6}}
	default:
		return nil, fmt.Errorf("amd64: unsupported load width %d", w)
	}
	return encodeRM(in, byte(dst), m), nil
}

// encodeExtend sign or zero extends the low w bytes of r in place.
func encodeExtend(w Width, signed bool, r Reg) ([]byte, error) {
	var in instr
	switch {
	case w == Word && signed:
		in = instr{rex: rexState{w: true}, opcode: []byte{0x63}}
	case w == Word:
		// mov r32, r32
		return encodeRR(instr{opcode: []byte{0x89}}, byte(r), byte(r)), nil
	case w == Half && signed:
		in = instr{rex: rexState{w: true}, opcode: []byte{0x0F, 0xBF}}
	case w == Half:
		in = instr{opcode: []byte{0x0F, 0xB7}}
	case w == Byte && signed:
		in = instr{rex: rexState{w: true, force: needsByteREX(r)}, opcode: []byte{0x0F, 0xBE}}
	case w == Byte:
		in = instr{rex: rexState{force: needsByteREX(r)}, opcode: []byte{0x0F, 0xB6}}
	default:
		return nil, fmt.Errorf("amd64: unsupported extension width %d", w)
	}
	return encodeRR(in, byte(r), byte(r)), nil
}

// ALU operations in their "r/m, reg" form, with the /digit used by the
// immediate form.
type aluOp struct {
	opcode byte
	digit  byte
}

var (
	aluAdd = aluOp{0x01, 0}
	aluOr  = aluOp{0x09, 1}
	aluAnd = aluOp{0x21, 4}
	aluSub = aluOp{0x29, 5}
	aluXor = aluOp{0x31, 6}
	aluCmp = aluOp{0x39, 7}
)

func encodeALURegReg(op aluOp, dst, src Reg) []byte {
	return encodeRR(instr{rex: rexState{w: true}, opcode: []byte{op.opcode}}, byte(src), byte(dst))
}

func encodeALURegImm(op aluOp, dst Reg, value int32) []byte {
	in := instr{rex: rexState{w: true}}
	if fitsInt8(value) {
		in.opcode = []byte{0x83}
		return append(encodeRR(in, op.digit, byte(dst)), byte(int8(value)))
	}
	in.opcode = []byte{0x81}
	return binary.LittleEndian.AppendUint32(encodeRR(in, op.digit, byte(dst)), uint32(value))
}

// encodeGroup3 encodes the F7 /digit family: not, neg, mul, div, idiv.
func encodeGroup3(digit byte, r Reg) []byte {
	return encodeRR(instr{rex: rexState{w: true}, opcode: []byte{0xF7}}, digit, byte(r))
}

// encodeShiftCL encodes the D3 /digit family shifting r by cl.
func encodeShiftCL(digit byte, r Reg) []byte {
	return encodeRR(instr{rex: rexState{w: true}, opcode: []byte{0xD3}}, digit, byte(r))
}

// sse builds an SSE instruction with a mandatory prefix.
func sse(legacy byte, w bool, op ...byte) instr {
	return instr{legacy: legacy, rex: rexState{w: w}, opcode: append([]byte{0x0F}, op...)}
}

func scalarPrefix(double bool) byte {
	if double {
		return 0xF2
	}
	return 0xF3
}
