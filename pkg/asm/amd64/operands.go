// Package amd64 encodes the subset of x86-64 the native backend emits. Code
// is position independent: symbols are reached only through rip-relative
// GOT loads and PLT calls, recorded as relocations for the object writer.
package amd64

import "fmt"

// Reg is a general purpose register number in hardware encoding order.
type Reg uint8

const (
	RAX Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var regNames = [...]string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

func (r Reg) String() string {
	if int(r) < len(regNames) {
		return regNames[r]
	}
	return fmt.Sprintf("reg%d", uint8(r))
}

func (r Reg) low() byte  { return byte(r) & 7 }
func (r Reg) high() bool { return r >= R8 }

// Xmm is an SSE register.
type Xmm uint8

const (
	X0 Xmm = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
)

func (x Xmm) String() string { return fmt.Sprintf("xmm%d", uint8(x)) }

// IntArgRegs and FloatArgRegs are the System V argument registers.
var (
	IntArgRegs   = []Reg{RDI, RSI, RDX, RCX, R8, R9}
	FloatArgRegs = []Xmm{X0, X1, X2, X3, X4, X5, X6, X7}
)

// Mem is a [base + disp] memory operand.
type Mem struct {
	Base Reg
	Disp int32
}

// At returns the operand [base + disp].
func At(base Reg, disp int32) Mem { return Mem{Base: base, Disp: disp} }

// Width is an operand size in bytes.
type Width uint8

const (
	Byte Width = 1
	Half Width = 2
	Word Width = 4
	Quad Width = 8
)

// Cond is a condition code as used by jcc and setcc.
type Cond uint8

const (
	CondO  Cond = 0x0
	CondB  Cond = 0x2 // unsigned <
	CondAE Cond = 0x3 // unsigned >=
	CondE  Cond = 0x4
	CondNE Cond = 0x5
	CondBE Cond = 0x6 // unsigned <=
	CondA  Cond = 0x7 // unsigned >
	CondS  Cond = 0x8
	CondP  Cond = 0xA
	CondNP Cond = 0xB
	CondL  Cond = 0xC
	CondGE Cond = 0xD
	CondLE Cond = 0xE
	CondG  Cond = 0xF
)
