package typeChecker

import (
	"fmt"
	"math"

	"github.com/xplshn/gstc/pkg/ast"
	"github.com/xplshn/gstc/pkg/token"
)

// Const is a compile-time value. Integers, bit strings, BOOL and enumerations
// use Int in the canonical 64-bit form of their type; reals use Real.
type Const struct {
	Int    int64
	Real   float64
	IsReal bool
	// Wide marks an untyped literal above the int64 range; Int holds its
	// bits and it only fits 64-bit unsigned types.
	Wide bool
}

func (c Const) String() string {
	if c.IsReal {
		return fmt.Sprintf("%g", c.Real)
	}
	if c.Wide {
		return fmt.Sprintf("%d", uint64(c.Int))
	}
	return fmt.Sprintf("%d", c.Int)
}

func (c Const) AsReal() float64 {
	switch {
	case c.IsReal:
		return c.Real
	case c.Wide:
		return float64(uint64(c.Int))
	}
	return float64(c.Int)
}

// Bits returns the raw bit pattern of c as stored in memory for type t.
func (c Const) Bits(t *ast.Type) uint64 {
	if t.IsReal() {
		if t.SizeOf() == 4 {
			return uint64(math.Float32bits(float32(c.AsReal())))
		}
		return math.Float64bits(c.AsReal())
	}
	return uint64(c.Int)
}

// wrap reduces v to the width of t and re-extends it.
func wrap(v int64, t *ast.Type) int64 {
	if t.Kind == ast.TYPE_BOOL {
		if v != 0 {
			return 1
		}
		return 0
	}
	size := t.SizeOf()
	if size <= 0 || size >= 8 || t.IsReal() {
		return v
	}
	shift := uint(64 - size*8)
	if t.IsUnsigned() {
		return int64(uint64(v) << shift >> shift)
	}
	return v << shift >> shift
}

// coerce converts c to a value of type t, following the conversion rules of
// the *_TO_* functions. Reals convert to integers by truncation.
func coerce(c Const, t *ast.Type) Const {
	switch {
	case t.IsReal():
		r := c.AsReal()
		if t.Kind == ast.TYPE_REAL && t.Size == 4 {
			r = float64(float32(r))
		}
		return Const{Real: r, IsReal: true}
	case t.Kind == ast.TYPE_BOOL:
		if c.IsReal {
			return Const{Int: b2i(c.Real != 0)}
		}
		return Const{Int: b2i(c.Int != 0)}
	case t.Kind == ast.TYPE_UNTYPED_INT:
		return c
	}
	if c.IsReal {
		r := math.Trunc(c.Real)
		if t.IsUnsigned() && t.SizeOf() == 8 && r >= math.MaxInt64 {
			return Const{Int: int64(uint64(r))}
		}
		return Const{Int: wrap(int64(r), t)}
	}
	return Const{Int: wrap(c.Int, t)}
}

func truncConst(c Const, t *ast.Type) Const {
	return Const{Int: wrap(int64(math.Trunc(c.AsReal())), t)}
}

func b2i(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// fits reports whether an untyped value can be stored in t without change.
func fits(c Const, t *ast.Type) bool {
	if t.IsReal() || t.Kind == ast.TYPE_UNTYPED_REAL {
		return true
	}
	if c.IsReal {
		return false
	}
	switch t.Kind {
	case ast.TYPE_UNTYPED_INT:
		return true
	case ast.TYPE_BOOL:
		return !c.Wide && (c.Int == 0 || c.Int == 1)
	case ast.TYPE_INT, ast.TYPE_BITS:
	default:
		return false
	}
	size := t.SizeOf()
	if c.Wide {
		return size == 8 && t.IsUnsigned()
	}
	if t.IsUnsigned() {
		if c.Int < 0 {
			return false
		}
		return size == 8 || c.Int < int64(1)<<(uint(size)*8)
	}
	if size == 8 {
		return true
	}
	limit := int64(1) << (uint(size)*8 - 1)
	return c.Int >= -limit && c.Int < limit
}

// foldBinary evaluates a binary operation on two constants of operand type
// t. The boolean result is false on division by zero.
func foldBinary(op token.Type, l, r Const, t *ast.Type) (Const, bool) {
	if t.IsReal() {
		a, b := l.AsReal(), r.AsReal()
		var res float64
		switch op {
		case token.Plus:
			res = a + b
		case token.Minus:
			res = a - b
		case token.Star:
			res = a * b
		case token.Slash:
			if b == 0 {
				return Const{}, false
			}
			res = a / b
		case token.Eq:
			return Const{Int: b2i(a == b)}, true
		case token.Neq:
			return Const{Int: b2i(a != b)}, true
		case token.Lt:
			return Const{Int: b2i(a < b)}, true
		case token.Gt:
			return Const{Int: b2i(a > b)}, true
		case token.Lte:
			return Const{Int: b2i(a <= b)}, true
		case token.Gte:
			return Const{Int: b2i(a >= b)}, true
		}
		return coerce(Const{Real: res, IsReal: true}, t), true
	}

	a, b := l.Int, r.Int
	unsigned := t.IsUnsigned() || l.Wide || r.Wide
	var res int64
	switch op {
	case token.Plus:
		res = a + b
	case token.Minus:
		res = a - b
	case token.Star:
		res = a * b
	case token.Slash, token.Mod:
		if b == 0 {
			return Const{}, false
		}
		switch {
		case unsigned && op == token.Slash:
			res = int64(uint64(a) / uint64(b))
		case unsigned:
			res = int64(uint64(a) % uint64(b))
		case op == token.Slash:
			res = a / b
		default:
			res = a % b
		}
	case token.And:
		res = a & b
	case token.Or:
		res = a | b
	case token.Xor:
		res = a ^ b
	case token.Eq:
		return Const{Int: b2i(a == b)}, true
	case token.Neq:
		return Const{Int: b2i(a != b)}, true
	case token.Lt, token.Gt, token.Lte, token.Gte:
		var lt, eq bool
		if unsigned {
			lt, eq = uint64(a) < uint64(b), a == b
		} else {
			lt, eq = a < b, a == b
		}
		switch op {
		case token.Lt:
			return Const{Int: b2i(lt)}, true
		case token.Gt:
			return Const{Int: b2i(!lt && !eq)}, true
		case token.Lte:
			return Const{Int: b2i(lt || eq)}, true
		default:
			return Const{Int: b2i(!lt)}, true
		}
	}
	return Const{Int: wrap(res, t)}, true
}

func foldUnary(op token.Type, c Const, t *ast.Type) Const {
	switch op {
	case token.Minus:
		if c.IsReal {
			return coerce(Const{Real: -c.Real, IsReal: true}, t)
		}
		return Const{Int: wrap(-c.Int, t)}
	case token.Not:
		if t.Kind == ast.TYPE_BOOL {
			return Const{Int: 1 - c.Int}
		}
		return Const{Int: wrap(^c.Int, t)}
	}
	return c
}

// foldShift evaluates SHL/SHR. The count is taken modulo 64.
func foldShift(left bool, v, n Const, t *ast.Type) Const {
	count := uint(n.Int) & 63
	if left {
		return Const{Int: wrap(v.Int<<count, t)}
	}
	if t.IsUnsigned() {
		return Const{Int: wrap(int64(uint64(v.Int)>>count), t)}
	}
	return Const{Int: wrap(v.Int>>count, t)}
}

// As converts c to the representation of type t.
func (c Const) As(t *ast.Type) Const { return coerce(c, t) }
