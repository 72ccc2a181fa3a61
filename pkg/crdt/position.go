package crdt

import (
	"math/big"

	"github.com/google/uuid"
)

// Position is a dense rational list key: a fraction plus a uid tie-break so
// that two concurrent "insert between" calls at the same midpoint still
// order deterministically rather than colliding.
type Position struct {
	Numerator   int64
	Denominator uint64
	UID         uuid.UUID
}

// Beginning sorts before every Position a normal insert can produce.
var Beginning = Position{Numerator: 0, Denominator: 1}

// End sorts after every Position a normal insert can produce.
var End = Position{Numerator: maxInt64, Denominator: 1}

const maxInt64 = int64(^uint64(0) >> 1)

// Compare returns -1, 0, or 1 as p orders before, at, or after o.
//
// The cross-multiplication p.Numerator*o.Denominator vs
// o.Numerator*p.Denominator is done in arbitrary-precision arithmetic: both
// factors can individually approach int64/uint64 range, and their product
// overflows a native 64-bit multiply.
func (p Position) Compare(o Position) int {
	lhs := new(big.Int).Mul(big.NewInt(p.Numerator), new(big.Int).SetUint64(o.Denominator))
	rhs := new(big.Int).Mul(big.NewInt(o.Numerator), new(big.Int).SetUint64(p.Denominator))
	if c := lhs.Cmp(rhs); c != 0 {
		return c
	}
	switch {
	case p.UID == o.UID:
		return 0
	case p.UID.String() < o.UID.String():
		return -1
	default:
		return 1
	}
}

// Less reports whether p orders strictly before o.
func (p Position) Less(o Position) bool {
	return p.Compare(o) < 0
}

// Between returns a fresh Position strictly between a and b (P7), with a
// new random uid so concurrent callers computing the same rational midpoint
// still produce distinct, deterministically-ordered positions.
func Between(a, b Position) Position {
	num := a.Numerator*int64(b.Denominator) + b.Numerator*int64(a.Denominator)
	den := 2 * a.Denominator * b.Denominator
	return Position{Numerator: num, Denominator: den, UID: uuid.New()}
}

// NewPosition returns a fresh end-of-list Position: the next whole number
// above last (still below End), so repeated pushes walk forward with a
// denominator of 1 instead of bisecting toward End, whose numerator would
// overflow Between's int64 arithmetic.
func NewPosition(last Position) Position {
	next := last.Numerator/int64(last.Denominator) + 1
	return Position{Numerator: next, Denominator: 1, UID: uuid.New()}
}
