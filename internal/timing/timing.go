// Package timing provides rational time values and overflow-safe timestamp
// rescaling between independent per-stream timescales.
package timing

import "math/bits"

// Rational is a signed rational time value. A zero Den means the value is
// unset; Num/Den is otherwise a duration or instant in seconds.
type Rational struct {
	Num int64
	Den uint64
}

// IsSet reports whether the rational carries a value.
func (r Rational) IsSet() bool { return r.Den != 0 }

// Seconds returns the value as a float64. Unset values return 0.
func (r Rational) Seconds() float64 {
	if r.Den == 0 {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// Millis returns the value truncated to milliseconds. Unset values return 0.
func (r Rational) Millis() int64 {
	if r.Den == 0 {
		return 0
	}
	return r.Num * 1000 / int64(r.Den)
}

// ToScale converts the rational to ticks in the given timescale, truncating.
func (r Rational) ToScale(timescale uint32) uint64 {
	if r.Den == 0 || r.Num <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(uint64(r.Num), uint64(timescale))
	q, _ := bits.Div64(hi%r.Den, lo, r.Den)
	return q
}

// Rescale converts v ticks at timescale from into timescale to, truncating.
// The intermediate product is kept in 128 bits so large timestamps in high
// timescales (90 kHz over hours) cannot overflow.
func Rescale(v uint64, from, to uint32) uint64 {
	if from == to || from == 0 {
		return v
	}
	hi, lo := bits.Mul64(v, uint64(to))
	q, _ := bits.Div64(hi%uint64(from), lo, uint64(from))
	return q
}

// Less reports ts@scale < ts2@scale2 using widened cross products.
func Less(ts, scale, ts2, scale2 uint64) bool {
	ahi, alo := bits.Mul64(ts, scale2)
	bhi, blo := bits.Mul64(ts2, scale)
	if ahi != bhi {
		return ahi < bhi
	}
	return alo < blo
}

// LessEq reports ts@scale <= ts2@scale2.
func LessEq(ts, scale, ts2, scale2 uint64) bool {
	return !Less(ts2, scale2, ts, scale)
}

// Greater reports ts@scale > ts2@scale2.
func Greater(ts, scale, ts2, scale2 uint64) bool {
	return Less(ts2, scale2, ts, scale)
}
