// Package mediatime implements rational media time: an integer value counted
// in units of 1/Timescale seconds, plus flags for validity and infinities.
package mediatime

import (
	"fmt"
	"math"
	"math/big"
	"time"
)

// Flags describe whether a Time holds a usable value.
type Flags uint8

const (
	// FlagValid is set on every Time that carries a meaningful value.
	FlagValid Flags = 1 << iota
	// FlagPositiveInfinity marks +∞; Value and Timescale are ignored.
	FlagPositiveInfinity
	// FlagNegativeInfinity marks −∞; Value and Timescale are ignored.
	FlagNegativeInfinity
)

// NanosecondTimescale is used when two timescales cannot be combined exactly.
const NanosecondTimescale int32 = 1_000_000_000

// Time is a rational timestamp or duration: Value/Timescale seconds.
type Time struct {
	Value     int64
	Timescale int32
	Flags     Flags
}

var (
	// Invalid is the zero Time. It has no valid flag.
	Invalid = Time{}
	// Zero is a valid time of zero seconds.
	Zero = Time{Value: 0, Timescale: 1, Flags: FlagValid}
	// NegativeInfinity compares less than every other valid Time.
	NegativeInfinity = Time{Flags: FlagValid | FlagNegativeInfinity}
	// PositiveInfinity compares greater than every other valid Time.
	PositiveInfinity = Time{Flags: FlagValid | FlagPositiveInfinity}
)

// New returns value/timescale seconds. A non-positive timescale yields Invalid.
func New(value int64, timescale int32) Time {
	if timescale <= 0 {
		return Invalid
	}
	return Time{Value: value, Timescale: timescale, Flags: FlagValid}
}

// FromDuration converts d to a Time with nanosecond timescale.
func FromDuration(d time.Duration) Time {
	return New(int64(d), NanosecondTimescale)
}

// FromSeconds rounds s to the nearest unit of timescale.
func FromSeconds(s float64, timescale int32) Time {
	if math.IsNaN(s) || timescale <= 0 {
		return Invalid
	}
	if math.IsInf(s, 1) {
		return PositiveInfinity
	}
	if math.IsInf(s, -1) {
		return NegativeInfinity
	}
	return New(int64(math.Round(s*float64(timescale))), timescale)
}

// IsValid reports whether t carries the valid flag.
func (t Time) IsValid() bool { return t.Flags&FlagValid != 0 }

// IsPositiveInfinity reports whether t is +∞.
func (t Time) IsPositiveInfinity() bool {
	return t.IsValid() && t.Flags&FlagPositiveInfinity != 0
}

// IsNegativeInfinity reports whether t is −∞.
func (t Time) IsNegativeInfinity() bool {
	return t.IsValid() && t.Flags&FlagNegativeInfinity != 0
}

// IsNumeric reports whether t is valid and finite.
func (t Time) IsNumeric() bool {
	return t.IsValid() && t.Flags&(FlagPositiveInfinity|FlagNegativeInfinity) == 0 && t.Timescale > 0
}

// Seconds returns t as floating point seconds. Invalid times return NaN.
func (t Time) Seconds() float64 {
	switch {
	case !t.IsValid():
		return math.NaN()
	case t.IsPositiveInfinity():
		return math.Inf(1)
	case t.IsNegativeInfinity():
		return math.Inf(-1)
	}
	return float64(t.Value) / float64(t.Timescale)
}

// Nanoseconds returns t truncated to whole nanoseconds. Non-numeric times
// return 0.
func (t Time) Nanoseconds() int64 {
	if !t.IsNumeric() {
		return 0
	}
	return rescale(t.Value, t.Timescale, NanosecondTimescale)
}

// Duration is Nanoseconds as a time.Duration.
func (t Time) Duration() time.Duration {
	return time.Duration(t.Nanoseconds())
}

// ConvertScale expresses t in a different timescale, truncating toward zero.
func (t Time) ConvertScale(timescale int32) Time {
	if !t.IsNumeric() || timescale <= 0 {
		return t
	}
	if t.Timescale == timescale {
		return t
	}
	return Time{Value: rescale(t.Value, t.Timescale, timescale), Timescale: timescale, Flags: t.Flags}
}

// Mul multiplies t by an integer factor.
func (t Time) Mul(k int64) Time {
	if !t.IsNumeric() {
		return t
	}
	return Time{Value: t.Value * k, Timescale: t.Timescale, Flags: t.Flags}
}

// Less reports whether t sorts before o.
func (t Time) Less(o Time) bool { return Compare(t, o) < 0 }

func (t Time) String() string {
	switch {
	case !t.IsValid():
		return "INVALID"
	case t.IsPositiveInfinity():
		return "+INFINITY"
	case t.IsNegativeInfinity():
		return "-INFINITY"
	}
	return fmt.Sprintf("%d/%d = %.3fs", t.Value, t.Timescale, t.Seconds())
}

// Add returns a+b. The result is Invalid if either operand is invalid or if
// +∞ is added to −∞. Mismatched timescales are combined through their least
// common multiple, or nanoseconds when that does not fit.
func Add(a, b Time) Time {
	if !a.IsValid() || !b.IsValid() {
		return Invalid
	}
	switch {
	case a.IsPositiveInfinity() && b.IsNegativeInfinity(),
		a.IsNegativeInfinity() && b.IsPositiveInfinity():
		return Invalid
	case a.IsPositiveInfinity() || b.IsPositiveInfinity():
		return PositiveInfinity
	case a.IsNegativeInfinity() || b.IsNegativeInfinity():
		return NegativeInfinity
	}

	ts := commonTimescale(a.Timescale, b.Timescale)
	av := a.ConvertScale(ts).Value
	bv := b.ConvertScale(ts).Value
	sum := av + bv
	if (bv > 0 && sum < av) || (bv < 0 && sum > av) {
		if sum < av {
			return PositiveInfinity
		}
		return NegativeInfinity
	}
	return New(sum, ts)
}

// Compare returns -1, 0 or +1. Ordering: −∞ < numeric < +∞ < invalid;
// invalid times compare equal to each other.
func Compare(a, b Time) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	if ra != rankNumeric {
		return 0
	}
	if a.Timescale == b.Timescale {
		return cmpInt64(a.Value, b.Value)
	}
	// a.Value/a.Timescale vs b.Value/b.Timescale without overflow.
	l := new(big.Int).Mul(big.NewInt(a.Value), big.NewInt(int64(b.Timescale)))
	r := new(big.Int).Mul(big.NewInt(b.Value), big.NewInt(int64(a.Timescale)))
	return l.Cmp(r)
}

const (
	rankNegInf = iota
	rankNumeric
	rankPosInf
	rankInvalid
)

func rank(t Time) int {
	switch {
	case !t.IsValid():
		return rankInvalid
	case t.IsNegativeInfinity():
		return rankNegInf
	case t.IsPositiveInfinity():
		return rankPosInf
	}
	return rankNumeric
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// rescale computes value*to/from, splitting the division so the intermediate
// products stay inside int64 for any int32 timescales.
func rescale(value int64, from, to int32) int64 {
	q := value / int64(from)
	r := value % int64(from)
	return q*int64(to) + r*int64(to)/int64(from)
}

func commonTimescale(a, b int32) int32 {
	if a == b {
		return a
	}
	l := int64(a) / gcd(int64(a), int64(b)) * int64(b)
	if l > math.MaxInt32 {
		return NanosecondTimescale
	}
	return int32(l)
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
