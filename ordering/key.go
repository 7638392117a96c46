// Package ordering allocates dense order keys for tasks inside a board column.
//
// Keys are arbitrary-precision decimals. A new key between two neighbours is
// the shortest decimal strictly between them, so repeated insertions at the
// same point grow keys by roughly one digit every three insertions. Once a key
// would need more than MaxScale fractional digits the group has to be
// rebalanced with Spaced.
package ordering

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// MaxScale is the number of fractional digits a key may carry before the
// column group must be rebalanced. 300 digits allow about a thousand
// successive insertions between the same two neighbours.
const MaxScale = 300

// ErrPrecisionExhausted is returned when no key with at most MaxScale
// fractional digits fits between the requested bounds.
var ErrPrecisionExhausted = errors.New("order key precision exhausted")

var (
	one  = decimal.NewFromInt(1)
	half = decimal.New(5, -1)
)

// Key is a totally ordered, densely insertable order key.
type Key struct {
	d decimal.Decimal
}

// FromInt returns the integer key n.
func FromInt(n int64) Key {
	return Key{d: decimal.NewFromInt(n)}
}

// Parse reads a key from its canonical decimal representation.
func Parse(s string) (Key, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Key{}, fmt.Errorf("parse order key %q: %w", s, err)
	}
	return Key{d: d}, nil
}

// MustParse is Parse for literals; it panics on malformed input.
func MustParse(s string) Key {
	k, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return k
}

func (k Key) String() string { return k.d.String() }

// Cmp returns -1, 0 or +1 depending on whether k sorts before, equal to or after o.
func (k Key) Cmp(o Key) int { return k.d.Cmp(o.d) }

// Less reports whether k sorts strictly before o.
func (k Key) Less(o Key) bool { return k.d.Cmp(o.d) < 0 }

// Equal reports whether both keys denote the same position.
func (k Key) Equal(o Key) bool { return k.d.Equal(o.d) }

// Scale is the number of fractional digits of the key.
func (k Key) Scale() int {
	if exp := k.d.Exponent(); exp < 0 {
		return int(-exp)
	}
	return 0
}

func (k Key) MarshalJSON() ([]byte, error) {
	return []byte(`"` + k.d.String() + `"`), nil
}

func (k *Key) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Between returns a key strictly between lo and hi. A nil bound stands for
// the start (lo) or the end (hi) of the group. Bounds passed in the wrong
// order are swapped; equal bounds yield a key just after them.
func Between(lo, hi *Key) (Key, error) {
	switch {
	case lo == nil && hi == nil:
		return FromInt(1), nil
	case lo == nil:
		return Key{d: hi.d.Floor().Sub(one)}, nil
	case hi == nil:
		return Key{d: lo.d.Floor().Add(one)}, nil
	}

	a, b := lo.d, hi.d
	switch a.Cmp(b) {
	case 0:
		scale := Key{d: a}.Scale() + 1
		if scale > MaxScale {
			return Key{}, ErrPrecisionExhausted
		}
		return Key{d: a.Add(decimal.New(5, int32(-scale)))}, nil
	case 1:
		a, b = b, a
	}

	mid := a.Add(b).Mul(half)
	for places := int32(0); places <= MaxScale; places++ {
		c := mid.Round(places)
		if c.Cmp(a) > 0 && c.Cmp(b) < 0 {
			return Key{d: c}, nil
		}
	}
	return Key{}, ErrPrecisionExhausted
}

// Spaced returns n evenly spaced integer keys 1..n, used to rebalance a group.
func Spaced(n int) []Key {
	keys := make([]Key, n)
	for i := range keys {
		keys[i] = FromInt(int64(i + 1))
	}
	return keys
}
