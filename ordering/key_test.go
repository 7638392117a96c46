package ordering

import (
	"encoding/json"
	"errors"
	"testing"
)

func keyPtr(s string) *Key {
	k := MustParse(s)
	return &k
}

func TestBetweenSentinels(t *testing.T) {
	cases := []struct {
		name   string
		lo, hi *Key
		want   string
	}{
		{"empty group", nil, nil, "1"},
		{"before first", nil, keyPtr("3"), "2"},
		{"before fractional first", nil, keyPtr("0.25"), "-1"},
		{"after last", keyPtr("7"), nil, "8"},
		{"after fractional last", keyPtr("7.9"), nil, "8"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Between(tc.lo, tc.hi)
			if err != nil {
				t.Fatalf("between: %v", err)
			}
			if got.String() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestBetweenPicksShortestKey(t *testing.T) {
	cases := []struct{ lo, hi, want string }{
		{"1", "3", "2"},
		{"1", "2", "1.5"},
		{"1", "1.1", "1.05"},
		{"-1", "1", "0"},
		{"1.2", "1.9", "1.6"},
	}
	for _, tc := range cases {
		got, err := Between(keyPtr(tc.lo), keyPtr(tc.hi))
		if err != nil {
			t.Fatalf("between(%s, %s): %v", tc.lo, tc.hi, err)
		}
		if got.String() != tc.want {
			t.Fatalf("between(%s, %s): expected %s, got %s", tc.lo, tc.hi, tc.want, got)
		}
	}
}

func TestBetweenMisorderedAndEqualBounds(t *testing.T) {
	got, err := Between(keyPtr("3"), keyPtr("1"))
	if err != nil {
		t.Fatalf("between: %v", err)
	}
	if got.String() != "2" {
		t.Fatalf("expected midpoint 2 for swapped bounds, got %s", got)
	}

	lo := keyPtr("4")
	got, err = Between(lo, keyPtr("4"))
	if err != nil {
		t.Fatalf("between equal: %v", err)
	}
	if !lo.Less(got) {
		t.Fatalf("expected key after %s, got %s", lo, got)
	}
}

func TestRepeatedInsertionStaysOrdered(t *testing.T) {
	lo := MustParse("1")
	hi := MustParse("2")
	prev := lo
	for i := 0; i < 500; i++ {
		k, err := Between(&prev, &hi)
		if err != nil {
			t.Fatalf("insertion %d: %v", i, err)
		}
		if !prev.Less(k) || !k.Less(hi) {
			t.Fatalf("insertion %d: %s not between %s and %s", i, k, prev, hi)
		}
		prev = k
	}
}

func TestPrecisionExhaustion(t *testing.T) {
	lo := MustParse("1")
	hi := MustParse("2")
	var err error
	for i := 0; i < 5000; i++ {
		var k Key
		k, err = Between(&lo, &hi)
		if err != nil {
			break
		}
		hi = k
	}
	if !errors.Is(err, ErrPrecisionExhausted) {
		t.Fatalf("expected ErrPrecisionExhausted, got %v", err)
	}
	if hi.Scale() > MaxScale {
		t.Fatalf("allocated key exceeds max scale: %d", hi.Scale())
	}
}

func TestSpaced(t *testing.T) {
	keys := Spaced(3)
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys, got %d", len(keys))
	}
	for i, want := range []string{"1", "2", "3"} {
		if keys[i].String() != want {
			t.Fatalf("key %d: expected %s, got %s", i, want, keys[i])
		}
	}
}

func TestKeyJSON(t *testing.T) {
	payload, err := json.Marshal(struct {
		Key Key `json:"key"`
	}{MustParse("1.25")})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(payload) != `{"key":"1.25"}` {
		t.Fatalf("unexpected payload %s", payload)
	}
	var decoded struct {
		Key Key `json:"key"`
	}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Key.Equal(MustParse("1.25")) {
		t.Fatalf("unexpected key %s", decoded.Key)
	}
}
