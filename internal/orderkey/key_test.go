package orderkey

import (
	"sort"
	"testing"
)

func TestSeed(t *testing.T) {
	seed := Seed()
	if seed == "" {
		t.Fatal("Seed returned empty key")
	}
	if len(seed) != 1 {
		t.Errorf("Seed should be a single digit, got %q", seed)
	}
}

func TestBetweenBasic(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"both unbounded", "", ""},
		{"only upper", "", "V"},
		{"only lower", "V", ""},
		{"wide gap", "A", "z"},
		{"adjacent digits", "A", "B"},
		{"prefix relation", "A", "AB"},
		{"lower longer than upper", "AV", "B"},
		{"lower at alphabet max", "Az", "B"},
		{"upper near alphabet min", "", "01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := Between(tt.a, tt.b)
			if err != nil {
				t.Fatalf("Between(%q, %q): %v", tt.a, tt.b, err)
			}
			if tt.a != "" && k <= tt.a {
				t.Errorf("Between(%q, %q) = %q, not above lower bound", tt.a, tt.b, k)
			}
			if tt.b != "" && k >= tt.b {
				t.Errorf("Between(%q, %q) = %q, not below upper bound", tt.a, tt.b, k)
			}
		})
	}
}

func TestBetweenRejectsInvertedBounds(t *testing.T) {
	if _, err := Between("B", "A"); err == nil {
		t.Error("expected error for inverted bounds")
	}
	if _, err := Between("A", "A"); err == nil {
		t.Error("expected error for equal bounds")
	}
	if _, err := Between("x!", ""); err == nil {
		t.Error("expected error for key outside alphabet")
	}
}

// TestRepeatedInsertionSamePosition squeezes 50 keys between the same two
// neighbors and verifies every key is unique, ordered, and of sane length.
func TestRepeatedInsertionSamePosition(t *testing.T) {
	lower := "A"
	upper := "B"

	seen := map[string]bool{lower: true, upper: true}
	hi := upper
	for i := 0; i < 50; i++ {
		k, err := Between(lower, hi)
		if err != nil {
			t.Fatalf("insertion %d: %v", i, err)
		}
		if seen[k] {
			t.Fatalf("insertion %d produced duplicate key %q", i, k)
		}
		if k <= lower || k >= hi {
			t.Fatalf("insertion %d produced %q outside (%q, %q)", i, k, lower, hi)
		}
		if len(k) > 20 {
			t.Fatalf("insertion %d produced key of length %d, growth is out of bounds", i, len(k))
		}
		seen[k] = true
		hi = k
	}
}

// TestInterleavedInsertions builds a list by always inserting in the middle
// and verifies the collected keys sort into the insertion-derived order.
func TestInterleavedInsertions(t *testing.T) {
	keys := []string{Seed()}
	for i := 0; i < 64; i++ {
		at := len(keys) / 2
		var a, b string
		if at > 0 {
			a = keys[at-1]
		}
		b = keys[at]
		k, err := Between(a, b)
		if err != nil {
			t.Fatalf("insert at %d: %v", at, err)
		}
		keys = append(keys[:at], append([]string{k}, keys[at:]...)...)
	}

	if !sort.StringsAreSorted(keys) {
		t.Error("keys are not sorted after interleaved insertions")
	}
	uniq := make(map[string]bool, len(keys))
	for _, k := range keys {
		if uniq[k] {
			t.Errorf("duplicate key %q", k)
		}
		uniq[k] = true
	}
}

func TestBeforeAndAfter(t *testing.T) {
	k, err := Before("V")
	if err != nil || k >= "V" {
		t.Errorf("Before(V) = %q, %v", k, err)
	}
	k, err = After("V")
	if err != nil || k <= "V" {
		t.Errorf("After(V) = %q, %v", k, err)
	}
	// After never needs more than one extra character per call at the
	// alphabet ceiling.
	k, err = After("zz")
	if err != nil || k <= "zz" {
		t.Errorf("After(zz) = %q, %v", k, err)
	}
}
