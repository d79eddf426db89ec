// Package orderkey generates lexicographically sortable fractional keys
// for maintaining a custom list order without renumbering siblings.
//
// Keys are strings over a fixed base-62 alphabet whose character order
// matches byte order, so two keys compare correctly with plain string
// comparison. Inserting between two neighbors never rewrites their keys;
// when no numeric gap exists the key grows by one character instead.
package orderkey

import (
	"fmt"
	"strings"
)

// alphabet is ordered by byte value so string comparison and digit
// comparison agree.
const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

const base = len(alphabet)

var digitRank [256]int

func init() {
	for i := range digitRank {
		digitRank[i] = -1
	}
	for i := 0; i < base; i++ {
		digitRank[alphabet[i]] = i
	}
}

// Seed returns the canonical starting key for an empty list.
func Seed() string {
	return string(alphabet[base/2])
}

// Between returns a key strictly between a and b under lexicographic
// comparison. An empty a means "no lower bound"; an empty b means "no
// upper bound". Generated keys never end in the minimum digit, so a
// suffix can always be appended later.
func Between(a, b string) (string, error) {
	if err := validate(a); err != nil {
		return "", err
	}
	if err := validate(b); err != nil {
		return "", err
	}
	if a != "" && b != "" && a >= b {
		return "", fmt.Errorf("orderkey: lower bound %q is not below upper bound %q", a, b)
	}
	if b != "" && strings.HasSuffix(b, string(alphabet[0])) {
		return "", fmt.Errorf("orderkey: upper bound %q ends in the minimum digit", b)
	}
	return midpoint(a, b), nil
}

// Before returns a key strictly below b.
func Before(b string) (string, error) {
	return Between("", b)
}

// After returns a key strictly above a.
func After(a string) (string, error) {
	return Between(a, "")
}

func validate(key string) error {
	for i := 0; i < len(key); i++ {
		if digitRank[key[i]] < 0 {
			return fmt.Errorf("orderkey: key %q contains byte %q outside the alphabet", key, key[i])
		}
	}
	return nil
}

// midpoint assumes validated input with a < b (or unbounded sides).
func midpoint(a, b string) string {
	// Shared prefix carries over unchanged.
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	if n > 0 {
		return a[:n] + midpoint(a[n:], b[n:])
	}

	lo := 0
	if a != "" {
		lo = digitRank[a[0]]
	}
	hi := base
	if b != "" {
		hi = digitRank[b[0]]
	}

	if hi-lo > 1 {
		// A gap of two or more leaves room for a single midpoint digit.
		return string(alphabet[(lo+hi)/2])
	}

	if a == "" {
		// Adjacent to the lower boundary: descend into b to manufacture room.
		if digitRank[b[0]] == 0 {
			return string(b[0]) + midpoint("", b[1:])
		}
		return string(alphabet[0]) + midpoint("", "")
	}

	// Digits are adjacent: keep a's digit and find a key above a's tail.
	return string(a[0]) + midpoint(a[1:], "")
}
