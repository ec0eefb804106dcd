// Package fracindex generates lexicographically ordered keys such that a new
// key can always be produced strictly between two existing keys, enabling
// ordered inserts without reindexing. Keys are base-62 digit strings with no
// integer part; a key never ends in the smallest digit.
package fracindex

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/nightscape/knowledge/internal/types"
)

const digits = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// MaxKeyLen is the length at which the owning sibling list should be
// rebalanced with evenly spaced keys.
const MaxKeyLen = 32

// KeyBetween returns a key strictly between prev and next under lexicographic
// order. Either bound may be empty, meaning unbounded on that side; with both
// empty the midpoint of the key space is returned.
func KeyBetween(prev, next string) (string, error) {
	if err := validate(prev); err != nil {
		return "", err
	}
	if err := validate(next); err != nil {
		return "", err
	}
	if prev != "" && next != "" && prev >= next {
		return "", errors.Wrapf(types.ErrInvalidArgument,
			"key order: %q >= %q", prev, next)
	}
	return midpoint(prev, next), nil
}

// NKeysBetween returns n evenly spaced keys strictly between prev and next,
// in ascending order. Used to rebalance a sibling list whose keys have grown
// past MaxKeyLen.
func NKeysBetween(prev, next string, n int) ([]string, error) {
	if n < 0 {
		return nil, errors.Wrap(types.ErrInvalidArgument, "negative key count")
	}
	if err := validate(prev); err != nil {
		return nil, err
	}
	if err := validate(next); err != nil {
		return nil, err
	}
	if prev != "" && next != "" && prev >= next {
		return nil, errors.Wrapf(types.ErrInvalidArgument,
			"key order: %q >= %q", prev, next)
	}
	return nKeys(prev, next, n), nil
}

func nKeys(prev, next string, n int) []string {
	if n == 0 {
		return nil
	}
	mid := midpoint(prev, next)
	if n == 1 {
		return []string{mid}
	}
	half := (n - 1) / 2
	out := make([]string, 0, n)
	out = append(out, nKeys(prev, mid, half)...)
	out = append(out, mid)
	out = append(out, nKeys(mid, next, n-half-1)...)
	return out
}

func validate(key string) error {
	if key == "" {
		return nil
	}
	for i := 0; i < len(key); i++ {
		if strings.IndexByte(digits, key[i]) < 0 {
			return errors.Wrapf(types.ErrInvalidArgument,
				"key %q contains invalid digit %q", key, key[i])
		}
	}
	if key[len(key)-1] == digits[0] {
		return errors.Wrapf(types.ErrInvalidArgument,
			"key %q ends in the smallest digit", key)
	}
	return nil
}

// midpoint assumes a < b (empty means unbounded) and both are valid keys.
func midpoint(a, b string) string {
	if b != "" {
		// The shared prefix carries through unchanged. The lower bound
		// reads as zero-padded, so "" shares the prefix "0" with "0V";
		// without the padding the consecutive-digit branch below could
		// mint a key ending in the smallest digit.
		n := 0
		for n < len(b) {
			ac := digits[0]
			if n < len(a) {
				ac = a[n]
			}
			if b[n] != ac {
				break
			}
			n++
		}
		if n > 0 {
			rest := ""
			if n < len(a) {
				rest = a[n:]
			}
			return b[:n] + midpoint(rest, b[n:])
		}
	}

	da := 0
	if a != "" {
		da = strings.IndexByte(digits, a[0])
	}
	db := len(digits)
	if b != "" {
		db = strings.IndexByte(digits, b[0])
	}

	if db-da > 1 {
		return string(digits[(da+db)/2])
	}

	// first digits are consecutive
	if len(b) > 1 {
		return b[:1]
	}
	// b is empty or a single digit: keep a's first digit and recurse on
	// its tail against the upper bound
	rest := ""
	if a != "" {
		rest = a[1:]
	}
	return string(digits[da]) + midpoint(rest, "")
}
