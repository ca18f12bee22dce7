// Package precision accumulates gas and fee totals held as base-10 integer strings.
//
// Values are arbitrary-precision non-negative integers. Inputs may carry leading zeros;
// outputs never do. Malformed inputs fail with errs.InvalidNumeric and are never coerced.
package precision

import (
	"github.com/shopspring/decimal"

	"github.com/canopy-network/dappscope/pkg/errs"
)

// Zero is the normalized additive identity.
const Zero = "0"

// Valid reports whether s is a non-empty run of ASCII digits.
func Valid(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// Normalize strips leading zeros, keeping a single "0" for zero.
func Normalize(s string) (string, error) {
	if !Valid(s) {
		return "", errs.InvalidNumericf("precision.normalize", "%q is not a non-negative base-10 integer", s)
	}
	i := 0
	for i < len(s)-1 && s[i] == '0' {
		i++
	}
	return s[i:], nil
}

func parse(op, s string) (decimal.Decimal, error) {
	if !Valid(s) {
		return decimal.Decimal{}, errs.InvalidNumericf(op, "%q is not a non-negative base-10 integer", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, errs.Wrap(errs.InvalidNumeric, op, "", err)
	}
	return d, nil
}

// Add returns a+b exactly.
func Add(a, b string) (string, error) {
	x, err := parse("precision.add", a)
	if err != nil {
		return "", err
	}
	y, err := parse("precision.add", b)
	if err != nil {
		return "", err
	}
	return x.Add(y).String(), nil
}

// Sum folds Add over values. An empty call returns Zero.
func Sum(values ...string) (string, error) {
	total := decimal.Zero
	for _, v := range values {
		d, err := parse("precision.sum", v)
		if err != nil {
			return "", err
		}
		total = total.Add(d)
	}
	return total.String(), nil
}

// Compare returns -1, 0 or +1 as a is less than, equal to or greater than b.
func Compare(a, b string) (int, error) {
	x, err := parse("precision.compare", a)
	if err != nil {
		return 0, err
	}
	y, err := parse("precision.compare", b)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}

// MustCompare is Compare for values already known to be valid, such as persisted totals.
// Invalid input sorts as zero.
func MustCompare(a, b string) int {
	c, err := Compare(orZero(a), orZero(b))
	if err != nil {
		return 0
	}
	return c
}

func orZero(s string) string {
	if Valid(s) {
		return s
	}
	return Zero
}
