// Package wei implements exact conversion between 18-decimal string amounts
// and 256-bit integers. Amounts never pass through native floating point; the
// one deliberate exception is contribution scaling, which is documented on
// ContributionToBigInt.
package wei

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/holiman/uint256"
)

// Decimals is the number of fractional digits carried by amount strings.
const Decimals = 18

// contributionScale converts float contributions into integer weights with
// nine digits of precision before any wei math happens.
const contributionScale = 1_000_000_000

// maxSafeContribution mirrors the 2^53 ceiling above which float64 can no
// longer represent integers exactly.
const maxSafeContribution = float64(1 << 53)

var (
	// ErrInvalidAmount marks malformed or out-of-range decimal strings.
	ErrInvalidAmount = errors.New("wei: invalid amount")
	// ErrNegativeAmount marks amounts below zero.
	ErrNegativeAmount = errors.New("wei: amount must not be negative")
	// ErrInvalidContribution marks non-finite, negative, or oversized
	// contribution weights.
	ErrInvalidContribution = errors.New("wei: invalid contribution")
	// ErrTotalMismatch is returned when milestone amounts do not sum to the
	// declared total.
	ErrTotalMismatch = errors.New("wei: milestone amounts do not sum to total")
)

var unit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Decimals), nil)

// ToWei parses a non-negative decimal string into an integer wei amount.
// Accepted forms are "12", "12.5", ".5", and "0.000000000000000001"; more
// than 18 fractional digits, signs other than an optional leading minus
// (which is rejected), and empty strings are errors.
func ToWei(s string) (*big.Int, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}
	if strings.HasPrefix(trimmed, "-") {
		return nil, fmt.Errorf("%w: %q", ErrNegativeAmount, s)
	}
	if strings.HasPrefix(trimmed, "+") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	intPart := trimmed
	fracPart := ""
	if idx := strings.IndexByte(trimmed, '.'); idx >= 0 {
		intPart = trimmed[:idx]
		fracPart = trimmed[idx+1:]
		if strings.IndexByte(fracPart, '.') >= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	if intPart == "" && fracPart == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if len(fracPart) > Decimals {
		return nil, fmt.Errorf("%w: %q exceeds %d fractional digits", ErrInvalidAmount, s, Decimals)
	}
	if intPart == "" {
		intPart = "0"
	}
	if !isDigits(intPart) || (fracPart != "" && !isDigits(fracPart)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	whole.Mul(whole, unit)
	if fracPart != "" {
		frac, ok := new(big.Int).SetString(fracPart, 10)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Decimals-len(fracPart))), nil)
		whole.Add(whole, frac.Mul(frac, scale))
	}
	if _, overflow := uint256.FromBig(whole); overflow {
		return nil, fmt.Errorf("%w: %q exceeds 256 bits", ErrInvalidAmount, s)
	}
	return whole, nil
}

// FromWei renders an integer wei amount as its canonical decimal string: a
// single leading zero for sub-unit values and no trailing fractional zeros.
func FromWei(n *big.Int) string {
	if n == nil || n.Sign() == 0 {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Abs(n)
	if n.Sign() < 0 {
		sign = "-"
	}
	whole, frac := new(big.Int).QuoRem(abs, unit, new(big.Int))
	if frac.Sign() == 0 {
		return sign + whole.String()
	}
	digits := fmt.Sprintf("%0*s", Decimals, frac.String())
	digits = strings.TrimRight(digits, "0")
	return sign + whole.String() + "." + digits
}

// ValidateMilestonesTotal checks that the milestone amounts sum exactly to
// the declared total. Each amount must also be strictly positive.
func ValidateMilestonesTotal(amounts []string, total string) error {
	want, err := ToWei(total)
	if err != nil {
		return err
	}
	sum := new(big.Int)
	for i, amount := range amounts {
		value, err := ToWei(amount)
		if err != nil {
			return fmt.Errorf("milestone %d: %w", i, err)
		}
		if value.Sign() <= 0 {
			return fmt.Errorf("%w: milestone %d amount must be positive", ErrInvalidAmount, i)
		}
		sum.Add(sum, value)
	}
	if sum.Cmp(want) != 0 {
		return fmt.Errorf("%w: got %s, want %s", ErrTotalMismatch, FromWei(sum), FromWei(want))
	}
	return nil
}

// ContributionToBigInt scales a float contribution weight into an integer by
// multiplying by 10^9 and flooring. The float multiply is intentionally
// approximate: contributions are relative weights, not amounts, so a sub-ppb
// rounding loss cannot move money. Non-finite, negative, or >2^53 inputs are
// rejected.
func ContributionToBigInt(contribution float64) (*big.Int, error) {
	if math.IsNaN(contribution) || math.IsInf(contribution, 0) {
		return nil, fmt.Errorf("%w: not finite", ErrInvalidContribution)
	}
	if contribution < 0 {
		return nil, fmt.Errorf("%w: negative", ErrInvalidContribution)
	}
	if contribution > maxSafeContribution {
		return nil, fmt.Errorf("%w: exceeds 2^53", ErrInvalidContribution)
	}
	scaled := math.Floor(contribution * contributionScale)
	out, _ := new(big.Float).SetFloat64(scaled).Int(nil)
	return out, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}
