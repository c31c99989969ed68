// Package units converts between human token amounts, per-interval amounts
// and per-second flow rates.
//
// Flow rates are always atomic units per second. Users think in "amount per
// month"; converting one to the other truncates toward zero exactly the way the
// streaming protocol does, so a round trip can lose sub-second dust.
package units

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Interval is a named streaming period.
type Interval string

const (
	Day   Interval = "day"
	Week  Interval = "week"
	Month Interval = "month"
	Year  Interval = "year"
)

// Seconds per interval. A month is 1/12 of a 365-day year.
const (
	SecondsPerDay   int64 = 86_400
	SecondsPerWeek  int64 = 7 * SecondsPerDay
	SecondsPerMonth int64 = 2_628_000
	SecondsPerYear  int64 = 31_536_000
)

// DefaultDecimals is the precision of 18-decimal ERC-20 style tokens.
const DefaultDecimals int32 = 18

// ErrUnknownInterval is returned when parsing an unrecognised interval name.
var ErrUnknownInterval = errors.New("unknown interval")

// ErrSubAtomicAmount is returned when an amount has more precision than the token.
var ErrSubAtomicAmount = errors.New("amount is finer than one atomic unit")

// ParseInterval parses an interval name (case-insensitive).
func ParseInterval(s string) (Interval, error) {
	switch iv := Interval(strings.ToLower(strings.TrimSpace(s))); iv {
	case Day, Week, Month, Year:
		return iv, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownInterval, s)
	}
}

// Seconds returns the length of the interval in seconds.
// Unknown intervals return 0.
func (i Interval) Seconds() int64 {
	switch i {
	case Day:
		return SecondsPerDay
	case Week:
		return SecondsPerWeek
	case Month:
		return SecondsPerMonth
	case Year:
		return SecondsPerYear
	default:
		return 0
	}
}

// FlowRate converts an amount per interval into a per-second flow rate,
// truncating toward zero.
func FlowRate(amountPerInterval *big.Int, interval Interval) (*big.Int, error) {
	secs := interval.Seconds()
	if secs == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInterval, string(interval))
	}
	if amountPerInterval == nil {
		return new(big.Int), nil
	}
	return new(big.Int).Quo(amountPerInterval, big.NewInt(secs)), nil
}

// PerInterval converts a per-second flow rate into the amount streamed over one interval.
func PerInterval(flowRate *big.Int, interval Interval) *big.Int {
	if flowRate == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(flowRate, big.NewInt(interval.Seconds()))
}

// ParseAmount parses a decimal token amount ("1.5") into atomic units.
// Amounts with more fractional digits than decimals are rejected rather
// than rounded.
func ParseAmount(s string, decimals int32) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return new(big.Int), nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("parse amount %q: %w", s, err)
	}
	scaled := d.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, fmt.Errorf("%w: %q with %d decimals", ErrSubAtomicAmount, s, decimals)
	}
	return scaled.BigInt(), nil
}

// FormatAmount renders atomic units as a decimal token amount rounded to
// places fractional digits. Trailing zeros are dropped.
func FormatAmount(v *big.Int, decimals, places int32) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -decimals).Round(places).String()
}

// FormatFlowRate renders a per-second flow rate as a per-interval amount,
// e.g. "12.5/month".
func FormatFlowRate(flowRate *big.Int, interval Interval, decimals, places int32) string {
	return FormatAmount(PerInterval(flowRate, interval), decimals, places) + "/" + string(interval)
}
