// Package precision implements integer/float conversions at per-asset
// decimal precision, rounding prices and quantities through
// shopspring/decimal down to the grid engine's int64 chain-amount
// representation.
package precision

import (
	"math"

	apperrors "dexgrid/pkg/errors"

	"github.com/shopspring/decimal"
)

const (
	maxI64 = math.MaxInt64
	minI64 = math.MinInt64
)

// ToInt rounds x to the nearest integer unit at precision prec (i.e. x *
// 10^prec), clamping to the int64 range. Clamping is a logged invariant
// violation upstream, not a normal path; callers that can reach it should
// treat the result as a warning sign.
func ToInt(x decimal.Decimal, prec uint8) (int64, bool) {
	scale := decimal.New(1, int32(prec))
	scaled := x.Mul(scale).Round(0)

	clamped := false
	max := decimal.NewFromInt(maxI64)
	min := decimal.NewFromInt(minI64)
	if scaled.GreaterThan(max) {
		scaled = max
		clamped = true
	} else if scaled.LessThan(min) {
		scaled = min
		clamped = true
	}
	return scaled.IntPart(), clamped
}

// ToFloat converts an integer amount at precision prec back to a decimal.
func ToFloat(i int64, prec uint8) decimal.Decimal {
	scale := decimal.New(1, int32(prec))
	return decimal.NewFromInt(i).Div(scale)
}

// Quantize rounds x through the int64 round-trip at prec, so planners never
// submit a size that to_int/to_float would silently truncate later.
func Quantize(x decimal.Decimal, prec uint8) decimal.Decimal {
	i, _ := ToInt(x, prec)
	return ToFloat(i, prec)
}

// ValidateWithinInt64 reports whether the given sell/receive float amounts,
// quantized at their respective precisions, fit int64 without clamping.
func ValidateWithinInt64(sell decimal.Decimal, recv decimal.Decimal, sellPrec, recvPrec uint8) bool {
	_, sellClamped := ToInt(sell, sellPrec)
	_, recvClamped := ToInt(recv, recvPrec)
	return !sellClamped && !recvClamped
}

// RequirePrecision returns a PrecisionMissing GridError if prec is the zero
// value used as a sentinel for "not configured" by callers that resolve
// asset metadata lazily (spec: precision is mandatory, never defaulted).
func RequirePrecision(op string, prec *uint8) error {
	if prec == nil {
		return apperrors.New(apperrors.PrecisionMissing, op, nil)
	}
	return nil
}
