package precision

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripLaw(t *testing.T) {
	x := decimal.RequireFromString("1.23456")
	var prec uint8 = 4

	i, clamped := ToInt(x, prec)
	require.False(t, clamped)

	back := ToFloat(i, prec)
	want := x.Round(int32(prec))
	assert.True(t, want.Equal(back), "got %s want %s", back, want)

	assert.True(t, Quantize(x, prec).Equal(back))
}

func TestToIntClampsOverflow(t *testing.T) {
	huge := decimal.New(1, 30)
	i, clamped := ToInt(huge, 5)
	assert.True(t, clamped)
	assert.Equal(t, int64(maxI64), i)
}

func TestToIntClampsUnderflow(t *testing.T) {
	huge := decimal.New(-1, 30)
	i, clamped := ToInt(huge, 5)
	assert.True(t, clamped)
	assert.Equal(t, int64(minI64), i)
}

func TestValidateWithinInt64(t *testing.T) {
	small := decimal.RequireFromString("100.5")
	assert.True(t, ValidateWithinInt64(small, small, 5, 5))

	huge := decimal.New(1, 30)
	assert.False(t, ValidateWithinInt64(huge, small, 5, 5))
}

func TestRequirePrecision(t *testing.T) {
	var p uint8 = 5
	assert.NoError(t, RequirePrecision("build_create_op", &p))
	assert.Error(t, RequirePrecision("build_create_op", nil))
}
