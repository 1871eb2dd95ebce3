package feecache

import (
	"context"
	"testing"

	"dexgrid/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	marketFee decimal.Decimal
	takerFee  decimal.Decimal
	create    int64
	update    int64
	cancel    int64
}

func (f fakeSource) GetAssetFeePercent(ctx context.Context, assetID core.ChainId) (decimal.Decimal, decimal.Decimal, error) {
	return f.marketFee, f.takerFee, nil
}

func (f fakeSource) GetOperationFees(ctx context.Context, networkFeeAssetID core.ChainId) (int64, int64, int64, error) {
	return f.create, f.update, f.cancel, nil
}

func TestInitializeAndGetAssetFees(t *testing.T) {
	fc := New(core.ChainId("1.3.0"))
	src := fakeSource{
		marketFee: decimal.RequireFromString("0.01"),
		takerFee:  decimal.RequireFromString("0.02"),
		create:    100, update: 50, cancel: 0,
	}
	require.NoError(t, fc.Initialize(context.Background(), []core.ChainId{"1.3.1"}, src))
	assert.True(t, fc.IsInitialized())

	q := fc.GetAssetFees("1.3.1", decimal.NewFromInt(1000), false)
	assert.True(t, q.Net.Equal(decimal.RequireFromString("990")))
}

func TestGetAssetFeesNetworkAssetTakerVsMaker(t *testing.T) {
	fc := New(core.ChainId("1.3.0"))
	src := fakeSource{
		marketFee: decimal.Zero,
		takerFee:  decimal.RequireFromString("0.05"),
		create:    100, update: 50, cancel: 0,
	}
	require.NoError(t, fc.Initialize(context.Background(), nil, src))

	taker := fc.GetAssetFees("1.3.0", decimal.NewFromInt(1000), false)
	assert.True(t, taker.Net.Equal(decimal.RequireFromString("950")))
	assert.True(t, taker.TakerFullFee.Equal(decimal.RequireFromString("50")))

	maker := fc.GetAssetFees("1.3.0", decimal.NewFromInt(1000), true)
	assert.True(t, maker.Net.Equal(decimal.NewFromInt(1000)))
}

func TestGetAssetFeesUnknownAssetPassesThrough(t *testing.T) {
	fc := New(core.ChainId("1.3.0"))
	q := fc.GetAssetFees("1.3.99", decimal.NewFromInt(42), false)
	assert.True(t, q.Net.Equal(decimal.NewFromInt(42)))
}
