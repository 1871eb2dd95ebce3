package mock

import (
	"context"
	"testing"

	"dexgrid/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainClientBroadcastCreateDebitsBalance(t *testing.T) {
	c := NewChainClient("1.2.3", map[string]int64{"1.3.1": 1_000_000}, nil)

	result, err := c.Broadcast(context.Background(), "1.2.3", "idem-1", []core.ChainOp{
		{Create: &core.CreateOp{Seller: "1.2.3", SellAssetID: "1.3.1", AmountToSell: 100, ReceiveAssetID: "1.3.0", MinToReceive: 10}},
	})
	require.NoError(t, err)
	require.Len(t, result.OperationResults, 1)
	assert.True(t, result.OperationResults[0].Success)
	assert.Equal(t, int64(999_900), c.balances["1.3.1"])
}

func TestChainClientBroadcastCreateRejectsInsufficientBalance(t *testing.T) {
	c := NewChainClient("1.2.3", map[string]int64{"1.3.1": 50}, nil)

	result, err := c.Broadcast(context.Background(), "1.2.3", "idem-1", []core.ChainOp{
		{Create: &core.CreateOp{Seller: "1.2.3", SellAssetID: "1.3.1", AmountToSell: 100, ReceiveAssetID: "1.3.0", MinToReceive: 10}},
	})
	require.NoError(t, err)
	require.Len(t, result.OperationResults, 1)
	assert.False(t, result.OperationResults[0].Success)
}

func TestChainClientBroadcastCancelRefundsBalance(t *testing.T) {
	c := NewChainClient("1.2.3", map[string]int64{"1.3.1": 1_000}, nil)

	created, err := c.Broadcast(context.Background(), "1.2.3", "idem-1", []core.ChainOp{
		{Create: &core.CreateOp{Seller: "1.2.3", SellAssetID: "1.3.1", AmountToSell: 400, ReceiveAssetID: "1.3.0", MinToReceive: 10}},
	})
	require.NoError(t, err)
	orderID := created.OperationResults[0].OrderID

	_, err = c.Broadcast(context.Background(), "1.2.3", "idem-2", []core.ChainOp{
		{Cancel: &core.CancelOp{Seller: "1.2.3", Order: orderID}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), c.balances["1.3.1"])
}

func TestPriceSourceSetAndGet(t *testing.T) {
	p := NewPriceSource(decimal.NewFromInt(2))
	got, err := p.GetPrice(context.Background(), "1.3.0/1.3.1")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(2)))

	p.SetPrice(decimal.NewFromInt(3))
	got, err = p.GetPrice(context.Background(), "1.3.0/1.3.1")
	require.NoError(t, err)
	assert.True(t, got.Equal(decimal.NewFromInt(3)))
}

func TestSignerPassesThroughUnchanged(t *testing.T) {
	signed, err := Signer{}.Sign("raw-tx", "key")
	require.NoError(t, err)
	assert.Equal(t, "raw-tx", signed)
}

func TestFeeSourceReturnsConfiguredSchedule(t *testing.T) {
	f := NewFeeSource()
	market, taker, err := f.GetAssetFeePercent(context.Background(), core.ChainId("1.3.0"))
	require.NoError(t, err)
	assert.True(t, market.Equal(f.MarketPercent))
	assert.True(t, taker.Equal(f.TakerPercent))

	create, update, cancel, err := f.GetOperationFees(context.Background(), core.ChainId("1.3.0"))
	require.NoError(t, err)
	assert.Equal(t, f.CreateFee, create)
	assert.Equal(t, f.UpdateFee, update)
	assert.Equal(t, f.CancelFee, cancel)
}
