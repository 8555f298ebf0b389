package mock

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqhunter/internal/core"
	apperrors "liqhunter/pkg/errors"
)

func entryRequest(symbol, clientID string) *core.PlaceOrderRequest {
	return &core.PlaceOrderRequest{
		Symbol:        symbol,
		Side:          core.SideBuy,
		Type:          core.OrderTypeLimit,
		Qty:           decimal.RequireFromString("0.5"),
		Price:         decimal.RequireFromString("60000"),
		TimeInForce:   core.TIFGoodTillCancel,
		ClientOrderID: clientID,
	}
}

func TestMockVenueIdempotentClientOrderID(t *testing.T) {
	v := NewMockVenue()

	o1, err := v.PlaceOrder(context.Background(), entryRequest("BTCUSDT", "client-123"))
	require.NoError(t, err)
	o2, err := v.PlaceOrder(context.Background(), entryRequest("BTCUSDT", "client-123"))
	require.NoError(t, err)

	assert.Equal(t, o1.OrderID, o2.OrderID)
	assert.Len(t, v.Orders(), 1)
}

func TestMockVenueMarketOrdersFillAtMark(t *testing.T) {
	v := NewMockVenue()
	v.SetMark("BTCUSDT", decimal.RequireFromString("61200"))

	o, err := v.PlaceOrder(context.Background(), &core.PlaceOrderRequest{
		Symbol: "BTCUSDT",
		Side:   core.SideSell,
		Type:   core.OrderTypeMarket,
		Qty:    decimal.RequireFromString("2"),
	})
	require.NoError(t, err)

	assert.Equal(t, core.OrderStatusFilled, o.Status)
	assert.True(t, o.ExecutedQty.Equal(decimal.RequireFromString("2")))
	assert.True(t, o.AvgFillPrice.Equal(decimal.RequireFromString("61200")))
}

func TestMockVenueCancelTerminalOrderNotFound(t *testing.T) {
	v := NewMockVenue()

	o, err := v.PlaceOrder(context.Background(), entryRequest("BTCUSDT", "c-1"))
	require.NoError(t, err)
	require.NoError(t, v.CancelOrder(context.Background(), &core.CancelOrderRequest{Symbol: "BTCUSDT", OrderID: o.OrderID}))

	err = v.CancelOrder(context.Background(), &core.CancelOrderRequest{Symbol: "BTCUSDT", OrderID: o.OrderID})
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)

	err = v.CancelOrder(context.Background(), &core.CancelOrderRequest{Symbol: "BTCUSDT", OrderID: 424242})
	assert.ErrorIs(t, err, apperrors.ErrOrderNotFound)
}

func TestMockVenueScriptedFailures(t *testing.T) {
	v := NewMockVenue()
	v.FailWith("PlaceOrder", apperrors.ErrRateLimited)

	_, err := v.PlaceOrder(context.Background(), entryRequest("BTCUSDT", "c-2"))
	assert.ErrorIs(t, err, apperrors.ErrRateLimited)

	v.FailWith("PlaceOrder", nil)
	_, err = v.PlaceOrder(context.Background(), entryRequest("BTCUSDT", "c-2"))
	assert.NoError(t, err)
	assert.Equal(t, 2, v.Calls("PlaceOrder"))
}

func TestMockVenueOpenOrdersFiltersTerminal(t *testing.T) {
	v := NewMockVenue()

	a, err := v.PlaceOrder(context.Background(), entryRequest("BTCUSDT", "c-a"))
	require.NoError(t, err)
	_, err = v.PlaceOrder(context.Background(), entryRequest("ETHUSDT", "c-b"))
	require.NoError(t, err)
	require.True(t, v.FillOrder(a.OrderID, decimal.RequireFromString("0.5"), decimal.RequireFromString("60000")))

	open, err := v.OpenOrders(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "ETHUSDT", open[0].Symbol)

	open, err = v.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Empty(t, open)
}
