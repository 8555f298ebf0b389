package binance

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqhunter/internal/core"
	apperrors "liqhunter/pkg/errors"
	pkghttp "liqhunter/pkg/http"
)

func TestMapVenueCode(t *testing.T) {
	tests := []struct {
		name string
		code int
		msg  string
		want error
	}{
		{"rate limited", -1003, "Too many requests", apperrors.ErrRateLimited},
		{"recv window", -1021, "Timestamp outside of recvWindow", apperrors.ErrNetwork},
		{"bad api key", -2015, "Invalid API-key, IP, or permissions", apperrors.ErrAuthFailed},
		{"bad signature", -1022, "Signature for this request is not valid", apperrors.ErrAuthFailed},
		{"unexpected param", -1106, "Parameter reduceOnly sent when not required", apperrors.ErrInvalidParam},
		{"precision", -1111, "Precision is over the maximum defined", apperrors.ErrInvalidParam},
		{"tick size", -4014, "Price not increased by tick size", apperrors.ErrInvalidParam},
		{"would trigger", -2021, "Order would immediately trigger", apperrors.ErrInvalidParam},
		{"position side mismatch", -4061, "Order's position side does not match", apperrors.ErrInvalidParam},
		{"cancel unknown", -2011, "Unknown order sent", apperrors.ErrOrderNotFound},
		{"no such order", -2013, "Order does not exist", apperrors.ErrOrderNotFound},
		{"balance", -2018, "Balance is insufficient", apperrors.ErrInsufficientBalance},
		{"margin", -2019, "Margin is insufficient", apperrors.ErrInsufficientBalance},
		{"reduce only", -2022, "ReduceOnly Order is rejected", apperrors.ErrReduceOnlyRejected},
		{"margin type no-op", -4046, "No need to change margin type", apperrors.ErrNoPositionSideChange},
		{"position mode no-op", -4059, "No need to change position side", apperrors.ErrNoPositionSideChange},
		{"multi assets no-op", -4171, "No need to change Multi-Assets Mode", apperrors.ErrNoPositionSideChange},
		{"min notional", -4164, "Order's notional must be no smaller than 100", apperrors.ErrMinNotional},
		{"duplicate by message", -2010, "Duplicate order sent.", apperrors.ErrDuplicateOrder},
		{"unknown code", -9999, "something new", apperrors.ErrUnknownVenue},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := mapVenueCode(tc.code, tc.msg)
			assert.True(t, errors.Is(err, tc.want), "code %d: got %v", tc.code, err)
		})
	}
}

func TestParseVenueErrorGarbageBody(t *testing.T) {
	err := parseVenueError([]byte("<html>gateway timeout</html>"))
	assert.True(t, errors.Is(err, apperrors.ErrUnknownVenue))
}

func TestMapAPIErrorStatuses(t *testing.T) {
	c := &Client{}

	err := c.mapAPIError(&pkghttp.APIError{StatusCode: http.StatusTooManyRequests})
	assert.True(t, errors.Is(err, apperrors.ErrRateLimited))

	err = c.mapAPIError(&pkghttp.APIError{StatusCode: http.StatusTeapot})
	assert.True(t, errors.Is(err, apperrors.ErrBanned))

	err = c.mapAPIError(&pkghttp.APIError{StatusCode: http.StatusBadGateway})
	assert.True(t, errors.Is(err, apperrors.ErrNetwork))

	err = c.mapAPIError(&pkghttp.APIError{
		StatusCode: http.StatusBadRequest,
		Body:       []byte(`{"code":-2019,"msg":"Margin is insufficient."}`),
	})
	assert.True(t, errors.Is(err, apperrors.ErrInsufficientBalance))
}

func TestSpecViolation(t *testing.T) {
	assert.True(t, specViolation(mapVenueCode(-1111, "Precision is over the maximum defined for this asset.")))
	assert.True(t, specViolation(mapVenueCode(-4014, "Price not increased by tick size.")))
	assert.False(t, specViolation(mapVenueCode(-4164, "Order's notional must be no smaller than 100")))
	assert.False(t, specViolation(mapVenueCode(-2019, "Margin is insufficient.")))
	assert.False(t, specViolation(nil))
}

func TestRawOrderToOrder(t *testing.T) {
	raw := rawOrder{
		OrderID:       123,
		ClientOrderID: "liq-1",
		Symbol:        "BTCUSDT",
		Status:        "PARTIALLY_FILLED",
		Side:          "SELL",
		PositionSide:  "SHORT",
		Type:          "LIMIT",
		TimeInForce:   "GTX",
		Price:         "61138.8",
		StopPrice:     "0",
		OrigQty:       "0.500",
		ExecutedQty:   "0.200",
		AvgPrice:      "61140.1",
		ReduceOnly:    true,
		WorkingType:   "MARK_PRICE",
		UpdateTime:    1_700_000_000_500,
	}
	o := raw.toOrder()

	assert.Equal(t, int64(123), o.OrderID)
	assert.Equal(t, core.SideSell, o.Side)
	assert.Equal(t, core.PositionShort, o.PositionSide)
	assert.Equal(t, core.OrderStatusPartiallyFilled, o.Status)
	assert.Equal(t, core.OrderTypeLimit, o.Type)
	assert.Equal(t, core.TIFPostOnly, o.TimeInForce)
	assert.Equal(t, core.WorkingTypeMark, o.WorkingType)
	assert.True(t, o.ReduceOnly)
	assert.True(t, o.Price.Equal(decimal.RequireFromString("61138.8")))
	assert.True(t, o.ExecutedQty.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, o.AvgFillPrice.Equal(decimal.RequireFromString("61140.1")))
	assert.Equal(t, int64(-1), o.TrancheID)
	assert.Equal(t, time.UnixMilli(1_700_000_000_500), o.UpdatedAt)

	raw.PositionSide = ""
	assert.Equal(t, core.PositionBoth, raw.toOrder().PositionSide,
		"missing position side defaults to one-way BOTH")
}

func TestOrderParamsMarketOrder(t *testing.T) {
	p := orderParams(&core.PlaceOrderRequest{
		Symbol: "BTCUSDT",
		Side:   core.SideSell,
		Type:   core.OrderTypeMarket,
		Qty:    decimal.RequireFromString("0.25"),
	})
	require.Equal(t, "MARKET", p.Get("type"))
	assert.Equal(t, "0.25", p.Get("quantity"))
	assert.Empty(t, p.Get("price"))
	assert.Empty(t, p.Get("timeInForce"))
	assert.Empty(t, p.Get("stopPrice"))
}
