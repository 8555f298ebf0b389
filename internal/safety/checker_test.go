package safety

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	"liqhunter/internal/logging"
	"liqhunter/internal/mock"
	apperrors "liqhunter/pkg/errors"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testConfig() *config.Config {
	return &config.Config{
		Engine: config.EngineConfig{
			HedgeMode:                true,
			MaxTranchesPerSymbolSide: 5,
		},
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {Leverage: 10, TradeValueUSDT: 100},
		},
	}
}

func newVenue() *mock.MockVenue {
	v := mock.NewMockVenue()
	v.SetSymbolSpec(&core.SymbolSpec{
		Symbol: "BTCUSDT", TickSize: d("0.1"), StepSize: d("0.001"),
		MinQty: d("0.001"), MinNotional: d("5"),
	})
	v.SetMark("BTCUSDT", d("60000"))
	return v
}

func TestFreshAccountWithHeadroomPasses(t *testing.T) {
	// Worst case: 100 USDT at 10x is 1000 notional per tranche, x 5
	// tranches x 2 sides = 10000 notional, 1000 margin, 1200 with
	// headroom. The default 10000 balance covers it.
	c := NewChecker(testConfig(), logging.Discard())
	assert.NoError(t, c.CheckAccount(context.Background(), newVenue()))
}

func TestThinBalanceRefused(t *testing.T) {
	v := newVenue()
	v.SetAccount(&core.AccountState{
		TotalWalletBalance: d("100"),
		AvailableBalance:   d("80"),
	})

	c := NewChecker(testConfig(), logging.Discard())
	err := c.CheckAccount(context.Background(), v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot carry configured exposure")
}

func TestExistingPositionsSkipMarginCheck(t *testing.T) {
	v := newVenue()
	v.SetAccount(&core.AccountState{
		TotalWalletBalance: d("100"),
		AvailableBalance:   d("1"),
	})
	v.SetPositions("BTCUSDT", []*core.VenuePosition{
		{Symbol: "BTCUSDT", Side: core.PositionLong, Qty: d("0.02"), EntryPrice: d("59000")},
	})

	c := NewChecker(testConfig(), logging.Discard())
	assert.NoError(t, c.CheckAccount(context.Background(), v),
		"a resuming engine defers to recovery instead of margin-gating itself")
}

func TestExposureCapTrimsWorstCase(t *testing.T) {
	cfg := testConfig()
	cfg.Engine.MaxTotalExposureUSDT = 200
	v := newVenue()
	// 200 capped notional at 10x needs 20 margin, 24 with headroom.
	v.SetAccount(&core.AccountState{
		TotalWalletBalance: d("30"),
		AvailableBalance:   d("30"),
	})

	c := NewChecker(cfg, logging.Discard())
	assert.NoError(t, c.CheckAccount(context.Background(), v))
}

func TestZeroBalanceRefused(t *testing.T) {
	v := newVenue()
	v.SetAccount(&core.AccountState{})

	c := NewChecker(testConfig(), logging.Discard())
	err := c.CheckAccount(context.Background(), v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient account balance")
}

func TestConnectivityProbe(t *testing.T) {
	c := NewChecker(testConfig(), logging.Discard())
	assert.NoError(t, c.CheckConnectivity(context.Background(), newVenue()))

	v := newVenue()
	v.FailWith("GetAccount", apperrors.ErrAuthFailed)
	err := c.CheckConnectivity(context.Background(), v)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuthFailed)
}
