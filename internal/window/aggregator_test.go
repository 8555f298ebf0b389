package window

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqhunter/internal/core"
	"liqhunter/internal/logging"
	"liqhunter/internal/store"
	"liqhunter/pkg/telemetry"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestAggregator(span time.Duration) (*Aggregator, *fakeClock) {
	a := NewAggregator(span, logging.Discard())
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	a.now = clk.Now
	return a, clk
}

func liq(symbol string, side core.Side, value string, at time.Time) *core.Liquidation {
	return &core.Liquidation{
		EventID:   fmt.Sprintf("%s-%d-%s", symbol, at.UnixMilli(), value),
		Symbol:    symbol,
		Side:      side,
		Qty:       decimal.NewFromInt(1),
		Price:     decimal.RequireFromString(value),
		USDTValue: decimal.RequireFromString(value),
		EventTime: at,
	}
}

func TestAggregatorSumsPerSymbolAndSide(t *testing.T) {
	a, clk := newTestAggregator(8 * time.Second)

	a.Add(liq("BTCUSDT", core.SideSell, "1000", clk.Now()))
	a.Add(liq("BTCUSDT", core.SideSell, "250.5", clk.Now()))
	a.Add(liq("BTCUSDT", core.SideBuy, "90", clk.Now()))
	a.Add(liq("ETHUSDT", core.SideSell, "40", clk.Now()))

	assert.True(t, a.Current("BTCUSDT", core.SideSell).Equal(decimal.RequireFromString("1250.5")))
	assert.True(t, a.Current("BTCUSDT", core.SideBuy).Equal(decimal.NewFromInt(90)))
	assert.True(t, a.Current("ETHUSDT", core.SideSell).Equal(decimal.NewFromInt(40)))
	assert.True(t, a.Current("ETHUSDT", core.SideBuy).IsZero())
	assert.True(t, a.Current("SOLUSDT", core.SideSell).IsZero())
}

func TestAggregatorEvictionBoundary(t *testing.T) {
	a, clk := newTestAggregator(8 * time.Second)
	t0 := clk.Now()

	a.Add(liq("BTCUSDT", core.SideSell, "1000", t0))

	// A sample exactly span old still counts.
	clk.Advance(8 * time.Second)
	assert.True(t, a.Current("BTCUSDT", core.SideSell).Equal(decimal.NewFromInt(1000)))

	// One millisecond past the span it is gone.
	clk.Advance(time.Millisecond)
	assert.True(t, a.Current("BTCUSDT", core.SideSell).IsZero())
}

func TestAggregatorDecaysWithoutNewEvents(t *testing.T) {
	a, clk := newTestAggregator(8 * time.Second)
	t0 := clk.Now()

	a.Add(liq("BTCUSDT", core.SideSell, "1000", t0))
	clk.Advance(5 * time.Second)
	a.Add(liq("BTCUSDT", core.SideSell, "500", clk.Now()))

	assert.True(t, a.Current("BTCUSDT", core.SideSell).Equal(decimal.NewFromInt(1500)))

	// t0+10s: the first sample expired, only the second remains.
	clk.Advance(5 * time.Second)
	assert.True(t, a.Current("BTCUSDT", core.SideSell).Equal(decimal.NewFromInt(500)))

	// t0+14s: everything expired; reads keep returning zero.
	clk.Advance(4 * time.Second)
	assert.True(t, a.Current("BTCUSDT", core.SideSell).IsZero())
	assert.True(t, a.Current("BTCUSDT", core.SideSell).IsZero())
}

func TestAggregatorAddEvictsExpiredHeads(t *testing.T) {
	a, clk := newTestAggregator(8 * time.Second)
	t0 := clk.Now()

	a.Add(liq("BTCUSDT", core.SideSell, "1000", t0))
	clk.Advance(9 * time.Second)

	// The push happens first, then the stale head is dropped in the same
	// call, so only the fresh sample survives.
	a.Add(liq("BTCUSDT", core.SideSell, "300", clk.Now()))
	assert.True(t, a.Current("BTCUSDT", core.SideSell).Equal(decimal.NewFromInt(300)))
}

func TestAggregatorCompaction(t *testing.T) {
	a, clk := newTestAggregator(time.Second)

	// Push enough to force repeated head advances and compaction, then
	// verify the sum is still exact.
	for i := 0; i < 500; i++ {
		a.Add(liq("BTCUSDT", core.SideSell, "10", clk.Now()))
		clk.Advance(10 * time.Millisecond)
	}
	// Window is 1s at 10ms cadence: 100 samples alive, the oldest sitting
	// exactly on the cutoff.
	assert.True(t, a.Current("BTCUSDT", core.SideSell).Equal(decimal.NewFromInt(1000)))

	clk.Advance(2 * time.Second)
	assert.True(t, a.Current("BTCUSDT", core.SideSell).IsZero())
}

func TestAggregatorRebuildFromStore(t *testing.T) {
	a, clk := newTestAggregator(8 * time.Second)
	s := store.NewMemoryStore()
	ctx := context.Background()
	now := clk.Now()

	inWindow := []*core.Liquidation{
		liq("BTCUSDT", core.SideSell, "700", now.Add(-7*time.Second)),
		liq("BTCUSDT", core.SideSell, "300", now.Add(-2*time.Second)),
		liq("ETHUSDT", core.SideBuy, "55", now.Add(-1*time.Second)),
	}
	expired := liq("BTCUSDT", core.SideSell, "9999", now.Add(-9*time.Second))

	for _, l := range append(inWindow, expired) {
		_, err := s.InsertLiquidation(ctx, l)
		require.NoError(t, err)
	}

	// Pre-existing state is replaced, not merged.
	a.Add(liq("XRPUSDT", core.SideSell, "123", now))

	require.NoError(t, a.Rebuild(ctx, s))

	assert.True(t, a.Current("BTCUSDT", core.SideSell).Equal(decimal.NewFromInt(1000)))
	assert.True(t, a.Current("ETHUSDT", core.SideBuy).Equal(decimal.NewFromInt(55)))
	assert.True(t, a.Current("XRPUSDT", core.SideSell).IsZero())
}

func TestAggregatorSnapshot(t *testing.T) {
	a, clk := newTestAggregator(8 * time.Second)

	a.Add(liq("BTCUSDT", core.SideSell, "1000", clk.Now()))
	a.Add(liq("BTCUSDT", core.SideSell, "500", clk.Now()))
	a.Add(liq("ETHUSDT", core.SideBuy, "70", clk.Now().Add(-9*time.Second)))

	stats := a.Snapshot()
	require.Len(t, stats, 1)
	assert.Equal(t, "BTCUSDT", stats[0].Symbol)
	assert.Equal(t, core.SideSell, stats[0].Side)
	assert.Equal(t, 2, stats[0].Events)
	assert.True(t, stats[0].Sum.Equal(decimal.NewFromInt(1500)))
}

func TestAggregatorPublishesGauges(t *testing.T) {
	a, clk := newTestAggregator(8 * time.Second)

	a.Add(liq("BTCUSDT", core.SideSell, "1000", clk.Now()))
	a.Add(liq("BTCUSDT", core.SideSell, "500", clk.Now()))
	a.publishGauges()

	vols := telemetry.GetGlobalMetrics().GetWindowVolumes()
	assert.Equal(t, 1500.0, vols["BTCUSDT/SELL"])

	// Once the samples expire, the next publish zeroes the key rather
	// than leaving the last burst on the dashboard.
	clk.Advance(9 * time.Second)
	a.publishGauges()
	vols = telemetry.GetGlobalMetrics().GetWindowVolumes()
	assert.Equal(t, 0.0, vols["BTCUSDT/SELL"])
}

func TestAggregatorPublisherStopIsIdempotent(t *testing.T) {
	a, _ := newTestAggregator(time.Second)
	a.StartPublisher()
	a.Stop()
	a.Stop()
}
