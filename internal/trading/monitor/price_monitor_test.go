package monitor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	"liqhunter/internal/logging"
	"liqhunter/internal/store"
	"liqhunter/internal/trading/tranche"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var longKey = core.PositionKey{Symbol: "BTCUSDT", Side: core.PositionLong}

type captureProtector struct {
	mu     sync.Mutex
	accept bool
	tasks  []core.ProtectionTask
}

func (c *captureProtector) Submit(task core.ProtectionTask) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.accept {
		return false
	}
	c.tasks = append(c.tasks, task)
	return true
}

func (c *captureProtector) Start(context.Context) error { return nil }
func (c *captureProtector) Stop() error                 { return nil }

func (c *captureProtector) snapshot() []core.ProtectionTask {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]core.ProtectionTask, len(c.tasks))
	copy(out, c.tasks)
	return out
}

type fixture struct {
	cfg   *config.Config
	mon   *Monitor
	part  *tranche.Partitioner
	proto *captureProtector
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Engine: config.EngineConfig{
			HedgeMode:                true,
			TranchePnLIncrementPct:   1.0,
			TranchePnLBasis:          "aggregate",
			MaxTranchesPerSymbolSide: 5,
			PriceMonitorReconnectMs:  1000,
			InstantTPEnabled:         true,
		},
		FastPath: config.FastPathConfig{EpsilonPct: 0.05, StaleAfterSec: 30},
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {TakeProfitEnabled: true, TakeProfitPct: 2, StopLossEnabled: true, StopLossPct: 1},
		},
	}

	part := tranche.NewPartitioner(cfg, store.NewMemoryStore(), logging.Discard())
	part.BindSink(func(core.ProtectionTask) bool { return true })

	proto := &captureProtector{accept: true}
	f := &fixture{
		cfg:   cfg,
		part:  part,
		proto: proto,
		now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.mon = NewMonitor("wss://fstream.example", cfg, part, proto, logging.Discard())
	f.mon.now = func() time.Time { return f.now }
	return f
}

// seedTranche creates one protected tranche via the partitioner so the
// monitor sees exactly what production would.
func (f *fixture) seedTranche(t *testing.T, posSide core.PositionSide, entry, qty, tpPrice string) *core.Tranche {
	t.Helper()
	ctx := context.Background()
	side := posSide.EntrySide()
	o := &core.Order{
		OrderID: 9100, ClientOrderID: core.NewClientOrderID(core.KindEntry),
		Symbol: "BTCUSDT", Side: side, PositionSide: posSide,
		Type: core.OrderTypeLimit, Kind: core.KindEntry,
		Status: core.OrderStatusFilled, TrancheID: -1,
	}
	require.NoError(t, f.part.OnEntryFill(ctx, o, d(entry), d(qty)))
	key := core.PositionKey{Symbol: "BTCUSDT", Side: posSide}
	tr := f.part.Tranches(key)[0]
	require.NoError(t, f.part.SetProtection(ctx, key, tr.ID, 501, 502, d(tpPrice), d(entry), false))
	return f.part.Tranches(key)[0]
}

func frame(symbol, price string) []byte {
	return []byte(fmt.Sprintf(
		`{"stream":"!markPrice@arr@1s","data":[{"e":"markPriceUpdate","E":1717243200000,"s":"%s","p":"%s"}]}`,
		symbol, price))
}

func TestLongTriggerAtEpsilonBoundary(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, core.PositionLong, "59940", "0.016", "61138.8")

	// Threshold is tp·(1−0.0005) = 61108.2306. Just below: nothing.
	f.mon.handleMessage(frame("BTCUSDT", "61108.23"))
	assert.Empty(t, f.proto.snapshot())

	// Exactly at the boundary: fires (≥, not >).
	f.mon.handleMessage(frame("BTCUSDT", "61108.2306"))
	tasks := f.proto.snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, core.TaskCloseMarket, tasks[0].Kind)
	assert.Equal(t, longKey, tasks[0].Key)
	assert.Equal(t, int64(0), tasks[0].TrancheID)
	assert.Equal(t, "fastpath", tasks[0].Reason)
}

func TestInstantTPDisabledKeepsRestingTP(t *testing.T) {
	f := newFixture(t)
	f.cfg.Engine.InstantTPEnabled = false
	f.seedTranche(t, core.PositionLong, "59940", "0.016", "61138.8")

	f.mon.handleMessage(frame("BTCUSDT", "61400"))
	assert.Empty(t, f.proto.snapshot(), "close must wait for the resting TP")

	// Marks still cache for the status surfaces.
	mark, ok := f.mon.Mark("BTCUSDT")
	require.True(t, ok)
	assert.True(t, mark.Equal(d("61400")))
}

func TestShortTriggerIsSymmetric(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, core.PositionShort, "60000", "0.016", "58800")

	// Threshold is tp·(1+0.0005) = 58829.4. Just above: nothing.
	f.mon.handleMessage(frame("BTCUSDT", "58829.41"))
	assert.Empty(t, f.proto.snapshot())

	f.mon.handleMessage(frame("BTCUSDT", "58829.4"))
	tasks := f.proto.snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, core.PositionShort, tasks[0].Key.Side)
}

func TestTriggerFiresOncePerRearmWindow(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, core.PositionLong, "59940", "0.016", "61138.8")

	f.mon.handleMessage(frame("BTCUSDT", "61200"))
	f.mon.handleMessage(frame("BTCUSDT", "61300"))
	f.mon.handleMessage(frame("BTCUSDT", "61400"))
	assert.Len(t, f.proto.snapshot(), 1, "repeat ticks must not re-fire")

	// After the rearm window the close is retried (earlier one failed or
	// the fill never came back).
	f.now = f.now.Add(rearmAfter + time.Second)
	f.mon.handleMessage(frame("BTCUSDT", "61400"))
	assert.Len(t, f.proto.snapshot(), 2)
}

func TestNoRetriggerAfterTrancheGone(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, core.PositionLong, "59940", "0.016", "61138.8")

	f.mon.handleMessage(frame("BTCUSDT", "61200"))
	require.Len(t, f.proto.snapshot(), 1)

	// Router fill won the race and destroyed the tranche.
	require.NoError(t, f.part.DropTranche(context.Background(), longKey, 0, "tp filled"))
	f.now = f.now.Add(rearmAfter + time.Second)
	f.mon.handleMessage(frame("BTCUSDT", "61400"))
	assert.Len(t, f.proto.snapshot(), 1)
}

func TestRefusedSubmitRetriesNextTick(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, core.PositionLong, "59940", "0.016", "61138.8")
	f.proto.accept = false

	f.mon.handleMessage(frame("BTCUSDT", "61200"))
	assert.Empty(t, f.proto.snapshot())
	assert.Equal(t, int64(1), f.mon.Stats().Dropped)

	f.proto.accept = true
	f.mon.handleMessage(frame("BTCUSDT", "61200"))
	assert.Len(t, f.proto.snapshot(), 1)
}

func TestUnprotectedTrancheWithoutTPLevelIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := &core.Order{
		OrderID: 9200, ClientOrderID: core.NewClientOrderID(core.KindEntry),
		Symbol: "BTCUSDT", Side: core.SideBuy, PositionSide: core.PositionLong,
		Type: core.OrderTypeLimit, Kind: core.KindEntry,
		Status: core.OrderStatusFilled, TrancheID: -1,
	}
	require.NoError(t, f.part.OnEntryFill(ctx, o, d("59940"), d("0.016")))

	f.mon.handleMessage(frame("BTCUSDT", "99999"))
	assert.Empty(t, f.proto.snapshot())
}

func TestMarkTableAndStats(t *testing.T) {
	f := newFixture(t)

	_, ok := f.mon.Mark("BTCUSDT")
	assert.False(t, ok)

	f.mon.handleMessage(frame("BTCUSDT", "61200"))
	price, ok := f.mon.Mark("BTCUSDT")
	require.True(t, ok)
	assert.True(t, price.Equal(d("61200")))

	st := f.mon.Stats()
	assert.Equal(t, int64(1), st.Frames)
	assert.True(t, st.LastTick.Equal(f.now), "last tick %s", st.LastTick)
}

func TestSubscriptionAckIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.mon.handleMessage([]byte(`{"result":null,"id":1}`))
	f.mon.handleMessage([]byte(`not json`))
	assert.Equal(t, int64(0), f.mon.Stats().Frames)
}

func TestCheckHealthGoesStale(t *testing.T) {
	f := newFixture(t)

	f.mon.handleMessage(frame("BTCUSDT", "61200"))
	assert.NoError(t, f.mon.CheckHealth())

	f.now = f.now.Add(31 * time.Second)
	err := f.mon.CheckHealth()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")
}
