package protection

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	"liqhunter/internal/logging"
	"liqhunter/internal/mock"
	"liqhunter/internal/store"
	"liqhunter/internal/trading/tranche"
	apperrors "liqhunter/pkg/errors"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	longKey  = core.PositionKey{Symbol: "BTCUSDT", Side: core.PositionLong}
	shortKey = core.PositionKey{Symbol: "BTCUSDT", Side: core.PositionShort}
)

type fakeAlerter struct {
	mu     sync.Mutex
	titles []string
	levels []core.AlertLevel
}

func (f *fakeAlerter) Alert(_ context.Context, level core.AlertLevel, title, _ string, _ map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.levels = append(f.levels, level)
	f.titles = append(f.titles, title)
}

type harness struct {
	cfg     *config.Config
	venue   *mock.MockVenue
	store   *store.MemoryStore
	part    *tranche.Partitioner
	proto   *Protector
	alerter *fakeAlerter
	pending []core.ProtectionTask
}

func newHarness(t *testing.T, mutate func(cfg *config.Config)) *harness {
	t.Helper()
	cfg := &config.Config{
		Engine: config.EngineConfig{
			HedgeMode:                true,
			TranchePnLIncrementPct:   1.0,
			TranchePnLBasis:          "aggregate",
			MaxTranchesPerSymbolSide: 5,
		},
		Protection: config.ProtectionConfig{
			MaxRebuildAttempts: 2,
			BreakerFailures:    2,
			BreakerCooldownSec: 60,
		},
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {
				TakeProfitEnabled: true,
				TakeProfitPct:     2,
				StopLossEnabled:   true,
				StopLossPct:       1,
				WorkingType:       "MARK_PRICE",
				PriceProtect:      true,
			},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}

	venue := mock.NewMockVenue()
	venue.SetSymbolSpec(&core.SymbolSpec{
		Symbol:      "BTCUSDT",
		TickSize:    d("0.1"),
		StepSize:    d("0.001"),
		MinQty:      d("0.001"),
		MaxQty:      d("1000"),
		MinNotional: d("100"),
	})
	venue.SetMark("BTCUSDT", d("60000"))

	st := store.NewMemoryStore()
	part := tranche.NewPartitioner(cfg, st, logging.Discard())

	h := &harness{
		cfg:     cfg,
		venue:   venue,
		store:   st,
		part:    part,
		alerter: &fakeAlerter{},
	}
	h.proto = NewProtector(cfg, venue, st, part, h.alerter, logging.Discard())
	// Capture emitted tasks and run them synchronously via drain so every
	// test observes a settled venue between steps.
	part.BindSink(func(task core.ProtectionTask) bool {
		h.pending = append(h.pending, task)
		return true
	})
	require.NoError(t, h.proto.Start(context.Background()))
	t.Cleanup(func() { _ = h.proto.Stop() })
	return h
}

func (h *harness) drain() {
	for len(h.pending) > 0 {
		task := h.pending[0]
		h.pending = h.pending[1:]
		h.proto.process(task)
	}
}

var orderSeq int64 = 8000

func entryOrder(side core.Side, posSide core.PositionSide) *core.Order {
	orderSeq++
	return &core.Order{
		OrderID:       orderSeq,
		ClientOrderID: core.NewClientOrderID(core.KindEntry),
		Symbol:        "BTCUSDT",
		Side:          side,
		PositionSide:  posSide,
		Type:          core.OrderTypeLimit,
		Kind:          core.KindEntry,
		Status:        core.OrderStatusFilled,
		TrancheID:     -1,
	}
}

func ordersByPrefix(orders []*core.Order, prefix string) []*core.Order {
	var out []*core.Order
	for _, o := range orders {
		if strings.HasPrefix(o.ClientOrderID, prefix) {
			out = append(out, o)
		}
	}
	return out
}

func TestEstablishPlacesProtectivePair(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	entry := entryOrder(core.SideBuy, core.PositionLong)
	require.NoError(t, h.part.OnEntryFill(ctx, entry, d("59940"), d("0.016")))
	h.drain()

	tps := ordersByPrefix(h.venue.Orders(), "lh-t-")
	sls := ordersByPrefix(h.venue.Orders(), "lh-s-")
	require.Len(t, tps, 1)
	require.Len(t, sls, 1)

	tp := tps[0]
	assert.Equal(t, core.OrderTypeLimit, tp.Type)
	assert.Equal(t, core.SideSell, tp.Side)
	assert.Equal(t, core.PositionLong, tp.PositionSide)
	assert.False(t, tp.ReduceOnly, "hedge mode omits reduceOnly")
	assert.True(t, tp.Price.Equal(d("61138.8")), "tp price %s", tp.Price)
	assert.True(t, tp.OrigQty.Equal(d("0.016")))
	assert.Equal(t, core.TIFGoodTillCancel, tp.TimeInForce)

	sl := sls[0]
	assert.Equal(t, core.OrderTypeStopMarket, sl.Type)
	assert.Equal(t, core.SideSell, sl.Side)
	assert.True(t, sl.StopPrice.Equal(d("59340.6")), "sl stop %s", sl.StopPrice)
	assert.Equal(t, core.WorkingTypeMark, sl.WorkingType)

	tranches := h.part.Tranches(longKey)
	require.Len(t, tranches, 1)
	tr := tranches[0]
	assert.Equal(t, tp.OrderID, tr.TPOrderID)
	assert.Equal(t, sl.OrderID, tr.SLOrderID)
	assert.True(t, tr.TPPrice.Equal(d("61138.8")))
	assert.True(t, tr.SLPrice.Equal(d("59340.6")))
	assert.False(t, tr.Unprotected)

	tpID, slID, err := h.store.FindCompanions(ctx, entry.OrderID)
	require.NoError(t, err)
	assert.Equal(t, tp.OrderID, tpID)
	assert.Equal(t, sl.OrderID, slID)

	tpRow, err := h.store.OrderByID(ctx, tp.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.KindTakeProfit, tpRow.Kind)
	assert.Equal(t, int64(0), tpRow.TrancheID)
}

func TestShortTrancheMirrorsPrices(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideSell, core.PositionShort), d("60000"), d("0.016")))
	h.drain()

	tps := ordersByPrefix(h.venue.Orders(), "lh-t-")
	sls := ordersByPrefix(h.venue.Orders(), "lh-s-")
	require.Len(t, tps, 1)
	require.Len(t, sls, 1)
	assert.Equal(t, core.SideBuy, tps[0].Side)
	assert.Equal(t, core.PositionShort, tps[0].PositionSide)
	assert.True(t, tps[0].Price.Equal(d("58800")), "tp price %s", tps[0].Price)
	assert.Equal(t, core.SideBuy, sls[0].Side)
	assert.True(t, sls[0].StopPrice.Equal(d("60600")), "sl stop %s", sls[0].StopPrice)
}

func TestPricesRoundAwayFromEntry(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("59941.03"), d("0.016")))
	h.drain()

	tps := ordersByPrefix(h.venue.Orders(), "lh-t-")
	sls := ordersByPrefix(h.venue.Orders(), "lh-s-")
	require.Len(t, tps, 1)
	require.Len(t, sls, 1)
	// Raw targets are 61139.8506 and 59341.6197; the TP widens up, the SL
	// tightens down, neither trigger gets looser than configured.
	assert.True(t, tps[0].Price.Equal(d("61139.9")), "tp price %s", tps[0].Price)
	assert.True(t, sls[0].StopPrice.Equal(d("59341.6")), "sl stop %s", sls[0].StopPrice)
}

func TestAbsorbRebuildReplacesBothLegs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()
	first := h.part.Tranches(longKey)[0]
	oldTP, oldSL := first.TPOrderID, first.SLOrderID

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("59600"), d("0.024")))
	h.drain()

	assert.ElementsMatch(t, []int64{oldTP, oldSL}, h.venue.CanceledIDs())

	tranches := h.part.Tranches(longKey)
	require.Len(t, tranches, 1)
	tr := tranches[0]
	assert.NotEqual(t, oldTP, tr.TPOrderID)
	assert.NotEqual(t, oldSL, tr.SLOrderID)
	assert.True(t, tr.TPPrice.Equal(d("60955.2")), "tp price %s", tr.TPPrice)
	assert.True(t, tr.SLPrice.Equal(d("59162.4")), "sl price %s", tr.SLPrice)

	newTP, ok := h.venue.Order(tr.TPOrderID)
	require.True(t, ok)
	assert.True(t, newTP.OrigQty.Equal(d("0.04")), "tp qty %s", newTP.OrigQty)
}

func TestOneWayModeSetsReduceOnly(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Engine.HedgeMode = false
	})
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionBoth), d("60000"), d("0.016")))
	h.drain()

	for _, o := range h.venue.Orders() {
		assert.True(t, o.ReduceOnly, "one-way protective leg must be reduce-only")
		assert.Equal(t, core.PositionBoth, o.PositionSide)
	}
}

func TestDisabledStopLossPlacesOnlyTP(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		sym := cfg.Symbols["BTCUSDT"]
		sym.StopLossEnabled = false
		cfg.Symbols["BTCUSDT"] = sym
	})
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()

	require.Len(t, h.venue.Orders(), 1)
	tr := h.part.Tranches(longKey)[0]
	assert.NotZero(t, tr.TPOrderID)
	assert.Zero(t, tr.SLOrderID)
	assert.True(t, tr.SLPrice.IsZero())
	assert.False(t, tr.Unprotected, "a config-disabled leg is not an unprotected tranche")
}

func TestBatchModePlacesLegsTogether(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Engine.BatchOrdersEnabled = true
	})
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()

	assert.Equal(t, 1, h.venue.Calls("PlaceBatch"))
	assert.Equal(t, 0, h.venue.Calls("PlaceOrder"))
	tr := h.part.Tranches(longKey)[0]
	assert.NotZero(t, tr.TPOrderID)
	assert.NotZero(t, tr.SLOrderID)
	assert.False(t, tr.Unprotected)
}

type recordingPlacer struct {
	venue core.IVenue
	calls int
}

func (r *recordingPlacer) Place(ctx context.Context, reqs []*core.PlaceOrderRequest) ([]*core.Order, error) {
	r.calls++
	return r.venue.PlaceBatch(ctx, reqs)
}

func TestBoundBatcherCarriesLegPlacement(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) {
		cfg.Engine.BatchOrdersEnabled = true
	})
	rp := &recordingPlacer{venue: h.venue}
	h.proto.BindBatcher(rp)
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()

	assert.Equal(t, 1, rp.calls, "legs should ride the bound batcher")
	tr := h.part.Tranches(longKey)[0]
	assert.NotZero(t, tr.TPOrderID)
	assert.NotZero(t, tr.SLOrderID)
}

func TestTransientPlaceFailureRetries(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.venue.FailTimes("PlaceOrder", apperrors.ErrNetwork, 1)
	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()

	tr := h.part.Tranches(longKey)[0]
	assert.NotZero(t, tr.TPOrderID)
	assert.NotZero(t, tr.SLOrderID)
	assert.False(t, tr.Unprotected)
	assert.Equal(t, int64(0), h.proto.Stats().Failures)
	assert.Equal(t, 3, h.venue.Calls("PlaceOrder"), "one failed attempt plus two placements")
}

func TestPermanentFailureFlagsAndAlerts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.venue.FailWith("PlaceOrder", apperrors.ErrReduceOnlyRejected)
	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()

	tr := h.part.Tranches(longKey)[0]
	assert.Zero(t, tr.TPOrderID)
	assert.Zero(t, tr.SLOrderID)
	assert.True(t, tr.Unprotected)
	assert.Equal(t, int64(1), h.proto.Stats().Failures)
	assert.Equal(t, 2, h.venue.Calls("PlaceOrder"), "permanent rejections are not retried")

	require.Len(t, h.alerter.titles, 1)
	assert.Equal(t, "tranche unprotected", h.alerter.titles[0])
	assert.Equal(t, core.AlertCritical, h.alerter.levels[0])
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.venue.FailWith("PlaceOrder", apperrors.ErrReduceOnlyRejected)
	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()

	rebuild := core.ProtectionTask{Kind: core.TaskRebuild, Key: longKey, TrancheID: 0}
	h.proto.process(rebuild)
	calls := h.venue.Calls("PlaceOrder")
	assert.Equal(t, int64(2), h.proto.Stats().Failures)

	// Two consecutive failures opened the breaker; the next task is skipped
	// without touching the venue.
	h.proto.process(rebuild)
	assert.Equal(t, calls, h.venue.Calls("PlaceOrder"))
	assert.Equal(t, int64(1), h.proto.Stats().BreakerSkips)
	assert.True(t, h.part.Tranches(longKey)[0].Unprotected)
}

func TestSiblingCancelAfterTPFill(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()
	tr := h.part.Tranches(longKey)[0]
	tpID, slID := tr.TPOrderID, tr.SLOrderID

	require.True(t, h.venue.FillOrder(tpID, d("0.016"), d("61200")))
	require.NoError(t, h.part.OnProtectionFill(ctx, 0, longKey, d("0.016"), tpID))
	h.drain()

	assert.Empty(t, h.part.Tranches(longKey))
	assert.Equal(t, []int64{slID}, h.venue.CanceledIDs())

	// Replayed cancel of the now-terminal leg stays silent.
	h.proto.process(core.ProtectionTask{
		Kind: core.TaskSiblingCancel, Key: longKey, TrancheID: 0, CancelSLID: slID,
	})
	assert.Equal(t, []int64{slID}, h.venue.CanceledIDs())
}

func TestCloseMarketCancelsTPThenReduces(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()
	tr := h.part.Tranches(longKey)[0]

	h.venue.SetMark("BTCUSDT", d("61200"))
	h.venue.SetPositions("BTCUSDT", []*core.VenuePosition{
		{Symbol: "BTCUSDT", Side: core.PositionLong, Qty: d("0.016"), EntryPrice: d("60000")},
	})
	h.proto.process(core.ProtectionTask{
		Kind: core.TaskCloseMarket, Key: longKey, TrancheID: 0, Reason: "fast_path",
	})

	assert.Contains(t, h.venue.CanceledIDs(), tr.TPOrderID)

	closes := ordersByPrefix(h.venue.Orders(), "lh-c-")
	require.Len(t, closes, 1)
	mkt := closes[0]
	assert.Equal(t, core.OrderTypeMarket, mkt.Type)
	assert.Equal(t, core.SideSell, mkt.Side)
	assert.True(t, mkt.OrigQty.Equal(d("0.016")))
	assert.Equal(t, core.OrderStatusFilled, mkt.Status)
	assert.True(t, mkt.AvgFillPrice.Equal(d("61200")))

	row, err := h.store.OrderByID(ctx, mkt.OrderID)
	require.NoError(t, err)
	assert.Equal(t, core.KindClose, row.Kind)
	assert.Equal(t, int64(0), row.TrancheID)
	assert.Equal(t, int64(1), h.proto.Stats().MarketCloses)
}

func TestCloseMarketSkipsWhenTPAlreadyFilled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()
	tr := h.part.Tranches(longKey)[0]

	require.True(t, h.venue.FillOrder(tr.TPOrderID, d("0.016"), d("61200")))
	h.proto.process(core.ProtectionTask{
		Kind: core.TaskCloseMarket, Key: longKey, TrancheID: 0, Reason: "fast_path",
	})

	assert.Empty(t, ordersByPrefix(h.venue.Orders(), "lh-c-"))
	assert.Equal(t, int64(0), h.proto.Stats().MarketCloses)
}

func TestCloseMarketShrinksToVenueQuantity(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()

	// Venue holds less than the tranche thinks; the reduce is bounded.
	h.venue.SetMark("BTCUSDT", d("61200"))
	h.venue.SetPositions("BTCUSDT", []*core.VenuePosition{
		{Symbol: "BTCUSDT", Side: core.PositionLong, Qty: d("0.01"), EntryPrice: d("60000")},
	})
	h.proto.process(core.ProtectionTask{
		Kind: core.TaskCloseMarket, Key: longKey, TrancheID: 0, Reason: "fast_path",
	})

	closes := ordersByPrefix(h.venue.Orders(), "lh-c-")
	require.Len(t, closes, 1)
	assert.True(t, closes[0].OrigQty.Equal(d("0.01")), "close qty %s", closes[0].OrigQty)
}

func TestCloseMarketDropsVanishedPosition(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()
	tr := h.part.Tranches(longKey)[0]

	// No venue position at all: the tranche is stale, drop it and cancel
	// the surviving SL instead of market-closing thin air.
	h.proto.process(core.ProtectionTask{
		Kind: core.TaskCloseMarket, Key: longKey, TrancheID: 0, Reason: "fast_path",
	})

	assert.Empty(t, ordersByPrefix(h.venue.Orders(), "lh-c-"))
	assert.Empty(t, h.part.Tranches(longKey))
	assert.Contains(t, h.venue.CanceledIDs(), tr.SLOrderID)
}

func TestPlaceMissingLegKeepsExisting(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("60000"), d("0.016")))
	h.drain()
	tr := h.part.Tranches(longKey)[0]
	tpID := tr.TPOrderID

	// The reconciler found the SL leg gone.
	require.NoError(t, h.part.SetProtection(ctx, longKey, 0, tpID, 0, tr.TPPrice, decimal.Decimal{}, true))
	before := len(h.venue.Orders())

	h.proto.process(core.ProtectionTask{Kind: core.TaskPlaceMissing, Key: longKey, TrancheID: 0})

	assert.Empty(t, h.venue.CanceledIDs(), "existing legs stay put")
	assert.Len(t, h.venue.Orders(), before+1)

	tr = h.part.Tranches(longKey)[0]
	assert.Equal(t, tpID, tr.TPOrderID)
	assert.NotZero(t, tr.SLOrderID)
	assert.False(t, tr.Unprotected)
}

func TestSubmitDrainsThroughStop(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	// Rebind straight to the async lane path.
	h.part.BindSink(h.proto.Submit)
	require.NoError(t, h.part.OnEntryFill(ctx, entryOrder(core.SideBuy, core.PositionLong), d("59940"), d("0.016")))
	require.NoError(t, h.proto.Stop())

	require.Len(t, h.venue.Orders(), 2)
	tr := h.part.Tranches(longKey)[0]
	assert.NotZero(t, tr.TPOrderID)
	assert.NotZero(t, tr.SLOrderID)
	assert.False(t, tr.Unprotected)
}
