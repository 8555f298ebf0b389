package risk

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	"liqhunter/internal/logging"
	"liqhunter/internal/mock"
	"liqhunter/internal/store"
	"liqhunter/internal/trading/exposure"
	"liqhunter/internal/trading/tranche"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var longKey = core.PositionKey{Symbol: "BTCUSDT", Side: core.PositionLong}

type captureProtector struct {
	mu    sync.Mutex
	tasks []core.ProtectionTask
}

func (c *captureProtector) Submit(task core.ProtectionTask) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
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

type captureAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (c *captureAlerter) Alert(_ context.Context, _ core.AlertLevel, title, _ string, _ map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.titles = append(c.titles, title)
}

func (c *captureAlerter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.titles)
}

type fixture struct {
	rec    *Reconciler
	venue  *mock.MockVenue
	st     *store.MemoryStore
	part   *tranche.Partitioner
	proto  *captureProtector
	ledger *exposure.Ledger
	alerts *captureAlerter
	sink   []core.ProtectionTask
	sinkMu sync.Mutex
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Engine: config.EngineConfig{
			HedgeMode:                true,
			TranchePnLIncrementPct:   1.0,
			TranchePnLBasis:          "aggregate",
			MaxTranchesPerSymbolSide: 5,
			ReconcileIntervalSec:     30,
			OrderTTLMs:               30000,
		},
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {
				Leverage: 10, TradeValueUSDT: 100,
				TakeProfitEnabled: true, TakeProfitPct: 2,
				StopLossEnabled: true, StopLossPct: 1,
			},
		},
	}

	f := &fixture{
		venue:  mock.NewMockVenue(),
		st:     store.NewMemoryStore(),
		proto:  &captureProtector{},
		alerts: &captureAlerter{},
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.venue.SetSymbolSpec(&core.SymbolSpec{
		Symbol: "BTCUSDT", TickSize: d("0.1"), StepSize: d("0.001"),
		MinQty: d("0.001"), MinNotional: d("5"),
	})
	f.part = tranche.NewPartitioner(cfg, f.st, logging.Discard())
	f.part.BindSink(func(task core.ProtectionTask) bool {
		f.sinkMu.Lock()
		f.sink = append(f.sink, task)
		f.sinkMu.Unlock()
		return true
	})
	f.ledger = exposure.NewLedger(logging.Discard())
	f.rec = NewReconciler(cfg, f.venue, f.st, f.part, f.proto, f.ledger, f.alerts, logging.Discard())
	f.rec.now = func() time.Time { return f.now }
	f.rec.limiter = rate.NewLimiter(rate.Inf, 0)
	return f
}

func (f *fixture) sinkTasks() []core.ProtectionTask {
	f.sinkMu.Lock()
	defer f.sinkMu.Unlock()
	out := make([]core.ProtectionTask, len(f.sink))
	copy(out, f.sink)
	return out
}

func (f *fixture) resetSink() {
	f.sinkMu.Lock()
	f.sink = nil
	f.sinkMu.Unlock()
}

// seedTranche routes an entry fill through the partitioner and assigns the
// given protection legs, mirroring how production state comes to exist.
func (f *fixture) seedTranche(t *testing.T, entry, qty string, tpID, slID int64, tpPrice, slPrice string) *core.Tranche {
	t.Helper()
	ctx := context.Background()
	o := &core.Order{
		OrderID: 9100 + tpID, ClientOrderID: core.NewClientOrderID(core.KindEntry),
		Symbol: "BTCUSDT", Side: core.SideBuy, PositionSide: core.PositionLong,
		Type: core.OrderTypeLimit, Kind: core.KindEntry,
		Status: core.OrderStatusFilled, TrancheID: -1,
	}
	require.NoError(t, f.part.OnEntryFill(ctx, o, d(entry), d(qty)))
	trs := f.part.Tranches(longKey)
	tr := trs[len(trs)-1]
	require.NoError(t, f.part.SetProtection(ctx, longKey, tr.ID, tpID, slID, d(tpPrice), d(slPrice), false))
	f.resetSink()
	trs = f.part.Tranches(longKey)
	return trs[len(trs)-1]
}

// seedLeg registers a resting protection order on the venue so the repair
// and sweep phases see it as live.
func (f *fixture) seedLeg(orderID int64, kind core.OrderKind, age time.Duration) {
	f.venue.SeedOrder(&core.Order{
		OrderID: orderID, ClientOrderID: core.NewClientOrderID(kind),
		Symbol: "BTCUSDT", Side: core.SideSell, PositionSide: core.PositionLong,
		Status: core.OrderStatusNew, OrigQty: d("0.016"),
		CreatedAt: f.now.Add(-age),
	})
}

func (f *fixture) setVenueLong(qty, mark string) {
	f.venue.SetPositions("BTCUSDT", []*core.VenuePosition{{
		Symbol: "BTCUSDT", Side: core.PositionLong,
		Qty: d(qty), EntryPrice: d("59940"), MarkPrice: d(mark), Leverage: 10,
	}})
}

func TestCleanPassMakesNoCorrections(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, "59940", "0.016", 501, 502, "61138.8", "59340.6")
	f.seedLeg(501, core.KindTakeProfit, time.Minute)
	f.seedLeg(502, core.KindStopLoss, time.Minute)
	f.setVenueLong("0.016", "60000")

	require.NoError(t, f.rec.Reconcile(context.Background()))

	st := f.rec.Stats()
	assert.Equal(t, int64(1), st.Runs)
	assert.Zero(t, st.Corrections)
	assert.Zero(t, st.LegsRepaired)
	assert.Empty(t, f.proto.snapshot())
	assert.Empty(t, f.venue.CanceledIDs())
	assert.Len(t, f.part.Tranches(longKey), 1)
}

func TestDriftWithinStepToleranceIgnored(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, "59940", "0.016", 501, 502, "61138.8", "59340.6")
	f.seedLeg(501, core.KindTakeProfit, time.Minute)
	f.seedLeg(502, core.KindStopLoss, time.Minute)
	f.setVenueLong("0.0165", "60000") // half a step over

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Zero(t, f.rec.Stats().Corrections)
	assert.Len(t, f.part.Tranches(longKey), 1)
}

func TestFlatVenueDropsAllTranches(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, "59940", "0.016", 501, 502, "61138.8", "59340.6")
	f.ledger.SetPosition(longKey, d("0.016"), d("59940"), 10)
	// No venue position at all: closed manually or liquidated behind us.

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Empty(t, f.part.Tranches(longKey))
	assert.Empty(t, f.ledger.Snapshot().Positions)
	assert.Equal(t, int64(1), f.rec.Stats().Corrections)

	var sawCancel bool
	for _, task := range f.sinkTasks() {
		if task.Kind == core.TaskSiblingCancel && task.CancelTPID == 501 && task.CancelSLID == 502 {
			sawCancel = true
		}
	}
	assert.True(t, sawCancel, "dropping a tranche should cancel both legs")
}

func TestVenueExcessAdoptedAtMark(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, "59940", "0.016", 501, 502, "61138.8", "59340.6")
	f.seedLeg(501, core.KindTakeProfit, time.Minute)
	f.seedLeg(502, core.KindStopLoss, time.Minute)
	f.setVenueLong("0.026", "59000")

	require.NoError(t, f.rec.Reconcile(context.Background()))

	trs := f.part.Tranches(longKey)
	require.Len(t, trs, 2)
	adopted := trs[1]
	assert.True(t, adopted.Qty.Equal(d("0.01")), "adopted qty %s", adopted.Qty)
	assert.True(t, adopted.AvgEntry.Equal(d("59000")), "adopted entry %s", adopted.AvgEntry)
	assert.Equal(t, int64(1), f.rec.Stats().Corrections)

	var established bool
	for _, task := range f.sinkTasks() {
		if task.Kind == core.TaskEstablish && task.TrancheID == adopted.ID {
			established = true
		}
	}
	assert.True(t, established, "recovery tranche should request protection")
}

func TestAdoptedExcessMergesWhenCombinedProfitable(t *testing.T) {
	f := newFixture(t)
	tr := f.seedTranche(t, "59940", "0.016", 501, 502, "61138.8", "59340.6")
	f.seedLeg(501, core.KindTakeProfit, time.Minute)
	f.seedLeg(502, core.KindStopLoss, time.Minute)
	// Excess adopted above the old entry: the combined position is already
	// in profit at the mark, so the same pass folds the pair back into one.
	f.setVenueLong("0.026", "60200")

	require.NoError(t, f.rec.Reconcile(context.Background()))

	trs := f.part.Tranches(longKey)
	require.Len(t, trs, 1)
	assert.Equal(t, tr.ID, trs[0].ID, "older tranche survives the merge")
	assert.True(t, trs[0].Qty.Equal(d("0.026")), "merged qty %s", trs[0].Qty)
	assert.True(t, trs[0].AvgEntry.Equal(d("60040")), "merged entry %s", trs[0].AvgEntry)

	var rebuilt bool
	for _, task := range f.sinkTasks() {
		if task.Kind == core.TaskRebuild && task.TrancheID == tr.ID && task.Reason == "profitable_pair" {
			rebuilt = true
		}
	}
	assert.True(t, rebuilt, "merged tranche should rebuild protection at the new average")
}

func TestBookExcessShrinksNewestTranche(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, "59940", "0.016", 501, 502, "61138.8", "59340.6")
	f.seedTranche(t, "59041.5", "0.01", 601, 602, "60222.3", "58451.1")
	f.seedLeg(501, core.KindTakeProfit, time.Minute)
	f.seedLeg(502, core.KindStopLoss, time.Minute)
	f.seedLeg(601, core.KindTakeProfit, time.Minute)
	f.seedLeg(602, core.KindStopLoss, time.Minute)
	f.ledger.SetPosition(longKey, d("0.026"), d("59594.4"), 10)
	f.setVenueLong("0.021", "59000") // venue lost 0.005 somewhere

	require.NoError(t, f.rec.Reconcile(context.Background()))

	trs := f.part.Tranches(longKey)
	require.Len(t, trs, 2)
	assert.True(t, trs[0].Qty.Equal(d("0.016")), "oldest tranche keeps its history")
	assert.True(t, trs[1].Qty.Equal(d("0.005")), "newest tranche absorbs the cut, got %s", trs[1].Qty)

	var resized bool
	for _, task := range f.sinkTasks() {
		if task.Kind == core.TaskResize && task.TrancheID == trs[1].ID {
			resized = true
		}
	}
	assert.True(t, resized, "shrunk tranche should resize its legs")
}

func TestMissingLegRepaired(t *testing.T) {
	f := newFixture(t)
	tr := f.seedTranche(t, "59940", "0.016", 501, 0, "61138.8", "0")
	f.seedLeg(501, core.KindTakeProfit, time.Minute)
	f.setVenueLong("0.016", "60000")

	require.NoError(t, f.rec.Reconcile(context.Background()))

	tasks := f.proto.snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, core.TaskPlaceMissing, tasks[0].Kind)
	assert.Equal(t, tr.ID, tasks[0].TrancheID)
	assert.Equal(t, "missing_leg", tasks[0].Reason)
	assert.Equal(t, int64(1), f.rec.Stats().LegsRepaired)
}

func TestLostLegClearedBeforeRepair(t *testing.T) {
	f := newFixture(t)
	tr := f.seedTranche(t, "59940", "0.016", 501, 502, "61138.8", "59340.6")
	f.seedLeg(501, core.KindTakeProfit, time.Minute)
	// 502 is gone from the venue and the store knows it terminated.
	require.NoError(t, f.st.UpsertOrder(context.Background(), &core.Order{
		OrderID: 502, Symbol: "BTCUSDT", Kind: core.KindStopLoss,
		Status: core.OrderStatusCanceled, TrancheID: tr.ID,
	}))
	f.setVenueLong("0.016", "60000")

	require.NoError(t, f.rec.Reconcile(context.Background()))

	got := f.part.Tranches(longKey)[0]
	assert.Zero(t, got.SLOrderID, "lost leg id should be cleared")
	assert.True(t, got.SLPrice.IsZero())
	assert.Equal(t, int64(501), got.TPOrderID, "live leg untouched")
	assert.True(t, got.TPPrice.Equal(d("61138.8")))

	tasks := f.proto.snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, core.TaskPlaceMissing, tasks[0].Kind)
}

func TestLegFillInFlightIsLeftAlone(t *testing.T) {
	f := newFixture(t)
	tr := f.seedTranche(t, "59940", "0.016", 501, 502, "61138.8", "59340.6")
	f.seedLeg(501, core.KindTakeProfit, time.Minute)
	// 502 vanished from open orders because it filled; the router just has
	// not routed the reduction yet.
	require.NoError(t, f.st.UpsertOrder(context.Background(), &core.Order{
		OrderID: 502, Symbol: "BTCUSDT", Kind: core.KindStopLoss,
		Status: core.OrderStatusFilled, TrancheID: tr.ID,
	}))
	f.setVenueLong("0.016", "60000")

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Empty(t, f.proto.snapshot())
	assert.Equal(t, int64(502), f.part.Tranches(longKey)[0].SLOrderID)
}

func TestLostTPBeyondMarkClosesAtMarket(t *testing.T) {
	f := newFixture(t)
	tr := f.seedTranche(t, "59940", "0.016", 501, 502, "61138.8", "59340.6")
	f.seedLeg(502, core.KindStopLoss, time.Minute)
	// TP 501 lost entirely, and the mark already ran past its level.
	f.setVenueLong("0.016", "61500")

	require.NoError(t, f.rec.Reconcile(context.Background()))

	tasks := f.proto.snapshot()
	require.Len(t, tasks, 1)
	assert.Equal(t, core.TaskCloseMarket, tasks[0].Kind)
	assert.Equal(t, tr.ID, tasks[0].TrancheID)
	assert.Equal(t, "tp_overshot_repair", tasks[0].Reason)
}

func TestOrphanedLegSweptAfterGrace(t *testing.T) {
	f := newFixture(t)
	f.seedLeg(701, core.KindTakeProfit, 2*time.Minute) // past grace
	f.seedLeg(702, core.KindStopLoss, 30*time.Second)  // inside grace
	f.venue.SeedOrder(&core.Order{ // operator's own order, stale but foreign
		OrderID: 703, ClientOrderID: "web_manual1", Symbol: "BTCUSDT",
		Side: core.SideSell, Status: core.OrderStatusNew, OrigQty: d("1"),
		CreatedAt: f.now.Add(-time.Hour),
	})

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Equal(t, []int64{701}, f.venue.CanceledIDs())
	assert.Equal(t, int64(1), f.rec.Stats().OrphansCanceled)
}

func TestOrphanSweepWaitsOutRecentEntryFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.UpsertOrder(ctx, &core.Order{
		OrderID: 801, Symbol: "BTCUSDT", Kind: core.KindEntry,
		Status: core.OrderStatusFilled,
	}))
	require.NoError(t, f.st.InsertFill(ctx, &core.Fill{
		OrderID: 801, TradeID: 1, Symbol: "BTCUSDT", Side: core.SideBuy,
		Qty: d("0.016"), Price: d("59940"), TradeTime: f.now.Add(-time.Minute),
	}))
	f.seedLeg(701, core.KindTakeProfit, 2*time.Minute)

	require.NoError(t, f.rec.Reconcile(ctx))

	assert.Empty(t, f.venue.CanceledIDs(), "fresh entry fill defers the orphan sweep")
	assert.Zero(t, f.rec.Stats().OrphansCanceled)
}

func TestEntryTTLCancelReleasesReservationAndCompanions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entry := &core.Order{
		OrderID: 7001, ClientOrderID: core.NewClientOrderID(core.KindEntry),
		Symbol: "BTCUSDT", Side: core.SideBuy, PositionSide: core.PositionLong,
		Kind: core.KindEntry, Status: core.OrderStatusNew,
		OrigQty: d("0.016"), Price: d("59940"), TrancheID: -1,
		CreatedAt: f.now.Add(-40 * time.Second),
	}
	f.venue.SeedOrder(entry)
	require.NoError(t, f.st.UpsertOrder(ctx, entry))
	f.ledger.Reserve(7001, longKey, d("959.04"), 10)
	require.NoError(t, f.st.InsertRelationship(ctx, 7001, 7002, 7003, 0, "BTCUSDT", core.PositionLong))
	f.seedLeg(7002, core.KindTakeProfit, 10*time.Second)
	f.seedLeg(7003, core.KindStopLoss, 10*time.Second)

	require.NoError(t, f.rec.Reconcile(ctx))

	assert.ElementsMatch(t, []int64{7001, 7002, 7003}, f.venue.CanceledIDs())
	assert.Equal(t, int64(1), f.rec.Stats().TTLCanceled)
	assert.Zero(t, f.ledger.Snapshot().PendingOrders)

	row, err := f.st.OrderByID(ctx, 7001)
	require.NoError(t, err)
	assert.Equal(t, core.OrderStatusCanceled, row.Status)
}

func TestYoungEntryOrderKept(t *testing.T) {
	f := newFixture(t)
	entry := &core.Order{
		OrderID: 7001, ClientOrderID: core.NewClientOrderID(core.KindEntry),
		Symbol: "BTCUSDT", Side: core.SideBuy, Kind: core.KindEntry,
		Status: core.OrderStatusNew, OrigQty: d("0.016"),
		CreatedAt: f.now.Add(-10 * time.Second),
	}
	f.venue.SeedOrder(entry)
	require.NoError(t, f.st.UpsertOrder(context.Background(), entry))

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Empty(t, f.venue.CanceledIDs())
}

func TestPartiallyFilledEntryNeverSwept(t *testing.T) {
	f := newFixture(t)
	entry := &core.Order{
		OrderID: 7001, ClientOrderID: core.NewClientOrderID(core.KindEntry),
		Symbol: "BTCUSDT", Side: core.SideBuy, Kind: core.KindEntry,
		Status: core.OrderStatusPartiallyFilled,
		OrigQty: d("0.016"), ExecutedQty: d("0.004"),
		CreatedAt: f.now.Add(-time.Hour),
	}
	f.venue.SeedOrder(entry)
	require.NoError(t, f.st.UpsertOrder(context.Background(), entry))
	f.setVenueLong("0.004", "60000")
	// The partial fill has not reached the partitioner yet; the position
	// phase adopts it, but the order itself must survive the sweep.

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Empty(t, f.venue.CanceledIDs())
	assert.Zero(t, f.rec.Stats().TTLCanceled)
}

func TestRepeatedDriftRaisesAlert(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, "59940", "0.016", 501, 502, "61138.8", "59340.6")
	f.seedLeg(501, core.KindTakeProfit, time.Minute)
	f.seedLeg(502, core.KindStopLoss, time.Minute)
	f.setVenueLong("0.026", "0") // no mark in the position row
	f.venue.FailWith("GetMarkPrice", errors.New("boom"))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		require.NoError(t, f.rec.Reconcile(ctx))
		assert.Zero(t, f.alerts.count(), "no alert before the threshold")
	}
	require.NoError(t, f.rec.Reconcile(ctx))

	assert.Equal(t, 1, f.alerts.count())
	assert.Zero(t, f.rec.Stats().Corrections, "failed adoptions are not corrections")
}

func TestSimulateModeSkipsReconciliation(t *testing.T) {
	f := newFixture(t)
	f.rec.cfg.Engine.SimulateOnly = true
	f.seedTranche(t, "59940", "0.016", 501, 502, "61138.8", "59340.6")

	require.NoError(t, f.rec.Reconcile(context.Background()))

	assert.Zero(t, f.venue.Calls("PositionRisk"))
	assert.Len(t, f.part.Tranches(longKey), 1)
}

func TestCheckHealthTracksPassAge(t *testing.T) {
	f := newFixture(t)
	assert.NoError(t, f.rec.CheckHealth(context.Background()), "healthy before first pass")

	require.NoError(t, f.rec.Reconcile(context.Background()))
	assert.NoError(t, f.rec.CheckHealth(context.Background()))

	f.now = f.now.Add(5 * time.Minute) // 10x the 30s cadence
	assert.Error(t, f.rec.CheckHealth(context.Background()))
}

func TestNudgeTriggersImmediatePass(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.rec.Start(context.Background()))
	defer f.rec.Stop()

	assert.Eventually(t, func() bool {
		return f.rec.Stats().Runs == 1
	}, time.Second, 10*time.Millisecond, "startup pass should run immediately")

	f.rec.Nudge()
	assert.Eventually(t, func() bool {
		return f.rec.Stats().Runs == 2
	}, time.Second, 10*time.Millisecond, "nudge should trigger a pass before the ticker")
}
