package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	"liqhunter/internal/infrastructure/health"
	"liqhunter/internal/logging"
	"liqhunter/internal/ratelimit"
	"liqhunter/internal/store"
	"liqhunter/internal/trading/tranche"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type captureProtector struct {
	mu     sync.Mutex
	tasks  []core.ProtectionTask
	refuse bool
}

func (p *captureProtector) Submit(task core.ProtectionTask) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.refuse {
		return false
	}
	p.tasks = append(p.tasks, task)
	return true
}

func (p *captureProtector) Start(context.Context) error { return nil }
func (p *captureProtector) Stop() error                 { return nil }

func (p *captureProtector) snapshot() []core.ProtectionTask {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]core.ProtectionTask, len(p.tasks))
	copy(out, p.tasks)
	return out
}

type staticMarks map[string]decimal.Decimal

func (m staticMarks) Mark(symbol string) (decimal.Decimal, bool) {
	v, ok := m[symbol]
	return v, ok
}

type fixture struct {
	st    *store.MemoryStore
	part  *tranche.Partitioner
	proto *captureProtector
	hm    *health.Manager
	srv   *Server
	ts    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := &config.Config{
		Engine: config.EngineConfig{
			HedgeMode:                true,
			TranchePnLIncrementPct:   1.0,
			TranchePnLBasis:          "aggregate",
			MaxTranchesPerSymbolSide: 5,
		},
		Symbols: map[string]config.SymbolConfig{
			"BTCUSDT": {Leverage: 10, TradeValueUSDT: 100},
		},
	}

	f := &fixture{
		st:    store.NewMemoryStore(),
		proto: &captureProtector{},
		hm:    health.NewManager(logging.Discard()),
	}
	f.part = tranche.NewPartitioner(cfg, f.st, logging.Discard())
	f.part.BindSink(func(core.ProtectionTask) bool { return true })

	gov := ratelimit.NewGovernor(config.GovernorConfig{
		WeightLimitPerMin: 2400,
		OrderLimitPerMin:  1200,
	}, logging.Discard())

	marks := staticMarks{"BTCUSDT": d("61000")}
	f.srv = NewServer(0, f.st, f.part, f.proto, gov, f.hm, marks, logging.Discard())
	f.ts = httptest.NewServer(f.srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func (f *fixture) seedTranche(t *testing.T, qty, price string) {
	t.Helper()
	entry := &core.Order{
		OrderID:       time.Now().UnixNano(),
		ClientOrderID: core.NewClientOrderID(core.KindEntry),
		Symbol:        "BTCUSDT",
		Side:          core.SideBuy,
		PositionSide:  core.PositionLong,
		Type:          core.OrderTypeLimit,
		Kind:          core.KindEntry,
		Status:        core.OrderStatusFilled,
		TrancheID:     -1,
	}
	require.NoError(t, f.part.OnEntryFill(context.Background(), entry, d(price), d(qty)))
}

func (f *fixture) get(t *testing.T, path string, into any) *http.Response {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	if into != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp
}

func TestPositionsListsEachKey(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, "0.016", "60000")
	f.seedTranche(t, "0.01", "59000")

	var got []PositionSummary
	resp := f.get(t, "/api/positions", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, got, 1)

	sum := got[0]
	assert.Equal(t, "BTCUSDT", sum.Symbol)
	assert.Equal(t, "LONG", sum.Side)
	assert.Equal(t, 2, sum.Tranches)
	assert.True(t, sum.Qty.Equal(d("0.026")), "got qty %s", sum.Qty)
	assert.True(t, sum.Mark.Equal(d("61000")))
	assert.True(t, sum.PnLPct.IsPositive(), "long below mark should be green, got %s", sum.PnLPct)
}

func TestEmptyBookIsAnEmptyList(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.ts.URL + "/api/positions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var got []PositionSummary
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Empty(t, got)
}

func TestPositionDetailCarriesTranchesAndLegs(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, "0.016", "60000")

	key := core.PositionKey{Symbol: "BTCUSDT", Side: core.PositionLong}
	tr := f.part.Tranches(key)[0]
	require.NoError(t, f.part.SetProtection(context.Background(), key, tr.ID,
		501, 502, d("61200"), d("59400"), false))
	require.NoError(t, f.st.UpsertOrder(context.Background(), &core.Order{
		OrderID: 501, Symbol: "BTCUSDT", Side: core.SideSell, PositionSide: core.PositionLong,
		Type: core.OrderTypeLimit, Kind: core.KindTakeProfit, Status: core.OrderStatusNew,
		Price: d("61200"), OrigQty: d("0.016"), TrancheID: tr.ID,
	}))
	require.NoError(t, f.st.InsertFill(context.Background(), &core.Fill{
		OrderID: 777, TradeID: 1, Symbol: "BTCUSDT", Side: core.SideBuy,
		PositionSide: core.PositionLong, Qty: d("0.016"), Price: d("60000"),
		TradeTime: time.Now(),
	}))

	var got PositionDetail
	resp := f.get(t, "/api/positions/btcusdt/long", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, got.TrancheList, 1)
	assert.Equal(t, int64(501), got.TrancheList[0].TPOrderID)
	assert.True(t, got.TrancheList[0].TPPrice.Equal(d("61200")))

	require.Len(t, got.Orders, 1)
	assert.Equal(t, "TAKE_PROFIT", got.Orders[0].Kind)

	require.Len(t, got.Fills, 1)
	assert.True(t, got.Fills[0].Qty.Equal(d("0.016")))
}

func TestPositionDetailUnknownKeyIs404(t *testing.T) {
	f := newFixture(t)

	resp := f.get(t, "/api/positions/ETHUSDT/LONG", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.get(t, "/api/positions/BTCUSDT/SIDEWAYS", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCloseSubmitsMarketCloseForEveryTranche(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, "0.016", "60000")
	f.seedTranche(t, "0.01", "58500")

	resp, err := http.Post(f.ts.URL+"/api/positions/BTCUSDT/LONG/close", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, 2, body["submitted"])
	assert.Equal(t, 0, body["refused"])

	tasks := f.proto.snapshot()
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, core.TaskCloseMarket, task.Kind)
		assert.Equal(t, "api_close", task.Reason)
	}
}

func TestCloseWithSaturatedLanesIs503(t *testing.T) {
	f := newFixture(t)
	f.seedTranche(t, "0.016", "60000")
	f.proto.refuse = true

	resp, err := http.Post(f.ts.URL+"/api/positions/BTCUSDT/LONG/close", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCloseOnFlatKeyIs404(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.ts.URL+"/api/positions/BTCUSDT/LONG/close", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLiquidationsHonorLimit(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		_, err := f.st.InsertLiquidation(context.Background(), &core.Liquidation{
			EventID: fmt.Sprintf("evt-%d", i), Symbol: "BTCUSDT", Side: core.SideSell,
			Qty: d("0.5"), Price: d("60000"), USDTValue: d("30000"),
			EventTime: base.Add(time.Duration(i) * time.Second), ReceivedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	var got []LiquidationView
	resp := f.get(t, "/api/liquidations?limit=3", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, got, 3)
}

func TestTradesReturnsOrdersAndFills(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.st.UpsertOrder(context.Background(), &core.Order{
		OrderID: 9001, Symbol: "BTCUSDT", Side: core.SideBuy, PositionSide: core.PositionLong,
		Type: core.OrderTypeLimit, Kind: core.KindEntry, Status: core.OrderStatusFilled,
		OrigQty: d("0.016"), ExecutedQty: d("0.016"), TrancheID: -1,
	}))
	require.NoError(t, f.st.InsertFill(context.Background(), &core.Fill{
		OrderID: 9001, TradeID: 2, Symbol: "BTCUSDT", Side: core.SideBuy,
		PositionSide: core.PositionLong, Qty: d("0.016"), Price: d("60000"),
		TradeTime: time.Now(),
	}))

	var got struct {
		Orders []OrderView `json:"orders"`
		Fills  []FillView  `json:"fills"`
	}
	resp := f.get(t, "/api/trades", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, got.Orders, 1)
	assert.Equal(t, int64(9001), got.Orders[0].OrderID)
	require.Len(t, got.Fills, 1)
}

func TestHealthAggregatesComponentsAndGovernor(t *testing.T) {
	f := newFixture(t)
	f.hm.Register("store", func() error { return nil })

	var got map[string]any
	resp := f.get(t, "/api/health", &got)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, got["healthy"])

	components, ok := got["components"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "healthy", components["store"])

	gov, ok := got["governor"].(map[string]any)
	require.True(t, ok)
	assert.EqualValues(t, 2400, gov["weight_limit"])
}

func TestHealthDegradedIs503(t *testing.T) {
	f := newFixture(t)
	f.hm.Register("stream", func() error { return errors.New("stale") })

	resp := f.get(t, "/api/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
