// Package evaluator turns rolling-window volume spikes into entry orders.
// A liquidation burst produces at most one evaluation per symbol and
// liquidated side. Evaluations for one symbol run serially so the exposure
// gates always see a settled picture; distinct symbols evaluate in
// parallel on a shared pool.
package evaluator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	"liqhunter/internal/trading/exposure"
	"liqhunter/pkg/concurrency"
	"liqhunter/pkg/telemetry"
)

const (
	evalTimeout = 10 * time.Second
	depthLimit  = 20
)

// Entry pricing. A wide book is entered part way into the spread from the
// passive best; a tight book improves the passive best by one basis point.
var (
	wideSpreadFrac = decimal.NewFromFloat(0.002)
	spreadStep     = decimal.NewFromFloat(0.2)
	bestImprove    = decimal.NewFromFloat(0.0001)
	minNotionalPad = decimal.NewFromFloat(1.1)
	one            = decimal.NewFromInt(1)
	hundred        = decimal.NewFromInt(100)
)

// trigger is one (symbol, liquidated side) pair distilled from a burst.
// price carries the freshest event price as the pricing anchor of last
// resort.
type trigger struct {
	symbol string
	side   core.Side
	price  decimal.Decimal
}

// Stats counts evaluation outcomes since start.
type Stats struct {
	Triggers  int64
	Below     int64
	Vetoed    int64
	Placed    int64
	Simulated int64
	Errors    int64
}

// symbolSession records the leverage and margin type last pushed to the
// venue for a symbol, so repeat entries skip the two setup calls.
type symbolSession struct {
	leverage int
	margin   string
}

// Evaluator consumes the intake hand-off and decides, per trigger, whether
// the rolling window justifies an entry and whether exposure caps leave
// room for one.
type Evaluator struct {
	cfg    *config.Config
	venue  core.IVenue
	window core.IWindow
	store  core.IStore
	ledger *exposure.Ledger
	events <-chan []*core.Liquidation
	logger core.ILogger

	pool *concurrency.WorkerPool
	exec *concurrency.KeyedExecutor

	mu      sync.Mutex
	applied map[string]symbolSession

	triggers  atomic.Int64
	below     atomic.Int64
	vetoed    atomic.Int64
	placed    atomic.Int64
	simulated atomic.Int64
	errs      atomic.Int64

	outcomeCounter metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEvaluator wires the evaluator to the intake hand-off channel. Nothing
// runs until Start.
func NewEvaluator(cfg *config.Config, venue core.IVenue, window core.IWindow, store core.IStore, ledger *exposure.Ledger, events <-chan []*core.Liquidation, logger core.ILogger) *Evaluator {
	ctx, cancel := context.WithCancel(context.Background())
	log := logger.WithField("component", "evaluator")

	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "evaluator",
		MaxWorkers:  8,
		MaxCapacity: 256,
		NonBlocking: true,
	}, logger)

	meter := telemetry.GetMeter("evaluator")
	outcomeCounter, _ := meter.Int64Counter("evaluator_evaluations_total",
		metric.WithDescription("Trigger evaluations by outcome"))

	return &Evaluator{
		cfg:            cfg,
		venue:          venue,
		window:         window,
		store:          store,
		ledger:         ledger,
		events:         events,
		logger:         log,
		pool:           pool,
		exec:           concurrency.NewKeyedExecutor(pool, 16, log),
		applied:        make(map[string]symbolSession),
		outcomeCounter: outcomeCounter,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start consumes the hand-off channel until it closes.
func (e *Evaluator) Start() {
	e.wg.Add(1)
	go e.consume()
}

// Stop waits for the hand-off channel to drain and queued evaluations to
// finish. Stop the feeding intake first or this blocks.
func (e *Evaluator) Stop() {
	e.wg.Wait()
	e.exec.Stop()
	e.pool.Stop()
	e.cancel()
}

// Stats returns outcome counters.
func (e *Evaluator) Stats() Stats {
	return Stats{
		Triggers:  e.triggers.Load(),
		Below:     e.below.Load(),
		Vetoed:    e.vetoed.Load(),
		Placed:    e.placed.Load(),
		Simulated: e.simulated.Load(),
		Errors:    e.errs.Load(),
	}
}

func (e *Evaluator) consume() {
	defer e.wg.Done()
	for batch := range e.events {
		e.dispatch(batch)
	}
}

// dispatch collapses a burst to one trigger per (symbol, liquidated side)
// and hands each to the symbol's serial lane. The freshest event price in
// the burst wins as the pricing anchor.
func (e *Evaluator) dispatch(batch []*core.Liquidation) {
	type burstKey struct {
		symbol string
		side   core.Side
	}
	order := make([]burstKey, 0, len(batch))
	merged := make(map[burstKey]trigger, len(batch))
	for _, l := range batch {
		k := burstKey{l.Symbol, l.Side}
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = trigger{symbol: l.Symbol, side: l.Side, price: l.Price}
	}
	for _, k := range order {
		tr := merged[k]
		e.triggers.Add(1)
		if err := e.exec.Submit(tr.symbol, func() { e.evaluate(tr) }); err != nil {
			e.errs.Add(1)
			e.logger.Warn("evaluation dropped", "symbol", tr.symbol, "error", err)
		}
	}
}

// entrySideFor maps a liquidated order side to the entry order side. The
// default counter-trades the liquidated position: longs are forced out by
// SELL orders and the engine shorts into that cascade, so the entry side
// equals the stream side. SAME instead mirrors the liquidated position,
// buying the dip the forced sellers leave behind.
func entrySideFor(liquidated core.Side, mode string) core.Side {
	if strings.EqualFold(mode, "SAME") {
		return liquidated.Opposite()
	}
	return liquidated
}

// thresholdFor picks the window threshold gating the entry's position side.
func thresholdFor(sym config.SymbolConfig, ps core.PositionSide) decimal.Decimal {
	if ps == core.PositionShort {
		return decimal.NewFromFloat(sym.VolumeThresholdShort)
	}
	return decimal.NewFromFloat(sym.VolumeThresholdLong)
}

func (e *Evaluator) evaluate(tr trigger) {
	ctx, cancel := context.WithTimeout(e.ctx, evalTimeout)
	defer cancel()

	sym, ok := e.cfg.SymbolFor(tr.symbol)
	if !ok {
		e.outcome(ctx, "unconfigured")
		return
	}

	entrySide := entrySideFor(tr.side, sym.TradeSide)
	posSide := core.PositionSideForEntry(entrySide)

	threshold := thresholdFor(sym, posSide)
	if !threshold.IsPositive() {
		e.below.Add(1)
		e.outcome(ctx, "disabled")
		e.logger.Debug("entry side disabled", "symbol", tr.symbol, "position_side", posSide)
		return
	}

	sum := e.window.Current(tr.symbol, tr.side)
	if sum.LessThan(threshold) {
		e.below.Add(1)
		e.outcome(ctx, "below_threshold")
		e.logger.Debug("window below threshold",
			"symbol", tr.symbol, "liquidated_side", tr.side,
			"window_usdt", sum, "threshold", threshold)
		return
	}

	if max := e.cfg.Engine.MaxOpenOrdersPerSymbol; max > 0 {
		open, err := e.store.OpenEntryOrders(ctx, tr.symbol)
		if err != nil {
			e.fail(ctx, tr.symbol, "failed to count open entry orders", err)
			return
		}
		if len(open) >= max {
			e.veto(ctx, tr.symbol, entrySide, "open entry orders at cap")
			return
		}
	}

	spec, err := e.venue.GetSymbolSpec(tr.symbol)
	if err != nil {
		e.fail(ctx, tr.symbol, "symbol spec unavailable", err)
		return
	}

	lev := sym.Leverage
	if lev <= 0 {
		lev = 1
	}
	notional := decimal.NewFromFloat(sym.TradeValueUSDT).Mul(decimal.NewFromInt(int64(lev)))
	if spec.MinNotional.IsPositive() && notional.LessThan(spec.MinNotional) {
		// Pad to just above the venue minimum, but never pad through a cap.
		notional = spec.MinNotional.Mul(minNotionalPad)
	}
	if reason := e.capCheck(tr.symbol, notional, sym); reason != "" {
		e.veto(ctx, tr.symbol, entrySide, reason)
		return
	}

	price := e.entryPrice(ctx, tr, entrySide, sym)
	if !price.IsPositive() {
		e.fail(ctx, tr.symbol, "no usable entry price", nil)
		return
	}
	price = spec.SnapPricePassive(price, entrySide)
	if !price.IsPositive() {
		e.fail(ctx, tr.symbol, "entry price rounds to zero", nil)
		return
	}

	qty := spec.SnapQtyDown(notional.Div(price))
	if spec.MaxQty.IsPositive() && qty.GreaterThan(spec.MaxQty) {
		qty = spec.MaxQty
	}
	if qty.IsZero() || qty.LessThan(spec.MinQty) {
		e.veto(ctx, tr.symbol, entrySide, "quantity below venue minimum")
		return
	}
	if spec.MinNotional.IsPositive() && qty.Mul(price).LessThan(spec.MinNotional) {
		e.veto(ctx, tr.symbol, entrySide, "below venue min notional after rounding")
		return
	}

	if e.cfg.Engine.SimulateOnly {
		e.simulated.Add(1)
		e.outcome(ctx, "simulated")
		e.logger.Info("simulated entry",
			"symbol", tr.symbol, "side", entrySide, "position_side", posSide,
			"qty", qty, "price", price, "window_usdt", sum, "threshold", threshold)
		return
	}

	if err := e.ensureSymbolSession(ctx, tr.symbol, sym); err != nil {
		e.fail(ctx, tr.symbol, "failed to prepare symbol session", err)
		return
	}

	req := &core.PlaceOrderRequest{
		Symbol:        tr.symbol,
		Side:          entrySide,
		PositionSide:  core.PositionBoth,
		Type:          core.OrderTypeLimit,
		Qty:           qty,
		Price:         price,
		TimeInForce:   core.TimeInForce(e.cfg.Engine.TimeInForce),
		ClientOrderID: core.NewClientOrderID(core.KindEntry),
		Priority:      core.PriorityCritical,
	}
	if e.cfg.Engine.HedgeMode {
		req.PositionSide = posSide
	}

	ord, err := e.venue.PlaceOrder(ctx, req)
	if err != nil {
		e.errs.Add(1)
		e.outcome(ctx, "error")
		e.logger.Error("entry order rejected",
			"symbol", tr.symbol, "side", entrySide, "qty", qty, "price", price, "error", err)
		return
	}

	ord.Kind = core.KindEntry
	ord.TrancheID = -1
	if err := e.store.UpsertOrder(ctx, ord); err != nil {
		// The order is live on the venue; reconciliation backfills the row.
		e.logger.Error("entry placed but not recorded",
			"symbol", tr.symbol, "order_id", ord.OrderID, "error", err)
	}
	e.ledger.Reserve(ord.OrderID, core.PositionKey{Symbol: tr.symbol, Side: posSide}, qty.Mul(price), lev)

	e.placed.Add(1)
	e.outcome(ctx, "placed")
	e.logger.Info("entry order placed",
		"symbol", tr.symbol, "side", entrySide, "position_side", posSide,
		"order_id", ord.OrderID, "qty", qty, "price", price,
		"window_usdt", sum, "threshold", threshold)
}

// capCheck verifies the projected notional fits under the global and
// per-symbol exposure caps. A zero cap disables that check.
func (e *Evaluator) capCheck(symbol string, projected decimal.Decimal, sym config.SymbolConfig) string {
	if max := e.cfg.Engine.MaxTotalExposureUSDT; max > 0 {
		if e.ledger.TotalNotional().Add(projected).GreaterThan(decimal.NewFromFloat(max)) {
			return "total exposure cap"
		}
	}
	if max := sym.MaxPositionUSDT; max > 0 {
		if e.ledger.SymbolNotional(symbol).Add(projected).GreaterThan(decimal.NewFromFloat(max)) {
			return "symbol position cap"
		}
	}
	return ""
}

// entryPrice picks the entry limit price. The order book is preferred.
// When the book is unusable the mark price, then the liquidation print,
// anchors a percentage offset on the passive side.
func (e *Evaluator) entryPrice(ctx context.Context, tr trigger, side core.Side, sym config.SymbolConfig) decimal.Decimal {
	depth, err := e.venue.GetDepth(ctx, tr.symbol, depthLimit)
	if err != nil {
		e.logger.Debug("order book unavailable", "symbol", tr.symbol, "error", err)
	} else {
		bid, ask := depth.BestBid(), depth.BestAsk()
		if bid.IsPositive() && ask.GreaterThan(bid) {
			spread := ask.Sub(bid)
			if spread.Div(bid).GreaterThan(wideSpreadFrac) {
				if side == core.SideBuy {
					return bid.Add(spread.Mul(spreadStep))
				}
				return ask.Sub(spread.Mul(spreadStep))
			}
			if side == core.SideBuy {
				return bid.Mul(one.Add(bestImprove))
			}
			return ask.Mul(one.Sub(bestImprove))
		}
	}

	ref := tr.price
	if mark, err := e.venue.GetMarkPrice(ctx, tr.symbol); err == nil && mark.IsPositive() {
		ref = mark
	}
	if !ref.IsPositive() {
		return decimal.Zero
	}
	offset := decimal.NewFromFloat(sym.PriceOffsetPct).Div(hundred)
	if side == core.SideBuy {
		return ref.Mul(one.Sub(offset))
	}
	return ref.Mul(one.Add(offset))
}

// ensureSymbolSession pushes leverage and margin type once per symbol per
// session. The venue client treats "already set" responses as success, so
// repeats after a restart are harmless.
func (e *Evaluator) ensureSymbolSession(ctx context.Context, symbol string, sym config.SymbolConfig) error {
	want := symbolSession{leverage: sym.Leverage, margin: strings.ToUpper(sym.MarginType)}
	e.mu.Lock()
	got, ok := e.applied[symbol]
	e.mu.Unlock()
	if ok && got == want {
		return nil
	}

	if want.leverage > 0 {
		if err := e.venue.SetLeverage(ctx, symbol, want.leverage); err != nil {
			return fmt.Errorf("failed to set leverage: %w", err)
		}
	}
	if want.margin != "" {
		if err := e.venue.SetMarginType(ctx, symbol, core.MarginType(want.margin)); err != nil {
			return fmt.Errorf("failed to set margin type: %w", err)
		}
	}

	e.mu.Lock()
	e.applied[symbol] = want
	e.mu.Unlock()
	return nil
}

func (e *Evaluator) veto(ctx context.Context, symbol string, side core.Side, reason string) {
	e.vetoed.Add(1)
	e.outcome(ctx, "vetoed")
	e.logger.Info("entry vetoed", "symbol", symbol, "side", side, "reason", reason)
}

func (e *Evaluator) fail(ctx context.Context, symbol, msg string, err error) {
	e.errs.Add(1)
	e.outcome(ctx, "error")
	if err != nil {
		e.logger.Error(msg, "symbol", symbol, "error", err)
		return
	}
	e.logger.Error(msg, "symbol", symbol)
}

func (e *Evaluator) outcome(ctx context.Context, what string) {
	e.outcomeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", what)))
}
