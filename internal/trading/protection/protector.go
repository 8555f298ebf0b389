// Package protection maintains the TP/SL pair guarding every tranche. It
// consumes protection tasks on per-position-key serial lanes, so rebuilds
// for one key never interleave while distinct keys proceed in parallel,
// and it is the only component that places or cancels protective legs.
package protection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	"liqhunter/pkg/concurrency"
	apperrors "liqhunter/pkg/errors"
	"liqhunter/pkg/retry"
	"liqhunter/pkg/telemetry"
)

const taskTimeout = 30 * time.Second

var hundred = decimal.NewFromInt(100)

// Stats is a snapshot of task outcomes for the health surface.
type Stats struct {
	Establishes    int64
	Rebuilds       int64
	Resizes        int64
	SiblingCancels int64
	MarketCloses   int64
	Failures       int64
	BreakerSkips   int64
}

type breakerKey struct {
	key core.PositionKey
	id  int64
}

// Protector implements core.IProtector.
// batchPlacer is the slice of the order batcher the protector uses: the
// venue batch contract, behind a coalescing window.
type batchPlacer interface {
	Place(ctx context.Context, reqs []*core.PlaceOrderRequest) ([]*core.Order, error)
}

type Protector struct {
	cfg     *config.Config
	venue   core.IVenue
	store   core.IStore
	part    core.IPartitioner
	alerter core.IAlerter
	logger  core.ILogger
	batch   batchPlacer

	pool *concurrency.WorkerPool
	exec *concurrency.KeyedExecutor

	mu       sync.Mutex
	breakers map[breakerKey]circuitbreaker.CircuitBreaker[any]

	establishes    atomic.Int64
	rebuilds       atomic.Int64
	resizes        atomic.Int64
	siblingCancels atomic.Int64
	marketCloses   atomic.Int64
	failures       atomic.Int64
	breakerSkips   atomic.Int64

	taskCounter metric.Int64Counter

	ctx    context.Context
	cancel context.CancelFunc
}

var _ core.IProtector = (*Protector)(nil)

func NewProtector(cfg *config.Config, venue core.IVenue, store core.IStore, part core.IPartitioner, alerter core.IAlerter, logger core.ILogger) *Protector {
	log := logger.WithField("component", "protection")
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "protection",
		MaxWorkers:  8,
		MaxCapacity: 256,
		NonBlocking: true,
	}, log)

	meter := telemetry.GetMeter("protection")
	taskCounter, _ := meter.Int64Counter("protection_tasks_total",
		metric.WithDescription("Protection tasks by kind and outcome"))

	return &Protector{
		cfg:         cfg,
		venue:       venue,
		store:       store,
		part:        part,
		alerter:     alerter,
		logger:      log,
		pool:        pool,
		exec:        concurrency.NewKeyedExecutor(pool, 32, log),
		breakers:    make(map[breakerKey]circuitbreaker.CircuitBreaker[any]),
		taskCounter: taskCounter,
	}
}

// BindBatcher routes leg placement through the shared order batcher. Must
// be called before Start; unbound, legs go straight to the venue.
func (p *Protector) BindBatcher(b batchPlacer) {
	p.batch = b
}

func (p *Protector) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	return nil
}

// Stop drains the task lanes. Stop the producers first.
func (p *Protector) Stop() error {
	p.exec.Stop()
	p.pool.Stop()
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// Submit queues a task on its key's serial lane without blocking. False
// means the lane is full or stopped and the task was dropped; the caller's
// unprotected flag plus the reconciler cover the loss.
func (p *Protector) Submit(task core.ProtectionTask) bool {
	lane := task.Key.Symbol + "|" + string(task.Key.Side)
	err := p.exec.Submit(lane, func() { p.process(task) })
	if err != nil {
		p.logger.Warn("protection task dropped",
			"kind", task.Kind.String(), "symbol", task.Key.Symbol,
			"position_side", task.Key.Side, "tranche_id", task.TrancheID, "error", err)
		return false
	}
	return true
}

func (p *Protector) Stats() Stats {
	return Stats{
		Establishes:    p.establishes.Load(),
		Rebuilds:       p.rebuilds.Load(),
		Resizes:        p.resizes.Load(),
		SiblingCancels: p.siblingCancels.Load(),
		MarketCloses:   p.marketCloses.Load(),
		Failures:       p.failures.Load(),
		BreakerSkips:   p.breakerSkips.Load(),
	}
}

func (p *Protector) process(task core.ProtectionTask) {
	ctx, cancel := context.WithTimeout(p.ctx, taskTimeout)
	defer cancel()

	switch task.Kind {
	case core.TaskEstablish, core.TaskRebuild, core.TaskResize, core.TaskPlaceMissing:
		p.rebuild(ctx, task)
	case core.TaskSiblingCancel:
		p.siblingCancel(ctx, task)
	case core.TaskCloseMarket:
		p.closeMarket(ctx, task)
	default:
		p.logger.Error("unknown protection task kind", "kind", int(task.Kind))
	}
}

// breakerFor returns the tranche's circuit breaker, creating it on first
// use. Consecutive failures open it for the configured cooldown.
func (p *Protector) breakerFor(key core.PositionKey, trancheID int64) circuitbreaker.CircuitBreaker[any] {
	bk := breakerKey{key: key, id: trancheID}
	p.mu.Lock()
	defer p.mu.Unlock()
	cb, ok := p.breakers[bk]
	if !ok {
		threshold := p.cfg.Protection.BreakerFailures
		if threshold <= 0 {
			threshold = 3
		}
		cooldown := time.Duration(p.cfg.Protection.BreakerCooldownSec) * time.Second
		if cooldown <= 0 {
			cooldown = 60 * time.Second
		}
		cb = circuitbreaker.NewBuilder[any]().
			WithFailureThreshold(uint(threshold)).
			WithDelay(cooldown).
			Build()
		p.breakers[bk] = cb
	}
	return cb
}

func (p *Protector) dropBreaker(key core.PositionKey, trancheID int64) {
	p.mu.Lock()
	delete(p.breakers, breakerKey{key: key, id: trancheID})
	p.mu.Unlock()
}

func (p *Protector) findTranche(key core.PositionKey, trancheID int64) *core.Tranche {
	for _, t := range p.part.Tranches(key) {
		if t.ID == trancheID {
			return t
		}
	}
	return nil
}

// exitSide is the order side that reduces the position.
func exitSide(ps core.PositionSide) core.Side {
	if ps == core.PositionShort {
		return core.SideBuy
	}
	return core.SideSell
}

// applyPositionMode sets either the hedge position side or the one-way
// reduce-only flag; the venue rejects requests carrying both.
func (p *Protector) applyPositionMode(req *core.PlaceOrderRequest, ps core.PositionSide) {
	if p.cfg.Engine.HedgeMode {
		req.PositionSide = ps
		return
	}
	req.PositionSide = core.PositionBoth
	req.ReduceOnly = true
}

// protectionPrices derives the TP and SL trigger prices from the tranche
// average, snapped onto the tick grid away from the entry so rounding
// never loosens either trigger.
func protectionPrices(spec *core.SymbolSpec, symCfg config.SymbolConfig, ps core.PositionSide, avgEntry decimal.Decimal) (tp, sl decimal.Decimal) {
	tpFrac := decimal.NewFromFloat(symCfg.TakeProfitPct).Div(hundred)
	slFrac := decimal.NewFromFloat(symCfg.StopLossPct).Div(hundred)
	if ps == core.PositionShort {
		tp = spec.SnapPriceDown(avgEntry.Mul(decimal.NewFromInt(1).Sub(tpFrac)))
		sl = spec.SnapPriceUp(avgEntry.Mul(decimal.NewFromInt(1).Add(slFrac)))
		return tp, sl
	}
	tp = spec.SnapPriceUp(avgEntry.Mul(decimal.NewFromInt(1).Add(tpFrac)))
	sl = spec.SnapPriceDown(avgEntry.Mul(decimal.NewFromInt(1).Sub(slFrac)))
	return tp, sl
}

// rebuild replaces or completes the protective pair for one tranche:
// snapshot the old leg ids, cancel them, place fresh legs sized to the
// current tranche quantity, then write the new ids back to the tranche.
func (p *Protector) rebuild(ctx context.Context, task core.ProtectionTask) {
	t := p.findTranche(task.Key, task.TrancheID)
	if t == nil {
		p.logger.Debug("tranche gone before protection task",
			"symbol", task.Key.Symbol, "tranche_id", task.TrancheID, "kind", task.Kind.String())
		p.outcome(task.Kind, "tranche_gone")
		return
	}

	cb := p.breakerFor(task.Key, task.TrancheID)
	if !cb.TryAcquirePermit() {
		p.breakerSkips.Add(1)
		p.outcome(task.Kind, "breaker_open")
		p.logger.Warn("protection breaker open, leaving tranche flagged",
			"symbol", task.Key.Symbol, "position_side", task.Key.Side, "tranche_id", t.ID)
		return
	}

	symCfg, ok := p.cfg.Symbols[task.Key.Symbol]
	if !ok {
		cb.RecordSuccess()
		p.outcome(task.Kind, "no_symbol_config")
		p.logger.Warn("no symbol configuration for tranche", "symbol", task.Key.Symbol)
		return
	}
	tpEnabled := symCfg.TakeProfitEnabled && symCfg.TakeProfitPct > 0
	slEnabled := symCfg.StopLossEnabled && symCfg.StopLossPct > 0

	spec, err := p.venue.GetSymbolSpec(task.Key.Symbol)
	if err != nil {
		cb.RecordFailure()
		p.fail(ctx, task, t, "symbol spec unavailable", err)
		return
	}

	if task.Kind == core.TaskEstablish && p.cfg.Protection.EstablishDelayMs > 0 {
		// Let the venue position settle before the first reduce-only pair,
		// or the legs bounce with reduce-only rejections.
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Duration(p.cfg.Protection.EstablishDelayMs) * time.Millisecond):
		}
	}

	qty := spec.SnapQtyDown(t.Qty)
	if !qty.IsPositive() {
		cb.RecordSuccess()
		p.logger.Warn("tranche quantity below step, skipping protection",
			"symbol", task.Key.Symbol, "tranche_id", t.ID, "qty", t.Qty)
		return
	}

	tpPrice, slPrice := protectionPrices(spec, symCfg, task.Key.Side, t.AvgEntry)
	oldTP, oldSL := t.TPOrderID, t.SLOrderID

	if !tpEnabled && !slEnabled {
		p.cancelLeg(ctx, task.Key.Symbol, oldTP, core.PriorityNormal)
		p.cancelLeg(ctx, task.Key.Symbol, oldSL, core.PriorityNormal)
		cb.RecordSuccess()
		if err := p.part.SetProtection(ctx, task.Key, t.ID, 0, 0, decimal.Decimal{}, decimal.Decimal{}, false); err != nil {
			p.logger.Error("failed to record protection state", "tranche_id", t.ID, "error", err)
		}
		p.outcome(task.Kind, "disabled")
		return
	}

	placeMissing := task.Kind == core.TaskPlaceMissing
	needTP := tpEnabled && (!placeMissing || oldTP == 0)
	needSL := slEnabled && (!placeMissing || oldSL == 0)
	if !placeMissing {
		p.cancelLeg(ctx, task.Key.Symbol, oldTP, core.PriorityNormal)
		p.cancelLeg(ctx, task.Key.Symbol, oldSL, core.PriorityNormal)
	}

	side := exitSide(task.Key.Side)
	var tpReq, slReq *core.PlaceOrderRequest
	if needTP {
		tpReq = &core.PlaceOrderRequest{
			Symbol:        task.Key.Symbol,
			Side:          side,
			Type:          core.OrderTypeLimit,
			Qty:           qty,
			Price:         tpPrice,
			TimeInForce:   core.TIFGoodTillCancel,
			ClientOrderID: core.NewClientOrderID(core.KindTakeProfit),
			Priority:      core.PriorityNormal,
		}
		p.applyPositionMode(tpReq, task.Key.Side)
	}
	if needSL {
		slReq = &core.PlaceOrderRequest{
			Symbol:        task.Key.Symbol,
			Side:          side,
			Type:          core.OrderTypeStopMarket,
			Qty:           qty,
			StopPrice:     slPrice,
			WorkingType:   core.WorkingType(symCfg.WorkingType),
			PriceProtect:  symCfg.PriceProtect,
			ClientOrderID: core.NewClientOrderID(core.KindStopLoss),
			Priority:      core.PriorityNormal,
		}
		p.applyPositionMode(slReq, task.Key.Side)
	}

	tpOrder, slOrder, placeErr := p.placeLegs(ctx, tpReq, slReq)

	tpID, slID := oldTP, oldSL
	if !placeMissing {
		tpID, slID = 0, 0
	}
	if tpOrder != nil {
		tpID = tpOrder.OrderID
		p.recordLeg(ctx, tpOrder, core.KindTakeProfit, t.ID)
	}
	if slOrder != nil {
		slID = slOrder.OrderID
		p.recordLeg(ctx, slOrder, core.KindStopLoss, t.ID)
	}

	unprotected := (tpEnabled && tpID == 0) || (slEnabled && slID == 0)
	setTP, setSL := decimal.Decimal{}, decimal.Decimal{}
	if tpID != 0 {
		setTP = tpPrice
	}
	if slID != 0 {
		setSL = slPrice
	}
	if err := p.part.SetProtection(ctx, task.Key, t.ID, tpID, slID, setTP, setSL, unprotected); err != nil {
		p.logger.Error("failed to record protection state", "tranche_id", t.ID, "error", err)
	}

	if task.EntryOrderID != 0 && (tpID != 0 || slID != 0) {
		if err := p.store.InsertRelationship(ctx, task.EntryOrderID, tpID, slID, t.ID, task.Key.Symbol, task.Key.Side); err != nil {
			p.logger.Error("failed to record order relationship",
				"entry_order_id", task.EntryOrderID, "tranche_id", t.ID, "error", err)
		}
	}

	if unprotected {
		cb.RecordFailure()
		p.fail(ctx, task, t, "protective legs incomplete", placeErr)
		return
	}
	cb.RecordSuccess()
	switch task.Kind {
	case core.TaskEstablish:
		p.establishes.Add(1)
	case core.TaskResize:
		p.resizes.Add(1)
	default:
		p.rebuilds.Add(1)
	}
	p.outcome(task.Kind, "ok")
	p.logger.Info("tranche protected",
		"symbol", task.Key.Symbol, "position_side", task.Key.Side, "tranche_id", t.ID,
		"qty", qty, "tp_order_id", tpID, "tp_price", setTP,
		"sl_order_id", slID, "sl_price", setSL)
}

// placeLegs sends both legs, batched when enabled, retrying each failed
// leg individually on transient errors up to the rebuild attempt budget.
func (p *Protector) placeLegs(ctx context.Context, tpReq, slReq *core.PlaceOrderRequest) (tpOrder, slOrder *core.Order, err error) {
	if p.cfg.Engine.BatchOrdersEnabled && tpReq != nil && slReq != nil {
		orders, batchErr := p.placeBatch(ctx, []*core.PlaceOrderRequest{tpReq, slReq})
		if len(orders) == 2 {
			tpOrder, slOrder = orders[0], orders[1]
		}
		if batchErr == nil {
			return tpOrder, slOrder, nil
		}
		err = batchErr
		// Fall through and retry the rejected slots one by one.
	}

	policy := retry.RetryPolicy{
		MaxAttempts:    p.rebuildAttempts(),
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
	}
	if tpOrder == nil && tpReq != nil {
		legErr := retry.Do(ctx, policy, apperrors.Retryable, func() error {
			o, placeErr := p.venue.PlaceOrder(ctx, tpReq)
			if placeErr != nil {
				return placeErr
			}
			tpOrder = o
			return nil
		})
		if legErr != nil {
			err = legErr
		}
	}
	if slOrder == nil && slReq != nil {
		legErr := retry.Do(ctx, policy, apperrors.Retryable, func() error {
			o, placeErr := p.venue.PlaceOrder(ctx, slReq)
			if placeErr != nil {
				return placeErr
			}
			slOrder = o
			return nil
		})
		if legErr != nil {
			err = legErr
		}
	}
	return tpOrder, slOrder, err
}

func (p *Protector) placeBatch(ctx context.Context, reqs []*core.PlaceOrderRequest) ([]*core.Order, error) {
	if p.batch != nil {
		return p.batch.Place(ctx, reqs)
	}
	return p.venue.PlaceBatch(ctx, reqs)
}

func (p *Protector) rebuildAttempts() int {
	if n := p.cfg.Protection.MaxRebuildAttempts; n > 0 {
		return n
	}
	return 3
}

func (p *Protector) recordLeg(ctx context.Context, o *core.Order, kind core.OrderKind, trancheID int64) {
	o.Kind = kind
	o.TrancheID = trancheID
	if err := p.store.UpsertOrder(ctx, o); err != nil {
		p.logger.Error("failed to record protective leg",
			"order_id", o.OrderID, "tranche_id", trancheID, "error", err)
	}
}

// cancelLeg cancels one protective order, treating an already-terminal
// order as success.
func (p *Protector) cancelLeg(ctx context.Context, symbol string, orderID int64, priority core.Priority) {
	if orderID == 0 {
		return
	}
	err := p.venue.CancelOrder(ctx, &core.CancelOrderRequest{
		Symbol:   symbol,
		OrderID:  orderID,
		Priority: priority,
	})
	if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		p.logger.Warn("failed to cancel protective leg",
			"symbol", symbol, "order_id", orderID, "error", err)
	}
}

// siblingCancel removes the legs named on the task. The tranche is already
// gone, so the ids ride the task itself.
func (p *Protector) siblingCancel(ctx context.Context, task core.ProtectionTask) {
	p.cancelLeg(ctx, task.Key.Symbol, task.CancelTPID, core.PriorityCritical)
	p.cancelLeg(ctx, task.Key.Symbol, task.CancelSLID, core.PriorityCritical)
	p.dropBreaker(task.Key, task.TrancheID)
	p.siblingCancels.Add(1)
	p.outcome(task.Kind, "ok")
}

// closeMarket takes profit ahead of the resting TP: cancel the TP first,
// then market-reduce the tranche quantity. A TP that filled in the gap
// wins the race and the market order is skipped.
func (p *Protector) closeMarket(ctx context.Context, task core.ProtectionTask) {
	t := p.findTranche(task.Key, task.TrancheID)
	if t == nil {
		p.outcome(task.Kind, "tranche_gone")
		return
	}
	cb := p.breakerFor(task.Key, task.TrancheID)
	if !cb.TryAcquirePermit() {
		p.breakerSkips.Add(1)
		p.outcome(task.Kind, "breaker_open")
		return
	}

	if t.TPOrderID != 0 {
		err := p.venue.CancelOrder(ctx, &core.CancelOrderRequest{
			Symbol:   task.Key.Symbol,
			OrderID:  t.TPOrderID,
			Priority: core.PriorityCritical,
		})
		if errors.Is(err, apperrors.ErrOrderNotFound) {
			ord, qerr := p.venue.QueryOrder(ctx, task.Key.Symbol, t.TPOrderID, "")
			if qerr != nil {
				cb.RecordSuccess()
				p.outcome(task.Kind, "tp_state_unknown")
				p.logger.Warn("fast close aborted, resting TP state unknown",
					"symbol", task.Key.Symbol, "tranche_id", t.ID, "error", qerr)
				return
			}
			if ord.Status == core.OrderStatusFilled || ord.Status == core.OrderStatusPartiallyFilled {
				cb.RecordSuccess()
				p.outcome(task.Kind, "tp_already_filled")
				p.logger.Info("resting TP filled first, skipping market close",
					"symbol", task.Key.Symbol, "tranche_id", t.ID)
				return
			}
		} else if err != nil {
			cb.RecordFailure()
			p.fail(ctx, task, t, "TP cancel failed before market close", err)
			return
		}
	}

	// Venue truth bounds the reduce. The position can shrink or vanish
	// between trigger and close (SL filled, manual intervention), and a
	// reduce-only for more than the venue holds would be rejected.
	qty := t.Qty
	positions, err := p.venue.PositionRisk(ctx, task.Key.Symbol)
	if err != nil {
		cb.RecordFailure()
		p.fail(ctx, task, t, "position verify failed before market close", err)
		return
	}
	venueQty := decimal.Zero
	for _, vp := range positions {
		if vp.Symbol == task.Key.Symbol && vp.Side == task.Key.Side {
			venueQty = venueQty.Add(vp.Qty)
		}
	}
	if !venueQty.IsPositive() && !p.cfg.Engine.SimulateOnly {
		cb.RecordSuccess()
		p.outcome(task.Kind, "position_gone")
		p.cancelLeg(ctx, task.Key.Symbol, t.SLOrderID, core.PriorityCritical)
		if derr := p.part.DropTranche(ctx, task.Key, t.ID, "venue position gone"); derr != nil {
			p.logger.Error("failed to drop vanished tranche",
				"symbol", task.Key.Symbol, "tranche_id", t.ID, "error", derr)
		}
		return
	}
	if venueQty.IsPositive() && venueQty.LessThan(qty) {
		qty = venueQty
	}

	spec, err := p.venue.GetSymbolSpec(task.Key.Symbol)
	if err != nil {
		cb.RecordFailure()
		p.fail(ctx, task, t, "symbol spec unavailable", err)
		return
	}
	qty = spec.SnapQtyDown(qty)
	if !qty.IsPositive() {
		cb.RecordSuccess()
		return
	}

	req := &core.PlaceOrderRequest{
		Symbol:        task.Key.Symbol,
		Side:          exitSide(task.Key.Side),
		Type:          core.OrderTypeMarket,
		Qty:           qty,
		ClientOrderID: core.NewClientOrderID(core.KindClose),
		Priority:      core.PriorityCritical,
	}
	p.applyPositionMode(req, task.Key.Side)

	ord, err := p.venue.PlaceOrder(ctx, req)
	if err != nil {
		if apperrors.PositionGone(err) {
			cb.RecordSuccess()
			p.outcome(task.Kind, "position_gone")
			p.logger.Info("position gone before market close",
				"symbol", task.Key.Symbol, "tranche_id", t.ID)
			return
		}
		cb.RecordFailure()
		p.fail(ctx, task, t, "market close rejected", err)
		return
	}

	p.recordLeg(ctx, ord, core.KindClose, t.ID)
	cb.RecordSuccess()
	p.marketCloses.Add(1)
	p.outcome(task.Kind, "ok")
	p.logger.Info("market close placed",
		"symbol", task.Key.Symbol, "position_side", task.Key.Side,
		"tranche_id", t.ID, "order_id", ord.OrderID, "qty", qty, "reason", task.Reason)
}

func (p *Protector) fail(ctx context.Context, task core.ProtectionTask, t *core.Tranche, msg string, err error) {
	p.failures.Add(1)
	p.outcome(task.Kind, "failed")
	p.logger.Error(msg,
		"symbol", task.Key.Symbol, "position_side", task.Key.Side,
		"tranche_id", t.ID, "kind", task.Kind.String(), "error", err)
	if p.alerter == nil {
		return
	}
	p.alerter.Alert(ctx, core.AlertCritical, "tranche unprotected",
		fmt.Sprintf("%s %s tranche %d: %s", task.Key.Symbol, task.Key.Side, t.ID, msg),
		map[string]string{
			"symbol":        task.Key.Symbol,
			"position_side": string(task.Key.Side),
			"tranche_id":    fmt.Sprintf("%d", t.ID),
			"task":          task.Kind.String(),
		})
}

func (p *Protector) outcome(kind core.ProtectionTaskKind, outcome string) {
	p.taskCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("outcome", outcome),
	))
}
