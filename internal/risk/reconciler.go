package risk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	"liqhunter/internal/trading/exposure"
	"liqhunter/pkg/telemetry"
)

const (
	// passTimeout bounds one full reconciliation pass.
	passTimeout = 30 * time.Second
	// orphanGrace is how long an engine-tagged open order may float without
	// a tranche referencing it before the sweep cancels it.
	orphanGrace = 60 * time.Second
	// recentFillGrace suppresses orphan cancels for a symbol right after an
	// entry fill, while protection placement is still settling.
	recentFillGrace = 5 * time.Minute
	// violationAlertAt is the consecutive drift count that raises an alert.
	violationAlertAt = 3
)

// Stats is a point-in-time snapshot of reconciler counters.
type Stats struct {
	Runs            int64
	Corrections     int64
	LegsRepaired    int64
	OrphansCanceled int64
	TTLCanceled     int64
	Failures        int64
	LastRun         time.Time
}

// Reconciler is the last-resort consistency oracle: on a fixed cadence it
// compares venue positions and open orders against the tranche book and
// repairs whatever drifted. Every other component is allowed to lose an
// event and assume a later pass cleans up after it.
type Reconciler struct {
	cfg       *config.Config
	venue     core.IVenue
	store     core.IStore
	part      core.IPartitioner
	protector core.IProtector
	ledger    *exposure.Ledger
	alerter   core.IAlerter
	logger    core.ILogger

	interval time.Duration
	orderTTL time.Duration
	limiter  *rate.Limiter

	mu         sync.Mutex // one pass at a time
	violations map[core.PositionKey]int

	nudge  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runs            atomic.Int64
	corrections     atomic.Int64
	legsRepaired    atomic.Int64
	orphansCanceled atomic.Int64
	ttlCanceled     atomic.Int64
	failures        atomic.Int64
	lastRun         atomic.Int64 // unix nanos of last completed pass

	correctionCounter metric.Int64Counter

	now func() time.Time
}

// NewReconciler wires the consistency sweep. The alerter may be nil.
func NewReconciler(
	cfg *config.Config,
	venue core.IVenue,
	store core.IStore,
	part core.IPartitioner,
	protector core.IProtector,
	ledger *exposure.Ledger,
	alerter core.IAlerter,
	logger core.ILogger,
) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("reconciler")
	correctionCounter, _ := meter.Int64Counter("reconciler_corrections_total",
		metric.WithDescription("Consistency corrections applied by the reconciler"))

	return &Reconciler{
		cfg:               cfg,
		venue:             venue,
		store:             store,
		part:              part,
		protector:         protector,
		ledger:            ledger,
		alerter:           alerter,
		logger:            logger.WithField("component", "reconciler"),
		interval:          time.Duration(cfg.Engine.ReconcileIntervalSec) * time.Second,
		orderTTL:          time.Duration(cfg.Engine.OrderTTLMs) * time.Millisecond,
		limiter:           rate.NewLimiter(rate.Limit(4), 4),
		violations:        make(map[core.PositionKey]int),
		nudge:             make(chan struct{}, 1),
		ctx:               ctx,
		cancel:            cancel,
		correctionCounter: correctionCounter,
		now:               time.Now,
	}
}

// Start runs an immediate pass, then the periodic loop.
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("starting reconciler", "interval", r.interval.String(), "order_ttl", r.orderTTL.String())
	r.wg.Add(1)
	go r.runLoop()
	return nil
}

func (r *Reconciler) Stop() error {
	r.logger.Info("stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

// Nudge requests an out-of-cadence pass, e.g. when the fill router sees
// position drift in an ACCOUNT_UPDATE. Coalesces while a pass is pending.
func (r *Reconciler) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	// First pass right away: startup recovery ran before streams, and this
	// validates the recovered book against the venue before trading resumes.
	r.pass()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.pass()
		case <-r.nudge:
			r.pass()
		}
	}
}

func (r *Reconciler) pass() {
	ctx, cancel := context.WithTimeout(r.ctx, passTimeout)
	defer cancel()
	if err := r.Reconcile(ctx); err != nil {
		r.failures.Add(1)
		r.logger.Error("reconciliation pass failed", "error", err)
	}
}

// Reconcile performs a single pass: fetch venue truth, settle the tranche
// book against venue quantities, fold profitable pairs, repair missing
// protection legs, then sweep orphaned and expired orders.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Simulated venues report nothing; reconciling against that would wipe
	// the book.
	if r.cfg.Engine.SimulateOnly {
		return nil
	}

	start := r.now()

	var (
		positions []*core.VenuePosition
		open      []*core.Order
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		positions, err = r.venue.PositionRisk(gctx, "")
		if err != nil {
			return fmt.Errorf("failed to fetch positions: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		open, err = r.venue.OpenOrders(gctx, "")
		if err != nil {
			return fmt.Errorf("failed to fetch open orders: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	venueQty := make(map[core.PositionKey]decimal.Decimal, len(positions))
	marks := make(map[core.PositionKey]decimal.Decimal, len(positions))
	for _, vp := range positions {
		k := core.PositionKey{Symbol: vp.Symbol, Side: vp.Side}
		venueQty[k] = venueQty[k].Add(vp.Qty)
		marks[k] = vp.MarkPrice
	}
	openSet := make(map[int64]*core.Order, len(open))
	for _, o := range open {
		openSet[o.OrderID] = o
	}

	r.reconcilePositions(ctx, venueQty, marks)
	r.mergeProfitable(ctx, marks)
	r.repairProtection(ctx, openSet, marks)
	r.sweepOrders(ctx, open)

	r.runs.Add(1)
	r.lastRun.Store(r.now().UnixNano())
	r.logger.Debug("reconciliation pass completed", "took", r.now().Sub(start).String())
	return nil
}

// managedKeys is the union of keys holding tranches and both sides of every
// configured symbol. Venue positions in symbols the engine does not trade
// are the operator's business and stay untouched.
func (r *Reconciler) managedKeys() []core.PositionKey {
	keys := r.part.AllKeys()
	seen := make(map[core.PositionKey]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	for sym := range r.cfg.Symbols {
		for _, side := range []core.PositionSide{core.PositionLong, core.PositionShort} {
			k := core.PositionKey{Symbol: sym, Side: side}
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// tolerance is the quantity slack allowed between the tranche sum and the
// venue position: one step size, or a dust epsilon when the spec is unknown.
func (r *Reconciler) tolerance(symbol string) decimal.Decimal {
	if spec, err := r.venue.GetSymbolSpec(symbol); err == nil && !spec.StepSize.IsZero() {
		return spec.StepSize
	}
	return decimal.New(1, -8)
}

func (r *Reconciler) reconcilePositions(ctx context.Context, venueQty, marks map[core.PositionKey]decimal.Decimal) {
	for _, key := range r.managedKeys() {
		tranches := r.part.Tranches(key)
		sum := decimal.Zero
		for _, t := range tranches {
			sum = sum.Add(t.Qty)
		}
		venue := venueQty[key]
		diff := venue.Sub(sum)
		if diff.Abs().LessThanOrEqual(r.tolerance(key.Symbol)) {
			delete(r.violations, key)
			continue
		}

		r.violations[key]++
		r.logger.Warn("position drift detected",
			"symbol", key.Symbol, "position_side", key.Side,
			"tranche_qty", sum, "venue_qty", venue, "consecutive", r.violations[key])

		switch {
		case !venue.IsPositive():
			// Flat on the venue while the book still holds tranches: the
			// position was closed behind our back (manual close, ADL, or a
			// liquidation of our own position).
			for _, t := range tranches {
				if err := r.part.DropTranche(ctx, key, t.ID, "venue position flat"); err != nil {
					r.logger.Error("failed to drop tranche",
						"symbol", key.Symbol, "tranche_id", t.ID, "error", err)
				}
			}
			r.ledger.DropPosition(key)
			r.correction(ctx, key, "drop_flat")
		case diff.IsPositive():
			// Venue carries more than the book accounts for. Adopt the
			// excess as a recovery tranche so it gets protected.
			mark := marks[key]
			if mark.IsZero() {
				var err error
				mark, err = r.venue.GetMarkPrice(ctx, key.Symbol)
				if err != nil {
					r.logger.Error("failed to fetch mark for recovery tranche",
						"symbol", key.Symbol, "error", err)
					mark = decimal.Zero
				}
			}
			if mark.IsPositive() {
				if err := r.part.AdoptVenuePosition(ctx, key, diff, mark); err != nil {
					r.logger.Error("failed to adopt venue position",
						"symbol", key.Symbol, "position_side", key.Side, "qty", diff, "error", err)
				} else {
					r.correction(ctx, key, "adopt_excess")
				}
			}
		default:
			// The book overstates the venue position, so some reduction
			// never reached us. Shrink newest tranches first until it fits.
			r.shrinkExcess(ctx, key, tranches, diff.Neg())
			r.correction(ctx, key, "shrink_excess")
		}

		if r.violations[key] >= violationAlertAt && r.alerter != nil {
			r.alerter.Alert(ctx, core.AlertCritical, "Repeated position drift",
				fmt.Sprintf("%s %s drifted on %d consecutive passes", key.Symbol, key.Side, r.violations[key]),
				map[string]string{
					"symbol":      key.Symbol,
					"side":        string(key.Side),
					"tranche_qty": sum.String(),
					"venue_qty":   venue.String(),
				})
		}
	}
}

// shrinkExcess walks tranches newest-first and books phantom reductions
// until the tranche sum matches the venue quantity again. Oldest tranches
// keep their history; the newest absorb the correction.
func (r *Reconciler) shrinkExcess(ctx context.Context, key core.PositionKey, tranches []*core.Tranche, excess decimal.Decimal) {
	for i := len(tranches) - 1; i >= 0 && excess.IsPositive(); i-- {
		t := tranches[i]
		cut := decimal.Min(t.Qty, excess)
		if err := r.part.OnProtectionFill(ctx, t.ID, key, cut, 0); err != nil {
			r.logger.Error("failed to shrink tranche",
				"symbol", key.Symbol, "tranche_id", t.ID, "qty", cut, "error", err)
			return
		}
		r.ledger.ReducePosition(key, cut)
		excess = excess.Sub(cut)
	}
}

// mergeProfitable compacts the book opportunistically: any pair of tranches
// whose combined position is in profit at the current mark folds into one,
// freeing a slot before the next cascade needs it. Keys without a venue
// mark are skipped by the partitioner's own guard.
func (r *Reconciler) mergeProfitable(ctx context.Context, marks map[core.PositionKey]decimal.Decimal) {
	for _, key := range r.part.AllKeys() {
		if err := r.part.MergeProfitablePairs(ctx, key, marks[key]); err != nil {
			r.logger.Error("failed to merge profitable tranches",
				"symbol", key.Symbol, "position_side", key.Side, "error", err)
		}
	}
}

// repairProtection puts every live tranche back under one resting TP and
// one resting SL: legs the venue no longer carries are cleared and
// replaced, and a tranche whose mark already ran past its TP level is
// closed at market the way the fast path would.
func (r *Reconciler) repairProtection(ctx context.Context, openSet map[int64]*core.Order, marks map[core.PositionKey]decimal.Decimal) {
	for _, key := range r.part.AllKeys() {
		symCfg, ok := r.cfg.SymbolFor(key.Symbol)
		if !ok {
			continue
		}
		expectTP := symCfg.TakeProfitEnabled
		expectSL := symCfg.StopLossEnabled
		if !expectTP && !expectSL {
			continue
		}
		for _, t := range r.part.Tranches(key) {
			if !t.Qty.IsPositive() {
				continue
			}

			tpID, slID := t.TPOrderID, t.SLOrderID
			tpPrice, slPrice := t.TPPrice, t.SLPrice
			cleared := false
			if tpID != 0 {
				switch r.legState(ctx, tpID, openSet) {
				case legFilling:
					continue // fill in flight, next pass settles it
				case legLost:
					tpID, tpPrice = 0, decimal.Zero
					cleared = true
				}
			}
			if slID != 0 {
				switch r.legState(ctx, slID, openSet) {
				case legFilling:
					continue
				case legLost:
					slID, slPrice = 0, decimal.Zero
					cleared = true
				}
			}
			missingTP := expectTP && tpID == 0
			missingSL := expectSL && slID == 0
			if !missingTP && !missingSL && !t.Unprotected {
				continue
			}
			if cleared {
				if err := r.part.SetProtection(ctx, key, t.ID, tpID, slID, tpPrice, slPrice, t.Unprotected); err != nil {
					r.logger.Error("failed to clear lost protection leg",
						"symbol", key.Symbol, "tranche_id", t.ID, "error", err)
					continue
				}
			}

			// Mark already beyond the TP level means the resting TP is gone
			// at the worst moment. Take the exit now instead of re-placing.
			if missingTP && r.markBeyondTP(t, symCfg, marks[key]) {
				if r.protector.Submit(core.ProtectionTask{
					Kind:      core.TaskCloseMarket,
					Key:       key,
					TrancheID: t.ID,
					Reason:    "tp_overshot_repair",
				}) {
					r.legsRepaired.Add(1)
					r.logger.Warn("closing tranche with lost TP beyond level",
						"symbol", key.Symbol, "tranche_id", t.ID, "mark", marks[key])
				}
				continue
			}

			reason := "missing_leg"
			if t.Unprotected {
				reason = "unprotected_retry"
			}
			if r.protector.Submit(core.ProtectionTask{
				Kind:      core.TaskPlaceMissing,
				Key:       key,
				TrancheID: t.ID,
				Reason:    reason,
			}) {
				r.legsRepaired.Add(1)
				r.logger.Info("repairing protection",
					"symbol", key.Symbol, "position_side", key.Side, "tranche_id", t.ID,
					"missing_tp", missingTP, "missing_sl", missingSL, "reason", reason)
			}
		}
	}
}

type legState int

const (
	legLive legState = iota
	legFilling
	legLost
)

// legState classifies a recorded protection leg against the venue's open
// orders. Orders the store saw fill are in flight through the router, not
// lost.
func (r *Reconciler) legState(ctx context.Context, orderID int64, openSet map[int64]*core.Order) legState {
	if _, ok := openSet[orderID]; ok {
		return legLive
	}
	row, err := r.store.OrderByID(ctx, orderID)
	if err == nil && row != nil {
		switch row.Status {
		case core.OrderStatusFilled, core.OrderStatusPartiallyFilled:
			return legFilling
		}
	}
	return legLost
}

// markBeyondTP reports whether the mark already crossed where the tranche's
// TP sits (or would sit, from the configured percent when no level is
// recorded).
func (r *Reconciler) markBeyondTP(t *core.Tranche, symCfg config.SymbolConfig, mark decimal.Decimal) bool {
	if mark.IsZero() {
		return false
	}
	level := t.TPPrice
	if level.IsZero() {
		pct := decimal.NewFromFloat(symCfg.TakeProfitPct).Div(decimal.NewFromInt(100))
		if t.Side == core.PositionShort {
			level = t.AvgEntry.Mul(decimal.NewFromInt(1).Sub(pct))
		} else {
			level = t.AvgEntry.Mul(decimal.NewFromInt(1).Add(pct))
		}
	}
	if level.IsZero() {
		return false
	}
	if t.Side == core.PositionShort {
		return mark.LessThanOrEqual(level)
	}
	return mark.GreaterThanOrEqual(level)
}

func (r *Reconciler) correction(ctx context.Context, key core.PositionKey, kind string) {
	r.corrections.Add(1)
	if r.correctionCounter != nil {
		r.correctionCounter.Add(ctx, 1)
	}
	r.logger.Info("applied consistency correction",
		"symbol", key.Symbol, "position_side", key.Side, "kind", kind)
}

// Stats returns a snapshot of the reconciler counters.
func (r *Reconciler) Stats() Stats {
	var last time.Time
	if ns := r.lastRun.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		Runs:            r.runs.Load(),
		Corrections:     r.corrections.Load(),
		LegsRepaired:    r.legsRepaired.Load(),
		OrphansCanceled: r.orphansCanceled.Load(),
		TTLCanceled:     r.ttlCanceled.Load(),
		Failures:        r.failures.Load(),
		LastRun:         last,
	}
}

// CheckHealth fails when passes stopped completing.
func (r *Reconciler) CheckHealth(ctx context.Context) error {
	if r.cfg.Engine.SimulateOnly {
		return nil
	}
	ns := r.lastRun.Load()
	if ns == 0 {
		if r.runs.Load() == 0 && r.failures.Load() == 0 {
			return nil // not started yet
		}
		return fmt.Errorf("no reconciliation pass has completed")
	}
	if age := r.now().Sub(time.Unix(0, ns)); age > 3*r.interval {
		return fmt.Errorf("last reconciliation pass %s ago", age.Round(time.Second))
	}
	return nil
}
