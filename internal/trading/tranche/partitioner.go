// Package tranche partitions each position into independently protected
// slices. A position key (symbol, position side) owns an ordered list of
// tranches; an entry fill either averages into the most recent tranche or,
// when the aggregate is far enough underwater, starts a new one. Every
// mutation is persisted and answered with a protection task so the TP/SL
// pair tracks the tranche it guards.
package tranche

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	apperrors "liqhunter/pkg/errors"
	"liqhunter/pkg/retry"
	"liqhunter/pkg/telemetry"
)

var hundred = decimal.NewFromInt(100)

// storeBusyPolicy rides out a briefly locked database file without
// stalling the key lane for long.
var storeBusyPolicy = retry.RetryPolicy{
	MaxAttempts:    3,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     250 * time.Millisecond,
}

// TaskSink hands a protection task to the protection manager. It must not
// block; false means the task was not queued and the tranche stays flagged
// until the reconciler repairs it.
type TaskSink func(core.ProtectionTask) bool

// keyState is the single-writer tranche list for one position key.
// Tranches are kept in ascending id order.
type keyState struct {
	mu       sync.Mutex
	tranches []*core.Tranche
}

// Partitioner implements core.IPartitioner.
type Partitioner struct {
	cfg    *config.Config
	store  core.IStore
	logger core.ILogger

	mu   sync.Mutex
	keys map[core.PositionKey]*keyState

	sink TaskSink

	opCounter metric.Int64Counter

	now func() time.Time
}

var _ core.IPartitioner = (*Partitioner)(nil)

// NewPartitioner builds an empty partitioner; call Recover before the fill
// router starts, and BindSink before any fill can arrive.
func NewPartitioner(cfg *config.Config, store core.IStore, logger core.ILogger) *Partitioner {
	meter := telemetry.GetMeter("tranche")
	opCounter, _ := meter.Int64Counter("tranche_operations_total",
		metric.WithDescription("Tranche mutations by kind"))

	return &Partitioner{
		cfg:       cfg,
		store:     store,
		logger:    logger.WithField("component", "tranche"),
		keys:      make(map[core.PositionKey]*keyState),
		opCounter: opCounter,
		now:       time.Now,
	}
}

// BindSink wires the protection manager's queue. Must be called before the
// fill router starts delivering.
func (p *Partitioner) BindSink(sink TaskSink) {
	p.sink = sink
}

func (p *Partitioner) state(key core.PositionKey) *keyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	ks, ok := p.keys[key]
	if !ok {
		ks = &keyState{}
		p.keys[key] = ks
	}
	return ks
}

// busyRetry runs one store write, retrying only while the store reports
// busy. Any other failure passes through immediately.
func (p *Partitioner) busyRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, storeBusyPolicy, func(err error) bool {
		return errors.Is(err, apperrors.ErrStoreBusy)
	}, fn)
}

// positionKeyFor derives the position key for an order. One-way mode
// reports BOTH, which folds onto the side the order opens.
func positionKeyFor(o *core.Order) core.PositionKey {
	side := o.PositionSide
	if side == "" || side == core.PositionBoth {
		side = core.PositionSideForEntry(o.Side)
	}
	return core.PositionKey{Symbol: o.Symbol, Side: side}
}

// signedReturnPct is the percentage move from avg to price, positive when
// the move favors the side.
func signedReturnPct(avg, price decimal.Decimal, side core.PositionSide) decimal.Decimal {
	if !avg.IsPositive() {
		return decimal.Decimal{}
	}
	move := price.Sub(avg).Div(avg).Mul(hundred)
	if side == core.PositionShort {
		return move.Neg()
	}
	return move
}

func weightedAvg(aQty, aAvg, bQty, bAvg decimal.Decimal) decimal.Decimal {
	total := aQty.Add(bQty)
	if !total.IsPositive() {
		return decimal.Decimal{}
	}
	return aAvg.Mul(aQty).Add(bAvg.Mul(bQty)).Div(total)
}

// basisAvg returns the entry average the assignment rule compares against:
// the weighted average across all tranches, or just the most recent one
// when tranche_pnl_basis is "latest".
func (p *Partitioner) basisAvg(tranches []*core.Tranche) decimal.Decimal {
	if p.cfg.Engine.TranchePnLBasis == "latest" {
		return tranches[len(tranches)-1].AvgEntry
	}
	var qty, notional decimal.Decimal
	for _, t := range tranches {
		qty = qty.Add(t.Qty)
		notional = notional.Add(t.AvgEntry.Mul(t.Qty))
	}
	if !qty.IsPositive() {
		return decimal.Decimal{}
	}
	return notional.Div(qty)
}

// OnEntryFill routes a filled entry into a tranche. The aggregate deciding
// between absorb and create compares the fill against the position's
// average: underwater by at least the configured increment starts a new
// tranche, anything better averages into the most recent one.
func (p *Partitioner) OnEntryFill(ctx context.Context, o *core.Order, fillPrice, qty decimal.Decimal) error {
	if !qty.IsPositive() || !fillPrice.IsPositive() {
		return fmt.Errorf("entry fill with empty quantity or price for order %d", o.OrderID)
	}
	key := positionKeyFor(o)
	ks := p.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	if len(ks.tranches) > 0 {
		pnl := signedReturnPct(p.basisAvg(ks.tranches), fillPrice, key.Side)
		increment := decimal.NewFromFloat(p.cfg.Engine.TranchePnLIncrementPct)
		if pnl.GreaterThan(increment.Neg()) {
			return p.absorbLocked(ctx, ks, key, o, fillPrice, qty)
		}
	}

	if max := p.cfg.Engine.MaxTranchesPerSymbolSide; max > 0 && len(ks.tranches) >= max {
		if err := p.mergeLeastAdverseLocked(ctx, ks, key); err != nil {
			return err
		}
	}
	return p.createLocked(ctx, ks, key, o, fillPrice, qty, "entry")
}

func (p *Partitioner) absorbLocked(ctx context.Context, ks *keyState, key core.PositionKey, o *core.Order, fillPrice, qty decimal.Decimal) error {
	t := ks.tranches[len(ks.tranches)-1]
	t.AvgEntry = weightedAvg(t.Qty, t.AvgEntry, qty, fillPrice)
	t.Qty = t.Qty.Add(qty)
	t.UpdatedAt = p.now()

	p.count(ctx, "absorb")
	p.logger.Info("entry absorbed into tranche",
		"symbol", key.Symbol, "position_side", key.Side, "tranche_id", t.ID,
		"qty", t.Qty, "avg_entry", t.AvgEntry)

	p.persistOrderTie(ctx, o, t.ID)
	if err := p.busyRetry(ctx, func() error { return p.store.UpdateTranche(ctx, t) }); err != nil {
		p.logger.Error("failed to persist tranche", "tranche_id", t.ID, "error", err)
	}
	p.emitLocked(t, core.ProtectionTask{
		Kind:         core.TaskRebuild,
		Key:          key,
		TrancheID:    t.ID,
		EntryOrderID: o.OrderID,
		Reason:       "absorbed",
	})
	p.updateGaugesLocked(ks, key)
	return nil
}

func (p *Partitioner) createLocked(ctx context.Context, ks *keyState, key core.PositionKey, o *core.Order, fillPrice, qty decimal.Decimal, reason string) error {
	var id int64
	err := p.busyRetry(ctx, func() error {
		var err error
		id, err = p.store.NextTrancheID(ctx, key.Symbol, key.Side)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to allocate tranche id: %w", err)
	}
	now := p.now()
	t := &core.Tranche{
		ID:          id,
		Symbol:      key.Symbol,
		Side:        key.Side,
		Qty:         qty,
		AvgEntry:    fillPrice,
		Unprotected: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ks.tranches = append(ks.tranches, t)

	p.count(ctx, "create")
	p.logger.Info("tranche created",
		"symbol", key.Symbol, "position_side", key.Side, "tranche_id", id,
		"qty", qty, "avg_entry", fillPrice, "reason", reason)

	var entryID int64
	if o != nil {
		p.persistOrderTie(ctx, o, id)
		entryID = o.OrderID
	}
	if err := p.busyRetry(ctx, func() error { return p.store.CreateTranche(ctx, t) }); err != nil {
		p.logger.Error("failed to persist tranche", "tranche_id", id, "error", err)
	}
	p.emitLocked(t, core.ProtectionTask{
		Kind:         core.TaskEstablish,
		Key:          key,
		TrancheID:    id,
		EntryOrderID: entryID,
		Reason:       reason,
	})
	p.updateGaugesLocked(ks, key)
	return nil
}

// persistOrderTie stamps the tranche id onto the entry order row.
func (p *Partitioner) persistOrderTie(ctx context.Context, o *core.Order, trancheID int64) {
	o.TrancheID = trancheID
	if err := p.busyRetry(ctx, func() error { return p.store.UpsertOrder(ctx, o) }); err != nil {
		p.logger.Error("failed to tie order to tranche",
			"order_id", o.OrderID, "tranche_id", trancheID, "error", err)
	}
}

// OnProtectionFill subtracts a protective fill from its tranche. A tranche
// at zero is deleted and the surviving companion leg canceled; a partial
// reduce shrinks the protection instead.
func (p *Partitioner) OnProtectionFill(ctx context.Context, trancheID int64, key core.PositionKey, filledQty decimal.Decimal, filledOrderID int64) error {
	ks := p.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	idx := -1
	for i, t := range ks.tranches {
		if t.ID == trancheID {
			idx = i
			break
		}
	}
	if idx < 0 {
		p.logger.Warn("protective fill for unknown tranche",
			"symbol", key.Symbol, "position_side", key.Side, "tranche_id", trancheID)
		return nil
	}
	t := ks.tranches[idx]
	t.Qty = t.Qty.Sub(filledQty)
	t.UpdatedAt = p.now()

	if t.Qty.IsPositive() {
		p.count(ctx, "reduce")
		p.logger.Info("tranche reduced",
			"symbol", key.Symbol, "position_side", key.Side, "tranche_id", t.ID, "qty", t.Qty)
		if err := p.busyRetry(ctx, func() error { return p.store.UpdateTranche(ctx, t) }); err != nil {
			p.logger.Error("failed to persist tranche", "tranche_id", t.ID, "error", err)
		}
		p.emitLocked(t, core.ProtectionTask{
			Kind:          core.TaskResize,
			Key:           key,
			TrancheID:     t.ID,
			FilledOrderID: filledOrderID,
			Reason:        "partial_reduce",
		})
		p.updateGaugesLocked(ks, key)
		return nil
	}

	ks.tranches = append(ks.tranches[:idx], ks.tranches[idx+1:]...)
	p.count(ctx, "close")
	p.logger.Info("tranche closed",
		"symbol", key.Symbol, "position_side", key.Side, "tranche_id", t.ID)
	if err := p.busyRetry(ctx, func() error { return p.store.DeleteTranche(ctx, key.Symbol, key.Side, t.ID) }); err != nil {
		p.logger.Error("failed to delete tranche", "tranche_id", t.ID, "error", err)
	}

	task := core.ProtectionTask{
		Kind:          core.TaskSiblingCancel,
		Key:           key,
		TrancheID:     t.ID,
		FilledOrderID: filledOrderID,
		Reason:        "tranche_closed",
	}
	// Only the leg that did not fill needs canceling.
	if t.TPOrderID != 0 && t.TPOrderID != filledOrderID {
		task.CancelTPID = t.TPOrderID
	}
	if t.SLOrderID != 0 && t.SLOrderID != filledOrderID {
		task.CancelSLID = t.SLOrderID
	}
	p.emit(task)
	p.updateGaugesLocked(ks, key)
	return nil
}

// DropTranche removes a tranche whose venue position is gone and cancels
// both protective legs.
func (p *Partitioner) DropTranche(ctx context.Context, key core.PositionKey, trancheID int64, reason string) error {
	ks := p.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	idx := -1
	for i, t := range ks.tranches {
		if t.ID == trancheID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	t := ks.tranches[idx]
	ks.tranches = append(ks.tranches[:idx], ks.tranches[idx+1:]...)

	p.count(ctx, "drop")
	p.logger.Warn("tranche dropped",
		"symbol", key.Symbol, "position_side", key.Side, "tranche_id", t.ID, "reason", reason)
	if err := p.busyRetry(ctx, func() error { return p.store.DeleteTranche(ctx, key.Symbol, key.Side, t.ID) }); err != nil {
		p.logger.Error("failed to delete tranche", "tranche_id", t.ID, "error", err)
	}
	if t.TPOrderID != 0 || t.SLOrderID != 0 {
		p.emit(core.ProtectionTask{
			Kind:       core.TaskSiblingCancel,
			Key:        key,
			TrancheID:  t.ID,
			CancelTPID: t.TPOrderID,
			CancelSLID: t.SLOrderID,
			Reason:     reason,
		})
	}
	p.updateGaugesLocked(ks, key)
	return nil
}

// AdoptVenuePosition creates a recovery tranche for venue quantity the
// engine does not account for, priced at the current mark.
func (p *Partitioner) AdoptVenuePosition(ctx context.Context, key core.PositionKey, qty, markPrice decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("adopt with non-positive quantity %s", qty)
	}
	ks := p.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	return p.createLocked(ctx, ks, key, nil, markPrice, qty, "recovery")
}

// mergeLeastAdverseLocked combines the pair whose weighted-average entry
// is least adverse for the side, freeing a slot under the tranche cap.
func (p *Partitioner) mergeLeastAdverseLocked(ctx context.Context, ks *keyState, key core.PositionKey) error {
	if len(ks.tranches) < 2 {
		return fmt.Errorf("merge requested with %d tranches", len(ks.tranches))
	}
	bi, bj := 0, 1
	var best decimal.Decimal
	for i := 0; i < len(ks.tranches); i++ {
		for j := i + 1; j < len(ks.tranches); j++ {
			a, b := ks.tranches[i], ks.tranches[j]
			avg := weightedAvg(a.Qty, a.AvgEntry, b.Qty, b.AvgEntry)
			// Lower combined entry favors a long, higher favors a short.
			if key.Side == core.PositionShort {
				avg = avg.Neg()
			}
			if (i == 0 && j == 1) || avg.LessThan(best) {
				best, bi, bj = avg, i, j
			}
		}
	}
	p.mergePairLocked(ctx, ks, key, bi, bj, "tranche_cap")
	return nil
}

// mergePairLocked folds tranche j into tranche i (i before j in the list),
// keeping the older id.
func (p *Partitioner) mergePairLocked(ctx context.Context, ks *keyState, key core.PositionKey, i, j int, reason string) {
	keep, gone := ks.tranches[i], ks.tranches[j]
	keep.AvgEntry = weightedAvg(keep.Qty, keep.AvgEntry, gone.Qty, gone.AvgEntry)
	keep.Qty = keep.Qty.Add(gone.Qty)
	keep.UpdatedAt = p.now()
	ks.tranches = append(ks.tranches[:j], ks.tranches[j+1:]...)

	p.count(ctx, "merge")
	p.logger.Info("tranches merged",
		"symbol", key.Symbol, "position_side", key.Side,
		"kept_id", keep.ID, "merged_id", gone.ID,
		"qty", keep.Qty, "avg_entry", keep.AvgEntry, "reason", reason)

	if err := p.busyRetry(ctx, func() error { return p.store.UpdateTranche(ctx, keep) }); err != nil {
		p.logger.Error("failed to persist tranche", "tranche_id", keep.ID, "error", err)
	}
	if err := p.busyRetry(ctx, func() error { return p.store.DeleteTranche(ctx, key.Symbol, key.Side, gone.ID) }); err != nil {
		p.logger.Error("failed to delete tranche", "tranche_id", gone.ID, "error", err)
	}

	if gone.TPOrderID != 0 || gone.SLOrderID != 0 {
		p.emit(core.ProtectionTask{
			Kind:       core.TaskSiblingCancel,
			Key:        key,
			TrancheID:  gone.ID,
			CancelTPID: gone.TPOrderID,
			CancelSLID: gone.SLOrderID,
			Reason:     "merged",
		})
	}
	p.emitLocked(keep, core.ProtectionTask{
		Kind:      core.TaskRebuild,
		Key:       key,
		TrancheID: keep.ID,
		Reason:    reason,
	})
	p.updateGaugesLocked(ks, key)
}

// MergeProfitablePairs folds together any two tranches whose combined
// position is profitable at the mark, until no such pair remains.
func (p *Partitioner) MergeProfitablePairs(ctx context.Context, key core.PositionKey, markPrice decimal.Decimal) error {
	if !markPrice.IsPositive() {
		return nil
	}
	ks := p.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for {
		merged := false
		for i := 0; i < len(ks.tranches) && !merged; i++ {
			for j := i + 1; j < len(ks.tranches); j++ {
				a, b := ks.tranches[i], ks.tranches[j]
				avg := weightedAvg(a.Qty, a.AvgEntry, b.Qty, b.AvgEntry)
				if signedReturnPct(avg, markPrice, key.Side).IsPositive() {
					p.mergePairLocked(ctx, ks, key, i, j, "profitable_pair")
					merged = true
					break
				}
			}
		}
		if !merged {
			return nil
		}
	}
}

// SetProtection records the protection manager's outcome for a tranche.
func (p *Partitioner) SetProtection(ctx context.Context, key core.PositionKey, trancheID, tpID, slID int64, tpPrice, slPrice decimal.Decimal, unprotected bool) error {
	ks := p.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for _, t := range ks.tranches {
		if t.ID != trancheID {
			continue
		}
		t.TPOrderID, t.SLOrderID = tpID, slID
		t.TPPrice, t.SLPrice = tpPrice, slPrice
		t.Unprotected = unprotected
		t.UpdatedAt = p.now()
		if err := p.busyRetry(ctx, func() error { return p.store.UpdateTranche(ctx, t) }); err != nil {
			return fmt.Errorf("failed to persist protection state: %w", err)
		}
		p.updateGaugesLocked(ks, key)
		return nil
	}
	return fmt.Errorf("tranche %d not found for %s %s", trancheID, key.Symbol, key.Side)
}

// Tranches returns a snapshot of the key's tranches in id order.
func (p *Partitioner) Tranches(key core.PositionKey) []*core.Tranche {
	ks := p.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	out := make([]*core.Tranche, len(ks.tranches))
	for i, t := range ks.tranches {
		cp := *t
		out[i] = &cp
	}
	return out
}

// AllKeys lists every key currently holding tranches, sorted for stable
// iteration.
func (p *Partitioner) AllKeys() []core.PositionKey {
	p.mu.Lock()
	states := make(map[core.PositionKey]*keyState, len(p.keys))
	for k, ks := range p.keys {
		states[k] = ks
	}
	p.mu.Unlock()

	var out []core.PositionKey
	for k, ks := range states {
		ks.mu.Lock()
		n := len(ks.tranches)
		ks.mu.Unlock()
		if n > 0 {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		return out[i].Side < out[j].Side
	})
	return out
}

// AggregatePnLPct is the signed return of the key's whole position at the
// given price, weighted across tranches.
func (p *Partitioner) AggregatePnLPct(key core.PositionKey, price decimal.Decimal) decimal.Decimal {
	ks := p.state(key)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if len(ks.tranches) == 0 {
		return decimal.Decimal{}
	}
	return signedReturnPct(p.basisAvg(ks.tranches), price, key.Side)
}

// Recover rebuilds the in-memory map from the store. Call before any
// stream starts; it replaces all state.
func (p *Partitioner) Recover(ctx context.Context) error {
	rows, err := p.store.AllTranches(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tranches: %w", err)
	}

	keys := make(map[core.PositionKey]*keyState)
	for _, t := range rows {
		key := t.Key()
		ks, ok := keys[key]
		if !ok {
			ks = &keyState{}
			keys[key] = ks
		}
		cp := *t
		ks.tranches = append(ks.tranches, &cp)
	}
	for _, ks := range keys {
		sort.Slice(ks.tranches, func(i, j int) bool { return ks.tranches[i].ID < ks.tranches[j].ID })
	}

	p.mu.Lock()
	p.keys = keys
	p.mu.Unlock()

	p.logger.Info("tranche state recovered", "tranches", len(rows), "keys", len(keys))
	return nil
}

// emitLocked queues a task for a tranche currently held under its key
// lock, flagging the tranche when the queue refuses it.
func (p *Partitioner) emitLocked(t *core.Tranche, task core.ProtectionTask) {
	if p.emitOK(task) {
		return
	}
	t.Unprotected = true
}

func (p *Partitioner) emit(task core.ProtectionTask) {
	p.emitOK(task)
}

func (p *Partitioner) emitOK(task core.ProtectionTask) bool {
	if p.sink != nil && p.sink(task) {
		return true
	}
	p.logger.Warn("protection task not queued",
		"kind", task.Kind.String(), "symbol", task.Key.Symbol,
		"position_side", task.Key.Side, "tranche_id", task.TrancheID, "reason", task.Reason)
	return false
}

func (p *Partitioner) count(ctx context.Context, kind string) {
	p.opCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// updateGaugesLocked refreshes the exported per-leg gauges from the key's
// current list. Caller holds ks.mu.
func (p *Partitioner) updateGaugesLocked(ks *keyState, key core.PositionKey) {
	var unprotected int64
	for _, t := range ks.tranches {
		if t.Unprotected {
			unprotected++
		}
	}
	m := telemetry.GetGlobalMetrics()
	gk := key.Symbol + "/" + string(key.Side)
	m.SetTranchesActive(gk, int64(len(ks.tranches)))
	m.SetTranchesUnprotected(gk, unprotected)
}
