package risk

import (
	"context"
	"errors"
	"sort"
	"time"

	"liqhunter/internal/core"
	apperrors "liqhunter/pkg/errors"
)

// sweepOrders is the order half of a pass: cancel engine-tagged open orders
// that nothing references anymore, and entry orders resting past the TTL.
// Foreign orders are never touched, and a partially filled order is money
// in motion and never swept.
func (r *Reconciler) sweepOrders(ctx context.Context, open []*core.Order) {
	if len(open) == 0 {
		return
	}
	now := r.now()

	// Venue order ids a live tranche claims as its protection legs.
	refSet := make(map[int64]struct{})
	for _, key := range r.part.AllKeys() {
		for _, t := range r.part.Tranches(key) {
			if t.TPOrderID != 0 {
				refSet[t.TPOrderID] = struct{}{}
			}
			if t.SLOrderID != 0 {
				refSet[t.SLOrderID] = struct{}{}
			}
		}
	}

	sorted := make([]*core.Order, len(open))
	copy(sorted, open)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OrderID < sorted[j].OrderID })

	openSet := make(map[int64]*core.Order, len(sorted))
	for _, o := range sorted {
		openSet[o.OrderID] = o
	}

	lastFill := make(map[string]time.Time)
	canceled := make(map[int64]bool)

	for _, o := range sorted {
		if canceled[o.OrderID] || !core.IsEngineClientID(o.ClientOrderID) {
			continue
		}
		if o.Status == core.OrderStatusPartiallyFilled || o.ExecutedQty.IsPositive() {
			continue
		}

		// The venue does not echo our order taxonomy; recover it from the
		// store row, or from the client-id tag for rows we never persisted.
		var kind core.OrderKind
		if row, err := r.store.OrderByID(ctx, o.OrderID); err == nil && row != nil {
			kind = row.Kind
		} else if k, ok := core.OrderKindFromClientID(o.ClientOrderID); ok {
			kind = k
		}

		switch kind {
		case core.KindEntry:
			if o.CreatedAt.IsZero() || now.Sub(o.CreatedAt) <= r.orderTTL {
				continue
			}
			if !r.cancelPaced(ctx, o, "entry_ttl") {
				continue
			}
			canceled[o.OrderID] = true
			r.ttlCanceled.Add(1)
			r.ledger.ReleasePending(o.OrderID)
			if err := r.store.UpdateOrderStatus(ctx, o.OrderID, core.OrderStatusCanceled, o.ExecutedQty, o.AvgFillPrice); err != nil {
				r.logger.Debug("failed to record swept entry", "order_id", o.OrderID, "error", err)
			}
			tpID, slID, err := r.store.FindCompanions(ctx, o.OrderID)
			if err != nil {
				continue
			}
			for _, id := range []int64{tpID, slID} {
				if id == 0 || canceled[id] {
					continue
				}
				if companion, ok := openSet[id]; ok && r.cancelPaced(ctx, companion, "entry_ttl_companion") {
					canceled[id] = true
				}
			}
		case core.KindTakeProfit, core.KindStopLoss, core.KindClose:
			if _, live := refSet[o.OrderID]; live {
				continue
			}
			if o.CreatedAt.IsZero() || now.Sub(o.CreatedAt) <= orphanGrace {
				continue
			}
			// Right after an entry fill, protection placement may still be
			// racing the tranche bookkeeping. Leave the leg alone for now.
			last, ok := lastFill[o.Symbol]
			if !ok {
				last, _ = r.store.LastEntryFillTime(ctx, o.Symbol)
				lastFill[o.Symbol] = last
			}
			if !last.IsZero() && now.Sub(last) < recentFillGrace {
				continue
			}
			if r.cancelPaced(ctx, o, "orphaned_leg") {
				canceled[o.OrderID] = true
				r.orphansCanceled.Add(1)
			}
		}
	}
}

// cancelPaced cancels one order under the sweep limiter. An order the venue
// already closed counts as canceled; both sides reached the same state.
func (r *Reconciler) cancelPaced(ctx context.Context, o *core.Order, reason string) bool {
	if err := r.limiter.Wait(ctx); err != nil {
		return false
	}
	err := r.venue.CancelOrder(ctx, &core.CancelOrderRequest{
		Symbol:   o.Symbol,
		OrderID:  o.OrderID,
		Priority: core.PriorityLow,
	})
	if err != nil && !errors.Is(err, apperrors.ErrOrderNotFound) {
		r.logger.Error("failed to cancel swept order",
			"symbol", o.Symbol, "order_id", o.OrderID, "reason", reason, "error", err)
		return false
	}
	r.logger.Info("swept order",
		"symbol", o.Symbol, "order_id", o.OrderID, "client_id", o.ClientOrderID, "reason", reason)
	return true
}
