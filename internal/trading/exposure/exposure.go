// Package exposure is the engine's own book of outstanding risk: filled
// position legs plus margin reserved for entry orders still working. The
// evaluator gates new trades on its sums; the reconciler snaps it back to
// venue truth every sweep.
package exposure

import (
	"sync"

	"github.com/shopspring/decimal"

	"liqhunter/internal/core"
)

type pendingOrder struct {
	key      core.PositionKey
	notional decimal.Decimal
	leverage int
}

type positionState struct {
	qty      decimal.Decimal
	avgEntry decimal.Decimal
	leverage int
}

func (p *positionState) notional() decimal.Decimal {
	return p.qty.Mul(p.avgEntry)
}

// PositionExposure is one position leg as the ledger sees it.
type PositionExposure struct {
	Key      core.PositionKey
	Qty      decimal.Decimal
	AvgEntry decimal.Decimal
	Notional decimal.Decimal
	Margin   decimal.Decimal
}

// Snapshot is a point-in-time view for the status endpoint.
type Snapshot struct {
	Positions       []PositionExposure
	PendingOrders   int
	PendingNotional decimal.Decimal
	TotalNotional   decimal.Decimal
	TotalCollateral decimal.Decimal
}

// Ledger tracks exposure per position key. Pending entries are keyed by
// venue order id so a terminal order releases exactly what it reserved.
type Ledger struct {
	mu        sync.Mutex
	pending   map[int64]pendingOrder
	positions map[core.PositionKey]*positionState
	logger    core.ILogger
}

func NewLedger(logger core.ILogger) *Ledger {
	return &Ledger{
		pending:   make(map[int64]pendingOrder),
		positions: make(map[core.PositionKey]*positionState),
		logger:    logger.WithField("component", "exposure"),
	}
}

// Reserve books pending exposure for a submitted entry order.
func (l *Ledger) Reserve(orderID int64, key core.PositionKey, notional decimal.Decimal, leverage int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending[orderID] = pendingOrder{key: key, notional: notional, leverage: leverage}
	l.logger.Debug("reserved pending exposure",
		"order_id", orderID, "key", key, "notional", notional)
}

// ReleasePending drops whatever the order still has reserved. Called on
// terminal status; a no-op for unknown ids.
func (l *Ledger) ReleasePending(orderID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.pending[orderID]; !ok {
		return
	}
	delete(l.pending, orderID)
	l.logger.Debug("released pending exposure", "order_id", orderID)
}

// ConvertFill moves a fill's worth of pending exposure into the position.
// The pending reservation shrinks proportionally; fills the ledger never
// saw submitted (recovery, manual orders) still grow the position.
func (l *Ledger) ConvertFill(orderID int64, key core.PositionKey, qty, price decimal.Decimal, leverage int) {
	if qty.IsZero() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fillNotional := qty.Mul(price)
	if p, ok := l.pending[orderID]; ok {
		p.notional = p.notional.Sub(fillNotional)
		if p.notional.IsPositive() {
			l.pending[orderID] = p
		} else {
			delete(l.pending, orderID)
		}
	}

	pos, ok := l.positions[key]
	if !ok {
		l.positions[key] = &positionState{qty: qty, avgEntry: price, leverage: leverage}
		return
	}
	newQty := pos.qty.Add(qty)
	pos.avgEntry = pos.avgEntry.Mul(pos.qty).Add(fillNotional).Div(newQty)
	pos.qty = newQty
	if leverage > 0 {
		pos.leverage = leverage
	}
}

// ReducePosition shrinks a leg after a protection or close fill. The
// average entry is untouched; a leg reduced to nothing is removed.
func (l *Ledger) ReducePosition(key core.PositionKey, qty decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[key]
	if !ok {
		return
	}
	pos.qty = pos.qty.Sub(qty)
	if !pos.qty.IsPositive() {
		delete(l.positions, key)
	}
}

// SetPosition overwrites a leg with venue truth.
func (l *Ledger) SetPosition(key core.PositionKey, qty, entryPrice decimal.Decimal, leverage int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !qty.IsPositive() {
		delete(l.positions, key)
		return
	}
	l.positions[key] = &positionState{qty: qty, avgEntry: entryPrice, leverage: leverage}
}

// DropPosition removes a leg the venue no longer reports.
func (l *Ledger) DropPosition(key core.PositionKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.positions, key)
}

// TotalNotional is the sum of |notional| across every leg plus all
// pending reservations.
func (l *Ledger) TotalNotional() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, pos := range l.positions {
		total = total.Add(pos.notional())
	}
	for _, p := range l.pending {
		total = total.Add(p.notional)
	}
	return total
}

// SymbolNotional sums both legs and pending reservations for one symbol.
func (l *Ledger) SymbolNotional(symbol string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for key, pos := range l.positions {
		if key.Symbol == symbol {
			total = total.Add(pos.notional())
		}
	}
	for _, p := range l.pending {
		if p.key.Symbol == symbol {
			total = total.Add(p.notional)
		}
	}
	return total
}

// TotalCollateral is the margin the current book ties up, notional over
// leverage per entry.
func (l *Ledger) TotalCollateral() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, pos := range l.positions {
		total = total.Add(marginOf(pos.notional(), pos.leverage))
	}
	for _, p := range l.pending {
		total = total.Add(marginOf(p.notional, p.leverage))
	}
	return total
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	snap := Snapshot{PendingOrders: len(l.pending)}
	for key, pos := range l.positions {
		notional := pos.notional()
		snap.Positions = append(snap.Positions, PositionExposure{
			Key:      key,
			Qty:      pos.qty,
			AvgEntry: pos.avgEntry,
			Notional: notional,
			Margin:   marginOf(notional, pos.leverage),
		})
		snap.TotalNotional = snap.TotalNotional.Add(notional)
		snap.TotalCollateral = snap.TotalCollateral.Add(marginOf(notional, pos.leverage))
	}
	for _, p := range l.pending {
		snap.PendingNotional = snap.PendingNotional.Add(p.notional)
		snap.TotalNotional = snap.TotalNotional.Add(p.notional)
		snap.TotalCollateral = snap.TotalCollateral.Add(marginOf(p.notional, p.leverage))
	}
	return snap
}

func marginOf(notional decimal.Decimal, leverage int) decimal.Decimal {
	if leverage <= 0 {
		return notional
	}
	return notional.Div(decimal.NewFromInt(int64(leverage)))
}
