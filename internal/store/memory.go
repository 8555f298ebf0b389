package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"liqhunter/internal/core"
	apperrors "liqhunter/pkg/errors"
)

type relationship struct {
	entryID   int64
	tpID      int64
	slID      int64
	trancheID int64
	symbol    string
	side      core.PositionSide
}

// MemoryStore is the in-memory core.IStore used by tests. Semantics
// mirror SQLiteStore, including idempotent event and fill inserts and
// the tranche id high-water mark.
var _ core.IStore = (*MemoryStore)(nil)

type MemoryStore struct {
	mu            sync.RWMutex
	liquidations  []*core.Liquidation
	liqSeen       map[string]bool
	orders        map[int64]*core.Order
	relationships map[int64]relationship
	tranches      map[core.PositionKey]map[int64]*core.Tranche
	trancheSeq    map[core.PositionKey]int64
	fills         []*core.Fill
	fillSeen      map[[2]int64]bool
	closed        bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		liqSeen:       make(map[string]bool),
		orders:        make(map[int64]*core.Order),
		relationships: make(map[int64]relationship),
		tranches:      make(map[core.PositionKey]map[int64]*core.Tranche),
		trancheSeq:    make(map[core.PositionKey]int64),
		fillSeen:      make(map[[2]int64]bool),
	}
}

func (s *MemoryStore) InsertLiquidation(_ context.Context, l *core.Liquidation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.liqSeen[l.EventID] {
		return false, nil
	}
	s.liqSeen[l.EventID] = true
	cp := *l
	s.liquidations = append(s.liquidations, &cp)
	return true, nil
}

func (s *MemoryStore) SumUSDTVolume(_ context.Context, symbol string, side core.Side, since time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := decimal.Zero
	for _, l := range s.liquidations {
		if l.Symbol == symbol && l.Side == side && !l.EventTime.Before(since) {
			sum = sum.Add(l.USDTValue)
		}
	}
	return sum, nil
}

func (s *MemoryStore) RecentLiquidations(_ context.Context, limit int) ([]*core.Liquidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Liquidation, 0, limit)
	for i := len(s.liquidations) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *s.liquidations[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) LiquidationsSince(_ context.Context, since time.Time) ([]*core.Liquidation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Liquidation
	for _, l := range s.liquidations {
		if !l.EventTime.Before(since) {
			cp := *l
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventTime.Before(out[j].EventTime) })
	return out, nil
}

func (s *MemoryStore) UpsertOrder(_ context.Context, o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *o
	if prev, ok := s.orders[o.OrderID]; ok {
		cp.CreatedAt = prev.CreatedAt
	}
	s.orders[o.OrderID] = &cp
	return nil
}

func (s *MemoryStore) UpdateOrderStatus(_ context.Context, orderID int64, status core.OrderStatus, executedQty, avgPrice decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return fmt.Errorf("update order status %d: %w", orderID, apperrors.ErrOrderNotFound)
	}
	o.Status = status
	o.ExecutedQty = executedQty
	o.AvgFillPrice = avgPrice
	o.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) OrderByID(_ context.Context, orderID int64) (*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, apperrors.ErrOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *MemoryStore) OrderByClientID(_ context.Context, clientOrderID string) (*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *core.Order
	for _, o := range s.orders {
		if o.ClientOrderID != clientOrderID {
			continue
		}
		if found == nil || o.UpdatedAt.After(found.UpdatedAt) {
			found = o
		}
	}
	if found == nil {
		return nil, fmt.Errorf("order %q: %w", clientOrderID, apperrors.ErrOrderNotFound)
	}
	cp := *found
	return &cp, nil
}

func (s *MemoryStore) OpenEntryOrders(_ context.Context, symbol string) ([]*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Order
	for _, o := range s.orders {
		if o.Symbol != symbol || o.Kind != core.KindEntry {
			continue
		}
		if o.Status == core.OrderStatusNew || o.Status == core.OrderStatusPartiallyFilled {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RecentOrders(_ context.Context, limit int) ([]*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*core.Order, 0, len(s.orders))
	for _, o := range s.orders {
		cp := *o
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) CreateTranche(_ context.Context, t *core.Tranche) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := t.Key()
	if s.tranches[key] == nil {
		s.tranches[key] = make(map[int64]*core.Tranche)
	}
	cp := *t
	s.tranches[key][t.ID] = &cp
	if t.ID+1 > s.trancheSeq[key] {
		s.trancheSeq[key] = t.ID + 1
	}
	return nil
}

func (s *MemoryStore) UpdateTranche(_ context.Context, t *core.Tranche) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := t.Key()
	if _, ok := s.tranches[key][t.ID]; !ok {
		return fmt.Errorf("update tranche %s/%d: %w", key, t.ID, apperrors.ErrPositionNotFound)
	}
	cp := *t
	cp.UpdatedAt = time.Now()
	s.tranches[key][t.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteTranche(_ context.Context, symbol string, side core.PositionSide, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tranches[core.PositionKey{Symbol: symbol, Side: side}], id)
	return nil
}

func (s *MemoryStore) ListTranches(_ context.Context, symbol string, side core.PositionSide) ([]*core.Tranche, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tranchesLocked(core.PositionKey{Symbol: symbol, Side: side}), nil
}

func (s *MemoryStore) AllTranches(_ context.Context) ([]*core.Tranche, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]core.PositionKey, 0, len(s.tranches))
	for k := range s.tranches {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	var out []*core.Tranche
	for _, k := range keys {
		out = append(out, s.tranchesLocked(k)...)
	}
	return out, nil
}

func (s *MemoryStore) tranchesLocked(key core.PositionKey) []*core.Tranche {
	out := make([]*core.Tranche, 0, len(s.tranches[key]))
	for _, t := range s.tranches[key] {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) NextTrancheID(_ context.Context, symbol string, side core.PositionSide) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := core.PositionKey{Symbol: symbol, Side: side}
	next := s.trancheSeq[key]
	s.trancheSeq[key] = next + 1
	return next, nil
}

func (s *MemoryStore) InsertRelationship(_ context.Context, entryID, tpID, slID, trancheID int64, symbol string, side core.PositionSide) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relationships[entryID] = relationship{
		entryID: entryID, tpID: tpID, slID: slID,
		trancheID: trancheID, symbol: symbol, side: side,
	}
	return nil
}

func (s *MemoryStore) FindCompanions(_ context.Context, orderID int64) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.relationships[orderID]
	if !ok {
		return 0, 0, nil
	}
	return rel.tpID, rel.slID, nil
}

func (s *MemoryStore) RelationshipsForSymbol(_ context.Context, symbol string) (map[int64][2]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64][2]int64)
	for id, rel := range s.relationships {
		if rel.symbol == symbol {
			out[id] = [2]int64{rel.tpID, rel.slID}
		}
	}
	return out, nil
}

func (s *MemoryStore) InsertFill(_ context.Context, f *core.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{f.TradeID, f.OrderID}
	if s.fillSeen[key] {
		return nil
	}
	s.fillSeen[key] = true
	cp := *f
	s.fills = append(s.fills, &cp)
	return nil
}

func (s *MemoryStore) FillsForOrder(_ context.Context, orderID int64) ([]*core.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Fill
	for _, f := range s.fills {
		if f.OrderID == orderID {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeTime.Before(out[j].TradeTime) })
	return out, nil
}

func (s *MemoryStore) RecentFills(_ context.Context, limit int) ([]*core.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := make([]*core.Fill, 0, len(s.fills))
	for _, f := range s.fills {
		cp := *f
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].TradeTime.After(all[j].TradeTime) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) LastEntryFillTime(_ context.Context, symbol string) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	for _, f := range s.fills {
		o, ok := s.orders[f.OrderID]
		if !ok || o.Symbol != symbol || o.Kind != core.KindEntry {
			continue
		}
		if f.TradeTime.After(last) {
			last = f.TradeTime
		}
	}
	return last, nil
}

func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store closed")
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
