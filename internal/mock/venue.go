// Package mock provides a scripted venue double. Tests seed books, marks,
// specs and positions, script per-operation failures, and inspect the
// orders the engine placed.
package mock

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

// MockVenue implements core.IVenue against in-memory state. Placing the
// same client order id twice returns the first order, matching the venue's
// duplicate handling.
type MockVenue struct {
	mu sync.Mutex

	orders    map[int64]*core.Order
	clientIdx map[string]int64
	nextID    int64

	specs     map[string]*core.SymbolSpec
	depths    map[string]*core.Depth
	marks     map[string]decimal.Decimal
	positions map[string][]*core.VenuePosition
	account   *core.AccountState

	leverages   map[string]int
	marginTypes map[string]core.MarginType
	hedgeMode   bool
	multiAssets bool

	failures   map[string]error
	failCounts map[string]int
	calls      map[string]int
	canceled   []int64

	keepAlives int

	now func() time.Time
}

// NewMockVenue returns a venue with a funded account and no symbols.
func NewMockVenue() *MockVenue {
	return &MockVenue{
		orders:    make(map[int64]*core.Order),
		clientIdx: make(map[string]int64),
		nextID:    1000,
		specs:     make(map[string]*core.SymbolSpec),
		depths:    make(map[string]*core.Depth),
		marks:     make(map[string]decimal.Decimal),
		positions: make(map[string][]*core.VenuePosition),
		account: &core.AccountState{
			TotalWalletBalance: decimal.NewFromInt(10000),
			AvailableBalance:   decimal.NewFromInt(10000),
		},
		leverages:   make(map[string]int),
		marginTypes: make(map[string]core.MarginType),
		failures:    make(map[string]error),
		failCounts:  make(map[string]int),
		calls:       make(map[string]int),
		now:         time.Now,
	}
}

// op records a call and returns any scripted failure for it.
func (m *MockVenue) op(name string) error {
	m.calls[name]++
	err := m.failures[name]
	if err != nil {
		if n, limited := m.failCounts[name]; limited {
			if n <= 1 {
				delete(m.failures, name)
				delete(m.failCounts, name)
			} else {
				m.failCounts[name] = n - 1
			}
		}
	}
	return err
}

// FailWith scripts an error for the named operation until cleared with nil.
func (m *MockVenue) FailWith(opName string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, opName)
		delete(m.failCounts, opName)
		return
	}
	m.failures[opName] = err
	delete(m.failCounts, opName)
}

// FailTimes scripts an error for the next n calls of the named operation,
// after which it succeeds again.
func (m *MockVenue) FailTimes(opName string, err error, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n <= 0 || err == nil {
		delete(m.failures, opName)
		delete(m.failCounts, opName)
		return
	}
	m.failures[opName] = err
	m.failCounts[opName] = n
}

// Calls reports how many times the named operation ran.
func (m *MockVenue) Calls(opName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[opName]
}

// SetSymbolSpec seeds trading filters for a symbol.
func (m *MockVenue) SetSymbolSpec(spec *core.SymbolSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.specs[spec.Symbol] = spec
}

// SetDepth seeds the order book snapshot returned for the symbol.
func (m *MockVenue) SetDepth(d *core.Depth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depths[d.Symbol] = d
}

// SetMark seeds the mark price for a symbol.
func (m *MockVenue) SetMark(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[symbol] = price
}

// SetPositions seeds the position risk rows returned for a symbol.
func (m *MockVenue) SetPositions(symbol string, ps []*core.VenuePosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[symbol] = ps
}

// SetAccount seeds the account snapshot.
func (m *MockVenue) SetAccount(a *core.AccountState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = a
}

// SeedOrder plants an order as if it already existed on the venue.
func (m *MockVenue) SeedOrder(o *core.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	if cp.OrderID == 0 {
		m.nextID++
		cp.OrderID = m.nextID
	}
	m.orders[cp.OrderID] = &cp
	if cp.ClientOrderID != "" {
		m.clientIdx[cp.ClientOrderID] = cp.OrderID
	}
}

// FillOrder marks a resting order (partially) filled. Reports false when
// the order does not exist.
func (m *MockVenue) FillOrder(orderID int64, qty, price decimal.Decimal) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return false
	}
	o.ExecutedQty = o.ExecutedQty.Add(qty)
	o.AvgFillPrice = price
	if o.ExecutedQty.GreaterThanOrEqual(o.OrigQty) {
		o.Status = core.OrderStatusFilled
	} else {
		o.Status = core.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = m.now()
	return true
}

// Orders returns every order the venue has seen, oldest first.
func (m *MockVenue) Orders() []*core.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*core.Order, 0, len(m.orders))
	for _, o := range m.orders {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// Order returns one order by id.
func (m *MockVenue) Order(orderID int64) (*core.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// CanceledIDs returns the ids canceled so far, in cancel order.
func (m *MockVenue) CanceledIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.canceled...)
}

// Leverage reports the last leverage pushed for a symbol.
func (m *MockVenue) Leverage(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leverages[symbol]
}

// MarginTypeFor reports the last margin type pushed for a symbol.
func (m *MockVenue) MarginTypeFor(symbol string) core.MarginType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marginTypes[symbol]
}

// SetNow injects the clock used for order timestamps.
func (m *MockVenue) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *MockVenue) GetName() string { return "mock" }

func (m *MockVenue) CheckHealth(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.op("CheckHealth")
}

func (m *MockVenue) PlaceOrder(ctx context.Context, req *core.PlaceOrderRequest) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("PlaceOrder"); err != nil {
		return nil, err
	}
	return m.placeLocked(req)
}

func (m *MockVenue) placeLocked(req *core.PlaceOrderRequest) (*core.Order, error) {
	if req.ClientOrderID != "" {
		if id, ok := m.clientIdx[req.ClientOrderID]; ok {
			cp := *m.orders[id]
			return &cp, nil
		}
	}
	m.nextID++
	now := m.now()
	o := &core.Order{
		OrderID:       m.nextID,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		PositionSide:  req.PositionSide,
		Type:          req.Type,
		Status:        core.OrderStatusNew,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		OrigQty:       req.Qty,
		ReduceOnly:    req.ReduceOnly,
		TimeInForce:   req.TimeInForce,
		WorkingType:   req.WorkingType,
		TrancheID:     -1,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// Market orders execute on arrival at the seeded mark.
	if req.Type == core.OrderTypeMarket {
		o.Status = core.OrderStatusFilled
		o.ExecutedQty = req.Qty
		if mark, ok := m.marks[req.Symbol]; ok {
			o.AvgFillPrice = mark
		}
	}
	m.orders[o.OrderID] = o
	if o.ClientOrderID != "" {
		m.clientIdx[o.ClientOrderID] = o.OrderID
	}
	cp := *o
	return &cp, nil
}

func (m *MockVenue) PlaceBatch(ctx context.Context, reqs []*core.PlaceOrderRequest) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("PlaceBatch"); err != nil {
		return nil, err
	}
	out := make([]*core.Order, len(reqs))
	var failed int
	var firstErr error
	for i, req := range reqs {
		o, err := m.placeLocked(req)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			failed++
			continue
		}
		out[i] = o
	}
	if failed > 0 {
		return out, fmt.Errorf("%d of %d batch orders rejected: %w", failed, len(reqs), firstErr)
	}
	return out, nil
}

func (m *MockVenue) CancelOrder(ctx context.Context, req *core.CancelOrderRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("CancelOrder"); err != nil {
		return err
	}
	o := m.lookupLocked(req.OrderID, req.ClientOrderID)
	if o == nil || o.Status.IsTerminal() {
		return fmt.Errorf("%w: order %d", apperrors.ErrOrderNotFound, req.OrderID)
	}
	o.Status = core.OrderStatusCanceled
	o.UpdatedAt = m.now()
	m.canceled = append(m.canceled, o.OrderID)
	return nil
}

func (m *MockVenue) CancelAllOpen(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("CancelAllOpen"); err != nil {
		return err
	}
	for _, o := range m.orders {
		if o.Symbol == symbol && !o.Status.IsTerminal() {
			o.Status = core.OrderStatusCanceled
			o.UpdatedAt = m.now()
			m.canceled = append(m.canceled, o.OrderID)
		}
	}
	return nil
}

func (m *MockVenue) QueryOrder(ctx context.Context, symbol string, orderID int64, clientOrderID string) (*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("QueryOrder"); err != nil {
		return nil, err
	}
	o := m.lookupLocked(orderID, clientOrderID)
	if o == nil {
		return nil, fmt.Errorf("%w: order %d", apperrors.ErrOrderNotFound, orderID)
	}
	cp := *o
	return &cp, nil
}

func (m *MockVenue) lookupLocked(orderID int64, clientOrderID string) *core.Order {
	if o, ok := m.orders[orderID]; ok {
		return o
	}
	if clientOrderID != "" {
		if id, ok := m.clientIdx[clientOrderID]; ok {
			return m.orders[id]
		}
	}
	return nil
}

func (m *MockVenue) OpenOrders(ctx context.Context, symbol string) ([]*core.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("OpenOrders"); err != nil {
		return nil, err
	}
	var out []*core.Order
	for _, o := range m.orders {
		if o.Status.IsTerminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

func (m *MockVenue) GetAccount(ctx context.Context) (*core.AccountState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("GetAccount"); err != nil {
		return nil, err
	}
	cp := *m.account
	return &cp, nil
}

func (m *MockVenue) PositionRisk(ctx context.Context, symbol string) ([]*core.VenuePosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("PositionRisk"); err != nil {
		return nil, err
	}
	var out []*core.VenuePosition
	if symbol != "" {
		for _, p := range m.positions[symbol] {
			cp := *p
			out = append(out, &cp)
		}
		return out, nil
	}
	syms := make([]string, 0, len(m.positions))
	for s := range m.positions {
		syms = append(syms, s)
	}
	sort.Strings(syms)
	for _, s := range syms {
		for _, p := range m.positions[s] {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MockVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("SetLeverage"); err != nil {
		return err
	}
	m.leverages[symbol] = leverage
	return nil
}

func (m *MockVenue) SetMarginType(ctx context.Context, symbol string, mt core.MarginType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("SetMarginType"); err != nil {
		return err
	}
	m.marginTypes[symbol] = mt
	return nil
}

func (m *MockVenue) SetPositionMode(ctx context.Context, hedge bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("SetPositionMode"); err != nil {
		return err
	}
	m.hedgeMode = hedge
	return nil
}

func (m *MockVenue) SetMultiAssetsMode(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("SetMultiAssetsMode"); err != nil {
		return err
	}
	m.multiAssets = enabled
	return nil
}

func (m *MockVenue) GetDepth(ctx context.Context, symbol string, limit int) (*core.Depth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("GetDepth"); err != nil {
		return nil, err
	}
	d, ok := m.depths[symbol]
	if !ok {
		return nil, fmt.Errorf("no order book for %s", symbol)
	}
	cp := *d
	return &cp, nil
}

func (m *MockVenue) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("GetMarkPrice"); err != nil {
		return decimal.Zero, err
	}
	mark, ok := m.marks[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no mark price for %s", symbol)
	}
	return mark, nil
}

func (m *MockVenue) FetchExchangeInfo(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.op("FetchExchangeInfo")
}

func (m *MockVenue) GetSymbolSpec(symbol string) (*core.SymbolSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.specs[symbol]
	if !ok {
		return nil, fmt.Errorf("unknown symbol %s", symbol)
	}
	cp := *spec
	return &cp, nil
}

func (m *MockVenue) ServerTime(ctx context.Context) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("ServerTime"); err != nil {
		return time.Time{}, err
	}
	return m.now(), nil
}

func (m *MockVenue) CreateListenKey(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("CreateListenKey"); err != nil {
		return "", err
	}
	return "mock-listen-key", nil
}

func (m *MockVenue) KeepAliveListenKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.op("KeepAliveListenKey"); err != nil {
		return err
	}
	m.keepAlives++
	return nil
}

// KeepAlives reports how many keep-alive calls succeeded.
func (m *MockVenue) KeepAlives() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keepAlives
}

func (m *MockVenue) CloseListenKey(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.op("CloseListenKey")
}

var _ core.IVenue = (*MockVenue)(nil)
