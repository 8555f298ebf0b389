// Package router consumes the venue user-data stream and turns its order
// events into engine state transitions: entry fills become tranches,
// protective fills reduce them, cancels of live protection trigger
// rebuilds. Events for one order are processed in venue order by a single
// consumer goroutine; anything the stream loses during reconnects is
// healed by the periodic reconciler.
package router

import (
	"context"
	"encoding/json"
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
	"liqhunter/pkg/telemetry"
	"liqhunter/pkg/websocket"
)

const (
	persistTimeout    = 5 * time.Second
	keepAliveInterval = 30 * time.Minute
	guardRetention    = time.Hour
	dropWarnEvery     = 5 * time.Second
)

// streamOrder is the order payload inside an ORDER_TRADE_UPDATE frame.
type streamOrder struct {
	Symbol        string `json:"s"`
	ClientOrderID string `json:"c"`
	Side          string `json:"S"`
	OrderType     string `json:"o"`
	TimeInForce   string `json:"f"`
	OrigQty       string `json:"q"`
	Price         string `json:"p"`
	AvgPrice      string `json:"ap"`
	StopPrice     string `json:"sp"`
	ExecType      string `json:"x"`
	Status        string `json:"X"`
	OrderID       int64  `json:"i"`
	LastFillQty   string `json:"l"`
	CumFillQty    string `json:"z"`
	LastFillPrice string `json:"L"`
	Commission    string `json:"n"`
	TradeTime     int64  `json:"T"`
	TradeID       int64  `json:"t"`
	ReduceOnly    bool   `json:"R"`
	WorkingType   string `json:"wt"`
	PositionSide  string `json:"ps"`
	RealizedPnL   string `json:"rp"`
}

// orderTradeUpdate is the venue's ORDER_TRADE_UPDATE frame.
type orderTradeUpdate struct {
	EventType string      `json:"e"`
	EventTime int64       `json:"E"`
	Order     streamOrder `json:"o"`
}

// accountUpdate is the venue's ACCOUNT_UPDATE frame, position section only.
type accountUpdate struct {
	EventType string `json:"e"`
	Data      struct {
		Reason    string `json:"m"`
		Positions []struct {
			Symbol       string `json:"s"`
			Amount       string `json:"pa"`
			PositionSide string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

// orderGuard tracks what has already been processed for one order so
// stream redeliveries after a reconnect do not double-apply.
type orderGuard struct {
	maxTradeID int64
	terminal   bool
	at         time.Time
}

// Stats is a point-in-time view of router activity.
type Stats struct {
	Received      int64
	Duplicates    int64
	Dropped       int64
	Malformed     int64
	EntriesRouted int64
	ReducesRouted int64
	Rebuilds      int64
	Renewals      int64
	Connected     bool
	LastEvent     time.Time
}

// Router owns the listen-key session and the fill-routing consumer.
type Router struct {
	cfg       *config.Config
	venue     core.IVenue
	store     core.IStore
	part      core.IPartitioner
	protector core.IProtector
	ledger    *exposure.Ledger
	logger    core.ILogger

	wsURL  string
	events chan []byte
	nudge  func()

	mu        sync.Mutex
	client    *websocket.Client
	listenKey string
	renewing  bool

	guardMu sync.Mutex
	guards  map[int64]*orderGuard

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received      atomic.Int64
	duplicates    atomic.Int64
	dropped       atomic.Int64
	malformed     atomic.Int64
	entriesRouted atomic.Int64
	reducesRouted atomic.Int64
	rebuilds      atomic.Int64
	renewals      atomic.Int64
	lastDropWarn  atomic.Int64
	lastEvent     atomic.Int64 // unix nanos

	routeCounter metric.Int64Counter

	now func() time.Time
}

// NewRouter wires the user-data stream consumer. wsURL is scheme and host
// only; the listen-key path is appended per session.
func NewRouter(wsURL string, cfg *config.Config, venue core.IVenue, store core.IStore, part core.IPartitioner, protector core.IProtector, ledger *exposure.Ledger, logger core.ILogger) *Router {
	meter := telemetry.GetMeter("router")
	routeCounter, _ := meter.Int64Counter("router_events_total",
		metric.WithDescription("User-stream order events by kind and route"))

	return &Router{
		cfg:          cfg,
		venue:        venue,
		store:        store,
		part:         part,
		protector:    protector,
		ledger:       ledger,
		logger:       logger.WithField("component", "router"),
		wsURL:        strings.TrimSuffix(wsURL, "/"),
		events:       make(chan []byte, 1024),
		guards:       make(map[int64]*orderGuard),
		routeCounter: routeCounter,
		now:          time.Now,
	}
}

// BindNudge registers the reconciler poke used on position drift.
func (r *Router) BindNudge(fn func()) {
	r.nudge = fn
}

// Start opens the listen-key session and begins consuming.
func (r *Router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	key, err := r.venue.CreateListenKey(r.ctx)
	if err != nil {
		return fmt.Errorf("failed to create listen key: %w", err)
	}
	r.startClient(key)

	r.wg.Add(2)
	go r.consume()
	go r.keepAliveLoop()

	r.logger.Info("fill router started")
	return nil
}

// Stop tears the session down. Frames still queued are abandoned; the
// reconciler re-derives anything they carried.
func (r *Router) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Lock()
	client, key := r.client, r.listenKey
	r.client = nil
	r.mu.Unlock()
	if client != nil {
		client.Stop()
	}
	if key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.venue.CloseListenKey(ctx, key); err != nil {
			r.logger.Warn("failed to close listen key", "error", err)
		}
		cancel()
	}
	r.wg.Wait()
	return nil
}

// Stats reports routing activity for the status endpoint.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	connected := client != nil && client.Connected()
	return Stats{
		Received:      r.received.Load(),
		Duplicates:    r.duplicates.Load(),
		Dropped:       r.dropped.Load(),
		Malformed:     r.malformed.Load(),
		EntriesRouted: r.entriesRouted.Load(),
		ReducesRouted: r.reducesRouted.Load(),
		Rebuilds:      r.rebuilds.Load(),
		Renewals:      r.renewals.Load(),
		Connected:     connected,
		LastEvent:     time.Unix(0, r.lastEvent.Load()),
	}
}

// CheckHealth fails while the user stream is disconnected. Quiet periods
// are normal; only connectivity is judged.
func (r *Router) CheckHealth() error {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil || !client.Connected() {
		return fmt.Errorf("user-data stream not connected")
	}
	return nil
}

func (r *Router) startClient(key string) {
	streamURL := fmt.Sprintf("%s/ws/%s", r.wsURL, key)
	client := websocket.NewClient(streamURL, r.enqueue, r.logger)
	client.SetOnConnected(func() {
		r.logger.Info("user-data stream connected")
	})
	r.mu.Lock()
	r.client = client
	r.listenKey = key
	r.mu.Unlock()
	client.Start()
}

// enqueue hands a frame to the consumer. The socket reader never blocks;
// an overflow is dropped and the reconciler closes the gap.
func (r *Router) enqueue(msg []byte) {
	select {
	case r.events <- msg:
	default:
		total := r.dropped.Add(1)
		nowNs := r.now().UnixNano()
		last := r.lastDropWarn.Load()
		if nowNs-last >= int64(dropWarnEvery) && r.lastDropWarn.CompareAndSwap(last, nowNs) {
			r.logger.Warn("user-stream queue full, dropping events", "dropped_total", total)
		}
	}
}

func (r *Router) consume() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg := <-r.events:
			r.dispatch(msg)
		}
	}
}

func (r *Router) dispatch(message []byte) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	payload := message
	if err := json.Unmarshal(message, &envelope); err == nil && len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var head struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		r.malformed.Add(1)
		return
	}

	switch head.EventType {
	case "ORDER_TRADE_UPDATE":
		r.received.Add(1)
		r.lastEvent.Store(r.now().UnixNano())
		r.onOrderUpdate(payload)
	case "ACCOUNT_UPDATE":
		r.lastEvent.Store(r.now().UnixNano())
		r.onAccountUpdate(payload)
	case "listenKeyExpired":
		r.logger.Warn("listen key expired, renewing")
		r.renewListenKey()
	default:
		// Margin calls, strategy updates and other stream chatter.
	}
}

func (r *Router) onOrderUpdate(payload []byte) {
	var ev orderTradeUpdate
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.malformed.Add(1)
		r.logger.Debug("unparseable order update", "error", err)
		return
	}
	o := &ev.Order
	if o.OrderID == 0 || o.Symbol == "" {
		return
	}
	status := core.OrderStatus(o.Status)
	if r.seen(o.OrderID, o.TradeID, o.ExecType, status) {
		r.duplicates.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(r.ctx, persistTimeout)
	defer cancel()

	row, _ := r.store.OrderByID(ctx, o.OrderID)
	kind := core.OrderKind("")
	if row != nil {
		kind = row.Kind
	} else if k, ok := core.OrderKindFromClientID(o.ClientOrderID); ok {
		kind = k
	} else {
		// Not an engine order; manual trades are the reconciler's concern.
		r.logger.Debug("ignoring foreign order update",
			"order_id", o.OrderID, "client_order_id", o.ClientOrderID)
		return
	}

	cumQty, _ := decimal.NewFromString(o.CumFillQty)
	avgPrice, _ := decimal.NewFromString(o.AvgPrice)
	key := r.keyFor(kind, o.Symbol, core.PositionSide(o.PositionSide), core.Side(o.Side))

	if row != nil {
		if err := r.store.UpdateOrderStatus(ctx, o.OrderID, status, cumQty, avgPrice); err != nil {
			r.logger.Error("failed to update order status",
				"order_id", o.OrderID, "status", status, "error", err)
		}
	} else {
		row = r.synthesize(o, kind, key)
		if err := r.store.UpsertOrder(ctx, row); err != nil {
			r.logger.Error("failed to record stream-discovered order",
				"order_id", o.OrderID, "error", err)
		}
	}

	if o.ExecType == "TRADE" {
		r.recordFill(ctx, o, key)
	}

	switch kind {
	case core.KindEntry:
		r.routeEntry(ctx, row, o, status, key, cumQty, avgPrice)
	case core.KindTakeProfit, core.KindStopLoss, core.KindClose:
		r.routeProtective(ctx, row, o, status, key)
	}
}

// seen applies the duplicate-update guard: one processing per trade id and
// one per terminal transition.
func (r *Router) seen(orderID, tradeID int64, execType string, status core.OrderStatus) bool {
	r.guardMu.Lock()
	defer r.guardMu.Unlock()
	g, ok := r.guards[orderID]
	if !ok {
		g = &orderGuard{}
		r.guards[orderID] = g
	}
	g.at = r.now()

	if execType == "TRADE" && tradeID != 0 {
		if tradeID <= g.maxTradeID {
			return true
		}
		g.maxTradeID = tradeID
	}
	if status.IsTerminal() {
		if g.terminal {
			return true
		}
		g.terminal = true
	}
	return false
}

// keyFor folds one-way BOTH rows onto the engine's LONG/SHORT keys. Entry
// orders open in their own direction; protective orders close against it.
func (r *Router) keyFor(kind core.OrderKind, symbol string, ps core.PositionSide, side core.Side) core.PositionKey {
	key := core.PositionKey{Symbol: symbol, Side: ps}
	if ps == core.PositionLong || ps == core.PositionShort {
		return key
	}
	if kind == core.KindEntry {
		key.Side = core.PositionSideForEntry(side)
	} else {
		key.Side = core.PositionSideForEntry(side.Opposite())
	}
	return key
}

func (r *Router) synthesize(o *streamOrder, kind core.OrderKind, key core.PositionKey) *core.Order {
	price, _ := decimal.NewFromString(o.Price)
	stop, _ := decimal.NewFromString(o.StopPrice)
	origQty, _ := decimal.NewFromString(o.OrigQty)
	cumQty, _ := decimal.NewFromString(o.CumFillQty)
	avgPrice, _ := decimal.NewFromString(o.AvgPrice)
	return &core.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          core.Side(o.Side),
		PositionSide:  key.Side,
		Type:          core.OrderType(o.OrderType),
		Kind:          kind,
		Status:        core.OrderStatus(o.Status),
		Price:         price,
		StopPrice:     stop,
		OrigQty:       origQty,
		ExecutedQty:   cumQty,
		AvgFillPrice:  avgPrice,
		ReduceOnly:    o.ReduceOnly,
		TimeInForce:   core.TimeInForce(o.TimeInForce),
		WorkingType:   core.WorkingType(o.WorkingType),
		TrancheID:     -1,
		CreatedAt:     r.now(),
		UpdatedAt:     r.now(),
	}
}

func (r *Router) recordFill(ctx context.Context, o *streamOrder, key core.PositionKey) {
	qty, _ := decimal.NewFromString(o.LastFillQty)
	if !qty.IsPositive() {
		return
	}
	price, _ := decimal.NewFromString(o.LastFillPrice)
	commission, _ := decimal.NewFromString(o.Commission)
	pnl, _ := decimal.NewFromString(o.RealizedPnL)
	f := &core.Fill{
		OrderID:      o.OrderID,
		TradeID:      o.TradeID,
		Symbol:       o.Symbol,
		Side:         core.Side(o.Side),
		PositionSide: key.Side,
		Qty:          qty,
		Price:        price,
		Commission:   commission.Neg(), // venue reports cost as positive
		RealizedPnL:  pnl,
		TradeTime:    time.UnixMilli(o.TradeTime),
	}
	if err := r.store.InsertFill(ctx, f); err != nil {
		r.logger.Error("failed to persist fill",
			"order_id", o.OrderID, "trade_id", o.TradeID, "error", err)
	}
}

func (r *Router) routeEntry(ctx context.Context, row *core.Order, o *streamOrder, status core.OrderStatus, key core.PositionKey, cumQty, avgPrice decimal.Decimal) {
	switch {
	case status == core.OrderStatusFilled:
		r.applyEntryFill(ctx, row, key, cumQty, avgPrice)
		r.count(core.KindEntry, "filled")

	case status == core.OrderStatusCanceled || status == core.OrderStatusExpired || status == core.OrderStatusRejected:
		// A partially filled entry still owns its filled quantity; only
		// the unfilled remainder's reservation is released.
		if cumQty.IsPositive() {
			r.applyEntryFill(ctx, row, key, cumQty, avgPrice)
		}
		r.ledger.ReleasePending(o.OrderID)
		r.count(core.KindEntry, strings.ToLower(string(status)))
		r.logger.Info("entry order terminated",
			"symbol", o.Symbol, "order_id", o.OrderID,
			"status", status, "filled_qty", cumQty)
	}
}

func (r *Router) applyEntryFill(ctx context.Context, row *core.Order, key core.PositionKey, qty, price decimal.Decimal) {
	ord := *row
	ord.PositionSide = key.Side
	ord.ExecutedQty = qty
	ord.AvgFillPrice = price
	if err := r.part.OnEntryFill(ctx, &ord, price, qty); err != nil {
		r.logger.Error("failed to route entry fill",
			"symbol", key.Symbol, "order_id", ord.OrderID, "error", err)
		return
	}
	sym, _ := r.cfg.SymbolFor(key.Symbol)
	r.ledger.ConvertFill(ord.OrderID, key, qty, price, sym.Leverage)
	r.entriesRouted.Add(1)
	r.logger.Info("entry fill routed",
		"symbol", key.Symbol, "position_side", key.Side,
		"order_id", ord.OrderID, "qty", qty, "price", price)
}

func (r *Router) routeProtective(ctx context.Context, row *core.Order, o *streamOrder, status core.OrderStatus, key core.PositionKey) {
	trancheID := int64(-1)
	if row != nil {
		trancheID = row.TrancheID
	}

	if o.ExecType == "TRADE" {
		qty, _ := decimal.NewFromString(o.LastFillQty)
		if qty.IsPositive() {
			if err := r.part.OnProtectionFill(ctx, trancheID, key, qty, o.OrderID); err != nil {
				r.logger.Error("failed to route protective fill",
					"symbol", key.Symbol, "order_id", o.OrderID, "error", err)
			}
			r.ledger.ReducePosition(key, qty)
			r.reducesRouted.Add(1)
			r.count(row.Kind, "filled")
			r.logger.Info("protective fill routed",
				"symbol", key.Symbol, "position_side", key.Side, "kind", row.Kind,
				"tranche_id", trancheID, "order_id", o.OrderID, "qty", qty)
		}
		return
	}

	if status != core.OrderStatusCanceled && status != core.OrderStatusExpired {
		return
	}
	// A protective leg died without filling. If its tranche is still live
	// the position is exposed on that side until the pair is rebuilt.
	for _, t := range r.part.Tranches(key) {
		if t.ID != trancheID {
			continue
		}
		if t.TPOrderID != o.OrderID && t.SLOrderID != o.OrderID {
			break // an old leg already superseded by a rebuild
		}
		r.rebuilds.Add(1)
		r.count(row.Kind, "rebuild")
		r.logger.Warn("protective leg lost, rebuilding",
			"symbol", key.Symbol, "position_side", key.Side,
			"tranche_id", t.ID, "order_id", o.OrderID, "status", status)
		r.protector.Submit(core.ProtectionTask{
			Kind:      core.TaskRebuild,
			Key:       key,
			TrancheID: t.ID,
			Reason:    "leg_" + strings.ToLower(string(status)),
		})
		break
	}
}

func (r *Router) onAccountUpdate(payload []byte) {
	var ev accountUpdate
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.malformed.Add(1)
		return
	}
	// Fills already flow through order updates; only externally caused
	// position changes (liquidation, ADL, manual) are drift.
	if ev.Data.Reason == "ORDER" || len(ev.Data.Positions) == 0 {
		return
	}
	drift := false
	for _, p := range ev.Data.Positions {
		amt, err := decimal.NewFromString(p.Amount)
		if err != nil {
			continue
		}
		side := core.PositionSide(p.PositionSide)
		if side == core.PositionBoth || side == "" {
			side = core.PositionLong
			if amt.IsNegative() {
				side = core.PositionShort
			}
		}
		key := core.PositionKey{Symbol: p.Symbol, Side: side}
		engine := decimal.Zero
		for _, t := range r.part.Tranches(key) {
			engine = engine.Add(t.Qty)
		}
		if !engine.Equal(amt.Abs()) {
			drift = true
			r.logger.Warn("position drift on account update",
				"symbol", p.Symbol, "position_side", side,
				"venue_qty", amt.Abs(), "engine_qty", engine, "reason", ev.Data.Reason)
		}
	}
	if drift && r.nudge != nil {
		r.nudge()
	}
}

// renewListenKey replaces the session after an expiry notice or a failed
// keep-alive. At most one renewal runs at a time.
func (r *Router) renewListenKey() {
	r.mu.Lock()
	if r.renewing {
		r.mu.Unlock()
		return
	}
	r.renewing = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			r.renewing = false
			r.mu.Unlock()
		}()

		r.mu.Lock()
		old := r.client
		r.client = nil
		r.mu.Unlock()
		if old != nil {
			old.Stop()
		}

		backoff := time.Second
		for {
			key, err := r.venue.CreateListenKey(r.ctx)
			if err == nil {
				r.startClient(key)
				r.renewals.Add(1)
				r.logger.Info("listen key renewed")
				return
			}
			r.logger.Error("failed to recreate listen key", "error", err, "retry_in", backoff)
			select {
			case <-r.ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()
}

func (r *Router) keepAliveLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			key := r.listenKey
			r.mu.Unlock()
			if key == "" {
				continue
			}
			ctx, cancel := context.WithTimeout(r.ctx, 10*time.Second)
			err := r.venue.KeepAliveListenKey(ctx, key)
			cancel()
			if err != nil {
				r.logger.Error("listen key keep-alive failed, renewing", "error", err)
				r.renewListenKey()
			}
			r.pruneGuards()
		}
	}
}

func (r *Router) pruneGuards() {
	cutoff := r.now().Add(-guardRetention)
	r.guardMu.Lock()
	for id, g := range r.guards {
		if g.at.Before(cutoff) {
			delete(r.guards, id)
		}
	}
	r.guardMu.Unlock()
}

func (r *Router) count(kind core.OrderKind, route string) {
	r.routeCounter.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("route", route),
	))
}
