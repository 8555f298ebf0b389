// Package intake consumes the venue forced-order stream. Each frame is
// normalized into a liquidation event, persisted, folded into the rolling
// window, and fanned out to the evaluator. The stream is the source of
// truth for ordering; the store exists for crash recovery and audit.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	"liqhunter/pkg/telemetry"
	"liqhunter/pkg/websocket"
)

const (
	streamName     = "!forceOrder@arr"
	persistTimeout = 5 * time.Second
	dropWarnEvery  = 5 * time.Second
)

// forceOrderEvent is the venue's forced-order frame, either bare or under
// the combined-stream "data" key.
type forceOrderEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Order     struct {
		Symbol   string `json:"s"`
		Side     string `json:"S"`
		Qty      string `json:"q"`
		Price    string `json:"p"`
		AvgPrice string `json:"ap"`
	} `json:"o"`
}

// Stats is a point-in-time view of stream health.
type Stats struct {
	Received   int64
	Duplicates int64
	Dropped    int64
	Malformed  int64
	Discarded  int64
	Connected  bool
	LastFrame  time.Time
}

// Intake owns the stream connection and the hand-off channel to the
// evaluator. Events always reach the store and the window; only the
// evaluator hand-off is allowed to drop under backpressure.
type Intake struct {
	store  core.IStore
	window core.IWindow
	logger core.ILogger

	client     *websocket.Client
	out        chan []*core.Liquidation
	bufferSpan time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	pending []*core.Liquidation

	received     atomic.Int64
	duplicates   atomic.Int64
	dropped      atomic.Int64
	malformed    atomic.Int64
	discarded    atomic.Int64
	lastDropWarn atomic.Int64

	eventCounter metric.Int64Counter
	dropCounter  metric.Int64Counter

	now func() time.Time
}

// NewIntake wires the stream client for wsURL (scheme and host only; the
// combined-stream path is appended here).
func NewIntake(wsURL string, cfg config.EngineConfig, store core.IStore, window core.IWindow, logger core.ILogger) *Intake {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("intake")
	eventCounter, _ := meter.Int64Counter("intake_events_total",
		metric.WithDescription("Normalized liquidation events taken off the stream"))
	dropCounter, _ := meter.Int64Counter("intake_dropped_total",
		metric.WithDescription("Events persisted but not delivered to the evaluator"))

	i := &Intake{
		store:        store,
		window:       window,
		logger:       logger.WithField("component", "intake"),
		out:          make(chan []*core.Liquidation, cfg.IntakeQueueSize),
		bufferSpan:   time.Duration(cfg.IntakeBufferMs) * time.Millisecond,
		ctx:          ctx,
		cancel:       cancel,
		eventCounter: eventCounter,
		dropCounter:  dropCounter,
		now:          time.Now,
	}

	streamURL := fmt.Sprintf("%s/stream?streams=%s", strings.TrimSuffix(wsURL, "/"), streamName)
	client := websocket.NewClient(streamURL, i.handleMessage, i.logger)
	client.SetOnConnected(func() {
		sub := map[string]interface{}{
			"method": "SUBSCRIBE",
			"params": []string{streamName},
			"id":     1,
		}
		if err := client.Send(sub); err != nil {
			i.logger.Error("failed to subscribe to forced-order stream", "error", err)
			return
		}
		i.logger.Info("subscribed to forced-order stream", "stream", streamName)
	})
	i.client = client
	return i
}

// Events is the evaluator hand-off. Without buffering every element is a
// single event; in buffering mode one element is a coalesced burst.
func (i *Intake) Events() <-chan []*core.Liquidation {
	return i.out
}

// Start connects the stream and, in buffering mode, the flush ticker.
func (i *Intake) Start() {
	if i.bufferSpan > 0 {
		i.logger.Info("intake buffering enabled", "buffer", i.bufferSpan)
		i.wg.Add(1)
		go i.flushLoop()
	}
	i.client.Start()
}

// Stop tears the stream down and closes the hand-off channel. Undelivered
// buffered events are dropped; they are already persisted.
func (i *Intake) Stop() {
	i.client.Stop()
	i.cancel()
	i.wg.Wait()
	close(i.out)
}

// CheckHealth fails while the stream is disconnected. The forced-order
// stream is the engine's only signal source; disconnected means no new
// entries until the client reconnects.
func (i *Intake) CheckHealth() error {
	if !i.client.Connected() {
		return fmt.Errorf("forced-order stream not connected")
	}
	return nil
}

// Stats reports stream health for the status endpoint and health checks.
func (i *Intake) Stats() Stats {
	return Stats{
		Received:   i.received.Load(),
		Duplicates: i.duplicates.Load(),
		Dropped:    i.dropped.Load(),
		Malformed:  i.malformed.Load(),
		Discarded:  i.discarded.Load(),
		Connected:  i.client.Connected(),
		LastFrame:  i.client.LastMessageAt(),
	}
}

func (i *Intake) handleMessage(message []byte) {
	// Combined streams wrap the payload; bare frames arrive as-is.
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	payload := message
	if err := json.Unmarshal(message, &envelope); err == nil && len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var event forceOrderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		i.malformed.Add(1)
		i.logger.Debug("unparseable stream frame", "error", err)
		return
	}
	if event.EventType != "forceOrder" {
		// Subscription acks and other stream chatter.
		return
	}

	l := i.normalize(&event)
	if l == nil {
		i.discarded.Add(1)
		return
	}
	i.process(l)
}

// normalize maps a frame to the engine's event record. The fill average
// price is preferred over the order price; an event with no usable price
// or quantity carries no volume and is discarded.
func (i *Intake) normalize(event *forceOrderEvent) *core.Liquidation {
	o := event.Order
	price, _ := decimal.NewFromString(o.AvgPrice)
	priceStr := o.AvgPrice
	if price.IsZero() {
		price, _ = decimal.NewFromString(o.Price)
		priceStr = o.Price
	}
	qty, _ := decimal.NewFromString(o.Qty)
	if price.IsZero() || qty.IsZero() || o.Symbol == "" {
		return nil
	}

	at := time.UnixMilli(event.EventTime)
	if event.EventTime == 0 {
		at = i.now()
	}

	return &core.Liquidation{
		// Deterministic id: a replayed frame produces the same id and the
		// store's idempotent insert suppresses it.
		EventID:    fmt.Sprintf("%s-%d-%s-%s", o.Symbol, at.UnixMilli(), o.Qty, priceStr),
		Symbol:     o.Symbol,
		Side:       core.Side(o.Side),
		Qty:        qty,
		Price:      price,
		USDTValue:  qty.Mul(price),
		EventTime:  at,
		ReceivedAt: i.now(),
	}
}

func (i *Intake) process(l *core.Liquidation) {
	i.received.Add(1)
	i.eventCounter.Add(i.ctx, 1)

	ctx, cancel := context.WithTimeout(i.ctx, persistTimeout)
	inserted, err := i.store.InsertLiquidation(ctx, l)
	cancel()
	if err != nil {
		// Store trouble must not stall trading; the window and the
		// evaluator still see the event.
		i.logger.Error("failed to persist liquidation", "event_id", l.EventID, "error", err)
	} else if !inserted {
		i.duplicates.Add(1)
		return
	}

	i.window.Add(l)

	i.logger.Debug("liquidation",
		"symbol", l.Symbol, "side", l.Side,
		"qty", l.Qty, "price", l.Price, "usdt", l.USDTValue)

	if i.bufferSpan > 0 {
		i.mu.Lock()
		i.pending = append(i.pending, l)
		i.mu.Unlock()
		return
	}
	select {
	case i.out <- []*core.Liquidation{l}:
	default:
		i.drop(1)
	}
}

func (i *Intake) flushLoop() {
	defer i.wg.Done()
	ticker := time.NewTicker(i.bufferSpan)
	defer ticker.Stop()
	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			i.flush()
		}
	}
}

func (i *Intake) flush() {
	i.mu.Lock()
	batch := i.pending
	i.pending = nil
	i.mu.Unlock()
	if len(batch) == 0 {
		return
	}
	select {
	case i.out <- batch:
	default:
		i.drop(len(batch))
	}
}

// drop counts events that never reached the evaluator. The warn is
// throttled; under a cascade every frame would otherwise log.
func (i *Intake) drop(n int) {
	total := i.dropped.Add(int64(n))
	i.dropCounter.Add(i.ctx, int64(n))

	nowNs := i.now().UnixNano()
	last := i.lastDropWarn.Load()
	if nowNs-last >= int64(dropWarnEvery) && i.lastDropWarn.CompareAndSwap(last, nowNs) {
		i.logger.Warn("evaluator hand-off full, dropping events", "dropped_total", total)
	}
}
