// Package batcher coalesces order placements into venue batch calls. During
// a liquidation cascade many keys want protection rebuilt in the same
// moment; collecting those placements for one batch window spends one
// request where five would have gone out.
package batcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/metric"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	"liqhunter/pkg/telemetry"
)

const (
	// maxBatch is the venue's batch-order limit.
	maxBatch = 5
	// flushTick is how often the processor scans for expired windows.
	flushTick = 50 * time.Millisecond
	// maxQueuePerSymbol bounds one symbol's backlog; overflow falls back to
	// the caller's direct path.
	maxQueuePerSymbol = 64
	// aggregatePricePct is the price proximity, in percent, within which two
	// queued entries merge into one order.
	aggregatePricePct = 0.1

	sendTimeout = 15 * time.Second
)

type outcome struct {
	order *core.Order
	err   error
}

// slot is one queued placement. Aggregation attaches extra futures, so a
// merged order answers every submission it absorbed.
type slot struct {
	req      *core.PlaceOrderRequest
	enqueued time.Time
	requeued bool
	futures  []chan outcome
}

// Stats is a snapshot of batcher counters.
type Stats struct {
	Batched       int64
	BatchesSent   int64
	Aggregated    int64
	CallsSaved    int64
	Requeued      int64
	Bypassed      int64
	Pending       int
	ActiveSymbols int
}

// Batcher implements window-coalesced order placement over the venue's
// batch endpoint. Critical submissions bypass the window entirely.
type Batcher struct {
	cfg    *config.Config
	venue  core.IVenue
	logger core.ILogger

	window time.Duration

	mu     sync.Mutex
	queues map[string][]*slot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	batched     atomic.Int64
	batchesSent atomic.Int64
	aggregated  atomic.Int64
	callsSaved  atomic.Int64
	requeued    atomic.Int64
	bypassed    atomic.Int64

	batchCounter metric.Int64Counter

	now func() time.Time
}

func NewBatcher(cfg *config.Config, venue core.IVenue, logger core.ILogger) *Batcher {
	window := time.Duration(cfg.Engine.BatchWindowMs) * time.Millisecond
	if window <= 0 {
		window = 200 * time.Millisecond
	}

	meter := telemetry.GetMeter("batcher")
	batchCounter, _ := meter.Int64Counter("order_batches_total",
		metric.WithDescription("Order batches sent to the venue"))

	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		cfg:          cfg,
		venue:        venue,
		logger:       logger.WithField("component", "batcher"),
		window:       window,
		queues:       make(map[string][]*slot),
		ctx:          ctx,
		cancel:       cancel,
		batchCounter: batchCounter,
		now:          time.Now,
	}
}

func (b *Batcher) Start(ctx context.Context) error {
	b.logger.Info("starting order batcher", "window", b.window.String(), "max_batch", maxBatch)
	b.wg.Add(1)
	go b.runLoop()
	return nil
}

// Stop flushes nothing: pending submissions get a cancellation error and
// their callers' fallback paths take over.
func (b *Batcher) Stop() error {
	b.cancel()
	b.wg.Wait()

	b.mu.Lock()
	var stranded int
	for _, q := range b.queues {
		for _, s := range q {
			stranded++
			b.deliver(s, nil, context.Canceled)
		}
	}
	b.queues = make(map[string][]*slot)
	b.mu.Unlock()

	if stranded > 0 {
		b.logger.Warn("stopped with orders pending", "count", stranded)
	}
	return nil
}

// Place submits the requests through the batching window and blocks until
// their batch went out, with the venue batch contract: positional results,
// nil holes for rejected slots, first error returned. Critical requests
// skip the window and go out immediately.
func (b *Batcher) Place(ctx context.Context, reqs []*core.PlaceOrderRequest) ([]*core.Order, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	for _, r := range reqs {
		if r.Priority == core.PriorityCritical {
			return b.direct(ctx, reqs)
		}
	}
	if b.ctx.Err() != nil {
		return b.direct(ctx, reqs)
	}

	futures := make([]chan outcome, len(reqs))
	for i, r := range reqs {
		futures[i] = make(chan outcome, 1)
		b.enqueue(r, futures[i])
	}

	orders := make([]*core.Order, len(reqs))
	var firstErr error
	for i, fut := range futures {
		select {
		case <-ctx.Done():
			return orders, ctx.Err()
		case out := <-fut:
			orders[i] = out.order
			if out.err != nil && firstErr == nil {
				firstErr = out.err
			}
		}
	}
	return orders, firstErr
}

// direct sends immediately, chunked to the venue limit.
func (b *Batcher) direct(ctx context.Context, reqs []*core.PlaceOrderRequest) ([]*core.Order, error) {
	b.bypassed.Add(int64(len(reqs)))
	out := make([]*core.Order, 0, len(reqs))
	var firstErr error
	for start := 0; start < len(reqs); start += maxBatch {
		end := start + maxBatch
		if end > len(reqs) {
			end = len(reqs)
		}
		orders, err := b.venue.PlaceBatch(ctx, reqs[start:end])
		for i := start; i < end; i++ {
			var o *core.Order
			if i-start < len(orders) {
				o = orders[i-start]
			}
			out = append(out, o)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}

func (b *Batcher) enqueue(req *core.PlaceOrderRequest, fut chan outcome) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queues[req.Symbol]
	if b.tryAggregate(q, req, fut) {
		b.aggregated.Add(1)
		return
	}
	if len(q) >= maxQueuePerSymbol {
		fut <- outcome{err: fmt.Errorf("batch queue full for %s", req.Symbol)}
		return
	}
	cp := *req
	b.queues[req.Symbol] = append(q, &slot{req: &cp, enqueued: b.now(), futures: []chan outcome{fut}})
	b.batched.Add(1)
}

// tryAggregate merges the request into a queued one when both are entry
// limit orders on the same side within the price proximity: quantities sum,
// the price becomes the weighted average snapped back onto the passive side
// of the tick grid. Protective legs never merge; each leg belongs to one
// tranche and must keep its own order id.
func (b *Batcher) tryAggregate(q []*slot, req *core.PlaceOrderRequest, fut chan outcome) bool {
	if req.Type != core.OrderTypeLimit || req.ReduceOnly {
		return false
	}
	if kind, ok := core.OrderKindFromClientID(req.ClientOrderID); !ok || kind != core.KindEntry {
		return false
	}
	for _, s := range q {
		e := s.req
		if e.Type != core.OrderTypeLimit || e.ReduceOnly || e.Side != req.Side || e.PositionSide != req.PositionSide {
			continue
		}
		if kind, ok := core.OrderKindFromClientID(e.ClientOrderID); !ok || kind != core.KindEntry {
			continue
		}
		if e.Price.IsZero() || req.Price.IsZero() {
			continue
		}
		diffPct := e.Price.Sub(req.Price).Abs().Div(e.Price).Mul(decimal.NewFromInt(100))
		if diffPct.GreaterThanOrEqual(decimal.NewFromFloat(aggregatePricePct)) {
			continue
		}

		total := e.Qty.Add(req.Qty)
		avg := e.Price.Mul(e.Qty).Add(req.Price.Mul(req.Qty)).Div(total)
		e.Qty = total
		e.Price = b.snapEntry(req.Symbol, req.Side, avg)
		s.futures = append(s.futures, fut)
		b.logger.Info("aggregated entry orders",
			"symbol", req.Symbol, "side", req.Side, "qty", total, "price", e.Price)
		return true
	}
	return false
}

// snapEntry keeps an averaged price on the tick grid without crossing the
// book: buys round down, sells round up.
func (b *Batcher) snapEntry(symbol string, side core.Side, price decimal.Decimal) decimal.Decimal {
	spec, err := b.venue.GetSymbolSpec(symbol)
	if err != nil {
		return price
	}
	if side == core.SideSell {
		return spec.SnapPriceUp(price)
	}
	return spec.SnapPriceDown(price)
}

func (b *Batcher) runLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(flushTick)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.flushReady()
		}
	}
}

// flushReady drains every symbol whose oldest submission aged past the
// window or whose queue already fills a batch.
func (b *Batcher) flushReady() {
	now := b.now()
	var batches [][]*slot

	b.mu.Lock()
	for sym, q := range b.queues {
		if len(q) == 0 {
			continue
		}
		if now.Sub(q[0].enqueued) < b.window && len(q) < maxBatch {
			continue
		}
		for len(q) > 0 {
			n := maxBatch
			if len(q) < n {
				n = len(q)
			}
			batches = append(batches, q[:n])
			q = q[n:]
		}
		delete(b.queues, sym)
	}
	b.mu.Unlock()

	for _, batch := range batches {
		b.send(batch)
	}
}

func (b *Batcher) send(batch []*slot) {
	ctx, cancel := context.WithTimeout(b.ctx, sendTimeout)
	defer cancel()

	reqs := make([]*core.PlaceOrderRequest, len(batch))
	for i, s := range batch {
		reqs[i] = s.req
	}
	orders, err := b.venue.PlaceBatch(ctx, reqs)
	b.batchesSent.Add(1)
	if b.batchCounter != nil {
		b.batchCounter.Add(ctx, 1)
	}
	if len(batch) > 1 {
		b.callsSaved.Add(int64(len(batch) - 1))
	}

	if err != nil && len(orders) == 0 {
		// The whole batch failed in transit. Each slot gets one more trip
		// through the queue before its caller hears about it.
		b.logger.Warn("batch failed, requeueing", "size", len(batch), "error", err)
		for _, s := range batch {
			if s.requeued {
				b.deliver(s, nil, err)
				continue
			}
			s.requeued = true
			s.enqueued = b.now()
			b.requeued.Add(1)
			b.mu.Lock()
			b.queues[s.req.Symbol] = append(b.queues[s.req.Symbol], s)
			b.mu.Unlock()
		}
		return
	}

	for i, s := range batch {
		var o *core.Order
		if i < len(orders) {
			o = orders[i]
		}
		slotErr := err
		if o != nil {
			slotErr = nil
		}
		b.deliver(s, o, slotErr)
	}
}

// deliver answers every future attached to the slot. Aggregated callers
// each receive their own copy of the shared order.
func (b *Batcher) deliver(s *slot, o *core.Order, err error) {
	for _, fut := range s.futures {
		out := outcome{err: err}
		if o != nil {
			cp := *o
			out.order = &cp
		}
		fut <- out
	}
}

func (b *Batcher) Stats() Stats {
	b.mu.Lock()
	var pending, active int
	for _, q := range b.queues {
		if len(q) > 0 {
			active++
			pending += len(q)
		}
	}
	b.mu.Unlock()
	return Stats{
		Batched:       b.batched.Load(),
		BatchesSent:   b.batchesSent.Load(),
		Aggregated:    b.aggregated.Load(),
		CallsSaved:    b.callsSaved.Load(),
		Requeued:      b.requeued.Load(),
		Bypassed:      b.bypassed.Load(),
		Pending:       pending,
		ActiveSymbols: active,
	}
}
