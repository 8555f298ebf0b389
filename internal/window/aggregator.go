// Package window maintains rolling liquidation-volume sums per symbol and
// liquidated side. It is pure in-memory state: the event store is touched
// only by Rebuild, which reseeds the deques from persisted events after a
// restart.
package window

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"liqhunter/internal/core"
	"liqhunter/pkg/telemetry"
)

// publishEvery is how often the rolling sums are copied into the
// exported gauges.
const publishEvery = 10 * time.Second

type bucketKey struct {
	symbol string
	side   core.Side
}

type sample struct {
	at    time.Time
	value decimal.Decimal
}

// deque is a FIFO of samples with an incrementally maintained sum.
// Eviction advances head instead of reslicing so the backing array is
// reused; compact() reclaims the dead prefix once it dominates.
type deque struct {
	samples []sample
	head    int
	sum     decimal.Decimal
}

func (d *deque) push(s sample) {
	d.samples = append(d.samples, s)
	d.sum = d.sum.Add(s.value)
}

// evict pops every sample strictly older than cutoff. A sample exactly at
// cutoff still counts.
func (d *deque) evict(cutoff time.Time) {
	for d.head < len(d.samples) && d.samples[d.head].at.Before(cutoff) {
		d.sum = d.sum.Sub(d.samples[d.head].value)
		d.samples[d.head] = sample{}
		d.head++
	}
	if d.head == len(d.samples) {
		d.samples = d.samples[:0]
		d.head = 0
		d.sum = decimal.Decimal{}
		return
	}
	d.compact()
}

func (d *deque) compact() {
	if d.head < 64 || d.head*2 < len(d.samples) {
		return
	}
	n := copy(d.samples, d.samples[d.head:])
	clear(d.samples[n:])
	d.samples = d.samples[:n]
	d.head = 0
}

func (d *deque) len() int { return len(d.samples) - d.head }

// WindowStat is one (symbol, side) bucket as seen at snapshot time.
type WindowStat struct {
	Symbol string
	Side   core.Side
	Sum    decimal.Decimal
	Events int
}

// Aggregator answers "how much got liquidated on this symbol and side in
// the last span" in O(1). One mutex guards everything; the touch rate is
// stream events plus evaluator queries, low thousands per second worst
// case.
type Aggregator struct {
	mu     sync.Mutex
	span   time.Duration
	deques map[bucketKey]*deque
	logger core.ILogger

	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ core.IWindow = (*Aggregator)(nil)

// NewAggregator builds an empty aggregator with the given rolling span.
func NewAggregator(span time.Duration, logger core.ILogger) *Aggregator {
	return &Aggregator{
		span:   span,
		deques: make(map[bucketKey]*deque),
		logger: logger.WithField("component", "window"),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// Add records one liquidation: push to the tail, then pop expired heads.
// Eviction only inspects the head, which assumes samples arrive near
// time-ordered; the venue stream provides that.
func (a *Aggregator) Add(l *core.Liquidation) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := a.bucket(bucketKey{symbol: l.Symbol, side: l.Side})
	d.push(sample{at: l.EventTime, value: l.USDTValue})
	d.evict(a.now().Add(-a.span))
}

// Current returns the rolling sum for (symbol, side). Expired heads are
// evicted on read so the sum decays even when no new events arrive.
func (a *Aggregator) Current(symbol string, side core.Side) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.deques[bucketKey{symbol: symbol, side: side}]
	if !ok {
		return decimal.Decimal{}
	}
	d.evict(a.now().Add(-a.span))
	return d.sum
}

// Rebuild reseeds every bucket from the store's events inside the span.
// Meant for startup, before the intake is wired; it replaces all state.
func (a *Aggregator) Rebuild(ctx context.Context, store core.IStore) error {
	since := a.now().Add(-a.span)
	events, err := store.LiquidationsSince(ctx, since)
	if err != nil {
		return fmt.Errorf("failed to scan recent liquidations: %w", err)
	}

	a.mu.Lock()
	a.deques = make(map[bucketKey]*deque)
	for _, l := range events {
		d := a.bucket(bucketKey{symbol: l.Symbol, side: l.Side})
		d.push(sample{at: l.EventTime, value: l.USDTValue})
	}
	keys := len(a.deques)
	a.mu.Unlock()

	a.logger.Info("rebuilt rolling windows", "events", len(events), "keys", keys)
	return nil
}

// Snapshot lists every non-empty bucket after eviction. The gauge
// publisher reads it on a timer.
func (a *Aggregator) Snapshot() []WindowStat {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.now().Add(-a.span)
	out := make([]WindowStat, 0, len(a.deques))
	for k, d := range a.deques {
		d.evict(cutoff)
		if d.len() == 0 {
			continue
		}
		out = append(out, WindowStat{Symbol: k.symbol, Side: k.side, Sum: d.sum, Events: d.len()})
	}
	return out
}

// StartPublisher begins copying rolling sums into the exported gauges.
// The evaluator reads sums live through Current; the publisher exists
// only so dashboards see the same numbers.
func (a *Aggregator) StartPublisher() {
	a.wg.Add(1)
	go a.publishLoop()
}

// Stop halts the publisher. Add and Current stay usable after Stop.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
	a.wg.Wait()
}

func (a *Aggregator) publishLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(publishEvery)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			a.publishGauges()
		}
	}
}

// publishGauges pushes every live bucket's sum and zeroes keys that
// emptied since the last publish, so a quiet symbol reads 0 instead of
// holding its last burst.
func (a *Aggregator) publishGauges() {
	m := telemetry.GetGlobalMetrics()
	seen := make(map[string]struct{})
	for _, s := range a.Snapshot() {
		key := s.Symbol + "/" + string(s.Side)
		m.SetWindowVolume(key, s.Sum.InexactFloat64())
		seen[key] = struct{}{}
	}
	for key := range m.GetWindowVolumes() {
		if _, ok := seen[key]; !ok {
			m.SetWindowVolume(key, 0)
		}
	}
}

func (a *Aggregator) bucket(k bucketKey) *deque {
	d, ok := a.deques[k]
	if !ok {
		d = &deque{}
		a.deques[k] = d
	}
	return d
}
