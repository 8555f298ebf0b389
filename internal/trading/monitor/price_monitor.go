// Package monitor implements the mark-price fast path. Resting TP orders
// only fill when the book trades through them; when the mark has already
// overshot a tranche's take-profit, waiting for the limit to print gives
// the move time to reverse. The monitor watches the venue-wide mark-price
// stream and, on overshoot, hands the tranche to the protection manager
// for an immediate cancel-and-market-reduce.
package monitor

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
	markStream = "!markPrice@arr@1s"
	// A triggered tranche is left alone for this long before the monitor
	// may fire again for it. The market fill normally destroys the tranche
	// well inside the window; the rearm covers failed closes.
	rearmAfter = 10 * time.Second
)

// markEvent is one symbol's entry in the mark-price array frame.
type markEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
}

// Stats is a point-in-time view of fast-path activity.
type Stats struct {
	Frames    int64
	Triggers  int64
	Rearmed   int64
	Dropped   int64
	Connected bool
	LastTick  time.Time
	Degraded  bool
}

type trancheRef struct {
	key core.PositionKey
	id  int64
}

// Monitor owns the mark-price stream and the trigger scan. It submits
// close-market tasks to the protector's per-key lanes and never calls the
// venue itself; the cancel-verify-reduce sequence runs serialized there.
type Monitor struct {
	cfg       *config.Config
	part      core.IPartitioner
	protector core.IProtector
	logger    core.ILogger

	client     *websocket.Client
	epsilon    decimal.Decimal
	staleAfter time.Duration

	mu    sync.RWMutex
	marks map[string]core.MarkPrice
	fired map[trancheRef]time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frames   atomic.Int64
	triggers atomic.Int64
	rearmed  atomic.Int64
	dropped  atomic.Int64
	degraded atomic.Bool
	lastTick atomic.Int64 // unix nanos
	onStale  func(age time.Duration)

	triggerCounter metric.Int64Counter

	now func() time.Time
}

// NewMonitor wires the mark stream for wsURL (scheme and host only).
func NewMonitor(wsURL string, cfg *config.Config, part core.IPartitioner, protector core.IProtector, logger core.ILogger) *Monitor {
	ctx, cancel := context.WithCancel(context.Background())

	meter := telemetry.GetMeter("monitor")
	triggerCounter, _ := meter.Int64Counter("fastpath_triggers_total",
		metric.WithDescription("Tranche closes triggered by mark overshooting TP"))

	m := &Monitor{
		cfg:            cfg,
		part:           part,
		protector:      protector,
		logger:         logger.WithField("component", "price_monitor"),
		epsilon:        decimal.NewFromFloat(cfg.FastPath.EpsilonPct).Div(decimal.NewFromInt(100)),
		staleAfter:     time.Duration(cfg.FastPath.StaleAfterSec) * time.Second,
		marks:          make(map[string]core.MarkPrice),
		fired:          make(map[trancheRef]time.Time),
		ctx:            ctx,
		cancel:         cancel,
		triggerCounter: triggerCounter,
		now:            time.Now,
	}

	streamURL := fmt.Sprintf("%s/stream?streams=%s", strings.TrimSuffix(wsURL, "/"), markStream)
	client := websocket.NewClient(streamURL, m.handleMessage, m.logger)
	client.SetReconnectWait(time.Duration(cfg.Engine.PriceMonitorReconnectMs)*time.Millisecond, 60*time.Second)
	client.SetOnConnected(func() {
		sub := map[string]interface{}{
			"method": "SUBSCRIBE",
			"params": []string{markStream},
			"id":     1,
		}
		if err := client.Send(sub); err != nil {
			m.logger.Error("failed to subscribe to mark stream", "error", err)
			return
		}
		m.logger.Info("subscribed to mark-price stream", "stream", markStream)
	})
	m.client = client
	return m
}

// BindOnStale registers the callback fired when the stream first goes
// stale. Bound once at wiring time, before Start.
func (m *Monitor) BindOnStale(fn func(age time.Duration)) {
	m.onStale = fn
}

// Start connects the stream and the staleness watchdog.
func (m *Monitor) Start() {
	m.logger.Info("starting fast-path monitor",
		"epsilon_pct", m.cfg.FastPath.EpsilonPct, "stale_after", m.staleAfter)
	m.wg.Add(1)
	go m.staleLoop()
	m.client.Start()
}

// Stop tears the stream down.
func (m *Monitor) Stop() {
	m.client.Stop()
	m.cancel()
	m.wg.Wait()
}

// Mark returns the latest mark for symbol, if one has been seen.
func (m *Monitor) Mark(symbol string) (decimal.Decimal, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.marks[symbol]
	return mp.Price, ok
}

// Stats reports fast-path health for the status endpoint.
func (m *Monitor) Stats() Stats {
	return Stats{
		Frames:    m.frames.Load(),
		Triggers:  m.triggers.Load(),
		Rearmed:   m.rearmed.Load(),
		Dropped:   m.dropped.Load(),
		Connected: m.client.Connected(),
		LastTick:  time.Unix(0, m.lastTick.Load()),
		Degraded:  m.degraded.Load(),
	}
}

// CheckHealth fails when the stream has gone stale. Resting TP/SL remain
// authoritative in that state, so stale is degraded, not fatal.
func (m *Monitor) CheckHealth() error {
	last := m.lastTick.Load()
	if last == 0 {
		if !m.client.Connected() {
			return fmt.Errorf("mark stream not connected")
		}
		return nil
	}
	if age := m.now().Sub(time.Unix(0, last)); age > m.staleAfter {
		return fmt.Errorf("mark stream stale for %s", age.Round(time.Second))
	}
	return nil
}

func (m *Monitor) handleMessage(message []byte) {
	var envelope struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	payload := message
	if err := json.Unmarshal(message, &envelope); err == nil && len(envelope.Data) > 0 {
		payload = envelope.Data
	}

	var events []markEvent
	if err := json.Unmarshal(payload, &events); err != nil {
		// Subscription acks and other non-array chatter.
		return
	}
	m.frames.Add(1)
	m.lastTick.Store(m.now().UnixNano())
	if m.degraded.Swap(false) {
		m.logger.Info("mark stream recovered")
	}

	m.mu.Lock()
	for _, ev := range events {
		if ev.EventType != "markPriceUpdate" || ev.Symbol == "" {
			continue
		}
		price, err := decimal.NewFromString(ev.MarkPrice)
		if err != nil || price.IsZero() {
			continue
		}
		m.marks[ev.Symbol] = core.MarkPrice{
			Symbol:    ev.Symbol,
			Price:     price,
			EventTime: time.UnixMilli(ev.EventTime),
		}
	}
	m.mu.Unlock()

	m.scan()
}

// scan walks every live tranche and fires the fast path where the mark has
// overshot the TP. Tranche snapshots are copies; the authoritative check
// happens inside the protector's serialized close. With instant TP off the
// monitor is a mark cache only and resting TPs fill on their own.
func (m *Monitor) scan() {
	if !m.cfg.Engine.InstantTPEnabled {
		return
	}
	now := m.now()
	for _, key := range m.part.AllKeys() {
		m.mu.RLock()
		mp, ok := m.marks[key.Symbol]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		for _, t := range m.part.Tranches(key) {
			if !m.overshot(t, mp.Price) {
				continue
			}
			ref := trancheRef{key: key, id: t.ID}
			m.mu.Lock()
			if firedAt, seen := m.fired[ref]; seen && now.Sub(firedAt) < rearmAfter {
				m.mu.Unlock()
				continue
			}
			m.fired[ref] = now
			m.mu.Unlock()

			m.trigger(key, t, mp.Price)
		}
	}
	m.prune(now)
}

// overshot applies the trigger rule. LONG: mark at or above tp·(1−ε);
// SHORT: mark at or below tp·(1+ε). Tranches with no TP level yet are the
// protector's problem, not the fast path's.
func (m *Monitor) overshot(t *core.Tranche, mark decimal.Decimal) bool {
	if t.TPPrice.IsZero() || !t.Qty.IsPositive() {
		return false
	}
	one := decimal.NewFromInt(1)
	if t.Side == core.PositionShort {
		return mark.LessThanOrEqual(t.TPPrice.Mul(one.Add(m.epsilon)))
	}
	return mark.GreaterThanOrEqual(t.TPPrice.Mul(one.Sub(m.epsilon)))
}

func (m *Monitor) trigger(key core.PositionKey, t *core.Tranche, mark decimal.Decimal) {
	m.triggers.Add(1)
	m.triggerCounter.Add(m.ctx, 1)
	m.logger.Info("mark overshot TP, fast-closing tranche",
		"symbol", key.Symbol, "position_side", key.Side,
		"tranche_id", t.ID, "mark", mark, "tp_price", t.TPPrice)

	ok := m.protector.Submit(core.ProtectionTask{
		Kind:      core.TaskCloseMarket,
		Key:       key,
		TrancheID: t.ID,
		Reason:    "fastpath",
	})
	if !ok {
		m.dropped.Add(1)
		// Rearm immediately so the next tick retries the submit.
		m.mu.Lock()
		delete(m.fired, trancheRef{key: key, id: t.ID})
		m.mu.Unlock()
	}
}

// prune drops rearm entries for tranches that no longer exist and expires
// old ones so the table does not grow with churn.
func (m *Monitor) prune(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ref, at := range m.fired {
		if now.Sub(at) >= rearmAfter {
			delete(m.fired, ref)
			m.rearmed.Add(1)
		}
	}
}

func (m *Monitor) staleLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			last := m.lastTick.Load()
			if last == 0 {
				continue
			}
			age := m.now().Sub(time.Unix(0, last))
			if age > m.staleAfter && !m.degraded.Swap(true) {
				m.logger.Warn("mark stream stale, fast path degraded; resting protection remains authoritative",
					"age", age.Round(time.Second), "stale_after", m.staleAfter)
				if m.onStale != nil {
					m.onStale(age)
				}
			}
		}
	}
}
