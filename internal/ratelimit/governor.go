// Package ratelimit implements client-side admission control for all
// venue traffic. The Governor tracks the venue's one-minute weight and
// order-count windows locally, reconciles against the usage headers the
// venue returns, and absorbs 429/418 policy so no other component ever
// reacts to those statuses directly.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"liqhunter/internal/config"
	"liqhunter/internal/core"
	apperrors "liqhunter/pkg/errors"
	"liqhunter/pkg/telemetry"
)

const (
	modeNormal  = "normal"
	modeBurst   = "burst"
	modeCascade = "cascade"

	// Elevated modes run at 95% of the raw limit; cascade additionally
	// shrinks the critical reserve to 5%.
	elevatedPct       = 95.0
	cascadeReservePct = 5.0
	banBaseSeconds    = 120
	maxBanExponent    = 5
	maxBackoff429     = 60 * time.Second
	waitPollMin       = 10 * time.Millisecond
	waitPollMax       = time.Second
)

// Governor is the core.IGovernor implementation. It never performs I/O;
// it only answers whether a request may be sent now.
type Governor struct {
	cfg    config.GovernorConfig
	logger core.ILogger

	mu           sync.Mutex
	weight       *slidingWindow
	orders       *slidingWindow
	mode         string
	modeUntil    time.Time
	streak429    int
	backoffUntil time.Time
	banCount     int
	bannedUntil  time.Time
	retryAfter   time.Duration
	waiting      [3]int
	onBan        func(until time.Time)

	limiter *rate.Limiter

	now func() time.Time
}

func NewGovernor(cfg config.GovernorConfig, logger core.ILogger) *Governor {
	perSec := rate.Limit(cfg.OrdersPerSec)
	if cfg.OrdersPerSec <= 0 {
		perSec = rate.Inf
	}
	burst := cfg.OrdersBurst
	if burst < 1 {
		burst = 1
	}
	return &Governor{
		cfg:     cfg,
		logger:  logger.WithField("component", "governor"),
		weight:  newSlidingWindow(60),
		orders:  newSlidingWindow(60),
		mode:    modeNormal,
		limiter: rate.NewLimiter(perSec, burst),
		now:     time.Now,
	}
}

// BindOnBan registers the callback fired when the venue bans this IP.
// Bound once at wiring time, before traffic flows.
func (g *Governor) BindOnBan(fn func(until time.Time)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onBan = fn
}

// capsLocked returns the weight and order caps for the given priority
// under the currently active mode.
func (g *Governor) capsLocked(now time.Time, pr core.Priority) (weightCap, orderCap int) {
	if g.mode != modeNormal && now.After(g.modeUntil) {
		g.logger.Info("elevated mode expired", "mode", g.mode)
		g.mode = modeNormal
	}

	effPct := 100.0 - g.cfg.RateLimitBufferPct
	reservePct := g.cfg.ReservePct
	switch g.mode {
	case modeBurst:
		effPct = elevatedPct
	case modeCascade:
		effPct = elevatedPct
		reservePct = cascadeReservePct
	}

	weightCap = int(float64(g.cfg.WeightLimitPerMin) * effPct / 100.0)
	orderCap = int(float64(g.cfg.OrderLimitPerMin) * effPct / 100.0)
	if pr != core.PriorityCritical {
		weightCap = int(float64(weightCap) * (100.0 - reservePct) / 100.0)
		orderCap = int(float64(orderCap) * (100.0 - reservePct) / 100.0)
	}
	return weightCap, orderCap
}

// Admit reports whether a request of the given weight may be sent now.
// It never sleeps; a denial carries a wait hint. The weight window is
// charged by Record once the request is actually sent.
func (g *Governor) Admit(endpoint, method string, params url.Values, pr core.Priority) (bool, time.Duration) {
	w := WeightFor(endpoint, method, params)

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	if g.bannedUntil.After(now) {
		g.throttledLocked(endpoint, "banned")
		return false, g.bannedUntil.Sub(now)
	}
	// A 429 backoff halts normal traffic; critical requests ride on the
	// reserve so protection repair is never parked behind the backoff.
	if g.backoffUntil.After(now) && pr != core.PriorityCritical {
		g.throttledLocked(endpoint, "backoff")
		return false, g.backoffUntil.Sub(now)
	}

	weightCap, _ := g.capsLocked(now, pr)
	if g.weight.used(now)+w > weightCap {
		g.throttledLocked(endpoint, "weight")
		return false, g.weight.freeIn(w, weightCap, now)
	}
	return true, 0
}

// AdmitOrder charges admission against the order-count window and the
// short-horizon smoothing limiter. Critical requests block on the
// smoothing delay (sub-second); others get it back as a hint.
func (g *Governor) AdmitOrder(ctx context.Context, pr core.Priority) (bool, time.Duration) {
	g.mu.Lock()
	now := g.now()

	if g.bannedUntil.After(now) {
		wait := g.bannedUntil.Sub(now)
		g.mu.Unlock()
		return false, wait
	}
	if g.backoffUntil.After(now) && pr != core.PriorityCritical {
		wait := g.backoffUntil.Sub(now)
		g.mu.Unlock()
		return false, wait
	}

	_, orderCap := g.capsLocked(now, pr)
	if g.orders.used(now)+1 > orderCap {
		wait := g.orders.freeIn(1, orderCap, now)
		g.throttledLocked("order", "order-count")
		g.mu.Unlock()
		return false, wait
	}
	g.mu.Unlock()

	res := g.limiter.Reserve()
	if !res.OK() {
		return false, time.Second
	}
	delay := res.Delay()
	if delay == 0 {
		return true, 0
	}
	if pr != core.PriorityCritical {
		res.Cancel()
		return false, delay
	}

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		res.Cancel()
		return false, delay
	case <-t.C:
		return true, 0
	}
}

// WaitAdmit is the opt-in queued form of Admit: it blocks until the
// request is admitted, the context ends, or the per-priority queue is
// already full (drop-on-full).
func (g *Governor) WaitAdmit(ctx context.Context, endpoint, method string, params url.Values, pr core.Priority) error {
	g.mu.Lock()
	if g.cfg.QueueSize > 0 && g.waiting[pr] >= g.cfg.QueueSize {
		g.mu.Unlock()
		g.logger.Warn("governor queue full, dropping request",
			"endpoint", endpoint, "priority", pr.String())
		return fmt.Errorf("governor queue full (%s): %w", pr.String(), apperrors.ErrRateLimited)
	}
	g.waiting[pr]++
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.waiting[pr]--
		g.mu.Unlock()
	}()

	for {
		ok, wait := g.Admit(endpoint, method, params, pr)
		if ok {
			return nil
		}
		if wait < waitPollMin {
			wait = waitPollMin
		}
		// Poll in short slices so mode changes and header reconciliation
		// shorten the effective wait.
		if wait > waitPollMax {
			wait = waitPollMax
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Record charges the weight window for a request that was just sent.
func (g *Governor) Record(endpoint, method string, params url.Values) {
	w := WeightFor(endpoint, method, params)
	g.mu.Lock()
	now := g.now()
	g.weight.add(w, now)
	used := g.weight.used(now)
	ordersUsed := g.orders.used(now)
	g.mu.Unlock()
	telemetry.GetGlobalMetrics().SetGovernorUsage(int64(used), int64(ordersUsed))
}

func (g *Governor) RecordOrder() {
	g.mu.Lock()
	now := g.now()
	g.orders.add(1, now)
	used := g.weight.used(now)
	ordersUsed := g.orders.used(now)
	g.mu.Unlock()
	telemetry.GetGlobalMetrics().SetGovernorUsage(int64(used), int64(ordersUsed))
}

// ObserveHeaders reconciles the local windows with the venue's reported
// usage. The venue's numbers are authoritative when present.
func (g *Governor) ObserveHeaders(h http.Header) {
	if h == nil {
		return
	}
	g.mu.Lock()
	now := g.now()
	if v, ok := headerInt(h, "X-MBX-USED-WEIGHT-1M", "X-MBX-USED-WEIGHT"); ok {
		g.weight.reset(v, now)
	}
	if v, ok := headerInt(h, "X-MBX-ORDER-COUNT-1M", "X-MBX-ORDER-COUNT"); ok {
		g.orders.reset(v, now)
	}
	if ra := h.Get("Retry-After"); ra != "" {
		if s, err := strconv.Atoi(ra); err == nil && s > 0 {
			g.retryAfter = time.Duration(s) * time.Second
		}
	}
	used := g.weight.used(now)
	ordersUsed := g.orders.used(now)
	g.mu.Unlock()
	telemetry.GetGlobalMetrics().SetGovernorUsage(int64(used), int64(ordersUsed))
}

// ObserveStatus feeds a response status back into 429/418 policy.
// Callers invoke ObserveHeaders first so a Retry-After hint is in place.
func (g *Governor) ObserveStatus(code int, endpoint string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()

	switch {
	case code == http.StatusTooManyRequests:
		g.streak429++
		n := g.streak429
		if n > 6 {
			n = 6
		}
		backoff := time.Duration(1<<uint(n)) * time.Second
		if backoff > maxBackoff429 {
			backoff = maxBackoff429
		}
		if g.retryAfter > backoff {
			backoff = g.retryAfter
		}
		g.backoffUntil = now.Add(backoff)
		// The venue has told us our real usage; widen the modeled cap and
		// let header reconciliation govern until the streak clears.
		g.enableModeLocked(modeBurst, backoff+time.Minute, now)
		g.logger.Warn("rate limited by venue",
			"endpoint", endpoint, "streak", g.streak429, "backoff", backoff.String())

	case code == http.StatusTeapot:
		exp := g.banCount
		if exp > maxBanExponent {
			exp = maxBanExponent
		}
		d := time.Duration(banBaseSeconds*(1<<uint(exp))) * time.Second
		if g.retryAfter > d {
			d = g.retryAfter
		}
		g.banCount++
		g.bannedUntil = now.Add(d)
		g.logger.Error("IP banned by venue",
			"endpoint", endpoint, "ban_count", g.banCount, "until", g.bannedUntil.Format(time.RFC3339))
		if g.onBan != nil {
			// Off the lock: the alert fan-out must not stall admission.
			go g.onBan(g.bannedUntil)
		}

	case code >= 200 && code < 300:
		g.streak429 = 0
		if !g.bannedUntil.IsZero() && now.After(g.bannedUntil) {
			g.banCount = 0
			g.bannedUntil = time.Time{}
		}
	}
	g.retryAfter = 0
}

// EnableBurst widens the effective limit for the given duration.
func (g *Governor) EnableBurst(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enableModeLocked(modeBurst, d, g.now())
}

// EnableCascade widens the effective limit and shrinks the critical
// reserve while a liquidation cascade is being traded.
func (g *Governor) EnableCascade(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.enableModeLocked(modeCascade, d, g.now())
}

func (g *Governor) enableModeLocked(mode string, d time.Duration, now time.Time) {
	// Cascade outranks burst; re-enabling only ever extends the expiry.
	if g.mode == modeCascade && mode == modeBurst && now.Before(g.modeUntil) {
		return
	}
	until := now.Add(d)
	if g.mode == mode && g.modeUntil.After(until) {
		return
	}
	if g.mode != mode {
		g.logger.Info("governor mode change", "from", g.mode, "to", mode, "for", d.String())
	}
	g.mode = mode
	g.modeUntil = until
}

func (g *Governor) Banned() (bool, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	return g.bannedUntil.After(now), g.bannedUntil
}

func (g *Governor) Usage() core.GovernorSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	mode := g.mode
	if mode != modeNormal && now.After(g.modeUntil) {
		mode = modeNormal
	}
	return core.GovernorSnapshot{
		WeightUsed:     g.weight.used(now),
		WeightLimit:    g.cfg.WeightLimitPerMin,
		OrdersUsed:     g.orders.used(now),
		OrdersLimit:    g.cfg.OrderLimitPerMin,
		Mode:           mode,
		Banned:         g.bannedUntil.After(now),
		BannedUntil:    g.bannedUntil,
		Backoff429:     g.streak429,
		QueuedCritical: g.waiting[core.PriorityCritical],
		QueuedNormal:   g.waiting[core.PriorityNormal],
		QueuedLow:      g.waiting[core.PriorityLow],
	}
}

func (g *Governor) throttledLocked(endpoint, reason string) {
	m := telemetry.GetGlobalMetrics()
	if m.GovernorThrottledTotal != nil {
		m.GovernorThrottledTotal.Add(context.Background(), 1)
	}
	g.logger.Debug("admission denied", "endpoint", endpoint, "reason", reason)
}

func headerInt(h http.Header, names ...string) (int, bool) {
	for _, name := range names {
		if v := h.Get(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				return n, true
			}
		}
	}
	return 0, false
}
