// Package bootstrap assembles the engine. One App owns every component,
// wired in dependency order, and runs them through a single lifecycle:
// venue session checks, state recovery, stream startup, supervision, and
// an ordered drain on shutdown.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"liqhunter/internal/alert"
	"liqhunter/internal/api"
	"liqhunter/internal/config"
	"liqhunter/internal/core"
	"liqhunter/internal/exchange/binance"
	"liqhunter/internal/infrastructure/health"
	"liqhunter/internal/infrastructure/metrics"
	"liqhunter/internal/intake"
	"liqhunter/internal/ratelimit"
	"liqhunter/internal/risk"
	"liqhunter/internal/safety"
	"liqhunter/internal/store"
	"liqhunter/internal/trading/batcher"
	"liqhunter/internal/trading/evaluator"
	"liqhunter/internal/trading/exposure"
	"liqhunter/internal/trading/monitor"
	"liqhunter/internal/trading/protection"
	"liqhunter/internal/trading/router"
	"liqhunter/internal/trading/tranche"
	"liqhunter/internal/window"
	apperrors "liqhunter/pkg/errors"
)

// Sentinel failures main maps to distinct exit codes.
var (
	// ErrAuthProbe marks failed venue credentials at startup.
	ErrAuthProbe = errors.New("venue auth probe failed")
	// ErrDrainTimeout marks a shutdown that abandoned queued work.
	ErrDrainTimeout = errors.New("shutdown drain timed out")
)

const (
	startupTimeout = 60 * time.Second
	drainTimeout   = 30 * time.Second
	serverStopWait = 5 * time.Second
	probeTimeout   = 5 * time.Second
)

// App is the assembled engine.
type App struct {
	cfg    *config.Config
	logger core.ILogger

	store    core.IStore
	governor *ratelimit.Governor
	venue    core.IVenue
	alerter  *alert.Manager
	health   *health.Manager
	checker  *safety.Checker

	window     *window.Aggregator
	intake     *intake.Intake
	ledger     *exposure.Ledger
	evaluator  *evaluator.Evaluator
	part       *tranche.Partitioner
	protector  *protection.Protector
	batcher    *batcher.Batcher
	monitor    *monitor.Monitor
	router     *router.Router
	reconciler *risk.Reconciler

	metrics *metrics.Server
	api     *api.Server

	routerUp  bool
	monitorUp bool
}

// New opens the durable store, builds the signed venue client, and wires
// the engine onto them.
func New(cfg *config.Config, logger core.ILogger) (*App, error) {
	if dir := filepath.Dir(cfg.App.StorePath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	st, err := store.NewSQLiteStore(cfg.App.StorePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	probeCtx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if _, err := st.Checksum(probeCtx); err != nil {
		st.Close()
		return nil, fmt.Errorf("store integrity check failed: %w", err)
	}

	gov := ratelimit.NewGovernor(cfg.Governor, logger)
	venue := binance.NewClient(cfg.Venue, cfg.Engine.SimulateOnly, gov, logger)
	return assemble(cfg, logger, st, venue, gov), nil
}

// assemble wires every component onto the given store and venue. Split
// from New so tests can run the same wiring over the memory store and the
// mock venue.
func assemble(cfg *config.Config, logger core.ILogger, st core.IStore, venue core.IVenue, gov *ratelimit.Governor) *App {
	a := &App{
		cfg:      cfg,
		logger:   logger.WithField("component", "app"),
		store:    st,
		governor: gov,
		venue:    venue,
		alerter:  alert.NewManager(cfg.Alerts, logger),
		health:   health.NewManager(logger),
		checker:  safety.NewChecker(cfg, logger),
	}

	a.window = window.NewAggregator(time.Duration(cfg.Engine.WindowMs)*time.Millisecond, logger)
	a.intake = intake.NewIntake(cfg.Venue.WSURL, cfg.Engine, st, a.window, logger)
	a.ledger = exposure.NewLedger(logger)
	a.evaluator = evaluator.NewEvaluator(cfg, venue, a.window, st, a.ledger, a.intake.Events(), logger)

	a.part = tranche.NewPartitioner(cfg, st, logger)
	a.protector = protection.NewProtector(cfg, venue, st, a.part, a.alerter, logger)
	a.part.BindSink(a.protector.Submit)
	if cfg.Engine.BatchOrdersEnabled {
		a.batcher = batcher.NewBatcher(cfg, venue, logger)
		a.protector.BindBatcher(a.batcher)
	}

	a.monitor = monitor.NewMonitor(cfg.Venue.WSURL, cfg, a.part, a.protector, logger)
	a.router = router.NewRouter(cfg.Venue.WSURL, cfg, venue, st, a.part, a.protector, a.ledger, logger)
	a.reconciler = risk.NewReconciler(cfg, venue, st, a.part, a.protector, a.ledger, a.alerter, logger)
	a.router.BindNudge(a.reconciler.Nudge)

	gov.BindOnBan(func(until time.Time) {
		a.alerter.Alert(context.Background(), core.AlertCritical, "venue IP ban",
			"all venue requests halted until the ban expires", map[string]string{
				"until": until.Format(time.RFC3339),
			})
	})
	a.monitor.BindOnStale(func(age time.Duration) {
		a.alerter.Alert(context.Background(), core.AlertWarning, "mark stream stale",
			"fast path degraded, resting protection remains authoritative", map[string]string{
				"age": age.Round(time.Second).String(),
			})
	})

	a.health.Register("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		return a.store.Ping(ctx)
	})
	a.health.Register("venue", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		return a.venue.CheckHealth(ctx)
	})
	a.health.Register("liquidation_stream", a.intake.CheckHealth)
	a.health.Register("governor", func() error {
		if banned, until := gov.Banned(); banned {
			return fmt.Errorf("banned until %s", until.Format(time.RFC3339))
		}
		return nil
	})
	a.health.Register("reconciler", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		return a.reconciler.CheckHealth(ctx)
	})
	if !cfg.Engine.SimulateOnly {
		a.health.Register("user_stream", a.router.CheckHealth)
	}
	if cfg.Engine.UsePositionMonitor {
		a.health.Register("mark_stream", a.monitor.CheckHealth)
	}

	a.metrics = metrics.NewServer(cfg.App.MetricsPort, a.health, logger)
	a.api = api.NewServer(cfg.App.APIPort, st, a.part, a.protector, gov, a.health, a.monitor, logger)
	return a
}

// Run brings the engine up and blocks until a termination signal, then
// drains. The error (if any) carries the exit-code sentinel.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.metrics.Start()
	a.api.Start()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	err := a.initSession(startCtx)
	cancel()
	if err != nil {
		a.stopServers()
		a.closeStore()
		return err
	}

	if err := a.startEngine(ctx); err != nil {
		a.stopEngine()
		a.stopServers()
		a.closeStore()
		return err
	}

	a.alerter.Alert(ctx, core.AlertInfo, "engine started", "liqhunter is live", map[string]string{
		"mode":    a.mode(),
		"symbols": strconv.Itoa(len(a.cfg.Symbols)),
	})
	a.logger.Info("engine running", "mode", a.mode(),
		"symbols", len(a.cfg.Symbols),
		"metrics_port", a.cfg.App.MetricsPort, "api_port", a.cfg.App.APIPort)

	<-ctx.Done()
	a.logger.Info("shutdown signal received")
	return a.drain()
}

func (a *App) mode() string {
	if a.cfg.Engine.SimulateOnly {
		return "simulate"
	}
	return "live"
}

// initSession verifies the venue before any trading state is touched:
// reachability, clock skew, the spec cache, credentials, account margins,
// and the per-symbol leverage and margin setup.
func (a *App) initSession(ctx context.Context) error {
	if err := a.venue.CheckHealth(ctx); err != nil {
		return fmt.Errorf("venue unreachable: %w", err)
	}
	if serverTime, err := a.venue.ServerTime(ctx); err != nil {
		a.logger.Warn("failed to read venue clock", "error", err)
	} else if skew := time.Since(serverTime).Abs(); skew > time.Duration(a.cfg.Venue.RecvWindowMs/2)*time.Millisecond {
		a.logger.Warn("local clock skewed against venue, signed calls may be rejected",
			"skew", skew.String(), "recv_window_ms", a.cfg.Venue.RecvWindowMs)
	}
	if err := a.venue.FetchExchangeInfo(ctx); err != nil {
		return fmt.Errorf("failed to warm symbol specs: %w", err)
	}

	if !a.cfg.Engine.SimulateOnly {
		if _, err := a.venue.GetAccount(ctx); err != nil {
			if errors.Is(err, apperrors.ErrAuthFailed) {
				return fmt.Errorf("%w: %v", ErrAuthProbe, err)
			}
			return fmt.Errorf("account probe failed: %w", err)
		}
	}

	if err := a.venue.SetPositionMode(ctx, a.cfg.Engine.HedgeMode); err != nil {
		return fmt.Errorf("failed to set position mode: %w", err)
	}
	if err := a.venue.SetMultiAssetsMode(ctx, a.cfg.Engine.MultiAssetsMode); err != nil {
		return fmt.Errorf("failed to set multi-assets mode: %w", err)
	}

	for _, symbol := range a.symbolNames() {
		sym := a.cfg.Symbols[symbol]
		if sym.MarginType != "" {
			if err := a.venue.SetMarginType(ctx, symbol, core.MarginType(sym.MarginType)); err != nil {
				return fmt.Errorf("failed to set margin type for %s: %w", symbol, err)
			}
		}
		if sym.Leverage > 0 {
			if err := a.venue.SetLeverage(ctx, symbol, sym.Leverage); err != nil {
				return fmt.Errorf("failed to set leverage for %s: %w", symbol, err)
			}
		}
		a.logger.Info("symbol session ready", "symbol", symbol,
			"leverage", sym.Leverage, "margin_type", sym.MarginType)
	}

	if !a.cfg.Engine.SimulateOnly {
		if err := a.checker.CheckConnectivity(ctx, a.venue); err != nil {
			return fmt.Errorf("connectivity check failed: %w", err)
		}
		if err := a.checker.CheckAccount(ctx, a.venue); err != nil {
			return fmt.Errorf("account check failed: %w", err)
		}
	}

	a.logger.Info("venue session initialized", "mode", a.mode())
	return nil
}

func (a *App) symbolNames() []string {
	names := make([]string, 0, len(a.cfg.Symbols))
	for name := range a.cfg.Symbols {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// startEngine recovers persisted state and then opens the streams. Order
// matters: the protection lanes must be draining before recovery can emit
// tasks, and recovery must finish before any stream event mutates state.
// Components get background contexts; the signal context only gates Run,
// so queued work drains instead of dying on SIGTERM.
func (a *App) startEngine(ctx context.Context) error {
	run := context.Background()

	if a.batcher != nil {
		if err := a.batcher.Start(run); err != nil {
			return fmt.Errorf("failed to start batcher: %w", err)
		}
	}
	if err := a.protector.Start(run); err != nil {
		return fmt.Errorf("failed to start protection manager: %w", err)
	}

	recCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := a.part.Recover(recCtx); err != nil {
		return fmt.Errorf("failed to recover tranche state: %w", err)
	}
	if err := a.window.Rebuild(recCtx, a.store); err != nil {
		return fmt.Errorf("failed to rebuild liquidation window: %w", err)
	}
	// One synchronous pass against venue truth before any stream event
	// lands: phantom tranches dropped, missing protection queued.
	if err := a.reconciler.Reconcile(recCtx); err != nil {
		a.logger.Warn("startup reconcile incomplete, periodic pass will retry", "error", err)
	}
	if err := a.reconciler.Start(run); err != nil {
		return fmt.Errorf("failed to start reconciler: %w", err)
	}

	if !a.cfg.Engine.SimulateOnly {
		if err := a.router.Start(run); err != nil {
			return fmt.Errorf("failed to start fill router: %w", err)
		}
		a.routerUp = true
	}
	if a.cfg.Engine.UsePositionMonitor {
		a.monitor.Start()
		a.monitorUp = true
	}

	a.intake.Start()
	a.evaluator.Start()
	a.window.StartPublisher()
	return nil
}

// stopEngine drains in producer-to-consumer order: admission first, then
// the evaluation queue, then the fill sources, then the protection lanes
// they feed. The reconciler goes last so it can still repair during drain.
func (a *App) stopEngine() {
	a.intake.Stop()
	a.evaluator.Stop()
	a.window.Stop()
	if a.monitorUp {
		a.monitor.Stop()
		a.monitorUp = false
	}
	if a.routerUp {
		if err := a.router.Stop(); err != nil {
			a.logger.Warn("fill router stop failed", "error", err)
		}
		a.routerUp = false
	}
	if err := a.protector.Stop(); err != nil {
		a.logger.Warn("protection manager stop failed", "error", err)
	}
	if a.batcher != nil {
		if err := a.batcher.Stop(); err != nil {
			a.logger.Warn("batcher stop failed", "error", err)
		}
	}
	if err := a.reconciler.Stop(); err != nil {
		a.logger.Warn("reconciler stop failed", "error", err)
	}
}

// drain runs the ordered stop with a hard deadline. On timeout the queued
// depths are logged and the process reports the dirty exit.
func (a *App) drain() error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.stopEngine()
	}()

	select {
	case <-done:
		a.logger.Info("engine drained")
		a.stopServers()
		a.closeStore()
		return nil
	case <-time.After(drainTimeout):
		pending := 0
		if a.batcher != nil {
			pending = a.batcher.Stats().Pending
		}
		a.logger.Error("drain timed out, abandoning queued work",
			"timeout", drainTimeout.String(),
			"handoff_depth", len(a.intake.Events()),
			"batch_pending", pending)
		a.stopServers()
		a.closeStore()
		return ErrDrainTimeout
	}
}

func (a *App) stopServers() {
	ctx, cancel := context.WithTimeout(context.Background(), serverStopWait)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.api.Stop(ctx) })
	g.Go(func() error { return a.metrics.Stop(ctx) })
	if err := g.Wait(); err != nil {
		a.logger.Warn("http server shutdown incomplete", "error", err)
	}
}

func (a *App) closeStore() {
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", "error", err)
	}
}
