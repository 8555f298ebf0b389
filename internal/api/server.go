// Package api serves the engine's read-only JSON projections and the one
// operator command, a manual position close. Read paths hit the event
// store and in-memory component snapshots only; nothing here sits on a
// trading path.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"liqhunter/internal/core"
)

// markSource answers last-known mark prices without touching the venue.
// The fast-path price monitor provides it; nil degrades projections to
// entry-price-only views.
type markSource interface {
	Mark(symbol string) (decimal.Decimal, bool)
}

type Server struct {
	port      int
	store     core.IStore
	part      core.IPartitioner
	protector core.IProtector
	governor  core.IGovernor
	health    core.IHealthMonitor
	marks     markSource
	logger    core.ILogger
	srv       *http.Server
}

func NewServer(port int, store core.IStore, part core.IPartitioner, protector core.IProtector,
	governor core.IGovernor, health core.IHealthMonitor, marks markSource, logger core.ILogger) *Server {
	return &Server{
		port:      port,
		store:     store,
		part:      part,
		protector: protector,
		governor:  governor,
		health:    health,
		marks:     marks,
		logger:    logger.WithField("component", "api"),
	}
}

// Handler builds the route table. Split out so tests can drive it through
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/positions", s.handlePositions)
	mux.HandleFunc("GET /api/positions/{symbol}/{side}", s.handlePositionDetail)
	mux.HandleFunc("POST /api/positions/{symbol}/{side}/close", s.handleClose)
	mux.HandleFunc("GET /api/liquidations", s.handleLiquidations)
	mux.HandleFunc("GET /api/trades", s.handleTrades)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	return mux
}

func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("starting api server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("api server failed", "error", err)
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping api server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]string{"error": msg})
}
