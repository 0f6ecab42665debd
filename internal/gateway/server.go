// Package gateway exposes the trading core over HTTP and WebSocket.
package gateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"paper-trader/internal/config"
	"paper-trader/internal/logging"
	"paper-trader/internal/market"
	"paper-trader/internal/resilience"
	"paper-trader/internal/store"
	"paper-trader/internal/stream"
	"paper-trader/internal/trading"
)

// Deps are the components the gateway serves.
type Deps struct {
	Store     store.Repository
	Orders    trading.OrderService
	Portfolio *trading.Portfolio
	Ledger    *trading.Ledger
	Hub       *stream.Hub
	// Simulator is optional; its counters are reported by /api/metrics.
	Simulator *market.Simulator
	// Health is optional; without it /health only reports liveness.
	Health *resilience.HealthMonitor
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	deps     Deps
	server   config.ServerConfig
	stream   config.StreamConfig
	demoUser string
	logger   zerolog.Logger
	started  time.Time
	accepted atomic.Uint64
	mux      *http.ServeMux
}

// NewServer creates a server and registers its routes.
func NewServer(deps Deps, cfg *config.Config, logger zerolog.Logger) *Server {
	s := &Server{
		deps:     deps,
		server:   cfg.Server,
		stream:   cfg.Stream,
		demoUser: cfg.Account.DemoUser,
		logger:   logging.WithComponent(logger, "gateway"),
		started:  time.Now(),
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)

	s.mux.HandleFunc("GET /api/market/instruments", s.handleListInstruments)
	s.mux.HandleFunc("GET /api/market/instruments/{symbol}", s.handleGetInstrument)
	s.mux.HandleFunc("GET /api/market/instruments/{symbol}/ticks", s.handleTicks)

	s.mux.HandleFunc("GET /api/orders", s.handleListOrders)
	s.mux.HandleFunc("POST /api/orders", s.handlePlaceOrder)
	s.mux.HandleFunc("GET /api/orders/book", s.handleOrderBook)
	s.mux.HandleFunc("GET /api/orders/trades", s.handleTradeBook)
	s.mux.HandleFunc("GET /api/orders/available/{symbol}", s.handleAvailable)
	s.mux.HandleFunc("GET /api/orders/{id}", s.handleGetOrder)
	s.mux.HandleFunc("PUT /api/orders/{id}", s.handleModifyOrder)
	s.mux.HandleFunc("DELETE /api/orders/{id}", s.handleCancelOrder)

	s.mux.HandleFunc("GET /api/portfolio/holdings", s.handleHoldings)
	s.mux.HandleFunc("GET /api/portfolio/positions", s.handlePositions)
	s.mux.HandleFunc("GET /api/portfolio/summary", s.handleSummary)

	s.mux.HandleFunc("GET /api/funds", s.handleFunds)
	s.mux.HandleFunc("POST /api/funds/add", s.handleAddFunds)
	s.mux.HandleFunc("POST /api/funds/withdraw", s.handleWithdrawFunds)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.recoverer(s.requestLogger(s.mux))
}

// Run serves on the configured address until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.server.ReadTimeout,
		WriteTimeout: s.server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("Server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s.logger.Info().Msg("Shutting down server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// session resolves the caller from the X-User-ID header (or userId query
// parameter for WebSocket clients), defaulting to the demo user.
func (s *Server) session(r *http.Request) trading.Session {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return trading.Session{UserID: id}
	}
	if id := r.URL.Query().Get("userId"); id != "" {
		return trading.Session{UserID: id}
	}
	return trading.Session{UserID: s.demoUser}
}

// requestLogger stores a logger scoped to the request and its caller in the
// request context.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := logging.WithUser(s.logger, s.session(r).UserID).With().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Logger()
		next.ServeHTTP(w, r.WithContext(logging.WithLogger(r.Context(), logger)))
	})
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Handler panicked")
				writeJSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL", Error: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}
