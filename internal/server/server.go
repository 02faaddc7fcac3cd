package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/shieldmarket/internal/crypto"
	"github.com/alanyoungcy/shieldmarket/internal/domain"
	"github.com/alanyoungcy/shieldmarket/internal/metrics"
	"github.com/alanyoungcy/shieldmarket/internal/server/handler"
	"github.com/alanyoungcy/shieldmarket/internal/server/middleware"
	"github.com/alanyoungcy/shieldmarket/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	Auth        *crypto.HMACAuth // nil disables request signing
	Limiter     domain.RateLimiter
	Limits      middleware.Limits
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health     *handler.HealthHandler
	Markets    *handler.MarketHandler
	Settlement *handler.SettlementHandler
	Oracle     *handler.OracleHandler
}

// Public paths skip HMAC verification.
var publicPaths = []string{"/healthz", "/metrics"}

// Server is the internal HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// NewServer registers the routes of every non-nil handler group and wraps the
// mux in the middleware chain: CORS, logging, rate limiting, then HMAC
// verification. With only Health set it serves the ops endpoints of a worker
// node.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, m *metrics.Metrics, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", m.Handler())

	if handlers.Markets != nil {
		mux.HandleFunc("GET /v1/markets/{id}/price", handlers.Markets.Price)
		mux.HandleFunc("POST /v1/markets/{id}/quote", handlers.Markets.Quote)
		mux.HandleFunc("POST /v1/markets/{id}/trades", handlers.Markets.Trade)
	}

	if handlers.Settlement != nil {
		mux.HandleFunc("POST /v1/settlement/jobs", handlers.Settlement.Submit)
		mux.HandleFunc("GET /v1/settlement/jobs/{id}", handlers.Settlement.Get)
		mux.HandleFunc("POST /v1/settlement/jobs/{id}/cancel", handlers.Settlement.Cancel)
	}

	if handlers.Oracle != nil {
		mux.HandleFunc("POST /v1/oracle/reporters", handlers.Oracle.RegisterReporter)
		mux.HandleFunc("POST /v1/oracle/stakes/{id}/withdraw", handlers.Oracle.WithdrawStake)
		mux.HandleFunc("POST /v1/oracle/attestations", handlers.Oracle.Attest)
		mux.HandleFunc("POST /v1/oracle/attestations/{id}/finalize", handlers.Oracle.Finalize)
		mux.HandleFunc("POST /v1/oracle/disputes", handlers.Oracle.Dispute)
		mux.HandleFunc("POST /v1/oracle/disputes/{id}/resolve", handlers.Oracle.Resolve)
	}

	if hub != nil {
		mux.HandleFunc("GET /v1/ws", hub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.HMAC(cfg.Auth, publicPaths...)(h)
	h = middleware.RateLimit(cfg.Limiter, cfg.Limits, logger)(h)
	h = middleware.Logging(logger, m)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		handler: h,
		logger:  logger.With(slog.String("component", "server")),
	}
}

// Handler returns the fully wrapped handler (tests).
func (s *Server) Handler() http.Handler { return s.handler }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: listen: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return ctx.Err()
}
