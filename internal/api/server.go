// Package api exposes the chirp mirror over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/chirp-indexer/internal/logging"
	"github.com/chirp-indexer/internal/metrics"
	"github.com/chirp-indexer/internal/service"
	"github.com/chirp-indexer/internal/types"
	"github.com/gorilla/mux"
)

// ChirpIndexer is the part of the indexer the API serves
type ChirpIndexer interface {
	GetWithReplies(id uint64) (*types.ChirpView, bool)
	GetByAuthor(address string) []types.Record
	GetAlias(ctx context.Context, address string) (string, error)
	GetBalance(ctx context.Context, address string) (*big.Int, error)
	GetPurchasableSupply(ctx context.Context) (*big.Int, error)
	GetCount() uint64
	RunBackfill(ctx context.Context, resetExisting bool) (uint64, error)
	CheckConsistency(ctx context.Context) (*service.ConsistencyCheckResult, error)
	Stats() service.Stats
}

// HealthCheck reports the state of a dependency. A non-nil error marks the
// service as degraded.
type HealthCheck func(ctx context.Context) (interface{}, error)

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	indexer    ChirpIndexer
	config     *ServerConfig
	logger     *logging.Logger

	checksMu sync.RWMutex
	checks   map[string]HealthCheck
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host               string
	Port               string
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
	HealthCheckTimeout time.Duration
	RequestsPerSecond  int // per client, 0 disables limiting
	Burst              int
	Logger             *logging.Logger
	// Metrics enables GET /metrics and per-route request instruments
	Metrics *metrics.Metrics
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, indexer ChirpIndexer) *Server {
	logger := config.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if config.HealthCheckTimeout <= 0 {
		config.HealthCheckTimeout = 2 * time.Second
	}

	s := &Server{
		router:  mux.NewRouter(),
		indexer: indexer,
		config:  config,
		logger:  logger.Named("api"),
		checks:  make(map[string]HealthCheck),
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	if s.config.Metrics != nil {
		s.router.Use(InstrumentMiddleware(s.config.Metrics))
		s.router.Handle("/metrics", s.config.Metrics.Handler()).Methods(http.MethodGet)
	}
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)))

	api.HandleFunc("/chirps/{id}", s.handleGetChirp).Methods(http.MethodGet)
	api.HandleFunc("/chirpers/{address}/chirps", s.handleGetChirpsByAuthor).Methods(http.MethodGet)
	api.HandleFunc("/aliases/{address}", s.handleGetAlias).Methods(http.MethodGet)
	api.HandleFunc("/balances/{address}", s.handleGetBalance).Methods(http.MethodGet)
	api.HandleFunc("/supply", s.handleGetSupply).Methods(http.MethodGet)
	api.HandleFunc("/count", s.handleGetCount).Methods(http.MethodGet)
	api.HandleFunc("/backfill", s.handleBackfill).Methods(http.MethodPost)
	api.HandleFunc("/consistency", s.handleConsistency).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, ErrCodeNotFound, "route not found", nil)
	})

	// CORS sits outside the router so preflight requests never hit a 405
	handler := RequestLogger(s.logger)(RecoveryMiddleware(CORSMiddleware(s.router)))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// AddHealthCheck registers a dependency check reported by /health
func (s *Server) AddHealthCheck(name string, check HealthCheck) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server. It returns nil after Shutdown.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	return s.httpServer.Shutdown(ctx)
}
