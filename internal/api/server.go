// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/perp-pool-portfolio/internal/logging"
	"github.com/perp-pool-portfolio/internal/metrics"
	"github.com/perp-pool-portfolio/internal/service"
	"github.com/perp-pool-portfolio/internal/types"
)

// PortfolioController is the part of service.Controller the API drives
type PortfolioController interface {
	Load(ctx context.Context, user string, chainID types.ChainID) (*service.PortfolioView, error)
	Refresh(ctx context.Context, user string, chainID types.ChainID) (*service.PortfolioView, error)
	ApplyConfirmedTrade(ctx context.Context, trade service.TradeConfirmation) (*service.PortfolioView, error)
	CachedPortfolios(ctx context.Context, user string) ([]service.PortfolioView, error)
	ClearCache(ctx context.Context) error
	CacheEnabled() bool
	Chains() []types.ChainID
}

// PoolLister lists the pools of one chain. service.PoolDirectory implements it.
type PoolLister interface {
	Pools(ctx context.Context) ([]service.PoolEntry, error)
	PoolsByCreator(ctx context.Context, creator string) ([]service.PoolEntry, error)
}

var _ PortfolioController = (*service.Controller)(nil)
var _ PoolLister = (*service.PoolDirectory)(nil)

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	controller PortfolioController
	pools      map[types.ChainID]PoolLister
	logger     *logging.Logger
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestsPerSecond limits each client IP; zero disables limiting
	RequestsPerSecond int
	Burst             int
}

// DefaultServerConfig returns timeouts suited to chain loads, which can take
// several seconds on a cold cache
func DefaultServerConfig(host, port string, rps int) *ServerConfig {
	return &ServerConfig{
		Host:              host,
		Port:              port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       120 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		RequestsPerSecond: rps,
		Burst:             20,
	}
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, controller PortfolioController, pools map[types.ChainID]PoolLister, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	if pools == nil {
		pools = map[types.ChainID]PoolLister{}
	}
	s := &Server{
		router:     mux.NewRouter(),
		controller: controller,
		pools:      pools,
		logger:     logger.WithComponent("api"),
		config:     config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(RequestIDMiddleware)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(metrics.Middleware)
	if s.config.RequestsPerSecond > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RequestsPerSecond, s.config.Burst)))
	}
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/chains", s.handleListChains).Methods(http.MethodGet)
	api.HandleFunc("/chains/{chainId}/pools", s.handleListPools).Methods(http.MethodGet)

	api.HandleFunc("/portfolio/{address}", s.handleCachedPortfolios).Methods(http.MethodGet)
	api.HandleFunc("/chains/{chainId}/portfolio/{address}", s.handleGetPortfolio).Methods(http.MethodGet)
	api.HandleFunc("/chains/{chainId}/portfolio/{address}/refresh", s.handleRefreshPortfolio).Methods(http.MethodPost)
	api.HandleFunc("/chains/{chainId}/portfolio/{address}/trades", s.handleConfirmedTrade).Methods(http.MethodPost)

	api.HandleFunc("/cache", s.handleClearCache).Methods(http.MethodDelete)
}

// Handler returns the router, for embedding and tests
func (s *Server) Handler() http.Handler { return s.router }

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"service":      "perp-pool-portfolio",
		"cacheEnabled": s.controller.CacheEnabled(),
		"chains":       s.controller.Chains(),
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}
