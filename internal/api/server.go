// Package api exposes the automation engine over HTTP: event intake, the
// execution ledger, rule operations, the dispatcher boundary and the
// suppression list.
package api

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EcrTech/insync-automation/internal/automation"
	"github.com/EcrTech/insync-automation/internal/config"
	"github.com/EcrTech/insync-automation/internal/domain"
	"github.com/EcrTech/insync-automation/internal/service/suppression"
)

// EventEngine runs trigger events through the rules.
type EventEngine interface {
	HandleEvent(ctx context.Context, ev *domain.TriggerEvent) (*automation.IntakeResult, error)
}

// RuleOwner resolves which org a rule belongs to.
type RuleOwner interface {
	RuleOrg(ctx context.Context, ruleID string) (string, error)
}

// Deps are the services behind the handlers. DB and Redis are only used
// for health checks and may be nil.
type Deps struct {
	Engine       EventEngine
	Dispatcher   *automation.Dispatcher
	Ledger       automation.Ledger
	Rules        RuleOwner
	Suppressions *suppression.Service
	DB           *sql.DB
	Redis        *redis.Client
}

// Server represents the API server
type Server struct {
	config  config.ServerConfig
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new API server
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	h := &Handlers{deps: deps}
	health := NewHealthChecker(deps.DB, deps.Redis)
	return &Server{
		config:  cfg,
		handler: SetupRoutes(h, health, cfg.CORSAllowedOrigins),
	}
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.config.Addr(),
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Handlers holds the route handlers.
type Handlers struct {
	deps Deps
}
