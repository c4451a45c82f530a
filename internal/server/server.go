package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/opencode-ai/opencode/internal/agent"
	"github.com/opencode-ai/opencode/internal/permission"
	"github.com/opencode-ai/opencode/internal/project"
	"github.com/opencode-ai/opencode/internal/provider"
	"github.com/opencode-ai/opencode/internal/runloop"
	"github.com/opencode-ai/opencode/internal/tool"
)

// Config holds the shim's listener configuration, grounded on teacher
// server.Config (Port/Directory dropped — this shim has no project/session
// REST surface to scope a working directory for).
type Config struct {
	Port         int
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sane shim defaults. WriteTimeout is left at zero so
// the SSE and /run streams are never cut off mid-stream.
func DefaultConfig() *Config {
	return &Config{
		Port:        8080,
		EnableCORS:  true,
		ReadTimeout: 30 * time.Second,
	}
}

// Server is the minimal HTTP shim: /health, /event (global SSE), and /run
// (single-turn RunLoop exerciser).
type Server struct {
	config *Config
	router *chi.Mux
	http   *http.Server

	providers         *provider.Registry
	tools             *tool.Registry
	agents            *agent.Registry
	permissions       *permission.Checker
	store             runloop.StateStore
	project           *project.Service
	defaultProviderID string
	defaultModelID    string
}

// New builds a Server. defaultProviderID/defaultModelID are used for /run
// requests that don't name an agent with its own configured model. workDir
// scopes the project.Service backing GET /project.
func New(cfg *Config, workDir string, providers *provider.Registry, tools *tool.Registry, agents *agent.Registry, perms *permission.Checker, store runloop.StateStore, defaultProviderID, defaultModelID string) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	s := &Server{
		config:            cfg,
		router:            chi.NewRouter(),
		providers:         providers,
		tools:             tools,
		agents:            agents,
		permissions:       perms,
		store:             store,
		project:           project.NewService(workDir),
		defaultProviderID: defaultProviderID,
		defaultModelID:    defaultModelID,
	}

	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	if cfg.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST"},
			AllowedHeaders: []string{"*"},
		}))
	}

	s.routes()
	return s
}

// ListenAndServe blocks serving the shim on cfg.Port.
func (s *Server) ListenAndServe(addr string) error {
	s.http = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: s.config.ReadTimeout,
	}
	return s.http.ListenAndServe()
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Handler exposes the router directly, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.router }
