package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/queue"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Listen       string
	EnableCORS   bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:       "127.0.0.1:4097",
		EnableCORS:   true,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for SSE and ?wait=true turns
	}
}

// Bridge is the set of thread operations the API exposes.
// *session.Manager implements it.
type Bridge interface {
	RunTurn(ctx context.Context, threadID, prompt string, media []types.Media, overrides types.Overrides) (*session.TurnResult, error)
	EnqueueFollowUp(threadID string, e queue.Entry) int
	QueueLength(threadID string) int
	QueuedFollowUps(threadID string) []queue.Entry
	ClearQueue(threadID string) int
	Abort(threadID string) bool
	ChangeModel(ctx context.Context, threadID, model string) (bool, error)
	Revert(ctx context.Context, threadID, messageID string) error
	ReplyPermission(ctx context.Context, handleID string, reply types.PermissionReply) error
	ReplyQuestion(ctx context.Context, requestID string, index int, values []string) (bool, error)
	SetPreferences(ctx context.Context, scope storage.Scope, key string, p storage.Preferences) error
	ActiveTurns() int
}

// Server is the HTTP server chat adapters talk to.
type Server struct {
	config   *Config
	router   *chi.Mux
	httpSrv  *http.Server
	bridge   Bridge
	bus      *event.Bus
	gatherer prometheus.Gatherer
}

// New creates a new Server instance. gatherer may be nil to use the
// default Prometheus registry.
func New(cfg *Config, bridge Bridge, bus *event.Bus, gatherer prometheus.Gatherer) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		bridge:   bridge,
		bus:      bus,
		gatherer: gatherer,
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// setupMiddleware configures middleware for the server.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(requestLogger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RealIP)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}
