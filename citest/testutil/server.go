package testutil

import (
	"context"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/opencode-ai/chatbridge/internal/config"
	"github.com/opencode-ai/chatbridge/internal/delivery"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/metrics"
	"github.com/opencode-ai/chatbridge/internal/server"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/internal/upstream"
)

// TestServer wraps a bridge wired to a FakeAgent.
type TestServer struct {
	Agent    *FakeAgent
	Manager  *session.Manager
	Bus      *event.Bus
	Store    *storage.Store
	Config   *config.Config
	Registry *prometheus.Registry
	BaseURL  string
	TempDir  string

	http *httptest.Server
}

// TestServerOption configures TestServer
type TestServerOption func(*config.Config)

// WithTimeouts sets the turn race windows.
func WithTimeouts(grace, drain, turn time.Duration) TestServerOption {
	return func(c *config.Config) {
		c.Timeouts = config.Timeouts{Grace: config.Duration(grace), Drain: config.Duration(drain), Turn: config.Duration(turn)}
	}
}

// WithVerbosity sets the default output verbosity.
func WithVerbosity(v string) TestServerOption {
	return func(c *config.Config) {
		c.Verbosity = v
	}
}

// StartTestServer starts a fake agent running script and a bridge in front
// of it.
func StartTestServer(script Script, opts ...TestServerOption) (*TestServer, error) {
	tempDir, err := os.MkdirTemp("", "chatbridge-test-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}

	agent := NewFakeAgent(script)

	appConfig := config.Default()
	appConfig.Server.URL = agent.URL
	appConfig.Server.Directory = tempDir
	appConfig.Storage = filepath.Join(tempDir, "storage")
	appConfig.Timeouts = config.Timeouts{
		Grace: config.Duration(10 * time.Millisecond),
		Drain: config.Duration(200 * time.Millisecond),
		Turn:  config.Duration(10 * time.Second),
	}
	for _, opt := range opts {
		opt(appConfig)
	}

	store := storage.Open(appConfig.StorageDir())
	bus := event.NewBus()
	reg := prometheus.NewRegistry()

	manager := session.NewManager(session.Options{
		Clients: upstream.NewPool(upstream.SDKDialer(agent.URL, nil)),
		Store:   store,
		Sink:    delivery.NewBusSink(bus),
		Bus:     bus,
		Metrics: metrics.MustNewMetrics(reg),
		Config:  config.NewLive(appConfig),
	})

	srv := server.New(server.DefaultConfig(), manager, bus, reg)
	hs := httptest.NewServer(srv.Router())

	return &TestServer{
		Agent:    agent,
		Manager:  manager,
		Bus:      bus,
		Store:    store,
		Config:   appConfig,
		Registry: reg,
		BaseURL:  hs.URL,
		TempDir:  tempDir,
		http:     hs,
	}, nil
}

// Client returns a TestClient for the bridge API.
func (ts *TestServer) Client() *TestClient {
	return NewTestClient(ts.BaseURL)
}

// Stream opens the bridge event stream, optionally filtered to one thread.
func (ts *TestServer) Stream(ctx context.Context, threadID string) (*SSEClient, error) {
	c := NewSSEClient(ts.BaseURL)
	path := "/event"
	if threadID != "" {
		path += "?thread=" + threadID
	}
	if err := c.Connect(ctx, path); err != nil {
		return nil, err
	}
	return c, nil
}

// Stop shuts the bridge and the fake agent down and removes temp files.
func (ts *TestServer) Stop() {
	ts.http.CloseClientConnections()
	ts.http.Close()
	ts.Bus.Close()
	ts.Agent.CloseClientConnections()
	ts.Agent.Close()
	os.RemoveAll(ts.TempDir)
}
