package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/chatbridge/internal/config"
	"github.com/opencode-ai/chatbridge/internal/delivery"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/logging"
	"github.com/opencode-ai/chatbridge/internal/metrics"
	"github.com/opencode-ai/chatbridge/internal/server"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/internal/upstream"
)

var (
	serveListen  string
	serveURL     string
	serveCORS    bool
	serveConsole bool
	serveNoColor bool
	serveNoWatch bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chat bridge HTTP API",
	Long: `Start the bridge as an HTTP server. Chat adapters post user messages
to /thread/{id}/turn and read rendered output from /event (SSE) or /ws.

The configuration file is watched, so verbosity and timeout changes apply
without a restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&serveListen, "listen", "l", "", "Address to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveURL, "server-url", "", "opencode server URL (default from config)")
	serveCmd.Flags().BoolVar(&serveCORS, "cors", true, "Allow cross-origin requests")
	serveCmd.Flags().BoolVar(&serveConsole, "console", false, "Also print every delivery to stdout")
	serveCmd.Flags().BoolVar(&serveNoColor, "no-color", false, "Disable colored console output")
	serveCmd.Flags().BoolVar(&serveNoWatch, "no-watch", false, "Do not reload the config file on change")
}

func runServe(cmd *cobra.Command, args []string) error {
	dir, appConfig, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		appConfig.Listen = serveListen
	}
	if serveURL != "" {
		appConfig.Server.URL = serveURL
	}

	logging.Info().
		Str("version", Version).
		Str("directory", dir).
		Str("upstream", appConfig.Server.URL).
		Msg("starting chatbridge")

	live := config.NewLive(appConfig)
	if !serveNoWatch {
		path := configPath(dir)
		reload := func() (*config.Config, error) {
			cfg, err := config.Load(dir)
			if err != nil {
				return nil, err
			}
			// Flags keep winning over the file.
			cfg.Listen = appConfig.Listen
			cfg.Server.URL = appConfig.Server.URL
			return cfg, nil
		}
		if w, err := config.NewWatcher(path, live, reload); err != nil {
			logging.Warn().Err(err).Str("path", path).Msg("config watching disabled")
		} else {
			w.Start()
			defer w.Stop()
		}
	}

	bus := event.NewBus()
	defer bus.Close()

	sink := delivery.MultiSink{delivery.NewBusSink(bus)}
	if serveConsole {
		sink = append(sink, delivery.NewConsoleSink(os.Stdout, serveNoColor))
	}

	pool := upstream.NewPool(upstream.SDKDialer(appConfig.Server.URL, appConfig.Server.Headers))
	manager := session.NewManager(session.Options{
		Clients: pool,
		Store:   storage.Open(appConfig.StorageDir()),
		Sink:    sink,
		Bus:     bus,
		Metrics: metrics.Default(),
		Config:  live,
	})

	serverConfig := server.DefaultConfig()
	serverConfig.Listen = appConfig.Listen
	serverConfig.EnableCORS = serveCORS
	srv := server.New(serverConfig, manager, bus, nil)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("listen", serverConfig.Listen).Msg("server listening")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	logging.Info().Int("activeTurns", manager.ActiveTurns()).Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("server stopped")
	return nil
}
