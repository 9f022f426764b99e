package headless

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opencode-ai/chatbridge/internal/config"
	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/metrics"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/internal/storage"
	"github.com/opencode-ai/chatbridge/internal/upstream"
	"github.com/opencode-ai/chatbridge/pkg/types"
)

// Runner executes one turn from the terminal.
type Runner struct {
	config    *Config
	appConfig *config.Config
	printer   *Printer
	stdin     io.Reader

	clients   session.ClientSource
	store     *storage.Store
	bus       *event.Bus
	responder *Responder
	manager   *session.Manager
	tempDir   string
}

// NewRunner creates a new headless runner.
func NewRunner(cfg *Config) *Runner {
	return &Runner{
		config: cfg,
		stdin:  os.Stdin,
	}
}

// Run executes the turn and returns the result. The error is the turn's
// error; the result's ExitCode classifies it.
func (r *Runner) Run(ctx context.Context, writer io.Writer) (*Result, error) {
	r.printer = NewPrinter(writer, r.config.OutputFormat, r.config.Quiet, r.config.Verbose, r.config.NoColor)

	if err := r.initialize(); err != nil {
		return r.fail(ExitError, err)
	}
	defer r.close()

	prompt, media, err := r.getPrompt()
	if err != nil {
		return r.fail(ExitInvalidInput, err)
	}
	if prompt == "" && r.config.Command == "" {
		return r.fail(ExitInvalidInput, errors.New("prompt is required"))
	}

	threadID, err := r.threadID(ctx)
	if err != nil {
		return r.fail(ExitInvalidInput, err)
	}
	r.printer.SetThread(threadID)

	res, err := r.manager.RunTurn(ctx, threadID, prompt, media, r.overrides())
	r.printer.SetTurn(res)

	status, code := classify(err)
	if err == nil && r.responder.Rejected() > 0 {
		status, code = "permission_denied", ExitPermissionDenied
	}
	r.printer.SetResult(status, code, err)
	if perr := r.printer.PrintFinalResult(); perr != nil && err == nil {
		err = perr
	}
	return r.printer.GetResult(), err
}

func (r *Runner) fail(code ExitCode, err error) (*Result, error) {
	r.printer.SetResult("error", code, err)
	r.printer.PrintFinalResult()
	return r.printer.GetResult(), err
}

// classify maps a turn error onto a status and exit code.
func classify(err error) (string, ExitCode) {
	switch {
	case err == nil:
		return "success", ExitSuccess
	case errors.Is(err, session.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout", ExitTimeout
	case errors.Is(err, session.ErrNoModelAvailable), errors.Is(err, session.ErrUnknownModel):
		return "no_model", ExitNoModel
	case errors.Is(err, session.ErrUpstreamUnavailable),
		errors.Is(err, session.ErrPromptRejected),
		errors.Is(err, session.ErrEventStream):
		return "upstream_error", ExitUpstreamError
	case errors.Is(err, session.ErrAborted), errors.Is(err, context.Canceled):
		return "aborted", ExitError
	}
	return "error", ExitError
}

// initialize sets up all required components.
func (r *Runner) initialize() error {
	appConfig, err := config.Load(r.config.WorkDir)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if r.config.Timeout > 0 {
		appConfig.Timeouts.Turn = config.Duration(r.config.Timeout)
	}
	if r.config.Verbosity != "" {
		appConfig.Verbosity = r.config.Verbosity
	}
	r.appConfig = appConfig

	dir := appConfig.StorageDir()
	if r.config.NoSave {
		tempDir, err := os.MkdirTemp("", "chatbridge-headless-*")
		if err != nil {
			return fmt.Errorf("failed to create temp storage: %w", err)
		}
		r.tempDir = tempDir
		dir = tempDir
	}
	r.store = storage.Open(dir)

	if r.clients == nil {
		r.clients = upstream.NewPool(upstream.SDKDialer(appConfig.Server.URL, appConfig.Server.Headers))
	}
	r.bus = event.NewBus()
	r.responder = NewResponder(r.printer, r.config.AutoApprove, r.printer.AddDecision)
	r.manager = session.NewManager(session.Options{
		Clients: r.clients,
		Store:   r.store,
		Sink:    r.responder,
		Bus:     r.bus,
		Metrics: metrics.MustNewMetrics(prometheus.NewRegistry()),
		Config:  config.NewLive(appConfig),
	})
	r.responder.Bind(r.manager)
	return nil
}

func (r *Runner) close() {
	if r.bus != nil {
		r.bus.Close()
	}
	if r.tempDir != "" {
		os.RemoveAll(r.tempDir)
	}
}

func (r *Runner) overrides() types.Overrides {
	return types.Overrides{
		Model:     r.config.Model,
		Agent:     r.config.Agent,
		Variant:   r.config.Variant,
		Command:   r.config.Command,
		Directory: r.config.WorkDir,
		UserID:    "cli",
	}
}

// getPrompt retrieves the prompt from the flag and stdin, and turns
// attached files into media.
func (r *Runner) getPrompt() (string, []types.Media, error) {
	var prompt string

	if r.config.ReadStdin {
		scanner := bufio.NewScanner(r.stdin)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		var lines []string
		for scanner.Scan() {
			lines = append(lines, scanner.Text())
		}
		if err := scanner.Err(); err != nil {
			return "", nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		prompt = strings.Join(lines, "\n")
	}

	if r.config.Prompt != "" {
		if prompt != "" {
			prompt = r.config.Prompt + "\n\n" + prompt
		} else {
			prompt = r.config.Prompt
		}
	}

	var media []types.Media
	for _, file := range r.config.Files {
		abs, err := filepath.Abs(file)
		if err != nil {
			return "", nil, fmt.Errorf("failed to resolve %s: %w", file, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", nil, fmt.Errorf("failed to read file %s: %w", file, err)
		}
		mt := mime.TypeByExtension(filepath.Ext(abs))
		if mt == "" {
			mt = "text/plain"
		}
		media = append(media, types.Media{
			Mime:     mt,
			Filename: filepath.Base(abs),
			URL:      "file://" + abs,
		})
	}

	return strings.TrimSpace(prompt), media, nil
}

// threadID picks the thread to run in: the configured one, the most
// recently used one with ContinueLast, or a new one.
func (r *Runner) threadID(ctx context.Context) (string, error) {
	if r.config.ThreadID != "" {
		return r.config.ThreadID, nil
	}

	if r.config.ContinueLast {
		bindings, err := r.store.Bindings(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to list threads: %w", err)
		}
		var last *types.Binding
		for i := range bindings {
			if last == nil || bindings[i].UpdatedAt > last.UpdatedAt {
				last = &bindings[i]
			}
		}
		if last != nil {
			return last.ThreadID, nil
		}
		// No existing threads, start a new one.
	}

	return "cli_" + ulid.Make().String(), nil
}
