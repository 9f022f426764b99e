package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/chatbridge/internal/headless"
)

var (
	runPrompt      string
	runCommand     string
	runStdin       bool
	runFiles       []string
	runThread      string
	runContinue    bool
	runNoSave      bool
	runModel       string
	runAgent       string
	runVariant     string
	runVerbosity   string
	runFormat      string
	runTimeout     string
	runAutoApprove bool
	runQuiet       bool
	runVerbose     bool
	runNoColor     bool
)

var runCmd = &cobra.Command{
	Use:   "run [prompt...]",
	Short: "Run one turn from the terminal",
	Long: `Send a single prompt through the bridge and print what a chat thread
would receive: rendered fragments, notices and the completion summary.

The exit code tells how the turn ended: 0 success, 1 error, 2 timeout,
3 permission denied, 4 agent server unavailable, 5 invalid input,
6 no model available.

Examples:
  # Simple prompt
  chatbridge run "Fix the bug in main.go"

  # Continue the last thread with a different model
  chatbridge run -c -m anthropic/claude-haiku "Now add tests"

  # Allow every permission prompt
  chatbridge run --yolo "Run the migrations"

  # Result summary for scripts
  chatbridge run -o yaml -t 5m "Run tests and fix failures"

  # Read prompt from stdin
  git diff | chatbridge run --stdin "Review this change"`,
	RunE: runHeadless,
}

func init() {
	runCmd.Flags().StringVarP(&runPrompt, "prompt", "p", "", "Prompt to send")
	runCmd.Flags().StringVar(&runCommand, "command", "", "Agent command to run; the prompt becomes its arguments")
	runCmd.Flags().BoolVar(&runStdin, "stdin", false, "Read prompt from stdin")
	runCmd.Flags().StringArrayVarP(&runFiles, "file", "f", nil, "File(s) to attach")

	runCmd.Flags().StringVar(&runThread, "thread", "", "Thread ID to continue")
	runCmd.Flags().BoolVarP(&runContinue, "continue", "c", false, "Continue the last thread")
	runCmd.Flags().BoolVar(&runNoSave, "no-save", false, "Keep thread state in a temporary store")

	runCmd.Flags().StringVarP(&runModel, "model", "m", "", "Model to use (provider/model)")
	runCmd.Flags().StringVar(&runAgent, "agent", "", "Agent to use")
	runCmd.Flags().StringVar(&runVariant, "variant", "", "Model variant")
	runCmd.Flags().StringVar(&runVerbosity, "verbosity", "", "Output verbosity: all, text-only, text-and-essential-tools")

	runCmd.Flags().StringVarP(&runFormat, "output-format", "o", "text", "Output format: text, json, jsonl, yaml")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the agent's text")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Include notices in jsonl output")
	runCmd.Flags().BoolVar(&runNoColor, "no-color", false, "Disable colored output")

	runCmd.Flags().StringVarP(&runTimeout, "timeout", "t", "", "Maximum turn duration (e.g. 5m); default from config")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "Allow permission prompts and pick the first answer to questions")
	runCmd.Flags().BoolVar(&runAutoApprove, "yolo", false, "Alias for --auto-approve")
}

func runHeadless(cmd *cobra.Command, args []string) error {
	dir, err := GetWorkDir()
	if err != nil {
		return err
	}

	cfg := headless.DefaultConfig()
	if cfg.OutputFormat, err = headless.ParseOutputFormat(strings.ToLower(runFormat)); err != nil {
		return err
	}
	if runTimeout != "" {
		d, err := parseDuration(runTimeout)
		if err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
		cfg.Timeout = d
	}

	prompt := runPrompt
	if prompt == "" && len(args) > 0 {
		prompt = strings.Join(args, " ")
	}
	if prompt == "" && !runStdin && runCommand == "" {
		return fmt.Errorf("prompt required. Provide via argument, --prompt flag, or --stdin")
	}

	cfg.Prompt = prompt
	cfg.Command = runCommand
	cfg.ReadStdin = runStdin
	cfg.Files = runFiles
	cfg.WorkDir = dir
	cfg.ThreadID = runThread
	cfg.ContinueLast = runContinue
	cfg.NoSave = runNoSave
	cfg.Model = runModel
	cfg.Agent = runAgent
	cfg.Variant = runVariant
	cfg.Verbosity = runVerbosity
	cfg.AutoApprove = runAutoApprove
	cfg.Quiet = runQuiet
	cfg.Verbose = runVerbose
	cfg.NoColor = runNoColor

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := headless.NewRunner(cfg)
	result, err := runner.Run(ctx, os.Stdout)

	if result != nil && result.ExitCode != headless.ExitSuccess {
		os.Exit(int(result.ExitCode))
	}
	return err
}
