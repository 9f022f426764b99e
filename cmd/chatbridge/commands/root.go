// Package commands provides the CLI commands for chatbridge.
package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/opencode-ai/chatbridge/internal/config"
	"github.com/opencode-ai/chatbridge/internal/logging"
)

var (
	// Version information set at build time
	Version   = "0.1.0"
	BuildTime = "dev"
)

// Global flags
var (
	printLogs bool
	logLevel  string
	logFile   bool
	workDir   string
)

var rootCmd = &cobra.Command{
	Use:   "chatbridge",
	Short: "chatbridge - drive an opencode agent from chat threads",
	Long: `chatbridge connects chat threads to an opencode agent server.

Run 'chatbridge serve' to start the HTTP API chat adapters talk to, or
'chatbridge run' to send a single prompt from the terminal.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging()
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&printLogs, "print-logs", false, "Print logs to stderr")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&logFile, "log-file", false, "Also write JSON logs to the state directory")
	rootCmd.PersistentFlags().StringVarP(&workDir, "directory", "d", "", "Working directory")

	rootCmd.SetGlobalNormalizationFunc(normalizeFlag)
	rootCmd.SetVersionTemplate(fmt.Sprintf("chatbridge %s (%s)\n", Version, BuildTime))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(modelsCmd)
	rootCmd.AddCommand(prefsCmd)
	rootCmd.AddCommand(debugCmd)
}

// normalizeFlag accepts underscores in flag names, so --output_format
// works like --output-format.
func normalizeFlag(f *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// GetWorkDir returns the working directory from flag or current directory.
func GetWorkDir() (string, error) {
	if workDir != "" {
		return filepath.Abs(workDir)
	}
	return os.Getwd()
}

// initLogging sets up the global logger. Logs stay quiet unless asked for,
// so they do not mix with command output.
func initLogging() {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.ParseLevel(logLevel)
	if logLevel == "" {
		cfg.Level = logging.WarnLevel
	}
	if printLogs {
		cfg.Pretty = true
		if logLevel == "" {
			cfg.Level = logging.InfoLevel
		}
	}
	if logFile {
		cfg.LogToFile = true
		cfg.LogDir = config.GetPaths().LogPath()
		os.MkdirAll(cfg.LogDir, 0755)
	}
	logging.Init(cfg)
}

// loadConfig loads the configuration for the working directory and applies
// its log settings unless flags override them.
func loadConfig() (string, *config.Config, error) {
	dir, err := GetWorkDir()
	if err != nil {
		return "", nil, err
	}
	if err := config.GetPaths().EnsurePaths(); err != nil {
		return "", nil, fmt.Errorf("failed to create data directories: %w", err)
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel == "" && cfg.Log.Level != "" && printLogs {
		logLevel = cfg.Log.Level
		initLogging()
	}
	return dir, cfg, nil
}

// configPath returns the file a running server watches for changes: the
// most specific config file that exists, or the global one.
func configPath(dir string) string {
	if p := os.Getenv("CHATBRIDGE_CONFIG"); p != "" {
		return p
	}
	for _, name := range []string{"chatbridge.jsonc", "chatbridge.json"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return config.GlobalConfigPath()
}
