package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/chatbridge/internal/event"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/internal/storage"
)

var (
	prefsModel     string
	prefsAgent     string
	prefsVariant   string
	prefsVerbosity string
)

var prefsCmd = &cobra.Command{
	Use:   "prefs",
	Short: "Show or set stored preferences",
	Long: `Preferences choose the model, agent, variant and verbosity of a turn.
They are stored per scope: session, agent, channel or global. The most
specific one that names an offered model wins.`,
}

var prefsGetCmd = &cobra.Command{
	Use:   "get <scope> [key]",
	Short: "Print the preferences stored at a scope",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runPrefsGet,
}

var prefsSetCmd = &cobra.Command{
	Use:   "set <scope> [key]",
	Short: "Store preferences at a scope",
	Long: `Store preferences at a scope. The global scope takes no key.

Examples:
  chatbridge prefs set global --model anthropic/claude-sonnet-4
  chatbridge prefs set channel C024BE91L --verbosity text-only`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPrefsSet,
}

func init() {
	prefsSetCmd.Flags().StringVarP(&prefsModel, "model", "m", "", "Model (provider/model)")
	prefsSetCmd.Flags().StringVar(&prefsAgent, "agent", "", "Agent")
	prefsSetCmd.Flags().StringVar(&prefsVariant, "variant", "", "Model variant")
	prefsSetCmd.Flags().StringVar(&prefsVerbosity, "verbosity", "", "all, text-only or text-and-essential-tools")

	prefsCmd.AddCommand(prefsGetCmd)
	prefsCmd.AddCommand(prefsSetCmd)
}

func prefsTarget(args []string) (storage.Scope, string, error) {
	scope := storage.Scope(args[0])
	if !scope.Valid() {
		return "", "", fmt.Errorf("unknown preference scope %q (session, agent, channel, global)", args[0])
	}
	var key string
	if len(args) > 1 {
		key = args[1]
	}
	if key == "" && scope != storage.ScopeGlobal {
		return "", "", fmt.Errorf("scope %s needs a key", scope)
	}
	return scope, key, nil
}

func runPrefsGet(cmd *cobra.Command, args []string) error {
	scope, key, err := prefsTarget(args)
	if err != nil {
		return err
	}
	_, appConfig, err := loadConfig()
	if err != nil {
		return err
	}

	p, err := storage.Open(appConfig.StorageDir()).Preferences(context.Background(), scope, key)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(p)
}

func runPrefsSet(cmd *cobra.Command, args []string) error {
	scope, key, err := prefsTarget(args)
	if err != nil {
		return err
	}
	_, appConfig, err := loadConfig()
	if err != nil {
		return err
	}

	p := storage.Preferences{
		Model:     prefsModel,
		Agent:     prefsAgent,
		Variant:   prefsVariant,
		Verbosity: prefsVerbosity,
	}
	if p == (storage.Preferences{}) {
		return fmt.Errorf("nothing to set: pass --model, --agent, --variant or --verbosity")
	}

	bus := event.NewBus()
	defer bus.Close()
	manager := session.NewManager(session.Options{
		Store: storage.Open(appConfig.StorageDir()),
		Bus:   bus,
	})
	if err := manager.SetPreferences(context.Background(), scope, key, p); err != nil {
		return err
	}
	fmt.Printf("Updated %s preferences\n", scope)
	return nil
}
