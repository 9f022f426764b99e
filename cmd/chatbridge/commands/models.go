package commands

import (
	"context"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/chatbridge/internal/config"
	"github.com/opencode-ai/chatbridge/internal/session"
	"github.com/opencode-ai/chatbridge/internal/upstream"
)

var modelsCmd = &cobra.Command{
	Use:   "models [provider]",
	Short: "List the models the agent server offers",
	Long: `List the models the opencode server offers for the working directory.
The provider's default model is marked with *.

Examples:
  chatbridge models              # List all models
  chatbridge models anthropic    # List only Anthropic models`,
	Args: cobra.MaximumNArgs(1),
	RunE: runModels,
}

func runModels(cmd *cobra.Command, args []string) error {
	dir, appConfig, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := upstream.NewPool(upstream.SDKDialer(appConfig.Server.URL, appConfig.Server.Headers))
	client, err := pool.GetClient(ctx, dir)
	if err != nil {
		return fmt.Errorf("%w: %w", session.ErrUpstreamUnavailable, err)
	}
	list, err := session.NewModelResolver(nil, config.NewLive(appConfig)).Providers(ctx, client)
	if err != nil {
		return err
	}

	var providerFilter string
	if len(args) > 0 {
		providerFilter = args[0]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tCONTEXT\tMAX OUTPUT\t")

	for _, p := range list.Providers {
		if providerFilter != "" && p.ID != providerFilter {
			continue
		}
		ids := make([]string, 0, len(p.Models))
		for id := range p.Models {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			m := p.Models[id]
			name := id
			if list.Default[p.ID] == id {
				name += " *"
			}
			fmt.Fprintf(w, "%s\t%s\t%dk\t%d\t\n", p.ID, name, m.Limit.Context/1000, m.Limit.Output)
		}
	}

	return w.Flush()
}
