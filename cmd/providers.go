package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/ai-orchestrator/internal/model"
	"github.com/sells-group/ai-orchestrator/internal/registry"
	"github.com/sells-group/ai-orchestrator/internal/resilience"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage the provider chain",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List providers in chain order with today's counters",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initOrchestrator(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		views, err := env.Service.GetProvidersStatus(ctx)
		if err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Fprintln(os.Stderr, "No providers registered. Run `orchestrator providers seed <file>`.")
			return nil
		}
		formatProviders(os.Stdout, views)
		return nil
	},
}

func setStatusCmd(use, short string, status model.ProviderStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <provider>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			_, retry := resilience.FromConfig(cfg.Resilience)
			if err := registry.New(st, retry).SetStatus(ctx, args[0], status); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Provider %s is now %s.\n", args[0], status)
			return nil
		},
	}
}

var providersSeedCmd = &cobra.Command{
	Use:   "seed [file]",
	Short: "Create or update providers from a YAML seed file",
	Long:  "Upserts every provider in the file (default providers.seed_file). Existing providers are overwritten, including their status.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		path := cfg.Providers.SeedFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			return fmt.Errorf("providers seed: no file given and providers.seed_file is not set")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		_, retry := resilience.FromConfig(cfg.Resilience)
		n, err := registry.New(st, retry).Seed(ctx, path)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Seeded %d providers from %s.\n", n, path)
		return nil
	},
}

func init() {
	providersCmd.AddCommand(providersListCmd)
	providersCmd.AddCommand(setStatusCmd("enable", "Make a provider eligible for routing and escalation", model.ProviderActive))
	providersCmd.AddCommand(setStatusCmd("disable", "Remove a provider from routing and escalation", model.ProviderDisabled))
	providersCmd.AddCommand(providersSeedCmd)
	rootCmd.AddCommand(providersCmd)
}

// formatProviders writes the provider chain to w.
func formatProviders(out io.Writer, views []model.ProviderStatusView) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tKIND\tPRIORITY\tSTATUS\tCIRCUIT\tCAPABILITIES\tREQUESTS\tFAILED\tAVG_CONF\tAVG_MS\tCOST")
	for _, v := range views {
		circuit := v.CircuitState
		if circuit == "" {
			circuit = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%d\t%d\t%.1f\t%.0f\t$%.4f\n",
			v.Name,
			v.Kind,
			v.Priority,
			v.Status,
			circuit,
			strings.Join(v.Capabilities, ","),
			v.TotalRequestsToday,
			v.FailedRequestsToday,
			v.AvgConfidenceToday,
			v.AvgLatencyMsToday,
			v.CostToday,
		)
	}
	_ = w.Flush()
}
