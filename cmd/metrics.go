package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/ai-orchestrator/internal/model"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Summarise the user's tasks over a rolling window",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initOrchestrator(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		days, _ := cmd.Flags().GetInt("days")
		report, err := env.Service.GetMetrics(ctx, cliUser, days)
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(os.Stdout, report)
		}
		formatMetrics(os.Stdout, report)
		return nil
	},
}

func init() {
	metricsCmd.Flags().Int("days", 7, "window size in days (1-90)")
	metricsCmd.Flags().Bool("json", false, "print the report as JSON")
	rootCmd.AddCommand(metricsCmd)
}

// formatMetrics writes a metrics report to w.
func formatMetrics(out io.Writer, r *model.MetricsReport) {
	t := r.Totals
	_, _ = fmt.Fprintf(out, "Last %d days (user %d)\n", r.WindowDays, r.UserID)
	_, _ = fmt.Fprintf(out, "  Tasks:       %d (%d completed, %d failed, %d escalated)\n", t.Count, t.Completed, t.Failed, t.Escalated)
	_, _ = fmt.Fprintf(out, "  Confidence:  %.1f avg\n", t.AvgConfidence)
	_, _ = fmt.Fprintf(out, "  Latency:     %.0fms avg\n", t.AvgLatency)
	_, _ = fmt.Fprintf(out, "  Cost:        $%.4f\n", t.TotalCost)

	if len(r.ByProvider) > 0 {
		_, _ = fmt.Fprintln(out, "\nBy provider:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  PROVIDER\tTASKS\tAVG_CONF\tCOST")
		for _, p := range r.ByProvider {
			_, _ = fmt.Fprintf(w, "  %s\t%d\t%.1f\t$%.4f\n", p.DisplayName, p.TaskCount, p.AvgConfidence, p.TotalCost)
		}
		_ = w.Flush()
	}

	if len(r.ByDay) > 0 {
		_, _ = fmt.Fprintln(out, "\nBy day:")
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  DATE\tTASKS\tCOMPLETED\tAVG_CONF")
		for _, d := range r.ByDay {
			_, _ = fmt.Fprintf(w, "  %s\t%d\t%d\t%.1f\n", d.Date, d.Count, d.Completed, d.AvgConfidence)
		}
		_ = w.Flush()
	}
}
