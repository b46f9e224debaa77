package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ai-orchestrator/internal/config"
)

var (
	cfg     *config.Config
	cliUser int64
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "Multi-provider AI task escalation orchestrator",
	Long:  "Routes tasks to AI providers by priority and capability, escalates to stronger tiers on failure or low confidence, and keeps a per-task escalation history.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().Int64Var(&cliUser, "user", 1, "user id that owns submitted and inspected tasks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
