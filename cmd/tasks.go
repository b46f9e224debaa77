package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/ai-orchestrator/internal/model"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect tasks and their escalation history",
}

// -- tasks list --

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the user's tasks, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initOrchestrator(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		page, err := env.Service.ListTasks(ctx, cliUser, model.TaskFilter{
			Status: model.TaskStatus(status),
			Limit:  limit,
			Offset: offset,
		})
		if err != nil {
			return err
		}

		if len(page.Tasks) == 0 {
			fmt.Fprintln(os.Stderr, "No tasks found.")
			return nil
		}
		formatTasksList(os.Stdout, page.Tasks)
		fmt.Fprintf(os.Stderr, "Showing %d of %d tasks.\n", len(page.Tasks), page.Total)
		return nil
	},
}

// -- tasks get --

var tasksGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show a task with its escalation history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initOrchestrator(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		task, err := env.Service.GetTask(ctx, cliUser, args[0])
		if err != nil {
			return err
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(os.Stdout, task)
		}
		formatTaskDetail(os.Stdout, task)
		return nil
	},
}

// -- escalate --

var escalateCmd = &cobra.Command{
	Use:   "escalate <task-id> <provider>",
	Short: "Re-run a completed or failed task once on another provider",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		cfg.Orchestrator.Async = false
		env, err := initOrchestrator(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		task, err := env.Service.EscalateManually(ctx, cliUser, args[0], args[1])
		if ft := model.FailedTask(err); ft != nil {
			formatTaskDetail(os.Stdout, ft)
		}
		if err != nil {
			return err
		}
		formatTaskDetail(os.Stdout, task)
		return nil
	},
}

// -- cancel --

var cancelCmd = &cobra.Command{
	Use:   "cancel <task-id>",
	Short: "Cancel a pending or running task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initOrchestrator(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		task, err := env.Service.Cancel(ctx, cliUser, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Task %s cancelled (was on %s).\n", task.ID, task.CurrentProvider)
		return nil
	},
}

func init() {
	tasksListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed, escalated)")
	tasksListCmd.Flags().Int("limit", 20, "max number of tasks to display (1-100)")
	tasksListCmd.Flags().Int("offset", 0, "number of tasks to skip")

	tasksGetCmd.Flags().Bool("json", false, "print the task as JSON")

	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksGetCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(escalateCmd)
	rootCmd.AddCommand(cancelCmd)
}

// formatTaskDetail writes a task and its escalation history to w.
func formatTaskDetail(out io.Writer, t *model.TaskExecution) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	conf := "-"
	if t.Confidence != nil {
		conf = fmt.Sprintf("%.1f", *t.Confidence)
	}
	_, _ = fmt.Fprintf(w, "Task:\t%s\n", t.ID)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", t.Status)
	_, _ = fmt.Fprintf(w, "Type:\t%s (complexity %.0f)\n", t.TaskType, t.Complexity)
	_, _ = fmt.Fprintf(w, "Provider:\t%s (started on %s)\n", t.CurrentProvider, t.InitialProvider)
	_, _ = fmt.Fprintf(w, "Confidence:\t%s\n", conf)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", t.TotalCost)
	_, _ = fmt.Fprintf(w, "Time:\t%dms\n", t.ExecutionTimeMs)
	_, _ = fmt.Fprintf(w, "Tokens:\t%d in / %d out\n", t.InputTokens, t.OutputTokens)
	if t.ErrorMessage != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", t.ErrorMessage)
	}
	_ = w.Flush()

	if len(t.Escalations) > 0 {
		_, _ = fmt.Fprintf(out, "\nEscalations (%d):\n", t.EscalationCount)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "  FROM\tTO\tREASON\tRULE\tAT")
		for _, e := range t.Escalations {
			rule := e.Rule
			if rule == "" {
				rule = "-"
			}
			_, _ = fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n",
				e.FromProvider, e.ToProvider, e.Reason.Label(), rule, e.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		_ = w.Flush()
	}

	if t.Output != "" {
		_, _ = fmt.Fprintf(out, "\nOutput:\n%s\n", t.Output)
	}
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
