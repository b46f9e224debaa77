package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/ai-orchestrator/internal/model"
	"github.com/sells-group/ai-orchestrator/internal/orchestrator"
)

var submitCmd = &cobra.Command{
	Use:   "submit [input]",
	Short: "Submit a task and wait for it to settle",
	Long:  "Submits one task from the argument, or one task per non-empty line of --file, and prints the resolved tasks.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		file, _ := cmd.Flags().GetString("file")
		force, _ := cmd.Flags().GetString("provider")
		rawCtx, _ := cmd.Flags().GetString("context")
		concurrency, _ := cmd.Flags().GetInt("concurrency")

		var inputs []string
		switch {
		case file != "":
			f, err := os.Open(file)
			if err != nil {
				return eris.Wrap(err, "open input file")
			}
			inputs, err = readInputs(f)
			_ = f.Close()
			if err != nil {
				return err
			}
		case len(args) == 1:
			inputs = []string{args[0]}
		default:
			return eris.New("submit: provide an input argument or --file")
		}

		var taskCtx map[string]any
		if rawCtx != "" {
			if err := json.Unmarshal([]byte(rawCtx), &taskCtx); err != nil {
				return eris.Wrap(err, "parse --context")
			}
		}

		// The CLI always waits for the loop.
		cfg.Orchestrator.Async = false
		env, err := initOrchestrator(ctx, "cli")
		if err != nil {
			return err
		}
		defer env.Close()

		reqs := make([]orchestrator.SubmitRequest, len(inputs))
		for i, in := range inputs {
			reqs[i] = orchestrator.SubmitRequest{UserID: cliUser, Input: in, Context: taskCtx, ForceProvider: force}
		}
		tasks, failed := submitAll(ctx, env.Service, reqs, concurrency)

		if len(inputs) == 1 && len(tasks) == 1 {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(tasks[0])
		}
		formatTasksList(os.Stdout, tasks)
		if failed > 0 {
			return eris.Errorf("submit: %d of %d tasks were rejected", failed, len(inputs))
		}
		return nil
	},
}

// submitter is the part of the service submitAll needs.
type submitter interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (*model.TaskExecution, error)
}

// submitAll submits reqs with at most concurrency in flight. Rejected
// submissions are logged and counted; the rest, including tasks that ran and
// failed, are returned in input order.
func submitAll(ctx context.Context, svc submitter, reqs []orchestrator.SubmitRequest, concurrency int) ([]model.TaskExecution, int) {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]*model.TaskExecution, len(reqs))

	var mu sync.Mutex
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			task, err := svc.Submit(gctx, req)
			if ft := model.FailedTask(err); ft != nil {
				zap.L().Warn("task failed", zap.Int("line", i+1), zap.String("task_id", ft.ID), zap.Error(err))
				results[i] = ft
				return nil
			}
			if err != nil {
				zap.L().Error("submit failed", zap.Int("line", i+1), zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			results[i] = task
			return nil
		})
	}
	_ = g.Wait()

	tasks := make([]model.TaskExecution, 0, len(reqs))
	for _, t := range results {
		if t != nil {
			tasks = append(tasks, *t)
		}
	}
	return tasks, failed
}

// readInputs returns the trimmed non-empty lines of r.
func readInputs(r io.Reader) ([]string, error) {
	var inputs []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			inputs = append(inputs, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "read inputs")
	}
	if len(inputs) == 0 {
		return nil, eris.New("no inputs found")
	}
	return inputs, nil
}

// formatTasksList writes a tabular list of tasks to w.
func formatTasksList(out io.Writer, tasks []model.TaskExecution) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tPROVIDER\tESCALATIONS\tCONFIDENCE\tCOST\tCREATED")
	for _, t := range tasks {
		conf := "-"
		if t.Confidence != nil {
			conf = fmt.Sprintf("%.1f", *t.Confidence)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t$%.4f\t%s\n",
			t.ID,
			t.Status,
			t.CurrentProvider,
			t.EscalationCount,
			conf,
			t.TotalCost,
			t.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	submitCmd.Flags().String("file", "", "file with one task input per line")
	submitCmd.Flags().String("provider", "", "force the first provider instead of routing by capability")
	submitCmd.Flags().String("context", "", "task context as a JSON object (e.g. '{\"task_type\":\"code_simple\"}')")
	submitCmd.Flags().Int("concurrency", 4, "max tasks submitted at once with --file")
	rootCmd.AddCommand(submitCmd)
}
