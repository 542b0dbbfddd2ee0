package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/kingrea/trellis/internal/workflow"
)

// runBatch executes one batch in-process and exits when the graph drains.
// The exit code is 1 when any task failed or was skipped.
func runBatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	projectDir := fs.String("project", "", "path to the project directory (defaults to cwd)")
	limit := fs.Int("limit", -1, "concurrency limit (overrides scheduler.max_concurrency; 0 = unlimited)")
	verbose := fs.Bool("v", false, "mirror the structured log to stderr")
	env := keyValueFlag{}
	fs.Var(&env, "env", "extra environment for workers (KEY=VALUE, repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		return fail(stderr, "usage: trellis run [flags] <batch.yaml>")
	}
	batch, err := workflow.LoadBatchFile(fs.Arg(0))
	if err != nil {
		return fail(stderr, "load batch: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return executeBatch(ctx, stackOptions{projectDir: *projectDir, limit: *limit, env: env.Pairs(), stderr: *verbose}, batch, stdout, stderr)
}

func executeBatch(ctx context.Context, opts stackOptions, batch workflow.Batch, stdout, stderr io.Writer) int {
	st, err := openStack(ctx, opts)
	if err != nil {
		return fail(stderr, "start: %v", err)
	}
	if len(st.restored.Interrupted) > 0 {
		fmt.Fprintf(stderr, "interrupted by restart: %v\n", st.restored.Interrupted)
	}
	resumed, err := st.submitOrResume(ctx, batch)
	if err != nil {
		st.close(context.Background())
		return fail(stderr, "submit: %v", err)
	}
	if resumed {
		fmt.Fprintln(stderr, "resuming batch from snapshot")
	}

	summary, runErr := st.engine.RunUntilDrained(ctx, st.cfg.Project.Scheduler.TickInterval.Std())
	tasks := st.engine.Tasks()
	closeErr := st.close(context.Background())
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fail(stderr, "run: %v", runErr)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tKIND\tSTATUS\tERROR")
	for _, task := range tasks {
		reason := ""
		if task.Error != nil {
			reason = task.Error.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", task.ID, task.Kind, task.Status, reason)
	}
	tw.Flush()
	fmt.Fprintf(stdout, "\n%s (ticks: %d)\n", summary.Counts, summary.Tick)

	if closeErr != nil {
		return fail(stderr, "shutdown: %v", closeErr)
	}
	if runErr != nil {
		return 130
	}
	for _, task := range tasks {
		if task.Status == workflow.StatusFailed || task.Status == workflow.StatusSkipped {
			return 1
		}
	}
	return 0
}
