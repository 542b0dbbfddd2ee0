package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/trellis/internal/api"
	"github.com/kingrea/trellis/internal/config"
	"github.com/kingrea/trellis/internal/logbook"
	"github.com/kingrea/trellis/internal/tui"
	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/status"
)

const clientTimeout = 10 * time.Second

type clientFlags struct {
	fs         *flag.FlagSet
	addr       *string
	projectDir *string
}

func newClientFlags(name string, stderr io.Writer) clientFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return clientFlags{
		fs:         fs,
		addr:       fs.String("addr", "", "orchestrator address (defaults to api.addr from config)"),
		projectDir: fs.String("project", "", "project directory used to find config (defaults to cwd)"),
	}
}

// loadConfig loads project settings when a .trellis directory exists.
func (c clientFlags) loadConfig() *config.Config {
	project, err := resolveProject(*c.projectDir)
	if err != nil {
		return nil
	}
	cfg, err := config.NewConfig(project)
	if err != nil {
		return nil
	}
	return cfg
}

func (c clientFlags) client() *api.Client {
	if *c.addr != "" {
		return api.NewClient(*c.addr)
	}
	return api.NewClient(api.SettingsFromConfig(c.loadConfig()).Addr)
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	cf := newClientFlags("status", stderr)
	asJSON := cf.fs.Bool("json", false, "print the raw summary as JSON")
	if err := cf.fs.Parse(args); err != nil {
		return 2
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	summary, err := cf.client().Status(ctx)
	if err != nil {
		return fail(stderr, "status: %v", err)
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(summary); err != nil {
			return fail(stderr, "encode: %v", err)
		}
		return 0
	}
	printSummary(stdout, summary)
	return 0
}

func printSummary(w io.Writer, s status.Summary) {
	fmt.Fprintf(w, "tasks:        %s\n", s.Counts)
	limit := "unlimited"
	if s.ConcurrencyLimit > 0 {
		limit = strconv.Itoa(s.ConcurrencyLimit)
	}
	fmt.Fprintf(w, "concurrency:  %s\n", limit)
	fmt.Fprintf(w, "persistence:  %s", s.Health.Persistence)
	if s.Health.ConsecutiveFailures > 0 {
		fmt.Fprintf(w, " (%d failed saves: %s)", s.Health.ConsecutiveFailures, s.Health.LastError)
	}
	fmt.Fprintln(w)
	if s.Drained {
		fmt.Fprintln(w, "drained")
	}
	for _, r := range s.Running {
		note := ""
		if !r.Attached {
			note = " (detached)"
		}
		fmt.Fprintf(w, "running  %s [%s] since %s%s\n", r.ID, r.Kind, r.StartedAt.Local().Format(time.TimeOnly), note)
	}
	for _, chain := range s.BlockedChains {
		fmt.Fprintf(w, "blocked  %s waiting on %s\n", chain.TaskID, strings.Join(chain.Outstanding, ", "))
	}
}

func runWatch(args []string, stdout, stderr io.Writer) int {
	cf := newClientFlags("watch", stderr)
	interval := cf.fs.Duration("interval", time.Second, "refresh interval")
	if err := cf.fs.Parse(args); err != nil {
		return 2
	}
	client := cf.client()
	opts := []tui.AppOption{tui.WithController(client), tui.WithRefreshInterval(*interval)}
	if cfg := cf.loadConfig(); cfg != nil {
		// Only show the journal when the orchestrator runs from this project.
		if _, err := os.Stat(cfg.TransitionLogPath()); err == nil {
			if book, err := logbook.New(cfg.TransitionLogPath()); err == nil {
				opts = append(opts, tui.WithLogbook(book))
			}
		}
	}
	app, err := tui.NewApp(client, opts...)
	if err != nil {
		return fail(stderr, "watch: %v", err)
	}
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithOutput(stdout))
	if _, err := p.Run(); err != nil {
		return fail(stderr, "watch: %v", err)
	}
	return 0
}

func runSubmit(args []string, stdout, stderr io.Writer) int {
	cf := newClientFlags("submit", stderr)
	if err := cf.fs.Parse(args); err != nil {
		return 2
	}
	if cf.fs.NArg() != 1 {
		return fail(stderr, "usage: trellis submit [flags] <batch.yaml>")
	}
	batch, err := workflow.LoadBatchFile(cf.fs.Arg(0))
	if err != nil {
		return fail(stderr, "load batch: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	tasks, err := cf.client().Submit(ctx, batch.Tasks)
	if err != nil {
		return fail(stderr, "submit: %v", err)
	}
	for _, task := range tasks {
		fmt.Fprintf(stdout, "%s\t%s\n", task.ID, task.Status)
	}
	return 0
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	cf := newClientFlags("cancel", stderr)
	if err := cf.fs.Parse(args); err != nil {
		return 2
	}
	if cf.fs.NArg() != 1 {
		return fail(stderr, "usage: trellis cancel [flags] <task-id>")
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	task, err := cf.client().Cancel(ctx, cf.fs.Arg(0))
	if err != nil {
		return fail(stderr, "cancel: %v", err)
	}
	fmt.Fprintf(stdout, "%s\t%s\n", task.ID, task.Status)
	return 0
}

func runLimit(args []string, stdout, stderr io.Writer) int {
	cf := newClientFlags("limit", stderr)
	if err := cf.fs.Parse(args); err != nil {
		return 2
	}
	if cf.fs.NArg() != 1 {
		return fail(stderr, "usage: trellis limit [flags] <n>")
	}
	n, err := strconv.Atoi(cf.fs.Arg(0))
	if err != nil || n < 0 {
		return fail(stderr, "limit must be a non-negative integer")
	}
	ctx, cancel := context.WithTimeout(context.Background(), clientTimeout)
	defer cancel()
	limit, err := cf.client().SetConcurrency(ctx, n)
	if err != nil {
		return fail(stderr, "limit: %v", err)
	}
	fmt.Fprintf(stdout, "concurrency limit %d\n", limit)
	return 0
}
