package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/trellis/internal/api"
	"github.com/kingrea/trellis/internal/config"
	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/engine"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	projectDir := fs.String("project", "", "path to the project directory (defaults to cwd)")
	addr := fs.String("addr", "", "listen address (overrides api.addr)")
	limit := fs.Int("limit", -1, "concurrency limit (overrides scheduler.max_concurrency; 0 = unlimited)")
	batchFile := fs.String("batch", "", "batch file to submit once the orchestrator is up")
	env := keyValueFlag{}
	fs.Var(&env, "env", "extra environment for workers (KEY=VALUE, repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStack(ctx, stackOptions{projectDir: *projectDir, limit: *limit, env: env.Pairs(), stderr: true})
	if err != nil {
		return fail(stderr, "start: %v", err)
	}
	logger := st.log.Zap()
	logger.Info("orchestrator starting",
		zap.Bool("cold", st.restored.Cold),
		zap.Int("tasks", st.restored.Tasks),
		zap.Strings("interrupted", st.restored.Interrupted))

	if *batchFile != "" {
		batch, err := workflow.LoadBatchFile(*batchFile)
		if err != nil {
			st.close(context.Background())
			return fail(stderr, "load batch: %v", err)
		}
		resumed, err := st.submitOrResume(ctx, batch)
		if err != nil {
			st.close(context.Background())
			return fail(stderr, "submit batch: %v", err)
		}
		logger.Info("batch loaded", zap.String("file", *batchFile), zap.Bool("resumed", resumed))
	}

	settings := api.SettingsFromConfig(st.cfg)
	if *addr != "" {
		settings.Addr = *addr
	}
	server, err := api.NewServer(settings, st.engine, api.WithLogger(logger.Named("api")), api.WithFeed(st.feed))
	if err != nil {
		st.close(context.Background())
		return fail(stderr, "api: %v", err)
	}
	if err := server.Start(ctx); err != nil {
		st.close(context.Background())
		return fail(stderr, "api: %v", err)
	}
	reloader := &config.Reloader{
		Config: st.cfg,
		OnChange: func(p config.ProjectConfig) {
			if *limit >= 0 {
				return
			}
			if err := st.engine.SetConcurrencyLimit(p.Scheduler.MaxConcurrency); err != nil {
				logger.Warn("config reload: concurrency", zap.Error(err))
				return
			}
			logger.Info("config reloaded", zap.Int("max_concurrency", p.Scheduler.MaxConcurrency))
		},
		OnError: func(err error) {
			logger.Warn("config reload rejected", zap.Error(err))
		},
	}
	watchdog := engine.Watchdog{
		Timeout:  st.cfg.Project.Watchdog.TaskTimeout.Std(),
		Interval: st.cfg.Project.Watchdog.Interval.Std(),
		Logger:   logger.Named("watchdog"),
	}
	fmt.Fprintf(stdout, "trellis listening on %s\n", server.BaseURL())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return st.engine.Run(gctx, st.cfg.Project.Scheduler.TickInterval.Std())
	})
	g.Go(func() error {
		reloader.Run(gctx)
		return nil
	})
	g.Go(func() error {
		watchdog.Run(gctx, st.engine)
		return nil
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api shutdown", zap.Error(err))
	}
	closeErr := st.close(shutdownCtx)
	if runErr != nil {
		return fail(stderr, "run: %v", runErr)
	}
	if closeErr != nil {
		return fail(stderr, "shutdown: %v", closeErr)
	}
	fmt.Fprintf(stdout, "trellis stopped\n")
	return 0
}
