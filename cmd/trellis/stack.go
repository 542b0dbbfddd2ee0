package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/kingrea/trellis/internal/api"
	"github.com/kingrea/trellis/internal/config"
	"github.com/kingrea/trellis/internal/logbook"
	"github.com/kingrea/trellis/internal/logging"
	"github.com/kingrea/trellis/internal/workflow"
	"github.com/kingrea/trellis/internal/workflow/dispatch"
	"github.com/kingrea/trellis/internal/workflow/engine"
	"github.com/kingrea/trellis/internal/workflow/persist"
)

type stackOptions struct {
	projectDir string
	// limit overrides scheduler.max_concurrency when >= 0
	limit  int
	env    []string
	stderr bool
}

// stack is everything a hosting command needs, wired from config.
type stack struct {
	cfg      *config.Config
	log      *logging.Logger
	book     *logbook.Logbook
	manager  *persist.Manager
	feed     *api.Feed
	engine   *engine.Engine
	restored engine.RestoreReport
}

func resolveProject(dir string) (string, error) {
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("determine working directory: %w", err)
		}
		dir = cwd
	}
	return filepath.Abs(dir)
}

func openStack(ctx context.Context, opts stackOptions) (*stack, error) {
	project, err := resolveProject(opts.projectDir)
	if err != nil {
		return nil, err
	}
	if err := config.InitTrellisDir(project); err != nil {
		return nil, fmt.Errorf("init .trellis: %w", err)
	}
	cfg, err := config.NewConfig(project)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogPath(), logging.Options{Level: cfg.Project.Logging.Level, Stderr: opts.stderr})
	if err != nil {
		return nil, err
	}
	logger := log.Zap()
	book, err := logbook.New(cfg.TransitionLogPath())
	if err != nil {
		log.Close()
		return nil, fmt.Errorf("open transition log: %w", err)
	}
	store, err := persist.Open(cfg.Project.Store.Driver, cfg.StorePath())
	if err != nil {
		log.Close()
		return nil, err
	}
	manager, err := persist.NewManager(store,
		persist.WithLogger(logger.Named("persist")),
		persist.WithFailureThreshold(cfg.Project.Store.FailureThreshold))
	if err != nil {
		store.Close()
		log.Close()
		return nil, err
	}
	runtime := dispatch.NewExecRuntime(cfg.Project.Dispatch.Shell)
	runtime.Env = opts.env
	dp, err := dispatch.New(runtime,
		dispatch.WithSetupTimeout(cfg.Project.Dispatch.SetupTimeout.Std()),
		dispatch.WithLogger(logger.Named("dispatch")))
	if err != nil {
		manager.Close()
		log.Close()
		return nil, err
	}
	limit := cfg.Project.Scheduler.MaxConcurrency
	if opts.limit >= 0 {
		limit = opts.limit
	}
	feed := api.NewFeed(api.FeedWithLogger(logger.Named("feed")))
	eng, err := engine.New(dp, manager,
		engine.WithLogger(logger.Named("engine")),
		engine.WithConcurrencyLimit(limit),
		engine.WithTransitionHook(func(tr engine.Transition) {
			book.Transition(tr.TaskID, tr.From, tr.To, tr.At, tr.Error)
		}),
		engine.WithTransitionHook(feed.Hook()))
	if err != nil {
		manager.Close()
		log.Close()
		return nil, err
	}
	report, err := eng.Restore(ctx)
	if err != nil {
		manager.Close()
		log.Close()
		return nil, fmt.Errorf("restore: %w", err)
	}
	if report.Cold && report.Diagnostic != "" {
		logger.Warn("cold start", zap.String("diagnostic", report.Diagnostic))
	}
	return &stack{
		cfg:      cfg,
		log:      log,
		book:     book,
		manager:  manager,
		feed:     feed,
		engine:   eng,
		restored: report,
	}, nil
}

// close shuts the engine down (cancelling running workers and writing a final
// snapshot) and releases the store and log file.
func (s *stack) close(ctx context.Context) error {
	var errs []error
	if err := s.engine.Shutdown(ctx); err != nil && !errors.Is(err, engine.ErrClosed) {
		errs = append(errs, err)
	}
	if err := s.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.log.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// submitOrResume submits batch unless every task in it already exists, which
// happens when a previous run was interrupted and restored from a snapshot.
func (s *stack) submitOrResume(ctx context.Context, batch workflow.Batch) (bool, error) {
	existing := 0
	for _, desc := range batch.Tasks {
		if desc.ID == "" {
			continue
		}
		if _, ok := s.engine.Task(desc.ID); ok {
			existing++
		}
	}
	if existing > 0 && existing == len(batch.Tasks) {
		return true, nil
	}
	_, err := s.engine.Submit(ctx, batch.Tasks)
	return false, err
}
