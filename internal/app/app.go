// Package app wires Stageline's services together from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/stageline/internal/api"
	"github.com/zulandar/stageline/internal/config"
	"github.com/zulandar/stageline/internal/db"
	"github.com/zulandar/stageline/internal/documents"
	"github.com/zulandar/stageline/internal/executor"
	"github.com/zulandar/stageline/internal/iteration"
	"github.com/zulandar/stageline/internal/jury"
	"github.com/zulandar/stageline/internal/models"
	"github.com/zulandar/stageline/internal/notify"
	"github.com/zulandar/stageline/internal/pipeline"
	"github.com/zulandar/stageline/internal/queue"
	"github.com/zulandar/stageline/internal/ratelimit"
	"github.com/zulandar/stageline/internal/worker"
	"github.com/zulandar/stageline/internal/workflow"
	"github.com/zulandar/stageline/internal/workspace"
	"gorm.io/gorm"
)

// App holds every long-lived service of a Stageline process.
type App struct {
	Config *config.Config
	DB     *gorm.DB
	Log    *slog.Logger

	Workspaces    *workspace.Service
	Queue         *queue.Queue
	Budget        *ratelimit.Budget
	Executors     *executor.Registry
	Documents     *documents.Store
	Notifications *notify.Dispatcher
	Workers       *worker.Manager
	Workflow      *workflow.Engine
	Iterations    *iteration.Controller

	purger  *cron.Cron
	closers []func() error
}

// New connects to the database, migrates it and builds every service.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = slog.Default()
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		db.Close(gormDB)
		return nil, err
	}

	a := &App{Config: cfg, DB: gormDB, Log: log}
	a.closers = append(a.closers, func() error { return db.Close(gormDB) })

	a.Workspaces = workspace.NewService(gormDB, log.With("component", "workspace"))
	a.Queue = queue.New(gormDB, queue.RetryPolicy{
		MaxAttempts: cfg.Worker.Retry.MaxAttempts,
		BaseDelay:   cfg.Worker.Retry.BaseDelay,
		MaxDelay:    cfg.Worker.Retry.MaxDelay,
	}, log.With("component", "queue"))
	a.Budget = ratelimit.New(ratelimit.Config{
		Requests: cfg.Worker.RateLimit.Requests,
		Tokens:   cfg.Worker.RateLimit.Tokens,
		Window:   cfg.Worker.RateLimit.Window,
	})
	a.Documents = documents.NewStore(gormDB, log.With("component", "documents"))

	sinks, err := a.sinks(cfg.Notifications)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Notifications = notify.New(gormDB, log.With("component", "notify"), sinks...)

	if a.Executors, err = a.registry(ctx, cfg.Executors); err != nil {
		a.Close()
		return nil, err
	}

	a.Workers = worker.NewManager(worker.Deps{
		DB:        gormDB,
		Queue:     a.Queue,
		Executor:  a.Executors,
		Budget:    a.Budget,
		Documents: a.Documents,
		Notifier:  a.Notifications,
		Log:       log.With("component", "worker"),
	}, worker.Options{
		PollInterval:     cfg.Worker.PollInterval,
		StaleThreshold:   cfg.Worker.StaleThreshold,
		ExecutionTimeout: cfg.Worker.ExecutionTimeout,
	})

	a.Workflow = workflow.New(gormDB, a.Queue, a.Notifications, a.Workers, log.With("component", "workflow"))
	a.Iterations = iteration.New(gormDB, a.Queue, a.Notifications, a.Workers, log.With("component", "iteration"))
	if cfg.Jury.PersonasDir != "" {
		pool, err := jury.LoadPool(cfg.Jury.PersonasDir, log.With("component", "jury"))
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Iterations.SetJury(iteration.JuryConfig{Pool: pool, Size: cfg.Jury.Size, SkepticMin: cfg.Jury.SkepticMinimum})
	}

	// The engine reacts to finished jobs for alignment and auto-advance; the
	// controller aggregates jury evaluations.
	a.Workers.AddListener(a.Workflow)
	a.Workers.AddListener(a.Iterations)
	return a, nil
}

func (a *App) sinks(cfg config.NotificationsConfig) ([]notify.Sink, error) {
	var sinks []notify.Sink
	if cfg.Slack.BotToken != "" {
		s, err := notify.NewSlackSink(cfg.Slack.BotToken, cfg.Slack.ChannelID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if cfg.Discord.BotToken != "" {
		d, err := notify.NewDiscordSink(cfg.Discord.BotToken, cfg.Discord.ChannelID)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, d)
	}
	return sinks, nil
}

// registry registers the configured executors. Job types without an
// executor fail with executor.ErrNoExecutor when claimed.
func (a *App) registry(ctx context.Context, cfg config.ExecutorsConfig) (*executor.Registry, error) {
	reg := executor.NewRegistry()
	if cfg.Gemini.APIKey != "" {
		model, err := executor.NewGeminiModel(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, model.Close)
		reg.Register(executor.NewGenerator(model), executor.GeneratorTypes...)
	}
	if cfg.GitHub.Token != "" {
		gh, err := executor.NewGitHubIssues(ctx, cfg.GitHub.Token, cfg.GitHub.Owner, cfg.GitHub.Repo)
		if err != nil {
			return nil, err
		}
		reg.Register(gh, pipeline.JobCreateGitHubIssues)
	}
	a.Log.Info("executors registered", "types", len(reg.Types()))
	return reg, nil
}

// EnsureWorkspace returns the configured workspace, creating it with the
// configured pipeline (or the default one) when missing.
func (a *App) EnsureWorkspace(ctx context.Context) (*models.Workspace, error) {
	ws, err := a.Workspaces.FindByName(ctx, a.Config.Workspace)
	if err == nil {
		return ws, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	var p *pipeline.Pipeline
	if a.Config.PipelineFile != "" {
		if p, err = pipeline.Load(a.Config.PipelineFile); err != nil {
			return nil, err
		}
	}
	return a.Workspaces.Create(ctx, a.Config.Workspace, p)
}

// StartBackground starts the workers of enabled workspaces and the
// notification purger.
func (a *App) StartBackground(ctx context.Context) error {
	n, err := a.Workers.StartEnabled(ctx)
	if err != nil {
		return err
	}
	a.Log.Info("workers started", "count", n)

	c, err := a.Notifications.StartPurger(ctx, a.Config.Notifications.PurgeSchedule)
	if err != nil {
		return err
	}
	a.purger = c
	return nil
}

// Server builds the HTTP API on top of the app's services.
func (a *App) Server(opts api.Options) (*api.Server, error) {
	if opts.Port == 0 {
		opts.Port = a.Config.Server.Port
	}
	if opts.AuthSecret == "" {
		opts.AuthSecret = a.Config.Server.AuthSecret
	}
	return api.New(api.Deps{
		DB:            a.DB,
		Workspaces:    a.Workspaces,
		Queue:         a.Queue,
		Documents:     a.Documents,
		Workflow:      a.Workflow,
		Iterations:    a.Iterations,
		Workers:       a.Workers,
		Notifications: a.Notifications,
		Log:           a.Log.With("component", "api"),
	}, opts)
}

// Close stops background work, waits for in-flight jobs and deliveries, and
// releases resources.
func (a *App) Close() error {
	if a.purger != nil {
		<-a.purger.Stop().Done()
	}
	if a.Workers != nil {
		a.Workers.Shutdown()
	}
	if a.Notifications != nil {
		a.Notifications.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("app: close: %w", err)
	}
	return nil
}
