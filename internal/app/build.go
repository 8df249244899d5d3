package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/ent0n29/versecraft/internal/config"
	"github.com/ent0n29/versecraft/internal/execution"
	"github.com/ent0n29/versecraft/internal/httpapi"
	"github.com/ent0n29/versecraft/internal/hub"
	"github.com/ent0n29/versecraft/internal/llm"
	"github.com/ent0n29/versecraft/internal/log"
	"github.com/ent0n29/versecraft/internal/observability"
	"github.com/ent0n29/versecraft/internal/parser"
	"github.com/ent0n29/versecraft/internal/prompts"
	"github.com/ent0n29/versecraft/internal/repository"
	"github.com/ent0n29/versecraft/internal/session"
	"github.com/ent0n29/versecraft/internal/taskruntime"
	"github.com/ent0n29/versecraft/internal/tasks"
	"github.com/ent0n29/versecraft/internal/tracing"
	"github.com/ent0n29/versecraft/internal/workflow"
)

type BuildResult struct {
	Config      config.Config
	API         *httpapi.Server
	TaskService *taskruntime.Service
	Sessions    *session.Manager
	Repository  repository.Repository
	Metrics     *observability.Metrics
	Tracing     *tracing.Provider

	// Cleanup should be called on shutdown to stop running tasks and release the database.
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, logger log.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = log.Noop
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	tp, err := tracing.NewProvider(tracing.Config{
		Enabled:  cfg.TracingEnabled,
		Exporter: cfg.TracingExporter,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing init failed: %w", err)
	}

	repo, err := repository.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("repository init failed: %w", err)
	}
	fail := func(err error) (*BuildResult, error) {
		_ = repo.Close()
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	builder, err := loadPrompts(cfg.PromptsFile)
	if err != nil {
		return fail(err)
	}

	caller, err := llm.NewCaller(llm.Config{
		Provider:        cfg.LLMProvider,
		BaseURL:         cfg.LLMBaseURL,
		APIKey:          cfg.LLMAPIKey,
		FallbackBaseURL: cfg.LLMFallbackBaseURL,
		FallbackAPIKey:  cfg.LLMFallbackAPIKey,
		Timeout:         cfg.LLMTimeout,
	})
	if err != nil {
		return fail(fmt.Errorf("llm caller init failed: %w", err))
	}

	sequencer := workflow.NewSequencer(builder)
	outputs := parser.New()

	// The store publishes to the hub and the hub reads back from the store.
	streams := hub.New(hub.Config{
		QueueSize:         cfg.StreamQueueSize,
		HeartbeatInterval: cfg.StreamHeartbeatInterval,
		Metrics:           metrics,
		Logger:            logger,
	}, nil)
	store := tasks.NewStore(tasks.StoreConfig{
		Retention: cfg.TaskRetention,
		Notifier:  streams,
		Logger:    logger,
	})
	streams.SetStore(store)

	runner := execution.NewRunner(caller, execution.Config{
		MaxRetries: cfg.LLMMaxRetries,
		Metrics:    metrics,
		Logger:     logger,
	})
	taskService := taskruntime.New(taskruntime.Config{
		TaskTimeout:       cfg.TaskTimeout,
		ReasoningModel:    cfg.LLMReasoningModel,
		NonReasoningModel: cfg.LLMNonReasoningModel,
		Tracer:            tp.Tracer(),
		Metrics:           metrics,
		Logger:            logger,
	}, store, streams, repo, sequencer, outputs, runner)

	sessions := session.NewManager(session.Config{
		Metrics: metrics,
		Logger:  logger,
	}, repo, sequencer, outputs)

	api := httpapi.New(cfg, taskService, sessions, repo, metrics, logger)

	cleanup := func(ctx context.Context) error {
		var errs []string
		if err := taskService.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		store.Close()
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, err.Error())
		}
		if err := repo.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:      cfg,
		API:         api,
		TaskService: taskService,
		Sessions:    sessions,
		Repository:  repo,
		Metrics:     metrics,
		Tracing:     tp,
		Cleanup:     cleanup,
	}, nil
}

func loadPrompts(path string) (*prompts.Builder, error) {
	if strings.TrimSpace(path) == "" {
		return prompts.Default()
	}
	b, err := prompts.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load prompts %s: %w", path, err)
	}
	return b, nil
}
