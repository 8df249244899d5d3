package taskruntime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ent0n29/versecraft/internal/execution"
	"github.com/ent0n29/versecraft/internal/hub"
	"github.com/ent0n29/versecraft/internal/log"
	"github.com/ent0n29/versecraft/internal/observability"
	"github.com/ent0n29/versecraft/internal/tasks"
	"github.com/ent0n29/versecraft/internal/workflow"
)

type Config struct {
	TaskTimeout       time.Duration
	ReasoningModel    string
	NonReasoningModel string
	Tracer            trace.Tracer
	Metrics           *observability.Metrics
	Logger            log.Logger
}

func (c *Config) defaults() {
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 20 * time.Minute
	}
	if strings.TrimSpace(c.ReasoningModel) == "" {
		c.ReasoningModel = "default"
	}
	if strings.TrimSpace(c.NonReasoningModel) == "" {
		c.NonReasoningModel = "default"
	}
	if c.Tracer == nil {
		c.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "taskruntime.Service"})
}

type StartRequest struct {
	TaskID     string `json:"task_id,omitempty"`
	PoemID     string `json:"poem_id"`
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang"`
	Mode       string `json:"mode"`
}

// Service starts automated workflows and exposes their state and streams.
type Service struct {
	cfg       Config
	store     *tasks.Store
	streams   *hub.Hub
	repo      workflow.Repository
	sequencer *workflow.Sequencer
	parser    workflow.OutputParser
	runner    *execution.Runner

	// Parent of every task context; cancelled on Close only.
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func New(
	cfg Config,
	store *tasks.Store,
	streams *hub.Hub,
	repo workflow.Repository,
	sequencer *workflow.Sequencer,
	parser workflow.OutputParser,
	runner *execution.Runner,
) *Service {
	cfg.defaults()
	baseCtx, stop := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		store:     store,
		streams:   streams,
		repo:      repo,
		sequencer: sequencer,
		parser:    parser,
		runner:    runner,
		baseCtx:   baseCtx,
		stop:      stop,
	}
}

// StartTranslationWorkflow creates a task and runs it in the background. It
// returns as soon as the task exists; the request context is not used by
// the run.
func (s *Service) StartTranslationWorkflow(ctx context.Context, req StartRequest) (string, error) {
	mode, err := workflow.ParseMode(req.Mode)
	if err != nil {
		return "", err
	}
	if mode == workflow.ModeManual {
		return "", fmt.Errorf("%w: manual mode runs through manual sessions", workflow.ErrInvalidMode)
	}

	target, err := workflow.NormalizeLanguage(req.TargetLang)
	if err != nil {
		return "", err
	}

	poem, err := s.repo.GetPoem(ctx, strings.TrimSpace(req.PoemID))
	if err != nil {
		if errors.Is(err, workflow.ErrPoemNotFound) {
			return "", err
		}
		return "", fmt.Errorf("%w: load poem: %v", workflow.ErrUpstream, err)
	}

	source := strings.TrimSpace(req.SourceLang)
	if source == "" {
		source = poem.SourceLang
	}
	if source != "" {
		if source, err = workflow.NormalizeLanguage(source); err != nil {
			return "", err
		}
	}

	steps, err := workflow.Sequence(mode)
	if err != nil {
		return "", err
	}
	task, err := s.store.Create(req.TaskID, string(mode), workflow.StepNames(steps))
	if err != nil {
		return "", err
	}
	s.cfg.Metrics.ObserveTaskEvent("created")
	s.cfg.Metrics.SetActiveTasks(s.store.ActiveCount())
	s.cfg.Logger.Infof("task %s started: poem=%s mode=%s %s -> %s", task.ID, poem.ID, mode, source, target)

	s.startTask(task.ID, mode, steps, workflow.NewContext(poem, source, target))
	return task.ID, nil
}

func (s *Service) GetTaskStatus(taskID string) (tasks.Task, error) {
	return s.store.Get(taskID)
}

// CancelTask requests cooperative cancellation. The task stops at the next
// step boundary; a step already calling the LLM finishes first.
func (s *Service) CancelTask(taskID string) bool {
	ok := s.store.RequestCancel(taskID)
	if ok {
		s.cfg.Metrics.ObserveTaskEvent("cancel_requested")
	}
	return ok
}

func (s *Service) StreamTask(ctx context.Context, taskID string, emit func(hub.Event) error) error {
	return s.streams.Stream(ctx, taskID, emit)
}

// SweepFinished drops finished tasks past retention and releases their
// stream queues.
func (s *Service) SweepFinished() int {
	ids := s.store.Sweep()
	for _, id := range ids {
		s.streams.Drop(id)
	}
	s.cfg.Metrics.ObserveSweep(len(ids), 0)
	return len(ids)
}

func (s *Service) ActiveTasks() int {
	return s.store.ActiveCount()
}

// Close aborts in-flight runs and waits for their goroutines.
func (s *Service) Close() error {
	s.stop()
	s.wg.Wait()
	return nil
}

func (s *Service) startTask(taskID string, mode workflow.Mode, steps []workflow.Step, inputs workflow.Context) {
	ctx, cancel := context.WithTimeout(s.baseCtx, s.cfg.TaskTimeout)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.run(ctx, taskID, mode, steps, inputs)
		s.cfg.Metrics.SetActiveTasks(s.store.ActiveCount())
	}()
}

func (s *Service) run(ctx context.Context, taskID string, mode workflow.Mode, steps []workflow.Step, wctx workflow.Context) {
	current := ""
	defer func() {
		if r := recover(); r != nil {
			s.cfg.Logger.Errorf("task %s panicked: %v", taskID, r)
			s.fail(taskID, current, fmt.Errorf("internal error: %v", r))
		}
	}()

	models := make(map[workflow.StepName]string, len(steps))
	for i, step := range steps {
		name := string(step.Name)
		if s.store.CancelRequested(taskID) {
			s.cancelled(taskID, name)
			return
		}
		if ctx.Err() != nil {
			s.fail(taskID, current, fmt.Errorf("task timed out before %s", name))
			return
		}

		current = name
		_, err := s.store.Mutate(ctx, taskID, func(t *tasks.Task) error {
			t.Status = tasks.StatusRunning
			t.CurrentStep = name
			t.StepStates.Set(name, tasks.StepRunning)
			t.StepProgress[name] = 0
			t.Message = fmt.Sprintf("Running %s (step %d of %d).", name, i+1, len(steps))
			return nil
		})
		if err != nil {
			s.fail(taskID, current, err)
			return
		}

		model := s.modelFor(step.Variant)
		started := time.Now()
		parsed, err := s.runStep(ctx, taskID, step, wctx, model)
		if err != nil {
			s.cfg.Metrics.ObserveStep(name, "error", time.Since(started))
			s.fail(taskID, current, err)
			return
		}
		s.cfg.Metrics.ObserveStep(name, "ok", time.Since(started))

		models[step.Name] = model
		wctx = workflow.Fold(step.Name, wctx, parsed)

		threshold := step.Threshold
		_, err = s.store.Mutate(ctx, taskID, func(t *tasks.Task) error {
			t.StepStates.Set(name, tasks.StepCompleted)
			t.StepProgress[name] = 100
			t.Progress = threshold
			t.Message = fmt.Sprintf("Completed %s.", name)
			return nil
		})
		if err != nil {
			s.fail(taskID, current, err)
			return
		}
	}

	result := workflow.BuildResult(taskID, mode, wctx, models, time.Now())
	if err := s.repo.PersistWorkflowResult(ctx, taskID, result); err != nil {
		s.fail(taskID, "", fmt.Errorf("%w: persist result: %v", workflow.ErrUpstream, err))
		return
	}

	_, err := s.store.Mutate(context.Background(), taskID, func(t *tasks.Task) error {
		t.Status = tasks.StatusCompleted
		t.Progress = 100
		t.Result = &result
		t.Message = "Translation workflow completed."
		return nil
	})
	if err != nil {
		s.cfg.Logger.Errorf("task %s: could not mark completed: %v", taskID, err)
		return
	}
	s.cfg.Metrics.ObserveTaskEvent("completed")
	s.cfg.Logger.Infof("task %s completed", taskID)
}

func (s *Service) runStep(ctx context.Context, taskID string, step workflow.Step, wctx workflow.Context, model string) (map[string]string, error) {
	ctx, span := s.cfg.Tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("task.id", taskID),
		attribute.String("step.name", string(step.Name)),
		attribute.String("step.variant", string(step.Variant)),
		attribute.String("llm.model", model),
	))
	defer span.End()

	parsed, err := func() (map[string]string, error) {
		prompt, err := s.sequencer.BuildPrompt(step, wctx)
		if err != nil {
			return nil, err
		}
		raw, err := s.runner.RunStep(ctx, step.Name, prompt, model)
		if err != nil {
			return nil, err
		}
		return s.parser.Parse(step.Name, raw)
	}()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return parsed, nil
}

func (s *Service) modelFor(v workflow.Variant) string {
	if v == workflow.VariantReasoning {
		return s.cfg.ReasoningModel
	}
	return s.cfg.NonReasoningModel
}

func (s *Service) fail(taskID, step string, cause error) {
	msg := cause.Error()
	_, err := s.store.Mutate(context.Background(), taskID, func(t *tasks.Task) error {
		t.Status = tasks.StatusFailed
		if step != "" {
			t.StepStates.Set(step, tasks.StepFailed)
		}
		t.Message = msg
		return nil
	})
	if err != nil {
		s.cfg.Logger.Warningf("task %s: could not mark failed (%v): %v", taskID, cause, err)
		return
	}
	s.cfg.Metrics.ObserveTaskEvent("failed")
	s.cfg.Logger.Warningf("task %s failed: %s", taskID, msg)
}

func (s *Service) cancelled(taskID, nextStep string) {
	_, err := s.store.Mutate(context.Background(), taskID, func(t *tasks.Task) error {
		t.Status = tasks.StatusCancelled
		t.Message = fmt.Sprintf("Cancelled before %s.", nextStep)
		return nil
	})
	if err != nil {
		s.cfg.Logger.Warningf("task %s: could not mark cancelled: %v", taskID, err)
		return
	}
	s.cfg.Metrics.ObserveTaskEvent("cancelled")
	s.cfg.Logger.Infof("task %s cancelled before %s", taskID, nextStep)
}
