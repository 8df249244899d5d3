package taskruntime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ent0n29/versecraft/internal/execution"
	"github.com/ent0n29/versecraft/internal/hub"
	"github.com/ent0n29/versecraft/internal/llm"
	"github.com/ent0n29/versecraft/internal/parser"
	"github.com/ent0n29/versecraft/internal/prompts"
	"github.com/ent0n29/versecraft/internal/repository"
	"github.com/ent0n29/versecraft/internal/tasks"
	"github.com/ent0n29/versecraft/internal/workflow"
)

// gatedCaller blocks on gate until release is closed and fails on failOn.
type gatedCaller struct {
	inner   workflow.LLMCaller
	gate    workflow.StepName
	failOn  workflow.StepName
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedCaller(gate, failOn workflow.StepName) *gatedCaller {
	return &gatedCaller{
		inner:   llm.NewMockCaller(),
		gate:    gate,
		failOn:  failOn,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (c *gatedCaller) Invoke(ctx context.Context, step workflow.StepName, prompt workflow.Prompt, model string) (string, error) {
	if step == c.failOn {
		return "", errors.New("model refused the request")
	}
	if step == c.gate {
		c.once.Do(func() { close(c.entered) })
		select {
		case <-c.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return c.inner.Invoke(ctx, step, prompt, model)
}

type testEnv struct {
	svc   *Service
	repo  *repository.InMemory
	store *tasks.Store
}

func newTestEnv(t *testing.T, caller workflow.LLMCaller, retention time.Duration, opts ...func(*Config)) testEnv {
	t.Helper()
	repo := repository.NewInMemory()
	require.NoError(t, repo.SavePoem(context.Background(), workflow.Poem{
		ID: "p1", Title: "Quiet Night", Author: "Li Bai", Text: "Moonlight before my bed", SourceLang: "en",
	}))
	builder, err := prompts.Default()
	require.NoError(t, err)

	streams := hub.New(hub.Config{HeartbeatInterval: time.Minute}, nil)
	store := tasks.NewStore(tasks.StoreConfig{Retention: retention, Notifier: streams})
	streams.SetStore(store)

	cfg := Config{
		TaskTimeout:       5 * time.Second,
		ReasoningModel:    "deep",
		NonReasoningModel: "fast",
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	svc := New(cfg, store, streams, repo, workflow.NewSequencer(builder), parser.New(),
		execution.NewRunner(caller, execution.Config{BackoffBase: time.Millisecond}))

	t.Cleanup(func() {
		_ = svc.Close()
		store.Close()
	})
	return testEnv{svc: svc, repo: repo, store: store}
}

func waitTaskStatus(t *testing.T, svc *Service, taskID string, want tasks.Status) tasks.Task {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := svc.GetTaskStatus(taskID)
		require.NoError(t, err)
		if got.Status == want {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := svc.GetTaskStatus(taskID)
	t.Fatalf("task %s did not reach %s in time (status %s)", taskID, want, got.Status)
	return tasks.Task{}
}

func stepState(t *testing.T, task tasks.Task, name string) tasks.StepState {
	t.Helper()
	state, ok := task.StepStates.Get(name)
	require.True(t, ok, "missing step %s", name)
	return state
}

func TestServiceRunsHybridToCompletion(t *testing.T) {
	env := newTestEnv(t, llm.NewMockCaller(), time.Minute)

	id, err := env.svc.StartTranslationWorkflow(context.Background(), StartRequest{
		PoemID: "p1", TargetLang: "zh", Mode: "hybrid",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task := waitTaskStatus(t, env.svc, id, tasks.StatusCompleted)
	assert.Equal(t, 100, task.Progress)
	assert.Equal(t, "hybrid", task.Mode)
	assert.Equal(t, []string{"initial_translation", "editor_review", "translator_revision"}, task.StepStates.Names())
	for _, name := range task.StepStates.Names() {
		assert.Equal(t, tasks.StepCompleted, stepState(t, task, name))
		assert.Equal(t, 100, task.StepProgress[name])
	}
	require.NotNil(t, task.Result)
	assert.Equal(t, "Revised translation", task.Result.RevisedTranslation)
	assert.Equal(t, map[workflow.StepName]string{
		workflow.StepInitialTranslation: "fast",
		workflow.StepEditorReview:       "deep",
		workflow.StepTranslatorRevision: "fast",
	}, task.Result.Models)

	stored, err := env.repo.GetWorkflowResult(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "p1", stored.PoemID)
	assert.Equal(t, "zh", stored.TargetLang)

	assert.False(t, env.svc.CancelTask(id))
	assert.Equal(t, 0, env.svc.ActiveTasks())
}

func TestServiceCancelStopsAtStepBoundary(t *testing.T) {
	caller := newGatedCaller(workflow.StepInitialTranslation, "")
	env := newTestEnv(t, caller, time.Minute)

	id, err := env.svc.StartTranslationWorkflow(context.Background(), StartRequest{
		TaskID: "t-cancel", PoemID: "p1", TargetLang: "fr", Mode: "non_reasoning",
	})
	require.NoError(t, err)
	assert.Equal(t, "t-cancel", id)

	<-caller.entered
	require.True(t, env.svc.CancelTask(id))
	close(caller.release)

	task := waitTaskStatus(t, env.svc, id, tasks.StatusCancelled)
	assert.Equal(t, 33, task.Progress)
	assert.Equal(t, tasks.StepCompleted, stepState(t, task, "initial_translation"))
	assert.Equal(t, tasks.StepWaiting, stepState(t, task, "editor_review"))
	assert.Equal(t, tasks.StepWaiting, stepState(t, task, "translator_revision"))
	assert.Nil(t, task.Result)

	_, err = env.repo.GetWorkflowResult(context.Background(), id)
	require.ErrorIs(t, err, repository.ErrResultNotFound)
}

func TestServiceStepFailure(t *testing.T) {
	env := newTestEnv(t, newGatedCaller("", workflow.StepEditorReview), time.Minute)

	id, err := env.svc.StartTranslationWorkflow(context.Background(), StartRequest{
		PoemID: "p1", TargetLang: "de", Mode: "reasoning",
	})
	require.NoError(t, err)

	task := waitTaskStatus(t, env.svc, id, tasks.StatusFailed)
	assert.Equal(t, 33, task.Progress)
	assert.Equal(t, "editor_review", task.CurrentStep)
	assert.Equal(t, tasks.StepCompleted, stepState(t, task, "initial_translation"))
	assert.Equal(t, tasks.StepFailed, stepState(t, task, "editor_review"))
	assert.Equal(t, tasks.StepWaiting, stepState(t, task, "translator_revision"))
	assert.Contains(t, task.Message, "model refused the request")
}

type panickingCaller struct{}

func (panickingCaller) Invoke(context.Context, workflow.StepName, workflow.Prompt, string) (string, error) {
	panic("boom")
}

func TestServiceRecoversFromPanickingCaller(t *testing.T) {
	env := newTestEnv(t, panickingCaller{}, time.Minute)

	id, err := env.svc.StartTranslationWorkflow(context.Background(), StartRequest{
		PoemID: "p1", TargetLang: "de", Mode: "hybrid",
	})
	require.NoError(t, err)

	task := waitTaskStatus(t, env.svc, id, tasks.StatusFailed)
	assert.Equal(t, "internal error: boom", task.Message)
	assert.Equal(t, "initial_translation", task.CurrentStep)
	assert.Equal(t, tasks.StepFailed, stepState(t, task, "initial_translation"))
	assert.Equal(t, tasks.StepWaiting, stepState(t, task, "editor_review"))
	assert.Nil(t, task.Result)

	_, err = env.repo.GetWorkflowResult(context.Background(), id)
	assert.ErrorIs(t, err, repository.ErrResultNotFound)
}

func TestServiceStreamsEventsInOrder(t *testing.T) {
	caller := newGatedCaller(workflow.StepInitialTranslation, "")
	env := newTestEnv(t, caller, time.Minute)

	id, err := env.svc.StartTranslationWorkflow(context.Background(), StartRequest{
		PoemID: "p1", TargetLang: "it", Mode: "hybrid",
	})
	require.NoError(t, err)
	<-caller.entered

	events := make(chan hub.Event, 32)
	done := make(chan error, 1)
	go func() {
		done <- env.svc.StreamTask(context.Background(), id, func(ev hub.Event) error {
			events <- ev
			return nil
		})
	}()

	next := func() hub.Event {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for stream event")
			return hub.Event{}
		}
	}

	assert.Equal(t, hub.EventConnected, next().Type)
	first := next()
	assert.Equal(t, hub.EventStatus, first.Type)
	assert.Equal(t, "initial_translation", first.Data.CurrentStep)

	close(caller.release)

	var got []hub.EventType
	for {
		ev := next()
		got = append(got, ev.Type)
		if ev.Type == hub.EventCompleted || ev.Type == hub.EventError {
			assert.Equal(t, 100, ev.Data.Progress)
			break
		}
	}
	assert.Equal(t, []hub.EventType{
		hub.EventStepComplete,
		hub.EventStepStart,
		hub.EventStepComplete,
		hub.EventStepStart,
		hub.EventStepComplete,
		hub.EventStatus,
		hub.EventCompleted,
	}, got)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after completion")
	}
}

func TestServiceSweepFinished(t *testing.T) {
	env := newTestEnv(t, llm.NewMockCaller(), 20*time.Millisecond)

	id, err := env.svc.StartTranslationWorkflow(context.Background(), StartRequest{
		PoemID: "p1", TargetLang: "es", Mode: "non_reasoning",
	})
	require.NoError(t, err)
	waitTaskStatus(t, env.svc, id, tasks.StatusCompleted)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.svc.SweepFinished())

	_, err = env.svc.GetTaskStatus(id)
	require.ErrorIs(t, err, tasks.ErrNotFound)
	assert.Equal(t, 0, env.svc.SweepFinished())
}

func TestServiceStartRejects(t *testing.T) {
	tests := map[string]struct {
		req    StartRequest
		expErr error
	}{
		"unknown poem": {
			req:    StartRequest{PoemID: "missing", TargetLang: "zh", Mode: "hybrid"},
			expErr: workflow.ErrPoemNotFound,
		},
		"unknown mode": {
			req:    StartRequest{PoemID: "p1", TargetLang: "zh", Mode: "turbo"},
			expErr: workflow.ErrInvalidMode,
		},
		"manual mode": {
			req:    StartRequest{PoemID: "p1", TargetLang: "zh", Mode: "manual"},
			expErr: workflow.ErrInvalidMode,
		},
		"bad target language": {
			req:    StartRequest{PoemID: "p1", TargetLang: "not a language", Mode: "hybrid"},
			expErr: workflow.ErrInvalidLanguage,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, llm.NewMockCaller(), time.Minute)
			_, err := env.svc.StartTranslationWorkflow(context.Background(), test.req)
			require.ErrorIs(t, err, test.expErr)
			assert.Equal(t, 0, env.svc.ActiveTasks())
		})
	}
}

func TestServiceDuplicateTaskID(t *testing.T) {
	caller := newGatedCaller(workflow.StepInitialTranslation, "")
	env := newTestEnv(t, caller, time.Minute)
	req := StartRequest{TaskID: "dup", PoemID: "p1", TargetLang: "zh", Mode: "hybrid"}

	_, err := env.svc.StartTranslationWorkflow(context.Background(), req)
	require.NoError(t, err)
	_, err = env.svc.StartTranslationWorkflow(context.Background(), req)
	require.ErrorIs(t, err, tasks.ErrAlreadyExists)

	close(caller.release)
	waitTaskStatus(t, env.svc, "dup", tasks.StatusCompleted)
}

func TestServiceRecordsStepSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	env := newTestEnv(t, newGatedCaller("", workflow.StepTranslatorRevision), time.Minute, func(c *Config) {
		c.Tracer = tp.Tracer("test")
	})

	id, err := env.svc.StartTranslationWorkflow(context.Background(), StartRequest{
		PoemID: "p1", TargetLang: "zh", Mode: "non_reasoning",
	})
	require.NoError(t, err)
	waitTaskStatus(t, env.svc, id, tasks.StatusFailed)

	spans := rec.Ended()
	require.Len(t, spans, 3)
	for i, name := range []string{"initial_translation", "editor_review", "translator_revision"} {
		assert.Equal(t, "workflow.step", spans[i].Name())
		assert.Contains(t, spans[i].Attributes(), attribute.String("step.name", name))
		assert.Contains(t, spans[i].Attributes(), attribute.String("task.id", id))
	}
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, codes.Error, spans[2].Status().Code)
}
