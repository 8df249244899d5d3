package tasks

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/ent0n29/versecraft/internal/workflow"
)

var testSteps = []string{"initial_translation", "editor_review", "translator_revision"}

type recordingNotifier struct {
	mu    sync.Mutex
	tasks []Task
}

func (n *recordingNotifier) Publish(task Task) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tasks = append(n.tasks, task)
}

func (n *recordingNotifier) snapshot() []Task {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Task(nil), n.tasks...)
}

func newTestStore(t *testing.T, cfg StoreConfig) *Store {
	t.Helper()
	s := NewStore(cfg)
	t.Cleanup(s.Close)
	return s
}

func TestStoreCreateAndGet(t *testing.T) {
	s := newTestStore(t, StoreConfig{})

	created, err := s.Create(" t1 ", "hybrid", testSteps)
	require.NoError(t, err)
	assert.Equal(t, "t1", created.ID)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, testSteps, created.StepStates.Names())
	for _, e := range created.StepStates {
		assert.Equal(t, StepWaiting, e.State)
	}

	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = s.Create("t1", "hybrid", testSteps)
	require.ErrorIs(t, err, ErrAlreadyExists)

	_, err = s.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStoreCreateGeneratesID(t *testing.T) {
	s := newTestStore(t, StoreConfig{})

	task, err := s.Create("", "reasoning", testSteps)
	require.NoError(t, err)
	assert.Len(t, task.ID, 36)
}

func TestStoreMutateValidation(t *testing.T) {
	tests := map[string]struct {
		fn       func(*Task) error
		expErr   error
		validate func(t *testing.T, got Task)
	}{
		"current step outside sequence": {
			fn: func(task *Task) error {
				task.CurrentStep = "proofreading"
				return nil
			},
			expErr: ErrInvalidMutation,
		},
		"reordered steps": {
			fn: func(task *Task) error {
				task.StepStates[0], task.StepStates[1] = task.StepStates[1], task.StepStates[0]
				return nil
			},
			expErr: ErrInvalidMutation,
		},
		"progress clamped below completion": {
			fn: func(task *Task) error {
				task.Status = StatusRunning
				task.Progress = 100
				return nil
			},
			validate: func(t *testing.T, got Task) {
				assert.Equal(t, 99, got.Progress)
			},
		},
		"result dropped unless completed": {
			fn: func(task *Task) error {
				task.Status = StatusRunning
				task.Result = &workflow.Result{ID: "x"}
				return nil
			},
			validate: func(t *testing.T, got Task) {
				assert.Nil(t, got.Result)
			},
		},
		"completion pins progress": {
			fn: func(task *Task) error {
				task.Status = StatusCompleted
				task.Progress = 42
				task.Result = &workflow.Result{ID: "x"}
				return nil
			},
			validate: func(t *testing.T, got Task) {
				assert.Equal(t, 100, got.Progress)
				require.NotNil(t, got.Result)
			},
		},
		"identity fields are kept": {
			fn: func(task *Task) error {
				task.ID = "other"
				task.Mode = "manual"
				return nil
			},
			validate: func(t *testing.T, got Task) {
				assert.Equal(t, "t1", got.ID)
				assert.Equal(t, "hybrid", got.Mode)
			},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, StoreConfig{})
			_, err := s.Create("t1", "hybrid", testSteps)
			require.NoError(t, err)

			got, err := s.Mutate(context.Background(), "t1", test.fn)
			if test.expErr != nil {
				require.ErrorIs(t, err, test.expErr)
				stored, err := s.Get("t1")
				require.NoError(t, err)
				assert.Equal(t, int64(0), stored.Revision)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(1), got.Revision)
			test.validate(t, got)
		})
	}
}

func TestStoreMutateDoesNotLeakCallerChanges(t *testing.T) {
	s := newTestStore(t, StoreConfig{})
	_, err := s.Create("t1", "hybrid", testSteps)
	require.NoError(t, err)

	got, err := s.Mutate(context.Background(), "t1", func(task *Task) error {
		task.StepProgress["editor_review"] = 10
		return nil
	})
	require.NoError(t, err)
	got.StepProgress["editor_review"] = 99
	got.StepStates.Set("editor_review", StepFailed)

	stored, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, 10, stored.StepProgress["editor_review"])
	state, _ := stored.StepStates.Get("editor_review")
	assert.Equal(t, StepWaiting, state)
}

func TestStoreTerminalRejectsMutation(t *testing.T) {
	s := newTestStore(t, StoreConfig{})
	_, err := s.Create("t1", "hybrid", testSteps)
	require.NoError(t, err)

	_, err = s.Mutate(context.Background(), "t1", func(task *Task) error {
		task.Status = StatusFailed
		task.Message = "boom"
		return nil
	})
	require.NoError(t, err)

	_, err = s.Mutate(context.Background(), "t1", func(task *Task) error {
		task.Status = StatusRunning
		return nil
	})
	require.ErrorIs(t, err, ErrTerminalState)

	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.False(t, s.RequestCancel("t1"))
	assert.Equal(t, 0, s.ActiveCount())
}

func TestStoreNotifiesInCommitOrder(t *testing.T) {
	n := &recordingNotifier{}
	s := newTestStore(t, StoreConfig{Notifier: n})
	_, err := s.Create("t1", "hybrid", testSteps)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Mutate(context.Background(), "t1", func(task *Task) error {
				task.Status = StatusRunning
				task.Progress++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got := n.snapshot()
	require.Len(t, got, writers)
	for i, task := range got {
		assert.Equal(t, int64(i+1), task.Revision)
		assert.Equal(t, i+1, task.Progress)
	}
}

func TestStoreRequestCancel(t *testing.T) {
	s := newTestStore(t, StoreConfig{})
	_, err := s.Create("t1", "hybrid", testSteps)
	require.NoError(t, err)

	assert.False(t, s.CancelRequested("t1"))
	assert.True(t, s.RequestCancel("t1"))
	assert.True(t, s.RequestCancel("t1"))
	assert.True(t, s.CancelRequested("t1"))
	assert.False(t, s.RequestCancel("missing"))

	got, err := s.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStoreSweep(t *testing.T) {
	s := newTestStore(t, StoreConfig{Retention: 20 * time.Millisecond})
	for _, id := range []string{"done", "live"} {
		_, err := s.Create(id, "hybrid", testSteps)
		require.NoError(t, err)
	}
	_, err := s.Mutate(context.Background(), "done", func(task *Task) error {
		task.Status = StatusCompleted
		return nil
	})
	require.NoError(t, err)

	assert.Empty(t, s.Sweep())
	time.Sleep(40 * time.Millisecond)

	assert.Equal(t, []string{"done"}, s.Sweep())
	_, err = s.Get("done")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("live")
	require.NoError(t, err)
	assert.Empty(t, s.Sweep())
}

func TestStoreClosed(t *testing.T) {
	s := NewStore(StoreConfig{})
	_, err := s.Create("t1", "hybrid", testSteps)
	require.NoError(t, err)
	s.Close()

	_, err = s.Mutate(context.Background(), "t1", func(*Task) error { return nil })
	require.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.Create("t2", "hybrid", testSteps)
	require.ErrorIs(t, err, ErrStoreClosed)
}

func TestStoreProgressInvariants(t *testing.T) {
	statuses := []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled}

	rapid.Check(t, func(r *rapid.T) {
		s := NewStore(StoreConfig{})
		defer s.Close()
		if _, err := s.Create("t", "hybrid", testSteps); err != nil {
			r.Fatalf("Create() error = %v", err)
		}

		last := 0
		n := rapid.IntRange(1, 20).Draw(r, "mutations")
		for i := 0; i < n; i++ {
			progress := rapid.IntRange(-10, 150).Draw(r, "progress")
			status := rapid.SampledFrom(statuses).Draw(r, "status")
			got, err := s.Mutate(context.Background(), "t", func(task *Task) error {
				task.Progress = progress
				task.Status = status
				return nil
			})
			if err != nil {
				continue
			}
			if got.Progress < last {
				r.Fatalf("progress went from %d to %d", last, got.Progress)
			}
			if (got.Progress == 100) != (got.Status == StatusCompleted) {
				r.Fatalf("progress %d with status %s", got.Progress, got.Status)
			}
			last = got.Progress
			if got.Terminal() {
				break
			}
		}
	})
}

func TestStepStatesJSONKeepsOrder(t *testing.T) {
	states := NewStepStates([]string{"zeta", "alpha", "mid"})
	states.Set("alpha", StepCompleted)

	raw, err := json.Marshal(states)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":"waiting","alpha":"completed","mid":"waiting"}`, string(raw))

	var decoded StepStates
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, states, decoded)
}
