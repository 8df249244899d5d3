package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"

	"github.com/ent0n29/versecraft/internal/log"
)

var (
	ErrNotFound        = errors.New("task not found")
	ErrAlreadyExists   = errors.New("task already exists")
	ErrTerminalState   = errors.New("task is in a terminal state")
	ErrInvalidMutation = errors.New("invalid task mutation")
	ErrStoreClosed     = errors.New("task store closed")
)

const DefaultRetention = 5 * time.Minute

// Notifier receives every committed snapshot. Calls for one task arrive
// in commit order from that task's owner goroutine.
type Notifier interface {
	Publish(task Task)
}

type NotifierFunc func(Task)

func (f NotifierFunc) Publish(task Task) { f(task) }

type StoreConfig struct {
	Retention time.Duration
	Notifier  Notifier
	Logger    log.Logger
	Now       func() time.Time
}

func (c *StoreConfig) defaults() {
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.Notifier == nil {
		c.Notifier = NotifierFunc(func(Task) {})
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type request struct {
	// nil fn is a read.
	fn    func(*Task) error
	reply chan response
}

type response struct {
	task Task
	err  error
}

// owner is the single goroutine allowed to touch a live task.
type owner struct {
	id              string
	task            Task
	reqs            chan request
	done            chan struct{}
	cancelRequested atomic.Bool
}

// Store keeps live tasks behind per-task owner goroutines and finished
// tasks in a retention cache until the next Sweep after they expire.
type Store struct {
	cfg StoreConfig

	mu       sync.RWMutex
	live     map[string]*owner
	finished *gocache.Cache
	evicted  []string

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewStore(cfg StoreConfig) *Store {
	cfg.defaults()
	cfg.Logger = cfg.Logger.WithValues(log.Kv{"svc": "tasks.Store"})

	s := &Store{
		cfg:  cfg,
		live: make(map[string]*owner),
		// No janitor: expired entries only leave on Sweep.
		finished: gocache.New(cfg.Retention, 0),
		stop:     make(chan struct{}),
	}
	s.finished.OnEvicted(func(id string, _ any) {
		s.evicted = append(s.evicted, id)
	})
	return s
}

// Create registers a pending task whose steps all start waiting. An empty
// id gets a generated uuid.
func (s *Store) Create(taskID, mode string, steps []string) (Task, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		taskID = uuid.NewString()
	}
	if len(steps) == 0 {
		return Task{}, fmt.Errorf("%w: task needs at least one step", ErrInvalidMutation)
	}

	now := s.cfg.Now().UTC()
	task := Task{
		ID:           taskID,
		Mode:         mode,
		Status:       StatusPending,
		StepStates:   NewStepStates(steps),
		StepProgress: make(map[string]int, len(steps)),
		Message:      "Task created.",
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.stop:
		return Task{}, ErrStoreClosed
	default:
	}
	if _, ok := s.live[taskID]; ok {
		return Task{}, fmt.Errorf("%w: %s", ErrAlreadyExists, taskID)
	}
	if _, ok := s.finished.Get(taskID); ok {
		return Task{}, fmt.Errorf("%w: %s", ErrAlreadyExists, taskID)
	}

	o := &owner{
		id:   taskID,
		task: task,
		reqs: make(chan request),
		done: make(chan struct{}),
	}
	s.live[taskID] = o
	s.wg.Add(1)
	go s.run(o)

	s.cfg.Logger.Debugf("task %s created with mode %s", taskID, mode)
	return task.Clone(), nil
}

func (s *Store) Get(taskID string) (Task, error) {
	return s.send(context.Background(), strings.TrimSpace(taskID), nil)
}

// Mutate applies fn to a copy of the task on its owner goroutine. The copy
// is validated and committed only if fn returns nil.
func (s *Store) Mutate(ctx context.Context, taskID string, fn func(*Task) error) (Task, error) {
	if fn == nil {
		return Task{}, fmt.Errorf("%w: nil mutation", ErrInvalidMutation)
	}
	return s.send(ctx, strings.TrimSpace(taskID), fn)
}

func (s *Store) send(ctx context.Context, taskID string, fn func(*Task) error) (Task, error) {
	s.mu.RLock()
	o, ok := s.live[taskID]
	s.mu.RUnlock()
	if !ok {
		return s.finishedTask(taskID, fn != nil)
	}

	req := request{fn: fn, reply: make(chan response, 1)}
	select {
	case o.reqs <- req:
	case <-o.done:
		// Retired between lookup and send.
		return s.finishedTask(taskID, fn != nil)
	case <-s.stop:
		return Task{}, ErrStoreClosed
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
	resp := <-req.reply
	return resp.task, resp.err
}

func (s *Store) finishedTask(taskID string, mutation bool) (Task, error) {
	v, ok := s.finished.Get(taskID)
	if !ok {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	task := v.(Task)
	if mutation {
		return Task{}, fmt.Errorf("%w: %s is %s", ErrTerminalState, taskID, task.Status)
	}
	return task.Clone(), nil
}

func (s *Store) run(o *owner) {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case req := <-o.reqs:
			if req.fn == nil {
				req.reply <- response{task: o.task.Clone()}
				continue
			}

			next := o.task.Clone()
			if err := req.fn(&next); err != nil {
				req.reply <- response{err: err}
				continue
			}
			if err := validate(o.task, &next); err != nil {
				req.reply <- response{err: err}
				continue
			}
			next.Revision = o.task.Revision + 1
			next.UpdatedAt = s.cfg.Now().UTC()
			o.task = next

			s.cfg.Notifier.Publish(next.Clone())
			if next.Terminal() {
				s.retire(o)
				req.reply <- response{task: next.Clone()}
				return
			}
			req.reply <- response{task: next.Clone()}
		}
	}
}

func (s *Store) retire(o *owner) {
	s.mu.Lock()
	delete(s.live, o.id)
	s.finished.SetDefault(o.id, o.task.Clone())
	s.mu.Unlock()
	close(o.done)
	s.cfg.Logger.Debugf("task %s finished as %s", o.id, o.task.Status)
}

func validate(prev Task, next *Task) error {
	// Identity fields are owned by the store.
	next.ID = prev.ID
	next.Mode = prev.Mode
	next.CreatedAt = prev.CreatedAt

	if len(next.StepStates) != len(prev.StepStates) {
		return fmt.Errorf("%w: step sequence changed", ErrInvalidMutation)
	}
	for i := range prev.StepStates {
		if next.StepStates[i].Name != prev.StepStates[i].Name {
			return fmt.Errorf("%w: step sequence changed", ErrInvalidMutation)
		}
		switch next.StepStates[i].State {
		case StepWaiting, StepRunning, StepCompleted, StepFailed:
		default:
			return fmt.Errorf("%w: unknown step state %q", ErrInvalidMutation, next.StepStates[i].State)
		}
	}
	if next.CurrentStep != "" {
		if _, ok := next.StepStates.Get(next.CurrentStep); !ok {
			return fmt.Errorf("%w: current step %q is not in the sequence", ErrInvalidMutation, next.CurrentStep)
		}
	}
	for name := range next.StepProgress {
		if _, ok := next.StepStates.Get(name); !ok {
			return fmt.Errorf("%w: step progress for unknown step %q", ErrInvalidMutation, name)
		}
	}

	switch next.Status {
	case StatusPending:
		if prev.Status != StatusPending {
			return fmt.Errorf("%w: cannot return to pending", ErrInvalidMutation)
		}
	case StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidMutation, next.Status)
	}

	if next.Progress < prev.Progress {
		next.Progress = prev.Progress
	}
	if next.Progress < 0 {
		next.Progress = 0
	}
	if next.Status == StatusCompleted {
		next.Progress = 100
	} else {
		if next.Progress > 99 {
			next.Progress = 99
		}
		next.Result = nil
	}
	return nil
}

// RequestCancel sets the cooperative cancellation flag. It reports false
// when the task is unknown or already finished.
func (s *Store) RequestCancel(taskID string) bool {
	s.mu.RLock()
	o, ok := s.live[strings.TrimSpace(taskID)]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	o.cancelRequested.Store(true)
	return true
}

func (s *Store) CancelRequested(taskID string) bool {
	s.mu.RLock()
	o, ok := s.live[strings.TrimSpace(taskID)]
	s.mu.RUnlock()
	return ok && o.cancelRequested.Load()
}

// ActiveCount returns the number of tasks that have not finished yet.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

// Sweep drops finished tasks past the retention window and returns their ids.
func (s *Store) Sweep() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished.DeleteExpired()
	ids := s.evicted
	s.evicted = nil
	if len(ids) > 0 {
		s.cfg.Logger.Debugf("swept %d finished tasks", len(ids))
	}
	return ids
}

// Close stops every owner goroutine. Live tasks are discarded.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}
