package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/versecraft/internal/workflow"
)

// InMemory is a simple in-process repository for local/dev use.
type InMemory struct {
	mu      sync.RWMutex
	poems   map[string]workflow.Poem
	results map[string]workflow.Result
}

func NewInMemory() *InMemory {
	return &InMemory{
		poems:   make(map[string]workflow.Poem),
		results: make(map[string]workflow.Result),
	}
}

func (s *InMemory) SavePoem(_ context.Context, poem workflow.Poem) error {
	if err := validatePoem(poem); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.poems[poem.ID] = poem
	return nil
}

func (s *InMemory) GetPoem(_ context.Context, id string) (workflow.Poem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	poem, ok := s.poems[strings.TrimSpace(id)]
	if !ok {
		return workflow.Poem{}, fmt.Errorf("%w: %s", workflow.ErrPoemNotFound, id)
	}
	return poem, nil
}

func (s *InMemory) ListPoems(_ context.Context) ([]workflow.Poem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]workflow.Poem, 0, len(s.poems))
	for _, p := range s.poems {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) PersistWorkflowResult(_ context.Context, id string, result workflow.Result) error {
	result.ID = id
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[id] = result.Clone()
	return nil
}

func (s *InMemory) GetWorkflowResult(_ context.Context, id string) (workflow.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[strings.TrimSpace(id)]
	if !ok {
		return workflow.Result{}, fmt.Errorf("%w: %s", ErrResultNotFound, id)
	}
	return r.Clone(), nil
}

func (s *InMemory) Ping(context.Context) error { return nil }

func (s *InMemory) Close() error { return nil }
