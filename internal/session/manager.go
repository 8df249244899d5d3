// Package session drives the translation workflow one step at a time for a
// human who runs each prompt in an external LLM and pastes the reply back.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ent0n29/versecraft/internal/log"
	"github.com/ent0n29/versecraft/internal/observability"
	"github.com/ent0n29/versecraft/internal/workflow"
)

var (
	ErrSessionNotFound = errors.New("manual session not found")
	ErrStepMismatch    = errors.New("step does not match the session's current step")
	ErrInvalidState    = errors.New("manual session is not accepting submissions")

	ErrPoemNotFound    = workflow.ErrPoemNotFound
	ErrParse           = workflow.ErrParse
	ErrUpstream        = workflow.ErrUpstream
	ErrInvalidLanguage = workflow.ErrInvalidLanguage
)

type Config struct {
	Metrics *observability.Metrics
	Logger  log.Logger
	Now     func() time.Time
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "session.Manager"})
	if c.Now == nil {
		c.Now = time.Now
	}
}

type entry struct {
	mu        sync.Mutex
	session   Session
	steps     []workflow.Step
	wctx      workflow.Context
	finalized bool
	expired   bool
}

type Manager struct {
	cfg       Config
	repo      workflow.Repository
	sequencer *workflow.Sequencer
	parser    workflow.OutputParser

	mu       sync.RWMutex
	sessions map[string]*entry
	entropy  io.Reader
}

func NewManager(cfg Config, repo workflow.Repository, sequencer *workflow.Sequencer, parser workflow.OutputParser) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:       cfg,
		repo:      repo,
		sequencer: sequencer,
		parser:    parser,
		sessions:  make(map[string]*entry),
		entropy:   ulid.Monotonic(rand.Reader, 0),
	}
}

// Start opens a session for poemID and returns the first step's prompt.
// An empty sourceLang falls back to the poem's own language.
func (m *Manager) Start(ctx context.Context, poemID, targetLang, sourceLang string) (StepPrompt, error) {
	poemID = strings.TrimSpace(poemID)
	target, err := workflow.NormalizeLanguage(targetLang)
	if err != nil {
		return StepPrompt{}, err
	}

	poem, err := m.repo.GetPoem(ctx, poemID)
	if err != nil {
		if errors.Is(err, ErrPoemNotFound) {
			return StepPrompt{}, err
		}
		return StepPrompt{}, fmt.Errorf("%w: load poem %s: %v", ErrUpstream, poemID, err)
	}

	source := strings.TrimSpace(sourceLang)
	if source == "" {
		source = poem.SourceLang
	}
	if source != "" {
		if source, err = workflow.NormalizeLanguage(source); err != nil {
			return StepPrompt{}, err
		}
	}

	steps, err := workflow.Sequence(workflow.ModeManual)
	if err != nil {
		return StepPrompt{}, err
	}
	wctx := workflow.NewContext(poem, source, target)
	prompt, err := m.sequencer.BuildPrompt(steps[0], wctx)
	if err != nil {
		return StepPrompt{}, err
	}

	now := m.cfg.Now().UTC()
	m.mu.Lock()
	id, err := ulid.New(ulid.Timestamp(now), m.entropy)
	if err != nil {
		m.mu.Unlock()
		return StepPrompt{}, fmt.Errorf("generate session id: %w", err)
	}
	e := &entry{
		session: Session{
			ID:             id.String(),
			PoemID:         poem.ID,
			SourceLang:     source,
			TargetLang:     target,
			Mode:           workflow.ModeManual,
			StepSequence:   workflow.StepNames(steps),
			CompletedSteps: make(map[string]StepRecord),
			CreatedAt:      now,
		},
		steps: steps,
		wctx:  wctx,
	}
	m.sessions[e.session.ID] = e
	count := len(m.sessions)
	m.mu.Unlock()

	m.cfg.Metrics.SetManualSessions(count)
	m.cfg.Logger.Infof("manual session %s started for poem %s (%s -> %s)", e.session.ID, poem.ID, source, target)

	return StepPrompt{
		SessionID:  e.session.ID,
		StepName:   string(steps[0].Name),
		StepIndex:  0,
		TotalSteps: len(steps),
		Prompt:     prompt,
	}, nil
}

// Submit records the response for the session's current step. Nothing
// changes on error, so a failed submission can be retried.
func (m *Manager) Submit(ctx context.Context, sessionID, stepName, llmResponse, modelName string) (SubmitResult, error) {
	sessionID = strings.TrimSpace(sessionID)
	m.mu.RLock()
	e, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.expired {
		return SubmitResult{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if e.finalized {
		return SubmitResult{}, fmt.Errorf("%w: %s already completed", ErrInvalidState, sessionID)
	}

	idx := e.session.CurrentStepIndex
	current := e.steps[idx]
	if strings.TrimSpace(stepName) != string(current.Name) {
		m.cfg.Metrics.ObserveManualSubmit("mismatch")
		return SubmitResult{}, fmt.Errorf("%w: expected %q, got %q", ErrStepMismatch, current.Name, stepName)
	}

	parsed, err := m.parser.Parse(current.Name, llmResponse)
	if err != nil {
		m.cfg.Metrics.ObserveManualSubmit("parse_error")
		if !errors.Is(err, ErrParse) {
			err = fmt.Errorf("%w: %v", ErrParse, err)
		}
		return SubmitResult{}, err
	}

	now := m.cfg.Now().UTC()
	record := StepRecord{
		ModelName:   strings.TrimSpace(modelName),
		LLMResponse: llmResponse,
		ParsedData:  parsed,
		Timestamp:   now,
	}
	nextCtx := workflow.Fold(current.Name, e.wctx, parsed)

	if idx+1 == len(e.steps) {
		models := make(map[workflow.StepName]string, len(e.steps))
		for name, rec := range e.session.CompletedSteps {
			models[workflow.StepName(name)] = rec.ModelName
		}
		models[current.Name] = record.ModelName

		result := workflow.BuildResult(sessionID, workflow.ModeManual, nextCtx, models, now)
		if err := m.repo.PersistWorkflowResult(ctx, sessionID, result); err != nil {
			m.cfg.Metrics.ObserveManualSubmit("persist_error")
			return SubmitResult{}, fmt.Errorf("%w: persist result for %s: %v", ErrUpstream, sessionID, err)
		}

		e.finalized = true
		m.mu.Lock()
		delete(m.sessions, sessionID)
		count := len(m.sessions)
		m.mu.Unlock()

		m.cfg.Metrics.ObserveManualSubmit("completed")
		m.cfg.Metrics.SetManualSessions(count)
		m.cfg.Logger.Infof("manual session %s completed", sessionID)
		return SubmitResult{
			Status:     StatusCompleted,
			TotalSteps: len(e.steps),
			Result:     &result,
		}, nil
	}

	next := e.steps[idx+1]
	prompt, err := m.sequencer.BuildPrompt(next, nextCtx)
	if err != nil {
		return SubmitResult{}, err
	}

	e.wctx = nextCtx
	e.session.CompletedSteps[string(current.Name)] = record
	e.session.CurrentStepIndex = idx + 1
	m.cfg.Metrics.ObserveManualSubmit("continue")

	return SubmitResult{
		Status:     StatusContinue,
		StepName:   string(next.Name),
		StepIndex:  idx + 1,
		TotalSteps: len(e.steps),
		Prompt:     &prompt,
	}, nil
}

func (m *Manager) Get(sessionID string) (Session, bool) {
	m.mu.RLock()
	e, ok := m.sessions[strings.TrimSpace(sessionID)]
	m.mu.RUnlock()
	if !ok {
		return Session{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return clone(e.session), true
}

// List returns open sessions ordered by id, which is creation order.
func (m *Manager) List() []Session {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, clone(e.session))
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// CleanupExpired removes sessions older than maxAge and returns how many
// were removed. A session with a submission in flight is removed after that
// submission returns.
func (m *Manager) CleanupExpired(maxAge time.Duration) int {
	now := m.cfg.Now().UTC()

	m.mu.RLock()
	expired := make(map[string]*entry)
	for id, e := range m.sessions {
		// CreatedAt never changes after Start.
		if now.Sub(e.session.CreatedAt) > maxAge {
			expired[id] = e
		}
	}
	m.mu.RUnlock()

	removed := 0
	for id, e := range expired {
		// Entry lock before manager lock, same order as Submit.
		e.mu.Lock()
		m.mu.Lock()
		if m.sessions[id] == e {
			delete(m.sessions, id)
			e.expired = true
			removed++
		}
		m.mu.Unlock()
		e.mu.Unlock()
	}
	count := m.Count()

	if removed > 0 {
		m.cfg.Metrics.ObserveSweep(0, removed)
		m.cfg.Metrics.SetManualSessions(count)
		m.cfg.Logger.Infof("removed %d expired manual sessions", removed)
	}
	return removed
}
