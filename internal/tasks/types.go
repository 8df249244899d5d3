package tasks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ent0n29/versecraft/internal/workflow"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

type StepState string

const (
	StepWaiting   StepState = "waiting"
	StepRunning   StepState = "running"
	StepCompleted StepState = "completed"
	StepFailed    StepState = "failed"
)

type StepEntry struct {
	Name  string
	State StepState
}

// StepStates is an ordered step -> state mapping. It serialises as a JSON
// object whose keys keep the sequence order.
type StepStates []StepEntry

func NewStepStates(names []string) StepStates {
	out := make(StepStates, len(names))
	for i, name := range names {
		out[i] = StepEntry{Name: name, State: StepWaiting}
	}
	return out
}

func (s StepStates) Get(name string) (StepState, bool) {
	for _, e := range s {
		if e.Name == name {
			return e.State, true
		}
	}
	return "", false
}

// Set updates the state of name in place. It reports false if name is not
// part of the sequence.
func (s StepStates) Set(name string, state StepState) bool {
	for i := range s {
		if s[i].Name == name {
			s[i].State = state
			return true
		}
	}
	return false
}

func (s StepStates) Names() []string {
	out := make([]string, len(s))
	for i, e := range s {
		out[i] = e.Name
	}
	return out
}

func (s StepStates) Clone() StepStates {
	if s == nil {
		return nil
	}
	return append(StepStates(nil), s...)
}

func (s StepStates) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, e := range s {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(e.Name)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(e.State)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *StepStates) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*s = nil
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("step_states: expected object, got %v", tok)
	}
	out := StepStates{}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("step_states: expected string key, got %v", keyTok)
		}
		var state StepState
		if err := dec.Decode(&state); err != nil {
			return err
		}
		out = append(out, StepEntry{Name: key, State: state})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*s = out
	return nil
}

type Task struct {
	ID           string           `json:"task_id"`
	Mode         string           `json:"mode"`
	Status       Status           `json:"status"`
	Progress     int              `json:"progress"`
	CurrentStep  string           `json:"current_step"`
	StepStates   StepStates       `json:"step_states"`
	StepProgress map[string]int   `json:"step_progress"`
	Message      string           `json:"message"`
	Result       *workflow.Result `json:"result,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`

	// Revision increases by one on every committed mutation.
	Revision int64 `json:"-"`
}

func (t Task) Terminal() bool {
	return t.Status.Terminal()
}

func (t Task) Clone() Task {
	out := t
	out.StepStates = t.StepStates.Clone()
	out.StepProgress = make(map[string]int, len(t.StepProgress))
	for k, v := range t.StepProgress {
		out.StepProgress[k] = v
	}
	if t.Result != nil {
		r := t.Result.Clone()
		out.Result = &r
	}
	return out
}
