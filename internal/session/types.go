package session

import (
	"time"

	"github.com/ent0n29/versecraft/internal/workflow"
)

const (
	StatusContinue  = "continue"
	StatusCompleted = "completed"
)

// StepRecord is what a human submitted for one step.
type StepRecord struct {
	ModelName   string            `json:"model_name"`
	LLMResponse string            `json:"llm_response"`
	ParsedData  map[string]string `json:"parsed_data"`
	Timestamp   time.Time         `json:"timestamp"`
}

type Session struct {
	ID               string                `json:"session_id"`
	PoemID           string                `json:"poem_id"`
	SourceLang       string                `json:"source_lang"`
	TargetLang       string                `json:"target_lang"`
	Mode             workflow.Mode         `json:"mode"`
	StepSequence     []string              `json:"step_sequence"`
	CurrentStepIndex int                   `json:"current_step_index"`
	CompletedSteps   map[string]StepRecord `json:"completed_steps"`
	CreatedAt        time.Time             `json:"created_at"`
}

// StepPrompt is the next step a human has to run.
type StepPrompt struct {
	SessionID  string          `json:"session_id"`
	StepName   string          `json:"step_name"`
	StepIndex  int             `json:"step_index"`
	TotalSteps int             `json:"total_steps"`
	Prompt     workflow.Prompt `json:"prompt"`
}

type SubmitResult struct {
	Status     string           `json:"status"`
	StepName   string           `json:"step_name,omitempty"`
	StepIndex  int              `json:"step_index,omitempty"`
	TotalSteps int              `json:"total_steps"`
	Prompt     *workflow.Prompt `json:"prompt,omitempty"`
	Result     *workflow.Result `json:"result,omitempty"`
}

func clone(s Session) Session {
	out := s
	out.StepSequence = append([]string(nil), s.StepSequence...)
	out.CompletedSteps = make(map[string]StepRecord, len(s.CompletedSteps))
	for k, v := range s.CompletedSteps {
		parsed := make(map[string]string, len(v.ParsedData))
		for pk, pv := range v.ParsedData {
			parsed[pk] = pv
		}
		v.ParsedData = parsed
		out.CompletedSteps[k] = v
	}
	return out
}
