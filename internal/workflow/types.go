// Package workflow describes the poem translation pipeline: which steps
// run for a mode, what each step needs and produces, and how outputs are
// carried into the next step.
package workflow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrInvalidMode    = errors.New("invalid workflow mode")
	ErrMissingContext = errors.New("missing workflow context")
	ErrPoemNotFound   = errors.New("poem not found")
	ErrParse          = errors.New("unparseable llm response")
	ErrUpstream       = errors.New("upstream failure")
)

type Mode string

const (
	ModeReasoning    Mode = "reasoning"
	ModeNonReasoning Mode = "non_reasoning"
	ModeHybrid       Mode = "hybrid"
	ModeManual       Mode = "manual"
)

type StepName string

const (
	StepInitialTranslation StepName = "initial_translation"
	StepEditorReview       StepName = "editor_review"
	StepTranslatorRevision StepName = "translator_revision"
)

// Variant selects the prompt family and model class used for a step.
type Variant string

const (
	VariantReasoning    Variant = "reasoning"
	VariantNonReasoning Variant = "non_reasoning"
)

type Poem struct {
	ID         string `json:"id" yaml:"id"`
	Title      string `json:"title" yaml:"title"`
	Author     string `json:"author" yaml:"author"`
	Text       string `json:"text" yaml:"text"`
	SourceLang string `json:"source_lang" yaml:"source_lang"`
}

// Result is the aggregated outcome of a finished workflow, persisted by the
// repository under the task or session id.
type Result struct {
	ID                      string              `json:"id"`
	PoemID                  string              `json:"poem_id"`
	Mode                    Mode                `json:"mode"`
	SourceLang              string              `json:"source_lang"`
	TargetLang              string              `json:"target_lang"`
	InitialTranslation      string              `json:"initial_translation"`
	InitialTranslationNotes string              `json:"initial_translation_notes,omitempty"`
	EditorSuggestions       string              `json:"editor_suggestions"`
	RevisedTranslation      string              `json:"revised_translation"`
	RevisedTranslationNotes string              `json:"revised_translation_notes,omitempty"`
	TranslatedTitle         string              `json:"translated_title"`
	Models                  map[StepName]string `json:"models"`
	RevisionDiff            string              `json:"revision_diff"`
	CreatedAt               time.Time           `json:"created_at"`
}

// Clone returns a deep copy of r.
func (r Result) Clone() Result {
	out := r
	if r.Models != nil {
		out.Models = make(map[StepName]string, len(r.Models))
		for k, v := range r.Models {
			out.Models[k] = v
		}
	}
	return out
}

// Prompt is what a step sends to the LLM.
type Prompt struct {
	Template string      `json:"template"`
	System   string      `json:"system"`
	User     string      `json:"user"`
	Expected OutputShape `json:"expected"`
}

// OutputShape lists the fields a step's response must carry.
type OutputShape struct {
	Required []string `json:"required"`
	Optional []string `json:"optional,omitempty"`
}

type Repository interface {
	GetPoem(ctx context.Context, id string) (Poem, error)
	PersistWorkflowResult(ctx context.Context, id string, result Result) error
}

type LLMCaller interface {
	Invoke(ctx context.Context, step StepName, prompt Prompt, model string) (string, error)
}

type OutputParser interface {
	Parse(step StepName, raw string) (map[string]string, error)
}

type PromptBuilder interface {
	Render(template string, vars map[string]string) (system string, user string, err error)
}
