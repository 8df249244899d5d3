package workflow

import (
	"fmt"
	"strings"
)

// Context keys carried between steps.
const (
	KeyPoemID                     = "poem_id"
	KeyPoemTitle                  = "poem_title"
	KeyPoemAuthor                 = "poem_author"
	KeyOriginalPoem               = "original_poem"
	KeySourceLang                 = "source_lang"
	KeyTargetLang                 = "target_lang"
	KeyInitialTranslation         = "initial_translation"
	KeyInitialTranslationNotes    = "initial_translation_notes"
	KeyTranslatedPoemTitle        = "translated_poem_title"
	KeyEditorSuggestions          = "editor_suggestions"
	KeyRevisedTranslation         = "revised_translation"
	KeyRevisedTranslationNotes    = "revised_translation_notes"
	KeyRefinedTranslatedPoemTitle = "refined_translated_poem_title"
)

// Step is one stage of the pipeline as resolved for a mode.
type Step struct {
	Name      StepName
	Variant   Variant
	Threshold int
}

// Template returns the prompt template name, e.g. "editor_review.reasoning".
func (s Step) Template() string {
	return string(s.Name) + "." + string(s.Variant)
}

type stepSpec struct {
	threshold int
	requires  []string
	shape     OutputShape
	// parsed field -> context key
	fold map[string]string
}

var stepOrder = []StepName{StepInitialTranslation, StepEditorReview, StepTranslatorRevision}

var inputKeys = []string{KeyPoemTitle, KeyOriginalPoem, KeySourceLang, KeyTargetLang}

var stepSpecs = map[StepName]stepSpec{
	StepInitialTranslation: {
		threshold: 33,
		requires:  inputKeys,
		shape: OutputShape{
			Required: []string{"translated_poem_title", "translated_poem"},
			Optional: []string{"translation_notes"},
		},
		fold: map[string]string{
			"translated_poem_title": KeyTranslatedPoemTitle,
			"translated_poem":       KeyInitialTranslation,
			"translation_notes":     KeyInitialTranslationNotes,
		},
	},
	StepEditorReview: {
		threshold: 66,
		requires:  append(append([]string(nil), inputKeys...), KeyInitialTranslation, KeyTranslatedPoemTitle),
		shape: OutputShape{
			Required: []string{"editor_suggestions"},
		},
		fold: map[string]string{
			"editor_suggestions": KeyEditorSuggestions,
		},
	},
	StepTranslatorRevision: {
		threshold: 90,
		requires:  append(append([]string(nil), inputKeys...), KeyInitialTranslation, KeyTranslatedPoemTitle, KeyEditorSuggestions),
		shape: OutputShape{
			Required: []string{"revised_translated_poem_title", "revised_translated_poem"},
			Optional: []string{"revision_notes"},
		},
		fold: map[string]string{
			"revised_translated_poem_title": KeyRefinedTranslatedPoemTitle,
			"revised_translated_poem":       KeyRevisedTranslation,
			"revision_notes":                KeyRevisedTranslationNotes,
		},
	},
}

var variants = map[Mode][3]Variant{
	ModeReasoning:    {VariantReasoning, VariantReasoning, VariantReasoning},
	ModeNonReasoning: {VariantNonReasoning, VariantNonReasoning, VariantNonReasoning},
	ModeHybrid:       {VariantNonReasoning, VariantReasoning, VariantNonReasoning},
	ModeManual:       {VariantNonReasoning, VariantNonReasoning, VariantNonReasoning},
}

func ParseMode(raw string) (Mode, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := variants[mode]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, raw)
	}
	return mode, nil
}

// Sequence returns the ordered steps for mode. The result is the same for
// every call with the same mode.
func Sequence(mode Mode) ([]Step, error) {
	v, ok := variants[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	steps := make([]Step, len(stepOrder))
	for i, name := range stepOrder {
		steps[i] = Step{Name: name, Variant: v[i], Threshold: stepSpecs[name].threshold}
	}
	return steps, nil
}

func StepNames(steps []Step) []string {
	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = string(s.Name)
	}
	return names
}

// ShapeFor returns the fields the response to step must carry.
func ShapeFor(step StepName) (OutputShape, bool) {
	spec, ok := stepSpecs[step]
	if !ok {
		return OutputShape{}, false
	}
	return spec.shape, true
}

// Sequencer renders step prompts from the accumulated context.
type Sequencer struct {
	prompts PromptBuilder
}

func NewSequencer(prompts PromptBuilder) *Sequencer {
	return &Sequencer{prompts: prompts}
}

func (s *Sequencer) BuildPrompt(step Step, wctx Context) (Prompt, error) {
	spec, ok := stepSpecs[step.Name]
	if !ok {
		return Prompt{}, fmt.Errorf("%w: unknown step %q", ErrInvalidMode, step.Name)
	}
	for _, key := range spec.requires {
		if strings.TrimSpace(wctx[key]) == "" {
			return Prompt{}, fmt.Errorf("%w: %s requires %q", ErrMissingContext, step.Name, key)
		}
	}
	system, user, err := s.prompts.Render(step.Template(), wctx.Clone())
	if err != nil {
		return Prompt{}, fmt.Errorf("render %s: %w", step.Template(), err)
	}
	return Prompt{
		Template: step.Template(),
		System:   system,
		User:     user,
		Expected: spec.shape,
	}, nil
}
