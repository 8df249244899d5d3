package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ent0n29/versecraft/internal/workflow"
)

// MockCaller returns deterministic well-formed replies for local runs.
type MockCaller struct{}

func NewMockCaller() *MockCaller { return &MockCaller{} }

func (c *MockCaller) Invoke(ctx context.Context, step workflow.StepName, prompt workflow.Prompt, model string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}

	var reply map[string]string
	switch step {
	case workflow.StepInitialTranslation:
		reply = map[string]string{
			"translated_poem_title": "Draft title",
			"translated_poem":       "Draft translation",
			"translation_notes":     fmt.Sprintf("mock draft by %s", model),
		}
	case workflow.StepEditorReview:
		reply = map[string]string{
			"editor_suggestions": "1. Keep the imagery concrete.\n2. Tighten the last line.",
		}
	case workflow.StepTranslatorRevision:
		reply = map[string]string{
			"revised_translated_poem_title": "Revised title",
			"revised_translated_poem":       "Revised translation",
			"revision_notes":                "applied both suggestions",
		}
	default:
		return "", fmt.Errorf("mock caller has no reply for step %q", step)
	}

	data, err := json.Marshal(reply)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
