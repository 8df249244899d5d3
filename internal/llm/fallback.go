package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/versecraft/internal/workflow"
)

// FallbackCaller attempts a primary caller first and falls back on error.
type FallbackCaller struct {
	primary  workflow.LLMCaller
	fallback workflow.LLMCaller
}

func NewFallbackCaller(primary, fallback workflow.LLMCaller) *FallbackCaller {
	return &FallbackCaller{primary: primary, fallback: fallback}
}

func (c *FallbackCaller) Invoke(ctx context.Context, step workflow.StepName, prompt workflow.Prompt, model string) (string, error) {
	if c == nil || c.primary == nil {
		if c != nil && c.fallback != nil {
			return c.fallback.Invoke(ctx, step, prompt, model)
		}
		return "", fmt.Errorf("fallback caller misconfigured")
	}

	out, err := c.primary.Invoke(ctx, step, prompt, model)
	if err == nil {
		return out, nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || c.fallback == nil {
		return "", err
	}

	out, fallbackErr := c.fallback.Invoke(ctx, step, prompt, model)
	if fallbackErr != nil {
		return "", fmt.Errorf("primary caller error: %w; fallback caller error: %v", err, fallbackErr)
	}
	return out, nil
}
