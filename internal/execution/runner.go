package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ent0n29/versecraft/internal/log"
	"github.com/ent0n29/versecraft/internal/observability"
	"github.com/ent0n29/versecraft/internal/reliability"
	"github.com/ent0n29/versecraft/internal/workflow"
)

type Config struct {
	MaxRetries  int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	Metrics     *observability.Metrics
	Logger      log.Logger
}

func (c *Config) defaults() {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 4 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
}

// Runner invokes the LLM for one step, retrying retryable failures with
// capped exponential backoff.
type Runner struct {
	caller workflow.LLMCaller
	cfg    Config
}

func NewRunner(caller workflow.LLMCaller, cfg Config) *Runner {
	cfg.defaults()
	cfg.Logger = cfg.Logger.WithValues(log.Kv{"svc": "execution.Runner"})
	return &Runner{caller: caller, cfg: cfg}
}

func (r *Runner) RunStep(ctx context.Context, step workflow.StepName, prompt workflow.Prompt, model string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, r.cfg.BackoffBase, r.cfg.BackoffCap)
			r.cfg.Logger.Warningf("retrying %s in %s (attempt %d): %v", step, wait, attempt+1, lastErr)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %s: %v", workflow.ErrUpstream, step, ctx.Err())
			case <-time.After(wait):
			}
		}

		raw, err := r.caller.Invoke(ctx, step, prompt, model)
		if err == nil {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				r.cfg.Metrics.ObserveLLMCall(string(step), "empty")
				return "", fmt.Errorf("%w: %s: empty response", workflow.ErrUpstream, step)
			}
			r.cfg.Metrics.ObserveLLMCall(string(step), "ok")
			return raw, nil
		}

		lastErr = err
		r.cfg.Metrics.ObserveLLMCall(string(step), "error")
		if !reliability.IsRetryable(err) {
			break
		}
	}
	return "", fmt.Errorf("%w: %s: %w", workflow.ErrUpstream, step, lastErr)
}
