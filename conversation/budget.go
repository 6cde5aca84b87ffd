package conversation

import (
	"fmt"
	"math"
	"unicode/utf8"

	"voicegate/core"
)

const (
	DefaultMaxContext      = 128000
	DefaultTriggerFraction = 0.90
	DefaultTargetFraction  = 0.80
)

// Estimator approximates the token cost of one piece of content.
type Estimator func(content string) int

// CharEstimate is the default estimator: one token per four characters,
// rounded up. It is an approximation, not a tokenizer.
func CharEstimate(content string) int {
	return (utf8.RuneCountInString(content) + 3) / 4
}

// Budgeter decides when the history has grown too large for the inference
// backend's context and how far to cut it back.
type Budgeter struct {
	maxContext int
	trigger    float64
	target     float64
	estimate   Estimator
}

// NewBudgeter validates the thresholds. target must be strictly below
// trigger, otherwise trimming never settles.
func NewBudgeter(maxContext int, trigger, target float64) (*Budgeter, error) {
	if maxContext <= 0 {
		return nil, &core.StartupConfigError{Key: "conversation.max_context", Reason: fmt.Sprintf("must be positive, got %d", maxContext)}
	}
	if math.IsNaN(trigger) || trigger <= 0 || trigger > 1 {
		return nil, &core.StartupConfigError{Key: "conversation.trigger_fraction", Reason: fmt.Sprintf("must be in (0, 1], got %v", trigger)}
	}
	if math.IsNaN(target) || target <= 0 {
		return nil, &core.StartupConfigError{Key: "conversation.target_fraction", Reason: fmt.Sprintf("must be positive, got %v", target)}
	}
	if target >= trigger {
		return nil, &core.StartupConfigError{
			Key:    "conversation.target_fraction",
			Reason: fmt.Sprintf("must be below trigger_fraction (%v >= %v)", target, trigger),
		}
	}
	return &Budgeter{
		maxContext: maxContext,
		trigger:    trigger,
		target:     target,
		estimate:   CharEstimate,
	}, nil
}

// WithEstimator returns a copy of b that uses est. A real tokenizer can be
// plugged in here.
func (b *Budgeter) WithEstimator(est Estimator) *Budgeter {
	cp := *b
	cp.estimate = est
	return &cp
}

// MaxContext is the total token budget.
func (b *Budgeter) MaxContext() int { return b.maxContext }

// EstimateTokens sums the estimate over every turn.
func (b *Budgeter) EstimateTokens(turns []core.Turn) int {
	total := 0
	for _, t := range turns {
		total += b.estimate(t.Content)
	}
	return total
}

// Usage is estimate as a fraction of the context budget.
func (b *Budgeter) Usage(estimate int) float64 {
	return float64(estimate) / float64(b.maxContext)
}

// NeedsTrim reports whether estimate has reached the trigger fraction.
func (b *Budgeter) NeedsTrim(estimate int) bool {
	return b.Usage(estimate) >= b.trigger
}

// TargetTokens is the estimate trimming cuts down to.
func (b *Budgeter) TargetTokens() float64 {
	return float64(b.maxContext) * b.target
}

// Trim drops the oldest turns one at a time until the estimate is at or
// below the target or nothing is left. kept is always a suffix of turns.
func (b *Budgeter) Trim(turns []core.Turn) (kept []core.Turn, removed int) {
	costs := make([]int, len(turns))
	remaining := 0
	for i, t := range turns {
		costs[i] = b.estimate(t.Content)
		remaining += costs[i]
	}

	limit := b.TargetTokens()
	for removed < len(turns) && float64(remaining) > limit {
		remaining -= costs[removed]
		removed++
	}
	return turns[removed:], removed
}
