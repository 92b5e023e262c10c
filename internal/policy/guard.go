// Package policy enforces the execution ceilings of a single run: wall-clock
// time, accumulated cost, and step count.
package policy

import (
	"fmt"
	"time"
)

// Reason identifies which ceiling a denial is attributed to.
type Reason string

const (
	ReasonTimeout   Reason = "TimeoutExceeded"
	ReasonBudget    Reason = "BudgetExceeded"
	ReasonStepLimit Reason = "StepLimitExceeded"
)

// Limits holds the immutable ceilings for a run. A nil MaxCostUSD or a zero
// MaxSteps disables the corresponding check; Timeout is always enforced.
type Limits struct {
	Timeout    time.Duration
	MaxCostUSD *float64
	MaxSteps   int
}

// Snapshot is the accumulated state of a run, mutated only through
// RecordStep. Counters never decrease within a run.
type Snapshot struct {
	Elapsed time.Duration
	CostUSD float64
	Steps   int

	// estimate of the next step's duration, maintained as the mean of
	// recorded step durations
	stepTotal time.Duration
}

// Decision is the outcome of a Check call.
type Decision struct {
	Allow  bool
	Reason Reason
	Detail string
}

// Guard answers whether another step may proceed against a fixed set of
// limits. Check has no side effects; RecordStep is the only mutator and
// returns the successor snapshot.
type Guard struct {
	limits Limits
}

func NewGuard(limits Limits) *Guard {
	return &Guard{limits: limits}
}

// Limits returns the configured ceilings.
func (g *Guard) Limits() Limits {
	return g.limits
}

// Check evaluates the ceilings in fixed order: timeout, budget, step count.
// The first violated rule is the reported reason. Time and cost use strict
// comparison against the ceiling; the discrete step count uses >=.
func (g *Guard) Check(s Snapshot) Decision {
	if g.limits.Timeout <= 0 || s.Elapsed+s.estimateNext() > g.limits.Timeout {
		return Decision{
			Reason: ReasonTimeout,
			Detail: fmt.Sprintf("elapsed %s with estimated next step exceeds timeout %s", s.Elapsed, g.limits.Timeout),
		}
	}
	if g.limits.MaxCostUSD != nil && s.CostUSD > *g.limits.MaxCostUSD {
		return Decision{
			Reason: ReasonBudget,
			Detail: fmt.Sprintf("accumulated cost $%.6f exceeds budget $%.6f", s.CostUSD, *g.limits.MaxCostUSD),
		}
	}
	if g.limits.MaxSteps > 0 && s.Steps >= g.limits.MaxSteps {
		return Decision{
			Reason: ReasonStepLimit,
			Detail: fmt.Sprintf("step count %d reached limit %d", s.Steps, g.limits.MaxSteps),
		}
	}
	return Decision{Allow: true}
}

// RecordStep accumulates one completed iteration into the snapshot. Negative
// deltas are clamped to zero so counters stay monotonic.
func (g *Guard) RecordStep(s Snapshot, costDelta float64, stepDuration time.Duration) Snapshot {
	if costDelta > 0 {
		s.CostUSD += costDelta
	}
	if stepDuration < 0 {
		stepDuration = 0
	}
	s.Elapsed += stepDuration
	s.stepTotal += stepDuration
	s.Steps++
	return s
}

// estimateNext predicts the next step's duration from the mean of recorded
// steps. Zero before the first step completes.
func (s Snapshot) estimateNext() time.Duration {
	if s.Steps == 0 {
		return 0
	}
	return s.stepTotal / time.Duration(s.Steps)
}
