package run

import (
	"time"

	"github.com/stellarlinkco/agentrun/internal/policy"
)

// Status is the terminal category of a run. Exactly one is produced per run.
type Status string

const (
	StatusSuccess         Status = "success"
	StatusFailed          Status = "failed"
	StatusPolicyViolation Status = "policy_violation"
	StatusError           Status = "error"
)

// Step kinds recorded in the diagnostic trace.
const (
	StepKindTool       = "tool"
	StepKindAnswer     = "answer"
	StepKindCorrection = "correction"
)

// StepRecord is one iteration of the loop as seen from outside: what the
// model asked for, what it cost, and how long it took.
type StepRecord struct {
	Index    int           `json:"index"`
	Kind     string        `json:"kind"`
	Tools    []string      `json:"tools,omitempty"`
	Duration time.Duration `json:"duration"`
	CostUSD  float64       `json:"costUsd,omitempty"`
	Detail   string        `json:"detail,omitempty"`
}

// Usage aggregates token consumption across all model turns of a run.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
}

// Diagnostic explains the run's outcome regardless of status.
type Diagnostic struct {
	Goal         string        `json:"goal"`
	TraceID      string        `json:"traceId,omitempty"`
	Steps        []StepRecord  `json:"steps"`
	Warnings     []string      `json:"warnings,omitempty"`
	PolicyReason policy.Reason `json:"policyReason,omitempty"`
	LastError    string        `json:"lastError,omitempty"`
	Usage        Usage         `json:"usage"`
	CostUSD      float64       `json:"costUsd"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Result is the single terminal outcome of one job execution. Data is
// present only on success.
type Result struct {
	Status     Status         `json:"status"`
	Data       map[string]any `json:"data,omitempty"`
	Diagnostic Diagnostic     `json:"diagnostic"`
}
