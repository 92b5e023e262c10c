// Package run drives the execution loop of one job: iterative model turns,
// tool invocation, policy enforcement, and output validation with
// self-correction, until exactly one terminal result is produced.
package run

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stellarlinkco/agentrun/internal/bus"
	"github.com/stellarlinkco/agentrun/internal/job"
	"github.com/stellarlinkco/agentrun/internal/model"
	"github.com/stellarlinkco/agentrun/internal/policy"
	"github.com/stellarlinkco/agentrun/internal/schema"
	"github.com/stellarlinkco/agentrun/internal/tool"
)

// toolProvider is the slice of the registry the loop needs. *tool.Registry
// satisfies it.
type toolProvider interface {
	Discover(ctx context.Context) ([]tool.Descriptor, error)
	Warnings() []string
	Invoke(ctx context.Context, name string, args map[string]any) (*tool.Result, error)
	Close()
}

// Option configures a Loop.
type Option func(*Loop)

// WithBus attaches an event bus; lifecycle events are published to it.
func WithBus(b *bus.Bus) Option {
	return func(l *Loop) { l.events = b }
}

// Loop executes one job. A Loop is single-use: Run may be called once.
type Loop struct {
	job    *job.Job
	client model.Client
	tools  toolProvider
	guard  *policy.Guard
	events *bus.Bus

	conv     conversation
	catalog  []tool.Descriptor
	snapshot policy.Snapshot

	started   time.Time
	steps     []StepRecord
	usage     Usage
	totalCost float64

	// consecutive schema-validation failures, reset by any tool step
	corrections int
}

// New builds a loop for one job. The registry is owned by the loop from this
// point on and is closed on every exit path of Run.
func New(j *job.Job, client model.Client, tools toolProvider, opts ...Option) *Loop {
	l := &Loop{
		job:    j,
		client: client,
		tools:  tools,
		guard: policy.NewGuard(policy.Limits{
			Timeout:    j.Policy.Timeout(),
			MaxCostUSD: j.Policy.MaxCostUSD,
			MaxSteps:   j.Policy.MaxSteps,
		}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the loop until a terminal state and returns its single
// result. Cancellation of ctx is observed at the start of the next iteration
// at the latest and terminates the run as failed, not as an error.
func (l *Loop) Run(ctx context.Context) *Result {
	defer l.tools.Close()
	l.started = time.Now()

	catalog, err := l.tools.Discover(ctx)
	if err != nil {
		log.Printf("[run] %s tool discovery failed: %v", l.job.Metadata.TraceID, err)
		return l.finish(StatusError, nil, "", fmt.Sprintf("tool discovery: %v", err))
	}
	l.catalog = catalog
	l.conv.seed(l.job, catalog)

	log.Printf("[run] %s started: %d tools, timeout %s", l.job.Metadata.TraceID, len(catalog), l.job.Policy.Timeout())
	l.publish(bus.RunStarted, bus.RunStartedPayload{Goal: l.job.Goal, ToolCount: len(catalog)})

	for {
		if ctx.Err() != nil {
			return l.finish(StatusFailed, nil, "", "cancelled")
		}
		if decision := l.guard.Check(l.snapshot); !decision.Allow {
			log.Printf("[run] %s policy denied: %s (%s)", l.job.Metadata.TraceID, decision.Reason, decision.Detail)
			return l.finish(StatusPolicyViolation, nil, decision.Reason, decision.Detail)
		}

		stepStart := time.Now()
		turn, err := l.client.NextTurn(ctx, model.Request{Messages: l.conv.snapshot(), Tools: l.catalog})
		if err != nil {
			if ctx.Err() != nil {
				return l.finish(StatusFailed, nil, "", "cancelled")
			}
			log.Printf("[run] %s model fault: %v", l.job.Metadata.TraceID, err)
			return l.finish(StatusError, nil, "", err.Error())
		}
		if turn == nil {
			return l.finish(StatusError, nil, "", "model returned an empty turn")
		}

		l.usage.InputTokens += turn.Usage.InputTokens
		l.usage.OutputTokens += turn.Usage.OutputTokens
		costDelta := l.job.Model.Pricing.Cost(turn.Usage.InputTokens, turn.Usage.OutputTokens)
		l.totalCost += costDelta

		if turn.IsToolRequest() {
			l.runToolStep(ctx, turn, stepStart, costDelta)
			continue
		}

		text := strings.TrimSpace(turn.Text)
		if text == "" {
			return l.finish(StatusError, nil, "", "model returned an empty turn")
		}

		data, validation := l.validateCandidate(text)
		if validation.Valid {
			l.recordStep(StepRecord{
				Kind:     StepKindAnswer,
				Duration: time.Since(stepStart),
				CostUSD:  costDelta,
			})
			return l.finish(StatusSuccess, data, "", "")
		}

		l.corrections++
		if l.job.Policy.MaxRetries > 0 && l.corrections > l.job.Policy.MaxRetries {
			l.recordStep(StepRecord{
				Kind:     StepKindCorrection,
				Duration: time.Since(stepStart),
				CostUSD:  costDelta,
				Detail:   fmt.Sprintf("%d schema violations", len(validation.Errors)),
			})
			detail := fmt.Sprintf("output failed schema validation after %d correction attempts", l.corrections)
			return l.finish(StatusFailed, nil, "", detail)
		}

		l.conv.appendAssistantTurn(turn)
		l.conv.appendCorrection(validation.Instruction())
		duration := time.Since(stepStart)
		l.recordStep(StepRecord{
			Kind:     StepKindCorrection,
			Duration: duration,
			CostUSD:  costDelta,
			Detail:   fmt.Sprintf("%d schema violations", len(validation.Errors)),
		})
		l.snapshot = l.guard.RecordStep(l.snapshot, costDelta, duration)
		l.publish(bus.ValidationFailed, bus.ValidationFailedPayload{Violations: len(validation.Errors)})
	}
}

// runToolStep executes every tool call of one model turn sequentially and
// feeds the outcomes back into the conversation. Tool faults are recoverable
// and surface as error-flagged results, never as a run abort.
func (l *Loop) runToolStep(ctx context.Context, turn *model.Turn, stepStart time.Time, costDelta float64) {
	l.conv.appendAssistantTurn(turn)
	l.corrections = 0

	names := make([]string, 0, len(turn.ToolCalls))
	results := make([]model.ToolResult, 0, len(turn.ToolCalls))
	for _, call := range turn.ToolCalls {
		names = append(names, call.Name)
		res, err := l.tools.Invoke(ctx, call.Name, call.Args)
		if err != nil {
			log.Printf("[run] %s tool %s failed: %v", l.job.Metadata.TraceID, call.Name, err)
			results = append(results, model.ToolResult{
				CallID:  call.ID,
				Name:    call.Name,
				Content: err.Error(),
				IsError: true,
			})
			l.publish(bus.ToolInvoked, bus.ToolInvokedPayload{Tool: call.Name, Err: err.Error()})
			continue
		}
		results = append(results, model.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: res.Content,
		})
		l.publish(bus.ToolInvoked, bus.ToolInvokedPayload{Tool: call.Name})
	}
	l.conv.appendToolResults(results)

	duration := time.Since(stepStart)
	l.recordStep(StepRecord{
		Kind:     StepKindTool,
		Tools:    names,
		Duration: duration,
		CostUSD:  costDelta,
	})
	l.snapshot = l.guard.RecordStep(l.snapshot, costDelta, duration)
}

// validateCandidate routes a candidate final answer through the validator.
// Without a schema every non-empty candidate passes; a candidate that is not
// itself a JSON object is wrapped so callers always receive a mapping.
func (l *Loop) validateCandidate(text string) (map[string]any, schema.Result) {
	if l.job.OutputSchema == nil {
		data, err := schema.DecodeCandidate(text)
		if err != nil {
			data = map[string]any{"output": text}
		}
		return data, schema.Result{Valid: true}
	}

	data, err := schema.DecodeCandidate(text)
	if err != nil {
		return nil, schema.Result{Errors: []schema.Violation{{
			Path:     "",
			Expected: "JSON object",
			Actual:   "unparseable text",
			Message:  err.Error(),
		}}}
	}
	return data, schema.Validate(data, l.job.OutputSchema)
}

func (l *Loop) recordStep(rec StepRecord) {
	rec.Index = len(l.steps) + 1
	l.steps = append(l.steps, rec)
	l.publish(bus.StepCompleted, bus.StepCompletedPayload{
		Step:     rec.Index,
		Kind:     rec.Kind,
		Duration: rec.Duration,
		CostUSD:  rec.CostUSD,
	})
}

func (l *Loop) finish(status Status, data map[string]any, reason policy.Reason, lastError string) *Result {
	elapsed := time.Since(l.started)
	result := &Result{
		Status: status,
		Data:   data,
		Diagnostic: Diagnostic{
			Goal:         l.job.Goal,
			TraceID:      l.job.Metadata.TraceID,
			Steps:        l.steps,
			Warnings:     l.tools.Warnings(),
			PolicyReason: reason,
			LastError:    lastError,
			Usage:        l.usage,
			CostUSD:      l.totalCost,
			Elapsed:      elapsed,
		},
	}
	log.Printf("[run] %s finished: %s (%d steps, $%.6f, %s)", l.job.Metadata.TraceID, status, len(l.steps), l.totalCost, elapsed.Round(time.Millisecond))
	l.publish(bus.RunFinished, bus.RunFinishedPayload{
		Status:       string(status),
		Steps:        len(l.steps),
		CostUSD:      l.totalCost,
		Elapsed:      elapsed,
		PolicyReason: string(reason),
		LastError:    lastError,
	})
	return result
}

func (l *Loop) publish(t bus.EventType, payload any) {
	if l.events == nil {
		return
	}
	_ = l.events.Publish(bus.Event{ //nolint:errcheck
		Type:    t,
		TraceID: l.job.Metadata.TraceID,
		Payload: payload,
	})
}
