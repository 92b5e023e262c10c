// Package job defines the declarative description of one agent run: the
// goal, the tool servers it may reach, the required output shape, the model
// to drive it, and the policy ceilings that bound it. A Job is immutable
// once loaded.
package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/google/uuid"
)

// Transport kinds for tool servers.
const (
	TransportStdio = "stdio"
	TransportSSE   = "sse"
)

// ToolServer describes one tool provider the run may connect to.
type ToolServer struct {
	ID        string            `json:"id"`
	Transport string            `json:"transport"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	URL       string            `json:"url,omitempty"`
}

// Pricing holds per-million-token rates used for cost accounting. Zero rates
// mean the run accrues no cost and a budget ceiling never triggers.
type Pricing struct {
	InputPerMTok  float64 `json:"inputPerMTok,omitempty"`
	OutputPerMTok float64 `json:"outputPerMTok,omitempty"`
}

// Cost computes the dollar cost of a token count pair.
func (p Pricing) Cost(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.InputPerMTok/1e6 + float64(outputTokens)*p.OutputPerMTok/1e6
}

// ModelConfig selects and parameterises the model for a run.
type ModelConfig struct {
	Provider    string   `json:"provider,omitempty"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"maxTokens,omitempty"`
	Pricing     Pricing  `json:"pricing,omitempty"`
}

// Policy carries the execution ceilings. TimeoutSeconds is required and must
// be positive for the run to proceed past the first policy check.
type Policy struct {
	TimeoutSeconds float64  `json:"timeoutSeconds"`
	MaxCostUSD     *float64 `json:"maxCostUsd,omitempty"`
	MaxSteps       int      `json:"maxSteps,omitempty"`
	MaxRetries     int      `json:"maxRetries,omitempty"`
}

// Timeout returns the wall-clock ceiling as a duration.
func (p Policy) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds * float64(time.Second))
}

// Metadata carries identifiers that travel with the run. Schedule is a cron
// expression consumed by the scheduler; the loop itself ignores it.
type Metadata struct {
	TraceID  string            `json:"traceId,omitempty"`
	Schedule string            `json:"schedule,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// Job is the immutable input of one run.
type Job struct {
	Goal         string             `json:"goal"`
	Context      map[string]any     `json:"context,omitempty"`
	ToolServers  []ToolServer       `json:"toolServers,omitempty"`
	OutputSchema *jsonschema.Schema `json:"outputSchema,omitempty"`
	Model        ModelConfig        `json:"modelConfig"`
	Policy       Policy             `json:"executionPolicy"`
	Metadata     Metadata           `json:"metadata,omitempty"`
}

// Validate checks the structural requirements of a job. It reports the first
// defect found; transport-level reachability is only discovered at run start.
func (j *Job) Validate() error {
	if strings.TrimSpace(j.Goal) == "" {
		return fmt.Errorf("job: goal is required")
	}
	if j.Policy.TimeoutSeconds < 0 {
		return fmt.Errorf("job: timeoutSeconds must not be negative")
	}
	if j.Policy.MaxSteps < 0 {
		return fmt.Errorf("job: maxSteps must not be negative")
	}
	if j.Policy.MaxCostUSD != nil && *j.Policy.MaxCostUSD < 0 {
		return fmt.Errorf("job: maxCostUsd must not be negative")
	}
	seen := make(map[string]struct{}, len(j.ToolServers))
	for i, srv := range j.ToolServers {
		if strings.TrimSpace(srv.ID) == "" {
			return fmt.Errorf("job: toolServers[%d]: id is required", i)
		}
		if _, dup := seen[srv.ID]; dup {
			return fmt.Errorf("job: toolServers[%d]: duplicate server id %q", i, srv.ID)
		}
		seen[srv.ID] = struct{}{}
		switch srv.Transport {
		case TransportStdio:
			if strings.TrimSpace(srv.Command) == "" {
				return fmt.Errorf("job: toolServers[%d] (%s): stdio transport requires command", i, srv.ID)
			}
		case TransportSSE:
			if strings.TrimSpace(srv.URL) == "" {
				return fmt.Errorf("job: toolServers[%d] (%s): sse transport requires url", i, srv.ID)
			}
		default:
			return fmt.Errorf("job: toolServers[%d] (%s): unknown transport %q", i, srv.ID, srv.Transport)
		}
	}
	return nil
}

// EnsureTrace fills in a trace id when the job did not carry one.
func (j *Job) EnsureTrace() {
	if strings.TrimSpace(j.Metadata.TraceID) == "" {
		j.Metadata.TraceID = uuid.NewString()
	}
}
