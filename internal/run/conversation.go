package run

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/stellarlinkco/agentrun/internal/job"
	"github.com/stellarlinkco/agentrun/internal/model"
	"github.com/stellarlinkco/agentrun/internal/tool"
)

// conversation is the append-only turn history of one run. It is owned by a
// single loop instance and needs no locking.
type conversation struct {
	messages []model.Message
}

// seed builds the opening turns from the job's goal, optional context, and
// the discovered tool catalog.
func (c *conversation) seed(j *job.Job, catalog []tool.Descriptor) {
	var sb strings.Builder
	sb.WriteString(j.Goal)

	if len(j.Context) > 0 {
		keys := make([]string, 0, len(j.Context))
		for k := range j.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("\n\nContext:\n")
		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("- %s: %s\n", k, renderContextValue(j.Context[k])))
		}
	}

	if len(catalog) > 0 {
		sb.WriteString("\nAvailable tools:\n")
		for _, desc := range catalog {
			if desc.Description != "" {
				sb.WriteString(fmt.Sprintf("- %s: %s\n", desc.Name, desc.Description))
			} else {
				sb.WriteString(fmt.Sprintf("- %s\n", desc.Name))
			}
		}
	}

	if j.OutputSchema != nil {
		if encoded, err := json.Marshal(j.OutputSchema); err == nil {
			sb.WriteString("\nYour final answer must be a single JSON object matching this schema:\n")
			sb.Write(encoded)
			sb.WriteString("\n")
		}
	}

	c.append(model.Message{Role: model.RoleUser, Content: sb.String()})
}

func (c *conversation) append(msg model.Message) {
	c.messages = append(c.messages, msg)
}

// appendAssistantTurn records the model's move verbatim.
func (c *conversation) appendAssistantTurn(turn *model.Turn) {
	c.append(model.Message{
		Role:      model.RoleAssistant,
		Content:   turn.Text,
		ToolCalls: turn.ToolCalls,
	})
}

// appendToolResults records tool outcomes, success and recoverable failure
// alike, as a single tool turn.
func (c *conversation) appendToolResults(results []model.ToolResult) {
	c.append(model.Message{Role: model.RoleTool, ToolResults: results})
}

// appendCorrection re-injects a validation failure as a user turn requesting
// a corrected answer.
func (c *conversation) appendCorrection(instruction string) {
	c.append(model.Message{Role: model.RoleUser, Content: instruction})
}

func (c *conversation) snapshot() []model.Message {
	return c.messages
}

func renderContextValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	}
}
