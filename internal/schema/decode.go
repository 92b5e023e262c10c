package schema

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeCandidate parses a model's final answer text into a JSON object.
// Models frequently wrap JSON in a markdown code fence; a single fenced block
// is unwrapped before parsing.
func DecodeCandidate(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("candidate answer is empty")
	}
	trimmed = stripFence(trimmed)

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return nil, fmt.Errorf("candidate is not a JSON object: %w", err)
	}
	return obj, nil
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	rest := strings.TrimPrefix(s, "```")
	if idx := strings.IndexByte(rest, '\n'); idx >= 0 {
		rest = rest[idx+1:]
	}
	if idx := strings.LastIndex(rest, "```"); idx >= 0 {
		rest = rest[:idx]
	}
	return strings.TrimSpace(rest)
}
