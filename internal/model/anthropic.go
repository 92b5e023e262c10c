package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/param"
	"github.com/google/jsonschema-go/jsonschema"

	"github.com/stellarlinkco/agentrun/internal/tool"
)

const (
	defaultAnthropicMaxTokens = 4096
	defaultModelRetries       = 3
)

type anthropicMessages interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

type anthropicClient struct {
	msgs        anthropicMessages
	model       anthropicsdk.Model
	maxTokens   int
	maxRetries  int
	temperature *float64
	system      string
}

func newAnthropic(cfg Config) (Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("anthropic: api key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropicsdk.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultModelRetries
	}

	return &anthropicClient{
		msgs:        &client.Messages,
		model:       anthropicsdk.Model(strings.TrimSpace(cfg.Model)),
		maxTokens:   maxTokens,
		maxRetries:  retries,
		temperature: cfg.Temperature,
		system:      strings.TrimSpace(cfg.System),
	}, nil
}

// NextTurn issues a single non-streaming completion for the conversation.
func (c *anthropicClient) NextTurn(ctx context.Context, req Request) (*Turn, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return nil, err
	}

	var msg *anthropicsdk.Message
	err = doWithRetry(ctx, c.maxRetries, anthropicRetryable, func(ctx context.Context) error {
		var callErr error
		msg, callErr = c.msgs.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return anthropicTurn(msg), nil
}

func (c *anthropicClient) buildParams(req Request) (anthropicsdk.MessageNewParams, error) {
	systemBlocks, messageParams := convertMessages(req.Messages, c.system)

	params := anthropicsdk.MessageNewParams{
		Model:     c.model,
		MaxTokens: int64(c.maxTokens),
		Messages:  messageParams,
	}
	if len(systemBlocks) > 0 {
		params.System = systemBlocks
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return anthropicsdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	if c.temperature != nil {
		params.Temperature = param.NewOpt(*c.temperature)
	}
	return params, nil
}

func convertMessages(msgs []Message, system string) ([]anthropicsdk.TextBlockParam, []anthropicsdk.MessageParam) {
	var systemBlocks []anthropicsdk.TextBlockParam
	if system != "" {
		systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: system})
	}

	messageParams := make([]anthropicsdk.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			if trimmed := strings.TrimSpace(msg.Content); trimmed != "" {
				systemBlocks = append(systemBlocks, anthropicsdk.TextBlockParam{Text: trimmed})
			}
		case RoleAssistant:
			messageParams = append(messageParams, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleAssistant,
				Content: assistantBlocks(msg),
			})
		case RoleTool:
			messageParams = append(messageParams, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: toolResultBlocks(msg),
			})
		default:
			text := msg.Content
			if strings.TrimSpace(text) == "" {
				text = "."
			}
			messageParams = append(messageParams, anthropicsdk.MessageParam{
				Role:    anthropicsdk.MessageParamRoleUser,
				Content: []anthropicsdk.ContentBlockParamUnion{anthropicsdk.NewTextBlock(text)},
			})
		}
	}
	return systemBlocks, messageParams
}

func assistantBlocks(msg Message) []anthropicsdk.ContentBlockParamUnion {
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
	if strings.TrimSpace(msg.Content) != "" {
		blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
	}
	for _, call := range msg.ToolCalls {
		if call.ID == "" || call.Name == "" {
			continue
		}
		args := call.Args
		if args == nil {
			args = map[string]any{}
		}
		blocks = append(blocks, anthropicsdk.NewToolUseBlock(call.ID, args, call.Name))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropicsdk.NewTextBlock("."))
	}
	return blocks
}

func toolResultBlocks(msg Message) []anthropicsdk.ContentBlockParamUnion {
	blocks := make([]anthropicsdk.ContentBlockParamUnion, 0, len(msg.ToolResults))
	for _, res := range msg.ToolResults {
		if res.CallID == "" {
			continue
		}
		blocks = append(blocks, anthropicsdk.NewToolResultBlock(res.CallID, res.Content, res.IsError))
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
	}
	return blocks
}

func convertTools(tools []tool.Descriptor) ([]anthropicsdk.ToolUnionParam, error) {
	out := make([]anthropicsdk.ToolUnionParam, 0, len(tools))
	for _, desc := range tools {
		if desc.Name == "" {
			continue
		}
		schemaParam, err := encodeInputSchema(desc.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s schema: %w", desc.Name, err)
		}
		toolParam := anthropicsdk.ToolParam{
			Name:        desc.Name,
			InputSchema: schemaParam,
		}
		if desc.Description != "" {
			toolParam.Description = anthropicsdk.String(desc.Description)
		}
		out = append(out, anthropicsdk.ToolUnionParam{OfTool: &toolParam})
	}
	return out, nil
}

func encodeInputSchema(schema *jsonschema.Schema) (anthropicsdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return anthropicsdk.ToolInputSchemaParam{Type: "object"}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	var out anthropicsdk.ToolInputSchemaParam
	if err := json.Unmarshal(data, &out); err != nil {
		return anthropicsdk.ToolInputSchemaParam{}, err
	}
	if out.Type == "" {
		out.Type = "object"
	}
	return out, nil
}

func anthropicTurn(msg *anthropicsdk.Message) *Turn {
	turn := &Turn{}
	if msg == nil {
		return turn
	}
	var textParts []string
	for _, block := range msg.Content {
		switch block.Type {
		case "tool_use":
			if block.ID == "" || block.Name == "" {
				continue
			}
			turn.ToolCalls = append(turn.ToolCalls, ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: decodeArgs(block.Input),
			})
		case "text":
			if block.Text != "" {
				textParts = append(textParts, block.Text)
			}
		}
	}
	turn.Text = strings.Join(textParts, "")
	turn.StopReason = string(msg.StopReason)
	turn.Usage = Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return turn
}

func decodeArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return args
}

func anthropicRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// doWithRetry runs fn until success, a non-retryable error, or retry
// exhaustion, backing off quadratically between attempts.
func doWithRetry(ctx context.Context, maxRetries int, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := 0
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) || attempts >= maxRetries {
			return err
		}
		attempts++
		backoff := time.Duration(attempts*attempts) * 100 * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}
