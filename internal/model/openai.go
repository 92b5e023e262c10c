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

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/stellarlinkco/agentrun/internal/tool"
)

const defaultOpenAIMaxTokens = 4096

type openaiCompletions interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

type openaiClient struct {
	completions openaiCompletions
	model       string
	maxTokens   int
	maxRetries  int
	temperature *float64
	system      string
}

func newOpenAI(cfg Config) (Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultOpenAIMaxTokens
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultModelRetries
	}

	return &openaiClient{
		completions: &client.Chat.Completions,
		model:       strings.TrimSpace(cfg.Model),
		maxTokens:   maxTokens,
		maxRetries:  retries,
		temperature: cfg.Temperature,
		system:      strings.TrimSpace(cfg.System),
	}, nil
}

func (c *openaiClient) NextTurn(ctx context.Context, req Request) (*Turn, error) {
	params := c.buildParams(req)

	var completion *openai.ChatCompletion
	err := doWithRetry(ctx, c.maxRetries, openaiRetryable, func(ctx context.Context) error {
		var callErr error
		completion, callErr = c.completions.New(ctx, params)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	return openaiTurn(completion), nil
}

func (c *openaiClient) buildParams(req Request) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(c.model),
		MaxCompletionTokens: openai.Int(int64(c.maxTokens)),
		Messages:            convertMessagesToOpenAI(req.Messages, c.system),
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToolsToOpenAI(req.Tools)
	}
	if c.temperature != nil {
		params.Temperature = openai.Float(*c.temperature)
	}
	return params
}

func convertMessagesToOpenAI(msgs []Message, system string) []openai.ChatCompletionMessageParamUnion {
	var result []openai.ChatCompletionMessageParamUnion
	if system != "" {
		result = append(result, openai.SystemMessage(system))
	}

	for _, msg := range msgs {
		switch msg.Role {
		case RoleSystem:
			if trimmed := strings.TrimSpace(msg.Content); trimmed != "" {
				result = append(result, openai.SystemMessage(trimmed))
			}
		case RoleAssistant:
			result = append(result, openaiAssistantMessage(msg))
		case RoleTool:
			for _, res := range msg.ToolResults {
				result = append(result, openai.ToolMessage(res.Content, res.CallID))
			}
		default:
			content := msg.Content
			if strings.TrimSpace(content) == "" {
				content = "."
			}
			result = append(result, openai.UserMessage(content))
		}
	}
	if len(result) == 0 {
		result = append(result, openai.UserMessage("."))
	}
	return result
}

func openaiAssistantMessage(msg Message) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}

	content := msg.Content
	if strings.TrimSpace(content) == "" {
		content = "."
	}
	assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
		OfString: openai.String(content),
	}

	if len(msg.ToolCalls) > 0 {
		var calls []openai.ChatCompletionMessageToolCallParam
		for _, call := range msg.ToolCalls {
			if call.ID == "" || call.Name == "" {
				continue
			}
			argsJSON, _ := json.Marshal(call.Args) //nolint:errcheck
			calls = append(calls, openai.ChatCompletionMessageToolCallParam{
				ID: call.ID,
				Function: openai.ChatCompletionMessageToolCallFunctionParam{
					Name:      call.Name,
					Arguments: string(argsJSON),
				},
			})
		}
		assistant.ToolCalls = calls
	}

	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func convertToolsToOpenAI(tools []tool.Descriptor) []openai.ChatCompletionToolParam {
	var result []openai.ChatCompletionToolParam
	for _, desc := range tools {
		if desc.Name == "" {
			continue
		}
		toolParam := openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:       desc.Name,
				Parameters: functionParameters(desc.InputSchema),
			},
		}
		if desc.Description != "" {
			toolParam.Function.Description = openai.String(desc.Description)
		}
		result = append(result, toolParam)
	}
	return result
}

func functionParameters(schema *jsonschema.Schema) shared.FunctionParameters {
	if schema == nil {
		return shared.FunctionParameters{"type": "object"}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return shared.FunctionParameters{"type": "object"}
	}
	var params shared.FunctionParameters
	if err := json.Unmarshal(data, &params); err != nil {
		return shared.FunctionParameters{"type": "object"}
	}
	if _, ok := params["type"]; !ok {
		params["type"] = "object"
	}
	return params
}

func openaiTurn(completion *openai.ChatCompletion) *Turn {
	turn := &Turn{}
	if completion == nil || len(completion.Choices) == 0 {
		return turn
	}
	choice := completion.Choices[0]

	for _, tc := range choice.Message.ToolCalls {
		if tc.ID == "" || tc.Function.Name == "" {
			continue
		}
		turn.ToolCalls = append(turn.ToolCalls, ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: parseJSONArgs(tc.Function.Arguments),
		})
	}
	turn.Text = choice.Message.Content
	turn.StopReason = string(choice.FinishReason)
	turn.Usage = Usage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}
	return turn
}

func parseJSONArgs(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return map[string]any{"raw": raw}
	}
	return args
}

func openaiRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
