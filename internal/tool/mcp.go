package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	mcpClientName    = "agentrun"
	mcpClientVersion = "dev"

	connectTimeout = 10 * time.Second
)

// mcpServer adapts one MCP client session to the Server capability. The
// underlying transport may be asynchronous; each Call surfaces exactly one
// outcome.
type mcpServer struct {
	id      string
	session *mcpsdk.ClientSession
}

// NewStdioServer launches command as a child process and speaks MCP over its
// stdio pipes. The child is terminated when the server is closed.
func NewStdioServer(ctx context.Context, id, command string, args []string, env map[string]string) (Server, error) {
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("server %s: stdio command is empty", id)
	}
	cmd := exec.CommandContext(ctx, command, args...) // #nosec G204
	if len(env) > 0 {
		cmd.Env = os.Environ()
		for key, value := range env {
			cmd.Env = append(cmd.Env, key+"="+value)
		}
	}
	return connect(ctx, id, &mcpsdk.CommandTransport{Command: cmd})
}

// NewSSEServer connects to an MCP server over an SSE HTTP endpoint.
func NewSSEServer(ctx context.Context, id, endpoint string) (Server, error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, fmt.Errorf("server %s: SSE endpoint must be an http(s) URL, got %q", id, endpoint)
	}
	return connect(ctx, id, &mcpsdk.SSEClientTransport{Endpoint: endpoint})
}

func connect(ctx context.Context, id string, transport mcpsdk.Transport) (Server, error) {
	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    mcpClientName,
		Version: mcpClientVersion,
	}, nil)

	session, err := client.Connect(connectCtx, transport, nil)
	if err != nil {
		if ctxErr := connectCtx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("connect server %s: %w", id, ctxErr)
		}
		return nil, fmt.Errorf("connect server %s: %w", id, err)
	}
	if session.InitializeResult() == nil {
		_ = session.Close()
		return nil, fmt.Errorf("connect server %s: session missing initialize result", id)
	}
	return &mcpServer{id: id, session: session}, nil
}

func (s *mcpServer) ID() string { return s.id }

func (s *mcpServer) ListTools(ctx context.Context) ([]Descriptor, error) {
	var descriptors []Descriptor
	for t, err := range s.session.Tools(ctx, nil) {
		if err != nil {
			return nil, err
		}
		if t == nil {
			continue
		}
		inputSchema, err := decodeInputSchema(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: decode input schema: %w", t.Name, err)
		}
		descriptors = append(descriptors, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema,
			ServerID:    s.id,
		})
	}
	return descriptors, nil
}

func (s *mcpServer) Call(ctx context.Context, name string, args map[string]any) (*Result, error) {
	res, err := s.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, errors.New("call returned nil result")
	}
	content := flattenContent(res)
	if res.IsError {
		if content == "" {
			content = "tool reported an error"
		}
		return nil, errors.New(content)
	}
	return &Result{Content: content}, nil
}

func (s *mcpServer) Close() error {
	return s.session.Close()
}

// decodeInputSchema normalizes whatever schema representation the server
// advertised into the one the model adapters encode. The wire protocol types
// it as free-form JSON.
func decodeInputSchema(raw any) (*jsonschema.Schema, error) {
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(*jsonschema.Schema); ok {
		return s, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	s := &jsonschema.Schema{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// flattenContent collapses the result's content blocks to text. Structured
// content, when present, takes precedence since it carries the full payload.
func flattenContent(res *mcpsdk.CallToolResult) string {
	if res.StructuredContent != nil {
		if data, err := json.Marshal(res.StructuredContent); err == nil {
			return string(data)
		}
	}
	var parts []string
	for _, block := range res.Content {
		if text, ok := block.(*mcpsdk.TextContent); ok && text.Text != "" {
			parts = append(parts, text.Text)
		}
	}
	return strings.Join(parts, "\n")
}
