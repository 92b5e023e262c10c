package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// newLookupServer builds a real MCP server with one tool. A lookup for the
// key "missing" reports a tool-level error instead of failing the protocol.
func newLookupServer(t *testing.T) *mcpsdk.Server {
	t.Helper()

	server := mcpsdk.NewServer(&mcpsdk.Implementation{Name: "lookup-server", Version: "test"}, nil)
	server.AddTool(&mcpsdk.Tool{
		Name:        "lookup",
		Description: "look up a record by key",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"key": map[string]any{"type": "string"},
			},
			"required": []any{"key"},
		},
	}, func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
		var args map[string]any
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return nil, err
		}
		key, _ := args["key"].(string)
		if key == "missing" {
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "record not found"}},
			}, nil
		}
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "value for " + key}},
		}, nil
	})
	return server
}

// newConnectedServer wires a Server to newLookupServer over in-memory
// transports and tears both sessions down with the test.
func newConnectedServer(t *testing.T) Server {
	t.Helper()

	clientTransport, serverTransport := mcpsdk.NewInMemoryTransports()

	serverCtx, serverCancel := context.WithCancel(context.Background())
	serverSession, err := newLookupServer(t).Connect(serverCtx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect failed: %v", err)
	}

	srv, err := connect(context.Background(), "records", clientTransport)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() {
		_ = srv.Close()
		_ = serverSession.Close()
		serverCancel()
	})
	return srv
}

func TestMCPServerListTools(t *testing.T) {
	srv := newConnectedServer(t)

	tools, err := srv.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools error: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("tools = %+v, want one", tools)
	}
	d := tools[0]
	if d.Name != "lookup" || d.ServerID != "records" {
		t.Errorf("descriptor = %+v", d)
	}
	if d.InputSchema == nil || d.InputSchema.Type != "object" {
		t.Fatalf("input schema not decoded: %+v", d.InputSchema)
	}
	if len(d.InputSchema.Required) != 1 || d.InputSchema.Required[0] != "key" {
		t.Errorf("required = %v, want [key]", d.InputSchema.Required)
	}
}

func TestMCPServerCall(t *testing.T) {
	srv := newConnectedServer(t)

	res, err := srv.Call(context.Background(), "lookup", map[string]any{"key": "alpha"})
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if res.Content != "value for alpha" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestMCPServerCallToolError(t *testing.T) {
	srv := newConnectedServer(t)

	_, err := srv.Call(context.Background(), "lookup", map[string]any{"key": "missing"})
	if err == nil || !strings.Contains(err.Error(), "record not found") {
		t.Fatalf("err = %v, want the tool-reported message", err)
	}
}

func TestDecodeInputSchema(t *testing.T) {
	if s, err := decodeInputSchema(nil); err != nil || s != nil {
		t.Errorf("nil input: schema=%v err=%v", s, err)
	}

	orig := &jsonschema.Schema{Type: "object"}
	if s, err := decodeInputSchema(orig); err != nil || s != orig {
		t.Errorf("typed input not passed through: schema=%v err=%v", s, err)
	}

	s, err := decodeInputSchema(map[string]any{
		"type":     "object",
		"required": []any{"key"},
	})
	if err != nil {
		t.Fatalf("map input: %v", err)
	}
	if s.Type != "object" || len(s.Required) != 1 || s.Required[0] != "key" {
		t.Errorf("decoded schema = %+v", s)
	}

	if _, err := decodeInputSchema(func() {}); err == nil {
		t.Error("unmarshalable input did not error")
	}
}
