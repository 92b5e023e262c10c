package job

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jsonJob = `{
  "goal": "summarize the report",
  "context": {"report": "q3.pdf"},
  "toolServers": [
    {"id": "fs", "transport": "stdio", "command": "mcp-fs", "args": ["--root", "/data"]},
    {"id": "search", "transport": "sse", "url": "https://tools.example.com/sse"}
  ],
  "outputSchema": {
    "type": "object",
    "required": ["summary"],
    "properties": {"summary": {"type": "string"}}
  },
  "modelConfig": {"model": "claude-sonnet-4-5-20250929", "maxTokens": 2048},
  "executionPolicy": {"timeoutSeconds": 120, "maxCostUsd": 0.5, "maxSteps": 10},
  "metadata": {"traceId": "run-123"}
}`

const yamlJob = `goal: summarize the report
toolServers:
  - id: fs
    transport: stdio
    command: mcp-fs
outputSchema:
  type: object
  required: [summary]
executionPolicy:
  timeoutSeconds: 120
  maxSteps: 10
metadata:
  schedule: "0 0 * * * *"
`

func writeTemp(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_JSON(t *testing.T) {
	j, err := Load(writeTemp(t, "job.json", jsonJob))
	require.NoError(t, err)

	assert.Equal(t, "summarize the report", j.Goal)
	assert.Equal(t, "q3.pdf", j.Context["report"])
	require.Len(t, j.ToolServers, 2)
	assert.Equal(t, TransportStdio, j.ToolServers[0].Transport)
	assert.Equal(t, []string{"--root", "/data"}, j.ToolServers[0].Args)
	assert.Equal(t, TransportSSE, j.ToolServers[1].Transport)

	require.NotNil(t, j.OutputSchema)
	assert.Equal(t, []string{"summary"}, j.OutputSchema.Required)

	assert.Equal(t, float64(120), j.Policy.TimeoutSeconds)
	require.NotNil(t, j.Policy.MaxCostUSD)
	assert.Equal(t, 0.5, *j.Policy.MaxCostUSD)
	assert.Equal(t, "run-123", j.Metadata.TraceID)
}

func TestLoad_YAML(t *testing.T) {
	j, err := Load(writeTemp(t, "job.yaml", yamlJob))
	require.NoError(t, err)

	assert.Equal(t, "summarize the report", j.Goal)
	require.NotNil(t, j.OutputSchema)
	assert.Equal(t, []string{"summary"}, j.OutputSchema.Required)
	assert.Equal(t, "0 0 * * * *", j.Metadata.Schedule)
	assert.NotEmpty(t, j.Metadata.TraceID, "trace id should be generated when absent")
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	_, err := Load(writeTemp(t, "job.toml", "goal = 'x'"))
	assert.ErrorContains(t, err, "unsupported extension")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Job)
		wantErr string
	}{
		{"missing goal", func(j *Job) { j.Goal = " " }, "goal is required"},
		{"negative timeout", func(j *Job) { j.Policy.TimeoutSeconds = -1 }, "timeoutSeconds"},
		{"negative steps", func(j *Job) { j.Policy.MaxSteps = -2 }, "maxSteps"},
		{"stdio without command", func(j *Job) {
			j.ToolServers = []ToolServer{{ID: "a", Transport: TransportStdio}}
		}, "requires command"},
		{"sse without url", func(j *Job) {
			j.ToolServers = []ToolServer{{ID: "a", Transport: TransportSSE}}
		}, "requires url"},
		{"unknown transport", func(j *Job) {
			j.ToolServers = []ToolServer{{ID: "a", Transport: "grpc"}}
		}, "unknown transport"},
		{"duplicate server ids", func(j *Job) {
			j.ToolServers = []ToolServer{
				{ID: "a", Transport: TransportStdio, Command: "x"},
				{ID: "a", Transport: TransportStdio, Command: "y"},
			}
		}, "duplicate server id"},
		{"server without id", func(j *Job) {
			j.ToolServers = []ToolServer{{Transport: TransportStdio, Command: "x"}}
		}, "id is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := &Job{Goal: "g", Policy: Policy{TimeoutSeconds: 60}}
			tc.mutate(j)
			assert.ErrorContains(t, j.Validate(), tc.wantErr)
		})
	}

	valid := &Job{Goal: "g", Policy: Policy{TimeoutSeconds: 60}}
	assert.NoError(t, valid.Validate())
}

func TestPricing_Cost(t *testing.T) {
	p := Pricing{InputPerMTok: 3, OutputPerMTok: 15}
	assert.InDelta(t, 0.003+0.0075, p.Cost(1_000_000, 500_000), 1e-9)
	assert.Zero(t, Pricing{}.Cost(1000, 1000))
}

func TestEnsureTrace_PreservesExisting(t *testing.T) {
	j := &Job{Metadata: Metadata{TraceID: "keep-me"}}
	j.EnsureTrace()
	assert.Equal(t, "keep-me", j.Metadata.TraceID)

	j = &Job{}
	j.EnsureTrace()
	assert.NotEmpty(t, j.Metadata.TraceID)
}
