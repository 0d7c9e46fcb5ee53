package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

// newFakeServer returns an httptest.Server answering tools/list and
// tools/call for a single "echo" tool.
func newFakeServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result interface{}
		switch req.Method {
		case "tools/list":
			result = listToolsResult{Tools: []Tool{
				{Name: "echo", Description: "echoes input", InputSchema: json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)},
			}}
		case "tools/call":
			result = callToolResult{Content: []contentBlock{{Type: "text", Text: "echoed"}}}
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: raw})
	}))
}

func TestToolRegistryListAndCallTool(t *testing.T) {
	srv := newFakeServer(t)
	defer srv.Close()

	reg := NewToolRegistry()
	require.NoError(t, reg.AddServer(context.Background(), "demo", TransportConfig{Type: "http", URL: srv.URL}, 4))

	tools := reg.ListTools()
	require.Len(t, tools, 1)
	require.Equal(t, "demo.echo", tools[0].Name)

	result, err := reg.CallTool(context.Background(), ToolCall{Name: "demo.echo", Arguments: `{"text":"hi"}`})
	require.NoError(t, err)
	require.False(t, result.IsError)
	require.Equal(t, "echoed", result.Content)
}

func TestToolRegistryUnknownServer(t *testing.T) {
	reg := NewToolRegistry()
	_, err := reg.CallTool(context.Background(), ToolCall{Name: "missing.tool"})
	require.Error(t, err)
}

func TestToolRegistryRejectsMalformedName(t *testing.T) {
	reg := NewToolRegistry()
	result, err := reg.CallTool(context.Background(), ToolCall{Name: "not-a-valid-name"})
	require.NoError(t, err)
	require.True(t, result.IsError)
}

func TestSplitToolName(t *testing.T) {
	server, tool, err := SplitToolName("kubernetes-server.get_pods")
	require.NoError(t, err)
	require.Equal(t, "kubernetes-server", server)
	require.Equal(t, "get_pods", tool)

	_, _, err = SplitToolName("no-dot-here")
	require.Error(t, err)
}
