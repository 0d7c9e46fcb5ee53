package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localmind/localmind/internal/mcp"
)

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func newFakeToolServer(t *testing.T, isError bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     int64  `json:"id"`
			Method string `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var result interface{}
		switch req.Method {
		case "tools/list":
			result = struct {
				Tools []mcp.Tool `json:"tools"`
			}{Tools: []mcp.Tool{{Name: "get_forecast", Description: "forecast"}}}
		case "tools/call":
			result = struct {
				Content []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				} `json:"content"`
				IsError bool `json:"isError"`
			}{
				Content: []struct {
					Type string `json:"type"`
					Text string `json:"text"`
				}{{Type: "text", Text: "sunny"}},
				IsError: isError,
			}
		}
		raw, _ := json.Marshal(result)
		json.NewEncoder(w).Encode(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      int64           `json:"id"`
			Result  json.RawMessage `json:"result"`
		}{"2.0", req.ID, raw})
	}))
}

func TestCallToolFormatsSuccessObservation(t *testing.T) {
	srv := newFakeToolServer(t, false)
	defer srv.Close()

	reg := mcp.NewToolRegistry()
	require.NoError(t, reg.AddServer(context.Background(), "weather", mcp.TransportConfig{Type: "http", URL: srv.URL}, 2))

	observation := callTool(context.Background(), reg, "weather.get_forecast", `{"city":"nyc"}`)
	require.Equal(t, "Observation: sunny", observation)
}

func TestCallToolFormatsErrorObservation(t *testing.T) {
	srv := newFakeToolServer(t, true)
	defer srv.Close()

	reg := mcp.NewToolRegistry()
	require.NoError(t, reg.AddServer(context.Background(), "weather", mcp.TransportConfig{Type: "http", URL: srv.URL}, 2))

	observation := callTool(context.Background(), reg, "weather.get_forecast", `{}`)
	require.Contains(t, observation, "reported an error")
}

func TestCallToolFormatsUnknownServer(t *testing.T) {
	reg := mcp.NewToolRegistry()
	observation := callTool(context.Background(), reg, "missing.tool", `{}`)
	require.Contains(t, observation, "error calling missing.tool")
}
