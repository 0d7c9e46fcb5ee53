package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// Transport is the JSON-RPC 2.0 contract all three wire implementations
// satisfy (spec C9): one in-flight request/response pair per Call, the
// framing and connection lifecycle are the transport's own business.
type Transport interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
	Close() error
}

// TransportConfig names one MCP server's connection details, the wire
// analog of config.MCPServerConfig (internal/config keeps the YAML-facing
// copy; this one is what NewTransport actually consumes).
type TransportConfig struct {
	Type        string // "http" | "websocket" | "stdio"
	URL         string
	Command     string
	Args        []string
	Env         map[string]string
	BearerToken string
	Timeout     time.Duration
	Debug       bool // trace requests/responses via httpretty (http transport only)
}

// NewTransport builds the Transport cfg names for server (used in error
// messages).
func NewTransport(server string, cfg TransportConfig) (Transport, error) {
	switch cfg.Type {
	case "http":
		return newHTTPTransport(server, cfg)
	case "websocket":
		return newWebSocketTransport(server, cfg)
	case "stdio":
		return newStdioTransport(server, cfg)
	default:
		return nil, fmt.Errorf("mcp: %s: unsupported transport type %q", server, cfg.Type)
	}
}

// idGen hands out process-wide unique JSON-RPC request ids. Using one
// counter shared by every transport instance keeps ids trivially unique
// without each transport needing its own starting point.
var idGen atomic.Int64

func nextID() int64 { return idGen.Add(1) }
