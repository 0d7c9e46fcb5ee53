package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/localmind/localmind/internal/errs"
)

// toolNameRegex validates the "server.tool" naming convention (tarsy's
// router.go SplitToolName).
var toolNameRegex = regexp.MustCompile(`^([\w-]+)\.([\w-]+)$`)

// SplitToolName splits "server.tool" into its parts.
func SplitToolName(name string) (serverID, toolName string, err error) {
	m := toolNameRegex.FindStringSubmatch(name)
	if m == nil {
		return "", "", fmt.Errorf("mcp: invalid tool name %q: must be server.tool", name)
	}
	return m[1], m[2], nil
}

// serverConn is one configured MCP server's live connection state: its
// transport, the tools it last enumerated, and the concurrency/breaker
// guards calling it goes through.
type serverConn struct {
	id        string
	transport Transport
	prefix    string // ToolRegistry key prefix, defaults to id
	limiter   *limiter
	breaker   *breaker

	mu    sync.RWMutex
	tools []Tool
}

// ToolRegistry owns every configured MCP server's connection and the
// flattened, server-prefixed tool catalog the agent loop (C10) reads from
// (spec C9's registry.go).
type ToolRegistry struct {
	mu      sync.RWMutex
	servers map[string]*serverConn
}

// NewToolRegistry builds an empty registry; call AddServer per configured
// entry before the first ListTools/CallTool.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{servers: map[string]*serverConn{}}
}

// AddServer connects to one server and enumerates its tools. id is the
// prefix every tool call against this server must be addressed with
// ("id.toolName").
func (r *ToolRegistry) AddServer(ctx context.Context, id string, cfg TransportConfig, maxConcurrent int64) error {
	t, err := NewTransport(id, cfg)
	if err != nil {
		return err
	}
	conn := &serverConn{
		id:        id,
		transport: t,
		prefix:    id,
		limiter:   newLimiter(maxConcurrent),
		breaker:   newBreaker(5, 0),
	}

	r.mu.Lock()
	r.servers[id] = conn
	r.mu.Unlock()

	return r.refreshTools(ctx, conn)
}

func (r *ToolRegistry) refreshTools(ctx context.Context, conn *serverConn) error {
	raw, err := conn.transport.Call(ctx, "tools/list", nil)
	if err != nil {
		return err
	}
	var listed listToolsResult
	if err := json.Unmarshal(raw, &listed); err != nil {
		return errTransport(conn.id, err)
	}
	conn.mu.Lock()
	conn.tools = listed.Tools
	conn.mu.Unlock()
	return nil
}

// ListTools returns every server's tools, prefixed "server.tool", the
// way ToolExecutor.ListTools does (tolerating a single dead server rather
// than failing the whole enumeration — spec C9's "partial failure
// tolerance").
func (r *ToolRegistry) ListTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Tool
	for _, conn := range r.servers {
		conn.mu.RLock()
		for _, t := range conn.tools {
			out = append(out, Tool{
				Name:        conn.prefix + "." + t.Name,
				Description: t.Description,
				InputSchema: t.InputSchema,
			})
		}
		conn.mu.RUnlock()
	}
	return out
}

// Reconnect re-enumerates a server's tools after a transport recreation,
// dropping stale entries the old connection no longer reports.
func (r *ToolRegistry) Reconnect(ctx context.Context, id string, cfg TransportConfig) error {
	r.mu.RLock()
	conn, ok := r.servers[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mcp: unknown server %q", id)
	}

	_ = conn.transport.Close()
	t, err := NewTransport(id, cfg)
	if err != nil {
		return err
	}
	conn.transport = t
	return r.refreshTools(ctx, conn)
}

// CallTool resolves name ("server.tool") and invokes it, respecting the
// server's concurrency limiter and circuit breaker. A tool-level failure
// comes back as a ToolResult with IsError set, never as err; err is only
// ever a routing/transport/breaker failure.
func (r *ToolRegistry) CallTool(ctx context.Context, call ToolCall) (*ToolResult, error) {
	serverID, toolName, err := SplitToolName(call.Name)
	if err != nil {
		return &ToolResult{Name: call.Name, Content: err.Error(), IsError: true}, nil
	}

	r.mu.RLock()
	conn, ok := r.servers[serverID]
	r.mu.RUnlock()
	if !ok {
		return nil, errToolNotFound(call.Name)
	}

	if !conn.breaker.allow() {
		return nil, errCircuitOpen(serverID)
	}

	release, err := conn.limiter.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var args json.RawMessage
	if strings.TrimSpace(call.Arguments) != "" {
		args = json.RawMessage(call.Arguments)
	}

	raw, err := conn.transport.Call(ctx, "tools/call", callToolParams{Name: toolName, Arguments: args})
	if err != nil {
		conn.breaker.recordFailure()
		return nil, err
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		conn.breaker.recordFailure()
		return nil, errTransport(serverID, err)
	}
	conn.breaker.recordSuccess()

	return &ToolResult{Name: call.Name, Content: extractTextContent(result), IsError: result.IsError}, nil
}

// extractTextContent concatenates every text content block a tool result
// carries, skipping non-text blocks (tarsy's executor.go extractTextContent).
func extractTextContent(result callToolResult) string {
	var parts []string
	for _, block := range result.Content {
		if block.Type == "text" {
			parts = append(parts, block.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Close tears down every server's transport.
func (r *ToolRegistry) Close() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var firstErr error
	for _, conn := range r.servers {
		if err := conn.transport.Close(); err != nil && firstErr == nil {
			firstErr = errs.Wrap(errs.KindInternal, "mcp: close "+conn.id, err)
		}
	}
	return firstErr
}
