package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// stdioTransport runs the MCP server as a child process and speaks
// line-delimited JSON-RPC over its stdin/stdout, the way tarsy's
// createStdioTransport wires an exec.Cmd into the SDK's CommandTransport.
// The process's lifetime is bound to the transport's: Close kills it.
type stdioTransport struct {
	server string
	cmd    *exec.Cmd
	stdin  io.WriteCloser

	mu      sync.Mutex
	pending map[int64]chan rpcResponse
	closed  bool
}

func newStdioTransport(server string, cfg TransportConfig) (*stdioTransport, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("mcp: %s: stdio transport requires command", server)
	}

	cmd := exec.Command(cfg.Command, cfg.Args...)
	env := os.Environ()
	for k, v := range cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = env
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errTransport(server, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errTransport(server, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errTransport(server, err)
	}

	t := &stdioTransport{server: server, cmd: cmd, stdin: stdin, pending: map[int64]chan rpcResponse{}}
	go t.readLoop(stdout)
	return t, nil
}

func (t *stdioTransport) readLoop(stdout io.ReadCloser) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			continue
		}
		t.mu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.mu.Unlock()
		if ok {
			ch <- resp
		}
	}

	t.mu.Lock()
	for id, ch := range t.pending {
		ch <- rpcResponse{ID: id, Error: &rpcError{Code: -1, Message: "mcp: stdio server process exited"}}
		delete(t.pending, id)
	}
	t.mu.Unlock()
}

func (t *stdioTransport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransport(t.server, fmt.Errorf("transport closed"))
	}
	id := nextID()
	ch := make(chan rpcResponse, 1)
	t.pending[id] = ch
	t.mu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("mcp: %s: encode request: %w", t.server, err)
	}
	body = append(body, '\n')

	if _, err := t.stdin.Write(body); err != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, errTransport(t.server, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, errServer(t.server, resp.Error.Code, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, errTimeout(t.server, method)
	}
}

func (t *stdioTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	_ = t.stdin.Close()
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return t.cmd.Wait()
}
