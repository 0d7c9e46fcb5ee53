package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsPingInterval    = 20 * time.Second
	wsPongWait        = 45 * time.Second
	wsReconnectMinGap = 500 * time.Millisecond
	wsReconnectMaxGap = 15 * time.Second
)

// websocketTransport keeps one long-lived connection per server, with
// id-correlated requests so several Call goroutines can share it, a
// ping/pong keepalive, and exponential-backoff reconnect on drop (spec
// C9: "id-correlated concurrent in-flight requests, ping/pong keepalive,
// exponential-backoff reconnect").
type websocketTransport struct {
	server string
	url    string
	header map[string][]string

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan rpcResponse
	closed  bool
}

func newWebSocketTransport(server string, cfg TransportConfig) (*websocketTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mcp: %s: websocket transport requires url", server)
	}
	header := map[string][]string{}
	if cfg.BearerToken != "" {
		header["Authorization"] = []string{"Bearer " + cfg.BearerToken}
	}
	t := &websocketTransport{server: server, url: cfg.URL, header: header, pending: map[int64]chan rpcResponse{}}
	if err := t.connect(); err != nil {
		return nil, err
	}
	go t.readLoop()
	go t.pingLoop()
	return t, nil
}

func (t *websocketTransport) connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(t.url, t.header)
	if err != nil {
		return errTransport(t.server, err)
	}
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// readLoop owns the connection's read side for its entire lifetime,
// dispatching each response to the pending caller by id and reconnecting
// with jittered exponential backoff on any read failure.
func (t *websocketTransport) readLoop() {
	backoff := wsReconnectMinGap
	for {
		t.mu.Lock()
		conn := t.conn
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		if conn == nil {
			time.Sleep(backoff)
			backoff = nextBackoff(backoff)
			if err := t.connect(); err != nil {
				continue
			}
			backoff = wsReconnectMinGap
			continue
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			t.conn = nil
			// fail every in-flight call so no goroutine blocks forever on a
			// connection that just died.
			for id, ch := range t.pending {
				ch <- rpcResponse{ID: id, Error: &rpcError{Code: -1, Message: err.Error()}}
				delete(t.pending, id)
			}
			t.mu.Unlock()
			continue
		}

		var resp rpcResponse
		if err := json.Unmarshal(raw, &resp); err != nil {
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
}

func (t *websocketTransport) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for range ticker.C {
		t.mu.Lock()
		conn, closed := t.conn, t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		if conn != nil {
			_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
		}
	}
}

func nextBackoff(cur time.Duration) time.Duration {
	next := cur * 2
	if next > wsReconnectMaxGap {
		next = wsReconnectMaxGap
	}
	jitter := time.Duration(rand.Int64N(int64(next) / 4))
	return next + jitter
}

func (t *websocketTransport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	id := nextID()
	ch := make(chan rpcResponse, 1)

	t.mu.Lock()
	conn := t.conn
	if conn == nil {
		t.mu.Unlock()
		return nil, errTransport(t.server, fmt.Errorf("no active connection"))
	}
	t.pending[id] = ch
	t.mu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("mcp: %s: encode request: %w", t.server, err)
	}

	t.mu.Lock()
	writeErr := t.conn.WriteMessage(websocket.TextMessage, body)
	t.mu.Unlock()
	if writeErr != nil {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
		return nil, errTransport(t.server, writeErr)
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

func (t *websocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
