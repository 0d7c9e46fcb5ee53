package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/henvic/httpretty"
	"github.com/rs/dnscache"
)

// dnsResolver is shared by every httpTransport instance: one cache per
// process, refreshed periodically, the way gguf-parser-go's util/httpx
// resolver does it.
var dnsResolver = &dnscache.Resolver{Timeout: 5 * time.Second, Resolver: net.DefaultResolver}

func init() {
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			dnsResolver.RefreshWithOptions(dnscache.ResolverRefreshOptions{ClearUnused: true})
		}
	}()
}

func dnsCacheDialContext(dialer *net.Dialer) func(context.Context, string, string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := dnsResolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("mcp: no addresses for host %s", host)
		}
		var lastErr error
		for _, ip := range ips {
			conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if err == nil {
				return conn, nil
			}
			lastErr = err
		}
		return nil, lastErr
	}
}

// bearerTokenTransport wraps an http.RoundTripper to set the Authorization
// header on every request (tarsy's transport.go bearerTokenTransport).
type bearerTokenTransport struct {
	base  http.RoundTripper
	token string
}

func (t *bearerTokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+t.token)
	return t.base.RoundTrip(req)
}

// httpTransport implements Transport over a single JSON-RPC endpoint: one
// HTTP POST per Call, no persistent connection state beyond the client's
// own pooling.
type httpTransport struct {
	server string
	url    string
	client *http.Client
}

func newHTTPTransport(server string, cfg TransportConfig) (*httpTransport, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mcp: %s: http transport requires url", server)
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	base.DialContext = dnsCacheDialContext(&net.Dialer{Timeout: 10 * time.Second})

	var rt http.RoundTripper = base
	if cfg.Debug {
		logger := &httpretty.Logger{
			Time: true, RequestHeader: true, RequestBody: true,
			ResponseHeader: true, ResponseBody: true,
			MaxRequestBody: 2048, MaxResponseBody: 2048,
		}
		rt = logger.RoundTripper(rt)
	}
	if cfg.BearerToken != "" {
		rt = &bearerTokenTransport{base: rt, token: cfg.BearerToken}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &httpTransport{
		server: server,
		url:    cfg.URL,
		client: &http.Client{Transport: rt, Timeout: timeout},
	}, nil
}

func (t *httpTransport) Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: nextID(), Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("mcp: %s: encode request: %w", t.server, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, errTransport(t.server, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errTimeout(t.server, method)
		}
		return nil, errTransport(t.server, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errTransport(t.server, err)
	}
	if resp.StatusCode >= 400 {
		return nil, errServer(t.server, resp.StatusCode, string(raw))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, errTransport(t.server, fmt.Errorf("decode response: %w", err))
	}
	if rpcResp.Error != nil {
		return nil, errServer(t.server, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

func (t *httpTransport) Close() error { return nil }
