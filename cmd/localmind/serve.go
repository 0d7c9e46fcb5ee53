package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/localmind/localmind/internal/chattpl"
	"github.com/localmind/localmind/internal/config"
	"github.com/localmind/localmind/internal/engine"
	"github.com/localmind/localmind/internal/gguf"
	"github.com/localmind/localmind/internal/kv"
	"github.com/localmind/localmind/internal/mcp"
	"github.com/localmind/localmind/internal/serve"
	lmhttp "github.com/localmind/localmind/internal/serve/http"
	"github.com/localmind/localmind/internal/telemetry"
	"github.com/localmind/localmind/internal/tensor"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Load a checkpoint and serve the OpenAI-compatible HTTP API",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			logrus.Fatalf("config: %v", err)
		}
		setLogLevel(cfg.Logging.Level)

		if cfg.Server.Telemetry.Enabled {
			provider, err := telemetry.Setup(cmd.Context(), telemetry.Config{
				Endpoint:    cfg.Server.Telemetry.Endpoint,
				ServiceName: cfg.Server.Telemetry.ServiceName,
				Insecure:    cfg.Server.Telemetry.Insecure,
			})
			if err != nil {
				logrus.Fatalf("telemetry: %v", err)
			}
			defer func() {
				if err := provider.Shutdown(context.Background()); err != nil {
					logrus.Warnf("telemetry: shutdown: %v", err)
				}
			}()
		}

		srv, registry, err := buildServer(cfg)
		if err != nil {
			logrus.Fatalf("serve: %v", err)
		}
		if registry != nil {
			defer registry.Close()
		}

		router := lmhttp.NewRouter(srv)
		logrus.Infof("listening on %s", cfg.Server.Address)
		if err := http.ListenAndServe(cfg.Server.Address, router); err != nil {
			logrus.Fatalf("serve: %v", err)
		}
	},
}

// buildServer loads the checkpoint, sizes the KV pool from engine config,
// and wires the scheduling engine into an HTTP Server, the runtime
// analog of sim's NewSimulator(totalKVBlocks, ...) construction in
// cmd/root.go's runCmd.
func buildServer(cfg *config.Config) (*lmhttp.Server, *mcp.ToolRegistry, error) {
	device := tensor.Device{Kind: tensor.Cpu}
	alloc := tensor.NewAllocator(device, 0)

	m, err := gguf.Load(cfg.Model.Path, alloc)
	if err != nil {
		return nil, nil, fmt.Errorf("load checkpoint %s: %w", cfg.Model.Path, err)
	}
	mcfg := m.Config()

	pool, err := kv.NewPagePool(
		mcfg.NumLayers,
		cfg.Engine.KVPagesPerLayer,
		cfg.Engine.KVPageSizeTokens,
		mcfg.NumKVHeads,
		mcfg.HeadDim,
		tensor.F32,
		device,
		alloc,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("allocate KV pool: %w", err)
	}

	eng := engine.New(m, pool, cfg.Engine.EngineTuning())

	tpl, err := loadTemplate(cfg.Model.ChatTemplate)
	if err != nil {
		return nil, nil, fmt.Errorf("load chat template: %w", err)
	}

	pipeline := &serve.Pipeline{
		Engine:    eng,
		Template:  tpl,
		Tokenizer: serve.NewByteTokenizer(nil),
		Telemetry: serve.TelemetrySettings{Enabled: cfg.Server.Telemetry.Enabled},
	}
	if cfg.Server.RateLimit.Enabled {
		pipeline.Limiter = serve.NewRateLimiter(serve.RateLimitConfig{
			RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
			Burst:             cfg.Server.RateLimit.Burst,
		})
	}

	var metrics *serve.Metrics
	if cfg.Server.MetricsEnabled {
		metrics = serve.NewMetrics(prometheus.DefaultRegisterer)
	}

	registry, err := buildToolRegistry(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("mcp: %w", err)
	}
	_ = registry // returned to the caller for Close; neither the HTTP server nor any request path runs the agent loop with it

	srv := &lmhttp.Server{
		Pipeline:  pipeline,
		Metrics:   metrics,
		ModelName: cfg.Model.Path,
		StartedAt: time.Now().Unix(),
	}
	return srv, registry, nil
}

// loadTemplate resolves the configured chat template, falling back to
// the built-in ChatML-style default (chattpl.Default) when the config names
// no template file (the checkpoint's own template is not read), mirroring the Tokenizer doc comment's own
// "byte-level fallback since no vocab asset ships with the example pack"
// reasoning.
func loadTemplate(path string) (*chattpl.Template, error) {
	if path == "" {
		return chattpl.Default()
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return chattpl.Parse(string(src), "", "")
}

// buildToolRegistry connects to every configured MCP server, tolerating
// individual connection failures the way ToolRegistry.ListTools tolerates
// individual dead servers post-startup: a misconfigured tool server
// degrades agent capability, it doesn't block the whole process from
// serving chat completions.
func buildToolRegistry(cfg *config.Config) (*mcp.ToolRegistry, error) {
	if len(cfg.MCPServers) == 0 {
		return nil, nil
	}
	registry := mcp.NewToolRegistry()
	for id, server := range cfg.MCPServers {
		prefix := id
		if server.ToolPrefix != "" {
			prefix = server.ToolPrefix
		}
		tcfg := mcp.TransportConfig{
			Type:        server.Transport,
			URL:         server.URL,
			Command:     server.Command,
			Args:        server.Args,
			Env:         server.Env,
			BearerToken: server.BearerToken,
			Timeout:     30 * time.Second,
		}
		if err := registry.AddServer(context.Background(), prefix, tcfg, 4); err != nil {
			logrus.Warnf("mcp: server %q unavailable at startup: %v", id, err)
			continue
		}
	}
	return registry, nil
}
