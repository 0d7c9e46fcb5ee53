// Package config loads the server's YAML configuration file with strict
// field checking, the same KnownFields(true) discipline the teacher
// applies to defaults.yaml (cmd/default_config.go): an unrecognized key
// is a config error, not a silently ignored typo.
package config

import (
	"github.com/localmind/localmind/internal/engine"
	"github.com/localmind/localmind/internal/sampler"
)

// Config is the full on-disk server configuration.
type Config struct {
	Model     ModelConfig               `yaml:"model"`
	Server    ServerConfig              `yaml:"server"`
	Engine    EngineConfig              `yaml:"engine"`
	Sampler   sampler.Config            `yaml:"default_sampler"`
	Logging   LoggingConfig             `yaml:"logging"`
	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`
	Agent     AgentConfig               `yaml:"agent"`
}

// ModelConfig names the checkpoint to load and its chat template
// override, if any.
type ModelConfig struct {
	Path          string `yaml:"path"`
	ChatTemplate  string `yaml:"chat_template"`   // path to an override template file; empty uses the built-in default (the checkpoint's own template is not read)
	AdapterPath   string `yaml:"adapter_path"`
	ContextLength int64  `yaml:"context_length"` // not applied: the checkpoint's own value is always used
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Address          string           `yaml:"address"`
	MetricsEnabled   bool             `yaml:"metrics_enabled"`
	RequestTimeoutMS int64            `yaml:"request_timeout_ms"`
	RateLimit        RateLimitConfig  `yaml:"rate_limit"`
	Telemetry        TelemetryConfig  `yaml:"telemetry"`
}

// RateLimitConfig mirrors serve.RateLimitConfig on the wire. Enabled
// defaults to false: rate limiting is opt-in, the same "nil RateLimiter
// allows everything" default serve.RateLimiter documents.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig toggles the optional tracing spans around a request's
// prefill/decode lifecycle and the OTLP/HTTP exporter they are shipped
// through (spec: "optional exporter, disabled by default").
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint"`     // host:port the OTLP/HTTP exporter posts spans to
	ServiceName string `yaml:"service_name"` // resource service.name attribute; defaults to "localmind"
	Insecure    bool   `yaml:"insecure"`     // skip TLS, for a local collector
}

// EngineConfig mirrors engine.Config's tunables (spec §4.7). QueueOrder,
// Admission and Priority are policy names resolved through the engine
// package's own NewQueueOrder/NewAdmissionPolicy/NewPriorityPolicy
// registries (the teacher's NewScheduler/NewAdmissionPolicy/
// NewPriorityPolicy-by-name pattern), not reimplemented here.
type EngineConfig struct {
	QueueOrder            string  `yaml:"queue_order"`    // "fcfs" | "priority-fcfs" | "sjf"
	Admission             string  `yaml:"admission"`      // "always-admit" | "token-bucket"
	AdmissionCapacity     float64 `yaml:"admission_capacity"`
	AdmissionRefillRate   float64 `yaml:"admission_refill_rate"`
	Priority              string  `yaml:"priority"` // "constant" | "slo-based" | "inverted-slo"
	MaxRunningReqs        int64   `yaml:"max_running_requests"`
	MaxScheduledTokens    int64   `yaml:"max_scheduled_tokens"`
	PrefillTokenThreshold int64   `yaml:"prefill_token_threshold"`
	PreemptRetryLimit     int     `yaml:"preempt_retry_limit"`
	KVPagesPerLayer       int     `yaml:"kv_pages_per_layer"`
	KVPageSizeTokens      int64   `yaml:"kv_page_size_tokens"`
}

// LoggingConfig configures logrus the way cmd/root.go's --log flag does,
// promoted from a flag to a config field.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// MCPServerConfig is one entry of the mcp_servers map (spec C9).
type MCPServerConfig struct {
	Transport   string            `yaml:"transport"` // "http" | "websocket" | "stdio"
	URL         string            `yaml:"url"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	BearerToken string            `yaml:"bearer_token"`
	ToolPrefix  string            `yaml:"tool_prefix"`
}

// AgentConfig bounds the ReAct loop (spec C10).
type AgentConfig struct {
	MaxIterations int   `yaml:"max_iterations"`
	MaxToolCalls  int   `yaml:"max_tool_calls"`
	TimeoutMS     int64 `yaml:"timeout_ms"`
}

// EngineTuning converts the YAML-level engine config into engine.Config,
// resolving the named policy strings through the engine package's own
// by-name constructors (spec §4.7's QueueOrder/Admission/Priority
// interfaces are not themselves serializable).
func (c EngineConfig) EngineTuning() engine.Config {
	priority := engine.NewPriorityPolicy(c.Priority)
	return engine.Config{
		QueueOrder:            engine.NewQueueOrder(c.QueueOrder, priority),
		Admission:             engine.NewAdmissionPolicy(c.Admission, c.AdmissionCapacity, c.AdmissionRefillRate),
		Priority:              priority,
		MaxRunningReqs:        c.MaxRunningReqs,
		MaxScheduledTokens:    c.MaxScheduledTokens,
		PrefillTokenThreshold: c.PrefillTokenThreshold,
		PreemptRetryLimit:     c.PreemptRetryLimit,
	}
}
