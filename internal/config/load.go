package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads and strictly parses path: decoder.KnownFields(true) turns
// an unrecognized top-level or nested key into an error rather than a
// silently dropped typo, the same contract cmd/default_config.go applies
// to defaults.yaml.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a Config with every field set to a workable starting
// point, the base that Load's strict decode is unmarshaled on top of so
// a YAML file only needs to override what it cares about.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:          ":8080",
			MetricsEnabled:   true,
			RequestTimeoutMS: 120_000,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerSecond: 5,
				Burst:             10,
			},
			Telemetry: TelemetryConfig{
				Enabled:     false,
				Endpoint:    "localhost:4318",
				ServiceName: "localmind",
			},
		},
		Engine: EngineConfig{
			QueueOrder:            "fcfs",
			Admission:             "always-admit",
			Priority:              "constant",
			MaxRunningReqs:        32,
			MaxScheduledTokens:    8192,
			PrefillTokenThreshold: 512,
			PreemptRetryLimit:     8,
			KVPagesPerLayer:       256,
			KVPageSizeTokens:      16,
		},
		Sampler: samplerDefaults(),
		Logging: LoggingConfig{Level: "info"},
		Agent: AgentConfig{
			MaxIterations: 10,
			MaxToolCalls:  20,
			TimeoutMS:     60_000,
		},
	}
}
