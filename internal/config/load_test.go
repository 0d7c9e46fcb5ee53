package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeTemp(t, `
model:
  path: /models/llama.gguf
server:
  address: ":9000"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/models/llama.gguf", cfg.Model.Path)
	require.Equal(t, ":9000", cfg.Server.Address)
	// untouched defaults survive the partial override
	require.Equal(t, "fcfs", cfg.Engine.QueueOrder)
	require.Equal(t, int64(32), cfg.Engine.MaxRunningReqs)
}

func TestLoadRejectsUnknownField(t *testing.T) {
	path := writeTemp(t, `
model:
  path: /models/llama.gguf
  pathh: typo
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadRejectsUnknownTopLevelSection(t *testing.T) {
	path := writeTemp(t, `
modle:
  path: /models/llama.gguf
`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestEngineTuningResolvesNamedPolicies(t *testing.T) {
	cfg := Default()
	cfg.Engine.QueueOrder = "sjf"
	cfg.Engine.Admission = "token-bucket"
	cfg.Engine.AdmissionCapacity = 1000
	cfg.Engine.AdmissionRefillRate = 10
	cfg.Engine.Priority = "slo-based"

	tuning := cfg.Engine.EngineTuning()
	require.NotNil(t, tuning.QueueOrder)
	require.NotNil(t, tuning.Admission)
	require.NotNil(t, tuning.Priority)
}
