package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/localmind/localmind/internal/mcp"
)

func TestBuildSystemPromptListsTools(t *testing.T) {
	msg := BuildSystemPrompt([]mcp.Tool{
		{Name: "weather.get_forecast", Description: "returns a 5-day forecast"},
	})
	require.Contains(t, msg.Content, "weather.get_forecast")
	require.Contains(t, msg.Content, "returns a 5-day forecast")
}

func TestBuildSystemPromptHandlesNoTools(t *testing.T) {
	msg := BuildSystemPrompt(nil)
	require.Contains(t, msg.Content, "No tools are currently available")
}

func TestEnvelopeTextRoundTrips(t *testing.T) {
	env := &envelope{Thought: "checking weather", Action: "tool_call", Tool: "weather.get_forecast", Arguments: `{"city":"nyc"}`}
	text := envelopeText(env)

	var decoded envelope
	require.NoError(t, json.Unmarshal([]byte(text), &decoded))
	require.Equal(t, env.Tool, decoded.Tool)
	require.Equal(t, env.Arguments, decoded.Arguments)
}
