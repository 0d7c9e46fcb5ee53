package agent

import (
	"fmt"
	"strings"

	"github.com/localmind/localmind/internal/chattpl"
	"github.com/localmind/localmind/internal/mcp"
)

// BuildSystemPrompt renders the tool catalog into a system message priming
// the model for the envelope format, the generation-time analog of
// tarsy's PromptBuilder.BuildReActMessages (spec C10). Loop does not add
// this message itself; it generates from whatever messages it is given.
func BuildSystemPrompt(tools []mcp.Tool) chattpl.Message {
	var b strings.Builder
	b.WriteString("You solve tasks by reasoning step by step and, when needed, calling tools.\n\n")
	b.WriteString("Respond with exactly one JSON object per turn:\n")
	b.WriteString(`{"thought": "...", "action": "tool_call", "tool": "server.tool_name", "arguments": "{...json string...}"}` + "\n")
	b.WriteString(`{"thought": "...", "action": "final_answer", "answer": "..."}` + "\n\n")

	if len(tools) == 0 {
		b.WriteString("No tools are currently available; only final_answer is possible.\n")
		return chattpl.Message{Role: chattpl.RoleSystem, Content: b.String()}
	}

	b.WriteString("Available tools:\n")
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return chattpl.Message{Role: chattpl.RoleSystem, Content: b.String()}
}
