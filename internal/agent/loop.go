// Package agent implements the ReAct-style tool-use loop of spec C10:
// generate until the model emits a structured tool-call envelope (a JSON
// object whose shape internal/sampler's grammar compiler enforces token
// by token, so there is no free-text parsing step the way tarsy's
// react_parser.go needs one), dispatch the call through internal/mcp,
// fold the observation back into the conversation, and repeat until a
// final answer, the iteration/tool-call budget runs out, or the caller
// cancels.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/localmind/localmind/internal/chattpl"
	"github.com/localmind/localmind/internal/engine"
	"github.com/localmind/localmind/internal/mcp"
	"github.com/localmind/localmind/internal/sampler"
	"github.com/localmind/localmind/internal/serve"
)

// Budget bounds one Loop invocation (config.AgentConfig).
type Budget struct {
	MaxIterations int
	MaxToolCalls  int
	Timeout       time.Duration
}

// Step records one iteration's thought, tool call (if any), and the
// observation the tool produced, for callers that want to display the
// trace rather than just the final answer.
type Step struct {
	Thought    string
	ToolCall   string // "server.tool", empty on a final-answer step
	Observation string
}

// Result is what Loop returns once the conversation concludes.
type Result struct {
	FinalAnswer  string
	Steps        []Step
	FinishReason string // "final_answer" | "length" | "cancelled"
}

// envelope is the structured shape every generation step is constrained
// to: either a tool call (Action "tool_call") or a final answer (Action
// "final_answer"),
// never both — the grammar doesn't enforce that exclusivity itself, Loop
// does, mirroring tarsy's ParseReActResponse preferring Action over
// Final Answer when a malformed response carries both.
type envelope struct {
	Thought   string `json:"thought"`
	Action    string `json:"action"` // "tool_call" | "final_answer"
	Tool      string `json:"tool"`
	Arguments string `json:"arguments"`
	Answer    string `json:"answer"`
}

var envelopeSchema = &sampler.Schema{
	Type: "object",
	Properties: map[string]*sampler.Schema{
		"thought":   {Type: "string"},
		"action":    {Type: "string", Enum: []string{"tool_call", "final_answer"}},
		"tool":      {Type: "string"},
		"arguments": {Type: "string"},
		"answer":    {Type: "string"},
	},
	Required: map[string]bool{"action": true},
}

// vocabAdapter lets a serve.Tokenizer stand in for sampler.Vocab: the
// grammar only ever needs a token id's literal text, which TokenToBytes
// already gives it.
type vocabAdapter struct{ tok serve.Tokenizer }

func (v vocabAdapter) Piece(id int64) string { return string(v.tok.TokenToBytes(id)) }

// Loop runs the tool-use conversation to completion. pipeline drives
// generation the same way C8's chat endpoint does; registry resolves and
// executes tool calls; messages is the conversation so far (system
// prompt + user turn), mutated in place as the loop appends assistant/
// tool turns.
func Loop(ctx context.Context, pipeline *serve.Pipeline, registry *mcp.ToolRegistry, messages []chattpl.Message, sCfg sampler.Config, budget Budget) (*Result, error) {
	if budget.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.Timeout)
		defer cancel()
	}

	grammar := sampler.NewJSONSchemaGrammar(envelopeSchema, vocabAdapter{pipeline.Tokenizer})
	result := &Result{}
	toolCalls := 0

	for iter := 0; iter < budget.MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			result.FinishReason = "cancelled"
			return result, nil
		default:
		}

		env, reason, err := generateEnvelope(ctx, pipeline, messages, sCfg, grammar)
		if err != nil {
			return nil, fmt.Errorf("agent: iteration %d: %w", iter, err)
		}
		if reason == engine.FinishCancelled {
			result.FinishReason = "cancelled"
			return result, nil
		}

		messages = append(messages, chattpl.Message{Role: chattpl.RoleAssistant, Content: envelopeText(env)})

		if env.Action == "final_answer" || (env.Action != "tool_call" && env.Answer != "") {
			result.FinalAnswer = env.Answer
			result.Steps = append(result.Steps, Step{Thought: env.Thought})
			result.FinishReason = "final_answer"
			return result, nil
		}

		if env.Tool == "" {
			observation := "Observation: malformed response, no tool or answer given. Provide either a tool call or a final answer."
			messages = append(messages, chattpl.Message{Role: chattpl.RoleTool, Content: observation})
			result.Steps = append(result.Steps, Step{Thought: env.Thought, Observation: observation})
			continue
		}

		if toolCalls >= budget.MaxToolCalls {
			result.FinishReason = "length"
			return result, nil
		}
		toolCalls++

		observation := callTool(ctx, registry, env.Tool, env.Arguments)
		messages = append(messages, chattpl.Message{Role: chattpl.RoleTool, Content: observation, Name: env.Tool})
		result.Steps = append(result.Steps, Step{Thought: env.Thought, ToolCall: env.Tool, Observation: observation})
	}

	return forceConclusion(ctx, pipeline, messages, sCfg, result)
}

// generateEnvelope runs one grammar-constrained generation step and
// decodes the resulting JSON text into an envelope.
func generateEnvelope(ctx context.Context, pipeline *serve.Pipeline, messages []chattpl.Message, sCfg sampler.Config, grammar sampler.Grammar) (*envelope, engine.FinishReason, error) {
	cfg := sCfg
	cfg.Grammar = grammar

	out := make(chan serve.Delta, 16)
	if err := pipeline.Submit(serve.ChatRequest{
		ID:        fmt.Sprintf("agent-%d", time.Now().UnixNano()),
		Messages:  messages,
		Sampler:   cfg,
		MaxTokens: 512,
	}, out); err != nil {
		return nil, engine.FinishNone, err
	}

	var text string
	var reason engine.FinishReason
	for d := range out {
		if d.Err != nil {
			return nil, engine.FinishNone, d.Err
		}
		text += d.Text
		if d.Done {
			reason = d.FinishReason
		}
	}

	var env envelope
	if err := json.Unmarshal([]byte(text), &env); err != nil {
		// The grammar guarantees well-formed JSON at every accepted token,
		// but a reason of FinishLength means the cap hit mid-object — treat
		// it as an incomplete turn rather than a hard error.
		if reason == engine.FinishLength {
			return &envelope{Thought: text}, reason, nil
		}
		return nil, engine.FinishNone, fmt.Errorf("agent: decode envelope: %w", err)
	}
	return &env, reason, nil
}

// callTool dispatches one tool call and formats its outcome as an
// observation, never aborting the turn on failure (spec C10: "append
// tool-result messages (is_error=true + short message on failure, never
// aborts the turn)").
func callTool(ctx context.Context, registry *mcp.ToolRegistry, tool, arguments string) string {
	result, err := registry.CallTool(ctx, mcp.ToolCall{Name: tool, Arguments: arguments})
	if err != nil {
		return fmt.Sprintf("Observation: error calling %s: %s", tool, err.Error())
	}
	if result.IsError {
		return fmt.Sprintf("Observation: %s reported an error: %s", tool, result.Content)
	}
	return "Observation: " + result.Content
}

// forceConclusion asks once more for a final answer with no tool
// available, the way tarsy's forceConclusion makes one last unconstrained
// call once maxIter is exhausted.
func forceConclusion(ctx context.Context, pipeline *serve.Pipeline, messages []chattpl.Message, sCfg sampler.Config, result *Result) (*Result, error) {
	messages = append(messages, chattpl.Message{
		Role:    chattpl.RoleUser,
		Content: "You have run out of iterations. Provide your final answer now, in the same JSON envelope with action=\"final_answer\".",
	})

	env, _, err := generateEnvelope(ctx, pipeline, messages, sCfg, sampler.NewJSONSchemaGrammar(envelopeSchema, vocabAdapter{pipeline.Tokenizer}))
	if err != nil {
		result.FinishReason = "length"
		return result, nil
	}
	if env.Answer != "" {
		result.FinalAnswer = env.Answer
	} else {
		result.FinalAnswer = env.Thought
	}
	result.FinishReason = "length"
	return result, nil
}

// envelopeText re-serializes the envelope for the assistant turn appended
// to the conversation, so the next iteration's prompt sees exactly what
// it emitted (not a reconstruction).
func envelopeText(env *envelope) string {
	b, err := json.Marshal(env)
	if err != nil {
		return env.Thought
	}
	return string(b)
}
