// Package chattpl renders a chat message list into the flat prompt string
// a model's chat template expects (spec §4.1 "chat templates are data").
// Templates are a small DSL of directives over a fixed message schema, not
// arbitrary Go code: a downloaded model card only ever supplies a template
// string, and text/template would hand it the run of the whole process.
package chattpl

import (
	"strings"
)

// Role is one chat message's author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the conversation passed in from C8.
type Message struct {
	Role    Role
	Content string
	// ToolCallID and Name apply to RoleTool messages: which call this is
	// the result of, and (optionally) the tool's name for display.
	ToolCallID string
	Name       string
}

// Template is a parsed chat template: a flat sequence of directives
// (literal text, BOS/EOS markers, and a single {{range .Messages}} block
// whose body is itself a directive sequence, branching on role).
type Template struct {
	BOS   string
	EOS   string
	nodes []node
}

// Parse compiles a template source string (see directives.go for the
// accepted syntax) into a Template.
func Parse(src string, bos, eos string) (*Template, error) {
	nodes, err := parseTemplate(src)
	if err != nil {
		return nil, err
	}
	return &Template{BOS: bos, EOS: eos, nodes: nodes}, nil
}

// Render expands the template against messages, optionally appending the
// assistant generation prompt (the "start of assistant turn" prefix used
// to prime completion, spec §4.1).
func (t *Template) Render(messages []Message, addGenerationPrompt bool) (string, error) {
	var b strings.Builder
	b.WriteString(t.BOS)
	ctx := &renderCtx{messages: messages, eos: t.EOS}
	if err := renderNodes(&b, t.nodes, ctx); err != nil {
		return "", err
	}
	if addGenerationPrompt {
		b.WriteString(assistantPrefix)
	}
	return b.String(), nil
}

// renderCtx carries the state directives close over: the full message
// list (for {{range}}) and, inside a range body, the current message.
type renderCtx struct {
	messages []Message
	current  *Message
	eos      string
}
