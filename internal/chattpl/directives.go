package chattpl

import (
	"fmt"
	"strings"
)

// assistantPrefix primes the model to begin an assistant turn when a
// caller asks for the generation prompt (OpenAI-style chat completion).
const assistantPrefix = "<|assistant|>\n"

type nodeKind int

const (
	nodeText nodeKind = iota
	nodeRange
	nodeIf
	nodeField
	nodeEOS
)

type node struct {
	kind     nodeKind
	text     string // nodeText literal
	body     []node // nodeRange body, nodeIf then-branch
	elseBody []node // nodeIf else-branch
	cond     string // nodeIf: "System"|"User"|"Assistant"|"Tool"
	field    string // nodeField: "Content"|"Role"|"Name"|"ToolCallID"
}

// parseTemplate compiles the whole template source. The grammar:
//
//	{{range .Messages}} ... {{end}}
//	{{if .IsUser}} ... {{else}} ... {{end}}      (IsSystem/IsUser/IsAssistant/IsTool)
//	{{.Content}} {{.Role}} {{.Name}} {{.ToolCallID}}
//	{{eos}}
//
// anything outside a directive is literal text, copied verbatim.
func parseTemplate(src string) ([]node, error) {
	p := &parser{src: src}
	nodes, term, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	if term != "" {
		return nil, fmt.Errorf("chattpl: unexpected {{%s}} at top level", term)
	}
	return nodes, nil
}

type parser struct {
	src string
	pos int
}

// parseBlock consumes directives and literal text until it hits {{end}},
// {{else}}, or end of input, returning which one stopped it ("" for EOF).
func (p *parser) parseBlock() ([]node, string, error) {
	var nodes []node
	for {
		start := strings.Index(p.src[p.pos:], "{{")
		if start < 0 {
			if rest := p.src[p.pos:]; rest != "" {
				nodes = append(nodes, node{kind: nodeText, text: rest})
			}
			p.pos = len(p.src)
			return nodes, "", nil
		}
		if start > 0 {
			nodes = append(nodes, node{kind: nodeText, text: p.src[p.pos : p.pos+start]})
		}
		p.pos += start + 2

		end := strings.Index(p.src[p.pos:], "}}")
		if end < 0 {
			return nil, "", fmt.Errorf("chattpl: unterminated directive near %q", p.src[p.pos:])
		}
		directive := strings.TrimSpace(p.src[p.pos : p.pos+end])
		p.pos += end + 2

		switch {
		case directive == "end":
			return nodes, "end", nil
		case directive == "else":
			return nodes, "else", nil
		case directive == "eos":
			nodes = append(nodes, node{kind: nodeEOS})
		case directive == "range .Messages":
			body, term, err := p.parseBlock()
			if err != nil {
				return nil, "", err
			}
			if term != "end" {
				return nil, "", fmt.Errorf("chattpl: range .Messages missing {{end}}")
			}
			nodes = append(nodes, node{kind: nodeRange, body: body})
		case strings.HasPrefix(directive, "if .Is"):
			cond := strings.TrimPrefix(directive, "if .Is")
			thenBody, term, err := p.parseBlock()
			if err != nil {
				return nil, "", err
			}
			n := node{kind: nodeIf, cond: cond, body: thenBody}
			if term == "else" {
				elseBody, term2, err := p.parseBlock()
				if err != nil {
					return nil, "", err
				}
				if term2 != "end" {
					return nil, "", fmt.Errorf("chattpl: if .Is%s missing {{end}} after else", cond)
				}
				n.elseBody = elseBody
			} else if term != "end" {
				return nil, "", fmt.Errorf("chattpl: if .Is%s missing {{end}}", cond)
			}
			nodes = append(nodes, n)
		case strings.HasPrefix(directive, "."):
			field := strings.TrimPrefix(directive, ".")
			switch field {
			case "Content", "Role", "Name", "ToolCallID":
				nodes = append(nodes, node{kind: nodeField, field: field})
			default:
				return nil, "", fmt.Errorf("chattpl: unknown field %q", directive)
			}
		default:
			return nil, "", fmt.Errorf("chattpl: unknown directive %q", directive)
		}
	}
}

func renderNodes(b *strings.Builder, nodes []node, ctx *renderCtx) error {
	for _, n := range nodes {
		if err := renderNode(b, n, ctx); err != nil {
			return err
		}
	}
	return nil
}

func renderNode(b *strings.Builder, n node, ctx *renderCtx) error {
	switch n.kind {
	case nodeText:
		b.WriteString(n.text)
	case nodeEOS:
		// EOS is a property of the enclosing Template, not the node, so
		// the renderer resolves it through ctx.eos set by Render.
		b.WriteString(ctx.eos)
	case nodeRange:
		for i := range ctx.messages {
			inner := &renderCtx{messages: ctx.messages, current: &ctx.messages[i], eos: ctx.eos}
			if err := renderNodes(b, n.body, inner); err != nil {
				return err
			}
		}
	case nodeIf:
		if ctx.current == nil {
			return fmt.Errorf("chattpl: {{if .Is%s}} used outside {{range .Messages}}", n.cond)
		}
		if matchesRole(ctx.current.Role, n.cond) {
			return renderNodes(b, n.body, ctx)
		}
		return renderNodes(b, n.elseBody, ctx)
	case nodeField:
		if ctx.current == nil {
			return fmt.Errorf("chattpl: {{.%s}} used outside {{range .Messages}}", n.field)
		}
		switch n.field {
		case "Content":
			b.WriteString(ctx.current.Content)
		case "Role":
			b.WriteString(string(ctx.current.Role))
		case "Name":
			b.WriteString(ctx.current.Name)
		case "ToolCallID":
			b.WriteString(ctx.current.ToolCallID)
		}
	}
	return nil
}

func matchesRole(r Role, cond string) bool {
	switch cond {
	case "System":
		return r == RoleSystem
	case "User":
		return r == RoleUser
	case "Assistant":
		return r == RoleAssistant
	case "Tool":
		return r == RoleTool
	default:
		return false
	}
}
