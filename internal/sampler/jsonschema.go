package sampler

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/localmind/localmind/internal/errs"
)

// Schema is the subset of JSON Schema this compiler understands: object
// with required/optional properties, string (optionally enum-constrained),
// number, integer, boolean, null and array-of-items. Other keywords
// ($ref, oneOf/anyOf/allOf, additionalProperties, pattern) are not
// checked: compileNode ignores them, and a schema using them still
// compiles.
type Schema struct {
	Type       string
	Properties map[string]*Schema
	Required   map[string]bool
	Items      *Schema
	Enum       []string
}

var anySchema = &Schema{Type: ""}

// CompileJSONSchema parses raw JSON Schema bytes into a Schema the sampler
// can walk token by token.
func CompileJSONSchema(raw []byte) (*Schema, error) {
	var node map[string]interface{}
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(raw, &node); err != nil {
		return nil, errs.Wrap(errs.KindConfig, "parse json schema", err)
	}
	return compileNode(node)
}

func compileNode(node map[string]interface{}) (*Schema, error) {
	s := &Schema{}
	s.Type, _ = node["type"].(string)

	if rawEnum, ok := node["enum"].([]interface{}); ok {
		for _, v := range rawEnum {
			str, ok := v.(string)
			if !ok {
				return nil, errs.New(errs.KindConfig, "only string enums are supported")
			}
			s.Enum = append(s.Enum, str)
		}
		if s.Type == "" {
			s.Type = "string"
		}
	}

	if s.Type == "object" {
		props, _ := node["properties"].(map[string]interface{})
		s.Properties = make(map[string]*Schema, len(props))
		for name, raw := range props {
			child, ok := raw.(map[string]interface{})
			if !ok {
				return nil, errs.New(errs.KindConfig, "schema property must be an object")
			}
			compiled, err := compileNode(child)
			if err != nil {
				return nil, err
			}
			s.Properties[name] = compiled
		}
		s.Required = make(map[string]bool)
		if req, ok := node["required"].([]interface{}); ok {
			for _, r := range req {
				if name, ok := r.(string); ok {
					s.Required[name] = true
				}
			}
		}
	}

	if s.Type == "array" {
		items, ok := node["items"].(map[string]interface{})
		if !ok {
			return nil, errs.New(errs.KindConfig, "array schema requires items")
		}
		child, err := compileNode(items)
		if err != nil {
			return nil, err
		}
		s.Items = child
	}

	return s, nil
}

// Vocab is the minimal tokenizer surface the JSON-schema grammar needs: the
// literal text a token id decodes to. Piece must return "" past the last
// valid id so Allowed knows where the vocabulary ends.
type Vocab interface {
	Piece(id int64) string
}

// JSONSchemaGrammar implements Grammar by walking the JSON text produced so
// far against the compiled Schema, rune by rune, and accepting a token id
// only if its entire piece keeps the partial document a valid prefix of
// some document the schema accepts.
type JSONSchemaGrammar struct {
	schema *Schema
	vocab  Vocab
}

// NewJSONSchemaGrammar builds a Grammar bound to vocab for decoding
// candidate token ids back to text.
func NewJSONSchemaGrammar(schema *Schema, vocab Vocab) *JSONSchemaGrammar {
	return &JSONSchemaGrammar{schema: schema, vocab: vocab}
}

func (g *JSONSchemaGrammar) Allowed(history []int64) map[int64]struct{} {
	st := newJSONWalker(g.schema)
	for _, id := range history {
		if !st.feed(g.vocab.Piece(id)) {
			// History itself no longer matches the schema (shouldn't happen
			// in steady state since every accepted token was itself
			// validated) — no legal continuation.
			return map[int64]struct{}{}
		}
	}

	allowed := make(map[int64]struct{})
	// A full vocabulary scan is the only way to answer "which ids are legal
	// next" without a trie keyed by the grammar's own alphabet; acceptable
	// for a CPU reference sampler operating at interactive batch sizes.
	for id := int64(0); ; id++ {
		piece := g.vocab.Piece(id)
		if piece == "" {
			if id > 0 {
				break
			}
			continue
		}
		if st.clone().feed(piece) {
			allowed[id] = struct{}{}
		}
	}
	return allowed
}

// jsonWalker is a small recursive-descent state machine over a Schema.
// containers holds one entry per currently-open object/array; leaf holds
// the in-progress value (string body, number body, or a fixed literal
// remainder) when one is open.
type jsonWalker struct {
	containers    []*container
	leaf          leafKind
	literalRem    string
	strEscaped    bool
	pendingSchema *Schema
}

type ckind int

const (
	ckObject ckind = iota
	ckArray
)

type cstate int

const (
	csAfterOpen cstate = iota // object: expect prop-name-start or '}'; array: expect value-start or ']'
	csAfterKey
	csAfterColon
	csAfterValue
)

type container struct {
	kind   ckind
	schema *Schema
	state  cstate
}

type leafKind int

const (
	leafNone leafKind = iota
	leafString
	leafNumber
	leafLiteral
)

func newJSONWalker(s *Schema) *jsonWalker {
	w := &jsonWalker{}
	w.enterValue(s)
	return w
}

func (w *jsonWalker) clone() *jsonWalker {
	cp := make([]*container, len(w.containers))
	for i, c := range w.containers {
		cc := *c
		cp[i] = &cc
	}
	return &jsonWalker{containers: cp, leaf: w.leaf, literalRem: w.literalRem, strEscaped: w.strEscaped, pendingSchema: w.pendingSchema}
}

func (w *jsonWalker) feed(text string) bool {
	for _, r := range text {
		if !w.step(r) {
			return false
		}
	}
	return true
}

func isSpace(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }

// enterValue prepares the walker to begin parsing one value of the given
// schema; for object/array this just records expectations, the opening
// brace/bracket itself is still consumed by step.
func (w *jsonWalker) enterValue(s *Schema) {
	w.pendingSchema = s
}

func (w *jsonWalker) step(r rune) bool {
	if w.leaf != leafNone {
		return w.stepLeaf(r)
	}
	if len(w.containers) == 0 {
		if w.pendingSchema != nil {
			return w.stepValueStart(r)
		}
		return isSpace(r)
	}

	top := w.containers[len(w.containers)-1]
	switch top.state {
	case csAfterOpen:
		if top.kind == ckObject {
			if isSpace(r) {
				return true
			}
			if r == '}' {
				return w.closeContainer()
			}
			if r == '"' {
				top.state = csAfterKey
				w.leaf = leafString
				return true
			}
			return false
		}
		// array
		if isSpace(r) {
			return true
		}
		if r == ']' {
			return w.closeContainer()
		}
		w.pendingSchema = top.schema
		return w.stepValueStart(r)
	case csAfterKey:
		if isSpace(r) {
			return true
		}
		if r == ':' {
			top.state = csAfterColon
			return true
		}
		return false
	case csAfterColon:
		if isSpace(r) {
			return true
		}
		w.pendingSchema = propSchemaFor(top.schema)
		return w.stepValueStart(r)
	case csAfterValue:
		if isSpace(r) {
			return true
		}
		if top.kind == ckObject {
			if r == ',' {
				top.state = csAfterOpen
				return true
			}
			if r == '}' {
				return w.closeContainer()
			}
			return false
		}
		if r == ',' {
			top.state = csAfterOpen
			return true
		}
		if r == ']' {
			return w.closeContainer()
		}
		return false
	}
	return false
}

// propSchemaFor is deliberately permissive about unknown property names
// (falls back to anySchema): validating the key itself against the
// property set would require buffering the whole key before the colon,
// which this rune-at-a-time walker does not do.
func propSchemaFor(obj *Schema) *Schema {
	return anySchema
}

func (w *jsonWalker) closeContainer() bool {
	w.containers = w.containers[:len(w.containers)-1]
	if len(w.containers) > 0 {
		w.containers[len(w.containers)-1].state = csAfterValue
	}
	return true
}

func (w *jsonWalker) stepValueStart(r rune) bool {
	s := w.pendingSchema
	w.pendingSchema = nil
	switch s.Type {
	case "object":
		if r != '{' {
			return false
		}
		w.containers = append(w.containers, &container{kind: ckObject, schema: s, state: csAfterOpen})
		return true
	case "array":
		if r != '[' {
			return false
		}
		w.containers = append(w.containers, &container{kind: ckArray, schema: s.Items, state: csAfterOpen})
		return true
	case "string", "":
		if r != '"' {
			return false
		}
		w.leaf = leafString
		return true
	case "number", "integer":
		if !(r == '-' || r == '.' || (r >= '0' && r <= '9')) {
			return false
		}
		w.leaf = leafNumber
		return true
	case "boolean":
		if r == 't' {
			w.leaf = leafLiteral
			w.literalRem = "rue"
			return true
		}
		if r == 'f' {
			w.leaf = leafLiteral
			w.literalRem = "alse"
			return true
		}
		return false
	case "null":
		if r != 'n' {
			return false
		}
		w.leaf = leafLiteral
		w.literalRem = "ull"
		return true
	}
	return false
}

func (w *jsonWalker) stepLeaf(r rune) bool {
	switch w.leaf {
	case leafString:
		if w.strEscaped {
			w.strEscaped = false
			return true
		}
		if r == '\\' {
			w.strEscaped = true
			return true
		}
		if r == '"' {
			w.leaf = leafNone
			return w.closeValue()
		}
		return true
	case leafLiteral:
		if len(w.literalRem) == 0 {
			w.leaf = leafNone
			return w.closeValue() && w.step(r)
		}
		next := rune(w.literalRem[0])
		if next != r {
			return false
		}
		w.literalRem = w.literalRem[1:]
		if len(w.literalRem) == 0 {
			w.leaf = leafNone
			return w.closeValue()
		}
		return true
	case leafNumber:
		if isDigitOrNumChar(r) {
			return true
		}
		w.leaf = leafNone
		if !w.closeValue() {
			return false
		}
		return w.step(r)
	}
	return false
}

func isDigitOrNumChar(r rune) bool {
	return (r >= '0' && r <= '9') || r == '.' || r == 'e' || r == 'E' || r == '+' || r == '-'
}

// closeValue runs when a value (string, literal, number) finishes without
// an explicit container delimiter of its own; it tells the enclosing
// container, if any, to expect a comma or its own closing character next.
func (w *jsonWalker) closeValue() bool {
	if len(w.containers) == 0 {
		return true
	}
	top := w.containers[len(w.containers)-1]
	if top.state == csAfterKey {
		// This was the object-key string, not a value: stay in csAfterKey
		// so the next rune is expected to be ':'.
		return true
	}
	top.state = csAfterValue
	return true
}
