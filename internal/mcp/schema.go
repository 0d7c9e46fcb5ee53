package mcp

import (
	"github.com/localmind/localmind/internal/sampler"
)

// CompileInputSchema parses a tool's raw JSON-Schema InputSchema into the
// sampler package's own Schema representation, so the agent loop can hand
// a tool's arguments shape straight to a schema-constrained grammar
// instead of hoping the model free-forms valid JSON (spec C9: "JSON-Schema
// → internal schema conversion, consumed by C6's grammar compiler").
func CompileInputSchema(tool Tool) (*sampler.Schema, error) {
	if len(tool.InputSchema) == 0 {
		return nil, errSchemaMismatch(tool.Name, errEmptySchema)
	}
	schema, err := sampler.CompileJSONSchema(tool.InputSchema)
	if err != nil {
		return nil, errSchemaMismatch(tool.Name, err)
	}
	return schema, nil
}

var errEmptySchema = schemaErr("tool advertised no input schema")

type schemaErr string

func (e schemaErr) Error() string { return string(e) }
