package chattpl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testTemplateSrc = `{{range .Messages}}` +
	`{{if .IsSystem}}<|system|>{{.Content}}{{eos}}{{end}}` +
	`{{if .IsUser}}<|user|>{{.Content}}{{eos}}{{end}}` +
	`{{if .IsAssistant}}<|assistant|>{{.Content}}{{eos}}{{end}}` +
	`{{if .IsTool}}<|tool:{{.Name}}|>{{.Content}}{{eos}}{{end}}` +
	`{{end}}`

func mustParse(t *testing.T) *Template {
	t.Helper()
	tpl, err := Parse(testTemplateSrc, "<s>", "</s>")
	require.NoError(t, err)
	return tpl
}

func TestRenderBasicConversation(t *testing.T) {
	tpl := mustParse(t)
	out, err := tpl.Render([]Message{
		{Role: RoleSystem, Content: "be terse"},
		{Role: RoleUser, Content: "hi"},
	}, true)
	require.NoError(t, err)
	require.Equal(t,
		"<s><|system|>be terse</s><|user|>hi</s>"+assistantPrefix,
		out,
	)
}

func TestRenderWithoutGenerationPrompt(t *testing.T) {
	tpl := mustParse(t)
	out, err := tpl.Render([]Message{{Role: RoleUser, Content: "hi"}}, false)
	require.NoError(t, err)
	require.Equal(t, "<s><|user|>hi</s>", out)
}

func TestRenderToolMessage(t *testing.T) {
	tpl := mustParse(t)
	out, err := tpl.Render([]Message{
		{Role: RoleTool, Name: "search", Content: "3 results", ToolCallID: "call_1"},
	}, false)
	require.NoError(t, err)
	require.Equal(t, "<s><|tool:search|>3 results</s>", out)
}

func TestParseRejectsUnknownDirective(t *testing.T) {
	_, err := Parse(`{{range .Messages}}{{.Bogus}}{{end}}`, "", "")
	require.Error(t, err)
}

func TestParseRejectsMissingEnd(t *testing.T) {
	_, err := Parse(`{{range .Messages}}{{.Content}}`, "", "")
	require.Error(t, err)
}

func TestFieldOutsideRangeErrors(t *testing.T) {
	tpl, err := Parse(`{{.Content}}`, "", "")
	require.NoError(t, err)
	_, err = tpl.Render([]Message{{Role: RoleUser, Content: "hi"}}, false)
	require.Error(t, err)
}
