package prompt

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jinford/web-rag/internal/core/document"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChunk(sourceID, title, url, content string) document.Chunk {
	return document.Chunk{Document: document.Document{
		Content: content,
		Meta:    document.Meta{SourceID: sourceID, Title: title, URL: url},
	}}
}

func sampleChunks() []document.Chunk {
	return []document.Chunk{
		testChunk("a", "Page A", "https://a.example.com", "alpha one"),
		testChunk("b", "Page B", "https://b.example.com", "beta"),
		testChunk("a", "Page A", "https://a.example.com", "alpha two"),
		testChunk("c", "Page C", "https://c.example.com", "gamma"),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAssemble_ContentsAndReferences(t *testing.T) {
	pc := Assemble(sampleChunks())

	assert.Equal(t, 3, pc.Sources)
	assert.Equal(t,
		"Document <0>:\nalpha one\nDocument <1>:\nbeta\nDocument <0>:\nalpha two\nDocument <2>:\ngamma",
		pc.Contents)
	assert.Equal(t,
		"Document <0>[Page A](https://a.example.com)\nDocument <1>[Page B](https://b.example.com)\nDocument <2>[Page C](https://c.example.com)",
		pc.References)
}

func TestBuilder_BuildDefaultTemplate(t *testing.T) {
	b, err := NewBuilder("", WithBuilderLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, []string{"contents", "references", "question"}, b.Variables())

	out, err := b.Build(sampleChunks(), "what is alpha?", nil)
	require.NoError(t, err)
	assert.Contains(t, out, "Document <2>:\ngamma")
	assert.Contains(t, out, "Document <1>[Page B](https://b.example.com)")
	assert.Contains(t, out, "### Question\nwhat is alpha?")
}

func TestBuilder_MissingRequiredReferences(t *testing.T) {
	b, err := NewBuilder("{{.contents}}\n{{.references}}", WithBuilderLogger(quietLogger()))
	require.NoError(t, err)

	_, err = b.Render(map[string]any{"contents": "x"})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"references"}, verr.Missing)
	assert.Equal(t, []string{"contents"}, verr.Provided)
	assert.Contains(t, err.Error(), "references")
}

func TestBuilder_AllVariablesRequired(t *testing.T) {
	b, err := NewBuilder("{{.contents}} {{.references}} {{.lang}}",
		WithRequiredVariables("*"),
		WithBuilderLogger(quietLogger()),
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"contents", "lang", "references"}, b.RequiredVariables())

	_, err = b.Build(sampleChunks(), "q", nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"lang"}, verr.Missing)

	out, err := b.Build(sampleChunks(), "q", map[string]any{"lang": "en"})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(out, " en"))
}

func TestBuilder_OptionalVariablesDefaultToEmpty(t *testing.T) {
	b, err := NewBuilder("[{{.contents}}][{{.note}}][{{if .flag}}on{{end}}]", WithBuilderLogger(quietLogger()))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"contents", "note", "flag"}, b.Variables())

	out, err := b.Render(map[string]any{"contents": "c", "references": "r"})
	require.NoError(t, err)
	assert.Equal(t, "[c][][]", out)
}

func TestBuilder_TemplateOverride(t *testing.T) {
	b, err := NewBuilder("", WithBuilderLogger(quietLogger()))
	require.NoError(t, err)

	out, err := b.Render(
		map[string]any{"contents": "c", "references": "r"},
		WithTemplate("{{.references}}|{{.question}}"),
	)
	require.NoError(t, err)
	assert.Equal(t, "r|", out)
}

type wordCounter struct{}

func (wordCounter) CountTokens(text string) int {
	return len(strings.Fields(text))
}

func TestBuilder_TokenBudgetDropsTrailingChunks(t *testing.T) {
	b, err := NewBuilder("{{.contents}}\n---\n{{.references}}",
		WithTokenBudget(3, wordCounter{}),
		WithBuilderLogger(quietLogger()),
	)
	require.NoError(t, err)

	// alpha one (2) + beta (1) で上限に達する
	out, err := b.Build(sampleChunks(), "q", nil)
	require.NoError(t, err)
	assert.NotContains(t, out, "alpha two")
	assert.NotContains(t, out, "Page C")
	assert.Contains(t, out, "Document <1>[Page B]")
}

func TestNewBuilderFromFile(t *testing.T) {
	dir := t.TempDir()

	listPath := filepath.Join(dir, "list.yaml")
	require.NoError(t, os.WriteFile(listPath, []byte(`template: |
  Q: {{.question}}
  {{.contents}}
required_variables:
  - contents
  - question
`), 0o644))

	b, err := NewBuilderFromFile(listPath, WithBuilderLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, []string{"contents", "question"}, b.RequiredVariables())

	starPath := filepath.Join(dir, "star.yaml")
	require.NoError(t, os.WriteFile(starPath, []byte("template: \"{{.contents}}{{.extra}}\"\nrequired_variables: \"*\"\n"), 0o644))

	b, err = NewBuilderFromFile(starPath, WithBuilderLogger(quietLogger()))
	require.NoError(t, err)
	assert.Equal(t, []string{"contents", "extra"}, b.RequiredVariables())

	badPath := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("template: x\nrequired_variables: all\n"), 0o644))
	_, err = NewBuilderFromFile(badPath)
	assert.Error(t, err)
}
