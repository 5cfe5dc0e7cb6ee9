package prompt

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"text/template"
	"text/template/parse"

	"github.com/jinford/web-rag/internal/core/document"
	"github.com/jinford/web-rag/internal/core/preprocess"
)

const (
	// VarContents は検索結果本文を受け取るテンプレート変数
	VarContents = "contents"
	// VarReferences は参照元一覧を受け取るテンプレート変数
	VarReferences = "references"
	// VarQuestion はユーザーの質問を受け取るテンプレート変数
	VarQuestion = "question"

	// AllVariables は推論された全変数を必須とする指定
	AllVariables = "*"
)

// DefaultTemplate は組み込みのプロンプトテンプレート
const DefaultTemplate = `You are a search assistant. Answer the question using only the web pages below.
Cite the pages you use with their document number, e.g. [Document <0>].
If the pages do not contain the answer, say so instead of guessing.

## Input Data

### Web Pages
{{.contents}}

### References
{{.references}}

### Question
{{.question}}
`

// DefaultRequiredVariables はデフォルトの必須変数
var DefaultRequiredVariables = []string{VarContents, VarReferences}

// ValidationError は必須変数が不足している場合のエラー
type ValidationError struct {
	Missing  []string
	Required []string
	Provided []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required prompt variables: %s (required: %v, provided: %v)",
		strings.Join(e.Missing, ", "), e.Required, e.Provided)
}

// TokenCounter はテキストのトークン数を数える
type TokenCounter interface {
	CountTokens(text string) int
}

// Builder はテンプレートに検索結果と質問を埋め込んでプロンプトを生成する
type Builder struct {
	source    string
	tmpl      *template.Template
	variables []string
	required  []string
	allVars   bool

	maxTokens int
	counter   TokenCounter
	logger    *slog.Logger
}

// Option は Builder のオプション設定
type Option func(*Builder)

// WithRequiredVariables は必須変数を設定する
// "*" を渡すとテンプレート中の全変数が必須になる
func WithRequiredVariables(vars ...string) Option {
	return func(b *Builder) {
		if slices.Contains(vars, AllVariables) {
			b.allVars = true
			b.required = nil
			return
		}
		b.allVars = false
		b.required = vars
	}
}

// WithVariables はテンプレートから推論する代わりに変数一覧を明示する
func WithVariables(vars ...string) Option {
	return func(b *Builder) {
		b.variables = vars
	}
}

// WithTokenBudget は contents に割り当てるトークン数の上限を設定する（0以下は無制限）
func WithTokenBudget(maxTokens int, counter TokenCounter) Option {
	return func(b *Builder) {
		b.maxTokens = maxTokens
		b.counter = counter
	}
}

// WithBuilderLogger はロガーを設定する
func WithBuilderLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		b.logger = logger
	}
}

// NewBuilder はテンプレート文字列から Builder を作成する
// 空文字列の場合は DefaultTemplate を使う
func NewBuilder(source string, opts ...Option) (*Builder, error) {
	if source == "" {
		source = DefaultTemplate
	}

	tmpl, err := parseTemplate(source)
	if err != nil {
		return nil, err
	}

	b := &Builder{
		source:   source,
		tmpl:     tmpl,
		required: DefaultRequiredVariables,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if len(b.variables) == 0 {
		b.variables = inferVariables(tmpl)
	}

	return b, nil
}

// Variables はテンプレート変数の一覧を返す
func (b *Builder) Variables() []string {
	return b.variables
}

// RequiredVariables は必須変数の一覧を返す
func (b *Builder) RequiredVariables() []string {
	if b.allVars {
		vars := slices.Clone(b.variables)
		sort.Strings(vars)
		return vars
	}
	return b.required
}

// Context は検索結果から組み立てたテンプレート入力
type Context struct {
	Contents   string
	References string
	Sources    int // 参照元のユニーク数
}

// Assemble はチャンクを source_id ごとにまとめ、contents と references を組み立てる
// contents はチャンクの並び順、references は source の初出順になる
func Assemble(chunks []document.Chunk) Context {
	grouping := preprocess.Group(chunks)

	contents := make([]string, 0, len(chunks))
	for _, c := range chunks {
		idx, _ := grouping.IndexOf(c.Meta.SourceID)
		contents = append(contents, fmt.Sprintf("Document <%d>:\n%s", idx, c.Content))
	}

	references := make([]string, 0, grouping.Len())
	for _, g := range grouping.Groups() {
		first := g.First()
		references = append(references, fmt.Sprintf("Document <%d>[%s](%s)", g.Index, first.Meta.Title, first.Meta.URL))
	}

	return Context{
		Contents:   strings.Join(contents, "\n"),
		References: strings.Join(references, "\n"),
		Sources:    grouping.Len(),
	}
}

// Build は検索結果と質問からプロンプトを生成する
// extra の値は contents / references / question より優先度が低い
func (b *Builder) Build(chunks []document.Chunk, question string, extra map[string]any) (string, error) {
	chunks = b.fitBudget(chunks)
	pc := Assemble(chunks)

	vars := make(map[string]any, len(extra)+3)
	for k, v := range extra {
		vars[k] = v
	}
	vars[VarContents] = pc.Contents
	vars[VarReferences] = pc.References
	vars[VarQuestion] = question

	b.logger.Debug("prompt variables assembled",
		"chunks", len(chunks),
		"sources", pc.Sources,
	)

	return b.Render(vars)
}

// Render は変数を検証してテンプレートを描画する
// 必須変数が欠けていれば *ValidationError を返し、任意変数の欠落は空文字列になる
func (b *Builder) Render(vars map[string]any, opts ...RenderOption) (string, error) {
	ro := renderOptions{}
	for _, opt := range opts {
		opt(&ro)
	}

	if err := b.validate(vars); err != nil {
		return "", err
	}

	tmpl := b.tmpl
	variables := b.variables
	if ro.template != "" {
		override, err := parseTemplate(ro.template)
		if err != nil {
			return "", err
		}
		tmpl = override
		variables = inferVariables(override)
	}

	data := make(map[string]any, len(vars)+len(variables))
	for _, v := range variables {
		data[v] = ""
	}
	for k, v := range vars {
		data[k] = v
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return sb.String(), nil
}

// RenderOption は1回の描画に対するオプション
type RenderOption func(*renderOptions)

type renderOptions struct {
	template string
}

// WithTemplate はこの呼び出しに限りテンプレートを差し替える
func WithTemplate(source string) RenderOption {
	return func(o *renderOptions) {
		o.template = source
	}
}

func (b *Builder) validate(vars map[string]any) error {
	required := b.RequiredVariables()

	var missing []string
	for _, v := range required {
		if _, ok := vars[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	provided := make([]string, 0, len(vars))
	for k := range vars {
		provided = append(provided, k)
	}
	sort.Strings(provided)

	return &ValidationError{
		Missing:  missing,
		Required: required,
		Provided: provided,
	}
}

// fitBudget はトークン上限を超える末尾（低スコア側）のチャンクを落とす
func (b *Builder) fitBudget(chunks []document.Chunk) []document.Chunk {
	if b.maxTokens <= 0 || b.counter == nil {
		return chunks
	}

	used := 0
	for i, c := range chunks {
		used += b.counter.CountTokens(c.Content)
		if used > b.maxTokens {
			b.logger.Info("prompt token budget reached, dropping chunks",
				"kept", i,
				"dropped", len(chunks)-i,
				"budget", b.maxTokens,
			)
			return chunks[:i]
		}
	}
	return chunks
}

func parseTemplate(source string) (*template.Template, error) {
	tmpl, err := template.New("prompt").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("failed to parse prompt template: %w", err)
	}
	return tmpl, nil
}

// inferVariables はテンプレートが参照するトップレベルのフィールド名を出現順に返す
func inferVariables(tmpl *template.Template) []string {
	if tmpl.Tree == nil {
		return nil
	}

	var vars []string
	seen := map[string]bool{}
	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			vars = append(vars, name)
		}
	}

	var walk func(node parse.Node)
	walkPipe := func(pipe *parse.PipeNode) {
		if pipe == nil {
			return
		}
		for _, cmd := range pipe.Cmds {
			for _, arg := range cmd.Args {
				walk(arg)
			}
		}
	}
	walk = func(node parse.Node) {
		switch n := node.(type) {
		case *parse.ListNode:
			if n == nil {
				return
			}
			for _, child := range n.Nodes {
				walk(child)
			}
		case *parse.ActionNode:
			walkPipe(n.Pipe)
		case *parse.PipeNode:
			walkPipe(n)
		case *parse.FieldNode:
			add(n.Ident[0])
		case *parse.VariableNode:
			// $.name はトップレベル参照
			if len(n.Ident) > 1 && n.Ident[0] == "$" {
				add(n.Ident[1])
			}
		case *parse.IfNode:
			walkPipe(n.Pipe)
			walk(n.List)
			walk(n.ElseList)
		case *parse.RangeNode:
			// range 内のドットは要素を指すため本文は見ない
			walkPipe(n.Pipe)
		case *parse.WithNode:
			walkPipe(n.Pipe)
		}
	}
	walk(tmpl.Tree.Root)

	return vars
}
