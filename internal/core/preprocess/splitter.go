package preprocess

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/jinford/web-rag/internal/core/document"
)

const (
	// DefaultSplitLines はチャンクあたりのデフォルト行数
	DefaultSplitLines = 10
)

var extraWhitespace = regexp.MustCompile(`[ \t\p{Zs}]{2,}`)

// Splitter はドキュメントを整形し、固定行数のチャンクに分割する
type Splitter struct {
	lines int
}

// NewSplitter は新しい Splitter を作成する（lines が0以下ならデフォルト値）
func NewSplitter(lines int) *Splitter {
	if lines <= 0 {
		lines = DefaultSplitLines
	}
	return &Splitter{lines: lines}
}

// Lines はウィンドウサイズを返す
func (s *Splitter) Lines() int {
	return s.lines
}

// Clean は制御文字・空行・連続空白を除去する
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")

	rawLines := strings.Split(text, "\n")
	cleaned := make([]string, 0, len(rawLines))
	for _, line := range rawLines {
		line = strings.Map(func(r rune) rune {
			if r == '\t' {
				return ' '
			}
			if unicode.IsControl(r) || r == '\uFEFF' {
				return -1
			}
			return r
		}, line)
		line = extraWhitespace.ReplaceAllString(line, " ")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cleaned = append(cleaned, line)
	}
	return strings.Join(cleaned, "\n")
}

// Split は各ドキュメントを整形して行ウィンドウに分割する
// 同一ソースのチャンクは元の行順を保つ
func (s *Splitter) Split(docs []document.Document) []document.Chunk {
	var chunks []document.Chunk
	for _, doc := range docs {
		chunks = append(chunks, s.SplitDocument(doc)...)
	}
	return chunks
}

// SplitDocument は1ドキュメントを分割する
func (s *Splitter) SplitDocument(doc document.Document) []document.Chunk {
	content := Clean(doc.Content)
	if content == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	chunks := make([]document.Chunk, 0, (len(lines)+s.lines-1)/s.lines)
	for start, offset := 0, 0; start < len(lines); start, offset = start+s.lines, offset+1 {
		end := min(start+s.lines, len(lines))
		window := lines[start:end]
		if len(window) == 0 {
			continue
		}
		chunks = append(chunks, document.Chunk{
			Document: document.Document{
				Content: strings.Join(window, "\n"),
				Meta:    doc.Meta,
			},
			Offset:    offset,
			StartLine: start,
			LineCount: len(window),
		})
	}
	return chunks
}
