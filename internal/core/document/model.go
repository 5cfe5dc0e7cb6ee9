package document

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/samber/mo"
)

// Meta はドキュメントのメタデータを表す
type Meta struct {
	URL         string             `json:"url"`
	Title       string             `json:"title"`
	SourceID    string             `json:"sourceID"` // 取得元ページの識別子（チャンク間で共通）
	Description string             `json:"description,omitempty"`
	Author      string             `json:"author,omitempty"`
	Category    string             `json:"category,omitempty"`
	Score       mo.Option[float64] `json:"score"`  // 検索エンジンのスコア（任意）
	Engine      mo.Option[string]  `json:"engine"` // 検索エンジン名（任意）
}

// Document は取得・変換済みのテキストドキュメントを表す
type Document struct {
	Content string `json:"content"`
	Meta    Meta   `json:"meta"`
}

// Chunk は元ページの行ウィンドウ1つ分のドキュメント
type Chunk struct {
	Document
	Offset    int `json:"offset"`    // ページ内のウィンドウ番号（0始まり）
	StartLine int `json:"startLine"` // 元ページでの開始行（0始まり）
	LineCount int `json:"lineCount"`
}

// ScoredChunk は類似度スコア付きのチャンク
type ScoredChunk struct {
	Chunk
	Score float64 `json:"score"`
}

// SourceIDForURL はURLから安定したsource_idを生成する
// 同じURLからは常に同じIDが得られるため、再取得時はインデックスが上書きされる
func SourceIDForURL(url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(url)).String()
}

// Key はインデックス上の一意キー (source_id, offset) を返す
func (c Chunk) Key() string {
	return fmt.Sprintf("%s#%d", c.Meta.SourceID, c.Offset)
}
