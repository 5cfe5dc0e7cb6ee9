package index

import (
	"context"
	"errors"

	"github.com/jinford/web-rag/internal/core/document"
)

var (
	// ErrDimensionMismatch はベクトル次元がインデックスの次元と一致しない場合のエラー
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrEmptyEmbedding は埋め込みベクトルが空の場合のエラー
	ErrEmptyEmbedding = errors.New("empty embedding")
)

// Embedder はテキストのEmbedding生成インターフェース
type Embedder interface {
	// Embed は単一テキストのEmbeddingを生成する
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Entry はストアに格納するチャンクとEmbeddingの組
type Entry struct {
	Chunk     document.Chunk
	Embedding []float32
}

// Key はエントリの上書きキー（source_id + offset）を返す
func (e Entry) Key() string {
	return e.Chunk.Key()
}

// Store はベクトルストアのインターフェース
// 同じキーのエントリは上書きされ、検索結果はスコア降順（同点は挿入順）で返す
type Store interface {
	Upsert(ctx context.Context, entries []Entry) error
	Query(ctx context.Context, vector []float32, topK int) ([]document.ScoredChunk, error)
	Count(ctx context.Context) (int, error)
}

// Stats は1回のインデックス処理の結果
type Stats struct {
	Chunks  int // 入力チャンク数
	Indexed int // ストアに書き込んだ数
	Failed  int // Embedding失敗または次元不一致で除外した数
}
