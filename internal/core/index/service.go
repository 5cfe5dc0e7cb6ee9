package index

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jinford/web-rag/internal/core/document"
	"github.com/samber/mo"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTopK は取得件数未指定時のデフォルト値
	DefaultTopK = 10
)

// Index はチャンクをEmbeddingしてストアに格納し、類似検索を提供する
type Index struct {
	embedder    Embedder
	store       Store
	concurrency int
	logger      *slog.Logger

	mu        sync.Mutex
	dimension int
}

// Option は Index のオプション設定
type Option func(*Index)

// WithIndexLogger はロガーを設定する
func WithIndexLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		ix.logger = logger
	}
}

// WithEmbedConcurrency はEmbedding呼び出しの同時実行数を設定する（0以下は無制限）
func WithEmbedConcurrency(n int) Option {
	return func(ix *Index) {
		ix.concurrency = n
	}
}

// WithDimension はインデックスの次元を固定する
// 未指定の場合は最初に得られたベクトルの次元を採用する
func WithDimension(dimension int) Option {
	return func(ix *Index) {
		ix.dimension = dimension
	}
}

// New は新しい Index を作成する
func New(embedder Embedder, store Store, opts ...Option) *Index {
	ix := &Index{
		embedder: embedder,
		store:    store,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	if ix.logger == nil {
		ix.logger = slog.Default()
	}
	return ix
}

// Dimension は現在のインデックス次元を返す（未確定なら0）
func (ix *Index) Dimension() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.dimension
}

// Index は各チャンクを並行にEmbeddingしてストアへupsertする
// 個々のEmbedding失敗は残りのチャンクの処理を中断しない
func (ix *Index) Index(ctx context.Context, chunks []document.Chunk) (Stats, error) {
	stats := Stats{Chunks: len(chunks)}
	if len(chunks) == 0 {
		return stats, nil
	}

	start := time.Now()
	outcomes := ix.EmbedAll(ctx, chunks)

	entries := make([]Entry, 0, len(outcomes))
	for i, outcome := range outcomes {
		entry, err := outcome.Get()
		if err != nil {
			stats.Failed++
			ix.logger.Warn("embedding failed, skipping chunk",
				"key", chunks[i].Key(),
				"url", chunks[i].Meta.URL,
				"error", err,
			)
			continue
		}
		entries = append(entries, entry)
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}

	if len(entries) > 0 {
		if err := ix.store.Upsert(ctx, entries); err != nil {
			return stats, fmt.Errorf("failed to upsert entries: %w", err)
		}
	}
	stats.Indexed = len(entries)

	ix.logger.Info("chunks indexed",
		"chunks", stats.Chunks,
		"indexed", stats.Indexed,
		"failed", stats.Failed,
		"elapsed", time.Since(start),
	)

	return stats, nil
}

// EmbedAll はチャンクごとに1回ずつEmbeddingを呼び出し、入力と同じ位置に結果を返す
func (ix *Index) EmbedAll(ctx context.Context, chunks []document.Chunk) []mo.Result[Entry] {
	outcomes := make([]mo.Result[Entry], len(chunks))

	var g errgroup.Group
	if ix.concurrency > 0 {
		g.SetLimit(ix.concurrency)
	}

	for i, chunk := range chunks {
		g.Go(func() error {
			outcomes[i] = ix.embedOne(ctx, chunk)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (ix *Index) embedOne(ctx context.Context, chunk document.Chunk) (outcome mo.Result[Entry]) {
	defer func() {
		if r := recover(); r != nil {
			outcome = mo.Err[Entry](fmt.Errorf("embedder panicked: %v", r))
		}
	}()

	vector, err := ix.embedder.Embed(ctx, chunk.Content)
	if err != nil {
		return mo.Err[Entry](err)
	}
	if err := ix.checkDimension(vector); err != nil {
		return mo.Err[Entry](err)
	}
	return mo.Ok(Entry{Chunk: chunk, Embedding: vector})
}

// checkDimension は次元を検証し、未確定の場合は確定させる
func (ix *Index) checkDimension(vector []float32) error {
	if len(vector) == 0 {
		return ErrEmptyEmbedding
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.dimension == 0 {
		ix.dimension = len(vector)
		return nil
	}
	if len(vector) != ix.dimension {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vector), ix.dimension)
	}
	return nil
}

// EmbedQuery はクエリ文字列をEmbeddingする
func (ix *Index) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vector, err := ix.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if err := ix.checkDimension(vector); err != nil {
		return nil, err
	}
	return vector, nil
}

// Retrieve はクエリベクトルに近いチャンクを最大 topK 件、スコア降順で返す
func (ix *Index) Retrieve(ctx context.Context, vector []float32, topK int) ([]document.ScoredChunk, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	results, err := ix.store.Query(ctx, vector, topK)
	if err != nil {
		return nil, fmt.Errorf("failed to query store: %w", err)
	}
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Count はストアに格納されたエントリ数を返す
func (ix *Index) Count(ctx context.Context) (int, error) {
	return ix.store.Count(ctx)
}
