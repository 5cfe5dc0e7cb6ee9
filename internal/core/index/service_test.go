package index_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/jinford/web-rag/internal/core/document"
	"github.com/jinford/web-rag/internal/core/index"
	"github.com/jinford/web-rag/internal/infra/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubEmbedder は内容の先頭文字でベクトルを決める
type stubEmbedder struct {
	mu      sync.Mutex
	calls   int
	failing map[string]bool
	vectors map[string][]float32
}

func (e *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()

	if e.failing[text] {
		return nil, errors.New("embedding API returned 500")
	}
	if v, ok := e.vectors[text]; ok {
		return v, nil
	}
	switch {
	case strings.HasPrefix(text, "x"):
		return []float32{1, 0, 0}, nil
	case strings.HasPrefix(text, "y"):
		return []float32{0, 1, 0}, nil
	default:
		return []float32{0, 0, 1}, nil
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func chunk(sourceID string, offset int, content string) document.Chunk {
	return document.Chunk{
		Document: document.Document{Content: content, Meta: document.Meta{SourceID: sourceID}},
		Offset:   offset,
	}
}

func newIndex(embedder index.Embedder, opts ...index.Option) (*index.Index, *memory.Store) {
	store := memory.NewStore(0)
	opts = append([]index.Option{index.WithIndexLogger(discardLogger())}, opts...)
	return index.New(embedder, store, opts...), store
}

func TestIndex_EmbedFailureDoesNotAbortBatch(t *testing.T) {
	embedder := &stubEmbedder{failing: map[string]bool{"y-broken": true}}
	ix, _ := newIndex(embedder, index.WithEmbedConcurrency(2))
	ctx := context.Background()

	stats, err := ix.Index(ctx, []document.Chunk{
		chunk("a", 0, "x-one"),
		chunk("a", 1, "y-broken"),
		chunk("b", 0, "z-three"),
	})
	require.NoError(t, err)
	assert.Equal(t, index.Stats{Chunks: 3, Indexed: 2, Failed: 1}, stats)
	assert.Equal(t, 3, embedder.calls)

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestIndex_DimensionMismatchIsExcluded(t *testing.T) {
	embedder := &stubEmbedder{vectors: map[string][]float32{"short": {1, 0}}}
	ix, _ := newIndex(embedder, index.WithDimension(3))

	stats, err := ix.Index(context.Background(), []document.Chunk{
		chunk("a", 0, "x"),
		chunk("a", 1, "short"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Indexed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 3, ix.Dimension())
}

func TestIndex_ReindexReplacesEntry(t *testing.T) {
	embedder := &stubEmbedder{}
	ix, store := newIndex(embedder)
	ctx := context.Background()

	_, err := ix.Index(ctx, []document.Chunk{chunk("a", 0, "x-old")})
	require.NoError(t, err)
	_, err = ix.Index(ctx, []document.Chunk{chunk("a", 0, "y-new")})
	require.NoError(t, err)

	n, err := ix.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := store.Get("a#0")
	require.True(t, ok)
	assert.Equal(t, "y-new", got.Chunk.Content)
	assert.Equal(t, []float32{0, 1, 0}, got.Embedding)
}

func TestIndex_RetrieveSortedAndBounded(t *testing.T) {
	embedder := &stubEmbedder{}
	ix, _ := newIndex(embedder)
	ctx := context.Background()

	var chunks []document.Chunk
	for i := 0; i < 12; i++ {
		prefix := []string{"x", "y", "z"}[i%3]
		chunks = append(chunks, chunk(fmt.Sprintf("s%d", i), 0, fmt.Sprintf("%s-%d", prefix, i)))
	}
	_, err := ix.Index(ctx, chunks)
	require.NoError(t, err)

	query, err := ix.EmbedQuery(ctx, "x-query")
	require.NoError(t, err)

	for _, topK := range []int{1, 5, 20} {
		results, err := ix.Retrieve(ctx, query, topK)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(results), topK)
		for i := 1; i < len(results); i++ {
			assert.GreaterOrEqual(t, results[i-1].Score, results[i].Score)
		}
		assert.True(t, strings.HasPrefix(results[0].Content, "x"))
	}
}

func TestIndex_EmptyInput(t *testing.T) {
	ix, _ := newIndex(&stubEmbedder{})

	stats, err := ix.Index(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, index.Stats{}, stats)
}
