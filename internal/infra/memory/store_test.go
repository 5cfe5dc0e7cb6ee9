package memory

import (
	"context"
	"testing"

	"github.com/jinford/web-rag/internal/core/document"
	"github.com/jinford/web-rag/internal/core/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entry(sourceID string, offset int, vec ...float32) index.Entry {
	return index.Entry{
		Chunk: document.Chunk{
			Document: document.Document{Content: sourceID, Meta: document.Meta{SourceID: sourceID}},
			Offset:   offset,
		},
		Embedding: vec,
	}
}

func TestStore_QueryOrdersByDescendingScore(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0)
	require.NoError(t, s.Upsert(ctx, []index.Entry{
		entry("far", 0, 0, 1),
		entry("near", 0, 1, 0),
		entry("mid", 0, 1, 1),
	}))

	results, err := s.Query(ctx, []float32{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "near", results[0].Meta.SourceID)
	assert.Equal(t, "mid", results[1].Meta.SourceID)
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
}

func TestStore_TiesKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := NewStore(2)
	require.NoError(t, s.Upsert(ctx, []index.Entry{
		entry("first", 0, 1, 0),
		entry("second", 0, 2, 0),
		entry("third", 0, 3, 0),
	}))

	results, err := s.Query(ctx, []float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"first", "second", "third"}, []string{
		results[0].Meta.SourceID, results[1].Meta.SourceID, results[2].Meta.SourceID,
	})
}

func TestStore_UpsertReplacesSameKey(t *testing.T) {
	ctx := context.Background()
	s := NewStore(0)
	require.NoError(t, s.Upsert(ctx, []index.Entry{entry("a", 0, 1, 0), entry("a", 1, 0, 1)}))

	require.NoError(t, s.Upsert(ctx, []index.Entry{entry("a", 0, 0.5, 0.5)}))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, ok := s.Get("a#0")
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, 0.5}, got.Embedding)
}

func TestStore_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	s := NewStore(3)

	err := s.Upsert(ctx, []index.Entry{entry("a", 0, 1, 0)})
	assert.ErrorIs(t, err, index.ErrDimensionMismatch)

	require.NoError(t, s.Upsert(ctx, []index.Entry{entry("a", 0, 1, 0, 0)}))
	_, err = s.Query(ctx, []float32{1, 0}, 1)
	assert.ErrorIs(t, err, index.ErrDimensionMismatch)
}

func TestStore_EmptyQueryReturnsNothing(t *testing.T) {
	results, err := NewStore(0).Query(context.Background(), []float32{1}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
