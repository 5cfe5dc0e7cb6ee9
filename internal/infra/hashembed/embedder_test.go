package hashembed

import (
	"context"
	"math"
	"testing"

	"github.com/jinford/web-rag/internal/core/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbed_DeterministicAndNormalized(t *testing.T) {
	e := New(64)
	ctx := context.Background()

	a, err := e.Embed(ctx, "What day is it today?")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "what DAY is it today")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-5)
}

func TestEmbed_SimilarTextsScoreHigher(t *testing.T) {
	e := New(0)
	ctx := context.Background()

	query, _ := e.Embed(ctx, "今天星期几 what day is it")
	near, _ := e.Embed(ctx, "Today is Friday. 今天是星期五, what a day")
	far, _ := e.Embed(ctx, "Recipe: mix flour and water, bake for twenty minutes")

	assert.Greater(t, index.Cosine(query, near), index.Cosine(query, far))
}

func TestEmbed_EmptyTextKeepsDimension(t *testing.T) {
	v, err := New(8).Embed(context.Background(), "   ")
	require.NoError(t, err)
	assert.Len(t, v, 8)
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"go", "1", "24", "今", "天"}, tokenize("Go 1.24 今天"))
}
