package postgres

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/web-rag/internal/core/document"
	"github.com/jinford/web-rag/internal/core/index"
	"github.com/jinford/web-rag/internal/platform/database"
)

// startPostgres は pgvector 入りの PostgreSQL コンテナを起動する
// Docker が使えない環境ではテストをスキップする
func startPostgres(t *testing.T) *database.Database {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping pgvector integration test in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker is not available: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker is not available: %v", err)
	}
	pool.MaxWait = 2 * time.Minute

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "pgvector/pgvector",
		Tag:        "pg16",
		Env: []string{
			"POSTGRES_USER=webrag",
			"POSTGRES_PASSWORD=secret",
			"POSTGRES_DB=webrag",
		},
	}, func(hc *docker.HostConfig) {
		hc.AutoRemove = true
		hc.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = pool.Purge(resource)
	})

	port, err := strconv.Atoi(resource.GetPort("5432/tcp"))
	require.NoError(t, err)

	var db *database.Database
	err = pool.Retry(func() error {
		var err error
		db, err = database.New(context.Background(), database.ConnectionParams{
			Host:     "localhost",
			Port:     port,
			User:     "webrag",
			Password: "secret",
			DBName:   "webrag",
			SSLMode:  "disable",
		})
		return err
	})
	require.NoError(t, err)
	t.Cleanup(db.Close)

	return db
}

func entry(sourceID string, offset int, content string, vec ...float32) index.Entry {
	return index.Entry{
		Chunk: document.Chunk{
			Document: document.Document{
				Content: content,
				Meta: document.Meta{
					URL:      "https://example.com/" + sourceID,
					Title:    "title " + sourceID,
					SourceID: sourceID,
				},
			},
			Offset:    offset,
			StartLine: offset * 10,
			LineCount: 10,
		},
		Embedding: vec,
	}
}

func TestStore_Integration(t *testing.T) {
	db := startPostgres(t)
	ctx := context.Background()

	store, err := NewStore(ctx, db.Pool, WithTable("web_rag_chunks_test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Drop(context.Background()) })

	t.Run("empty store returns no results", func(t *testing.T) {
		results, err := store.Query(ctx, []float32{1, 0, 0}, 5)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	require.NoError(t, store.Upsert(ctx, []index.Entry{
		entry("a", 0, "first", 1, 0, 0),
		entry("a", 1, "second", 0, 1, 0),
		entry("b", 0, "third", 1, 0, 0),
	}))

	t.Run("results are ordered by similarity then insertion", func(t *testing.T) {
		results, err := store.Query(ctx, []float32{1, 0, 0}, 10)
		require.NoError(t, err)
		require.Len(t, results, 3)

		assert.Equal(t, "first", results[0].Content)
		assert.Equal(t, "third", results[1].Content)
		assert.Equal(t, "second", results[2].Content)
		assert.InDelta(t, 1.0, results[0].Score, 1e-6)
		assert.InDelta(t, 0.0, results[2].Score, 1e-6)
		assert.Equal(t, "a", results[0].Meta.SourceID)
		assert.Equal(t, "https://example.com/a", results[0].Meta.URL)
		assert.Equal(t, 10, results[2].StartLine)
	})

	t.Run("topK bounds results", func(t *testing.T) {
		results, err := store.Query(ctx, []float32{0, 1, 0}, 1)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "second", results[0].Content)
	})

	t.Run("same key overwrites and keeps position", func(t *testing.T) {
		require.NoError(t, store.Upsert(ctx, []index.Entry{entry("a", 0, "first v2", 1, 0, 0)}))

		n, err := store.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		results, err := store.Query(ctx, []float32{1, 0, 0}, 2)
		require.NoError(t, err)
		require.Len(t, results, 2)
		assert.Equal(t, "first v2", results[0].Content)
		assert.Equal(t, "third", results[1].Content)
	})

	t.Run("dimension mismatch is rejected", func(t *testing.T) {
		err := store.Upsert(ctx, []index.Entry{entry("c", 0, "bad", 1, 0)})
		assert.ErrorIs(t, err, index.ErrDimensionMismatch)

		_, err = store.Query(ctx, []float32{1, 0}, 1)
		assert.ErrorIs(t, err, index.ErrDimensionMismatch)
	})
}
