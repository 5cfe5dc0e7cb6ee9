package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/jinford/web-rag/internal/core/document"
	"github.com/jinford/web-rag/internal/core/index"
	"github.com/jinford/web-rag/internal/platform/database"
)

// TablePrefix はプロセスごとに作成するテーブル名の接頭辞
const TablePrefix = "web_rag_chunks_"

// Store は pgvector を使ったベクトルストア
// テーブルはプロセス単位で作成し直すため、再起動をまたいだ永続化は行わない
type Store struct {
	pool   *pgxpool.Pool
	table  string
	logger *slog.Logger

	mu        sync.Mutex
	dimension int
}

type storeOptions struct {
	table     string
	dimension int
	logger    *slog.Logger
}

// StoreOption は Store のオプション設定
type StoreOption func(*storeOptions)

// WithTable はテーブル名を指定する（未指定時はプロセスごとにランダムな名前）
func WithTable(name string) StoreOption {
	return func(o *storeOptions) {
		o.table = name
	}
}

// WithStoreDimension はベクトル次元を固定する
func WithStoreDimension(dimension int) StoreOption {
	return func(o *storeOptions) {
		o.dimension = dimension
	}
}

// WithStoreLogger はロガーを設定する
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(o *storeOptions) {
		o.logger = logger
	}
}

// NewStore は拡張を有効化し、テーブルを作り直した Store を返す
func NewStore(ctx context.Context, pool *pgxpool.Pool, opts ...StoreOption) (*Store, error) {
	options := storeOptions{
		table:  TablePrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}

	s := &Store{
		pool:      pool,
		table:     pgx.Identifier{options.table}.Sanitize(),
		logger:    options.logger,
		dimension: options.dimension,
	}
	if err := s.reset(ctx); err != nil {
		return nil, err
	}

	s.logger.Info("pgvector store ready", "table", options.table)
	return s, nil
}

func (s *Store) reset(ctx context.Context) error {
	_, err := database.Transact(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		stmts := []string{
			`CREATE EXTENSION IF NOT EXISTS vector`,
			fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table),
			fmt.Sprintf(`CREATE TABLE %s (
				seq          BIGSERIAL,
				key          TEXT PRIMARY KEY,
				source_id    TEXT NOT NULL,
				chunk_offset INTEGER NOT NULL,
				start_line   INTEGER NOT NULL,
				line_count   INTEGER NOT NULL,
				content      TEXT NOT NULL,
				meta         JSONB NOT NULL,
				embedding    vector NOT NULL
			)`, s.table),
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return struct{}{}, fmt.Errorf("failed to prepare table: %w", err)
			}
		}
		return struct{}{}, nil
	})
	return err
}

// Upsert はエントリを書き込む。既存キーは seq を保ったまま内容を置き換える
func (s *Store) Upsert(ctx context.Context, entries []index.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.checkDimension(entries); err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (key, source_id, chunk_offset, start_line, line_count, content, meta, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (key) DO UPDATE SET
			content    = EXCLUDED.content,
			start_line = EXCLUDED.start_line,
			line_count = EXCLUDED.line_count,
			meta       = EXCLUDED.meta,
			embedding  = EXCLUDED.embedding`, s.table)

	batch := &pgx.Batch{}
	for _, entry := range entries {
		meta, err := json.Marshal(entry.Chunk.Meta)
		if err != nil {
			return fmt.Errorf("failed to marshal meta for %s: %w", entry.Key(), err)
		}
		batch.Queue(query,
			entry.Key(),
			entry.Chunk.Meta.SourceID,
			entry.Chunk.Offset,
			entry.Chunk.StartLine,
			entry.Chunk.LineCount,
			entry.Chunk.Content,
			meta,
			pgvector.NewVector(entry.Embedding),
		)
	}

	_, err := database.Transact(ctx, s.pool, func(tx pgx.Tx) (struct{}, error) {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return struct{}{}, fmt.Errorf("failed to upsert entries: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

func (s *Store) checkDimension(entries []index.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dimension := s.dimension
	if dimension == 0 {
		dimension = len(entries[0].Embedding)
	}
	for _, entry := range entries {
		if len(entry.Embedding) != dimension {
			return fmt.Errorf("%w: key %s has %d, store has %d",
				index.ErrDimensionMismatch, entry.Key(), len(entry.Embedding), dimension)
		}
	}
	s.dimension = dimension
	return nil
}

// Query はコサイン距離の昇順（同点は挿入順）で上位 topK 件を返す
func (s *Store) Query(ctx context.Context, vector []float32, topK int) ([]document.ScoredChunk, error) {
	s.mu.Lock()
	dimension := s.dimension
	s.mu.Unlock()

	if dimension == 0 {
		return nil, nil
	}
	if len(vector) != dimension {
		return nil, fmt.Errorf("%w: query has %d, store has %d", index.ErrDimensionMismatch, len(vector), dimension)
	}

	query := fmt.Sprintf(`
		SELECT source_id, chunk_offset, start_line, line_count, content, meta, 1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1, seq`, s.table)
	args := []any{pgvector.NewVector(vector)}
	if topK > 0 {
		query += ` LIMIT $2`
		args = append(args, topK)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query similar chunks: %w", err)
	}
	defer rows.Close()

	var results []document.ScoredChunk
	for rows.Next() {
		var (
			sc       document.ScoredChunk
			sourceID string
			meta     []byte
		)
		if err := rows.Scan(&sourceID, &sc.Offset, &sc.StartLine, &sc.LineCount, &sc.Content, &meta, &sc.Score); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if err := json.Unmarshal(meta, &sc.Meta); err != nil {
			return nil, fmt.Errorf("failed to unmarshal meta: %w", err)
		}
		sc.Meta.SourceID = sourceID
		results = append(results, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate chunks: %w", err)
	}
	return results, nil
}

// Count は格納済みエントリ数を返す
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT count(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// Drop はテーブルを削除する
func (s *Store) Drop(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.table)); err != nil {
		return fmt.Errorf("failed to drop table: %w", err)
	}
	return nil
}

// インターフェース実装の確認
var _ index.Store = (*Store)(nil)
