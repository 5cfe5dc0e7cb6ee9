package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jinford/web-rag/internal/core/document"
	"github.com/jinford/web-rag/internal/core/index"
)

// Store はプロセス内メモリに保持するベクトルストア
// インジェストと検索は同時に走りうるため、検索は更新途中の状態を観測することがある
type Store struct {
	mu        sync.RWMutex
	entries   []index.Entry
	positions map[string]int
	dimension int
}

// NewStore は新しい Store を作成する
// dimension が0の場合は最初に格納したベクトルの次元を採用する
func NewStore(dimension int) *Store {
	return &Store{
		positions: make(map[string]int),
		dimension: dimension,
	}
}

// Upsert はエントリを追加する。既存キーは挿入位置を保ったまま置き換える
func (s *Store) Upsert(ctx context.Context, entries []index.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.dimension == 0 {
			s.dimension = len(entry.Embedding)
		}
		if len(entry.Embedding) != s.dimension {
			return fmt.Errorf("%w: key %s has %d, store has %d",
				index.ErrDimensionMismatch, entry.Key(), len(entry.Embedding), s.dimension)
		}

		key := entry.Key()
		if pos, ok := s.positions[key]; ok {
			s.entries[pos] = entry
			continue
		}
		s.positions[key] = len(s.entries)
		s.entries = append(s.entries, entry)
	}
	return nil
}

// Query は全エントリとのコサイン類似度を計算し、上位 topK 件を返す
func (s *Store) Query(ctx context.Context, vector []float32, topK int) ([]document.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return nil, nil
	}
	if len(vector) != s.dimension {
		return nil, fmt.Errorf("%w: query has %d, store has %d", index.ErrDimensionMismatch, len(vector), s.dimension)
	}

	scored := make([]document.ScoredChunk, 0, len(s.entries))
	for _, entry := range s.entries {
		scored = append(scored, document.ScoredChunk{
			Chunk: entry.Chunk,
			Score: index.Cosine(vector, entry.Embedding),
		})
	}

	// 同点は挿入順を維持する
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Score > scored[j].Score
	})

	if topK > 0 && len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// Count は格納済みエントリ数を返す
func (s *Store) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

// Get はキーに対応するエントリを返す
func (s *Store) Get(key string) (index.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pos, ok := s.positions[key]
	if !ok {
		return index.Entry{}, false
	}
	return s.entries[pos], true
}

// インターフェース実装の確認
var _ index.Store = (*Store)(nil)
