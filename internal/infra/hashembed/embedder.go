// Package hashembed はネットワークを使わない決定的な埋め込みを提供する。
// 単語（CJKは1文字単位）を特徴ハッシュで固定次元に写像し、L2正規化する。
package hashembed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/jinford/web-rag/internal/core/index"
)

// DefaultDimension はデフォルトの次元数
const DefaultDimension = 256

// Embedder は特徴ハッシュによる埋め込み実装
type Embedder struct {
	dimension int
}

// New は新しい Embedder を作成する（dimension が0以下ならデフォルト値）
func New(dimension int) *Embedder {
	if dimension <= 0 {
		dimension = DefaultDimension
	}
	return &Embedder{dimension: dimension}
}

// Dimension はベクトル次元数を返す
func (e *Embedder) Dimension() int {
	return e.dimension
}

// ModelName はモデル名を返す
func (e *Embedder) ModelName() string {
	return "hash"
}

// Embed はテキストを固定次元のベクトルに変換する
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vector := make([]float32, e.dimension)
	for _, token := range tokenize(text) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(token))
		sum := h.Sum64()

		bucket := int(sum % uint64(e.dimension))
		if (sum>>63)&1 == 1 {
			vector[bucket] -= 1
		} else {
			vector[bucket] += 1
		}
	}

	var norm float64
	for _, v := range vector {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		// 空テキストでも次元は揃える
		vector[0] = 1
		return vector, nil
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vector {
		vector[i] *= scale
	}
	return vector, nil
}

// tokenize は英数字の連続を1語、CJKなどの文字は1文字を1語として小文字化して返す
func tokenize(text string) []string {
	var tokens []string
	var word strings.Builder

	flush := func() {
		if word.Len() > 0 {
			tokens = append(tokens, word.String())
			word.Reset()
		}
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul):
			flush()
			tokens = append(tokens, string(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()

	return tokens
}

// インターフェース実装の確認
var _ index.Embedder = (*Embedder)(nil)
