package openai

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter はtiktokenでトークン数をカウントする
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter は新しいTokenCounterを作成する
// cl100k_baseエンコーディングを使用する
func NewTokenCounter() (*TokenCounter, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding: %w", err)
	}

	return &TokenCounter{
		encoding: encoding,
	}, nil
}

// CountTokens はテキストのトークン数をカウントする
func (tc *TokenCounter) CountTokens(text string) int {
	if tc.encoding == nil {
		return EstimateTokens(text)
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// Estimator はエンコーディングを読み込めない環境向けの概算カウンタ
type Estimator struct{}

// CountTokens は推定トークン数を返す
func (Estimator) CountTokens(text string) int {
	return EstimateTokens(text)
}

// EstimateTokens はテキストの推定トークン数を返す
// 英語は約4文字、CJKは約1文字で1トークンなので、平均として3文字で1トークンとする
func EstimateTokens(text string) int {
	n := len([]rune(text))
	if n == 0 {
		return 0
	}
	return max(1, n/3)
}
