package generation

import (
	"context"
	"errors"

	"github.com/samber/mo"
)

const (
	// FinishReasonStop は正常終了
	FinishReasonStop = "stop"
	// FinishReasonLength はトークン上限による打ち切り
	FinishReasonLength = "length"
	// FinishReasonContentFilter はコンテンツフィルタによる打ち切り
	FinishReasonContentFilter = "content_filter"
)

var (
	// ErrEmptyPrompt はプロンプトが空の場合のエラー
	ErrEmptyPrompt = errors.New("prompt is required")

	// ErrMultipleChoicesStreaming はストリーミングで複数候補を要求した場合のエラー
	ErrMultipleChoicesStreaming = errors.New("streaming does not support n > 1")

	// ErrNoChoices はプロバイダが候補を返さなかった場合のエラー
	ErrNoChoices = errors.New("no completion choices returned")
)

// Usage はトークン使用量を表す
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// IsZero は使用量が未設定かどうかを返す
func (u Usage) IsZero() bool {
	return u.PromptTokens == 0 && u.CompletionTokens == 0 && u.TotalTokens == 0
}

// Event はモデル出力の増分1つ分
type Event struct {
	ID           string
	Model        string
	Delta        string
	FinishReason string
	Usage        mo.Option[Usage]
	Created      int64
}

// Reply は1回の生成の最終結果
type Reply struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        Usage
	Created      int64
}

// Request は生成リクエスト
type Request struct {
	Prompt       string
	SystemPrompt string
	Model        string
	Temperature  mo.Option[float64]
	MaxTokens    mo.Option[int]
	N            int
}

// Provider は言語モデルのcompletion APIのインターフェース
type Provider interface {
	// Complete は非ストリーミングで生成し、最初の候補を返す
	Complete(ctx context.Context, req Request) (*Reply, error)

	// Stream は増分を受け取るたびに onChunk を同期的に呼び出す
	// onChunk がエラーを返した場合はストリームを中断してそのエラーを返す
	Stream(ctx context.Context, req Request, onChunk func(Event) error) error
}

// TokenCounter はテキストのトークン数を数える
type TokenCounter interface {
	CountTokens(text string) int
}
