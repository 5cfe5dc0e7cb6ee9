package api

import (
	"github.com/jinford/web-rag/internal/core/generation"
)

// ChatMessage はOpenAI互換のメッセージ
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest は /v1/chat/completions のリクエスト
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// LastUserMessage は最後の role=user のメッセージを返す
func (r ChatRequest) LastUserMessage() (ChatMessage, bool) {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i], true
		}
	}
	return ChatMessage{}, false
}

// ErrorResponse はエラー時のレスポンス
type ErrorResponse struct {
	Error string `json:"error"`
}

// Completion は非ストリーミングのレスポンス (object=chat.completion)
type Completion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *generation.Usage  `json:"usage,omitempty"`
}

// CompletionChoice は非ストリーミングの候補
type CompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// CompletionChunk はストリーミングの1イベント (object=chat.completion.chunk)
type CompletionChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []ChunkChoice     `json:"choices"`
	Usage   *generation.Usage `json:"usage,omitempty"`
}

// ChunkChoice はストリーミングの候補
// finish_reason は最後の増分以外では null になる
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta は増分の内容
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content"`
}
