package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/mo"
)

// Bridge は言語モデルの生成を駆動し、増分出力をコールバックへ中継する
type Bridge struct {
	provider     Provider
	model        string
	systemPrompt string
	temperature  float64
	maxTokens    int
	timeout      time.Duration
	counter      TokenCounter
	logger       *slog.Logger
}

// BridgeOption は Bridge のオプション設定
type BridgeOption func(*Bridge)

// WithBridgeLogger はロガーを設定する
func WithBridgeLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithModel はデフォルトのモデル名を設定する
func WithModel(model string) BridgeOption {
	return func(b *Bridge) {
		b.model = model
	}
}

// WithSystemPrompt はデフォルトのシステムプロンプトを設定する
func WithSystemPrompt(prompt string) BridgeOption {
	return func(b *Bridge) {
		b.systemPrompt = prompt
	}
}

// WithDefaults はリクエストで未指定の場合に使う temperature と max_tokens を設定する
// maxTokens が0以下の場合はプロバイダのデフォルトに任せる
func WithDefaults(temperature float64, maxTokens int) BridgeOption {
	return func(b *Bridge) {
		b.temperature = temperature
		b.maxTokens = maxTokens
	}
}

// WithTimeout は1回の生成のタイムアウトを設定する（0以下は無制限）
func WithTimeout(d time.Duration) BridgeOption {
	return func(b *Bridge) {
		b.timeout = d
	}
}

// WithTokenCounter はプロバイダが使用量を返さない場合の推定に使うカウンタを設定する
func WithTokenCounter(counter TokenCounter) BridgeOption {
	return func(b *Bridge) {
		b.counter = counter
	}
}

// NewBridge は新しい Bridge を作成する
func NewBridge(provider Provider, opts ...BridgeOption) *Bridge {
	b := &Bridge{
		provider:    provider,
		temperature: 0.7,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

// Model はデフォルトのモデル名を返す
func (b *Bridge) Model() string {
	return b.model
}

// Generate はプロンプトから回答を生成する
// onEvent が nil なら非ストリーミング、そうでなければ増分ごとに onEvent を呼び出し、
// ストリーム終了後に全増分を連結した結果（メタデータは最後の増分のもの）を返す
func (b *Bridge) Generate(ctx context.Context, req Request, onEvent func(Event) error) (*Reply, error) {
	if req.Prompt == "" {
		return nil, ErrEmptyPrompt
	}
	req = b.merge(req)

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	start := time.Now()

	var (
		reply *Reply
		err   error
	)
	if onEvent == nil {
		reply, err = b.complete(ctx, req)
	} else {
		reply, err = b.stream(ctx, req, onEvent)
	}
	if err != nil {
		if ctx.Err() != nil {
			b.logger.Info("generation cancelled", "model", req.Model, "error", err)
		} else {
			b.logger.Error("generation failed",
				"model", req.Model,
				"streaming", onEvent != nil,
				"promptLength", len(req.Prompt),
				"error", err,
			)
		}
		return nil, err
	}

	b.checkFinishReason(reply)

	b.logger.Info("generation completed",
		"model", reply.Model,
		"finishReason", reply.FinishReason,
		"promptTokens", reply.Usage.PromptTokens,
		"completionTokens", reply.Usage.CompletionTokens,
		"elapsed", time.Since(start),
	)

	return reply, nil
}

func (b *Bridge) complete(ctx context.Context, req Request) (*Reply, error) {
	reply, err := b.provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("completion failed: %w", err)
	}
	if reply == nil {
		return nil, ErrNoChoices
	}
	return reply, nil
}

func (b *Bridge) stream(ctx context.Context, req Request, onEvent func(Event) error) (*Reply, error) {
	if req.N > 1 {
		return nil, ErrMultipleChoicesStreaming
	}

	var (
		content strings.Builder
		last    Event
		usage   Usage
		chunks  int
	)
	err := b.provider.Stream(ctx, req, func(ev Event) error {
		chunks++
		content.WriteString(ev.Delta)
		if u, ok := ev.Usage.Get(); ok {
			usage = u
		}
		last = mergeMeta(last, ev)
		return onEvent(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("streaming completion failed after %d chunks: %w", chunks, err)
	}

	reply := &Reply{
		ID:           last.ID,
		Model:        last.Model,
		Content:      content.String(),
		FinishReason: last.FinishReason,
		Usage:        usage,
		Created:      last.Created,
	}
	if reply.Model == "" {
		reply.Model = req.Model
	}
	if reply.Usage.IsZero() && b.counter != nil {
		reply.Usage = b.estimateUsage(req, reply.Content)
	}
	return reply, nil
}

// mergeMeta は後から届いた増分のメタデータで上書きする
// 使用量のみの最終チャンクのように空の項目は直前の値を残す
func mergeMeta(last, ev Event) Event {
	if ev.ID != "" {
		last.ID = ev.ID
	}
	if ev.Model != "" {
		last.Model = ev.Model
	}
	if ev.FinishReason != "" {
		last.FinishReason = ev.FinishReason
	}
	if ev.Created != 0 {
		last.Created = ev.Created
	}
	return last
}

// merge はリクエストの未指定項目をデフォルトで埋める
func (b *Bridge) merge(req Request) Request {
	if req.Model == "" {
		req.Model = b.model
	}
	if req.SystemPrompt == "" {
		req.SystemPrompt = b.systemPrompt
	}
	if req.Temperature.IsAbsent() {
		req.Temperature = mo.Some(b.temperature)
	}
	if req.MaxTokens.IsAbsent() && b.maxTokens > 0 {
		req.MaxTokens = mo.Some(b.maxTokens)
	}
	return req
}

func (b *Bridge) estimateUsage(req Request, content string) Usage {
	prompt := b.counter.CountTokens(req.SystemPrompt) + b.counter.CountTokens(req.Prompt)
	completion := b.counter.CountTokens(content)
	return Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// checkFinishReason は打ち切りを警告する（エラーにはしない）
func (b *Bridge) checkFinishReason(reply *Reply) {
	switch reply.FinishReason {
	case FinishReasonLength:
		b.logger.Warn("the completion was truncated because the token limit was reached",
			"model", reply.Model,
			"completionTokens", reply.Usage.CompletionTokens,
		)
	case FinishReasonContentFilter:
		b.logger.Warn("the completion was truncated by the content filter",
			"model", reply.Model,
		)
	}
}
