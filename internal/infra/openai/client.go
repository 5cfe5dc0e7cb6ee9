package openai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jinford/web-rag/internal/core/generation"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"github.com/samber/mo"
)

const (
	// DefaultModel はデフォルトで使用するモデル
	DefaultModel = "gpt-4o-mini"

	// MaxRetries はレート制限エラー時の最大リトライ回数
	MaxRetries = 3

	// BaseBackoff はExponential Backoffの基底時間
	BaseBackoff = 2 * time.Second

	// MaxBackoff はExponential Backoffの最大待機時間
	MaxBackoff = 32 * time.Second
)

var (
	// ErrAPIKeyNotSet はAPIキーが設定されていない場合のエラー
	ErrAPIKeyNotSet = errors.New("API key not set: please set LLM_API_KEY or OPENAI_API_KEY")

	// ErrMaxRetriesExceeded は最大リトライ回数を超過した場合のエラー
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// Client はOpenAI互換APIを使った生成プロバイダ
type Client struct {
	client      openai.Client
	model       string
	baseBackoff time.Duration
}

type clientOptions struct {
	baseURL        string
	model          string
	baseBackoff    time.Duration
	requestOptions []option.RequestOption
}

// ClientOption は Client のオプション設定
type ClientOption func(*clientOptions)

// WithBaseURL はOpenAI互換APIのベースURLを設定する
func WithBaseURL(baseURL string) ClientOption {
	return func(o *clientOptions) {
		o.baseURL = baseURL
	}
}

// WithChatModel はモデル名を設定する
func WithChatModel(model string) ClientOption {
	return func(o *clientOptions) {
		o.model = model
	}
}

// WithBackoff はレート制限時のリトライ間隔の基底値を設定する
func WithBackoff(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.baseBackoff = d
	}
}

// WithRequestOptions はSDKのリクエストオプションを追加する
func WithRequestOptions(opts ...option.RequestOption) ClientOption {
	return func(o *clientOptions) {
		o.requestOptions = append(o.requestOptions, opts...)
	}
}

// NewClient は新しい Client を作成する
func NewClient(apiKey string, opts ...ClientOption) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := clientOptions{
		model:       DefaultModel,
		baseBackoff: BaseBackoff,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Client{
		client:      openai.NewClient(requestOptions(apiKey, options.baseURL, options.requestOptions)...),
		model:       options.model,
		baseBackoff: options.baseBackoff,
	}, nil
}

// requestOptions はSDKのリトライを無効にし、レート制限のリトライはこちらで行う
func requestOptions(apiKey, baseURL string, extra []option.RequestOption) []option.RequestOption {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return append(opts, extra...)
}

// ModelName はモデル名を返す
func (c *Client) ModelName() string {
	return c.model
}

// Complete は非ストリーミングで生成し、最初の候補を返す
func (c *Client) Complete(ctx context.Context, req generation.Request) (*generation.Reply, error) {
	params := c.params(req)

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, attempt); err != nil {
				return nil, err
			}
		}

		completion, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if isRateLimitError(err) {
				continue
			}
			return nil, fmt.Errorf("chat completion call failed: %w", err)
		}

		if len(completion.Choices) == 0 {
			return nil, generation.ErrNoChoices
		}

		choice := completion.Choices[0]
		return &generation.Reply{
			ID:           completion.ID,
			Model:        string(completion.Model),
			Content:      choice.Message.Content,
			FinishReason: string(choice.FinishReason),
			Usage:        usage(completion.Usage),
			Created:      completion.Created,
		}, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

// Stream は増分モードで生成し、受信した増分ごとに onChunk を呼び出す
// レート制限のリトライは最初の増分を受け取る前に限る
func (c *Client) Stream(ctx context.Context, req generation.Request, onChunk func(generation.Event) error) error {
	params := c.params(req)
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{
		IncludeUsage: openai.Bool(true),
	}

	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			if err := c.wait(ctx, attempt); err != nil {
				return err
			}
		}

		delivered, err := c.streamOnce(ctx, params, onChunk)
		if err == nil {
			return nil
		}
		lastErr = err
		if delivered > 0 || !isRateLimitError(err) {
			return err
		}
	}

	return fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

func (c *Client) streamOnce(ctx context.Context, params openai.ChatCompletionNewParams, onChunk func(generation.Event) error) (int, error) {
	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	delivered := 0
	for stream.Next() {
		chunk := stream.Current()

		ev := generation.Event{
			ID:      chunk.ID,
			Model:   chunk.Model,
			Created: chunk.Created,
		}
		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]
			ev.Delta = choice.Delta.Content
			ev.FinishReason = string(choice.FinishReason)
		}
		if chunk.Usage.TotalTokens > 0 {
			ev.Usage = mo.Some(usage(chunk.Usage))
		}

		// 使用量だけの最終チャンクは本文を持たないが、メタデータとして中継する
		if err := onChunk(ev); err != nil {
			return delivered, err
		}
		delivered++
	}
	if err := stream.Err(); err != nil {
		return delivered, fmt.Errorf("chat completion stream failed: %w", err)
	}
	return delivered, nil
}

func (c *Client) params(req generation.Request) openai.ChatCompletionNewParams {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if t, ok := req.Temperature.Get(); ok {
		params.Temperature = openai.Float(t)
	}
	if n, ok := req.MaxTokens.Get(); ok && n > 0 {
		params.MaxTokens = openai.Int(int64(n))
	}
	if req.N > 1 {
		params.N = openai.Int(int64(req.N))
	}
	return params
}

func (c *Client) wait(ctx context.Context, attempt int) error {
	backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.baseBackoff
	if backoff > MaxBackoff {
		backoff = MaxBackoff
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(backoff):
		return nil
	}
}

func usage(u openai.CompletionUsage) generation.Usage {
	return generation.Usage{
		PromptTokens:     int(u.PromptTokens),
		CompletionTokens: int(u.CompletionTokens),
		TotalTokens:      int(u.TotalTokens),
	}
}

func isRateLimitError(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429
	}

	return false
}

// インターフェース実装の確認
var _ generation.Provider = (*Client)(nil)
