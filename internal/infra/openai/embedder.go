package openai

import (
	"context"
	"fmt"

	"github.com/jinford/web-rag/internal/core/index"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	// DefaultEmbeddingModel はモデル未指定時のデフォルトモデル
	DefaultEmbeddingModel = "text-embedding-3-small"

	// SiliconFlowBaseURL はSiliconFlowのOpenAI互換エンドポイント
	SiliconFlowBaseURL = "https://api.siliconflow.cn/v1"
	// SiliconFlowEmbeddingModel はSiliconFlow利用時のデフォルトモデル
	SiliconFlowEmbeddingModel = "BAAI/bge-large-zh-v1.5"
)

// Embedder はOpenAI互換APIを使用してテキストをベクトルに変換する
// 1回の呼び出しで1テキストを送る
type Embedder struct {
	client    openai.Client
	model     string
	dimension int
}

type embedderOptions struct {
	model          string
	dimension      int
	baseURL        string
	requestOptions []option.RequestOption
}

// EmbedderOption は Embedder のオプション設定
type EmbedderOption func(*embedderOptions)

// WithEmbeddingModel はモデル名を上書きする
func WithEmbeddingModel(model string) EmbedderOption {
	return func(o *embedderOptions) {
		o.model = model
	}
}

// WithEmbeddingDimension はベクトル次元を指定する（0はモデルのデフォルト）
func WithEmbeddingDimension(dimension int) EmbedderOption {
	return func(o *embedderOptions) {
		o.dimension = dimension
	}
}

// WithEmbeddingBaseURL はOpenAI互換APIのベースURLを設定する
func WithEmbeddingBaseURL(baseURL string) EmbedderOption {
	return func(o *embedderOptions) {
		o.baseURL = baseURL
	}
}

// WithEmbeddingRequestOptions はSDKのリクエストオプションを追加する
func WithEmbeddingRequestOptions(opts ...option.RequestOption) EmbedderOption {
	return func(o *embedderOptions) {
		o.requestOptions = append(o.requestOptions, opts...)
	}
}

// NewEmbedder は新しい Embedder を作成する
func NewEmbedder(apiKey string, opts ...EmbedderOption) (*Embedder, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyNotSet
	}

	options := embedderOptions{
		model: DefaultEmbeddingModel,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return &Embedder{
		client:    openai.NewClient(requestOptions(apiKey, options.baseURL, options.requestOptions)...),
		model:     options.model,
		dimension: options.dimension,
	}, nil
}

// NewSiliconFlowEmbedder はSiliconFlowのエンドポイントを既定値とした Embedder を作成する
func NewSiliconFlowEmbedder(apiKey string, opts ...EmbedderOption) (*Embedder, error) {
	defaults := []EmbedderOption{
		WithEmbeddingBaseURL(SiliconFlowBaseURL),
		WithEmbeddingModel(SiliconFlowEmbeddingModel),
	}
	return NewEmbedder(apiKey, append(defaults, opts...)...)
}

// Embed は単一テキストの Embedding を生成する
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(e.model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfString: openai.String(text),
		},
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	}
	if e.dimension > 0 {
		params.Dimensions = openai.Int(int64(e.dimension))
	}

	resp, err := e.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("failed to generate embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embeddings generated")
	}

	data := resp.Data[0].Embedding
	vector := make([]float32, len(data))
	for i, v := range data {
		vector[i] = float32(v)
	}
	return vector, nil
}

// ModelName はモデル名を返す
func (e *Embedder) ModelName() string {
	return e.model
}

// Dimension は指定されたベクトル次元数を返す（0は未指定）
func (e *Embedder) Dimension() int {
	return e.dimension
}

// インターフェース実装の確認
var _ index.Embedder = (*Embedder)(nil)
