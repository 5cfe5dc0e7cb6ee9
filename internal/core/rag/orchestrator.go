package rag

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jinford/web-rag/internal/core/document"
	"github.com/jinford/web-rag/internal/core/fetch"
	"github.com/jinford/web-rag/internal/core/generation"
	"github.com/jinford/web-rag/internal/core/index"
	"github.com/jinford/web-rag/internal/core/preprocess"
	"github.com/jinford/web-rag/internal/core/prompt"
	"github.com/samber/mo"
)

var (
	// ErrEmptyQuery はクエリが空の場合のエラー
	ErrEmptyQuery = errors.New("query is required")
)

// Searcher はクエリからドキュメントを集める
type Searcher interface {
	Search(ctx context.Context, query string) ([]document.Document, error)
}

var _ Searcher = (*fetch.Fetcher)(nil)

// QueryParams は1回の問い合わせのパラメータ
type QueryParams struct {
	Query       string
	Model       string
	Temperature mo.Option[float64]
	MaxTokens   mo.Option[int]
	TopK        int
}

// IngestResult はインジェストの結果
type IngestResult struct {
	Documents int
	Chunks    int
	Stats     index.Stats
}

// Prepared は生成直前まで処理した問い合わせ
type Prepared struct {
	Params    QueryParams
	Ingest    IngestResult
	Retrieved []document.ScoredChunk
	Prompt    string
}

// Sources は参照元を初出順で返す
func (p *Prepared) Sources() []document.Meta {
	grouping := preprocess.Group(chunksOf(p.Retrieved))
	sources := make([]document.Meta, 0, grouping.Len())
	for _, g := range grouping.Groups() {
		sources = append(sources, g.First().Meta)
	}
	return sources
}

// Answer は問い合わせへの回答
type Answer struct {
	Prepared *Prepared
	Reply    *generation.Reply
}

type retrieval struct {
	params QueryParams
	ingest IngestResult
	vector []float32
}

// Orchestrator はインジェストと問い合わせのパイプラインを組み立てて実行する
//
//	ingest:   query -> fetch -> split -> index
//	query:    embed -> retrieve -> prompt -> generate
type Orchestrator struct {
	bridge *generation.Bridge
	topK   int
	logger *slog.Logger

	ingest   Stage[string, IngestResult]
	retrieve Stage[QueryParams, *Prepared]
	prepare  Stage[QueryParams, *Prepared]
}

// Option は Orchestrator のオプション設定
type Option func(*Orchestrator)

// WithOrchestratorLogger はロガーを設定する
func WithOrchestratorLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithTopK は取得件数のデフォルトを設定する
func WithTopK(k int) Option {
	return func(o *Orchestrator) {
		o.topK = k
	}
}

// New は新しい Orchestrator を作成し、段の接続を確定させる
func New(
	searcher Searcher,
	splitter *preprocess.Splitter,
	idx *index.Index,
	builder *prompt.Builder,
	bridge *generation.Bridge,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		bridge: bridge,
		topK:   index.DefaultTopK,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	fetchStage := NewStage("fetch", func(ctx context.Context, query string) ([]document.Document, error) {
		docs, err := searcher.Search(ctx, query)
		if err != nil {
			return nil, stageError("fetch", err)
		}
		return docs, nil
	})
	splitStage := NewStage("split", func(ctx context.Context, docs []document.Document) (splitResult, error) {
		return splitResult{documents: len(docs), chunks: splitter.Split(docs)}, nil
	})
	indexStage := NewStage("index", func(ctx context.Context, in splitResult) (IngestResult, error) {
		stats, err := idx.Index(ctx, in.chunks)
		if err != nil {
			return IngestResult{}, stageError("index", err)
		}
		return IngestResult{Documents: in.documents, Chunks: len(in.chunks), Stats: stats}, nil
	})
	o.ingest = Chain(Chain(fetchStage, splitStage), indexStage)

	ingestStage := NewStage("ingest", func(ctx context.Context, params QueryParams) (retrieval, error) {
		res, err := o.ingest.Run(ctx, params.Query)
		if err != nil {
			return retrieval{}, err
		}
		return retrieval{params: params, ingest: res}, nil
	})
	embedStage := NewStage("embed", func(ctx context.Context, in retrieval) (retrieval, error) {
		vector, err := idx.EmbedQuery(ctx, in.params.Query)
		if err != nil {
			return retrieval{}, stageError("embed", err)
		}
		in.vector = vector
		return in, nil
	})
	retrieveStage := NewStage("retrieve", func(ctx context.Context, in retrieval) (*Prepared, error) {
		topK := in.params.TopK
		if topK <= 0 {
			topK = o.topK
		}
		chunks, err := idx.Retrieve(ctx, in.vector, topK)
		if err != nil {
			return nil, stageError("retrieve", err)
		}
		return &Prepared{Params: in.params, Ingest: in.ingest, Retrieved: chunks}, nil
	})
	promptStage := NewStage("prompt", func(ctx context.Context, p *Prepared) (*Prepared, error) {
		text, err := builder.Build(chunksOf(p.Retrieved), p.Params.Query, nil)
		if err != nil {
			return nil, stageError("prompt", err)
		}
		p.Prompt = text
		return p, nil
	})

	o.retrieve = Chain(Chain(ingestStage, embedStage), retrieveStage)
	o.prepare = Chain(o.retrieve, promptStage)

	return o
}

type splitResult struct {
	documents int
	chunks    []document.Chunk
}

// Ingest はクエリで検索した結果をインデックスへ取り込む
func (o *Orchestrator) Ingest(ctx context.Context, query string) (IngestResult, error) {
	if query == "" {
		return IngestResult{}, ErrEmptyQuery
	}
	return o.ingest.Run(ctx, query)
}

// Retrieve はインジェスト後に関連チャンクを取得する（プロンプトは組み立てない）
func (o *Orchestrator) Retrieve(ctx context.Context, params QueryParams) (*Prepared, error) {
	if params.Query == "" {
		return nil, ErrEmptyQuery
	}
	return o.retrieve.Run(ctx, params)
}

// Prepare はインジェストからプロンプト構築までを実行する
func (o *Orchestrator) Prepare(ctx context.Context, params QueryParams) (*Prepared, error) {
	if params.Query == "" {
		return nil, ErrEmptyQuery
	}

	start := time.Now()
	prepared, err := o.prepare.Run(ctx, params)
	if err != nil {
		return nil, err
	}

	o.logger.Info("query prepared",
		"query", params.Query,
		"documents", prepared.Ingest.Documents,
		"chunks", prepared.Ingest.Chunks,
		"retrieved", len(prepared.Retrieved),
		"sources", len(prepared.Sources()),
		"elapsed", time.Since(start),
	)
	return prepared, nil
}

// ProcessQuery は問い合わせを処理して回答を返す
// onEvent を渡した場合は生成の増分を到着順に通知し、生成終了（成功・失敗）後に戻る
func (o *Orchestrator) ProcessQuery(ctx context.Context, params QueryParams, onEvent func(generation.Event) error) (*Answer, error) {
	prepared, err := o.Prepare(ctx, params)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Error("query preparation failed", "query", params.Query, "error", err)
		}
		return nil, err
	}

	reply, err := o.bridge.Generate(ctx, o.request(prepared), onEvent)
	if err != nil {
		return nil, stageError("generate", err)
	}

	return &Answer{Prepared: prepared, Reply: reply}, nil
}

// Stream は問い合わせ全体を生成タスクとして開始し、増分をイベントストリームで返す
// 準備段階の失敗も含め、ストリームは必ず終端する
func (o *Orchestrator) Stream(ctx context.Context, params QueryParams, opts ...generation.StreamOption) *generation.Stream {
	return generation.NewStream(ctx, func(ctx context.Context, emit func(generation.Event) error) (*generation.Reply, error) {
		answer, err := o.ProcessQuery(ctx, params, emit)
		if err != nil {
			return nil, err
		}
		return answer.Reply, nil
	}, append([]generation.StreamOption{generation.WithStreamLogger(o.logger)}, opts...)...)
}

func (o *Orchestrator) request(p *Prepared) generation.Request {
	return generation.Request{
		Prompt:      p.Prompt,
		Model:       p.Params.Model,
		Temperature: p.Params.Temperature,
		MaxTokens:   p.Params.MaxTokens,
	}
}

func chunksOf(scored []document.ScoredChunk) []document.Chunk {
	chunks := make([]document.Chunk, 0, len(scored))
	for _, s := range scored {
		chunks = append(chunks, s.Chunk)
	}
	return chunks
}
