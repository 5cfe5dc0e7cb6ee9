package container

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jinford/web-rag/internal/core/fetch"
	"github.com/jinford/web-rag/internal/core/generation"
	"github.com/jinford/web-rag/internal/core/index"
	"github.com/jinford/web-rag/internal/core/preprocess"
	"github.com/jinford/web-rag/internal/core/prompt"
	"github.com/jinford/web-rag/internal/core/rag"
	"github.com/jinford/web-rag/internal/infra/crawler"
	"github.com/jinford/web-rag/internal/infra/hashembed"
	"github.com/jinford/web-rag/internal/infra/memory"
	"github.com/jinford/web-rag/internal/infra/openai"
	"github.com/jinford/web-rag/internal/infra/postgres"
	"github.com/jinford/web-rag/internal/infra/redis"
	"github.com/jinford/web-rag/internal/infra/searxng"
	"github.com/jinford/web-rag/internal/platform/config"
	"github.com/jinford/web-rag/internal/platform/database"
)

// TokenCounter はプロンプト予算と使用量推定で共有するトークンカウンタ
type TokenCounter interface {
	CountTokens(text string) int
}

// ServiceContainer はオーケストレータとその依存関係を保持する。
// プロセス全体の状態は持たず、Close で外部接続を解放する。
type ServiceContainer struct {
	Config       *config.Config
	Orchestrator *rag.Orchestrator
	Bridge       *generation.Bridge
	Index        *index.Index

	logger  *slog.Logger
	closers []func()
}

type containerOptions struct {
	logger         *slog.Logger
	embedder       index.Embedder
	store          index.Store
	searchProvider fetch.SearchProvider
	crawler        fetch.Crawler
	provider       generation.Provider
	tokenCounter   TokenCounter
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerEmbedder はカスタム Embedder を注入する
func WithContainerEmbedder(embedder index.Embedder) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedder = embedder
	}
}

// WithContainerStore はベクトルストアを差し替える
func WithContainerStore(store index.Store) ContainerOption {
	return func(opts *containerOptions) {
		opts.store = store
	}
}

// WithContainerSearchProvider は検索プロバイダを差し替える
func WithContainerSearchProvider(provider fetch.SearchProvider) ContainerOption {
	return func(opts *containerOptions) {
		opts.searchProvider = provider
	}
}

// WithContainerCrawler はクローラを差し替える
func WithContainerCrawler(c fetch.Crawler) ContainerOption {
	return func(opts *containerOptions) {
		opts.crawler = c
	}
}

// WithContainerProvider は生成プロバイダを差し替える
func WithContainerProvider(provider generation.Provider) ContainerOption {
	return func(opts *containerOptions) {
		opts.provider = provider
	}
}

// WithContainerTokenCounter は TokenCounter を差し替える
func WithContainerTokenCounter(counter TokenCounter) ContainerOption {
	return func(opts *containerOptions) {
		opts.tokenCounter = counter
	}
}

// NewContainer は設定からコンテナを生成する。
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &ServiceContainer{Config: cfg, logger: logger}
	if err := c.build(ctx, options); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *ServiceContainer) build(ctx context.Context, options containerOptions) error {
	cfg := c.Config
	logger := c.logger

	// TokenCounter
	counter := options.tokenCounter
	if counter == nil {
		tc, err := openai.NewTokenCounter()
		if err != nil {
			logger.Warn("tiktoken encoding unavailable, falling back to estimation", "error", err)
			counter = openai.Estimator{}
		} else {
			counter = tc
		}
	}

	// 生成プロバイダ (OpenAI互換)
	provider := options.provider
	if provider == nil {
		client, err := openai.NewClient(cfg.LLM.APIKey,
			openai.WithBaseURL(cfg.LLM.BaseURL),
			openai.WithChatModel(cfg.LLM.Model),
		)
		if err != nil {
			return fmt.Errorf("生成プロバイダの初期化に失敗しました: %w", err)
		}
		provider = client
	}

	// Embedder
	embedder := options.embedder
	dimension := injectedDimension(embedder)
	if embedder == nil {
		e, dim, err := newEmbedder(cfg.Embedding)
		if err != nil {
			return fmt.Errorf("Embedder の初期化に失敗しました: %w", err)
		}
		embedder, dimension = e, dim
	}

	// VectorStore
	store := options.store
	if store == nil {
		s, err := c.newStore(ctx, dimension)
		if err != nil {
			return fmt.Errorf("ベクトルストアの初期化に失敗しました: %w", err)
		}
		store = s
	}

	// SearchProvider (SearXNG)
	searchProvider := options.searchProvider
	if searchProvider == nil {
		searchProvider = searxng.NewClient(cfg.Search.URL,
			searxng.WithResultCount(cfg.Search.ResultCount),
			searxng.WithLanguage(cfg.Search.Language),
			searxng.WithSafeSearch(cfg.Search.SafeSearch),
			searxng.WithTimeout(cfg.Search.Timeout),
			searxng.WithLogger(logger),
		)
	}

	// Crawler
	pageCrawler := options.crawler
	if pageCrawler == nil {
		cr, err := c.newCrawler(ctx)
		if err != nil {
			return fmt.Errorf("クローラの初期化に失敗しました: %w", err)
		}
		pageCrawler = cr
	}

	fetcher := fetch.NewFetcher(searchProvider, pageCrawler,
		fetch.WithFetcherLogger(logger),
		fetch.WithConcurrency(cfg.Crawl.Concurrency),
		fetch.WithURLTimeout(cfg.Crawl.Timeout),
	)

	splitter := preprocess.NewSplitter(cfg.Retrieval.SplitLines)

	c.Index = index.New(embedder, store,
		index.WithIndexLogger(logger),
		index.WithEmbedConcurrency(cfg.Embedding.Concurrency),
		index.WithDimension(dimension),
	)

	builder, err := newBuilder(cfg.Prompt, counter, logger)
	if err != nil {
		return fmt.Errorf("プロンプトの初期化に失敗しました: %w", err)
	}

	c.Bridge = generation.NewBridge(provider,
		generation.WithBridgeLogger(logger),
		generation.WithModel(cfg.LLM.Model),
		generation.WithSystemPrompt(cfg.LLM.SystemPrompt),
		generation.WithDefaults(cfg.LLM.Temperature, cfg.LLM.MaxTokens),
		generation.WithTimeout(cfg.LLM.Timeout),
		generation.WithTokenCounter(counter),
	)

	c.Orchestrator = rag.New(fetcher, splitter, c.Index, builder, c.Bridge,
		rag.WithOrchestratorLogger(logger),
		rag.WithTopK(cfg.Retrieval.TopK),
	)
	return nil
}

// injectedDimension は注入された Embedder が次元を報告すればそれを返す
// 報告しない場合は0として最初のベクトルから決める
func injectedDimension(embedder index.Embedder) int {
	if d, ok := embedder.(interface{ Dimension() int }); ok {
		return max(d.Dimension(), 0)
	}
	return 0
}

// newEmbedder は設定に応じた Embedder と、判明していればその次元を返す
func newEmbedder(cfg config.EmbeddingConfig) (index.Embedder, int, error) {
	var opts []openai.EmbedderOption
	if cfg.Model != "" {
		opts = append(opts, openai.WithEmbeddingModel(cfg.Model))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithEmbeddingBaseURL(cfg.BaseURL))
	}
	if cfg.Dimension > 0 {
		opts = append(opts, openai.WithEmbeddingDimension(cfg.Dimension))
	}

	switch cfg.Provider {
	case config.EmbedderHash:
		e := hashembed.New(cfg.Dimension)
		return e, e.Dimension(), nil
	case config.EmbedderSiliconFlow:
		e, err := openai.NewSiliconFlowEmbedder(cfg.APIKey, opts...)
		return e, cfg.Dimension, err
	default:
		e, err := openai.NewEmbedder(cfg.APIKey, opts...)
		return e, cfg.Dimension, err
	}
}

func (c *ServiceContainer) newStore(ctx context.Context, dimension int) (index.Store, error) {
	if c.Config.VectorStore != config.VectorStorePgvector {
		return memory.NewStore(dimension), nil
	}

	db, err := database.New(ctx, database.ConnectionParams{
		Host:     c.Config.Database.Host,
		Port:     c.Config.Database.Port,
		User:     c.Config.Database.User,
		Password: c.Config.Database.Password,
		DBName:   c.Config.Database.DBName,
		SSLMode:  c.Config.Database.SSLMode,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, db.Close)

	store, err := postgres.NewStore(ctx, db.Pool,
		postgres.WithStoreDimension(dimension),
		postgres.WithStoreLogger(c.logger),
	)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() {
		if err := store.Drop(context.Background()); err != nil {
			c.logger.Warn("failed to drop pgvector table", "error", err)
		}
	})
	return store, nil
}

func (c *ServiceContainer) newCrawler(ctx context.Context) (fetch.Crawler, error) {
	base := crawler.New(
		crawler.WithMaxBytes(c.Config.Crawl.MaxBytes),
		crawler.WithLogger(c.logger),
	)
	if c.Config.PageCache != config.PageCacheRedis {
		return base, nil
	}

	cache, err := redis.NewPageCache(ctx, redis.Options{
		Address:  c.Config.Redis.Addr,
		Password: c.Config.Redis.Password,
		DB:       c.Config.Redis.DB,
	})
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() {
		if err := cache.Close(); err != nil {
			c.logger.Warn("failed to close redis", "error", err)
		}
	})
	return crawler.NewCachedCrawler(base, cache, c.Config.PageCacheTTL, c.logger), nil
}

func newBuilder(cfg config.PromptConfig, counter TokenCounter, logger *slog.Logger) (*prompt.Builder, error) {
	opts := []prompt.Option{prompt.WithBuilderLogger(logger)}
	if cfg.MaxTokens > 0 {
		opts = append(opts, prompt.WithTokenBudget(cfg.MaxTokens, counter))
	}
	if cfg.TemplateFile != "" {
		return prompt.NewBuilderFromFile(cfg.TemplateFile, opts...)
	}
	return prompt.NewBuilder("", opts...)
}

// Close は内部リソースを登録と逆順に解放する。
func (c *ServiceContainer) Close() {
	if c == nil {
		return
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Logger はロガーを返す。
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}
