package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jinford/web-rag/internal/core/document"
	"github.com/samber/mo"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultURLTimeout は1URLあたりの取得タイムアウト
	DefaultURLTimeout = 60 * time.Second
)

var (
	// ErrEmptyQuery はクエリが空の場合のエラー
	ErrEmptyQuery = errors.New("query is required")
)

// SearchResult は検索プロバイダが返す1件分の結果
type SearchResult struct {
	URL      string
	Title    string
	Content  string
	Engine   mo.Option[string]
	Category string
	Score    mo.Option[float64]
}

// SearchProvider は検索エンジンへの問い合わせインターフェース
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// Page はクロールして正規化したページ内容
type Page struct {
	URL         string
	Markdown    string
	Title       string
	Description string
	Author      string
}

// Crawler はURLを取得して正規化するインターフェース
type Crawler interface {
	Crawl(ctx context.Context, url string) (*Page, error)
}

// Fetcher は検索結果のURLを並行取得してドキュメントに変換する
type Fetcher struct {
	provider    SearchProvider
	crawler     Crawler
	concurrency int
	urlTimeout  time.Duration
	logger      *slog.Logger
}

// FetcherOption は Fetcher のオプション設定
type FetcherOption func(*Fetcher)

// WithFetcherLogger はロガーを設定する
func WithFetcherLogger(logger *slog.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

// WithConcurrency は同時取得数の上限を設定する（0以下は無制限）
func WithConcurrency(n int) FetcherOption {
	return func(f *Fetcher) {
		f.concurrency = n
	}
}

// WithURLTimeout は1URLあたりのタイムアウトを設定する
func WithURLTimeout(d time.Duration) FetcherOption {
	return func(f *Fetcher) {
		f.urlTimeout = d
	}
}

// NewFetcher は新しい Fetcher を作成する
func NewFetcher(provider SearchProvider, crawler Crawler, opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		provider:   provider,
		crawler:    crawler,
		urlTimeout: DefaultURLTimeout,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	return f
}

// Search はクエリで検索し、結果URLを並行取得して成功したドキュメントのみを返す
// 順序は検索順位と一致しない場合がある
func (f *Fetcher) Search(ctx context.Context, query string) ([]document.Document, error) {
	if query == "" {
		return nil, ErrEmptyQuery
	}

	start := time.Now()

	results, err := f.provider.Search(ctx, query)
	if err != nil {
		// 検索失敗は結果0件として扱う
		f.logger.Warn("search failed, treating as zero results",
			"query", query,
			"error", err,
		)
		return nil, nil
	}

	outcomes := f.FetchAll(ctx, dedupe(results))
	docs, failures := Collect(outcomes)

	f.logger.Info("search and crawl completed",
		"query", query,
		"results", len(results),
		"documents", len(docs),
		"failed", len(failures),
		"elapsed", time.Since(start),
	)

	// 呼び出し元のキャンセルだけは伝播させる
	if err := ctx.Err(); err != nil {
		return docs, err
	}
	return docs, nil
}

// FetchAll は各URLを独立したゴルーチンで取得する
// 1件の失敗が他の取得を中断することはなく、結果は入力と同じ位置に格納される
func (f *Fetcher) FetchAll(ctx context.Context, results []SearchResult) []mo.Result[document.Document] {
	outcomes := make([]mo.Result[document.Document], len(results))

	var g errgroup.Group
	if f.concurrency > 0 {
		g.SetLimit(f.concurrency)
	}

	for i, result := range results {
		g.Go(func() error {
			outcomes[i] = f.fetchOne(ctx, result)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (f *Fetcher) fetchOne(ctx context.Context, result SearchResult) (outcome mo.Result[document.Document]) {
	defer func() {
		if r := recover(); r != nil {
			outcome = mo.Err[document.Document](fmt.Errorf("crawl panicked for %s: %v", result.URL, r))
			f.logger.Warn("crawl panicked", "url", result.URL, "panic", r)
		}
	}()

	urlCtx, cancel := context.WithTimeout(ctx, f.urlTimeout)
	defer cancel()

	page, err := f.crawler.Crawl(urlCtx, result.URL)
	if err != nil {
		f.logger.Warn("crawl failed, skipping url",
			"url", result.URL,
			"error", err,
		)
		return mo.Err[document.Document](fmt.Errorf("crawl %s: %w", result.URL, err))
	}
	if page == nil {
		return mo.Err[document.Document](fmt.Errorf("crawl %s: empty page", result.URL))
	}

	return mo.Ok(toDocument(result, page))
}

// Collect は成功したドキュメントと失敗のエラーを分離する
func Collect(outcomes []mo.Result[document.Document]) ([]document.Document, []error) {
	docs := make([]document.Document, 0, len(outcomes))
	var failures []error
	for _, outcome := range outcomes {
		doc, err := outcome.Get()
		if err != nil {
			failures = append(failures, err)
			continue
		}
		docs = append(docs, doc)
	}
	return docs, failures
}

func toDocument(result SearchResult, page *Page) document.Document {
	title := page.Title
	if title == "" {
		title = result.Title
	}
	url := result.URL
	if url == "" {
		url = page.URL
	}

	return document.Document{
		Content: page.Markdown,
		Meta: document.Meta{
			URL:         url,
			Title:       title,
			SourceID:    document.SourceIDForURL(url),
			Description: page.Description,
			Author:      page.Author,
			Category:    result.Category,
			Score:       result.Score,
			Engine:      result.Engine,
		},
	}
}

// dedupe は同一URLの重複と空URLを除外する（先に出現したものを残す）
func dedupe(results []SearchResult) []SearchResult {
	seen := make(map[string]struct{}, len(results))
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		if _, ok := seen[r.URL]; ok {
			continue
		}
		seen[r.URL] = struct{}{}
		out = append(out, r)
	}
	return out
}
