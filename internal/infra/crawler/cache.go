package crawler

import (
	"context"
	"log/slog"
	"time"

	"github.com/jinford/web-rag/internal/core/fetch"
)

// DefaultCacheTTL はページキャッシュのデフォルト有効期間
const DefaultCacheTTL = time.Hour

// PageCache はクロール結果のキャッシュ
type PageCache interface {
	Get(ctx context.Context, url string) (*fetch.Page, bool, error)
	Set(ctx context.Context, url string, page *fetch.Page, ttl time.Duration) error
}

// CachedCrawler は PageCache を前段に置いた Crawler
// キャッシュの読み書きに失敗してもクロール自体は続行する
type CachedCrawler struct {
	next   fetch.Crawler
	cache  PageCache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedCrawler は新しい CachedCrawler を作成する
func NewCachedCrawler(next fetch.Crawler, cache PageCache, ttl time.Duration, logger *slog.Logger) *CachedCrawler {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedCrawler{next: next, cache: cache, ttl: ttl, logger: logger}
}

// Crawl はキャッシュにあればそれを返し、なければ取得してキャッシュする
func (c *CachedCrawler) Crawl(ctx context.Context, url string) (*fetch.Page, error) {
	page, ok, err := c.cache.Get(ctx, url)
	switch {
	case err != nil:
		c.logger.Warn("page cache read failed", "url", url, "error", err)
	case ok:
		c.logger.Debug("page cache hit", "url", url)
		return page, nil
	}

	page, err = c.next.Crawl(ctx, url)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, url, page, c.ttl); err != nil {
		c.logger.Warn("page cache write failed", "url", url, "error", err)
	}
	return page, nil
}

// インターフェース実装の確認
var _ fetch.Crawler = (*CachedCrawler)(nil)
