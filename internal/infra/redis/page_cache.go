package redis

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jinford/web-rag/internal/core/fetch"
	"github.com/jinford/web-rag/internal/infra/crawler"
	goredis "github.com/redis/go-redis/v9"
)

const keyPrefix = "webrag:page:"

// Options はRedis接続の設定
type Options struct {
	Address  string
	Password string
	DB       int
}

// DefaultOptions はローカルRedisへの接続設定を返す
func DefaultOptions() Options {
	return Options{
		Address: "localhost:6379",
	}
}

// kv はページキャッシュが使うRedisコマンド
type kv interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// PageCache はクロール結果をRedisに保存する
type PageCache struct {
	client kv
	closer func() error
}

// NewPageCache はRedisクライアントを作成して PageCache を返す
func NewPageCache(ctx context.Context, opts Options) (*PageCache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Address, err)
	}
	return &PageCache{client: client, closer: client.Close}, nil
}

// Close はRedis接続を閉じる
func (c *PageCache) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

// Get はURLに対応するページを返す。存在しなければ false
func (c *PageCache) Get(ctx context.Context, url string) (*fetch.Page, bool, error) {
	data, err := c.client.Get(ctx, key(url)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var page fetch.Page
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached page: %w", err)
	}
	return &page, true, nil
}

// Set はページを有効期間付きで保存する
func (c *PageCache) Set(ctx context.Context, url string, page *fetch.Page, ttl time.Duration) error {
	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("failed to encode page: %w", err)
	}
	return c.client.Set(ctx, key(url), data, ttl).Err()
}

func key(url string) string {
	sum := sha1.Sum([]byte(url))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// インターフェース実装の確認
var _ crawler.PageCache = (*PageCache)(nil)
