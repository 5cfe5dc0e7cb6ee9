package searxng

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jinford/web-rag/internal/core/fetch"
	"github.com/samber/mo"
)

const (
	// DefaultBaseURL はSearXNGのデフォルトURL
	DefaultBaseURL = "http://127.0.0.1:8080/"
	// DefaultResultCount は1クエリあたりのデフォルト取得件数
	DefaultResultCount = 5
	// DefaultLanguage はデフォルトの検索言語
	DefaultLanguage = "zh-CN"
	// DefaultSafeSearch はデフォルトのセーフサーチレベル
	DefaultSafeSearch = 1
	// DefaultTimeout は検索リクエストのデフォルトタイムアウト
	DefaultTimeout = 30 * time.Second

	userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36"
)

// Client はSearXNGのJSON APIクライアント
type Client struct {
	baseURL    string
	count      int
	language   string
	safeSearch int
	httpClient *http.Client
	logger     *slog.Logger
}

// Option は Client のオプション設定
type Option func(*Client)

// WithResultCount は1クエリあたりの取得件数を設定する
func WithResultCount(n int) Option {
	return func(c *Client) {
		c.count = n
	}
}

// WithLanguage は検索言語を設定する
func WithLanguage(lang string) Option {
	return func(c *Client) {
		c.language = lang
	}
}

// WithSafeSearch はセーフサーチレベル（0, 1, 2）を設定する
func WithSafeSearch(level int) Option {
	return func(c *Client) {
		c.safeSearch = level
	}
}

// WithTimeout はリクエストのタイムアウトを設定する
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient はHTTPクライアントを差し替える
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient は新しい Client を作成する
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:    baseURL,
		count:      DefaultResultCount,
		language:   DefaultLanguage,
		safeSearch: DefaultSafeSearch,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

type searchResponse struct {
	Results []struct {
		URL      string   `json:"url"`
		Title    string   `json:"title"`
		Content  string   `json:"content"`
		Engine   *string  `json:"engine"`
		Category string   `json:"category"`
		Score    *float64 `json:"score"`
	} `json:"results"`
}

// Search はクエリを検索し、先頭から設定件数までの結果を返す
// HTTPエラーや不正なJSONはエラーとして返す（呼び出し側で0件として扱う）
func (c *Client) Search(ctx context.Context, query string) ([]fetch.SearchResult, error) {
	endpoint, err := c.endpoint(query)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create search request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("search failed: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	raw := out.Results
	if c.count > 0 && len(raw) > c.count {
		raw = raw[:c.count]
	}

	results := make([]fetch.SearchResult, 0, len(raw))
	for _, r := range raw {
		category := r.Category
		if category == "" {
			category = "general"
		}
		results = append(results, fetch.SearchResult{
			URL:      r.URL,
			Title:    r.Title,
			Content:  r.Content,
			Engine:   optional(r.Engine),
			Category: category,
			Score:    optional(r.Score),
		})
	}

	c.logger.Debug("search results received",
		"query", query,
		"total", len(out.Results),
		"returned", len(results),
	)

	return results, nil
}

func (c *Client) endpoint(query string) (string, error) {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid searxng url %q: %w", c.baseURL, err)
	}
	u := base.JoinPath("search")

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("language", c.language)
	params.Set("safesearch", strconv.Itoa(c.safeSearch))
	params.Set("pageno", "1")
	params.Set("categories", "general")
	u.RawQuery = params.Encode()

	return u.String(), nil
}

func optional[T any](v *T) mo.Option[T] {
	if v == nil {
		return mo.None[T]()
	}
	return mo.Some(*v)
}

// インターフェース実装の確認
var _ fetch.SearchProvider = (*Client)(nil)
