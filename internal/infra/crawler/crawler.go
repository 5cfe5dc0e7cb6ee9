package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/jinford/web-rag/internal/core/fetch"
	"github.com/ledongthuc/pdf"
)

const (
	// DefaultMaxBytes はレスポンス本文の上限（10MiB）
	DefaultMaxBytes = 10 << 20

	// DefaultTimeout はHTTPクライアントのタイムアウト
	DefaultTimeout = 60 * time.Second

	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36"
)

var (
	// ErrUnsupportedContentType は変換できないContent-Typeの場合のエラー
	ErrUnsupportedContentType = errors.New("unsupported content type")

	// ErrBodyTooLarge はレスポンスが上限を超えた場合のエラー
	ErrBodyTooLarge = errors.New("response body too large")

	// ErrEmptyContent は本文を抽出できなかった場合のエラー
	ErrEmptyContent = errors.New("no content extracted")
)

// removedElements は本文抽出前に取り除く要素
var removedElements = "script, style, noscript, iframe, svg, template, form"

// Crawler はHTTPでページを取得してMarkdownに正規化する
type Crawler struct {
	httpClient *http.Client
	maxBytes   int64
	userAgent  string
	logger     *slog.Logger
}

// Option は Crawler のオプション設定
type Option func(*Crawler)

// WithHTTPClient はHTTPクライアントを差し替える
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Crawler) {
		c.httpClient = hc
	}
}

// WithMaxBytes はレスポンス本文の上限を設定する
func WithMaxBytes(n int64) Option {
	return func(c *Crawler) {
		c.maxBytes = n
	}
}

// WithUserAgent はUser-Agentを設定する
func WithUserAgent(ua string) Option {
	return func(c *Crawler) {
		c.userAgent = ua
	}
}

// WithLogger はロガーを設定する
func WithLogger(logger *slog.Logger) Option {
	return func(c *Crawler) {
		c.logger = logger
	}
}

// New は新しい Crawler を作成する
func New(opts ...Option) *Crawler {
	c := &Crawler{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		maxBytes:   DefaultMaxBytes,
		userAgent:  defaultUserAgent,
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

// Crawl はURLを取得し、Content-Typeに応じてMarkdownまたはテキストへ変換する
func (c *Crawler) Crawl(ctx context.Context, rawURL string) (*fetch.Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf,text/plain;q=0.9,*/*;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if int64(len(body)) > c.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, c.maxBytes)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	page, err := c.convert(finalURL, contentType(resp.Header.Get("Content-Type"), finalURL, body), body)
	if err != nil {
		return nil, err
	}
	page.URL = rawURL

	if strings.TrimSpace(page.Markdown) == "" {
		return nil, ErrEmptyContent
	}

	c.logger.Debug("page crawled",
		"url", rawURL,
		"bytes", len(body),
		"markdownLength", len(page.Markdown),
	)

	return page, nil
}

func (c *Crawler) convert(pageURL, mediaType string, body []byte) (*fetch.Page, error) {
	switch {
	case mediaType == "text/html" || mediaType == "application/xhtml+xml":
		return convertHTML(pageURL, body)
	case mediaType == "application/pdf":
		return convertPDF(pageURL, body)
	case strings.HasPrefix(mediaType, "text/"), mediaType == "application/json":
		return &fetch.Page{Markdown: string(body), Title: titleFromURL(pageURL)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContentType, mediaType)
	}
}

// contentType はヘッダ、拡張子、本文の順でメディアタイプを決める
func contentType(header, pageURL string, body []byte) string {
	if header != "" {
		if mediaType, _, err := mime.ParseMediaType(header); err == nil && mediaType != "application/octet-stream" {
			return mediaType
		}
	}
	if strings.EqualFold(path.Ext(urlPath(pageURL)), ".pdf") {
		return "application/pdf"
	}
	mediaType, _, _ := mime.ParseMediaType(http.DetectContentType(body))
	return mediaType
}

func convertHTML(pageURL string, body []byte) (*fetch.Page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	page := &fetch.Page{
		Title:       firstNonEmpty(metaContent(doc, "og:title"), strings.TrimSpace(doc.Find("title").First().Text())),
		Description: firstNonEmpty(metaContent(doc, "description"), metaContent(doc, "og:description")),
		Author:      firstNonEmpty(metaContent(doc, "author"), metaContent(doc, "article:author")),
	}

	doc.Find(removedElements).Remove()

	selection := doc.Find("body")
	if selection.Length() == 0 {
		selection = doc.Selection
	}

	resolveLinks(doc, pageURL)

	// リンクは解決済みなので変換側でのドメイン補完は行わない
	converter := md.NewConverter("", true, nil)
	page.Markdown = strings.TrimSpace(converter.Convert(selection))
	if page.Title == "" {
		page.Title = titleFromURL(pageURL)
	}

	return page, nil
}

func convertPDF(pageURL string, body []byte) (*fetch.Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	text, err := reader.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("failed to extract pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, text); err != nil {
		return nil, fmt.Errorf("failed to read pdf text: %w", err)
	}

	return &fetch.Page{
		Markdown: buf.String(),
		Title:    titleFromURL(pageURL),
	}, nil
}

// metaContent は name または property 属性で指定された meta の content を返す
func metaContent(doc *goquery.Document, name string) string {
	sel := doc.Find(fmt.Sprintf(`meta[name=%q], meta[property=%q]`, name, name)).First()
	return strings.TrimSpace(sel.AttrOr("content", ""))
}

// resolveLinks は相対リンクと画像パスをページURL（<base href> があればそれ）基準の絶対URLに書き換える
func resolveLinks(doc *goquery.Document, pageURL string) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			base = base.ResolveReference(ref)
		}
	}

	rewrite := func(selector, attr string) {
		doc.Find(selector).Each(func(_ int, s *goquery.Selection) {
			raw := strings.TrimSpace(s.AttrOr(attr, ""))
			if raw == "" || strings.HasPrefix(raw, "#") {
				return
			}
			ref, err := url.Parse(raw)
			if err != nil || ref.Scheme != "" {
				return
			}
			s.SetAttr(attr, base.ResolveReference(ref).String())
		})
	}
	rewrite("a[href]", "href")
	rewrite("img[src]", "src")
}

func urlPath(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	return u.Path
}

func titleFromURL(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return pageURL
	}
	if base := path.Base(u.Path); base != "." && base != "/" {
		return base
	}
	return u.Host
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// インターフェース実装の確認
var _ fetch.Crawler = (*Crawler)(nil)
