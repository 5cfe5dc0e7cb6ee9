package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jinford/web-rag/internal/core/generation"
	"github.com/jinford/web-rag/internal/core/rag"
)

// Answerer は問い合わせに回答する（*rag.Orchestrator が実装する）
type Answerer interface {
	ProcessQuery(ctx context.Context, params rag.QueryParams, onEvent func(generation.Event) error) (*rag.Answer, error)
	Stream(ctx context.Context, params rag.QueryParams, opts ...generation.StreamOption) *generation.Stream
}

var _ Answerer = (*rag.Orchestrator)(nil)

// Server はOpenAI互換のHTTPサーバー
type Server struct {
	answerer        Answerer
	defaultModel    string
	shutdownTimeout time.Duration
	logger          *slog.Logger
	engine          *gin.Engine
}

// ServerOption は Server のオプション設定
type ServerOption func(*Server)

// WithServerLogger はロガーを設定する
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDefaultModel はリクエストとプロバイダのどちらもモデル名を持たない場合の表示名を設定する
func WithDefaultModel(model string) ServerOption {
	return func(s *Server) {
		s.defaultModel = model
	}
}

// WithShutdownTimeout は停止時に処理中リクエストを待つ時間を設定する
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// NewServer は新しい Server を作成し、ルーティングを登録する
func NewServer(answerer Answerer, opts ...ServerOption) *Server {
	s := &Server{
		answerer:        answerer,
		shutdownTimeout: 10 * time.Second,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	engine := gin.New()
	engine.Use(accessLog(s.logger), s.recovery())

	engine.GET("/healthz", s.healthz)
	v1 := engine.Group("/v1")
	{
		v1.POST("/chat/completions", s.chatCompletions)
	}

	s.engine = engine
	return s
}

// Handler はHTTPハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run は addr で待ち受け、ctx がキャンセルされたら停止する
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown failed: %w", err)
	}
	return nil
}

// recovery はハンドラ内のpanicを slog に記録し、{"error": "..."} として返す
// SSEのようにヘッダ送信済みの場合は書き込まずに中断する
func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(io.Discard, func(c *gin.Context, recovered any) {
		s.logger.Error("panic recovered",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"panic", recovered,
			"stack", string(debug.Stack()),
		)
		if c.Writer.Written() {
			c.Abort()
			return
		}
		c.AbortWithStatusJSON(http.StatusOK, ErrorResponse{Error: fmt.Sprint(recovered)})
	})
}

// accessLog はリクエストごとに1行のアクセスログを出力する
func accessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("http request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"clientIP", c.ClientIP(),
		)
	}
}
