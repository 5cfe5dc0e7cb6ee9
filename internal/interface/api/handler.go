package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/web-rag/internal/core/generation"
	"github.com/jinford/web-rag/internal/core/rag"
)

const (
	objectCompletion      = "chat.completion"
	objectCompletionChunk = "chat.completion.chunk"
)

// ErrNoUserMessage はメッセージに role=user が含まれない場合のエラー
var ErrNoUserMessage = errors.New("No user message found")

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// chatCompletions は最後のユーザーメッセージを問い合わせとして処理する
// エラーは500ではなく {"error": "..."} の形で返す
func (s *Server) chatCompletions(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid request: %v", err)})
		return
	}

	msg, ok := req.LastUserMessage()
	if !ok {
		c.JSON(http.StatusOK, ErrorResponse{Error: ErrNoUserMessage.Error()})
		return
	}

	params := rag.QueryParams{
		Query:       msg.Content,
		Model:       req.Model,
		Temperature: optional(req.Temperature),
		MaxTokens:   optional(req.MaxTokens),
	}
	s.logger.Info("chat completion requested", "query", params.Query, "model", req.Model, "stream", req.Stream)

	if req.Stream {
		s.stream(c, params)
		return
	}

	answer, err := s.answerer.ProcessQuery(c.Request.Context(), params, nil)
	if err != nil {
		s.logger.Error("failed to process query", "query", params.Query, "error", err)
		c.JSON(http.StatusOK, ErrorResponse{Error: err.Error()})
		return
	}

	reply := answer.Reply
	resp := Completion{
		ID:      completionID(reply.ID),
		Object:  objectCompletion,
		Created: createdAt(reply.Created),
		Model:   s.modelName(reply.Model, req.Model),
		Choices: []CompletionChoice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: reply.Content},
			FinishReason: finishReason(reply.FinishReason),
		}},
	}
	if !reply.Usage.IsZero() {
		usage := reply.Usage
		resp.Usage = &usage
	}
	c.JSON(http.StatusOK, resp)
}

// stream は生成イベントを Server-Sent Events として書き出す
// イベントチャネルが close されたら終了し、[DONE] は送らない
func (s *Server) stream(c *gin.Context, params rag.QueryParams) {
	stream := s.answerer.Stream(c.Request.Context(), params)
	defer stream.Cancel()

	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	id := completionID("")
	created := time.Now().Unix()
	first := true

	for ev := range stream.Events() {
		chunk := CompletionChunk{
			ID:      id,
			Object:  objectCompletionChunk,
			Created: createdAt(ev.Created, created),
			Model:   s.modelName(ev.Model, params.Model),
			Choices: []ChunkChoice{{
				Index: 0,
				Delta: Delta{Content: ev.Delta},
			}},
		}
		if first {
			chunk.Choices[0].Delta.Role = "assistant"
			first = false
		}
		if ev.FinishReason != "" {
			reason := ev.FinishReason
			chunk.Choices[0].FinishReason = &reason
		}
		if u, ok := ev.Usage.Get(); ok {
			chunk.Usage = &u
		}

		if err := writeEvent(c.Writer, chunk); err != nil {
			// 書き込めない場合は生成を止め、残りのイベントは読み捨てる
			s.logger.Warn("failed to write stream event", "query", params.Query, "error", err)
			stream.Cancel()
			continue
		}
		c.Writer.Flush()
	}

	_, err := stream.Wait()
	switch {
	case err == nil:
	case c.Request.Context().Err() != nil:
		s.logger.Info("client disconnected during streaming", "query", params.Query, "state", stream.State())
	default:
		// ヘッダ送信後のためステータスは変えられない。ストリームを閉じて終える
		s.logger.Error("streaming completion ended with error", "query", params.Query, "state", stream.State(), "error", err)
	}
}

// writeEvent は "data: <json>\n\n" 形式で1イベントを書き出す
func writeEvent(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

func (s *Server) modelName(candidates ...string) string {
	for _, m := range candidates {
		if m != "" {
			return m
		}
	}
	return s.defaultModel
}

func completionID(id string) string {
	if id != "" {
		return id
	}
	return "chatcmpl-" + uuid.NewString()
}

func createdAt(candidates ...int64) int64 {
	for _, ts := range candidates {
		if ts != 0 {
			return ts
		}
	}
	return time.Now().Unix()
}

func finishReason(reason string) string {
	if reason == "" {
		return generation.FinishReasonStop
	}
	return reason
}

func optional[T any](v *T) mo.Option[T] {
	if v == nil {
		return mo.None[T]()
	}
	return mo.Some(*v)
}
