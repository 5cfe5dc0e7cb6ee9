package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jinford/web-rag/internal/core/generation"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEmbedderOptionsOverrideDefaults(t *testing.T) {
	embedder, err := NewEmbedder("dummy-key",
		WithEmbeddingModel("custom-model"),
		WithEmbeddingDimension(42),
	)
	require.NoError(t, err)

	assert.Equal(t, "custom-model", embedder.ModelName())
	assert.Equal(t, 42, embedder.Dimension())

	sf, err := NewSiliconFlowEmbedder("dummy-key")
	require.NoError(t, err)
	assert.Equal(t, SiliconFlowEmbeddingModel, sf.ModelName())
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	_, err := NewClient("")
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)

	_, err = NewEmbedder("")
	assert.ErrorIs(t, err, ErrAPIKeyNotSet)
}

func TestEmbedder_Embed(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"object":"list","model":"BAAI/bge-large-zh-v1.5","data":[{"object":"embedding","index":0,"embedding":[0.5,-0.25,1]}],"usage":{"prompt_tokens":3,"total_tokens":3}}`)
	}))
	defer srv.Close()

	e, err := NewSiliconFlowEmbedder("key", WithEmbeddingBaseURL(srv.URL+"/"))
	require.NoError(t, err)

	vector, err := e.Embed(context.Background(), "今天星期几")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, -0.25, 1}, vector)

	assert.Equal(t, "BAAI/bge-large-zh-v1.5", body["model"])
	assert.Equal(t, "今天星期几", body["input"])
	assert.Equal(t, "float", body["encoding_format"])
	_, hasDimensions := body["dimensions"]
	assert.False(t, hasDimensions)
}

func TestClient_Complete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1700000000,"model":"qwen-qwq-32b",
			"choices":[{"index":0,"message":{"role":"assistant","content":"It is Friday."},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":10,"completion_tokens":4,"total_tokens":14}}`)
	}))
	defer srv.Close()

	c, err := NewClient("key", WithBaseURL(srv.URL+"/"), WithChatModel("qwen-qwq-32b"))
	require.NoError(t, err)

	reply, err := c.Complete(context.Background(), generation.Request{
		Prompt:       "what day is it",
		SystemPrompt: "be brief",
		Temperature:  mo.Some(0.3),
		MaxTokens:    mo.Some(64),
	})
	require.NoError(t, err)

	assert.Equal(t, "It is Friday.", reply.Content)
	assert.Equal(t, "stop", reply.FinishReason)
	assert.Equal(t, "qwen-qwq-32b", reply.Model)
	assert.Equal(t, generation.Usage{PromptTokens: 10, CompletionTokens: 4, TotalTokens: 14}, reply.Usage)

	assert.Equal(t, "qwen-qwq-32b", body["model"])
	assert.InDelta(t, 0.3, body["temperature"], 1e-9)
	assert.EqualValues(t, 64, body["max_tokens"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, messages, 2)
}

func TestClient_StreamDeliversChunksInOrder(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"role":"assistant","content":"It "},"finish_reason":null}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"is Friday."},"finish_reason":null}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
			`{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`,
		}
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c, err := NewClient("key", WithBaseURL(srv.URL+"/"))
	require.NoError(t, err)

	var events []generation.Event
	err = c.Stream(context.Background(), generation.Request{Prompt: "p"}, func(ev generation.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, events, 4)
	assert.Equal(t, "It ", events[0].Delta)
	assert.Equal(t, "is Friday.", events[1].Delta)
	assert.Equal(t, "stop", events[2].FinishReason)
	assert.Equal(t, mo.Some(generation.Usage{PromptTokens: 7, CompletionTokens: 3, TotalTokens: 10}), events[3].Usage)

	assert.Equal(t, true, body["stream"])
	assert.Equal(t, map[string]any{"include_usage": true}, body["stream_options"])

	// Bridge を通すと最後の増分のメタデータが残る
	b := generation.NewBridge(c)
	reply, err := b.Generate(context.Background(), generation.Request{Prompt: "p"}, func(generation.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "It is Friday.", reply.Content)
	assert.Equal(t, "stop", reply.FinishReason)
	assert.Equal(t, 10, reply.Usage.TotalTokens)
}

func TestClient_RetriesRateLimitBeforeFirstChunk(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"rate limited","type":"rate_limit_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"x","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	c, err := NewClient("key", WithBaseURL(srv.URL+"/"), WithBackoff(time.Millisecond))
	require.NoError(t, err)

	reply, err := c.Complete(context.Background(), generation.Request{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", reply.Content)
	assert.EqualValues(t, 2, calls.Load())
}

func TestClient_StreamServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprint(w, `{"error":{"message":"boom"}}`)
	}))
	defer srv.Close()

	c, err := NewClient("key", WithBaseURL(srv.URL+"/"))
	require.NoError(t, err)

	err = c.Stream(context.Background(), generation.Request{Prompt: "p"}, func(generation.Event) error { return nil })
	assert.Error(t, err)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("hi"))
	assert.Equal(t, 3, EstimateTokens("今天星期几是的吗呢"))
	assert.Equal(t, 4, Estimator{}.CountTokens("abcdefghijkl"))
}
