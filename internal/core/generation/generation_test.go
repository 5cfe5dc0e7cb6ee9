package generation

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubProvider は決められた増分を順に返す
type stubProvider struct {
	mu       sync.Mutex
	chunks   []Event
	failAt   int // この番号の増分を送る前に失敗する（-1で失敗しない）
	block    bool
	reply    *Reply
	err      error
	requests []Request
}

func (p *stubProvider) Complete(ctx context.Context, req Request) (*Reply, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return p.reply, p.err
}

func (p *stubProvider) Stream(ctx context.Context, req Request, onChunk func(Event) error) error {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	for i, ev := range p.chunks {
		if i == p.failAt {
			return errors.New("connection reset by peer")
		}
		if err := onChunk(ev); err != nil {
			return err
		}
	}
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func newStub(deltas ...string) *stubProvider {
	p := &stubProvider{failAt: -1}
	for i, d := range deltas {
		ev := Event{ID: "chatcmpl-1", Model: "test-model", Delta: d}
		if i == len(deltas)-1 {
			ev.FinishReason = FinishReasonStop
			ev.Usage = mo.Some(Usage{PromptTokens: 5, CompletionTokens: len(deltas), TotalTokens: 5 + len(deltas)})
		}
		p.chunks = append(p.chunks, ev)
	}
	return p
}

func silentLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// drain はチャネルが close されるまで読み、受信数を返す
func drain(t *testing.T, s *Stream) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatal("stream was not terminated")
			return got
		}
	}
}

func TestBridge_NonStreaming(t *testing.T) {
	p := &stubProvider{reply: &Reply{Model: "m", Content: "answer", FinishReason: FinishReasonStop}}
	b := NewBridge(p, WithModel("m"), WithDefaults(0.2, 128), WithBridgeLogger(silentLogger()))

	reply, err := b.Generate(context.Background(), Request{Prompt: "hi", Temperature: mo.Some(0.9)}, nil)
	require.NoError(t, err)
	assert.Equal(t, "answer", reply.Content)

	require.Len(t, p.requests, 1)
	req := p.requests[0]
	assert.Equal(t, "m", req.Model)
	assert.Equal(t, mo.Some(0.9), req.Temperature)
	assert.Equal(t, mo.Some(128), req.MaxTokens)
}

func TestBridge_StreamingAggregatesDeltas(t *testing.T) {
	p := newStub("Today ", "is ", "Friday.")
	b := NewBridge(p, WithBridgeLogger(silentLogger()))

	var seen []string
	reply, err := b.Generate(context.Background(), Request{Prompt: "what day is it"}, func(ev Event) error {
		seen = append(seen, ev.Delta)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"Today ", "is ", "Friday."}, seen)
	assert.Equal(t, "Today is Friday.", reply.Content)
	assert.Equal(t, FinishReasonStop, reply.FinishReason)
	assert.Equal(t, "test-model", reply.Model)
	assert.Equal(t, 8, reply.Usage.TotalTokens)
}

func TestBridge_RejectsMultipleChoicesWhenStreaming(t *testing.T) {
	b := NewBridge(newStub("x"), WithBridgeLogger(silentLogger()))

	_, err := b.Generate(context.Background(), Request{Prompt: "p", N: 2}, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrMultipleChoicesStreaming)
}

func TestBridge_EmptyPrompt(t *testing.T) {
	b := NewBridge(newStub("x"), WithBridgeLogger(silentLogger()))

	_, err := b.Generate(context.Background(), Request{}, nil)
	assert.ErrorIs(t, err, ErrEmptyPrompt)
}

func TestBridge_LengthFinishReasonWarnsButReturns(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	p := newStub("partial")
	p.chunks[0].FinishReason = FinishReasonLength
	b := NewBridge(p, WithBridgeLogger(logger))

	reply, err := b.Generate(context.Background(), Request{Prompt: "p"}, func(Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, "partial", reply.Content)
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "token limit")
}

type runeCounter struct{}

func (runeCounter) CountTokens(text string) int { return len([]rune(text)) }

func TestBridge_EstimatesUsageWhenProviderOmitsIt(t *testing.T) {
	p := newStub("ab", "cd")
	p.chunks[1].Usage = mo.None[Usage]()
	b := NewBridge(p, WithTokenCounter(runeCounter{}), WithBridgeLogger(silentLogger()))

	reply, err := b.Generate(context.Background(), Request{Prompt: "xyz"}, func(Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7}, reply.Usage)
}

func TestStream_TerminatesExactlyOnce(t *testing.T) {
	tests := []struct {
		name      string
		provider  func() *stubProvider
		cancel    bool
		wantState State
		wantErr   bool
		minEvents int
	}{
		{
			name:      "成功",
			provider:  func() *stubProvider { return newStub("a", "b", "c") },
			wantState: StateCompleted,
			minEvents: 3,
		},
		{
			name: "プロバイダが途中で失敗",
			provider: func() *stubProvider {
				p := newStub("a", "b", "c")
				p.failAt = 2
				return p
			},
			wantState: StateFailed,
			wantErr:   true,
			minEvents: 2,
		},
		{
			name: "消費側がキャンセル",
			provider: func() *stubProvider {
				p := newStub("a")
				p.chunks[0].FinishReason = ""
				p.block = true
				return p
			},
			cancel:    true,
			wantState: StateCancelled,
			wantErr:   true,
			minEvents: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBridge(tt.provider(), WithBridgeLogger(silentLogger()))
			s := NewStream(context.Background(), func(ctx context.Context, emit func(Event) error) (*Reply, error) {
				return b.Generate(ctx, Request{Prompt: "p"}, emit)
			}, WithStreamLogger(silentLogger()))

			if tt.cancel {
				s.Cancel()
			}

			events := drain(t, s)
			assert.GreaterOrEqual(t, len(events), tt.minEvents)

			// close 済みのチャネルは以降も即座にゼロ値を返す
			_, ok := <-s.Events()
			assert.False(t, ok)

			reply, err := s.Wait()
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, reply)
			} else {
				require.NoError(t, err)
				assert.Equal(t, "abc", reply.Content)
			}
			assert.Equal(t, tt.wantState, s.State())
			assert.True(t, s.State().Terminal())
		})
	}
}

func TestStream_ParentContextCancellationStopsProducer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	started := make(chan struct{})
	s := NewStream(ctx, func(ctx context.Context, emit func(Event) error) (*Reply, error) {
		close(started)
		for {
			if err := emit(Event{Delta: "x"}); err != nil {
				return nil, err
			}
		}
	}, WithBufferSize(1), WithStreamLogger(silentLogger()))

	<-started
	cancel()

	// 消費側は読まずに終了を待つ
	_, err := s.Wait()
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, s.State())

	drain(t, s)
}

func TestStream_PanicIsReportedAsFailure(t *testing.T) {
	s := NewStream(context.Background(), func(ctx context.Context, emit func(Event) error) (*Reply, error) {
		_ = emit(Event{Delta: "x"})
		panic("provider bug")
	}, WithStreamLogger(silentLogger()))

	events := drain(t, s)
	assert.Len(t, events, 1)

	_, err := s.Wait()
	assert.ErrorContains(t, err, "provider bug")
	assert.Equal(t, StateFailed, s.State())
}
