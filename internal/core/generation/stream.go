package generation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// State は1回の生成の状態
type State int32

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateStreaming:
		return "STREAMING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal は終端状態かどうかを返す
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// DefaultBufferSize はイベントバッファのデフォルトサイズ
const DefaultBufferSize = 64

// Producer は emit でイベントを送り出し、最終結果を返す生成処理
type Producer func(ctx context.Context, emit func(Event) error) (*Reply, error)

// Stream は生成タスク（唯一の送り手）と消費側（唯一の受け手）をつなぐイベントストリーム
//
// イベントチャネルは成功・失敗・キャンセルのいずれの経路でも必ず1回だけ close される。
// close が終端の合図であり、結果は Wait で取得する。
type Stream struct {
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
	state  atomic.Int32
	logger *slog.Logger

	reply *Reply
	err   error
}

// StreamOption は Stream のオプション設定
type StreamOption func(*streamOptions)

type streamOptions struct {
	bufferSize int
	logger     *slog.Logger
}

// WithBufferSize はイベントバッファのサイズを設定する
func WithBufferSize(n int) StreamOption {
	return func(o *streamOptions) {
		o.bufferSize = n
	}
}

// WithStreamLogger はロガーを設定する
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(o *streamOptions) {
		o.logger = logger
	}
}

// NewStream は producer を別ゴルーチンで開始する
// ctx のキャンセルまたは Cancel の呼び出しで生成は中断される
func NewStream(ctx context.Context, producer Producer, opts ...StreamOption) *Stream {
	options := streamOptions{
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.bufferSize < 0 {
		options.bufferSize = 0
	}
	if options.logger == nil {
		options.logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan Event, options.bufferSize),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: options.logger,
	}
	s.state.Store(int32(StateIdle))

	go s.run(ctx, producer)

	return s
}

func (s *Stream) run(ctx context.Context, producer Producer) {
	defer close(s.done)
	defer s.cancel()
	// 終端の合図。どの経路でもここで1回だけ close される
	defer close(s.events)

	defer func() {
		if r := recover(); r != nil {
			s.err = fmt.Errorf("generation panicked: %v", r)
			s.state.Store(int32(StateFailed))
			s.logger.Error("generation panicked", "panic", r)
		}
	}()

	s.state.Store(int32(StateStreaming))

	reply, err := producer(ctx, func(ev Event) error {
		return s.emit(ctx, ev)
	})

	switch {
	case err == nil:
		s.reply = reply
		s.state.Store(int32(StateCompleted))
	case ctx.Err() != nil:
		s.err = err
		s.state.Store(int32(StateCancelled))
	default:
		s.err = err
		s.state.Store(int32(StateFailed))
	}
}

// emit はイベントをバッファへ積む。キャンセル後は何も積まない
func (s *Stream) emit(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events は受信用チャネルを返す。close されたらストリーム終了
func (s *Stream) Events() <-chan Event {
	return s.events
}

// Done は生成ゴルーチンが終了したら close されるチャネルを返す
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Wait は生成の終了を待ち、最終結果を返す
func (s *Stream) Wait() (*Reply, error) {
	<-s.done
	return s.reply, s.err
}

// Cancel は生成を中断する。消費側が離脱した場合に呼ぶ
func (s *Stream) Cancel() {
	s.cancel()
}

// State は現在の状態を返す
func (s *Stream) State() State {
	return State(s.state.Load())
}
