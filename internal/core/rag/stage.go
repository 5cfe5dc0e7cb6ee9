package rag

import (
	"context"
	"fmt"
)

// Stage は型付きの入力を受け取り型付きの出力を返すパイプラインの1段
type Stage[I, O any] interface {
	Name() string
	Run(ctx context.Context, in I) (O, error)
}

type stageFunc[I, O any] struct {
	name string
	fn   func(ctx context.Context, in I) (O, error)
}

func (s stageFunc[I, O]) Name() string {
	return s.name
}

func (s stageFunc[I, O]) Run(ctx context.Context, in I) (O, error) {
	return s.fn(ctx, in)
}

// NewStage は関数から Stage を作成する
func NewStage[I, O any](name string, fn func(ctx context.Context, in I) (O, error)) Stage[I, O] {
	return stageFunc[I, O]{name: name, fn: fn}
}

type chained[A, B, C any] struct {
	first  Stage[A, B]
	second Stage[B, C]
}

// Chain は2つの段を直列につなぐ
// 辺の型はコンパイル時に検査されるため、つなぎ間違いは実行前に検出される
func Chain[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return chained[A, B, C]{first: first, second: second}
}

func (c chained[A, B, C]) Name() string {
	return c.first.Name() + " -> " + c.second.Name()
}

func (c chained[A, B, C]) Run(ctx context.Context, in A) (C, error) {
	var zero C

	mid, err := c.first.Run(ctx, in)
	if err != nil {
		return zero, err
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	out, err := c.second.Run(ctx, mid)
	if err != nil {
		return zero, err
	}
	return out, nil
}

// stageError は失敗した段の名前を付けてエラーを包む
func stageError(name string, err error) error {
	return fmt.Errorf("%s: %w", name, err)
}
