package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/jinford/web-rag/internal/core/document"
	"github.com/jinford/web-rag/internal/core/generation"
	"github.com/jinford/web-rag/internal/core/rag"
)

// AskAction は質問応答コマンドのアクション
func AskAction(ctx context.Context, cmd *cli.Command) error {
	stream := cmd.Bool("stream")
	showSources := cmd.Bool("show-sources")
	envFile := cmd.String("env")

	question, err := questionFromArgs(cmd)
	if err != nil {
		return err
	}

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	logger := appCtx.Logger()
	logger.Info("質問応答を開始",
		"question", question,
		"stream", stream,
		"showSources", showSources,
	)

	answer, err := answer(ctx, appCtx.Container.Orchestrator, queryParams(cmd, question), stream, os.Stdout)
	if err != nil {
		logger.Error("質問応答に失敗しました", "error", err)
		return err
	}

	// --show-sourcesフラグが指定されている場合、参照ソースも出力
	if showSources {
		writeSources(os.Stdout, answer.Prepared.Sources())
	}

	logger.Info("質問応答が完了しました")
	return nil
}

// answer は問い合わせを実行し、回答を out に書き出す
// stream が true なら増分が届くたびに書き出す
func answer(ctx context.Context, o *rag.Orchestrator, params rag.QueryParams, stream bool, out io.Writer) (*rag.Answer, error) {
	var onEvent func(generation.Event) error
	if stream {
		onEvent = func(ev generation.Event) error {
			_, err := io.WriteString(out, ev.Delta)
			return err
		}
	}

	result, err := o.ProcessQuery(ctx, params, onEvent)
	if err != nil {
		return nil, err
	}

	if !stream {
		fmt.Fprint(out, result.Reply.Content)
	}
	fmt.Fprintln(out)
	return result, nil
}

// writeSources は参照元を Document 番号付きで出力する
func writeSources(w io.Writer, sources []document.Meta) {
	if len(sources) == 0 {
		return
	}
	fmt.Fprintln(w, "\n--- 参照ソース ---")
	for i, s := range sources {
		fmt.Fprintf(w, "Document <%d> %s (%s)\n", i, s.Title, s.URL)
	}
}
