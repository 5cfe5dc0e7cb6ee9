package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/jinford/web-rag/internal/core/document"
)

// RetrieveAction は検索と取り込みを行い、関連チャンクをテーブル表示するコマンドのアクション
// 回答の生成は行わない
func RetrieveAction(ctx context.Context, cmd *cli.Command) error {
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

	prepared, err := appCtx.Container.Orchestrator.Retrieve(ctx, queryParams(cmd, question))
	if err != nil {
		appCtx.Logger().Error("関連チャンクの取得に失敗しました", "error", err)
		return err
	}

	appCtx.Logger().Info("関連チャンクを取得しました",
		"documents", prepared.Ingest.Documents,
		"chunks", prepared.Ingest.Chunks,
		"retrieved", len(prepared.Retrieved),
	)

	renderRetrievedTable(os.Stdout, prepared.Retrieved)
	return nil
}

// renderRetrievedTable はテーブル形式で取得結果を表示します
func renderRetrievedTable(w io.Writer, chunks []document.ScoredChunk) {
	table := tablewriter.NewWriter(w)
	table.Header("#", "Score", "Lines", "Title", "URL")

	for i, c := range chunks {
		table.Append(
			fmt.Sprintf("%d", i+1),
			fmt.Sprintf("%.4f", c.Score),
			fmt.Sprintf("L%d-L%d", c.StartLine+1, c.StartLine+c.LineCount),
			c.Meta.Title,
			c.Meta.URL,
		)
	}

	table.Render()
}
