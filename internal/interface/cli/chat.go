package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/urfave/cli/v3"
)

// ChatAction は対話的に質問を受け付け、回答をストリーミング表示するコマンドのアクション
// 空行は無視し、exit / quit または Ctrl+C / Ctrl+D で終了する
func ChatAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")
	showSources := cmd.Bool("show-sources")

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		prompt := promptui.Prompt{
			Label: "質問",
		}
		question, err := prompt.Run()
		if err != nil {
			if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
				return nil
			}
			return fmt.Errorf("入力の読み込みに失敗: %w", err)
		}

		question = strings.TrimSpace(question)
		switch question {
		case "":
			continue
		case "exit", "quit":
			return nil
		}

		result, err := answer(ctx, appCtx.Container.Orchestrator, queryParams(cmd, question), true, os.Stdout)
		if err != nil {
			appCtx.Logger().Error("質問応答に失敗しました", "question", question, "error", err)
			fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
			continue
		}
		if showSources {
			writeSources(os.Stdout, result.Prepared.Sources())
		}
	}
}
