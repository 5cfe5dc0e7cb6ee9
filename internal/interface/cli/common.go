package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/jinford/web-rag/internal/core/rag"
	"github.com/jinford/web-rag/internal/platform/config"
	"github.com/jinford/web-rag/internal/platform/container"
	"github.com/jinford/web-rag/internal/platform/logger"
	"github.com/samber/mo"
)

// AppContext はコマンド実行に必要な共通コンテキストを保持する
type AppContext struct {
	Config    *config.Config
	Container *container.ServiceContainer
}

// NewAppContext は設定ファイルを読み込み、依存関係を組み立てて AppContext を作成する
func NewAppContext(ctx context.Context, envFile string) (*AppContext, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	appLogger := logger.New(logger.ParseConfig(cfg.Log.Level, cfg.Log.Format))

	cont, err := container.NewContainer(ctx, cfg, container.WithContainerLogger(appLogger))
	if err != nil {
		return nil, fmt.Errorf("コンテナの初期化に失敗: %w", err)
	}

	return &AppContext{
		Config:    cfg,
		Container: cont,
	}, nil
}

// Close はAppContextが保持するリソースをクリーンアップする
func (ac *AppContext) Close() {
	if ac.Container != nil {
		ac.Container.Close()
	}
}

// Logger はAppContextのロガーを返す
func (ac *AppContext) Logger() *slog.Logger {
	if ac.Container != nil {
		return ac.Container.Logger()
	}
	return slog.Default()
}

// questionFromArgs は位置引数を空白で連結して質問文にする
func questionFromArgs(cmd *cli.Command) (string, error) {
	question := strings.TrimSpace(strings.Join(cmd.Args().Slice(), " "))
	if question == "" {
		return "", fmt.Errorf("質問文を指定してください")
	}
	return question, nil
}

// queryParams はフラグから問い合わせパラメータを作る
// temperature と max-tokens は指定された場合だけ設定する
func queryParams(cmd *cli.Command, question string) rag.QueryParams {
	params := rag.QueryParams{
		Query: question,
		Model: cmd.String("model"),
		TopK:  cmd.Int("top-k"),
	}
	if cmd.IsSet("temperature") {
		params.Temperature = mo.Some(cmd.Float("temperature"))
	}
	if cmd.IsSet("max-tokens") {
		params.MaxTokens = mo.Some(cmd.Int("max-tokens"))
	}
	return params
}
