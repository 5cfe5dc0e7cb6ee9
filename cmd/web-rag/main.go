package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	appcli "github.com/jinford/web-rag/internal/interface/cli"
)

func envFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "env",
		Usage: "環境変数ファイルパス",
		Value: ".env",
	}
}

// queryFlags は問い合わせ系コマンドの共通フラグ
func queryFlags() []cli.Flag {
	return []cli.Flag{
		envFlag(),
		&cli.StringFlag{
			Name:  "model",
			Usage: "生成に使うモデル名（省略時は LLM_MODEL）",
		},
		&cli.IntFlag{
			Name:  "top-k",
			Usage: "取得するチャンク数（省略時は RETRIEVER_TOP_K）",
		},
		&cli.FloatFlag{
			Name:  "temperature",
			Usage: "生成の temperature（省略時は LLM_TEMPERATURE）",
		},
		&cli.IntFlag{
			Name:  "max-tokens",
			Usage: "生成の最大トークン数（省略時は LLM_MAX_TOKENS）",
		},
		&cli.BoolFlag{
			Name:  "show-sources",
			Usage: "参照ソースを表示",
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 設定読み込み前のエラー報告用。各コマンドは LOG_LEVEL / LOG_FORMAT から自前のロガーを作る
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	app := &cli.Command{
		Name:  "web-rag",
		Usage: "Web検索結果を根拠に回答するRAGサーバー",
		Commands: []*cli.Command{
			{
				Name:  "server",
				Usage: "HTTPサーバー管理コマンド",
				Commands: []*cli.Command{
					{
						Name:  "start",
						Usage: "OpenAI互換APIサーバーを起動",
						Flags: []cli.Flag{
							envFlag(),
							&cli.StringFlag{
								Name:  "addr",
								Usage: "待ち受けアドレス（省略時は SERVER_HOST:SERVER_PORT）",
							},
						},
						Action: appcli.ServerStartAction,
					},
				},
			},
			{
				Name:      "ask",
				Usage:     "Web検索に基づいて質問に回答",
				ArgsUsage: "<質問>",
				Flags: append(queryFlags(), &cli.BoolFlag{
					Name:  "stream",
					Usage: "回答を増分ごとに表示",
				}),
				Action: appcli.AskAction,
			},
			{
				Name:   "chat",
				Usage:  "対話モードで質問を繰り返す",
				Flags:  queryFlags(),
				Action: appcli.ChatAction,
			},
			{
				Name:      "retrieve",
				Usage:     "回答を生成せず、取得した関連チャンクを表示",
				ArgsUsage: "<質問>",
				Flags:     queryFlags(),
				Action:    appcli.RetrieveAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		logger.Error("command failed", "error", err)
		stop()
		os.Exit(1)
	}
}
