package cli

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/jinford/web-rag/internal/interface/api"
)

// ServerStartAction はHTTPサーバを起動するコマンドのアクション
func ServerStartAction(ctx context.Context, cmd *cli.Command) error {
	envFile := cmd.String("env")

	// 共通コンテキストの初期化
	appCtx, err := NewAppContext(ctx, envFile)
	if err != nil {
		return err
	}
	defer appCtx.Close()

	addr := appCtx.Config.Server.Addr()
	if a := cmd.String("addr"); a != "" {
		addr = a
	}

	server := api.NewServer(appCtx.Container.Orchestrator,
		api.WithServerLogger(appCtx.Logger()),
		api.WithDefaultModel(appCtx.Config.LLM.Model),
	)

	if err := server.Run(ctx, addr); err != nil {
		appCtx.Logger().Error("HTTPサーバが異常終了しました", "error", err)
		return err
	}

	appCtx.Logger().Info("HTTPサーバを停止しました")
	return nil
}
