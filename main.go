package main

import (
	"context"
	"fmt"
	"os"

	"kweb/internal/config"
	"kweb/internal/gdsii"
	"kweb/internal/logger"
	"kweb/internal/server"
)

func main() {
	// 設定を読み込む（設定ファイルは KWEB_CONFIG で指定）
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Options{
		Service: "kweb",
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの作成に失敗しました: %v\n", err)
		os.Exit(1)
	}

	// サーバーを作成
	srv, err := server.New(cfg, gdsii.NewEngine(cfg.Layout.MaxShapes, log), log)
	if err != nil {
		log.Error("サーバーの作成に失敗しました", logger.Err(err))
		os.Exit(1)
	}

	// サーバーを起動
	if err := srv.Start(context.Background()); err != nil {
		log.Error("サーバーの起動に失敗しました", logger.Err(err))
		os.Exit(1)
	}
}
