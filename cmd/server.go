// Package main はkwebサーバーコマンドの実装です
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"kweb/internal/config"
	"kweb/internal/gdsii"
	"kweb/internal/logger"
	"kweb/internal/server"
)

func main() {
	// コマンドラインオプション
	flags := pflag.NewFlagSet("kweb", pflag.ContinueOnError)
	var (
		configPath = flags.StringP("config", "c", "", "設定ファイル (YAML)")
		host       = flags.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flags.IntP("port", "p", -1, "サーバーのポート (デフォルト: 8000)")
		root       = flags.StringP("root", "r", "", "レイアウトディレクトリ (デフォルト: ~/.gdsfactory)")
		logLevel   = flags.String("log-level", "", "ログレベル (debug, info, warn, error)")
		logFormat  = flags.String("log-format", "", "ログフォーマット (json, console)")
		help       = flags.BoolP("help", "h", false, "ヘルプを表示")
	)

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	// ヘルプ表示
	if *help {
		fmt.Println("kweb - GDS レイアウトビューア")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flags.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "設定の読み込みに失敗しました: %v\n", err)
		os.Exit(1)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if flags.Changed("port") {
		cfg.Server.Port = *port
	}
	if *root != "" {
		cfg.Layout.Root = *root
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Log.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "設定が不正です: %v\n", err)
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

	srv, err := server.New(cfg, gdsii.NewEngine(cfg.Layout.MaxShapes, log), log)
	if err != nil {
		log.Error("サーバーの作成に失敗しました", logger.Err(err))
		os.Exit(1)
	}

	// サーバーを起動
	log.Info("kweb サーバーを起動します", logger.F("addr", cfg.ServerAddress()))
	if err := srv.Start(context.Background()); err != nil {
		log.Error("サーバーの起動に失敗しました", logger.Err(err))
		os.Exit(1)
	}
}
