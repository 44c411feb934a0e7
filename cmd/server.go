// Package main はKenbikyoサーバーコマンドの実装です
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"kenbikyo/internal/camera"
	"kenbikyo/internal/config"
	"kenbikyo/internal/server"
	"kenbikyo/internal/video"
)

func main() {
	// コマンドラインオプション
	var (
		configPath = flag.String("config", "", "設定ファイルのパス (YAML)")
		host       = flag.String("host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
		port       = flag.Int("port", 0, "サーバーのポート (デフォルト: 8080)")
		device     = flag.String("device", "", "カメラデバイス (デフォルト: /dev/video0)")
		mock       = flag.Bool("mock", false, "カメラの代わりにテストパターンを使用")
		help       = flag.Bool("help", false, "ヘルプを表示")
	)

	flag.Parse()

	// ヘルプ表示
	if *help {
		fmt.Println("Kenbikyo")
		fmt.Println()
		fmt.Println("使用方法:")
		fmt.Println("  server [オプション]")
		fmt.Println()
		fmt.Println("オプション:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// 設定を読み込む
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// コマンドラインオプションで設定を上書き
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *device != "" {
		cfg.Camera.Device = *device
	}

	// 動画生成にはffmpegが必要
	if err := video.ValidateFFmpeg(); err != nil {
		log.Fatalf("ffmpegが利用できません: %v", err)
	}

	var sensor camera.Sensor
	if *mock {
		sensor = camera.NewMockSensor()
	} else {
		sensor = camera.NewV4L2Sensor(cfg.Camera.Device)
	}

	pipeline, err := server.NewPipeline(cfg, sensor,
		video.NewFFmpegOpener(cfg.Storage.Quality),
		video.NewFFmpegOpener(cfg.Timelapse.Quality))
	if err != nil {
		log.Fatalf("パイプラインの組み立てに失敗しました: %v", err)
	}

	// サーバーを作成
	srv := server.New(cfg, pipeline)

	// コンテキストを作成
	ctx := context.Background()

	// サーバーを起動
	log.Printf("Kenbikyo サーバーを起動します: %s", cfg.ServerAddress())
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
