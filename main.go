package main

import (
	"context"
	"log"

	"kenbikyo/internal/camera"
	"kenbikyo/internal/config"
	"kenbikyo/internal/server"
	"kenbikyo/internal/video"
)

func main() {
	// 設定を読み込む
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// 動画生成にはffmpegが必要
	if err := video.ValidateFFmpeg(); err != nil {
		log.Fatalf("ffmpegが利用できません: %v", err)
	}

	sensor := camera.NewV4L2Sensor(cfg.Camera.Device)
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
	if err := srv.Start(ctx); err != nil {
		log.Fatalf("サーバーの起動に失敗しました: %v", err)
	}
}
