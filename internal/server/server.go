package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kataras/golog"

	"kenbikyo/internal/config"
)

// Server はHTTPサーバーを管理する構造体
type Server struct {
	config     *config.Config
	pipeline   *Pipeline
	engine     *gin.Engine
	httpServer *http.Server
	routesSet  bool
}

// New は新しいServerインスタンスを作成する
func New(cfg *config.Config, pipeline *Pipeline) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	return &Server{
		config:   cfg,
		pipeline: pipeline,
		engine:   engine,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
}

// setupRoutes はHTTPルートを設定する。二重登録は無視される
func (s *Server) setupRoutes() {
	if s.routesSet {
		return
	}
	s.routesSet = true

	// ヘルスチェックエンドポイント
	s.engine.GET("/health", s.handleHealth)

	// MJPEGストリーミング
	s.engine.GET("/video_feed", s.handleVideoFeed)

	// APIエンドポイント
	api := s.engine.Group("/api")
	{
		api.GET("/status", s.handleStatus)
		api.POST("/camera/control", s.handleCameraControl)
		api.GET("/camera/settings", s.handleGetCameraSettings)
		api.POST("/camera/settings", s.handleSetCameraSettings)
		api.GET("/strategies", s.handleStrategies)

		api.GET("/stream/settings", s.handleGetStreamSettings)
		api.POST("/stream/settings", s.handleSetStreamSettings)
		api.GET("/stream/stats", s.handleStreamStats)

		api.GET("/storage/settings", s.handleGetStorageSettings)
		api.POST("/storage/settings", s.handleSetStorageSettings)
		api.GET("/recordings", s.handleRecordings)

		api.GET("/timelapse/settings", s.handleGetTimelapseSettings)
		api.POST("/timelapse/settings", s.handleSetTimelapseSettings)
		api.GET("/timelapses", s.handleTimelapses)
	}

	// ルートハンドラ（簡単な確認用）
	s.engine.GET("/", s.handleRoot)
}

// Start はサーバーとパイプラインを起動し、停止シグナルを待つ
func (s *Server) Start(ctx context.Context) error {
	// ルートを設定
	s.setupRoutes()

	// パイプラインを起動
	if err := s.pipeline.Start(ctx); err != nil {
		return fmt.Errorf("パイプラインの起動に失敗: %w", err)
	}

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		golog.Infof("HTTPサーバーを起動しています: %s", s.config.ServerAddress())
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		golog.Info("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		golog.Infof("シグナルを受信しました: %v", sig)
	case err := <-shutdownCh:
		_ = s.pipeline.Stop(context.Background())
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はパイプラインとサーバーをグレースフルにシャットダウンする
func (s *Server) Shutdown() error {
	golog.Info("サーバーをシャットダウンしています...")

	// 5秒のタイムアウトを設定
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.pipeline.Stop(ctx); err != nil {
		golog.Errorf("パイプラインの停止に失敗: %v", err)
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	golog.Info("サーバーが正常にシャットダウンされました")
	return nil
}
