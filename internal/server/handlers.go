package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"kenbikyo/internal/camera"
	"kenbikyo/internal/output"
	"kenbikyo/internal/strategy"
)

// errorResponse はAPIのエラー応答
type errorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// videoFileInfo は保存済み動画ファイルの情報
type videoFileInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// handleHealth はヘルスチェックエンドポイント
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
	})
}

// handleStatus はシステム状態取得エンドポイント
func (s *Server) handleStatus(c *gin.Context) {
	p := s.pipeline
	res := p.source.Resolution()

	modules := gin.H{}
	for _, m := range p.coordinator.Modules() {
		modules[m.Name()] = gin.H{
			"running":  m.IsRunning(),
			"strategy": m.StrategyName(),
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "running",
		"server": gin.H{
			"host": s.config.Server.Host,
			"port": s.config.Server.Port,
		},
		"camera": gin.H{
			"running":          p.source.IsRunning(),
			"width":            res.Width,
			"height":           res.Height,
			"capture_fps":      p.source.CurrentFPS(),
			"target_fps":       p.coordinator.TargetFPS(),
			"idle_fps":         p.coordinator.IdleFPS(),
			"transient_errors": p.source.TransientErrors(),
		},
		"modules":   modules,
		"consumers": p.source.Stats(),
		"timestamp": time.Now(),
	})
}

// handleCameraControl はカメラ本体と出力モジュールの開始・停止エンドポイント
func (s *Server) handleCameraControl(c *gin.Context) {
	var req struct {
		Module string `json:"module" binding:"required"`
		Action string `json:"action" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{
			Error:     "invalid_request",
			Message:   "moduleとactionが必要です",
			Timestamp: time.Now(),
		})
		return
	}

	if req.Module == "camera" {
		s.controlCamera(c, req.Action)
		return
	}

	m, found := s.pipeline.ModuleByName(req.Module)
	if !found {
		c.JSON(http.StatusNotFound, errorResponse{
			Error:     "module_not_found",
			Message:   "指定されたモジュールが見つかりません: " + req.Module,
			Timestamp: time.Now(),
		})
		return
	}

	var err error
	switch req.Action {
	case "start":
		err = s.pipeline.coordinator.StartModule(c.Request.Context(), m)
	case "stop":
		err = s.pipeline.coordinator.StopModule(c.Request.Context(), m)
	default:
		c.JSON(http.StatusBadRequest, errorResponse{
			Error:     "invalid_action",
			Message:   "actionはstartかstopを指定してください: " + req.Action,
			Timestamp: time.Now(),
		})
		return
	}

	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, output.ErrAlreadyRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, errorResponse{
			Error:     "control_failed",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"module":      req.Module,
		"action":      req.Action,
		"running":     m.IsRunning(),
		"capture_fps": s.pipeline.coordinator.TargetFPS(),
	})
}

// controlCamera はフレームソース本体を開始・停止する
func (s *Server) controlCamera(c *gin.Context, action string) {
	source := s.pipeline.source

	var err error
	switch action {
	case "start":
		// キャプチャループはリクエストより長生きするため
		// リクエストのコンテキストは渡さない
		err = source.Start(context.Background())
	case "stop":
		err = source.Stop(context.Background())
	default:
		c.JSON(http.StatusBadRequest, errorResponse{
			Error:     "invalid_action",
			Message:   "actionはstartかstopを指定してください: " + action,
			Timestamp: time.Now(),
		})
		return
	}

	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, camera.ErrAlreadyRunning) || errors.Is(err, camera.ErrNotRunning) {
			status = http.StatusConflict
		}
		c.JSON(status, errorResponse{
			Error:     "control_failed",
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"module":      "camera",
		"action":      action,
		"running":     source.IsRunning(),
		"capture_fps": source.CurrentFPS(),
	})
}

// handleGetCameraSettings はカメラ設定を返す
func (s *Server) handleGetCameraSettings(c *gin.Context) {
	source := s.pipeline.source
	res := source.Resolution()

	c.JSON(http.StatusOK, gin.H{
		"device":                s.config.Camera.Device,
		"width":                 res.Width,
		"height":                res.Height,
		"running":               source.IsRunning(),
		"capture_fps":           source.CurrentFPS(),
		"idle_fps":              s.pipeline.coordinator.IdleFPS(),
		"supported_resolutions": source.SupportedResolutions(),
	})
}

// handleSetCameraSettings はカメラ設定を更新する
// 解像度の変更はセンサーの再オープンが必要なため停止中のみ受け付ける
func (s *Server) handleSetCameraSettings(c *gin.Context) {
	var req struct {
		Width  *int `json:"width"`
		Height *int `json:"height"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, fmt.Errorf("リクエストの形式が不正です: %s", err.Error()))
		return
	}

	// 全フィールドを検証してから適用する
	if (req.Width == nil) != (req.Height == nil) {
		s.badRequest(c, errors.New("widthとheightは同時に指定してください"))
		return
	}
	if req.Width != nil && (*req.Width <= 0 || *req.Height <= 0) {
		s.badRequest(c, fmt.Errorf("解像度が不正です: %dx%d", *req.Width, *req.Height))
		return
	}

	if req.Width != nil {
		err := s.pipeline.source.SetResolution(camera.Resolution{
			Width:  *req.Width,
			Height: *req.Height,
		})
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, camera.ErrAlreadyRunning) {
				status = http.StatusConflict
			}
			c.JSON(status, errorResponse{
				Error:     "settings_rejected",
				Message:   err.Error(),
				Timestamp: time.Now(),
			})
			return
		}
	}

	res := s.pipeline.source.Resolution()
	c.JSON(http.StatusOK, gin.H{
		"width":  res.Width,
		"height": res.Height,
	})
}

// handleStrategies は利用可能なストラテジー名の一覧を返す
func (s *Server) handleStrategies(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"strategies": s.pipeline.registry.Names()})
}

// handleVideoFeed はMJPEGストリームを配信する
func (s *Server) handleVideoFeed(c *gin.Context) {
	stream := s.pipeline.stream
	if !stream.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, errorResponse{
			Error:     "stream_not_running",
			Message:   "ストリームモジュールが動作していません",
			Timestamp: time.Now(),
		})
		return
	}

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")

	writer := c.Writer
	flusher, ok := writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	// クライアント切断を検知するためのコンテキスト
	clientGone := c.Request.Context().Done()

	ticker := time.NewTicker(s.pipeline.StreamInterval())
	defer ticker.Stop()

	// ストリーミングループ。最新フレームを配信間隔ごとに送出する
	for {
		select {
		case <-clientGone:
			// クライアントが切断された
			return

		case <-ticker.C:
			if !stream.IsRunning() {
				return
			}

			frame := stream.GetFrame()
			if frame == nil {
				continue
			}

			if _, err := writer.Write([]byte("--frame\r\n")); err != nil {
				return
			}
			if _, err := writer.Write([]byte("Content-Type: image/jpeg\r\n\r\n")); err != nil {
				return
			}
			if _, err := writer.Write(frame); err != nil {
				return
			}
			if _, err := writer.Write([]byte("\r\n")); err != nil {
				return
			}

			// バッファをフラッシュ
			flusher.Flush()
		}
	}
}

// handleGetStreamSettings はストリーム設定取得エンドポイント
func (s *Server) handleGetStreamSettings(c *gin.Context) {
	stream := s.pipeline.stream
	c.JSON(http.StatusOK, gin.H{
		"fps":          stream.FPS(),
		"jpeg_quality": stream.JPEGQuality(),
		"strategy":     stream.StrategyName(),
	})
}

// handleSetStreamSettings はストリーム設定変更エンドポイント
// レート変更は稼働中でも即座にキャプチャレートへ反映される
func (s *Server) handleSetStreamSettings(c *gin.Context) {
	var req struct {
		FPS         *float64 `json:"fps"`
		JPEGQuality *int     `json:"jpeg_quality"`
		Strategy    *string  `json:"strategy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	// 全フィールドを検証してから適用する。部分適用はしない
	stream := s.pipeline.stream
	if req.FPS != nil && *req.FPS <= 0 {
		s.badRequest(c, fmt.Errorf("フレームレートは正の値が必要です: %f", *req.FPS))
		return
	}
	if req.JPEGQuality != nil && (*req.JPEGQuality < 1 || *req.JPEGQuality > 100) {
		s.badRequest(c, fmt.Errorf("無効なJPEG品質: %d", *req.JPEGQuality))
		return
	}
	var strat strategy.Strategy
	if req.Strategy != nil {
		var err error
		if strat, err = s.pipeline.registry.Get(*req.Strategy); err != nil {
			s.badRequest(c, err)
			return
		}
	}

	if req.FPS != nil {
		if err := stream.SetFPS(*req.FPS); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	if req.JPEGQuality != nil {
		if err := stream.SetJPEGQuality(*req.JPEGQuality); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	if strat != nil {
		stream.SetStrategy(strat)
	}

	if err := s.pipeline.coordinator.Recompute(c.Request.Context()); err != nil {
		s.internalError(c, err)
		return
	}
	s.handleGetStreamSettings(c)
}

// handleStreamStats はストリーム統計取得エンドポイント
func (s *Server) handleStreamStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.stream.Status())
}

// handleGetStorageSettings は録画設定取得エンドポイント
func (s *Server) handleGetStorageSettings(c *gin.Context) {
	storage := s.pipeline.storage
	c.JSON(http.StatusOK, storage.Status())
}

// handleSetStorageSettings は録画設定変更エンドポイント
func (s *Server) handleSetStorageSettings(c *gin.Context) {
	var req struct {
		FPS      *float64 `json:"fps"`
		Label    *string  `json:"label"`
		Strategy *string  `json:"strategy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	// 全フィールドを検証してから適用する。部分適用はしない
	storage := s.pipeline.storage
	if req.FPS != nil && *req.FPS <= 0 {
		s.badRequest(c, fmt.Errorf("フレームレートは正の値が必要です: %f", *req.FPS))
		return
	}
	var strat strategy.Strategy
	if req.Strategy != nil {
		var err error
		if strat, err = s.pipeline.registry.Get(*req.Strategy); err != nil {
			s.badRequest(c, err)
			return
		}
	}

	if req.FPS != nil {
		if err := storage.SetFPS(*req.FPS); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	if req.Label != nil {
		storage.SetLabel(*req.Label)
	}
	if strat != nil {
		storage.SetStrategy(strat)
	}

	if err := s.pipeline.coordinator.Recompute(c.Request.Context()); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, storage.Status())
}

// handleRecordings は保存済み録画の一覧を返す
func (s *Server) handleRecordings(c *gin.Context) {
	s.listVideos(c, s.pipeline.storage.OutputDir())
}

// handleGetTimelapseSettings はタイムラプス設定取得エンドポイント
func (s *Server) handleGetTimelapseSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.pipeline.timelapse.Status())
}

// handleSetTimelapseSettings はタイムラプス設定変更エンドポイント
func (s *Server) handleSetTimelapseSettings(c *gin.Context) {
	var req struct {
		IntervalSeconds *float64 `json:"interval_seconds"`
		DurationSeconds *float64 `json:"duration_seconds"`
		MinFrames       *int     `json:"min_frames"`
		Strategy        *string  `json:"strategy"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	// 全フィールドを検証してから適用する。部分適用はしない
	timelapse := s.pipeline.timelapse
	if req.IntervalSeconds != nil && *req.IntervalSeconds <= 0 {
		s.badRequest(c, fmt.Errorf("取り込み間隔は正の値が必要です: %f", *req.IntervalSeconds))
		return
	}
	if req.DurationSeconds != nil && *req.DurationSeconds < 0 {
		s.badRequest(c, fmt.Errorf("撮影期間は負の値にできません: %f", *req.DurationSeconds))
		return
	}
	if req.MinFrames != nil && *req.MinFrames <= 0 {
		s.badRequest(c, fmt.Errorf("最小フレーム数は正の値が必要です: %d", *req.MinFrames))
		return
	}
	var strat strategy.Strategy
	if req.Strategy != nil {
		var err error
		if strat, err = s.pipeline.registry.Get(*req.Strategy); err != nil {
			s.badRequest(c, err)
			return
		}
	}

	if req.IntervalSeconds != nil {
		d := time.Duration(*req.IntervalSeconds * float64(time.Second))
		if err := timelapse.SetInterval(d); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	if req.DurationSeconds != nil {
		d := time.Duration(*req.DurationSeconds * float64(time.Second))
		if err := timelapse.SetDuration(d); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	if req.MinFrames != nil {
		if err := timelapse.SetMinFrames(*req.MinFrames); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	if strat != nil {
		timelapse.SetStrategy(strat)
	}

	if err := s.pipeline.coordinator.Recompute(c.Request.Context()); err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, timelapse.Status())
}

// handleTimelapses は生成済みタイムラプス動画の一覧を返す
func (s *Server) handleTimelapses(c *gin.Context) {
	s.listVideos(c, s.pipeline.timelapse.OutputDir())
}

// handleRoot はルートパスのハンドラ
func (s *Server) handleRoot(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, `<!DOCTYPE html>
<html lang="ja">
<head>
    <meta charset="UTF-8">
    <title>Kenbikyo - 顕微鏡カメラシステム</title>
</head>
<body>
    <h1>Kenbikyo 顕微鏡カメラシステム</h1>
    <p>サーバーが正常に起動しています。</p>
    <p>ライブ映像: <a href="/video_feed">/video_feed</a></p>
    <p>ステータス: <a href="/api/status">/api/status</a></p>
    <p>ヘルスチェック: <a href="/health">/health</a></p>
</body>
</html>`)
}

// ヘルパー関数

// listVideos はディレクトリ内のmp4ファイルを新しい順で返す
func (s *Server) listVideos(c *gin.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		s.internalError(c, err)
		return
	}

	videos := make([]videoFileInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".mp4" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		videos = append(videos, videoFileInfo{
			Name:       entry.Name(),
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}

	sort.Slice(videos, func(i, j int) bool {
		return videos[i].ModifiedAt.After(videos[j].ModifiedAt)
	})

	c.JSON(http.StatusOK, gin.H{"videos": videos})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{
		Error:     "invalid_request",
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}

func (s *Server) internalError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, errorResponse{
		Error:     "internal_error",
		Message:   err.Error(),
		Timestamp: time.Now(),
	})
}
