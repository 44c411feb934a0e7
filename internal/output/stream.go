package output

import (
	"bytes"
	"fmt"
	"image/jpeg"
	"sync"
	"time"

	"kenbikyo/internal/camera"
)

// StreamModule はライブプレビュー用のJPEGエンコードを担う
// バックログは持たず、常に最新の1フレームだけを保持する
type StreamModule struct {
	base

	latestMu sync.RWMutex
	latest   []byte
	quality  int

	statsMu     sync.Mutex
	windowStart time.Time
	windowCount int
	actualFPS   float64
}

// StreamStatus はストリームモジュールの状態
type StreamStatus struct {
	Running         bool    `json:"running"`
	FPS             float64 `json:"fps"`
	JPEGQuality     int     `json:"jpeg_quality"`
	Strategy        string  `json:"strategy"`
	ActualFPS       float64 `json:"actual_fps"`
	FramesProcessed uint64  `json:"frames_processed"`
	FramesDropped   uint64  `json:"frames_dropped"`
	Error           string  `json:"error,omitempty"`
}

// NewStreamModule は新しいStreamModuleを作成する
func NewStreamModule(fps float64, jpegQuality int) *StreamModule {
	return &StreamModule{
		base:    newBase("stream", DefaultQueueSize, fps),
		quality: jpegQuality,
	}
}

// Start はストリームワーカーを開始する
func (s *StreamModule) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(s.processFrame, 0, nil)
}

// Stop はストリームワーカーを停止する。冪等
func (s *StreamModule) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.stop()
	return nil
}

// processFrame はストラテジー適用後の画像をJPEGにエンコードして
// 最新フレームスロットを上書きする
func (s *StreamModule) processFrame(frame *camera.Frame) {
	processed := s.applyStrategy(frame)

	s.latestMu.RLock()
	quality := s.quality
	s.latestMu.RUnlock()

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, processed.Image, &jpeg.Options{Quality: quality}); err != nil {
		s.fail(fmt.Errorf("JPEGエンコードに失敗: %w", err))
		return
	}

	s.latestMu.Lock()
	s.latest = buf.Bytes()
	s.latestMu.Unlock()

	s.updateStats()
}

// GetFrame は最新のエンコード済みフレームを返す。未取得ならnil
func (s *StreamModule) GetFrame() []byte {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.latest
}

// SetJPEGQuality はJPEG品質を設定する。範囲外は拒否
func (s *StreamModule) SetJPEGQuality(quality int) error {
	if quality < 1 || quality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", quality)
	}
	s.latestMu.Lock()
	defer s.latestMu.Unlock()
	s.quality = quality
	return nil
}

// JPEGQuality は現在のJPEG品質を返す
func (s *StreamModule) JPEGQuality() int {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.quality
}

// ActualFPS は直近1秒間の実測処理レートを返す
func (s *StreamModule) ActualFPS() float64 {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.actualFPS
}

// Status は現在の状態を返す
func (s *StreamModule) Status() StreamStatus {
	status := StreamStatus{
		Running:         s.IsRunning(),
		FPS:             s.FPS(),
		JPEGQuality:     s.JPEGQuality(),
		Strategy:        s.StrategyName(),
		ActualFPS:       s.ActualFPS(),
		FramesProcessed: s.FramesProcessed(),
		FramesDropped:   s.FramesDropped(),
	}
	if err := s.LastError(); err != nil {
		status.Error = err.Error()
	}
	return status
}

// updateStats は1秒間の移動ウィンドウで実測FPSを計算する
func (s *StreamModule) updateStats() {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	now := s.now()
	if s.windowStart.IsZero() {
		s.windowStart = now
	}
	s.windowCount++

	if elapsed := now.Sub(s.windowStart); elapsed >= time.Second {
		s.actualFPS = float64(s.windowCount) / elapsed.Seconds()
		s.windowCount = 0
		s.windowStart = now
	}
}
