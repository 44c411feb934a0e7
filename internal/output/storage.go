package output

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/kataras/golog"

	"kenbikyo/internal/camera"
	"kenbikyo/internal/video"
)

// StorageModule は連続録画を担う
// 動画ファイルは最初のフレーム受領時にその寸法で遅延オープンされ、
// ファイル名は開始時に確定する
type StorageModule struct {
	base

	opener    video.Opener
	outputDir string

	// 以下はbase.muで保護される
	label       string
	sessionID   string
	currentFile string
	written     uint64

	// writerはワーカーとStop（合流後）だけが触る
	writer video.Writer
}

// StorageStatus は録画モジュールの状態
type StorageStatus struct {
	Running       bool    `json:"running"`
	FPS           float64 `json:"fps"`
	Strategy      string  `json:"strategy"`
	CurrentFile   string  `json:"current_file"`
	SessionID     string  `json:"session_id"`
	Label         string  `json:"label"`
	FramesWritten uint64  `json:"frames_written"`
	OutputDir     string  `json:"output_dir"`
	Error         string  `json:"error,omitempty"`
}

// NewStorageModule は新しいStorageModuleを作成する
func NewStorageModule(opener video.Opener, outputDir string, fps float64) *StorageModule {
	return &StorageModule{
		base:      newBase("storage", DefaultQueueSize, fps),
		opener:    opener,
		outputDir: outputDir,
	}
}

// Start は録画を開始する。出力ファイル名はこの時点で確定する
func (s *StorageModule) Start() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.IsRunning() {
		return fmt.Errorf("モジュール %s は%w", s.name, ErrAlreadyRunning)
	}

	s.mu.Lock()
	s.sessionID = uuid.New().String()
	s.currentFile = filepath.Join(s.outputDir, s.videoFilename(time.Now()))
	s.written = 0
	s.mu.Unlock()
	s.writer = nil

	return s.start(s.processFrame, 0, nil)
}

// Stop は録画を停止して動画ファイルを確定する。冪等
// 1フレームも書き込まれなかった場合は空のファイルを削除する
func (s *StorageModule) Stop() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if !s.stop() {
		return nil
	}
	return s.finalize()
}

// finalize はWriterを閉じ、空の出力を後始末する
// ワーカー合流後に呼ばれるためwriterへの排他アクセスが保証される
func (s *StorageModule) finalize() error {
	if s.writer == nil {
		return nil
	}

	err := s.writer.Close()
	s.writer = nil

	s.mu.RLock()
	written := s.written
	currentFile := s.currentFile
	s.mu.RUnlock()

	if err != nil {
		return fmt.Errorf("録画の確定に失敗: %w", err)
	}

	if written == 0 {
		// 空の動画は残さない
		if rmErr := os.Remove(currentFile); rmErr != nil && !os.IsNotExist(rmErr) {
			golog.Warnf("空の録画ファイルの削除に失敗: %v", rmErr)
		}
		golog.Infof("フレームなしの録画を破棄: %s", currentFile)
		return nil
	}

	golog.Infof("録画を確定しました: %s (%dフレーム)", currentFile, written)
	return nil
}

// processFrame はストラテジー適用後のフレームを動画に追記する
// 初回フレームでWriterを遅延オープンし、失敗時はこの開始サイクルを
// 打ち切って停止状態に戻す（自動リトライはしない）
func (s *StorageModule) processFrame(frame *camera.Frame) {
	processed := s.applyStrategy(frame)

	if s.writer == nil {
		s.mu.RLock()
		currentFile := s.currentFile
		fps := s.fps
		s.mu.RUnlock()

		w, err := s.opener.Open(currentFile, fps, processed.Width, processed.Height)
		if err != nil {
			s.fail(fmt.Errorf("動画ファイルのオープンに失敗: %w", err))
			return
		}
		s.writer = w
	}

	if err := s.writer.Write(processed.Image); err != nil {
		_ = s.writer.Close()
		s.writer = nil
		s.fail(fmt.Errorf("フレームの書き込みに失敗: %w", err))
		return
	}

	s.mu.Lock()
	s.written++
	s.mu.Unlock()
}

// SetLabel は録画ファイル名に付与するセッションラベルを設定する
// 次の開始サイクルから有効
func (s *StorageModule) SetLabel(label string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.label = label
}

// Label は現在のセッションラベルを返す
func (s *StorageModule) Label() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.label
}

// CurrentFile は現在（または直近）の出力ファイルパスを返す
func (s *StorageModule) CurrentFile() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentFile
}

// FramesWritten は現在のセッションで書き込まれたフレーム数を返す
func (s *StorageModule) FramesWritten() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.written
}

// OutputDir は出力ディレクトリを返す
func (s *StorageModule) OutputDir() string { return s.outputDir }

// Status は現在の状態を返す
func (s *StorageModule) Status() StorageStatus {
	s.mu.RLock()
	status := StorageStatus{
		FPS:           s.fps,
		CurrentFile:   s.currentFile,
		SessionID:     s.sessionID,
		Label:         s.label,
		FramesWritten: s.written,
		OutputDir:     s.outputDir,
		Running:       s.running,
	}
	if s.lastErr != nil {
		status.Error = s.lastErr.Error()
	}
	s.mu.RUnlock()

	status.Strategy = s.StrategyName()
	return status
}

// videoFilename は開始時刻から出力ファイル名を生成する
func (s *StorageModule) videoFilename(t time.Time) string {
	timestamp := t.Format("20060102_150405")
	if s.label != "" {
		return fmt.Sprintf("%s_video_%s.mp4", s.label, timestamp)
	}
	return fmt.Sprintf("video_%s.mp4", timestamp)
}
