// Package video は動画ファイル書き出しの抽象を担う
package video

import (
	"fmt"
	"image"
	"sync"
)

// Writer は1本の動画ファイルへの書き込みを表す
// 各Writerは開いたモジュールが排他的に所有する
type Writer interface {
	// Write は1フレームを動画に追加する
	Write(img image.Image) error

	// Close は書き込みを確定してファイルを閉じる。冪等
	Close() error
}

// Opener は動画ファイルを開くファクトリー
type Opener interface {
	// Open は指定パスに動画ファイルを作成してWriterを返す
	Open(path string, fps float64, width, height int) (Writer, error)
}

// MockOpener はテスト用のOpener実装
type MockOpener struct {
	mu sync.Mutex

	writers []*MockWriter

	// テスト制御用
	shouldFailOpen  bool
	shouldFailWrite bool
}

// NewMockOpener は新しいMockOpenerを作成する
func NewMockOpener() *MockOpener {
	return &MockOpener{}
}

// Open はMockWriterを作成する
func (m *MockOpener) Open(path string, fps float64, width, height int) (Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFailOpen {
		return nil, fmt.Errorf("モック: 動画ファイルを開けません: %s", path)
	}

	w := &MockWriter{
		Path:      path,
		FPS:       fps,
		Width:     width,
		Height:    height,
		failWrite: m.shouldFailWrite,
	}
	m.writers = append(m.writers, w)
	return w, nil
}

// SetShouldFailOpen はテスト用にOpen失敗を設定する
func (m *MockOpener) SetShouldFailOpen(shouldFail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailOpen = shouldFail
}

// SetShouldFailWrite はテスト用にWrite失敗を設定する
func (m *MockOpener) SetShouldFailWrite(shouldFail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailWrite = shouldFail
}

// Writers は作成されたMockWriter一覧を返す
func (m *MockOpener) Writers() []*MockWriter {
	m.mu.Lock()
	defer m.mu.Unlock()
	writers := make([]*MockWriter, len(m.writers))
	copy(writers, m.writers)
	return writers
}

// MockWriter はテスト用のWriter実装。書き込まれたフレーム数を記録する
type MockWriter struct {
	Path   string
	FPS    float64
	Width  int
	Height int

	mu        sync.Mutex
	frames    int
	closed    bool
	failWrite bool
}

// Write はフレーム数を記録する
func (w *MockWriter) Write(_ image.Image) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("モック: クローズ済みのWriterへの書き込み")
	}
	if w.failWrite {
		return fmt.Errorf("モック: フレーム書き込みに失敗")
	}
	w.frames++
	return nil
}

// Close はWriterを閉じる
func (w *MockWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

// FrameCount は書き込まれたフレーム数を返す
func (w *MockWriter) FrameCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// IsClosed はクローズ済みかを返す
func (w *MockWriter) IsClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}
