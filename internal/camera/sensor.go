package camera

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
)

// Sensor はカメラデバイスへの狭い抽象インターフェース
// FrameSource はこのインターフェースを通してのみデバイスに触れる
type Sensor interface {
	// Open は指定した解像度とフレームレートでデバイスを開く
	Open(ctx context.Context, res Resolution, fps float64) error

	// ReadFrame は1フレームを読み取る
	ReadFrame(ctx context.Context) (image.Image, error)

	// SetFrameRate はキャプチャレートを再設定する
	// デバイスが開いていない場合は次回Open時の値として保持する
	SetFrameRate(ctx context.Context, fps float64) error

	// Close はデバイスを閉じる。未オープンでも安全
	Close() error

	// SupportedResolutions はサポートされる解像度一覧を返す
	SupportedResolutions() []Resolution
}

// MockSensor はテスト用のセンサー実装
// 単色のフレームを生成し、失敗の注入ができる
type MockSensor struct {
	mu sync.Mutex

	opened     bool
	resolution Resolution
	fps        float64

	readCount  int
	openCount  int
	closeCount int

	// テスト制御用
	shouldFailOpen bool
	failReadEvery  int // Nフレームごとに読み取り失敗（0で無効）
}

// NewMockSensor は新しいMockSensorを作成する
func NewMockSensor() *MockSensor {
	return &MockSensor{}
}

// Open はモックデバイスを開く
func (m *MockSensor) Open(_ context.Context, res Resolution, fps float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shouldFailOpen {
		return fmt.Errorf("モック: デバイスを開けません")
	}

	m.opened = true
	m.resolution = res
	m.fps = fps
	m.openCount++
	return nil
}

// ReadFrame は単色のテストフレームを返す
func (m *MockSensor) ReadFrame(_ context.Context) (image.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.opened {
		return nil, fmt.Errorf("モック: デバイスが開いていません")
	}

	m.readCount++
	if m.failReadEvery > 0 && m.readCount%m.failReadEvery == 0 {
		return nil, fmt.Errorf("モック: フレーム読み取りに失敗")
	}

	img := image.NewRGBA(image.Rect(0, 0, m.resolution.Width, m.resolution.Height))
	// 読み取り回数で色を変え、フレームを区別できるようにする
	c := color.RGBA{R: uint8(m.readCount % 256), G: 128, B: 64, A: 255}
	for y := 0; y < m.resolution.Height; y++ {
		for x := 0; x < m.resolution.Width; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img, nil
}

// SetFrameRate はフレームレートを記録する
func (m *MockSensor) SetFrameRate(_ context.Context, fps float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fps = fps
	return nil
}

// Close はモックデバイスを閉じる
func (m *MockSensor) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.opened {
		m.opened = false
		m.closeCount++
	}
	return nil
}

// SupportedResolutions はテスト用の固定一覧を返す
func (m *MockSensor) SupportedResolutions() []Resolution {
	return []Resolution{
		{Width: 640, Height: 480},
		{Width: 1280, Height: 720},
		{Width: 1920, Height: 1080},
	}
}

// SetShouldFailOpen はテスト用にOpen失敗を設定する
func (m *MockSensor) SetShouldFailOpen(shouldFail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shouldFailOpen = shouldFail
}

// SetFailReadEvery はNフレームごとの読み取り失敗を設定する
func (m *MockSensor) SetFailReadEvery(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReadEvery = n
}

// ReadCount は読み取り回数を返す
func (m *MockSensor) ReadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readCount
}

// CurrentFPS は現在設定されているフレームレートを返す
func (m *MockSensor) CurrentFPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fps
}

// IsOpened はデバイスが開いているかを返す
func (m *MockSensor) IsOpened() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opened
}
