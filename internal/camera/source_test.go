package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// testConsumer はテスト用のコンシューマー実装
type testConsumer struct {
	name string

	mu      sync.Mutex
	running bool
	accept  bool // ShouldProcessFrameの戻り値
	addOK   bool // AddFrameの戻り値
	frames  []*Frame
}

func newTestConsumer(name string) *testConsumer {
	return &testConsumer{name: name, running: true, accept: true, addOK: true}
}

func (c *testConsumer) Name() string { return c.name }

func (c *testConsumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *testConsumer) ShouldProcessFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accept
}

func (c *testConsumer) AddFrame(frame *Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame)
	return c.addOK
}

func (c *testConsumer) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *testConsumer) setRunning(running bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = running
}

// waitFor は条件が満たされるまでポーリングする
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// TestFrameSourceStartStop はフレームソースの起動と停止をテストする
func TestFrameSourceStartStop(t *testing.T) {
	sensor := NewMockSensor()
	source := NewFrameSource(sensor, Resolution{Width: 64, Height: 48})
	ctx := context.Background()

	if err := source.Start(ctx); err != nil {
		t.Fatalf("起動に失敗しました: %v", err)
	}
	if !source.IsRunning() {
		t.Error("起動後に動作中になっていません")
	}
	if !sensor.IsOpened() {
		t.Error("起動後にセンサーが開いていません")
	}

	// 二重起動は拒否される
	if err := source.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("二重起動でErrAlreadyRunningが返りませんでした: %v", err)
	}

	if err := source.Stop(ctx); err != nil {
		t.Fatalf("停止に失敗しました: %v", err)
	}
	if source.IsRunning() {
		t.Error("停止後も動作中になっています")
	}
	if sensor.IsOpened() {
		t.Error("停止後もセンサーが開いています")
	}

	// 停止中の停止は拒否される
	if err := source.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("二重停止でErrNotRunningが返りませんでした: %v", err)
	}
}

// TestFrameSourceSetResolution は解像度変更が停止中のみ
// 受け付けられることをテストする
func TestFrameSourceSetResolution(t *testing.T) {
	sensor := NewMockSensor()
	source := NewFrameSource(sensor, Resolution{Width: 64, Height: 48})
	ctx := context.Background()

	if err := source.SetResolution(Resolution{Width: 0, Height: 48}); err == nil {
		t.Error("不正な解像度が受け入れられました")
	}

	if err := source.SetResolution(Resolution{Width: 128, Height: 96}); err != nil {
		t.Fatalf("解像度の変更に失敗しました: %v", err)
	}
	if res := source.Resolution(); res.Width != 128 || res.Height != 96 {
		t.Errorf("解像度が反映されていません: %dx%d", res.Width, res.Height)
	}

	if err := source.Start(ctx); err != nil {
		t.Fatalf("起動に失敗しました: %v", err)
	}
	defer source.Stop(ctx)

	// 稼働中の変更は拒否され、解像度は維持される
	if err := source.SetResolution(Resolution{Width: 320, Height: 240}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("稼働中の変更でErrAlreadyRunningが返りませんでした: %v", err)
	}
	if res := source.Resolution(); res.Width != 128 {
		t.Errorf("稼働中の変更で解像度が書き換わりました: %dx%d", res.Width, res.Height)
	}
}

// TestFrameSourceOpenFailure はセンサーオープン失敗時の挙動をテストする
func TestFrameSourceOpenFailure(t *testing.T) {
	sensor := NewMockSensor()
	sensor.SetShouldFailOpen(true)
	source := NewFrameSource(sensor, Resolution{Width: 64, Height: 48})

	if err := source.Start(context.Background()); err == nil {
		t.Fatal("センサーオープン失敗がエラーになりませんでした")
	}
	if source.IsRunning() {
		t.Error("起動失敗後に動作中になっています")
	}
}

// TestFrameSourceDelivery はコンシューマーへのフレーム配信をテストする
func TestFrameSourceDelivery(t *testing.T) {
	sensor := NewMockSensor()
	source := NewFrameSource(sensor, Resolution{Width: 64, Height: 48})
	ctx := context.Background()

	consumer := newTestConsumer("test")
	source.Register(consumer)

	if err := source.Start(ctx); err != nil {
		t.Fatalf("起動に失敗しました: %v", err)
	}
	defer source.Stop(ctx)

	// テストを速く終えるため高レートに引き上げる
	if err := source.UpdateCaptureFPS(ctx, 200); err != nil {
		t.Fatalf("レート変更に失敗しました: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool { return consumer.frameCount() >= 3 }) {
		t.Fatalf("フレームが配信されませんでした: %d", consumer.frameCount())
	}

	stats := source.Stats()
	if stats["test"].Delivered < 3 {
		t.Errorf("配信統計が不足しています: %+v", stats["test"])
	}
}

// TestFrameSourceSkipsStoppedConsumer は停止中コンシューマーが
// スキップされることをテストする
func TestFrameSourceSkipsStoppedConsumer(t *testing.T) {
	sensor := NewMockSensor()
	source := NewFrameSource(sensor, Resolution{Width: 64, Height: 48})
	ctx := context.Background()

	consumer := newTestConsumer("stopped")
	consumer.setRunning(false)
	source.Register(consumer)

	if err := source.Start(ctx); err != nil {
		t.Fatalf("起動に失敗しました: %v", err)
	}
	defer source.Stop(ctx)

	if err := source.UpdateCaptureFPS(ctx, 200); err != nil {
		t.Fatalf("レート変更に失敗しました: %v", err)
	}

	// フレームが読まれるのを待つ
	if !waitFor(t, 2*time.Second, func() bool { return sensor.ReadCount() >= 3 }) {
		t.Fatal("センサーの読み取りが進みませんでした")
	}

	if consumer.frameCount() != 0 {
		t.Errorf("停止中のコンシューマーにフレームが配信されました: %d", consumer.frameCount())
	}
}

// TestFrameSourceDropAccounting は破棄されたフレームの統計をテストする
func TestFrameSourceDropAccounting(t *testing.T) {
	sensor := NewMockSensor()
	source := NewFrameSource(sensor, Resolution{Width: 64, Height: 48})
	ctx := context.Background()

	consumer := newTestConsumer("dropper")
	consumer.addOK = false // 常に破棄を報告する
	source.Register(consumer)

	if err := source.Start(ctx); err != nil {
		t.Fatalf("起動に失敗しました: %v", err)
	}
	defer source.Stop(ctx)

	if err := source.UpdateCaptureFPS(ctx, 200); err != nil {
		t.Fatalf("レート変更に失敗しました: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool {
		return source.Stats()["dropper"].Dropped >= 3
	}) {
		t.Errorf("破棄統計が記録されませんでした: %+v", source.Stats()["dropper"])
	}
}

// TestFrameSourceUpdateCaptureFPS はキャプチャレート変更をテストする
func TestFrameSourceUpdateCaptureFPS(t *testing.T) {
	sensor := NewMockSensor()
	source := NewFrameSource(sensor, Resolution{Width: 64, Height: 48})
	ctx := context.Background()

	// 不正なレートは拒否される
	if err := source.UpdateCaptureFPS(ctx, 0); err == nil {
		t.Error("レート0が拒否されませんでした")
	}
	if err := source.UpdateCaptureFPS(ctx, -1); err == nil {
		t.Error("負のレートが拒否されませんでした")
	}

	// 停止中の変更は次回起動時に使われる
	if err := source.UpdateCaptureFPS(ctx, 5); err != nil {
		t.Fatalf("停止中のレート変更に失敗しました: %v", err)
	}
	if got := source.CurrentFPS(); got != 5 {
		t.Errorf("レートが反映されていません: %f", got)
	}

	if err := source.Start(ctx); err != nil {
		t.Fatalf("起動に失敗しました: %v", err)
	}
	defer source.Stop(ctx)

	// 動作中の変更はセンサーにも伝わる
	if err := source.UpdateCaptureFPS(ctx, 10); err != nil {
		t.Fatalf("動作中のレート変更に失敗しました: %v", err)
	}
	if got := sensor.CurrentFPS(); got != 10 {
		t.Errorf("センサーにレートが伝わっていません: %f", got)
	}
}

// TestFrameSourceTransientReadError は一時的な読み取り失敗で
// ループが継続することをテストする
func TestFrameSourceTransientReadError(t *testing.T) {
	sensor := NewMockSensor()
	sensor.SetFailReadEvery(2) // 2回に1回失敗する
	source := NewFrameSource(sensor, Resolution{Width: 64, Height: 48})
	ctx := context.Background()

	consumer := newTestConsumer("survivor")
	source.Register(consumer)

	if err := source.Start(ctx); err != nil {
		t.Fatalf("起動に失敗しました: %v", err)
	}
	defer source.Stop(ctx)

	if err := source.UpdateCaptureFPS(ctx, 200); err != nil {
		t.Fatalf("レート変更に失敗しました: %v", err)
	}

	if !waitFor(t, 2*time.Second, func() bool {
		return source.TransientErrors() >= 2 && consumer.frameCount() >= 2
	}) {
		t.Errorf("読み取り失敗後もループが継続しませんでした (errors=%d, frames=%d)",
			source.TransientErrors(), consumer.frameCount())
	}

	if !source.IsRunning() {
		t.Error("一時的な失敗でキャプチャが停止しました")
	}
}

// TestFrameSourceUnregister はコンシューマーの登録解除をテストする
func TestFrameSourceUnregister(t *testing.T) {
	sensor := NewMockSensor()
	source := NewFrameSource(sensor, Resolution{Width: 64, Height: 48})

	a := newTestConsumer("a")
	b := newTestConsumer("b")
	source.Register(a)
	source.Register(b)
	source.Register(a) // 重複登録は無視される

	stats := source.Stats()
	if len(stats) != 2 {
		t.Fatalf("登録数が想定と異なります: %d", len(stats))
	}

	source.Unregister(a)
	stats = source.Stats()
	if _, ok := stats["a"]; ok {
		t.Error("登録解除したコンシューマーが残っています")
	}
	if _, ok := stats["b"]; !ok {
		t.Error("無関係なコンシューマーが消えています")
	}
}
