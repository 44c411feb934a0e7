package output

import (
	"context"
	"errors"
	"sync"
	"testing"

	"kenbikyo/internal/camera"
	"kenbikyo/internal/strategy"
)

// fakeRateSource はテスト用のRateSource実装
type fakeRateSource struct {
	mu         sync.Mutex
	fps        float64
	updates    int
	shouldFail bool
}

func (f *fakeRateSource) UpdateCaptureFPS(_ context.Context, fps float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shouldFail {
		return errors.New("フェイク: レート変更に失敗")
	}
	f.fps = fps
	f.updates++
	return nil
}

func (f *fakeRateSource) currentFPS() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fps
}

// fakeModule はテスト用のModule実装
type fakeModule struct {
	name string

	mu        sync.Mutex
	running   bool
	fps       float64
	failStart bool
	stops     int
	notify    func()
}

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *fakeModule) ShouldProcessFrame() bool { return true }

func (m *fakeModule) AddFrame(*camera.Frame) bool { return true }

func (m *fakeModule) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failStart {
		return errors.New("フェイク: 開始に失敗")
	}
	if m.running {
		return ErrAlreadyRunning
	}
	m.running = true
	return nil
}

func (m *fakeModule) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running = false
	m.stops++
	return nil
}

func (m *fakeModule) RequiredCameraFPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return 0
	}
	return m.fps
}

func (m *fakeModule) SetStrategy(strategy.Strategy) {}
func (m *fakeModule) StrategyName() string          { return "none" }
func (m *fakeModule) LastError() error              { return nil }

func (m *fakeModule) setNotify(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// selfStop はモジュールの自己停止を模倣する
func (m *fakeModule) selfStop() {
	m.mu.Lock()
	m.running = false
	fn := m.notify
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// TestCoordinatorMaxRate はキャプチャレートが稼働中モジュールの
// 最大要求レートになることをテストする
func TestCoordinatorMaxRate(t *testing.T) {
	source := &fakeRateSource{}
	rc := NewRateCoordinator(source, 0.05)
	ctx := context.Background()

	stream := &fakeModule{name: "stream", fps: 15}
	storage := &fakeModule{name: "storage", fps: 5}
	rc.Add(stream)
	rc.Add(storage)

	if got := rc.TargetFPS(); got != 0.05 {
		t.Errorf("初期レートがアイドルではありません: %f", got)
	}

	if err := rc.StartModule(ctx, storage); err != nil {
		t.Fatalf("storageの開始に失敗しました: %v", err)
	}
	if got := source.currentFPS(); got != 5 {
		t.Errorf("レートが5になっていません: %f", got)
	}

	if err := rc.StartModule(ctx, stream); err != nil {
		t.Fatalf("streamの開始に失敗しました: %v", err)
	}
	if got := source.currentFPS(); got != 15 {
		t.Errorf("レートが最大値15になっていません: %f", got)
	}

	// 低レートのモジュールを止めても最大値は変わらない
	if err := rc.StopModule(ctx, storage); err != nil {
		t.Fatalf("storageの停止に失敗しました: %v", err)
	}
	if got := rc.TargetFPS(); got != 15 {
		t.Errorf("レートが15を維持していません: %f", got)
	}

	// 全停止でアイドルに戻る
	if err := rc.StopModule(ctx, stream); err != nil {
		t.Fatalf("streamの停止に失敗しました: %v", err)
	}
	if got := source.currentFPS(); got != 0.05 {
		t.Errorf("アイドルレートに戻っていません: %f", got)
	}
}

// TestCoordinatorStartRollback はレート適用失敗時にモジュールが
// 巻き戻されることをテストする
func TestCoordinatorStartRollback(t *testing.T) {
	source := &fakeRateSource{shouldFail: true}
	rc := NewRateCoordinator(source, 0.05)

	m := &fakeModule{name: "stream", fps: 15}
	rc.Add(m)

	if err := rc.StartModule(context.Background(), m); err == nil {
		t.Fatal("レート適用失敗がエラーになりませんでした")
	}
	if m.IsRunning() {
		t.Error("レート適用失敗後もモジュールが動作しています")
	}
	if got := rc.TargetFPS(); got != 0.05 {
		t.Errorf("失敗後にターゲットレートが変わりました: %f", got)
	}
}

// TestCoordinatorStartFailure はモジュール開始失敗時にレートが
// 変わらないことをテストする
func TestCoordinatorStartFailure(t *testing.T) {
	source := &fakeRateSource{}
	rc := NewRateCoordinator(source, 0.05)

	m := &fakeModule{name: "storage", fps: 5, failStart: true}
	rc.Add(m)

	if err := rc.StartModule(context.Background(), m); err == nil {
		t.Fatal("開始失敗がエラーになりませんでした")
	}
	if source.updates != 0 {
		t.Errorf("開始失敗でレートが適用されました: %d回", source.updates)
	}
}

// TestCoordinatorSelfStopRecompute はモジュールの自己停止通知で
// レートが再計算されることをテストする
func TestCoordinatorSelfStopRecompute(t *testing.T) {
	source := &fakeRateSource{}
	rc := NewRateCoordinator(source, 0.05)
	ctx := context.Background()

	m := &fakeModule{name: "timelapse", fps: 2}
	rc.Add(m)

	if err := rc.StartModule(ctx, m); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}
	if got := source.currentFPS(); got != 2 {
		t.Errorf("レートが2になっていません: %f", got)
	}

	// 自己停止でアイドルに戻る
	m.selfStop()
	if got := rc.TargetFPS(); got != 0.05 {
		t.Errorf("自己停止後にアイドルレートへ戻っていません: %f", got)
	}
}

// TestCoordinatorNoRedundantUpdates は同じレートの再適用が
// 行われないことをテストする
func TestCoordinatorNoRedundantUpdates(t *testing.T) {
	source := &fakeRateSource{}
	rc := NewRateCoordinator(source, 0.05)
	ctx := context.Background()

	if err := rc.Recompute(ctx); err != nil {
		t.Fatalf("再計算に失敗しました: %v", err)
	}
	if err := rc.Recompute(ctx); err != nil {
		t.Fatalf("再計算に失敗しました: %v", err)
	}
	if source.updates != 0 {
		t.Errorf("レートが変わらないのに適用されました: %d回", source.updates)
	}
}
