package output

import (
	"context"
	"fmt"
	"sync"

	"github.com/kataras/golog"
)

// RateSource はキャプチャレートの変更を受け付けるフレーム供給源
type RateSource interface {
	UpdateCaptureFPS(ctx context.Context, fps float64) error
}

// RateCoordinator はモジュールの要求レートからキャプチャレートを決める
//
// キャプチャレートは稼働中モジュールの要求レートの最大値。全モジュール
// 停止時はアイドルレートまで落とす。モジュールの開始・停止とレート再計算
// は単一のミューテックスで直列化され、途中状態のレートが適用されることは
// ない
type RateCoordinator struct {
	mu      sync.Mutex
	source  RateSource
	modules []Module
	idleFPS float64
	target  float64
}

// NewRateCoordinator は新しいRateCoordinatorを作成する
// idleFPSが0以下の場合は既定のアイドルレートを使う
func NewRateCoordinator(source RateSource, idleFPS float64) *RateCoordinator {
	if idleFPS <= 0 {
		idleFPS = 1.0 / 20.0
	}
	return &RateCoordinator{
		source:  source,
		idleFPS: idleFPS,
		target:  idleFPS,
	}
}

// Add はモジュールを管理下に置く。自己停止時の再計算通知も配線する
func (rc *RateCoordinator) Add(m Module) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.modules = append(rc.modules, m)
	m.setNotify(func() {
		if err := rc.Recompute(context.Background()); err != nil {
			golog.Errorf("キャプチャレートの再計算に失敗: %v", err)
		}
	})
}

// StartModule はモジュールを開始し、キャプチャレートを引き上げる
func (rc *RateCoordinator) StartModule(ctx context.Context, m Module) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if err := m.Start(); err != nil {
		return fmt.Errorf("モジュール %s の開始に失敗: %w", m.Name(), err)
	}

	if err := rc.applyLocked(ctx); err != nil {
		// レートを適用できない状態で走らせない
		_ = m.Stop()
		return err
	}
	return nil
}

// StopModule はモジュールを停止し、キャプチャレートを引き下げる
// モジュールの停止エラーよりレートの再適用を優先する
func (rc *RateCoordinator) StopModule(ctx context.Context, m Module) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	stopErr := m.Stop()
	if err := rc.applyLocked(ctx); err != nil {
		return err
	}
	return stopErr
}

// Recompute は現在の要求レートからキャプチャレートを再適用する
// モジュールの自己停止通知から呼ばれる
func (rc *RateCoordinator) Recompute(ctx context.Context) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.applyLocked(ctx)
}

// TargetFPS は直近に適用したキャプチャレートを返す
func (rc *RateCoordinator) TargetFPS() float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.target
}

// IdleFPS はアイドルレートを返す
func (rc *RateCoordinator) IdleFPS() float64 {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.idleFPS
}

// Modules は管理下のモジュールを返す
func (rc *RateCoordinator) Modules() []Module {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]Module, len(rc.modules))
	copy(out, rc.modules)
	return out
}

// applyLocked は要求レートの最大値を計算し供給源へ適用する
// rc.muを保持した状態で呼ぶこと
func (rc *RateCoordinator) applyLocked(ctx context.Context) error {
	target := rc.idleFPS
	for _, m := range rc.modules {
		if fps := m.RequiredCameraFPS(); fps > target {
			target = fps
		}
	}

	if target == rc.target {
		return nil
	}

	if err := rc.source.UpdateCaptureFPS(ctx, target); err != nil {
		return fmt.Errorf("キャプチャレートの適用に失敗: %w", err)
	}

	golog.Infof("キャプチャレートを変更しました: %.3f -> %.3f fps", rc.target, target)
	rc.target = target
	return nil
}
