package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kataras/golog"
)

// エラー種別の定義
var (
	// ErrAlreadyRunning は二重開始を表す
	ErrAlreadyRunning = errors.New("既に開始されています")
	// ErrNotRunning は未開始状態での操作を表す
	ErrNotRunning = errors.New("開始されていません")
)

// DefaultIdleFPS はアクティブなモジュールがないときの最低キャプチャレート
// （20秒に1フレーム）
const DefaultIdleFPS = 1.0 / 20.0

// Consumer はフレーム配信先の狭いインターフェース
// FrameSourceはコンシューマーを所有せず、参照のみ保持する
type Consumer interface {
	// Name はコンシューマーの識別名を返す
	Name() string

	// IsRunning はコンシューマーが動作中かを返す
	IsRunning() bool

	// ShouldProcessFrame はこのフレームを受け入れるかを判定する
	// 各コンシューマーは独自の間引き周期を持つ
	ShouldProcessFrame() bool

	// AddFrame はフレームを非ブロッキングでキューに入れる
	// キューが満杯で破棄が発生した場合はfalseを返す
	AddFrame(frame *Frame) bool
}

// ConsumerStats はコンシューマーごとの配信統計
type ConsumerStats struct {
	Delivered uint64 `json:"delivered"` // 配信されたフレーム数
	Dropped   uint64 `json:"dropped"`   // 破棄されたフレーム数
}

// consumerEntry は登録されたコンシューマーと統計を保持する
type consumerEntry struct {
	consumer  Consumer
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// FrameSource は単一のキャプチャスレッドを持つプロデューサー
// センサーから取得したフレームを登録済みの全コンシューマーに配信する
type FrameSource struct {
	sensor     Sensor
	resolution Resolution

	// mu はrunning・consumers・captureFPS・センサー再設定を直列化する
	// センサーの読み取りと再設定が競合しないよう、読み取りも同じロックで行う
	mu         sync.Mutex
	running    bool
	captureFPS float64
	consumers  []*consumerEntry

	transientErrors atomic.Uint64
	seq             atomic.Uint64

	// レート変更をキャプチャループに通知し、待機中のタイマーを引き直す
	rateCh chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewFrameSource は新しいFrameSourceを作成する
func NewFrameSource(sensor Sensor, resolution Resolution) *FrameSource {
	return &FrameSource{
		sensor:     sensor,
		resolution: resolution,
		captureFPS: DefaultIdleFPS,
		rateCh:     make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
}

// Start はキャプチャスレッドを開始する
// 既に動作中の場合はErrAlreadyRunningを返す
func (s *FrameSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("フレームソースは%w", ErrAlreadyRunning)
	}

	if err := s.sensor.Open(ctx, s.resolution, s.captureFPS); err != nil {
		return fmt.Errorf("センサーのオープンに失敗: %w", err)
	}

	s.stopCh = make(chan struct{})
	s.running = true

	s.wg.Add(1)
	go s.captureLoop(ctx)

	golog.Infof("フレームソースを開始しました (%dx%d, %.3f fps)",
		s.resolution.Width, s.resolution.Height, s.captureFPS)
	return nil
}

// Stop はキャプチャスレッドに停止を通知して終了を待つ
// 停止中の場合はErrNotRunningを返す
func (s *FrameSource) Stop(_ context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("フレームソースは%w", ErrNotRunning)
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	// ロック外で終了を待つ（ループはロックを取得するため）
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.sensor.Close(); err != nil {
		return fmt.Errorf("センサーのクローズに失敗: %w", err)
	}

	golog.Info("フレームソースを停止しました")
	return nil
}

// IsRunning はキャプチャスレッドが動作中かを返す
func (s *FrameSource) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Register はコンシューマーを登録する。キャプチャ中でも安全
func (s *FrameSource) Register(c Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.consumers {
		if entry.consumer == c {
			return // 登録済み
		}
	}
	s.consumers = append(s.consumers, &consumerEntry{consumer: c})
}

// Unregister はコンシューマーの登録を解除する
func (s *FrameSource) Unregister(c Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, entry := range s.consumers {
		if entry.consumer == c {
			s.consumers = append(s.consumers[:i], s.consumers[i+1:]...)
			return
		}
	}
}

// UpdateCaptureFPS はキャプチャレートを変更する
// センサーの再設定は登録を守るロックと同じロックで直列化されるため、
// 再設定中のセンサーに対する読み取りは発生しない
func (s *FrameSource) UpdateCaptureFPS(ctx context.Context, fps float64) error {
	if fps <= 0 {
		return fmt.Errorf("無効なキャプチャレート: %f", fps)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.captureFPS == fps {
		return nil
	}

	old := s.captureFPS
	s.captureFPS = fps

	if s.running {
		if err := s.sensor.SetFrameRate(ctx, fps); err != nil {
			s.captureFPS = old
			return fmt.Errorf("センサーのレート変更に失敗: %w", err)
		}
	}

	// 待機中のタイマーを新しい間隔で引き直させる
	select {
	case s.rateCh <- struct{}{}:
	default:
	}

	golog.Infof("キャプチャレートを変更しました: %.3f -> %.3f fps", old, fps)
	return nil
}

// CurrentFPS は現在のキャプチャレートを返す
func (s *FrameSource) CurrentFPS() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.captureFPS
}

// TransientErrors は一時的な読み取り失敗の累計を返す
func (s *FrameSource) TransientErrors() uint64 {
	return s.transientErrors.Load()
}

// Stats はコンシューマーごとの配信統計を返す
func (s *FrameSource) Stats() map[string]ConsumerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := make(map[string]ConsumerStats, len(s.consumers))
	for _, entry := range s.consumers {
		stats[entry.consumer.Name()] = ConsumerStats{
			Delivered: entry.delivered.Load(),
			Dropped:   entry.dropped.Load(),
		}
	}
	return stats
}

// SupportedResolutions はセンサーがサポートする解像度一覧を返す
func (s *FrameSource) SupportedResolutions() []Resolution {
	return s.sensor.SupportedResolutions()
}

// Resolution は現在の解像度を返す
func (s *FrameSource) Resolution() Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolution
}

// SetResolution はキャプチャ解像度を変更する
// センサーの再オープンが必要なため、停止中のみ受け付ける
func (s *FrameSource) SetResolution(res Resolution) error {
	if res.Width <= 0 || res.Height <= 0 {
		return fmt.Errorf("解像度が不正です: %dx%d", res.Width, res.Height)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("解像度の変更には停止が必要: フレームソースは%w", ErrAlreadyRunning)
	}
	s.resolution = res
	return nil
}

// captureLoop は現在のレートでフレームを取得して配信し続ける
func (s *FrameSource) captureLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.captureInterval())
	defer timer.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-s.rateCh:
			// レート変更を即座に反映する
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.captureInterval())
			continue
		case <-timer.C:
		}

		s.captureOne(ctx)
		timer.Reset(s.captureInterval())
	}
}

// captureInterval は現在のレートからフレーム間隔を計算する
func (s *FrameSource) captureInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.captureFPS <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / s.captureFPS)
}

// captureOne は1フレームを取得して全コンシューマーに配信する
func (s *FrameSource) captureOne(ctx context.Context) {
	// 読み取りと登録変更・レート変更を同じロックで直列化する
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	img, err := s.sensor.ReadFrame(ctx)
	entries := make([]*consumerEntry, len(s.consumers))
	copy(entries, s.consumers)
	s.mu.Unlock()

	if err != nil {
		// 一時的な失敗はカウントしてループを継続する
		s.transientErrors.Add(1)
		golog.Warnf("フレーム読み取りエラー: %v", err)
		return
	}

	frame := NewFrame(s.seq.Add(1), img, time.Now())

	for _, entry := range entries {
		c := entry.consumer
		if !c.IsRunning() || !c.ShouldProcessFrame() {
			continue
		}
		if c.AddFrame(frame) {
			entry.delivered.Add(1)
		} else {
			entry.dropped.Add(1)
		}
	}
}
