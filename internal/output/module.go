package output

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kataras/golog"

	"kenbikyo/internal/camera"
	"kenbikyo/internal/strategy"
)

// エラー種別の定義
var (
	// ErrAlreadyRunning は二重開始を表す
	ErrAlreadyRunning = errors.New("既に開始されています")
)

// DefaultQueueSize はモジュールの既定のキュー容量
const DefaultQueueSize = 300

// Module は出力モジュールの共通コントラクト
// camera.Consumerを含み、FrameSourceから直接フレームを受け取れる
type Module interface {
	camera.Consumer

	// Start はワーカーを開始する。二重開始はErrAlreadyRunning
	Start() error

	// Stop はワーカーに停止を通知して合流し、リソースを解放する。冪等
	Stop() error

	// RequiredCameraFPS はこのモジュールが要求するカメラレートを返す
	// 停止中は0を返す
	RequiredCameraFPS() float64

	// SetStrategy は処理ストラテジーを差し替える。次のフレームから有効
	SetStrategy(s strategy.Strategy)

	// StrategyName は現在のストラテジー名を返す
	StrategyName() string

	// LastError は保持されている失敗理由を返す
	LastError() error

	// setNotify は状態変化の通知先を設定する（コーディネーター用）
	setNotify(fn func())
}

// base は全出力モジュール共通のキュー・ワーカー実装
// 継承ではなく合成で各モジュールに埋め込まれる
type base struct {
	name      string
	queueSize int

	mu            sync.RWMutex
	running       bool
	strat         strategy.Strategy
	fps           float64
	interval      time.Duration
	lastFrameTime time.Time
	lastErr       error
	queue         chan *camera.Frame

	stopCh chan struct{}
	wg     sync.WaitGroup

	// opMu は開始・停止シーケンス全体を直列化する
	opMu sync.Mutex

	framesProcessed atomic.Uint64
	framesDropped   atomic.Uint64

	notify func()
	now    func() time.Time
}

// newBase は共通実装を初期化する
func newBase(name string, queueSize int, fps float64) base {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	b := base{
		name:      name,
		queueSize: queueSize,
		strat:     strategy.NoOp{},
		now:       time.Now,
	}
	b.setRate(fps)
	return b
}

// Name はモジュール名を返す
func (b *base) Name() string { return b.name }

// IsRunning はワーカーが動作中かを返す
func (b *base) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// ShouldProcessFrame は前回受け入れから間隔が経過したかを判定する
// 受け入れる場合は受け入れ時刻を更新する
func (b *base) ShouldProcessFrame() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.interval <= 0 {
		return true
	}

	now := b.now()
	if now.Sub(b.lastFrameTime) >= b.interval {
		b.lastFrameTime = now
		return true
	}
	return false
}

// AddFrame はフレームを非ブロッキングでキューに入れる
// 満杯の場合は最も古いフレームを破棄して新しいフレームを受け入れ、
// falseを返す（破棄が発生したことを示す）
func (b *base) AddFrame(frame *camera.Frame) bool {
	b.mu.RLock()
	running := b.running
	queue := b.queue
	b.mu.RUnlock()

	if !running || queue == nil {
		return false
	}

	select {
	case queue <- frame:
		return true
	default:
	}

	// 満杯: 古さの上限を保つため先頭を捨てて新フレームを入れる
	select {
	case <-queue:
	default:
	}
	b.framesDropped.Add(1)

	select {
	case queue <- frame:
	default:
	}
	return false
}

// RequiredCameraFPS は動作中なら設定レート、停止中なら0を返す
func (b *base) RequiredCameraFPS() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.running {
		return 0
	}
	return b.fps
}

// SetStrategy はストラテジーを差し替える。次のフレームから有効
func (b *base) SetStrategy(s strategy.Strategy) {
	if s == nil {
		s = strategy.NoOp{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.strat = s
	golog.Infof("モジュール %s のストラテジーを変更: %s", b.name, s.Name())
}

// StrategyName は現在のストラテジー名を返す
func (b *base) StrategyName() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.strat.Name()
}

// SetFPS はモジュールの処理レートを設定する。非正値は拒否
func (b *base) SetFPS(fps float64) error {
	if fps <= 0 {
		return fmt.Errorf("無効なFPS値: %f", fps)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setRateLocked(fps)
	return nil
}

// SetInterval はフレーム間隔を設定する。非正値は拒否
func (b *base) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("無効なフレーム間隔: %v", d)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fps = float64(time.Second) / float64(d)
	b.interval = d
	return nil
}

// FPS は現在の処理レートを返す
func (b *base) FPS() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.fps
}

// Interval は現在のフレーム間隔を返す
func (b *base) Interval() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.interval
}

// SetQueueSize はフレームキューの上限を設定する
// 次の開始サイクルで作られるキューから有効
func (b *base) SetQueueSize(n int) error {
	if n <= 0 {
		return fmt.Errorf("キューサイズは正の値が必要です: %d", n)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueSize = n
	return nil
}

// LastError は保持されている失敗理由を返す
func (b *base) LastError() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastErr
}

// FramesProcessed は処理されたフレーム数を返す
func (b *base) FramesProcessed() uint64 { return b.framesProcessed.Load() }

// FramesDropped は破棄されたフレーム数を返す
func (b *base) FramesDropped() uint64 { return b.framesDropped.Load() }

// QueueLength は現在のキュー長を返す
func (b *base) QueueLength() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.queue == nil {
		return 0
	}
	return len(b.queue)
}

// setNotify は状態変化の通知先を設定する
func (b *base) setNotify(fn func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notify = fn
}

// setRate はfpsと間隔を同期して更新する（未ロック用）
func (b *base) setRate(fps float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setRateLocked(fps)
}

func (b *base) setRateLocked(fps float64) {
	if fps <= 0 {
		fps = 1
	}
	b.fps = fps
	b.interval = time.Duration(float64(time.Second) / fps)
}

// start はワーカーを開始する
// tickが正の場合、フレームがなくてもtickごとにonTickを呼び出す
func (b *base) start(process func(*camera.Frame), tick time.Duration, onTick func()) error {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("モジュール %s は%w", b.name, ErrAlreadyRunning)
	}
	b.mu.Unlock()

	// 前サイクルのワーカーがfail後もprocess内に留まっている可能性がある
	// 合流してから再開しないと新旧のワーカーが同じキューを取り合う
	b.wg.Wait()

	b.mu.Lock()
	b.queue = make(chan *camera.Frame, b.queueSize)
	b.stopCh = make(chan struct{})
	b.lastErr = nil
	b.lastFrameTime = time.Time{}
	b.running = true
	b.mu.Unlock()

	b.wg.Add(1)
	go b.worker(process, tick, onTick)

	golog.Infof("モジュール %s を開始しました", b.name)
	return nil
}

// stop はワーカーに停止を通知して合流する
// 実際に停止処理を行った場合のみtrueを返す（冪等性のため）
func (b *base) stop() bool {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return false
	}
	b.running = false
	close(b.stopCh)
	b.mu.Unlock()

	b.wg.Wait()

	golog.Infof("モジュール %s を停止しました", b.name)
	return true
}

// fail はワーカー内からの致命的エラーでモジュールを停止状態にする
// 他のモジュールやプロデューサーには影響しない
// 呼び出し後、ワーカーは速やかにreturnすること
func (b *base) fail(err error) {
	b.mu.Lock()
	b.lastErr = err
	notify := b.notify
	if b.running {
		// stop()との二重closeを避けるため、稼働中フラグを落とした側だけが閉じる
		b.running = false
		close(b.stopCh)
	}
	b.mu.Unlock()

	golog.Errorf("モジュール %s が失敗しました: %v", b.name, err)

	// レート再計算の通知。ワーカーの合流と競合しないよう非同期で行う
	if notify != nil {
		go notify()
	}
}

// worker はキューからフレームを取り出して処理し続ける
func (b *base) worker(process func(*camera.Frame), tick time.Duration, onTick func()) {
	defer b.wg.Done()

	var tickCh <-chan time.Time
	if tick > 0 {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		tickCh = ticker.C
	}

	for {
		select {
		case <-b.stopCh:
			return
		case frame := <-b.queue:
			if frame == nil {
				continue
			}
			process(frame)
			b.framesProcessed.Add(1)
			if !b.IsRunning() {
				// 処理中にfailした場合はワーカーを終える
				return
			}
		case <-tickCh:
			onTick()
			if !b.IsRunning() {
				return
			}
		}
	}
}

// applyStrategy は現在のストラテジーをフレームに適用する
// メタデータ（通し番号・時刻）は維持される
func (b *base) applyStrategy(frame *camera.Frame) *camera.Frame {
	b.mu.RLock()
	strat := b.strat
	b.mu.RUnlock()

	img := strat.Apply(frame.Image)
	if img == frame.Image {
		return frame
	}

	bounds := img.Bounds()
	return &camera.Frame{
		Seq:       frame.Seq,
		Image:     img,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Timestamp: frame.Timestamp,
	}
}
