package output

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/kataras/golog"

	"kenbikyo/internal/camera"
	"kenbikyo/internal/video"
)

// State はタイムラプスモジュールの状態遷移を表す
type State string

const (
	// StateIdle は撮影していない状態
	StateIdle State = "idle"
	// StateCapturing はフレームを蓄積している状態
	StateCapturing State = "capturing"
	// StateCompiling は蓄積フレームを動画に変換している状態
	StateCompiling State = "compiling"
)

// タイムラプス動画の再生フレームレート
const timelapseOutputFPS = 25.0

// 動画化に必要な最小フレーム数の既定値
const DefaultMinFrames = 10

// TimelapseModule は低頻度でフレームを蓄積しタイムラプス動画を生成する
//
// durationが正の場合、経過時間がdurationに達した時点で動画を生成して
// 自動停止する。durationが0の場合は蓄積フレーム数がminFramesに達する
// たびに動画を生成し、バッファを空にして撮影を続ける
type TimelapseModule struct {
	base

	opener    video.Opener
	outputDir string

	// 以下はbase.muで保護される
	frames    []image.Image
	state     State
	startTime time.Time
	duration  time.Duration
	minFrames int
	lastVideo string

	// コーディネーターへの自動停止通知に使う
	// 動画生成完了時の自己停止で呼ばれる
	selfStopped bool
}

// TimelapseStatus はタイムラプスモジュールの状態
type TimelapseStatus struct {
	Running       bool    `json:"running"`
	State         string  `json:"state"`
	FPS           float64 `json:"fps"`
	Strategy      string  `json:"strategy"`
	FrameCount    int     `json:"frame_count"`
	MinFrames     int     `json:"min_frames"`
	Duration      float64 `json:"duration_seconds"`
	TimeElapsed   float64 `json:"time_elapsed_seconds"`
	NextCaptureIn float64 `json:"next_capture_in_seconds"`
	NextVideoIn   float64 `json:"next_video_in_seconds"`
	LastVideo     string  `json:"last_video,omitempty"`
	OutputDir     string  `json:"output_dir"`
	Error         string  `json:"error,omitempty"`
}

// NewTimelapseModule は新しいTimelapseModuleを作成する
// fpsはフレーム取り込みレート。durationが0なら無期限モード
func NewTimelapseModule(opener video.Opener, outputDir string, fps float64, duration time.Duration) *TimelapseModule {
	return &TimelapseModule{
		base:      newBase("timelapse", DefaultQueueSize, fps),
		opener:    opener,
		outputDir: outputDir,
		state:     StateIdle,
		duration:  duration,
		minFrames: DefaultMinFrames,
	}
}

// Start はタイムラプス撮影を開始する。バッファは空の状態から始まる
func (t *TimelapseModule) Start() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if t.IsRunning() {
		return fmt.Errorf("モジュール %s は%w", t.name, ErrAlreadyRunning)
	}

	t.mu.Lock()
	t.frames = nil
	t.state = StateCapturing
	t.startTime = t.now()
	t.selfStopped = false
	t.mu.Unlock()

	// 期間満了の判定はフレーム到着に依存させない
	return t.start(t.processFrame, time.Second, t.checkDuration)
}

// Stop はタイムラプス撮影を停止する。冪等
// 蓄積フレームがminFrames以上あれば動画を生成し、満たない場合は破棄する
func (t *TimelapseModule) Stop() error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	if !t.stop() {
		return nil
	}

	t.mu.Lock()
	if t.selfStopped {
		// 期間満了による自己停止。動画は生成済み
		t.state = StateIdle
		t.mu.Unlock()
		return nil
	}
	frames := t.frames
	t.frames = nil
	t.mu.Unlock()

	if len(frames) < t.MinFrames() {
		golog.Infof("タイムラプスのフレーム数が不足しています (%d < %d)。破棄します",
			len(frames), t.MinFrames())
		t.setState(StateIdle)
		return nil
	}

	err := t.compile(frames)
	t.setState(StateIdle)
	if err != nil {
		t.mu.Lock()
		t.lastErr = err
		t.mu.Unlock()
		return err
	}
	return nil
}

// processFrame はストラテジー適用後のフレームをバッファに追加する
func (t *TimelapseModule) processFrame(frame *camera.Frame) {
	processed := t.applyStrategy(frame)

	t.mu.Lock()
	if t.state != StateCapturing {
		t.mu.Unlock()
		return
	}
	t.frames = append(t.frames, processed.Image)
	count := len(t.frames)
	indefinite := t.duration <= 0
	minFrames := t.minFrames
	t.mu.Unlock()

	// 無期限モードではminFramesごとに動画を生成して撮影を続ける
	if indefinite && count >= minFrames {
		t.compileCycle()
	}
}

// checkDuration は期間満了を監視する。満了時は動画を生成して自己停止する
func (t *TimelapseModule) checkDuration() {
	t.mu.Lock()
	if t.state != StateCapturing || t.duration <= 0 {
		t.mu.Unlock()
		return
	}
	if t.now().Sub(t.startTime) < t.duration {
		t.mu.Unlock()
		return
	}
	frames := t.frames
	t.frames = nil
	t.state = StateCompiling
	t.selfStopped = true
	t.mu.Unlock()

	if len(frames) >= t.MinFrames() {
		if err := t.compile(frames); err != nil {
			t.setState(StateIdle)
			t.fail(err)
			return
		}
	} else {
		golog.Infof("タイムラプスのフレーム数が不足しています (%d < %d)。破棄します",
			len(frames), t.MinFrames())
	}

	// 期間満了による自己停止。コーディネーターに再計算を促す
	t.mu.Lock()
	t.state = StateIdle
	t.running = false
	notify := t.notify
	t.mu.Unlock()

	golog.Infof("タイムラプスの撮影期間が満了しました")
	if notify != nil {
		go notify()
	}
}

// compileCycle は無期限モードでの周期的な動画生成を行う
// 生成後はバッファを空にして撮影を継続する
func (t *TimelapseModule) compileCycle() {
	t.mu.Lock()
	frames := t.frames
	t.frames = nil
	t.state = StateCompiling
	t.mu.Unlock()

	if err := t.compile(frames); err != nil {
		t.setState(StateIdle)
		t.fail(err)
		return
	}

	t.mu.Lock()
	t.state = StateCapturing
	t.startTime = t.now()
	t.mu.Unlock()
}

// compile は蓄積フレームをタイムラプス動画ファイルに変換する
func (t *TimelapseModule) compile(frames []image.Image) error {
	if len(frames) == 0 {
		return nil
	}

	bounds := frames[0].Bounds()
	path := filepath.Join(t.outputDir, t.videoFilename(t.now()))

	golog.Infof("タイムラプス動画を生成します: %s (%dフレーム)", path, len(frames))

	w, err := t.opener.Open(path, timelapseOutputFPS, bounds.Dx(), bounds.Dy())
	if err != nil {
		return fmt.Errorf("タイムラプス動画のオープンに失敗: %w", err)
	}

	for i, img := range frames {
		if err := w.Write(img); err != nil {
			_ = w.Close()
			_ = os.Remove(path)
			return fmt.Errorf("タイムラプスのフレーム %d の書き込みに失敗: %w", i, err)
		}
	}

	if err := w.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("タイムラプス動画の確定に失敗: %w", err)
	}

	t.mu.Lock()
	t.lastVideo = path
	t.mu.Unlock()

	golog.Infof("タイムラプス動画を生成しました: %s", path)
	return nil
}

// SetMinFrames は動画化に必要な最小フレーム数を設定する
func (t *TimelapseModule) SetMinFrames(n int) error {
	if n <= 0 {
		return fmt.Errorf("最小フレーム数は正の値が必要です: %d", n)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.minFrames = n
	return nil
}

// MinFrames は動画化に必要な最小フレーム数を返す
func (t *TimelapseModule) MinFrames() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.minFrames
}

// SetDuration は撮影期間を設定する。0で無期限モード
func (t *TimelapseModule) SetDuration(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("撮影期間は負の値にできません: %v", d)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.duration = d
	return nil
}

// Duration は撮影期間を返す
func (t *TimelapseModule) Duration() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.duration
}

// FrameCount は蓄積中のフレーム数を返す
func (t *TimelapseModule) FrameCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.frames)
}

// CurrentState は状態遷移上の現在状態を返す
func (t *TimelapseModule) CurrentState() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// LastVideo は直近に生成された動画のパスを返す
func (t *TimelapseModule) LastVideo() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastVideo
}

// OutputDir は出力ディレクトリを返す
func (t *TimelapseModule) OutputDir() string { return t.outputDir }

// Status は現在の状態を返す
func (t *TimelapseModule) Status() TimelapseStatus {
	t.mu.RLock()
	now := t.now()
	status := TimelapseStatus{
		Running:    t.running,
		State:      string(t.state),
		FPS:        t.fps,
		FrameCount: len(t.frames),
		MinFrames:  t.minFrames,
		Duration:   t.duration.Seconds(),
		LastVideo:  t.lastVideo,
		OutputDir:  t.outputDir,
	}
	if t.lastErr != nil {
		status.Error = t.lastErr.Error()
	}
	if t.running && t.state == StateCapturing {
		status.TimeElapsed = now.Sub(t.startTime).Seconds()
		if t.interval > 0 && !t.lastFrameTime.IsZero() {
			remain := t.interval - now.Sub(t.lastFrameTime)
			if remain > 0 {
				status.NextCaptureIn = remain.Seconds()
			}
		}
		if t.duration > 0 {
			remain := t.duration - now.Sub(t.startTime)
			if remain > 0 {
				status.NextVideoIn = remain.Seconds()
			}
		}
	}
	t.mu.RUnlock()

	status.Strategy = t.StrategyName()
	return status
}

// setState は状態を設定する
func (t *TimelapseModule) setState(s State) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = s
}

// videoFilename は生成時刻から出力ファイル名を生成する
func (t *TimelapseModule) videoFilename(ts time.Time) string {
	return fmt.Sprintf("timelapse_%s.mp4", ts.Format("20060102_150405"))
}
