package output

import (
	"testing"
	"time"

	"kenbikyo/internal/video"
)

// TestTimelapseCompileOnStop は停止時の動画生成をテストする
func TestTimelapseCompileOnStop(t *testing.T) {
	opener := video.NewMockOpener()
	tl := NewTimelapseModule(opener, t.TempDir(), 100, 0)
	// 停止時の生成を観察するため周期生成を起こさないようにする
	if err := tl.SetMinFrames(10); err != nil {
		t.Fatalf("最小フレーム数の設定に失敗しました: %v", err)
	}

	if tl.CurrentState() != StateIdle {
		t.Errorf("初期状態がidleではありません: %s", tl.CurrentState())
	}

	if err := tl.Start(); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}
	if tl.CurrentState() != StateCapturing {
		t.Errorf("開始後の状態がcapturingではありません: %s", tl.CurrentState())
	}

	for seq := uint64(1); seq <= 5; seq++ {
		tl.AddFrame(makeFrame(seq))
	}
	if !waitFor(t, 2*time.Second, func() bool { return tl.FrameCount() >= 5 }) {
		t.Fatalf("フレームが蓄積されませんでした: %d", tl.FrameCount())
	}

	// 5フレームはminFrames=10に満たないため破棄されるはず。
	// 生成を観察するため閾値を下げてから停止する
	if err := tl.SetMinFrames(5); err != nil {
		t.Fatalf("最小フレーム数の設定に失敗しました: %v", err)
	}
	if err := tl.Stop(); err != nil {
		t.Fatalf("停止に失敗しました: %v", err)
	}

	writers := opener.Writers()
	if len(writers) != 1 {
		t.Fatalf("動画が生成されませんでした: %d", len(writers))
	}
	if writers[0].FrameCount() != 5 {
		t.Errorf("動画のフレーム数が一致しません: %d", writers[0].FrameCount())
	}
	if writers[0].FPS != timelapseOutputFPS {
		t.Errorf("動画の再生レートが一致しません: %f", writers[0].FPS)
	}
	if tl.CurrentState() != StateIdle {
		t.Errorf("停止後の状態がidleではありません: %s", tl.CurrentState())
	}
	if tl.LastVideo() == "" {
		t.Error("生成した動画のパスが記録されていません")
	}
}

// TestTimelapseDiscardBelowMinFrames は最小フレーム数未満の
// 停止で動画が生成されないことをテストする
func TestTimelapseDiscardBelowMinFrames(t *testing.T) {
	opener := video.NewMockOpener()
	tl := NewTimelapseModule(opener, t.TempDir(), 100, 0)

	if err := tl.Start(); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}

	tl.AddFrame(makeFrame(1))
	if !waitFor(t, 2*time.Second, func() bool { return tl.FrameCount() >= 1 }) {
		t.Fatal("フレームが蓄積されませんでした")
	}

	if err := tl.Stop(); err != nil {
		t.Fatalf("停止に失敗しました: %v", err)
	}

	if len(opener.Writers()) != 0 {
		t.Error("最小フレーム数未満で動画が生成されました")
	}
	if tl.LastVideo() != "" {
		t.Error("破棄されたはずの動画が記録されています")
	}
}

// TestTimelapseIndefiniteCycle は無期限モードの周期生成をテストする
func TestTimelapseIndefiniteCycle(t *testing.T) {
	opener := video.NewMockOpener()
	tl := NewTimelapseModule(opener, t.TempDir(), 100, 0)
	if err := tl.SetMinFrames(2); err != nil {
		t.Fatalf("最小フレーム数の設定に失敗しました: %v", err)
	}

	if err := tl.Start(); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}
	defer tl.Stop()

	// 1サイクル目
	tl.AddFrame(makeFrame(1))
	tl.AddFrame(makeFrame(2))
	if !waitFor(t, 2*time.Second, func() bool { return len(opener.Writers()) >= 1 }) {
		t.Fatal("1サイクル目の動画が生成されませんでした")
	}

	// バッファは空になり撮影が継続する
	if !waitFor(t, 2*time.Second, func() bool { return tl.CurrentState() == StateCapturing }) {
		t.Errorf("生成後に撮影が再開されませんでした: %s", tl.CurrentState())
	}
	if tl.FrameCount() != 0 {
		t.Errorf("生成後もバッファが残っています: %d", tl.FrameCount())
	}
	if !tl.IsRunning() {
		t.Error("生成後にモジュールが停止しました")
	}

	// 2サイクル目
	tl.AddFrame(makeFrame(3))
	tl.AddFrame(makeFrame(4))
	if !waitFor(t, 2*time.Second, func() bool { return len(opener.Writers()) >= 2 }) {
		t.Fatal("2サイクル目の動画が生成されませんでした")
	}
}

// TestTimelapseDurationExpiry は期間満了による動画生成と
// 自己停止をテストする
func TestTimelapseDurationExpiry(t *testing.T) {
	opener := video.NewMockOpener()
	tl := NewTimelapseModule(opener, t.TempDir(), 100, 50*time.Millisecond)
	if err := tl.SetMinFrames(2); err != nil {
		t.Fatalf("最小フレーム数の設定に失敗しました: %v", err)
	}

	notified := make(chan struct{}, 1)
	tl.setNotify(func() {
		select {
		case notified <- struct{}{}:
		default:
		}
	})

	if err := tl.Start(); err != nil {
		t.Fatalf("開始に失敗しました: %v", err)
	}

	tl.AddFrame(makeFrame(1))
	tl.AddFrame(makeFrame(2))
	if !waitFor(t, 2*time.Second, func() bool { return tl.FrameCount() >= 2 }) {
		t.Fatal("フレームが蓄積されませんでした")
	}

	// 期間チェックは1秒周期で走る
	if !waitFor(t, 3*time.Second, func() bool { return !tl.IsRunning() }) {
		t.Fatal("期間満了後も動作しています")
	}

	if len(opener.Writers()) != 1 {
		t.Fatalf("期間満了で動画が生成されませんでした: %d", len(opener.Writers()))
	}

	select {
	case <-notified:
	case <-time.After(2 * time.Second):
		t.Error("自己停止の通知が届きませんでした")
	}

	// 自己停止後のStopは動画を二重生成しない
	if err := tl.Stop(); err != nil {
		t.Fatalf("停止に失敗しました: %v", err)
	}
	if len(opener.Writers()) != 1 {
		t.Errorf("動画が二重生成されました: %d", len(opener.Writers()))
	}
	if tl.CurrentState() != StateIdle {
		t.Errorf("最終状態がidleではありません: %s", tl.CurrentState())
	}
}

// TestTimelapseSettingsValidation は設定値の検証をテストする
func TestTimelapseSettingsValidation(t *testing.T) {
	tl := NewTimelapseModule(video.NewMockOpener(), t.TempDir(), 1, 0)

	if err := tl.SetMinFrames(0); err == nil {
		t.Error("最小フレーム数0が拒否されませんでした")
	}
	if err := tl.SetDuration(-time.Second); err == nil {
		t.Error("負の撮影期間が拒否されませんでした")
	}
	if err := tl.SetDuration(time.Minute); err != nil {
		t.Errorf("正当な撮影期間が拒否されました: %v", err)
	}
	if got := tl.Duration(); got != time.Minute {
		t.Errorf("撮影期間が反映されていません: %v", got)
	}
}
