package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os/exec"
	"regexp"
	"strconv"
	"sync"

	"github.com/kataras/golog"
)

// V4L2Sensor はffmpeg経由でV4L2デバイスからフレームを取得するSensor実装
type V4L2Sensor struct {
	devicePath string

	mu     sync.Mutex
	opened bool
	res    Resolution
	fps    float64
}

// NewV4L2Sensor は新しいV4L2Sensorを作成する
func NewV4L2Sensor(devicePath string) *V4L2Sensor {
	return &V4L2Sensor{devicePath: devicePath}
}

// Open はデバイスの利用可能性を確認して設定を適用する
func (s *V4L2Sensor) Open(ctx context.Context, res Resolution, fps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// v4l2-ctlコマンドでデバイス情報を取得して確認
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", s.devicePath, "--info")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("デバイスが利用できません %s: %w", s.devicePath, err)
	}

	s.res = res
	s.fps = fps
	s.opened = true
	golog.Infof("V4L2デバイスを開きました: %s (%dx%d, %.2f fps)",
		s.devicePath, res.Width, res.Height, fps)
	return nil
}

// ReadFrame はffmpegで1フレームをキャプチャしてデコードする
func (s *V4L2Sensor) ReadFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return nil, fmt.Errorf("デバイスが開いていません: %s", s.devicePath)
	}
	res := s.res
	s.mu.Unlock()

	cmd := exec.CommandContext(ctx,
		"ffmpeg",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", res.Width, res.Height),
		"-i", s.devicePath,
		"-vframes", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-q:v", "2",
		"-",
	)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("フレームキャプチャに失敗: %w (stderr: %s)", err, stderr.String())
	}

	img, err := jpeg.Decode(&stdout)
	if err != nil {
		return nil, fmt.Errorf("JPEG画像のデコードに失敗: %w", err)
	}

	return img, nil
}

// SetFrameRate はキャプチャレートを再設定する
// 1フレームずつ取得する方式のため、値の保持のみでデバイス再設定は不要
func (s *V4L2Sensor) SetFrameRate(_ context.Context, fps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fps = fps
	return nil
}

// Close はデバイスを閉じる
func (s *V4L2Sensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}

// resolutionPattern はv4l2-ctl出力の解像度行にマッチする
var resolutionPattern = regexp.MustCompile(`Size: Discrete (\d+)x(\d+)`)

// SupportedResolutions はv4l2-ctlからサポート解像度一覧を取得する
// 取得に失敗した場合は一般的な解像度を返す
func (s *V4L2Sensor) SupportedResolutions() []Resolution {
	ctx := context.Background()
	cmd := exec.CommandContext(ctx, "v4l2-ctl", "--device", s.devicePath, "--list-formats-ext")
	output, err := cmd.Output()
	if err != nil {
		golog.Warnf("解像度一覧の取得に失敗: %v", err)
		return defaultResolutions()
	}

	seen := make(map[Resolution]bool)
	var resolutions []Resolution
	for _, match := range resolutionPattern.FindAllStringSubmatch(string(output), -1) {
		width, _ := strconv.Atoi(match[1])
		height, _ := strconv.Atoi(match[2])
		res := Resolution{Width: width, Height: height}
		if !seen[res] {
			seen[res] = true
			resolutions = append(resolutions, res)
		}
	}

	if len(resolutions) == 0 {
		return defaultResolutions()
	}
	return resolutions
}

// defaultResolutions は一般的な解像度一覧を返す
func defaultResolutions() []Resolution {
	return []Resolution{
		{Width: 640, Height: 480},
		{Width: 800, Height: 600},
		{Width: 1280, Height: 720},
		{Width: 1920, Height: 1080},
	}
}
