package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kataras/golog"
)

// FFmpegOpener はffmpegサブプロセスでMP4を書き出すOpener実装
type FFmpegOpener struct {
	quality int // 動画品質 (1-5)
}

// NewFFmpegOpener は新しいFFmpegOpenerを作成する
func NewFFmpegOpener(quality int) *FFmpegOpener {
	if quality < 1 {
		quality = 1
	}
	if quality > 5 {
		quality = 5
	}
	return &FFmpegOpener{quality: quality}
}

// ValidateFFmpeg はffmpegが利用可能かチェックする
func ValidateFFmpeg() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg", "-version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpegが見つかりません。インストールしてください: %w", err)
	}
	return nil
}

// Open はffmpegプロセスを起動してJPEGパイプ経由のWriterを返す
func (o *FFmpegOpener) Open(path string, fps float64, width, height int) (Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	cmd := exec.Command("ffmpeg",
		"-f", "image2pipe",
		"-framerate", strconv.FormatFloat(fps, 'f', 3, 64),
		"-c:v", "mjpeg",
		"-i", "-",
		"-c:v", "libx264",
		"-preset", "fast",
		"-crf", qualityToCRF(o.quality),
		"-pix_fmt", "yuv420p",
		"-y",
		path,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdinパイプの作成に失敗: %w", err)
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	golog.Infof("動画書き出しを開始: %s (%.3f fps, %dx%d)", path, fps, width, height)

	return &ffmpegWriter{
		path:   path,
		cmd:    cmd,
		stdin:  stdin,
		stderr: &stderr,
	}, nil
}

// qualityToCRF は品質設定をffmpegのCRF値に変換する
// 品質1(低) -> CRF28, 品質5(高) -> CRF18
func qualityToCRF(quality int) string {
	crf := 28.0 - float64(quality-1)*2.5
	if crf < 18 {
		crf = 18
	}
	if crf > 28 {
		crf = 28
	}
	return strconv.FormatFloat(crf, 'f', 1, 64)
}

// ffmpegWriter はffmpegプロセスへのJPEGパイプ書き込み
type ffmpegWriter struct {
	path   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	closed bool
}

// Write は1フレームをJPEGとしてffmpegに送る
func (w *ffmpegWriter) Write(img image.Image) error {
	if w.closed {
		return fmt.Errorf("クローズ済みの動画ファイルへの書き込み: %s", w.path)
	}

	if err := jpeg.Encode(w.stdin, img, &jpeg.Options{Quality: 90}); err != nil {
		return fmt.Errorf("フレームのエンコードに失敗: %w", err)
	}
	return nil
}

// Close はパイプを閉じてffmpegの終了を待つ
func (w *ffmpegWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.stdin.Close(); err != nil {
		_ = w.cmd.Wait()
		return fmt.Errorf("stdinパイプのクローズに失敗: %w", err)
	}

	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("動画の確定に失敗: %w (stderr: %s)", err, w.stderr.String())
	}

	golog.Infof("動画を書き出しました: %s", w.path)
	return nil
}
