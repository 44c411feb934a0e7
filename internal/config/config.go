package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"kenbikyo/internal/strategy"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Camera    CameraConfig    `yaml:"camera"`
	Stream    StreamConfig    `yaml:"stream"`
	Storage   StorageConfig   `yaml:"storage"`
	Timelapse TimelapseConfig `yaml:"timelapse"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Device string `yaml:"device"` // デバイスパス (例: /dev/video0)
	Width  int    `yaml:"width"`  // 画像幅
	Height int    `yaml:"height"` // 画像高さ

	// 全モジュール停止時のキャプチャレート (fps)
	IdleFPS float64 `yaml:"idle_fps"`

	// 各モジュールのフレームキュー上限
	QueueSize int `yaml:"queue_size"`
}

// StreamConfig はライブストリーミングの設定
type StreamConfig struct {
	FPS         float64 `yaml:"fps"`          // 配信フレームレート
	JPEGQuality int     `yaml:"jpeg_quality"` // JPEG品質 (1-100)
	Strategy    string  `yaml:"strategy"`     // フレーム変換ストラテジー名
}

// StorageConfig は連続録画の設定
type StorageConfig struct {
	FPS       float64 `yaml:"fps"`        // 録画フレームレート
	OutputDir string  `yaml:"output_dir"` // 動画の保存先ディレクトリ
	Quality   int     `yaml:"quality"`    // 動画品質 (1-5)
	Strategy  string  `yaml:"strategy"`   // フレーム変換ストラテジー名
}

// TimelapseConfig はタイムラプスの設定
type TimelapseConfig struct {
	Interval  time.Duration `yaml:"interval"`   // フレーム取り込み間隔
	Duration  time.Duration `yaml:"duration"`   // 撮影期間 (0で無期限)
	MinFrames int           `yaml:"min_frames"` // 動画化に必要な最小フレーム数
	OutputDir string        `yaml:"output_dir"` // 動画の保存先ディレクトリ
	Quality   int           `yaml:"quality"`    // 動画品質 (1-5)
	Strategy  string        `yaml:"strategy"`   // フレーム変換ストラテジー名
}

// Load は設定を読み込む
// デフォルト値にYAMLファイル、環境変数の順で上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 0, // ストリーミング用にタイムアウト無効化
		},
		Camera: CameraConfig{
			Device:    "/dev/video0",
			Width:     1280,
			Height:    720,
			IdleFPS:   1.0 / 20.0,
			QueueSize: 300,
		},
		Stream: StreamConfig{
			FPS:         15,
			JPEGQuality: 85,
			Strategy:    "none",
		},
		Storage: StorageConfig{
			FPS:       15,
			OutputDir: "recordings",
			Quality:   3,
			Strategy:  "timestamp",
		},
		Timelapse: TimelapseConfig{
			Interval:  3 * time.Second,
			Duration:  0,
			MinFrames: 10,
			OutputDir: "timelapses",
			Quality:   3,
			Strategy:  "none",
		},
	}
}

// applyEnv は環境変数による上書きを適用する
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Camera.Device = getEnvOrDefault("CAMERA_DEVICE", c.Camera.Device)
	c.Camera.Width = getEnvAsIntOrDefault("CAMERA_WIDTH", c.Camera.Width)
	c.Camera.Height = getEnvAsIntOrDefault("CAMERA_HEIGHT", c.Camera.Height)
	c.Storage.OutputDir = getEnvOrDefault("STORAGE_DIR", c.Storage.OutputDir)
	c.Timelapse.OutputDir = getEnvOrDefault("TIMELAPSE_DIR", c.Timelapse.OutputDir)
}

// Validate は設定の妥当性を検証する
// ひとつでも不正な値があれば設定全体を拒否する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// カメラ設定の検証
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Camera.Width, c.Camera.Height)
	}
	if c.Camera.IdleFPS <= 0 {
		return fmt.Errorf("アイドルレートは正の値が必要です: %f", c.Camera.IdleFPS)
	}
	if c.Camera.QueueSize <= 0 {
		return fmt.Errorf("キューサイズは正の値が必要です: %d", c.Camera.QueueSize)
	}

	// ストリーム設定の検証
	if c.Stream.FPS <= 0 {
		return fmt.Errorf("ストリームのフレームレートは正の値が必要です: %f", c.Stream.FPS)
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		return fmt.Errorf("無効なJPEG品質: %d", c.Stream.JPEGQuality)
	}

	// 録画設定の検証
	if c.Storage.FPS <= 0 {
		return fmt.Errorf("録画のフレームレートは正の値が必要です: %f", c.Storage.FPS)
	}
	if c.Storage.Quality < 1 || c.Storage.Quality > 5 {
		return fmt.Errorf("無効な録画品質: %d", c.Storage.Quality)
	}

	// タイムラプス設定の検証
	if c.Timelapse.Interval <= 0 {
		return fmt.Errorf("タイムラプスの取り込み間隔は正の値が必要です: %v", c.Timelapse.Interval)
	}
	if c.Timelapse.Duration < 0 {
		return fmt.Errorf("タイムラプスの撮影期間は負の値にできません: %v", c.Timelapse.Duration)
	}
	if c.Timelapse.MinFrames <= 0 {
		return fmt.Errorf("タイムラプスの最小フレーム数は正の値が必要です: %d", c.Timelapse.MinFrames)
	}
	if c.Timelapse.Quality < 1 || c.Timelapse.Quality > 5 {
		return fmt.Errorf("無効なタイムラプス品質: %d", c.Timelapse.Quality)
	}

	// ストラテジー名の検証
	reg := strategy.NewRegistry()
	for _, name := range []string{c.Stream.Strategy, c.Storage.Strategy, c.Timelapse.Strategy} {
		if _, err := reg.Get(name); err != nil {
			return err
		}
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
