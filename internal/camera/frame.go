package camera

import (
	"image"
	"time"
)

// Frame はキャプチャされた1枚の画像を表す
// キャプチャ後は変更されないため、複数のコンシューマーが
// 同期なしで同時に読み取れる
type Frame struct {
	Seq       uint64      // キャプチャ順の通し番号
	Image     image.Image // ピクセルデータ
	Width     int         // 画像幅
	Height    int         // 画像高さ
	Timestamp time.Time   // キャプチャ時刻
}

// Resolution はカメラの解像度を表す
type Resolution struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// NewFrame はキャプチャ画像からFrameを作成する
func NewFrame(seq uint64, img image.Image, ts time.Time) *Frame {
	bounds := img.Bounds()
	return &Frame{
		Seq:       seq,
		Image:     img,
		Width:     bounds.Dx(),
		Height:    bounds.Dy(),
		Timestamp: ts,
	}
}
