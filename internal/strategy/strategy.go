// Package strategy はフレームごとの画像変換を担う
//
// 各ストラテジーは名前を持つステートレスな純関数で、
// 固定された既知のセットから名前で選択される
package strategy

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	"golang.org/x/image/font/basicfont"
)

// Strategy は1フレームに適用する変換を表す
// 実装はステートレスであり、複数ワーカーから同時に呼び出せる
type Strategy interface {
	// Name はストラテジーの識別名を返す
	Name() string

	// Apply は入力画像を変換した新しい画像を返す
	// 入力画像は変更しない
	Apply(src image.Image) image.Image
}

// NoOp は変換を行わないストラテジー
type NoOp struct{}

// Name は識別名を返す
func (NoOp) Name() string { return "none" }

// Apply は入力をそのまま返す
func (NoOp) Apply(src image.Image) image.Image { return src }

// Grayscale はグレースケール変換を行う
type Grayscale struct{}

// Name は識別名を返す
func (Grayscale) Name() string { return "grayscale" }

// Apply はグレースケール画像を返す
func (Grayscale) Apply(src image.Image) image.Image {
	return imaging.Grayscale(src)
}

// Edges はエッジ検出を行う
type Edges struct{}

// Name は識別名を返す
func (Edges) Name() string { return "edges" }

// Apply はラプラシアンカーネルの畳み込みでエッジを抽出する
func (Edges) Apply(src image.Image) image.Image {
	gray := imaging.Grayscale(src)
	return imaging.Convolve3x3(gray, [9]float64{
		-1, -1, -1,
		-1, 8, -1,
		-1, -1, -1,
	}, nil)
}

// thresholdLevel は2値化の閾値（0-255）
const thresholdLevel = 128

// Threshold は2値化を行う
type Threshold struct{}

// Name は識別名を返す
func (Threshold) Name() string { return "threshold" }

// Apply は閾値128で白黒の2値画像を返す
func (Threshold) Apply(src image.Image) image.Image {
	gray := imaging.Grayscale(src)
	return imaging.AdjustFunc(gray, func(c color.NRGBA) color.NRGBA {
		if c.R >= thresholdLevel {
			return color.NRGBA{R: 255, G: 255, B: 255, A: c.A}
		}
		return color.NRGBA{R: 0, G: 0, B: 0, A: c.A}
	})
}

// Contrast はコントラスト強調を行う
type Contrast struct{}

// Name は識別名を返す
func (Contrast) Name() string { return "contrast" }

// Apply はシグモイド補正で中間調のコントラストを強調する
func (Contrast) Apply(src image.Image) image.Image {
	return imaging.AdjustSigmoid(src, 0.5, 5.0)
}

// Timestamp は画像左下に時刻を描画する
type Timestamp struct{}

// Name は識別名を返す
func (Timestamp) Name() string { return "timestamp" }

// Apply はキャプチャ処理時点の時刻を焼き込んだ画像を返す
func (Timestamp) Apply(src image.Image) image.Image {
	dc := gg.NewContextForImage(src)
	dc.SetFontFace(basicfont.Face7x13)

	label := timestampLabel()
	w, h := dc.MeasureString(label)
	x := 8.0
	y := float64(dc.Height()) - 8.0

	// 背景を敷いて読みやすくする
	dc.SetRGBA(0, 0, 0, 0.6)
	dc.DrawRectangle(x-4, y-h-4, w+8, h+8)
	dc.Fill()

	dc.SetRGB(1, 1, 1)
	dc.DrawString(label, x, y-4)

	return dc.Image()
}

// timestampLabel は描画する時刻文字列を返す
func timestampLabel() string {
	return time.Now().Format("2006-01-02 15:04:05")
}

// Registry は利用可能なストラテジーの固定セット
type Registry struct {
	strategies map[string]Strategy
	names      []string
}

// NewRegistry は既定のストラテジーセットを持つレジストリを作成する
func NewRegistry() *Registry {
	all := []Strategy{
		NoOp{},
		Grayscale{},
		Edges{},
		Threshold{},
		Contrast{},
		Timestamp{},
	}

	r := &Registry{strategies: make(map[string]Strategy, len(all))}
	for _, s := range all {
		r.strategies[s.Name()] = s
		r.names = append(r.names, s.Name())
	}
	return r
}

// Get は名前からストラテジーを取得する。未知の名前はエラー
func (r *Registry) Get(name string) (Strategy, error) {
	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("未知のストラテジー: %s", name)
	}
	return s, nil
}

// Names は利用可能なストラテジー名の一覧を返す
func (r *Registry) Names() []string {
	names := make([]string, len(r.names))
	copy(names, r.names)
	return names
}
