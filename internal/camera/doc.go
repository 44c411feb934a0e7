// Package camera はフレーム生成側（プロデューサー）を担う
//
// # 責務
// - センサー抽象を通じた連続フレームキャプチャ
// - 登録された出力モジュールへのフレーム配信（非ブロッキング）
// - モジュール要求に応じたキャプチャレートの動的変更
// - キャプチャスレッドのライフサイクル管理
//
// # 仕様
//   - FrameSource: キャプチャループは常に1本。開始済みの二重開始は
//     ErrAlreadyRunning で拒否する
//   - 配信はコンシューマーごとの非ブロッキング投入。満杯キューは
//     コンシューマー側でフレーム破棄され、プロデューサーは停止しない
//   - フレームは配信後イミュータブル。複数ワーカーが同期なしで読める
//   - 一時的な読み取り失敗はカウントしてループを継続する
//
// # 前提要件
//   - ffmpeg: V4L2デバイスからの画像キャプチャに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: デバイスの確認に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
package camera
