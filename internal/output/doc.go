// Package output はフレームのコンシューマー側を担う
//
// # 責務
// - 出力モジュール共通のキュー・ワーカーライフサイクル管理
// - ストリーム配信・録画・タイムラプスの各モジュール実装
// - モジュール要求レートの集約とプロデューサーへの適用
//
// # 仕様
//   - 各モジュールは有界キューと1本のワーカーゴルーチンを持つ
//   - キュー満杯時は最も古いフレームを破棄して新しいフレームを受け入れる
//     （プロデューサーは決してブロックしない）
//   - 停止は協調的: シグナル -> 有界待機 -> 合流
//   - ワーカーの失敗は自モジュールのみを停止し、理由を保持する
//   - ストラテジー変更は次に処理されるフレームから即時反映される
//   - モジュールの開始・停止とレート再計算はRateCoordinatorの
//     単一ロックで直列化される
package output
