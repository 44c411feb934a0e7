// Package server は、HTTPサーバーとキャプチャパイプラインを管理します。
//
// このパッケージは、HTTPサーバーの起動、ルーティング、
// 出力モジュールの制御API、MJPEGストリーミングの配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動と管理
//   - フレームソース・出力モジュール・レートコーディネーターの組み立て
//   - モジュールの開始・停止と設定変更のAPI処理
//   - MJPEGストリーミングデータの配信
//   - 保存済み動画の一覧提供
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - グレースフルシャットダウンに対応
//   - 複数クライアントの同時接続をサポート
package server
