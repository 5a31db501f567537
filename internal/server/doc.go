// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// このパッケージは、レイアウト一覧とビューアページの配信、
// レイアウトファイルのダウンロード、表示同期チャンネルの受け付けを担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - OpenAPI 定義に沿ったルーティング（gin）
//   - WebSocket へのアップグレードとセッションマネージャーへの受け渡し
//   - 埋め込み静的ファイル（HTML/CSS/JS）の配信
//
// シャットダウン時は新規リクエストを止めてから全セッションを閉じ、
// セッションの終了を待ってレイアウトキャッシュを閉じる。
package server
