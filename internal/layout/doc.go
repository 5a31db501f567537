// Package layout はレイアウトファイルのハンドル管理を担う
//
// # 責務
// - レイアウト識別子からファイルパスへの解決（ルート外へのトラバーサルを拒否）
// - 開いたレイアウトのハンドルを参照カウント付きで共有するキャッシュ
// - ルートディレクトリ内のレイアウトファイル一覧の取得
//
// # 動作
//   - 同じパスへの同時 Acquire はエンジンの Open を一度しか呼ばない
//   - 参照カウントが 0 になった時点でエンジンのドキュメントを閉じる
//   - Open に失敗したハンドルはキャッシュしない
//   - レイアウトの解析と描画は Engine インターフェースの実装に委譲する
package layout
