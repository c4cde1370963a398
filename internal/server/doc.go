// Package server は、ダッシュボード向けのHTTPサーバーを管理します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - 状態・モーション間隔・成果物一覧のJSON API
//   - MJPEGライブ配信（配信モード時のみ）
//   - WebSocket と Server-Sent Events による状態のプッシュ
//   - モード切り替えと停止コマンドの受け付け
//
// 仕様:
//   - ルーティングはginを使用
//   - WebSocketはgorilla/websocketを使用
//   - 状態は feed.Feed から読み、コマンドは feed.Feed 経由でコントローラーへ渡す
//   - カメラには直接触れない
package server
