// Package camera 単一のカメラデバイスの所有と排他制御を担う
//
// # 責務
// - カメラデバイス（V4L2/ffmpeg）のオープン・フレーム取得・クローズ
// - 録画と配信の間でのデバイスの排他制御（リース）
// - モード（RECORD / STREAM）の唯一の保持者
// - 応答しない保持者からの強制回収とデバイスの再初期化
//
// # 仕様
// - Arbiter: デバイスとモードを所有し、同時に高々1つの Session を払い出す
// - Session: リース。ReadFrame がデバイスへの唯一の経路
// - SetMode / Stop: 保持者の Context をキャンセルし、PreemptTimeout まで返却を待つ
// - 待ちきれなければリースを取り消してデバイスを閉じ、ResetAttempts 回まで再初期化を試す
// - 再初期化できなければ ErrDeviceFatal（プロセス終了相当）
// - V4L2Device: ffmpeg の image2pipe 出力を SOI/EOI で分割し、最新フレームのみ保持
//
// # 前提要件
//   - ffmpeg: 画像キャプチャに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - v4l-utils: カメラ名の取得に使用（任意）
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
