// Package capture カメラセッションを使った録画と配信を担う
//
// # 責務
// - Recorder: モーションイベントごとに録画リースを取得し、一定時間のクリップを書き出す
// - Streamer: 配信リースを保持し、最新フレームを FrameSlot に流す
// - ClipWriter: MJPEG連結、またはffmpegによるMP4エンコード
//
// # 仕様
// - 書き込み中は <name>.part に出力し、fsync と rename で確定する
// - プリエンプトやエラー時は書きかけのファイルを削除し、成果物を作らない
// - 保存失敗は ErrStorage でラップして返し、リースは必ず返却する
// - FrameSlot は最新フレームのみ保持し、配信側をブロックしない
package capture
