// Package sensor はPIRセンサーからのエッジ入力を扱う
//
// # 責務
//
// - GPIOピンの立ち上がり/立ち下がりをタイムスタンプ付きのEdgeとして読み出す
// - 専用のgoroutineで読み取り、容量付きチャンネルへ流す（満杯なら破棄し、センサーを待たせない）
// - 読み取りエラーは「信号なし」として扱い、連続エラーでセンサーを不健全とみなす
package sensor

import (
	"context"
	"errors"
	"time"
)

// Edge はPIRセンサーの状態変化
type Edge struct {
	Active bool      // true: モーション検知（HIGH）
	At     time.Time // エッジを受け取った時刻（単調時計を含む）
}

// Sensor はエッジを待ち受けるデバイスの境界
type Sensor interface {
	// WaitForEdge は timeout までエッジを待つ
	// エッジが来なければ ok=false を返す
	WaitForEdge(ctx context.Context, timeout time.Duration) (edge Edge, ok bool, err error)
	Close() error
}

// ErrClosed はクローズ済みセンサーへの操作で返される
var ErrClosed = errors.New("センサーはクローズ済みです")
