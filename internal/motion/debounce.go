// Package motion はPIRのエッジをデバウンスし、離散的なモーションイベントへ変換する
package motion

import (
	"context"
	"sync"
	"time"

	"banken/internal/sensor"

	"github.com/rs/zerolog/log"
)

// Event は1回のモーション検知
// 生成後は変更しない
type Event struct {
	Seq  uint64        `json:"seq"`
	Wall time.Time     `json:"wall"`
	Mono time.Duration `json:"mono_ns"` // プロセス起動からの単調経過時間
}

// Debouncer はデバウンス窓内のエッジを1つのイベントにまとめる
// 抑制窓は発行したエッジの時刻から始まり、破棄したエッジでは延長しない
type Debouncer struct {
	mu      sync.Mutex
	window  time.Duration
	last    time.Time
	hasLast bool
	seq     uint64
	origin  time.Time
}

// NewDebouncer は新しいDebouncerを作成する
// lastSeq には永続化済みの最後のシーケンス番号を渡し、再起動後も番号を単調増加させる
func NewDebouncer(window time.Duration, lastSeq uint64) *Debouncer {
	return &Debouncer{
		window: window,
		seq:    lastSeq,
		origin: time.Now(),
	}
}

// SetWindow はデバウンス窓を変更する
func (d *Debouncer) SetWindow(window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.window = window
}

// Window は現在のデバウンス窓を返す
func (d *Debouncer) Window() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window
}

// Process はエッジを処理し、イベントを発行する場合は ok=true を返す
func (d *Debouncer) Process(e sensor.Edge) (Event, bool) {
	if !e.Active {
		return Event{}, false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.hasLast && e.At.Sub(d.last) < d.window {
		return Event{}, false
	}

	d.last = e.At
	d.hasLast = true
	d.seq++
	return Event{
		Seq:  d.seq,
		Wall: e.At.Round(0),
		Mono: e.At.Sub(d.origin),
	}, true
}

// Run は in からエッジを読み、発行したイベントを out へ送る
// in がクローズされるか ctx がキャンセルされると out をクローズして戻る
func (d *Debouncer) Run(ctx context.Context, in <-chan sensor.Edge, out chan<- Event) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-in:
			if !ok {
				return
			}
			ev, emit := d.Process(e)
			if !emit {
				if e.Active {
					log.Debug().Time("at", e.At).Msg("デバウンス窓内のエッジを破棄")
				}
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}
