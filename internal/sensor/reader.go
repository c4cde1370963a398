package sensor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ReaderConfig はReaderの動作設定
type ReaderConfig struct {
	PollTimeout    time.Duration // WaitForEdge 1回あたりの待ち時間
	Buffer         int           // 出力チャンネルの容量
	UnhealthyAfter int           // 連続エラーがこの回数に達したら不健全
}

// Reader はセンサーを専用goroutineで読み、エッジをチャンネルへ流す
type Reader struct {
	sensor   Sensor
	cfg      ReaderConfig
	out      chan Edge
	onHealth func(healthy bool)

	dropped atomic.Uint64
	errors  atomic.Uint64
}

// NewReader は新しいReaderを作成する
// onHealth は健全性が変化したときだけ呼ばれる（nil可）
func NewReader(s Sensor, cfg ReaderConfig, onHealth func(healthy bool)) *Reader {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 500 * time.Millisecond
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.UnhealthyAfter <= 0 {
		cfg.UnhealthyAfter = 5
	}
	if onHealth == nil {
		onHealth = func(bool) {}
	}
	return &Reader{
		sensor:   s,
		cfg:      cfg,
		out:      make(chan Edge, cfg.Buffer),
		onHealth: onHealth,
	}
}

// Edges は読み取ったエッジのチャンネルを返す
// Run の終了時にクローズされる
func (r *Reader) Edges() <-chan Edge {
	return r.out
}

// Dropped は満杯のため破棄したエッジ数を返す
func (r *Reader) Dropped() uint64 {
	return r.dropped.Load()
}

// Errors は読み取りエラーの累計を返す
func (r *Reader) Errors() uint64 {
	return r.errors.Load()
}

// Run はctxがキャンセルされるか、センサーがクローズされるまで読み続ける
func (r *Reader) Run(ctx context.Context) {
	defer close(r.out)

	consecutive := 0
	healthy := true

	for {
		if ctx.Err() != nil {
			return
		}

		edge, ok, err := r.sensor.WaitForEdge(ctx, r.cfg.PollTimeout)
		if err != nil {
			if errors.Is(err, ErrClosed) || ctx.Err() != nil {
				return
			}
			// 読み取りエラーは信号なしとして扱う
			r.errors.Add(1)
			consecutive++
			log.Warn().Err(err).Int("consecutive", consecutive).Msg("センサー読み取りエラー")
			if healthy && consecutive >= r.cfg.UnhealthyAfter {
				healthy = false
				log.Error().Int("consecutive", consecutive).Msg("センサーを不健全とみなします")
				r.onHealth(false)
			}
			// エラーが連続する場合に空回りしないよう少し待つ
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.cfg.PollTimeout / 10):
			}
			continue
		}

		consecutive = 0
		if !healthy {
			healthy = true
			log.Info().Msg("センサーが復旧しました")
			r.onHealth(true)
		}
		if !ok {
			continue
		}

		select {
		case r.out <- edge:
		default:
			r.dropped.Add(1)
			log.Warn().Bool("active", edge.Active).Time("at", edge.At).Msg("エッジバッファが満杯のため破棄しました")
		}
	}
}
