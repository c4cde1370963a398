// Package feed はダッシュボードへ渡す状態とコマンドの窓口を提供する
//
// # 責務
// - 各コンポーネントから状態を受け取り、版番号付きのスナップショットにまとめる
// - 読み手は版番号を指定して次の変更を待つ（プッシュ型）
// - ダッシュボードからのモード切り替えと停止をコントローラーへ渡す
//
// # 仕様
// - 書き込み側は決してブロックしない
// - 古いデータには必ず Stale が付く
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"banken/internal/camera"
	"banken/internal/capture"
	"banken/internal/eventlog"
)

// ErrClosed はクローズ後に操作したときに返される
var ErrClosed = errors.New("フィードはクローズ済みです")

// ErrorSummary は直近のエラーの要約
type ErrorSummary struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot はある時点のダッシュボード用の状態
type Snapshot struct {
	Version          uint64        `json:"version"`
	Mode             camera.Mode   `json:"mode"`
	Streaming        bool          `json:"streaming"`
	LastMotion       *time.Time    `json:"last_motion"`
	SecondsSinceLast *float64      `json:"seconds_since_last"`
	EventCount       int           `json:"event_count"`
	Intervals        []float64     `json:"intervals"`
	CaptureHealthy   bool          `json:"capture_healthy"`
	SensorHealthy    bool          `json:"sensor_healthy"`
	LastError        *ErrorSummary `json:"last_error,omitempty"`
	Stale            bool          `json:"stale"`
	UploadPending    int           `json:"upload_pending"`
	UploadFailed     int           `json:"upload_failed"`
	GeneratedAt      time.Time     `json:"generated_at"`
}

// CommandKind はダッシュボードからのコマンドの種類
type CommandKind string

const (
	CommandMode CommandKind = "mode"
	CommandStop CommandKind = "stop"
)

// Command はコントローラーへ渡すコマンド
// 処理結果は Reply へ1回だけ送られる
type Command struct {
	Kind  CommandKind
	Mode  camera.Mode
	Reply chan error
}

// Options はフィードの設定
type Options struct {
	StaleAfter   time.Duration
	MaxIntervals int
}

// Feed はダッシュボード用の状態を保持する
type Feed struct {
	opts   Options
	frames *capture.FrameSlot
	now    func() time.Time

	mu        sync.Mutex
	state     Snapshot
	lastWall  time.Time
	intervals []float64
	changed   chan struct{}
	closed    bool

	commands chan Command
	done     chan struct{}
}

// New は新しいフィードを作成する
func New(opts Options, frames *capture.FrameSlot) *Feed {
	if opts.MaxIntervals <= 0 {
		opts.MaxIntervals = 200
	}
	if frames == nil {
		frames = capture.NewFrameSlot()
	}
	return &Feed{
		opts:   opts,
		frames: frames,
		now:    time.Now,
		state: Snapshot{
			Version:        1,
			Mode:           camera.ModeIdle,
			CaptureHealthy: true,
			SensorHealthy:  true,
		},
		changed:  make(chan struct{}),
		commands: make(chan Command),
		done:     make(chan struct{}),
	}
}

// update は状態を変更して版番号を進める
func (f *Feed) update(fn func(s *Snapshot)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	fn(&f.state)
	f.state.Version++
	close(f.changed)
	f.changed = make(chan struct{})
}

// SetMode は現在のモードを設定する
func (f *Feed) SetMode(m camera.Mode) {
	f.update(func(s *Snapshot) { s.Mode = m })
}

// SetStreaming は配信中かを設定する
func (f *Feed) SetStreaming(on bool) {
	f.update(func(s *Snapshot) { s.Streaming = on })
}

// SetCaptureHealthy はカメラの健全性を設定する
func (f *Feed) SetCaptureHealthy(ok bool) {
	f.update(func(s *Snapshot) { s.CaptureHealthy = ok })
}

// SetSensorHealthy はセンサーの健全性を設定する
func (f *Feed) SetSensorHealthy(ok bool) {
	f.update(func(s *Snapshot) { s.SensorHealthy = ok })
}

// SetUploadCounts はアップロード待ちと失敗の件数を設定する
func (f *Feed) SetUploadCounts(pending, failed int) {
	f.update(func(s *Snapshot) {
		s.UploadPending = pending
		s.UploadFailed = failed
	})
}

// ReportError は直近のエラーを記録する
func (f *Feed) ReportError(kind string, err error) {
	if err == nil {
		return
	}
	at := f.now()
	f.update(func(s *Snapshot) {
		s.LastError = &ErrorSummary{Kind: kind, Message: err.Error(), At: at}
	})
}

// LoadHistory は起動時にイベントログの履歴を反映する
func (f *Feed) LoadHistory(records []eventlog.Record) {
	intervals := eventlog.Intervals(records, f.opts.MaxIntervals)
	f.update(func(s *Snapshot) {
		s.EventCount = len(records)
		f.intervals = intervals
		if len(records) > 0 {
			f.lastWall = records[len(records)-1].Event.Wall
		}
	})
}

// RecordMotion はイベントログに追記されたレコードを反映する
func (f *Feed) RecordMotion(rec eventlog.Record) {
	f.update(func(s *Snapshot) {
		s.EventCount++
		f.lastWall = rec.Event.Wall
		if rec.Interval != nil {
			f.intervals = append(f.intervals, rec.Interval.Seconds())
			if over := len(f.intervals) - f.opts.MaxIntervals; over > 0 {
				// 公開済みのスライスは書き換えない
				f.intervals = append([]float64(nil), f.intervals[over:]...)
			}
		}
	})
}

// Snapshot は現在の状態を返す
// 最終モーションからの経過秒と Stale は呼び出し時点で計算する
func (f *Feed) Snapshot() Snapshot {
	f.mu.Lock()
	s := f.state
	last := f.lastWall
	s.Intervals = f.intervals[:len(f.intervals):len(f.intervals)]
	f.mu.Unlock()

	now := f.now()
	s.GeneratedAt = now
	if !last.IsZero() {
		t := last
		secs := now.Sub(last).Seconds()
		s.LastMotion = &t
		s.SecondsSinceLast = &secs
	}
	s.Stale = !s.SensorHealthy ||
		(f.opts.StaleAfter > 0 && !last.IsZero() && now.Sub(last) > f.opts.StaleAfter)
	if s.Intervals == nil {
		s.Intervals = []float64{}
	}
	return s
}

// Version は現在の版番号を返す
func (f *Feed) Version() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.Version
}

// Changed は版番号が version より新しくなると閉じるチャンネルを返す
func (f *Feed) Changed(version uint64) <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Version > version || f.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return f.changed
}

// Wait は version より新しいスナップショットを待って返す
func (f *Feed) Wait(ctx context.Context, version uint64) (Snapshot, error) {
	select {
	case <-f.Changed(version):
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
	select {
	case <-f.done:
		return Snapshot{}, ErrClosed
	default:
	}
	return f.Snapshot(), nil
}

// Frames は配信用のフレームスロットを返す
func (f *Feed) Frames() *capture.FrameSlot {
	return f.frames
}

// Commands はコントローラーが受け取るコマンドのチャンネルを返す
func (f *Feed) Commands() <-chan Command {
	return f.commands
}

// RequestMode はモード切り替えを依頼し、結果を待つ
func (f *Feed) RequestMode(ctx context.Context, m camera.Mode) error {
	return f.request(ctx, Command{Kind: CommandMode, Mode: m})
}

// RequestStop は停止を依頼し、受け付けられるまで待つ
func (f *Feed) RequestStop(ctx context.Context) error {
	return f.request(ctx, Command{Kind: CommandStop})
}

func (f *Feed) request(ctx context.Context, cmd Command) error {
	cmd.Reply = make(chan error, 1)
	select {
	case f.commands <- cmd:
	case <-f.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.Reply:
		return err
	case <-f.done:
		// 停止コマンドの処理中にクローズされた場合は受け付け済みとみなす
		if cmd.Kind == CommandStop {
			return nil
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done はクローズされると閉じるチャンネルを返す
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// Close は待機中の読み手をすべて起こし、以後の変更を受け付けない
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
	close(f.changed)
	f.frames.Close()
}
