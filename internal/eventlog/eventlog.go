// Package eventlog はモーションイベントの追記専用ログと間隔統計を提供する
//
// # 仕様
// - 追記は単一ライターで、永続化に成功してからメモリ上の列へ反映する
// - 読み手には不変なスナップショットを渡すため、追記と並行して読める
// - 同じシーケンス番号の追記は1件だけ保存される（ErrDuplicate）
package eventlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"banken/internal/motion"
	"banken/internal/store"

	"github.com/rs/zerolog/log"
)

var (
	// ErrDuplicate は保存済みのシーケンス番号を追記したときに返される
	ErrDuplicate = errors.New("イベントは既に記録されています")
	// ErrOutOfOrder は最後の番号以下の未保存イベントを追記したときに返される
	ErrOutOfOrder = errors.New("イベントの順序が不正です")
	// ErrStorage はログの永続化に失敗したときに返される。プロセス終了相当
	ErrStorage = errors.New("イベントログの保存に失敗しました")
)

// Store はイベントログの永続化先
type Store interface {
	InsertMotionEvent(ev motion.Event) error
	HasMotionEvent(seq uint64) (bool, error)
	ListMotionEvents() ([]motion.Event, error)
}

// Record はログの1件と、直前のイベントからの間隔
type Record struct {
	Event    motion.Event
	Interval *time.Duration // 最初のイベントでは nil
}

// Log は追記専用のモーションイベントログ
type Log struct {
	store Store

	mu      sync.Mutex // 追記を直列化する
	records []Record
	view    atomic.Pointer[[]Record]
}

// Open は保存済みの履歴を読み込んでログを開く
func Open(s Store) (*Log, error) {
	events, err := s.ListMotionEvents()
	if err != nil {
		return nil, fmt.Errorf("イベント履歴の読み込みに失敗: %w", err)
	}

	l := &Log{store: s, records: make([]Record, 0, len(events)+64)}
	for _, ev := range events {
		l.records = append(l.records, l.newRecord(ev))
	}
	l.publish()
	log.Info().Int("events", len(events)).Msg("イベントログを開きました")
	return l, nil
}

// Append はイベントを永続化してからログへ追加する
func (l *Log) Append(ev motion.Event) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if n := len(l.records); n > 0 && ev.Seq <= l.records[n-1].Event.Seq {
		has, err := l.store.HasMotionEvent(ev.Seq)
		if err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		if has {
			return Record{}, fmt.Errorf("%w: seq=%d", ErrDuplicate, ev.Seq)
		}
		return Record{}, fmt.Errorf("%w: seq=%d last=%d", ErrOutOfOrder, ev.Seq, l.records[n-1].Event.Seq)
	}

	if err := l.store.InsertMotionEvent(ev); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return Record{}, fmt.Errorf("%w: seq=%d", ErrDuplicate, ev.Seq)
		}
		return Record{}, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	rec := l.newRecord(ev)
	l.records = append(l.records, rec)
	l.publish()
	return rec, nil
}

// newRecord は直前のイベントとの間隔を計算する。ロック保持中に呼ぶ
func (l *Log) newRecord(ev motion.Event) Record {
	rec := Record{Event: ev}
	if n := len(l.records); n > 0 {
		d := ev.Wall.Sub(l.records[n-1].Event.Wall)
		rec.Interval = &d
	}
	return rec
}

// publish は現在の長さでスライスヘッダを公開する
// 公開済みの要素は以後変更しないので、読み手はロックなしで参照できる
func (l *Log) publish() {
	view := l.records[:len(l.records):len(l.records)]
	l.view.Store(&view)
}

// Snapshot はある時点のログ全体を返す。戻り値は読み取り専用
func (l *Log) Snapshot() []Record {
	v := l.view.Load()
	if v == nil {
		return nil
	}
	return *v
}

// Len は記録済みのイベント数を返す
func (l *Log) Len() int {
	return len(l.Snapshot())
}

// LastSequence は最後のシーケンス番号を返す。空なら0
func (l *Log) LastSequence() uint64 {
	snap := l.Snapshot()
	if len(snap) == 0 {
		return 0
	}
	return snap[len(snap)-1].Event.Seq
}

// Last は最後のレコードを返す
func (l *Log) Last() (Record, bool) {
	snap := l.Snapshot()
	if len(snap) == 0 {
		return Record{}, false
	}
	return snap[len(snap)-1], true
}

// Intervals は間隔の列を秒で返す。max > 0 なら末尾 max 件
func Intervals(snap []Record, max int) []float64 {
	out := make([]float64, 0, len(snap))
	for _, r := range snap {
		if r.Interval != nil {
			out = append(out, r.Interval.Seconds())
		}
	}
	if max > 0 && len(out) > max {
		out = out[len(out)-max:]
	}
	return out
}

// ExportCSV はログを timestamp,seconds_since_last_motion の形式で書き出す
// 一時ファイルに書いてから rename するので、読み手は書きかけのファイルを見ない
func (l *Log) ExportCSV(path string) error {
	return WriteCSV(path, l.Snapshot())
}

// WriteCSV はレコードをCSVファイルへ書き出す
func WriteCSV(path string, records []Record) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName) // rename 後は存在しない
	}()

	w := csv.NewWriter(tmp)
	_ = w.Write([]string{"timestamp", "seconds_since_last_motion"})
	for _, r := range records {
		delta := ""
		if r.Interval != nil {
			delta = strconv.FormatFloat(r.Interval.Seconds(), 'f', 3, 64)
		}
		_ = w.Write([]string{r.Event.Wall.Local().Format("2006-01-02 15:04:05"), delta})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("CSVの書き込みに失敗: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsyncに失敗: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("一時ファイルのクローズに失敗: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("ファイル置き換えに失敗: %w", err)
	}
	return nil
}
