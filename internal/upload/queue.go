// Package upload は成果物をリモートへ送るアップロードキューを提供する
//
// # 責務
// - 成果物を受け付け、ワーカーがリモートへ送る
// - 一時的な失敗は指数バックオフで再試行し、上限を超えたら FAILED にする
// - 状態遷移はすべてストアへ保存し、オブザーバーへ通知する
//
// # 仕様
// - Enqueue はブロックしない。保留中の同じIDは1件にまとめられる
// - 同じIDの成果物が同時に複数のワーカーで送られることはない
// - Stop 後に残った保留分はストア上で PENDING のまま残り、次回の Start で再投入される
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"banken/internal/artifact"

	"github.com/rs/zerolog/log"
)

var (
	// ErrQueueFull は reject ポリシーで上限に達したときに返される
	ErrQueueFull = errors.New("アップロードキューが満杯です")
	// ErrStopped は停止後に Enqueue したときに返される
	ErrStopped = errors.New("アップロードキューは停止しています")
)

// OverflowPolicy は保留数の上限に達したときの扱い
type OverflowPolicy string

const (
	OverflowDropOldest OverflowPolicy = "drop_oldest" // 最も古い保留分を破棄する
	OverflowReject     OverflowPolicy = "reject"      // 新しい成果物を拒否する
)

// ParseOverflowPolicy は文字列からポリシーを取得する
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case OverflowDropOldest, OverflowReject:
		return OverflowPolicy(s), nil
	default:
		return "", fmt.Errorf("無効なオーバーフローポリシー: %q", s)
	}
}

// Remote はアップロード先
type Remote interface {
	Upload(ctx context.Context, a artifact.Artifact) error
	Name() string
}

// StatusStore は状態遷移の保存先
type StatusStore interface {
	UpsertArtifact(a *artifact.Artifact) error
	UpdateArtifactStatus(id string, status artifact.Status, attempts int, lastErr string) error
	ListArtifacts(statuses ...artifact.Status) ([]*artifact.Artifact, error)
}

// Observer は状態遷移ごとに呼ばれる
type Observer func(a artifact.Artifact)

// Options はキューの設定
type Options struct {
	Workers           int
	MaxAttempts       int
	BaseBackoff       time.Duration
	MaxBackoff        time.Duration
	AttemptTimeout    time.Duration
	MaxPending        int // 0 は無制限
	Overflow          OverflowPolicy
	DeleteAfterUpload bool
}

// DefaultOptions はデフォルトの設定を返す
func DefaultOptions() Options {
	return Options{
		Workers:        1,
		MaxAttempts:    5,
		BaseBackoff:    2 * time.Second,
		MaxBackoff:     2 * time.Minute,
		AttemptTimeout: 5 * time.Minute,
		Overflow:       OverflowDropOldest,
	}
}

type item struct {
	art     artifact.Artifact
	readyAt time.Time
}

// Queue はアップロードキュー
type Queue struct {
	remote   Remote
	store    StatusStore
	opts     Options
	observer Observer

	mu       sync.Mutex
	pending  []*item
	byID     map[string]*item
	inflight map[string]bool
	resubmit map[string]artifact.Artifact // 送信中に再投入されたもの
	started  bool
	closed   bool

	wake   chan struct{}
	stopCh chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue は新しいキューを作成する
func NewQueue(remote Remote, store StatusStore, opts Options, observer Observer) *Queue {
	def := DefaultOptions()
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = def.BaseBackoff
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = def.AttemptTimeout
	}
	if opts.Overflow == "" {
		opts.Overflow = def.Overflow
	}
	if observer == nil {
		observer = func(artifact.Artifact) {}
	}
	return &Queue{
		remote:   remote,
		store:    store,
		opts:     opts,
		observer: observer,
		byID:     make(map[string]*item),
		inflight: make(map[string]bool),
		resubmit: make(map[string]artifact.Artifact),
		wake:     make(chan struct{}, 1),
		stopCh:   make(chan struct{}),
	}
}

// Start は未完了の成果物を再投入してワーカーを起動する
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return errors.New("アップロードキューは既に起動しています")
	}
	q.started = true
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.mu.Unlock()

	left, err := q.store.ListArtifacts(artifact.StatusPending, artifact.StatusUploading)
	if err != nil {
		return fmt.Errorf("未完了の成果物の取得に失敗: %w", err)
	}
	// 古いものから並べる
	q.mu.Lock()
	for i := len(left) - 1; i >= 0; i-- {
		a := *left[i]
		if a.Status == artifact.StatusUploading {
			a.Status = artifact.StatusPending
			if err := q.store.UpdateArtifactStatus(a.ID, a.Status, a.Attempts, a.LastError); err != nil {
				log.Warn().Err(err).Str("artifact", a.ID).Msg("状態の復元に失敗しました")
			}
		}
		if _, ok := q.byID[a.ID]; !ok {
			q.push(a)
		}
	}
	q.mu.Unlock()
	if len(left) > 0 {
		log.Info().Int("count", len(left)).Msg("未完了の成果物を再投入しました")
	}

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	log.Info().
		Str("remote", q.remote.Name()).
		Int("workers", q.opts.Workers).
		Msg("アップロードキューを開始しました")
	return nil
}

// Enqueue は成果物をキューへ追加する。アップロードの完了は待たない
func (q *Queue) Enqueue(a artifact.Artifact) error {
	a.Status = artifact.StatusPending
	a.Attempts = 0
	a.LastError = ""
	a.UpdatedAt = time.Now()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrStopped
	}

	if existing, ok := q.byID[a.ID]; ok {
		existing.art = a
		existing.readyAt = time.Time{}
		q.mu.Unlock()
		log.Debug().Str("artifact", a.ID).Msg("保留中の成果物にまとめました")
		if err := q.persist(a); err != nil {
			return err
		}
		q.observer(a)
		return nil
	}
	if q.inflight[a.ID] {
		// アップロード中の版が終わってから送り直す
		q.resubmit[a.ID] = a
		q.mu.Unlock()
		log.Debug().Str("artifact", a.ID).Msg("アップロード中の成果物を再送待ちにしました")
		if err := q.persist(a); err != nil {
			return err
		}
		q.observer(a)
		return nil
	}

	var dropped *item
	if q.opts.MaxPending > 0 && len(q.pending) >= q.opts.MaxPending {
		if q.opts.Overflow == OverflowReject {
			q.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrQueueFull, a.ID)
		}
		dropped = q.pending[0]
		q.pending = q.pending[1:]
		delete(q.byID, dropped.art.ID)
	}
	q.push(a)
	q.mu.Unlock()

	if dropped != nil {
		d := dropped.art
		d.Status = artifact.StatusFailed
		d.LastError = "キューの上限を超えたため破棄されました"
		log.Warn().Str("artifact", d.ID).Msg("アップロードキューから古い成果物を破棄しました")
		q.transition(d)
	}

	if err := q.persist(a); err != nil {
		return err
	}
	q.observer(a)
	return nil
}

// push はロック保持中に呼ぶ
func (q *Queue) push(a artifact.Artifact) {
	it := &item{art: a}
	q.pending = append(q.pending, it)
	q.byID[a.ID] = it
	q.notify()
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len は保留中の件数を返す
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Stop は受け付けを止め、送信可能な項目を ctx の期限まで送り切る
// バックオフ待ちの項目は PENDING のまま次回の起動に回す
// 期限を過ぎた送信は中断され、PENDING に戻る
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	started := q.started
	remaining := len(q.pending)
	q.mu.Unlock()

	if !started {
		return nil
	}

	// 待機中のワーカーをすべて起こす
	close(q.stopCh)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("アップロードの完了を待てなかったため中断します")
		q.cancel()
		<-done
		err = fmt.Errorf("アップロードキューの停止がタイムアウトしました: %w", ctx.Err())
	}
	q.cancel()

	log.Info().Int("pending", remaining).Msg("アップロードキューを停止しました")
	return err
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()

	for {
		it, wait, ok := q.next()
		if !ok {
			return
		}
		if it == nil {
			if !q.sleep(wait) {
				return
			}
			continue
		}
		q.process(id, it.art)
	}
}

// next は送信可能な項目を取り出す
// 無ければ次に準備ができるまでの時間を返す。停止済みなら ok=false
func (q *Queue) next() (*item, time.Duration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ctx.Err() != nil {
		return nil, 0, false
	}

	now := time.Now()
	wait := time.Duration(-1)
	for i, it := range q.pending {
		if q.inflight[it.art.ID] {
			continue
		}
		if d := it.readyAt.Sub(now); d > 0 {
			if wait < 0 || d < wait {
				wait = d
			}
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		delete(q.byID, it.art.ID)
		q.inflight[it.art.ID] = true
		if len(q.pending) > 0 {
			// 残りを他のワーカーに回す
			q.notify()
		}
		return it, 0, true
	}
	if q.closed {
		return nil, 0, false
	}
	return nil, wait, true
}

// sleep は wait の間、または新しい項目が来るまで待つ
func (q *Queue) sleep(wait time.Duration) bool {
	var timer <-chan time.Time
	if wait >= 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-q.wake:
		return true
	case <-q.stopCh:
		// 停止後は next で残りを確認する
		return true
	case <-timer:
		return true
	case <-q.ctx.Done():
		return false
	}
}

func (q *Queue) process(worker int, a artifact.Artifact) {
	a.Attempts++
	a.Status = artifact.StatusUploading
	q.transition(a)

	ctx, cancel := context.WithTimeout(q.ctx, q.opts.AttemptTimeout)
	err := q.remote.Upload(ctx, a)
	cancel()

	var retry *item
	switch {
	case err == nil:
		a.Status = artifact.StatusDone
		a.LastError = ""
		log.Info().
			Str("artifact", a.ID).
			Str("path", a.Path).
			Int("attempts", a.Attempts).
			Msg("アップロードが完了しました")
		if q.opts.DeleteAfterUpload && a.Kind == artifact.KindClip && !q.hasResubmit(a.ID) {
			if rmErr := os.Remove(a.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				log.Warn().Err(rmErr).Str("path", a.Path).Msg("アップロード済みファイルの削除に失敗しました")
			}
		}
	case q.ctx.Err() != nil:
		// 停止による中断は試行回数に数えない
		a.Attempts--
		a.Status = artifact.StatusPending
		a.LastError = err.Error()
	case IsPermanent(err) || a.Attempts >= q.opts.MaxAttempts:
		a.Status = artifact.StatusFailed
		a.LastError = err.Error()
		log.Error().
			Err(err).
			Str("artifact", a.ID).
			Int("attempts", a.Attempts).
			Msg("アップロードに失敗しました")
	default:
		a.Status = artifact.StatusPending
		a.LastError = err.Error()
		delay := Backoff(q.opts.BaseBackoff, q.opts.MaxBackoff, a.Attempts)
		retry = &item{art: a, readyAt: time.Now().Add(delay)}
		log.Warn().
			Err(err).
			Str("artifact", a.ID).
			Int("worker", worker).
			Int("attempts", a.Attempts).
			Dur("retry_in", delay).
			Msg("アップロードに失敗したため再試行します")
	}
	stale := q.hasResubmit(a.ID)
	if stale {
		// 新しい版が PENDING で保存済みなので古い版の結果では上書きしない
		log.Debug().Str("artifact", a.ID).Str("status", string(a.Status)).Msg("再送待ちの成果物があるため結果を保存しません")
	} else {
		q.transition(a)
	}

	q.mu.Lock()
	again, ok := q.resubmit[a.ID]
	if ok && !stale {
		// 結果の保存中に新しい版が届いたので PENDING に戻す
		q.mu.Unlock()
		q.transition(again)
		q.mu.Lock()
		again = q.resubmit[a.ID]
	}
	delete(q.inflight, a.ID)
	if ok {
		delete(q.resubmit, a.ID)
		retry = &item{art: again}
	}
	if retry != nil && !q.closed {
		if existing, ok := q.byID[a.ID]; ok {
			existing.art = retry.art
		} else {
			q.pending = append(q.pending, retry)
			q.byID[a.ID] = retry
		}
		q.notify()
	}
	q.mu.Unlock()
}

func (q *Queue) hasResubmit(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.resubmit[id]
	return ok
}

// transition は状態を保存してオブザーバーへ通知する
func (q *Queue) transition(a artifact.Artifact) {
	a.UpdatedAt = time.Now()
	if err := q.store.UpdateArtifactStatus(a.ID, a.Status, a.Attempts, a.LastError); err != nil {
		log.Error().Err(err).Str("artifact", a.ID).Str("status", string(a.Status)).Msg("アップロード状態の保存に失敗しました")
	}
	q.observer(a)
}

func (q *Queue) persist(a artifact.Artifact) error {
	if err := q.store.UpsertArtifact(&a); err != nil {
		return fmt.Errorf("成果物の保存に失敗: %w", err)
	}
	return nil
}

// Backoff は n 回目の失敗後の待ち時間 base*2^(n-1) を max で頭打ちにして返す
func Backoff(base, max time.Duration, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent は再試行しても成功しないエラーを表す
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent は err が Permanent で包まれているかを返す
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
