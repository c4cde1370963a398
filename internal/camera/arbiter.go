package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ArbiterConfig はアービターの動作設定
type ArbiterConfig struct {
	PreemptTimeout time.Duration // プリエンプト時に保持者の解放を待つ上限
	ResetAttempts  int           // 強制リセット後の再初期化試行回数
	OpenTimeout    time.Duration // デバイスを開くときの上限
	CloseTimeout   time.Duration // デバイスのクローズを待つ上限
}

// Arbiter はカメラデバイスとモードを唯一所有し、録画と配信の間で排他制御する
//
// 状態は {IDLE, RECORD, STREAM} × {FREE, HELD}。初期状態は IDLE/FREE
// モードを変更できるのは SetMode と Stop のみ
// デバイスの Close はロックの外で行い、閉じ終わるまで新しい取得は ErrBusy になる
type Arbiter struct {
	mu        sync.Mutex
	device    Device
	cfg       ArbiterConfig
	mode      atomic.Value // Mode
	since     time.Time
	lease     *Session
	closing   chan struct{} // クローズ中のみ非nil。閉じ終わるとクローズされる
	switching bool
	stopped   bool
	fatal     error
	observer  func(SessionEvent)
}

// NewArbiter は新しいArbiterを作成する
// observer はロック中に呼ばれるため、アービターを呼び返してはならない
func NewArbiter(device Device, cfg ArbiterConfig, observer func(SessionEvent)) *Arbiter {
	if cfg.PreemptTimeout <= 0 {
		cfg.PreemptTimeout = 3 * time.Second
	}
	if cfg.ResetAttempts <= 0 {
		cfg.ResetAttempts = 3
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 5 * time.Second
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	if observer == nil {
		observer = func(SessionEvent) {}
	}
	a := &Arbiter{
		device:   device,
		cfg:      cfg,
		since:    time.Now(),
		observer: observer,
	}
	a.mode.Store(ModeIdle)
	return a
}

// Acquire は holder にリースを与え、デバイスを開く
func (a *Arbiter) Acquire(ctx context.Context, holder Holder) (*Session, error) {
	a.mu.Lock()
	switch {
	case a.stopped:
		a.mu.Unlock()
		return nil, ErrStopped
	case a.fatal != nil:
		a.mu.Unlock()
		return nil, ErrDeviceFatal
	case a.switching || a.lease != nil || a.closing != nil:
		a.mu.Unlock()
		return nil, ErrBusy
	case !holder.allowedIn(a.Mode()):
		mode := a.Mode()
		a.mu.Unlock()
		return nil, fmt.Errorf("%w: holder=%s mode=%s", ErrWrongMode, holder, mode)
	}

	// 開いている間も他の取得を拒否するため先にリースを置く
	s := newSession(a, uuid.NewString(), holder)
	a.lease = s
	a.mu.Unlock()

	octx, cancel := context.WithTimeout(ctx, a.cfg.OpenTimeout)
	stop := context.AfterFunc(s.ctx, cancel)
	openErr := a.device.Open(octx)
	stop()
	cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.lease != s {
		// 開いている間に強制リセットされた
		if openErr == nil {
			a.closeAsync(nil)
		}
		s.end()
		return nil, ErrLeaseRevoked
	}
	if openErr != nil {
		a.lease = nil
		preempted := s.ctx.Err() != nil
		s.end()
		if preempted {
			return nil, ErrPreempted
		}
		if errors.Is(openErr, ErrDeviceOpen) {
			return nil, openErr
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceOpen, openErr)
	}
	if s.ctx.Err() != nil {
		// 開いた直後にプリエンプトされた
		a.lease = nil
		a.closeAsync(nil)
		s.end()
		return nil, ErrPreempted
	}

	a.emit(SessionEvent{Kind: EventGranted, SessionID: s.ID, Holder: holder})
	log.Info().Str("session", s.ID).Str("holder", string(holder)).Msg("カメラのリースを付与しました")
	return s, nil
}

// Release はリースを返却し、デバイスを閉じる。冪等
// クローズが CloseTimeout を超えたら ErrCloseTimeout を返し、クローズは裏で続く
func (a *Arbiter) Release(s *Session) error {
	if s == nil {
		return nil
	}

	a.mu.Lock()
	if a.lease != s {
		a.mu.Unlock()
		s.end()
		return nil
	}
	a.lease = nil
	closed := a.closeAsync(func(err error) {
		s.end()
		a.emit(SessionEvent{Kind: EventReleased, SessionID: s.ID, Holder: s.Holder, Err: err})
	})
	a.mu.Unlock()

	closeErr := a.awaitClose(closed)
	if closeErr != nil {
		// 待っているプリエンプトを先に進める
		s.end()
	}
	log.Info().Str("session", s.ID).Str("holder", string(s.Holder)).
		Dur("held", time.Since(s.StartedAt)).Msg("カメラのリースを返却しました")

	if closeErr != nil {
		return fmt.Errorf("デバイスのクローズに失敗: %w", closeErr)
	}
	return nil
}

// SetMode はモードを切り替える
// リース保持中なら保持者をキャンセルし、PreemptTimeout まで解放を待つ
// 待ちきれなければデバイスを強制リセットする
func (a *Arbiter) SetMode(ctx context.Context, m Mode) error {
	if m != ModeRecord && m != ModeStream {
		return fmt.Errorf("無効なモード: %q", m)
	}

	a.mu.Lock()
	switch {
	case a.stopped:
		a.mu.Unlock()
		return ErrStopped
	case a.fatal != nil:
		a.mu.Unlock()
		return ErrDeviceFatal
	case a.switching:
		a.mu.Unlock()
		return ErrBusy
	case a.Mode() == m:
		a.mu.Unlock()
		return nil
	}
	a.switching = true
	lease := a.lease
	from := a.Mode()
	a.mu.Unlock()

	var err error
	if lease != nil {
		err = a.preempt(ctx, lease, true)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.switching = false
	if err != nil {
		return err
	}
	a.mode.Store(m)
	a.since = time.Now()
	log.Info().Str("from", string(from)).Str("to", string(m)).Msg("モードを切り替えました")
	return nil
}

// Stop は保持者をプリエンプトし、以降の取得をすべて拒否する
func (a *Arbiter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	lease := a.lease
	a.mu.Unlock()

	var err error
	if lease != nil {
		err = a.preempt(ctx, lease, false)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode.Store(ModeIdle)
	a.since = time.Now()
	log.Info().Msg("カメラアービターを停止しました")
	return err
}

// State は現在の状態を返す
func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := State{
		Mode:      a.Mode(),
		Since:     a.since,
		Switching: a.switching,
	}
	if a.lease != nil {
		st.Held = true
		st.Holder = a.lease.Holder
		st.LeaseID = a.lease.ID
	}
	return st
}

// Mode は現在のモードを返す。ロックを取らない
func (a *Arbiter) Mode() Mode {
	return a.mode.Load().(Mode)
}

// Fatal はデバイスが復旧不能になっていればそのエラーを返す
func (a *Arbiter) Fatal() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.fatal
}

// preempt は保持者のセッションをキャンセルし、解放を待つ
func (a *Arbiter) preempt(ctx context.Context, lease *Session, reinit bool) error {
	a.mu.Lock()
	if a.lease == lease {
		a.emit(SessionEvent{Kind: EventPreempted, SessionID: lease.ID, Holder: lease.Holder})
	}
	a.mu.Unlock()
	lease.cancel()

	timer := time.NewTimer(a.cfg.PreemptTimeout)
	defer timer.Stop()

	select {
	case <-lease.done:
		return nil
	case <-timer.C:
		log.Error().Str("session", lease.ID).Str("holder", string(lease.Holder)).
			Dur("timeout", a.cfg.PreemptTimeout).Msg("保持者がリースを返却しないため、デバイスを強制リセットします")
	case <-ctx.Done():
		log.Warn().Str("session", lease.ID).Msg("プリエンプト待ちが中断されたため、デバイスを強制リセットします")
	}

	return a.forceReset(lease, reinit)
}

// forceReset はリースを取り消してデバイスを閉じ、必要なら再初期化を試みる
// クローズを待つのは CloseTimeout まで
func (a *Arbiter) forceReset(lease *Session, reinit bool) error {
	a.mu.Lock()
	var closed <-chan error
	var pending <-chan struct{}
	if a.lease == lease {
		a.lease = nil
		lease.end()
		a.emit(SessionEvent{Kind: EventReset, SessionID: lease.ID, Holder: lease.Holder})
		closed = a.closeAsync(nil)
	} else if a.closing != nil {
		pending = a.closing
	}
	a.mu.Unlock()

	var closeErr error
	switch {
	case closed != nil:
		closeErr = a.awaitClose(closed)
	case pending != nil:
		// 保持者の Release がまだ閉じている
		timer := time.NewTimer(a.cfg.CloseTimeout)
		select {
		case <-pending:
		case <-timer.C:
			closeErr = ErrCloseTimeout
		}
		timer.Stop()
	}
	if closeErr != nil {
		log.Warn().Err(closeErr).Msg("強制リセット中のデバイスクローズに失敗")
	}

	if !reinit {
		return nil
	}
	if errors.Is(closeErr, ErrCloseTimeout) {
		return a.markFatal(closeErr)
	}

	var lastErr error
	for attempt := 1; attempt <= a.cfg.ResetAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.OpenTimeout)
		err := a.device.Open(ctx)
		cancel()
		if err == nil {
			_ = a.device.Close()
			log.Info().Int("attempt", attempt).Msg("カメラデバイスを再初期化しました")
			return nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Msg("カメラデバイスの再初期化に失敗")
	}
	return a.markFatal(lastErr)
}

func (a *Arbiter) markFatal(cause error) error {
	a.mu.Lock()
	a.fatal = fmt.Errorf("%w: %v", ErrDeviceFatal, cause)
	fatal := a.fatal
	a.mu.Unlock()
	log.Error().Err(fatal).Msg("カメラデバイスを復旧できません")
	return fatal
}

// closeAsync はロック保持中に呼ぶ。デバイスを別のゴルーチンで閉じ、結果を返り値に送る
// 前のクローズが残っていればその完了を待ってから閉じる
// onClosed はクローズ後、取得の受け付けを再開する前にロック中で呼ばれる
func (a *Arbiter) closeAsync(onClosed func(error)) <-chan error {
	prev := a.closing
	done := make(chan struct{})
	result := make(chan error, 1)
	a.closing = done
	go func() {
		if prev != nil {
			<-prev
		}
		err := a.device.Close()
		a.mu.Lock()
		if onClosed != nil {
			onClosed(err)
		}
		if a.closing == done {
			a.closing = nil
		}
		a.mu.Unlock()
		close(done)
		result <- err
	}()
	return result
}

// awaitClose は CloseTimeout までクローズの完了を待つ
func (a *Arbiter) awaitClose(result <-chan error) error {
	timer := time.NewTimer(a.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case err := <-result:
		return err
	case <-timer.C:
		log.Error().Dur("timeout", a.cfg.CloseTimeout).Msg("カメラデバイスのクローズが応答しません")
		return ErrCloseTimeout
	}
}

// emit はロック保持中に呼ぶ
func (a *Arbiter) emit(ev SessionEvent) {
	ev.At = time.Now()
	a.observer(ev)
}
