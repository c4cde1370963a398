package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Session はカメラの排他リース
// システム全体で同時に存在するのは高々1つ
type Session struct {
	ID        string
	Holder    Holder
	StartedAt time.Time

	arb    *Arbiter
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu      sync.RWMutex
	revoked bool
}

func newSession(arb *Arbiter, id string, holder Holder) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        id,
		Holder:    holder,
		StartedAt: time.Now(),
		arb:       arb,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Context はモード切り替えや停止でキャンセルされるコンテキストを返す
func (s *Session) Context() context.Context {
	return s.ctx
}

// Done はリースが終了するとクローズされる
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Revoked はリースが無効になっているかを返す
func (s *Session) Revoked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revoked
}

// ReadFrame はリースを通してデバイスからフレームを読む
// デバイスへのアクセスはこの経路のみ
func (s *Session) ReadFrame(ctx context.Context) ([]byte, error) {
	if s.Revoked() {
		return nil, ErrLeaseRevoked
	}
	if s.ctx.Err() != nil {
		return nil, ErrPreempted
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	frame, err := s.arb.device.ReadFrame(rctx)

	// 読み取り中に解放・リセットされた場合はフレームを捨てる
	if s.Revoked() {
		return nil, ErrLeaseRevoked
	}
	if err != nil {
		if s.ctx.Err() != nil && ctx.Err() == nil {
			return nil, ErrPreempted
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("フレームの取得に失敗: %w", err)
	}
	return frame, nil
}

// Release はリースを返却する。冪等
func (s *Session) Release() error {
	return s.arb.Release(s)
}

// end はリースを無効化し、待機者に通知する
func (s *Session) end() {
	s.once.Do(func() {
		s.mu.Lock()
		s.revoked = true
		s.mu.Unlock()
		s.cancel()
		close(s.done)
	})
}
