package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"banken/internal/camera"

	"github.com/rs/zerolog/log"
)

// StreamerConfig は配信の設定
type StreamerConfig struct {
	BusyWait       time.Duration // ErrBusy のときに再試行する合計時間
	RetryInterval  time.Duration
	MaxFrameErrors int
}

// Streamer は配信セッションを保持し、フレームをFrameSlotへ流す
type Streamer struct {
	arb  *camera.Arbiter
	slot *FrameSlot
	cfg  StreamerConfig
}

// NewStreamer は新しいStreamerを作成する
func NewStreamer(arb *camera.Arbiter, slot *FrameSlot, cfg StreamerConfig) *Streamer {
	if cfg.BusyWait <= 0 {
		cfg.BusyWait = 5 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 50 * time.Millisecond
	}
	if cfg.MaxFrameErrors <= 0 {
		cfg.MaxFrameErrors = 10
	}
	return &Streamer{arb: arb, slot: slot, cfg: cfg}
}

// Run はセッションがキャンセルされるか ctx が終わるまで配信する
// モードが STREAM でなくなっていれば何もせず nil を返す
func (s *Streamer) Run(ctx context.Context) error {
	sess, err := s.acquire(ctx)
	if err != nil {
		if errors.Is(err, camera.ErrWrongMode) || errors.Is(err, camera.ErrStopped) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	defer func() {
		// 次のセッションの視聴者に古いフレームを見せない
		s.slot.Reset()
		if err := sess.Release(); err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("配信セッションの返却に失敗")
		}
	}()

	log.Info().Str("session", sess.ID).Msg("配信を開始します")
	frames := 0
	frameErrs := 0
	for {
		frame, err := sess.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || sess.Context().Err() != nil ||
				errors.Is(err, camera.ErrPreempted) || errors.Is(err, camera.ErrLeaseRevoked) {
				log.Info().Str("session", sess.ID).Int("frames", frames).Msg("配信を終了します")
				return nil
			}
			frameErrs++
			if frameErrs > s.cfg.MaxFrameErrors {
				return fmt.Errorf("%w: %v", ErrTooManyFrameErrors, err)
			}
			continue
		}
		frameErrs = 0
		frames++
		s.slot.Publish(frame)
	}
}

// acquire はモード切り替え直後の ErrBusy を短時間だけ再試行する
func (s *Streamer) acquire(ctx context.Context) (*camera.Session, error) {
	deadline := time.Now().Add(s.cfg.BusyWait)
	for {
		sess, err := s.arb.Acquire(ctx, camera.HolderStreamer)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, camera.ErrBusy) || time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.cfg.RetryInterval):
		}
	}
}
