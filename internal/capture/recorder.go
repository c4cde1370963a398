package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"banken/internal/artifact"
	"banken/internal/camera"
	"banken/internal/motion"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	// ErrStorage はローカル保存の失敗。セッション単位の致命的エラー
	ErrStorage = errors.New("録画の保存に失敗しました")
	// ErrCooldown はクールダウン中のトリガーで返される
	ErrCooldown = errors.New("録画のクールダウン中です")
	// ErrTooManyFrameErrors はフレーム取得の失敗が許容回数を超えたときに返される
	ErrTooManyFrameErrors = errors.New("フレーム取得の失敗が続いています")
	// ErrNoFrames は1フレームも取得できなかったときに返される
	ErrNoFrames = errors.New("フレームを取得できませんでした")
)

// RecorderConfig は録画の設定
type RecorderConfig struct {
	Dir            string        // 出力ディレクトリ
	Duration       time.Duration // クリップ長
	Cooldown       time.Duration // トリガー間の最小間隔（0で無効）
	MaxFrameErrors int           // 連続フレーム失敗の許容回数
}

// Recorder はモーションイベントごとに録画セッションを取得し、クリップを作成する
type Recorder struct {
	arb       *camera.Arbiter
	newWriter WriterFactory

	mu        sync.Mutex
	cfg       RecorderConfig
	lastStart time.Time
}

// NewRecorder は新しいRecorderを作成する
func NewRecorder(arb *camera.Arbiter, cfg RecorderConfig, newWriter WriterFactory) *Recorder {
	if newWriter == nil {
		newWriter = newMJPEGWriter
	}
	if cfg.MaxFrameErrors <= 0 {
		cfg.MaxFrameErrors = 10
	}
	return &Recorder{arb: arb, cfg: cfg, newWriter: newWriter}
}

// SetTiming は録画時間とクールダウンを変更する
func (r *Recorder) SetTiming(duration, cooldown time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if duration > 0 {
		r.cfg.Duration = duration
	}
	r.cfg.Cooldown = cooldown
}

func (r *Recorder) config() RecorderConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Record は ev に対応するクリップを録画する
// 成功時は PENDING の Artifact を返す。失敗時は書きかけのファイルを残さない
func (r *Recorder) Record(ctx context.Context, ev motion.Event) (*artifact.Artifact, error) {
	cfg := r.config()

	if cfg.Cooldown > 0 {
		r.mu.Lock()
		since := time.Since(r.lastStart)
		if !r.lastStart.IsZero() && since < cfg.Cooldown {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: 残り %s", ErrCooldown, (cfg.Cooldown - since).Round(time.Millisecond))
		}
		r.mu.Unlock()
	}

	sess, err := r.arb.Acquire(ctx, camera.HolderRecorder)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := sess.Release(); err != nil {
			log.Warn().Err(err).Str("session", sess.ID).Msg("録画セッションの返却に失敗")
		}
	}()

	r.mu.Lock()
	r.lastStart = time.Now()
	r.mu.Unlock()

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: 出力ディレクトリの作成に失敗: %v", ErrStorage, err)
	}
	base := filepath.Join(cfg.Dir, fmt.Sprintf("motion_%s_%06d", ev.Wall.Local().Format("20060102_150405"), ev.Seq))
	w, err := r.newWriter(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	logger := log.With().Uint64("seq", ev.Seq).Str("session", sess.ID).Logger()
	logger.Info().Dur("duration", cfg.Duration).Msg("録画を開始します")

	start := time.Now()
	frames, err := r.capture(ctx, sess, w, cfg)
	if err != nil {
		if abortErr := w.Abort(); abortErr != nil {
			logger.Warn().Err(abortErr).Msg("書きかけのクリップの削除に失敗")
		}
		logger.Warn().Err(err).Int("frames", frames).Msg("録画を中断しました")
		return nil, err
	}

	path, size, err := w.Commit()
	if err != nil {
		_ = w.Abort()
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}

	now := time.Now()
	a := &artifact.Artifact{
		ID:        uuid.NewString(),
		Kind:      artifact.KindClip,
		Path:      path,
		CreatedAt: now,
		Duration:  now.Sub(start),
		Size:      size,
		Status:    artifact.StatusPending,
		EventSeq:  ev.Seq,
		UpdatedAt: now,
	}
	logger.Info().Str("path", path).Int("frames", frames).Int64("size", size).Msg("録画が完了しました")
	return a, nil
}

// capture は録画時間が過ぎるまでフレームを書き込み、書き込んだフレーム数を返す
func (r *Recorder) capture(ctx context.Context, sess *camera.Session, w ClipWriter, cfg RecorderConfig) (int, error) {
	recCtx, cancel := context.WithTimeout(ctx, cfg.Duration)
	defer cancel()

	frames := 0
	frameErrs := 0
	for {
		frame, err := sess.ReadFrame(recCtx)
		if err != nil {
			switch {
			case sess.Context().Err() != nil || errors.Is(err, camera.ErrLeaseRevoked) || errors.Is(err, camera.ErrPreempted):
				return frames, fmt.Errorf("録画が中断されました: %w", camera.ErrPreempted)
			case ctx.Err() != nil:
				return frames, ctx.Err()
			case recCtx.Err() != nil:
				if frames == 0 {
					return frames, ErrNoFrames
				}
				return frames, nil
			}

			frameErrs++
			log.Debug().Err(err).Int("consecutive", frameErrs).Msg("フレーム取得に失敗、再試行します")
			if frameErrs > cfg.MaxFrameErrors {
				return frames, fmt.Errorf("%w: %v", ErrTooManyFrameErrors, err)
			}
			continue
		}
		frameErrs = 0

		if err := w.WriteFrame(frame); err != nil {
			return frames, fmt.Errorf("%w: %v", ErrStorage, err)
		}
		frames++
	}
}
