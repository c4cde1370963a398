// Package controller は各コンポーネントを組み立て、起動から停止までを管理する
//
// 流れ:
//   - センサー → デバウンス → イベントログ → フィード・通知・録画トリガー
//   - フィード経由のモード切り替えと停止コマンド
//   - 成果物のアップロードキューとモーションログCSVの定期出力
//
// 停止は、トリガー停止 → カメラ停止 → ワーカー待ち → CSV出力 → キュー排出 の順に進む
package controller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"banken/internal/artifact"
	"banken/internal/camera"
	"banken/internal/capture"
	"banken/internal/config"
	"banken/internal/eventlog"
	"banken/internal/feed"
	"banken/internal/motion"
	"banken/internal/notify"
	"banken/internal/sensor"
	"banken/internal/store"
	"banken/internal/upload"

	"github.com/rs/zerolog/log"
)

// LogArtifactID はモーションログCSVの成果物ID
// 未送信のスナップショットは同じIDでまとめられる
const LogArtifactID = "motion-log"

// streamRetry は配信が異常終了したときに再開するまでの待ち時間
const streamRetry = time.Second

// Deps はコントローラーが所有するコンポーネント
// Run が戻るとすべてクローズされる
type Deps struct {
	Sensor   sensor.Sensor
	Device   camera.Device
	Store    *store.Store
	Remote   upload.Remote         // nil ならアップロードしない
	Notifier notify.Notifier       // nil なら通知しない
	Writer   capture.WriterFactory // nil ならMJPEG
}

// Controller はアプリケーション全体を制御する
type Controller struct {
	cfg      *config.Config
	sensor   sensor.Sensor
	device   camera.Device
	store    *store.Store
	notifier notify.Notifier

	log       *eventlog.Log
	feed      *feed.Feed
	reader    *sensor.Reader
	debouncer *motion.Debouncer
	arbiter   *camera.Arbiter
	recorder  *capture.Recorder
	streamer  *capture.Streamer
	queue     *upload.Queue

	triggers chan motion.Event
	fatal    chan error
	wg       sync.WaitGroup

	streamMu     sync.Mutex
	workCtx      context.Context
	streamCancel context.CancelFunc
	streamDone   chan struct{}

	exportMu     sync.Mutex
	exportedLen  int
	exportedOnce bool
}

// New は設定と依存からコントローラーを組み立てる
// イベントログの履歴を読み込み、シーケンス番号を引き継ぐ
func New(cfg *config.Config, deps Deps) (*Controller, error) {
	if deps.Sensor == nil || deps.Device == nil || deps.Store == nil {
		return nil, errors.New("センサー・カメラ・ストアは必須です")
	}

	elog, err := eventlog.Open(deps.Store)
	if err != nil {
		return nil, fmt.Errorf("イベントログの読み込みに失敗: %w", err)
	}

	c := &Controller{
		cfg:      cfg,
		sensor:   deps.Sensor,
		device:   deps.Device,
		store:    deps.Store,
		notifier: deps.Notifier,
		log:      elog,
		triggers: make(chan motion.Event, 1),
		fatal:    make(chan error, 1),
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}

	c.feed = feed.New(feed.Options{
		StaleAfter:   cfg.Dashboard.StaleAfter,
		MaxIntervals: cfg.Dashboard.MaxIntervals,
	}, capture.NewFrameSlot())
	c.feed.LoadHistory(elog.Snapshot())

	c.reader = sensor.NewReader(deps.Sensor, sensor.ReaderConfig{
		PollTimeout:    cfg.Sensor.PollTimeout,
		Buffer:         cfg.Sensor.Buffer,
		UnhealthyAfter: cfg.Sensor.UnhealthyAfter,
	}, c.feed.SetSensorHealthy)
	c.debouncer = motion.NewDebouncer(cfg.Motion.DebounceWindow, elog.LastSequence())

	c.arbiter = camera.NewArbiter(deps.Device, camera.ArbiterConfig{
		PreemptTimeout: cfg.Camera.PreemptTimeout,
		ResetAttempts:  cfg.Camera.ResetAttempts,
		CloseTimeout:   cfg.Camera.CloseTimeout,
	}, c.observeSession)

	c.recorder = capture.NewRecorder(c.arbiter, capture.RecorderConfig{
		Dir:            cfg.ClipsPath(),
		Duration:       cfg.Record.Duration,
		Cooldown:       cfg.Record.Cooldown,
		MaxFrameErrors: cfg.Record.MaxFrameErrors,
	}, deps.Writer)
	c.streamer = capture.NewStreamer(c.arbiter, c.feed.Frames(), capture.StreamerConfig{
		MaxFrameErrors: cfg.Record.MaxFrameErrors,
	})

	if deps.Remote != nil {
		overflow, err := upload.ParseOverflowPolicy(cfg.Upload.Overflow)
		if err != nil {
			return nil, err
		}
		c.queue = upload.NewQueue(deps.Remote, deps.Store, upload.Options{
			Workers:           cfg.Upload.Workers,
			MaxAttempts:       cfg.Upload.MaxAttempts,
			BaseBackoff:       cfg.Upload.BaseBackoff,
			MaxBackoff:        cfg.Upload.MaxBackoff,
			AttemptTimeout:    cfg.Upload.AttemptTimeout,
			MaxPending:        cfg.Upload.MaxPending,
			Overflow:          overflow,
			DeleteAfterUpload: cfg.Upload.DeleteAfterUpload,
		}, func(artifact.Artifact) { c.refreshUploadCounts() })
	}

	return c, nil
}

// Feed はダッシュボード用のフィードを返す
func (c *Controller) Feed() *feed.Feed {
	return c.feed
}

// SensorReader はセンサーの読み取りループを返す
func (c *Controller) SensorReader() *sensor.Reader {
	return c.reader
}

// Arbiter はカメラアービターを返す
func (c *Controller) Arbiter() *camera.Arbiter {
	return c.arbiter
}

// CameraSettings は設定からカメラデバイスの設定を作る
func CameraSettings(cfg *config.Config) camera.Settings {
	return camera.Settings{
		Device: cfg.Camera.Device,
		FPS:    cfg.Camera.FPS,
		Width:  cfg.Camera.Width,
		Height: cfg.Camera.Height,
	}
}

// ApplyConfig は再読み込みした設定のうち実行中に変更できる値を反映する
// カメラの設定は次にデバイスを開いたときから使われる
func (c *Controller) ApplyConfig(cfg *config.Config) {
	c.debouncer.SetWindow(cfg.Motion.DebounceWindow)
	c.recorder.SetTiming(cfg.Record.Duration, cfg.Record.Cooldown)
	if err := c.device.Configure(CameraSettings(cfg)); err != nil {
		log.Warn().Err(err).Msg("カメラ設定の反映に失敗しました")
	}
	log.Info().
		Dur("debounce", cfg.Motion.DebounceWindow).
		Dur("duration", cfg.Record.Duration).
		Dur("cooldown", cfg.Record.Cooldown).
		Msg("設定を反映しました")
}

// Run は停止コマンド、ctx のキャンセル、致命的エラーのいずれかまでブロックする
// 停止コマンドと ctx による停止では nil を返す
func (c *Controller) Run(ctx context.Context) error {
	triggerCtx, stopTriggers := context.WithCancel(ctx)
	defer stopTriggers()
	// 録画・配信・アップロードは停止手順の中で順に終わらせる
	workCtx, stopWork := context.WithCancel(context.Background())
	defer stopWork()

	c.streamMu.Lock()
	c.workCtx = workCtx
	c.streamMu.Unlock()

	if c.queue != nil {
		if err := c.queue.Start(workCtx); err != nil {
			stopTriggers()
			return c.shutdown(fmt.Errorf("アップロードキューの起動に失敗: %w", err))
		}
	}
	c.refreshUploadCounts()

	initial, err := camera.ParseMode(c.cfg.Dashboard.InitialMode)
	if err != nil {
		log.Warn().Str("mode", c.cfg.Dashboard.InitialMode).Msg("無効な初期モードのため録画モードで起動します")
		initial = camera.ModeRecord
	}
	if err := c.switchMode(ctx, initial); err != nil {
		stopTriggers()
		return c.shutdown(err)
	}

	events := make(chan motion.Event, c.cfg.Sensor.Buffer)
	c.wg.Add(4)
	go func() {
		defer c.wg.Done()
		c.reader.Run(triggerCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.debouncer.Run(triggerCtx, c.reader.Edges(), events)
	}()
	go func() {
		defer c.wg.Done()
		c.eventLoop(events)
	}()
	go func() {
		defer c.wg.Done()
		c.recordLoop(triggerCtx, workCtx)
	}()
	if interval := c.cfg.Upload.LogSnapshotInterval; interval > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.snapshotLoop(triggerCtx, interval)
		}()
	}

	log.Info().Str("mode", string(initial)).Int("history", c.log.Len()).Msg("監視を開始しました")

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("停止シグナルを受信しました")
			break loop
		case err := <-c.fatal:
			runErr = err
			break loop
		case cmd := <-c.feed.Commands():
			if cmd.Kind == feed.CommandStop {
				log.Info().Msg("停止コマンドを受け付けました")
				cmd.Reply <- nil
				break loop
			}
			err := c.switchMode(ctx, cmd.Mode)
			if errors.Is(err, camera.ErrDeviceFatal) {
				c.fail(err)
			}
			cmd.Reply <- err
		}
	}

	stopTriggers()
	return c.shutdown(runErr)
}

// switchMode はカメラのモードを切り替え、配信の開始・停止を行う
func (c *Controller) switchMode(ctx context.Context, m camera.Mode) error {
	if err := c.arbiter.SetMode(ctx, m); err != nil {
		return fmt.Errorf("モードの切り替えに失敗: %w", err)
	}
	c.feed.SetMode(m)
	c.notifier.ModeChanged(m)

	if m == camera.ModeStream {
		c.startStreamer()
	} else {
		c.stopStreamer()
	}
	return nil
}

// startStreamer は配信ゴルーチンを起動する。起動済みなら何もしない
func (c *Controller) startStreamer() {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	if c.streamDone != nil || c.workCtx == nil {
		return
	}

	ctx, cancel := context.WithCancel(c.workCtx)
	done := make(chan struct{})
	c.streamCancel = cancel
	c.streamDone = done

	go func() {
		defer close(done)
		c.runStreamer(ctx)
	}()
}

// stopStreamer は配信ゴルーチンを止めて終了を待つ
func (c *Controller) stopStreamer() {
	c.streamMu.Lock()
	cancel, done := c.streamCancel, c.streamDone
	c.streamCancel, c.streamDone = nil, nil
	c.streamMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Controller) runStreamer(ctx context.Context) {
	for {
		err := c.streamer.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		if errors.Is(err, camera.ErrDeviceFatal) {
			c.fail(err)
			return
		}

		log.Error().Err(err).Msg("配信が異常終了しました")
		c.feed.SetCaptureHealthy(false)
		c.feed.ReportError("stream", err)
		c.notifier.CaptureFailed(err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(streamRetry):
		}
		if c.arbiter.Mode() != camera.ModeStream {
			return
		}
	}
}

// observeSession はアービターのロック中に呼ばれる
// フィードはアービターを呼び返さない
func (c *Controller) observeSession(ev camera.SessionEvent) {
	switch ev.Kind {
	case camera.EventGranted:
		c.feed.SetCaptureHealthy(true)
		if ev.Holder == camera.HolderStreamer {
			c.feed.SetStreaming(true)
		}
	case camera.EventReleased, camera.EventPreempted:
		if ev.Holder == camera.HolderStreamer {
			c.feed.SetStreaming(false)
		}
	case camera.EventReset:
		if ev.Holder == camera.HolderStreamer {
			c.feed.SetStreaming(false)
		}
		c.feed.ReportError("camera", fmt.Errorf("セッション %s を強制リセットしました", ev.SessionID))
	}
}

// eventLoop はイベントを記録し、フィードと通知へ流す
// 録画モードなら録画をトリガーする
func (c *Controller) eventLoop(events <-chan motion.Event) {
	for ev := range events {
		rec, err := c.log.Append(ev)
		switch {
		case err == nil:
		case errors.Is(err, eventlog.ErrStorage):
			log.Error().Err(err).Uint64("seq", ev.Seq).Msg("イベントログを保存できません")
			c.fail(err)
			continue
		default:
			log.Warn().Err(err).Uint64("seq", ev.Seq).Msg("イベントを破棄しました")
			continue
		}

		log.Info().Uint64("seq", ev.Seq).Time("at", ev.Wall).Msg("モーションを検知しました")
		c.feed.RecordMotion(rec)
		c.notifier.MotionDetected(ev)

		if c.arbiter.Mode() != camera.ModeRecord {
			continue
		}
		select {
		case c.triggers <- ev:
		default:
			log.Debug().Uint64("seq", ev.Seq).Msg("録画待ちのトリガーがあるため破棄しました")
		}
	}
}

// recordLoop はトリガーごとに録画する
// 録画中のセッションは停止手順でアービターがプリエンプトする
func (c *Controller) recordLoop(triggerCtx, workCtx context.Context) {
	for {
		select {
		case <-triggerCtx.Done():
			return
		case ev := <-c.triggers:
			c.record(workCtx, ev)
		}
	}
}

func (c *Controller) record(ctx context.Context, ev motion.Event) {
	a, err := c.recorder.Record(ctx, ev)
	switch {
	case err == nil:
	case errors.Is(err, capture.ErrCooldown),
		errors.Is(err, camera.ErrWrongMode),
		errors.Is(err, camera.ErrBusy),
		errors.Is(err, camera.ErrStopped),
		errors.Is(err, camera.ErrPreempted),
		errors.Is(err, camera.ErrLeaseRevoked),
		errors.Is(err, context.Canceled):
		log.Debug().Err(err).Uint64("seq", ev.Seq).Msg("録画をスキップしました")
		return
	case errors.Is(err, camera.ErrDeviceFatal):
		c.fail(err)
		return
	default:
		log.Error().Err(err).Uint64("seq", ev.Seq).Msg("録画に失敗しました")
		if errors.Is(err, camera.ErrDeviceOpen) || errors.Is(err, capture.ErrTooManyFrameErrors) {
			c.feed.SetCaptureHealthy(false)
		}
		c.feed.ReportError("record", err)
		c.notifier.CaptureFailed(err)
		return
	}

	log.Info().Str("id", a.ID).Str("path", a.Path).Int64("size", a.Size).Msg("クリップを保存しました")
	c.submit(*a)
}

// submit は成果物をキューへ渡す。キューがなければ PENDING のまま記録する
func (c *Controller) submit(a artifact.Artifact) {
	var err error
	if c.queue != nil {
		err = c.queue.Enqueue(a)
	} else {
		err = c.store.UpsertArtifact(&a)
	}
	if err != nil {
		log.Error().Err(err).Str("id", a.ID).Msg("成果物の登録に失敗しました")
		c.feed.ReportError("upload", err)
	}
	c.refreshUploadCounts()
}

// snapshotLoop はモーションログCSVを定期的に書き出す
func (c *Controller) snapshotLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.exportLog(false); err != nil {
				log.Error().Err(err).Msg("モーションログの書き出しに失敗しました")
				c.feed.ReportError("log", err)
			}
		}
	}
}

// exportLog はモーションログCSVを書き出して成果物として登録する
// force でなければ前回から増えていないときは何もしない
func (c *Controller) exportLog(force bool) error {
	c.exportMu.Lock()
	defer c.exportMu.Unlock()

	n := c.log.Len()
	if !force && c.exportedOnce && n == c.exportedLen {
		return nil
	}

	path := c.cfg.LogCSVPath()
	if err := c.log.ExportCSV(path); err != nil {
		return err
	}
	c.exportedLen = n
	c.exportedOnce = true

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("モーションログの確認に失敗: %w", err)
	}
	log.Debug().Str("path", path).Int("events", n).Msg("モーションログを書き出しました")

	c.submit(artifact.Artifact{
		ID:        LogArtifactID,
		Kind:      artifact.KindLog,
		Path:      path,
		CreatedAt: time.Now(),
		Size:      info.Size(),
		Status:    artifact.StatusPending,
	})
	return nil
}

func (c *Controller) refreshUploadCounts() {
	counts, err := c.store.CountArtifacts()
	if err != nil {
		log.Warn().Err(err).Msg("成果物の集計に失敗しました")
		return
	}
	c.feed.SetUploadCounts(counts[artifact.StatusPending]+counts[artifact.StatusUploading], counts[artifact.StatusFailed])
}

// fail は致命的エラーを Run へ伝える。最初の1件だけを残す
func (c *Controller) fail(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// shutdown は停止手順を実行し、cause を返す
// 呼ぶ前にトリガーを止めておくこと
func (c *Controller) shutdown(cause error) error {
	if cause != nil {
		log.Error().Err(cause).Msg("致命的なエラーのため停止します")
	} else {
		log.Info().Msg("停止しています")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Camera.PreemptTimeout+time.Second)
	if err := c.arbiter.Stop(stopCtx); err != nil {
		log.Warn().Err(err).Msg("カメラの停止中にエラーが発生しました")
	}
	cancel()
	c.feed.SetMode(camera.ModeIdle)

	c.stopStreamer()
	c.wg.Wait()

	if err := c.sensor.Close(); err != nil {
		log.Warn().Err(err).Msg("センサーのクローズに失敗しました")
	}

	// 保存できなくなったログは書き出さない
	if !errors.Is(cause, eventlog.ErrStorage) {
		if err := c.exportLog(true); err != nil {
			log.Error().Err(err).Msg("最終モーションログの書き出しに失敗しました")
		}
	}

	if c.queue != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), c.cfg.Upload.DrainTimeout)
		if err := c.queue.Stop(drainCtx); err != nil {
			log.Warn().Err(err).Int("pending", c.queue.Len()).Msg("アップロードを中断しました。次回起動時に再開します")
		}
		cancel()
	}

	c.feed.Close()
	c.notifier.Close()
	if err := c.store.Close(); err != nil {
		log.Warn().Err(err).Msg("データベースのクローズに失敗しました")
	}

	log.Info().Msg("停止しました")
	return cause
}

// ExitCode はプロセスの終了コードを返す
// 0: 正常停止 1: その他のエラー 2: カメラ復旧不能 3: イベントログ保存不能
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, camera.ErrDeviceFatal):
		return 2
	case errors.Is(err, eventlog.ErrStorage):
		return 3
	default:
		return 1
	}
}
