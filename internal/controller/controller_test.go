package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"banken/internal/artifact"
	"banken/internal/camera"
	"banken/internal/config"
	"banken/internal/eventlog"
	"banken/internal/metrics"
	"banken/internal/motion"
	"banken/internal/sensor"
	"banken/internal/store"
	"banken/internal/upload"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Sensor.Driver = "mock"
	cfg.Sensor.PollTimeout = 20 * time.Millisecond
	cfg.Motion.DebounceWindow = 50 * time.Millisecond
	cfg.Camera.Driver = "mock"
	cfg.Camera.PreemptTimeout = 200 * time.Millisecond
	cfg.Camera.ResetAttempts = 1
	cfg.Record.Duration = 100 * time.Millisecond
	cfg.Upload.BaseBackoff = 10 * time.Millisecond
	cfg.Upload.MaxBackoff = 50 * time.Millisecond
	cfg.Upload.LogSnapshotInterval = 0
	cfg.Upload.DrainTimeout = time.Second
	return cfg
}

type fixture struct {
	ctrl   *Controller
	sensor *sensor.MockSensor
	device *camera.MockDevice
	store  *store.Store
	remote *upload.MockRemote
	done   chan error
}

func startController(t *testing.T, cfg *config.Config, withRemote bool) *fixture {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	fx := &fixture{
		sensor: sensor.NewMockSensor(),
		device: camera.NewMockDevice(camera.Settings{Device: "mock", FPS: 50}),
		store:  st,
		done:   make(chan error, 1),
	}
	deps := Deps{Sensor: fx.sensor, Device: fx.device, Store: st}
	if withRemote {
		fx.remote = upload.NewMockRemote()
		deps.Remote = fx.remote
	}

	fx.ctrl, err = New(cfg, deps)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { fx.done <- fx.ctrl.Run(ctx) }()
	return fx
}

func (fx *fixture) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-fx.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("コントローラーが停止しません")
		return nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("%s を待ちきれませんでした", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestController_MotionRecordsAndUploads はモーションから録画・アップロードまでの流れをテストする
func TestController_MotionRecordsAndUploads(t *testing.T) {
	cfg := testConfig(t)
	fx := startController(t, cfg, true)
	f := fx.ctrl.Feed()

	eventually(t, "録画モード", func() bool { return f.Snapshot().Mode == camera.ModeRecord })

	fx.sensor.Trigger()
	eventually(t, "モーションの記録", func() bool { return f.Snapshot().EventCount == 1 })

	var clip *artifact.Artifact
	eventually(t, "クリップのアップロード", func() bool {
		list, err := fx.store.ListArtifacts(artifact.StatusDone)
		if err != nil {
			return false
		}
		for _, a := range list {
			if a.Kind == artifact.KindClip {
				clip = a
				return true
			}
		}
		return false
	})
	if clip.EventSeq != 1 {
		t.Errorf("EventSeq = %d, want 1", clip.EventSeq)
	}
	if _, err := os.Stat(clip.Path); err != nil {
		t.Errorf("クリップファイルがありません: %v", err)
	}

	if err := f.RequestStop(context.Background()); err != nil {
		t.Fatalf("RequestStop failed: %v", err)
	}
	if err := fx.wait(t); err != nil {
		t.Fatalf("停止コマンドでの終了は nil のはずです: %v", err)
	}

	data, err := os.ReadFile(cfg.LogCSVPath())
	if err != nil {
		t.Fatalf("モーションログCSVがありません: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || lines[0] != "timestamp,seconds_since_last_motion" {
		t.Errorf("CSVの内容が違います: %q", lines)
	}

	uploaded := strings.Join(fx.remote.Uploaded(), ",")
	if !strings.Contains(uploaded, LogArtifactID) {
		t.Errorf("停止時にモーションログがアップロードされていません: %s", uploaded)
	}
}

// TestController_StopDuringStream は配信中の停止でデバイスが閉じられることをテストする
func TestController_StopDuringStream(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dashboard.InitialMode = "stream"
	fx := startController(t, cfg, false)
	f := fx.ctrl.Feed()

	eventually(t, "配信開始", func() bool { return f.Snapshot().Streaming })

	// フレーム待ちのまま ctx も無視させ、強制リセットを通す
	fx.device.SetBlockReads(true, true)
	time.Sleep(50 * time.Millisecond)

	if err := f.RequestStop(context.Background()); err != nil {
		t.Fatalf("RequestStop failed: %v", err)
	}
	if err := fx.wait(t); err != nil {
		t.Fatalf("停止での終了は nil のはずです: %v", err)
	}
	if fx.device.IsOpen() {
		t.Error("停止後もデバイスが開いています")
	}
	if st := fx.ctrl.Arbiter().State(); st.Held || st.Mode != camera.ModeIdle {
		t.Errorf("停止後の状態が違います: %+v", st)
	}
}

// TestController_ModeSwitch はフィード経由のモード切り替えをテストする
func TestController_ModeSwitch(t *testing.T) {
	fx := startController(t, testConfig(t), false)
	f := fx.ctrl.Feed()
	ctx := context.Background()

	eventually(t, "録画モード", func() bool { return f.Snapshot().Mode == camera.ModeRecord })

	if err := f.RequestMode(ctx, camera.ModeStream); err != nil {
		t.Fatalf("配信モードへの切り替えに失敗: %v", err)
	}
	eventually(t, "配信開始", func() bool { return f.Snapshot().Streaming })

	// 配信中のモーションは記録するが録画しない
	fx.sensor.Trigger()
	eventually(t, "モーションの記録", func() bool { return f.Snapshot().EventCount == 1 })

	if err := f.RequestMode(ctx, camera.ModeRecord); err != nil {
		t.Fatalf("録画モードへの切り替えに失敗: %v", err)
	}
	eventually(t, "配信終了", func() bool { return !f.Snapshot().Streaming })
	if fx.device.IsOpen() {
		t.Error("配信終了後もデバイスが開いています")
	}

	list, err := fx.store.ListArtifacts()
	if err != nil {
		t.Fatalf("ListArtifacts failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("配信中のモーションで録画されています: %d 件", len(list))
	}

	if err := f.RequestStop(ctx); err != nil {
		t.Fatalf("RequestStop failed: %v", err)
	}
	if err := fx.wait(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestController_ResumesSequence は再起動後もシーケンス番号を引き継ぐことをテストする
func TestController_ResumesSequence(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer st.Close()

	base := time.Now().Add(-time.Minute)
	for i := 1; i <= 3; i++ {
		ev := motion.Event{Seq: uint64(i), Wall: base.Add(time.Duration(i) * 10 * time.Second)}
		if err := st.InsertMotionEvent(ev); err != nil {
			t.Fatalf("InsertMotionEvent failed: %v", err)
		}
	}

	ctrl, err := New(testConfig(t), Deps{
		Sensor: sensor.NewMockSensor(),
		Device: camera.NewMockDevice(camera.Settings{}),
		Store:  st,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	snap := ctrl.Feed().Snapshot()
	if snap.EventCount != 3 || len(snap.Intervals) != 2 {
		t.Errorf("履歴が反映されていません: count=%d intervals=%v", snap.EventCount, snap.Intervals)
	}
	if got := ctrl.log.LastSequence(); got != 3 {
		t.Errorf("LastSequence = %d, want 3", got)
	}
}

// TestController_StorageFailure はイベントログを保存できないときに終了コード3で止まることをテストする
func TestController_StorageFailure(t *testing.T) {
	fx := startController(t, testConfig(t), false)
	f := fx.ctrl.Feed()
	eventually(t, "録画モード", func() bool { return f.Snapshot().Mode == camera.ModeRecord })

	// データベースを閉じて書き込みを失敗させる
	if err := fx.store.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	fx.sensor.Trigger()

	err := fx.wait(t)
	if !errors.Is(err, eventlog.ErrStorage) {
		t.Fatalf("ErrStorage が期待されましたが %v でした", err)
	}
	if code := ExitCode(err); code != 3 {
		t.Errorf("ExitCode = %d, want 3", code)
	}
}

// hangingDevice は hang 中の Close を release が閉じられるまで止める
type hangingDevice struct {
	*camera.MockDevice
	hang    atomic.Bool
	release chan struct{}
}

func (d *hangingDevice) Close() error {
	if d.hang.Load() {
		<-d.release
	}
	return d.MockDevice.Close()
}

// TestController_MotionLoggedWhileCloseHangs はカメラのクローズが止まってもモーションの記録が続くことをテストする
func TestController_MotionLoggedWhileCloseHangs(t *testing.T) {
	cfg := testConfig(t)
	cfg.Camera.CloseTimeout = 100 * time.Millisecond

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	sens := sensor.NewMockSensor()
	dev := &hangingDevice{
		MockDevice: camera.NewMockDevice(camera.Settings{Device: "mock", FPS: 50}),
		release:    make(chan struct{}),
	}
	dev.hang.Store(true)
	released := false
	defer func() {
		if !released {
			close(dev.release)
		}
	}()

	ctrl, err := New(cfg, Deps{Sensor: sens, Device: dev, Store: st})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx) }()

	f := ctrl.Feed()
	eventually(t, "録画モード", func() bool { return f.Snapshot().Mode == camera.ModeRecord })

	sens.Trigger()
	eventually(t, "録画の開始", func() bool { return dev.OpenCount() == 1 })

	// 録画の返却でクローズが止まったまま、間隔を空けてモーションを送る
	for i := 0; i < 3; i++ {
		time.Sleep(2 * cfg.Motion.DebounceWindow)
		sens.Trigger()
	}
	eventually(t, "クローズ待ち中のモーションの記録", func() bool { return f.Snapshot().EventCount == 4 })
	if m := ctrl.Arbiter().Mode(); m != camera.ModeRecord {
		t.Errorf("Mode = %s, want record", m)
	}

	close(dev.release)
	released = true
	if err := f.RequestStop(context.Background()); err != nil {
		t.Fatalf("RequestStop failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("停止での終了は nil のはずです: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("コントローラーが停止しません")
	}
	if got := ctrl.log.LastSequence(); got != 4 {
		t.Errorf("LastSequence = %d, want 4", got)
	}
}

// TestController_ApplyConfig は再読み込みした設定が反映されることをテストする
func TestController_ApplyConfig(t *testing.T) {
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	defer st.Close()
	dev := camera.NewMockDevice(camera.Settings{Device: "mock", FPS: 15})

	cfg := testConfig(t)
	ctrl, err := New(cfg, Deps{Sensor: sensor.NewMockSensor(), Device: dev, Store: st})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	next := testConfig(t)
	next.Motion.DebounceWindow = 2 * time.Second
	next.Camera.Device = "/dev/video2"
	next.Camera.Width = 640
	next.Camera.Height = 480
	ctrl.ApplyConfig(next)

	if got := ctrl.debouncer.Window(); got != 2*time.Second {
		t.Errorf("Window = %s, want 2s", got)
	}
	want := CameraSettings(next)
	if got := dev.Settings(); got != want {
		t.Errorf("カメラ設定が反映されていません: got %+v, want %+v", got, want)
	}
}

// TestController_SensorErrorsInMetrics はセンサーの読み取りエラーがメトリクスに出ることをテストする
func TestController_SensorErrorsInMetrics(t *testing.T) {
	fx := startController(t, testConfig(t), false)
	f := fx.ctrl.Feed()
	eventually(t, "録画モード", func() bool { return f.Snapshot().Mode == camera.ModeRecord })

	fx.sensor.InjectError(errors.New("gpio read failed"))
	eventually(t, "読み取りエラーの計上", func() bool { return fx.ctrl.SensorReader().Errors() == 1 })

	collector := metrics.NewCollector(f, fx.store, f.Frames())
	collector.Sensor = fx.ctrl.SensorReader()
	rec := httptest.NewRecorder()
	metrics.Handler(collector).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "banken_sensor_read_errors_total 1") {
		t.Errorf("読み取りエラー数がメトリクスにありません:\n%s", body)
	}

	if err := f.RequestStop(context.Background()); err != nil {
		t.Fatalf("RequestStop failed: %v", err)
	}
	if err := fx.wait(t); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestExitCode(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want int
	}{
		{"正常停止", nil, 0},
		{"カメラ復旧不能", fmt.Errorf("wrap: %w", camera.ErrDeviceFatal), 2},
		{"イベントログ保存不能", fmt.Errorf("wrap: %w", eventlog.ErrStorage), 3},
		{"その他", errors.New("boom"), 1},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Errorf("ExitCode() = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := New(testConfig(t), Deps{}); err == nil {
		t.Error("依存が足りないのにエラーになりません")
	}
}
