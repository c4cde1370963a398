package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []SessionEvent
}

func (r *eventRecorder) observe(ev SessionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = string(ev.Holder) + ":" + string(ev.Kind)
	}
	return out
}

func newTestArbiter(t *testing.T, cfg ArbiterConfig) (*Arbiter, *MockDevice, *eventRecorder) {
	t.Helper()
	dev := NewMockDevice(Settings{Device: "/dev/video0", FPS: 200})
	rec := &eventRecorder{}
	if cfg.PreemptTimeout == 0 {
		cfg.PreemptTimeout = time.Second
	}
	return NewArbiter(dev, cfg, rec.observe), dev, rec
}

func TestArbiter_AcquireRules(t *testing.T) {
	ctx := context.Background()
	arb, dev, _ := newTestArbiter(t, ArbiterConfig{})

	// 初期状態は IDLE
	if _, err := arb.Acquire(ctx, HolderRecorder); !errors.Is(err, ErrWrongMode) {
		t.Fatalf("IDLEでの取得は ErrWrongMode のはずです: %v", err)
	}

	if err := arb.SetMode(ctx, ModeRecord); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	s, err := arb.Acquire(ctx, HolderRecorder)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !dev.IsOpen() {
		t.Error("付与時にデバイスが開かれていません")
	}

	testCases := []struct {
		name   string
		holder Holder
	}{
		{"録画中の録画要求", HolderRecorder},
		{"録画中の配信要求", HolderStreamer},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := arb.Acquire(ctx, tc.holder); !errors.Is(err, ErrBusy) {
				t.Errorf("ErrBusy が期待されましたが %v でした", err)
			}
		})
	}

	st := arb.State()
	if !st.Held || st.Holder != HolderRecorder || st.LeaseID != s.ID {
		t.Errorf("状態が違います: %+v", st)
	}

	if err := s.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	// 2回目の Release は何もしない
	if err := s.Release(); err != nil {
		t.Fatalf("2回目の Release でエラー: %v", err)
	}
	if dev.IsOpen() {
		t.Error("返却後もデバイスが開いています")
	}
	if dev.CloseCount() != 1 {
		t.Errorf("クローズ回数が違います: got %d", dev.CloseCount())
	}

	if _, err := arb.Acquire(ctx, HolderStreamer); !errors.Is(err, ErrWrongMode) {
		t.Errorf("RECORDでの配信要求は ErrWrongMode のはずです: %v", err)
	}

	if _, err := s.ReadFrame(ctx); !errors.Is(err, ErrLeaseRevoked) {
		t.Errorf("返却後の読み取りは ErrLeaseRevoked のはずです: %v", err)
	}
}

func TestArbiter_OpenFailure(t *testing.T) {
	ctx := context.Background()
	arb, dev, rec := newTestArbiter(t, ArbiterConfig{})
	_ = arb.SetMode(ctx, ModeRecord)

	dev.SetFailOpen(1)
	if _, err := arb.Acquire(ctx, HolderRecorder); !errors.Is(err, ErrDeviceOpen) {
		t.Fatalf("ErrDeviceOpen が期待されましたが %v でした", err)
	}
	if arb.State().Held {
		t.Error("失敗後にリースが残っています")
	}
	if len(rec.kinds()) != 0 {
		t.Errorf("失敗時にイベントが発行されました: %v", rec.kinds())
	}

	s, err := arb.Acquire(ctx, HolderRecorder)
	if err != nil {
		t.Fatalf("再取得に失敗: %v", err)
	}
	_ = s.Release()
}

// TestArbiter_StreamToRecord は配信の終了が録画の付与より先に起きることをテストする
func TestArbiter_StreamToRecord(t *testing.T) {
	ctx := context.Background()
	arb, _, rec := newTestArbiter(t, ArbiterConfig{})
	_ = arb.SetMode(ctx, ModeStream)

	s, err := arb.Acquire(ctx, HolderStreamer)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// 配信ループ: プリエンプトされるまで読み続ける
	var frames atomic.Int64
	loopDone := make(chan error, 1)
	go func() {
		defer s.Release()
		for {
			if _, err := s.ReadFrame(context.Background()); err != nil {
				loopDone <- err
				return
			}
			frames.Add(1)
		}
	}()

	time.Sleep(30 * time.Millisecond)
	if err := arb.SetMode(ctx, ModeRecord); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}

	if err := <-loopDone; !errors.Is(err, ErrPreempted) {
		t.Errorf("配信ループは ErrPreempted で終わるはずです: %v", err)
	}
	if frames.Load() == 0 {
		t.Error("配信中にフレームが読めていません")
	}

	r, err := arb.Acquire(ctx, HolderRecorder)
	if err != nil {
		t.Fatalf("録画の取得に失敗: %v", err)
	}
	_ = r.Release()

	want := []string{
		"streamer:granted", "streamer:preempted", "streamer:released",
		"recorder:granted", "recorder:released",
	}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("イベント列が違います: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("%d番目のイベントが違います: got %s, want %s", i, got[i], want[i])
		}
	}
}

// TestArbiter_ForcedReset は返却しない保持者の強制リセットをテストする
func TestArbiter_ForcedReset(t *testing.T) {
	ctx := context.Background()
	arb, dev, rec := newTestArbiter(t, ArbiterConfig{PreemptTimeout: 50 * time.Millisecond, ResetAttempts: 2})
	_ = arb.SetMode(ctx, ModeStream)

	s, err := arb.Acquire(ctx, HolderStreamer)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	start := time.Now()
	if err := arb.SetMode(ctx, ModeRecord); err != nil {
		t.Fatalf("再初期化に成功したので SetMode は成功するはずです: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("強制リセットに時間がかかりすぎています: %s", elapsed)
	}

	if _, err := s.ReadFrame(ctx); !errors.Is(err, ErrLeaseRevoked) {
		t.Errorf("リセット後の読み取りは ErrLeaseRevoked のはずです: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Errorf("リセット後の Release でエラー: %v", err)
	}
	if dev.IsOpen() {
		t.Error("リセット後もデバイスが開いています")
	}
	if arb.Mode() != ModeRecord {
		t.Errorf("モードが切り替わっていません: %s", arb.Mode())
	}

	found := false
	for _, k := range rec.kinds() {
		if k == "streamer:reset" {
			found = true
		}
	}
	if !found {
		t.Errorf("reset イベントがありません: %v", rec.kinds())
	}
}

// TestArbiter_ResetFailureIsFatal は再初期化できないときに致命的エラーになることをテストする
func TestArbiter_ResetFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	arb, dev, _ := newTestArbiter(t, ArbiterConfig{PreemptTimeout: 20 * time.Millisecond, ResetAttempts: 2})
	_ = arb.SetMode(ctx, ModeRecord)

	if _, err := arb.Acquire(ctx, HolderRecorder); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	dev.SetFailOpen(-1)

	if err := arb.SetMode(ctx, ModeStream); !errors.Is(err, ErrDeviceFatal) {
		t.Fatalf("ErrDeviceFatal が期待されましたが %v でした", err)
	}
	if arb.Fatal() == nil {
		t.Error("Fatal() が nil です")
	}
	if _, err := arb.Acquire(ctx, HolderRecorder); !errors.Is(err, ErrDeviceFatal) {
		t.Errorf("致命的エラー後の取得は ErrDeviceFatal のはずです: %v", err)
	}
}

func TestArbiter_Stop(t *testing.T) {
	ctx := context.Background()
	arb, dev, _ := newTestArbiter(t, ArbiterConfig{PreemptTimeout: 500 * time.Millisecond})
	_ = arb.SetMode(ctx, ModeStream)

	s, err := arb.Acquire(ctx, HolderStreamer)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	dev.SetBlockReads(true, false)

	readErr := make(chan error, 1)
	go func() {
		_, err := s.ReadFrame(context.Background())
		readErr <- err
		_ = s.Release()
	}()

	time.Sleep(20 * time.Millisecond)
	if err := arb.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	select {
	case err := <-readErr:
		if !errors.Is(err, ErrPreempted) {
			t.Errorf("読み取りは ErrPreempted で終わるはずです: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("停止中の読み取りが戻りません")
	}

	if dev.IsOpen() {
		t.Error("停止後もデバイスが開いています")
	}
	if arb.Mode() != ModeIdle {
		t.Errorf("停止後のモードは IDLE のはずです: %s", arb.Mode())
	}
	if _, err := arb.Acquire(ctx, HolderStreamer); !errors.Is(err, ErrStopped) {
		t.Errorf("停止後の取得は ErrStopped のはずです: %v", err)
	}
	if err := arb.SetMode(ctx, ModeRecord); !errors.Is(err, ErrStopped) {
		t.Errorf("停止後の SetMode は ErrStopped のはずです: %v", err)
	}
}

// TestArbiter_AtMostOneSession は並行な取得とモード切り替えの下でもリースが高々1つであることをテストする
func TestArbiter_AtMostOneSession(t *testing.T) {
	var outstanding, maxSeen atomic.Int64
	observer := func(ev SessionEvent) {
		switch ev.Kind {
		case EventGranted:
			n := outstanding.Add(1)
			for {
				m := maxSeen.Load()
				if n <= m || maxSeen.CompareAndSwap(m, n) {
					break
				}
			}
		case EventReleased, EventReset:
			outstanding.Add(-1)
		}
	}
	dev := NewMockDevice(Settings{Device: "/dev/video0", FPS: 1000})
	arb := NewArbiter(dev, ArbiterConfig{PreemptTimeout: 200 * time.Millisecond}, observer)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = arb.SetMode(ctx, ModeRecord)

	var wg sync.WaitGroup
	worker := func(h Holder) {
		defer wg.Done()
		for ctx.Err() == nil {
			s, err := arb.Acquire(ctx, h)
			if err != nil {
				time.Sleep(time.Millisecond)
				continue
			}
			for i := 0; i < 3; i++ {
				if _, err := s.ReadFrame(ctx); err != nil {
					break
				}
			}
			_ = s.Release()
		}
	}
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go worker(HolderRecorder)
		go worker(HolderStreamer)
	}

	modes := []Mode{ModeStream, ModeRecord}
	for i := 0; ctx.Err() == nil; i++ {
		_ = arb.SetMode(context.Background(), modes[i%2])
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	if maxSeen.Load() > 1 {
		t.Errorf("同時に %d 個のリースが存在しました", maxSeen.Load())
	}
	if outstanding.Load() != 0 {
		t.Errorf("未返却のリースがあります: %d", outstanding.Load())
	}
}

// hangingDevice は hang 中の Close を release が閉じられるまで止める
type hangingDevice struct {
	*MockDevice
	hang    atomic.Bool
	release chan struct{}
}

func newHangingDevice() *hangingDevice {
	return &hangingDevice{
		MockDevice: NewMockDevice(Settings{Device: "/dev/video0", FPS: 200}),
		release:    make(chan struct{}),
	}
}

func (d *hangingDevice) Close() error {
	if d.hang.Load() {
		<-d.release
	}
	return d.MockDevice.Close()
}

// TestArbiter_CloseDoesNotHoldLock はクローズが止まっていてもモード参照と切り替えが進むことをテストする
func TestArbiter_CloseDoesNotHoldLock(t *testing.T) {
	ctx := context.Background()
	dev := newHangingDevice()
	arb := NewArbiter(dev, ArbiterConfig{
		PreemptTimeout: 50 * time.Millisecond,
		CloseTimeout:   50 * time.Millisecond,
	}, nil)
	_ = arb.SetMode(ctx, ModeRecord)

	s, err := arb.Acquire(ctx, HolderRecorder)
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	dev.hang.Store(true)

	released := make(chan error, 1)
	go func() { released <- s.Release() }()

	modeRead := make(chan Mode, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = arb.State()
		modeRead <- arb.Mode()
	}()
	select {
	case m := <-modeRead:
		if m != ModeRecord {
			t.Errorf("Mode = %s, want record", m)
		}
	case <-time.After(time.Second):
		t.Fatal("クローズ中にモードを参照できません")
	}

	select {
	case err := <-released:
		if !errors.Is(err, ErrCloseTimeout) {
			t.Errorf("ErrCloseTimeout が期待されましたが %v でした", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Release がクローズのタイムアウトで戻りません")
	}

	if _, err := arb.Acquire(ctx, HolderRecorder); !errors.Is(err, ErrBusy) {
		t.Errorf("クローズ中の取得は ErrBusy のはずです: %v", err)
	}
	if err := arb.SetMode(ctx, ModeStream); err != nil {
		t.Fatalf("クローズ中でも SetMode は進むはずです: %v", err)
	}

	close(dev.release)
	deadline := time.Now().Add(time.Second)
	for {
		st, err := arb.Acquire(ctx, HolderStreamer)
		if err == nil {
			_ = st.Release()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("クローズ完了後も取得できません: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestArbiter_ForcedResetWithHungClose は閉じられないデバイスの強制リセットが期限内に致命的エラーになることをテストする
func TestArbiter_ForcedResetWithHungClose(t *testing.T) {
	ctx := context.Background()
	dev := newHangingDevice()
	defer close(dev.release)
	arb := NewArbiter(dev, ArbiterConfig{
		PreemptTimeout: 30 * time.Millisecond,
		CloseTimeout:   30 * time.Millisecond,
		ResetAttempts:  1,
	}, nil)
	_ = arb.SetMode(ctx, ModeStream)

	// 返却しない保持者
	if _, err := arb.Acquire(ctx, HolderStreamer); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	dev.hang.Store(true)

	start := time.Now()
	if err := arb.SetMode(ctx, ModeRecord); !errors.Is(err, ErrDeviceFatal) {
		t.Fatalf("ErrDeviceFatal が期待されましたが %v でした", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("強制リセットに時間がかかりすぎています: %s", elapsed)
	}
	if arb.State().Held {
		t.Error("強制リセット後もリースが残っています")
	}
}
