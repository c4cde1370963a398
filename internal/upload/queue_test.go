package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"banken/internal/artifact"
	"banken/internal/config"
	"banken/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testOptions() Options {
	return Options{
		Workers:        2,
		MaxAttempts:    3,
		BaseBackoff:    time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		AttemptTimeout: time.Second,
	}
}

func clip(id string) artifact.Artifact {
	return artifact.Artifact{
		ID:        id,
		Kind:      artifact.KindClip,
		Path:      "/tmp/" + id + ".mjpeg",
		CreatedAt: time.Now(),
	}
}

// waitStatus はストア上の状態が want になるまで待つ
func waitStatus(t *testing.T, s *store.Store, id string, want artifact.Status) *artifact.Artifact {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		a, err := s.GetArtifact(id)
		if err == nil && a.Status == want {
			return a
		}
		time.Sleep(5 * time.Millisecond)
	}
	a, _ := s.GetArtifact(id)
	t.Fatalf("%s が %s になりませんでした: %+v", id, want, a)
	return nil
}

func stopQueue(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
}

func TestQueue_Retry(t *testing.T) {
	testCases := []struct {
		name         string
		failures     int
		permanent    bool
		wantStatus   artifact.Status
		wantAttempts int
	}{
		{"失敗なし", 0, false, artifact.StatusDone, 1},
		{"上限以内の一時的な失敗", 2, false, artifact.StatusDone, 3},
		{"上限を超える一時的な失敗", 5, false, artifact.StatusFailed, 3},
		{"恒久的な失敗", 1, true, artifact.StatusFailed, 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestStore(t)
			remote := NewMockRemote()
			remote.FailTimes("a1", tc.failures, tc.permanent)

			var mu sync.Mutex
			var seen []artifact.Status
			q := NewQueue(remote, s, testOptions(), func(a artifact.Artifact) {
				mu.Lock()
				seen = append(seen, a.Status)
				mu.Unlock()
			})
			if err := q.Start(context.Background()); err != nil {
				t.Fatalf("Start() failed: %v", err)
			}
			defer stopQueue(t, q)

			if err := q.Enqueue(clip("a1")); err != nil {
				t.Fatalf("Enqueue() failed: %v", err)
			}
			got := waitStatus(t, s, "a1", tc.wantStatus)
			if got.Attempts != tc.wantAttempts {
				t.Errorf("試行回数が違います: got %d, want %d", got.Attempts, tc.wantAttempts)
			}
			if tc.wantStatus == artifact.StatusFailed && got.LastError == "" {
				t.Error("最後のエラーが記録されていません")
			}

			mu.Lock()
			defer mu.Unlock()
			if len(seen) < 2 || seen[0] != artifact.StatusPending || seen[1] != artifact.StatusUploading {
				t.Errorf("状態遷移が違います: %v", seen)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	base := time.Second
	max := 10 * time.Second
	testCases := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("n=%d", tc.n), func(t *testing.T) {
			if got := Backoff(base, max, tc.n); got != tc.want {
				t.Errorf("Backoff(%d) = %s, want %s", tc.n, got, tc.want)
			}
		})
	}
}

// TestQueue_EnqueueBeforeStart は起動前の投入がまとめられ、上限が効くことをテストする
func TestQueue_EnqueueBeforeStart(t *testing.T) {
	t.Run("同じIDはまとめられる", func(t *testing.T) {
		q := NewQueue(NewMockRemote(), newTestStore(t), testOptions(), nil)
		_ = q.Enqueue(clip("a1"))
		_ = q.Enqueue(clip("a1"))
		if q.Len() != 1 {
			t.Errorf("保留数が違います: %d", q.Len())
		}
	})

	t.Run("rejectは新しいものを拒否する", func(t *testing.T) {
		opts := testOptions()
		opts.MaxPending = 2
		opts.Overflow = OverflowReject
		q := NewQueue(NewMockRemote(), newTestStore(t), opts, nil)
		_ = q.Enqueue(clip("a1"))
		_ = q.Enqueue(clip("a2"))
		if err := q.Enqueue(clip("a3")); !errors.Is(err, ErrQueueFull) {
			t.Errorf("ErrQueueFull が期待されましたが %v でした", err)
		}
		if q.Len() != 2 {
			t.Errorf("保留数が違います: %d", q.Len())
		}
	})

	t.Run("drop_oldestは古いものを破棄する", func(t *testing.T) {
		s := newTestStore(t)
		opts := testOptions()
		opts.MaxPending = 2
		opts.Overflow = OverflowDropOldest
		q := NewQueue(NewMockRemote(), s, opts, nil)
		_ = q.Enqueue(clip("a1"))
		_ = q.Enqueue(clip("a2"))
		if err := q.Enqueue(clip("a3")); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		if q.Len() != 2 {
			t.Errorf("保留数が違います: %d", q.Len())
		}
		a, err := s.GetArtifact("a1")
		if err != nil {
			t.Fatal(err)
		}
		if a.Status != artifact.StatusFailed {
			t.Errorf("破棄された成果物の状態が違います: %s", a.Status)
		}
	})
}

// TestQueue_NoConcurrentSameID は同じIDが並行して送られないことをテストする
func TestQueue_NoConcurrentSameID(t *testing.T) {
	s := newTestStore(t)
	remote := NewMockRemote()
	remote.SetDelay(10 * time.Millisecond)

	opts := testOptions()
	opts.Workers = 4
	q := NewQueue(remote, s, opts, nil)
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		if err := q.Enqueue(clip("same")); err != nil {
			t.Fatalf("Enqueue() failed: %v", err)
		}
		time.Sleep(3 * time.Millisecond)
	}
	waitStatus(t, s, "same", artifact.StatusDone)
	time.Sleep(50 * time.Millisecond)
	stopQueue(t, q)

	if got := remote.MaxConcurrentPerID(); got != 1 {
		t.Errorf("同じIDが同時に %d 件送信されました", got)
	}
}

// TestQueue_ResubmitWhileUploading はアップロード中に届いた新しい版が保存され、送り直されることをテストする
func TestQueue_ResubmitWhileUploading(t *testing.T) {
	s := newTestStore(t)
	remote := NewMockRemote()
	remote.SetDelay(50 * time.Millisecond)

	q := NewQueue(remote, s, testOptions(), nil)
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopQueue(t, q)

	first := clip("motion-log")
	first.Kind = artifact.KindLog
	first.Size = 10
	if err := q.Enqueue(first); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	waitStatus(t, s, "motion-log", artifact.StatusUploading)

	second := first
	second.Size = 999
	if err := q.Enqueue(second); err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	got, err := s.GetArtifact("motion-log")
	if err != nil {
		t.Fatalf("GetArtifact() failed: %v", err)
	}
	if got.Size != 999 || got.Status != artifact.StatusPending {
		t.Errorf("再送待ちの版が保存されていません: size=%d status=%s", got.Size, got.Status)
	}

	done := waitStatus(t, s, "motion-log", artifact.StatusDone)
	if done.Size != 999 {
		t.Errorf("Size = %d, want 999", done.Size)
	}
	if n := len(remote.Uploaded()); n != 2 {
		t.Errorf("送信回数 = %d, want 2", n)
	}
}

// TestQueue_Restart は停止時に残った成果物が次回の起動で送られることをテストする
func TestQueue_Restart(t *testing.T) {
	s := newTestStore(t)

	first := NewQueue(NewMockRemote(), s, testOptions(), nil)
	_ = first.Enqueue(clip("a1"))
	_ = first.Enqueue(clip("a2"))
	stopQueue(t, first)

	waitStatus(t, s, "a1", artifact.StatusPending)
	if err := s.UpdateArtifactStatus("a2", artifact.StatusUploading, 1, ""); err != nil {
		t.Fatal(err)
	}

	remote := NewMockRemote()
	second := NewQueue(remote, s, testOptions(), nil)
	if err := second.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopQueue(t, second)

	waitStatus(t, s, "a1", artifact.StatusDone)
	waitStatus(t, s, "a2", artifact.StatusDone)
	if len(remote.Uploaded()) != 2 {
		t.Errorf("再投入された成果物が送られていません: %v", remote.Uploaded())
	}

	if err := first.Enqueue(clip("a3")); !errors.Is(err, ErrStopped) {
		t.Errorf("停止後の Enqueue は ErrStopped のはずです: %v", err)
	}
}

// TestQueue_StopDrains は停止時に待機中の項目が送り切られることをテストする
func TestQueue_StopDrains(t *testing.T) {
	s := newTestStore(t)
	remote := NewMockRemote()
	remote.SetDelay(20 * time.Millisecond)
	q := NewQueue(remote, s, testOptions(), nil)
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		if err := q.Enqueue(clip(id)); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.Stop(ctx); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	for _, id := range []string{"d1", "d2", "d3"} {
		waitStatus(t, s, id, artifact.StatusDone)
	}
}

// TestQueue_StopInterruptsUpload は期限切れの停止で送信が中断されることをテストする
func TestQueue_StopInterruptsUpload(t *testing.T) {
	s := newTestStore(t)
	remote := NewMockRemote()
	remote.SetDelay(5 * time.Second)
	q := NewQueue(remote, s, testOptions(), nil)
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	_ = q.Enqueue(clip("slow"))
	waitStatus(t, s, "slow", artifact.StatusUploading)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Stop(ctx); err == nil {
		t.Error("タイムアウトのエラーが期待されました")
	}
	a := waitStatus(t, s, "slow", artifact.StatusPending)
	if a.Attempts != 0 {
		t.Errorf("中断された送信が試行回数に数えられています: %d", a.Attempts)
	}
}

func TestQueue_DeleteAfterUpload(t *testing.T) {
	s := newTestStore(t)
	path := filepath.Join(t.TempDir(), "clip.mjpeg")
	if err := os.WriteFile(path, []byte("frames"), 0o644); err != nil {
		t.Fatal(err)
	}

	opts := testOptions()
	opts.DeleteAfterUpload = true
	q := NewQueue(NewMockRemote(), s, opts, nil)
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer stopQueue(t, q)

	a := clip("a1")
	a.Path = path
	_ = q.Enqueue(a)
	waitStatus(t, s, "a1", artifact.StatusDone)

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("アップロード済みファイルが残っています: %v", err)
	}
}

func TestHTTPRemote(t *testing.T) {
	path := filepath.Join(t.TempDir(), "motion_20240501_120000_000001.mjpeg")
	if err := os.WriteFile(path, []byte("frames"), 0o644); err != nil {
		t.Fatal(err)
	}

	testCases := []struct {
		name          string
		status        int
		wantErr       bool
		wantPermanent bool
	}{
		{"成功", http.StatusCreated, false, false},
		{"サーバーエラーは再試行する", http.StatusServiceUnavailable, true, false},
		{"クライアントエラーは再試行しない", http.StatusForbidden, true, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var gotPath, gotAuth, gotBody string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPut {
					t.Errorf("PUT が期待されましたが %s でした", r.Method)
				}
				gotPath = r.URL.Path
				gotAuth = r.Header.Get("Authorization")
				b, _ := io.ReadAll(r.Body)
				gotBody = string(b)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			remote := NewHTTPRemote(srv.URL+"/uploads/", "secret")
			a := clip("a1")
			a.Path = path
			err := remote.Upload(context.Background(), a)

			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
			if IsPermanent(err) != tc.wantPermanent {
				t.Errorf("IsPermanent = %v, want %v", IsPermanent(err), tc.wantPermanent)
			}
			if gotPath != "/uploads/motion_20240501_120000_000001.mjpeg" {
				t.Errorf("送信先のパスが違います: %s", gotPath)
			}
			if gotAuth != "Bearer secret" {
				t.Errorf("認証ヘッダーが違います: %q", gotAuth)
			}
			if gotBody != "frames" {
				t.Errorf("送信内容が違います: %q", gotBody)
			}
		})
	}

	t.Run("ファイルがなければ再試行しない", func(t *testing.T) {
		remote := NewHTTPRemote("http://127.0.0.1:1", "")
		a := clip("missing")
		a.Path = filepath.Join(t.TempDir(), "missing.mjpeg")
		if err := remote.Upload(context.Background(), a); !IsPermanent(err) {
			t.Errorf("恒久的なエラーが期待されましたが %v でした", err)
		}
	})
}

func TestNewRemote(t *testing.T) {
	r, err := NewRemote(configFor("none"))
	if err != nil || r != nil {
		t.Errorf("none では nil が期待されました: %v, %v", r, err)
	}
	if _, err := NewRemote(configFor("rclone")); err == nil {
		t.Error("remote 未設定の rclone はエラーになるはずです")
	}
	if _, err := NewRemote(configFor("ftp")); err == nil {
		t.Error("未対応の backend はエラーになるはずです")
	}
}

func configFor(backend string) config.UploadConfig {
	cfg := config.DefaultConfig().Upload
	cfg.Backend = backend
	return cfg
}
