package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"banken/internal/artifact"
)

// MockRemote はテスト用のアップロード先
type MockRemote struct {
	mu        sync.Mutex
	failures  map[string]int // ID ごとの残り失敗回数
	permanent bool
	delay     time.Duration
	uploaded  []string
	active    map[string]int
	maxActive int // 同一IDの同時送信数の最大値
	calls     int
}

// NewMockRemote は新しい MockRemote を作成する
func NewMockRemote() *MockRemote {
	return &MockRemote{
		failures: make(map[string]int),
		active:   make(map[string]int),
	}
}

// FailTimes は id の送信を n 回失敗させる
func (m *MockRemote) FailTimes(id string, n int, permanent bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[id] = n
	m.permanent = permanent
}

// SetDelay は1回の送信にかかる時間を設定する
func (m *MockRemote) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Name はアップロード先の名前を返す
func (m *MockRemote) Name() string {
	return "mock"
}

// Upload は送信を模擬する
func (m *MockRemote) Upload(ctx context.Context, a artifact.Artifact) error {
	m.mu.Lock()
	m.calls++
	m.active[a.ID]++
	if m.active[a.ID] > m.maxActive {
		m.maxActive = m.active[a.ID]
	}
	delay := m.delay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.active[a.ID]--
		m.mu.Unlock()
	}()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures[a.ID] > 0 {
		m.failures[a.ID]--
		err := errors.New("模擬アップロードエラー")
		if m.permanent {
			return Permanent(err)
		}
		return err
	}
	m.uploaded = append(m.uploaded, a.ID)
	return nil
}

// Uploaded は送信に成功したIDを順に返す
func (m *MockRemote) Uploaded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.uploaded...)
}

// Calls は Upload が呼ばれた回数を返す
func (m *MockRemote) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MaxConcurrentPerID は同一IDの同時送信数の最大値を返す
func (m *MockRemote) MaxConcurrentPerID() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maxActive
}
