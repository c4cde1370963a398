package sensor

import (
	"context"
	"sync"
	"time"
)

// MockSensor はテスト用、GPIOのないホスト用のセンサー
// Push したエッジ、または InjectError したエラーを順に返す
type MockSensor struct {
	mu     sync.Mutex
	queue  []mockItem
	notify chan struct{}
	closed bool
}

type mockItem struct {
	edge Edge
	err  error
}

// NewMockSensor は新しいモックセンサーを作成する
func NewMockSensor() *MockSensor {
	return &MockSensor{notify: make(chan struct{}, 1)}
}

// Push はエッジを追加する
func (m *MockSensor) Push(e Edge) {
	m.add(mockItem{edge: e})
}

// Trigger は現在時刻のアクティブエッジを追加する
func (m *MockSensor) Trigger() {
	m.Push(Edge{Active: true, At: time.Now()})
}

// InjectError は次の読み取りで返すエラーを追加する
func (m *MockSensor) InjectError(err error) {
	m.add(mockItem{err: err})
}

func (m *MockSensor) add(it mockItem) {
	m.mu.Lock()
	m.queue = append(m.queue, it)
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// WaitForEdge はキューの先頭を返す。空なら timeout まで待つ
func (m *MockSensor) WaitForEdge(ctx context.Context, timeout time.Duration) (Edge, bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Edge{}, false, ErrClosed
		}
		if len(m.queue) > 0 {
			it := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			if it.err != nil {
				return Edge{}, false, it.err
			}
			return it.edge, true, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return Edge{}, false, ctx.Err()
		case <-timer.C:
			return Edge{}, false, nil
		case <-m.notify:
		}
	}
}

// Close はセンサーをクローズする
func (m *MockSensor) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}
