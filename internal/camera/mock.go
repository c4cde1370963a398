package camera

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockDevice はテスト用、カメラのないホスト用のデバイス
// 連番入りの擬似JPEGフレームを一定間隔で返す
type MockDevice struct {
	mu            sync.Mutex
	settings      Settings
	open          bool
	closeCh       chan struct{}
	openCount     int
	closeCount    int
	frameNo       uint64
	failOpen      int // 残り何回 Open を失敗させるか（負なら常に失敗）
	frameErrs     []error
	blockReads    bool
	ignoreContext bool
	interval      time.Duration
}

// NewMockDevice は新しいMockDeviceを作成する
func NewMockDevice(settings Settings) *MockDevice {
	interval := time.Second / 30
	if settings.FPS > 0 {
		interval = time.Second / time.Duration(settings.FPS)
	}
	return &MockDevice{settings: settings, interval: interval}
}

// SetFailOpen は次の n 回の Open を失敗させる。負なら常に失敗する
func (m *MockDevice) SetFailOpen(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOpen = n
}

// InjectFrameError は次の読み取りで返すエラーを追加する
func (m *MockDevice) InjectFrameError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameErrs = append(m.frameErrs, err)
}

// SetBlockReads は読み取りをブロックさせる
// ignoreContext が true なら ctx のキャンセルも無視し、Close まで戻らない
func (m *MockDevice) SetBlockReads(block, ignoreContext bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockReads = block
	m.ignoreContext = ignoreContext
}

// SetFrameInterval はフレーム間隔を変更する
func (m *MockDevice) SetFrameInterval(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interval = d
}

// IsOpen はデバイスが開いているかを返す
func (m *MockDevice) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// OpenCount は Open に成功した回数を返す
func (m *MockDevice) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openCount
}

// CloseCount は開いていたデバイスを閉じた回数を返す
func (m *MockDevice) CloseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

// Settings は現在の設定を返す
func (m *MockDevice) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Configure は設定を変更する
func (m *MockDevice) Configure(settings Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = settings
	return nil
}

// Open はデバイスを開く
func (m *MockDevice) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return fmt.Errorf("デバイスは既に開いています: %s", m.settings.Device)
	}
	if m.failOpen != 0 {
		if m.failOpen > 0 {
			m.failOpen--
		}
		return fmt.Errorf("%w: %s", ErrDeviceOpen, m.settings.Device)
	}
	m.open = true
	m.closeCh = make(chan struct{})
	m.openCount++
	return nil
}

// ReadFrame は次のフレームを返す
func (m *MockDevice) ReadFrame(ctx context.Context) ([]byte, error) {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return nil, ErrDeviceClosed
	}
	closeCh := m.closeCh
	if len(m.frameErrs) > 0 {
		err := m.frameErrs[0]
		m.frameErrs = m.frameErrs[1:]
		m.mu.Unlock()
		return nil, err
	}
	block, ignore, interval := m.blockReads, m.ignoreContext, m.interval
	m.mu.Unlock()

	if block {
		if ignore {
			<-closeCh
			return nil, ErrDeviceClosed
		}
		select {
		case <-closeCh:
			return nil, ErrDeviceClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-closeCh:
		return nil, ErrDeviceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}

	m.mu.Lock()
	m.frameNo++
	n := m.frameNo
	m.mu.Unlock()
	return MockFrame(n), nil
}

// Close はデバイスを閉じる
func (m *MockDevice) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil
	}
	m.open = false
	m.closeCount++
	close(m.closeCh)
	return nil
}

// MockFrame は SOI/EOI で囲まれた擬似JPEGフレームを返す
func MockFrame(n uint64) []byte {
	payload := fmt.Sprintf("frame-%d", n)
	frame := make([]byte, 0, len(payload)+4)
	frame = append(frame, jpegSOI...)
	frame = append(frame, payload...)
	frame = append(frame, jpegEOI...)
	return frame
}
