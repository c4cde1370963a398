package sensor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/host"
)

// GPIOSensor はperiph.io経由でGPIOピンを読むPIRセンサー
type GPIOSensor struct {
	pin    gpio.PinIO
	mu     sync.Mutex
	closed bool
}

// NewGPIOSensor はピン名（例: GPIO17）からセンサーを初期化する
func NewGPIOSensor(pinName string) (*GPIOSensor, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("GPIOホストの初期化に失敗: %w", err)
	}

	pin := gpioreg.ByName(pinName)
	if pin == nil {
		return nil, fmt.Errorf("GPIOピンが見つかりません: %s", pinName)
	}

	// PIRはアクティブHIGH、両エッジで割り込みを受ける
	if err := pin.In(gpio.PullDown, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("GPIOピンの入力設定に失敗: %w", err)
	}

	return &GPIOSensor{pin: pin}, nil
}

// WaitForEdge はエッジを待ち、発生時刻とレベルを返す
func (s *GPIOSensor) WaitForEdge(ctx context.Context, timeout time.Duration) (Edge, bool, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return Edge{}, false, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return Edge{}, false, err
	}

	if !s.pin.WaitForEdge(timeout) {
		return Edge{}, false, nil
	}
	// エッジ受信直後に時刻を取る
	at := time.Now()
	return Edge{Active: s.pin.Read() == gpio.High, At: at}, true, nil
}

// Close はピンのエッジ検出を停止する
func (s *GPIOSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.pin.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
		return fmt.Errorf("GPIOピンの解放に失敗: %w", err)
	}
	return nil
}
