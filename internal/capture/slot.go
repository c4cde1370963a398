package capture

import (
	"context"
	"errors"
	"sync"
)

// ErrSlotClosed はクローズ済みのFrameSlotで返される
var ErrSlotClosed = errors.New("フレームスロットはクローズ済みです")

// FrameSlot は最新フレームだけを保持する1枠のバッファ
// Publish はブロックせず、未読のフレームは新しいフレームで上書きされる
type FrameSlot struct {
	mu       sync.Mutex
	frame    []byte
	seq      uint64
	base     uint64 // Reset 時の seq。これ以下のフレームは渡さない
	consumed bool
	drops    uint64
	wait     chan struct{}
	closed   bool
}

// NewFrameSlot は新しいFrameSlotを作成する
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{wait: make(chan struct{})}
}

// Publish はフレームを置き、待機中の読み手を起こす
func (s *FrameSlot) Publish(frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.seq > 0 && !s.consumed {
		s.drops++
	}
	s.frame = frame
	s.seq++
	s.consumed = false
	close(s.wait)
	s.wait = make(chan struct{})
}

// Next は after より新しいフレームを待って返す
func (s *FrameSlot) Next(ctx context.Context, after uint64) ([]byte, uint64, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, 0, ErrSlotClosed
		}
		if s.seq > after && s.seq > s.base {
			s.consumed = true
			frame, seq := s.frame, s.seq
			s.mu.Unlock()
			return frame, seq, nil
		}
		wait := s.wait
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-wait:
		}
	}
}

// Latest は最新フレームとその番号を返す
func (s *FrameSlot) Latest() ([]byte, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame, s.seq
}

// Reset は保持中のフレームを捨てる。以降の Next は次の Publish まで待つ
func (s *FrameSlot) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = nil
	s.base = s.seq
	s.consumed = true
}

// Drops は読まれずに上書きされたフレーム数を返す
func (s *FrameSlot) Drops() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drops
}

// Close は待機中の読み手をすべて起こし、以降の Next を失敗させる
func (s *FrameSlot) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.frame = nil
	close(s.wait)
}
