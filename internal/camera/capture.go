package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// V4L2Device はffmpeg経由でV4L2デバイスからJPEGフレームを取得する
type V4L2Device struct {
	mu       sync.Mutex // Open/Close/Configure を直列化する
	settings Settings
	cur      atomic.Pointer[v4l2Stream]
}

// v4l2Stream は1回の Open に対応するffmpegプロセス
type v4l2Stream struct {
	cancel context.CancelFunc
	frames chan []byte   // 最新フレームのみ保持
	done   chan struct{} // 読み取りgoroutine終了でクローズ
	err    error         // done クローズ後に読む
	wg     sync.WaitGroup
}

// NewV4L2Device は新しいV4L2Deviceを作成する
func NewV4L2Device(settings Settings) *V4L2Device {
	return &V4L2Device{settings: settings}
}

// Configure は次の Open から使う設定を変更する
func (d *V4L2Device) Configure(settings Settings) error {
	if settings.Device == "" {
		return fmt.Errorf("デバイスパスが指定されていません")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settings = settings
	return nil
}

// Open はffmpegを起動し、最初のフレームが届くまで待つ
// ctx は起動待ちにのみ使い、プロセスの寿命は Close で管理する
func (d *V4L2Device) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cur.Load() != nil {
		return fmt.Errorf("デバイスは既に開いています: %s", d.settings.Device)
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx,
		"ffmpeg",
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", d.settings.Width, d.settings.Height),
		"-r", strconv.Itoa(d.settings.FPS),
		"-i", d.settings.Device,
		"-f", "image2pipe",
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdoutパイプの作成に失敗: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderrパイプの作成に失敗: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	s := &v4l2Stream{
		cancel: cancel,
		frames: make(chan []byte, 1),
		done:   make(chan struct{}),
	}

	stderrDone := make(chan struct{})
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer close(stderrDone)
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			log.Debug().Str("device", d.settings.Device).Str("ffmpeg", sc.Text()).Msg("ffmpeg出力")
		}
	}()
	go func() {
		defer s.wg.Done()
		defer close(s.done)
		readErr := splitFrames(stdout, func(frame []byte) {
			forwardLatest(s.frames, frame)
		})
		<-stderrDone
		waitErr := cmd.Wait()
		switch {
		case procCtx.Err() != nil:
			s.err = ErrDeviceClosed
		case readErr != nil:
			s.err = fmt.Errorf("フレーム読み取りエラー: %w", readErr)
		case waitErr != nil:
			s.err = fmt.Errorf("ffmpegが異常終了しました: %w", waitErr)
		default:
			s.err = fmt.Errorf("ffmpegが終了しました")
		}
	}()

	// 最初のフレームで起動完了とみなす
	select {
	case frame := <-s.frames:
		forwardLatest(s.frames, frame)
	case <-s.done:
		cancel()
		s.wg.Wait()
		return fmt.Errorf("%w: %s: %v", ErrDeviceOpen, d.settings.Device, s.err)
	case <-ctx.Done():
		cancel()
		s.wg.Wait()
		return ctx.Err()
	}

	d.cur.Store(s)
	log.Info().Str("device", d.settings.Device).Int("fps", d.settings.FPS).
		Int("width", d.settings.Width).Int("height", d.settings.Height).Msg("カメラデバイスを開きました")
	return nil
}

// ReadFrame は次のフレームを返す
func (d *V4L2Device) ReadFrame(ctx context.Context) ([]byte, error) {
	s := d.cur.Load()
	if s == nil {
		return nil, ErrDeviceClosed
	}
	select {
	case frame := <-s.frames:
		return frame, nil
	case <-s.done:
		// 終了前に届いていたフレームは返す
		select {
		case frame := <-s.frames:
			return frame, nil
		default:
		}
		return nil, s.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close はffmpegを停止し、読み取りgoroutineの終了を待つ
func (d *V4L2Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := d.cur.Swap(nil)
	if s == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	log.Info().Str("device", d.settings.Device).Msg("カメラデバイスを閉じました")
	return nil
}

// forwardLatest は容量1のチャンネルに最新フレームを入れる
// 未読のフレームがあれば古い方を捨てる
func forwardLatest(ch chan []byte, frame []byte) {
	for {
		select {
		case ch <- frame:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// splitFrames は r からJPEGのSOI/EOIマーカーでフレームを切り出し、emit に渡す
// r がEOFに達すると nil を返す
func splitFrames(r io.Reader, emit func([]byte)) error {
	buf := make([]byte, 256*1024)
	var pending []byte

	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			pending = extractFrames(pending, emit)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return nil
			}
			return err
		}
	}
}

// extractFrames は data に含まれる完全なフレームをすべて emit し、残りを返す
func extractFrames(data []byte, emit func([]byte)) []byte {
	for {
		start := bytes.Index(data, jpegSOI)
		if start == -1 {
			// 次の読み取りでSOIが分割されている可能性があるので末尾1バイトは残す
			if len(data) > 0 && data[len(data)-1] == 0xFF {
				return append(data[:0], 0xFF)
			}
			return data[:0]
		}
		end := bytes.Index(data[start+2:], jpegEOI)
		if end == -1 {
			if start > 0 {
				data = append(data[:0], data[start:]...)
			}
			return data
		}
		end += start + 2 + len(jpegEOI)
		frame := make([]byte, end-start)
		copy(frame, data[start:end])
		emit(frame)
		data = data[end:]
	}
}
