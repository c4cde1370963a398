package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ClipWriter はフレームを1本のクリップに書き出す
// 書き込み中は <path>.part に出力し、Commit で最終パスへ rename する
type ClipWriter interface {
	WriteFrame(frame []byte) error
	// Commit はファイルを確定し、最終パスとサイズを返す
	Commit() (path string, size int64, err error)
	// Abort は書きかけのファイルを削除する。冪等
	Abort() error
}

// WriterFactory は拡張子を除いたパスからClipWriterを作成する
type WriterFactory func(base string) (ClipWriter, error)

// MJPEGFileWriter はJPEGフレームを連結したMJPEGファイルを書き出す
type MJPEGFileWriter struct {
	path string
	part string
	f    *os.File
	done bool
}

// NewMJPEGFileWriter は <base>.mjpeg に書き出すWriterを作成する
func NewMJPEGFileWriter(base string) (*MJPEGFileWriter, error) {
	path := base + ".mjpeg"
	part := path + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("一時ファイルの作成に失敗: %w", err)
	}
	return &MJPEGFileWriter{path: path, part: part, f: f}, nil
}

// WriteFrame はフレームを追記する
func (w *MJPEGFileWriter) WriteFrame(frame []byte) error {
	if w.done {
		return fmt.Errorf("クリップは既に確定または破棄されています")
	}
	if _, err := w.f.Write(frame); err != nil {
		return fmt.Errorf("フレームの書き込みに失敗: %w", err)
	}
	return nil
}

// Commit はfsyncしてから rename する
func (w *MJPEGFileWriter) Commit() (string, int64, error) {
	if w.done {
		return "", 0, fmt.Errorf("クリップは既に確定または破棄されています")
	}
	if err := w.f.Sync(); err != nil {
		_ = w.Abort()
		return "", 0, fmt.Errorf("fsyncに失敗: %w", err)
	}
	info, err := w.f.Stat()
	if err != nil {
		_ = w.Abort()
		return "", 0, fmt.Errorf("ファイル情報の取得に失敗: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = w.Abort()
		return "", 0, fmt.Errorf("ファイルのクローズに失敗: %w", err)
	}
	if err := os.Rename(w.part, w.path); err != nil {
		_ = w.Abort()
		return "", 0, fmt.Errorf("ファイル置き換えに失敗: %w", err)
	}
	w.done = true
	syncDir(filepath.Dir(w.path))
	return w.path, info.Size(), nil
}

// Abort は一時ファイルを削除する
func (w *MJPEGFileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	if err := os.Remove(w.part); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("一時ファイルの削除に失敗: %w", err)
	}
	return nil
}

// FFmpegClipWriter はフレームをffmpegの標準入力へ流し、MP4にエンコードする
type FFmpegClipWriter struct {
	path   string
	part   string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr *bytes.Buffer
	done   bool
}

// FFmpegOptions はエンコード設定
type FFmpegOptions struct {
	FPS     int
	Encoder string // 例: h264_v4l2m2m
	Bitrate string // 例: 6M
}

// NewFFmpegClipWriter は <base>.mp4 に書き出すWriterを作成する
func NewFFmpegClipWriter(base string, opts FFmpegOptions) (*FFmpegClipWriter, error) {
	path := base + ".mp4"
	part := path + ".part"

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "mjpeg",
		"-framerate", strconv.Itoa(opts.FPS),
		"-i", "-",
		"-c:v", opts.Encoder,
	}
	if opts.Bitrate != "" {
		args = append(args, "-b:v", opts.Bitrate)
	}
	args = append(args,
		"-pix_fmt", "yuv420p",
		"-f", "mp4",
		"-y",
		part,
	)

	cmd := exec.Command("ffmpeg", args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdinパイプの作成に失敗: %w", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpegの起動に失敗: %w", err)
	}

	return &FFmpegClipWriter{path: path, part: part, cmd: cmd, stdin: stdin, stderr: &stderr}, nil
}

// WriteFrame はフレームをffmpegへ送る
func (w *FFmpegClipWriter) WriteFrame(frame []byte) error {
	if w.done {
		return fmt.Errorf("クリップは既に確定または破棄されています")
	}
	if _, err := w.stdin.Write(frame); err != nil {
		return fmt.Errorf("ffmpegへの書き込みに失敗: %w", err)
	}
	return nil
}

// Commit はffmpegの終了を待ち、fsyncしてから rename する
func (w *FFmpegClipWriter) Commit() (string, int64, error) {
	if w.done {
		return "", 0, fmt.Errorf("クリップは既に確定または破棄されています")
	}
	_ = w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		w.done = true
		_ = os.Remove(w.part)
		return "", 0, fmt.Errorf("エンコードに失敗: %w (output: %s)", err, w.stderr.String())
	}
	w.done = true

	size, err := syncFile(w.part)
	if err != nil {
		_ = os.Remove(w.part)
		return "", 0, err
	}
	if err := os.Rename(w.part, w.path); err != nil {
		_ = os.Remove(w.part)
		return "", 0, fmt.Errorf("ファイル置き換えに失敗: %w", err)
	}
	syncDir(filepath.Dir(w.path))
	return w.path, size, nil
}

// Abort はffmpegを止めて一時ファイルを削除する
func (w *FFmpegClipWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.stdin.Close()
	if w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
	}
	_ = w.cmd.Wait() // 強制終了のエラーは無視
	if err := os.Remove(w.part); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("一時ファイルの削除に失敗: %w", err)
	}
	return nil
}

func syncFile(path string) (int64, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("出力ファイルを開けません: %w", err)
	}
	defer f.Close()
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("fsyncに失敗: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("ファイル情報の取得に失敗: %w", err)
	}
	return info.Size(), nil
}

// syncDir は rename を永続化するためにディレクトリをfsyncする
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}

var (
	encoderMu    sync.Mutex
	encoderCache = map[string]string{}
)

// ResolveEncoder は preferred がffmpegで使えるか確認し、使えなければ libx264 を返す
func ResolveEncoder(ctx context.Context, preferred string) string {
	const fallback = "libx264"
	if preferred == "" || preferred == fallback {
		return fallback
	}

	encoderMu.Lock()
	defer encoderMu.Unlock()
	if enc, ok := encoderCache[preferred]; ok {
		return enc
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-encoders").Output()
	enc := fallback
	if err == nil && hasEncoder(string(out), preferred) {
		enc = preferred
	} else {
		log.Warn().Str("encoder", preferred).Str("fallback", fallback).Msg("エンコーダが使えないため切り替えます")
	}
	encoderCache[preferred] = enc
	return enc
}

// hasEncoder は `ffmpeg -encoders` の出力に name があるかを返す
func hasEncoder(output, name string) bool {
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == name {
			return true
		}
	}
	return false
}

// ValidateFFmpeg はFFmpegが利用可能かチェックする
func ValidateFFmpeg(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := exec.CommandContext(ctx, "ffmpeg", "-version").Run(); err != nil {
		return fmt.Errorf("FFmpegが見つかりません。インストールしてください: %w", err)
	}
	return nil
}

// WriterFor は録画フォーマットに対応するWriterFactoryを返す
func WriterFor(format string, opts FFmpegOptions) WriterFactory {
	if format == "ffmpeg" {
		return func(base string) (ClipWriter, error) {
			w, err := NewFFmpegClipWriter(base, opts)
			if err != nil {
				return nil, err
			}
			return w, nil
		}
	}
	return newMJPEGWriter
}

func newMJPEGWriter(base string) (ClipWriter, error) {
	w, err := NewMJPEGFileWriter(base)
	if err != nil {
		return nil, err
	}
	return w, nil
}
