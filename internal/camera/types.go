package camera

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Mode はカメラの動作モードを表す
type Mode string

const (
	ModeIdle   Mode = "idle"   // 起動直後と停止後のみ
	ModeRecord Mode = "record" // モーション検知で録画する
	ModeStream Mode = "stream" // ライブ配信する
)

// ParseMode は文字列からモードを取得する
// 外部から指定できるのは record と stream のみ
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRecord, ModeStream:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("無効なモード: %q", s)
	}
}

// Holder はカメラのリースを保持する利用者
type Holder string

const (
	HolderRecorder Holder = "recorder"
	HolderStreamer Holder = "streamer"
)

// allowedIn は holder がモード m でリースを取得できるかを返す
func (h Holder) allowedIn(m Mode) bool {
	switch h {
	case HolderRecorder:
		return m == ModeRecord
	case HolderStreamer:
		return m == ModeStream
	default:
		return false
	}
}

// Settings はカメラの設定を表す
type Settings struct {
	Device string // デバイスパス（例: /dev/video0）
	FPS    int    // フレームレート
	Width  int    // 画像幅
	Height int    // 画像高さ
}

// Device はカメラデバイスの境界
// Arbiter だけが Open と Close を呼ぶ
type Device interface {
	// Open はデバイスを開き、フレームを読める状態にする
	Open(ctx context.Context) error

	// Configure は次の Open から使う設定を変更する
	Configure(settings Settings) error

	// ReadFrame は次のJPEGフレームを返す
	ReadFrame(ctx context.Context) ([]byte, error)

	// Close はデバイスを閉じる。冪等
	Close() error
}

var (
	// ErrBusy はリースが使用中、またはモード切り替え中のときに返される
	ErrBusy = errors.New("カメラは使用中です")
	// ErrWrongMode は現在のモードでは取得できない利用者のときに返される
	ErrWrongMode = errors.New("現在のモードではカメラを取得できません")
	// ErrStopped は停止後の取得で返される
	ErrStopped = errors.New("カメラアービターは停止済みです")
	// ErrDeviceFatal はデバイスを再初期化できなかったときに返される
	ErrDeviceFatal = errors.New("カメラデバイスを復旧できません")
	// ErrDeviceOpen はデバイスを開けなかったときに返される
	ErrDeviceOpen = errors.New("カメラデバイスを開けません")
	// ErrLeaseRevoked は解放・リセット済みのセッションでの読み取りで返される
	ErrLeaseRevoked = errors.New("カメラのリースは無効です")
	// ErrPreempted はモード切り替えや停止でセッションがキャンセルされたときに返される
	ErrPreempted = errors.New("カメラのセッションがプリエンプトされました")
	// ErrCloseTimeout はデバイスのクローズが CloseTimeout までに終わらなかったときに返される
	ErrCloseTimeout = errors.New("カメラデバイスのクローズがタイムアウトしました")
	// ErrDeviceClosed は開いていないデバイスからの読み取りで返される
	ErrDeviceClosed = errors.New("カメラデバイスは閉じています")
)

// SessionEventKind はセッションイベントの種類
type SessionEventKind string

const (
	EventGranted   SessionEventKind = "granted"
	EventReleased  SessionEventKind = "released"
	EventPreempted SessionEventKind = "preempted"
	EventReset     SessionEventKind = "reset"
)

// SessionEvent はアービターが発行するセッションのライフサイクルイベント
type SessionEvent struct {
	Kind      SessionEventKind
	SessionID string
	Holder    Holder
	At        time.Time
	Err       error
}

// State はアービターの現在の状態
type State struct {
	Mode      Mode      `json:"mode"`
	Held      bool      `json:"held"`
	Holder    Holder    `json:"holder,omitempty"`
	LeaseID   string    `json:"lease_id,omitempty"`
	Since     time.Time `json:"since"`
	Switching bool      `json:"switching"`
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device string // デバイスパス
	Name   string // デバイス名
	Driver string // ドライバー名
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}
