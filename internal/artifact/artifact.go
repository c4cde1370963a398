// Package artifact は録画クリップやログなど、アップロード対象の成果物を表す
package artifact

import (
	"fmt"
	"time"
)

// Kind は成果物の種類
type Kind string

const (
	KindClip Kind = "clip" // 録画クリップ
	KindLog  Kind = "log"  // モーションログのスナップショット
)

// Status はアップロードの状態
type Status string

const (
	StatusPending   Status = "PENDING"   // アップロード待ち（再試行待ちを含む）
	StatusUploading Status = "UPLOADING" // アップロード中
	StatusDone      Status = "DONE"      // 完了
	StatusFailed    Status = "FAILED"    // 再試行上限に達した
)

// ParseStatus は文字列から状態を取得する
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusUploading, StatusDone, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("無効なアップロード状態: %q", s)
	}
}

// Terminal は終端状態かを返す
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Artifact は1つの成果物
// 作成は Recorder、状態遷移は UploadQueue が行う
type Artifact struct {
	ID        string        `json:"id"`
	Kind      Kind          `json:"kind"`
	Path      string        `json:"path"`
	CreatedAt time.Time     `json:"created_at"`
	Duration  time.Duration `json:"duration"`
	Size      int64         `json:"size"`
	Status    Status        `json:"status"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"last_error,omitempty"`
	EventSeq  uint64        `json:"event_seq,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}
