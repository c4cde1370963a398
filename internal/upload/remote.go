package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"banken/internal/artifact"
	"banken/internal/config"

	"github.com/go-resty/resty/v2"
)

// NewRemote は設定からアップロード先を作成する
// backend が "none" の場合は nil を返す
func NewRemote(cfg config.UploadConfig) (Remote, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "rclone":
		if cfg.RcloneRemote == "" {
			return nil, errors.New("rclone_remote が設定されていません")
		}
		return NewRcloneRemote(cfg.RcloneRemote), nil
	case "http":
		if cfg.HTTPBaseURL == "" {
			return nil, errors.New("http_base_url が設定されていません")
		}
		return NewHTTPRemote(cfg.HTTPBaseURL, cfg.HTTPToken), nil
	default:
		return nil, fmt.Errorf("未対応のアップロード先: %s", cfg.Backend)
	}
}

// RcloneRemote は rclone copy でファイルを送る
type RcloneRemote struct {
	Remote string // rclone の remote:path
	Binary string
}

// NewRcloneRemote は新しい RcloneRemote を作成する
func NewRcloneRemote(remote string) *RcloneRemote {
	return &RcloneRemote{Remote: remote, Binary: "rclone"}
}

// Name はアップロード先の名前を返す
func (r *RcloneRemote) Name() string {
	return "rclone:" + r.Remote
}

// Upload は rclone copy <file> <remote> を実行する
func (r *RcloneRemote) Upload(ctx context.Context, a artifact.Artifact) error {
	if _, err := os.Stat(a.Path); err != nil {
		return Permanent(fmt.Errorf("アップロード対象が見つかりません: %w", err))
	}
	if _, err := exec.LookPath(r.Binary); err != nil {
		return Permanent(fmt.Errorf("rcloneが見つかりません: %w", err))
	}

	cmd := exec.CommandContext(ctx, r.Binary, "copy", a.Path, r.Remote)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("rclone copy に失敗: %w: %s", err, strings.TrimSpace(out.String()))
	}
	return nil
}

// HTTPRemote は HTTP PUT でファイルを送る
type HTTPRemote struct {
	client *resty.Client
	base   string
}

// NewHTTPRemote は新しい HTTPRemote を作成する
func NewHTTPRemote(baseURL, token string) *HTTPRemote {
	r := resty.New()
	r.SetBaseURL(strings.TrimRight(baseURL, "/"))
	r.SetHeader("Content-Type", "application/octet-stream")
	if token != "" {
		r.SetAuthToken(token)
	}
	r.SetTimeout(10 * time.Minute)

	return &HTTPRemote{client: r, base: baseURL}
}

// Name はアップロード先の名前を返す
func (h *HTTPRemote) Name() string {
	return "http:" + h.base
}

// Upload は PUT <base>/<ファイル名> でファイルを送る
// 5xx と通信エラーは再試行し、4xx は再試行しない
func (h *HTTPRemote) Upload(ctx context.Context, a artifact.Artifact) error {
	f, err := os.Open(a.Path)
	if err != nil {
		return Permanent(fmt.Errorf("アップロード対象を開けません: %w", err))
	}
	defer f.Close()

	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(f).
		SetHeader("X-Artifact-Kind", string(a.Kind)).
		Put("/" + url.PathEscape(filepath.Base(a.Path)))
	if err != nil {
		return fmt.Errorf("HTTPアップロードに失敗: %w", err)
	}

	code := resp.StatusCode()
	switch {
	case code >= 500:
		return fmt.Errorf("サーバーエラー: %s", resp.Status())
	case code >= 400:
		return Permanent(fmt.Errorf("アップロードが拒否されました: %s", resp.Status()))
	}
	return nil
}
