package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

var videoDevicePattern = regexp.MustCompile(`^/dev/video(\d+)$`)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	// InfoTimeout は v4l2-ctl 1回あたりのタイムアウト
	InfoTimeout time.Duration
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{InfoTimeout: 5 * time.Second}
}

// ScanDevices は /dev/video* を番号順に返す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("デバイスのスキャンに失敗: %w", err)
	}

	sort.Slice(matches, func(i, j int) bool {
		return deviceNumber(matches[i]) < deviceNumber(matches[j])
	})

	var devices []string
	for _, m := range matches {
		if err := ctx.Err(); err != nil {
			return devices, err
		}
		if d.IsDeviceAvailable(ctx, m) {
			devices = append(devices, m)
		}
	}
	return devices, nil
}

// IsDeviceAvailable はデバイスファイルが存在し、読み取れるかを確認する
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !videoDevicePattern.MatchString(device) {
		return false
	}
	f, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = f.Close()
	return true
}

// GetDeviceInfo はv4l2-ctlでカード名とドライバー名を取得する
// v4l2-ctlがない環境ではデバイス番号から名前を生成する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, fmt.Errorf("デバイスが利用できません: %s", device)
	}

	info := &DeviceInfo{
		Device: device,
		Name:   fmt.Sprintf("カメラ %d", deviceNumber(device)),
	}

	ctx, cancel := context.WithTimeout(ctx, d.InfoTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "v4l2-ctl", "--device", device, "--info").Output()
	if err != nil {
		return info, nil
	}

	fields := parseV4L2Info(string(out))
	if name := fields["Card type"]; name != "" {
		info.Name = name
	}
	info.Driver = fields["Driver name"]
	return info, nil
}

// parseV4L2Info は `v4l2-ctl --info` の "key : value" 行を取り出す
func parseV4L2Info(output string) map[string]string {
	fields := make(map[string]string)
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if _, seen := fields[key]; seen {
			continue
		}
		fields[key] = strings.TrimSpace(value)
	}
	return fields
}

// deviceNumber はデバイスパスから番号を抽出する
func deviceNumber(device string) int {
	m := videoDevicePattern.FindStringSubmatch(device)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	devices []string
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	return &MockDiscovery{devices: devices}
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	return m.devices, nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	for _, d := range m.devices {
		if d == device {
			return true
		}
	}
	return false
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	for i, d := range m.devices {
		if d == device {
			return &DeviceInfo{Device: device, Name: fmt.Sprintf("テストカメラ %d", i+1), Driver: "mock"}, nil
		}
	}
	return nil, fmt.Errorf("デバイスが見つかりません: %s", device)
}
