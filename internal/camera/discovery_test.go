package camera

import (
	"context"
	"testing"
)

func TestLinuxDiscovery_IsDeviceAvailable(t *testing.T) {
	ctx := context.Background()
	discovery := NewLinuxDiscovery()

	// 存在しないデバイス
	if discovery.IsDeviceAvailable(ctx, "/dev/video999") {
		t.Error("存在しないデバイスが利用可能と判定されました")
	}

	// 無効なパス
	if discovery.IsDeviceAvailable(ctx, "/invalid/path") {
		t.Error("無効なパスが利用可能と判定されました")
	}
}

func TestParseV4L2Info(t *testing.T) {
	output := `Driver Info:
	Driver name      : uvcvideo
	Card type        : HD Pro Webcam C920
	Bus info         : usb-0000:01:00.0-1.3
	Driver version   : 6.1.21
`
	fields := parseV4L2Info(output)

	testCases := []struct {
		key  string
		want string
	}{
		{"Driver name", "uvcvideo"},
		{"Card type", "HD Pro Webcam C920"},
		{"Bus info", "usb-0000:01:00.0-1.3"},
	}
	for _, tc := range testCases {
		t.Run(tc.key, func(t *testing.T) {
			if got := fields[tc.key]; got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDeviceNumber(t *testing.T) {
	testCases := []struct {
		device string
		want   int
	}{
		{"/dev/video0", 0},
		{"/dev/video12", 12},
		{"/dev/sda", 0},
	}
	for _, tc := range testCases {
		if got := deviceNumber(tc.device); got != tc.want {
			t.Errorf("deviceNumber(%s) = %d, want %d", tc.device, got, tc.want)
		}
	}
}

func TestMockDiscovery(t *testing.T) {
	ctx := context.Background()
	discovery := NewMockDiscovery([]string{"/dev/video0", "/dev/video1"})

	devices, err := discovery.ScanDevices(ctx)
	if err != nil {
		t.Fatalf("ScanDevices failed: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("デバイス数が違います: got %d", len(devices))
	}

	if !discovery.IsDeviceAvailable(ctx, "/dev/video0") {
		t.Error("/dev/video0 が利用できません")
	}
	if discovery.IsDeviceAvailable(ctx, "/dev/video2") {
		t.Error("/dev/video2 が利用可能と判定されました")
	}

	info, err := discovery.GetDeviceInfo(ctx, "/dev/video1")
	if err != nil {
		t.Fatalf("GetDeviceInfo failed: %v", err)
	}
	if info.Name != "テストカメラ 2" {
		t.Errorf("デバイス名が違います: got %s", info.Name)
	}

	if _, err := discovery.GetDeviceInfo(ctx, "/dev/video99"); err == nil {
		t.Error("存在しないデバイスでエラーが返りませんでした")
	}
}
