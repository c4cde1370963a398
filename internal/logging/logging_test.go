package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestConfigure(t *testing.T) {
	defer Configure(&bytes.Buffer{}, "info", false)

	testCases := []struct {
		name      string
		level     string
		wantLevel zerolog.Level
	}{
		{"デバッグ", "debug", zerolog.DebugLevel},
		{"警告", "warn", zerolog.WarnLevel},
		{"空ならinfo", "", zerolog.InfoLevel},
		{"不明ならinfo", "verbose", zerolog.InfoLevel},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			Configure(&bytes.Buffer{}, tc.level, false)
			if got := zerolog.GlobalLevel(); got != tc.wantLevel {
				t.Errorf("GlobalLevel = %s, want %s", got, tc.wantLevel)
			}
		})
	}
}

func TestConfigure_JSON(t *testing.T) {
	defer Configure(&bytes.Buffer{}, "info", false)

	var buf bytes.Buffer
	Configure(&buf, "info", false)
	log.Info().Str("mode", "record").Msg("モードを切り替えました")
	log.Debug().Msg("出力されない")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("1行が期待されましたが %d 行でした: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("JSONではありません: %v", err)
	}
	if entry["message"] != "モードを切り替えました" || entry["mode"] != "record" || entry["time"] == nil {
		t.Errorf("ログの内容が違います: %v", entry)
	}
}

func TestConfigure_Console(t *testing.T) {
	defer Configure(&bytes.Buffer{}, "info", false)

	var buf bytes.Buffer
	Configure(&buf, "info", true)
	log.Info().Msg("起動しました")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") || !strings.Contains(buf.String(), "起動しました") {
		t.Errorf("コンソール形式ではありません: %q", buf.String())
	}
}
