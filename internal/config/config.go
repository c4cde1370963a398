package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Sensor    SensorConfig    `yaml:"sensor"`
	Motion    MotionConfig    `yaml:"motion"`
	Camera    CameraConfig    `yaml:"camera"`
	Record    RecordConfig    `yaml:"record"`
	Upload    UploadConfig    `yaml:"upload"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // グレースフルシャットダウンの待ち時間
}

// StorageConfig はローカル保存先の設定
type StorageConfig struct {
	DataDir  string `yaml:"data_dir"`  // 動画・ログ・DBの保存先
	Database string `yaml:"database"`  // SQLiteファイル名（DataDirからの相対パス）
	LogCSV   string `yaml:"log_csv"`   // モーションログCSVのファイル名
	ClipsDir string `yaml:"clips_dir"` // 録画クリップのディレクトリ（DataDirからの相対パス）
}

// SensorConfig はPIRセンサーの設定
type SensorConfig struct {
	Driver      string        `yaml:"driver"`       // "gpio" または "mock"
	Pin         string        `yaml:"pin"`          // GPIOピン名 (例: GPIO17)
	PollTimeout time.Duration `yaml:"poll_timeout"` // WaitForEdge のタイムアウト
	Buffer      int           `yaml:"buffer"`       // エッジ用チャンネルの容量
	// 連続エラーがこの回数に達したらセンサーを不健全とみなす
	UnhealthyAfter int `yaml:"unhealthy_after"`
}

// MotionConfig はデバウンスの設定
type MotionConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"`
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Driver string `yaml:"driver"` // "v4l2" または "mock"
	Device string `yaml:"device"` // デバイスパス (例: /dev/video0)
	FPS    int    `yaml:"fps"`    // フレームレート (fps)
	Width  int    `yaml:"width"`  // 画像幅
	Height int    `yaml:"height"` // 画像高さ

	PreemptTimeout time.Duration `yaml:"preempt_timeout"` // プリエンプト時に解放を待つ上限
	ResetAttempts  int           `yaml:"reset_attempts"`  // 強制リセット後の再初期化試行回数
	CloseTimeout   time.Duration `yaml:"close_timeout"`   // デバイスのクローズを待つ上限
}

// RecordConfig は録画の設定
type RecordConfig struct {
	Duration       time.Duration `yaml:"duration"`         // クリップ長
	Cooldown       time.Duration `yaml:"cooldown"`         // 録画トリガー間の最小間隔（0で無効）
	Format         string        `yaml:"format"`           // "mjpeg" または "ffmpeg"
	Encoder        string        `yaml:"encoder"`          // ffmpeg使用時のエンコーダ
	Bitrate        string        `yaml:"bitrate"`          // ffmpeg使用時のビットレート
	MaxFrameErrors int           `yaml:"max_frame_errors"` // 連続フレーム読み取り失敗の許容回数
}

// UploadConfig はアップロードキューの設定
type UploadConfig struct {
	Backend             string        `yaml:"backend"` // "rclone", "http", "none"
	RcloneRemote        string        `yaml:"rclone_remote"`
	HTTPBaseURL         string        `yaml:"http_base_url"`
	HTTPToken           string        `yaml:"http_token"`
	Workers             int           `yaml:"workers"`
	MaxAttempts         int           `yaml:"max_attempts"`
	BaseBackoff         time.Duration `yaml:"base_backoff"`
	MaxBackoff          time.Duration `yaml:"max_backoff"`
	AttemptTimeout      time.Duration `yaml:"attempt_timeout"`
	MaxPending          int           `yaml:"max_pending"` // 0 は無制限
	Overflow            string        `yaml:"overflow"`    // "drop_oldest" または "reject"
	DeleteAfterUpload   bool          `yaml:"delete_after_upload"`
	LogSnapshotInterval time.Duration `yaml:"log_snapshot_interval"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
}

// DashboardConfig はダッシュボードの設定
type DashboardConfig struct {
	StaleAfter   time.Duration `yaml:"stale_after"`   // 最終モーションがこれより古ければ stale 表示
	MaxIntervals int           `yaml:"max_intervals"` // ペイロードに含める間隔の最大数
	InitialMode  string        `yaml:"initial_mode"`  // 起動時のモード
}

// MQTTConfig は通知用MQTTブローカーの設定
type MQTTConfig struct {
	Broker      string `yaml:"broker"` // 空なら無効
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Buffer      int    `yaml:"buffer"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig はデフォルト設定を返す
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            5000,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:  defaultDataDir(),
			Database: "banken.db",
			LogCSV:   "motion_log.csv",
			ClipsDir: "clips",
		},
		Sensor: SensorConfig{
			Driver:         "gpio",
			Pin:            "GPIO17",
			PollTimeout:    500 * time.Millisecond,
			Buffer:         64,
			UnhealthyAfter: 5,
		},
		Motion: MotionConfig{
			DebounceWindow: 5 * time.Second,
		},
		Camera: CameraConfig{
			Driver:         "v4l2",
			Device:         "/dev/video0",
			FPS:            15,
			Width:          1280,
			Height:         720,
			PreemptTimeout: 3 * time.Second,
			ResetAttempts:  3,
			CloseTimeout:   5 * time.Second,
		},
		Record: RecordConfig{
			Duration:       5 * time.Second,
			Cooldown:       0,
			Format:         "mjpeg",
			Encoder:        "h264_v4l2m2m",
			Bitrate:        "6M",
			MaxFrameErrors: 10,
		},
		Upload: UploadConfig{
			Backend:             "none",
			Workers:             1,
			MaxAttempts:         5,
			BaseBackoff:         2 * time.Second,
			MaxBackoff:          2 * time.Minute,
			AttemptTimeout:      5 * time.Minute,
			MaxPending:          0,
			Overflow:            "drop_oldest",
			LogSnapshotInterval: time.Minute,
			DrainTimeout:        10 * time.Second,
		},
		Dashboard: DashboardConfig{
			StaleAfter:   10 * time.Minute,
			MaxIntervals: 200,
			InitialMode:  "record",
		},
		MQTT: MQTTConfig{
			ClientID:    "banken",
			TopicPrefix: "banken",
			Buffer:      32,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load は設定を読み込む
// path が空、またはファイルが存在しない場合はデフォルト値に環境変数を適用する
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
			// ファイルがなければデフォルトのまま
		default:
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Storage.DataDir = getEnvOrDefault("BANKEN_DATA_DIR", c.Storage.DataDir)
	c.Sensor.Driver = getEnvOrDefault("BANKEN_SENSOR_DRIVER", c.Sensor.Driver)
	c.Camera.Driver = getEnvOrDefault("BANKEN_CAMERA_DRIVER", c.Camera.Driver)
	c.Camera.Device = getEnvOrDefault("BANKEN_CAMERA_DEVICE", c.Camera.Device)
	c.Log.Level = getEnvOrDefault("BANKEN_LOG_LEVEL", c.Log.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("データディレクトリが設定されていません")
	}

	switch c.Sensor.Driver {
	case "gpio":
		if c.Sensor.Pin == "" {
			return fmt.Errorf("GPIOピンが設定されていません")
		}
	case "mock":
	default:
		return fmt.Errorf("未対応のセンサードライバ: %s", c.Sensor.Driver)
	}

	if c.Motion.DebounceWindow <= 0 {
		return fmt.Errorf("無効なデバウンス時間: %s", c.Motion.DebounceWindow)
	}

	switch c.Camera.Driver {
	case "v4l2":
		if c.Camera.Device == "" {
			return fmt.Errorf("カメラデバイスパスが設定されていません")
		}
	case "mock":
	default:
		return fmt.Errorf("未対応のカメラドライバ: %s", c.Camera.Driver)
	}
	if c.Camera.FPS <= 0 || c.Camera.FPS > 60 {
		return fmt.Errorf("無効なFPS値: %d", c.Camera.FPS)
	}
	if c.Camera.PreemptTimeout <= 0 {
		return fmt.Errorf("無効なプリエンプトタイムアウト: %s", c.Camera.PreemptTimeout)
	}
	if c.Camera.CloseTimeout <= 0 {
		return fmt.Errorf("無効なクローズタイムアウト: %s", c.Camera.CloseTimeout)
	}

	if c.Record.Duration <= 0 {
		return fmt.Errorf("無効な録画時間: %s", c.Record.Duration)
	}
	if c.Record.Format != "mjpeg" && c.Record.Format != "ffmpeg" {
		return fmt.Errorf("未対応の録画フォーマット: %s", c.Record.Format)
	}

	switch c.Upload.Backend {
	case "none":
	case "rclone":
		if c.Upload.RcloneRemote == "" {
			return fmt.Errorf("rcloneリモートが設定されていません")
		}
	case "http":
		if c.Upload.HTTPBaseURL == "" {
			return fmt.Errorf("アップロード先URLが設定されていません")
		}
	default:
		return fmt.Errorf("未対応のアップロードバックエンド: %s", c.Upload.Backend)
	}
	if c.Upload.MaxAttempts < 1 {
		return fmt.Errorf("無効な最大試行回数: %d", c.Upload.MaxAttempts)
	}
	if c.Upload.Overflow != "drop_oldest" && c.Upload.Overflow != "reject" {
		return fmt.Errorf("未対応のオーバーフローポリシー: %s", c.Upload.Overflow)
	}

	if c.Dashboard.InitialMode != "record" && c.Dashboard.InitialMode != "stream" {
		return fmt.Errorf("無効な初期モード: %s", c.Dashboard.InitialMode)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DatabasePath はSQLiteファイルのパスを返す
func (c *Config) DatabasePath() string {
	return c.resolve(c.Storage.Database)
}

// LogCSVPath はモーションログCSVのパスを返す
func (c *Config) LogCSVPath() string {
	return c.resolve(c.Storage.LogCSV)
}

// ClipsPath は録画クリップのディレクトリを返す
func (c *Config) ClipsPath() string {
	return c.resolve(c.Storage.ClipsDir)
}

func (c *Config) resolve(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Storage.DataDir, p)
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "banken-data"
	}
	return filepath.Join(home, "CapstoneData")
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
