// Package cmd はbankenのコマンドラインを実装する
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"banken/internal/config"
	"banken/internal/controller"
	"banken/internal/logging"

	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	host     string
	port     int
	logLevel string
	jsonOut  bool
)

var rootCmd = &cobra.Command{
	Use:   "banken",
	Short: "人感センサーとカメラによるモーション監視",
	Long: `人感センサーでモーションを検知して記録し、
録画モードではクリップを保存してアップロードします。
配信モードではダッシュボードからライブ映像を確認できます。`,
	SilenceUsage:  true,
	SilenceErrors: true,
	// サブコマンドなしでは監視を開始する
	RunE: runMonitor,
}

// Execute はコマンドを実行し、プロセスの終了コードを返す
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		return controller.ExitCode(err)
	}
	return 0
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "設定ファイル (YAML)")
	rootCmd.PersistentFlags().StringVar(&host, "host", "", "サーバーのホスト (デフォルト: 0.0.0.0)")
	rootCmd.PersistentFlags().IntVar(&port, "port", 0, "サーバーのポート (デフォルト: 5000)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "ログレベル (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "一覧をJSONで出力する")
}

// loadConfig は設定を読み込み、コマンドラインオプションで上書きする
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}

	if host != "" {
		cfg.Server.Host = host
	}
	if port != 0 {
		cfg.Server.Port = port
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	logging.Setup(cfg.Log.Level)
	return cfg, nil
}

// writeJSON は v を整形したJSONで出力する
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("JSONの出力に失敗: %w", err)
	}
	return nil
}
