package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"banken/internal/camera"
	"banken/internal/capture"
	"banken/internal/config"
	"banken/internal/controller"
	"banken/internal/metrics"
	"banken/internal/notify"
	"banken/internal/sensor"
	"banken/internal/server"
	"banken/internal/store"
	"banken/internal/upload"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "監視とダッシュボードを起動する",
	RunE:  runMonitor,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runMonitor(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}

	deps, err := buildDeps(ctx, cfg, st)
	if err != nil {
		st.Close()
		return err
	}

	ctrl, err := controller.New(cfg, deps)
	if err != nil {
		deps.Sensor.Close()
		deps.Notifier.Close()
		st.Close()
		return err
	}

	f := ctrl.Feed()
	collector := metrics.NewCollector(f, st, f.Frames())
	collector.Sensor = ctrl.SensorReader()
	srv := server.New(cfg, server.Deps{
		Feed:      f,
		Artifacts: st,
		Metrics:   metrics.Handler(collector),
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	srvCtx, cancelSrv := context.WithCancel(context.Background())
	defer cancelSrv()
	srvErr := make(chan error, 1)
	go func() {
		err := srv.Start(srvCtx)
		if err != nil {
			log.Error().Err(err).Msg("HTTPサーバーが停止したため監視を終了します")
			cancelRun()
		}
		srvErr <- err
	}()

	if cfgFile != "" {
		go func() {
			if err := config.Watch(runCtx, cfgFile, ctrl.ApplyConfig); err != nil {
				log.Warn().Err(err).Msg("設定ファイルの監視を開始できませんでした")
			}
		}()
	}

	log.Info().Str("addr", cfg.ServerAddress()).Str("data_dir", cfg.Storage.DataDir).Msg("Banken を起動します")
	runErr := ctrl.Run(runCtx)

	cancelSrv()
	if err := <-srvErr; err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// buildDeps は設定に応じてセンサー・カメラ・アップロード先・通知先を作成する
func buildDeps(ctx context.Context, cfg *config.Config, st *store.Store) (controller.Deps, error) {
	var sens sensor.Sensor
	switch cfg.Sensor.Driver {
	case "mock":
		sens = sensor.NewMockSensor()
		log.Warn().Msg("モックセンサーを使用します")
	default:
		s, err := sensor.NewGPIOSensor(cfg.Sensor.Pin)
		if err != nil {
			return controller.Deps{}, fmt.Errorf("センサーの初期化に失敗: %w", err)
		}
		sens = s
	}

	settings := controller.CameraSettings(cfg)
	var dev camera.Device
	switch cfg.Camera.Driver {
	case "mock":
		dev = camera.NewMockDevice(settings)
		log.Warn().Msg("モックカメラを使用します")
	default:
		disc := camera.NewLinuxDiscovery()
		if !disc.IsDeviceAvailable(ctx, cfg.Camera.Device) {
			log.Warn().Str("device", cfg.Camera.Device).Msg("カメラデバイスが見つかりません。接続されるまで録画と配信は失敗します")
		}
		dev = camera.NewV4L2Device(settings)
	}

	writer := capture.WriterFor(cfg.Record.Format, capture.FFmpegOptions{FPS: cfg.Camera.FPS})
	if cfg.Record.Format == "ffmpeg" {
		if err := capture.ValidateFFmpeg(ctx); err != nil {
			sens.Close()
			return controller.Deps{}, err
		}
		writer = capture.WriterFor(cfg.Record.Format, capture.FFmpegOptions{
			FPS:     cfg.Camera.FPS,
			Encoder: capture.ResolveEncoder(ctx, cfg.Record.Encoder),
			Bitrate: cfg.Record.Bitrate,
		})
	}

	remote, err := upload.NewRemote(cfg.Upload)
	if err != nil {
		sens.Close()
		return controller.Deps{}, fmt.Errorf("アップロード先の作成に失敗: %w", err)
	}
	if remote == nil {
		log.Info().Msg("アップロードは無効です。成果物は PENDING のまま保存されます")
	}

	notifier, err := notify.New(cfg.MQTT)
	if err != nil {
		sens.Close()
		return controller.Deps{}, err
	}

	return controller.Deps{
		Sensor:   sens,
		Device:   dev,
		Store:    st,
		Remote:   remote,
		Notifier: notifier,
		Writer:   writer,
	}, nil
}
