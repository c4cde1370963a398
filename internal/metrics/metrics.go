// Package metrics は Prometheus 向けのメトリクスを提供する
// 値はスクレイプ時に各コンポーネントから読み取る
package metrics

import (
	"net/http"
	"sync"

	"banken/internal/artifact"
	"banken/internal/camera"
	"banken/internal/feed"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// StateSource はダッシュボード状態の取得元
type StateSource interface {
	Snapshot() feed.Snapshot
}

// ArtifactCounter は状態ごとの成果物数の取得元
type ArtifactCounter interface {
	CountArtifacts() (map[artifact.Status]int, error)
}

// DropCounter は配信で捨てたフレーム数の取得元
type DropCounter interface {
	Drops() uint64
}

// SensorStats はセンサー読み取りの統計の取得元
type SensorStats interface {
	Dropped() uint64
	Errors() uint64
}

var (
	motionEventsDesc = prometheus.NewDesc(
		"banken_motion_events_total", "記録されたモーションイベントの総数", nil, nil,
	)
	modeDesc = prometheus.NewDesc(
		"banken_mode", "現在のカメラモード（該当モードが1）", []string{"mode"}, nil,
	)
	captureHealthyDesc = prometheus.NewDesc(
		"banken_capture_healthy", "カメラが健全なら1", nil, nil,
	)
	sensorHealthyDesc = prometheus.NewDesc(
		"banken_sensor_healthy", "PIRセンサーが健全なら1", nil, nil,
	)
	uploadsDesc = prometheus.NewDesc(
		"banken_uploads", "状態ごとの成果物数", []string{"status"}, nil,
	)
	frameDropsDesc = prometheus.NewDesc(
		"banken_stream_frame_drops_total", "配信で読まれずに捨てられたフレーム数", nil, nil,
	)
	sensorDroppedDesc = prometheus.NewDesc(
		"banken_sensor_edges_dropped_total", "バッファが満杯で捨てたセンサーエッジ数", nil, nil,
	)
	sensorErrorsDesc = prometheus.NewDesc(
		"banken_sensor_read_errors_total", "センサーの読み取りエラー数", nil, nil,
	)
)

var (
	allModes    = []camera.Mode{camera.ModeIdle, camera.ModeRecord, camera.ModeStream}
	allStatuses = []artifact.Status{
		artifact.StatusPending, artifact.StatusUploading, artifact.StatusDone, artifact.StatusFailed,
	}
)

// Collector はスクレイプ時に状態を集める
type Collector struct {
	State     StateSource
	Artifacts ArtifactCounter
	Drops     DropCounter
	Sensor    SensorStats // 任意

	mu sync.Mutex
}

// NewCollector は新しい Collector を作成する
func NewCollector(state StateSource, artifacts ArtifactCounter, drops DropCounter) *Collector {
	return &Collector{State: state, Artifacts: artifacts, Drops: drops}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- motionEventsDesc
	ch <- modeDesc
	ch <- captureHealthyDesc
	ch <- sensorHealthyDesc
	ch <- uploadsDesc
	ch <- frameDropsDesc
	ch <- sensorDroppedDesc
	ch <- sensorErrorsDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State != nil {
		s := c.State.Snapshot()
		ch <- prometheus.MustNewConstMetric(motionEventsDesc, prometheus.CounterValue, float64(s.EventCount))
		for _, m := range allModes {
			ch <- prometheus.MustNewConstMetric(modeDesc, prometheus.GaugeValue, boolValue(s.Mode == m), string(m))
		}
		ch <- prometheus.MustNewConstMetric(captureHealthyDesc, prometheus.GaugeValue, boolValue(s.CaptureHealthy))
		ch <- prometheus.MustNewConstMetric(sensorHealthyDesc, prometheus.GaugeValue, boolValue(s.SensorHealthy))
	}

	if c.Artifacts != nil {
		counts, err := c.Artifacts.CountArtifacts()
		if err != nil {
			log.Warn().Err(err).Msg("メトリクス用の成果物数の取得に失敗しました")
		} else {
			for _, st := range allStatuses {
				ch <- prometheus.MustNewConstMetric(uploadsDesc, prometheus.GaugeValue, float64(counts[st]), string(st))
			}
		}
	}

	if c.Drops != nil {
		ch <- prometheus.MustNewConstMetric(frameDropsDesc, prometheus.CounterValue, float64(c.Drops.Drops()))
	}

	if c.Sensor != nil {
		ch <- prometheus.MustNewConstMetric(sensorDroppedDesc, prometheus.CounterValue, float64(c.Sensor.Dropped()))
		ch <- prometheus.MustNewConstMetric(sensorErrorsDesc, prometheus.CounterValue, float64(c.Sensor.Errors()))
	}
}

// Handler はコレクターを登録したレジストリの HTTP ハンドラーを返す
func Handler(c *Collector) http.Handler {
	registry := prometheus.NewRegistry()
	registry.MustRegister(c)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
