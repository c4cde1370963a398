// Package notify はモーション検知などのイベントを外部へ通知する
//
// 通知はイベント処理の経路をブロックしない。バッファが満杯なら捨てる
package notify

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"banken/internal/camera"
	"banken/internal/config"
	"banken/internal/motion"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

// Notifier はイベントの通知先
type Notifier interface {
	MotionDetected(ev motion.Event)
	ModeChanged(m camera.Mode)
	CaptureFailed(err error)
	Close()
}

// New は設定から通知先を作成する。ブローカー未設定なら Nop を返す
func New(cfg config.MQTTConfig) (Notifier, error) {
	if cfg.Broker == "" {
		return Nop{}, nil
	}
	n, err := NewMQTTNotifier(cfg)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Nop は何もしない通知先
type Nop struct{}

func (Nop) MotionDetected(motion.Event) {}
func (Nop) ModeChanged(camera.Mode)     {}
func (Nop) CaptureFailed(error)         {}
func (Nop) Close()                      {}

// publisher は MQTT クライアントのうち送信に使う部分
type publisher interface {
	Publish(topic string, qos byte, payload []byte) error
	Disconnect()
}

type message struct {
	topic   string
	payload []byte
}

// MQTTNotifier は MQTT ブローカーへ JSON を送る
type MQTTNotifier struct {
	pub    publisher
	prefix string
	qos    byte

	mu      sync.RWMutex
	closed  bool
	queue   chan message
	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// NewMQTTNotifier はブローカーへ接続して通知先を作成する
// 接続できなくても自動再接続に任せて作成は成功する
func NewMQTTNotifier(cfg config.MQTTConfig) (*MQTTNotifier, error) {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		log.Info().Str("broker", broker).Msg("MQTTブローカーに接続しました")
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", broker).Msg("MQTTの接続が切れました。再接続を待ちます")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		log.Warn().Str("broker", broker).Msg("MQTTへの接続がタイムアウトしました。バックグラウンドで再試行します")
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTTへの接続に失敗: %w", err)
	}

	return newMQTTNotifier(&pahoPublisher{client: client}, cfg.TopicPrefix, cfg.QoS, cfg.Buffer), nil
}

func newMQTTNotifier(pub publisher, prefix string, qos byte, buffer int) *MQTTNotifier {
	if buffer <= 0 {
		buffer = 32
	}
	n := &MQTTNotifier{
		pub:    pub,
		prefix: strings.TrimRight(prefix, "/"),
		qos:    qos,
		queue:  make(chan message, buffer),
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

func (n *MQTTNotifier) loop() {
	defer n.wg.Done()
	for msg := range n.queue {
		if err := n.pub.Publish(msg.topic, n.qos, msg.payload); err != nil {
			log.Warn().Err(err).Str("topic", msg.topic).Msg("MQTTへの送信に失敗しました")
		}
	}
}

func (n *MQTTNotifier) send(kind string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("kind", kind).Msg("通知のエンコードに失敗しました")
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- message{topic: n.prefix + "/" + kind, payload: payload}:
	default:
		n.dropped.Add(1)
	}
}

// MotionDetected はモーションイベントを通知する
func (n *MQTTNotifier) MotionDetected(ev motion.Event) {
	n.send("motion", ev)
}

// ModeChanged はモードの変更を通知する
func (n *MQTTNotifier) ModeChanged(m camera.Mode) {
	n.send("mode", map[string]any{"mode": m, "at": time.Now()})
}

// CaptureFailed は撮影エラーを通知する
func (n *MQTTNotifier) CaptureFailed(err error) {
	if err == nil {
		return
	}
	n.send("error", map[string]any{"error": err.Error(), "at": time.Now()})
}

// Dropped はバッファ満杯で捨てた通知の数を返す
func (n *MQTTNotifier) Dropped() uint64 {
	return n.dropped.Load()
}

// Close は残りの通知を送ってから切断する
func (n *MQTTNotifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
	n.pub.Disconnect()
	if d := n.dropped.Load(); d > 0 {
		log.Warn().Uint64("dropped", d).Msg("送信できなかった通知があります")
	}
}

type pahoPublisher struct {
	client mqtt.Client
}

func (p *pahoPublisher) Publish(topic string, qos byte, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("MQTTへの送信がタイムアウトしました")
	}
	return token.Error()
}

func (p *pahoPublisher) Disconnect() {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
	}
}
