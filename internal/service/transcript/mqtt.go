package transcript

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// MQTTConfig MQTT 持久化方配置
type MQTTConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      byte
}

// publisher 是 paho.Client 中用到的子集
type publisher interface {
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

// MQTTSink 把会话记录发布到 MQTT 主题，供下游服务订阅。
type MQTTSink struct {
	client    publisher
	topic     string
	qos       byte
	connected atomic.Bool
	stop      chan struct{}
	stopOnce  sync.Once
}

// NewMQTTSink 创建 MQTT 持久化方，连接在后台进行，不阻塞启动。
func NewMQTTSink(cfg MQTTConfig) *MQTTSink {
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("relay-%d", time.Now().UnixNano())
	}
	log.Printf("[mqtt] connecting to broker: %s", broker)

	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetMaxReconnectInterval(10 * time.Second)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		if cfg.Password != "" {
			opts.SetPassword(cfg.Password)
		}
	}

	sink := &MQTTSink{
		topic: cfg.Topic,
		qos:   cfg.QoS,
		stop:  make(chan struct{}),
	}

	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Printf("[mqtt] connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		sink.connected.Store(true)
		log.Printf("[mqtt] connected to broker")
	})

	client := paho.NewClient(opts)
	sink.client = client
	go sink.connectLoop(client)
	return sink
}

func newMQTTSinkWithClient(client publisher, topic string, qos byte) *MQTTSink {
	s := &MQTTSink{client: client, topic: topic, qos: qos, stop: make(chan struct{})}
	s.connected.Store(true)
	return s
}

func (s *MQTTSink) connectLoop(client paho.Client) {
	for {
		token := client.Connect()
		if token.Wait() && token.Error() == nil {
			return
		}
		log.Printf("[mqtt] failed to connect to broker: %v, retrying in background", token.Error())
		select {
		case <-s.stop:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

func (s *MQTTSink) Name() string { return "mqtt" }

// IsConnected 返回客户端是否已连接
func (s *MQTTSink) IsConnected() bool {
	return s.connected.Load() && s.client.IsConnectionOpen()
}

func (s *MQTTSink) Write(ctx context.Context, rec Record) error {
	if !s.IsConnected() {
		return relay.Errorf(relay.KindTransient, "mqtt client not connected")
	}

	payload, err := sonic.ConfigStd.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	token := s.client.Publish(s.topic, s.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return relay.NewError(relay.KindTimeout, "mqtt publish interrupted", ctx.Err())
	}
	if err := token.Error(); err != nil {
		log.Printf("[mqtt] failed to publish to topic %s: %v", s.topic, err)
		return relay.NewError(relay.KindTransient, "mqtt publish failed", err)
	}
	return nil
}

// Close 断开与代理的连接
func (s *MQTTSink) Close() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.connected.Swap(false) {
			s.client.Disconnect(250)
			log.Printf("[mqtt] disconnected from broker")
		}
	})
}
