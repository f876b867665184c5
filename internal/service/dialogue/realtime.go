package dialogue

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// closeGrace 本地关闭时写出剩余消息和关闭帧的时限
const closeGrace = time.Second

// RealtimeConfig 实时对话引擎的接入配置
type RealtimeConfig struct {
	URL     string
	APIKey  string
	Model   string
	Options ConnectionOptions
}

// RealtimeClient 通过 websocket 实时协议接入对话引擎
type RealtimeClient struct {
	config RealtimeConfig
	dialer *websocket.Dialer
}

// NewRealtimeClient 创建实时对话客户端
func NewRealtimeClient(cfg RealtimeConfig) *RealtimeClient {
	cfg.Options = cfg.Options.withDefaults()
	return &RealtimeClient{
		config: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Options.HandshakeTimeout,
			ReadBufferSize:   16 * 1024,
			WriteBufferSize:  16 * 1024,
		},
	}
}

// Open 建立连接并下发会话配置，引擎确认后 Events 会产生 EventReady。
func (c *RealtimeClient) Open(ctx context.Context, cfg SessionConfig) (Conn, error) {
	if strings.TrimSpace(c.config.APIKey) == "" {
		return nil, relay.Errorf(relay.KindConfig, "dialogue engine API key is not configured")
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return nil, relay.NewError(relay.KindConfig, "invalid dialogue engine url", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	ws, err := dialWithRetry(ctx, c.dialer, endpoint, header, c.config.Options)
	if err != nil {
		return nil, err
	}

	conn := newRealtimeConn(cfg.SessionID, ws, c.config.Options)
	if err := conn.enqueue(newSessionUpdate(cfg)); err != nil {
		conn.Close()
		return nil, err
	}

	log.Printf("[dialogue] session=%s connected to %s", cfg.SessionID, endpoint)
	return conn, nil
}

func (c *RealtimeClient) endpoint() (string, error) {
	u, err := url.Parse(c.config.URL)
	if err != nil {
		return "", err
	}
	if c.config.Model != "" {
		q := u.Query()
		q.Set("model", c.config.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

type realtimeConn struct {
	sessionID string
	ws        *websocket.Conn
	opts      ConnectionOptions

	send   chan []byte
	ping   chan struct{}
	events chan Event
	done   chan struct{}

	closeOnce    sync.Once
	lastActivity atomic.Int64

	// 仅由读协程访问
	currentResponse string
}

func newRealtimeConn(sessionID string, ws *websocket.Conn, opts ConnectionOptions) *realtimeConn {
	c := &realtimeConn{
		sessionID: sessionID,
		ws:        ws,
		opts:      opts,
		send:      make(chan []byte, opts.SendQueueSize),
		ping:      make(chan struct{}, 1),
		events:    make(chan Event, opts.EventQueueSize),
		done:      make(chan struct{}),
	}
	c.touch()

	ws.SetPongHandler(func(string) error {
		c.touch()
		return nil
	})

	go c.writeLoop()
	go c.readLoop()
	return c
}

func (c *realtimeConn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity 最近一次收到上游流量的时间
func (c *realtimeConn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Events 上游事件流
func (c *realtimeConn) Events() <-chan Event {
	return c.events
}

// AppendAudio 追加 PCM16 音频到引擎输入缓冲
func (c *realtimeConn) AppendAudio(pcm []byte) error {
	return c.enqueue(clientEvent{Type: "input_audio_buffer.append", Audio: base64.StdEncoding.EncodeToString(pcm)})
}

// Commit 提交输入缓冲，关闭服务端语音检测时使用
func (c *realtimeConn) Commit() error {
	return c.enqueue(clientEvent{Type: "input_audio_buffer.commit"})
}

// RequestResponse 请求引擎生成响应
func (c *realtimeConn) RequestResponse() error {
	return c.enqueue(clientEvent{Type: "response.create"})
}

// SendText 以文本形式插入一轮用户输入并请求响应
func (c *realtimeConn) SendText(text string) error {
	if err := c.enqueue(newUserText(text)); err != nil {
		return err
	}
	return c.RequestResponse()
}

// Cancel 请求取消指定响应，引擎的确认仅供参考
func (c *realtimeConn) Cancel(responseID string) error {
	return c.enqueue(clientEvent{Type: "response.cancel", ResponseID: responseID})
}

// Ping 请求写协程发送底层 ping 帧，不等待网络。
// 写入失败会断开连接，并以 EventClosed 上报。
func (c *realtimeConn) Ping() error {
	select {
	case <-c.done:
		return relay.Errorf(relay.KindConnectionLost, "dialogue connection closed")
	default:
	}
	select {
	case c.ping <- struct{}{}:
	default:
		// 上一个 ping 尚未写出
	}
	return nil
}

// Close 关闭连接，可重复调用，不等待网络。
// 写协程会先写出已排队的消息再发送关闭帧，超过 closeGrace 直接断开。
func (c *realtimeConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		time.AfterFunc(closeGrace, func() { _ = c.ws.Close() })
	})
	return nil
}

func (c *realtimeConn) enqueue(ev clientEvent) error {
	data, err := sonic.ConfigStd.Marshal(ev)
	if err != nil {
		return relay.NewError(relay.KindProtocol, "failed to encode dialogue message", err)
	}

	select {
	case <-c.done:
		return relay.Errorf(relay.KindConnectionLost, "dialogue connection closed")
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return relay.Errorf(relay.KindConnectionLost, "dialogue connection closed")
	default:
		return relay.Errorf(relay.KindTransient, "dialogue send queue is full")
	}
}

func (c *realtimeConn) writeLoop() {
	for {
		select {
		case <-c.done:
			c.drain()
			return
		case <-c.ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteTimeout)); err != nil {
				log.Printf("[dialogue] session=%s ping failed: %v", c.sessionID, err)
				_ = c.ws.Close()
				return
			}
		case data := <-c.send:
			if !c.write(data, time.Now().Add(c.opts.WriteTimeout)) {
				return
			}
		}
	}
}

// drain 写出关闭前已排队的消息（如 response.cancel），然后发送关闭帧
func (c *realtimeConn) drain() {
	deadline := time.Now().Add(closeGrace)
	for {
		select {
		case data := <-c.send:
			if !c.write(data, deadline) {
				return
			}
		default:
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = c.ws.Close()
			return
		}
	}
}

// write 写入一条消息，失败时关闭底层连接，由读协程上报关闭事件
func (c *realtimeConn) write(data []byte, deadline time.Time) bool {
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[dialogue] session=%s write failed: %v", c.sessionID, err)
		_ = c.ws.Close()
		return false
	}
	return true
}

func (c *realtimeConn) readLoop() {
	defer close(c.events)

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			c.emit(c.closedEvent(err))
			return
		}
		c.touch()

		switch msgType {
		case websocket.BinaryMessage:
			// 二进制帧归属于最近创建的响应
			if c.currentResponse == "" || len(data) == 0 {
				continue
			}
			audio := make([]byte, len(data))
			copy(audio, data)
			if !c.emit(Event{Type: EventAudioDelta, ResponseID: c.currentResponse, Audio: audio}) {
				return
			}

		case websocket.TextMessage:
			var raw serverEvent
			if err := sonic.ConfigStd.Unmarshal(data, &raw); err != nil {
				log.Printf("[dialogue] session=%s undecodable event: %v", c.sessionID, err)
				continue
			}
			ev, ok := translate(&raw)
			if !ok {
				continue
			}
			switch ev.Type {
			case EventResponseCreated:
				c.currentResponse = ev.ResponseID
			case EventResponseDone:
				if c.currentResponse == ev.ResponseID {
					c.currentResponse = ""
				}
			}
			if !c.emit(ev) {
				return
			}
		}
	}
}

// emit 投递事件，连接已被本地关闭时返回 false
func (c *realtimeConn) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

func (c *realtimeConn) closedEvent(err error) Event {
	select {
	case <-c.done:
		return Event{Type: EventClosed, CloseCode: websocket.CloseNormalClosure, CloseReason: "closed by relay"}
	default:
	}

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		ev := Event{Type: EventClosed, CloseCode: closeErr.Code, CloseReason: closeErr.Text}
		if !IsNormalClose(closeErr.Code) {
			ev.Err = relay.NewError(relay.KindConnectionLost, "dialogue connection closed", err)
		}
		return ev
	}

	return Event{
		Type:        EventClosed,
		CloseCode:   websocket.CloseAbnormalClosure,
		CloseReason: err.Error(),
		Err:         relay.NewError(relay.KindConnectionLost, "dialogue connection dropped", err),
	}
}
