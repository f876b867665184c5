package session

import (
	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
	"github.com/zhouzirui/z-tavern/relay/internal/service/dialogue"
	"github.com/zhouzirui/z-tavern/relay/internal/service/transcript"
)

// Event 会话状态机的输入，全部经由 Machine.Dispatch 处理。
type Event interface {
	eventName() string
}

// ClientMessage 客户端发来的合法消息
type ClientMessage struct {
	Msg relay.ClientMessage
}

// ProtocolError 客户端发来的无法解析的消息
type ProtocolError struct {
	Err error
}

// ClientGone 客户端连接已断开
type ClientGone struct {
	Err error
}

// UpstreamOpened 上游连接建立成功
type UpstreamOpened struct {
	Conn dialogue.Conn
}

// UpstreamOpenFailed 上游连接建立失败
type UpstreamOpenFailed struct {
	Err error
}

// Upstream 上游连接产生的事件，Conn 用于过滤已替换连接的残留事件
type Upstream struct {
	Conn  dialogue.Conn
	Event dialogue.Event
}

// ResponseTimeout 响应超过时长上限
type ResponseTimeout struct {
	ResponseID string
}

// HandshakeTimeout 上游迟迟没有确认会话配置
type HandshakeTimeout struct{}

// KeepAliveTick 保活定时器触发
type KeepAliveTick struct{}

// PingFailed 保活 ping 发送失败
type PingFailed struct {
	Conn dialogue.Conn
	Err  error
}

// Reconnect 重新建立上游连接
type Reconnect struct{}

// SynthesisDone 合成调用返回
type SynthesisDone struct {
	ResponseID string
	Audio      []byte
	Err        error
}

// FlushDone 记录持久化完成
type FlushDone struct {
	Record transcript.Record
	Err    error
}

// Terminate 管理端终止会话
type Terminate struct {
	Reason string
}

func (ClientMessage) eventName() string      { return "client-message" }
func (ProtocolError) eventName() string      { return "protocol-error" }
func (ClientGone) eventName() string         { return "client-gone" }
func (UpstreamOpened) eventName() string     { return "upstream-opened" }
func (UpstreamOpenFailed) eventName() string { return "upstream-open-failed" }
func (Upstream) eventName() string           { return "upstream" }
func (ResponseTimeout) eventName() string    { return "response-timeout" }
func (HandshakeTimeout) eventName() string   { return "handshake-timeout" }
func (KeepAliveTick) eventName() string      { return "keepalive" }
func (PingFailed) eventName() string         { return "ping-failed" }
func (Reconnect) eventName() string          { return "reconnect" }
func (SynthesisDone) eventName() string      { return "synthesis-done" }
func (FlushDone) eventName() string          { return "flush-done" }
func (Terminate) eventName() string          { return "terminate" }
