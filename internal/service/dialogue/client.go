// Package dialogue 维护与对话引擎之间的上行连接，并把引擎事件归一化为通用事件。
package dialogue

import (
	"context"
	"time"
)

// EventType 归一化后的上游事件类型
type EventType string

const (
	EventReady            EventType = "ready"
	EventResponseCreated  EventType = "response-created"
	EventTextDelta        EventType = "text-delta"
	EventAudioDelta       EventType = "audio-delta"
	EventTranscriptDone   EventType = "transcript-done"
	EventResponseDone     EventType = "response-done"
	EventInputTranscribed EventType = "input-transcribed"
	EventSpeechStarted    EventType = "speech-started"
	EventError            EventType = "error"
	EventClosed           EventType = "closed"
)

// 响应结束状态
const (
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
	StatusFailed     = "failed"
	StatusIncomplete = "incomplete"
)

// Event 上游事件，ResponseID 为空表示与具体响应无关。
type Event struct {
	Type       EventType
	ResponseID string
	Text       string
	Audio      []byte
	Status     string
	Code       string
	Err        error

	// 仅 EventClosed 使用
	CloseCode   int
	CloseReason string
}

// TurnDetection 服务端语音活动检测参数
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
	CreateResponse    bool    `json:"create_response"`
}

// SessionConfig 建立会话时协商的配置
type SessionConfig struct {
	SessionID          string
	Modalities         []string
	Instructions       string
	Voice              string
	Language           string
	TranscriptionModel string
	TurnDetection      *TurnDetection
}

// Client 打开到对话引擎的连接
type Client interface {
	Open(ctx context.Context, cfg SessionConfig) (Conn, error)
}

// Conn 一个会话独占的上游连接。
// 写方法、Ping 与 Close 都不阻塞网络，Events 在连接结束后以 EventClosed 收尾并关闭。
type Conn interface {
	AppendAudio(pcm []byte) error
	Commit() error
	RequestResponse() error
	SendText(text string) error
	Cancel(responseID string) error
	Ping() error
	LastActivity() time.Time
	Events() <-chan Event
	Close() error
}
