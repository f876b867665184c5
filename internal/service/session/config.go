// Package session 实现单个客户端连接的会话状态机。
package session

import (
	"context"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
	"github.com/zhouzirui/z-tavern/relay/internal/model/speech"
	"github.com/zhouzirui/z-tavern/relay/internal/service/dialogue"
	"github.com/zhouzirui/z-tavern/relay/internal/service/transcript"
)

// InterruptPolicy 用户插话时的处理策略，每个部署只使用一种。
type InterruptPolicy string

const (
	// PolicySupersede 助手说完当前内容，除非引擎创建了新的响应
	PolicySupersede InterruptPolicy = "supersede"
	// PolicyImmediate 检测到用户开口立即取消当前响应
	PolicyImmediate InterruptPolicy = "immediate"
)

// ParseInterruptPolicy 解析策略名称
func ParseInterruptPolicy(raw string) (InterruptPolicy, bool) {
	switch InterruptPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case PolicySupersede, "":
		return PolicySupersede, true
	case PolicyImmediate:
		return PolicyImmediate, true
	default:
		return "", false
	}
}

// Config 会话参数
type Config struct {
	ResponseTimeout   time.Duration
	KeepAliveInterval time.Duration
	IdleThreshold     time.Duration
	ErrorWindow       time.Duration
	ErrorThreshold    int
	OpenTimeout       time.Duration
	InterruptPolicy   InterruptPolicy
	DefaultMode       relay.Mode
	OutboxSize        int

	// 对话引擎默认配置，可被 start 消息覆盖
	Instructions       string
	Voice              string
	Language           string
	TranscriptionModel string
	Greeting           string
	TurnDetection      *dialogue.TurnDetection
}

// DefaultConfig 返回默认参数
func DefaultConfig() Config {
	return Config{
		ResponseTimeout:   20 * time.Second,
		KeepAliveInterval: 20 * time.Second,
		IdleThreshold:     60 * time.Second,
		ErrorWindow:       5 * time.Second,
		ErrorThreshold:    3,
		OpenTimeout:       20 * time.Second,
		InterruptPolicy:   PolicySupersede,
		DefaultMode:       relay.ModeEngineAudio,
		OutboxSize:        256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = def.ResponseTimeout
	}
	if c.KeepAliveInterval < 0 {
		c.KeepAliveInterval = 0
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = def.IdleThreshold
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = def.ErrorWindow
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = def.ErrorThreshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	if c.InterruptPolicy == "" {
		c.InterruptPolicy = def.InterruptPolicy
	}
	if c.DefaultMode == "" {
		c.DefaultMode = def.DefaultMode
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = def.OutboxSize
	}
	return c
}

// Synthesizer 合成服务，由 speech.Service 实现
type Synthesizer interface {
	Available() bool
	ChunkSize() int
	ResolveVoice(voiceID, coachID string) string
	Synthesize(ctx context.Context, req *speech.SynthesisRequest) ([]byte, error)
}

// TranscriptFlusher 非阻塞的记录持久化入口，由 transcript.Flusher 实现
type TranscriptFlusher interface {
	Flush(rec transcript.Record, done transcript.DoneFunc) bool
}

// CoachProfile 按教练生成的会话默认值
type CoachProfile struct {
	Name         string
	Instructions string
	Greeting     string
	Voice        string
}

// CoachDirectory 根据 coachId 查找教练资料
type CoachDirectory interface {
	Profile(coachID, userName string) (CoachProfile, bool)
}

// Deps 会话依赖的外部协作方
type Deps struct {
	Dialogue dialogue.Client
	Synth    Synthesizer
	Flusher  TranscriptFlusher
	Coaches  CoachDirectory
}
