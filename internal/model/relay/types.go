package relay

import (
	"strings"
	"time"
)

// Mode 表示会话的音频来源。
type Mode string

const (
	ModeEngineAudio    Mode = "dialogue-engine-audio"
	ModeSynthesisAudio Mode = "synthesis-fallback-audio"
	ModeTextOnly       Mode = "text-only"
)

// ParseMode 解析模式名称，兼容旧客户端使用的 apiType 别名。
func ParseMode(raw string) (Mode, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeEngineAudio), "openai", "engine", "realtime":
		return ModeEngineAudio, true
	case string(ModeSynthesisAudio), "elevenlabs", "synthesis", "tts":
		return ModeSynthesisAudio, true
	case string(ModeTextOnly), "text":
		return ModeTextOnly, true
	default:
		return "", false
	}
}

// State 会话状态。
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateReady      State = "ready"
	StateListening  State = "listening"
	StateThinking   State = "thinking"
	StateSpeaking   State = "speaking"
	StateStopped    State = "stopped"
	StateClosed     State = "closed"
)

// Terminal 表示状态不再接受任何转换。
func (s State) Terminal() bool {
	return s == StateStopped || s == StateClosed
}

// Responding 表示存在活跃响应的状态。
func (s State) Responding() bool {
	return s == StateThinking || s == StateSpeaking
}

// Role 对话角色。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEntry 一条完整的发言记录。
type TranscriptEntry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AudioChunk 属于某个响应的一段有序音频。
type AudioChunk struct {
	ResponseID string
	Seq        int
	Data       []byte
}
