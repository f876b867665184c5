package relay

// 客户端 -> 中继 消息类型
const (
	ClientStart       = "start"
	ClientAudio       = "audio"
	ClientStop        = "stop"
	ClientCommit      = "commit"
	ClientText        = "text"
	ClientSpeechStart = "speech_start"
	ClientSave        = "save_conversation"
	ClientPing        = "ping"
)

// 中继 -> 客户端 消息类型
const (
	ServerConnected         = "connected"
	ServerAudio             = "audio"
	ServerText              = "text"
	ServerTranscript        = "transcript"
	ServerResponseCancelled = "response_cancelled"
	ServerResponseDone      = "response_done"
	ServerError             = "error"
	ServerStopped           = "stopped"
	ServerDisconnected      = "disconnected"
	ServerConversationSaved = "conversation_saved"
	ServerPong              = "pong"
)

// StartConfig 会话级配置，随 start 消息下发。
type StartConfig struct {
	Voice        string `json:"voice,omitempty"`
	VoiceID      string `json:"voiceId,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Language     string `json:"language,omitempty"`
	Greeting     string `json:"greeting,omitempty"`
	UserID       string `json:"userId,omitempty"`
	UserName     string `json:"userName,omitempty"`
	CoachID      string `json:"coachId,omitempty"`
}

// ClientMessage 客户端发送的信封。
type ClientMessage struct {
	Type      string       `json:"type"`
	SessionID string       `json:"sessionId,omitempty"`
	Mode      Mode         `json:"mode,omitempty"`
	APIType   string       `json:"apiType,omitempty"`
	Audio     []byte       `json:"audio,omitempty"`
	Text      string       `json:"text,omitempty"`
	Config    *StartConfig `json:"config,omitempty"`

	// 旧客户端把配置平铺在顶层
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
	CoachID  string `json:"coachId,omitempty"`
	VoiceID  string `json:"voiceId,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// StartConfig 合并嵌套与平铺两种写法，嵌套字段优先。
func (m ClientMessage) StartConfig() StartConfig {
	var cfg StartConfig
	if m.Config != nil {
		cfg = *m.Config
	}
	if cfg.UserID == "" {
		cfg.UserID = m.UserID
	}
	if cfg.UserName == "" {
		cfg.UserName = m.UserName
	}
	if cfg.CoachID == "" {
		cfg.CoachID = m.CoachID
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = m.VoiceID
	}
	return cfg
}

// ServerMessage 中继发往客户端的信封。
type ServerMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"sessionId,omitempty"`
	ResponseID string `json:"responseId,omitempty"`
	Mode       Mode   `json:"mode,omitempty"`
	Audio      []byte `json:"audio,omitempty"`
	Seq        int    `json:"seq,omitempty"`
	Text       string `json:"text,omitempty"`
	Role       Role   `json:"role,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Message    string `json:"message,omitempty"`
	Details    string `json:"details,omitempty"`
	Code       string `json:"code,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	Fatal      bool   `json:"fatal,omitempty"`
	Data       any    `json:"data,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// ErrorMessage 把错误转换为客户端可识别的 error 帧。
func ErrorMessage(err error) ServerMessage {
	kind := KindOf(err)
	msg := ServerMessage{
		Type:      ServerError,
		Code:      string(kind),
		Retryable: kind.Retryable(),
		Fatal:     kind.Fatal(),
	}

	if re, ok := AsError(err); ok {
		msg.Message = re.Message
		msg.Details = re.Detail
		if msg.Details == "" && re.Err != nil {
			msg.Details = re.Err.Error()
		}
	} else if err != nil {
		msg.Message = err.Error()
	}
	return msg
}
