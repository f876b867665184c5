package dialogue

import (
	"encoding/base64"
	"strings"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// CodeCancelNotActive 取消一个已经结束的响应时引擎返回的错误码
const CodeCancelNotActive = "response_cancel_not_active"

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type responseStatusDetails struct {
	Type   string    `json:"type"`
	Reason string    `json:"reason"`
	Error  *apiError `json:"error"`
}

type responseInfo struct {
	ID            string                 `json:"id"`
	Status        string                 `json:"status"`
	StatusDetails *responseStatusDetails `json:"status_details"`
}

// serverEvent 引擎下发的事件，字段取并集
type serverEvent struct {
	Type       string        `json:"type"`
	ResponseID string        `json:"response_id"`
	Delta      string        `json:"delta"`
	Transcript string        `json:"transcript"`
	Text       string        `json:"text"`
	Response   *responseInfo `json:"response"`
	Error      *apiError     `json:"error"`
}

// 发往引擎的消息
type clientEvent struct {
	Type       string         `json:"type"`
	Audio      string         `json:"audio,omitempty"`
	ResponseID string         `json:"response_id,omitempty"`
	Session    *sessionUpdate `json:"session,omitempty"`
	Item       *conversation  `json:"item,omitempty"`
}

type sessionUpdate struct {
	Modalities              []string       `json:"modalities"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection"`
}

type transcription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type conversation struct {
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func newSessionUpdate(cfg SessionConfig) clientEvent {
	modalities := cfg.Modalities
	if len(modalities) == 0 {
		modalities = []string{"text", "audio"}
	}
	update := &sessionUpdate{
		Modalities:        modalities,
		Instructions:      cfg.Instructions,
		Voice:             cfg.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     cfg.TurnDetection,
	}
	if cfg.TranscriptionModel != "" {
		update.InputAudioTranscription = &transcription{Model: cfg.TranscriptionModel, Language: cfg.Language}
	}
	return clientEvent{Type: "session.update", Session: update}
}

func newUserText(text string) clientEvent {
	return clientEvent{
		Type: "conversation.item.create",
		Item: &conversation{
			Type:    "message",
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: text}},
		},
	}
}

// translate 把引擎事件映射为通用事件，忽略的事件返回 false。
func translate(ev *serverEvent) (Event, bool) {
	switch ev.Type {
	case "session.updated":
		return Event{Type: EventReady}, true

	case "response.created":
		if ev.Response == nil || ev.Response.ID == "" {
			return Event{}, false
		}
		return Event{Type: EventResponseCreated, ResponseID: ev.Response.ID}, true

	case "response.text.delta", "response.output_text.delta", "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		if ev.Delta == "" {
			return Event{}, false
		}
		return Event{Type: EventTextDelta, ResponseID: ev.ResponseID, Text: ev.Delta}, true

	case "response.audio.delta", "response.output_audio.delta":
		audio, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			return Event{Type: EventError, ResponseID: ev.ResponseID, Err: relay.NewError(relay.KindTransient, "undecodable audio delta", err)}, true
		}
		if len(audio) == 0 {
			return Event{}, false
		}
		return Event{Type: EventAudioDelta, ResponseID: ev.ResponseID, Audio: audio}, true

	case "response.audio_transcript.done", "response.output_audio_transcript.done":
		return Event{Type: EventTranscriptDone, ResponseID: ev.ResponseID, Text: ev.Transcript}, true

	case "response.text.done", "response.output_text.done":
		return Event{Type: EventTranscriptDone, ResponseID: ev.ResponseID, Text: ev.Text}, true

	case "conversation.item.input_audio_transcription.completed":
		return Event{Type: EventInputTranscribed, Text: ev.Transcript}, true

	case "input_audio_buffer.speech_started":
		return Event{Type: EventSpeechStarted}, true

	case "response.done":
		if ev.Response == nil {
			return Event{}, false
		}
		out := Event{Type: EventResponseDone, ResponseID: ev.Response.ID, Status: ev.Response.Status}
		if d := ev.Response.StatusDetails; d != nil && d.Error != nil {
			out.Err = classifyAPIError(d.Error)
			out.Code = d.Error.Code
		}
		return out, true

	case "error":
		if ev.Error == nil {
			return Event{Type: EventError, Err: relay.Errorf(relay.KindUpstream, "unknown dialogue engine error")}, true
		}
		return Event{Type: EventError, Code: ev.Error.Code, Err: classifyAPIError(ev.Error)}, true
	}

	return Event{}, false
}

func classifyAPIError(e *apiError) error {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = "dialogue engine error"
	}
	lower := strings.ToLower(msg)

	kind := relay.KindUpstream
	switch {
	case e.Code == "invalid_api_key" || e.Type == "authentication_error":
		kind = relay.KindAuth
	case e.Code == "insufficient_quota" || e.Type == "insufficient_quota" || e.Code == "rate_limit_exceeded":
		kind = relay.KindQuota
	case strings.Contains(lower, "unsupported_country") || strings.Contains(lower, "not supported in your region") || e.Code == "unsupported_country_region_territory":
		kind = relay.KindBlocked
	case e.Type == "server_error":
		kind = relay.KindTransient
	}

	return relay.Errorf(kind, "%s", msg).WithDetail(e.Code)
}
