package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
	"github.com/zhouzirui/z-tavern/relay/internal/model/speech"
)

const defaultVolcengineEndpoint = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

// VolcengineTTSClient 火山引擎单向流式合成客户端
type VolcengineTTSClient struct {
	config speech.VolcengineConfig
	dialer *websocket.Dialer
}

type ttsServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
	Addition struct {
		Duration string `json:"duration,omitempty"`
	} `json:"addition,omitempty"`
}

type volcengineTTSRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string                   `json:"speaker"`
		Text        string                   `json:"text"`
		AudioParams volcengineTTSAudioParams `json:"audio_params"`
		Additions   string                   `json:"additions,omitempty"`
		Language    string                   `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcengineTTSAudioParams struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

// NewVolcengineTTSClient 创建火山引擎合成客户端
func NewVolcengineTTSClient(cfg speech.VolcengineConfig) *VolcengineTTSClient {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		cfg.Endpoint = defaultVolcengineEndpoint
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	return &VolcengineTTSClient{
		config: cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: 15 * time.Second},
	}
}

// Name 返回提供方名称
func (c *VolcengineTTSClient) Name() string {
	return "volcengine"
}

// Synthesize 依次尝试候选声音与资源ID，直到某个组合成功。
func (c *VolcengineTTSClient) Synthesize(ctx context.Context, req *speech.SynthesisRequest) (*speech.SynthesisResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, relay.Errorf(relay.KindConfig, "synthesis text is empty")
	}

	appKey, accessKey, err := c.credentials()
	if err != nil {
		return nil, err
	}

	speakers := resolveTTSSpeakerCandidates(req.Voice, c.config.Voice)
	var lastMismatch error

	for speakerIdx, speaker := range speakers {
		for resourceIdx, resourceID := range resolveTTSResourceCandidates(speaker) {
			result, attemptErr := c.synthesizeWithResource(ctx, req, appKey, accessKey, speaker, resourceID)
			if attemptErr == nil {
				if resourceIdx > 0 || speakerIdx > 0 {
					log.Printf("[synthesis] volcengine voice %s succeeded with fallback resource %s", speaker, resourceID)
				}
				return result, nil
			}
			if !isResourceMismatchError(attemptErr) {
				return nil, attemptErr
			}
			log.Printf("[synthesis] volcengine voice %s resource %s mismatch: %v", speaker, resourceID, attemptErr)
			lastMismatch = attemptErr
		}
	}

	if lastMismatch != nil {
		return nil, relay.NewError(relay.KindConfig, "no compatible resource for voice", lastMismatch)
	}
	return nil, relay.Errorf(relay.KindConfig, "no compatible resource id for voice candidates %v", speakers)
}

// credentials 返回规范化后的 AppID 与 AccessToken
func (c *VolcengineTTSClient) credentials() (string, string, error) {
	appID := strings.TrimSpace(c.config.AppID)
	token := strings.TrimSpace(c.config.AccessToken)
	if token == "" {
		token = strings.TrimSpace(c.config.APIKey)
	}
	if appID == "" || token == "" {
		return "", "", relay.Errorf(relay.KindConfig, "火山引擎语音配置缺少 AppID 或 AccessToken")
	}
	return appID, token, nil
}

func (c *VolcengineTTSClient) synthesizeWithResource(
	ctx context.Context,
	req *speech.SynthesisRequest,
	appKey, accessKey, speaker, resourceID string,
) (*speech.SynthesisResult, error) {
	connectID := uuid.NewString()

	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, c.config.Endpoint, header)
	if err != nil {
		if resp != nil {
			switch resp.StatusCode {
			case http.StatusUnauthorized, http.StatusForbidden:
				return nil, relay.NewError(relay.KindAuth, "火山引擎鉴权失败", err)
			case http.StatusTooManyRequests:
				return nil, relay.NewError(relay.KindQuota, "火山引擎调用频率超限", err)
			}
		}
		return nil, relay.NewError(relay.KindTransient, "failed to connect to TTS websocket", err)
	}
	defer conn.Close()

	// 上下文取消时关闭连接以打断阻塞的读取
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	payload, err := sonic.ConfigStd.Marshal(c.buildTTSRequest(req, speaker))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TTS request: %w", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, NewRequestFrame(payload, NoCompression).Marshal()); err != nil {
		return nil, relay.NewError(relay.KindTransient, "failed to send TTS request", err)
	}

	var (
		audio    bytes.Buffer
		reqID    string
		duration int64
	)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, relay.NewError(relay.KindTimeout, "synthesis timed out", ctx.Err())
			}
			return nil, relay.NewError(relay.KindTransient, "failed to read TTS response", err)
		}

		frame, err := UnmarshalFrame(data)
		if err != nil {
			return nil, relay.NewError(relay.KindMalformedAudio, "failed to decode TTS frame", err)
		}
		body, err := frame.Body()
		if err != nil {
			return nil, relay.NewError(relay.KindMalformedAudio, "failed to decompress TTS frame", err)
		}

		switch frame.Type {
		case ErrorMessage:
			return nil, fmt.Errorf("TTS error %d: %s", frame.ErrorCode, string(body))

		case AudioOnlyServerResponse:
			audio.Write(body)

		case FullServerResponse:
			var msg ttsServerMessage
			if len(body) > 0 {
				if err := sonic.ConfigStd.Unmarshal(body, &msg); err != nil {
					log.Printf("[synthesis] volcengine payload decode failed: %v", err)
				} else {
					if msg.Code != 0 && msg.Code != 3000 {
						return nil, fmt.Errorf("TTS API error %d: %s", msg.Code, msg.Message)
					}
					if msg.ReqID != "" {
						reqID = msg.ReqID
					}
					if ms, err := strconv.ParseInt(msg.Addition.Duration, 10, 64); err == nil {
						duration = ms
					}
					if msg.Data != "" {
						chunk, err := base64.StdEncoding.DecodeString(msg.Data)
						if err != nil {
							return nil, relay.NewError(relay.KindMalformedAudio, "failed to decode base64 audio chunk", err)
						}
						audio.Write(chunk)
					}
				}
			}

			finished := (frame.hasEvent() && frame.Event == EventSessionFinished) || frame.IsLast() || msg.Sequence < 0
			if finished {
				if audio.Len() == 0 {
					return nil, relay.Errorf(relay.KindMalformedAudio, "TTS audio is empty")
				}
				if reqID == "" {
					reqID = connectID
				}
				return &speech.SynthesisResult{
					SessionID: req.SessionID,
					AudioData: audio.Bytes(),
					Duration:  duration,
					Format:    c.format(req),
					Voice:     speaker,
					RequestID: reqID,
					CreatedAt: time.Now(),
				}, nil
			}

		default:
			log.Printf("[synthesis] volcengine unexpected frame type: %d", frame.Type)
		}
	}
}

func (c *VolcengineTTSClient) format(req *speech.SynthesisRequest) string {
	format := strings.TrimSpace(req.Format)
	if format == "" {
		format = strings.TrimSpace(c.config.Format)
	}
	// wav 在流式接口上不可用
	if format == "" || format == "wav" {
		format = "mp3"
	}
	return format
}

// buildTTSRequest 构建合成请求负载
func (c *VolcengineTTSClient) buildTTSRequest(req *speech.SynthesisRequest, speaker string) *volcengineTTSRequest {
	ttsReq := &volcengineTTSRequest{}

	ttsReq.User.UID = strings.TrimSpace(req.SessionID)
	if ttsReq.User.UID == "" {
		ttsReq.User.UID = uuid.NewString()
	}

	ttsReq.ReqParams.Speaker = speaker
	if ttsReq.ReqParams.Speaker == "" {
		ttsReq.ReqParams.Speaker = strings.TrimSpace(c.config.Voice)
	}
	ttsReq.ReqParams.Text = req.Text
	ttsReq.ReqParams.AudioParams.Format = c.format(req)
	ttsReq.ReqParams.AudioParams.SampleRate = c.config.SampleRate

	speed := req.Speed
	if speed <= 0 {
		speed = c.config.Speed
	}
	if speed > 0 && speed != 1.0 {
		ttsReq.ReqParams.AudioParams.SpeedRatio = speed
	}

	volume := req.Volume
	if volume <= 0 {
		volume = c.config.Volume
	}
	if volume > 0 && volume != 1.0 {
		ttsReq.ReqParams.AudioParams.VolumeRatio = volume
	}

	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = strings.TrimSpace(c.config.Language)
	}
	ttsReq.ReqParams.Language = language
	ttsReq.ReqParams.Additions = `{"disable_markdown_filter":false}`

	return ttsReq
}

func resolveTTSResourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts", "uranus", "venus", "jupiter", "saturn", "mars"} {
		if voice != "" && strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}
	return []string{defaultResource, seedResource}
}

func resolveTTSSpeakerCandidates(requested, fallback string) []string {
	aliases := map[string]string{
		"default":    fallback,
		"en_default": "en_female_amy_jupiter_bigtts",
		"zh_default": "zh_female_vv_uranus_bigtts",
	}

	var candidates []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if mapped, ok := aliases[strings.ToLower(s)]; ok {
			s = strings.TrimSpace(mapped)
		}
		if s == "" {
			return
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		candidates = append(candidates, s)
	}

	add(requested)
	add(fallback)

	if len(candidates) == 0 {
		return []string{""}
	}
	return candidates
}

func isResourceMismatchError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "resource ID is mismatched with speaker related resource")
}
