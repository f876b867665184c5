package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
	"github.com/zhouzirui/z-tavern/relay/internal/model/speech"
)

const defaultElevenLabsBaseURL = "https://api.elevenlabs.io"

// maxAudioBytes 单次合成音频的上限，超出视为异常响应
var maxAudioBytes int64 = 16 << 20

// ElevenLabsClient ElevenLabs 文本转语音客户端
type ElevenLabsClient struct {
	config speech.ElevenLabsConfig
	client *http.Client
}

type elevenLabsRequest struct {
	Text          string                  `json:"text"`
	ModelID       string                  `json:"model_id,omitempty"`
	VoiceSettings elevenLabsVoiceSettings `json:"voice_settings"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

// NewElevenLabsClient 创建 ElevenLabs 客户端，重定向不会被跟随，用于识别地区封锁。
func NewElevenLabsClient(cfg speech.ElevenLabsConfig) *ElevenLabsClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultElevenLabsBaseURL
	}
	if cfg.Stability == 0 {
		cfg.Stability = 0.5
	}
	if cfg.SimilarityBoost == 0 {
		cfg.SimilarityBoost = 0.75
	}

	return &ElevenLabsClient{
		config: cfg,
		client: &http.Client{
			Timeout: 60 * time.Second,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Name 返回提供方名称
func (c *ElevenLabsClient) Name() string {
	return "elevenlabs"
}

// Synthesize 调用 text-to-speech 接口
func (c *ElevenLabsClient) Synthesize(ctx context.Context, req *speech.SynthesisRequest) (*speech.SynthesisResult, error) {
	if strings.TrimSpace(c.config.APIKey) == "" {
		return nil, relay.Errorf(relay.KindConfig, "ElevenLabs API key is not configured")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, relay.Errorf(relay.KindConfig, "synthesis text is empty")
	}

	voice := strings.TrimSpace(req.Voice)
	if voice == "" {
		voice = c.config.VoiceID
	}
	if voice == "" {
		return nil, relay.Errorf(relay.KindConfig, "no voice id for synthesis")
	}

	body, err := sonic.ConfigStd.Marshal(elevenLabsRequest{
		Text:    req.Text,
		ModelID: c.config.Model,
		VoiceSettings: elevenLabsVoiceSettings{
			Stability:       c.config.Stability,
			SimilarityBoost: c.config.SimilarityBoost,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal synthesis request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(voice), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build synthesis request: %w", err)
	}
	httpReq.Header.Set("xi-api-key", c.config.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/mpeg")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, relay.NewError(relay.KindTimeout, "synthesis timed out", err)
		}
		return nil, relay.NewError(relay.KindTransient, "synthesis request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAudioBytes+1))
	if err != nil {
		return nil, relay.NewError(relay.KindTransient, "failed to read synthesis response", err)
	}

	if err := classifyElevenLabsResponse(resp, data); err != nil {
		log.Printf("[synthesis] elevenlabs voice=%s status=%d: %v", voice, resp.StatusCode, err)
		return nil, err
	}
	if int64(len(data)) > maxAudioBytes {
		log.Printf("[synthesis] elevenlabs voice=%s returned more than %d bytes", voice, maxAudioBytes)
		return nil, relay.Errorf(relay.KindMalformedAudio, "synthesis response exceeds %d bytes", maxAudioBytes)
	}

	return &speech.SynthesisResult{
		SessionID: req.SessionID,
		AudioData: data,
		Format:    "mp3",
		Voice:     voice,
		RequestID: resp.Header.Get("request-id"),
		CreatedAt: time.Now(),
	}, nil
}

func (c *ElevenLabsClient) endpoint(voice string) string {
	u := strings.TrimRight(c.config.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(voice)
	if c.config.LatencyLevel > 0 {
		u += "?optimize_streaming_latency=" + strconv.Itoa(c.config.LatencyLevel)
	}
	return u
}

// classifyElevenLabsResponse 把状态码与响应体映射到错误类别。
func classifyElevenLabsResponse(resp *http.Response, body []byte) error {
	text := strings.ToLower(string(body[:min(len(body), 2048)]))
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))

	switch {
	case resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound:
		return relay.Errorf(relay.KindBlocked, "synthesis service redirected the request, the region may be blocked").
			WithDetail(resp.Header.Get("Location"))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if strings.Contains(text, "detected_unusual_activity") {
			return relay.Errorf(relay.KindQuota, "synthesis account flagged for unusual activity, check billing")
		}
		if isChallengePage(text) {
			return relay.Errorf(relay.KindBlocked, "synthesis request blocked by an edge challenge")
		}
		return relay.Errorf(relay.KindAuth, "synthesis authentication failed").WithDetail(preview(body))
	case resp.StatusCode == http.StatusTooManyRequests:
		return relay.Errorf(relay.KindQuota, "synthesis rate limit or quota exceeded").WithDetail(preview(body))
	case resp.StatusCode >= 500:
		return relay.Errorf(relay.KindTransient, "synthesis service error %d", resp.StatusCode).WithDetail(preview(body))
	case resp.StatusCode >= 400:
		if strings.Contains(text, "detected_unusual_activity") || strings.Contains(text, "quota_exceeded") {
			return relay.Errorf(relay.KindQuota, "synthesis quota exceeded").WithDetail(preview(body))
		}
		return relay.Errorf(relay.KindUpstream, "synthesis rejected the request with status %d", resp.StatusCode).WithDetail(preview(body))
	}

	if isChallengePage(text) {
		return relay.Errorf(relay.KindBlocked, "synthesis request blocked by an edge challenge")
	}
	if strings.HasPrefix(contentType, "text/html") {
		return relay.Errorf(relay.KindBlocked, "synthesis returned an HTML page instead of audio").WithDetail(preview(body))
	}
	if strings.HasPrefix(contentType, "application/json") {
		return relay.Errorf(relay.KindMalformedAudio, "synthesis returned JSON instead of audio").WithDetail(preview(body))
	}
	return nil
}

func isChallengePage(text string) bool {
	return strings.Contains(text, "just a moment") || strings.Contains(text, "cf-chl") || strings.Contains(text, "cloudflare")
}
