package speech

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
	"github.com/zhouzirui/z-tavern/relay/internal/model/speech"
)

// Provider 具体的合成服务实现
type Provider interface {
	Name() string
	Synthesize(ctx context.Context, req *speech.SynthesisRequest) (*speech.SynthesisResult, error)
}

// Service 在 Provider 之上统一处理超时、声音解析与负载校验。
type Service struct {
	provider  Provider
	voices    *VoiceMap
	timeout   time.Duration
	chunkSize int
	voice     string
}

// NewService 创建合成服务
func NewService(provider Provider, opts speech.SynthesisOptions, voices *VoiceMap) *Service {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	chunkSize := opts.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Service{
		provider:  provider,
		voices:    voices,
		timeout:   timeout,
		chunkSize: chunkSize,
		voice:     strings.TrimSpace(opts.DefaultVoice),
	}
}

// Available 是否配置了合成服务
func (s *Service) Available() bool {
	return s != nil && s.provider != nil
}

// ChunkSize 返回单个音频块的大小
func (s *Service) ChunkSize() int {
	if s == nil || s.chunkSize <= 0 {
		return DefaultChunkSize
	}
	return s.chunkSize
}

// ResolveVoice 根据客户端指定的声音与教练ID确定最终声音
func (s *Service) ResolveVoice(voiceID, coachID string) string {
	if s == nil {
		return strings.TrimSpace(voiceID)
	}
	if voice := s.voices.Resolve(voiceID, coachID); voice != "" {
		return voice
	}
	return s.voice
}

// Synthesize 合成一段完整文本，返回经过校验的音频。
// 调用受 timeout 约束，不会无限期阻塞会话。
func (s *Service) Synthesize(ctx context.Context, req *speech.SynthesisRequest) ([]byte, error) {
	if !s.Available() {
		return nil, relay.Errorf(relay.KindConfig, "synthesis service is not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	started := time.Now()
	result, err := s.provider.Synthesize(ctx, req)
	if err != nil {
		if _, ok := relay.AsError(err); !ok {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				err = relay.NewError(relay.KindTimeout, "synthesis timed out", err)
			case errors.Is(err, context.Canceled):
				return nil, err
			default:
				err = relay.NewError(relay.KindUpstream, fmt.Sprintf("%s synthesis failed", s.provider.Name()), err)
			}
		}
		return nil, err
	}

	if err := ValidateAudio(result.AudioData); err != nil {
		log.Printf("[synthesis] session=%s response=%s rejected %s payload: %v", req.SessionID, req.ResponseID, s.provider.Name(), err)
		return nil, err
	}

	log.Printf("[synthesis] session=%s response=%s %s produced %d bytes in %s", req.SessionID, req.ResponseID, s.provider.Name(), len(result.AudioData), time.Since(started).Round(time.Millisecond))
	return result.AudioData, nil
}
