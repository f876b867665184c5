package session

import (
	"strings"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// AudioSource 响应音频的来源策略，会话开始时选定，之后不再改变。
type AudioSource interface {
	Mode() relay.Mode
	// Modalities 向对话引擎请求的输出模态
	Modalities() []string
	// ForwardsEngineAudio 是否转发引擎产生的音频
	ForwardsEngineAudio() bool
	// ForwardsText 是否把文字增量转发给客户端
	ForwardsText() bool
	// OnText 收到当前响应的文字增量
	OnText(delta string)
	// Complete 响应正常结束，返回待合成文本；deferred 为 true 时音频稍后送达
	Complete() (text string, deferred bool)
	// Reset 丢弃当前响应的中间状态
	Reset()
}

// NewAudioSource 按模式创建音频来源
func NewAudioSource(mode relay.Mode) AudioSource {
	switch mode {
	case relay.ModeSynthesisAudio:
		return &synthesisSource{}
	case relay.ModeTextOnly:
		return textSource{}
	default:
		return engineSource{}
	}
}

type engineSource struct{}

func (engineSource) Mode() relay.Mode          { return relay.ModeEngineAudio }
func (engineSource) Modalities() []string      { return []string{"text", "audio"} }
func (engineSource) ForwardsEngineAudio() bool { return true }
func (engineSource) ForwardsText() bool        { return true }
func (engineSource) OnText(string)             {}
func (engineSource) Complete() (string, bool)  { return "", false }
func (engineSource) Reset()                    {}

type textSource struct{}

func (textSource) Mode() relay.Mode          { return relay.ModeTextOnly }
func (textSource) Modalities() []string      { return []string{"text"} }
func (textSource) ForwardsEngineAudio() bool { return false }
func (textSource) ForwardsText() bool        { return true }
func (textSource) OnText(string)             {}
func (textSource) Complete() (string, bool)  { return "", false }
func (textSource) Reset()                    {}

// synthesisSource 累积引擎文字，响应结束后交给合成服务
type synthesisSource struct {
	buf strings.Builder
}

func (s *synthesisSource) Mode() relay.Mode          { return relay.ModeSynthesisAudio }
func (s *synthesisSource) Modalities() []string      { return []string{"text"} }
func (s *synthesisSource) ForwardsEngineAudio() bool { return false }
func (s *synthesisSource) ForwardsText() bool        { return false }

func (s *synthesisSource) OnText(delta string) {
	s.buf.WriteString(delta)
}

func (s *synthesisSource) Complete() (string, bool) {
	text := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return text, text != ""
}

func (s *synthesisSource) Reset() {
	s.buf.Reset()
}
