package speech

// SynthesisRequest 一次完整响应文本的合成请求
type SynthesisRequest struct {
	SessionID  string  `json:"sessionId"`
	ResponseID string  `json:"responseId,omitempty"`
	Text       string  `json:"text"`
	Voice      string  `json:"voice"`    // 声音ID，空值时使用默认声音
	Speed      float32 `json:"speed"`    // 语速倍率 0.5-2.0
	Volume     float32 `json:"volume"`   // 音量倍率
	Format     string  `json:"format"`   // mp3, ogg 等
	Language   string  `json:"language"` // en, zh-CN 等
}
