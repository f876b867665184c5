package speech

import "time"

// VolcengineConfig 火山引擎语音合成配置
type VolcengineConfig struct {
	AppID       string `json:"appId"`            // 火山引擎 APP ID
	AccessToken string `json:"accessToken"`      // 火山引擎 Access Token
	APIKey      string `json:"apiKey,omitempty"` // 兼容旧配置的 API Key
	Endpoint    string `json:"endpoint"`         // 单向流式合成地址

	Voice      string  `json:"voice"`
	Speed      float32 `json:"speed"`
	Volume     float32 `json:"volume"`
	Language   string  `json:"language"`
	Format     string  `json:"format"`
	SampleRate int     `json:"sampleRate"`
}

// ElevenLabsConfig ElevenLabs 合成配置
type ElevenLabsConfig struct {
	APIKey          string  `json:"-"`
	BaseURL         string  `json:"baseUrl"`
	Model           string  `json:"model,omitempty"`
	VoiceID         string  `json:"voiceId"`
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarityBoost"`
	// LatencyLevel 对应 optimize_streaming_latency 参数，0 表示不设置
	LatencyLevel int `json:"latencyLevel"`
}

// SynthesisOptions 合成服务的通用参数
type SynthesisOptions struct {
	Provider     string        `json:"provider"`
	Timeout      time.Duration `json:"timeout"`
	ChunkSize    int           `json:"chunkSize"`
	DefaultVoice string        `json:"defaultVoice"`
}
