package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	relaymodel "github.com/zhouzirui/z-tavern/relay/internal/model/relay"
	"github.com/zhouzirui/z-tavern/relay/internal/model/speech"
	"github.com/zhouzirui/z-tavern/relay/internal/service/dialogue"
	"github.com/zhouzirui/z-tavern/relay/internal/service/session"
	"github.com/zhouzirui/z-tavern/relay/internal/service/transcript"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server     ServerConfig
	Dialogue   DialogueConfig
	Relay      RelayConfig
	Synthesis  SynthesisConfig
	Transcript TranscriptConfig
	Coach      CoachConfig
	AI         AIConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	dialogueCfg, err := loadDialogueConfig()
	if err != nil {
		return nil, err
	}

	relayCfg, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	synthesis, err := loadSynthesisConfig()
	if err != nil {
		return nil, err
	}

	transcriptCfg, err := loadTranscriptConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	coachCfg := CoachConfig{
		File:     strings.TrimSpace(os.Getenv("COACHES_FILE")),
		Platform: getEnvOrDefault("COACH_PLATFORM", "10XCoach.ai"),
	}

	return &Config{
		Server:     server,
		Dialogue:   dialogueCfg,
		Relay:      relayCfg,
		Synthesis:  synthesis,
		Transcript: transcriptCfg,
		Coach:      coachCfg,
		AI:         ai,
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	var origins []string
	for _, o := range strings.Split(os.Getenv("CORS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// DialogueConfig 描述对话引擎连接配置。
type DialogueConfig struct {
	URL                string
	APIKey             string
	Model              string
	Voice              string
	Language           string
	TranscriptionModel string
	Instructions       string
	Greeting           string
	VADThreshold       *float64
	PrefixPaddingMs    *int
	SilenceMs          *int
	MaxRetries         int
}

// Enabled 表示是否提供了对话引擎密钥。
func (c DialogueConfig) Enabled() bool {
	return c.APIKey != ""
}

// RealtimeConfig 转换为实时客户端配置
func (c DialogueConfig) RealtimeConfig() dialogue.RealtimeConfig {
	opts := dialogue.DefaultConnectionOptions()
	if c.MaxRetries > 0 {
		opts.MaxRetries = c.MaxRetries
	}
	return dialogue.RealtimeConfig{
		URL:     c.URL,
		APIKey:  c.APIKey,
		Model:   c.Model,
		Options: opts,
	}
}

// TurnDetection 只有设置了任意 VAD 参数时才返回非空值，否则由客户端 commit 驱动。
func (c DialogueConfig) TurnDetection() *dialogue.TurnDetection {
	if c.VADThreshold == nil && c.PrefixPaddingMs == nil && c.SilenceMs == nil {
		return nil
	}
	td := &dialogue.TurnDetection{Type: "server_vad", CreateResponse: true}
	if c.VADThreshold != nil {
		td.Threshold = *c.VADThreshold
	}
	if c.PrefixPaddingMs != nil {
		td.PrefixPaddingMs = *c.PrefixPaddingMs
	}
	if c.SilenceMs != nil {
		td.SilenceDurationMs = *c.SilenceMs
	}
	return td
}

func loadDialogueConfig() (DialogueConfig, error) {
	threshold, err := parseOptionalFloatEnv("DIALOGUE_VAD_THRESHOLD")
	if err != nil {
		return DialogueConfig{}, err
	}
	if threshold != nil && (*threshold < 0 || *threshold > 1) {
		return DialogueConfig{}, fmt.Errorf("invalid DIALOGUE_VAD_THRESHOLD value %q: must be within [0, 1]", os.Getenv("DIALOGUE_VAD_THRESHOLD"))
	}

	padding, err := parseOptionalIntEnv("DIALOGUE_PREFIX_PADDING_MS")
	if err != nil {
		return DialogueConfig{}, err
	}

	silence, err := parseOptionalIntEnv("DIALOGUE_SILENCE_MS")
	if err != nil {
		return DialogueConfig{}, err
	}

	retries := 3
	if override, err := parseOptionalIntEnv("DIALOGUE_MAX_RETRIES"); err != nil {
		return DialogueConfig{}, err
	} else if override != nil && *override > 0 {
		retries = *override
	}

	apiKey := strings.TrimSpace(os.Getenv("DIALOGUE_API_KEY"))
	if apiKey == "" {
		apiKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}

	return DialogueConfig{
		URL:                getEnvOrDefault("DIALOGUE_URL", "wss://api.openai.com/v1/realtime"),
		APIKey:             apiKey,
		Model:              getEnvOrDefault("DIALOGUE_MODEL", "gpt-4o-realtime-preview"),
		Voice:              getEnvOrDefault("DIALOGUE_VOICE", "alloy"),
		Language:           getEnvOrDefault("DIALOGUE_LANGUAGE", ""),
		TranscriptionModel: getEnvOrDefault("DIALOGUE_TRANSCRIPTION_MODEL", "whisper-1"),
		Instructions:       getEnvOrDefault("DIALOGUE_INSTRUCTIONS", ""),
		Greeting:           getEnvOrDefault("DIALOGUE_GREETING", ""),
		VADThreshold:       threshold,
		PrefixPaddingMs:    padding,
		SilenceMs:          silence,
		MaxRetries:         retries,
	}, nil
}

// RelayConfig 描述会话与客户端连接参数。
type RelayConfig struct {
	ResponseTimeout   time.Duration
	KeepAliveInterval time.Duration
	IdleThreshold     time.Duration
	ErrorWindow       time.Duration
	ErrorThreshold    int
	InterruptPolicy   session.InterruptPolicy
	DefaultMode       relaymodel.Mode
	OutboxSize        int
	SweepInterval     time.Duration
}

// SessionConfig 合并会话参数与对话引擎默认值
func (c *Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.ResponseTimeout = c.Relay.ResponseTimeout
	cfg.KeepAliveInterval = c.Relay.KeepAliveInterval
	cfg.IdleThreshold = c.Relay.IdleThreshold
	cfg.ErrorWindow = c.Relay.ErrorWindow
	cfg.ErrorThreshold = c.Relay.ErrorThreshold
	cfg.InterruptPolicy = c.Relay.InterruptPolicy
	cfg.DefaultMode = c.Relay.DefaultMode
	cfg.OutboxSize = c.Relay.OutboxSize

	cfg.Instructions = c.Dialogue.Instructions
	cfg.Voice = c.Dialogue.Voice
	cfg.Language = c.Dialogue.Language
	cfg.TranscriptionModel = c.Dialogue.TranscriptionModel
	cfg.Greeting = c.Dialogue.Greeting
	cfg.TurnDetection = c.Dialogue.TurnDetection()
	return cfg
}

func loadRelayConfig() (RelayConfig, error) {
	defaults := session.DefaultConfig()
	cfg := RelayConfig{
		ResponseTimeout:   defaults.ResponseTimeout,
		KeepAliveInterval: defaults.KeepAliveInterval,
		IdleThreshold:     defaults.IdleThreshold,
		ErrorWindow:       defaults.ErrorWindow,
		ErrorThreshold:    defaults.ErrorThreshold,
		InterruptPolicy:   defaults.InterruptPolicy,
		DefaultMode:       defaults.DefaultMode,
		OutboxSize:        defaults.OutboxSize,
		SweepInterval:     30 * time.Second,
	}

	durations := []struct {
		key    string
		target *time.Duration
	}{
		{"RELAY_RESPONSE_TIMEOUT", &cfg.ResponseTimeout},
		{"RELAY_KEEPALIVE_INTERVAL", &cfg.KeepAliveInterval},
		{"RELAY_IDLE_THRESHOLD", &cfg.IdleThreshold},
		{"RELAY_ERROR_WINDOW", &cfg.ErrorWindow},
		{"RELAY_SWEEP_INTERVAL", &cfg.SweepInterval},
	}
	for _, d := range durations {
		val, err := parseOptionalDurationEnv(d.key)
		if err != nil {
			return RelayConfig{}, err
		}
		if val != nil {
			*d.target = *val
		}
	}

	if threshold, err := parseOptionalIntEnv("RELAY_ERROR_THRESHOLD"); err != nil {
		return RelayConfig{}, err
	} else if threshold != nil {
		if *threshold < 1 {
			return RelayConfig{}, fmt.Errorf("invalid RELAY_ERROR_THRESHOLD value %q: must be positive", os.Getenv("RELAY_ERROR_THRESHOLD"))
		}
		cfg.ErrorThreshold = *threshold
	}

	if size, err := parseOptionalIntEnv("RELAY_OUTBOX_SIZE"); err != nil {
		return RelayConfig{}, err
	} else if size != nil && *size > 0 {
		cfg.OutboxSize = *size
	}

	rawPolicy := strings.TrimSpace(os.Getenv("RELAY_INTERRUPT_POLICY"))
	policy, ok := session.ParseInterruptPolicy(rawPolicy)
	if !ok {
		return RelayConfig{}, fmt.Errorf("invalid RELAY_INTERRUPT_POLICY value %q: expected supersede or immediate", rawPolicy)
	}
	cfg.InterruptPolicy = policy

	if rawMode := strings.TrimSpace(os.Getenv("RELAY_DEFAULT_MODE")); rawMode != "" {
		mode, ok := relaymodel.ParseMode(rawMode)
		if !ok {
			return RelayConfig{}, fmt.Errorf("invalid RELAY_DEFAULT_MODE value %q: unknown mode", rawMode)
		}
		cfg.DefaultMode = mode
	}

	return cfg, nil
}

// 合成服务提供方
const (
	ProviderElevenLabs = "elevenlabs"
	ProviderVolcengine = "volcengine"
)

// SynthesisConfig 描述语音合成配置
type SynthesisConfig struct {
	Options      speech.SynthesisOptions
	ElevenLabs   speech.ElevenLabsConfig
	Volcengine   speech.VolcengineConfig
	VoiceMapFile string
}

// Enabled 表示所选提供方的凭证是否齐全。
func (c SynthesisConfig) Enabled() bool {
	switch c.Options.Provider {
	case ProviderElevenLabs:
		return c.ElevenLabs.APIKey != ""
	case ProviderVolcengine:
		return c.Volcengine.AppID != "" && c.Volcengine.AccessToken != ""
	default:
		return false
	}
}

func loadSynthesisConfig() (SynthesisConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("SYNTH_PROVIDER", ProviderElevenLabs))
	if provider != ProviderElevenLabs && provider != ProviderVolcengine {
		return SynthesisConfig{}, fmt.Errorf("invalid SYNTH_PROVIDER value %q: expected elevenlabs or volcengine", provider)
	}

	timeout := 15 * time.Second
	if override, err := parseOptionalDurationEnv("SYNTH_TIMEOUT"); err != nil {
		return SynthesisConfig{}, err
	} else if override != nil {
		timeout = *override
	}

	chunkSize := 4096
	if override, err := parseOptionalIntEnv("SYNTH_CHUNK_BYTES"); err != nil {
		return SynthesisConfig{}, err
	} else if override != nil {
		if *override <= 0 {
			return SynthesisConfig{}, fmt.Errorf("invalid SYNTH_CHUNK_BYTES value %q: must be positive", os.Getenv("SYNTH_CHUNK_BYTES"))
		}
		chunkSize = *override
	}

	stability, err := parseOptionalFloatEnv("ELEVENLABS_STABILITY")
	if err != nil {
		return SynthesisConfig{}, err
	}
	similarity, err := parseOptionalFloatEnv("ELEVENLABS_SIMILARITY_BOOST")
	if err != nil {
		return SynthesisConfig{}, err
	}
	latency, err := parseOptionalIntEnv("ELEVENLABS_LATENCY_LEVEL")
	if err != nil {
		return SynthesisConfig{}, err
	}

	eleven := speech.ElevenLabsConfig{
		APIKey:          strings.TrimSpace(os.Getenv("ELEVENLABS_API_KEY")),
		BaseURL:         getEnvOrDefault("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		Model:           getEnvOrDefault("ELEVENLABS_MODEL", "eleven_multilingual_v2"),
		VoiceID:         getEnvOrDefault("ELEVENLABS_VOICE_ID", ""),
		Stability:       0.5,
		SimilarityBoost: 0.75,
	}
	if stability != nil {
		eleven.Stability = *stability
	}
	if similarity != nil {
		eleven.SimilarityBoost = *similarity
	}
	if latency != nil {
		eleven.LatencyLevel = *latency
	}

	volc, err := loadVolcengineConfig()
	if err != nil {
		return SynthesisConfig{}, err
	}

	defaultVoice := eleven.VoiceID
	if provider == ProviderVolcengine {
		defaultVoice = volc.Voice
	}

	return SynthesisConfig{
		Options: speech.SynthesisOptions{
			Provider:     provider,
			Timeout:      timeout,
			ChunkSize:    chunkSize,
			DefaultVoice: defaultVoice,
		},
		ElevenLabs:   eleven,
		Volcengine:   volc,
		VoiceMapFile: strings.TrimSpace(os.Getenv("VOICE_MAP_FILE")),
	}, nil
}

func loadVolcengineConfig() (speech.VolcengineConfig, error) {
	// 解析TTS速度和音量
	speed, err := parseOptionalFloat32Env("SPEECH_TTS_SPEED")
	if err != nil {
		return speech.VolcengineConfig{}, err
	}
	ttsSpeed := float32(1.0) // 默认1.0倍速
	if speed != nil {
		ttsSpeed = *speed
	}

	volume, err := parseOptionalFloat32Env("SPEECH_TTS_VOLUME")
	if err != nil {
		return speech.VolcengineConfig{}, err
	}
	ttsVolume := float32(1.0) // 默认1.0音量
	if volume != nil {
		ttsVolume = *volume
	}

	sampleRate := 24000
	if override, err := parseOptionalIntEnv("SPEECH_TTS_SAMPLE_RATE"); err != nil {
		return speech.VolcengineConfig{}, err
	} else if override != nil && *override > 0 {
		sampleRate = *override
	}

	accessToken := strings.TrimSpace(os.Getenv("SPEECH_ACCESS_TOKEN"))
	apiKey := strings.TrimSpace(os.Getenv("SPEECH_API_KEY"))
	if accessToken == "" {
		accessToken = apiKey
	}

	return speech.VolcengineConfig{
		AppID:       strings.TrimSpace(os.Getenv("SPEECH_APP_ID")),
		AccessToken: accessToken,
		APIKey:      apiKey,
		Endpoint:    getEnvOrDefault("SPEECH_TTS_ENDPOINT", ""),
		Voice:       getEnvOrDefault("SPEECH_TTS_VOICE", ""),
		Speed:       ttsSpeed,
		Volume:      ttsVolume,
		Language:    getEnvOrDefault("SPEECH_TTS_LANGUAGE", "zh-CN"),
		Format:      getEnvOrDefault("SPEECH_TTS_FORMAT", "pcm"),
		SampleRate:  sampleRate,
	}, nil
}

// TranscriptConfig 描述对话记录的落盘目标。
type TranscriptConfig struct {
	HTTPURL   string
	MQTT      transcript.MQTTConfig
	QueueSize int
	Workers   int
	Timeout   time.Duration
}

// FlusherOptions 转换为写出队列参数
func (c TranscriptConfig) FlusherOptions() transcript.Options {
	return transcript.Options{QueueSize: c.QueueSize, Workers: c.Workers, Timeout: c.Timeout}
}

func loadTranscriptConfig() (TranscriptConfig, error) {
	httpURL := strings.TrimSpace(os.Getenv("TRANSCRIPT_HTTP_URL"))
	if httpURL == "" {
		if base := strings.TrimRight(strings.TrimSpace(os.Getenv("MAIN_API_URL")), "/"); base != "" {
			httpURL = base + "/api/sessions"
		}
	}

	qos := 1
	if override, err := parseOptionalIntEnv("TRANSCRIPT_MQTT_QOS"); err != nil {
		return TranscriptConfig{}, err
	} else if override != nil {
		if *override < 0 || *override > 2 {
			return TranscriptConfig{}, fmt.Errorf("invalid TRANSCRIPT_MQTT_QOS value %q: expected 0, 1 or 2", os.Getenv("TRANSCRIPT_MQTT_QOS"))
		}
		qos = *override
	}

	cfg := TranscriptConfig{
		HTTPURL: httpURL,
		MQTT: transcript.MQTTConfig{
			Broker:   strings.TrimSpace(os.Getenv("TRANSCRIPT_MQTT_BROKER")),
			ClientID: getEnvOrDefault("TRANSCRIPT_MQTT_CLIENT_ID", "voice-relay"),
			Username: strings.TrimSpace(os.Getenv("TRANSCRIPT_MQTT_USERNAME")),
			Password: os.Getenv("TRANSCRIPT_MQTT_PASSWORD"),
			Topic:    getEnvOrDefault("TRANSCRIPT_MQTT_TOPIC", "relay/transcripts"),
			QoS:      byte(qos),
		},
		QueueSize: 64,
		Workers:   2,
		Timeout:   30 * time.Second,
	}

	if size, err := parseOptionalIntEnv("TRANSCRIPT_QUEUE_SIZE"); err != nil {
		return TranscriptConfig{}, err
	} else if size != nil && *size > 0 {
		cfg.QueueSize = *size
	}

	if workers, err := parseOptionalIntEnv("TRANSCRIPT_WORKERS"); err != nil {
		return TranscriptConfig{}, err
	} else if workers != nil && *workers > 0 {
		cfg.Workers = *workers
	}

	if timeout, err := parseOptionalDurationEnv("TRANSCRIPT_TIMEOUT"); err != nil {
		return TranscriptConfig{}, err
	} else if timeout != nil {
		cfg.Timeout = *timeout
	}

	return cfg, nil
}

// CoachConfig 教练目录配置，File 为空时只使用内置列表。
type CoachConfig struct {
	File     string
	Platform string
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey            string
	AccessKey         string
	SecretKey         string
	Model             string
	BaseURL           string
	Region            string
	Temperature       *float64
	TopP              *float64
	MaxTokens         *int
	SummaryEnabled    bool
	SummaryMaxEntries int
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// SummaryConfig 转换为摘要参数
func (c AIConfig) SummaryConfig() transcript.SummaryConfig {
	return transcript.SummaryConfig{
		Enabled:    c.SummaryEnabled && c.Enabled(),
		MaxEntries: c.SummaryMaxEntries,
	}
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + Model 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	summaryEnabled, err := parseBoolEnv("SUMMARY_ENABLED", true)
	if err != nil {
		return AIConfig{}, err
	}

	maxEntries := 200
	if override, err := parseOptionalIntEnv("SUMMARY_MAX_ENTRIES"); err != nil {
		return AIConfig{}, err
	} else if override != nil {
		if *override < 1 {
			maxEntries = 1
		} else {
			maxEntries = *override
		}
	}

	return AIConfig{
		APIKey:            strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:         strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:         strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:             strings.TrimSpace(os.Getenv("Model")),
		BaseURL:           getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:            getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:       temperature,
		TopP:              topP,
		MaxTokens:         maxTokens,
		SummaryEnabled:    summaryEnabled,
		SummaryMaxEntries: maxEntries,
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalFloat32Env(key string) (*float32, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	result := float32(val)
	return &result, nil
}

// parseOptionalDurationEnv 支持 "20s" 这样的时长，纯数字按秒处理。
func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		d := time.Duration(seconds) * time.Second
		if d <= 0 {
			return nil, fmt.Errorf("invalid %s value %q: must be positive", key, value)
		}
		return &d, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	if d <= 0 {
		return nil, fmt.Errorf("invalid %s value %q: must be positive", key, value)
	}
	return &d, nil
}
