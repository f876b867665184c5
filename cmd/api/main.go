package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/joho/godotenv"

	"github.com/zhouzirui/z-tavern/relay/internal/config"
	"github.com/zhouzirui/z-tavern/relay/internal/handler"
	coachModel "github.com/zhouzirui/z-tavern/relay/internal/model/coach"
	"github.com/zhouzirui/z-tavern/relay/internal/service/coach"
	"github.com/zhouzirui/z-tavern/relay/internal/service/dialogue"
	"github.com/zhouzirui/z-tavern/relay/internal/service/relay"
	"github.com/zhouzirui/z-tavern/relay/internal/service/session"
	"github.com/zhouzirui/z-tavern/relay/internal/service/speech"
	"github.com/zhouzirui/z-tavern/relay/internal/service/transcript"
)

const shutdownReason = "Server shutting down"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// Dialogue engine
	var dialogueClient dialogue.Client
	if cfg.Dialogue.Enabled() {
		dialogueClient = dialogue.NewRealtimeClient(cfg.Dialogue.RealtimeConfig())
		log.Printf("Dialogue engine configured: %s (%s)", cfg.Dialogue.URL, cfg.Dialogue.Model)
	} else {
		log.Println("warning: DIALOGUE_API_KEY 未配置，会话在 start 时会返回配置错误")
	}

	synth := newSynthesisService(cfg.Synthesis)

	// Coach catalog
	coaches := coachModel.Seed()
	if cfg.Coach.File != "" {
		loaded, err := coachModel.LoadFile(cfg.Coach.File, coaches)
		if err != nil {
			log.Printf("warning: %v", err)
		} else {
			coaches = loaded
		}
	}
	coachStore := coachModel.NewMemoryStore(coaches)
	log.Printf("Loaded %d coaches", len(coaches))

	// Transcript summarizer (LLM-based with heuristic fallback)
	var chatModel model.ChatModel
	if cfg.AI.Enabled() {
		chatModel, err = cfg.AI.NewChatModel(ctx)
		if err != nil {
			log.Printf("warning: failed to initialize chat model: %v", err)
			chatModel = nil
		}
	} else {
		log.Println("Ark 凭证未配置，对话摘要使用启发式规则")
	}
	summarizer, err := transcript.NewSummarizer(ctx, chatModel, cfg.AI.SummaryConfig())
	if err != nil {
		log.Printf("warning: failed to initialize summarizer: %v", err)
		summarizer = nil
	} else if summarizer.Enabled() {
		log.Println("Transcript summarizer enabled")
	}

	sink, mqttSink := newTranscriptSink(cfg.Transcript)
	flusher := transcript.NewFlusher(sink, summarizer, cfg.Transcript.FlusherOptions())
	flusher.Start(ctx)

	registry := relay.NewRegistry()
	go registry.RunSweeper(ctx, cfg.Relay.SweepInterval)

	manager := relay.NewManager(cfg.SessionConfig(), session.Deps{
		Dialogue: dialogueClient,
		Synth:    synth,
		Flusher:  flusher,
		Coaches:  coach.NewDirectory(coachStore, cfg.Coach.Platform),
	}, registry, relay.Options{})

	router := handler.NewRouter(manager, coachStore, cfg.Server.AllowedOrigins)

	if err := startServer(ctx, cfg.Server, router, registry); err != nil {
		log.Printf("server error: %v", err)
	}

	// 结束全部会话后再排空对话记录队列
	closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	registry.CloseAll(closeCtx, shutdownReason)
	cancel()
	flusher.Close()
	if mqttSink != nil {
		mqttSink.Close()
	}
	log.Println("relay stopped")
}

func newSynthesisService(cfg config.SynthesisConfig) *speech.Service {
	var voices *speech.VoiceMap
	if cfg.VoiceMapFile != "" {
		vm, err := speech.LoadVoiceMap(cfg.VoiceMapFile)
		if err != nil {
			log.Printf("warning: %v", err)
		} else {
			voices = vm
		}
	}

	if !cfg.Enabled() {
		log.Printf("语音合成凭证未配置 (provider=%s)，合成模式不可用", cfg.Options.Provider)
		return speech.NewService(nil, cfg.Options, voices)
	}

	var provider speech.Provider
	switch cfg.Options.Provider {
	case config.ProviderVolcengine:
		provider = speech.NewVolcengineTTSClient(cfg.Volcengine)
	default:
		provider = speech.NewElevenLabsClient(cfg.ElevenLabs)
	}
	log.Printf("Speech synthesis initialized with %s", provider.Name())
	return speech.NewService(provider, cfg.Options, voices)
}

func newTranscriptSink(cfg config.TranscriptConfig) (transcript.Sink, *transcript.MQTTSink) {
	var sinks transcript.MultiSink
	var mqttSink *transcript.MQTTSink

	if cfg.HTTPURL != "" {
		sinks = append(sinks, transcript.NewHTTPSink(cfg.HTTPURL, nil))
		log.Printf("Transcripts will be posted to %s", cfg.HTTPURL)
	}
	if cfg.MQTT.Broker != "" {
		mqttSink = transcript.NewMQTTSink(cfg.MQTT)
		sinks = append(sinks, mqttSink)
		log.Printf("Transcripts will be published to mqtt topic %s", cfg.MQTT.Topic)
	}

	switch len(sinks) {
	case 0:
		log.Println("未配置对话记录存储，仅写入日志")
		return transcript.LogSink{}, nil
	case 1:
		return sinks[0], mqttSink
	default:
		return sinks, mqttSink
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, registry *relay.Registry) error {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	// Shutdown 不跟踪已升级的 websocket 连接
	srv.RegisterOnShutdown(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		registry.CloseAll(closeCtx, shutdownReason)
	})

	log.Printf("Voice relay listening on %s", addr)
	return runServer(ctx, srv)
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
