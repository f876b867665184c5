package transcript

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// SummaryConfig 控制会话总结的行为。
type SummaryConfig struct {
	Enabled    bool
	MaxEntries int
}

// Summary 会话总结与行动建议
type Summary struct {
	Text        string
	ActionSteps []string
	FromModel   bool
}

// Summarizer 使用大模型总结会话，模型不可用或输出无法解析时回退到启发式规则。
type Summarizer struct {
	enabled    bool
	chain      compose.Runnable[map[string]any, *schema.Message]
	maxEntries int
}

// NewSummarizer 创建总结服务。chatModel 为空时只使用启发式规则。
func NewSummarizer(ctx context.Context, chatModel model.ChatModel, cfg SummaryConfig) (*Summarizer, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 80
	}

	s := &Summarizer{
		enabled:    cfg.Enabled && chatModel != nil,
		maxEntries: maxEntries,
	}
	if !s.enabled {
		return s, nil
	}

	template := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage(summarySystemPrompt),
		schema.UserMessage(summaryUserPrompt),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(template)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile summary chain: %w", err)
	}
	s.chain = runnable
	return s, nil
}

// Enabled 是否使用模型总结
func (s *Summarizer) Enabled() bool {
	return s != nil && s.enabled && s.chain != nil
}

// Summarize 生成总结，永远返回可用结果。
func (s *Summarizer) Summarize(ctx context.Context, entries []relay.TranscriptEntry) Summary {
	fallback := Summary{
		Text:        heuristicSummary(entries),
		ActionSteps: heuristicActionSteps(entries),
	}
	if !s.Enabled() || len(entries) == 0 {
		return fallback
	}

	msg, err := s.chain.Invoke(ctx, map[string]any{
		"transcript": formatTranscript(entries, s.maxEntries),
	})
	if err != nil {
		log.Printf("[transcript] summary model failed, use fallback: %v", err)
		return fallback
	}
	if msg == nil {
		return fallback
	}

	parsed, err := parseSummaryOutput(msg.Content)
	if err != nil {
		log.Printf("[transcript] summary output unparsable, use fallback: %v", err)
		return fallback
	}
	if parsed.Text == "" {
		parsed.Text = fallback.Text
	}
	if len(parsed.ActionSteps) == 0 {
		parsed.ActionSteps = fallback.ActionSteps
	}
	return parsed
}

type summaryPayload struct {
	Summary     string   `json:"summary"`
	ActionSteps []string `json:"actionSteps"`
}

func parseSummaryOutput(content string) (Summary, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end <= start {
		return Summary{}, fmt.Errorf("missing json object")
	}

	var payload summaryPayload
	if err := sonic.ConfigStd.Unmarshal([]byte(trimmed[start:end+1]), &payload); err != nil {
		return Summary{}, err
	}

	steps := make([]string, 0, len(payload.ActionSteps))
	for _, step := range payload.ActionSteps {
		if step = strings.TrimSpace(step); step != "" {
			steps = append(steps, step)
		}
		if len(steps) == maxActionSteps {
			break
		}
	}

	return Summary{Text: strings.TrimSpace(payload.Summary), ActionSteps: steps, FromModel: true}, nil
}

func formatTranscript(entries []relay.TranscriptEntry, limit int) string {
	if len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	var b strings.Builder
	for _, e := range entries {
		role := "User"
		if e.Role == relay.RoleAssistant {
			role = "Coach"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(e.Text)
		b.WriteString("\n")
	}
	return b.String()
}

const summarySystemPrompt = "You summarize coaching voice sessions. Read the transcript and reply with a single JSON object only, with the fields summary (two or three sentences about what the user worked on) and actionSteps (an array of at most five short, concrete actions the coach suggested). Do not add any other text."

const summaryUserPrompt = "Transcript:\n{transcript}\n\nReturn the JSON now."
