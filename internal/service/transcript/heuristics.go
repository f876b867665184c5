package transcript

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// maxActionSteps 行动建议最多保留的条数
const maxActionSteps = 5

var adviceCues = []string{
	"action", "step", "should", "try", "practice", "plan", "commit", "next time", "remember to",
	"建议", "尝试", "练习", "记得", "下一步",
}

// heuristicSummary 在没有模型时给出总结：首个用户诉求加上轮次统计。
func heuristicSummary(entries []relay.TranscriptEntry) string {
	var users, assistants int
	var opener string
	for _, e := range entries {
		switch e.Role {
		case relay.RoleUser:
			users++
			if opener == "" {
				opener = e.Text
			}
		case relay.RoleAssistant:
			assistants++
		}
	}
	if users == 0 && assistants == 0 {
		return ""
	}

	summary := fmt.Sprintf("Voice session with %d user turns and %d coach replies.", users, assistants)
	if opener != "" {
		summary += " The user opened with: \"" + truncate(opener, 160) + "\""
	}
	return summary
}

// heuristicActionSteps 从助手发言中挑出包含建议线索的句子。
func heuristicActionSteps(entries []relay.TranscriptEntry) []string {
	var steps []string
	seen := make(map[string]struct{})

	for _, e := range entries {
		if e.Role != relay.RoleAssistant {
			continue
		}
		for _, sentence := range splitSentences(e.Text) {
			lower := strings.ToLower(sentence)
			if !containsAny(lower, adviceCues) {
				continue
			}
			if _, dup := seen[lower]; dup {
				continue
			}
			seen[lower] = struct{}{}
			steps = append(steps, sentence)
			if len(steps) == maxActionSteps {
				return steps
			}
		}
	}
	return steps
}

func splitSentences(text string) []string {
	parts := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '。' || r == '！' || r == '？' || r == '\n'
	})
	out := parts[:0]
	for _, p := range parts {
		p = strings.TrimFunc(p, unicode.IsSpace)
		if len([]rune(p)) >= 8 {
			out = append(out, p)
		}
	}
	return out
}

func containsAny(text string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(text, cue) {
			return true
		}
	}
	return false
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
