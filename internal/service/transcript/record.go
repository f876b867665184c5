package transcript

import (
	"math"
	"time"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// Record 交给持久化方的不可变会话记录
type Record struct {
	SessionID   string                  `json:"sessionId"`
	UserID      string                  `json:"userId,omitempty"`
	CoachID     string                  `json:"coachId,omitempty"`
	Mode        relay.Mode              `json:"mode"`
	StartedAt   time.Time               `json:"startTime"`
	EndedAt     time.Time               `json:"endTime"`
	Duration    time.Duration           `json:"-"`
	Entries     []relay.TranscriptEntry `json:"transcript"`
	Summary     string                  `json:"summary"`
	ActionSteps []string                `json:"actionSteps"`
	// Trigger 记录触发原因：save 表示客户端主动保存，end 表示会话结束
	Trigger string `json:"trigger"`
}

// NewRecord 根据起止时间生成记录
func NewRecord(sessionID string, mode relay.Mode, startedAt, endedAt time.Time, entries []relay.TranscriptEntry) Record {
	return Record{
		SessionID: sessionID,
		Mode:      mode,
		StartedAt: startedAt,
		EndedAt:   endedAt,
		Duration:  endedAt.Sub(startedAt),
		Entries:   entries,
	}
}

// DurationMinutes 四舍五入后的分钟数
func (r Record) DurationMinutes() int {
	return int(math.Round(r.Duration.Minutes()))
}
