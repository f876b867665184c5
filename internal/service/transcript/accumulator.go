// Package transcript 负责会话文字记录的累积与异步持久化。
package transcript

import (
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// Accumulator 只追加的发言列表，所有操作都只涉及内存。
type Accumulator struct {
	mu      sync.Mutex
	entries []relay.TranscriptEntry
}

// NewAccumulator 创建空的记录器
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Append 追加一条完整发言，空文本会被忽略。
func (a *Accumulator) Append(role relay.Role, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	a.mu.Lock()
	a.entries = append(a.entries, relay.TranscriptEntry{Role: role, Text: text, Timestamp: time.Now()})
	a.mu.Unlock()
	return true
}

// Snapshot 返回当前记录的副本
func (a *Accumulator) Snapshot() []relay.TranscriptEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]relay.TranscriptEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

// Len 当前记录条数
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}
