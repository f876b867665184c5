package session

import "time"

// ErrorTracker 对上游错误去抖：一个窗口内最多计一次，连续达到阈值视为连接已失效。
// 任意一次成功写入或连续 threshold 个窗口没有新错误时计数归零。调用方负责加锁。
type ErrorTracker struct {
	window    time.Duration
	threshold int
	count     int
	last      time.Time
}

// NewErrorTracker 创建错误计数器
func NewErrorTracker(window time.Duration, threshold int) *ErrorTracker {
	if threshold <= 0 {
		threshold = 1
	}
	return &ErrorTracker{window: window, threshold: threshold}
}

// Record 记录一次错误，返回是否已达到致命阈值。
func (t *ErrorTracker) Record(now time.Time) bool {
	if t.count > 0 && now.Sub(t.last) >= t.window*time.Duration(t.threshold) {
		t.Reset()
	}
	if t.count == 0 || now.Sub(t.last) >= t.window {
		t.count++
		t.last = now
	}
	return t.count >= t.threshold
}

// Reset 清零，上游会话确认后调用
func (t *ErrorTracker) Reset() {
	t.count = 0
	t.last = time.Time{}
}

// Success 上游写入成功，之前的错误不再算作连续
func (t *ErrorTracker) Success() {
	if t.count > 0 {
		t.Reset()
	}
}

// Count 当前计数
func (t *ErrorTracker) Count() int {
	return t.count
}
