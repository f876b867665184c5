package transcript

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// Sink 会话记录的持久化方
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
}

// LogSink 仅把记录写入日志
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Write(_ context.Context, rec Record) error {
	log.Printf("[transcript] session=%s mode=%s entries=%d duration=%dmin steps=%d", rec.SessionID, rec.Mode, len(rec.Entries), rec.DurationMinutes(), len(rec.ActionSteps))
	return nil
}

// MultiSink 依次写入多个持久化方，汇总所有错误
type MultiSink []Sink

func (m MultiSink) Name() string {
	names := make([]string, 0, len(m))
	for _, s := range m {
		names = append(names, s.Name())
	}
	return strings.Join(names, "+")
}

func (m MultiSink) Write(ctx context.Context, rec Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, rec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// HTTPSink 把记录提交到主服务的会话接口
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink 创建 HTTP 持久化方
func NewHTTPSink(url string, client *http.Client) *HTTPSink {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPSink{url: url, client: client}
}

func (s *HTTPSink) Name() string { return "http" }

type sessionLine struct {
	Role      relay.Role `json:"role"`
	Content   string     `json:"content"`
	Timestamp time.Time  `json:"timestamp"`
}

type sessionPayload struct {
	SessionID   string        `json:"sessionId"`
	UserID      string        `json:"userId,omitempty"`
	CoachID     string        `json:"coachId,omitempty"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     time.Time     `json:"endTime"`
	Duration    int           `json:"duration"`
	Transcript  []sessionLine `json:"transcript"`
	Summary     string        `json:"summary"`
	ActionSteps []string      `json:"actionSteps"`
	Status      string        `json:"status"`
}

func (s *HTTPSink) Write(ctx context.Context, rec Record) error {
	payload := sessionPayload{
		SessionID:   rec.SessionID,
		UserID:      rec.UserID,
		CoachID:     rec.CoachID,
		StartTime:   rec.StartedAt,
		EndTime:     rec.EndedAt,
		Duration:    rec.DurationMinutes(),
		Transcript:  make([]sessionLine, 0, len(rec.Entries)),
		Summary:     rec.Summary,
		ActionSteps: rec.ActionSteps,
		Status:      "COMPLETED",
	}
	if payload.ActionSteps == nil {
		payload.ActionSteps = []string{}
	}
	for _, e := range rec.Entries {
		payload.Transcript = append(payload.Transcript, sessionLine{Role: e.Role, Content: e.Text, Timestamp: e.Timestamp})
	}

	body, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode session payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return relay.NewError(relay.KindTransient, "session store unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return relay.Errorf(relay.KindUpstream, "session store returned %d", resp.StatusCode).WithDetail(strings.TrimSpace(string(detail)))
	}
	return nil
}
