package dialogue

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
)

// fakeEngine 模拟对话引擎：收到 session.update 后确认，并按脚本回放事件
type fakeEngine struct {
	t        *testing.T
	script   func(conn *websocket.Conn)
	received chan clientEvent
}

func newFakeEngine(t *testing.T, script func(conn *websocket.Conn)) (*fakeEngine, *httptest.Server) {
	t.Helper()
	engine := &fakeEngine{t: t, script: script, received: make(chan clientEvent, 64)}
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer good-key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					close(engine.received)
					return
				}
				var ev clientEvent
				if err := sonic.ConfigStd.Unmarshal(data, &ev); err == nil {
					engine.received <- ev
				}
			}
		}()

		if engine.script != nil {
			engine.script(conn)
		}
		time.Sleep(200 * time.Millisecond)
	}))
	t.Cleanup(server.Close)
	return engine, server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		t.Errorf("marshal failed: %v", err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("write failed: %v", err)
	}
}

func nextEvent(t *testing.T, conn Conn) Event {
	t.Helper()
	select {
	case ev, ok := <-conn.Events():
		if !ok {
			t.Fatalf("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
	}
	return Event{}
}

func TestRealtimeSessionLifecycle(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	engine, server := newFakeEngine(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		writeJSON(t, conn, map[string]any{"type": "response.created", "response": map[string]any{"id": "R1", "status": "in_progress"}})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "response_id": "R1", "delta": "Hel"})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "response_id": "R1", "delta": base64.StdEncoding.EncodeToString(pcm)})
		conn.WriteMessage(websocket.BinaryMessage, []byte{9, 9})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done", "response_id": "R1", "transcript": "Hello"})
		writeJSON(t, conn, map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hi coach"})
		writeJSON(t, conn, map[string]any{"type": "response.done", "response": map[string]any{"id": "R1", "status": "completed"}})
	})

	client := NewRealtimeClient(RealtimeConfig{URL: wsURL(server), APIKey: "good-key", Model: "test-model"})
	conn, err := client.Open(context.Background(), SessionConfig{
		SessionID:          "s1",
		Modalities:         []string{"text", "audio"},
		Voice:              "alloy",
		TranscriptionModel: "whisper-1",
		Language:           "en",
		TurnDetection:      &TurnDetection{Type: "server_vad", Threshold: 0.7, PrefixPaddingMs: 300, SilenceDurationMs: 800, CreateResponse: true},
	})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()

	select {
	case first := <-engine.received:
		if first.Type != "session.update" || first.Session == nil {
			t.Fatalf("expected session.update first, got %+v", first)
		}
		if first.Session.Voice != "alloy" || first.Session.InputAudioFormat != "pcm16" || first.Session.TurnDetection.SilenceDurationMs != 800 {
			t.Fatalf("unexpected session config: %+v", first.Session)
		}
		if first.Session.InputAudioTranscription == nil || first.Session.InputAudioTranscription.Model != "whisper-1" {
			t.Fatalf("expected transcription config, got %+v", first.Session.InputAudioTranscription)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("engine never received session.update")
	}

	expect := []struct {
		typ EventType
		id  string
	}{
		{EventReady, ""},
		{EventResponseCreated, "R1"},
		{EventTextDelta, "R1"},
		{EventAudioDelta, "R1"},
		{EventAudioDelta, "R1"},
		{EventTranscriptDone, "R1"},
		{EventInputTranscribed, ""},
		{EventResponseDone, "R1"},
	}
	for i, want := range expect {
		ev := nextEvent(t, conn)
		if ev.Type != want.typ || ev.ResponseID != want.id {
			t.Fatalf("event %d: expected %s/%s, got %s/%s", i, want.typ, want.id, ev.Type, ev.ResponseID)
		}
		switch i {
		case 3:
			if string(ev.Audio) != string(pcm) {
				t.Fatalf("expected decoded audio delta, got %v", ev.Audio)
			}
		case 4:
			if string(ev.Audio) != string([]byte{9, 9}) {
				t.Fatalf("expected binary frame to become an audio delta, got %v", ev.Audio)
			}
		case 7:
			if ev.Status != StatusCompleted {
				t.Fatalf("expected completed status, got %s", ev.Status)
			}
		}
	}
}

func TestRealtimeOutboundMessages(t *testing.T) {
	engine, server := newFakeEngine(t, nil)
	client := NewRealtimeClient(RealtimeConfig{URL: wsURL(server), APIKey: "good-key"})
	conn, err := client.Open(context.Background(), SessionConfig{SessionID: "s2"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()

	if err := conn.AppendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := conn.Cancel("R9"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if err := conn.SendText("hello"); err != nil {
		t.Fatalf("send text failed: %v", err)
	}

	var types []string
	timeout := time.After(2 * time.Second)
	for len(types) < 5 {
		select {
		case ev := <-engine.received:
			types = append(types, ev.Type)
			if ev.Type == "response.cancel" && ev.ResponseID != "R9" {
				t.Fatalf("expected cancel for R9, got %q", ev.ResponseID)
			}
			if ev.Type == "input_audio_buffer.append" && ev.Audio != base64.StdEncoding.EncodeToString([]byte{1, 2}) {
				t.Fatalf("unexpected audio payload %q", ev.Audio)
			}
		case <-timeout:
			t.Fatalf("timed out, received %v", types)
		}
	}

	want := []string{"session.update", "input_audio_buffer.append", "response.cancel", "conversation.item.create", "response.create"}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
}

func TestRealtimeAuthFailureIsNotRetried(t *testing.T) {
	_, server := newFakeEngine(t, nil)
	client := NewRealtimeClient(RealtimeConfig{URL: wsURL(server), APIKey: "bad-key", Options: ConnectionOptions{MaxRetries: 3, RetryDelay: time.Second}})

	start := time.Now()
	_, err := client.Open(context.Background(), SessionConfig{SessionID: "s3"})
	if !relay.IsKind(err, relay.KindAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("auth failures must not be retried")
	}
}

func TestRealtimeMissingKey(t *testing.T) {
	client := NewRealtimeClient(RealtimeConfig{URL: "ws://127.0.0.1:1"})
	if _, err := client.Open(context.Background(), SessionConfig{}); !relay.IsKind(err, relay.KindConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestRealtimeAbnormalClose(t *testing.T) {
	_, server := newFakeEngine(t, func(conn *websocket.Conn) {
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "engine crashed"))
	})

	client := NewRealtimeClient(RealtimeConfig{URL: wsURL(server), APIKey: "good-key"})
	conn, err := client.Open(context.Background(), SessionConfig{SessionID: "s4"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()

	if ev := nextEvent(t, conn); ev.Type != EventReady {
		t.Fatalf("expected ready, got %s", ev.Type)
	}
	ev := nextEvent(t, conn)
	if ev.Type != EventClosed || ev.CloseCode != websocket.CloseInternalServerErr {
		t.Fatalf("expected abnormal close event, got %+v", ev)
	}
	if !relay.IsKind(ev.Err, relay.KindConnectionLost) {
		t.Fatalf("expected connection_lost error, got %v", ev.Err)
	}
	if _, ok := <-conn.Events(); ok {
		t.Fatalf("expected event stream to be closed after the close event")
	}
}

func TestTranslateErrors(t *testing.T) {
	cases := []struct {
		name string
		err  *apiError
		want relay.ErrorKind
	}{
		{name: "auth", err: &apiError{Type: "invalid_request_error", Code: "invalid_api_key", Message: "bad key"}, want: relay.KindAuth},
		{name: "quota", err: &apiError{Type: "insufficient_quota", Message: "quota"}, want: relay.KindQuota},
		{name: "region", err: &apiError{Code: "unsupported_country_region_territory", Message: "Country not supported"}, want: relay.KindBlocked},
		{name: "server", err: &apiError{Type: "server_error", Message: "oops"}, want: relay.KindTransient},
		{name: "cancel not active", err: &apiError{Type: "invalid_request_error", Code: CodeCancelNotActive, Message: "no active response"}, want: relay.KindUpstream},
	}
	for _, tc := range cases {
		ev, ok := translate(&serverEvent{Type: "error", Error: tc.err})
		if !ok || ev.Type != EventError {
			t.Fatalf("%s: expected error event", tc.name)
		}
		if got := relay.KindOf(ev.Err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
		if ev.Code != tc.err.Code {
			t.Fatalf("%s: expected code %q, got %q", tc.name, tc.err.Code, ev.Code)
		}
	}

	failed, ok := translate(&serverEvent{Type: "response.done", Response: &responseInfo{
		ID: "R2", Status: StatusFailed,
		StatusDetails: &responseStatusDetails{Error: &apiError{Type: "server_error", Message: "model overloaded"}},
	}})
	if !ok || failed.Status != StatusFailed || failed.Err == nil {
		t.Fatalf("expected failed response with error, got %+v", failed)
	}
}

func TestRealtimeCloseFlushesQueuedCancel(t *testing.T) {
	engine, server := newFakeEngine(t, nil)
	client := NewRealtimeClient(RealtimeConfig{URL: wsURL(server), APIKey: "good-key"})
	conn, err := client.Open(context.Background(), SessionConfig{SessionID: "s5"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}

	if err := conn.Cancel("R7"); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	conn.Close()

	cancelled := false
	timeout := time.After(2 * time.Second)
	for !cancelled {
		select {
		case ev, ok := <-engine.received:
			if !ok {
				t.Fatalf("connection closed before the queued cancel was written")
			}
			if ev.Type == "response.cancel" && ev.ResponseID == "R7" {
				cancelled = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for response.cancel")
		}
	}

	if err := conn.Cancel("R8"); !relay.IsKind(err, relay.KindConnectionLost) {
		t.Fatalf("expected writes after close to fail, got %v", err)
	}
}

func TestRealtimePingIsAnsweredWithoutBlocking(t *testing.T) {
	_, server := newFakeEngine(t, func(conn *websocket.Conn) {
		time.Sleep(500 * time.Millisecond)
	})
	client := NewRealtimeClient(RealtimeConfig{URL: wsURL(server), APIKey: "good-key"})
	conn, err := client.Open(context.Background(), SessionConfig{SessionID: "s6"})
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	defer conn.Close()

	before := conn.LastActivity()
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := conn.Ping(); err != nil {
			t.Fatalf("ping failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("ping must not wait for the network, took %s", elapsed)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !conn.LastActivity().After(before) {
		if time.Now().After(deadline) {
			t.Fatalf("pong never refreshed the activity time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()
	if err := conn.Ping(); !relay.IsKind(err, relay.KindConnectionLost) {
		t.Fatalf("expected ping after close to fail, got %v", err)
	}
}
