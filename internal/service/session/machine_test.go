package session

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
	modelspeech "github.com/zhouzirui/z-tavern/relay/internal/model/speech"
	"github.com/zhouzirui/z-tavern/relay/internal/service/dialogue"
	"github.com/zhouzirui/z-tavern/relay/internal/service/speech"
	"github.com/zhouzirui/z-tavern/relay/internal/service/transcript"
)

type fakeConn struct {
	mu         sync.Mutex
	events     chan dialogue.Event
	calls      []string
	closed     bool
	closeCount int
	last       time.Time

	appendFailures int
	pingDelay      time.Duration
	pings          chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan dialogue.Event, 128), last: time.Now(), pings: make(chan struct{}, 8)}
}

func (c *fakeConn) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return relay.Errorf(relay.KindConnectionLost, "closed")
	}
	c.calls = append(c.calls, call)
	return nil
}

func (c *fakeConn) Commit() error                  { return c.record("commit") }
func (c *fakeConn) RequestResponse() error         { return c.record("response") }
func (c *fakeConn) SendText(text string) error     { return c.record("text:" + text) }
func (c *fakeConn) Cancel(responseID string) error { return c.record("cancel:" + responseID) }
func (c *fakeConn) Events() <-chan dialogue.Event  { return c.events }

func (c *fakeConn) AppendAudio(pcm []byte) error {
	c.mu.Lock()
	if c.appendFailures > 0 {
		c.appendFailures--
		c.mu.Unlock()
		return relay.Errorf(relay.KindTransient, "dialogue send queue is full")
	}
	c.mu.Unlock()
	return c.record("append")
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	delay := c.pingDelay
	c.mu.Unlock()
	select {
	case c.pings <- struct{}{}:
	default:
	}
	time.Sleep(delay)
	return c.record("ping")
}

func (c *fakeConn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCount++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

func (c *fakeConn) emit(evs ...dialogue.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, ev := range evs {
		c.events <- ev
	}
}

func (c *fakeConn) callsWith(prefix string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, call := range c.calls {
		if strings.HasPrefix(call, prefix) {
			out = append(out, call)
		}
	}
	return out
}

type fakeClient struct {
	mu     sync.Mutex
	err    error
	cfgs   []dialogue.SessionConfig
	opened chan *fakeConn
}

func newFakeClient() *fakeClient {
	return &fakeClient{opened: make(chan *fakeConn, 8)}
}

func (c *fakeClient) Open(_ context.Context, cfg dialogue.SessionConfig) (dialogue.Conn, error) {
	c.mu.Lock()
	c.cfgs = append(c.cfgs, cfg)
	err := c.err
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	conn := newFakeConn()
	c.opened <- conn
	return conn, nil
}

func (c *fakeClient) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cfgs)
}

type fakeProvider struct {
	mu    sync.Mutex
	audio []byte
	err   error
	reqs  []*modelspeech.SynthesisRequest
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Synthesize(_ context.Context, req *modelspeech.SynthesisRequest) (*modelspeech.SynthesisResult, error) {
	p.mu.Lock()
	p.reqs = append(p.reqs, req)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return &modelspeech.SynthesisResult{AudioData: p.audio, Format: "mp3"}, nil
}

func (p *fakeProvider) requests() []*modelspeech.SynthesisRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*modelspeech.SynthesisRequest(nil), p.reqs...)
}

type fakeFlusher struct {
	mu      sync.Mutex
	records []transcript.Record
	reject  bool
}

func (f *fakeFlusher) Flush(rec transcript.Record, done transcript.DoneFunc) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject {
		return false
	}
	f.records = append(f.records, rec)
	if done != nil {
		rec.Summary = "summary"
		go done(rec, nil)
	}
	return true
}

func (f *fakeFlusher) snapshot() []transcript.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcript.Record(nil), f.records...)
}

func fakeMP3(size int) []byte {
	data := bytes.Repeat([]byte{0x55}, size)
	data[0], data[1] = 0xFF, 0xFB
	return data
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.KeepAliveInterval = 0
	cfg.OpenTimeout = 2 * time.Second
	return cfg
}

func next(t *testing.T, m *Machine) relay.ServerMessage {
	t.Helper()
	select {
	case msg, ok := <-m.Outbox():
		if !ok {
			t.Fatalf("outbox closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for server message")
	}
	return relay.ServerMessage{}
}

// waitFor 读取消息直到出现指定类型，返回该消息和之前读到的全部消息
func waitFor(t *testing.T, m *Machine, typ string) (relay.ServerMessage, []relay.ServerMessage) {
	t.Helper()
	var seen []relay.ServerMessage
	for {
		msg := next(t, m)
		if msg.Type == typ {
			return msg, seen
		}
		seen = append(seen, msg)
	}
}

func drain(t *testing.T, m *Machine) []relay.ServerMessage {
	t.Helper()
	var out []relay.ServerMessage
	timeout := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-m.Outbox():
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("outbox not closed")
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func assertInvariant(t *testing.T, m *Machine) {
	t.Helper()
	snap := m.Snapshot()
	if (snap.ActiveResponseID != "") != snap.State.Responding() {
		t.Fatalf("invariant violated: state=%s active=%q", snap.State, snap.ActiveResponseID)
	}
}

func startSession(t *testing.T, cfg Config, deps Deps, client *fakeClient, mode relay.Mode) (*Machine, *fakeConn) {
	t.Helper()
	deps.Dialogue = client
	m := New(context.Background(), "sess-test", cfg, deps)
	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientStart, Mode: mode}})

	var conn *fakeConn
	select {
	case conn = <-client.opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("dialogue connection not opened")
	}
	conn.emit(dialogue.Event{Type: dialogue.EventReady})

	connected := next(t, m)
	if connected.Type != relay.ServerConnected || connected.Mode != mode {
		t.Fatalf("expected connected frame, got %+v", connected)
	}
	if state := m.State(); state != relay.StateReady {
		t.Fatalf("expected ready, got %s", state)
	}
	return m, conn
}

func created(id string) dialogue.Event {
	return dialogue.Event{Type: dialogue.EventResponseCreated, ResponseID: id}
}

func audio(id string, b byte) dialogue.Event {
	return dialogue.Event{Type: dialogue.EventAudioDelta, ResponseID: id, Audio: []byte{b, b}}
}

func done(id, status string) dialogue.Event {
	return dialogue.Event{Type: dialogue.EventResponseDone, ResponseID: id, Status: status}
}

func TestEngineAudioResponseLifecycle(t *testing.T) {
	client := newFakeClient()
	m, conn := startSession(t, testConfig(), Deps{}, client, relay.ModeEngineAudio)
	defer m.Dispatch(ClientGone{})

	conn.emit(created("R1"), audio("R1", 1), audio("R1", 2), done("R1", dialogue.StatusCompleted))

	first := next(t, m)
	second := next(t, m)
	for i, msg := range []relay.ServerMessage{first, second} {
		if msg.Type != relay.ServerAudio || msg.ResponseID != "R1" || msg.Seq != i+1 {
			t.Fatalf("unexpected audio frame %d: %+v", i, msg)
		}
	}
	if final := next(t, m); final.Type != relay.ServerResponseDone || final.ResponseID != "R1" {
		t.Fatalf("expected response_done, got %+v", final)
	}

	snap := m.Snapshot()
	if snap.State != relay.StateListening || snap.ActiveResponseID != "" {
		t.Fatalf("expected listening with no active response, got %+v", snap)
	}

	cfg := client.cfgs[0]
	if len(cfg.Modalities) != 2 || cfg.SessionID != "sess-test" {
		t.Fatalf("unexpected dialogue config: %+v", cfg)
	}
}

func TestSupersessionCancelsOldResponseFirst(t *testing.T) {
	client := newFakeClient()
	m, conn := startSession(t, testConfig(), Deps{}, client, relay.ModeEngineAudio)
	defer m.Dispatch(ClientGone{})

	conn.emit(created("R1"), audio("R1", 1))
	if msg := next(t, m); msg.ResponseID != "R1" {
		t.Fatalf("expected R1 audio, got %+v", msg)
	}
	if m.State() != relay.StateSpeaking {
		t.Fatalf("expected speaking, got %s", m.State())
	}

	conn.emit(created("R2"), audio("R1", 9), audio("R2", 2), done("R1", dialogue.StatusCancelled), done("R2", dialogue.StatusCompleted))
	_, seen := waitFor(t, m, relay.ServerResponseDone)

	cancels := 0
	for _, msg := range seen {
		switch msg.Type {
		case relay.ServerResponseCancelled:
			cancels++
			if msg.ResponseID != "R1" || msg.Reason != reasonSuperseded {
				t.Fatalf("unexpected cancellation: %+v", msg)
			}
		case relay.ServerAudio:
			if msg.ResponseID != "R2" {
				t.Fatalf("stale audio forwarded: %+v", msg)
			}
			if cancels != 1 {
				t.Fatalf("audio for R2 forwarded before cancellation of R1")
			}
		}
	}
	if cancels != 1 {
		t.Fatalf("expected exactly one cancellation, got %d", cancels)
	}
	if got := conn.callsWith("cancel:"); len(got) != 1 || got[0] != "cancel:R1" {
		t.Fatalf("expected one upstream cancel for R1, got %v", got)
	}
	assertInvariant(t, m)
}

func TestStaleChunksAreNeverForwarded(t *testing.T) {
	client := newFakeClient()
	m, conn := startSession(t, testConfig(), Deps{}, client, relay.ModeEngineAudio)
	defer m.Dispatch(ClientGone{})

	conn.emit(created("R1"), created("R2"))
	if msg := next(t, m); msg.Type != relay.ServerResponseCancelled || msg.ResponseID != "R1" {
		t.Fatalf("expected cancellation of R1, got %+v", msg)
	}

	rng := rand.New(rand.NewSource(7))
	var chunks []dialogue.Event
	for i := 0; i < 40; i++ {
		id := "R1"
		if i%2 == 0 {
			id = "R2"
		}
		chunks = append(chunks, audio(id, byte(i)))
	}
	rng.Shuffle(len(chunks), func(i, j int) { chunks[i], chunks[j] = chunks[j], chunks[i] })
	conn.emit(chunks...)
	conn.emit(done("R2", dialogue.StatusCompleted))

	_, seen := waitFor(t, m, relay.ServerResponseDone)
	if len(seen) != 20 {
		t.Fatalf("expected 20 forwarded chunks, got %d", len(seen))
	}
	for i, msg := range seen {
		if msg.ResponseID != "R2" || msg.Seq != i+1 {
			t.Fatalf("unexpected forwarded chunk %d: %+v", i, msg)
		}
	}
	if m.Snapshot().StaleDropped != 20 {
		t.Fatalf("expected 20 stale drops, got %d", m.Snapshot().StaleDropped)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	client := newFakeClient()
	flusher := &fakeFlusher{}
	m, conn := startSession(t, testConfig(), Deps{Flusher: flusher}, client, relay.ModeEngineAudio)

	conn.emit(dialogue.Event{Type: dialogue.EventInputTranscribed, Text: "hello coach"}, created("R1"))
	eventually(t, func() bool { return m.State() == relay.StateThinking })

	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientStop}})
	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientStop}})
	m.Terminate("again")
	m.Dispatch(ClientGone{})

	msgs := drain(t, m)
	var stopped, cancelled int
	for _, msg := range msgs {
		switch msg.Type {
		case relay.ServerStopped:
			stopped++
		case relay.ServerResponseCancelled:
			cancelled++
		}
	}
	if stopped != 1 || cancelled != 1 {
		t.Fatalf("expected one stopped and one cancellation, got %d/%d in %+v", stopped, cancelled, msgs)
	}
	if conn.closeCount != 1 {
		t.Fatalf("expected upstream closed once, got %d", conn.closeCount)
	}
	if m.State() != relay.StateStopped {
		t.Fatalf("expected stopped, got %s", m.State())
	}
	assertInvariant(t, m)

	select {
	case <-m.Done():
	default:
		t.Fatalf("done channel not closed")
	}
	m.Wait()

	records := flusher.snapshot()
	if len(records) != 1 || records[0].Trigger != triggerEnd || len(records[0].Entries) != 1 {
		t.Fatalf("expected one end flush with the transcript, got %+v", records)
	}
}

func TestResponseTimeoutCancelsOnce(t *testing.T) {
	cfg := testConfig()
	cfg.ResponseTimeout = 50 * time.Millisecond
	client := newFakeClient()
	m, conn := startSession(t, cfg, Deps{}, client, relay.ModeEngineAudio)
	defer m.Dispatch(ClientGone{})

	conn.emit(created("R1"))
	msg := next(t, m)
	if msg.Type != relay.ServerResponseCancelled || msg.Reason != reasonTimeout || msg.ResponseID != "R1" {
		t.Fatalf("expected timeout cancellation, got %+v", msg)
	}
	snap := m.Snapshot()
	if snap.State != relay.StateListening || snap.ActiveResponseID != "" {
		t.Fatalf("expected cleared response, got %+v", snap)
	}

	select {
	case extra := <-m.Outbox():
		t.Fatalf("unexpected extra message %+v", extra)
	case <-time.After(150 * time.Millisecond):
	}
	if got := conn.callsWith("cancel:"); len(got) != 1 {
		t.Fatalf("expected one upstream cancel, got %v", got)
	}
}

func newSynthDeps(provider *fakeProvider) Deps {
	svc := speech.NewService(provider, modelspeech.SynthesisOptions{ChunkSize: 4096, DefaultVoice: "voice-default"}, nil)
	return Deps{Synth: svc}
}

func TestSynthesisModeChunksValidatedAudio(t *testing.T) {
	provider := &fakeProvider{audio: fakeMP3(9000)}
	client := newFakeClient()
	m, conn := startSession(t, testConfig(), newSynthDeps(provider), client, relay.ModeSynthesisAudio)
	defer m.Dispatch(ClientGone{})

	conn.emit(
		created("R1"),
		dialogue.Event{Type: dialogue.EventTextDelta, ResponseID: "R1", Text: "Hello "},
		dialogue.Event{Type: dialogue.EventTextDelta, ResponseID: "R1", Text: "there"},
		dialogue.Event{Type: dialogue.EventTranscriptDone, ResponseID: "R1", Text: "Hello there"},
		done("R1", dialogue.StatusCompleted),
	)

	_, seen := waitFor(t, m, relay.ServerResponseDone)
	var sizes []int
	for _, msg := range seen {
		switch msg.Type {
		case relay.ServerAudio:
			sizes = append(sizes, len(msg.Audio))
		case relay.ServerText:
			t.Fatalf("text deltas must not be forwarded in synthesis mode")
		}
	}
	if len(sizes) != 3 || sizes[0] != 4096 || sizes[1] != 4096 || sizes[2] != 808 {
		t.Fatalf("unexpected chunk sizes %v", sizes)
	}
	if seen[0].Type != relay.ServerTranscript || seen[0].Text != "Hello there" {
		t.Fatalf("expected assistant transcript first, got %+v", seen[0])
	}

	reqs := provider.requests()
	if len(reqs) != 1 || reqs[0].Text != "Hello there" || reqs[0].Voice != "voice-default" || reqs[0].ResponseID != "R1" {
		t.Fatalf("unexpected synthesis request %+v", reqs)
	}
	if len(client.cfgs[0].Modalities) != 1 {
		t.Fatalf("synthesis mode should request text only, got %v", client.cfgs[0].Modalities)
	}
	assertInvariant(t, m)
}

func TestSynthesisRejectsMarkupPayload(t *testing.T) {
	markup := []byte("<!DOCTYPE html><html><head><title>Just a moment...</title></head><body>" + strings.Repeat("x", 200) + "</body></html>")
	provider := &fakeProvider{audio: markup}
	client := newFakeClient()
	m, conn := startSession(t, testConfig(), newSynthDeps(provider), client, relay.ModeSynthesisAudio)
	defer m.Dispatch(ClientGone{})

	conn.emit(
		created("R1"),
		dialogue.Event{Type: dialogue.EventTextDelta, ResponseID: "R1", Text: "Hi"},
		done("R1", dialogue.StatusCompleted),
	)

	errMsg, seen := waitFor(t, m, relay.ServerError)
	for _, msg := range seen {
		if msg.Type == relay.ServerAudio {
			t.Fatalf("corrupt payload forwarded as audio")
		}
	}
	if errMsg.Code != string(relay.KindMalformedAudio) || errMsg.ResponseID != "R1" || errMsg.Fatal {
		t.Fatalf("unexpected error frame %+v", errMsg)
	}
	if m.State() != relay.StateListening {
		t.Fatalf("expected session to survive, got %s", m.State())
	}
}

func TestGreetingInSynthesisMode(t *testing.T) {
	provider := &fakeProvider{audio: fakeMP3(500)}
	cfg := testConfig()
	cfg.Greeting = "Hello, ready to start?"
	client := newFakeClient()
	m, _ := startSession(t, cfg, newSynthDeps(provider), client, relay.ModeSynthesisAudio)
	defer m.Dispatch(ClientGone{})

	final, seen := waitFor(t, m, relay.ServerResponseDone)
	if !strings.HasPrefix(final.ResponseID, "greeting-") {
		t.Fatalf("unexpected greeting response id %q", final.ResponseID)
	}
	if len(seen) != 2 || seen[0].Type != relay.ServerTranscript || seen[1].Type != relay.ServerAudio {
		t.Fatalf("unexpected greeting frames %+v", seen)
	}
	if entries := m.Transcript(); len(entries) != 1 || entries[0].Role != relay.RoleAssistant {
		t.Fatalf("greeting not recorded: %+v", entries)
	}
}

func TestConfigErrorsAreFatalWithoutUpstream(t *testing.T) {
	m := New(context.Background(), "s", testConfig(), Deps{})
	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientStart}})
	msgs := drain(t, m)
	if len(msgs) != 1 || msgs[0].Code != string(relay.KindConfig) || !msgs[0].Fatal {
		t.Fatalf("expected fatal config error, got %+v", msgs)
	}
	if m.State() != relay.StateStopped {
		t.Fatalf("expected stopped, got %s", m.State())
	}

	client := newFakeClient()
	m = New(context.Background(), "s", testConfig(), Deps{Dialogue: client})
	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientStart, Mode: relay.ModeSynthesisAudio}})
	msgs = drain(t, m)
	if len(msgs) != 1 || msgs[0].Code != string(relay.KindConfig) {
		t.Fatalf("expected config error for missing synthesis, got %+v", msgs)
	}
	if client.openCount() != 0 {
		t.Fatalf("upstream must not be contacted on config error")
	}
}

func TestOpenFailureIsFatal(t *testing.T) {
	client := newFakeClient()
	client.err = relay.Errorf(relay.KindAuth, "bad key")
	m := New(context.Background(), "s", testConfig(), Deps{Dialogue: client})
	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientStart}})

	msgs := drain(t, m)
	if len(msgs) != 1 || msgs[0].Code != string(relay.KindAuth) || !msgs[0].Fatal {
		t.Fatalf("expected fatal auth error, got %+v", msgs)
	}
	m.Wait()
}

func TestImmediatePolicyCancelsOnSpeechStart(t *testing.T) {
	cfg := testConfig()
	cfg.InterruptPolicy = PolicyImmediate
	client := newFakeClient()
	m, conn := startSession(t, cfg, Deps{}, client, relay.ModeEngineAudio)
	defer m.Dispatch(ClientGone{})

	conn.emit(created("R1"), audio("R1", 1))
	next(t, m)

	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientSpeechStart}})
	msg := next(t, m)
	if msg.Type != relay.ServerResponseCancelled || msg.Reason != reasonInterrupt {
		t.Fatalf("expected interruption, got %+v", msg)
	}
	assertInvariant(t, m)
}

func TestSupersedePolicyLetsResponseFinish(t *testing.T) {
	client := newFakeClient()
	m, conn := startSession(t, testConfig(), Deps{}, client, relay.ModeEngineAudio)
	defer m.Dispatch(ClientGone{})

	conn.emit(created("R1"), audio("R1", 1))
	next(t, m)

	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientSpeechStart}})
	conn.emit(dialogue.Event{Type: dialogue.EventSpeechStarted})
	conn.emit(audio("R1", 2))
	if msg := next(t, m); msg.Type != relay.ServerAudio || msg.Seq != 2 {
		t.Fatalf("expected response to continue, got %+v", msg)
	}
	if m.State() != relay.StateSpeaking {
		t.Fatalf("expected speaking, got %s", m.State())
	}
}

func TestNormalUpstreamCloseDisconnects(t *testing.T) {
	client := newFakeClient()
	m, conn := startSession(t, testConfig(), Deps{}, client, relay.ModeEngineAudio)

	conn.emit(dialogue.Event{Type: dialogue.EventClosed, CloseCode: 1000})
	msgs := drain(t, m)
	if len(msgs) != 1 || msgs[0].Type != relay.ServerDisconnected {
		t.Fatalf("expected disconnected, got %+v", msgs)
	}
	if m.State() != relay.StateStopped {
		t.Fatalf("expected stopped, got %s", m.State())
	}
}

func TestAbnormalCloseReconnects(t *testing.T) {
	client := newFakeClient()
	m, conn := startSession(t, testConfig(), Deps{}, client, relay.ModeEngineAudio)
	defer m.Dispatch(ClientGone{})

	conn.emit(created("R1"), dialogue.Event{
		Type:      dialogue.EventClosed,
		CloseCode: 1006,
		Err:       relay.Errorf(relay.KindConnectionLost, "dropped"),
	})

	msg := next(t, m)
	if msg.Type != relay.ServerResponseCancelled || msg.Reason != reasonLinkLost {
		t.Fatalf("expected link-lost cancellation, got %+v", msg)
	}

	var second *fakeConn
	select {
	case second = <-client.opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("no reconnect attempt")
	}
	second.emit(dialogue.Event{Type: dialogue.EventReady})
	eventually(t, func() bool { return m.State() == relay.StateListening })

	if m.Snapshot().UpstreamErrors != 1 {
		t.Fatalf("expected one recorded error, got %d", m.Snapshot().UpstreamErrors)
	}

	second.emit(created("R2"), audio("R2", 3))
	if got := next(t, m); got.ResponseID != "R2" {
		t.Fatalf("expected audio from new connection, got %+v", got)
	}
}

func TestRepeatedConnectionLossIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorThreshold = 1
	client := newFakeClient()
	m, conn := startSession(t, cfg, Deps{}, client, relay.ModeEngineAudio)

	conn.emit(dialogue.Event{Type: dialogue.EventClosed, CloseCode: 1006, Err: errors.New("reset")})
	msgs := drain(t, m)
	last := msgs[len(msgs)-1]
	if last.Type != relay.ServerError || last.Code != string(relay.KindConnectionLost) || !last.Fatal {
		t.Fatalf("expected fatal connection lost, got %+v", msgs)
	}
	if client.openCount() != 1 {
		t.Fatalf("must not reconnect after fatal error")
	}
}

func TestIdleUpstreamIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAliveInterval = 20 * time.Millisecond
	cfg.IdleThreshold = 30 * time.Millisecond
	client := newFakeClient()
	m, conn := startSession(t, cfg, Deps{}, client, relay.ModeEngineAudio)

	conn.mu.Lock()
	conn.last = time.Now().Add(-time.Minute)
	conn.mu.Unlock()

	msgs := drain(t, m)
	last := msgs[len(msgs)-1]
	if last.Code != string(relay.KindConnectionLost) || !last.Fatal {
		t.Fatalf("expected fatal idle error, got %+v", msgs)
	}
}

func TestIsolatedSendFailuresAreNotFatal(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorWindow = 30 * time.Millisecond
	cfg.ErrorThreshold = 3
	client := newFakeClient()
	m, conn := startSession(t, cfg, Deps{}, client, relay.ModeEngineAudio)
	defer m.Dispatch(ClientGone{})

	frame := ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientAudio, Audio: []byte{1, 0}}}
	for round := 0; round < cfg.ErrorThreshold; round++ {
		conn.mu.Lock()
		conn.appendFailures = 1
		conn.mu.Unlock()

		m.Dispatch(frame)
		if got := m.Snapshot().UpstreamErrors; got != 1 {
			t.Fatalf("round %d: expected one recorded error, got %d", round, got)
		}
		for i := 0; i < 50; i++ {
			m.Dispatch(frame)
		}
		if got := m.Snapshot().UpstreamErrors; got != 0 {
			t.Fatalf("round %d: successful sends must clear the error count, got %d", round, got)
		}
		time.Sleep(40 * time.Millisecond)
	}

	if state := m.State(); state.Terminal() {
		t.Fatalf("isolated failures must not end the session, got %s", state)
	}
	if got := len(conn.callsWith("append")); got != 50*cfg.ErrorThreshold {
		t.Fatalf("expected %d forwarded frames, got %d", 50*cfg.ErrorThreshold, got)
	}
}

func TestConsecutiveSendFailuresAreFatal(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorWindow = 30 * time.Millisecond
	cfg.ErrorThreshold = 3
	client := newFakeClient()
	m, conn := startSession(t, cfg, Deps{}, client, relay.ModeEngineAudio)

	conn.mu.Lock()
	conn.appendFailures = cfg.ErrorThreshold
	conn.mu.Unlock()

	frame := ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientAudio, Audio: []byte{1, 0}}}
	for i := 0; i < cfg.ErrorThreshold; i++ {
		m.Dispatch(frame)
		time.Sleep(40 * time.Millisecond)
	}

	msgs := drain(t, m)
	last := msgs[len(msgs)-1]
	if last.Type != relay.ServerError || last.Code != string(relay.KindConnectionLost) || !last.Fatal {
		t.Fatalf("expected fatal connection lost, got %+v", msgs)
	}
}

func TestSlowKeepAlivePingDoesNotBlockDispatch(t *testing.T) {
	cfg := testConfig()
	cfg.KeepAliveInterval = 50 * time.Millisecond
	cfg.IdleThreshold = time.Minute
	client := newFakeClient()
	m, conn := startSession(t, cfg, Deps{}, client, relay.ModeEngineAudio)
	defer m.Dispatch(ClientGone{})

	conn.mu.Lock()
	conn.pingDelay = 800 * time.Millisecond
	conn.mu.Unlock()
	select {
	case <-conn.pings:
	default:
	}

	select {
	case <-conn.pings:
	case <-time.After(2 * time.Second):
		t.Fatalf("keep-alive ping never sent")
	}

	start := time.Now()
	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientAudio, Audio: []byte{1, 0}}})
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("client audio blocked for %s behind a keep-alive ping", elapsed)
	}
	if state := m.State(); state != relay.StateListening {
		t.Fatalf("expected listening, got %s", state)
	}
}

func TestUpstreamErrorsByKind(t *testing.T) {
	client := newFakeClient()
	m, conn := startSession(t, testConfig(), Deps{}, client, relay.ModeEngineAudio)
	defer m.Dispatch(ClientGone{})

	conn.emit(
		dialogue.Event{Type: dialogue.EventError, Code: dialogue.CodeCancelNotActive, Err: relay.Errorf(relay.KindUpstream, "nothing to cancel")},
		created("R1"),
		dialogue.Event{Type: dialogue.EventError, Err: relay.Errorf(relay.KindQuota, "insufficient quota")},
	)

	msg := next(t, m)
	if msg.Type != relay.ServerError || msg.Code != string(relay.KindQuota) || msg.ResponseID != "R1" {
		t.Fatalf("expected quota error for R1, got %+v", msg)
	}
	snap := m.Snapshot()
	if snap.State != relay.StateListening || snap.ActiveResponseID != "" {
		t.Fatalf("quota error must end the response, got %+v", snap)
	}
}

func TestTextTurnAndSave(t *testing.T) {
	client := newFakeClient()
	flusher := &fakeFlusher{}
	m, conn := startSession(t, testConfig(), Deps{Flusher: flusher}, client, relay.ModeTextOnly)

	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientText, Text: "How do I focus?"}})
	if msg := next(t, m); msg.Type != relay.ServerTranscript || msg.Role != relay.RoleUser {
		t.Fatalf("expected user transcript, got %+v", msg)
	}
	if got := conn.callsWith("text:"); len(got) != 1 {
		t.Fatalf("expected text forwarded upstream, got %v", got)
	}

	conn.emit(
		created("R1"),
		dialogue.Event{Type: dialogue.EventTextDelta, ResponseID: "R1", Text: "Try a timer."},
		dialogue.Event{Type: dialogue.EventTranscriptDone, ResponseID: "R1", Text: "Try a timer."},
		done("R1", dialogue.StatusCompleted),
	)
	waitFor(t, m, relay.ServerResponseDone)

	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientSave}})
	saved, _ := waitFor(t, m, relay.ServerConversationSaved)
	data, ok := saved.Data.(map[string]any)
	if !ok || data["entries"] != 2 || data["summary"] != "summary" {
		t.Fatalf("unexpected saved payload %+v", saved.Data)
	}

	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientStop}})
	drain(t, m)
	if records := flusher.snapshot(); len(records) != 1 || records[0].Trigger != triggerSave {
		t.Fatalf("expected only the explicit save, got %+v", records)
	}
}

func TestMessagesBeforeStart(t *testing.T) {
	m := New(context.Background(), "s", testConfig(), Deps{Dialogue: newFakeClient()})
	defer m.Dispatch(ClientGone{})

	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientAudio, Audio: []byte{1, 2}}})
	if msg := next(t, m); msg.Code != string(relay.KindProtocol) || msg.Fatal {
		t.Fatalf("expected protocol error, got %+v", msg)
	}
	m.Dispatch(ProtocolError{Err: relay.Errorf(relay.KindProtocol, "bad json")})
	if msg := next(t, m); msg.Code != string(relay.KindProtocol) {
		t.Fatalf("expected protocol error, got %+v", msg)
	}
	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientPing}})
	if msg := next(t, m); msg.Type != relay.ServerPong {
		t.Fatalf("expected pong, got %+v", msg)
	}
	if m.State() != relay.StateIdle {
		t.Fatalf("protocol errors must not change state, got %s", m.State())
	}
}

type fakeDirectory map[string]CoachProfile

func (d fakeDirectory) Profile(coachID, userName string) (CoachProfile, bool) {
	p, ok := d[coachID]
	if ok && userName != "" {
		p.Greeting = "Hello " + userName + "! " + p.Greeting
	}
	return p, ok
}

func TestCoachProfileShapesEngineSession(t *testing.T) {
	client := newFakeClient()
	deps := Deps{
		Dialogue: client,
		Coaches: fakeDirectory{"rob": {
			Name:         "Rob",
			Instructions: "You are Rob, a sales coach.",
			Greeting:     "Ready to close?",
			Voice:        "verse",
		}},
	}
	m := New(context.Background(), "coach-test", testConfig(), deps)
	defer m.Dispatch(ClientGone{})

	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{
		Type:     relay.ClientStart,
		Mode:     relay.ModeEngineAudio,
		CoachID:  "rob",
		UserName: "Dana",
	}})
	select {
	case <-client.opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("dialogue connection not opened")
	}

	client.mu.Lock()
	cfg := client.cfgs[0]
	client.mu.Unlock()
	if cfg.Voice != "verse" {
		t.Fatalf("expected coach voice, got %q", cfg.Voice)
	}
	if !strings.HasPrefix(cfg.Instructions, "You are Rob, a sales coach.") || !strings.Contains(cfg.Instructions, "Hello Dana! Ready to close?") {
		t.Fatalf("unexpected instructions %q", cfg.Instructions)
	}
}

func TestUnknownCoachFallsBackToDefaults(t *testing.T) {
	client := newFakeClient()
	cfg := testConfig()
	cfg.Instructions = "default instructions"
	m := New(context.Background(), "coach-default", cfg, Deps{Dialogue: client, Coaches: fakeDirectory{}})
	defer m.Dispatch(ClientGone{})

	m.Dispatch(ClientMessage{Msg: relay.ClientMessage{Type: relay.ClientStart, CoachID: "ghost"}})
	select {
	case <-client.opened:
	case <-time.After(2 * time.Second):
		t.Fatalf("dialogue connection not opened")
	}

	client.mu.Lock()
	got := client.cfgs[0].Instructions
	client.mu.Unlock()
	if got != "default instructions" {
		t.Fatalf("expected default instructions, got %q", got)
	}
}
