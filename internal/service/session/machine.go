package session

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/z-tavern/relay/internal/model/relay"
	modelspeech "github.com/zhouzirui/z-tavern/relay/internal/model/speech"
	"github.com/zhouzirui/z-tavern/relay/internal/service/dialogue"
	"github.com/zhouzirui/z-tavern/relay/internal/service/speech"
	"github.com/zhouzirui/z-tavern/relay/internal/service/transcript"
)

const (
	reasonSuperseded = "Superseded by a new response"
	reasonTimeout    = "Response exceeded time limit"
	reasonInterrupt  = "Interrupted by user input"
	reasonEngine     = "Cancelled by dialogue engine"
	reasonLinkLost   = "Connection to dialogue engine lost"
	reasonStopped    = "Session stopped"

	triggerSave = "save"
	triggerEnd  = "end"
)

// Snapshot 会话的只读视图，用于管理接口
type Snapshot struct {
	ID                string      `json:"sessionId"`
	State             relay.State `json:"state"`
	Mode              relay.Mode  `json:"mode,omitempty"`
	ActiveResponseID  string      `json:"activeResponseId,omitempty"`
	ResponseStartedAt *time.Time  `json:"responseStartedAt,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	StartedAt         *time.Time  `json:"startedAt,omitempty"`
	UserID            string      `json:"userId,omitempty"`
	CoachID           string      `json:"coachId,omitempty"`
	Entries           int         `json:"transcriptEntries"`
	StaleDropped      int         `json:"staleDropped"`
	UpstreamErrors    int         `json:"upstreamErrors"`
}

// Machine 一个客户端连接的会话状态机。
// 所有状态只在 Dispatch 中、持有同一把锁时修改。
type Machine struct {
	id         string
	cfg        Config
	deps       Deps
	out        *Outbox
	sched      *Scheduler
	errs       *ErrorTracker
	transcript *transcript.Accumulator

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}

	mu                sync.Mutex
	state             relay.State
	mode              relay.Mode
	source            AudioSource
	conn              dialogue.Conn
	reconnecting      bool
	activeID          string
	activeLocal       bool
	responseStartedAt time.Time
	synthCancel       context.CancelFunc
	seq               int
	start             relay.StartConfig
	coach             CoachProfile
	voice             string
	createdAt         time.Time
	startedAt         time.Time
	savedUpTo         int
	staleDropped      int
}

// New 创建会话状态机，初始状态为 idle。
func New(ctx context.Context, id string, cfg Config, deps Deps) *Machine {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(ctx)
	m := &Machine{
		id:         id,
		cfg:        cfg,
		deps:       deps,
		out:        NewOutbox(cfg.OutboxSize),
		errs:       NewErrorTracker(cfg.ErrorWindow, cfg.ErrorThreshold),
		transcript: transcript.NewAccumulator(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      relay.StateIdle,
		createdAt:  time.Now(),
	}
	m.sched = NewScheduler(m.Dispatch)
	return m
}

// ID 会话ID
func (m *Machine) ID() string { return m.id }

// Outbox 发往客户端的消息队列
func (m *Machine) Outbox() <-chan relay.ServerMessage { return m.out.C() }

// Done 会话进入终止状态后关闭
func (m *Machine) Done() <-chan struct{} { return m.done }

// Wait 等待会话内的后台协程全部退出
func (m *Machine) Wait() { m.wg.Wait() }

// Terminate 由管理端终止会话
func (m *Machine) Terminate(reason string) {
	m.Dispatch(Terminate{Reason: reason})
}

// State 当前状态
func (m *Machine) State() relay.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot 返回当前会话视图
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		ID:               m.id,
		State:            m.state,
		Mode:             m.mode,
		ActiveResponseID: m.activeID,
		CreatedAt:        m.createdAt,
		UserID:           m.start.UserID,
		CoachID:          m.start.CoachID,
		Entries:          m.transcript.Len(),
		StaleDropped:     m.staleDropped,
		UpstreamErrors:   m.errs.Count(),
	}
	if !m.startedAt.IsZero() {
		started := m.startedAt
		snap.StartedAt = &started
	}
	if !m.responseStartedAt.IsZero() {
		rs := m.responseStartedAt
		snap.ResponseStartedAt = &rs
	}
	return snap
}

// Transcript 当前会话记录
func (m *Machine) Transcript() []relay.TranscriptEntry {
	return m.transcript.Snapshot()
}

// Dispatch 状态机唯一的转换入口。
func (m *Machine) Dispatch(ev Event) {
	if _, ok := ev.(KeepAliveTick); ok {
		m.keepAlive()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Terminal() {
		if opened, ok := ev.(UpstreamOpened); ok && opened.Conn != nil {
			_ = opened.Conn.Close()
		}
		return
	}

	switch e := ev.(type) {
	case ClientMessage:
		m.handleClient(e.Msg)
	case ProtocolError:
		log.Printf("[session] %s ignored malformed client message: %v", m.id, e.Err)
		m.emit(relay.ErrorMessage(e.Err))
	case ClientGone:
		if e.Err != nil {
			log.Printf("[session] %s client gone: %v", m.id, e.Err)
		}
		m.teardown(relay.StateClosed)
	case UpstreamOpened:
		m.handleOpened(e.Conn)
	case UpstreamOpenFailed:
		m.handleOpenFailed(e.Err)
	case Upstream:
		if e.Conn != m.conn {
			return
		}
		m.handleUpstream(e.Event)
	case ResponseTimeout:
		if e.ResponseID != "" && e.ResponseID == m.activeID {
			log.Printf("[session] %s response %s exceeded %s", m.id, e.ResponseID, m.cfg.ResponseTimeout)
			m.cancelActive(reasonTimeout)
		}
	case HandshakeTimeout:
		if m.state == relay.StateConnecting {
			m.fail(relay.Errorf(relay.KindTimeout, "dialogue engine did not acknowledge the session within %s", m.cfg.OpenTimeout))
		}
	case PingFailed:
		if e.Conn == m.conn {
			m.recordError(e.Err)
		}
	case Reconnect:
		if m.reconnecting && m.conn == nil {
			m.openUpstream()
		}
	case SynthesisDone:
		m.handleSynthesis(e)
	case FlushDone:
		m.handleFlushed(e)
	case Terminate:
		reason := e.Reason
		if reason == "" {
			reason = "Terminated by administrator"
		}
		m.teardown(relay.StateStopped, relay.ServerMessage{Type: relay.ServerDisconnected, Reason: reason})
	}

	if m.out.Overflowed() && !m.state.Terminal() {
		log.Printf("[session] %s client is not reading, outbox overflowed", m.id)
		m.teardown(relay.StateClosed)
	}
}

func (m *Machine) handleClient(msg relay.ClientMessage) {
	switch msg.Type {
	case relay.ClientStart:
		m.handleStart(msg)
		return
	case relay.ClientPing:
		m.emit(relay.ServerMessage{Type: relay.ServerPong})
		return
	case relay.ClientStop:
		m.teardown(relay.StateStopped, relay.ServerMessage{Type: relay.ServerStopped})
		return
	}

	if m.state == relay.StateIdle {
		m.emit(relay.ErrorMessage(relay.Errorf(relay.KindProtocol, "session not started")))
		return
	}

	switch msg.Type {
	case relay.ClientAudio:
		if m.conn == nil {
			return
		}
		if err := m.conn.AppendAudio(msg.Audio); err != nil {
			m.recordError(err)
			return
		}
		m.errs.Success()
		if m.state == relay.StateReady {
			m.state = relay.StateListening
		}

	case relay.ClientCommit:
		if !m.requireConn() {
			return
		}
		if err := m.conn.Commit(); err != nil {
			m.recordError(err)
			return
		}
		if td := m.cfg.TurnDetection; td == nil || !td.CreateResponse {
			if err := m.conn.RequestResponse(); err != nil {
				m.recordError(err)
				return
			}
		}
		m.errs.Success()

	case relay.ClientText:
		if !m.requireConn() {
			return
		}
		m.appendTranscript(relay.RoleUser, "", msg.Text)
		if err := m.conn.SendText(msg.Text); err != nil {
			m.recordError(err)
			return
		}
		m.errs.Success()
		if m.state == relay.StateReady {
			m.state = relay.StateListening
		}

	case relay.ClientSpeechStart:
		m.userSpeaking("client")

	case relay.ClientSave:
		m.save()
	}
}

func (m *Machine) requireConn() bool {
	if m.conn != nil && m.state != relay.StateConnecting {
		return true
	}
	m.emit(relay.ErrorMessage(relay.Errorf(relay.KindTransient, "dialogue engine is not connected yet")))
	return false
}

func (m *Machine) handleStart(msg relay.ClientMessage) {
	if m.state != relay.StateIdle {
		m.emit(relay.ErrorMessage(relay.Errorf(relay.KindProtocol, "session already started")))
		return
	}

	m.start = msg.StartConfig()
	mode := msg.Mode
	if mode == "" {
		mode = m.cfg.DefaultMode
	}
	parsed, ok := relay.ParseMode(string(mode))
	if !ok {
		m.fail(relay.Errorf(relay.KindConfig, "unsupported mode %q", mode))
		return
	}
	m.mode = parsed
	m.source = NewAudioSource(parsed)

	if m.start.CoachID != "" && m.deps.Coaches != nil {
		if profile, ok := m.deps.Coaches.Profile(m.start.CoachID, m.start.UserName); ok {
			m.coach = profile
		} else {
			log.Printf("[session] %s unknown coach %q, using defaults", m.id, m.start.CoachID)
		}
	}

	if m.deps.Dialogue == nil {
		m.fail(relay.Errorf(relay.KindConfig, "dialogue engine is not configured"))
		return
	}

	switch parsed {
	case relay.ModeSynthesisAudio:
		if m.deps.Synth == nil || !m.deps.Synth.Available() {
			m.fail(relay.Errorf(relay.KindConfig, "synthesis service is not configured"))
			return
		}
		m.voice = m.deps.Synth.ResolveVoice(firstNonEmpty(m.start.VoiceID, m.start.Voice), m.start.CoachID)
		if m.voice == "" {
			m.fail(relay.Errorf(relay.KindConfig, "no voice configured for coach %q", m.start.CoachID))
			return
		}
	default:
		m.voice = firstNonEmpty(m.start.Voice, m.coach.Voice, m.cfg.Voice)
	}

	m.state = relay.StateConnecting
	m.startedAt = time.Now()
	log.Printf("[session] %s starting: mode=%s voice=%s coach=%s", m.id, m.mode, m.voice, m.start.CoachID)
	m.openUpstream()
}

func (m *Machine) dialogueConfig() dialogue.SessionConfig {
	instructions := firstNonEmpty(m.start.Instructions, m.coach.Instructions, m.cfg.Instructions)
	if greeting := m.greeting(); greeting != "" && m.mode == relay.ModeEngineAudio {
		instructions = strings.TrimSpace(instructions + "\n\nOpen the conversation by greeting the user with: " + greeting)
	}

	cfg := dialogue.SessionConfig{
		SessionID:          m.id,
		Modalities:         m.source.Modalities(),
		Instructions:       instructions,
		Language:           firstNonEmpty(m.start.Language, m.cfg.Language),
		TranscriptionModel: m.cfg.TranscriptionModel,
		TurnDetection:      m.cfg.TurnDetection,
	}
	if m.mode == relay.ModeEngineAudio {
		cfg.Voice = m.voice
	}
	return cfg
}

func (m *Machine) greeting() string {
	return strings.TrimSpace(firstNonEmpty(m.start.Greeting, m.coach.Greeting, m.cfg.Greeting))
}

func (m *Machine) openUpstream() {
	cfg := m.dialogueConfig()
	client := m.deps.Dialogue
	timeout := m.cfg.OpenTimeout

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(m.ctx, timeout)
		defer cancel()

		conn, err := client.Open(ctx, cfg)
		if err != nil {
			m.Dispatch(UpstreamOpenFailed{Err: err})
			return
		}
		m.Dispatch(UpstreamOpened{Conn: conn})
	}()
}

func (m *Machine) handleOpened(conn dialogue.Conn) {
	if conn == nil {
		return
	}
	if m.conn != nil {
		_ = conn.Close()
		return
	}
	m.conn = conn
	m.sched.After(timerHandshake, m.cfg.OpenTimeout, HandshakeTimeout{})

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range conn.Events() {
			m.Dispatch(Upstream{Conn: conn, Event: ev})
		}
	}()
}

func (m *Machine) handleOpenFailed(err error) {
	if !m.reconnecting {
		// 首次连接失败不静默重试，dialWithRetry 已处理瞬时错误
		m.fail(err)
		return
	}
	log.Printf("[session] %s reconnect failed: %v", m.id, err)
	if m.recordError(err) {
		return
	}
	m.sched.After(timerReconnect, m.cfg.ErrorWindow, Reconnect{})
}

func (m *Machine) handleUpstream(ev dialogue.Event) {
	switch ev.Type {
	case dialogue.EventReady:
		m.handleReady()

	case dialogue.EventResponseCreated:
		m.adopt(ev.ResponseID, false)

	case dialogue.EventTextDelta:
		if !m.current(ev.ResponseID) {
			return
		}
		m.beginSpeaking()
		m.source.OnText(ev.Text)
		if m.source.ForwardsText() {
			m.emit(relay.ServerMessage{Type: relay.ServerText, ResponseID: ev.ResponseID, Role: relay.RoleAssistant, Text: ev.Text})
		}

	case dialogue.EventAudioDelta:
		if !m.current(ev.ResponseID) || !m.source.ForwardsEngineAudio() {
			return
		}
		m.beginSpeaking()
		m.seq++
		m.emit(relay.ServerMessage{Type: relay.ServerAudio, ResponseID: ev.ResponseID, Audio: ev.Audio, Seq: m.seq})

	case dialogue.EventTranscriptDone:
		if ev.ResponseID != "" && ev.ResponseID != m.activeID {
			return
		}
		m.appendTranscript(relay.RoleAssistant, ev.ResponseID, ev.Text)

	case dialogue.EventInputTranscribed:
		m.appendTranscript(relay.RoleUser, "", ev.Text)

	case dialogue.EventSpeechStarted:
		m.userSpeaking("engine")

	case dialogue.EventResponseDone:
		m.handleResponseDone(ev)

	case dialogue.EventError:
		m.handleUpstreamError(ev)

	case dialogue.EventClosed:
		m.handleClosed(ev)
	}
}

func (m *Machine) handleReady() {
	if m.state != relay.StateConnecting {
		return
	}
	m.sched.Cancel(timerHandshake)

	if m.reconnecting {
		m.reconnecting = false
		m.state = relay.StateListening
		log.Printf("[session] %s dialogue engine reconnected", m.id)
		return
	}

	m.errs.Reset()
	m.state = relay.StateReady
	m.emit(relay.ServerMessage{Type: relay.ServerConnected, Mode: m.mode})
	m.sched.Every(timerKeepAlive, m.cfg.KeepAliveInterval, KeepAliveTick{})
	log.Printf("[session] %s ready", m.id)
	m.greet()
}

func (m *Machine) greet() {
	greeting := m.greeting()
	if greeting == "" {
		return
	}

	switch m.mode {
	case relay.ModeEngineAudio:
		if err := m.conn.RequestResponse(); err != nil {
			m.recordError(err)
		}
	case relay.ModeSynthesisAudio:
		id := "greeting-" + uuid.NewString()
		m.adopt(id, true)
		m.beginSpeaking()
		m.appendTranscript(relay.RoleAssistant, id, greeting)
		m.startSynthesis(id, greeting)
	case relay.ModeTextOnly:
		m.emit(relay.ServerMessage{Type: relay.ServerText, Role: relay.RoleAssistant, Text: greeting})
		m.appendTranscript(relay.RoleAssistant, "", greeting)
	}
}

// adopt 采用新的活跃响应，已有活跃响应时先取消它。
func (m *Machine) adopt(id string, local bool) {
	if id == "" {
		return
	}
	if id == m.activeID {
		return
	}
	if m.activeID != "" {
		m.cancelActive(reasonSuperseded)
	}

	m.activeID = id
	m.activeLocal = local
	m.responseStartedAt = time.Now()
	m.seq = 0
	m.source.Reset()
	m.state = relay.StateThinking
	m.sched.After(timerResponse, m.cfg.ResponseTimeout, ResponseTimeout{ResponseID: id})
}

func (m *Machine) current(responseID string) bool {
	if responseID != "" && responseID == m.activeID {
		return true
	}
	m.staleDropped++
	return false
}

func (m *Machine) beginSpeaking() {
	if m.state == relay.StateThinking {
		m.state = relay.StateSpeaking
	}
}

func (m *Machine) userSpeaking(origin string) {
	if m.cfg.InterruptPolicy != PolicyImmediate || m.activeID == "" {
		return
	}
	log.Printf("[session] %s user speech (%s) interrupts response %s", m.id, origin, m.activeID)
	m.cancelActive(reasonInterrupt)
}

func (m *Machine) handleResponseDone(ev dialogue.Event) {
	if ev.ResponseID == "" || ev.ResponseID != m.activeID {
		return
	}
	id := ev.ResponseID

	switch ev.Status {
	case dialogue.StatusCancelled:
		m.finishResponse()
		m.emit(relay.ServerMessage{Type: relay.ServerResponseCancelled, ResponseID: id, Reason: reasonEngine})

	case dialogue.StatusFailed:
		err := ev.Err
		if err == nil {
			err = relay.Errorf(relay.KindUpstream, "dialogue engine failed to produce a response")
		}
		m.finishResponse()
		msg := relay.ErrorMessage(err)
		msg.ResponseID = id
		msg.Fatal = false
		m.emit(msg)

	default:
		text, deferred := m.source.Complete()
		if deferred {
			m.beginSpeaking()
			m.startSynthesis(id, text)
			return
		}
		m.finishResponse()
		m.emit(relay.ServerMessage{Type: relay.ServerResponseDone, ResponseID: id})
	}
}

func (m *Machine) startSynthesis(id, text string) {
	ctx, cancel := context.WithCancel(m.ctx)
	m.synthCancel = cancel
	synth := m.deps.Synth
	req := &modelspeech.SynthesisRequest{
		SessionID:  m.id,
		ResponseID: id,
		Text:       text,
		Voice:      m.voice,
		Language:   firstNonEmpty(m.start.Language, m.cfg.Language),
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		audio, err := synth.Synthesize(ctx, req)
		m.Dispatch(SynthesisDone{ResponseID: id, Audio: audio, Err: err})
	}()
}

func (m *Machine) handleSynthesis(e SynthesisDone) {
	if e.ResponseID == "" || e.ResponseID != m.activeID {
		log.Printf("[session] %s dropped synthesis for stale response %s", m.id, e.ResponseID)
		return
	}
	m.synthCancel = nil

	if e.Err != nil {
		if errors.Is(e.Err, context.Canceled) {
			return
		}
		m.finishResponse()
		msg := relay.ErrorMessage(e.Err)
		msg.ResponseID = e.ResponseID
		msg.Fatal = false
		m.emit(msg)
		return
	}

	for _, chunk := range speech.ChunkAudio(e.Audio, m.deps.Synth.ChunkSize()) {
		m.seq++
		m.emit(relay.ServerMessage{Type: relay.ServerAudio, ResponseID: e.ResponseID, Audio: chunk, Seq: m.seq})
	}
	m.finishResponse()
	m.emit(relay.ServerMessage{Type: relay.ServerResponseDone, ResponseID: e.ResponseID})
}

func (m *Machine) handleUpstreamError(ev dialogue.Event) {
	if ev.Code == dialogue.CodeCancelNotActive {
		return
	}
	err := ev.Err
	if err == nil {
		err = relay.Errorf(relay.KindUpstream, "dialogue engine error")
	}

	if m.state == relay.StateConnecting && !m.reconnecting {
		// 会话配置被拒绝
		if relay.KindOf(err) == relay.KindUpstream {
			err = relay.NewError(relay.KindConfig, "dialogue engine rejected the session configuration", err)
		}
		m.fail(err)
		return
	}

	switch relay.KindOf(err) {
	case relay.KindAuth, relay.KindQuota, relay.KindBlocked:
		id := m.activeID
		m.finishResponse()
		msg := relay.ErrorMessage(err)
		msg.ResponseID = id
		m.emit(msg)
	case relay.KindTransient:
		log.Printf("[session] %s transient upstream error: %v", m.id, err)
		m.recordError(err)
	default:
		msg := relay.ErrorMessage(err)
		msg.ResponseID = ev.ResponseID
		msg.Fatal = false
		m.emit(msg)
	}
}

func (m *Machine) handleClosed(ev dialogue.Event) {
	_ = m.conn.Close()
	m.conn = nil
	m.sched.Cancel(timerHandshake)

	if ev.Err == nil {
		log.Printf("[session] %s dialogue engine closed normally: %s", m.id, ev.CloseReason)
		m.teardown(relay.StateStopped, relay.ServerMessage{Type: relay.ServerDisconnected, Reason: "Dialogue engine closed the session"})
		return
	}

	log.Printf("[session] %s dialogue connection lost (code=%d): %v", m.id, ev.CloseCode, ev.Err)
	if m.activeID != "" {
		id := m.activeID
		m.finishResponse()
		m.emit(relay.ServerMessage{Type: relay.ServerResponseCancelled, ResponseID: id, Reason: reasonLinkLost})
	}
	if m.recordError(ev.Err) {
		return
	}

	m.reconnecting = true
	m.state = relay.StateConnecting
	m.openUpstream()
}

// keepAlive 在锁内检查空闲时长，ping 在锁外发出，慢写入不会卡住其他事件。
func (m *Machine) keepAlive() {
	m.mu.Lock()
	conn := m.conn
	if m.state.Terminal() || conn == nil || m.state == relay.StateConnecting {
		m.mu.Unlock()
		return
	}
	if idle := time.Since(conn.LastActivity()); idle > m.cfg.IdleThreshold {
		m.fail(relay.Errorf(relay.KindConnectionLost, "no traffic from dialogue engine for %s", idle.Round(time.Second)))
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	if err := conn.Ping(); err != nil {
		m.Dispatch(PingFailed{Conn: conn, Err: err})
	}
}

// recordError 记录一次上游错误，达到阈值时终止会话并返回 true。
func (m *Machine) recordError(err error) bool {
	if !m.errs.Record(time.Now()) {
		log.Printf("[session] %s upstream error %d/%d: %v", m.id, m.errs.Count(), m.cfg.ErrorThreshold, err)
		return false
	}
	m.fail(relay.NewError(relay.KindConnectionLost, "dialogue connection lost", err))
	return true
}

// cancelActive 乐观取消：先通知上游，立即清理本地状态，再通知客户端。
func (m *Machine) cancelActive(reason string) {
	if m.activeID == "" {
		return
	}
	id := m.activeID
	if m.conn != nil && !m.activeLocal {
		if err := m.conn.Cancel(id); err != nil {
			log.Printf("[session] %s cancel %s upstream failed: %v", m.id, id, err)
		}
	}
	m.finishResponse()
	m.emit(relay.ServerMessage{Type: relay.ServerResponseCancelled, ResponseID: id, Reason: reason})
}

// finishResponse 所有响应结束路径共用的收尾。
func (m *Machine) finishResponse() {
	m.sched.Cancel(timerResponse)
	if m.synthCancel != nil {
		m.synthCancel()
		m.synthCancel = nil
	}
	if m.source != nil {
		m.source.Reset()
	}
	m.activeID = ""
	m.activeLocal = false
	m.responseStartedAt = time.Time{}
	m.seq = 0
	if m.state.Responding() {
		m.state = relay.StateListening
	}
}

func (m *Machine) appendTranscript(role relay.Role, responseID, text string) {
	text = strings.TrimSpace(text)
	if !m.transcript.Append(role, text) {
		return
	}
	m.emit(relay.ServerMessage{Type: relay.ServerTranscript, ResponseID: responseID, Role: role, Text: text})
}

func (m *Machine) record(entries []relay.TranscriptEntry, trigger string) transcript.Record {
	started := m.startedAt
	if started.IsZero() {
		started = m.createdAt
	}
	rec := transcript.NewRecord(m.id, m.mode, started, time.Now(), entries)
	rec.UserID = m.start.UserID
	rec.CoachID = m.start.CoachID
	rec.Trigger = trigger
	return rec
}

func (m *Machine) save() {
	entries := m.transcript.Snapshot()
	if len(entries) == 0 {
		m.emit(relay.ErrorMessage(relay.Errorf(relay.KindProtocol, "conversation is empty")))
		return
	}
	if m.deps.Flusher == nil {
		m.emit(relay.ErrorMessage(relay.Errorf(relay.KindConfig, "transcript persistence is not configured")))
		return
	}

	rec := m.record(entries, triggerSave)
	accepted := m.deps.Flusher.Flush(rec, func(saved transcript.Record, err error) {
		m.Dispatch(FlushDone{Record: saved, Err: err})
	})
	if !accepted {
		m.emit(relay.ErrorMessage(relay.Errorf(relay.KindTransient, "transcript queue is full, try again")))
		return
	}
	m.savedUpTo = len(entries)
}

func (m *Machine) handleFlushed(e FlushDone) {
	if e.Record.Trigger != triggerSave {
		return
	}
	if e.Err != nil {
		msg := relay.ErrorMessage(e.Err)
		msg.Fatal = false
		m.emit(msg)
		return
	}
	m.emit(relay.ServerMessage{
		Type: relay.ServerConversationSaved,
		Data: map[string]any{
			"entries":     len(e.Record.Entries),
			"summary":     e.Record.Summary,
			"actionSteps": e.Record.ActionSteps,
		},
	})
}

// fail 以致命错误终止会话
func (m *Machine) fail(err error) {
	msg := relay.ErrorMessage(err)
	msg.Fatal = true
	log.Printf("[session] %s fatal: %v", m.id, err)
	m.teardown(relay.StateStopped, msg)
}

// teardown 释放会话的全部资源，可重复调用。
func (m *Machine) teardown(final relay.State, last ...relay.ServerMessage) {
	if m.state.Terminal() {
		return
	}

	if final == relay.StateClosed {
		m.finishResponse()
	} else {
		m.cancelActive(reasonStopped)
	}

	m.sched.Stop()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.reconnecting = false
	m.flushOnEnd()

	m.state = final
	m.cancel()
	for _, msg := range last {
		m.emit(msg)
	}
	m.out.Close()
	close(m.done)
	log.Printf("[session] %s %s (entries=%d stale_dropped=%d)", m.id, final, m.transcript.Len(), m.staleDropped)
}

func (m *Machine) flushOnEnd() {
	entries := m.transcript.Snapshot()
	if m.deps.Flusher == nil || len(entries) <= m.savedUpTo {
		return
	}
	if !m.deps.Flusher.Flush(m.record(entries, triggerEnd), nil) {
		log.Printf("[session] %s transcript dropped, flush queue rejected %d entries", m.id, len(entries))
	}
}

func (m *Machine) emit(msg relay.ServerMessage) {
	msg.SessionID = m.id
	m.out.Push(msg)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
