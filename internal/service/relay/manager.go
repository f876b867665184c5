package relay

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	relaymodel "github.com/zhouzirui/z-tavern/relay/internal/model/relay"
	"github.com/zhouzirui/z-tavern/relay/internal/service/frame"
	"github.com/zhouzirui/z-tavern/relay/internal/service/session"
)

// Options 客户端连接参数
type Options struct {
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	CloseGrace     time.Duration
}

// DefaultOptions 返回默认连接参数
func DefaultOptions() Options {
	return Options{
		WriteTimeout:   10 * time.Second,
		PongWait:       60 * time.Second,
		PingInterval:   54 * time.Second,
		MaxMessageSize: frame.MaxLineSize,
		CloseGrace:     time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = def.MaxMessageSize
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = def.CloseGrace
	}
	return o
}

// Manager 为每个客户端连接创建会话状态机，并负责两侧的数据泵。
type Manager struct {
	cfg      session.Config
	deps     session.Deps
	registry *Registry
	opts     Options
}

// NewManager 创建会话管理器
func NewManager(cfg session.Config, deps session.Deps, registry *Registry, opts Options) *Manager {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Manager{cfg: cfg, deps: deps, registry: registry, opts: opts.withDefaults()}
}

// Registry 返回会话登记表
func (mgr *Manager) Registry() *Registry {
	return mgr.registry
}

// Serve 在一个客户端连接的生命周期内运行会话，连接结束时释放全部资源。
// 读、写、保活三个协程任一退出都会导致会话结束。
func (mgr *Manager) Serve(ctx context.Context, ws *websocket.Conn, sessionID string) error {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	m := session.New(ctx, sessionID, mgr.cfg, mgr.deps)
	unregister := mgr.registry.Register(sessionID, m)
	defer unregister()

	log.Printf("[relay] session %s connected from %s", sessionID, ws.RemoteAddr())
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mgr.readLoop(ws, m, sessionID) })
	g.Go(func() error { return mgr.writeLoop(ws, m) })
	g.Go(func() error { return mgr.pingLoop(gctx, ws, m) })

	err := g.Wait()
	m.Dispatch(session.ClientGone{Err: err})
	_ = ws.Close()
	m.Wait()

	log.Printf("[relay] session %s finished after %s", sessionID, time.Since(started).Round(time.Millisecond))
	return err
}

func (mgr *Manager) readLoop(ws *websocket.Conn, m *session.Machine, sessionID string) error {
	ws.SetReadLimit(mgr.opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(mgr.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(mgr.opts.PongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Printf("[websocket] session %s read error: %v", sessionID, err)
			}
			m.Dispatch(session.ClientGone{Err: err})
			return nil
		}
		_ = ws.SetReadDeadline(time.Now().Add(mgr.opts.PongWait))

		msg, err := frame.DecodeClient(data)
		if err != nil {
			m.Dispatch(session.ProtocolError{Err: err})
			continue
		}
		if msg.SessionID != "" && msg.SessionID != sessionID {
			m.Dispatch(session.ProtocolError{Err: relaymodel.Errorf(relaymodel.KindProtocol, "session mismatch")})
			continue
		}
		m.Dispatch(session.ClientMessage{Msg: msg})
	}
}

func (mgr *Manager) writeLoop(ws *websocket.Conn, m *session.Machine) error {
	reason := ""
	for msg := range m.Outbox() {
		data, err := frame.Encode(msg)
		if err != nil {
			log.Printf("[websocket] session %s encode %s failed: %v", m.ID(), msg.Type, err)
			continue
		}
		_ = ws.SetWriteDeadline(time.Now().Add(mgr.opts.WriteTimeout))
		if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
			m.Dispatch(session.ClientGone{Err: err})
			_ = ws.Close()
			return err
		}
		if msg.Type == relaymodel.ServerError && msg.Fatal {
			reason = msg.Message
		}
	}

	// 会话已结束：发送关闭帧，留出时间让客户端回应
	code := websocket.CloseNormalClosure
	if reason != "" {
		code = websocket.CloseInternalServerErr
	}
	deadline := time.Now().Add(mgr.opts.WriteTimeout)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateReason(reason)), deadline)
	_ = ws.SetReadDeadline(time.Now().Add(mgr.opts.CloseGrace))
	return nil
}

func (mgr *Manager) pingLoop(ctx context.Context, ws *websocket.Conn, m *session.Machine) error {
	ticker := time.NewTicker(mgr.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.Done():
			return nil
		case <-ctx.Done():
			m.Terminate("Server shutting down")
			return nil
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(mgr.opts.WriteTimeout)); err != nil {
				if errors.Is(err, websocket.ErrCloseSent) {
					return nil
				}
				log.Printf("[websocket] session %s ping failed: %v", m.ID(), err)
				return nil
			}
		}
	}
}

// truncateReason 关闭帧的原因最长 123 字节
func truncateReason(reason string) string {
	if len(reason) <= 123 {
		return reason
	}
	return reason[:123]
}
