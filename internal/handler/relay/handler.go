package relay

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	middlewarePkg "github.com/zhouzirui/z-tavern/relay/internal/middleware"
	relaysvc "github.com/zhouzirui/z-tavern/relay/internal/service/relay"
	"github.com/zhouzirui/z-tavern/relay/pkg/utils"
)

const terminatedByAdmin = "Terminated by administrator"

// Handler 客户端 websocket 接入与会话管理接口
type Handler struct {
	manager        *relaysvc.Manager
	upgrader       websocket.Upgrader
	streamInterval time.Duration
}

// New 创建中继处理器，allowedOrigins 为空时接受任意来源。
func New(manager *relaysvc.Manager, allowedOrigins []string) *Handler {
	return &Handler{
		manager: manager,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middlewarePkg.OriginAllowed(allowedOrigins, origin)
			},
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		streamInterval: 2 * time.Second,
	}
}

// RegisterWebSocketRoutes 注册 websocket 路由
func (h *Handler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

// RegisterRoutes 注册会话管理路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/health", h.handleHealth)
	r.Route("/relay/sessions", func(r chi.Router) {
		r.Get("/", h.handleListSessions)
		r.Get("/stream", h.handleStreamSessions)
		r.Get("/{sessionID}", h.handleGetSession)
		r.Delete("/{sessionID}", h.handleTerminateSession)
	})
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if sessionID == "" {
		sessionID = strings.TrimSpace(r.URL.Query().Get("sessionId"))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写回了错误响应
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}

	if err := h.manager.Serve(r.Context(), conn, sessionID); err != nil {
		log.Printf("[websocket] session %s ended with error: %v", sessionID, err)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"service":  "relay",
		"sessions": h.manager.Registry().Count(),
	})
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.manager.Registry().List()
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	snapshot, ok := h.manager.Registry().Get(sessionID)
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleTerminateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if !h.manager.Registry().Terminate(sessionID, terminatedByAdmin) {
		utils.RespondError(w, http.StatusNotFound, "session not found")
		return
	}
	log.Printf("[relay] session %s terminated via admin api", sessionID)
	utils.RespondJSON(w, http.StatusAccepted, map[string]string{
		"sessionId": sessionID,
		"status":    "terminating",
	})
}

// handleStreamSessions 以 SSE 周期性推送会话快照
func (h *Handler) handleStreamSessions(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	ticker := time.NewTicker(h.streamInterval)
	defer ticker.Stop()

	for {
		if err := utils.SendSSEEvent(w, flusher, "sessions", h.manager.Registry().List()); err != nil {
			log.Printf("[sse] session stream closed: %v", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
