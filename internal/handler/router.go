package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	coachHandler "github.com/zhouzirui/z-tavern/relay/internal/handler/coach"
	relayHandler "github.com/zhouzirui/z-tavern/relay/internal/handler/relay"
	middlewarePkg "github.com/zhouzirui/z-tavern/relay/internal/middleware"
	coachModel "github.com/zhouzirui/z-tavern/relay/internal/model/coach"
	relayService "github.com/zhouzirui/z-tavern/relay/internal/service/relay"
	"github.com/zhouzirui/z-tavern/relay/pkg/utils"
)

// NewRouter wires HTTP routes to the relay manager and coach catalog.
func NewRouter(manager *relayService.Manager, coaches coachModel.Store, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS(allowedOrigins))

	relay := relayHandler.New(manager, allowedOrigins)

	// websocket 长连接不经过请求日志中间件
	relay.RegisterWebSocketRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Route("/api", func(api chi.Router) {
			relay.RegisterRoutes(api)
			if coaches != nil {
				coachHandler.New(coaches).RegisterRoutes(api)
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.RespondError(w, http.StatusNotFound, "not found")
	})

	return r
}
