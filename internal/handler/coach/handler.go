package coach

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	coachModel "github.com/zhouzirui/z-tavern/relay/internal/model/coach"
	"github.com/zhouzirui/z-tavern/relay/pkg/utils"
)

// Handler 教练列表的HTTP处理器
type Handler struct {
	coaches coachModel.Store
}

// New 创建教练处理器
func New(coaches coachModel.Store) *Handler {
	return &Handler{
		coaches: coaches,
	}
}

// RegisterRoutes 注册教练相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/coaches", h.handleListCoaches)
	r.Get("/coaches/{coachID}", h.handleGetCoach)
}

// handleListCoaches 列出所有教练
func (h *Handler) handleListCoaches(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, h.coaches.List())
}

func (h *Handler) handleGetCoach(w http.ResponseWriter, r *http.Request) {
	c, ok := h.coaches.FindByID(chi.URLParam(r, "coachID"))
	if !ok {
		utils.RespondError(w, http.StatusNotFound, "coach not found")
		return
	}
	utils.RespondJSON(w, http.StatusOK, c)
}
