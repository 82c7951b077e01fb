package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/burstgate/internal/bus"
	"github.com/nextlevelbuilder/burstgate/internal/debounce"
)

// Flusher exposes the scheduler's inspection and manual flush operations.
type Flusher interface {
	Pending() []string
	FlushNow(key string) (bus.FlushResult, error)
}

// AdminHandler serves operational endpoints over the debounce scheduler.
type AdminHandler struct {
	flusher Flusher
	token   string
}

func NewAdminHandler(f Flusher, token string) *AdminHandler {
	return &AdminHandler{flusher: f, token: token}
}

// RegisterRoutes registers the admin routes on the given mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/pending", requireToken(h.token, h.handlePending))
	mux.HandleFunc("POST /v1/conversations/{key}/flush", requireToken(h.token, h.handleFlush))
}

func (h *AdminHandler) handlePending(w http.ResponseWriter, r *http.Request) {
	keys := h.flusher.Pending()
	WriteJSON(w, http.StatusOK, map[string]interface{}{"keys": keys, "count": len(keys)})
}

func (h *AdminHandler) handleFlush(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		WriteJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "message": "key is required"})
		return
	}

	res, err := h.flusher.FlushNow(key)
	if err != nil {
		if errors.Is(err, debounce.ErrStopped) {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"success": false, "error": "shutting down"})
			return
		}
		WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	slog.Info("admin.flush", "key", key, "status", res.Status, "count", len(res.Messages))
	status := http.StatusOK
	if res.Err != nil {
		status = http.StatusBadGateway
	}
	WriteJSON(w, status, res)
}
