package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/nextlevelbuilder/burstgate/internal/bus"
	"github.com/nextlevelbuilder/burstgate/internal/debounce"
)

const maxBodyBytes = 1 << 20

// Pusher buffers a message and (re)arms its conversation's debounce timer.
type Pusher interface {
	Push(ctx context.Context, msg bus.InboundMessage) error
}

// MessagesHandler accepts inbound messages for debouncing.
type MessagesHandler struct {
	pusher   Pusher
	token    string
	maxChars atomic.Int64
	limiter  *RateLimiter
	now      func() time.Time
}

// NewMessagesHandler creates the ingress handler. maxChars <= 0 disables the length check.
func NewMessagesHandler(p Pusher, token string, maxChars int) *MessagesHandler {
	h := &MessagesHandler{pusher: p, token: token, now: time.Now}
	h.maxChars.Store(int64(maxChars))
	return h
}

// SetRateLimiter enables per-sender rate limiting.
func (h *MessagesHandler) SetRateLimiter(rl *RateLimiter) { h.limiter = rl }

// SetMaxChars changes the per-message character limit for subsequent requests.
func (h *MessagesHandler) SetMaxChars(n int) { h.maxChars.Store(int64(n)) }

// RegisterRoutes mounts the ingress on "POST /" (legacy path) and "POST /v1/messages".
func (h *MessagesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /{$}", requireToken(h.token, h.handlePost))
	mux.HandleFunc("POST /v1/messages", requireToken(h.token, h.handlePost))
}

// idString accepts a JSON string or number.
type idString string

func (s *idString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = idString(str)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number")
	}
	*s = idString(n.String())
	return nil
}

type messageRequest struct {
	FromID   idString        `json:"fromId"`
	Key      idString        `json:"key"`
	UIDFrom  idString        `json:"uidFrom"`
	ThreadID idString        `json:"threadId"`
	Content  json.RawMessage `json:"content"`
}

// parse validates the request and returns the normalized message.
func (req *messageRequest) parse(maxChars int) (bus.InboundMessage, error) {
	// Ids are opaque and forwarded unchanged; only content is trimmed.
	fromID := string(req.FromID)
	if fromID == "" {
		fromID = string(req.UIDFrom)
	}
	key := string(req.Key)
	if key == "" {
		key = string(req.ThreadID)
	}
	if fromID == "" || key == "" {
		return bus.InboundMessage{}, errors.New("fromId and key are required")
	}

	var content string
	if len(req.Content) == 0 || json.Unmarshal(req.Content, &content) != nil {
		return bus.InboundMessage{}, errors.New("content must be a string")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return bus.InboundMessage{}, errors.New("content is empty")
	}
	if maxChars > 0 && utf8.RuneCountInString(content) > maxChars {
		return bus.InboundMessage{}, fmt.Errorf("content exceeds %d characters", maxChars)
	}
	return bus.InboundMessage{FromID: fromID, Key: key, Content: content}, nil
}

func (h *MessagesHandler) handlePost(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("ingress.invalid_body", "error", err)
		WriteJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "message": "invalid JSON body"})
		return
	}

	msg, err := req.parse(int(h.maxChars.Load()))
	if err != nil {
		slog.Warn("ingress.rejected", "from", string(req.FromID), "key", string(req.Key), "reason", err.Error())
		WriteJSON(w, http.StatusBadRequest, map[string]interface{}{"success": false, "message": err.Error()})
		return
	}

	if !h.limiter.Allow(msg.FromID) {
		slog.Warn("security.rate_limited", "from", msg.FromID, "key", msg.Key)
		w.Header().Set("Retry-After", "60")
		WriteJSON(w, http.StatusTooManyRequests, map[string]interface{}{"success": false, "message": "rate limit exceeded"})
		return
	}

	msg.ReceivedAt = h.now()
	slog.Info("ingress.received", "from", msg.FromID, "key", msg.Key, "chars", utf8.RuneCountInString(msg.Content))

	if err := h.pusher.Push(r.Context(), msg); err != nil {
		if errors.Is(err, debounce.ErrStopped) {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"success": false, "error": "shutting down"})
			return
		}
		slog.Error("ingress.push_failed", "key", msg.Key, "error", err)
		WriteJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{"success": true, "message": "Debounce started"})
}
