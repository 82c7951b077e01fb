package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/burstgate/internal/bus"
	"github.com/nextlevelbuilder/burstgate/internal/config"
	httpapi "github.com/nextlevelbuilder/burstgate/internal/http"
	"github.com/nextlevelbuilder/burstgate/internal/store"
	"github.com/nextlevelbuilder/burstgate/pkg/protocol"
)

// Scheduler is the debounce surface the gateway exposes over HTTP.
type Scheduler interface {
	httpapi.Pusher
	httpapi.Flusher
}

// Server is the gateway server handling ingress HTTP, admin endpoints and the
// WebSocket event stream.
type Server struct {
	cfg       *config.Config
	eventPub  bus.EventPublisher
	scheduler Scheduler
	backend   string
	pinger    store.Pinger // nil when the backend has no Ping

	upgrader    websocket.Upgrader
	rateLimiter *httpapi.RateLimiter
	messages    *httpapi.MessagesHandler
	drain       func()
	clients     map[string]*Client
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server.
func NewServer(cfg *config.Config, eventPub bus.EventPublisher, sched Scheduler, backend string, pinger store.Pinger) *Server {
	s := &Server{
		cfg:       cfg,
		eventPub:  eventPub,
		scheduler: sched,
		backend:   backend,
		pinger:    pinger,
		clients:   make(map[string]*Client),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// rate_limit_rpm > 0  → enabled at that RPM per sender
	// rate_limit_rpm <= 0 → disabled (default)
	s.rateLimiter = httpapi.NewRateLimiter(cfg.Gateway.RateLimitRPM, 5)
	s.messages = httpapi.NewMessagesHandler(sched, cfg.Gateway.Token, cfg.Gateway.MaxMessageChars)
	s.messages.SetRateLimiter(s.rateLimiter)
	return s
}

// SetDrainHook registers fn to run during shutdown after ingress has stopped
// and before WebSocket clients are closed, so events it publishes still reach them.
func (s *Server) SetDrainHook(fn func()) { s.drain = fn }

// ApplyIngressLimits changes the message length cap and per-sender rate for
// subsequent requests.
func (s *Server) ApplyIngressLimits(maxChars, rpm int) {
	s.messages.SetMaxChars(maxChars)
	s.rateLimiter.SetRPM(rpm)
	slog.Info("gateway.limits_applied", "max_message_chars", maxChars, "rate_limit_rpm", rpm)
}

// checkOrigin validates WebSocket connection origin against the allowed origins whitelist.
// If no origins are configured, all origins are allowed.
// Empty Origin header (non-browser clients like CLI/SDK) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	// WebSocket event stream
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	mux.HandleFunc("GET /health", s.handleHealth)

	// Ingress: POST / and POST /v1/messages
	s.messages.RegisterRoutes(mux)

	// Pending keys and manual flush
	httpapi.NewAdminHandler(s.scheduler, s.cfg.Gateway.Token).RegisterRoutes(mux)

	s.mux = mux
	return mux
}

// Start begins listening and blocks until ctx is cancelled and the server has shut down.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. Shutdown stops the
// HTTP listener first, then runs the drain hook, then closes WebSocket clients.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.httpServer = &http.Server{
		Handler:           s.BuildMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway starting", "addr", ln.Addr().String(), "backend", s.backend)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by Shutdown and stay open.
		s.httpServer.Shutdown(shutdownCtx)
		if s.drain != nil {
			s.drain()
		}
		s.closeClients()
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	<-done
	return nil
}

// handleWebSocket upgrades HTTP to WebSocket and streams bus events to the client.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if token := s.cfg.Gateway.Token; token != "" {
		if httpapi.ExtractBearerToken(r) != token && r.URL.Query().Get("token") != token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

type healthResponse struct {
	Status   string `json:"status"`
	Protocol int    `json:"protocol"`
	Backend  string `json:"backend"`
	Pending  int    `json:"pending"`
	Clients  int    `json:"clients"`
	Error    string `json:"error,omitempty"`
}

// handleHealth reports liveness plus buffer store reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Protocol: protocol.ProtocolVersion,
		Backend:  s.backend,
		Pending:  len(s.scheduler.Pending()),
		Clients:  s.ClientCount(),
	}
	status := http.StatusOK
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	httpapi.WriteJSON(w, status, resp)
}

// BroadcastEvent sends an event to all connected clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		client.SendEvent(event)
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.id] = c

	s.eventPub.Subscribe(c.id, func(event bus.Event) {
		c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
	})

	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c.id)
	s.eventPub.Unsubscribe(c.id)
	slog.Info("client disconnected", "id", c.id)
}

// closeClients tells every client the gateway is going away and closes them.
func (s *Server) closeClients() {
	s.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, nil))

	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}
