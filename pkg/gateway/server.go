// Package gateway is the network front end: a websocket endpoint that runs
// turns, a stateless streaming chat endpoint, and health and metrics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/clawgate/internal/observability"
	"github.com/harun/clawgate/internal/tracing"
	"github.com/harun/clawgate/pkg/agent"
	"github.com/harun/clawgate/pkg/llm"
	"github.com/harun/clawgate/pkg/router"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

const (
	// DefaultSessionKey is used when /ws is opened without ?session=.
	DefaultSessionKey = "default"

	writeTimeout      = 10 * time.Second
	maxStreamBodySize = 8 << 20

	// MaxInboundFrameSize caps one websocket frame. It stays below the
	// session log's record limit so an accepted message can always be
	// read back.
	MaxInboundFrameSize = 6 << 20
)

// TurnRunner executes conversational turns.
type TurnRunner interface {
	Run(ctx context.Context, sessionKey string, input agent.UserInput) (agent.TurnResult, error)
	Abort(sessionKey string) bool
}

// Config holds server configuration
type Config struct {
	Host string
	Port int

	Runner TurnRunner
	Router *router.Router

	// Per-client limits for inbound messages. Zero disables a limit.
	RequestsPerMinute int
	MaxConcurrent     int

	Logger zerolog.Logger
}

// Server is the gateway HTTP server.
type Server struct {
	cfg         Config
	runner      TurnRunner
	router      *router.Router
	clients     *ClientRegistry
	broadcaster *Broadcaster
	upgrader    websocket.Upgrader
	logger      zerolog.Logger

	server   *http.Server
	listener net.Listener

	baseCtx    context.Context
	cancelBase context.CancelFunc

	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a new gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port < 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("turn runner is required")
	}
	if cfg.Router == nil {
		return nil, fmt.Errorf("router is required")
	}

	observability.EnsureRegistered()

	logger := cfg.Logger.With().Str("component", "gateway").Logger()
	clients := NewClientRegistry()
	baseCtx, cancel := context.WithCancel(context.Background())

	return &Server{
		cfg:         cfg,
		runner:      cfg.Runner,
		router:      cfg.Router,
		clients:     clients,
		broadcaster: NewBroadcaster(clients, logger),
		logger:      logger,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/chat/stream", s.handleChatStream)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", observability.MetricsHandler())
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting gateway server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop waits for in-flight turns (bounded by ctx), closes every client and
// shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight turns completed")
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown timeout reached, cancelling turns")
	}
	s.cancelBase()

	for _, client := range s.clients.All() {
		client.Conn.Close()
	}

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	s.logger.Info().Msg("Gateway server stopped")
	return nil
}

// Broadcast pushes env to every websocket listening on sessionKey.
func (s *Server) Broadcast(sessionKey string, env Envelope) int {
	return s.broadcaster.Broadcast(sessionKey, env)
}

// Clients returns information about connected clients.
func (s *Server) Clients() []ClientInfo {
	return s.clients.Info()
}

func (s *Server) shuttingDown() bool {
	s.shutdownMu.RLock()
	defer s.shutdownMu.RUnlock()
	return s.isShuttingDown
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown() {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	sessionKey := strings.TrimSpace(r.URL.Query().Get("session"))
	if sessionKey == "" {
		sessionKey = DefaultSessionKey
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}
	conn.SetReadLimit(MaxInboundFrameSize)

	clientID, err := gonanoid.New()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate client id")
		conn.Close()
		return
	}

	now := time.Now()
	client := &Client{
		ID:           clientID,
		SessionKey:   sessionKey,
		Conn:         conn,
		ConnectedAt:  now,
		LastActivity: now,
		IPAddress:    r.RemoteAddr,
		RateLimiter:  NewClientRateLimiter(s.cfg.RequestsPerMinute, s.cfg.MaxConcurrent),
	}
	s.clients.Add(client)

	s.logger.Info().
		Str("clientId", clientID).
		Str("session_key", sessionKey).
		Str("ip", r.RemoteAddr).
		Msg("Client connected")

	go s.handleClient(client)
}

func (s *Server) handleClient(client *Client) {
	defer func() {
		client.Conn.Close()
		s.clients.Remove(client.ID)
		s.logger.Info().Str("clientId", client.ID).Msg("Client disconnected")
	}()

	for {
		_, message, err := client.Conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				s.logger.Warn().Str("clientId", client.ID).Int("limit", MaxInboundFrameSize).Msg("Inbound frame too large, closing")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn().Err(err).Str("clientId", client.ID).Msg("WebSocket error")
			}
			return
		}

		s.clients.UpdateActivity(client.ID)
		s.handleMessage(client, ParseInbound(message))
	}
}

func (s *Server) handleMessage(client *Client, in Inbound) {
	if in.Type == InboundAbort {
		text := "Nothing to abort."
		if s.runner.Abort(client.SessionKey) {
			text = "Turn aborted."
		}
		s.reply(client, Envelope{Type: EnvelopeSystem, Content: text})
		return
	}

	if strings.TrimSpace(in.Content) == "" && len(in.Images) == 0 {
		return
	}

	release, reason := client.RateLimiter.Acquire()
	if release == nil {
		s.reply(client, Envelope{Type: EnvelopeSystem, Content: "Error: " + reason})
		return
	}

	if s.shuttingDown() {
		release()
		s.reply(client, Envelope{Type: EnvelopeSystem, Content: "Error: server is shutting down"})
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()
		defer release()

		ctx := tracing.NewRequestContext(s.baseCtx)
		logger := tracing.LoggerFromContext(ctx, s.logger)
		logger.Info().
			Str("clientId", client.ID).
			Str("session_key", client.SessionKey).
			Int("images", len(in.Images)).
			Msg("Gateway received message")

		result, err := s.runner.Run(ctx, client.SessionKey, agent.UserInput{Text: in.Content, Images: in.Images})
		if err != nil {
			s.reply(client, Envelope{Type: EnvelopeSystem, Content: "Error: " + err.Error()})
			return
		}
		s.reply(client, Envelope{Type: EnvelopeMessage, Content: result.Content})
	}()
}

func (s *Server) reply(client *Client, env Envelope) {
	if err := client.Send(env); err != nil {
		s.logger.Warn().Err(err).Str("clientId", client.ID).Str("type", env.Type).Msg("Failed to send envelope")
	}
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := tracing.NewRequestContext(r.Context())
	logger := tracing.LoggerFromContext(ctx, s.logger)

	messages, err := decodeStreamRequest(io.LimitReader(r.Body, maxStreamBodySize))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	stream, err := s.router.ChatStream(ctx, messages, nil)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, router.ErrAllProvidersBusy) || errors.Is(err, router.ErrAllProvidersDown) {
			status = http.StatusServiceUnavailable
		}
		logger.Error().Err(err).Msg("Failed to open chat stream")
		writeJSONError(w, status, err.Error())
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for stream.Next() {
		writeSSE(w, map[string]string{"content": stream.Current()})
		flusher.Flush()
	}
	if err := stream.Err(); err != nil {
		logger.Error().Err(err).Msg("Chat stream interrupted")
		writeSSE(w, map[string]string{"error": err.Error()})
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func decodeStreamRequest(body io.Reader) ([]llm.Message, error) {
	var req struct {
		Messages []llm.Message `json:"messages"`
	}
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	for i, msg := range req.Messages {
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
	}
	return req.Messages, nil
}

func writeSSE(w io.Writer, payload interface{}) {
	data, _ := json.Marshal(payload)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

type healthResponse struct {
	Status    string                    `json:"status"`
	Providers []router.ProviderSnapshot `json:"providers"`
	Clients   int                       `json:"clients"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	providers := s.router.Providers()

	status := "degraded"
	for _, p := range providers {
		if p.Status == router.StatusHealthy {
			status = "ok"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(healthResponse{
		Status:    status,
		Providers: providers,
		Clients:   s.clients.Count(),
	})
}
