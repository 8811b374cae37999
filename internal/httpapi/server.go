package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/torontoair/dispatch/internal/config"
	"github.com/torontoair/dispatch/internal/device"
	"github.com/torontoair/dispatch/internal/lead"
	"github.com/torontoair/dispatch/internal/live"
	"github.com/torontoair/dispatch/internal/observability"
	"github.com/torontoair/dispatch/internal/protocol"
	"github.com/torontoair/dispatch/internal/session"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsReadLimit      = 2 << 20
	wsPongTimeout    = 120 * time.Second
	wsOutboundBuffer = 64
)

// Server exposes the dispatch session machine over HTTP and WebSocket.
type Server struct {
	cfg      config.Config
	machine  *session.Machine
	leads    lead.Store
	metrics  *observability.Metrics
	stages   *observability.StageWindow
	logger   *log.Logger
	upgrader websocket.Upgrader
}

func NewServer(
	cfg config.Config,
	machine *session.Machine,
	leads lead.Store,
	metrics *observability.Metrics,
	stages *observability.StageWindow,
	logger *log.Logger,
) *Server {
	s := &Server{
		cfg:     cfg,
		machine: machine,
		leads:   leads,
		metrics: metrics,
		stages:  stages,
		logger:  logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.AllowAnyOrigin {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return strings.EqualFold(origin, "http://"+r.Host) || strings.EqualFold(origin, "https://"+r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", s.handleSessionGet)
		r.Post("/session/connect", s.handleSessionConnect)
		r.Post("/session/disconnect", s.handleSessionDisconnect)
		r.Post("/session/sensitivity", s.handleSessionSensitivity)
		r.Get("/session/stats", s.handleSessionStats)
		r.Get("/session/ws", s.handleSessionWS)
		r.Get("/leads", s.handleLeads)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.leads != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if _, err := s.leads.List(ctx, 1); err != nil {
			respondError(w, http.StatusServiceUnavailable, "lead store unavailable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.machine.Snapshot())
}

type connectRequest struct {
	Persona string `json:"persona"`
}

func (s *Server) handleSessionConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r.Body, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ConnectTimeout)
	defer cancel()

	snap, err := s.machine.Connect(ctx, s.personaOrDefault(req.Persona))
	if err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyActive):
			respondError(w, http.StatusConflict, "a call is already active")
		case errors.Is(err, device.ErrMicrophoneUnavailable):
			respondError(w, http.StatusServiceUnavailable, "microphone unavailable")
		case errors.Is(err, live.ErrConnectionRefused):
			respondError(w, http.StatusBadGateway, "voice service refused the connection")
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) personaOrDefault(persona string) string {
	if strings.TrimSpace(persona) == "" {
		return s.cfg.DefaultPersona
	}
	return persona
}

func (s *Server) handleSessionDisconnect(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.machine.Disconnect())
}

type sensitivityRequest struct {
	Value *float64 `json:"value"`
}

func (s *Server) handleSessionSensitivity(w http.ResponseWriter, r *http.Request) {
	var req sensitivityRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Value == nil || *req.Value < 0 || *req.Value > 1 {
		respondError(w, http.StatusBadRequest, "value must be between 0 and 1")
		return
	}
	s.machine.SetSensitivity(*req.Value)
	respondJSON(w, http.StatusOK, s.machine.Snapshot())
}

func (s *Server) handleSessionStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.stages.Snapshot())
}

func (s *Server) handleLeads(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			respondError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	records, err := s.leads.List(r.Context(), limit)
	if err != nil {
		s.logger.Printf("httpapi: list leads: %v", err)
		respondError(w, http.StatusInternalServerError, "failed to list leads")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"leads": records})
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Printf("httpapi: websocket upgrade: %v", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	broadcasts := s.machine.Subscribe()
	defer s.machine.Unsubscribe(broadcasts)

	// Direct buffer for messages addressed to this client only.
	direct := make(chan []byte, wsOutboundBuffer)
	done := make(chan struct{})

	go s.writeLoop(conn, broadcasts, direct, done)

	s.queueSnapshot(direct)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			break
		}
		s.handleClientMessage(payload, direct)
	}
	close(done)
}

// writeLoop is the only goroutine that writes to conn.
func (s *Server) writeLoop(conn *websocket.Conn, broadcasts <-chan []byte, direct <-chan []byte, done <-chan struct{}) {
	write := func(payload []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return false
		}
		s.countOutbound(payload)
		return true
	}
	for {
		select {
		case payload := <-direct:
			if !write(payload) {
				return
			}
		case payload, ok := <-broadcasts:
			if !ok {
				return
			}
			if !write(payload) {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) handleClientMessage(payload []byte, direct chan<- []byte) {
	msg, err := protocol.ParseClientMessage(payload)
	if err != nil {
		s.queueError(direct, "bad_message", err.Error())
		return
	}
	switch m := msg.(type) {
	case protocol.Connect:
		s.countInbound(protocol.TypeConnect)
		// Connect blocks on device and upstream setup; keep the read loop
		// responsive so a disconnect can still come through.
		go func() {
			dialCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
			defer cancel()
			if _, err := s.machine.Connect(dialCtx, s.personaOrDefault(m.Persona)); err != nil && !errors.Is(err, session.ErrAlreadyActive) {
				s.logger.Printf("httpapi: connect: %v", err)
			}
		}()
	case protocol.Disconnect:
		s.countInbound(protocol.TypeDisconnect)
		s.machine.Disconnect()
	case protocol.SetSensitivity:
		s.countInbound(protocol.TypeSetSensitivity)
		s.machine.SetSensitivity(m.Value)
	default:
		s.queueError(direct, "bad_message", "unsupported message")
	}
}

func (s *Server) queueSnapshot(direct chan<- []byte) {
	snap := s.machine.Snapshot()
	msg := protocol.StateChanged{
		Type:      protocol.TypeStateChanged,
		SessionID: snap.SessionID,
		State:     string(snap.State),
		Speaking:  snap.Speaking,
		Error:     snap.Error,
		TSMs:      time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case direct <- payload:
	default:
	}
}

func (s *Server) queueError(direct chan<- []byte, code, detail string) {
	payload, err := json.Marshal(protocol.ErrorEvent{
		Type:   protocol.TypeErrorEvent,
		Code:   code,
		Detail: detail,
		TSMs:   time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	select {
	case direct <- payload:
	default:
	}
}

func (s *Server) countInbound(msgType protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues("in", string(msgType)).Inc()
	}
}

func (s *Server) countOutbound(payload []byte) {
	if s.metrics == nil {
		return
	}
	s.metrics.WSMessages.WithLabelValues("out", messageTypeOf(payload)).Inc()
}

func messageTypeOf(payload []byte) string {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil || envelope.Type == "" {
		return "unknown"
	}
	return envelope.Type
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r io.Reader, dst any) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
