// Package transport is the thin bidirectional surface in front of the
// coordinator: a persistent duplex channel per agent plus short-lived
// request/response endpoints. It never arbitrates — every handler either
// submits an operation to the coordinator or forwards an event the
// coordinator already decided to emit.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicecoord/internal/clockid"
	"github.com/antoniostano/voicecoord/internal/config"
	"github.com/antoniostano/voicecoord/internal/coordinator"
	"github.com/antoniostano/voicecoord/internal/observability"
	"github.com/antoniostano/voicecoord/internal/protocol"
	"github.com/antoniostano/voicecoord/internal/registry"
	"github.com/antoniostano/voicecoord/internal/statusview"
)

const outboundQueueCapacity = 64

// Coordinator is the subset of *coordinator.Coordinator the transport calls.
type Coordinator interface {
	Register(agentID string, f registry.Fields) *registry.Agent
	Heartbeat(agentID string)
	SetStatus(agentID string, status registry.Status, priority *int) (*registry.Agent, error)
	Submit(req coordinator.SubmitRequest) (coordinator.SubmitResult, error)
	Complete(agentID string, reason coordinator.CompletionReason)
	Disconnect(agentID string)
	Snapshot() coordinator.Snapshot
}

// Registry is the subset of *registry.Registry the transport calls directly
// (read-only listing; all mutation goes through Coordinator).
type Registry interface {
	List() []*registry.Agent
}

type Server struct {
	cfg      config.Config
	coord    Coordinator
	reg      Registry
	metrics  *observability.Metrics
	hub      *hub
	upgrader websocket.Upgrader
}

// New constructs a transport Server. Call SetCoordinator before Router is
// served — the coordinator and the transport's event sink are built in two
// steps because the coordinator needs the sink this Server owns.
func New(cfg config.Config, reg Registry, metrics *observability.Metrics) *Server {
	s := &Server{
		cfg:     cfg,
		reg:     reg,
		metrics: metrics,
		hub:     newHub(metrics),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if cfg.AllowAnyOrigin {
				return true
			}
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// Non-browser agents (the common case here) often omit Origin.
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
	return s
}

// Sink exposes this Server's fan-out hub as a coordinator.EventSink, for
// wiring into coordinator.New before SetCoordinator is called.
func (s *Server) Sink() coordinator.EventSink {
	return s.hub
}

// SetCoordinator wires the coordinator this transport submits operations
// to. Must be called before Router's handlers are exercised.
func (s *Server) SetCoordinator(coord Coordinator) {
	s.coord = coord
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/ws", s.handleAgentWS)
	r.Get("/ws/{agent_id}", s.handleAgentWS)
	r.Post("/agents/{agent_id}/speak", s.handleSpeak)
	r.Post("/agents/{agent_id}/status", s.handleStatus)
	r.Get("/status", s.handleStatusSnapshot)
	r.Get("/agents", s.handleListAgents)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handleStatusSnapshot(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, statusview.Build(s.coord, s.metrics))
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.reg.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"total":  len(agents),
	})
}

type speakRequestBody struct {
	Message           string         `json:"message"`
	Priority          int            `json:"priority"`
	EstimatedDuration float64        `json:"estimated_duration"`
	VoiceSettings     map[string]any `json:"voice_settings"`
}

type speakResponseBody struct {
	RequestID     string  `json:"request_id"`
	QueuedAt      string  `json:"queued_at"`
	QueuePosition int     `json:"queue_position"`
	EstimatedWait float64 `json:"estimated_wait"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	var body speakRequestBody
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.coord.Submit(coordinator.SubmitRequest{
		AgentID:           agentID,
		Message:           body.Message,
		Priority:          body.Priority,
		EstimatedDuration: time.Duration(body.EstimatedDuration * float64(time.Second)),
		VoiceSettings:     body.VoiceSettings,
	})
	if errors.Is(err, coordinator.ErrUnknownAgent) {
		respondError(w, http.StatusNotFound, "unknown_agent", "agent is not registered")
		return
	}

	respondJSON(w, http.StatusOK, speakResponseBody{
		RequestID:     res.RequestID,
		QueuedAt:      res.QueuedAt.Format(time.RFC3339Nano),
		QueuePosition: res.QueuePosition,
		EstimatedWait: res.EstimatedWait.Seconds(),
	})
}

type statusUpdateBody struct {
	Status   string `json:"status"`
	Priority int    `json:"priority"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agent_id")

	var body statusUpdateBody
	if err := decodeJSON(r, &body); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	var priority *int
	if body.Priority != 0 {
		priority = &body.Priority
	}

	_, err := s.coord.SetStatus(agentID, registry.Status(body.Status), priority)
	switch {
	case errors.Is(err, registry.ErrNotFound):
		respondError(w, http.StatusNotFound, "unknown_agent", "agent is not registered")
		return
	case errors.Is(err, registry.ErrSpeakingNotAllowed):
		respondError(w, http.StatusBadRequest, "speaking_not_allowed", err.Error())
		return
	case err != nil:
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	agentID := chi.URLParam(r, "agent_id")
	if agentID == "" {
		agentID = clockid.NewID()
	}
	p := s.hub.join(agentID, outboundQueueCapacity)
	registered := false
	defer func() {
		s.hub.leave(agentID)
		if registered {
			s.coord.Disconnect(agentID)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		pingTicker := time.NewTicker(30 * time.Second)
		defer pingTicker.Stop()
		for {
			select {
			case <-pingTicker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case event := <-p.outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(event); err != nil {
					if s.metrics != nil {
						s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
					}
					return
				}
				if t, ok := outboundMessageType(event); ok && s.metrics != nil {
					s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
				}
			case <-p.done:
				return
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(150 * time.Second))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(150 * time.Second))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseInbound(data)
		if err != nil {
			s.hub.Send(agentID, protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_message",
				Detail: err.Error(),
			})
			continue
		}
		if t, ok := inboundMessageType(parsed); ok && s.metrics != nil {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}

		// last_heartbeat is implicit on every inbound frame, not only
		// explicit heartbeat messages.
		s.coord.Heartbeat(agentID)

		switch msg := parsed.(type) {
		case protocol.RegisterMessage:
			s.coord.Register(agentID, registry.Fields{
				Name:        msg.Name,
				Type:        msg.AgentType,
				Priority:    msg.Priority,
				WorkspaceID: msg.WorkspaceID,
				UserID:      msg.UserID,
			})
			registered = true

		case protocol.HeartbeatMessage:
			s.coord.Heartbeat(agentID)

		case protocol.SpeakRequestMessage:
			res, err := s.coord.Submit(coordinator.SubmitRequest{
				AgentID:           agentID,
				Message:           msg.Message,
				Priority:          msg.Priority,
				EstimatedDuration: time.Duration(msg.EstimatedDuration * float64(time.Second)),
				VoiceSettings:     msg.VoiceSettings,
			})
			if errors.Is(err, coordinator.ErrUnknownAgent) {
				s.hub.Send(agentID, protocol.SpeakDenied{
					Type:   protocol.TypeSpeakDenied,
					Reason: "unknown_agent",
				})
				continue
			}
			_ = res // a grant is sent by the coordinator itself; the queue position is not reported on this channel

		case protocol.StatusUpdateMessage:
			var priority *int
			if msg.Priority != 0 {
				priority = &msg.Priority
			}
			if _, err := s.coord.SetStatus(agentID, registry.Status(msg.Status), priority); err != nil {
				s.hub.Send(agentID, protocol.ErrorEvent{
					Type:   protocol.TypeErrorEvent,
					Code:   "invalid_status",
					Detail: err.Error(),
				})
			}

		case protocol.SpeechCompleteMessage:
			s.coord.Complete(agentID, coordinator.ReasonNormal)
		}
	}

	close(p.done)
	<-writerDone
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func inboundMessageType(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.RegisterMessage:
		return m.Type, true
	case protocol.HeartbeatMessage:
		return m.Type, true
	case protocol.SpeakRequestMessage:
		return m.Type, true
	case protocol.StatusUpdateMessage:
		return m.Type, true
	case protocol.SpeechCompleteMessage:
		return m.Type, true
	default:
		return "", false
	}
}

func outboundMessageType(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.RegistrationConfirmed:
		return m.Type, true
	case protocol.SpeakGranted:
		return m.Type, true
	case protocol.SpeakDenied:
		return m.Type, true
	case protocol.AgentJoined:
		return m.Type, true
	case protocol.AgentSpeaking:
		return m.Type, true
	case protocol.SpeechComplete:
		return m.Type, true
	case protocol.AgentStatusUpdate:
		return m.Type, true
	case protocol.AgentDisconnected:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
