// Package coordinator implements the single-speaker arbitration core:
// registration/heartbeat/status fan-out, the priority queue drain loop,
// speech-timeout recovery, and disconnect handling. It is the only thing
// allowed to mutate (agents, queue, current_speaker) as one unit — every
// other package (transport, REST handlers) submits operations here instead
// of touching the registry or queue directly.
package coordinator

import (
	"errors"
	"time"

	"github.com/antoniostano/voicecoord/internal/clockid"
	"github.com/antoniostano/voicecoord/internal/protocol"
	"github.com/antoniostano/voicecoord/internal/queue"
	"github.com/antoniostano/voicecoord/internal/registry"

	"sync"
)

// CompletionReason names why a speaking turn ended.
type CompletionReason string

const (
	ReasonNormal  CompletionReason = "normal"
	ReasonTimeout CompletionReason = "timeout"
)

// ErrUnknownAgent is returned by operations that reference an agent id the
// registry does not know about.
var ErrUnknownAgent = errors.New("unknown_agent")

// EventSink delivers fan-out events to connected agents. Implementations
// (internal/transport) own bounded per-peer send queues and must not block
// the coordinator indefinitely; Send reports false on failure so the
// coordinator can treat a failed grant as an implicit normal completion of
// that turn: a grant sent to a client whose channel has since closed must
// not wedge the floor.
type EventSink interface {
	Send(agentID string, event any) bool
	Broadcast(event any)
	BroadcastExcept(exceptAgentID string, event any)
}

// Hooks are optional observability/audit callbacks; every field may be nil.
type Hooks struct {
	OnAgentEvent       func(event string)
	OnSpeechCompletion func(reason CompletionReason)
	OnQueueWait        func(d time.Duration)
	OnQueueLength      func(n int)
	OnAudit            func(kind, agentID, agentName, requestID string)
}

func (h Hooks) agentEvent(event string) {
	if h.OnAgentEvent != nil {
		h.OnAgentEvent(event)
	}
}

func (h Hooks) speechCompletion(reason CompletionReason) {
	if h.OnSpeechCompletion != nil {
		h.OnSpeechCompletion(reason)
	}
}

func (h Hooks) queueWait(d time.Duration) {
	if h.OnQueueWait != nil {
		h.OnQueueWait(d)
	}
}

func (h Hooks) queueLength(n int) {
	if h.OnQueueLength != nil {
		h.OnQueueLength(n)
	}
}

func (h Hooks) audit(kind, agentID, agentName, requestID string) {
	if h.OnAudit != nil {
		h.OnAudit(kind, agentID, agentName, requestID)
	}
}

// Config holds the coordinator's timing parameters.
type Config struct {
	// Grace is added to a request's EstimatedDuration before the speaker is
	// force-completed for exceeding its turn.
	Grace time.Duration
	// MaxEstimatedDuration caps client-supplied estimated_duration values.
	MaxEstimatedDuration time.Duration
	// DefaultEstimatedDuration is used when a request omits estimated_duration.
	DefaultEstimatedDuration time.Duration
	// EstimatedWaitIfSpeaking is the constant estimate_wait adds when a
	// speaker is currently active, rather than a function of elapsed time.
	EstimatedWaitIfSpeaking time.Duration
}

func (c *Config) applyDefaults() {
	if c.Grace <= 0 {
		c.Grace = 10 * time.Second
	}
	if c.MaxEstimatedDuration <= 0 {
		c.MaxEstimatedDuration = 60 * time.Second
	}
	if c.DefaultEstimatedDuration <= 0 {
		c.DefaultEstimatedDuration = 10 * time.Second
	}
	if c.EstimatedWaitIfSpeaking <= 0 {
		c.EstimatedWaitIfSpeaking = 5 * time.Second
	}
}

// SubmitRequest is the caller-supplied payload of a speak_request.
type SubmitRequest struct {
	AgentID           string
	Message           string
	Priority          int // 0 means "use the agent's own priority"
	EstimatedDuration time.Duration // 0 means "use the configured default"
	VoiceSettings     map[string]any
}

// SubmitResult answers a Submit call.
type SubmitResult struct {
	RequestID     string
	QueuedAt      time.Time
	QueuePosition int // 1-based; 0 if granted immediately
	EstimatedWait time.Duration
}

// Snapshot is a point-in-time view of coordinator state, safe to read
// without ever observing current_speaker set with no agent speaking.
type Snapshot struct {
	ServerTime     time.Time               `json:"server_time"`
	TotalAgents    int                     `json:"total_agents"`
	CurrentSpeaker string                  `json:"current_speaker,omitempty"`
	QueueLength    int                     `json:"queue_length"`
	CountsByStatus map[registry.Status]int `json:"counts_by_status"`
}

type armedTimer struct {
	timer     *time.Timer
	agentID   string
	requestID string
}

// Coordinator is the single serialization point for agents, queue, and
// (current_speaker, speaking_start_time).
type Coordinator struct {
	reg   *registry.Registry
	q     *queue.Queue
	clock clockid.Clock
	sink  EventSink
	hooks Hooks
	cfg   Config

	mu               sync.Mutex
	currentSpeaker   string
	currentRequestID string
	speakingStart    time.Time
	timer            *armedTimer
}

func New(reg *registry.Registry, q *queue.Queue, clock clockid.Clock, sink EventSink, cfg Config, hooks Hooks) *Coordinator {
	if clock == nil {
		clock = clockid.System
	}
	cfg.applyDefaults()
	return &Coordinator{
		reg:   reg,
		q:     q,
		clock: clock,
		sink:  sink,
		hooks: hooks,
		cfg:   cfg,
	}
}

// Register creates or replaces the agent record, then fans out
// registration_confirmed to the new agent and agent_joined to everyone else.
func (c *Coordinator) Register(agentID string, f registry.Fields) *registry.Agent {
	agent, reconnected := c.reg.Register(agentID, f)
	if reconnected {
		c.hooks.agentEvent("reconnected")
	} else {
		c.hooks.agentEvent("registered")
	}

	c.sink.Send(agentID, protocol.RegistrationConfirmed{
		Type:         protocol.TypeRegistrationConfirmed,
		AgentID:      agentID,
		ServerStatus: c.Snapshot(),
	})
	c.sink.BroadcastExcept(agentID, protocol.AgentJoined{
		Type:  protocol.TypeAgentJoined,
		Agent: agent,
	})
	return agent
}

// Heartbeat stamps last_heartbeat; a no-op for an unknown agent.
func (c *Coordinator) Heartbeat(agentID string) {
	c.reg.Heartbeat(agentID)
}

// SetStatus applies a client-issued status_update and broadcasts the result.
// Rejects an attempt to set status to speaking.
func (c *Coordinator) SetStatus(agentID string, status registry.Status, priority *int) (*registry.Agent, error) {
	agent, err := c.reg.SetClientStatus(agentID, status, priority)
	if err != nil {
		return nil, err
	}
	c.sink.Broadcast(protocol.AgentStatusUpdate{
		Type:     protocol.TypeAgentStatusUpdate,
		AgentID:  agentID,
		Status:   string(agent.Status),
		Priority: agent.Priority,
	})
	return agent, nil
}

// Submit enqueues a speak_request and attempts to drain the queue.
func (c *Coordinator) Submit(req SubmitRequest) (SubmitResult, error) {
	agent, err := c.reg.Get(req.AgentID)
	if err != nil {
		return SubmitResult{}, ErrUnknownAgent
	}

	priority := req.Priority
	if priority == 0 {
		priority = agent.Priority
	}
	priority = registry.ClampPriority(priority)

	duration := req.EstimatedDuration
	if duration <= 0 {
		duration = c.cfg.DefaultEstimatedDuration
	}
	if duration > c.cfg.MaxEstimatedDuration {
		duration = c.cfg.MaxEstimatedDuration
	}

	now := c.clock.Now()
	qr := queue.Request{
		ID:                clockid.NewID(),
		AgentID:           req.AgentID,
		Message:           req.Message,
		Priority:          priority,
		RequestTime:       now,
		EstimatedDuration: duration,
		VoiceSettings:     req.VoiceSettings,
	}

	c.mu.Lock()
	position := c.q.Enqueue(qr)
	qlen := c.q.Len()
	c.mu.Unlock()
	c.hooks.queueLength(qlen)

	c.drain()

	c.mu.Lock()
	granted := c.q.PositionOf(qr.ID) == 0
	wait := c.estimateWaitLocked(qr.ID)
	c.mu.Unlock()

	if granted {
		position = 0
	}

	return SubmitResult{
		RequestID:     qr.ID,
		QueuedAt:      now.UTC(),
		QueuePosition: position,
		EstimatedWait: wait,
	}, nil
}

// Complete ends the current speaker's turn if agentID matches it; a no-op
// otherwise. It fans out speech_complete and then drains the next request.
func (c *Coordinator) Complete(agentID string, reason CompletionReason) {
	if c.completeNoDrain(agentID, reason) {
		c.drain()
	}
}

// Disconnect removes every queued request belonging to agentID, ends its
// turn if it was speaking, removes the agent record, fans out
// agent_disconnected, and only then drains — so a queued successor is
// granted after the disconnect notification, not before.
func (c *Coordinator) Disconnect(agentID string) {
	c.mu.Lock()
	c.q.RemoveByAgent(agentID)
	qlen := c.q.Len()
	c.mu.Unlock()
	c.hooks.queueLength(qlen)

	c.completeNoDrain(agentID, ReasonNormal)

	agent, existed := c.reg.Remove(agentID)
	name := agentID
	if existed && agent != nil {
		name = agent.Name
	}

	c.hooks.agentEvent("disconnected")
	c.hooks.audit("disconnected", agentID, name, "")

	c.sink.Broadcast(protocol.AgentDisconnected{
		Type:      protocol.TypeAgentDisconnected,
		AgentID:   agentID,
		AgentName: name,
	})

	c.drain()
}

// EstimateWait approximates the remaining wait for requestID: a constant 5s
// if a speaker is active, plus the estimated duration of every request
// strictly ahead of it. Returns 0 if requestID is not currently queued.
func (c *Coordinator) EstimateWait(requestID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.estimateWaitLocked(requestID)
}

func (c *Coordinator) estimateWaitLocked(requestID string) time.Duration {
	if c.q.PositionOf(requestID) == 0 {
		return 0
	}
	var total time.Duration
	if c.currentSpeaker != "" {
		total += c.cfg.EstimatedWaitIfSpeaking
	}
	total += c.q.DurationAhead(requestID)
	return total
}

// Snapshot returns a point-in-time, internally consistent view of
// coordinator state: current_speaker is set if and only if some agent has
// status speaking, because both are mutated together while mu is held.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		ServerTime:     c.clock.Now().UTC(),
		TotalAgents:    c.reg.Len(),
		CurrentSpeaker: c.currentSpeaker,
		QueueLength:    c.q.Len(),
		CountsByStatus: c.reg.CountByStatus(),
	}
}

// drain grants the queue head to its agent whenever no speaker is active,
// skipping (and discarding) requests whose agent has since disconnected.
func (c *Coordinator) drain() {
	for {
		c.mu.Lock()
		if c.currentSpeaker != "" {
			c.mu.Unlock()
			return
		}
		r, ok := c.q.Pop()
		if !ok {
			c.mu.Unlock()
			return
		}
		qlen := c.q.Len()
		if !c.reg.Exists(r.AgentID) {
			c.mu.Unlock()
			c.hooks.queueLength(qlen)
			continue
		}
		agent, err := c.reg.SetSpeaking(r.AgentID, true)
		if err != nil {
			// Agent vanished between the Exists check and SetSpeaking; discard
			// and keep draining.
			c.mu.Unlock()
			c.hooks.queueLength(qlen)
			continue
		}
		grantedAt := c.clock.Now()
		c.currentSpeaker = r.AgentID
		c.currentRequestID = r.ID
		c.speakingStart = grantedAt
		c.mu.Unlock()
		c.hooks.queueLength(qlen)

		c.armTimeout(r)
		c.hooks.queueWait(grantedAt.Sub(r.RequestTime))
		c.hooks.audit("granted", r.AgentID, agent.Name, r.ID)

		if !c.sink.Send(r.AgentID, protocol.SpeakGranted{
			Type:              protocol.TypeSpeakGranted,
			RequestID:         r.ID,
			Message:           r.Message,
			VoiceSettings:     r.VoiceSettings,
			EstimatedDuration: r.EstimatedDuration.Seconds(),
		}) {
			// Implicit normal completion: the peer's channel is already gone,
			// so agent_speaking is not broadcast for this turn. Keep draining
			// within this same loop rather than recursing into Complete,
			// which would drain a second time concurrently.
			c.completeNoDrain(r.AgentID, ReasonNormal)
			continue
		}

		c.sink.BroadcastExcept(r.AgentID, protocol.AgentSpeaking{
			Type:              protocol.TypeAgentSpeaking,
			SpeakerID:         r.AgentID,
			SpeakerName:       agent.Name,
			EstimatedDuration: r.EstimatedDuration.Seconds(),
		})
		return
	}
}

// armTimeout schedules a forced completion at EstimatedDuration+Grace. A
// late fire checks that the current speaker/request still match before
// acting, so a normal completion that races the timer never causes a
// spurious double-complete.
func (c *Coordinator) armTimeout(r queue.Request) {
	at := &armedTimer{agentID: r.AgentID, requestID: r.ID}
	at.timer = time.AfterFunc(r.EstimatedDuration+c.cfg.Grace, func() {
		c.handleTimeout(r.AgentID, r.ID)
	})

	c.mu.Lock()
	c.timer = at
	c.mu.Unlock()
}

func (c *Coordinator) handleTimeout(agentID, requestID string) {
	c.mu.Lock()
	match := c.currentSpeaker == agentID && c.currentRequestID == requestID
	c.mu.Unlock()
	if !match {
		return
	}
	c.Complete(agentID, ReasonTimeout)
}

// completeNoDrain clears current-speaker state and fans out speech_complete
// for agentID if it is the active speaker; it reports false otherwise. It
// intentionally does not drain — callers decide when draining should
// follow (Complete drains immediately; Disconnect drains only after its own
// agent_disconnected broadcast).
func (c *Coordinator) completeNoDrain(agentID string, reason CompletionReason) bool {
	c.mu.Lock()
	if c.currentSpeaker != agentID {
		c.mu.Unlock()
		return false
	}
	requestID := c.currentRequestID
	if c.timer != nil {
		c.timer.timer.Stop()
		c.timer = nil
	}
	agent, _ := c.reg.SetSpeaking(agentID, false)
	c.currentSpeaker = ""
	c.currentRequestID = ""
	c.speakingStart = time.Time{}
	c.mu.Unlock()

	agentName := agentID
	if agent != nil {
		agentName = agent.Name
	}

	c.hooks.speechCompletion(reason)
	c.hooks.audit(auditKindFor(reason), agentID, agentName, requestID)

	c.sink.Broadcast(protocol.SpeechComplete{
		Type:    protocol.TypeSpeechComplete,
		AgentID: agentID,
		Timeout: reason == ReasonTimeout,
	})
	return true
}

func auditKindFor(reason CompletionReason) string {
	if reason == ReasonTimeout {
		return "timed_out"
	}
	return "completed"
}
