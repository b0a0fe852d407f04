// Package registry owns the agent directory: registration, heartbeats,
// client-declared status, and lifecycle removal. It has no knowledge of the
// speech queue or the current speaker — that belongs to the coordinator,
// which is the only caller allowed to move an agent into StatusSpeaking.
package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/antoniostano/voicecoord/internal/clockid"
)

// Status is the agent-observable liveness status. StatusSpeaking can only be
// set by the coordinator (via SetSpeaking), never by a client-issued
// status_update.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusSpeaking  Status = "speaking"
	StatusListening Status = "listening"
	StatusBusy      Status = "busy"
)

const (
	DefaultPriority = 5
	MinPriority     = 1
	MaxPriority     = 10
)

var (
	// ErrNotFound is returned when an operation references an unknown agent id.
	ErrNotFound = errors.New("unknown_agent")
	// ErrSpeakingNotAllowed is returned when a client tries to set its own
	// status to speaking; only the coordinator may do that.
	ErrSpeakingNotAllowed = errors.New("status speaking is coordinator-owned")
)

// Agent is a registered client identity that can hold speech turns.
type Agent struct {
	ID            string    `json:"agent_id"`
	Name          string    `json:"name"`
	Type          string    `json:"agent_type"`
	Status        Status    `json:"status"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Priority      int       `json:"priority"`
	WorkspaceID   string    `json:"workspace_id,omitempty"`
	UserID        string    `json:"user_id,omitempty"`
}

func clone(a *Agent) *Agent {
	c := *a
	return &c
}

// Fields carries the client-supplied attributes of a register message.
type Fields struct {
	Name        string
	Type        string
	Priority    int
	WorkspaceID string
	UserID      string
}

// ClampPriority clamps an out-of-range priority into [MinPriority,
// MaxPriority], defaulting to DefaultPriority when zero/unset.
func ClampPriority(p int) int {
	if p == 0 {
		return DefaultPriority
	}
	if p < MinPriority {
		return MinPriority
	}
	if p > MaxPriority {
		return MaxPriority
	}
	return p
}

// Registry is the concurrency-safe agent directory.
type Registry struct {
	clock clockid.Clock

	mu     sync.RWMutex
	agents map[string]*Agent
}

func New(clock clockid.Clock) *Registry {
	if clock == nil {
		clock = clockid.System
	}
	return &Registry{
		clock:  clock,
		agents: make(map[string]*Agent),
	}
}

// Register creates or replaces the record for agentID. A re-register with an
// existing id is treated as a reconnect: the record is reset to idle with a
// fresh connected_at. reconnected reports whether an existing record was
// replaced.
func (r *Registry) Register(agentID string, f Fields) (agent *Agent, reconnected bool) {
	now := r.clock.Now().UTC()

	name := f.Name
	if name == "" {
		name = "Agent-" + clockid.ShortID()
	}

	a := &Agent{
		ID:            agentID,
		Name:          name,
		Type:          f.Type,
		Status:        StatusIdle,
		ConnectedAt:   now,
		LastHeartbeat: now,
		Priority:      ClampPriority(f.Priority),
		WorkspaceID:   f.WorkspaceID,
		UserID:        f.UserID,
	}

	r.mu.Lock()
	_, existed := r.agents[agentID]
	r.agents[agentID] = a
	r.mu.Unlock()

	return clone(a), existed
}

// Heartbeat stamps last_heartbeat for agentID. It is a no-op if the agent is
// unknown, matching the original server's update_heartbeat behavior.
func (r *Registry) Heartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.agents[agentID]; ok {
		a.LastHeartbeat = r.clock.Now().UTC()
	}
}

// SetClientStatus applies a client-issued status_update. StatusSpeaking is
// rejected: only the coordinator may grant that transition.
func (r *Registry) SetClientStatus(agentID string, status Status, priority *int) (*Agent, error) {
	if status == StatusSpeaking {
		return nil, ErrSpeakingNotAllowed
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	if status != "" {
		a.Status = status
	}
	if priority != nil {
		a.Priority = ClampPriority(*priority)
	}
	a.LastHeartbeat = r.clock.Now().UTC()
	return clone(a), nil
}

// SetSpeaking is the coordinator-only transition into/out of StatusSpeaking.
func (r *Registry) SetSpeaking(agentID string, speaking bool) (*Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	if speaking {
		a.Status = StatusSpeaking
	} else if a.Status == StatusSpeaking {
		a.Status = StatusIdle
	}
	return clone(a), nil
}

// Get returns a copy of the agent record, or ErrNotFound.
func (r *Registry) Get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(a), nil
}

// Exists reports whether agentID is currently registered.
func (r *Registry) Exists(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.agents[agentID]
	return ok
}

// Remove drops the agent record and returns it, if present.
func (r *Registry) Remove(agentID string) (*Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	delete(r.agents, agentID)
	return clone(a), true
}

// List returns a snapshot of all registered agents.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, clone(a))
	}
	return out
}

// Len returns the total number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// CountByStatus returns the number of agents in each of the four statuses.
func (r *Registry) CountByStatus() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := map[Status]int{
		StatusIdle:      0,
		StatusSpeaking:  0,
		StatusListening: 0,
		StatusBusy:      0,
	}
	for _, a := range r.agents {
		counts[a.Status]++
	}
	return counts
}

// StaleSince returns the ids of agents whose last heartbeat precedes cutoff.
func (r *Registry) StaleSince(cutoff time.Time) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var stale []string
	for id, a := range r.agents {
		if a.LastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	return stale
}
