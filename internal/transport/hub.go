package transport

import (
	"sync"

	"github.com/antoniostano/voicecoord/internal/observability"
)

// peer is one connected agent's bounded outbound event queue. outbound is
// never closed — other goroutines (broadcasts, the speech-timeout timer,
// the janitor) send into it for as long as the peer stays in hub.peers, and
// closing a channel external producers write to is a data race waiting to
// panic. done is owned solely by the connection's own writer goroutine,
// which closes it to signal its own exit.
type peer struct {
	outbound chan any
	done     chan struct{}
}

// hub implements coordinator.EventSink over the set of currently connected
// duplex channels. Sends never block the coordinator: a full or missing
// peer queue is reported as a failed send; for a grant, the coordinator
// treats that as an implicit normal completion of the turn.
type hub struct {
	metrics *observability.Metrics

	mu    sync.RWMutex
	peers map[string]*peer
}

func newHub(metrics *observability.Metrics) *hub {
	return &hub{metrics: metrics, peers: make(map[string]*peer)}
}

func (h *hub) join(agentID string, capacity int) *peer {
	p := &peer{outbound: make(chan any, capacity), done: make(chan struct{})}
	h.mu.Lock()
	h.peers[agentID] = p
	h.mu.Unlock()
	return p
}

func (h *hub) leave(agentID string) {
	h.mu.Lock()
	delete(h.peers, agentID)
	h.mu.Unlock()
}

func (h *hub) Send(agentID string, event any) bool {
	h.mu.RLock()
	p, ok := h.peers[agentID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case p.outbound <- event:
		return true
	default:
		if h.metrics != nil {
			h.metrics.WSWriteErrors.WithLabelValues("outbound_queue_full").Inc()
		}
		return false
	}
}

func (h *hub) Broadcast(event any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.peers {
		h.trySend(p, event)
	}
}

func (h *hub) BroadcastExcept(exceptAgentID string, event any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for agentID, p := range h.peers {
		if agentID == exceptAgentID {
			continue
		}
		h.trySend(p, event)
	}
}

func (h *hub) trySend(p *peer, event any) {
	select {
	case p.outbound <- event:
	default:
		if h.metrics != nil {
			h.metrics.WSWriteErrors.WithLabelValues("outbound_queue_full").Inc()
		}
	}
}
