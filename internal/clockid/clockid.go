// Package clockid centralizes time and identifier generation so the rest
// of the coordination core never calls time.Now or uuid.NewString directly.
package clockid

import (
	"time"

	"github.com/google/uuid"
)

// Clock separates wall time (stamped on records, serialized as RFC3339) from
// monotonic time (used for timeout arithmetic, never serialized).
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System is the production Clock backed by time.Now.
var System Clock = systemClock{}

// NewID returns a new random identifier suitable for agent or request ids.
func NewID() string {
	return uuid.NewString()
}

// ShortID returns an 8-character prefix of a fresh id, used for default
// display names ("Agent-xxxxxxxx"), matching the original coordination
// server's fallback naming.
func ShortID() string {
	id := NewID()
	if len(id) < 8 {
		return id
	}
	return id[:8]
}
