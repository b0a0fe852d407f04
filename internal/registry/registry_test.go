package registry

import (
	"testing"
	"time"
)

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func TestRegisterCreatesIdleAgentWithDefaults(t *testing.T) {
	r := New(fixedClock{t: time.Unix(1000, 0)})
	agent, reconnected := r.Register("a1", Fields{})
	if reconnected {
		t.Fatalf("reconnected = true, want false for a first registration")
	}
	if agent.Status != StatusIdle {
		t.Fatalf("Status = %q, want idle", agent.Status)
	}
	if agent.Priority != DefaultPriority {
		t.Fatalf("Priority = %d, want %d", agent.Priority, DefaultPriority)
	}
	if agent.Name == "" {
		t.Fatalf("expected a generated default name")
	}
}

func TestRegisterExistingIDIsReconnectReset(t *testing.T) {
	r := New(nil)
	r.Register("a1", Fields{Name: "first"})
	if _, err := r.SetClientStatus("a1", StatusBusy, nil); err != nil {
		t.Fatalf("SetClientStatus() error = %v", err)
	}

	agent, reconnected := r.Register("a1", Fields{Name: "second"})
	if !reconnected {
		t.Fatalf("reconnected = false, want true on re-register")
	}
	if agent.Status != StatusIdle {
		t.Fatalf("Status after reconnect = %q, want idle", agent.Status)
	}
	if agent.Name != "second" {
		t.Fatalf("Name after reconnect = %q, want %q", agent.Name, "second")
	}
}

func TestSetClientStatusRejectsSpeaking(t *testing.T) {
	r := New(nil)
	r.Register("a1", Fields{})
	if _, err := r.SetClientStatus("a1", StatusSpeaking, nil); err != ErrSpeakingNotAllowed {
		t.Fatalf("error = %v, want ErrSpeakingNotAllowed", err)
	}
}

func TestSetClientStatusUnknownAgent(t *testing.T) {
	r := New(nil)
	if _, err := r.SetClientStatus("ghost", StatusIdle, nil); err != ErrNotFound {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestSetSpeakingRoundTrip(t *testing.T) {
	r := New(nil)
	r.Register("a1", Fields{})

	agent, err := r.SetSpeaking("a1", true)
	if err != nil {
		t.Fatalf("SetSpeaking(true) error = %v", err)
	}
	if agent.Status != StatusSpeaking {
		t.Fatalf("Status = %q, want speaking", agent.Status)
	}

	agent, err = r.SetSpeaking("a1", false)
	if err != nil {
		t.Fatalf("SetSpeaking(false) error = %v", err)
	}
	if agent.Status != StatusIdle {
		t.Fatalf("Status = %q, want idle", agent.Status)
	}
}

func TestClampPriority(t *testing.T) {
	cases := map[int]int{0: DefaultPriority, -5: MinPriority, 11: MaxPriority, 7: 7}
	for in, want := range cases {
		if got := ClampPriority(in); got != want {
			t.Fatalf("ClampPriority(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestRemoveAndExists(t *testing.T) {
	r := New(nil)
	r.Register("a1", Fields{})
	if !r.Exists("a1") {
		t.Fatalf("Exists(a1) = false, want true")
	}

	agent, ok := r.Remove("a1")
	if !ok || agent.ID != "a1" {
		t.Fatalf("Remove(a1) = (%+v, %v)", agent, ok)
	}
	if r.Exists("a1") {
		t.Fatalf("Exists(a1) = true after Remove, want false")
	}
}

func TestCountByStatusAndStaleSince(t *testing.T) {
	clock := fixedClock{t: time.Unix(10000, 0)}
	r := New(clock)
	r.Register("a1", Fields{})
	r.Register("a2", Fields{})
	r.SetSpeaking("a1", true)

	counts := r.CountByStatus()
	if counts[StatusSpeaking] != 1 || counts[StatusIdle] != 1 {
		t.Fatalf("counts = %+v, want 1 speaking, 1 idle", counts)
	}

	stale := r.StaleSince(clock.t.Add(time.Second))
	if len(stale) != 2 {
		t.Fatalf("StaleSince() = %v, want both agents stale relative to a later cutoff", stale)
	}
}
