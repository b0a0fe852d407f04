package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicecoord/internal/config"
	"github.com/antoniostano/voicecoord/internal/coordinator"
	"github.com/antoniostano/voicecoord/internal/observability"
	"github.com/antoniostano/voicecoord/internal/queue"
	"github.com/antoniostano/voicecoord/internal/registry"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry, *coordinator.Coordinator) {
	t.Helper()
	reg := registry.New(nil)
	q := queue.New()
	metrics := observability.NewMetrics("test_transport_" + strings.ReplaceAll(time.Now().Format("150405.000000000"), ".", "_"))

	cfg := config.Config{AllowAnyOrigin: true}
	srv := New(cfg, reg, metrics)
	coord := coordinator.New(reg, q, nil, srv.Sink(), coordinator.Config{
		Grace:                    20 * time.Millisecond,
		MaxEstimatedDuration:     time.Second,
		DefaultEstimatedDuration: 50 * time.Millisecond,
		EstimatedWaitIfSpeaking:  5 * time.Second,
	}, coordinator.Hooks{})
	srv.SetCoordinator(coord)
	return srv, reg, coord
}

func TestSpeakRequestOverRESTIsGrantedImmediately(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	reg.Register("a1", registry.Fields{Name: "Agent One"})

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(speakRequestBody{Message: "hi", EstimatedDuration: 0.03})
	res, err := http.Post(ts.URL+"/agents/a1/speak", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST speak error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}

	var parsed speakResponseBody
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if parsed.QueuePosition != 0 {
		t.Fatalf("QueuePosition = %d, want 0", parsed.QueuePosition)
	}
	if parsed.RequestID == "" {
		t.Fatalf("missing request_id")
	}
}

func TestSpeakRequestUnknownAgentReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(speakRequestBody{Message: "hi"})
	res, err := http.Post(ts.URL+"/agents/ghost/speak", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST speak error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestStatusUpdateRejectsSpeaking(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	reg.Register("a1", registry.Fields{})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	body, _ := json.Marshal(statusUpdateBody{Status: "speaking"})
	res, err := http.Post(ts.URL+"/agents/a1/status", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST status error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", res.StatusCode)
	}
}

func TestListAgentsAndStatusSnapshot(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	reg.Register("a1", registry.Fields{Name: "Agent One"})
	reg.Register("a2", registry.Fields{Name: "Agent Two"})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/agents")
	if err != nil {
		t.Fatalf("GET agents error = %v", err)
	}
	defer res.Body.Close()
	var listed map[string]any
	if err := json.NewDecoder(res.Body).Decode(&listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if listed["total"].(float64) != 2 {
		t.Fatalf("total = %v, want 2", listed["total"])
	}

	statusRes, err := http.Get(ts.URL + "/status")
	if err != nil {
		t.Fatalf("GET status error = %v", err)
	}
	defer statusRes.Body.Close()
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", statusRes.StatusCode)
	}
}

func TestDuplexChannelRegisterAndSpeakRequest(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/a1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{
		"type": "register",
		"name": "Agent One",
	}); err != nil {
		t.Fatalf("write register error = %v", err)
	}

	var confirmed map[string]any
	if err := conn.ReadJSON(&confirmed); err != nil {
		t.Fatalf("read registration_confirmed error = %v", err)
	}
	if confirmed["type"] != "registration_confirmed" {
		t.Fatalf("first message type = %v, want registration_confirmed", confirmed["type"])
	}

	if err := conn.WriteJSON(map[string]any{
		"type":               "speak_request",
		"message":            "hello",
		"estimated_duration": 0.02,
	}); err != nil {
		t.Fatalf("write speak_request error = %v", err)
	}

	var granted map[string]any
	if err := conn.ReadJSON(&granted); err != nil {
		t.Fatalf("read speak_granted error = %v", err)
	}
	if granted["type"] != "speak_granted" {
		t.Fatalf("message type = %v, want speak_granted", granted["type"])
	}
}

// speak_request and speech_complete frames must stamp last_heartbeat just
// like explicit heartbeat messages do, or an otherwise-active agent gets
// reaped by the janitor between heartbeats.
func TestDuplexSpeakRequestStampsHeartbeatImplicitly(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/a1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "register", "name": "Agent One"}); err != nil {
		t.Fatalf("write register error = %v", err)
	}
	var confirmed map[string]any
	if err := conn.ReadJSON(&confirmed); err != nil {
		t.Fatalf("read registration_confirmed error = %v", err)
	}

	agent, err := reg.Get("a1")
	if err != nil {
		t.Fatalf("Get(a1) error = %v", err)
	}
	firstHeartbeat := agent.LastHeartbeat

	time.Sleep(5 * time.Millisecond)
	if err := conn.WriteJSON(map[string]any{
		"type":               "speak_request",
		"message":            "hello",
		"estimated_duration": 0.02,
	}); err != nil {
		t.Fatalf("write speak_request error = %v", err)
	}
	var granted map[string]any
	if err := conn.ReadJSON(&granted); err != nil {
		t.Fatalf("read speak_granted error = %v", err)
	}

	agent, err = reg.Get("a1")
	if err != nil {
		t.Fatalf("Get(a1) error = %v", err)
	}
	if !agent.LastHeartbeat.After(firstHeartbeat) {
		t.Fatalf("LastHeartbeat did not advance after speak_request: before=%v after=%v", firstHeartbeat, agent.LastHeartbeat)
	}
}

// A broadcast racing a peer's disconnect must never panic: outbound is a
// multi-producer channel and must not be closed while other goroutines
// (here, another agent's disconnect fan-out) might still be sending into it.
func TestBroadcastDuringDisconnectDoesNotPanic(t *testing.T) {
	srv, reg, _ := newTestServer(t)
	reg.Register("a1", registry.Fields{Name: "Agent One"})
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, _, err := websocket.DefaultDialer.Dial(wsURL+"/ws", nil)
			if err != nil {
				return
			}
			_ = conn.WriteJSON(map[string]any{"type": "register", "name": "concurrent"})
			time.Sleep(time.Millisecond)
			conn.Close()
		}(i)
	}
	wg.Wait()
}
