package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/livecaption/captionrelay-go/internal/broadcast"
)

type staticStats struct{ s Stats }

func (p staticStats) Stats() Stats { return p.s }

func newTestServer(t *testing.T, stats StatsProvider) (*Server, *broadcast.Registry, *httptest.Server) {
	t.Helper()
	registry := broadcast.NewRegistry(nil)
	s := New("127.0.0.1:0", registry, stats, nil)
	ts := httptest.NewServer(s.Routes())
	t.Cleanup(ts.Close)
	return s, registry, ts
}

func TestHealthz(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf(`body = %v, want {"status":"ok"}`, body)
	}
}

func TestMetricsExposition(t *testing.T) {
	stats := staticStats{Stats{
		ChunksRead:       42,
		ChunksDropped:    7,
		TranscoderSpawns: 3,
		Sessions:         2,
	}}
	_, _, ts := newTestServer(t, stats)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	body := string(raw)

	for _, want := range []string{
		"captionrelay_chunks_read_total 42",
		"captionrelay_chunks_dropped_total 7",
		"captionrelay_transcoder_spawns_total 3",
		"captionrelay_asr_sessions_total 2",
		"captionrelay_subscribers 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q in:\n%s", want, body)
		}
	}
}

func TestSubtitlesSubscribeAndBroadcast(t *testing.T) {
	_, registry, ts := newTestServer(t, nil)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/subtitles"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial /subtitles: %v", err)
	}
	defer conn.Close()

	// Registration is synchronous in the handler; poll for it.
	deadline := time.Now().Add(2 * time.Second)
	for registry.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if registry.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", registry.Count())
	}

	// Client payloads are ignored, not fatal.
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ignore me")); err != nil {
		t.Fatalf("client write: %v", err)
	}

	registry.BroadcastStatus("running", "test")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var msg broadcast.StatusMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != broadcast.TypeStatus || msg.State != "running" {
		t.Errorf("got %+v, want status/running", msg)
	}

	// Disconnect unregisters the subscriber.
	conn.Close()
	deadline = time.Now().Add(2 * time.Second)
	for registry.Count() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if registry.Count() != 0 {
		t.Errorf("Count() after disconnect = %d, want 0", registry.Count())
	}
}

func TestSubtitlesRejectsPlainHTTP(t *testing.T) {
	_, _, ts := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/subtitles")
	if err != nil {
		t.Fatalf("GET /subtitles: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("plain GET on /subtitles succeeded, want upgrade failure")
	}
}

func TestListenRejectsBadAddress(t *testing.T) {
	registry := broadcast.NewRegistry(nil)
	s := New("256.256.256.256:99999", registry, nil, nil)
	if err := s.Listen(); err == nil {
		t.Error("Listen on invalid address: want error, got nil")
	}
}
