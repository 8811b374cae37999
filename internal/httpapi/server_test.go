package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/torontoair/dispatch/internal/config"
	"github.com/torontoair/dispatch/internal/device"
	"github.com/torontoair/dispatch/internal/lead"
	"github.com/torontoair/dispatch/internal/live"
	"github.com/torontoair/dispatch/internal/observability"
	"github.com/torontoair/dispatch/internal/session"
)

type serverFixture struct {
	ts       *httptest.Server
	machine  *session.Machine
	provider *device.MockProvider
	stream   *session.MockStream
	leads    *lead.InMemoryStore
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	f := &serverFixture{
		provider: device.NewMockProvider(),
		stream:   session.NewMockStream(),
		leads:    lead.NewInMemoryStore(),
	}

	stages := observability.NewStageWindow(16)
	logger := log.New(io.Discard, "", 0)

	f.machine = session.NewMachine(session.Config{
		Devices:            f.provider,
		Dial:               func(context.Context, live.Config) (session.Stream, error) { return f.stream, nil },
		Leads:              f.leads,
		Stages:             stages,
		Logger:             logger,
		CaptureSampleRate:  1000,
		CaptureFrameSize:   8,
		PlaybackSampleRate: 1000,
	})

	cfg := config.Config{
		ConnectTimeout: 2 * time.Second,
		AllowAnyOrigin: true,
		DefaultPersona: "marcus",
	}
	srv := NewServer(cfg, f.machine, f.leads, nil, stages, logger)
	f.ts = httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		f.machine.Disconnect()
		f.ts.Close()
	})
	return f
}

func (f *serverFixture) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.ts.URL+path, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (f *serverFixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestHealthAndReadiness(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.get(t, "/healthz")
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}

	resp, body = f.get(t, "/readyz")
	if resp.StatusCode != http.StatusOK || body["status"] != "ready" {
		t.Fatalf("readyz: %d %v", resp.StatusCode, body)
	}
}

func TestSessionConnectDisconnectOverHTTP(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.get(t, "/v1/session")
	if resp.StatusCode != http.StatusOK || body["state"] != "idle" {
		t.Fatalf("initial session: %d %v", resp.StatusCode, body)
	}

	resp, body = f.post(t, "/v1/session/connect", `{"persona":"sarah"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("connect status: %d %v", resp.StatusCode, body)
	}
	if body["state"] != "connected" || body["persona"] != "sarah" {
		t.Fatalf("connect snapshot: %v", body)
	}

	resp, _ = f.post(t, "/v1/session/connect", `{"persona":"marcus"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second connect status: %d", resp.StatusCode)
	}

	resp, body = f.post(t, "/v1/session/disconnect", "")
	if resp.StatusCode != http.StatusOK || body["state"] != "idle" {
		t.Fatalf("disconnect: %d %v", resp.StatusCode, body)
	}
}

func TestSessionConnectUsesDefaultPersona(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.post(t, "/v1/session/connect", `{}`)
	if resp.StatusCode != http.StatusOK || body["persona"] != "marcus" {
		t.Fatalf("connect with empty persona: %d %v", resp.StatusCode, body)
	}
}

func TestSessionConnectMicUnavailable(t *testing.T) {
	f := newServerFixture(t)
	f.provider.DenyInput = true

	resp, body := f.post(t, "/v1/session/connect", `{"persona":"sarah"}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("connect status: %d %v", resp.StatusCode, body)
	}
}

func TestSensitivityEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp, body := f.post(t, "/v1/session/sensitivity", `{"value":0.4}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sensitivity status: %d %v", resp.StatusCode, body)
	}
	if got := body["sensitivity"].(float64); got != 0.4 {
		t.Fatalf("sensitivity = %v", got)
	}

	for _, payload := range []string{`{}`, `{"value":1.5}`, `{"value":-0.1}`} {
		resp, _ := f.post(t, "/v1/session/sensitivity", payload)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("payload %s: status %d", payload, resp.StatusCode)
		}
	}
}

func TestLeadsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	_, err := f.leads.Upsert(context.Background(), "call-1", lead.Fields{
		Name: "Dana",
		Type: lead.TypeRebate,
	})
	if err != nil {
		t.Fatalf("seed lead: %v", err)
	}

	resp, body := f.get(t, "/v1/leads")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("leads status: %d", resp.StatusCode)
	}
	records, ok := body["leads"].([]any)
	if !ok || len(records) != 1 {
		t.Fatalf("leads body: %v", body)
	}

	resp, _ = f.get(t, "/v1/leads?limit=0")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status: %d", resp.StatusCode)
	}
}

func TestSessionStatsEndpoint(t *testing.T) {
	f := newServerFixture(t)

	resp, err := http.Get(f.ts.URL + "/v1/session/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stats status: %d", resp.StatusCode)
	}
	var snap observability.StageSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
}

func dialWS(t *testing.T, f *serverFixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/v1/session/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(map[string]any) bool) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	_ = conn.SetReadDeadline(deadline)
	for time.Now().Before(deadline) {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read ws: %v", err)
		}
		var msg map[string]any
		if err := json.Unmarshal(payload, &msg); err != nil {
			t.Fatalf("decode ws payload: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
	t.Fatalf("timed out waiting for matching ws message")
	return nil
}

func TestWebSocketSessionFlow(t *testing.T) {
	f := newServerFixture(t)
	conn := dialWS(t, f)

	first := readUntil(t, conn, func(m map[string]any) bool {
		return m["type"] == "state_changed"
	})
	if first["state"] != "idle" {
		t.Fatalf("initial state: %v", first)
	}

	if err := conn.WriteJSON(map[string]any{"type": "connect", "persona": "marcus"}); err != nil {
		t.Fatalf("write connect: %v", err)
	}
	readUntil(t, conn, func(m map[string]any) bool {
		return m["type"] == "state_changed" && m["state"] == "connected"
	})

	if err := conn.WriteJSON(map[string]any{"type": "set_sensitivity", "value": 0.25}); err != nil {
		t.Fatalf("write sensitivity: %v", err)
	}
	if snap := f.machine.Snapshot(); snap.Sensitivity != 0.25 {
		// The machine applies sensitivity asynchronously with the read loop.
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) && f.machine.Snapshot().Sensitivity != 0.25 {
			time.Sleep(5 * time.Millisecond)
		}
		if got := f.machine.Snapshot().Sensitivity; got != 0.25 {
			t.Fatalf("sensitivity = %v", got)
		}
	}

	if err := conn.WriteJSON(map[string]any{"type": "disconnect"}); err != nil {
		t.Fatalf("write disconnect: %v", err)
	}
	readUntil(t, conn, func(m map[string]any) bool {
		return m["type"] == "state_changed" && m["state"] == "idle"
	})
}

func TestWebSocketRejectsUnknownMessage(t *testing.T) {
	f := newServerFixture(t)
	conn := dialWS(t, f)

	if err := conn.WriteJSON(map[string]any{"type": "launch_truck"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	msg := readUntil(t, conn, func(m map[string]any) bool {
		return m["type"] == "error_event"
	})
	if msg["code"] != "bad_message" {
		t.Fatalf("error event: %v", msg)
	}
}
