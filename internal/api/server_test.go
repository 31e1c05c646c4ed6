package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nugget/meshbridge/internal/connwatch"
	"github.com/nugget/meshbridge/internal/coordinator"
	"github.com/nugget/meshbridge/internal/events"
	"github.com/nugget/meshbridge/internal/metrics"
	"github.com/nugget/meshbridge/internal/wifi"
)

type fakeGateway struct {
	wifi.Gateway // unused methods panic

	mu    sync.Mutex
	calls []string
	err   error
}

func (g *fakeGateway) record(format string, args ...any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, fmt.Sprintf(format, args...))
	return g.err
}

func (g *fakeGateway) RestartSystem(_ context.Context, sid string) error {
	return g.record("restart-system %s", sid)
}
func (g *fakeGateway) RestartAP(_ context.Context, apID string) error {
	return g.record("restart-ap %s", apID)
}
func (g *fakeGateway) PauseDevice(_ context.Context, sid, did string, paused bool) error {
	return g.record("pause %s %s %t", sid, did, paused)
}
func (g *fakeGateway) PrioritizeDevice(_ context.Context, sid, did string, d time.Duration) error {
	return g.record("prioritize %s %s %s", sid, did, d)
}
func (g *fakeGateway) ClearPrioritization(_ context.Context, sid string) error {
	return g.record("clear %s", sid)
}

type fakeCoordinator struct {
	mu      sync.Mutex
	snap    *coordinator.Snapshot
	healthy bool
	gw      *fakeGateway
	forced  []string
}

func (c *fakeCoordinator) Snapshot() *coordinator.Snapshot { return c.snap }
func (c *fakeCoordinator) LastUpdateSuccess() bool         { return c.healthy }
func (c *fakeCoordinator) Gateway() wifi.Gateway           { return c.gw }

func (c *fakeCoordinator) ForceSpeedTest(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forced = append(c.forced, id)
}

type fakeHealth map[string]connwatch.ServiceStatus

func (h fakeHealth) Status() map[string]connwatch.ServiceStatus { return h }

func testSnapshot() *coordinator.Snapshot {
	return &coordinator.Snapshot{
		UpdatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Systems: map[string]*wifi.System{
			"sys2": {ID: "sys2", Status: wifi.WANOnline},
			"sys1": {
				ID:     "sys1",
				Status: wifi.WANOnline,
				AccessPoints: map[string]*wifi.AccessPoint{
					"ap1": {ID: "ap1", Status: wifi.APOnline},
				},
				Devices: map[string]*wifi.Device{
					"dev1": {ID: "dev1", Name: "Laptop", Connected: true},
				},
			},
		},
	}
}

func newTestServer(t *testing.T) (*Server, *fakeCoordinator) {
	t.Helper()
	coord := &fakeCoordinator{snap: testSnapshot(), healthy: true, gw: &fakeGateway{}}
	s := NewServer("", 0, Deps{
		Coordinator: coord,
		Bus:         events.New(),
		Metrics:     metrics.New(),
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return s, coord
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		healthy  bool
		services fakeHealth
		want     int
	}{
		{"healthy", true, nil, http.StatusOK},
		{"refresh failing", false, nil, http.StatusServiceUnavailable},
		{"service down", true, fakeHealth{"mqtt": {Name: "mqtt", Ready: false}}, http.StatusServiceUnavailable},
		{"services up", true, fakeHealth{"cloud": {Name: "cloud", Ready: true}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, coord := newTestServer(t)
			coord.healthy = tt.healthy
			if tt.services != nil {
				s.health = tt.services
			}

			rec := do(t, s.Handler(), "GET", "/health", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
			var body healthResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.LastUpdate == nil {
				t.Error("last_update missing")
			}
		})
	}
}

func TestVersion(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), "GET", "/v1/version", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["version"] == "" || body["go_version"] == "" {
		t.Errorf("body = %v", body)
	}
}

func TestSystems(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), "GET", "/v1/systems", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var body systemsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Systems) != 2 || body.Systems[0].ID != "sys1" || body.Systems[1].ID != "sys2" {
		t.Errorf("systems not sorted by ID: %+v", body.Systems)
	}
	if !body.LastSuccess {
		t.Error("last_update_success = false")
	}
}

func TestSystems_NoSnapshot(t *testing.T) {
	s, coord := newTestServer(t)
	coord.snap = nil
	if rec := do(t, s.Handler(), "GET", "/v1/systems", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestSystem(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, "GET", "/v1/systems/sys1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var sys wifi.System
	if err := json.Unmarshal(rec.Body.Bytes(), &sys); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sys.ID != "sys1" || len(sys.Devices) != 1 {
		t.Errorf("system = %+v", sys)
	}

	if rec := do(t, h, "GET", "/v1/systems/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown system status = %d, want 404", rec.Code)
	}
}

func TestCommands(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
		calls  []string
	}{
		{"restart system", "POST", "/v1/systems/sys1/restart", "", http.StatusAccepted, []string{"restart-system sys1"}},
		{"restart unknown system", "POST", "/v1/systems/nope/restart", "", http.StatusNotFound, nil},
		{"restart ap", "POST", "/v1/access-points/ap1/restart", "", http.StatusAccepted, []string{"restart-ap ap1"}},
		{"restart unknown ap", "POST", "/v1/access-points/nope/restart", "", http.StatusNotFound, nil},
		{"pause", "POST", "/v1/systems/sys1/devices/dev1/pause", `{"paused":true}`, http.StatusAccepted, []string{"pause sys1 dev1 true"}},
		{"unpause", "POST", "/v1/systems/sys1/devices/dev1/pause", `{"paused":false}`, http.StatusAccepted, []string{"pause sys1 dev1 false"}},
		{"pause missing field", "POST", "/v1/systems/sys1/devices/dev1/pause", `{}`, http.StatusBadRequest, nil},
		{"pause unknown device", "POST", "/v1/systems/sys1/devices/nope/pause", `{"paused":true}`, http.StatusNotFound, nil},
		{"prioritize", "POST", "/v1/systems/sys1/devices/dev1/prioritize", `{"hours":3}`, http.StatusAccepted, []string{"clear sys1", "prioritize sys1 dev1 3h0m0s"}},
		{"prioritize zero", "POST", "/v1/systems/sys1/devices/dev1/prioritize", `{"hours":0}`, http.StatusBadRequest, nil},
		{"clear", "DELETE", "/v1/systems/sys1/prioritization", "", http.StatusAccepted, []string{"clear sys1"}},
		{"wrong method", "GET", "/v1/systems/sys1/restart", "", http.StatusMethodNotAllowed, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, coord := newTestServer(t)
			rec := do(t, s.Handler(), tt.method, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body.String())
			}
			if !reflect.DeepEqual(coord.gw.calls, tt.calls) {
				t.Errorf("calls = %v, want %v", coord.gw.calls, tt.calls)
			}
		})
	}
}

func TestCommands_GatewayErrors(t *testing.T) {
	tests := []struct {
		kind wifi.Kind
		want int
	}{
		{wifi.KindTransient, http.StatusServiceUnavailable},
		{wifi.KindSessionExpired, http.StatusServiceUnavailable},
		{wifi.KindAuth, http.StatusBadGateway},
		{wifi.KindProtocol, http.StatusBadGateway},
		{wifi.KindUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			s, coord := newTestServer(t)
			coord.gw.err = &wifi.Error{Kind: tt.kind, Op: "restart system"}
			if tt.kind == wifi.KindUnknown {
				coord.gw.err = fmt.Errorf("boom")
			}
			rec := do(t, s.Handler(), "POST", "/v1/systems/sys1/restart", "")
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestSpeedTest(t *testing.T) {
	s, coord := newTestServer(t)
	h := s.Handler()

	if rec := do(t, h, "POST", "/v1/systems/sys2/speedtest", ""); rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", rec.Code)
	}
	if rec := do(t, h, "POST", "/v1/systems/nope/speedtest", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown system status = %d, want 404", rec.Code)
	}
	if !reflect.DeepEqual(coord.forced, []string{"sys2"}) {
		t.Errorf("forced = %v, want [sys2]", coord.forced)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	do(t, h, "GET", "/v1/systems", "")
	rec := do(t, h, "GET", "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "meshbridge_http_requests_total") {
		t.Error("http request counter missing from /metrics")
	}
}

func TestEvents_StreamsSignals(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(time.Second)
	for s.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(2 * time.Millisecond)
	}

	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.bus.Publish(events.DeviceRemoved(ts, "sys1", "dev1"))

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	var ev events.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Kind != events.KindDeviceRemoved || ev.DeviceID != "dev1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestShutdown_ClosesEventStreams(t *testing.T) {
	s, _ := newTestServer(t)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for s.bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("handler never subscribed")
		}
		time.Sleep(2 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if n := s.bus.SubscriberCount(); n != 0 {
		t.Errorf("subscribers after shutdown = %d, want 0", n)
	}

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err = conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseGoingAway || ce.Text != "server shutting down" {
		t.Errorf("read after shutdown = %v, want going-away close frame", err)
	}

	// Streams opened after shutdown are closed straight away.
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("late dial: %v", err)
	}
	defer late.Close()
	_ = late.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := late.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("late read = %v, want going-away close frame", err)
	}
}

func TestEvents_DisabledWithoutBus(t *testing.T) {
	s, _ := newTestServer(t)
	s.bus = nil
	if rec := do(t, s.Handler(), "GET", "/v1/events", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
