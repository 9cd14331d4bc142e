package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/nmfleet/internal/audit"
	"github.com/nerrad567/nmfleet/internal/device"
	"github.com/nerrad567/nmfleet/internal/discovery"
	"github.com/nerrad567/nmfleet/internal/infrastructure/config"
	"github.com/nerrad567/nmfleet/internal/infrastructure/logging"
	"github.com/nerrad567/nmfleet/internal/push"
	"github.com/nerrad567/nmfleet/internal/transport"
)

// ─── Fakes ─────────────────────────────────────────────────────────

type fakePusher struct {
	mu        sync.Mutex
	pushed    []device.Configuration
	pushErr   error
	requested []string
	reqCfg    device.Configuration
	reqErr    error
}

func (p *fakePusher) Push(_ context.Context, cfg device.Configuration, source string) (push.Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, cfg)
	target := cfg.IP + ":12347"
	if cfg.IsBroadcast() {
		target = "255.255.255.255:12347"
	}
	r := push.Report{
		ID:        fmt.Sprintf("push-%d", len(p.pushed)),
		Target:    target,
		Broadcast: cfg.IsBroadcast(),
		Source:    source,
		WiFiSSID:  cfg.WiFiSSID,
		Attempts:  10,
		Sent:      10,
	}
	if p.pushErr != nil {
		r.Error = p.pushErr.Error()
		return r, p.pushErr
	}
	return r, nil
}

func (p *fakePusher) RequestConfig(_ context.Context, address string) (device.Configuration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requested = append(p.requested, address)
	return p.reqCfg, p.reqErr
}

type fakeEvents struct {
	mu      sync.Mutex
	reports []push.Report
}

func (e *fakeEvents) PublishPush(r push.Report) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reports = append(e.reports, r)
}

type fakePushLog struct {
	filter audit.Filter
	result *audit.ListResult
	err    error
}

func (l *fakePushLog) Record(context.Context, push.Report) error { return nil }

func (l *fakePushLog) List(_ context.Context, f audit.Filter) (*audit.ListResult, error) {
	l.filter = f
	return l.result, l.err
}

type fakeListener struct{ stats discovery.Stats }

func (l fakeListener) Stats() discovery.Stats { return l.stats }
func (l fakeListener) Running() bool          { return true }

type fakeHealth bool

func (h fakeHealth) IsConnected() bool { return bool(h) }

// fakeLink answers scripted replies keyed by the written command.
type fakeLink struct {
	mu       sync.Mutex
	replies  map[string][]string
	queue    []string
	written  []string
	writeErr error
	closed   bool
}

func (f *fakeLink) WriteLine(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, line)
	f.queue = append(f.queue, f.replies[line]...)
	return nil
}

func (f *fakeLink) ReadLine(time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queue) == 0 {
		return "", transport.ErrTimeout
	}
	line := f.queue[0]
	f.queue = f.queue[1:]
	return line, nil
}

func (f *fakeLink) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queue)
}

func (f *fakeLink) Discard() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.queue)
	f.queue = nil
	return n
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.written...)
}

// ─── Helpers ───────────────────────────────────────────────────────

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

func testDeps() Deps {
	return Deps{
		Config: config.APIConfig{
			Host: "127.0.0.1",
			Port: 0,
			Timeouts: config.APITimeoutConfig{
				Read:  5,
				Write: 5,
				Idle:  5,
			},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Command: config.CommandConfig{
			TCPPort:           12345,
			ConnectTimeoutMS:  100,
			ResponseTimeoutMS: 50,
			SettleDelayMS:     0,
		},
		Logger:   testLogger(),
		Registry: device.NewRegistry(),
		Cache:    device.NewConfigCache(),
		Pusher:   &fakePusher{},
		Version:  "test",
	}
}

// testServer builds a Server from testDeps with optional overrides.
func testServer(t *testing.T, mutate ...func(*Deps)) *Server {
	t.Helper()
	deps := testDeps()
	for _, fn := range mutate {
		fn(&deps)
	}
	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv
}

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return resp
}

// subscribe registers a connectionless client on the hub.
func subscribe(srv *Server, channels ...string) *wsClient {
	client := newWSClient(srv.hub, nil)
	client.subscribe(channels)
	srv.hub.register(client)
	return client
}

func nextEvent(t *testing.T, client *wsClient) WSMessage {
	t.Helper()
	select {
	case data := <-client.send:
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return WSMessage{}
	}
}

// ─── Construction ──────────────────────────────────────────────────

func TestNew_RequiredDeps(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Deps)
	}{
		{"no logger", func(d *Deps) { d.Logger = nil }},
		{"no registry", func(d *Deps) { d.Registry = nil }},
		{"no pusher", func(d *Deps) { d.Pusher = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := testDeps()
			tt.mutate(&deps)
			if _, err := New(deps); err == nil {
				t.Error("New() error = nil, want error")
			}
		})
	}
}

// ─── Health & Middleware ───────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv := testServer(t, func(d *Deps) {
		d.Listener = fakeListener{}
		d.MQTT = fakeHealth(false)
	})

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	resp := decode(t, w)
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["discovery"] != true {
		t.Errorf("discovery = %v, want true", resp["discovery"])
	}
	if resp["mqtt"] != false {
		t.Errorf("mqtt = %v, want false", resp["mqtt"])
	}
}

func TestRequestID(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/health", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header to be set")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set("X-Request-ID", "client-123")
	w = httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	srv := testServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/devices/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("ACAO = %q, want http://localhost:3000", got)
	}
}

func TestNotFound(t *testing.T) {
	srv := testServer(t)
	if w := do(t, srv, http.MethodGet, "/api/v1/nonexistent", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// ─── Devices ───────────────────────────────────────────────────────

func TestListDevices(t *testing.T) {
	srv := testServer(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	srv.registry.Upsert("192.168.1.20", device.Patch{BoardType: device.Ptr("NMMiner-2.8")}, device.SourceConfig, t0)
	srv.registry.Upsert("192.168.1.3", device.Patch{}, device.SourceStatus, t0.Add(time.Hour))
	srv.registry.MarkStale(t0.Add(time.Hour), time.Minute)

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"192.168.1.3", "192.168.1.20"}},
		{"?online=true", []string{"192.168.1.3"}},
		{"?online=false", []string{"192.168.1.20"}},
	}
	for _, tt := range tests {
		t.Run("filter"+tt.query, func(t *testing.T) {
			w := do(t, srv, http.MethodGet, "/api/v1/devices/"+tt.query, "")
			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			var resp struct {
				Devices []device.Record `json:"devices"`
				Count   int             `json:"count"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if resp.Count != len(tt.want) {
				t.Fatalf("count = %d, want %d", resp.Count, len(tt.want))
			}
			for i, addr := range tt.want {
				if resp.Devices[i].Address != addr {
					t.Errorf("devices[%d] = %q, want %q", i, resp.Devices[i].Address, addr)
				}
			}
		})
	}

	if w := do(t, srv, http.MethodGet, "/api/v1/devices/?online=maybe", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad filter status = %d, want 400", w.Code)
	}
}

func TestDeviceStats(t *testing.T) {
	srv := testServer(t)
	srv.registry.Upsert("10.0.0.1", device.Patch{}, device.SourceConfig, time.Now())
	srv.registry.Upsert("10.0.0.2", device.Patch{}, device.SourceQuery, time.Now())

	w := do(t, srv, http.MethodGet, "/api/v1/devices/stats", "")
	var stats device.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if stats.Total != 2 || stats.Online != 2 {
		t.Errorf("stats = %+v, want total 2 online 2", stats)
	}
}

func TestGetDevice(t *testing.T) {
	srv := testServer(t)
	srv.registry.Upsert("10.0.0.7", device.Patch{Temp: device.Ptr(41.5)}, device.SourceStatus, time.Now())

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/devices/10.0.0.7/", http.StatusOK},
		{"/api/v1/devices/10.0.0.8/", http.StatusNotFound},
		{"/api/v1/devices/not-an-ip/", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if w := do(t, srv, http.MethodGet, tt.path, ""); w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
		})
	}

	w := do(t, srv, http.MethodGet, "/api/v1/devices/10.0.0.7/", "")
	var rec device.Record
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Metrics.Temp != 41.5 {
		t.Errorf("Metrics.Temp = %v, want 41.5", rec.Metrics.Temp)
	}
}

func TestDeviceEvents_Broadcast(t *testing.T) {
	srv := testServer(t)
	client := subscribe(srv, ChannelDeviceUpdated, ChannelDeviceOffline)

	t0 := time.Now()
	srv.registry.Upsert("10.0.0.9", device.Patch{}, device.SourceStatus, t0)
	if msg := nextEvent(t, client); msg.EventType != ChannelDeviceUpdated {
		t.Errorf("event_type = %q, want %q", msg.EventType, ChannelDeviceUpdated)
	}

	srv.registry.MarkStale(t0.Add(time.Hour), time.Minute)
	if msg := nextEvent(t, client); msg.EventType != ChannelDeviceOffline {
		t.Errorf("event_type = %q, want %q", msg.EventType, ChannelDeviceOffline)
	}
}

// ─── Configurations ────────────────────────────────────────────────

func TestGetDeviceConfig_Defaults(t *testing.T) {
	srv := testServer(t)

	w := do(t, srv, http.MethodGet, "/api/v1/devices/10.0.0.5/config", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp configResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Cached {
		t.Error("Cached = true, want false")
	}
	if resp.Configuration.IP != "10.0.0.5" {
		t.Errorf("IP = %q, want 10.0.0.5", resp.Configuration.IP)
	}
	if resp.Configuration.Brightness != 100 {
		t.Errorf("Brightness = %d, want factory default 100", resp.Configuration.Brightness)
	}
	if resp.Configuration.PrimaryPool != device.FactoryPrimaryPool {
		t.Errorf("PrimaryPool = %q, want factory pool", resp.Configuration.PrimaryPool)
	}
}

func TestGetDeviceConfig_Cached(t *testing.T) {
	srv := testServer(t)
	cfg := device.DefaultConfiguration()
	cfg.IP = "10.0.0.5"
	cfg.WiFiSSID = "lab"
	cfg.WiFiPWD = "hunter2"
	srv.cache.Put("10.0.0.5", cfg, time.Now())

	tests := []struct {
		query   string
		wantPWD string
	}{
		{"", "********"},
		{"?reveal=true", "hunter2"},
	}
	for _, tt := range tests {
		t.Run("query"+tt.query, func(t *testing.T) {
			w := do(t, srv, http.MethodGet, "/api/v1/devices/10.0.0.5/config"+tt.query, "")
			var resp configResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !resp.Cached || resp.ReceivedAt == nil {
				t.Errorf("Cached = %v ReceivedAt = %v, want cached with time", resp.Cached, resp.ReceivedAt)
			}
			if resp.Configuration.WiFiPWD != tt.wantPWD {
				t.Errorf("WiFiPWD = %q, want %q", resp.Configuration.WiFiPWD, tt.wantPWD)
			}
		})
	}
}

func TestGetDeviceConfig_Refresh(t *testing.T) {
	pusher := &fakePusher{}
	pusher.reqCfg = device.DefaultConfiguration()
	pusher.reqCfg.IP = "10.0.0.6"
	pusher.reqCfg.PrimaryPool = "stratum+tcp://pool.example:3333"
	srv := testServer(t, func(d *Deps) { d.Pusher = pusher })

	w := do(t, srv, http.MethodGet, "/api/v1/devices/10.0.0.6/config?refresh=true", "")
	var resp configResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(pusher.requested) != 1 || pusher.requested[0] != "10.0.0.6" {
		t.Errorf("requested = %v, want [10.0.0.6]", pusher.requested)
	}
	if !resp.Cached || resp.Configuration.PrimaryPool != pusher.reqCfg.PrimaryPool {
		t.Errorf("resp = %+v, want refreshed cached config", resp)
	}

	// A failed refresh falls back to what is cached.
	pusher.reqErr = push.ErrNoReply
	w = do(t, srv, http.MethodGet, "/api/v1/devices/10.0.0.6/config?refresh=true", "")
	if w.Code != http.StatusOK {
		t.Errorf("status after failed refresh = %d, want 200", w.Code)
	}
}

func TestPushDeviceConfig_MergesCached(t *testing.T) {
	pusher := &fakePusher{}
	events := &fakeEvents{}
	srv := testServer(t, func(d *Deps) {
		d.Pusher = pusher
		d.Events = events
	})
	client := subscribe(srv, ChannelPushSent)

	cached := device.DefaultConfiguration()
	cached.IP = "10.0.0.5"
	cached.PrimaryPool = "stratum+tcp://pool.example:3333"
	srv.cache.Put("10.0.0.5", cached, time.Now())

	w := do(t, srv, http.MethodPost, "/api/v1/devices/10.0.0.5/config",
		`{"IP":"10.9.9.9","WiFiSSID":"lab","WiFiPWD":"pw","Brightness":40}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	if len(pusher.pushed) != 1 {
		t.Fatalf("pushes = %d, want 1", len(pusher.pushed))
	}
	got := pusher.pushed[0]
	if got.IP != "10.0.0.5" {
		t.Errorf("IP = %q, want path address 10.0.0.5", got.IP)
	}
	if got.PrimaryPool != cached.PrimaryPool {
		t.Errorf("PrimaryPool = %q, want cached %q", got.PrimaryPool, cached.PrimaryPool)
	}
	if got.Brightness != 40 || got.WiFiSSID != "lab" {
		t.Errorf("pushed = %+v, want body fields applied", got)
	}

	resp := decode(t, w)
	if resp["status"] != "sent" {
		t.Errorf("status = %v, want sent", resp["status"])
	}
	if len(events.reports) != 1 {
		t.Errorf("published reports = %d, want 1", len(events.reports))
	}
	if msg := nextEvent(t, client); msg.EventType != ChannelPushSent {
		t.Errorf("event_type = %q, want %q", msg.EventType, ChannelPushSent)
	}
}

func TestPushDeviceConfig_Errors(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
		err  error
		want int
	}{
		{"invalid JSON", "/api/v1/devices/10.0.0.5/config", `{`, nil, http.StatusBadRequest},
		{"invalid address", "/api/v1/devices/0.0.0.0/config", `{}`, nil, http.StatusBadRequest},
		{"missing credentials", "/api/v1/devices/10.0.0.5/config", `{}`, push.ErrMissingWiFiCredentials, http.StatusBadRequest},
		{"send failed", "/api/v1/devices/10.0.0.5/config", `{"WiFiSSID":"a","WiFiPWD":"b"}`, push.ErrSendFailed, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pusher := &fakePusher{pushErr: tt.err}
			srv := testServer(t, func(d *Deps) { d.Pusher = pusher })
			if w := do(t, srv, http.MethodPost, tt.path, tt.body); w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestPushDeviceConfig_OutlivesRequest(t *testing.T) {
	miner, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer miner.Close()

	pusher := push.New(push.Config{
		Port:     miner.LocalAddr().(*net.UDPAddr).Port,
		Interval: time.Millisecond,
	})
	srv := testServer(t, func(d *Deps) { d.Pusher = pusher })

	// The client is already gone when the handler starts sending.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/devices/127.0.0.1/config",
		strings.NewReader(`{"WiFiSSID":"lab","WiFiPWD":"pw"}`)).WithContext(ctx)
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	buf := make([]byte, 4096)
	for i := range push.DefaultAttempts {
		miner.SetReadDeadline(time.Now().Add(time.Second)) //nolint:errcheck // test deadline
		if _, _, err := miner.ReadFrom(buf); err != nil {
			t.Fatalf("datagram %d: %v", i+1, err)
		}
	}
}

func TestBroadcastConfig(t *testing.T) {
	pusher := &fakePusher{}
	srv := testServer(t, func(d *Deps) { d.Pusher = pusher })

	w := do(t, srv, http.MethodPost, "/api/v1/config/broadcast", `{"IP":"10.0.0.5","WiFiSSID":"lab","WiFiPWD":"pw"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	got := pusher.pushed[0]
	if got.IP != device.BroadcastAddress {
		t.Errorf("IP = %q, want %q", got.IP, device.BroadcastAddress)
	}
	if got.PrimaryPool != device.FactoryPrimaryPool || got.SecondaryPool != device.FactorySecondaryPool {
		t.Errorf("pools = %q / %q, want factory pools", got.PrimaryPool, got.SecondaryPool)
	}

	var resp pushResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Report.Broadcast {
		t.Error("Report.Broadcast = false, want true")
	}
}

// ─── Push log ──────────────────────────────────────────────────────

func TestListPushes(t *testing.T) {
	t.Run("not configured", func(t *testing.T) {
		srv := testServer(t)
		if w := do(t, srv, http.MethodGet, "/api/v1/pushes", ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", w.Code)
		}
	})

	t.Run("filters", func(t *testing.T) {
		log := &fakePushLog{result: &audit.ListResult{Pushes: []push.Report{{ID: "push-1"}}, Total: 1, Limit: 10}}
		srv := testServer(t, func(d *Deps) { d.PushLog = log })

		w := do(t, srv, http.MethodGet, "/api/v1/pushes?target=10.0.0.5:12347&broadcast=false&limit=10&offset=5", "")
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		if log.filter.Target != "10.0.0.5:12347" || log.filter.Limit != 10 || log.filter.Offset != 5 {
			t.Errorf("filter = %+v", log.filter)
		}
		if log.filter.Broadcast == nil || *log.filter.Broadcast {
			t.Errorf("filter.Broadcast = %v, want false", log.filter.Broadcast)
		}
	})

	t.Run("bad parameters", func(t *testing.T) {
		srv := testServer(t, func(d *Deps) { d.PushLog = &fakePushLog{} })
		for _, q := range []string{"?broadcast=x", "?limit=x", "?offset=x"} {
			if w := do(t, srv, http.MethodGet, "/api/v1/pushes"+q, ""); w.Code != http.StatusBadRequest {
				t.Errorf("%s status = %d, want 400", q, w.Code)
			}
		}
	})

	t.Run("repository error", func(t *testing.T) {
		srv := testServer(t, func(d *Deps) { d.PushLog = &fakePushLog{err: errors.New("disk full")} })
		if w := do(t, srv, http.MethodGet, "/api/v1/pushes", ""); w.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", w.Code)
		}
	})
}

// ─── Commands ──────────────────────────────────────────────────────

func linkServer(t *testing.T, link *fakeLink, dialErr error) (*Server, *[]string) {
	t.Helper()
	var dialed []string
	srv := testServer(t, func(d *Deps) {
		d.Dial = func(_ context.Context, address string) (transport.Transport, error) {
			dialed = append(dialed, address)
			if dialErr != nil {
				return nil, dialErr
			}
			return link, nil
		}
	})
	return srv, &dialed
}

func TestDeviceCommand_Status(t *testing.T) {
	link := &fakeLink{replies: map[string][]string{
		"status": {"\x1b[32mTry to connect to pool\x1b[0m"},
	}}
	srv, dialed := linkServer(t, link, nil)

	w := do(t, srv, http.MethodPost, "/api/v1/devices/10.0.0.5/commands", `{"command":"status"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["kind"] != "status" {
		t.Errorf("kind = %v, want status", resp["kind"])
	}
	if _, ok := resp["warning"]; ok {
		t.Errorf("unexpected warning %v", resp["warning"])
	}
	if len(*dialed) != 1 || (*dialed)[0] != "10.0.0.5" {
		t.Errorf("dialed = %v, want [10.0.0.5]", *dialed)
	}
	if !link.closed {
		t.Error("transport not closed after command")
	}

	rec, err := srv.registry.Get("10.0.0.5")
	if err != nil {
		t.Fatalf("registry.Get: %v", err)
	}
	if rec.LastSource != device.SourceQuery || !rec.IsOnline {
		t.Errorf("record = %+v, want online via query", rec)
	}
}

func TestDeviceCommand_Outcomes(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		replies     map[string][]string
		writeErr    error
		want        int
		wantKind    string
		wantWarning bool
		wantWritten string
	}{
		{
			name:     "timeout",
			body:     `{"command":"status"}`,
			want:     http.StatusGatewayTimeout,
			wantKind: "failure",
		},
		{
			name:     "write failure",
			body:     `{"command":"status"}`,
			writeErr: errors.New("connection reset"),
			want:     http.StatusBadGateway,
			wantKind: "failure",
		},
		{
			name:        "unrecognised status",
			body:        `{"command":"status"}`,
			replies:     map[string][]string{"status": {"hello"}},
			want:        http.StatusOK,
			wantKind:    "status",
			wantWarning: true,
		},
		{
			name:        "wifi not confirmed",
			body:        `{"command":"wifi","ssid":"lab","password":"pw"}`,
			replies:     map[string][]string{`{"ssid":"lab","password":"pw"}`: {"ok"}},
			want:        http.StatusOK,
			wantKind:    "failure",
			wantWarning: true,
		},
		{
			name:     "wifi nothing to send",
			body:     `{"command":"wifi"}`,
			want:     http.StatusBadRequest,
			wantKind: "failure",
		},
		{
			name:        "start",
			body:        `{"command":"start"}`,
			want:        http.StatusOK,
			wantKind:    "sent",
			wantWritten: "start",
		},
		{
			name:        "fan",
			body:        `{"command":"fan","speed":60}`,
			want:        http.StatusOK,
			wantKind:    "sent",
			wantWritten: "fan 60",
		},
		{
			name:     "fan out of range",
			body:     `{"command":"fan","speed":150}`,
			want:     http.StatusBadRequest,
			wantKind: "failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			link := &fakeLink{replies: tt.replies, writeErr: tt.writeErr}
			srv, _ := linkServer(t, link, nil)

			w := do(t, srv, http.MethodPost, "/api/v1/devices/10.0.0.5/commands", tt.body)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
			resp := decode(t, w)
			if resp["kind"] != tt.wantKind {
				t.Errorf("kind = %v, want %s", resp["kind"], tt.wantKind)
			}
			if _, ok := resp["warning"]; ok != tt.wantWarning {
				t.Errorf("warning present = %v, want %v", ok, tt.wantWarning)
			}
			if tt.wantWritten != "" {
				sent := link.sent()
				if len(sent) != 1 || sent[0] != tt.wantWritten {
					t.Errorf("written = %v, want [%s]", sent, tt.wantWritten)
				}
			}
		})
	}
}

func TestDeviceCommand_RejectedBeforeDial(t *testing.T) {
	tests := []struct {
		name string
		path string
		body string
	}{
		{"unknown command", "/api/v1/devices/10.0.0.5/commands", `{"command":"selfdestruct"}`},
		{"fan without speed", "/api/v1/devices/10.0.0.5/commands", `{"command":"fan"}`},
		{"invalid JSON", "/api/v1/devices/10.0.0.5/commands", `{`},
		{"invalid address", "/api/v1/devices/nope/commands", `{"command":"status"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, dialed := linkServer(t, &fakeLink{}, nil)
			if w := do(t, srv, http.MethodPost, tt.path, tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if len(*dialed) != 0 {
				t.Errorf("dialed = %v, want none", *dialed)
			}
		})
	}
}

func TestDeviceCommand_DialFailure(t *testing.T) {
	srv, _ := linkServer(t, nil, transport.ErrOpen)

	w := do(t, srv, http.MethodPost, "/api/v1/devices/10.0.0.5/commands", `{"command":"reboot"}`)
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if _, err := srv.registry.Get("10.0.0.5"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("registry.Get error = %v, want ErrDeviceNotFound", err)
	}
}

// ─── Serial ────────────────────────────────────────────────────────

func TestSerialCommand_Disabled(t *testing.T) {
	srv := testServer(t)
	if w := do(t, srv, http.MethodPost, "/api/v1/serial/commands", `{"command":"status"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestSerialCommand_KeepsLinkOpen(t *testing.T) {
	var (
		opens int
		link  *fakeLink
	)
	srv := testServer(t, func(d *Deps) {
		d.Command.Serial = config.SerialConfig{Enabled: true, Port: "/dev/ttyUSB0", BaudRate: 115200}
		d.OpenSerial = func() (transport.Transport, error) {
			opens++
			link = &fakeLink{replies: map[string][]string{"status": {"Try to connect"}}}
			return link, nil
		}
	})

	for i := 0; i < 2; i++ {
		if w := do(t, srv, http.MethodPost, "/api/v1/serial/commands", `{"command":"status"}`); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}
	if opens != 1 {
		t.Errorf("opens = %d, want 1", opens)
	}

	// A transport failure drops the link; the next request reopens it.
	link.writeErr = errors.New("device unplugged")
	if w := do(t, srv, http.MethodPost, "/api/v1/serial/commands", `{"command":"status"}`); w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	if w := do(t, srv, http.MethodPost, "/api/v1/serial/commands", `{"command":"status"}`); w.Code != http.StatusOK {
		t.Errorf("status after reopen = %d, want 200", w.Code)
	}
	if opens != 2 {
		t.Errorf("opens = %d, want 2", opens)
	}

	srv.Close()
	if !link.closed {
		t.Error("serial link not closed on server Close")
	}
}

func TestSerialCommand_OpenFailure(t *testing.T) {
	srv := testServer(t, func(d *Deps) {
		d.Command.Serial = config.SerialConfig{Enabled: true, Port: "/dev/ttyUSB9", BaudRate: 115200}
		d.OpenSerial = func() (transport.Transport, error) {
			return nil, fmt.Errorf("%w: no such device", transport.ErrOpen)
		}
	})
	if w := do(t, srv, http.MethodPost, "/api/v1/serial/commands", `{"command":"status"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

// ─── Metrics ───────────────────────────────────────────────────────

func TestMetrics(t *testing.T) {
	srv := testServer(t, func(d *Deps) {
		d.Listener = fakeListener{stats: discovery.Stats{Announcements: 3, Beacons: 7}}
		d.MQTT = fakeHealth(true)
	})
	srv.registry.Upsert("10.0.0.1", device.Patch{}, device.SourceStatus, time.Now())
	srv.cache.Put("10.0.0.1", device.DefaultConfiguration(), time.Now())

	w := do(t, srv, http.MethodGet, "/api/v1/metrics", "")
	var m SystemMetrics
	if err := json.Unmarshal(w.Body.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Devices.Total != 1 || m.Devices.Cached != 1 {
		t.Errorf("Devices = %+v, want total 1 cached 1", m.Devices)
	}
	if m.Devices.BySource["status"] != 1 {
		t.Errorf("BySource = %v, want status:1", m.Devices.BySource)
	}
	if m.Discovery == nil || m.Discovery.Beacons != 7 || !m.Discovery.Running {
		t.Errorf("Discovery = %+v, want running with 7 beacons", m.Discovery)
	}
	if !m.MQTT.Connected {
		t.Error("MQTT.Connected = false, want true")
	}
	if m.Database != nil {
		t.Errorf("Database = %+v, want omitted", m.Database)
	}
}

// ─── Hub ───────────────────────────────────────────────────────────

func TestHub_NoMessageForUnsubscribed(t *testing.T) {
	srv := testServer(t)
	client := subscribe(srv, ChannelPushSent)

	srv.hub.Broadcast(ChannelDeviceUpdated, map[string]any{"address": "10.0.0.1"})

	select {
	case <-client.send:
		t.Error("unsubscribed client should not receive message")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHub_ClientCount(t *testing.T) {
	srv := testServer(t)
	if srv.hub.ClientCount() != 0 {
		t.Errorf("initial client count = %d, want 0", srv.hub.ClientCount())
	}
	client := subscribe(srv)
	if srv.hub.ClientCount() != 1 {
		t.Errorf("after register count = %d, want 1", srv.hub.ClientCount())
	}
	srv.hub.unregister(client)
	if srv.hub.ClientCount() != 0 {
		t.Errorf("after unregister count = %d, want 0", srv.hub.ClientCount())
	}
	// A second unregister must not close the send channel again.
	srv.hub.unregister(client)
}

func TestHub_DropsForFullClient(t *testing.T) {
	srv := testServer(t)
	client := subscribe(srv, ChannelPushSent)
	for range wsSendBufferSize {
		srv.hub.Broadcast(ChannelPushSent, nil)
	}
	if srv.hub.Dropped() != 0 {
		t.Fatalf("Dropped() = %d before buffer filled, want 0", srv.hub.Dropped())
	}

	srv.hub.Broadcast(ChannelPushSent, nil)
	if srv.hub.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1", srv.hub.Dropped())
	}
	if len(client.send) != wsSendBufferSize {
		t.Errorf("queued = %d, want %d", len(client.send), wsSendBufferSize)
	}
}

func TestSplitChannels(t *testing.T) {
	tests := []struct {
		name     string
		in       []string
		accepted []string
		rejected []string
	}{
		{"known", []string{"push.sent", " device.offline "}, []string{"device.offline", "push.sent"}, nil},
		{"unknown", []string{"push.sent", "scenes"}, []string{"push.sent"}, []string{"scenes"}},
		{"wildcard", []string{"*", "push.sent"}, []string{"config.received", "device.offline", "device.updated", "push.sent"}, nil},
		{"empty", []string{"", " "}, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accepted, rejected := splitChannels(tt.in)
			if !slices.Equal(accepted, tt.accepted) {
				t.Errorf("accepted = %v, want %v", accepted, tt.accepted)
			}
			if !slices.Equal(rejected, tt.rejected) {
				t.Errorf("rejected = %v, want %v", rejected, tt.rejected)
			}
		})
	}
}

func TestWSClient_Handle(t *testing.T) {
	srv := testServer(t)
	srv.registry.Upsert("10.0.0.7", device.Patch{}, device.SourceStatus, time.Now())
	client := subscribe(srv)

	client.handle([]byte(`{"type":"subscribe","id":"a","payload":{"channels":["device.updated","bogus"]}}`))
	resp := nextEvent(t, client)
	if resp.Type != WSTypeResponse || resp.ID != "a" {
		t.Fatalf("response = %+v, want response to a", resp)
	}
	payload, _ := resp.Payload.(map[string]any)
	if rejected, _ := payload["rejected"].([]any); len(rejected) != 1 || rejected[0] != "bogus" {
		t.Errorf("rejected = %v, want [bogus]", payload["rejected"])
	}
	snap := nextEvent(t, client)
	if snap.Type != WSTypeSnapshot {
		t.Fatalf("type = %q, want snapshot", snap.Type)
	}
	if body, _ := snap.Payload.(map[string]any); body["count"] != float64(1) {
		t.Errorf("snapshot count = %v, want 1", body["count"])
	}

	// Re-subscribing to a held channel does not resend the snapshot.
	client.handle([]byte(`{"type":"subscribe","id":"b","payload":{"channels":["device.updated"]}}`))
	nextEvent(t, client)
	select {
	case <-client.send:
		t.Error("unexpected second snapshot")
	default:
	}

	client.handle([]byte(`{"type":"unsubscribe","id":"c","payload":{"channels":["device.updated"]}}`))
	nextEvent(t, client)
	if client.wants(ChannelDeviceUpdated) {
		t.Error("still subscribed after unsubscribe")
	}

	for _, tt := range []struct{ in, wantType string }{
		{`{"type":"ping","id":"p"}`, WSTypePong},
		{`{"type":"subscribe","id":"d"}`, WSTypeError},
		{`{"type":"dance"}`, WSTypeError},
		{`not json`, WSTypeError},
	} {
		client.handle([]byte(tt.in))
		if msg := nextEvent(t, client); msg.Type != tt.wantType {
			t.Errorf("%s: type = %q, want %q", tt.in, msg.Type, tt.wantType)
		}
	}
}

// ─── Live server ───────────────────────────────────────────────────

func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := srv.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv.Addr().String()
}

func TestServer_StartAndClose(t *testing.T) {
	srv := testServer(t)
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start = nil, want error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	addr := srv.Addr().String()

	resp, err := http.Get("http://" + addr + "/api/v1/health")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}
	if err := srv.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() = %v, want nil", err)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still responding after Close()")
	}
}

func TestWebSocket_Subscribe(t *testing.T) {
	srv := testServer(t)
	addr := startServer(t, srv)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	sub := WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: []string{ChannelDeviceUpdated}},
	}
	if err := ws.WriteJSON(sub); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var resp WSMessage
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Errorf("response = %+v, want response to sub-1", resp)
	}
	var snap WSMessage
	if err := ws.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if snap.Type != WSTypeSnapshot {
		t.Errorf("type = %q, want %q", snap.Type, WSTypeSnapshot)
	}

	srv.registry.Upsert("10.0.0.42", device.Patch{}, device.SourceStatus, time.Now())

	var ev WSMessage
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Type != WSTypeEvent || ev.EventType != ChannelDeviceUpdated {
		t.Errorf("event = %+v, want %s event", ev, ChannelDeviceUpdated)
	}
}

func TestWebSocket_ChannelsQuery(t *testing.T) {
	srv := testServer(t)
	addr := startServer(t, srv)

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/api/v1/ws?channels=push.sent,+config.received", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	defer ws.Close()

	deadline := time.Now().Add(time.Second)
	for srv.hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	srv.OnConfiguration("10.0.0.5", device.Configuration{IP: "10.0.0.5", WiFiPWD: "secret"})

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev struct {
		EventType string `json:"event_type"`
		Payload   struct {
			Configuration device.Configuration `json:"configuration"`
		} `json:"payload"`
	}
	if err := ws.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.EventType != ChannelConfigReceived {
		t.Errorf("event_type = %q, want %q", ev.EventType, ChannelConfigReceived)
	}
	if ev.Payload.Configuration.WiFiPWD != "********" {
		t.Errorf("WiFiPWD = %q, want redacted", ev.Payload.Configuration.WiFiPWD)
	}
}
