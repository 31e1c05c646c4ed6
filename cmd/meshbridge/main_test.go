package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"

	"github.com/nugget/meshbridge/internal/config"
	"github.com/nugget/meshbridge/internal/wifi"
)

// fixtureCloud serves the token endpoint and the read paths of the
// cloud API from the wifi package fixtures.
func fixtureCloud(t *testing.T) *httptest.Server {
	t.Helper()
	fixtures := filepath.Join("..", "..", "internal", "wifi", "testdata")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/token" {
			w.Write([]byte(`{"access_token":"access-xyz","token_type":"Bearer","expires_in":3600}`))
			return
		}

		path := strings.TrimPrefix(r.URL.Path, "/v2/")
		var fixture string
		switch {
		case r.Method == http.MethodPost && path == "groups/sys-1/wanSpeedTest":
			w.Write([]byte(`{"operation":{"operationState":"DONE"}}`))
			return
		case path == "groups/sys-1/speedTestResults":
			w.Write([]byte(`{"speedTestResults":[{"timestamp":"2026-10-16T12:00:00Z","transmitWanSpeedBps":"20000000","receiveWanSpeedBps":"300000000"}]}`))
			return
		case path == "groups":
			fixture = "groups.json"
		case strings.HasSuffix(path, "/status"):
			fixture = "status.json"
		case strings.HasSuffix(path, "/stations"):
			fixture = "stations.json"
		case strings.HasSuffix(path, "/realtimeMetrics"):
			fixture = "realtime.json"
		default:
			w.Write([]byte(`{}`))
			return
		}
		data, err := os.ReadFile(filepath.Join(fixtures, fixture))
		if err != nil {
			t.Errorf("read fixture: %v", err)
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	cfg := `cloud:
  refresh_token: refresh-abc
  token_url: ` + srv.URL + `/token
  base_url: ` + srv.URL + `/v2
  timeout_sec: 5
speed_units: Mbit/s
data_dir: ` + t.TempDir() + `
log_level: error
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), &stdout, &stderr, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: meshbridge") {
			t.Errorf("run(%v) output missing usage:\n%s", args, stdout.String())
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"frobnicate"}, "unknown command"},
		{"unknown flag", []string{"-x"}, "unknown flag"},
		{"bad output format", []string{"-o", "xml", "version"}, "unknown output format"},
		{"speedtest without system", []string{"speedtest"}, "usage: meshbridge speedtest"},
		{"missing config", []string{"-config", "/nonexistent/config.yaml", "systems"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestRunVersion(t *testing.T) {
	var text bytes.Buffer
	if err := run(context.Background(), &text, &text, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(text.String(), "meshbridge ") || !strings.Contains(text.String(), "go_version:") {
		t.Errorf("text output = %q", text.String())
	}

	var js bytes.Buffer
	if err := run(context.Background(), &js, &js, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version json: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(js.Bytes(), &info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info["version"] == "" {
		t.Errorf("info = %v", info)
	}
}

func TestRunSystems_JSON(t *testing.T) {
	cfgPath := writeConfig(t, fixtureCloud(t))

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "-o", "json", "systems"}); err != nil {
		t.Fatalf("systems: %v (stderr %s)", err, stderr.String())
	}

	var systems []*wifi.System
	if err := json.Unmarshal(stdout.Bytes(), &systems); err != nil {
		t.Fatalf("decode: %v\n%s", err, stdout.String())
	}
	if len(systems) != 1 || systems[0].ID != "sys-1" {
		t.Fatalf("systems = %+v", systems)
	}
	if systems[0].TotalDevices == 0 {
		t.Error("device counts not filled in")
	}
	if systems[0].SpeedTest != nil {
		t.Error("systems ran a speed test")
	}
}

func TestRunSystems_Text(t *testing.T) {
	cfgPath := writeConfig(t, fixtureCloud(t))

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config=" + cfgPath, "systems"}); err != nil {
		t.Fatalf("systems: %v", err)
	}
	out := stdout.String()
	for _, want := range []string{"sys-1", "WAN_ONLINE", "Living Room", "dev-phone"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRunSystems_SessionExpiredOnFirstRefresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/token" {
			w.Write([]byte(`{"access_token":"access-xyz","token_type":"Bearer","expires_in":3600}`))
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"token expired"}}`))
	}))
	t.Cleanup(srv.Close)
	cfgPath := writeConfig(t, srv)

	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "systems"})
	if err == nil || !strings.Contains(err.Error(), "cloud not ready") {
		t.Fatalf("err = %v, want cloud not ready", err)
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want nothing printed", stdout.String())
	}
}

func TestRunSpeedTest(t *testing.T) {
	cfgPath := writeConfig(t, fixtureCloud(t))

	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-config", cfgPath, "speedtest", "sys-1"}); err != nil {
		t.Fatalf("speedtest: %v", err)
	}
	want := "sys-1  upload 20.00 Mbit/s  download 300.00 Mbit/s"
	if !strings.HasPrefix(stdout.String(), want) {
		t.Errorf("output = %q, want prefix %q", stdout.String(), want)
	}
}

// clearUmask sets the process umask to 0 so file permission assertions are
// deterministic. It restores the original umask when the test completes.
func clearUmask(t *testing.T) {
	t.Helper()
	old := syscall.Umask(0)
	t.Cleanup(func() { syscall.Umask(old) })
}

func TestRunInit(t *testing.T) {
	clearUmask(t)
	dir := t.TempDir()

	var buf bytes.Buffer
	if err := run(context.Background(), &buf, &buf, []string{"init", dir}); err != nil {
		t.Fatalf("init: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "data"))
	if err != nil || !info.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	cfgInfo, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if got := cfgInfo.Mode().Perm(); got != 0o600 {
		t.Errorf("config.yaml permissions = %o, want 0600", got)
	}
	if !strings.Contains(buf.String(), "✓") {
		t.Errorf("output missing created marker: %q", buf.String())
	}

	// The example must load once a token is supplied.
	t.Setenv("MESHBRIDGE_REFRESH_TOKEN", "refresh-abc")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if !cfg.MQTT.Configured() || cfg.SpeedUnits != "Mbit/s" {
		t.Errorf("example config = %+v", cfg)
	}
}

func TestRunInit_SkipsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	sentinel := []byte("# keep me\n")
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), sentinel, 0o600); err != nil {
		t.Fatalf("write sentinel: %v", err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	if !strings.Contains(buf.String(), "exists, skipping") {
		t.Errorf("output = %q, want skip marker", buf.String())
	}
	got, _ := os.ReadFile(filepath.Join(dir, "config.yaml"))
	if !bytes.Equal(got, sentinel) {
		t.Errorf("config.yaml overwritten: %q", got)
	}
}

func TestWriteIfMissing_CreateError(t *testing.T) {
	dir := t.TempDir()
	parent := filepath.Join(dir, "blocker")
	if err := os.WriteFile(parent, []byte("i am a file"), 0o644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	var buf bytes.Buffer
	err := writeIfMissing(&buf, filepath.Join(parent, "file.txt"), []byte("data"), 0o644)
	if err == nil || !strings.Contains(err.Error(), "create") {
		t.Errorf("err = %v, want create failure", err)
	}
}
