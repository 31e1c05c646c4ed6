package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "cloud:\n  refresh_token: x\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("cloud:\n  refresh_token: x\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "cloud:\n  refresh_token: tok\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}

	if cfg.PollInterval() != 30*time.Second {
		t.Errorf("PollInterval() = %v, want 30s", cfg.PollInterval())
	}
	if !cfg.SpeedTest.Enabled() {
		t.Error("speed tests should be enabled by default")
	}
	if cfg.SpeedTest.Interval() != 24*time.Hour {
		t.Errorf("SpeedTest.Interval() = %v, want 24h", cfg.SpeedTest.Interval())
	}
	if cfg.SpeedUnits != "Mbit/s" {
		t.Errorf("SpeedUnits = %q, want Mbit/s", cfg.SpeedUnits)
	}
	if cfg.Cloud.BaseURL != DefaultBaseURL {
		t.Errorf("Cloud.BaseURL = %q, want %q", cfg.Cloud.BaseURL, DefaultBaseURL)
	}
	if cfg.MQTT.Configured() {
		t.Error("MQTT should not be configured without a broker")
	}
	if cfg.MQTT.DiscoveryPrefix != "homeassistant" {
		t.Errorf("DiscoveryPrefix = %q, want homeassistant", cfg.MQTT.DiscoveryPrefix)
	}
}

func TestLoad_SpeedTestDisabled(t *testing.T) {
	cfg, err := Load(writeConfig(t, "cloud:\n  refresh_token: tok\nspeedtest:\n  auto: false\n  interval_hours: 6\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.SpeedTest.Enabled() {
		t.Error("speedtest.auto: false should disable speed tests")
	}
	if cfg.SpeedTest.Interval() != 6*time.Hour {
		t.Errorf("Interval() = %v, want 6h", cfg.SpeedTest.Interval())
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("MESHBRIDGE_TEST_TOKEN", "secret123")

	cfg, err := Load(writeConfig(t, "cloud:\n  refresh_token: ${MESHBRIDGE_TEST_TOKEN}\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Cloud.RefreshToken != "secret123" {
		t.Errorf("refresh_token = %q, want %q", cfg.Cloud.RefreshToken, "secret123")
	}
}

func TestLoad_TrimsBaseURLSlash(t *testing.T) {
	cfg, err := Load(writeConfig(t, "cloud:\n  refresh_token: tok\n  base_url: http://localhost:9999/v2/\n"))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Cloud.BaseURL != "http://localhost:9999/v2" {
		t.Errorf("BaseURL = %q", cfg.Cloud.BaseURL)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing token", "poll_interval_sec: 10\n", "refresh_token"},
		{"interval too short", "cloud:\n  refresh_token: t\npoll_interval_sec: 2\n", "poll_interval_sec"},
		{"bad units", "cloud:\n  refresh_token: t\nspeed_units: furlongs\n", "speed_units"},
		{"bad log level", "cloud:\n  refresh_token: t\nlog_level: loud\n", "log level"},
		{"bad log format", "cloud:\n  refresh_token: t\nlog_format: xml\n", "log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"", slog.LevelInfo},
		{"TRACE", LevelTrace},
		{" debug ", slog.LevelDebug},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLogLevel(%q) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestReplaceLogAttrs(t *testing.T) {
	tests := []struct {
		name string
		in   slog.Attr
		want string
	}{
		{"trace level", slog.Any(slog.LevelKey, LevelTrace), "TRACE"},
		{"debug level untouched", slog.Any(slog.LevelKey, slog.LevelDebug), "DEBUG"},
		{"refresh token", slog.String("refresh_token", "1//abc"), "[REDACTED]"},
		{"password any case", slog.String("Password", "hunter2"), "[REDACTED]"},
		{"empty secret kept", slog.String("password", ""), ""},
		{"ordinary key", slog.String("system_id", "sys-1"), "sys-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReplaceLogAttrs(nil, tt.in).Value.String(); got != tt.want {
				t.Errorf("value = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelTrace, "json")
	logger.Log(context.Background(), LevelTrace, "token refreshed", "access_token", "ya29.secret")

	out := buf.String()
	if !strings.Contains(out, `"level":"TRACE"`) {
		t.Errorf("trace level missing: %s", out)
	}
	if strings.Contains(out, "ya29.secret") {
		t.Errorf("credential leaked: %s", out)
	}

	buf.Reset()
	NewLogger(&buf, slog.LevelInfo, "text").Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug written at info level: %q", buf.String())
	}
}
