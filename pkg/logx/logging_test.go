package logx

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{raw: "debug", want: zerolog.DebugLevel},
		{raw: " WARNING ", want: zerolog.WarnLevel},
		{raw: "error", want: zerolog.ErrorLevel},
		{raw: "trace", want: zerolog.TraceLevel},
		{raw: "", want: zerolog.InfoLevel},
		{raw: "nonsense", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.raw, zerolog.InfoLevel); got != tt.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestZeroLoggerDiscards(t *testing.T) {
	t.Parallel()
	var l Logger
	// Must not panic.
	l.Info("hello", String("k", "v"))
	l.With(Int("n", 1)).Error("still quiet", Err(nil))
}

func TestLoggerWritesFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := fixed(zerolog.New(&buf)).With(String("component", "test"))
	l.Warn("signal received", String("signal", "terminated"), Int("pid", 7))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if m["message"] != "signal received" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["component"] != "test" || m["signal"] != "terminated" {
		t.Fatalf("missing fields: %v", m)
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v, want warn", m["level"])
	}
	if c, _ := m["caller"].(string); !strings.HasPrefix(c, "logging_test.go:") {
		t.Fatalf("caller = %q, want short file:line", c)
	}
}

func TestServiceApplyFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcron.log")
	svc, log := NewService(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	t.Cleanup(func() { _ = svc.Close() })

	derived := log.With(String("component", "test"))
	derived.Debug("hidden")
	derived.Info("visible")

	if err := svc.Apply(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	derived.Debug("now visible")
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	out := string(b)
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %s", out)
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "now visible") {
		t.Fatalf("expected lines missing: %s", out)
	}
}

func TestServiceApplyUnopenableFile(t *testing.T) {
	var buf bytes.Buffer
	stderr = &buf
	t.Cleanup(func() { stderr = os.Stderr })

	path := filepath.Join(t.TempDir(), "missing-dir", "mcron.log")
	svc := &Service{}
	if err := svc.Apply(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}); err == nil {
		t.Fatal("Apply should report the unopenable file")
	}
	Logger{src: svc.current}.Info("falls back to console")
	if !strings.Contains(buf.String(), "falls back to console") {
		t.Fatalf("console fallback missing: %q", buf.String())
	}
}
