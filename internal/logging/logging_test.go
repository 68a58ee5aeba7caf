package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opswarden/opswarden/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"DEBUG":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNew_JSONToStdout(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := newLogger(config.LoggingConfig{Level: "info", Format: "json"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	logger.Debug("hidden")
	logger.Info("kill switch", "cancelled", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if entry["msg"] != "kill switch" || entry["cancelled"] != float64(3) {
		t.Errorf("entry = %v", entry)
	}
}

func TestNew_RotatingFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "opswarden.log")
	logger, closer, err := newLogger(config.LoggingConfig{Level: "debug", File: path, MaxSizeMB: 1}, &buf)
	if err != nil {
		t.Fatal(err)
	}

	logger.Debug("mode changed", "mode", "EXECUTE")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "mode changed") {
		t.Errorf("file content = %q", data)
	}
	if !strings.Contains(buf.String(), "mode changed") {
		t.Error("stdout copy missing")
	}
}
