package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestLogger_DefaultInitialization(t *testing.T) {
	// Log should be initialized by default and not panic
	if Log == nil {
		t.Fatal("Log should not be nil by default")
	}

	// Should not panic
	Log.Info("Testing default logger")
}

func TestLogger_WithAddsContext(t *testing.T) {
	prev := Log
	defer func() { Log = prev }()

	var buf bytes.Buffer
	SetOutput(&buf)
	Log.With("device", "wlan0").Warn("Crash detected", "reason", "RDDM")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("Expected JSON record, got %q: %v", buf.String(), err)
	}
	if rec["device"] != "wlan0" || rec["reason"] != "RDDM" || rec["level"] != "WARN" {
		t.Errorf("Unexpected record %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLogger_SetLevelReachesDerivedLoggers(t *testing.T) {
	prev := Log
	defer func() { Log = prev; SetLevel("debug") }()

	var buf bytes.Buffer
	SetOutput(&buf)
	derived := Log.With("device", "wlan0").With("handle", 1)
	derived.Info("before reload")
	if buf.Len() == 0 {
		t.Fatal("Expected output at debug level")
	}

	buf.Reset()
	SetLevel("error")
	if Level() != slog.LevelError {
		t.Fatalf("Level() = %v, want ERROR", Level())
	}
	derived.Info("after reload")
	derived.Warn("after reload")
	if buf.Len() != 0 {
		t.Errorf("Derived logger ignored the new level: %q", buf.String())
	}
	derived.Error("still shown")
	if buf.Len() == 0 {
		t.Error("Expected error records to pass")
	}
}
