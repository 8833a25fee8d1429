package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "dispatch"))
	log.Info("sent", String("to", "bob"), Int("count", 2), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("unmarshal log line: %v (%q)", err, buf.String())
	}
	if m["comp"] != "dispatch" || m["to"] != "bob" || m["message"] != "sent" {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["count"] != float64(2) {
		t.Fatalf("count = %v, want 2", m["count"])
	}
	if m["error"] == nil && m["err"] == nil {
		t.Fatalf("missing error field: %v", m)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info written at warn level: %q", buf.String())
	}
	if log.Enabled(LevelInfo) {
		t.Fatal("info should be disabled")
	}
	log.Warn("shown")
	if buf.Len() == 0 {
		t.Fatal("warn not written")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var log Logger
	if !log.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	log.Error("nothing happens")
	if Nop().IsZero() {
		t.Fatal("Nop logger is not zero")
	}
}
