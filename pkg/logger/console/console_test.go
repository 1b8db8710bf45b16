package console

import (
	"bytes"
	"strings"
	"testing"
)

func TestConsoleLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Output: &buf})

	l.Debug("hidden")
	l.Info("visible", "job", "abc")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "abc") {
		t.Fatalf("expected info line with keyvals, got %q", out)
	}
}

func TestConsoleLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := NewConsoleLogger(ConsoleLoggerParams{Output: &buf, JSON: true, Debug: true})

	l.Debug("hello", "job", "x")

	out := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(out, "{") || !strings.HasSuffix(out, "}") {
		t.Fatalf("expected JSON object, got %q", out)
	}
	if !strings.Contains(out, "hello") || !strings.Contains(out, "job") {
		t.Fatalf("missing fields in %q", out)
	}
}
