package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line %q is not JSON: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter("warn", &buf)
	ctx := context.Background()

	log.Debug(ctx, "d")
	log.Info(ctx, "i")
	log.Warn(ctx, "w")
	log.Error(ctx, "e")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0]["level"] != "warn" || lines[1]["level"] != "error" {
		t.Errorf("levels = %v, %v", lines[0]["level"], lines[1]["level"])
	}
}

func TestLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerWithWriter("debug", &buf)

	log.Info(context.Background(), "grant",
		F("client_secret", "shh"),
		F("access_token", "eyJ..."),
		F("Authorization", "Bearer x"),
		F("audience", "https://api.example.com"),
	)

	out := buf.String()
	for _, leaked := range []string{"shh", "eyJ", "Bearer x"} {
		if strings.Contains(out, leaked) {
			t.Errorf("log output leaked %q: %s", leaked, out)
		}
	}
	if !strings.Contains(out, "https://api.example.com") {
		t.Errorf("non-secret field missing: %s", out)
	}
}

func TestLogger_WithToolAndFields(t *testing.T) {
	var buf bytes.Buffer
	base := NewLoggerWithWriter("info", &buf)
	log := base.WithTool("calculator").With(F("component", "broker"), F("token", "abc"))

	log.Info(context.Background(), "cached", F("err", errors.New("boom")))
	base.Info(context.Background(), "plain")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0]["tool.id"] != "calculator" || lines[0]["component"] != "broker" {
		t.Errorf("scoped entry = %v", lines[0])
	}
	if lines[0]["token"] != "[REDACTED]" {
		t.Errorf("token field = %v, want redacted", lines[0]["token"])
	}
	if lines[0]["err"] != "boom" {
		t.Errorf("error field = %v, want boom", lines[0]["err"])
	}
	if _, ok := lines[1]["tool.id"]; ok {
		t.Error("WithTool must not modify the parent logger")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug": LevelDebug,
		"INFO":  LevelInfo,
		"warn":  LevelWarn,
		"error": LevelError,
		"bogus": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNopLogger(t *testing.T) {
	log := NopLogger().WithTool("x").With(F("a", 1))
	log.Info(context.Background(), "ignored")
}
