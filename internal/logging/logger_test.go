package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected a log line, got nothing")
	}
	var entry map[string]interface{}
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%s)", err, line)
	}
	return entry
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DEBUG},
		{"INFO", INFO},
		{"warning", WARN},
		{"Error", ERROR},
		{"fatal", FATAL},
		{"nonsense", INFO},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLoggerKeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "DEBUG", JSONFormat: true}, &buf).WithComponent("finder")

	l.Info("opportunity recorded", "symbol", "BTCUSDT", "pct", 3.09, "err", errors.New("boom"))

	entry := decodeLine(t, &buf)
	if entry["message"] != "opportunity recorded" {
		t.Errorf("Expected message to be kept, got %v", entry["message"])
	}
	if entry["component"] != "finder" {
		t.Errorf("Expected component finder, got %v", entry["component"])
	}
	if entry["symbol"] != "BTCUSDT" {
		t.Errorf("Expected symbol field, got %v", entry["symbol"])
	}
	if entry["err"] != "boom" {
		t.Errorf("Expected error to be rendered as string, got %v", entry["err"])
	}
}

func TestLoggerPrintfFallback(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "INFO", JSONFormat: true}, &buf)

	l.Info("processed %d bars", 42)

	entry := decodeLine(t, &buf)
	if entry["message"] != "processed 42 bars" {
		t.Errorf("Expected formatted message, got %v", entry["message"])
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithWriter(&Config{Level: "WARN", JSONFormat: true}, &buf)

	l.Info("hidden")
	l.Debug("hidden too")
	if buf.Len() != 0 {
		t.Errorf("Expected info and debug to be filtered, got %q", buf.String())
	}

	l.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Error("Expected warn to be written")
	}
}

func TestDerivedLoggerDoesNotLeakFields(t *testing.T) {
	var buf bytes.Buffer
	parent := NewWithWriter(&Config{Level: "INFO", JSONFormat: true}, &buf)
	_ = parent.WithField("run_id", "abc")

	parent.Info("parent line")
	entry := decodeLine(t, &buf)
	if _, ok := entry["run_id"]; ok {
		t.Error("Parent logger should not carry fields added to a child")
	}
}

func TestContextRoundTrip(t *testing.T) {
	l := Nop().WithComponent("status")
	ctx := NewContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Error("Expected FromContext to return the stored logger")
	}

	ctx, traced := WithTraceContext(ctx)
	if TraceIDFromContext(ctx) == "" {
		t.Error("Expected a trace ID in context")
	}
	if FromContext(ctx) != traced {
		t.Error("Expected traced logger to replace the stored one")
	}
}

func TestWithComponentWritesOneKey(t *testing.T) {
	var buf bytes.Buffer
	root := NewWithWriter(&Config{Level: "INFO", JSONFormat: true, Component: "main"}, &buf)
	l := root.WithComponent("pipeline").WithField("run_id", "abc").WithComponent("simulator").
		WithTraceID("t1").WithTraceID("t2")

	l.Info("step")

	line := strings.TrimSpace(buf.String())
	if n := strings.Count(line, `"component":`); n != 1 {
		t.Fatalf("Expected exactly one component key, got %d in %s", n, line)
	}
	if n := strings.Count(line, `"trace_id":`); n != 1 {
		t.Errorf("Expected exactly one trace_id key, got %d in %s", n, line)
	}
	entry := decodeLine(t, &buf)
	if entry["component"] != "simulator" {
		t.Errorf("Expected innermost component simulator, got %v", entry["component"])
	}
	if entry["trace_id"] != "t2" || entry["run_id"] != "abc" {
		t.Errorf("Expected trace_id t2 and run_id abc, got %v and %v", entry["trace_id"], entry["run_id"])
	}

	buf.Reset()
	root.Info("root line")
	if entry := decodeLine(t, &buf); entry["component"] != "main" {
		t.Errorf("Expected root component main, got %v", entry["component"])
	}
}
