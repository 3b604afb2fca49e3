package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
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
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{name: "create logger with service name", serviceName: "relayhook-worker"},
		{name: "create logger with empty service name", serviceName: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)
			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New("test-service")
			ctx := context.Background()
			if tt.hasTrace {
				newCtx, span := otel.Tracer("test-tracer").Start(ctx, "test-span")
				ctx = newCtx
				defer span.End()
			}

			before := time.Now().UTC()
			entry := logger.WithContext(ctx)
			after := time.Now().UTC()

			if entry.Service != "test-service" {
				t.Errorf("WithContext() Service = %q, want test-service", entry.Service)
			}
			if entry.Time.Before(before) || entry.Time.After(after) {
				t.Errorf("WithContext() Time %v not between %v and %v", entry.Time, before, after)
			}
			if tt.hasTrace && entry.TraceID == "" {
				t.Error("WithContext() TraceID should not be empty with trace context")
			}
			if !tt.hasTrace && entry.TraceID != "" {
				t.Errorf("WithContext() TraceID = %q, want empty", entry.TraceID)
			}
		})
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("relayhook-worker", &buf)

	logger.Plain().
		WithTenant("tenant-1").
		WithEndpoint("endpoint-1").
		WithDelivery("delivery-1").
		WithEventKind("issue").
		WithField("attempt", 2).
		WithError(errors.New("connection refused")).
		Warn("delivery failed")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1", len(lines))
	}
	got := lines[0]

	want := map[string]string{
		"level":       "warn",
		"msg":         "delivery failed",
		"service":     "relayhook-worker",
		"tenant_id":   "tenant-1",
		"endpoint_id": "endpoint-1",
		"delivery_id": "delivery-1",
		"event_kind":  "issue",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("log[%q] = %v, want %q", k, got[k], v)
		}
	}
	fields, ok := got["fields"].(map[string]any)
	if !ok {
		t.Fatalf("log fields missing: %v", got)
	}
	if fields["error"] != "connection refused" {
		t.Errorf("fields.error = %v, want connection refused", fields["error"])
	}
	if fields["attempt"] != float64(2) {
		t.Errorf("fields.attempt = %v, want 2", fields["attempt"])
	}
}

func TestLogEntry_EmptyFieldsOmitted(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("svc", &buf).Plain().WithError(nil).Info("started")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d log lines, want 1", len(lines))
	}
	if _, ok := lines[0]["fields"]; ok {
		t.Errorf("empty fields should be omitted: %v", lines[0])
	}
	for _, k := range []string{"tenant_id", "endpoint_id", "delivery_id", "trace_id"} {
		if _, ok := lines[0][k]; ok {
			t.Errorf("empty %q should be omitted", k)
		}
	}
}

func TestLogEntry_LevelsAndFormatting(t *testing.T) {
	tests := []struct {
		name  string
		log   func(e *LogEntry)
		level string
		msg   string
	}{
		{name: "debug", log: func(e *LogEntry) { e.Debug("d") }, level: "debug", msg: "d"},
		{name: "info", log: func(e *LogEntry) { e.Info("i") }, level: "info", msg: "i"},
		{name: "warn", log: func(e *LogEntry) { e.Warn("w") }, level: "warn", msg: "w"},
		{name: "error", log: func(e *LogEntry) { e.Error("e") }, level: "error", msg: "e"},
		{name: "infof", log: func(e *LogEntry) { e.Infof("fanout %d", 3) }, level: "info", msg: "fanout 3"},
		{name: "errorf", log: func(e *LogEntry) { e.Errorf("bad %s", "task") }, level: "error", msg: "bad task"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewWithWriter("svc", &buf).Plain())
			lines := decodeLines(t, &buf)
			if len(lines) != 1 {
				t.Fatalf("got %d lines, want 1", len(lines))
			}
			if lines[0]["level"] != tt.level || lines[0]["msg"] != tt.msg {
				t.Errorf("got level=%v msg=%v, want level=%s msg=%s", lines[0]["level"], lines[0]["msg"], tt.level, tt.msg)
			}
		})
	}
}

func TestLogger_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("svc", &buf)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Plain().WithField("i", i).Info("tick")
		}(i)
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 50 {
		t.Errorf("got %d lines, want 50", got)
	}
}

func TestLogLevelConstants(t *testing.T) {
	levels := map[LogLevel]string{
		LevelDebug: "debug",
		LevelInfo:  "info",
		LevelWarn:  "warn",
		LevelError: "error",
		LevelFatal: "fatal",
	}
	for level, want := range levels {
		if string(level) != want {
			t.Errorf("level %q, want %q", level, want)
		}
	}
}

func TestLogEntry_Clone(t *testing.T) {
	var buf bytes.Buffer
	base := NewWithWriter("relayhook-worker", &buf).Plain().WithDelivery("delivery-1").WithField("attempt", 1)

	base.Clone().WithError(errors.New("illegal transition")).Warn("first")
	base.Info("second")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}
	for i, line := range lines {
		if line["delivery_id"] != "delivery-1" {
			t.Errorf("line %d delivery_id = %v, want delivery-1", i, line["delivery_id"])
		}
	}
	first, _ := lines[0]["fields"].(map[string]any)
	if first["error"] != "illegal transition" || first["attempt"] != float64(1) {
		t.Errorf("clone fields = %v, want error and attempt", first)
	}
	second, _ := lines[1]["fields"].(map[string]any)
	if _, leaked := second["error"]; leaked {
		t.Errorf("clone field leaked into original: %v", second)
	}
}
