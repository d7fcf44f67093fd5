package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

// helpers

// newTestLogger builds a slogLogger writing to buf so we can inspect output.
func newTestLogger(t *testing.T, buf *bytes.Buffer, opts Options) *slogLogger {
	t.Helper()
	opts.Writer = buf
	l, err := newSlog(opts)
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	return l.(*slogLogger)
}

// jsonRecord parses one JSON log line (the last non-empty line in buf).
func jsonRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	last := lines[len(lines)-1]
	var m map[string]any
	if err := json.Unmarshal([]byte(last), &m); err != nil {
		t.Fatalf("parse JSON log line: %v\nraw: %s", err, last)
	}
	return m
}

func TestNewSlog_DefaultWriter(t *testing.T) {
	// Should not error when Writer is nil (defaults to stdout)
	l, err := newSlog(Options{App: "admissiond"})
	if err != nil {
		t.Fatalf("newSlog: %v", err)
	}
	if l == nil {
		t.Fatal("returned nil logger")
	}
}

func TestNewSlog_JsonOutput(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "admissiond", JsonFormat: true, Level: slog.LevelInfo})

	l.Info(context.Background(), "request admitted")

	m := jsonRecord(t, &buf)
	if m["msg"] != "request admitted" {
		t.Fatalf("msg = %v", m["msg"])
	}
	if m["app"] != "admissiond" {
		t.Fatalf("app = %v, want admissiond", m["app"])
	}
}

func TestSlogLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "admissiond", JsonFormat: true, Level: slog.LevelWarn})

	ctx := context.Background()

	l.Debug(ctx, "debug msg")
	l.Info(ctx, "info msg")
	if buf.Len() != 0 {
		t.Fatalf("debug/info should be filtered at warn level, got: %s", buf.String())
	}

	l.Warn(ctx, "store nearing key cap")
	if !strings.Contains(buf.String(), "store nearing key cap") {
		t.Fatalf("warn should pass, got: %s", buf.String())
	}

	buf.Reset()
	l.Error(ctx, fmt.Errorf("e"), "sweep failed")
	if !strings.Contains(buf.String(), "sweep failed") {
		t.Fatalf("error should pass, got: %s", buf.String())
	}
}

// With - copy-on-write

func TestSlogLogger_With_AddsAttrs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "admissiond", JsonFormat: true, Level: slog.LevelInfo})

	child := l.With("component", "gate", "policy", "user")
	child.Info(context.Background(), "tier denied")

	m := jsonRecord(t, &buf)
	if m["component"] != "gate" {
		t.Fatalf("component = %v, want gate", m["component"])
	}
	if m["policy"] != "user" {
		t.Fatalf("policy = %v, want user", m["policy"])
	}
}

func TestSlogLogger_With_CopyOnWrite(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "admissiond", JsonFormat: true, Level: slog.LevelInfo})

	child := l.With("component", "evictor")

	// Parent should NOT have child's attrs
	buf.Reset()
	l.Info(context.Background(), "parent msg")
	m := jsonRecord(t, &buf)
	if _, found := m["component"]; found {
		t.Fatal("parent logger should not have child's attributes")
	}

	// Child should have it
	buf.Reset()
	child.Info(context.Background(), "child msg")
	m = jsonRecord(t, &buf)
	if m["component"] != "evictor" {
		t.Fatalf("child missing component, got: %v", m)
	}
}

func TestSlogLogger_With_OddArgs(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "admissiond", JsonFormat: true, Level: slog.LevelInfo})

	// Odd kv args - orphan key should be dropped, not panic
	child := l.With("key1", "val1", "orphan")
	child.Info(context.Background(), "odd args")

	m := jsonRecord(t, &buf)
	if m["key1"] != "val1" {
		t.Fatalf("key1 missing, got: %v", m)
	}
}

// Error enrichment

func TestSlogLogger_Error_EnrichesWithType(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "admissiond", JsonFormat: true, Level: slog.LevelError})

	l.Error(context.Background(), fmt.Errorf("window store full"), "admission check failed")

	m := jsonRecord(t, &buf)
	if m["err"] == nil {
		t.Fatal("err field missing")
	}
	if m["error_type"] == nil {
		t.Fatal("error_type field missing")
	}
	if m["cause_type"] == nil {
		t.Fatal("cause_type field missing")
	}
}

func TestSlogLogger_Error_NilError(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "admissiond", JsonFormat: true, Level: slog.LevelError})

	l.Error(context.Background(), nil, "nil error msg")

	m := jsonRecord(t, &buf)
	if m["msg"] != "nil error msg" {
		t.Fatalf("msg = %v", m["msg"])
	}
	if _, found := m["err"]; found {
		t.Fatal("err field should not be present for nil error")
	}
}

func TestSlogLogger_Error_IncludesChain(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "admissiond", JsonFormat: true, Level: slog.LevelError})

	inner := fmt.Errorf("ssm parameter empty")
	wrapped := fmt.Errorf("load policy overrides: %w", inner)

	l.Error(context.Background(), wrapped, "wrapped error")

	m := jsonRecord(t, &buf)
	chain, ok := m["error_chain"]
	if !ok {
		t.Fatal("error_chain missing")
	}
	arr, ok := chain.([]any)
	if !ok {
		t.Fatalf("error_chain type = %T", chain)
	}
	if len(arr) < 2 {
		t.Fatalf("error_chain length = %d, want >= 2", len(arr))
	}
}

func TestSlogLogger_Error_ErrorLinksToggle(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{
		App: "admissiond", JsonFormat: true, Level: slog.LevelError,
		IncludeErrorLinks: false,
	})
	l.Error(context.Background(), fmt.Errorf("boom"), "msg")
	if _, found := jsonRecord(t, &buf)["error_links"]; found {
		t.Fatal("error_links should not be present when disabled")
	}

	buf.Reset()
	l = newTestLogger(t, &buf, Options{
		App: "admissiond", JsonFormat: true, Level: slog.LevelError,
		IncludeErrorLinks: true, MaxErrorLinks: 8,
	})
	l.Error(context.Background(), fmt.Errorf("boom"), "msg")
	if _, found := jsonRecord(t, &buf)["error_links"]; !found {
		t.Fatal("error_links should be present when enabled")
	}
}

func TestSlogLogger_Error_ExtraKV(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "admissiond", JsonFormat: true, Level: slog.LevelError})

	l.Error(context.Background(), fmt.Errorf("e"), "msg", "identity", "u-1")

	m := jsonRecord(t, &buf)
	if m["identity"] != "u-1" {
		t.Fatalf("identity = %v, want u-1", m["identity"])
	}
}

// otelHandler

func TestOtelHandler_AddsTraceFields(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "admissiond", JsonFormat: true, Level: slog.LevelInfo})

	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	l.Info(ctx, "traced msg")

	m := jsonRecord(t, &buf)
	if m["trace_id"] != "0102030405060708090a0b0c0d0e0f10" {
		t.Fatalf("trace_id = %v", m["trace_id"])
	}
	if m["span_id"] != "0102030405060708" {
		t.Fatalf("span_id = %v", m["span_id"])
	}
}

func TestOtelHandler_NoTrace(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{App: "admissiond", JsonFormat: true, Level: slog.LevelInfo})

	l.Info(context.Background(), "no trace")

	m := jsonRecord(t, &buf)
	if _, found := m["trace_id"]; found {
		t.Fatal("trace_id should not be present without valid span context")
	}
}

// stackHandler

func TestStackHandler_OnlyAtStacktraceLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(t, &buf, Options{
		App: "admissiond", JsonFormat: true,
		Level:           slog.LevelInfo,
		StacktraceLevel: slog.LevelError,
	})

	l.Info(context.Background(), "info msg")
	if _, found := jsonRecord(t, &buf)["stack"]; found {
		t.Fatal("stack should not be present at info level")
	}

	buf.Reset()
	l.Error(context.Background(), fmt.Errorf("boom"), "error with stack")
	stack, ok := jsonRecord(t, &buf)["stack"]
	if !ok {
		t.Fatal("stack field missing at error level")
	}
	if s, ok := stack.(string); !ok || s == "" {
		t.Fatal("stack should be a non-empty string")
	}
}

// errorChain / classifyTypes

func TestErrorChain_WrappedError(t *testing.T) {
	inner := fmt.Errorf("root")
	outer := fmt.Errorf("wrap: %w", inner)

	chain := errorChain(outer)

	if len(chain) < 2 {
		t.Fatalf("chain length = %d, want >= 2", len(chain))
	}
	if chain[0] != "wrap: root" {
		t.Fatalf("chain[0] = %q", chain[0])
	}
	if chain[len(chain)-1] != "root" {
		t.Fatalf("chain[last] = %q", chain[len(chain)-1])
	}
}

func TestErrorChain_JoinedErrors(t *testing.T) {
	joined := errors.Join(fmt.Errorf("first"), fmt.Errorf("second"))
	if chain := errorChain(joined); len(chain) == 0 {
		t.Fatal("chain should not be empty for joined errors")
	}
}

func TestErrorChain_NilError(t *testing.T) {
	if chain := errorChain(nil); len(chain) != 0 {
		t.Fatalf("chain for nil error = %v, want empty", chain)
	}
}

type capError struct {
	msg string
}

func (e *capError) Error() string { return e.msg }

func TestClassifyTypes_WrappedError(t *testing.T) {
	inner := &capError{msg: "inner"}
	outer := fmt.Errorf("outer: %w", inner)

	surface, root := classifyTypes(outer)

	// Surface should skip the fmt.wrapError and find the concrete type
	if !strings.Contains(surface, "capError") {
		t.Fatalf("surface = %q, expected capError", surface)
	}
	if !strings.Contains(root, "capError") {
		t.Fatalf("root = %q, expected capError", root)
	}
}

func TestClassifyTypes_NilError(t *testing.T) {
	surface, root := classifyTypes(nil)
	if surface != "" || root != "" {
		t.Fatalf("classifyTypes(nil) = (%q, %q), want empty", surface, root)
	}
}

func TestChainLinks_RespectsMax(t *testing.T) {
	err := fmt.Errorf("base")
	for i := 0; i < 20; i++ {
		err = fmt.Errorf("wrap %d: %w", i, err)
	}
	if links := chainLinks(err, 5); len(links) > 5 {
		t.Fatalf("links length = %d, max should be 5", len(links))
	}
}
