package tracelog

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func logLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	return m
}

func TestFieldNames(t *testing.T) {
	var buf bytes.Buffer
	l := New("bridge", "info", &buf)
	l.Info("hello")

	m := logLine(t, &buf)
	if _, ok := m["t"]; !ok {
		t.Fatalf("missing field t: %v", m)
	}
	if m["level"] != "info" {
		t.Fatalf("level = %v, want info", m["level"])
	}
	if m["msg"] != "hello" {
		t.Fatalf("msg = %v, want hello", m["msg"])
	}
	if m["component"] != "bridge" {
		t.Fatalf("component = %v, want bridge", m["component"])
	}
}

func TestAudioKeyRedaction(t *testing.T) {
	for _, key := range []string{"audio", "payload", "pcm", "pcm16", "mulaw"} {
		var buf bytes.Buffer
		l := New("backend", "info", &buf)
		l.Info("frame", key, "AAAA/very/secret/bytes")
		m := logLine(t, &buf)
		if m[key] != "[REDACTED_AUDIO]" {
			t.Fatalf("key %q = %v, want [REDACTED_AUDIO]", key, m[key])
		}
	}
}

func TestLongBase64Redaction(t *testing.T) {
	var buf bytes.Buffer
	l := New("backend", "info", &buf)
	blob := strings.Repeat("QUJD", 100) // 400 chars of clean base64
	l.Info("event", "detail", blob)

	m := logLine(t, &buf)
	if m["detail"] != "[REDACTED_BASE64]" {
		t.Fatalf("detail = %v, want [REDACTED_BASE64]", m["detail"])
	}
}

func TestShortOrSpacedStringsPassThrough(t *testing.T) {
	cases := []string{
		"QUJD",
		strings.Repeat("QUJD ", 100), // contains whitespace
		"plain text detail",
	}
	for _, s := range cases {
		if got := RedactString(s); got != s {
			t.Fatalf("RedactString(%q) = %q, want unchanged", s, got)
		}
	}
}

func TestTokenMasking(t *testing.T) {
	cases := []struct{ in, wantSub string }{
		{"auth Bearer abc.def-123", "Bearer [REDACTED]"},
		{"url?token=s3cr3t&x=1", "token=[REDACTED]"},
		{"api_key=deadbeef", "api_key=[REDACTED]"},
	}
	for _, tc := range cases {
		got := RedactString(tc.in)
		if !strings.Contains(got, tc.wantSub) {
			t.Fatalf("RedactString(%q) = %q, want substring %q", tc.in, got, tc.wantSub)
		}
		if got == tc.in {
			t.Fatalf("RedactString(%q) left secret in place", tc.in)
		}
	}
}

func TestTraceIDStickiness(t *testing.T) {
	var buf bytes.Buffer
	l := New("relay", "info", &buf).Conn()

	l.SetTrace("trace-1")
	l.SetTrace("trace-2") // first id wins
	l.Info("x")

	m := logLine(t, &buf)
	if m["traceId"] != "trace-1" {
		t.Fatalf("traceId = %v, want trace-1", m["traceId"])
	}
}

func TestStageCarriesMS(t *testing.T) {
	var buf bytes.Buffer
	l := New("backend", "info", &buf).Conn()
	l.Stage("asr_start")

	m := logLine(t, &buf)
	if m["stage"] != "asr_start" {
		t.Fatalf("stage = %v, want asr_start", m["stage"])
	}
	if _, ok := m["ms"]; !ok {
		t.Fatalf("missing ms field: %v", m)
	}
}

func TestNewTraceID(t *testing.T) {
	if got := NewTraceID("CA123"); got != "CA123" {
		t.Fatalf("seeded trace id = %q, want CA123", got)
	}
	random := NewTraceID("")
	if len(random) != 32 {
		t.Fatalf("random trace id length = %d, want 32 hex chars", len(random))
	}
	if random == NewTraceID("") {
		t.Fatalf("two random trace ids collided")
	}
}

func TestLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := New("bridge", "warn", &buf)
	l.Info("quiet")
	if buf.Len() != 0 {
		t.Fatalf("info line emitted at warn level: %q", buf.String())
	}
	l.Warn("loud")
	if buf.Len() == 0 {
		t.Fatalf("warn line suppressed")
	}
}
