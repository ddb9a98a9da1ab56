package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedClock() time.Time {
	return time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
}

func quietConsole() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestLogger_RecordShape(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	lg := New(logPath, WithClock(fixedClock), WithConsole(quietConsole()))
	defer func() { _ = lg.Close() }()

	lg.Record(KindInjectionDetected, map[string]any{"rule": "instruction_override"})
	_ = lg.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !bytes.HasSuffix(data, []byte("\n")) {
		t.Fatal("expected newline-terminated record")
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed to parse log line as JSON: %v", err)
	}
	if raw["timestamp"] != "2026-10-16T09:30:00.000Z" {
		t.Errorf("unexpected timestamp %v", raw["timestamp"])
	}
	if raw["type"] != "INJECTION_DETECTED" {
		t.Errorf("unexpected type %v", raw["type"])
	}
	details, ok := raw["details"].(map[string]any)
	if !ok || details["rule"] != "instruction_override" {
		t.Errorf("unexpected details %v", raw["details"])
	}
	if len(raw) != 3 {
		t.Errorf("expected exactly timestamp/type/details, got %v", raw)
	}
}

func TestLogger_NilDetails(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	lg := New(logPath, WithConsole(quietConsole()))
	lg.Record(KindChallengePolled, nil)
	_ = lg.Close()

	data, _ := os.ReadFile(logPath)
	if !strings.Contains(string(data), `"details":{}`) {
		t.Errorf("expected empty details object, got %s", data)
	}
}

func TestLogger_UnserializableDetails(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	lg := New(logPath, WithConsole(quietConsole()))
	lg.Record(KindSuspiciousPattern, map[string]any{"bad": make(chan int)})
	_ = lg.Close()

	events, err := ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the event to be kept, got %d events", len(events))
	}
	if _, ok := events[0].Details["marshal_error"]; !ok {
		t.Errorf("expected marshal_error detail, got %v", events[0].Details)
	}
}

func TestLogger_FallbackWhenSinkMissing(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "missing-dir", "audit.jsonl")
	var fallback bytes.Buffer
	lg := New(logPath, WithFallback(&fallback), WithConsole(quietConsole()))
	defer func() { _ = lg.Close() }()

	lg.Record(KindRateLimitBackoff, map[string]any{"reason": "suspended"})

	out := fallback.String()
	if !strings.Contains(out, "durable sink unavailable") {
		t.Errorf("expected fallback notice, got %q", out)
	}
	if !strings.Contains(out, `"type":"RATE_LIMIT_BACKOFF"`) {
		t.Errorf("expected full record on fallback channel, got %q", out)
	}
}

func TestLogger_RecoversWhenSinkAppears(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "later")
	logPath := filepath.Join(dir, "audit.jsonl")
	var fallback bytes.Buffer
	lg := New(logPath, WithFallback(&fallback), WithConsole(quietConsole()))
	defer func() { _ = lg.Close() }()

	lg.Record(KindSuspiciousPattern, nil)
	if err := os.MkdirAll(dir, 0700); err != nil {
		t.Fatal(err)
	}
	lg.Record(KindSuspiciousPattern, map[string]any{"n": 2})
	_ = lg.Close()

	events, err := ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected the second record in the durable sink, got %d", len(events))
	}
}

func TestLogger_ConsolePreviewRedactedAndTruncated(t *testing.T) {
	var console bytes.Buffer
	lg := New(filepath.Join(t.TempDir(), "audit.jsonl"),
		WithConsole(slog.New(slog.NewTextHandler(&console, nil))),
		WithPreviewLen(60))
	defer func() { _ = lg.Close() }()

	lg.Record(KindKeyRequestBlocked, map[string]any{
		"excerpt": "token sk-proj-abcdefghijklmnopqrstuvwxyz0123 " + strings.Repeat("x", 500),
	})

	out := console.String()
	if strings.Contains(out, "abcdefghijklmnopqrstuvwxyz0123") {
		t.Errorf("expected secret to be redacted in console preview: %q", out)
	}
	if strings.Contains(out, strings.Repeat("x", 100)) {
		t.Errorf("expected console preview to be truncated: %q", out)
	}
	if !strings.Contains(out, "KEY_REQUEST_BLOCKED") {
		t.Errorf("expected event type in console output: %q", out)
	}
}

func TestLogger_ConcurrentWritesDoNotInterleave(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	lg := New(logPath, WithConsole(quietConsole()))

	const writers, perWriter = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				lg.Record(KindSuspiciousPattern, map[string]any{
					"writer": w,
					"seq":    i,
					"pad":    strings.Repeat(fmt.Sprint(w), 256),
				})
			}
		}(w)
	}
	wg.Wait()
	_ = lg.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != writers*perWriter {
		t.Fatalf("expected %d lines, got %d", writers*perWriter, len(lines))
	}

	lastSeq := map[float64]float64{}
	for _, line := range lines {
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("interleaved or corrupt line: %q", line)
		}
		w := ev.Details["writer"].(float64)
		seq := ev.Details["seq"].(float64)
		if prev, ok := lastSeq[w]; ok && seq <= prev {
			t.Errorf("writer %v records out of order: %v after %v", w, seq, prev)
		}
		lastSeq[w] = seq
	}
}

type captureForwarder struct {
	mu     sync.Mutex
	kinds  []EventKind
	closed bool
}

func (c *captureForwarder) Forward(kind EventKind, line []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kinds = append(c.kinds, kind)
}

func (c *captureForwarder) Close() error {
	c.closed = true
	return nil
}

func TestLogger_Forwarders(t *testing.T) {
	fwd := &captureForwarder{}
	var fallback bytes.Buffer
	lg := New(filepath.Join(t.TempDir(), "nope", "audit.jsonl"),
		WithFallback(&fallback), WithForwarder(fwd), WithConsole(quietConsole()))

	lg.Record(KindChallengeDetected, nil)
	lg.Record(KindChallengeSolved, nil)
	_ = lg.Close()

	if len(fwd.kinds) != 2 || fwd.kinds[1] != KindChallengeSolved {
		t.Errorf("expected both records forwarded even when the file sink fails, got %v", fwd.kinds)
	}
	if !fwd.closed {
		t.Error("expected forwarder to be closed with the logger")
	}
}

func TestLogger_FilePermissions(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "secure_audit.jsonl")
	lg := New(logPath, WithConsole(quietConsole()))
	_ = lg.Close()

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("failed to stat log file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("expected file permissions 0600, got %04o", perm)
	}
}

func TestEventKinds(t *testing.T) {
	if len(Kinds()) != 11 {
		t.Errorf("expected 11 event kinds, got %d", len(Kinds()))
	}
	for _, k := range Kinds() {
		if !k.Valid() {
			t.Errorf("expected %s to be valid", k)
		}
	}
	if EventKind("MADE_UP").Valid() {
		t.Error("expected unknown kind to be invalid")
	}
}

func TestReadFile_SkipsMalformed(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	content := `{"timestamp":"2026-10-16T00:00:00.000Z","type":"SUSPICIOUS_PATTERN","details":{}}
not json

{"timestamp":"2026-10-16T00:00:01.000Z","type":"CHALLENGE_FAILED","details":{"id":"c1"}}
`
	if err := os.WriteFile(logPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	events, err := ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(events) != 2 || events[1].Type != KindChallengeFailed {
		t.Errorf("unexpected events %+v", events)
	}

	missing, err := ReadFile(filepath.Join(t.TempDir(), "none.jsonl"))
	if err != nil || missing != nil {
		t.Errorf("expected no events and no error for missing file, got %v %v", missing, err)
	}
}
