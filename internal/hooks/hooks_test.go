package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/felixgeelhaar/sentinel/internal/log"
)

type recordingHook struct {
	name   string
	events []EventType
	delay  time.Duration
	err    error

	mu   sync.Mutex
	seen []Event
}

func (h *recordingHook) Name() string            { return h.name }
func (h *recordingHook) EventTypes() []EventType { return h.events }

func (h *recordingHook) Execute(ctx context.Context, event Event) error {
	if h.delay > 0 {
		select {
		case <-time.After(h.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	h.mu.Lock()
	h.seen = append(h.seen, event)
	h.mu.Unlock()
	return h.err
}

func (h *recordingHook) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}

func TestNewEvent(t *testing.T) {
	event := NewEvent(EventStepTransition, "session-1", map[string]any{"from": "pending", "attempt": 2, "ratio": 1.5})

	if event.Type != EventStepTransition {
		t.Errorf("Event type mismatch: got %s, want %s", event.Type, EventStepTransition)
	}
	if event.SessionID != "session-1" {
		t.Errorf("Session ID mismatch: got %s", event.SessionID)
	}
	if event.Timestamp.IsZero() {
		t.Error("Timestamp should not be zero")
	}
	if got := event.GetString("from"); got != "pending" {
		t.Errorf("GetString() = %s, want pending", got)
	}
	if got := event.GetInt("attempt"); got != 2 {
		t.Errorf("GetInt() = %d, want 2", got)
	}
	if got := event.GetFloat("ratio"); got != 1.5 {
		t.Errorf("GetFloat() = %f, want 1.5", got)
	}
	if got := event.GetString("missing"); got != "" {
		t.Errorf("GetString(missing) = %s, want empty", got)
	}
}

func TestIsValidFailureMode(t *testing.T) {
	tests := []struct {
		mode  string
		valid bool
	}{
		{"ignore", true},
		{"warn", true},
		{"fail", true},
		{"panic", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			if got := IsValidFailureMode(tt.mode); got != tt.valid {
				t.Errorf("IsValidFailureMode(%q) = %v, want %v", tt.mode, got, tt.valid)
			}
		})
	}
}

func TestRegistryTriggersMatchingHooks(t *testing.T) {
	r := NewRegistry(log.Discard())
	steps := &recordingHook{name: "steps", events: []EventType{EventStepTransition}}
	all := &recordingHook{name: "all", events: AllEventTypes()}

	if err := r.Register(steps); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(all); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	results, err := r.Trigger(context.Background(), NewEvent(EventStepTransition, "s", nil))
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	if _, err := r.Trigger(context.Background(), NewEvent(EventReplanIssued, "s", nil)); err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if steps.count() != 1 || all.count() != 2 {
		t.Errorf("unexpected counts steps=%d all=%d", steps.count(), all.count())
	}
	if r.Count() != 2 {
		t.Errorf("Count() = %d, want 2", r.Count())
	}

	r.Unregister("all")
	if r.HasHooksFor(EventReplanIssued) {
		t.Error("expected no hooks for replan_issued after unregister")
	}
}

func TestRegistryFailureModes(t *testing.T) {
	tests := []struct {
		mode    string
		wantErr bool
	}{
		{FailureIgnore, false},
		{FailureWarn, false},
		{FailureFail, true},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			r := NewRegistry(log.Discard())
			h := &recordingHook{name: "broken", events: []EventType{EventSessionFinish}, err: fmt.Errorf("boom")}
			if err := r.RegisterWith(h, time.Second, tt.mode); err != nil {
				t.Fatalf("RegisterWith() error = %v", err)
			}

			results, err := r.Trigger(context.Background(), NewEvent(EventSessionFinish, "s", nil))
			if (err != nil) != tt.wantErr {
				t.Errorf("Trigger() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(results) != 1 || results[0].Success {
				t.Errorf("expected one failed result, got %+v", results)
			}
		})
	}

	r := NewRegistry(log.Discard())
	if err := r.RegisterWith(&recordingHook{name: "x"}, 0, "explode"); err == nil {
		t.Error("expected invalid failure mode error")
	}
}

func TestRegistryHookTimeout(t *testing.T) {
	r := NewRegistry(log.Discard())
	slow := &recordingHook{name: "slow", events: []EventType{EventSessionStart}, delay: time.Second}
	if err := r.RegisterWith(slow, 20*time.Millisecond, FailureWarn); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	results, _ := r.Trigger(context.Background(), NewEvent(EventSessionStart, "s", nil))
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("hook timeout not enforced, took %s", time.Since(start))
	}
	if results[0].Success {
		t.Error("timed out hook must not succeed")
	}
}

func TestRegisterFromConfig(t *testing.T) {
	r := NewRegistry(log.Discard())

	if err := r.RegisterFromConfig(&HookConfig{Name: "off", Type: "log", Enabled: false}); err != nil {
		t.Fatalf("disabled hook should be skipped: %v", err)
	}
	if err := r.RegisterFromConfig(&HookConfig{Name: "progress", Type: "log", Enabled: true}); err != nil {
		t.Fatalf("RegisterFromConfig() error = %v", err)
	}
	if err := r.RegisterFromConfig(&HookConfig{Name: "x", Type: "carrier-pigeon", Enabled: true}); err == nil {
		t.Error("expected unknown hook type error")
	}
	if err := r.RegisterFromConfig(&HookConfig{Name: "w", Type: "webhook", Enabled: true}); err == nil {
		t.Error("expected missing url error")
	}

	if got := r.Names(); len(got) != 1 || got[0] != "progress" {
		t.Errorf("Names() = %v, want [progress]", got)
	}
	if !r.HasHooksFor(EventAnomalyDetected) {
		t.Error("log hook without events should subscribe to all events")
	}
}

func TestAttachDispatchesStreamEvents(t *testing.T) {
	stream := NewStream()
	r := NewRegistry(log.Discard())
	h := &recordingHook{name: "rec", events: []EventType{EventStepTransition}}
	if err := r.Register(h); err != nil {
		t.Fatal(err)
	}

	stop := r.Attach(context.Background(), stream)
	for i := 0; i < 5; i++ {
		stream.Publish(NewEvent(EventStepTransition, "s", map[string]any{"i": i}))
	}
	stream.Publish(NewEvent(EventSessionFinish, "s", nil))
	stop()

	if h.count() != 5 {
		t.Errorf("hook saw %d events, want 5", h.count())
	}
}

func TestLogHookWritesEvent(t *testing.T) {
	var buf bytes.Buffer
	cfg := log.DefaultConfig()
	cfg.Output = &buf
	cfg.Format = log.FormatJSON
	cfg.Level = log.LevelDebug

	h, err := NewLogHook(&HookConfig{Name: "log", Config: map[string]any{"level": "debug"}}, log.New(cfg))
	if err != nil {
		t.Fatal(err)
	}
	ev := NewEvent(EventAnomalyDetected, "s1", map[string]any{"kind": "latency"})
	ev.StepID = "E2"
	if err := h.Execute(context.Background(), ev); err != nil {
		t.Fatal(err)
	}

	out := buf.String()
	for _, want := range []string{`"event":"anomaly_detected"`, `"step_id":"E2"`, `"kind":"latency"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}

	if _, err := NewLogHook(&HookConfig{Name: "bad", Config: map[string]any{"level": "trace"}}, nil); err == nil {
		t.Error("expected unsupported level error")
	}
}

func TestWebhookHook(t *testing.T) {
	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.Header.Get("X-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		got.Store(ev)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h, err := NewWebhookHook(&HookConfig{
		Name:   "hook",
		Config: map[string]any{"url": srv.URL, "headers": map[string]any{"X-Token": "secret"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Execute(context.Background(), NewEvent(EventReplanIssued, "s9", nil)); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	ev, ok := got.Load().(Event)
	if !ok || ev.SessionID != "s9" || ev.Type != EventReplanIssued {
		t.Errorf("unexpected delivered event %+v", ev)
	}

	bad, _ := NewWebhookHook(&HookConfig{Name: "bad", Config: map[string]any{"url": srv.URL}})
	if err := bad.Execute(context.Background(), NewEvent(EventReplanIssued, "s9", nil)); err == nil {
		t.Error("expected error for non-2xx status")
	}
}
