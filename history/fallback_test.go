package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var errDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

// flakyStore stands in for a networked backend whose availability the test
// controls. While failing, every operation errors; otherwise it delegates
// to an in-memory store.
type flakyStore struct {
	inner   *MemoryStore
	failing bool
	appends int
}

func newFlakyStore() *flakyStore {
	return &flakyStore{inner: NewMemoryStore(20, time.Hour)}
}

func (f *flakyStore) Append(ctx context.Context, sessionID string, msg Message) error {
	if f.failing {
		return errDown
	}
	f.appends++
	return f.inner.Append(ctx, sessionID, msg)
}

func (f *flakyStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	if f.failing {
		return nil, errDown
	}
	return f.inner.Messages(ctx, sessionID)
}

func (f *flakyStore) Clear(ctx context.Context, sessionID string) error {
	if f.failing {
		return errDown
	}
	return f.inner.Clear(ctx, sessionID)
}

func (f *flakyStore) Count(ctx context.Context, sessionID string) (int, error) {
	if f.failing {
		return 0, errDown
	}
	return f.inner.Count(ctx, sessionID)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.failing {
		return errDown
	}
	return nil
}

func (f *flakyStore) Name() string {
	return "networked"
}

var _ Store = (*flakyStore)(nil)

func TestFallbackUsesPrimaryWhenHealthy(t *testing.T) {
	primary := newFlakyStore()
	store := NewFallbackStore(primary, NewMemoryStore(20, time.Hour), nil)
	ctx := context.Background()

	if err := store.Append(ctx, "s1", UserMessage("Hello")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if store.Degraded() {
		t.Error("expected healthy primary to keep store non-degraded")
	}
	if primary.appends != 1 {
		t.Errorf("expected 1 append on primary, got %d", primary.appends)
	}
	if got := store.Name(); got != "networked" {
		t.Errorf("expected active backend 'networked', got %q", got)
	}

	messages, err := store.Messages(ctx, "s1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "Hello" {
		t.Errorf("unexpected history through healthy primary: %+v", messages)
	}
}

func TestFallbackProbeFailureDegrades(t *testing.T) {
	primary := newFlakyStore()
	primary.failing = true
	store := NewFallbackStore(primary, NewMemoryStore(20, time.Hour), nil)
	ctx := context.Background()

	// The failed probe must not surface as an error
	if err := store.Append(ctx, "s1", UserMessage("Hello")); err != nil {
		t.Fatalf("Append should succeed via fallback, got: %v", err)
	}

	if !store.Degraded() {
		t.Error("expected store to be degraded after failed probe")
	}
	if primary.appends != 0 {
		t.Errorf("expected no appends on unreachable primary, got %d", primary.appends)
	}
	if got := store.Name(); got != "memory" {
		t.Errorf("expected active backend 'memory', got %q", got)
	}

	messages, err := store.Messages(ctx, "s1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 1 || messages[0].Content != "Hello" {
		t.Errorf("unexpected history through fallback: %+v", messages)
	}
}

// A mid-run primary failure degrades the store and replays the triggering
// append on the fallback so the caller's message is not lost.
func TestFallbackMidRunFailureReplaysAppend(t *testing.T) {
	primary := newFlakyStore()
	store := NewFallbackStore(primary, NewMemoryStore(20, time.Hour), nil)
	ctx := context.Background()

	if err := store.Append(ctx, "s1", UserMessage("one")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	primary.failing = true
	if err := store.Append(ctx, "s1", UserMessage("two")); err != nil {
		t.Fatalf("Append should succeed via fallback, got: %v", err)
	}

	if !store.Degraded() {
		t.Error("expected store to be degraded after mid-run failure")
	}

	messages, err := store.Messages(ctx, "s1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	// History written before the failure lives in the unreachable primary;
	// the fallback starts from the replayed message.
	if len(messages) != 1 || messages[0].Content != "two" {
		t.Errorf("expected only the replayed message, got %+v", messages)
	}
}

// Once degraded, the store never goes back to the primary, even if it
// recovers.
func TestFallbackDegradeIsSticky(t *testing.T) {
	primary := newFlakyStore()
	primary.failing = true
	store := NewFallbackStore(primary, NewMemoryStore(20, time.Hour), nil)
	ctx := context.Background()

	store.Append(ctx, "s1", UserMessage("during outage"))

	// Primary comes back; the decision must not be revisited
	primary.failing = false
	store.Append(ctx, "s1", UserMessage("after recovery"))

	if primary.appends != 0 {
		t.Errorf("expected recovered primary to stay unused, got %d appends", primary.appends)
	}

	messages, err := store.Messages(ctx, "s1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected both messages in fallback, got %d", len(messages))
	}
	if !store.Degraded() {
		t.Error("expected degraded state to be sticky")
	}
}

// Identical operation sequences produce identical results whether served
// by a healthy primary or by the fallback after an outage.
func TestFallbackServesSameSequenceAsPrimary(t *testing.T) {
	ctx := context.Background()

	run := func(store Store) []Message {
		for _, content := range []string{"1", "2", "3", "4", "5"} {
			if err := store.Append(ctx, "s1", Message{Role: RoleUser, Content: content}); err != nil {
				t.Fatalf("Append failed: %v", err)
			}
		}
		messages, err := store.Messages(ctx, "s1")
		if err != nil {
			t.Fatalf("Messages failed: %v", err)
		}
		return messages
	}

	healthy := NewFallbackStore(newFlakyStore(), NewMemoryStore(20, time.Hour), nil)

	down := newFlakyStore()
	down.failing = true
	degraded := NewFallbackStore(down, NewMemoryStore(20, time.Hour), nil)

	healthyMessages := run(healthy)
	degradedMessages := run(degraded)

	if len(healthyMessages) != len(degradedMessages) {
		t.Fatalf("healthy and degraded runs differ in length: %d vs %d",
			len(healthyMessages), len(degradedMessages))
	}
	for i := range healthyMessages {
		if healthyMessages[i].Content != degradedMessages[i].Content {
			t.Errorf("message %d differs: %q vs %q",
				i, healthyMessages[i].Content, degradedMessages[i].Content)
		}
	}
}

func TestFallbackWarnsExactlyOnce(t *testing.T) {
	core, observed := observer.New(zap.WarnLevel)
	logger := zap.New(core)

	primary := newFlakyStore()
	primary.failing = true
	store := NewFallbackStore(primary, NewMemoryStore(20, time.Hour), logger)
	ctx := context.Background()

	// Multiple operations after the outage must produce a single warning
	store.Append(ctx, "s1", UserMessage("a"))
	store.Messages(ctx, "s1")
	store.Count(ctx, "s1")
	store.Clear(ctx, "s1")

	warnings := observed.FilterLevelExact(zap.WarnLevel).Len()
	if warnings != 1 {
		t.Errorf("expected exactly 1 warning, got %d", warnings)
	}
}

func TestFallbackClearAndCountThroughFallback(t *testing.T) {
	primary := newFlakyStore()
	primary.failing = true
	store := NewFallbackStore(primary, NewMemoryStore(20, time.Hour), nil)
	ctx := context.Background()

	store.Append(ctx, "s1", UserMessage("a"))
	store.Append(ctx, "s1", AssistantMessage("b"))

	count, err := store.Count(ctx, "s1")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}

	if err := store.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	messages, err := store.Messages(ctx, "s1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expected empty history after clear, got %d messages", len(messages))
	}
}
