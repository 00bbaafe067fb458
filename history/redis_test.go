package history

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestRedisKeyIncludesEnvironmentPrefix(t *testing.T) {
	store, err := NewRedisStore("redis://localhost:6379/0", "dev", 20, time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	got := store.key("abc123")
	want := "dev:session:abc123:messages"
	if got != want {
		t.Errorf("key() = %q, want %q", got, want)
	}
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore("localhost:6379", "dev", 20, time.Hour)
	if err == nil {
		t.Error("expected error for URL without redis:// scheme, got nil")
	}
}

func TestDecodeWireMessage(t *testing.T) {
	msg, ok := decodeWireMessage([]byte(`{"role":"assistant","content":"hi","ts":1735689600}`))
	if !ok {
		t.Fatal("expected valid entry to decode")
	}
	if msg.Role != RoleAssistant {
		t.Errorf("expected role assistant, got %s", msg.Role)
	}
	if msg.Content != "hi" {
		t.Errorf("expected content 'hi', got %q", msg.Content)
	}
	if msg.Timestamp.Unix() != 1735689600 {
		t.Errorf("expected ts 1735689600, got %d", msg.Timestamp.Unix())
	}
}

// Malformed list entries are skipped on read, not surfaced as errors.
func TestDecodeWireMessageRejectsMalformed(t *testing.T) {
	cases := []string{
		`not json at all`,
		`{"content":"missing role"}`,
		`[]`,
	}
	for _, raw := range cases {
		if _, ok := decodeWireMessage([]byte(raw)); ok {
			t.Errorf("expected %q to be rejected", raw)
		}
	}
}

// TestRedisStoreRoundTrip exercises a real Redis server when one is
// available. Set CHATCORE_TEST_REDIS to its URL to enable.
func TestRedisStoreRoundTrip(t *testing.T) {
	url := os.Getenv("CHATCORE_TEST_REDIS")
	if url == "" {
		t.Skip("CHATCORE_TEST_REDIS not set - skipping live Redis test")
	}

	store, err := NewRedisStore(url, "test", 3, time.Hour)
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := store.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	sid := "roundtrip-test"
	if err := store.Clear(ctx, sid); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	for _, content := range []string{"1", "2", "3", "4", "5"} {
		if err := store.Append(ctx, sid, UserMessage(content)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	messages, err := store.Messages(ctx, sid)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 messages after trim, got %d", len(messages))
	}
	for i, want := range []string{"3", "4", "5"} {
		if messages[i].Content != want {
			t.Errorf("message %d: expected %q, got %q", i, want, messages[i].Content)
		}
	}

	count, err := store.Count(ctx, sid)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected count 3, got %d", count)
	}

	if err := store.Clear(ctx, sid); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	messages, err = store.Messages(ctx, sid)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expected empty history after clear, got %d messages", len(messages))
	}
}
