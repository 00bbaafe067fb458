package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/richinex/chatcore/history"
	"github.com/richinex/chatcore/llm"
)

// fakeProvider is a scriptable Provider. Complete returns reply; stream
// turns deliver chunks in order and then return err (nil for a clean
// finish). With hang set, the stream blocks after the last chunk until the
// context is cancelled, standing in for a model that is still generating.
type fakeProvider struct {
	reply  string
	chunks []string
	err    error
	hang   bool

	gotMessages []llm.ChatMessage
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Model() string { return "fake-model" }

func (p *fakeProvider) Complete(ctx context.Context, messages []llm.ChatMessage) (llm.Response, error) {
	p.gotMessages = messages
	if p.err != nil {
		return llm.Response{}, p.err
	}
	return llm.Response{Content: p.reply}, nil
}

func (p *fakeProvider) StreamComplete(ctx context.Context, messages []llm.ChatMessage, chunks chan<- string) (*llm.TokenUsage, error) {
	p.gotMessages = messages
	for _, chunk := range p.chunks {
		select {
		case chunks <- chunk:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, p.err
}

var _ llm.Provider = (*fakeProvider)(nil)

// strictStore refuses writes on a cancelled context, the way a networked
// backend would. It exposes whether commits survive a user stop.
type strictStore struct {
	inner history.Store
}

func (s *strictStore) Append(ctx context.Context, sessionID string, msg history.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.inner.Append(ctx, sessionID, msg)
}

func (s *strictStore) Messages(ctx context.Context, sessionID string) ([]history.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.inner.Messages(ctx, sessionID)
}

func (s *strictStore) Clear(ctx context.Context, sessionID string) error {
	return s.inner.Clear(ctx, sessionID)
}

func (s *strictStore) Count(ctx context.Context, sessionID string) (int, error) {
	return s.inner.Count(ctx, sessionID)
}

func (s *strictStore) Ping(ctx context.Context) error { return s.inner.Ping(ctx) }

func (s *strictStore) Name() string { return s.inner.Name() }

var _ history.Store = (*strictStore)(nil)

func newTestStore() *history.MemoryStore {
	return history.NewMemoryStore(20, time.Hour)
}

func TestSendPersistsBothTurns(t *testing.T) {
	store := newTestStore()
	svc := NewService(&fakeProvider{reply: "Hi there"}, store)
	ctx := context.Background()

	reply, err := svc.Send(ctx, "s1", "Hello")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if reply.Role != history.RoleAssistant {
		t.Errorf("reply role = %q, want assistant", reply.Role)
	}
	if reply.Content != "Hi there" {
		t.Errorf("reply content = %q, want %q", reply.Content, "Hi there")
	}

	messages, err := store.Messages(ctx, "s1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("stored %d messages, want 2", len(messages))
	}
	if messages[0].Role != history.RoleUser || messages[0].Content != "Hello" {
		t.Errorf("first entry = %+v, want user Hello", messages[0])
	}
	if messages[1].Role != history.RoleAssistant || messages[1].Content != "Hi there" {
		t.Errorf("second entry = %+v, want assistant Hi there", messages[1])
	}
}

func TestSendPromptIncludesHistoryAndSystemPrompt(t *testing.T) {
	store := newTestStore()
	ctx := context.Background()
	if err := store.Append(ctx, "s1", history.UserMessage("One")); err != nil {
		t.Fatalf("seed append failed: %v", err)
	}
	if err := store.Append(ctx, "s1", history.AssistantMessage("Two")); err != nil {
		t.Fatalf("seed append failed: %v", err)
	}

	provider := &fakeProvider{reply: "Four"}
	svc := NewService(provider, store).WithSystemPrompt("Be brief.")

	if _, err := svc.Send(ctx, "s1", "Three"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(provider.gotMessages) != len(wantRoles) {
		t.Fatalf("prompt had %d messages, want %d", len(provider.gotMessages), len(wantRoles))
	}
	for i, want := range wantRoles {
		if provider.gotMessages[i].Role != want {
			t.Errorf("prompt[%d].Role = %q, want %q", i, provider.gotMessages[i].Role, want)
		}
	}
	if provider.gotMessages[0].Content != "Be brief." {
		t.Errorf("system prompt = %q, want %q", provider.gotMessages[0].Content, "Be brief.")
	}
	if last := provider.gotMessages[3].Content; last != "Three" {
		t.Errorf("last prompt message = %q, want %q", last, "Three")
	}
}

func TestSendProviderFailureKeepsUserTurnOnly(t *testing.T) {
	store := newTestStore()
	provider := &fakeProvider{err: &openai.APIError{HTTPStatusCode: 401, Message: "bad key"}}
	svc := NewService(provider, store)
	ctx := context.Background()

	_, err := svc.Send(ctx, "s1", "Hello")
	if err == nil {
		t.Fatal("expected an error")
	}

	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T, want *chat.Error", err)
	}
	if cerr.Category != CategoryAuth {
		t.Errorf("category = %q, want %q", cerr.Category, CategoryAuth)
	}

	count, err := store.Count(ctx, "s1")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("stored %d messages after failed turn, want 1 (user only)", count)
	}
}

func TestStreamCommitsWholeReply(t *testing.T) {
	store := newTestStore()
	svc := NewService(&fakeProvider{chunks: []string{"Hel", "lo", " there"}}, store)
	ctx := context.Background()

	var forwarded string
	reply, err := svc.Stream(ctx, "s1", "Hi", func(chunk string) error {
		forwarded += chunk
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if reply.Content != "Hello there" {
		t.Errorf("reply = %q, want %q", reply.Content, "Hello there")
	}
	if forwarded != "Hello there" {
		t.Errorf("forwarded = %q, want %q", forwarded, "Hello there")
	}

	messages, _ := store.Messages(ctx, "s1")
	if len(messages) != 2 {
		t.Fatalf("stored %d messages, want 2", len(messages))
	}
	if messages[1].Content != "Hello there" {
		t.Errorf("committed reply = %q, want %q", messages[1].Content, "Hello there")
	}
}

// Refusing a chunk stops the stream; the committed assistant message is
// exactly the text delivered before the refusal, and the conversation
// grows by exactly one entry.
func TestStreamStopAfterPartialCommitsExactly(t *testing.T) {
	store := newTestStore()
	svc := NewService(&fakeProvider{chunks: []string{"Hello ", "wor", "ld"}}, store)
	ctx := context.Background()

	delivered := 0
	reply, err := svc.Stream(ctx, "s1", "Hi", func(chunk string) error {
		delivered++
		if delivered > 2 {
			return errors.New("client went away")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if reply.Content != "Hello wor" {
		t.Errorf("committed partial = %q, want %q", reply.Content, "Hello wor")
	}

	count, _ := store.Count(ctx, "s1")
	if count != 2 {
		t.Errorf("stored %d messages, want 2 (one user, one partial assistant)", count)
	}
}

// Cancelling the context mid-stream commits the partial text even though
// the backend refuses writes on cancelled contexts.
func TestStreamCancelCommitsPartial(t *testing.T) {
	store := &strictStore{inner: newTestStore()}
	svc := NewService(&fakeProvider{chunks: []string{"Hello ", "wor"}, hang: true}, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := 0
	reply, err := svc.Stream(ctx, "s1", "Hi", func(chunk string) error {
		seen++
		if seen == 2 {
			cancel()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}

	if reply.Content != "Hello wor" {
		t.Errorf("committed partial = %q, want %q", reply.Content, "Hello wor")
	}

	messages, err := store.Messages(context.Background(), "s1")
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("stored %d messages, want 2", len(messages))
	}
	if messages[1].Role != history.RoleAssistant || messages[1].Content != "Hello wor" {
		t.Errorf("committed entry = %+v, want assistant %q", messages[1], "Hello wor")
	}
}

func TestStreamStopBeforeFirstChunkCommitsNothing(t *testing.T) {
	store := newTestStore()
	svc := NewService(&fakeProvider{hang: true}, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Stream(ctx, "s1", "Hi", func(string) error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled in chain", err)
	}

	count, _ := store.Count(context.Background(), "s1")
	if count != 1 {
		t.Errorf("stored %d messages, want 1 (user only)", count)
	}
}

func TestStreamProviderFailureBeforeFirstChunk(t *testing.T) {
	store := newTestStore()
	provider := &fakeProvider{err: &openai.APIError{HTTPStatusCode: 429}}
	svc := NewService(provider, store)
	ctx := context.Background()

	_, err := svc.Stream(ctx, "s1", "Hi", func(string) error { return nil })
	if err == nil {
		t.Fatal("expected an error")
	}

	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T, want *chat.Error", err)
	}
	if cerr.Category != CategoryRateLimit {
		t.Errorf("category = %q, want %q", cerr.Category, CategoryRateLimit)
	}

	count, _ := store.Count(ctx, "s1")
	if count != 1 {
		t.Errorf("stored %d messages, want 1 (user only)", count)
	}
}

// A provider failure mid-stream is not a user stop: the partial text is
// dropped, not committed.
func TestStreamProviderFailureDropsPartial(t *testing.T) {
	store := newTestStore()
	provider := &fakeProvider{
		chunks: []string{"half a reply"},
		err:    errors.New("read tcp 10.0.0.1:443: connection reset by peer"),
	}
	svc := NewService(provider, store)
	ctx := context.Background()

	_, err := svc.Stream(ctx, "s1", "Hi", func(string) error { return nil })
	if err == nil {
		t.Fatal("expected an error")
	}

	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("error type = %T, want *chat.Error", err)
	}
	if cerr.Category != CategoryConnection {
		t.Errorf("category = %q, want %q", cerr.Category, CategoryConnection)
	}

	count, _ := store.Count(ctx, "s1")
	if count != 1 {
		t.Errorf("stored %d messages, want 1 (partial must not be committed)", count)
	}
}

func TestHistoryAndClearDelegate(t *testing.T) {
	store := newTestStore()
	svc := NewService(&fakeProvider{reply: "ok"}, store)
	ctx := context.Background()

	if _, err := svc.Send(ctx, "s1", "Hello"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	messages, err := svc.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(messages) != 2 {
		t.Errorf("History returned %d messages, want 2", len(messages))
	}

	if err := svc.Clear(ctx, "s1"); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	messages, err = svc.History(ctx, "s1")
	if err != nil {
		t.Fatalf("History after Clear failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("History after Clear returned %d messages, want 0", len(messages))
	}
}
