// Package chat orchestrates conversations over a provider and a store.
//
// Information Hiding:
// - How the prompt is assembled from stored history
// - When a turn is committed to history
// - Partial-reply commit semantics on stop

package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/richinex/chatcore/history"
	"github.com/richinex/chatcore/llm"
)

// Service ties a model provider to a history store. One Service handles any
// number of sessions; per-session state lives entirely in the store.
type Service struct {
	provider     llm.Provider
	store        history.Store
	logger       *zap.Logger
	systemPrompt string
}

// NewService creates a chat service over the given provider and store.
func NewService(provider llm.Provider, store history.Store) *Service {
	return &Service{
		provider: provider,
		store:    store,
		logger:   zap.NewNop(),
	}
}

// WithLogger sets the logger (default is a no-op logger).
func (s *Service) WithLogger(logger *zap.Logger) *Service {
	if logger != nil {
		s.logger = logger
	}
	return s
}

// WithSystemPrompt sets an instruction message prepended to every prompt.
// The system prompt is not persisted to history.
func (s *Service) WithSystemPrompt(prompt string) *Service {
	s.systemPrompt = prompt
	return s
}

// Provider returns the underlying model provider.
func (s *Service) Provider() llm.Provider {
	return s.provider
}

// Store returns the underlying history store.
func (s *Service) Store() history.Store {
	return s.store
}

// History returns the stored conversation for a session.
func (s *Service) History(ctx context.Context, sessionID string) ([]history.Message, error) {
	return s.store.Messages(ctx, sessionID)
}

// Clear deletes the stored conversation for a session.
func (s *Service) Clear(ctx context.Context, sessionID string) error {
	return s.store.Clear(ctx, sessionID)
}

// prompt loads the session's history and converts it to the model wire
// shape, prepending the system prompt when one is configured.
func (s *Service) prompt(ctx context.Context, sessionID string) ([]llm.ChatMessage, error) {
	stored, err := s.store.Messages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	messages := make([]llm.ChatMessage, 0, len(stored)+1)
	if s.systemPrompt != "" {
		messages = append(messages, llm.SystemMessage(s.systemPrompt))
	}
	for _, msg := range stored {
		messages = append(messages, llm.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return messages, nil
}

// Send runs one blocking turn: the user text is appended to history, the
// full conversation is sent to the model, and the reply is appended and
// returned. On model failure the user message stays in history but no
// assistant turn is persisted; the returned error is a categorized *Error.
func (s *Service) Send(ctx context.Context, sessionID, text string) (history.Message, error) {
	if err := s.store.Append(ctx, sessionID, history.UserMessage(text)); err != nil {
		return history.Message{}, fmt.Errorf("append user message: %w", err)
	}

	messages, err := s.prompt(ctx, sessionID)
	if err != nil {
		return history.Message{}, err
	}

	resp, err := s.provider.Complete(ctx, messages)
	if err != nil {
		cerr := Categorize(err)
		s.logger.Error("model completion failed",
			zap.String("provider", s.provider.Name()),
			zap.String("category", string(cerr.Category)),
			zap.Error(err))
		return history.Message{}, cerr
	}

	reply := history.AssistantMessage(resp.Content)
	if err := s.store.Append(ctx, sessionID, reply); err != nil {
		return history.Message{}, fmt.Errorf("append assistant message: %w", err)
	}

	if resp.Usage != nil {
		s.logger.Debug("completion finished",
			zap.String("provider", s.provider.Name()),
			zap.Uint32("prompt_tokens", resp.Usage.PromptTokens),
			zap.Uint32("completion_tokens", resp.Usage.CompletionTokens))
	}
	return reply, nil
}

// Stream runs one streaming turn. Each text fragment is passed to onChunk
// as it arrives and accumulated locally; the accumulated text is committed
// to history as a single assistant message once the stream completes.
//
// Stopping: cancelling ctx, or returning an error from onChunk, halts
// consumption and commits exactly the text delivered so far as the
// assistant's message. A stop before the first fragment commits nothing
// and returns an error wrapping context.Canceled. A provider failure
// mid-stream persists nothing and returns a categorized *Error.
func (s *Service) Stream(ctx context.Context, sessionID, text string, onChunk func(string) error) (history.Message, error) {
	if err := s.store.Append(ctx, sessionID, history.UserMessage(text)); err != nil {
		return history.Message{}, fmt.Errorf("append user message: %w", err)
	}

	messages, err := s.prompt(ctx, sessionID)
	if err != nil {
		return history.Message{}, err
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan string)
	errCh := make(chan error, 1)
	go func() {
		_, err := s.provider.StreamComplete(streamCtx, messages, chunks)
		close(chunks)
		errCh <- err
	}()

	var buf strings.Builder
	stopped := false
	for chunk := range chunks {
		if stopped {
			continue // drain so the producer can exit
		}
		if err := onChunk(chunk); err != nil {
			// Chunk never reached the caller; the partial reply ends
			// at the previous fragment.
			stopped = true
			cancel()
			continue
		}
		buf.WriteString(chunk)
	}
	streamErr := <-errCh

	stoppedByUser := stopped ||
		errors.Is(streamErr, context.Canceled) ||
		errors.Is(ctx.Err(), context.Canceled)

	if streamErr != nil && !stoppedByUser {
		cerr := Categorize(streamErr)
		s.logger.Error("model stream failed",
			zap.String("provider", s.provider.Name()),
			zap.String("category", string(cerr.Category)),
			zap.Int("partial_bytes", buf.Len()),
			zap.Error(streamErr))
		return history.Message{}, cerr
	}

	if stoppedByUser && buf.Len() == 0 {
		return history.Message{}, fmt.Errorf("stream stopped before any reply: %w", context.Canceled)
	}

	reply := history.AssistantMessage(buf.String())

	// A user stop usually arrives as a cancelled ctx; committing through it
	// would fail (and spuriously degrade a fallback store), so the commit
	// runs detached from the cancellation.
	commitCtx := ctx
	if stoppedByUser {
		commitCtx = context.WithoutCancel(ctx)
	}
	if err := s.store.Append(commitCtx, sessionID, reply); err != nil {
		return history.Message{}, fmt.Errorf("append assistant message: %w", err)
	}

	if stoppedByUser {
		s.logger.Info("stream stopped, partial reply committed",
			zap.String("provider", s.provider.Name()),
			zap.Int("bytes", buf.Len()))
	}
	return reply, nil
}
