// Fallback backend selection for conversation storage.
//
// Information Hiding:
// - When the reachability probe runs and how long it waits
// - The stickiness of the degrade decision
// - Which backend served any given call

package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// probeTimeout bounds the first-use reachability check.
const probeTimeout = 3 * time.Second

// FallbackStore serves history from a preferred backend until the first
// sign of trouble, then switches to a fallback for the remainder of the
// process lifetime. The switch is one-way: once degraded there is no
// re-probe or promotion back, and backend errors stop reaching callers.
type FallbackStore struct {
	primary  Store
	fallback Store
	logger   *zap.Logger

	mu       sync.Mutex
	probed   bool
	degraded bool
}

// NewFallbackStore wraps primary with fallback. The primary is probed on
// first use, not at construction. A nil logger disables the warning.
func NewFallbackStore(primary, fallback Store, logger *zap.Logger) *FallbackStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
	}
}

// active runs the one-time reachability probe and returns the store that
// should serve the next call.
func (s *FallbackStore) active(ctx context.Context) Store {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.probed && !s.degraded {
		s.probed = true
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := s.primary.Ping(probeCtx)
		cancel()
		if err != nil {
			s.degradeLocked("ping", err)
		}
	}

	if s.degraded {
		return s.fallback
	}
	return s.primary
}

func (s *FallbackStore) degrade(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.degradeLocked(op, err)
}

func (s *FallbackStore) degradeLocked(op string, err error) {
	if s.degraded {
		return
	}
	s.degraded = true
	s.logger.Warn("history backend unreachable, continuing with in-memory fallback for this run",
		zap.String("backend", s.primary.Name()),
		zap.String("op", op),
		zap.Error(err))
}

// Append writes through the active backend. A primary failure degrades the
// store and replays the append on the fallback so the message is not lost.
func (s *FallbackStore) Append(ctx context.Context, sessionID string, msg Message) error {
	store := s.active(ctx)
	err := store.Append(ctx, sessionID, msg)
	if err == nil || store == s.fallback {
		return err
	}

	s.degrade("append", err)
	return s.fallback.Append(ctx, sessionID, msg)
}

// Messages reads from the active backend, degrading on primary failure.
func (s *FallbackStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	store := s.active(ctx)
	messages, err := store.Messages(ctx, sessionID)
	if err == nil || store == s.fallback {
		return messages, err
	}

	s.degrade("read", err)
	return s.fallback.Messages(ctx, sessionID)
}

// Clear clears on the active backend, degrading on primary failure.
func (s *FallbackStore) Clear(ctx context.Context, sessionID string) error {
	store := s.active(ctx)
	err := store.Clear(ctx, sessionID)
	if err == nil || store == s.fallback {
		return err
	}

	s.degrade("clear", err)
	return s.fallback.Clear(ctx, sessionID)
}

// Count counts on the active backend, degrading on primary failure.
func (s *FallbackStore) Count(ctx context.Context, sessionID string) (int, error) {
	store := s.active(ctx)
	count, err := store.Count(ctx, sessionID)
	if err == nil || store == s.fallback {
		return count, err
	}

	s.degrade("count", err)
	return s.fallback.Count(ctx, sessionID)
}

// Ping probes the active backend, degrading on primary failure.
func (s *FallbackStore) Ping(ctx context.Context) error {
	store := s.active(ctx)
	err := store.Ping(ctx)
	if err == nil || store == s.fallback {
		return err
	}

	s.degrade("ping", err)
	return s.fallback.Ping(ctx)
}

// Name returns the label of the backend currently serving calls. It does
// not trigger the probe.
func (s *FallbackStore) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.degraded {
		return s.fallback.Name()
	}
	return s.primary.Name()
}

// Degraded reports whether the store has switched to the fallback.
func (s *FallbackStore) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

// Verify FallbackStore implements Store
var _ Store = (*FallbackStore)(nil)
