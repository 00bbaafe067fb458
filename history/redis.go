// Redis-backed conversation storage.
//
// Information Hiding:
// - Key layout and wire encoding of stored messages
// - Trim and TTL refresh mechanics (LTRIM/EXPIRE on every append)
// - Connection handling via the go-redis client

package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on a Redis list per session. Each append
// pushes one JSON-encoded entry, trims the list to the last max-turns
// entries, and resets the key's TTL.
type RedisStore struct {
	client   *redis.Client
	env      string
	maxTurns int
	ttl      time.Duration
}

// NewRedisStore creates a Redis-backed store from a connection URL
// (redis://host:port/db). The connection is established lazily; use Ping
// to probe reachability. env prefixes every key so multiple deployments
// can share one Redis instance.
func NewRedisStore(url, env string, maxTurns int, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	return &RedisStore{
		client:   redis.NewClient(opts),
		env:      env,
		maxTurns: maxTurns,
		ttl:      ttl,
	}, nil
}

// key returns the Redis key holding a session's message list.
func (s *RedisStore) key(sessionID string) string {
	return fmt.Sprintf("%s:session:%s:messages", s.env, sessionID)
}

// wireMessage is the JSON layout of one list entry.
type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	TS      int64  `json:"ts"`
}

func decodeWireMessage(data []byte) (Message, bool) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, false
	}
	if w.Role == "" {
		return Message{}, false
	}

	msg := Message{Role: Role(w.Role), Content: w.Content}
	if w.TS > 0 {
		msg.Timestamp = time.Unix(w.TS, 0).UTC()
	}
	return msg, true
}

// Append pushes the message, trims to max turns, and refreshes the TTL.
func (s *RedisStore) Append(ctx context.Context, sessionID string, msg Message) error {
	msg.Role = NormalizeRole(msg.Role)
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	data, err := json.Marshal(wireMessage{
		Role:    string(msg.Role),
		Content: msg.Content,
		TS:      ts.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	key := s.key(sessionID)

	if err := s.client.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	if s.maxTurns > 0 {
		if err := s.client.LTrim(ctx, key, int64(-s.maxTurns), -1).Err(); err != nil {
			return fmt.Errorf("failed to trim history: %w", err)
		}
	}

	if s.ttl > 0 {
		if err := s.client.Expire(ctx, key, s.ttl).Err(); err != nil {
			return fmt.Errorf("failed to refresh ttl: %w", err)
		}
	}

	return nil
}

// Messages returns the session's history. Malformed list entries are
// skipped rather than failing the whole read.
func (s *RedisStore) Messages(ctx context.Context, sessionID string) ([]Message, error) {
	items, err := s.client.LRange(ctx, s.key(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	messages := make([]Message, 0, len(items))
	for _, item := range items {
		msg, ok := decodeWireMessage([]byte(item))
		if !ok {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Clear deletes the session's history key.
func (s *RedisStore) Clear(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// Count returns the number of stored messages.
func (s *RedisStore) Count(ctx context.Context, sessionID string) (int, error) {
	n, err := s.client.LLen(ctx, s.key(sessionID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return int(n), nil
}

// Ping checks Redis reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis unreachable: %w", err)
	}
	return nil
}

// Name returns the backend label.
func (s *RedisStore) Name() string {
	return "redis"
}

// Close releases the client's connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Verify RedisStore implements Store
var _ Store = (*RedisStore)(nil)
