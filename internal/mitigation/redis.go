package mitigation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps mitigations as JSON strings with a native TTL, so
// every engine instance sees the same blocks and Redis drops them on
// expiry even when no instance is running.
type RedisStore struct {
	client *redis.Client
	prefix string
	clock  clockwork.Clock
}

// NewRedisStore creates a store on an existing client. Keys are
// "<prefix>:mitigation:<kind>:<target>".
func NewRedisStore(client *redis.Client, prefix string, clock clockwork.Clock) *RedisStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if prefix == "" {
		prefix = "abuseguard"
	}
	return &RedisStore{client: client, prefix: prefix, clock: clock}
}

func (s *RedisStore) key(kind Kind, target string) string {
	return fmt.Sprintf("%s:mitigation:%s:%s", s.prefix, kind, target)
}

func (s *RedisStore) Put(ctx context.Context, m Mitigation) error {
	ttl := m.ExpiresAt.Sub(s.clock.Now())
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal mitigation: %w", err)
	}
	if err := s.client.Set(ctx, s.key(m.Kind, m.Target), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store mitigation: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, kind Kind, target string) (Mitigation, bool, error) {
	data, err := s.client.Get(ctx, s.key(kind, target)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Mitigation{}, false, nil
	}
	if err != nil {
		return Mitigation{}, false, fmt.Errorf("failed to get mitigation: %w", err)
	}
	var m Mitigation
	if err := json.Unmarshal(data, &m); err != nil {
		return Mitigation{}, false, fmt.Errorf("failed to unmarshal mitigation: %w", err)
	}
	return m, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, kind Kind, target string) (bool, error) {
	n, err := s.client.Del(ctx, s.key(kind, target)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete mitigation: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired deletes under WATCH, so a refresh written by another
// instance between the read and the delete aborts the transaction and
// the refreshed entry is returned instead.
func (s *RedisStore) DeleteExpired(ctx context.Context, kind Kind, target string, now time.Time) (Mitigation, bool, error) {
	key := s.key(kind, target)
	var (
		m       Mitigation
		removed bool
	)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		m, removed = Mitigation{}, false
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &m); err != nil {
			return fmt.Errorf("failed to unmarshal mitigation: %w", err)
		}
		if !m.Expired(now) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		removed = true
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		current, _, err := s.Get(ctx, kind, target)
		return current, false, err
	}
	if err != nil {
		return Mitigation{}, false, fmt.Errorf("failed to delete expired mitigation: %w", err)
	}
	return m, removed, nil
}

func (s *RedisStore) List(ctx context.Context, kind Kind) ([]Mitigation, error) {
	var out []Mitigation
	iter := s.client.Scan(ctx, 0, s.key(kind, "*"), 100).Iterator()
	for iter.Next(ctx) {
		data, err := s.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get mitigation: %w", err)
		}
		var m Mitigation
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mitigation: %w", err)
		}
		out = append(out, m)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan mitigations: %w", err)
	}
	sortByTarget(out)
	return out, nil
}
