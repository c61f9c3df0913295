package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps window state in Redis hashes so multiple gateway
// instances share one admission budget per credential. Updates use
// optimistic WATCH transactions; contention on the same credential
// retries until the transaction commits.
type RedisStore struct {
	client *redis.Client
	// ttl bounds how long idle state lingers; it must exceed the
	// window length or active windows would be evicted mid-flight.
	ttl time.Duration
}

// NewRedisStore creates a Redis-backed state store.
func NewRedisStore(client *redis.Client, window time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: 2 * window}
}

const maxTxRetries = 10

func stateKey(credential string) string {
	return "ratelimit:window:" + credential
}

// Update applies fn inside a WATCH/MULTI transaction on the
// credential's key.
func (s *RedisStore) Update(ctx context.Context, credential string, fn func(WindowState) WindowState) error {
	key := stateKey(credential)

	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return err
		}

		state := decodeState(fields)
		state = fn(state)

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"start", state.WindowStart.UnixNano(),
				"count", state.Count,
			)
			pipe.Expire(ctx, key, s.ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			continue
		}
		return fmt.Errorf("failed to update rate limit state: %w", err)
	}
	return fmt.Errorf("rate limit update for %q did not commit after %d attempts", credential, maxTxRetries)
}

func decodeState(fields map[string]string) WindowState {
	var state WindowState
	if raw, ok := fields["start"]; ok {
		if ns, err := strconv.ParseInt(raw, 10, 64); err == nil && ns > 0 {
			state.WindowStart = time.Unix(0, ns)
		}
	}
	if raw, ok := fields["count"]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			state.Count = n
		}
	}
	return state
}
