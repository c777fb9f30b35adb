// Package state holds the shared reconciliation signal in Redis so every
// process (API, workers, reconciler) sees the same flag.
package state

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	neededKey = "dnsforge:sync:needed"
	syncedKey = "dnsforge:sync:synced"
)

// RedisSyncState implements ports.SyncState on two Redis counters: Raise
// bumps the needed counter, MarkSynced records the counter value a completed
// pass observed. A raise landing mid-pass keeps needed ahead of synced, so
// the signal survives the pass that was already running.
type RedisSyncState struct {
	client *redis.Client
}

func NewRedisSyncState(addr string, password string, db int) *RedisSyncState {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisSyncState{client: rdb}
}

// NewRedisSyncStateFromClient wraps an existing client, used by tests.
func NewRedisSyncStateFromClient(client *redis.Client) *RedisSyncState {
	return &RedisSyncState{client: client}
}

func (s *RedisSyncState) Raise(ctx context.Context) error {
	return s.client.Incr(ctx, neededKey).Err()
}

func (s *RedisSyncState) Version(ctx context.Context) (int64, error) {
	return s.counter(ctx, neededKey)
}

func (s *RedisSyncState) MarkSynced(ctx context.Context, version int64) error {
	return s.client.Set(ctx, syncedKey, strconv.FormatInt(version, 10), 0).Err()
}

func (s *RedisSyncState) NeedsSync(ctx context.Context) (bool, error) {
	needed, err := s.counter(ctx, neededKey)
	if err != nil {
		return false, err
	}
	synced, err := s.counter(ctx, syncedKey)
	if err != nil {
		return false, err
	}
	return needed > synced, nil
}

func (s *RedisSyncState) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSyncState) counter(ctx context.Context, key string) (int64, error) {
	val, err := s.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return val, err
}
