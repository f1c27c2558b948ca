package collector

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"agromet/internal/types"
)

// CancelFlag is the shared stop signal for a running session. It is a
// string key in Redis with a TTL so an orphaned flag cannot block future
// runs forever. Producers and the consumer poll it at every suspension
// point.
type CancelFlag struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCancelFlag creates a CancelFlag store with the given TTL.
func NewCancelFlag(rdb *redis.Client, ttl time.Duration) *CancelFlag {
	return &CancelFlag{rdb: rdb, ttl: ttl}
}

func cancelKey(sessionID string) string {
	return "collector:cancel:" + sessionID
}

// Set raises the flag for a session.
func (f *CancelFlag) Set(ctx context.Context, sessionID string) error {
	if err := f.rdb.Set(ctx, cancelKey(sessionID), "1", f.ttl).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to set cancel flag", err)
	}
	return nil
}

// IsSet reports whether the flag is raised. A Redis outage reads as "not
// cancelled": the run carries on and can still be stopped by killing it.
func (f *CancelFlag) IsSet(ctx context.Context, sessionID string) bool {
	_, err := f.rdb.Get(ctx, cancelKey(sessionID)).Result()
	return err == nil
}

// Clear lowers the flag, typically after the session reached a terminal
// state.
func (f *CancelFlag) Clear(ctx context.Context, sessionID string) error {
	if err := f.rdb.Del(ctx, cancelKey(sessionID)).Err(); err != nil {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "failed to clear cancel flag", err)
	}
	return nil
}
