package syncrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meridian-erp/corebridge/internal/companies"
)

// ErrSyncInProgress indicates another run already holds the namespace lock.
var ErrSyncInProgress = errors.New("syncrun: another sync run is in progress")

// LockKey builds the redis key guarding sync runs for a namespace.
func LockKey(ns companies.Namespace) string {
	return fmt.Sprintf("sync:run:%s:lock", ns)
}

// releaseScript deletes the lock only if this run still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunLock serializes sync runs per namespace. The reconciler's
// snapshot-then-diff is not safe under concurrent mutation of the same rows,
// so at most one run may hold a namespace at a time.
type RunLock struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRunLock constructs a RunLock. The TTL bounds how long a crashed run can
// wedge the namespace.
func NewRunLock(client *redis.Client, ttl time.Duration) *RunLock {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RunLock{client: client, ttl: ttl}
}

// Acquire takes the namespace lock and returns its release func, or
// ErrSyncInProgress when already held.
func (l *RunLock) Acquire(ctx context.Context, ns companies.Namespace) (func(), error) {
	key := LockKey(ns)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("syncrun: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrSyncInProgress
	}

	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(releaseCtx, l.client, []string{key}, token).Err()
	}
	return release, nil
}
