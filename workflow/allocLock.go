package workflow

import (
	"context"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"github.com/bsm/redislock"
)

var (
	skuLocksMu sync.Mutex
	skuLocks   = map[string]*sync.Mutex{}
)

// lockSku serializes allocations for one SKU. The in-process mutex always
// applies; when redis is configured a cross-instance lock is layered on top so
// two service replicas cannot allocate the same SKU concurrently.
func lockSku(ctx context.Context, sku string) (func(), error) {
	skuLocksMu.Lock()
	mu, ok := skuLocks[sku]
	if !ok {
		mu = &sync.Mutex{}
		skuLocks[sku] = mu
	}
	skuLocksMu.Unlock()
	mu.Lock()

	locker := config.GetRedisLock()
	if locker == nil {
		return mu.Unlock, nil
	}

	lock, err := locker.Obtain(ctx, "allocate:"+sku, 30*time.Second, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(200*time.Millisecond), 50),
	})
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	return func() {
		_ = lock.Release(ctx)
		mu.Unlock()
	}, nil
}
