package keylock

import (
	"context"
	"errors"
	"time"
)

// Locker claims named leases. Implementations must make a lease exclusive across every worker
// that shares the Locker's backend; ttl bounds how long a crashed holder can keep it.
type Locker interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Local is a Locker for a single process. The ttl is ignored; leases end on release.
type Local struct {
	keys *Keyed[string]
}

// NewLocal returns an in-process Locker.
func NewLocal() *Local {
	return &Local{keys: New[string]()}
}

func (l *Local) TryAcquire(_ context.Context, key string, _ time.Duration) (func(), bool, error) {
	release, ok := l.keys.TryLock(key)
	return release, ok, nil
}

// ErrWaitExpired is returned by AcquireWithin when the lease stayed taken.
var ErrWaitExpired = errors.New("lease still held")

// AcquireWithin polls l until key is free, wait passes or ctx ends.
func AcquireWithin(ctx context.Context, l Locker, key string, ttl, wait time.Duration) (func(), error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	tick := time.NewTicker(25 * time.Millisecond)
	defer tick.Stop()
	for {
		release, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrWaitExpired
		case <-tick.C:
		}
	}
}
