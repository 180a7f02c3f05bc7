package memory

import (
	"context"
	"sync"
	"time"

	"github.com/go-faster/errors"
)

var errLockTimeout = errors.New("lock wait timeout")

// keyedLocks is a table of exclusive locks, one per key. A slot is a
// one-element channel: sending acquires, receiving releases.
type keyedLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{slots: make(map[string]chan struct{})}
}

func (k *keyedLocks) slot(key string) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()

	ch, ok := k.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		k.slots[key] = ch
	}
	return ch
}

// acquire waits at most timeout for key. It returns errLockTimeout or the
// context error when the wait is abandoned.
func (k *keyedLocks) acquire(ctx context.Context, key string, timeout time.Duration) error {
	ch := k.slot(key)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case ch <- struct{}{}:
		return nil
	case <-t.C:
		return errLockTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (k *keyedLocks) release(key string) {
	<-k.slot(key)
}
