package chat

import (
	"context"
	"sync"

	"github.com/ashureev/coursechat/internal/domain"
)

// keyLocks serializes turns on the same session slot within one process.
// Entries are dropped once no turn holds or waits for them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[domain.SessionKey]*keyLock
}

// keyLock is a one-slot semaphore so waiters can give up on ctx.
type keyLock struct {
	sem  chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[domain.SessionKey]*keyLock)}
}

// Lock blocks until key is free or ctx is done. On success it returns the
// matching unlock func.
func (k *keyLocks) Lock(ctx context.Context, key domain.SessionKey) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	return func() {
		<-l.sem
		k.release(key, l)
	}, nil
}

func (k *keyLocks) release(key domain.SessionKey, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyLocks) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
