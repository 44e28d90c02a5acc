package syncengine

import (
	"context"
	"sync"

	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
)

// keyLocks serializes work per sync key. Holders of different keys never
// wait on each other; entries are dropped once nobody holds or waits.
type keyLocks struct {
	mu    sync.Mutex
	locks map[syncstore.StateKey]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[syncstore.StateKey]*keyLock)}
}

// Lock blocks until key is held or ctx is done. The returned func releases.
func (k *keyLocks) Lock(ctx context.Context, key syncstore.StateKey) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			k.release(key, l)
		}, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyLocks) release(key syncstore.StateKey, l *keyLock) {
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
