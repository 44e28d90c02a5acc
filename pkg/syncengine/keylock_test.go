package syncengine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
)

func TestKeyLocksSerializeSameKey(t *testing.T) {
	locks := newKeyLocks()
	key := syncstore.StateKey{Instance: "A", Session: testSession, Graph: testGraph}

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := locks.Lock(context.Background(), key)
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside)
	assert.Zero(t, locks.size())
}

func TestKeyLocksIndependentKeys(t *testing.T) {
	locks := newKeyLocks()
	ctx := context.Background()

	unlockA, err := locks.Lock(ctx, syncstore.StateKey{Instance: "A", Session: testSession, Graph: "g1"})
	require.NoError(t, err)
	defer unlockA()

	done := make(chan struct{})
	go func() {
		defer close(done)
		unlockB, err := locks.Lock(ctx, syncstore.StateKey{Instance: "A", Session: testSession, Graph: "g2"})
		if assert.NoError(t, err) {
			unlockB()
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on another key blocked")
	}
}

func TestKeyLocksHonorContext(t *testing.T) {
	locks := newKeyLocks()
	key := syncstore.StateKey{Instance: "A", Session: testSession, Graph: testGraph}

	unlock, err := locks.Lock(context.Background(), key)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = locks.Lock(ctx, key)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, locks.size(), "the holder keeps its entry")

	unlock()
	assert.Zero(t, locks.size())

	unlock, err = locks.Lock(context.Background(), key)
	require.NoError(t, err)
	unlock()
}
