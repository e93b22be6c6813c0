package utils

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedLocksTryLock(t *testing.T) {
	l := NewKeyedLocks()
	unlock, ok := l.TryLock("a@main")
	require.True(t, ok)
	_, ok = l.TryLock("a@main")
	assert.False(t, ok)
	unlockB, ok := l.TryLock("b@main")
	require.True(t, ok)
	unlock()
	unlockB()
	assert.Equal(t, 0, l.Size())
}

func TestKeyedLocksLockWaits(t *testing.T) {
	l := NewKeyedLocks()
	unlock := l.Lock("rel-1")

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		release := l.Lock("rel-1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second Lock returned while the key was held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	wg.Wait()
	assert.Equal(t, 0, l.Size())
}
