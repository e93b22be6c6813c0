package utils

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteWithResultsBoundsParallelism(t *testing.T) {
	var inFlight, peak int32
	fns := make([]func() (int, error), 10)
	for i := range fns {
		fns[i] = func() (int, error) {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			if i == 3 {
				return 0, errors.New("boom")
			}
			return i * i, nil
		}
	}

	results, errs := ExecuteWithResults(context.Background(), 3, fns...)
	require.Len(t, results, 10)
	assert.Equal(t, 81, results[9])
	assert.Error(t, errs[3])
	assert.NoError(t, errs[4])
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
}

func TestExecuteWithResultsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int32
	_, errs := ExecuteWithResults(ctx, 1, func() (int, error) {
		atomic.AddInt32(&ran, 1)
		return 1, nil
	})
	require.Len(t, errs, 1)
	if errs[0] != nil {
		assert.ErrorIs(t, errs[0], context.Canceled)
		assert.Zero(t, atomic.LoadInt32(&ran))
	}
}

func TestExecuteRecoversPanics(t *testing.T) {
	errs := NewConcurrentExecutor(2).Execute(context.Background(),
		func() error { return nil },
		func() error { panic("worker exploded") },
	)
	require.Len(t, errs, 2)
	assert.NoError(t, errs[0])
	var panicErr *PanicError
	assert.True(t, errors.As(errs[1], &panicErr))
	assert.Equal(t, "worker exploded", panicErr.Value)
}

func TestExecuteEmpty(t *testing.T) {
	assert.Nil(t, NewConcurrentExecutor(0).Execute(context.Background()))
}
