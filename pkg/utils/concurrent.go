package utils

import (
	"context"
	"sync"
)

// ConcurrentExecutor runs error-only tasks with bounded parallelism.
type ConcurrentExecutor struct {
	limit int
}

// NewConcurrentExecutor bounds parallelism at maxConcurrency, or at
// GetSemaphoreLimit when maxConcurrency <= 0.
func NewConcurrentExecutor(maxConcurrency int) *ConcurrentExecutor {
	return &ConcurrentExecutor{limit: maxConcurrency}
}

// Execute runs functions and returns their errors by position. A panic in a
// function is returned as a *PanicError in its slot.
func (e *ConcurrentExecutor) Execute(ctx context.Context, functions ...func() error) []error {
	tasks := make([]func() (struct{}, error), len(functions))
	for i, fn := range functions {
		tasks[i] = func() (struct{}, error) { return struct{}{}, fn() }
	}
	_, errs := ExecuteWithResults(ctx, e.limit, tasks...)
	return errs
}

// ExecuteWithResults runs functions at most maxConcurrency at a time and
// returns results and errors by position. Tasks still waiting for a slot
// when ctx is done report ctx.Err().
func ExecuteWithResults[T any](ctx context.Context, maxConcurrency int, functions ...func() (T, error)) ([]T, []error) {
	if len(functions) == 0 {
		return nil, nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = GetSemaphoreLimit()
	}

	results := make([]T, len(functions))
	errs := make([]error, len(functions))
	slots := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, fn := range functions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer RecoverWithCallback(func(err error) { errs[i] = err })

			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-slots }()

			results[i], errs[i] = fn()
		}()
	}

	wg.Wait()
	return results, errs
}
