package service

import (
	"context"
	"sync"
	"sync/atomic"
)

// runWorkerPool applies fn to every item using up to slots goroutines and sums
// the returned error counts. The second result reports whether ctx ended
// before every item was handed out.
func runWorkerPool[T any](ctx context.Context, slots int, items []T, fn func(context.Context, T) int) (int, bool) {
	if ctx == nil {
		ctx = context.Background()
	}
	if slots <= 1 || len(items) <= 1 {
		total := 0
		for _, item := range items {
			if ctx.Err() != nil {
				return total, true
			}
			total += fn(ctx, item)
		}
		return total, false
	}
	if slots > len(items) {
		slots = len(items)
	}

	tasks := make(chan T)
	var (
		wg      sync.WaitGroup
		total   atomic.Int64
		aborted bool
	)
	for i := 0; i < slots; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range tasks {
				total.Add(int64(fn(ctx, item)))
			}
		}()
	}
	for _, item := range items {
		if ctx.Err() != nil {
			aborted = true
			break
		}
		tasks <- item
	}
	close(tasks)
	wg.Wait()
	return int(total.Load()), aborted
}

func sanitizeSlot(value int) int {
	if value <= 0 {
		return 1
	}
	return value
}
