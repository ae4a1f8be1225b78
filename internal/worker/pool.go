package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Pool bounds how many items are handled at once.
type Pool struct {
	Workers int
	Log     *zap.Logger
}

// Run hands items to at most p.Workers goroutines and waits for them.
// Once ctx is done no further item is started; items already started run
// to completion on a context that ignores ctx's cancellation. It returns
// the number of items started.
func Run[T any](ctx context.Context, p Pool, items []T, handle func(ctx context.Context, item T)) int {
	if len(items) == 0 {
		return 0
	}

	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	var (
		wg       sync.WaitGroup
		started  atomic.Int64
		jobs     = make(chan T)
		detached = context.WithoutCancel(ctx)
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(id int) {
			defer wg.Done()

			for item := range jobs {
				if ctx.Err() != nil {
					log.Debug("skipping item after cancellation", zap.Int("worker_id", id))
					continue
				}

				started.Add(1)
				handle(detached, item)
			}
		}(i)
	}

feed:
	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break feed
		case jobs <- item:
		}
	}
	close(jobs)
	wg.Wait()

	return int(started.Load())
}
