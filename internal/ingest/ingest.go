// Package ingest drives the chart ingestion pipeline: duplicate scope
// checking, conflict policy resolution, entity resolution, entry writing, and
// the batch orchestration that ties the stages together.
//
// Ordering inside one ingestion call is fixed and load-bearing: artists are
// resolved before tracks, tracks before entries, because each later stage
// consumes ids produced by the earlier one. Concurrency appears only as
// bounded fan-out inside a batch; batches run one after another to bound the
// load on the store.
package ingest

import (
	"context"
	"sync"
)

// Logger is the minimal logging interface used by the pipeline.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

const (
	// defaultBatchSize is how many canonical rows one batch carries.
	defaultBatchSize = 50
	// defaultFanOut bounds concurrent track resolutions and entry writes
	// within a batch.
	defaultFanOut = 10
)

// runFanOut runs fn(i) for every i in [0, n) across at most width goroutines.
//
// First error wins: once any call fails, remaining indices are drained
// without running fn, and the recorded error is returned after all workers
// finish. fn must write its output to caller-owned, index-addressed storage,
// which keeps the workers lock-free.
func runFanOut(ctx context.Context, n, width int, fn func(ctx context.Context, i int) error) error {
	if n == 0 {
		return nil
	}
	if width <= 0 {
		width = defaultFanOut
	}
	if width > n {
		width = n
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	errCh := make(chan error, 1)
	setErr := func(err error) {
		if err == nil {
			return
		}
		select {
		case errCh <- err:
			cancel(err)
		default:
			// First error wins.
		}
	}

	idxCh := make(chan int)

	var wg sync.WaitGroup
	wg.Add(width)
	for w := 0; w < width; w++ {
		go func() {
			defer wg.Done()
			for i := range idxCh {
				select {
				case <-ctx.Done():
					continue
				default:
				}
				setErr(fn(ctx, i))
			}
		}()
	}

	for i := 0; i < n; i++ {
		idxCh <- i
	}
	close(idxCh)
	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}
