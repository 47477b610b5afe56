package task

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Waiter is satisfied by every *Handle[T].
type Waiter interface {
	Wait(ctx context.Context) error
}

// WaitAll waits for every handle. The first failure cancels the handles that
// are still outstanding and is returned.
func WaitAll(ctx context.Context, handles ...Waiter) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		if h == nil {
			continue
		}
		g.Go(func() error { return h.Wait(gctx) })
	}
	return g.Wait()
}
