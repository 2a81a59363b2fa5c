package remote

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Backfill fetches a set of individual companies through a bounded worker
// pool. All workers go through the client's shared pacing state, so a 429 seen
// by one throttles the rest. Failures are collected per record; a failed id
// never aborts the others.
func (c *Client) Backfill(ctx context.Context, externalIDs []int64, workers int) ([]Company, []FetchFailure) {
	if workers <= 0 {
		workers = 4
	}

	var (
		mu       sync.Mutex
		fetched  []Company
		failures []FetchFailure
	)

	g := new(errgroup.Group)
	g.SetLimit(workers)
	for _, id := range externalIDs {
		g.Go(func() error {
			record, attempts, err := c.FetchOne(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, FetchFailure{
					ExternalID: id,
					Reason:     err.Error(),
					Attempts:   attempts,
				})
				return nil
			}
			fetched = append(fetched, record)
			return nil
		})
	}
	_ = g.Wait()

	return fetched, failures
}
