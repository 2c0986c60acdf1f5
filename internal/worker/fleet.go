package worker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Fleet runs N Runners sharing a process, coordinated through a single
// errgroup so cancelling one context stops every worker's loop and
// drives its worker_destroy before the process exits (spec §5
// "Cancellation").
type Fleet struct {
	runners []*Runner
}

// NewFleet groups runners into a single fleet.
func NewFleet(runners ...*Runner) *Fleet {
	return &Fleet{runners: runners}
}

// Run starts every runner and blocks until ctx is cancelled or a
// runner returns an error, at which point the group context is
// cancelled for the rest.
func (f *Fleet) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range f.runners {
		r := r
		g.Go(func() error {
			return r.Run(gctx)
		})
	}
	return g.Wait()
}
