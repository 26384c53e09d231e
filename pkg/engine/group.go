package engine

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/veloxdata/transmit/pkg/models"
)

// GroupResult is the outcome of one request in a group run, at the same
// index as its request in the input slice. Exactly one of Result and Err is
// set.
type GroupResult struct {
	Request *models.TransformRequest
	Result  *models.TransformedResult
	Err     error
}

// RunAll runs every request concurrently and returns one result per request,
// order preserved. All lifecycles share the engine's object store semaphores,
// so total download and listing concurrency stays bounded no matter how many
// requests the group carries.
//
// With isolateFailures set, one request failing never disturbs its siblings;
// each slot carries its own outcome. Without it, the first failure cancels
// every other lifecycle and the canceled slots report context errors.
func (e *Engine) RunAll(ctx context.Context, reqs []*models.TransformRequest, shape models.OutputShape, isolateFailures bool) []GroupResult {
	results := make([]GroupResult, len(reqs))

	g, gctx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		i, req := i, req
		results[i].Request = req
		g.Go(func() error {
			rec, err := e.Submit(gctx, req, shape)
			results[i].Result = rec
			results[i].Err = err
			if isolateFailures {
				return nil
			}
			return err
		})
	}
	_ = g.Wait()

	return results
}
