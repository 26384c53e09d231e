package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/veloxdata/transmit/internal/logger"
	"github.com/veloxdata/transmit/pkg/cache"
	"github.com/veloxdata/transmit/pkg/models"
	"github.com/veloxdata/transmit/pkg/objectstore"
	"github.com/veloxdata/transmit/pkg/transformapi"
)

// persistMode records which cache write this lifecycle owes at the end.
type persistMode int

const (
	// persistNew: this lifecycle owns the submission and inserts the record.
	persistNew persistMode = iota

	// persistUpdate: a cached record exists and gets topped up with the
	// missing output shape.
	persistUpdate

	// persistNone: attached to another caller's in-flight submission; the
	// owner writes the cache.
	persistNone
)

// lifecycle is the state of one Submit call.
type lifecycle struct {
	eng   *Engine
	req   *models.TransformRequest
	shape models.OutputShape

	fingerprint string
	taskName    string
	requestID   string
	mode        persistMode
	base        *models.TransformedResult
	dataDir     string
	incremental bool

	mu      sync.Mutex
	status  *models.TransformStatus
	store   *objectstore.Client
	seen    map[string]struct{}
	outputs map[string]string
	cursor  time.Time
}

// Submit runs the full lifecycle for one transform request and returns its
// execution record.
//
// Identical requests, in this process or any other sharing the cache
// directory, converge on a single remote execution: the first caller submits,
// everyone else attaches to its request ID or is served from the cache.
func (e *Engine) Submit(ctx context.Context, req *models.TransformRequest, shape models.OutputShape) (*models.TransformedResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	lc := &lifecycle{
		eng:         e,
		req:         req,
		shape:       shape,
		fingerprint: req.Fingerprint(),
		mode:        persistNew,
		seen:        make(map[string]struct{}),
		outputs:     make(map[string]string),
	}
	lc.taskName = req.Title
	if lc.taskName == "" {
		lc.taskName = lc.fingerprint[:8]
	}

	return lc.run(ctx)
}

func (lc *lifecycle) run(ctx context.Context) (*models.TransformedResult, error) {
	c := lc.eng.opts.Cache

	rec, err := c.Lookup(ctx, lc.fingerprint)
	switch {
	case err == nil:
		if rec.Reusable() && rec.HasShape(lc.shape) {
			logger.Info("transform served from cache",
				logger.Title(lc.taskName), logger.RequestID(rec.RequestID),
				logger.CacheHit(true))
			return rec, nil
		}
		if rec.Reusable() {
			// Cached in the other shape: reuse the finished transform and
			// only run the collection phase.
			lc.requestID = rec.RequestID
			lc.mode = persistUpdate
			lc.base = rec
			logger.Info("cached transform missing requested shape, collecting",
				logger.Title(lc.taskName), logger.RequestID(rec.RequestID),
				logger.Phase(lc.shape.String()))
		}
	case errors.Is(err, cache.ErrNotFound):
		// Fresh request.
	default:
		return nil, err
	}

	caps, err := lc.eng.capabilities(ctx)
	if err != nil {
		logger.Warn("failed to fetch endpoint capabilities, assuming none", logger.Err(err))
		caps = nil
	}
	lc.incremental = transformapi.HasCapability(caps, transformapi.CapLocalResults)

	if lc.requestID == "" {
		if err := lc.acquireRequest(ctx, caps); err != nil {
			return nil, err
		}
	}

	if lc.shape == models.ShapeLocalFiles {
		dir, err := c.PathForTransform(lc.requestID)
		if err != nil {
			return nil, err
		}
		lc.dataDir = dir
	}

	lc.eng.opts.Progress.TaskStarted(lc.taskName, 0)
	groupErr := lc.monitor(ctx)
	return lc.finalize(ctx, groupErr)
}

// acquireRequest obtains a request ID: by submitting (owner) or by attaching
// to another caller's in-flight submission.
func (lc *lifecycle) acquireRequest(ctx context.Context, caps []string) error {
	c := lc.eng.opts.Cache

	state, requestID, err := c.TryBeginSubmission(ctx, lc.fingerprint)
	if err != nil {
		return err
	}

	switch state {
	case cache.Begin:
		id, err := lc.submit(ctx, caps)
		if err != nil {
			if endErr := c.EndSubmission(context.WithoutCancel(ctx), lc.fingerprint); endErr != nil {
				logger.Warn("failed to clear submission ledger", logger.Err(endErr))
			}
			return err
		}
		lc.requestID = id
		return c.RecordSubmitted(ctx, lc.fingerprint, id)

	case cache.Pending:
		logger.Info("identical transform already submitting, waiting for its request id",
			logger.Title(lc.taskName), logger.Fingerprint(lc.fingerprint))
		id, err := c.AwaitRequestID(ctx, lc.fingerprint)
		if err != nil {
			return err
		}
		lc.requestID = id
		lc.mode = persistNone
		return nil

	case cache.AlreadySubmitted:
		logger.Info("attaching to in-flight transform",
			logger.Title(lc.taskName), logger.RequestID(requestID))
		lc.requestID = requestID
		lc.mode = persistNone
		return nil

	default:
		return fmt.Errorf("unexpected submission state %d", state)
	}
}

// submit validates and submits the request as the submission owner.
func (lc *lifecycle) submit(ctx context.Context, caps []string) (string, error) {
	if err := transformapi.ValidateTitle(lc.req.Title, caps); err != nil {
		return "", err
	}
	if err := lc.eng.validateCodegen(ctx, lc.req.Codegen); err != nil {
		return "", err
	}

	id, err := lc.eng.opts.API.SubmitTransform(ctx, lc.req)
	if err != nil {
		return "", err
	}

	logger.Info("transform submitted",
		logger.Title(lc.taskName), logger.RequestID(id),
		logger.Fingerprint(lc.fingerprint))
	return id, nil
}

// monitor runs the status poller and the result collector until the
// transform reaches a terminal state and every completed file is collected.
func (lc *lifecycle) monitor(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return lc.poll(gctx) })
	g.Go(func() error { return lc.collect(gctx) })
	return g.Wait()
}

// poll fetches the transform status until it is terminal. Returns nil on
// Complete and a typed error on Canceled or Fatal, which cancels the
// collector through the group context.
func (lc *lifecycle) poll(ctx context.Context) error {
	lastTotal := 0
	for {
		st, err := lc.eng.opts.API.GetTransformStatus(ctx, lc.requestID)
		if err != nil {
			return err
		}
		lc.setStatus(st)

		// Files stays zero while the dataset lookup runs; the total is
		// indeterminate until then.
		if st.Files > 0 && st.Files != lastTotal {
			lastTotal = st.Files
			lc.eng.opts.Progress.SetTotal(lc.taskName, st.Files)
		}

		if st.Status.Terminal() {
			switch st.Status {
			case models.StatusFatal:
				return &TransformFatalError{
					RequestID: lc.requestID,
					Title:     lc.taskName,
					LogURL:    st.LogURL,
				}
			case models.StatusCanceled:
				return &TransformCanceledError{RequestID: lc.requestID, Title: lc.taskName}
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lc.eng.opts.StatusPollInterval):
		}
	}
}

// collect discovers finished result files and downloads or signs each one
// exactly once. Stops when the status is terminal and every completed file
// has been collected.
func (lc *lifecycle) collect(ctx context.Context) error {
	dl, dlctx := errgroup.WithContext(ctx)

	for {
		st := lc.snapshot()
		if st != nil && st.FilesCompleted > lc.seenCount() {
			files, err := lc.discover(ctx, st)
			if err != nil {
				_ = dl.Wait()
				return err
			}
			for _, f := range files {
				file := f
				if !lc.markSeen(file.Name) {
					continue
				}
				dl.Go(func() error {
					return lc.collectOne(dlctx, file)
				})
			}
		}

		if st != nil && st.Status.Terminal() && lc.seenCount() >= st.FilesCompleted {
			break
		}

		select {
		case <-ctx.Done():
			_ = dl.Wait()
			return ctx.Err()
		case <-time.After(lc.eng.opts.ResultPollInterval):
		}
	}

	return dl.Wait()
}

// discover lists the finished files, through the incremental results API
// when the deployment supports it and by listing the output bucket
// otherwise.
func (lc *lifecycle) discover(ctx context.Context, st *models.TransformStatus) ([]models.ResultFile, error) {
	if lc.incremental {
		files, err := lc.eng.opts.API.GetTransformResults(ctx, lc.requestID, lc.cursorTime())
		if err != nil {
			return nil, err
		}
		lc.advanceCursor(files)
		return files, nil
	}

	store, err := lc.storeClient(ctx, st)
	if err != nil {
		return nil, err
	}
	if store == nil {
		// Status document does not carry bucket coordinates yet.
		return nil, nil
	}
	return store.ListObjects(ctx, lc.requestID)
}

// collectOne downloads or signs a single result file and records the output.
func (lc *lifecycle) collectOne(ctx context.Context, file models.ResultFile) error {
	st := lc.snapshot()
	store, err := lc.storeClient(ctx, st)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("no object store coordinates for transform %s", lc.requestID)
	}

	var output string
	if lc.shape == models.ShapeSignedURLs {
		output, err = store.SignURL(ctx, lc.requestID, file.Name)
	} else {
		output, err = store.Download(ctx, lc.requestID, file.Name, lc.dataDir, file.Size)
	}
	if err != nil {
		return err
	}

	lc.recordOutput(file.Name, output)
	lc.eng.opts.Progress.Advance(lc.taskName, 1)
	return nil
}

// finalize turns the monitor outcome into the caller-visible result,
// performing the cache write or cleanup this lifecycle owes.
func (lc *lifecycle) finalize(ctx context.Context, groupErr error) (*models.TransformedResult, error) {
	c := lc.eng.opts.Cache
	st := lc.snapshot()

	if groupErr != nil {
		lc.eng.opts.Progress.Done(lc.taskName, false)
		lc.ownerCleanup(ctx)
		return nil, groupErr
	}

	rec := lc.buildRecord(st)

	if st.FilesFailed > 0 {
		lc.eng.opts.Progress.Done(lc.taskName, false)
		lc.ownerCleanup(ctx)
		if !lc.eng.opts.AllowIncomplete {
			return nil, &PartialFailureError{
				RequestID: lc.requestID,
				Title:     lc.taskName,
				Failed:    st.FilesFailed,
				Total:     st.Files,
				LogURL:    st.LogURL,
			}
		}
		logger.Warn("transform completed with failed files, returning partial result",
			logger.Title(lc.taskName), logger.RequestID(lc.requestID),
			logger.Err(fmt.Errorf("%d of %d files failed", st.FilesFailed, st.Files)))
		return rec, nil
	}

	switch lc.mode {
	case persistNew:
		if err := c.Persist(ctx, rec); err != nil {
			return nil, err
		}
	case persistUpdate:
		if err := c.Update(ctx, rec); err != nil {
			return nil, err
		}
	case persistNone:
		// The submission owner writes the cache.
	}

	lc.eng.opts.Progress.Done(lc.taskName, true)
	logger.Info("transform complete",
		logger.Title(lc.taskName), logger.RequestID(lc.requestID),
		logger.Phase(lc.shape.String()))
	return rec, nil
}

// buildRecord assembles the execution record from the final status and the
// collected outputs, merging any pre-existing cached record on a top-up.
func (lc *lifecycle) buildRecord(st *models.TransformStatus) *models.TransformedResult {
	rec := &models.TransformedResult{
		Fingerprint:  lc.fingerprint,
		Title:        lc.req.Title,
		Codegen:      lc.req.Codegen,
		RequestID:    lc.requestID,
		ResultFormat: lc.req.ResultFormat,
	}
	if lc.base != nil {
		*rec = *lc.base
	}
	if st != nil {
		rec.SubmitTime = st.SubmitTime
		rec.Files = st.Files
		rec.FilesFailed = st.FilesFailed
		rec.LogURL = st.LogURL
	}

	if lc.shape == models.ShapeSignedURLs {
		rec.SignedURLList = lc.outputList()
	} else {
		rec.FileList = lc.outputList()
		rec.DataDir = lc.dataDir
	}
	return rec
}

// ownerCleanup removes the ledger entry and any cache rows after a failed or
// partial run. Only the submission owner cleans up; attached lifecycles must
// never delete state the owner still depends on.
func (lc *lifecycle) ownerCleanup(ctx context.Context) {
	if lc.mode != persistNew {
		return
	}
	ctx = context.WithoutCancel(ctx)
	c := lc.eng.opts.Cache
	if lc.requestID != "" {
		if err := c.DeleteByRequestID(ctx, lc.requestID); err != nil {
			logger.Warn("failed to delete cache rows", logger.Err(err), logger.RequestID(lc.requestID))
		}
	}
	if err := c.EndSubmission(ctx, lc.fingerprint); err != nil {
		logger.Warn("failed to clear submission ledger", logger.Err(err), logger.Fingerprint(lc.fingerprint))
	}
}

func (lc *lifecycle) setStatus(st *models.TransformStatus) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.status = st
}

func (lc *lifecycle) snapshot() *models.TransformStatus {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.status
}

// storeClient lazily builds the object store client from the bucket
// coordinates in the status document. Returns nil while the coordinates are
// not available yet.
func (lc *lifecycle) storeClient(ctx context.Context, st *models.TransformStatus) (*objectstore.Client, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.store != nil {
		return lc.store, nil
	}
	if st == nil || st.StoreEndpoint == "" {
		return nil, nil
	}
	store, err := objectstore.ForTransform(ctx, st, lc.eng.storeOptions())
	if err != nil {
		return nil, err
	}
	lc.store = store
	return store, nil
}

// markSeen returns true the first time an object name is observed.
func (lc *lifecycle) markSeen(name string) bool {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if _, ok := lc.seen[name]; ok {
		return false
	}
	lc.seen[name] = struct{}{}
	return true
}

func (lc *lifecycle) seenCount() int {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return len(lc.seen)
}

func (lc *lifecycle) recordOutput(name, output string) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.outputs[name] = output
}

// outputList returns the collected outputs ordered by object name, so the
// record is deterministic regardless of download completion order.
func (lc *lifecycle) outputList() []string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	names := make([]string, 0, len(lc.outputs))
	for name := range lc.outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	outputs := make([]string, len(names))
	for i, name := range names {
		outputs[i] = lc.outputs[name]
	}
	return outputs
}

func (lc *lifecycle) cursorTime() time.Time {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.cursor
}

// advanceCursor moves the incremental results cursor to the newest file seen,
// so the next query only returns files recorded after it.
func (lc *lifecycle) advanceCursor(files []models.ResultFile) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	for _, f := range files {
		if f.CreatedAt.After(lc.cursor) {
			lc.cursor = f.CreatedAt
		}
	}
}
