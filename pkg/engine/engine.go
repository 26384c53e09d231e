// Package engine drives transform requests through their full lifecycle:
// cache lookup, deduplicated submission, status polling, bounded result
// collection and cache persistence.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/veloxdata/transmit/internal/logger"
	"github.com/veloxdata/transmit/pkg/cache"
	"github.com/veloxdata/transmit/pkg/objectstore"
	"github.com/veloxdata/transmit/pkg/transformapi"
)

// Options configures an Engine.
type Options struct {
	// API is the transform service client. Required.
	API *transformapi.Client

	// Cache is the shared local result cache. Required.
	Cache *cache.Cache

	// Limits bounds object store concurrency across every lifecycle this
	// engine runs. A private set is created when nil.
	Limits *objectstore.Limits

	// StatusPollInterval is the delay between status polls. Default: 5s.
	StatusPollInterval time.Duration

	// ResultPollInterval is the delay between result discovery passes.
	// Default: 5s.
	ResultPollInterval time.Duration

	// AllowIncomplete returns partial results instead of failing when a
	// transform completes with failed files. Partial results are never
	// written to the cache either way.
	AllowIncomplete bool

	// ShortenNames always applies filename shortening to downloads.
	ShortenNames bool

	// SignExpiry is the lifetime of presigned result URLs.
	SignExpiry time.Duration

	// Progress receives lifecycle progress events. Default: NopSink.
	Progress ProgressSink

	// StoreMetrics is handed to every object store client.
	StoreMetrics objectstore.Metrics
}

func (o *Options) applyDefaults() {
	if o.Limits == nil {
		o.Limits = objectstore.NewLimits(0, 0)
	}
	if o.StatusPollInterval == 0 {
		o.StatusPollInterval = 5 * time.Second
	}
	if o.ResultPollInterval == 0 {
		o.ResultPollInterval = 5 * time.Second
	}
	if o.Progress == nil {
		o.Progress = NopSink{}
	}
}

// Engine runs transform lifecycles against one service endpoint.
//
// Safe for concurrent use; RunAll drives many lifecycles over the same
// engine and they share its semaphores, capability snapshot and cache.
type Engine struct {
	opts Options

	capsOnce sync.Once
	caps     []string
	capsErr  error
}

// New creates an Engine.
func New(opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{opts: opts}
}

// capabilities fetches the deployment capability flags once per engine.
func (e *Engine) capabilities(ctx context.Context) ([]string, error) {
	e.capsOnce.Do(func() {
		e.caps, e.capsErr = e.opts.API.GetCapabilities(ctx)
		if e.capsErr == nil {
			logger.Debug("fetched endpoint capabilities", "capabilities", e.caps)
		}
	})
	return e.caps, e.capsErr
}

// validateCodegen checks the request's code generator against the deployed
// set, served from the cache when the cached list is under its TTL.
func (e *Engine) validateCodegen(ctx context.Context, codegen string) error {
	backend := e.opts.API.URL()

	names, fresh, err := e.opts.Cache.CodegensFor(ctx, backend)
	if err != nil || !fresh {
		fetched, fetchErr := e.opts.API.GetCodeGenerators(ctx)
		if fetchErr != nil {
			// A stale cached list beats failing the submission outright.
			if len(names) == 0 {
				return fetchErr
			}
		} else {
			names = fetched
			if storeErr := e.opts.Cache.StoreCodegens(ctx, backend, names); storeErr != nil {
				logger.Warn("failed to cache codegen list", logger.Err(storeErr))
			}
		}
	}

	for _, name := range names {
		if name == codegen {
			return nil
		}
	}
	return &UnknownCodegenError{Codegen: codegen, Available: names}
}

// storeOptions builds the object store options for one lifecycle.
func (e *Engine) storeOptions() objectstore.Options {
	return objectstore.Options{
		Limits:       e.opts.Limits,
		ShortenNames: e.opts.ShortenNames,
		SignExpiry:   e.opts.SignExpiry,
		Metrics:      e.opts.StoreMetrics,
	}
}
