// Package cache implements the content-addressed result cache shared by every
// transmit process on a machine.
//
// The cache directory holds a sqlite database with the completed-transforms
// table, the in-flight submission ledger and the codegen cache, plus one
// subdirectory per request ID for downloaded files. Every database mutation
// runs while holding a cross-process file lock, serializing access between
// goroutines of this process and other processes sharing the directory.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/gofrs/flock"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/veloxdata/transmit/internal/logger"
	"github.com/veloxdata/transmit/pkg/models"
)

// SubmissionState is the outcome of TryBeginSubmission.
type SubmissionState int

const (
	// Begin means the caller owns the submission for this fingerprint and
	// must call RecordSubmitted or EndSubmission.
	Begin SubmissionState = iota

	// Pending means another caller owns the submission but the remote has
	// not assigned a request ID yet; wait with AwaitRequestID.
	Pending

	// AlreadySubmitted means the submission already has a request ID,
	// returned alongside this state.
	AlreadySubmitted
)

// Config contains cache configuration.
type Config struct {
	// Dir is the cache directory. Created if missing.
	// Default: $XDG_CACHE_HOME/transmit.
	Dir string

	// IgnoreCache disables Lookup globally; submissions still record.
	IgnoreCache bool

	// LedgerPollInterval is the sleep between AwaitRequestID attempts.
	// Default: 1s.
	LedgerPollInterval time.Duration

	// CodegenTTL is how long a cached codegen list stays fresh.
	// Default: 5 minutes.
	CodegenTTL time.Duration
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Dir == "" {
		cacheDir := os.Getenv("XDG_CACHE_HOME")
		if cacheDir == "" {
			homeDir, _ := os.UserHomeDir()
			cacheDir = filepath.Join(homeDir, ".cache")
		}
		c.Dir = filepath.Join(cacheDir, "transmit")
	}
	if c.LedgerPollInterval == 0 {
		c.LedgerPollInterval = time.Second
	}
	if c.CodegenTTL == 0 {
		c.CodegenTTL = 5 * time.Minute
	}
}

// Cache is the process-shared transform result store.
//
// Safe for concurrent use by multiple goroutines and by multiple processes
// sharing the same directory.
type Cache struct {
	config Config
	db     *gorm.DB
	flk    *flock.Flock

	// ignoreDepth > 0 bypasses Lookup for the duration of an Ignore scope.
	ignoreDepth atomic.Int32
}

// Open creates (or opens) the cache in cfg.Dir.
func Open(cfg Config) (*Cache, error) {
	cfg.ApplyDefaults()

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	// WAL for concurrent readers, busy timeout so a sibling process holding
	// a write does not fail us immediately.
	dsn := filepath.Join(cfg.Dir, "transmit.db") + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	if err := db.AutoMigrate(allTables()...); err != nil {
		return nil, fmt.Errorf("failed to migrate cache schema: %w", err)
	}

	return &Cache{
		config: cfg,
		db:     db,
		flk:    flock.New(filepath.Join(cfg.Dir, ".lock")),
	}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.config.Dir
}

// Close releases the database connection.
func (c *Cache) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ignore suppresses cache lookups until the returned restore function is
// called. Scopes nest.
func (c *Cache) Ignore() func() {
	c.ignoreDepth.Add(1)
	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			c.ignoreDepth.Add(-1)
		}
	}
}

func (c *Cache) ignoring() bool {
	return c.config.IgnoreCache || c.ignoreDepth.Load() > 0
}

// withLock runs fn while holding the cross-process file lock.
func (c *Cache) withLock(ctx context.Context, fn func(tx *gorm.DB) error) error {
	locked, err := c.flk.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to acquire cache lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("failed to acquire cache lock")
	}
	defer func() {
		if err := c.flk.Unlock(); err != nil {
			logger.Warn("failed to release cache lock", logger.Err(err))
		}
	}()

	return fn(c.db.WithContext(ctx))
}

// Lookup returns the persisted record for the fingerprint, or ErrNotFound.
// Returns ErrNotFound unconditionally while an ignore override is active.
func (c *Cache) Lookup(ctx context.Context, fingerprint string) (*models.TransformedResult, error) {
	if c.ignoring() {
		return nil, ErrNotFound
	}

	var result *models.TransformedResult
	err := c.withLock(ctx, func(tx *gorm.DB) error {
		var rows []transformRecord
		if err := tx.Where("fingerprint = ?", fingerprint).Find(&rows).Error; err != nil {
			return err
		}
		switch len(rows) {
		case 0:
			return ErrNotFound
		case 1:
			result = fromRecord(&rows[0])
			return nil
		default:
			return fmt.Errorf("%w: fingerprint %s has %d rows", ErrCacheCorruption, fingerprint, len(rows))
		}
	})
	return result, err
}

// LookupByRequestID returns the persisted record for the request ID.
func (c *Cache) LookupByRequestID(ctx context.Context, requestID string) (*models.TransformedResult, error) {
	var result *models.TransformedResult
	err := c.withLock(ctx, func(tx *gorm.DB) error {
		var rows []transformRecord
		if err := tx.Where("request_id = ?", requestID).Find(&rows).Error; err != nil {
			return err
		}
		switch len(rows) {
		case 0:
			return ErrNotFound
		case 1:
			result = fromRecord(&rows[0])
			return nil
		default:
			return fmt.Errorf("%w: request_id %s has %d rows", ErrCacheCorruption, requestID, len(rows))
		}
	})
	return result, err
}

// TryBeginSubmission atomically claims the submission for a fingerprint.
//
// If no ledger entry exists, one is created and Begin is returned: the
// caller owns the remote submission. Otherwise Pending or AlreadySubmitted
// describes how far the owner got.
func (c *Cache) TryBeginSubmission(ctx context.Context, fingerprint string) (SubmissionState, string, error) {
	var state SubmissionState
	var requestID string

	err := c.withLock(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var entry inflightSubmission
			err := tx.Where("fingerprint = ?", fingerprint).First(&entry).Error
			switch {
			case err == nil:
				if entry.RequestID != "" {
					state = AlreadySubmitted
					requestID = entry.RequestID
				} else {
					state = Pending
				}
				return nil
			case errors.Is(err, gorm.ErrRecordNotFound):
				state = Begin
				return tx.Create(&inflightSubmission{
					Fingerprint: fingerprint,
					CreatedAt:   time.Now(),
				}).Error
			default:
				return err
			}
		})
	})
	return state, requestID, err
}

// RecordSubmitted promotes the ledger entry with the remote request ID.
func (c *Cache) RecordSubmitted(ctx context.Context, fingerprint, requestID string) error {
	return c.withLock(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&inflightSubmission{}).
			Where("fingerprint = ?", fingerprint).
			Update("request_id", requestID)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return fmt.Errorf("no in-flight entry for fingerprint %s", fingerprint)
		}
		return nil
	})
}

// EndSubmission removes the ledger entry after a failed submission so a
// retry is not poisoned. Owner only.
func (c *Cache) EndSubmission(ctx context.Context, fingerprint string) error {
	return c.withLock(ctx, func(tx *gorm.DB) error {
		return tx.Where("fingerprint = ?", fingerprint).Delete(&inflightSubmission{}).Error
	})
}

// AwaitRequestID polls the ledger until the owning submitter records a
// request ID, sleeping LedgerPollInterval between attempts.
//
// If the ledger entry disappears without an ID, the owner either persisted a
// completed record already (return its ID) or its submission failed (error,
// so the caller can claim the submission itself).
func (c *Cache) AwaitRequestID(ctx context.Context, fingerprint string) (string, error) {
	for {
		var requestID string
		var present bool
		err := c.withLock(ctx, func(tx *gorm.DB) error {
			var entry inflightSubmission
			err := tx.Where("fingerprint = ?", fingerprint).First(&entry).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			present = true
			requestID = entry.RequestID
			return nil
		})
		if err != nil {
			return "", err
		}
		if requestID != "" {
			return requestID, nil
		}
		if !present {
			if rec, err := c.Lookup(ctx, fingerprint); err == nil {
				return rec.RequestID, nil
			}
			return "", fmt.Errorf("submission for fingerprint %s was abandoned", fingerprint)
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.config.LedgerPollInterval):
		}
	}
}

// Persist inserts the completed record and clears the ledger entry.
//
// Fails with ErrCacheCorruption if a row already exists for the fingerprint
// or request ID; the at-most-one-execution invariant means that must never
// happen.
func (c *Cache) Persist(ctx context.Context, rec *models.TransformedResult) error {
	return c.withLock(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var count int64
			if err := tx.Model(&transformRecord{}).
				Where("fingerprint = ? OR request_id = ?", rec.Fingerprint, rec.RequestID).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("%w: persist would duplicate fingerprint %s", ErrCacheCorruption, rec.Fingerprint)
			}
			if err := tx.Create(toRecord(rec)).Error; err != nil {
				return err
			}
			return tx.Where("fingerprint = ?", rec.Fingerprint).Delete(&inflightSubmission{}).Error
		})
	})
}

// Update overwrites the persisted record for rec.Fingerprint, e.g. to add
// signed URLs to a record previously cached only with local paths.
func (c *Cache) Update(ctx context.Context, rec *models.TransformedResult) error {
	return c.withLock(ctx, func(tx *gorm.DB) error {
		var existing transformRecord
		if err := tx.Where("fingerprint = ?", rec.Fingerprint).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		updated := toRecord(rec)
		updated.ID = existing.ID
		updated.CreatedAt = existing.CreatedAt
		return tx.Save(updated).Error
	})
}

// DeleteByRequestID removes the record and any ledger entry for the request,
// so a retry after a hard failure starts clean.
func (c *Cache) DeleteByRequestID(ctx context.Context, requestID string) error {
	return c.withLock(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			var rows []transformRecord
			if err := tx.Where("request_id = ?", requestID).Find(&rows).Error; err != nil {
				return err
			}
			for _, row := range rows {
				if err := tx.Where("fingerprint = ?", row.Fingerprint).Delete(&inflightSubmission{}).Error; err != nil {
					return err
				}
			}
			return tx.Where("request_id = ?", requestID).Delete(&transformRecord{}).Error
		})
	})
}

// DeleteByFingerprint removes the record and ledger entry for a fingerprint.
func (c *Cache) DeleteByFingerprint(ctx context.Context, fingerprint string) error {
	return c.withLock(ctx, func(db *gorm.DB) error {
		return db.Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("fingerprint = ?", fingerprint).Delete(&inflightSubmission{}).Error; err != nil {
				return err
			}
			return tx.Where("fingerprint = ?", fingerprint).Delete(&transformRecord{}).Error
		})
	})
}

// PathForTransform returns (creating if needed) the download directory for a
// request ID.
func (c *Cache) PathForTransform(requestID string) (string, error) {
	dir := filepath.Join(c.config.Dir, requestID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create transform directory: %w", err)
	}
	return dir, nil
}

// CachedTransforms returns every persisted record, newest first.
func (c *Cache) CachedTransforms(ctx context.Context) ([]*models.TransformedResult, error) {
	var results []*models.TransformedResult
	err := c.withLock(ctx, func(tx *gorm.DB) error {
		var rows []transformRecord
		if err := tx.Order("created_at DESC").Find(&rows).Error; err != nil {
			return err
		}
		results = make([]*models.TransformedResult, 0, len(rows))
		for i := range rows {
			results = append(results, fromRecord(&rows[i]))
		}
		return nil
	})
	return results, err
}

// CodegensFor returns the cached codegen list for a backend and whether it
// is still fresh.
func (c *Cache) CodegensFor(ctx context.Context, backend string) ([]string, bool, error) {
	var names []string
	var fresh bool
	err := c.withLock(ctx, func(tx *gorm.DB) error {
		var row codegenRecord
		err := tx.Where("backend = ?", backend).First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		names = decodeStrings(row.Codegens)
		fresh = time.Since(row.FetchedAt) < c.config.CodegenTTL
		return nil
	})
	return names, fresh, err
}

// StoreCodegens upserts the codegen list for a backend.
func (c *Cache) StoreCodegens(ctx context.Context, backend string, names []string) error {
	return c.withLock(ctx, func(tx *gorm.DB) error {
		row := codegenRecord{
			Backend:   backend,
			Codegens:  encodeStrings(names),
			FetchedAt: time.Now(),
		}
		return tx.Save(&row).Error
	})
}
