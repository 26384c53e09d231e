// Package objectstore accesses the S3-compatible bucket a transform writes
// its output into.
//
// Each transform gets one bucket, named after the request ID, with
// credentials delivered in the transform status document. All clients share
// two weighted semaphores so a request group cannot exceed the configured
// download and listing concurrency no matter how many lifecycles run.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/sync/semaphore"

	"github.com/veloxdata/transmit/internal/logger"
	"github.com/veloxdata/transmit/pkg/models"
)

// Limits bounds concurrent object store operations. One Limits value is
// shared by every client in a request group.
type Limits struct {
	downloads *semaphore.Weighted
	listings  *semaphore.Weighted
}

// NewLimits creates shared concurrency limits. Zero values select the
// defaults (10 downloads, 5 listings).
func NewLimits(maxDownloads, maxListings int64) *Limits {
	if maxDownloads <= 0 {
		maxDownloads = 10
	}
	if maxListings <= 0 {
		maxListings = 5
	}
	return &Limits{
		downloads: semaphore.NewWeighted(maxDownloads),
		listings:  semaphore.NewWeighted(maxListings),
	}
}

// Options configures a Client beyond the per-transform credentials.
type Options struct {
	// Limits are the shared semaphores. Required for group use; a private
	// set is created when nil.
	Limits *Limits

	// ShortenNames applies the deterministic filename shortening to every
	// downloaded object, not just ones exceeding the path budget.
	ShortenNames bool

	// MaxRetries is the retry attempt bound for transient errors.
	// Default: 3.
	MaxRetries int

	// SignExpiry is the lifetime of presigned URLs. Default: 1h.
	SignExpiry time.Duration

	// Metrics is an optional metrics collector.
	Metrics Metrics
}

func (o *Options) applyDefaults() {
	if o.Limits == nil {
		o.Limits = NewLimits(0, 0)
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.SignExpiry == 0 {
		o.SignExpiry = time.Hour
	}
	if o.Metrics == nil {
		o.Metrics = NopMetrics{}
	}
}

// Client performs bounded, retrying list/download/sign operations against
// one transform's output bucket endpoint.
//
// Safe for concurrent use by multiple goroutines.
type Client struct {
	s3      *s3.Client
	presign *s3.PresignClient
	opts    Options
}

// New creates a client for an S3-compatible endpoint with static
// credentials. The endpoint host comes without a scheme; secured selects
// https.
func New(ctx context.Context, endpoint string, secured bool, accessKey, secretKey string, opts Options) (*Client, error) {
	opts.applyDefaults()

	scheme := "http"
	if secured {
		scheme = "https"
	}
	url := fmt.Sprintf("%s://%s", scheme, endpoint)

	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKey,
			secretKey,
			"",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load object store config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = &url
		// Bucket-per-transform stores (minio and friends) need path style
		o.UsePathStyle = true
	})

	return &Client{
		s3:      client,
		presign: s3.NewPresignClient(client),
		opts:    opts,
	}, nil
}

// ForTransform creates a client from the object store coordinates in a
// transform status document.
func ForTransform(ctx context.Context, st *models.TransformStatus, opts Options) (*Client, error) {
	if st.StoreEndpoint == "" {
		return nil, fmt.Errorf("transform status for %s carries no object store endpoint", st.RequestID)
	}
	return New(ctx, st.StoreEndpoint, st.StoreSecured, st.StoreAccessKey, st.StoreSecretKey, opts)
}

// ListObjects lists the bucket, bounded by the shared listing semaphore.
func (c *Client) ListObjects(ctx context.Context, bucket string) ([]models.ResultFile, error) {
	if err := c.opts.Limits.listings.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.opts.Limits.listings.Release(1)

	var files []models.ResultFile
	err := c.withRetry(ctx, "ListObjects", func(ctx context.Context) error {
		files = files[:0]
		paginator := s3.NewListObjectsV2Paginator(c.s3, &s3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
		})
		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				return err
			}
			for _, obj := range page.Contents {
				name := aws.ToString(obj.Key)
				if name == "" {
					continue
				}
				f := models.ResultFile{
					Name:      name,
					Size:      aws.ToInt64(obj.Size),
					Extension: extensionOf(name),
				}
				if obj.LastModified != nil {
					f.CreatedAt = *obj.LastModified
				}
				files = append(files, f)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket %q: %w", bucket, err)
	}
	return files, nil
}

// Download fetches one object into destDir, bounded by the shared download
// semaphore, and returns the local path.
//
// The transfer is idempotent: when the destination already exists with the
// expected size it is returned without a transfer. After a transfer the
// written size is verified against expectedSize (when non-zero) and against
// the size reported by the store, so a truncated body never surfaces as
// success. Transient failures retry with backoff.
func (c *Client) Download(ctx context.Context, bucket, object, destDir string, expectedSize int64) (string, error) {
	if err := c.opts.Limits.downloads.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.opts.Limits.downloads.Release(1)

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	dest := filepath.Join(destDir, localName(object, c.opts.ShortenNames))

	// Skip the transfer entirely when a previous run already fetched the
	// object. Size equality is the integrity check; see the truncation
	// guard below for fresh transfers.
	if expectedSize > 0 {
		if info, err := os.Stat(dest); err == nil && info.Size() == expectedSize {
			logger.Debug("download skipped, destination up to date",
				logger.Bucket(bucket), logger.Object(object), logger.Path(dest))
			return dest, nil
		}
	}

	start := time.Now()
	var written int64
	err := c.withRetry(ctx, "Download", func(ctx context.Context) error {
		n, err := c.fetchObject(ctx, bucket, object, dest, expectedSize)
		written = n
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to download %s/%s: %w", bucket, object, err)
	}

	c.opts.Metrics.ObserveOperation("Download", time.Since(start), nil)
	c.opts.Metrics.RecordBytes(written)
	logger.Debug("downloaded object",
		logger.Bucket(bucket), logger.Object(object),
		logger.Path(dest), logger.Size(written),
		logger.DurationMs(logger.Duration(start)))
	return dest, nil
}

// fetchObject performs one transfer attempt through a temp file, verifying
// the byte count before renaming into place.
func (c *Client) fetchObject(ctx context.Context, bucket, object, dest string, expectedSize int64) (int64, error) {
	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		return 0, err
	}
	defer func() { _ = out.Body.Close() }()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".partial-*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	written, err := io.Copy(tmp, out.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, err
	}

	// Truncation guard: a short body must fail the attempt, not surface a
	// partial file as success.
	if expectedSize > 0 && written != expectedSize {
		return written, fmt.Errorf("%w: got %d bytes, expected %d", errShortTransfer, written, expectedSize)
	}
	if out.ContentLength != nil && written != *out.ContentLength {
		return written, fmt.Errorf("%w: got %d bytes, store reported %d", errShortTransfer, written, *out.ContentLength)
	}

	return written, os.Rename(tmpName, dest)
}

// SignURL produces a presigned GET URL for one object.
func (c *Client) SignURL(ctx context.Context, bucket, object string) (string, error) {
	if err := c.opts.Limits.downloads.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer c.opts.Limits.downloads.Release(1)

	var url string
	err := c.withRetry(ctx, "SignURL", func(ctx context.Context) error {
		req, err := c.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(object),
		}, s3.WithPresignExpires(c.opts.SignExpiry))
		if err != nil {
			return err
		}
		url = req.URL
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to sign %s/%s: %w", bucket, object, err)
	}
	return url, nil
}

func extensionOf(name string) string {
	ext := filepath.Ext(name)
	if len(ext) > 1 {
		return ext[1:]
	}
	return ""
}
