// Package storage is the Document Store gateway: original exhibit bytes, stamped
// bundles, and time-limited signed URLs, over gocloud.dev/blob buckets.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/memblob" // in-memory driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
	"gocloud.dev/gcerrors"

	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
)

// Logical bucket names.
const (
	BucketDocuments = "documents"
	BucketBundles   = "bundles"
)

// Gateway reads and writes document bytes by (bucket, path).
type Gateway interface {
	Put(ctx context.Context, bucket, path string, data []byte) error
	Get(ctx context.Context, bucket, path string) ([]byte, error)
	NewReader(ctx context.Context, bucket, path string) (io.ReadCloser, error)
	SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error)
}

// BlobGateway implements Gateway over named blob buckets.
type BlobGateway struct {
	buckets map[string]*blob.Bucket
	signers map[string]*fileblob.URLSignerHMAC
	logger  *slog.Logger
}

// NewBlobGateway wraps already opened buckets, keyed by logical name.
func NewBlobGateway(buckets map[string]*blob.Bucket, logger *slog.Logger) *BlobGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlobGateway{
		buckets: buckets,
		signers: make(map[string]*fileblob.URLSignerHMAC),
		logger:  logger,
	}
}

// Open opens the documents and bundles buckets described by cfg.
func Open(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (*BlobGateway, error) {
	g := NewBlobGateway(make(map[string]*blob.Bucket), logger)
	for name, raw := range map[string]string{
		BucketDocuments: cfg.DocumentsURL,
		BucketBundles:   cfg.BundlesURL,
	} {
		if err := g.open(ctx, name, raw, cfg); err != nil {
			_ = g.Close()
			return nil, err
		}
	}
	return g, nil
}

func (g *BlobGateway) open(ctx context.Context, name, raw string, cfg common.StorageConfig) error {
	if !strings.HasPrefix(raw, "file://") {
		b, err := blob.OpenBucket(ctx, raw)
		if err != nil {
			return fmt.Errorf("open bucket %s (%s): %w", name, raw, err)
		}
		g.buckets[name] = b
		g.logger.Info("storage.bucket.opened", "bucket", name, "url", raw)
		return nil
	}

	opts := &fileblob.Options{CreateDir: true}
	if cfg.SigningSecret != "" && cfg.SigningBaseURL != "" {
		base, err := url.Parse(strings.TrimRight(cfg.SigningBaseURL, "/") + "/v1/signed/" + name)
		if err != nil {
			return fmt.Errorf("parse signing base url: %w", err)
		}
		signer := fileblob.NewURLSignerHMAC(base, []byte(cfg.SigningSecret))
		opts.URLSigner = signer
		g.signers[name] = signer
	}
	dir := strings.TrimPrefix(raw, "file://")
	b, err := fileblob.OpenBucket(dir, opts)
	if err != nil {
		return fmt.Errorf("open bucket %s (%s): %w", name, dir, err)
	}
	g.buckets[name] = b
	g.logger.Info("storage.bucket.opened", "bucket", name, "dir", dir, "signed_urls", opts.URLSigner != nil)
	return nil
}

func (g *BlobGateway) bucket(name string) (*blob.Bucket, error) {
	b, ok := g.buckets[name]
	if !ok {
		return nil, common.NewAppError(common.CodeInternal, "unknown bucket "+name, common.ErrInternal)
	}
	return b, nil
}

func (g *BlobGateway) Put(ctx context.Context, bucket, path string, data []byte) error {
	b, err := g.bucket(bucket)
	if err != nil {
		return err
	}
	w, err := b.NewWriter(ctx, path, &blob.WriterOptions{ContentType: contentType(path)})
	if err != nil {
		return g.wrap("put", bucket, path, err)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return g.wrap("put", bucket, path, err)
	}
	if err := w.Close(); err != nil {
		return g.wrap("put", bucket, path, err)
	}
	g.logger.Debug("storage.put", "bucket", bucket, "path", path, "bytes", len(data))
	return nil
}

func (g *BlobGateway) Get(ctx context.Context, bucket, path string) ([]byte, error) {
	b, err := g.bucket(bucket)
	if err != nil {
		return nil, err
	}
	data, err := b.ReadAll(ctx, path)
	if err != nil {
		return nil, g.wrap("get", bucket, path, err)
	}
	return data, nil
}

func (g *BlobGateway) NewReader(ctx context.Context, bucket, path string) (io.ReadCloser, error) {
	b, err := g.bucket(bucket)
	if err != nil {
		return nil, err
	}
	r, err := b.NewReader(ctx, path, nil)
	if err != nil {
		return nil, g.wrap("open", bucket, path, err)
	}
	return r, nil
}

// SignedURL returns a time-limited GET URL for path.
func (g *BlobGateway) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	b, err := g.bucket(bucket)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	u, err := b.SignedURL(ctx, path, &blob.SignedURLOptions{Expiry: ttl, Method: "GET"})
	if err != nil {
		if gcerrors.Code(err) == gcerrors.Unimplemented {
			return "", common.NewAppError(common.CodeInternal, "bucket "+bucket+" does not support signed URLs", common.ErrInternal)
		}
		return "", g.wrap("sign", bucket, path, err)
	}
	return u, nil
}

// ResolveSignedURL verifies a URL issued by SignedURL for a local bucket and returns
// the object key it grants access to.
func (g *BlobGateway) ResolveSignedURL(ctx context.Context, bucket string, u *url.URL) (string, error) {
	signer, ok := g.signers[bucket]
	if !ok {
		return "", common.NotFoundf("bucket %s does not serve signed URLs", bucket)
	}
	key, err := signer.KeyFromURL(ctx, u)
	if err != nil {
		return "", common.Forbiddenf("invalid or expired signed URL")
	}
	return key, nil
}

// Close releases every bucket.
func (g *BlobGateway) Close() error {
	var first error
	for name, b := range g.buckets {
		if err := b.Close(); err != nil && first == nil {
			first = fmt.Errorf("close bucket %s: %w", name, err)
		}
	}
	return first
}

func (g *BlobGateway) wrap(op, bucket, path string, err error) error {
	if gcerrors.Code(err) == gcerrors.NotFound {
		return common.NotFoundf("%s/%s not found", bucket, path)
	}
	g.logger.Warn("storage.error", "op", op, "bucket", bucket, "path", path, "error", err)
	return common.StorageError(fmt.Sprintf("%s %s/%s", op, bucket, path), err)
}

func contentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".pdf"):
		return "application/pdf"
	case strings.HasSuffix(path, ".zip"):
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
