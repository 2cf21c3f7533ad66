package storage

import (
	"context"
	"io"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	"gocloud.dev/blob/memblob"

	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
)

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	g := NewBlobGateway(map[string]*blob.Bucket{BucketDocuments: memblob.OpenBucket(nil)}, nil)
	defer g.Close()

	require.NoError(t, g.Put(ctx, BucketDocuments, "cases/c1/a.pdf", []byte("%PDF")))
	data, err := g.Get(ctx, BucketDocuments, "cases/c1/a.pdf")
	require.NoError(t, err)
	require.Equal(t, []byte("%PDF"), data)

	r, err := g.NewReader(ctx, BucketDocuments, "cases/c1/a.pdf")
	require.NoError(t, err)
	streamed, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.Equal(t, data, streamed)

	_, err = g.Get(ctx, BucketDocuments, "cases/c1/missing.pdf")
	require.ErrorIs(t, err, common.ErrNotFound)

	err = g.Put(ctx, "archive", "x.pdf", []byte("x"))
	require.Equal(t, common.CodeInternal, common.KindOf(err))
}

func TestSignedURLs(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	g, err := Open(ctx, common.StorageConfig{
		DocumentsURL:   "file://" + filepath.Join(dir, "documents"),
		BundlesURL:     "file://" + filepath.Join(dir, "bundles"),
		SigningBaseURL: "https://exhibits.example.com/",
		SigningSecret:  "secret",
	}, nil)
	require.NoError(t, err)
	defer g.Close()

	require.NoError(t, g.Put(ctx, BucketBundles, "cases/c1/bundles/j1.zip", []byte("PK")))
	raw, err := g.SignedURL(ctx, BucketBundles, "cases/c1/bundles/j1.zip", time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "exhibits.example.com", u.Host)
	require.Equal(t, "/v1/signed/bundles", u.Path)

	key, err := g.ResolveSignedURL(ctx, BucketBundles, u)
	require.NoError(t, err)
	require.Equal(t, "cases/c1/bundles/j1.zip", key)

	q := u.Query()
	q.Set("obj", "cases/c2/bundles/j2.zip")
	u.RawQuery = q.Encode()
	_, err = g.ResolveSignedURL(ctx, BucketBundles, u)
	require.ErrorIs(t, err, common.ErrForbidden)

	_, err = g.ResolveSignedURL(ctx, "archive", u)
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestSignedURLUnsupported(t *testing.T) {
	g := NewBlobGateway(map[string]*blob.Bucket{BucketBundles: memblob.OpenBucket(nil)}, nil)
	defer g.Close()
	_, err := g.SignedURL(context.Background(), BucketBundles, "x.zip", time.Minute)
	require.Error(t, err)
}
