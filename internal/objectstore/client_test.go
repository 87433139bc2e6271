package objectstore

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/require"

	"github.com/ingestgw/uploadgw"
)

func newFakeS3(t *testing.T) (*httptest.Server, *uploadgw.Config) {
	t.Helper()
	backend := s3mem.New()
	faker := gofakes3.New(backend)
	srv := httptest.NewServer(faker.Server())
	t.Cleanup(srv.Close)

	cfg := uploadgw.DefaultConfig()
	cfg.Endpoint = srv.URL[len("http://"):]
	cfg.DisableSSL = true
	cfg.UsePathStyle = true
	cfg.Bucket = "test-bucket"
	cfg.Region = "us-east-1"
	cfg.AccessKey = "fake"
	cfg.SecretKey = "fake"
	cfg.RequestTimeout = 5 * time.Second
	cfg.MaxRetries = 2
	cfg.BackoffInitial = 10 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	return srv, cfg
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	_, cfg := newFakeS3(t)
	c, err := New(context.Background(), ClientConfig{Config: cfg, Logger: uploadgw.NewNopLogger()})
	require.NoError(t, err)
	return c
}

func TestEnsureBucketCreatesWhenMissing(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	exists, err := c.BucketExists(ctx)
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, c.EnsureBucket(ctx))

	exists, err = c.BucketExists(ctx)
	require.NoError(t, err)
	require.True(t, exists)

	// idempotent
	require.NoError(t, c.EnsureBucket(ctx))
}

func TestPutStreamAndStat(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.EnsureBucket(ctx))

	body := []byte("hello object store")
	err := c.PutStream(ctx, "users/alice/uploads/u1/raw/hi.txt", bytes.NewReader(body), int64(len(body)), "text/plain", map[string]string{"userid": "alice"})
	require.NoError(t, err)

	stat, err := c.Stat(ctx, "users/alice/uploads/u1/raw/hi.txt")
	require.NoError(t, err)
	require.Equal(t, int64(len(body)), stat.Size)
}

func TestStatNotFound(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.EnsureBucket(ctx))

	_, err := c.Stat(ctx, "does/not/exist")
	require.Error(t, err)
}

func TestCheckHealth(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.EnsureBucket(ctx))
	require.NoError(t, c.CheckHealth(ctx))
}

func TestSanitizeMetadataStripsControlAndNonASCII(t *testing.T) {
	in := map[string]string{
		"filename": "re\x01port\r\n name\t “title” — café.txt",
	}
	out := SanitizeMetadata(in)
	require.Equal(t, `report name "title" - caf-.txt`, out["filename"])
}

func TestSanitizeMetadataCollapsesWhitespace(t *testing.T) {
	out := SanitizeMetadata(map[string]string{"k": "a    b\t\tc"})
	require.Equal(t, "a b c", out["k"])
}
