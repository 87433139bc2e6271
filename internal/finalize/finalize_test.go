package finalize

import (
	"context"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"
	"github.com/stretchr/testify/require"

	"github.com/ingestgw/uploadgw"
	"github.com/ingestgw/uploadgw/internal/objectstore"
	"github.com/ingestgw/uploadgw/internal/stagingstore"
)

func newTestEnv(t *testing.T) (*stagingstore.Store, *objectstore.Client) {
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
	cfg.MaxRetries = 1
	cfg.BackoffInitial = 5 * time.Millisecond
	cfg.BackoffMax = 10 * time.Millisecond

	client, err := objectstore.New(context.Background(), objectstore.ClientConfig{Config: cfg, Logger: uploadgw.NewNopLogger()})
	require.NoError(t, err)
	require.NoError(t, client.EnsureBucket(context.Background()))

	dir := t.TempDir()
	store, err := stagingstore.New(dir, 0)
	require.NoError(t, err)

	return store, client
}

func newTestOrchestrator(t *testing.T, store *stagingstore.Store, client *objectstore.Client) *Orchestrator {
	t.Helper()
	input := make(chan uploadgw.UploadDescriptor, 10)
	o, err := NewOrchestrator(Config{
		Store:  store,
		Client: client,
		Input:  input,
	})
	require.NoError(t, err)
	return o
}

func TestFinalizeSingleSuccessDeletesStagedFiles(t *testing.T) {
	store, client := newTestEnv(t)
	o := newTestOrchestrator(t, store, client)

	id, err := store.Create(11, uploadgw.Metadata{Filename: "hi.txt"})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), id, 0, strings.NewReader("hello world"), 11)
	require.NoError(t, err)

	bodyPath, err := store.BodyPath(id)
	require.NoError(t, err)

	up, err := store.Head(id)
	require.NoError(t, err)
	descriptor := uploadgw.UploadDescriptor{ID: id, StagedPath: bodyPath, Size: up.ReceivedLength, Metadata: up.Metadata}

	require.NoError(t, o.FinalizeSingle(context.Background(), descriptor))

	_, err = os.Stat(bodyPath)
	require.True(t, os.IsNotExist(err))

	_, ok := o.Registry().Get(id)
	require.False(t, ok)

	key := uploadgw.ObjectKey(id, up.Metadata)
	stat, err := client.Stat(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, int64(11), stat.Size)
}

func TestFinalizeSingleEmptyBodyRecordsFailure(t *testing.T) {
	store, client := newTestEnv(t)
	o := newTestOrchestrator(t, store, client)

	id, err := store.Create(0, uploadgw.Metadata{Filename: "empty.txt"})
	require.NoError(t, err)
	bodyPath, err := store.BodyPath(id)
	require.NoError(t, err)

	descriptor := uploadgw.UploadDescriptor{ID: id, StagedPath: bodyPath, Size: 0, Metadata: uploadgw.Metadata{Filename: "empty.txt"}}
	err = o.FinalizeSingle(context.Background(), descriptor)
	require.Error(t, err)

	_, ok := o.Registry().Get(id)
	require.True(t, ok)

	_, err = os.Stat(bodyPath)
	require.NoError(t, err, "staged body must be kept on finalization failure")
}

func TestRetryOneSucceedsAfterFailure(t *testing.T) {
	store, client := newTestEnv(t)
	o := newTestOrchestrator(t, store, client)

	id, err := store.Create(11, uploadgw.Metadata{Filename: "hi.txt"})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), id, 0, strings.NewReader("hello world"), 11)
	require.NoError(t, err)

	o.Registry().Record(id, uploadgw.FailedUpload{
		ID:         id,
		StagedPath: mustBodyPath(t, store, id),
		Metadata:   uploadgw.Metadata{Filename: "hi.txt"},
		LastError:  "simulated prior failure",
	})

	require.NoError(t, o.RetryOne(context.Background(), id))
	_, ok := o.Registry().Get(id)
	require.False(t, ok)
}

func TestProcessPendingFinalizesAllStagedUploads(t *testing.T) {
	store, client := newTestEnv(t)
	o := newTestOrchestrator(t, store, client)

	id1, err := store.Create(5, uploadgw.Metadata{Filename: "a.txt"})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), id1, 0, strings.NewReader("aaaaa"), 5)
	require.NoError(t, err)

	id2, err := store.Create(5, uploadgw.Metadata{Filename: "b.txt"})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), id2, 0, strings.NewReader("bbbbb"), 5)
	require.NoError(t, err)

	results, err := o.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.Equal(t, "success", r.Status)
	}
}

func TestProcessPendingSkipsMultipartParts(t *testing.T) {
	store, client := newTestEnv(t)
	o := newTestOrchestrator(t, store, client)

	single, err := store.Create(5, uploadgw.Metadata{Filename: "a.txt"})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), single, 0, strings.NewReader("aaaaa"), 5)
	require.NoError(t, err)

	part, err := store.Create(3, uploadgw.Metadata{
		MultipartID: "logical-orphan", Filename: "combined.bin",
		PartIndex: 0, HasPartIndex: true, TotalParts: 2,
	})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), part, 0, strings.NewReader("AAA"), 3)
	require.NoError(t, err)

	results, err := o.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1, "multipart part bodies must not be finalized as standalone objects")
	require.Equal(t, single, results[0].ID)
	require.Equal(t, "success", results[0].Status)

	_, err = store.Head(part)
	require.NoError(t, err, "skipped part body must remain on disk for the assembler/reaper to own")
}

func TestAssemblerHappyPathConcatenatesInNumericOrder(t *testing.T) {
	store, client := newTestEnv(t)
	a := NewAssembler(AssemblerConfig{Store: store, Client: client})

	partBody := map[int]string{0: "AAA", 1: "BBB", 10: "JJJ", 2: "CCC"}
	var lastErr error
	for idx, body := range partBody {
		id, err := store.Create(int64(len(body)), uploadgw.Metadata{})
		require.NoError(t, err)
		_, err = store.Append(context.Background(), id, 0, strings.NewReader(body), int64(len(body)))
		require.NoError(t, err)
		bodyPath, err := store.BodyPath(id)
		require.NoError(t, err)

		descriptor := uploadgw.UploadDescriptor{
			ID:         id,
			StagedPath: bodyPath,
			Size:       int64(len(body)),
			Metadata: uploadgw.Metadata{
				MultipartID:  "logical-1",
				Filename:     "combined.bin",
				PartIndex:    idx,
				HasPartIndex: true,
				TotalParts:   len(partBody),
			},
		}
		lastErr = a.AddPart(context.Background(), descriptor)
	}
	require.NoError(t, lastErr)
	require.Equal(t, 0, a.Len())

	key := uploadgw.ObjectKey("logical-1", uploadgw.Metadata{Filename: "combined.bin"})
	stat, err := client.Stat(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, int64(len("AAA")+len("BBB")+len("CCC")+len("JJJ")), stat.Size)

	// The remote check above only sees the size; check the byte order of the
	// concatenation on freshly staged copies of the same parts.
	asm := &assembly{multipartID: "order-check", totalParts: len(partBody), parts: map[int]partRef{}}
	for idx, body := range partBody {
		id, err := store.Create(int64(len(body)), uploadgw.Metadata{})
		require.NoError(t, err)
		_, err = store.Append(context.Background(), id, 0, strings.NewReader(body), int64(len(body)))
		require.NoError(t, err)
		asm.parts[idx] = partRef{uploadID: id, stagedPath: mustBodyPath(t, store, id)}
	}
	assembledPath, _, err := a.concatenate(asm)
	require.NoError(t, err)
	got, err := os.ReadFile(assembledPath)
	require.NoError(t, err)
	require.Equal(t, "AAABBBCCCJJJ", string(got))
}

func TestAssemblerMetadataConflictIsFatal(t *testing.T) {
	store, client := newTestEnv(t)
	a := NewAssembler(AssemblerConfig{Store: store, Client: client})

	id1, err := store.Create(3, uploadgw.Metadata{})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), id1, 0, strings.NewReader("AAA"), 3)
	require.NoError(t, err)

	err = a.AddPart(context.Background(), uploadgw.UploadDescriptor{
		ID:         id1,
		StagedPath: mustBodyPath(t, store, id1),
		Size:       3,
		Metadata: uploadgw.Metadata{
			MultipartID: "logical-2", Filename: "combined.bin",
			PartIndex: 0, HasPartIndex: true, TotalParts: 2,
		},
	})
	require.NoError(t, err)

	id2, err := store.Create(3, uploadgw.Metadata{})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), id2, 0, strings.NewReader("BBB"), 3)
	require.NoError(t, err)

	err = a.AddPart(context.Background(), uploadgw.UploadDescriptor{
		ID:         id2,
		StagedPath: mustBodyPath(t, store, id2),
		Size:       3,
		Metadata: uploadgw.Metadata{
			MultipartID: "logical-2", Filename: "different-name.bin", // conflict
			PartIndex: 1, HasPartIndex: true, TotalParts: 2,
		},
	})
	require.ErrorIs(t, err, uploadgw.ErrPartMetadataConflict)

	_, err = store.Head(id1)
	require.Error(t, err, "previously recorded part body should have been deleted on conflict")
	_, err = store.Head(id2)
	require.Error(t, err, "conflicting part body should have been deleted on conflict")
}

func TestReaperEvictsStaleIncompleteAssembly(t *testing.T) {
	store, client := newTestEnv(t)
	a := NewAssembler(AssemblerConfig{Store: store, Client: client})

	id, err := store.Create(3, uploadgw.Metadata{})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), id, 0, strings.NewReader("AAA"), 3)
	require.NoError(t, err)

	err = a.AddPart(context.Background(), uploadgw.UploadDescriptor{
		ID:         id,
		StagedPath: mustBodyPath(t, store, id),
		Size:       3,
		Metadata: uploadgw.Metadata{
			MultipartID: "logical-3", Filename: "never-complete.bin",
			PartIndex: 0, HasPartIndex: true, TotalParts: 2,
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, a.Len())

	reaper := NewReaper(ReaperConfig{
		Assembler:      a,
		StaleThreshold: time.Hour,
		Clock:          func() time.Time { return time.Now().Add(2 * time.Hour) },
	})
	evicted := reaper.SweepOnce()
	require.Equal(t, 1, evicted)
	require.Equal(t, 0, a.Len())

	_, err = store.Head(id)
	require.Error(t, err, "part body should have been deleted on eviction")
}

func mustBodyPath(t *testing.T, s *stagingstore.Store, uploadID string) string {
	t.Helper()
	p, err := s.BodyPath(uploadID)
	require.NoError(t, err)
	return p
}
