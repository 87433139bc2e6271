package stagingstore

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ingestgw/uploadgw"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(dir, 0)
	require.NoError(t, err)
	return s
}

func TestCreateAndHead(t *testing.T) {
	s := newTestStore(t)

	id, err := s.Create(11, uploadgw.Metadata{UserID: "alice", Stage: "raw", Filename: "hi.txt"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	up, err := s.Head(id)
	require.NoError(t, err)
	require.Equal(t, int64(11), up.DeclaredLength)
	require.Equal(t, int64(0), up.ReceivedLength)
	require.Equal(t, "alice", up.Metadata.UserID)
}

func TestAppendHappyPath(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Create(11, uploadgw.Metadata{Filename: "hi.txt"})
	require.NoError(t, err)

	n, err := s.Append(context.Background(), id, 0, bytes.NewReader([]byte("hello world")), 11)
	require.NoError(t, err)
	require.Equal(t, int64(11), n)

	body, err := os.ReadFile(mustBodyPath(t, s, id))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(body))
}

func TestAppendResumeAfterDisconnect(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Create(1000, uploadgw.Metadata{})
	require.NoError(t, err)

	chunk1 := bytes.Repeat([]byte{'a'}, 600)
	n, err := s.Append(context.Background(), id, 0, bytes.NewReader(chunk1), 600)
	require.NoError(t, err)
	require.Equal(t, int64(600), n)

	up, err := s.Head(id)
	require.NoError(t, err)
	require.Equal(t, int64(600), up.ReceivedLength)

	chunk2 := bytes.Repeat([]byte{'b'}, 400)
	n, err = s.Append(context.Background(), id, 600, bytes.NewReader(chunk2), 400)
	require.NoError(t, err)
	require.Equal(t, int64(1000), n)
}

func TestAppendOffsetMismatch(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Create(10, uploadgw.Metadata{})
	require.NoError(t, err)

	_, err = s.Append(context.Background(), id, 5, bytes.NewReader([]byte("xxxxx")), 5)
	require.Error(t, err)
	require.True(t, errors.Is(err, uploadgw.ErrOffsetMismatch))
}

func TestAppendSizeExceeded(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Create(5, uploadgw.Metadata{})
	require.NoError(t, err)

	_, err = s.Append(context.Background(), id, 0, bytes.NewReader([]byte("toolong")), 7)
	require.Error(t, err)
	require.True(t, errors.Is(err, uploadgw.ErrSizeExceeded))
}

func TestAppendGlobalMaxSizeExceeded(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 3)
	require.NoError(t, err)

	id, err := s.Create(10, uploadgw.Metadata{})
	require.NoError(t, err)

	_, err = s.Append(context.Background(), id, 0, bytes.NewReader([]byte("abcd")), 4)
	require.Error(t, err)
	require.True(t, errors.Is(err, uploadgw.ErrSizeExceeded))
}

func TestCreateRejectsOversizedDeclaredLength(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, 100)
	require.NoError(t, err)

	_, err = s.Create(200, uploadgw.Metadata{})
	require.Error(t, err)
	require.True(t, errors.Is(err, uploadgw.ErrSizeExceeded))
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Create(5, uploadgw.Metadata{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(id))
	require.NoError(t, s.Delete(id))

	_, err = s.Head(id)
	require.True(t, errors.Is(err, uploadgw.ErrNotFound))
}

func TestListPendingExcludesAssembledArtifacts(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Create(5, uploadgw.Metadata{})
	require.NoError(t, err)

	assembledPath := filepath.Join(s.Dir(), assembledPrefix+"M")
	require.NoError(t, os.WriteFile(assembledPath, []byte("done"), 0o644))

	pending, err := s.ListPending()
	require.NoError(t, err)
	require.Contains(t, pending, id)
	require.NotContains(t, pending, assembledPrefix+"M")
}

func TestHandedOffIdempotence(t *testing.T) {
	s := newTestStore(t)
	id, err := s.Create(5, uploadgw.Metadata{})
	require.NoError(t, err)

	handed, err := s.IsHandedOff(id)
	require.NoError(t, err)
	require.False(t, handed)

	require.NoError(t, s.MarkHandedOff(id))
	require.NoError(t, s.MarkHandedOff(id)) // idempotent

	handed, err = s.IsHandedOff(id)
	require.NoError(t, err)
	require.True(t, handed)
}

func TestBodyPathRejectsPathEscape(t *testing.T) {
	s := newTestStore(t)
	_, err := s.bodyPath("../../etc/passwd")
	require.Error(t, err)
	require.True(t, errors.Is(err, uploadgw.ErrInvalidPath))
}

func TestWithClockAffectsLastActivity(t *testing.T) {
	dir := t.TempDir()
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s, err := New(dir, 0, uploadgw.WithClock(func() time.Time { return frozen }))
	require.NoError(t, err)

	id, err := s.Create(5, uploadgw.Metadata{})
	require.NoError(t, err)

	up, err := s.Head(id)
	require.NoError(t, err)
	require.True(t, up.CreatedAt.Equal(frozen))
	require.True(t, up.LastActivityAt.Equal(frozen))
}

func mustBodyPath(t *testing.T, s *Store, uploadID string) string {
	t.Helper()
	p, err := s.bodyPath(uploadID)
	require.NoError(t, err)
	return p
}
