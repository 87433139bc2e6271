package tusproto

import (
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ingestgw/uploadgw"
	"github.com/ingestgw/uploadgw/internal/stagingstore"
)

func newTestHandler(t *testing.T) (*Handler, chan uploadgw.UploadDescriptor, *stagingstore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := stagingstore.New(dir, 0)
	require.NoError(t, err)

	finalize := make(chan uploadgw.UploadDescriptor, 10)
	h, err := NewHandler(Config{
		Store:    store,
		BasePath: "/files",
		Finalize: finalize,
	})
	require.NoError(t, err)
	return h, finalize, store
}

func metadataHeader(pairs map[string]string) string {
	var parts []string
	for k, v := range pairs {
		parts = append(parts, k+" "+base64.StdEncoding.EncodeToString([]byte(v)))
	}
	return strings.Join(parts, ",")
}

func TestCreateReturnsLocation(t *testing.T) {
	h, _, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/files", nil)
	req.Header.Set("Upload-Length", "11")
	req.Header.Set("Upload-Metadata", metadataHeader(map[string]string{"filename": "hi.txt"}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	require.NotEmpty(t, rec.Header().Get("Location"))
	require.Equal(t, "0", rec.Header().Get("Upload-Offset"))
}

func TestCreateRejectsOversizedUpload(t *testing.T) {
	dir := t.TempDir()
	store, err := stagingstore.New(dir, 0)
	require.NoError(t, err)
	finalize := make(chan uploadgw.UploadDescriptor, 1)
	h, err := NewHandler(Config{Store: store, BasePath: "/files", Finalize: finalize, MaxUploadSize: 10})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/files", nil)
	req.Header.Set("Upload-Length", "100")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHeadReturnsOffsetAndLength(t *testing.T) {
	h, _, store := newTestHandler(t)
	id, err := store.Create(11, uploadgw.Metadata{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodHead, "/files/"+id, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "0", rec.Header().Get("Upload-Offset"))
	require.Equal(t, "11", rec.Header().Get("Upload-Length"))
}

func TestHeadUnknownUploadReturns404(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodHead, "/files/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPatchAppendsAndReturnsNewOffset(t *testing.T) {
	h, _, store := newTestHandler(t)
	id, err := store.Create(11, uploadgw.Metadata{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPatch, "/files/"+id, strings.NewReader("hello world"))
	req.Header.Set("Upload-Offset", "0")
	req.ContentLength = 11
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "11", rec.Header().Get("Upload-Offset"))
}

func TestPatchOffsetMismatchReturns409(t *testing.T) {
	h, _, store := newTestHandler(t)
	id, err := store.Create(11, uploadgw.Metadata{})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPatch, "/files/"+id, strings.NewReader("xxxxx"))
	req.Header.Set("Upload-Offset", "5")
	req.ContentLength = 5
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestPatchEmitsFinalizationExactlyOnceOnCompletion(t *testing.T) {
	h, finalize, store := newTestHandler(t)
	id, err := store.Create(11, uploadgw.Metadata{Filename: "hi.txt"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPatch, "/files/"+id, strings.NewReader("hello world"))
	req.Header.Set("Upload-Offset", "0")
	req.ContentLength = 11
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	select {
	case descriptor := <-finalize:
		require.Equal(t, id, descriptor.ID)
		require.Equal(t, int64(11), descriptor.Size)
	default:
		t.Fatal("expected a finalization event on completion")
	}

	handed, err := store.IsHandedOff(id)
	require.NoError(t, err)
	require.True(t, handed)
}

func TestPatchResumeAcrossTwoChunksEmitsOnlyOnFinalChunk(t *testing.T) {
	h, finalize, store := newTestHandler(t)
	id, err := store.Create(10, uploadgw.Metadata{})
	require.NoError(t, err)

	req1 := httptest.NewRequest(http.MethodPatch, "/files/"+id, strings.NewReader("hello"))
	req1.Header.Set("Upload-Offset", "0")
	req1.ContentLength = 5
	rec1 := httptest.NewRecorder()
	h.ServeHTTP(rec1, req1)
	require.Equal(t, http.StatusNoContent, rec1.Code)
	require.Empty(t, finalize)

	req2 := httptest.NewRequest(http.MethodPatch, "/files/"+id, strings.NewReader("world"))
	req2.Header.Set("Upload-Offset", "5")
	req2.ContentLength = 5
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusNoContent, rec2.Code)

	select {
	case descriptor := <-finalize:
		require.Equal(t, id, descriptor.ID)
	default:
		t.Fatal("expected finalization event once declaredLength is reached")
	}
}

func TestDecodeUploadMetadataDecodesAllRecognizedKeys(t *testing.T) {
	header := metadataHeader(map[string]string{
		"userId":      "alice",
		"filename":    "part1.bin",
		"multipartId": "m1",
		"partIndex":   "0",
		"totalParts":  "3",
		"custom":      "extra-value",
	})

	m := decodeUploadMetadata(header)
	require.Equal(t, "alice", m.UserID)
	require.Equal(t, "part1.bin", m.Filename)
	require.Equal(t, "m1", m.MultipartID)
	require.True(t, m.HasPartIndex)
	require.Equal(t, 0, m.PartIndex)
	require.Equal(t, 3, m.TotalParts)
	require.Equal(t, "extra-value", m.Extra["custom"])
	require.True(t, m.IsMultipart())
}
