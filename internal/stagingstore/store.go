// Package stagingstore implements the durable local-disk holding area for
// in-progress resumable uploads: the upload body plus a JSON sidecar
// recording declared/received length and metadata.
package stagingstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ingestgw/uploadgw"
)

// AssembledPrefix marks artifacts produced by the Multipart Assembler so
// ListPending can exclude them from any operator sweep.
const AssembledPrefix = "assembled-"

const assembledPrefix = AssembledPrefix

var uploadIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// sidecar is the on-disk JSON representation of an Upload, adjacent to its
// body file as "<uploadId>.info".
type sidecar struct {
	DeclaredLength int64             `json:"declaredLength"`
	ReceivedLength int64             `json:"receivedLength"`
	Metadata       map[string]string `json:"metadata"`
	CreatedAt      time.Time         `json:"createdAt"`
	LastActivityAt time.Time         `json:"lastActivityAt"`
	// HandedOff marks that the Protocol Endpoint has already emitted a
	// finalization event for this upload, guaranteeing exactly-once
	// emission even if Append is somehow invoked again afterward.
	HandedOff bool `json:"handedOff"`
}

// Store is the Staging Store. It holds a per-uploadId mutex to serialize
// PATCH/Append calls for the same upload, grounded on the teacher's
// ClientManager struct shape and stut-s3dir's mutex-guarded MultipartManager.
type Store struct {
	dir     string
	maxSize int64
	logger  uploadgw.Logger
	clock   func() time.Time

	locks sync.Map // uploadId -> *sync.Mutex
}

// New constructs a Store rooted at dir. maxSize is the global per-upload
// byte ceiling (spec.md §4.3); zero means unbounded.
func New(dir string, maxSize int64, opts ...uploadgw.Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("stagingstore: create dir %q: %w", dir, err)
	}
	_, o := uploadgw.GetEffectiveConfig(uploadgw.DefaultConfig(), opts...)
	return &Store{
		dir:     dir,
		maxSize: maxSize,
		logger:  o.GetLogger(),
		clock:   o.GetClock(),
	}, nil
}

func (s *Store) lockFor(uploadID string) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(uploadID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// bodyPath returns the path to an upload's body file, rejecting any
// uploadId that would escape the staging directory.
func (s *Store) bodyPath(uploadID string) (string, error) {
	if !uploadIDPattern.MatchString(uploadID) {
		return "", fmt.Errorf("%w: %q", uploadgw.ErrInvalidPath, uploadID)
	}
	p := filepath.Join(s.dir, uploadID)
	clean := filepath.Clean(p)
	if !strings.HasPrefix(clean, filepath.Clean(s.dir)+string(filepath.Separator)) && clean != filepath.Clean(s.dir) {
		return "", fmt.Errorf("%w: %q escapes staging directory", uploadgw.ErrInvalidPath, uploadID)
	}
	return clean, nil
}

func (s *Store) sidecarPath(uploadID string) (string, error) {
	p, err := s.bodyPath(uploadID)
	if err != nil {
		return "", err
	}
	return p + ".info", nil
}

// Create allocates a new upload record: writes the sidecar and an empty
// body file. Returns the generated uploadId.
func (s *Store) Create(declaredLength int64, metadata uploadgw.Metadata) (string, error) {
	if s.maxSize > 0 && declaredLength > s.maxSize {
		return "", fmt.Errorf("%w: declaredLength %d exceeds maximum %d", uploadgw.ErrSizeExceeded, declaredLength, s.maxSize)
	}

	uploadID := uuid.New().String()
	now := s.clock()

	bodyPath, err := s.bodyPath(uploadID)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(bodyPath, nil, 0o644); err != nil {
		return "", fmt.Errorf("stagingstore: create body: %w", err)
	}

	sc := sidecar{
		DeclaredLength: declaredLength,
		ReceivedLength: 0,
		Metadata:       metadataToMap(metadata.WithDefaults(uploadID)),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.writeSidecar(uploadID, sc); err != nil {
		_ = os.Remove(bodyPath)
		return "", err
	}

	s.logger.Info("upload created", "uploadId", uploadID, "declaredLength", declaredLength)
	return uploadID, nil
}

// Append writes bytes at offset. Serialized per uploadId by Store's
// internal lock so concurrent PATCH requests for the same upload cannot
// interleave.
func (s *Store) Append(ctx context.Context, uploadID string, offset int64, r io.Reader, n int64) (newReceivedLength int64, err error) {
	lock := s.lockFor(uploadID)
	lock.Lock()
	defer lock.Unlock()

	sc, err := s.readSidecar(uploadID)
	if err != nil {
		return 0, err
	}

	if offset != sc.ReceivedLength {
		return 0, fmt.Errorf("%w: got offset %d, expected %d", uploadgw.ErrOffsetMismatch, offset, sc.ReceivedLength)
	}

	resulting := sc.ReceivedLength + n
	if resulting > sc.DeclaredLength {
		return 0, fmt.Errorf("%w: append would reach %d, declaredLength %d", uploadgw.ErrSizeExceeded, resulting, sc.DeclaredLength)
	}
	if s.maxSize > 0 && resulting > s.maxSize {
		return 0, fmt.Errorf("%w: append would reach %d, global maximum %d", uploadgw.ErrSizeExceeded, resulting, s.maxSize)
	}

	bodyPath, err := s.bodyPath(uploadID)
	if err != nil {
		return 0, err
	}

	f, err := os.OpenFile(bodyPath, os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("stagingstore: open body: %w", err)
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, fmt.Errorf("stagingstore: seek body: %w", err)
	}

	written, err := io.CopyN(f, r, n)
	if err != nil && err != io.EOF {
		return 0, fmt.Errorf("stagingstore: write body: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("stagingstore: sync body: %w", err)
	}

	sc.ReceivedLength += written
	sc.LastActivityAt = s.clock()
	if err := s.writeSidecar(uploadID, sc); err != nil {
		return 0, err
	}

	select {
	case <-ctx.Done():
		return sc.ReceivedLength, ctx.Err()
	default:
	}

	return sc.ReceivedLength, nil
}

// Head returns the current state of an upload.
func (s *Store) Head(uploadID string) (*uploadgw.Upload, error) {
	sc, err := s.readSidecar(uploadID)
	if err != nil {
		return nil, err
	}
	return &uploadgw.Upload{
		ID:             uploadID,
		DeclaredLength: sc.DeclaredLength,
		ReceivedLength: sc.ReceivedLength,
		Metadata:       mapToMetadata(sc.Metadata),
		CreatedAt:      sc.CreatedAt,
		LastActivityAt: sc.LastActivityAt,
	}, nil
}

// MarkHandedOff marks the sidecar as having already emitted its
// finalization event, the idempotence key guaranteeing exactly-once
// emission (spec.md §9).
func (s *Store) MarkHandedOff(uploadID string) error {
	sc, err := s.readSidecar(uploadID)
	if err != nil {
		return err
	}
	if sc.HandedOff {
		return nil
	}
	sc.HandedOff = true
	return s.writeSidecar(uploadID, sc)
}

// IsHandedOff reports whether the upload's sidecar is already marked
// handed-off.
func (s *Store) IsHandedOff(uploadID string) (bool, error) {
	sc, err := s.readSidecar(uploadID)
	if err != nil {
		return false, err
	}
	return sc.HandedOff, nil
}

// Delete removes the body and sidecar for uploadID. Idempotent.
func (s *Store) Delete(uploadID string) error {
	bodyPath, err := s.bodyPath(uploadID)
	if err != nil {
		return err
	}
	sidecarPath := bodyPath + ".info"

	if err := os.Remove(bodyPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stagingstore: delete body: %w", err)
	}
	if err := os.Remove(sidecarPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stagingstore: delete sidecar: %w", err)
	}
	s.locks.Delete(uploadID)
	return nil
}

// StagedFile describes one body file present on disk, for the Operator
// Surface's debug listing.
type StagedFile struct {
	Name string
	Path string
	Size int64
}

// ListPending returns the uploadIds for which a body file exists and is not
// a reserved "assembled-" artifact.
func (s *Store) ListPending() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("stagingstore: list dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".info") {
			continue
		}
		if strings.HasPrefix(name, assembledPrefix) {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListStagedFiles returns every body file on disk with its size, including
// assembled artifacts, for the Operator Surface's /debug/uploads endpoint.
func (s *Store) ListStagedFiles() ([]StagedFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("stagingstore: list dir: %w", err)
	}

	var files []StagedFile
	for _, e := range entries {
		if e.IsDir() || strings.HasSuffix(e.Name(), ".info") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, StagedFile{
			Name: e.Name(),
			Path: filepath.Join(s.dir, e.Name()),
			Size: info.Size(),
		})
	}
	return files, nil
}

// BodyPath exposes the body path for a given uploadId to callers (the
// Finalization Orchestrator) that need to stat or stream it directly.
func (s *Store) BodyPath(uploadID string) (string, error) { return s.bodyPath(uploadID) }

// Dir returns the staging directory root.
func (s *Store) Dir() string { return s.dir }

func (s *Store) readSidecar(uploadID string) (sidecar, error) {
	path, err := s.sidecarPath(uploadID)
	if err != nil {
		return sidecar{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sidecar{}, fmt.Errorf("%w: upload %q", uploadgw.ErrNotFound, uploadID)
		}
		return sidecar{}, fmt.Errorf("stagingstore: read sidecar: %w", err)
	}
	var sc sidecar
	if err := json.Unmarshal(data, &sc); err != nil {
		return sidecar{}, fmt.Errorf("stagingstore: decode sidecar: %w", err)
	}
	return sc, nil
}

// writeSidecar persists sc atomically: write to a temp file in the same
// directory, fsync, then rename over the destination. This guarantees the
// sidecar is never observed half-written, and that a crash leaves
// receivedLength underreported but never overreported (spec.md §4.1).
func (s *Store) writeSidecar(uploadID string, sc sidecar) error {
	path, err := s.sidecarPath(uploadID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("stagingstore: encode sidecar: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("stagingstore: create temp sidecar: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("stagingstore: write temp sidecar: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("stagingstore: sync temp sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("stagingstore: close temp sidecar: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("stagingstore: rename sidecar: %w", err)
	}
	return nil
}

func metadataToMap(m uploadgw.Metadata) map[string]string {
	out := map[string]string{}
	if m.UserID != "" {
		out["userId"] = m.UserID
	}
	if m.Stage != "" {
		out["stage"] = m.Stage
	}
	if m.Filename != "" {
		out["filename"] = m.Filename
	}
	if m.RelativePath != "" {
		out["relativePath"] = m.RelativePath
	}
	if m.Filetype != "" {
		out["filetype"] = m.Filetype
	}
	if m.MultipartID != "" {
		out["multipartId"] = m.MultipartID
	}
	if m.HasPartIndex {
		out["partIndex"] = fmt.Sprintf("%d", m.PartIndex)
	}
	if m.TotalParts > 0 {
		out["totalParts"] = fmt.Sprintf("%d", m.TotalParts)
	}
	for k, v := range m.Extra {
		out[k] = v
	}
	return out
}

func mapToMetadata(m map[string]string) uploadgw.Metadata {
	out := uploadgw.Metadata{Extra: map[string]string{}}
	for k, v := range m {
		switch k {
		case "userId":
			out.UserID = v
		case "stage":
			out.Stage = v
		case "filename":
			out.Filename = v
		case "relativePath":
			out.RelativePath = v
		case "filetype":
			out.Filetype = v
		case "multipartId":
			out.MultipartID = v
		case "partIndex":
			var idx int
			if _, err := fmt.Sscanf(v, "%d", &idx); err == nil {
				out.PartIndex = idx
				out.HasPartIndex = true
			}
		case "totalParts":
			var total int
			if _, err := fmt.Sscanf(v, "%d", &total); err == nil {
				out.TotalParts = total
			}
		default:
			out.Extra[k] = v
		}
	}
	return out
}
