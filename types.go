package uploadgw

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors - use errors.Is for checking.
var (
	// ErrNotFound indicates the requested upload or object was not found.
	ErrNotFound = errors.New("uploadgw: not found")

	// ErrOffsetMismatch indicates a PATCH offset does not match receivedLength.
	ErrOffsetMismatch = errors.New("uploadgw: offset mismatch")

	// ErrSizeExceeded indicates an append would exceed declaredLength or the
	// configured global maximum upload size.
	ErrSizeExceeded = errors.New("uploadgw: size exceeded")

	// ErrEmptyBody indicates a single-file finalization found a zero-byte body.
	ErrEmptyBody = errors.New("uploadgw: empty body")

	// ErrPartMetadataConflict indicates totalParts or canonical filename
	// disagreed across parts of the same multipartId.
	ErrPartMetadataConflict = errors.New("uploadgw: part metadata conflict")

	// ErrPartMissing indicates a referenced part's staged file was absent at
	// assembly time.
	ErrPartMissing = errors.New("uploadgw: part missing on assemble")

	// ErrRemoteTransient indicates a retryable object-store failure.
	ErrRemoteTransient = errors.New("uploadgw: remote transient error")

	// ErrRemotePermanent indicates a non-retryable object-store failure
	// (auth/permission, or post-upload size verification mismatch).
	ErrRemotePermanent = errors.New("uploadgw: remote permanent error")

	// ErrStaleAssembly indicates the reaper evicted an incomplete assembly.
	ErrStaleAssembly = errors.New("uploadgw: stale assembly evicted")

	// ErrInvalidPath indicates a derived path escaped its containing directory.
	ErrInvalidPath = errors.New("uploadgw: invalid path")

	// ErrInvalidConfig indicates the gateway configuration is invalid.
	ErrInvalidConfig = errors.New("uploadgw: invalid configuration")
)

// GatewayError wraps an underlying error with the operation and upload
// identifier it occurred against.
type GatewayError struct {
	Op  string // operation that failed, e.g. "patch", "finalize", "assemble"
	ID  string // uploadId or multipartId, if applicable
	Err error
}

func (e *GatewayError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("uploadgw %s %q: %v", e.Op, e.ID, e.Err)
	}
	return fmt.Sprintf("uploadgw %s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// IsNotFound reports whether err is or wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// Metadata holds the recognized client-supplied upload metadata (spec §3).
// Unrecognized keys are preserved in Extra but never interpreted.
type Metadata struct {
	UserID       string
	Stage        string
	Filename     string
	RelativePath string
	Filetype     string
	MultipartID  string
	PartIndex    int
	HasPartIndex bool
	TotalParts   int
	Extra        map[string]string
}

// WithDefaults returns a copy of m with recognized-key defaults applied
// (spec §3: userId -> "default-user", stage -> "raw", filename -> uploadID,
// relativePath -> filename, filetype -> "application/octet-stream").
func (m Metadata) WithDefaults(uploadID string) Metadata {
	out := m
	if out.UserID == "" {
		out.UserID = "default-user"
	}
	if out.Stage == "" {
		out.Stage = "raw"
	}
	if out.Filename == "" {
		out.Filename = uploadID
	}
	if out.RelativePath == "" {
		out.RelativePath = out.Filename
	}
	if out.Filetype == "" {
		out.Filetype = "application/octet-stream"
	}
	return out
}

// IsMultipart reports whether this metadata describes one part of a
// multi-part logical file (spec §4.4 routing decision).
func (m Metadata) IsMultipart() bool {
	return m.MultipartID != "" && m.HasPartIndex && m.TotalParts > 1
}

// Upload is a single resumable-upload staging record (spec §3).
type Upload struct {
	ID             string
	DeclaredLength int64
	ReceivedLength int64
	Metadata       Metadata
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// UploadDescriptor is the single input accepted by the Finalization
// Orchestrator. Both the Protocol Endpoint (on exactly-once finalization)
// and the Operator Surface (on "process pending" / "retry one") construct
// this value, per spec §9's "synthetic Upload construction" redesign note.
type UploadDescriptor struct {
	ID         string
	StagedPath string
	Size       int64
	Metadata   Metadata
}

// FailedUpload records a finalization that could not complete (spec §3).
type FailedUpload struct {
	ID            string
	StagedPath    string
	Metadata      Metadata
	LastError     string
	LastAttemptAt time.Time
}

// ObjectKey computes the destination key in the object store (spec §3):
// users/<userId>/uploads/<uploadId-or-multipartId>/<stage>/<relativePath>.
func ObjectKey(idOrMultipartID string, m Metadata) string {
	return fmt.Sprintf("users/%s/uploads/%s/%s/%s", m.UserID, idOrMultipartID, m.Stage, m.RelativePath)
}
