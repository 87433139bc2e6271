// Package tusproto implements the Protocol Endpoint: a Tus-like
// resumable-upload HTTP surface (CREATE/HEAD/PATCH) backed by the Staging
// Store, grounded on tus-tusd's unrouted_handler.go for header handling and
// secure-file-drop's resumable.go for the CREATE/PATCH/HEAD split.
package tusproto

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ingestgw/uploadgw"
	"github.com/ingestgw/uploadgw/internal/stagingstore"
)

const tusResumableVersion = "1.0.0"

// Handler implements http.Handler for the resumable-upload protocol on a
// single configured base path.
type Handler struct {
	store         *stagingstore.Store
	basePath      string
	maxUploadSize int64
	logger        uploadgw.Logger
	instrumenter  *uploadgw.Instrumenter
	finalize      chan<- uploadgw.UploadDescriptor
}

// Config configures a Handler.
type Config struct {
	Store         *stagingstore.Store
	BasePath      string
	MaxUploadSize int64
	Logger        uploadgw.Logger
	Instrumenter  *uploadgw.Instrumenter
	// Finalize receives an UploadDescriptor exactly once per upload, when
	// receivedLength first equals declaredLength (spec.md §4.3). The send
	// happens in the PATCH handler; with a buffered channel it does not wait
	// for the Finalization Orchestrator unless the buffer is full.
	Finalize chan<- uploadgw.UploadDescriptor
}

// NewHandler constructs a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("tusproto: store is required")
	}
	if cfg.Finalize == nil {
		return nil, fmt.Errorf("tusproto: finalize channel is required")
	}
	basePath := strings.TrimSuffix(cfg.BasePath, "/")
	if basePath == "" {
		basePath = "/files"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = uploadgw.NewNopLogger()
	}
	instrumenter := cfg.Instrumenter
	if instrumenter == nil {
		instrumenter = uploadgw.NewInstrumenter(nil, nil)
	}
	return &Handler{
		store:         cfg.Store,
		basePath:      basePath,
		maxUploadSize: cfg.MaxUploadSize,
		logger:        logger,
		instrumenter:  instrumenter,
		finalize:      cfg.Finalize,
	}, nil
}

// ServeHTTP dispatches on method and path, matching the Tus-like contract
// of spec.md §4.3.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Tus-Resumable", tusResumableVersion)

	path := strings.TrimPrefix(r.URL.Path, h.basePath)
	path = strings.TrimPrefix(path, "/")

	switch r.Method {
	case http.MethodPost:
		if path != "" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		h.create(w, r)
	case http.MethodHead:
		if path == "" {
			http.Error(w, "upload id required", http.StatusBadRequest)
			return
		}
		h.head(w, r, path)
	case http.MethodPatch:
		if path == "" {
			http.Error(w, "upload id required", http.StatusBadRequest)
			return
		}
		h.patch(w, r, path)
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// create handles CREATE: POST with Upload-Length and Upload-Metadata.
func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	lengthStr := r.Header.Get("Upload-Length")
	if lengthStr == "" {
		http.Error(w, "Upload-Length header required", http.StatusBadRequest)
		return
	}
	declaredLength, err := strconv.ParseInt(lengthStr, 10, 64)
	if err != nil || declaredLength < 0 {
		http.Error(w, "invalid Upload-Length", http.StatusBadRequest)
		return
	}
	if h.maxUploadSize > 0 && declaredLength > h.maxUploadSize {
		http.Error(w, "Upload-Length exceeds configured maximum", http.StatusRequestEntityTooLarge)
		return
	}

	metadata := decodeUploadMetadata(r.Header.Get("Upload-Metadata"))

	var uploadID string
	err = h.instrumenter.TraceOperation(r.Context(), "create", "", func(ctx context.Context) error {
		id, cErr := h.store.Create(declaredLength, metadata)
		if cErr != nil {
			return cErr
		}
		uploadID = id
		return nil
	})
	if err != nil {
		h.writeStoreError(w, "create", err)
		return
	}

	h.instrumenter.RecordUploadSize("create", declaredLength)

	location := fmt.Sprintf("%s/%s", h.basePath, uploadID)
	w.Header().Set("Location", location)
	w.Header().Set("Upload-Offset", "0")
	w.WriteHeader(http.StatusCreated)
}

// head handles HEAD: returns current offset and declared length.
func (h *Handler) head(w http.ResponseWriter, r *http.Request, uploadID string) {
	up, err := h.store.Head(uploadID)
	if err != nil {
		h.writeStoreError(w, "head", err)
		return
	}
	w.Header().Set("Upload-Offset", strconv.FormatInt(up.ReceivedLength, 10))
	w.Header().Set("Upload-Length", strconv.FormatInt(up.DeclaredLength, 10))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// patch handles PATCH: appends a byte range at Upload-Offset, emitting a
// finalization event exactly once on completion.
func (h *Handler) patch(w http.ResponseWriter, r *http.Request, uploadID string) {
	offsetStr := r.Header.Get("Upload-Offset")
	offset, err := strconv.ParseInt(offsetStr, 10, 64)
	if err != nil {
		http.Error(w, "invalid Upload-Offset", http.StatusBadRequest)
		return
	}
	if r.ContentLength < 0 {
		http.Error(w, "Content-Length required", http.StatusBadRequest)
		return
	}

	var newReceived int64
	err = h.instrumenter.TraceOperation(r.Context(), "patch", uploadID, func(ctx context.Context) error {
		n, aErr := h.store.Append(ctx, uploadID, offset, r.Body, r.ContentLength)
		if aErr != nil {
			return aErr
		}
		newReceived = n
		return nil
	})
	if err != nil {
		h.writeStoreError(w, "patch", err)
		return
	}

	h.instrumenter.RecordUploadSize("patch", r.ContentLength)

	w.Header().Set("Upload-Offset", strconv.FormatInt(newReceived, 10))
	w.WriteHeader(http.StatusNoContent)

	up, err := h.store.Head(uploadID)
	if err != nil {
		h.logger.Error("patch: head after append failed", "uploadId", uploadID, "error", err)
		return
	}
	if up.ReceivedLength != up.DeclaredLength {
		return
	}

	h.emitFinalization(uploadID, up)
}

// emitFinalization marks the sidecar handed-off (the idempotence key) and
// sends an UploadDescriptor on the finalize channel. Marking happens before
// the send so a duplicate PATCH racing in cannot emit twice (spec.md §4.3).
func (h *Handler) emitFinalization(uploadID string, up *uploadgw.Upload) {
	alreadyHandedOff, err := h.store.IsHandedOff(uploadID)
	if err != nil {
		h.logger.Error("emitFinalization: check handed-off failed", "uploadId", uploadID, "error", err)
		return
	}
	if alreadyHandedOff {
		return
	}
	if err := h.store.MarkHandedOff(uploadID); err != nil {
		h.logger.Error("emitFinalization: mark handed-off failed", "uploadId", uploadID, "error", err)
		return
	}

	stagedPath, err := h.store.BodyPath(uploadID)
	if err != nil {
		h.logger.Error("emitFinalization: body path failed", "uploadId", uploadID, "error", err)
		return
	}

	descriptor := uploadgw.UploadDescriptor{
		ID:         uploadID,
		StagedPath: stagedPath,
		Size:       up.ReceivedLength,
		Metadata:   up.Metadata,
	}

	h.finalize <- descriptor
	h.logger.Info("finalization event emitted", "uploadId", uploadID, "size", up.ReceivedLength)
}

func (h *Handler) writeStoreError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, uploadgw.ErrNotFound):
		http.Error(w, "upload not found", http.StatusNotFound)
	case errors.Is(err, uploadgw.ErrOffsetMismatch):
		http.Error(w, "offset mismatch", http.StatusConflict)
	case errors.Is(err, uploadgw.ErrSizeExceeded):
		http.Error(w, "size exceeded", http.StatusRequestEntityTooLarge)
	case errors.Is(err, uploadgw.ErrInvalidPath):
		http.Error(w, "invalid upload id", http.StatusBadRequest)
	default:
		h.logger.Error("tusproto: unexpected store error", "op", op, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// decodeUploadMetadata decodes a Tus Upload-Metadata header: a comma
// separated list of "key base64value" pairs (value optional). Unlike
// secure-file-drop's extractMetadata (which pulls a single named key and
// skips base64 decoding), this decodes every recognized and unrecognized
// key, since the gateway must interpret userId/stage/filename/relativePath/
// filetype/multipartId/partIndex/totalParts together.
func decodeUploadMetadata(header string) uploadgw.Metadata {
	raw := map[string]string{}
	if header != "" {
		pairs := strings.Split(header, ",")
		for _, pair := range pairs {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			parts := strings.SplitN(pair, " ", 2)
			key := parts[0]
			if key == "" {
				continue
			}
			value := ""
			if len(parts) == 2 {
				decoded, err := base64.StdEncoding.DecodeString(parts[1])
				if err == nil {
					value = string(decoded)
				}
			}
			raw[key] = value
		}
	}

	m := uploadgw.Metadata{Extra: map[string]string{}}
	for k, v := range raw {
		switch k {
		case "userId":
			m.UserID = v
		case "stage":
			m.Stage = v
		case "filename":
			m.Filename = v
		case "relativePath":
			m.RelativePath = v
		case "filetype":
			m.Filetype = v
		case "multipartId":
			m.MultipartID = v
		case "partIndex":
			if idx, err := strconv.Atoi(v); err == nil {
				m.PartIndex = idx
				m.HasPartIndex = true
			}
		case "totalParts":
			if total, err := strconv.Atoi(v); err == nil {
				m.TotalParts = total
			}
		default:
			m.Extra[k] = v
		}
	}

	return m
}
