// Package operator implements the Operator Surface: a small HTTP debug and
// health API exposing the Staging Store and Finalization Orchestrator to
// operators, grounded on zynq-storage's handler package for the liveness/
// readiness split and its writeJSON/writeError helpers (spec.md §6).
package operator

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ingestgw/uploadgw"
	"github.com/ingestgw/uploadgw/internal/finalize"
	"github.com/ingestgw/uploadgw/internal/objectstore"
	"github.com/ingestgw/uploadgw/internal/stagingstore"
)

// Handler implements http.Handler for the operator/debug routes.
type Handler struct {
	store        *stagingstore.Store
	client       *objectstore.Client
	orchestrator *finalize.Orchestrator
	logger       uploadgw.Logger
	mux          *http.ServeMux
}

// Config configures a Handler.
type Config struct {
	Store        *stagingstore.Store
	Client       *objectstore.Client
	Orchestrator *finalize.Orchestrator
	Logger       uploadgw.Logger
}

// NewHandler constructs a Handler and registers its routes.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = uploadgw.NewNopLogger()
	}
	h := &Handler{
		store:        cfg.Store,
		client:       cfg.Client,
		orchestrator: cfg.Orchestrator,
		logger:       logger,
		mux:          http.NewServeMux(),
	}
	h.routes()
	return h
}

func (h *Handler) routes() {
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.HandleFunc("GET /health/minio", h.healthMinio)
	h.mux.HandleFunc("GET /debug/uploads", h.debugUploads)
	h.mux.HandleFunc("GET /debug/failed-uploads", h.debugFailedUploads)
	h.mux.HandleFunc("POST /debug/retry-upload/{uploadId}", h.retryUpload)
	h.mux.HandleFunc("POST /debug/process-pending", h.processPending)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// health is the liveness probe: a fast 200 while the process is alive.
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// healthMinio checks connectivity to the configured object store (spec.md
// §6: GET /health/minio -> 200 connected, 503 disconnected).
func (h *Handler) healthMinio(w http.ResponseWriter, r *http.Request) {
	if err := h.client.CheckHealth(r.Context()); err != nil {
		h.logger.Warn("operator: object store health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "disconnected"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

type stagedFileView struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// debugUploads lists every staged body file on disk (spec.md §6).
func (h *Handler) debugUploads(w http.ResponseWriter, _ *http.Request) {
	files, err := h.store.ListStagedFiles()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]stagedFileView, 0, len(files))
	for _, f := range files {
		views = append(views, stagedFileView{Name: f.Name, Path: f.Path, Size: f.Size})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"files": views,
		"count": len(views),
	})
}

type failedUploadView struct {
	ID            string `json:"id"`
	StagedPath    string `json:"stagedPath"`
	Filename      string `json:"filename"`
	LastError     string `json:"lastError"`
	LastAttemptAt string `json:"lastAttemptAt"`
}

// debugFailedUploads lists the contents of the Failure Registry (spec.md §6).
func (h *Handler) debugFailedUploads(w http.ResponseWriter, _ *http.Request) {
	failed := h.orchestrator.Registry().List()
	views := make([]failedUploadView, 0, len(failed))
	for _, f := range failed {
		views = append(views, failedUploadView{
			ID:            f.ID,
			StagedPath:    f.StagedPath,
			Filename:      f.Metadata.Filename,
			LastError:     f.LastError,
			LastAttemptAt: f.LastAttemptAt.Format(timeFormat),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"failedUploads": views,
		"count":         len(views),
	})
}

// retryUpload re-submits one FailedUpload through the Finalization
// Orchestrator's single-file path (spec.md §6).
func (h *Handler) retryUpload(w http.ResponseWriter, r *http.Request) {
	uploadID := r.PathValue("uploadId")
	if strings.TrimSpace(uploadID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"success": false, "error": "uploadId is required"})
		return
	}

	if err := h.orchestrator.RetryOne(r.Context(), uploadID); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "upload finalized"})
}

type processResultView struct {
	UploadID string `json:"uploadId"`
	Status   string `json:"status"`
	Filename string `json:"filename,omitempty"`
	Error    string `json:"error,omitempty"`
}

// processPending scans the Staging Store for uploads not owned by any active
// assembly and finalizes each (spec.md §6).
func (h *Handler) processPending(w http.ResponseWriter, r *http.Request) {
	results, err := h.orchestrator.ProcessPending(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": err.Error()})
		return
	}

	views := make([]processResultView, 0, len(results))
	var succeeded, failedCount int
	for _, res := range results {
		if res.Status == "success" {
			succeeded++
		} else {
			failedCount++
		}
		views = append(views, processResultView{
			UploadID: res.ID,
			Status:   res.Status,
			Filename: res.Filename,
			Error:    res.Error,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"processed": succeeded,
		"failed":    failedCount,
		"total":     len(results),
		"results":   views,
	})
}

const timeFormat = "2006-01-02T15:04:05Z07:00"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
