package finalize

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ingestgw/uploadgw"
	"github.com/ingestgw/uploadgw/internal/objectstore"
	"github.com/ingestgw/uploadgw/internal/stagingstore"
)

// partRef is one recorded part of an in-progress assembly.
type partRef struct {
	uploadID   string
	stagedPath string
}

// assembly is the in-memory MultipartAssembly record (spec.md §3).
type assembly struct {
	multipartID       string
	totalParts        int
	parts             map[int]partRef
	canonicalFilename string
	canonicalMetadata uploadgw.Metadata
	firstSeenAt       time.Time
}

// Assembler tracks in-progress multi-part logical files, concatenates them
// in ascending numeric partIndex order when complete, and uploads the
// result via the Single-File path (spec.md §4.5).
type Assembler struct {
	mu         sync.Mutex
	assemblies map[string]*assembly

	store        *stagingstore.Store
	client       *objectstore.Client
	registry     *Registry
	logger       uploadgw.Logger
	instrumenter *uploadgw.Instrumenter
	clock        func() time.Time
}

// AssemblerConfig configures an Assembler.
type AssemblerConfig struct {
	Store        *stagingstore.Store
	Client       *objectstore.Client
	Registry     *Registry
	Logger       uploadgw.Logger
	Instrumenter *uploadgw.Instrumenter
	Clock        func() time.Time
}

// NewAssembler constructs an Assembler.
func NewAssembler(cfg AssemblerConfig) *Assembler {
	logger := cfg.Logger
	if logger == nil {
		logger = uploadgw.NewNopLogger()
	}
	instrumenter := cfg.Instrumenter
	if instrumenter == nil {
		instrumenter = uploadgw.NewInstrumenter(nil, nil)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	return &Assembler{
		assemblies:   make(map[string]*assembly),
		store:        cfg.Store,
		client:       cfg.Client,
		registry:     registry,
		logger:       logger,
		instrumenter: instrumenter,
		clock:        clock,
	}
}

// AddPart implements the part-arrival protocol of spec.md §4.5: create on
// first arrival, verify on subsequent arrivals, last-write-wins on
// duplicate indices, assemble when the part count reaches totalParts.
func (a *Assembler) AddPart(ctx context.Context, d uploadgw.UploadDescriptor) error {
	m := d.Metadata
	multipartID := m.MultipartID

	a.mu.Lock()

	asm, exists := a.assemblies[multipartID]
	if !exists {
		asm = &assembly{
			multipartID:       multipartID,
			totalParts:        m.TotalParts,
			canonicalFilename: m.Filename,
			canonicalMetadata: m,
			parts:             make(map[int]partRef),
			firstSeenAt:       a.clock(),
		}
		a.assemblies[multipartID] = asm
	} else if asm.totalParts != m.TotalParts || asm.canonicalFilename != m.Filename {
		delete(a.assemblies, multipartID)
		a.mu.Unlock()
		conflicting := &partRef{uploadID: d.ID, stagedPath: d.StagedPath}
		a.failAssembly(asm, uploadgw.ErrPartMetadataConflict, conflicting)
		return uploadgw.ErrPartMetadataConflict
	}

	if prior, dup := asm.parts[m.PartIndex]; dup && prior.uploadID != d.ID {
		if err := a.store.Delete(prior.uploadID); err != nil {
			a.logger.Error("assembler: delete superseded part failed", "multipartId", multipartID, "partIndex", m.PartIndex, "error", err)
		}
	}
	asm.parts[m.PartIndex] = partRef{uploadID: d.ID, stagedPath: d.StagedPath}

	complete := len(asm.parts) >= asm.totalParts
	var snapshot *assembly
	if complete {
		snapshot = cloneAssembly(asm)
		delete(a.assemblies, multipartID)
	}
	a.mu.Unlock()

	if !complete {
		return nil
	}

	return a.finishAssembly(ctx, snapshot)
}

func cloneAssembly(asm *assembly) *assembly {
	parts := make(map[int]partRef, len(asm.parts))
	for k, v := range asm.parts {
		parts[k] = v
	}
	return &assembly{
		multipartID:       asm.multipartID,
		totalParts:        asm.totalParts,
		canonicalFilename: asm.canonicalFilename,
		canonicalMetadata: asm.canonicalMetadata,
		parts:             parts,
		firstSeenAt:       asm.firstSeenAt,
	}
}

// finishAssembly concatenates parts outside the map lock (spec.md §5: "I/O
// outside the lock, on a snapshot of part paths taken under the lock"),
// uploads via the Single-File path, and cleans up according to outcome.
func (a *Assembler) finishAssembly(ctx context.Context, asm *assembly) error {
	return a.instrumenter.TraceOperation(ctx, "assemble", asm.multipartID, func(ctx context.Context) error {
		assembledPath, size, err := a.concatenate(asm)
		if err != nil {
			a.failAssembly(asm, err, nil)
			return err
		}
		defer os.Remove(assembledPath)

		key := uploadgw.ObjectKey(asm.multipartID, asm.canonicalMetadata)
		contentType := asm.canonicalMetadata.Filetype

		if err := putAndVerify(ctx, a.client, key, assembledPath, size, contentType, asm.canonicalMetadata); err != nil {
			// spec.md §4.5 step d: keep part bodies on failure, so the
			// operator may retry; only the assembled artifact is removed.
			a.registry.Record(asm.multipartID, uploadgw.FailedUpload{
				ID:            asm.multipartID,
				StagedPath:    assembledPath,
				Metadata:      asm.canonicalMetadata,
				LastError:     err.Error(),
				LastAttemptAt: a.clock(),
			})
			a.instrumenter.RecordFailureRegistry(a.registry.Len())
			a.instrumenter.RecordFinalization("multipart", "error")
			return err
		}

		for _, p := range asm.parts {
			if err := a.store.Delete(p.uploadID); err != nil {
				a.logger.Error("assembler: delete part after success failed", "multipartId", asm.multipartID, "uploadId", p.uploadID, "error", err)
			}
		}
		a.registry.Remove(asm.multipartID)
		a.instrumenter.RecordAssemblyParts(len(asm.parts))
		a.instrumenter.RecordFinalization("multipart", "success")
		a.logger.Info("multipart assembly finalized", "multipartId", asm.multipartID, "key", key, "size", size, "parts", len(asm.parts))
		return nil
	})
}

// concatenate opens a new staging file prefixed assembled- and appends each
// part's body in ascending numeric partIndex order (never lexicographic,
// spec.md §4.5's explicit "10 < 2" bug it avoids).
func (a *Assembler) concatenate(asm *assembly) (path string, size int64, err error) {
	indices := make([]int, 0, len(asm.parts))
	for idx := range asm.parts {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	assembledPath := filepath.Join(a.store.Dir(), stagingstore.AssembledPrefix+asm.multipartID)
	out, err := os.Create(assembledPath)
	if err != nil {
		return "", 0, fmt.Errorf("finalize: create assembled file: %w", err)
	}
	defer out.Close()

	var total int64
	for _, idx := range indices {
		p := asm.parts[idx]
		in, openErr := os.Open(p.stagedPath)
		if openErr != nil {
			os.Remove(assembledPath)
			return "", 0, fmt.Errorf("%w: part %d at %q", uploadgw.ErrPartMissing, idx, p.stagedPath)
		}
		n, copyErr := io.Copy(out, in)
		in.Close()
		if copyErr != nil {
			os.Remove(assembledPath)
			return "", 0, fmt.Errorf("finalize: copy part %d: %w", idx, copyErr)
		}
		total += n
	}

	if err := out.Sync(); err != nil {
		os.Remove(assembledPath)
		return "", 0, fmt.Errorf("finalize: sync assembled file: %w", err)
	}
	return assembledPath, total, nil
}

// failAssembly records a fatal PART_METADATA_CONFLICT / PART_MISSING
// error: drops assembly state (already removed from the map by the
// caller), deletes all previously recorded part bodies plus, when given,
// the incoming conflicting part that triggered the failure, and records a
// FailedUpload keyed by multipartId (spec.md §4.5 step 2, §7:
// "delete part bodies").
func (a *Assembler) failAssembly(asm *assembly, cause error, conflicting *partRef) {
	for _, p := range asm.parts {
		if err := a.store.Delete(p.uploadID); err != nil {
			a.logger.Error("assembler: delete part on fatal error failed", "multipartId", asm.multipartID, "uploadId", p.uploadID, "error", err)
		}
	}
	if conflicting != nil {
		if err := a.store.Delete(conflicting.uploadID); err != nil {
			a.logger.Error("assembler: delete conflicting part failed", "multipartId", asm.multipartID, "uploadId", conflicting.uploadID, "error", err)
		}
	}
	a.registry.Record(asm.multipartID, uploadgw.FailedUpload{
		ID:            asm.multipartID,
		Metadata:      asm.canonicalMetadata,
		LastError:     cause.Error(),
		LastAttemptAt: a.clock(),
	})
	a.instrumenter.RecordFailureRegistry(a.registry.Len())
	a.instrumenter.RecordFinalization("multipart", "fatal")
	a.logger.Error("assembly failed fatally", "multipartId", asm.multipartID, "error", cause)
}

// EvictStale removes any assembly older than staleThreshold (as of now)
// whose part count is still short of totalParts, deleting its part bodies
// and sidecars (spec.md §4.5 Reaper, §7 STALE_ASSEMBLY).
func (a *Assembler) EvictStale(now time.Time, staleThreshold time.Duration) int {
	a.mu.Lock()
	var stale []*assembly
	for id, asm := range a.assemblies {
		if now.Sub(asm.firstSeenAt) > staleThreshold && len(asm.parts) < asm.totalParts {
			stale = append(stale, cloneAssembly(asm))
			delete(a.assemblies, id)
		}
	}
	a.mu.Unlock()

	for _, asm := range stale {
		for _, p := range asm.parts {
			if err := a.store.Delete(p.uploadID); err != nil {
				a.logger.Error("reaper: delete stale part failed", "multipartId", asm.multipartID, "uploadId", p.uploadID, "error", err)
			}
		}
		a.logger.Info("stale assembly evicted", "multipartId", asm.multipartID, "receivedParts", len(asm.parts), "totalParts", asm.totalParts)
	}
	return len(stale)
}

// Len returns the number of in-progress assemblies, for tests and metrics.
func (a *Assembler) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.assemblies)
}
