// Package finalize implements the Finalization Orchestrator, the Multipart
// Assembler, the Failure Registry, and the Reaper (spec.md §4.4-§4.6),
// grounded on stut-s3dir's MultipartManager (mutex-guarded map + background
// ticker) generalized to the gateway's part-arrival protocol.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/ingestgw/uploadgw"
	"github.com/ingestgw/uploadgw/internal/objectstore"
	"github.com/ingestgw/uploadgw/internal/stagingstore"
)

// Orchestrator consumes finalization events from the Protocol Endpoint,
// routes single-file vs multi-part, and owns the Assembler and the Failure
// Registry (spec.md §4.4).
type Orchestrator struct {
	store        *stagingstore.Store
	client       *objectstore.Client
	assembler    *Assembler
	registry     *Registry
	logger       uploadgw.Logger
	instrumenter *uploadgw.Instrumenter
	clock        func() time.Time

	workers int
	input   <-chan uploadgw.UploadDescriptor
	stop    chan struct{}
	wg      sync.WaitGroup
}

// Config configures an Orchestrator.
type Config struct {
	Store        *stagingstore.Store
	Client       *objectstore.Client
	Registry     *Registry
	Logger       uploadgw.Logger
	Instrumenter *uploadgw.Instrumenter
	Input        <-chan uploadgw.UploadDescriptor
	// Workers is the size of the finalization worker pool. Zero means
	// runtime.GOMAXPROCS(0), per spec.md §5's "core is designed around
	// parallel workers... not a single-threaded cooperative loop".
	Workers int
	// Clock overrides time.Now, for deterministic tests.
	Clock func() time.Time
}

// NewOrchestrator constructs an Orchestrator. Run must be called to start
// consuming finalization events.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil || cfg.Client == nil || cfg.Input == nil {
		return nil, fmt.Errorf("finalize: store, client, and input channel are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = uploadgw.NewNopLogger()
	}
	instrumenter := cfg.Instrumenter
	if instrumenter == nil {
		instrumenter = uploadgw.NewInstrumenter(nil, nil)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	assembler := NewAssembler(AssemblerConfig{
		Store:        cfg.Store,
		Client:       cfg.Client,
		Registry:     registry,
		Logger:       logger,
		Instrumenter: instrumenter,
		Clock:        clock,
	})

	return &Orchestrator{
		store:        cfg.Store,
		client:       cfg.Client,
		assembler:    assembler,
		registry:     registry,
		logger:       logger,
		instrumenter: instrumenter,
		clock:        clock,
		workers:      workers,
		input:        cfg.Input,
		stop:         make(chan struct{}),
	}, nil
}

// Registry exposes the Failure Registry for the Operator Surface.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Assembler exposes the Multipart Assembler for the Reaper.
func (o *Orchestrator) Assembler() *Assembler { return o.assembler }

// Run starts the worker pool consuming finalization events and returns
// immediately. Workers exit when ctx is canceled, Stop is called, or the
// input channel is closed.
func (o *Orchestrator) Run(ctx context.Context) {
	o.wg.Add(o.workers)
	for i := 0; i < o.workers; i++ {
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-o.stop:
					return
				case descriptor, ok := <-o.input:
					if !ok {
						return
					}
					o.handle(ctx, descriptor)
				}
			}
		}()
	}
}

// Stop signals all workers to exit and waits for them to drain.
func (o *Orchestrator) Stop() {
	close(o.stop)
	o.wg.Wait()
}

func (o *Orchestrator) handle(ctx context.Context, descriptor uploadgw.UploadDescriptor) {
	if descriptor.Metadata.IsMultipart() {
		if err := o.assembler.AddPart(ctx, descriptor); err != nil {
			o.logger.Error("assembler part handling failed", "multipartId", descriptor.Metadata.MultipartID, "error", err)
		}
		return
	}

	if err := o.FinalizeSingle(ctx, descriptor); err != nil {
		o.logger.Error("single-file finalization failed", "uploadId", descriptor.ID, "error", err)
	}
}

// FinalizeSingle implements the single-file finalization algorithm of
// spec.md §4.4: verify non-empty, stat, ensure bucket, compute ObjectKey,
// putStream, stat-verify, delete-on-success or record-FailedUpload.
func (o *Orchestrator) FinalizeSingle(ctx context.Context, descriptor uploadgw.UploadDescriptor) error {
	return o.instrumenter.TraceOperation(ctx, "finalize_single", descriptor.ID, func(ctx context.Context) error {
		info, err := os.Stat(descriptor.StagedPath)
		if err != nil {
			failErr := fmt.Errorf("finalize: stat staged body: %w", err)
			o.recordFailure(descriptor.ID, descriptor, failErr)
			return failErr
		}
		if info.Size() == 0 {
			o.recordFailure(descriptor.ID, descriptor, uploadgw.ErrEmptyBody)
			o.instrumenter.RecordFinalization("single", "empty_body")
			return uploadgw.ErrEmptyBody
		}

		if err := o.client.EnsureBucket(ctx); err != nil {
			o.recordFailure(descriptor.ID, descriptor, err)
			o.instrumenter.RecordFinalization("single", "error")
			return err
		}

		key := uploadgw.ObjectKey(descriptor.ID, descriptor.Metadata)
		contentType := descriptor.Metadata.Filetype

		if err := putAndVerify(ctx, o.client, key, descriptor.StagedPath, info.Size(), contentType, descriptor.Metadata); err != nil {
			o.recordFailure(descriptor.ID, descriptor, err)
			o.instrumenter.RecordFinalization("single", "error")
			return err
		}

		if err := o.store.Delete(descriptor.ID); err != nil {
			o.logger.Error("finalize: cleanup after verified upload failed", "uploadId", descriptor.ID, "error", err)
		}
		o.registry.Remove(descriptor.ID)
		o.instrumenter.RecordFinalization("single", "success")
		o.logger.Info("single-file finalization succeeded", "uploadId", descriptor.ID, "key", key, "size", info.Size())
		return nil
	})
}

func (o *Orchestrator) recordFailure(id string, descriptor uploadgw.UploadDescriptor, err error) {
	o.registry.Record(id, uploadgw.FailedUpload{
		ID:            id,
		StagedPath:    descriptor.StagedPath,
		Metadata:      descriptor.Metadata,
		LastError:     err.Error(),
		LastAttemptAt: o.clock(),
	})
	o.instrumenter.RecordFailureRegistry(o.registry.Len())
}

// RetryOne re-submits a FailedUpload into the single-file finalization path
// using its stored metadata (spec.md §4.6 "Retry one").
func (o *Orchestrator) RetryOne(ctx context.Context, id string) error {
	failed, ok := o.registry.Get(id)
	if !ok {
		return fmt.Errorf("%w: no failed upload %q", uploadgw.ErrNotFound, id)
	}

	info, err := os.Stat(failed.StagedPath)
	if err != nil {
		return fmt.Errorf("finalize: retry stat: %w", err)
	}

	descriptor := uploadgw.UploadDescriptor{
		ID:         id,
		StagedPath: failed.StagedPath,
		Size:       info.Size(),
		Metadata:   failed.Metadata,
	}

	err = o.FinalizeSingle(ctx, descriptor)
	if err != nil {
		o.instrumenter.RecordRetry("failure")
		return err
	}
	o.instrumenter.RecordRetry("success")
	return nil
}

// ProcessResult is the outcome of one staged upload in a ProcessPending
// sweep.
type ProcessResult struct {
	ID       string
	Status   string
	Filename string
	Error    string
}

// ProcessPending scans the Staging Store for bodies not owned by any active
// assembly and not marked as assembled artifacts, reconstructs a synthetic
// Upload from each sidecar (or defaults if absent), and finalizes each
// through the single-file path (spec.md §4.6 "Process pending").
func (o *Orchestrator) ProcessPending(ctx context.Context) ([]ProcessResult, error) {
	ids, err := o.store.ListPending()
	if err != nil {
		return nil, fmt.Errorf("finalize: list pending: %w", err)
	}

	results := make([]ProcessResult, 0, len(ids))
	for _, id := range ids {
		up, err := o.store.Head(id)
		if errors.Is(err, uploadgw.ErrNotFound) {
			// Body without a sidecar: finalize it with default metadata.
			up, err = &uploadgw.Upload{ID: id, Metadata: uploadgw.Metadata{}.WithDefaults(id)}, nil
		}
		if err != nil {
			results = append(results, ProcessResult{ID: id, Status: "failed", Error: err.Error()})
			continue
		}

		if up.Metadata.IsMultipart() {
			// Owned by an in-progress (or not-yet-arrived) assembly; finalizing
			// it as a standalone object would corrupt the assembly and later
			// surface as PART_MISSING_ON_ASSEMBLE. Leave it for the Assembler
			// and Reaper to own.
			continue
		}

		bodyPath, err := o.store.BodyPath(id)
		if err != nil {
			results = append(results, ProcessResult{ID: id, Status: "failed", Error: err.Error()})
			continue
		}

		descriptor := uploadgw.UploadDescriptor{
			ID:         id,
			StagedPath: bodyPath,
			Size:       up.ReceivedLength,
			Metadata:   up.Metadata,
		}

		if err := o.FinalizeSingle(ctx, descriptor); err != nil {
			results = append(results, ProcessResult{ID: id, Status: "failed", Filename: up.Metadata.Filename, Error: err.Error()})
			continue
		}
		results = append(results, ProcessResult{ID: id, Status: "success", Filename: up.Metadata.Filename})
	}

	return results, nil
}

// IsFatalAssemblyError reports whether err is one of the Assembler's fatal
// protocol errors (spec.md §7).
func IsFatalAssemblyError(err error) bool {
	return errors.Is(err, uploadgw.ErrPartMetadataConflict) || errors.Is(err, uploadgw.ErrPartMissing)
}
