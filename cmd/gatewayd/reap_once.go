package main

import (
	"fmt"
	"time"

	"github.com/gostratum/core/configx"
	"github.com/spf13/cobra"

	"github.com/ingestgw/uploadgw"
	"github.com/ingestgw/uploadgw/internal/stagingstore"
)

func newReapOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap-once",
		Short: "Evict stale in-flight multipart parts from the staging directory and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReapOnce()
		},
	}
}

// runReapOnce is the disk-based counterpart to the live server's Reaper: the
// running server tracks MultipartAssembly state in memory (spec.md §9 notes
// this does not survive a restart), so this subcommand instead sweeps the
// Staging Store directly for part uploads whose sidecar shows multipart
// metadata and has gone idle past the stale threshold. Useful as a cron job
// against a staging directory left behind by a crashed server.
func runReapOnce() error {
	cfg, err := uploadgw.NewConfig(configx.New())
	if err != nil {
		return fmt.Errorf("reap-once: load config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	store, err := stagingstore.New(cfg.StagingDir, cfg.MaxUploadSize, uploadgw.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("reap-once: open staging store: %w", err)
	}

	ids, err := store.ListPending()
	if err != nil {
		return fmt.Errorf("reap-once: list pending: %w", err)
	}

	now := time.Now()
	evicted := 0
	for _, id := range ids {
		up, err := store.Head(id)
		if err != nil {
			logger.Warn("reap-once: head failed, skipping", "uploadId", id, "error", err)
			continue
		}
		if !up.Metadata.IsMultipart() {
			continue
		}
		if now.Sub(up.LastActivityAt) <= cfg.ReaperStaleThreshold {
			continue
		}
		if err := store.Delete(id); err != nil {
			logger.Error("reap-once: delete stale part failed", "uploadId", id, "error", err)
			continue
		}
		evicted++
		logger.Info("reap-once evicted stale part", "uploadId", id, "multipartId", up.Metadata.MultipartID)
	}

	fmt.Printf("evicted %d stale part uploads\n", evicted)
	return nil
}
