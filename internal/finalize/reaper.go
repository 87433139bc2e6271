package finalize

import (
	"time"

	"github.com/ingestgw/uploadgw"
)

// Reaper periodically sweeps the Assembler for stale incomplete
// MultipartAssembly state (spec.md §4.5). Driven by an injectable clock
// and a stop channel rather than time.AfterFunc, per spec.md §9's redesign
// note favoring an explicit, testable sweep loop.
type Reaper struct {
	assembler      *Assembler
	instrumenter   *uploadgw.Instrumenter
	logger         uploadgw.Logger
	clock          func() time.Time
	interval       time.Duration
	staleThreshold time.Duration
	stop           chan struct{}
	done           chan struct{}
}

// ReaperConfig configures a Reaper.
type ReaperConfig struct {
	Assembler      *Assembler
	Instrumenter   *uploadgw.Instrumenter
	Logger         uploadgw.Logger
	Clock          func() time.Time
	Interval       time.Duration
	StaleThreshold time.Duration
}

// NewReaper constructs a Reaper. Defaults: 1h interval, 1h stale threshold
// (spec.md §4.5).
func NewReaper(cfg ReaperConfig) *Reaper {
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
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	staleThreshold := cfg.StaleThreshold
	if staleThreshold <= 0 {
		staleThreshold = time.Hour
	}
	return &Reaper{
		assembler:      cfg.Assembler,
		instrumenter:   instrumenter,
		logger:         logger,
		clock:          clock,
		interval:       interval,
		staleThreshold: staleThreshold,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Run blocks, sweeping at the configured interval, until Stop is called.
func (r *Reaper) Run() {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.SweepOnce()
		}
	}
}

// SweepOnce performs a single sweep, evicting stale assemblies. Run calls it
// on every tick; it is also exported for tests. The "reap-once" CLI
// subcommand does not use it: that command sweeps the Staging Store
// directly.
func (r *Reaper) SweepOnce() int {
	evicted := r.assembler.EvictStale(r.clock(), r.staleThreshold)
	r.instrumenter.RecordReaperSweep(evicted)
	if evicted > 0 {
		r.logger.Info("reaper sweep evicted stale assemblies", "count", evicted)
	}
	return evicted
}

// Stop signals Run to exit and waits for it to finish.
func (r *Reaper) Stop() {
	close(r.stop)
	<-r.done
}
