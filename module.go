package uploadgw

import (
	"context"
	"fmt"

	"github.com/gostratum/core/configx"
	"github.com/gostratum/metricsx"
	"github.com/gostratum/tracingx"
	"go.uber.org/fx"
)

// Module provides the gateway's ambient stack for fx: configuration and an
// observability instrumenter. It does NOT provide a concrete object-store
// client, staging store, or HTTP endpoint — cmd/gatewayd wires those from
// internal/objectstore, internal/stagingstore, internal/tusproto, and
// internal/finalize, since those depend on uploadgw's types but must not be
// imported back into this root package.
//
// Example usage:
//
//	app := fx.New(
//	    uploadgw.Module(),
//	    objectstore.Module(),
//	    stagingstore.Module(),
//	    fx.Invoke(func(cfg *uploadgw.Config) { ... }),
//	)
func Module() fx.Option {
	return fx.Module("uploadgw",
		fx.Provide(
			NewConfig,
			NewObservabilityInstrumenter,
		),
		fx.Invoke(registerLifecycle),
	)
}

// NewConfig creates a new configuration from the configx loader.
func NewConfig(loader configx.Loader) (*Config, error) {
	cfg := DefaultConfig()
	if err := loader.Bind(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg = cfg.Sanitize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ObservabilityDeps defines optional observability dependencies.
type ObservabilityDeps struct {
	fx.In

	Metrics metricsx.Metrics `optional:"true"`
	Tracer  tracingx.Tracer  `optional:"true"`
}

// NewObservabilityInstrumenter creates an instrumenter for gateway operations.
func NewObservabilityInstrumenter(deps ObservabilityDeps) *Instrumenter {
	return NewInstrumenter(deps.Metrics, deps.Tracer)
}

// LifecycleParams defines parameters for lifecycle management.
type LifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Logger    Logger `optional:"true"`
}

// registerLifecycle registers startup/shutdown log hooks. Component-specific
// lifecycle is registered elsewhere: objectstore.Module ensures the bucket
// and closes the client, and cmd/gatewayd starts and stops the HTTP server,
// the orchestrator workers and the reaper.
func registerLifecycle(params LifecycleParams) {
	logger := params.Logger
	if logger == nil {
		logger = NewNopLogger()
	}

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("uploadgw module started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("uploadgw module stopping")
			return nil
		},
	})
}
