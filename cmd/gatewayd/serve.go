package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gostratum/core/configx"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/ingestgw/uploadgw"
	"github.com/ingestgw/uploadgw/internal/finalize"
	"github.com/ingestgw/uploadgw/internal/objectstore"
	"github.com/ingestgw/uploadgw/internal/operator"
	"github.com/ingestgw/uploadgw/internal/stagingstore"
	"github.com/ingestgw/uploadgw/internal/tusproto"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway's HTTP server (protocol endpoint + operator surface)",
		RunE: func(cmd *cobra.Command, args []string) error {
			loader := configx.New()
			app := fx.New(
				uploadgw.Module(),
				objectstore.Module(),
				stagingstore.Module(),
				fx.Supply(loader),
				fx.Provide(newLogger),
				fx.Invoke(runServer),
			)
			return app.Run()
		},
	}
}

// newLogger builds the gateway's Logger from Config.EnableLogging, the way
// the teacher's storagex.NewLogger picks a development config for local/
// MinIO endpoints and production config otherwise.
func newLogger(cfg *uploadgw.Config) (uploadgw.Logger, error) {
	if !cfg.EnableLogging {
		return uploadgw.NewNopLogger(), nil
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.IsMinIO() {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	zl, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("gatewayd: build logger: %w", err)
	}
	return uploadgw.NewZapLogger(zl), nil
}

// ServerParams are the dependencies needed to wire and run the gateway's
// single HTTP server (spec.md §6: protocol endpoint and operator surface
// share one port).
type ServerParams struct {
	fx.In

	Lifecycle    fx.Lifecycle
	Config       *uploadgw.Config
	Client       *objectstore.Client
	Store        *stagingstore.Store
	Instrumenter *uploadgw.Instrumenter
	Logger       uploadgw.Logger
}

func runServer(params ServerParams) error {
	logger := params.Logger
	cfg := params.Config

	finalizeCh := make(chan uploadgw.UploadDescriptor, 256)

	tusHandler, err := tusproto.NewHandler(tusproto.Config{
		Store:         params.Store,
		BasePath:      cfg.TusBasePath,
		MaxUploadSize: cfg.MaxUploadSize,
		Logger:        logger,
		Instrumenter:  params.Instrumenter,
		Finalize:      finalizeCh,
	})
	if err != nil {
		return fmt.Errorf("gatewayd: construct protocol endpoint: %w", err)
	}

	orchestrator, err := finalize.NewOrchestrator(finalize.Config{
		Store:        params.Store,
		Client:       params.Client,
		Logger:       logger,
		Instrumenter: params.Instrumenter,
		Input:        finalizeCh,
	})
	if err != nil {
		return fmt.Errorf("gatewayd: construct finalization orchestrator: %w", err)
	}

	reaper := finalize.NewReaper(finalize.ReaperConfig{
		Assembler:      orchestrator.Assembler(),
		Instrumenter:   params.Instrumenter,
		Logger:         logger,
		Interval:       cfg.ReaperInterval,
		StaleThreshold: cfg.ReaperStaleThreshold,
	})

	operatorHandler := operator.NewHandler(operator.Config{
		Store:        params.Store,
		Client:       params.Client,
		Orchestrator: orchestrator,
		Logger:       logger,
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.TusBasePath, tusHandler)
	mux.Handle(cfg.TusBasePath+"/", tusHandler)
	mux.Handle("/", operatorHandler)

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	var workerCtx context.Context
	var cancelWorkers context.CancelFunc

	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			workerCtx, cancelWorkers = context.WithCancel(context.Background())
			orchestrator.Run(workerCtx)
			go reaper.Run()

			ln := httpServer.Addr
			go func() {
				logger.Info("gatewayd listening", "addr", ln, "tusBasePath", cfg.TusBasePath)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("gatewayd: http server exited", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("gatewayd: http server shutdown failed", "error", err)
			}
			reaper.Stop()
			orchestrator.Stop()
			if cancelWorkers != nil {
				cancelWorkers()
			}
			return nil
		},
	})

	return nil
}
