package objectstore

import (
	"context"

	"go.uber.org/fx"

	"github.com/ingestgw/uploadgw"
)

// Module provides the Object-Store Client for fx-based wiring (cmd/gatewayd).
func Module() fx.Option {
	return fx.Module("objectstore",
		fx.Provide(NewClientFromConfig),
		fx.Invoke(registerLifecycle),
	)
}

// ClientParams defines the dependencies needed to construct a Client.
type ClientParams struct {
	fx.In

	Config *uploadgw.Config
	Logger uploadgw.Logger `optional:"true"`
}

// NewClientFromConfig constructs a Client from the gateway's Config. Uses a
// background context for loading the AWS configuration since fx does not
// supply a request-scoped context to providers.
func NewClientFromConfig(params ClientParams) (*Client, error) {
	return New(context.Background(), ClientConfig{Config: params.Config, Logger: params.Logger})
}

// LifecycleParams defines the dependencies needed to hook the Client into
// the fx application lifecycle.
type LifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Client    *Client
	Config    *uploadgw.Config
	Logger    uploadgw.Logger `optional:"true"`
}

func registerLifecycle(params LifecycleParams) {
	logger := params.Logger
	if logger == nil {
		logger = uploadgw.NewNopLogger()
	}
	params.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := params.Client.EnsureBucket(ctx); err != nil {
				return err
			}
			logger.Info("objectstore client ready", "bucket", params.Config.Bucket)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return params.Client.Close()
		},
	})
}
