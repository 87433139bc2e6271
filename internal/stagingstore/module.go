package stagingstore

import (
	"go.uber.org/fx"

	"github.com/ingestgw/uploadgw"
)

// Module provides the Staging Store for fx-based wiring (cmd/gatewayd).
func Module() fx.Option {
	return fx.Module("stagingstore",
		fx.Provide(NewStoreFromConfig),
	)
}

// StoreParams defines the dependencies needed to construct a Store.
type StoreParams struct {
	fx.In

	Config *uploadgw.Config
	Logger uploadgw.Logger `optional:"true"`
}

// NewStoreFromConfig constructs a Store from the gateway's Config.
func NewStoreFromConfig(params StoreParams) (*Store, error) {
	var opts []uploadgw.Option
	if params.Logger != nil {
		opts = append(opts, uploadgw.WithLogger(params.Logger))
	}
	return New(params.Config.StagingDir, params.Config.MaxUploadSize, opts...)
}
