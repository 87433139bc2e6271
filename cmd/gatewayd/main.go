// Command gatewayd runs the resumable-upload ingestion gateway: the
// protocol endpoint, finalization pipeline, and operator surface on one
// HTTP port, grounded on rescale-int's cobra root-command structure.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gatewayd",
		Short: "Resumable-upload ingestion gateway",
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newReapOnceCmd())
	return root
}
