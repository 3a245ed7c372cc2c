// Command dtn-routed runs the PRoPHET routing core as a standalone daemon and
// inspects the state it persists.
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
		Use:           "dtn-routed",
		Short:         "Opportunistic PRoPHET routing for a DTN node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newInspectCmd(), newConfigCmd())
	return root
}
