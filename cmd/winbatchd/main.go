// winbatchd is the controller: it reads a host/task plan, drives the
// batch coordinator against every host with bounded fan-out and writes
// the result manifests.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "winbatchd",
		Short:         "Session-multiplexing batch executor for remote hosts",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
