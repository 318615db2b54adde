// winbatch-agent is the remote side of the batch protocol. The
// controller ships it an encoded payload through the wrapper
// invocation; the agent decodes it, executes the tasks in order and
// leaves status and result artifacts in its working directory.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andrej220/winbatch/internal/agent"
	"github.com/andrej220/winbatch/pkg/lg"
	"github.com/andrej220/winbatch/pkg/payload"
)

// protocolGeneration is reported by `winbatch-agent version` and
// consumed by the controller's capability negotiation.
const protocolGeneration = int(payload.GenStdin)

func main() {
	root := &cobra.Command{
		Use:           "winbatch-agent",
		Short:         "Remote batch executor for the winbatch connection layer",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newVersionCmd(), newExecCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the protocol generation",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), protocolGeneration)
		},
	}
}

func newExecCmd() *cobra.Command {
	var workdir string
	var blob string
	var debug bool

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Decode a batch payload and execute it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if blob == "" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read payload from stdin: %w", err)
				}
				blob = strings.TrimSpace(string(data))
			}
			if blob == "" {
				return fmt.Errorf("no payload provided")
			}

			env, tasks, err := payload.Decode(blob)
			if err != nil {
				return fmt.Errorf("decode payload: %w", err)
			}

			log := lg.New(lg.Config{ServiceName: "winbatch-agent", Debug: debug})
			defer log.Sync()

			exec := agent.New(workdir, log)
			// Task-level failures live in the result artifacts; the
			// agent exits non-zero only when the batch is unusable.
			if _, err := exec.Execute(ctx, env, tasks); err != nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workdir, "workdir", ".", "directory for batch artifacts")
	cmd.Flags().StringVar(&blob, "payload", "", "encoded payload (defaults to stdin)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	return cmd
}
