package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sevigo/ci-dispatch/internal/core"
	"github.com/sevigo/ci-dispatch/internal/wire"
)

var consumeQueues []string

var consumeCmd = &cobra.Command{
	Use:   "consume",
	Short: "Runs jobs from the broker queues until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		queues := make([]core.QueueName, 0, len(consumeQueues))
		for _, q := range consumeQueues {
			switch name := core.QueueName(q); name {
			case core.QueuePublic, core.QueueRestricted:
				queues = append(queues, name)
			default:
				return usageError{fmt.Errorf("unknown queue %q", q)}
			}
		}

		worker, cleanup, err := wire.InitializeRunner(ctx)
		if err != nil {
			return usageError{fmt.Errorf("failed to initialize runner: %w", err)}
		}
		defer cleanup()

		return worker.Consume(ctx, queues)
	},
}

func init() { //nolint:gochecknoinits // Cobra's init function for command registration
	consumeCmd.Flags().StringSliceVarP(&consumeQueues, "queue", "q", []string{string(core.QueuePublic)},
		"Queues to consume (public, restricted)")
	rootCmd.AddCommand(consumeCmd)
}
