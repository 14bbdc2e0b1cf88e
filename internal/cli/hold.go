package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"cropharvest-orchestrator/internal/recipe"
)

// newHoldCommand creates the `hold` command, the processing container's
// idle entrypoint. It parks until SIGINT or SIGTERM so the container stays
// alive for exec sessions.
func newHoldCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hold",
		Short: "Block until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return recipe.Hold(ctx)
		},
	}
}
