package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCommand builds harvestctl, the operator tooling that lives next
// to the orchestration services: linting pipeline definitions, working with
// the processing image recipe, and producing the canonical labels
// collection.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "harvestctl",
		Short: "Operator tooling for the harvest orchestration platform.",
	}
	root.SilenceUsage = true

	root.AddCommand(
		newPipelinesCommand(),
		newRecipesCommand(),
		newLabelsCommand(),
		newHoldCommand(),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
