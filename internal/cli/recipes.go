package cli

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"cropharvest-orchestrator/internal/recipe"
	"cropharvest-orchestrator/internal/runner"
)

func newRecipesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipes",
		Short: "Validate, plan, and build container recipes.",
	}
	cmd.AddCommand(
		newRecipesValidateCommand(),
		newRecipesPlanCommand(),
		newRecipesBuildCommand(),
	)
	return cmd
}

type recipesOptions struct {
	Context string
	Tag     string
}

func (o *recipesOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Context, "context", ".", "Build context directory")
	fs.StringVar(&o.Tag, "tag", "cropharvest/processing:latest", "Image tag for the built recipe")
}

func newRecipesValidateCommand() *cobra.Command {
	opts := &recipesOptions{}

	cmd := &cobra.Command{
		Use:   "validate <recipe>",
		Short: "Check a recipe against its build context.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys := afero.NewOsFs()
			r, err := recipe.LoadFile(fsys, opts.Context, args[0])
			if err != nil {
				return err
			}
			if err := r.Validate(fsys, opts.Context); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s OK (base image %s)\n", args[0], r.From)
			return nil
		},
	}

	opts.addFlags(cmd.Flags())
	return cmd
}

func newRecipesPlanCommand() *cobra.Command {
	opts := &recipesOptions{}

	cmd := &cobra.Command{
		Use:   "plan <recipe>",
		Short: "Print the builder commands for a recipe without running them.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := recipe.LoadFile(afero.NewOsFs(), opts.Context, args[0])
			if err != nil {
				return err
			}
			plan := r.Plan(opts.Tag, opts.Context)
			for _, step := range plan.Steps {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s\n", step.Name, step.Command)
			}
			return nil
		},
	}

	opts.addFlags(cmd.Flags())
	return cmd
}

func newRecipesBuildCommand() *cobra.Command {
	opts := &recipesOptions{}

	cmd := &cobra.Command{
		Use:   "build <recipe>",
		Short: "Validate a recipe and build its image.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fsys := afero.NewOsFs()
			r, err := recipe.LoadFile(fsys, opts.Context, args[0])
			if err != nil {
				return err
			}
			if err := r.Validate(fsys, opts.Context); err != nil {
				return err
			}

			plan := r.Plan(opts.Tag, opts.Context)
			observe := func(report runner.StepReport) {
				fmt.Fprintf(cmd.OutOrStdout(), "--- %s (exit %d, %s)\n", report.Spec.Name, report.Result.ExitCode, report.Result.Duration.Round(time.Millisecond))
				_, _ = cmd.OutOrStdout().Write(report.Result.Stdout)
				_, _ = cmd.ErrOrStderr().Write(report.Result.Stderr)
			}
			if err := recipe.Build(cmd.Context(), &runner.ExecCommander{}, plan, observe); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "built %s\n", plan.Tag)
			return nil
		},
	}

	opts.addFlags(cmd.Flags())
	return cmd
}
