package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/asterism-org/asterism/internal/constellation/builder"
)

// CmdValidate creates and returns a cobra command for validating a
// constellation definition
func CmdValidate() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "validate [flags]",
			Short: "Check a constellation definition without running it",
			Long: `Build a constellation from a YAML definition file and report every
problem found: unknown task references, duplicate ids, self-dependencies,
and dependency cycles.

Example:
  asterism validate --file deploy.yaml
`,
			Args: cobra.NoArgs,
		}, validateFlags, runValidate,
	)
}

// Command line flags for the validate command
var validateFlags = []commandLineFlag{fileFlag}

// runValidate handles the execution of the validate command
func runValidate(ctx *Context, _ []string) error {
	path, err := ctx.StringParam("file")
	if err != nil {
		return err
	}

	plan, err := builder.Load(path)
	if err != nil {
		var list builder.ErrorList
		if errors.As(err, &list) {
			for _, problem := range list {
				fmt.Printf("  - %v\n", problem)
			}
			return fmt.Errorf("%d problems found in %s", len(list), path)
		}
		return err
	}

	stars, lines := plan.Size()
	fmt.Printf("%s is valid: %d tasks, %d dependencies\n", path, stars, lines)
	return nil
}
