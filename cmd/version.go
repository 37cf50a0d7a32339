package cmd

import (
	"github.com/spf13/cobra"

	"github.com/asterism-org/asterism/internal/config"
)

func CmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Display the binary version",
		Long:  `Print the current version of the asterism executable.`,
		Run: func(_ *cobra.Command, _ []string) {
			println(config.Version)
		},
	}
}
