package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

type commandLineFlag struct {
	name, shorthand, defaultValue, usage string
	required                             bool
}

var (
	configFlag = commandLineFlag{
		name:      "config",
		shorthand: "c",
		usage:     "config file (default is $HOME/.config/asterism/asterism.yaml)",
	}
	fileFlag = commandLineFlag{
		name:      "file",
		shorthand: "f",
		usage:     "constellation definition file (YAML)",
		required:  true,
	}
	metricsFlag = commandLineFlag{
		name:  "metrics",
		usage: "serve Prometheus metrics on this address while the session runs (e.g. \":9090\")",
	}
)

// initFlags registers the string flags for a command; every command also
// carries the config and quiet flags.
func initFlags(cmd *cobra.Command, addFlags ...commandLineFlag) {
	cmd.Flags().BoolP("quiet", "q", false, "suppress console output")
	addFlags = append(addFlags, configFlag)
	for _, flag := range addFlags {
		cmd.Flags().StringP(flag.name, flag.shorthand, flag.defaultValue, flag.usage)
		if flag.required {
			if err := cmd.MarkFlagRequired(flag.name); err != nil {
				fmt.Printf("failed to mark flag %s as required: %v\n", flag.name, err)
			}
		}
	}
}

// bindFlags mirrors the command flags into viper so the config loader can
// pick up the config path regardless of which command runs.
func bindFlags(cmd *cobra.Command, addFlags ...commandLineFlag) error {
	flags := []string{"config"}
	for _, flag := range addFlags {
		flags = append(flags, flag.name)
	}
	for _, flag := range flags {
		if err := viper.BindPFlag(flag, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", flag, err)
		}
	}
	return nil
}
