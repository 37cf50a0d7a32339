package cmd

import (
	"github.com/spf13/cobra"

	"github.com/asterism-org/asterism/internal/config"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   config.AppSlug,
	Short: "Constellation orchestration across a device fleet.",
	Long: `Asterism connects device agents over WebSocket relays and executes
task constellations across them.`,
}

// Execute adds all child commands to the root command and runs it. This is
// called by main.main() and only needs to happen once.
func Execute() error {
	return rootCmd.Execute()
}

func registerCommands() {
	rootCmd.AddCommand(CmdRun())
	rootCmd.AddCommand(CmdValidate())
	rootCmd.AddCommand(CmdDevices())
	rootCmd.AddCommand(CmdVersion())
}

func init() {
	registerCommands()
}
