package cmd

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/asterism-org/asterism/internal/config"
)

// CmdDevices creates and returns a cobra command listing configured devices
func CmdDevices() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "devices [flags]",
			Short: "List the configured devices",
			Long: `Print every device profile from the configuration, inline entries
first and devices-file entries after.

Example:
  asterism devices --config asterism.yaml
`,
			Args: cobra.NoArgs,
		}, nil, runDevices,
	)
}

// runDevices handles the execution of the devices command
func runDevices(ctx *Context, _ []string) error {
	if len(ctx.Config.Devices) == 0 {
		fmt.Println("no devices configured")
		return nil
	}
	fmt.Println(renderDeviceTable(ctx.Config.Devices))
	return nil
}

var deviceHeader = table.Row{
	"Device ID",
	"Endpoint",
	"OS",
	"Capabilities",
	"Max Retries",
}

func renderDeviceTable(devices []config.Device) string {
	deviceTable := table.NewWriter()
	deviceTable.AppendHeader(deviceHeader)

	for _, dev := range devices {
		retries := "default"
		if dev.MaxRetries > 0 {
			retries = fmt.Sprintf("%d", dev.MaxRetries)
		}
		deviceTable.AppendRow(table.Row{
			dev.DeviceID,
			dev.EndpointURL,
			dev.OS,
			strings.Join(dev.Capabilities, ", "),
			retries,
		})
	}

	return deviceTable.Render()
}
