package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/babelcloud/micstream/config"
	"github.com/babelcloud/micstream/internal/device"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// NewDevicesCommand lists the peers each transport medium could reach
func NewDevicesCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List adb devices, USB serial ports and the configured Bluetooth peer",
		Example: `  micstream devices
  micstream devices -o json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			peers, err := device.NewDiscoverer().All()
			if err != nil {
				util.GetLogger().Debug("Device listing incomplete", "error", err)
			}
			if addr := config.GetBluetoothAddress(); addr != "" {
				peers = append(peers, device.Peer{
					Medium:         "BLUETOOTH",
					ID:             addr,
					Status:         "configured",
					ConnectionType: "rfcomm",
					Detail:         fmt.Sprintf("channel %d", config.GetBluetoothChannel()),
				})
			}

			if outputFormat == "json" {
				out, _ := json.MarshalIndent(map[string]interface{}{"data": peers}, "", "  ")
				fmt.Println(string(out))
				return nil
			}

			if len(peers) == 0 {
				fmt.Println("No devices found")
				return nil
			}

			rows := make([]map[string]interface{}, 0, len(peers))
			for _, p := range peers {
				status := p.Status
				if p.Usable() {
					status = color.GreenString(status)
				} else if p.Status != "configured" {
					status = color.YellowString(status)
				}
				rows = append(rows, map[string]interface{}{
					"medium": p.Medium,
					"id":     p.ID,
					"status": status,
					"model":  p.Model,
					"type":   p.ConnectionType,
					"detail": p.Detail,
				})
			}
			util.RenderTable(os.Stdout, []util.TableColumn{
				{Header: "MEDIUM", Key: "medium"},
				{Header: "ID", Key: "id"},
				{Header: "STATUS", Key: "status"},
				{Header: "MODEL", Key: "model"},
				{Header: "TYPE", Key: "type"},
				{Header: "DETAIL", Key: "detail"},
			}, rows)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (json or text)")
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})
	return cmd
}
