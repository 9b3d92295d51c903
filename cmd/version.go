package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/babelcloud/micstream/internal/util"
	"github.com/babelcloud/micstream/internal/version"
	"github.com/spf13/cobra"
)

// NewVersionCommand prints build and protocol information
func NewVersionCommand() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.ClientInfo()
			protocol := version.ProtocolInfo()

			if outputFormat == "json" {
				out, _ := json.MarshalIndent(map[string]interface{}{
					"client":   info,
					"protocol": protocol,
				}, "", "  ")
				fmt.Println(string(out))
				return nil
			}

			fmt.Printf("micstream version %s\n", info["Version"])
			fmt.Printf("  Go version:  %s\n", info["GoVersion"])
			fmt.Printf("  Git commit:  %s\n", info["GitCommit"])
			fmt.Printf("  Built:       %s\n", info["FormattedTime"])
			fmt.Printf("  OS/Arch:     %s/%s\n\n", info["OS"], info["Arch"])

			keys := make([]string, 0, len(protocol))
			for k := range protocol {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			rows := make([]map[string]interface{}, 0, len(keys))
			for _, k := range keys {
				rows = append(rows, map[string]interface{}{"key": k, "value": protocol[k]})
			}
			util.RenderTable(os.Stdout, []util.TableColumn{
				{Header: "PROTOCOL", Key: "key"},
				{Header: "VALUE", Key: "value"},
			}, rows)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "text", "Output format (json or text)")
	return cmd
}
