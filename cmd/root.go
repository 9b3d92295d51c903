package cmd

import (
	"fmt"

	"github.com/babelcloud/micstream/config"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/babelcloud/micstream/internal/version"
	"github.com/spf13/cobra"
)

var (
	verbose bool

	rootCmd = &cobra.Command{
		Use:   "micstream",
		Short: "Stream microphone audio to a remote receiver",
		Long: `micstream captures audio from a local input and streams it to a receiver over
TCP, UDP, Bluetooth RFCOMM, USB serial or an adb port forward. A control server
lets other tools start and stop the capture and the stream independently.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			util.InitLogger(verbose)
			util.SetupGlobalLogger()
			if file := config.ConfigFile(); file != "" {
				util.GetLogger().Debug("Using config file", "path", file)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flag("version").Changed {
				info := version.ClientInfo()
				fmt.Printf("micstream version %s, build %s\n", info["Version"], info["GitCommit"])
				return nil
			}
			return cmd.Help()
		},
	}
)

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Flags().BoolP("version", "v", false, "Print version information and exit")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable debug logging")

	rootCmd.AddCommand(NewStreamCommand())
	rootCmd.AddCommand(NewCtlCommand())
	rootCmd.AddCommand(NewReceiveCommand())
	rootCmd.AddCommand(NewDevicesCommand())
	rootCmd.AddCommand(NewVersionCommand())

	// Add unified server command with subcommands
	rootCmd.AddCommand(NewServerCmd())

	// Enable custom help output ordering
	setupHelpCommand(rootCmd)
}
