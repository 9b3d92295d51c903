package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"

	"github.com/babelcloud/micstream/config"
	"github.com/babelcloud/micstream/internal/control"
	"github.com/babelcloud/micstream/internal/daemon"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type ctlOptions struct {
	port         int
	outputFormat string
}

// NewCtlCommand sends control commands to a running server
func NewCtlCommand() *cobra.Command {
	opts := &ctlOptions{}

	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control the streaming pipeline of a running server",
		Long: `Send control commands to the micstream server, starting it in the background
if needed. Streaming (the transport side) and audio (the capture side) start
and stop independently.`,
		Example: `  micstream ctl set-endpoint 192.168.1.20 55555
  micstream ctl set-mode wifi
  micstream ctl start-audio
  micstream ctl start-stream
  micstream ctl status -o json`,
	}

	flags := cmd.PersistentFlags()
	flags.IntVarP(&opts.port, "port", "p", config.GetServerPort(), "Server port")
	flags.StringVarP(&opts.outputFormat, "output", "o", "text", "Output format (json or text)")
	cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	simple := []struct {
		use   string
		short string
		op    control.Opcode
	}{
		{"start-stream", "Connect a transport and start sending buffered audio", control.StartStream},
		{"stop-stream", "Stop sending and close the transport", control.StopStream},
		{"start-audio", "Start capturing from the audio source", control.StartAudio},
		{"stop-audio", "Stop capturing", control.StopAudio},
		{"disconnect", "Drop the current transport session", control.DisconnectStream},
	}
	for _, s := range simple {
		op := s.op
		cmd.AddCommand(&cobra.Command{
			Use:           s.use,
			Short:         s.short,
			Args:          cobra.NoArgs,
			SilenceUsage:  true,
			SilenceErrors: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runCtl(opts, control.Command{Op: op})
			},
		})
	}

	cmd.AddCommand(&cobra.Command{
		Use:           "set-endpoint IP PORT",
		Short:         "Set the receiver address used by wifi and udp",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCtl(opts, control.Command{Op: control.SetIPPort, IP: args[0], Port: args[1]})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "set-mode MODE",
		Short:         "Select the transport medium",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) > 0 {
				return nil, cobra.ShellCompDirectiveNoFileComp
			}
			return completeModes(), cobra.ShellCompDirectiveNoFileComp
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCtl(opts, control.Command{Op: control.SetMode, Mode: args[0]})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "status",
		Short:         "Show the controller state",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCtl(opts, control.Command{Op: control.GetStatus})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:           "send OPCODE",
		Short:         "Send a raw opcode by name or number",
		Hidden:        true,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			op, err := control.ParseOpcode(args[0])
			if err != nil {
				return err
			}
			return runCtl(opts, control.Command{Op: op})
		},
	})

	return cmd
}

func runCtl(opts *ctlOptions, command control.Command) error {
	// CallAPI starts the server in the background when it is not running
	dm := daemon.NewManagerFor(opts.port, config.GetHome())
	var reply control.Reply
	if err := dm.CallAPI(http.MethodPost, "/api/command", command, &reply); err != nil {
		return err
	}

	if opts.outputFormat == "json" {
		out, _ := json.MarshalIndent(reply, "", "  ")
		fmt.Println(string(out))
	} else {
		printReply(reply)
	}

	if !reply.OK {
		return errors.Errorf("%s failed: %s", reply.Op, reply.Error)
	}
	return nil
}

func printReply(reply control.Reply) {
	if reply.Op != control.GetStatus {
		if reply.OK {
			msg := reply.Message
			if msg == "" {
				msg = "done"
			}
			fmt.Printf("%s %s: %s\n", color.GreenString("✓"), reply.Op, msg)
		} else {
			fmt.Printf("%s %s: %s\n", color.RedString("✗"), reply.Op, reply.Error)
		}
		fmt.Println()
	}
	printStatus(reply.Status)
}

func printStatus(s control.Status) {
	flag := func(b bool) string {
		if b {
			return color.GreenString("true")
		}
		return color.RedString("false")
	}

	rows := []map[string]interface{}{
		{"key": "stream running", "value": flag(s.StreamRunning)},
		{"key": "stream stop requested", "value": flag(s.StreamStopRequested)},
		{"key": "audio running", "value": flag(s.AudioRunning)},
		{"key": "audio stop requested", "value": flag(s.AudioStopRequested)},
		{"key": "mode", "value": s.Mode},
		{"key": "selected", "value": s.Selected},
		{"key": "transport", "value": s.Transport},
		{"key": "endpoint", "value": s.Endpoint},
		{"key": "buffered", "value": strconv.Itoa(s.Buffered)},
		{"key": "dropped", "value": strconv.FormatUint(s.Dropped, 10)},
	}
	if s.LastError != "" {
		rows = append(rows, map[string]interface{}{"key": "last error", "value": color.YellowString(s.LastError)})
	}

	util.RenderTable(os.Stdout, []util.TableColumn{
		{Header: "FIELD", Key: "key"},
		{Header: "VALUE", Key: "value"},
	}, rows)
}
