package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/babelcloud/micstream/config"
	"github.com/babelcloud/micstream/internal/receiver"
	"github.com/babelcloud/micstream/internal/wire"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type receiveOptions struct {
	udp      bool
	portFrom int
	portTo   int
	encoding string
	webm     string
}

// NewReceiveCommand runs a receiver that writes incoming audio locally
func NewReceiveCommand() *cobra.Command {
	opts := &receiveOptions{}

	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Accept a stream and write the audio to stdout or a WebM file",
		Long: `Run a receiver for the wifi, adb and udp transports. TCP binds the first free
port in the range and accepts one sender at a time. Raw PCM goes to stdout
unless --webm names a file to record into.`,
		Example: `  # Play incoming 16 kHz mono audio
  micstream receive | aplay -f S16_LE -r 16000 -c 1

  # Record a proto-encoded UDP stream
  micstream receive --udp --encoding proto --webm capture.webm`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReceive(opts)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&opts.udp, "udp", false, "Receive datagrams instead of a TCP stream")
	flags.IntVar(&opts.portFrom, "port", wire.PortRangeStart, "Port, or the first port of the TCP range")
	flags.IntVar(&opts.portTo, "port-to", wire.PortRangeEnd, "Last port of the TCP range")
	flags.StringVarP(&opts.encoding, "encoding", "e", config.GetStreamEncoding(), "Frame encoding (raw or proto)")
	flags.StringVar(&opts.webm, "webm", "", "Record into this WebM file instead of writing PCM to stdout")

	return cmd
}

func runReceive(opts *receiveOptions) error {
	encoding, err := wire.ParseEncoding(opts.encoding)
	if err != nil {
		return err
	}
	spec, err := specFromConfig()
	if err != nil {
		return errors.Wrap(err, "invalid audio format")
	}

	var sink receiver.Sink = receiver.NewWriterSink(os.Stdout)
	var recorder *receiver.WebMRecorder
	if opts.webm != "" {
		f, err := os.Create(opts.webm)
		if err != nil {
			return errors.Wrapf(err, "failed to create %s", opts.webm)
		}
		recorder = receiver.NewWebMRecorder(f)
		sink = recorder
	}

	cfg := receiver.DefaultConfig()
	cfg.Encoding = encoding
	cfg.Spec = spec
	cfg.HandshakeTimeout = config.GetHandshakeTimeout()
	r := receiver.New(sink, cfg)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if opts.udp {
		err = r.ListenUDP(ctx, opts.portFrom)
	} else {
		err = r.ListenTCP(ctx, opts.portFrom, opts.portTo)
	}
	if cerr := sink.Close(); cerr != nil && err == nil {
		err = cerr
	}

	stats := r.Stats()
	// stdout may carry PCM
	fmt.Fprintf(os.Stderr, "\nsessions %d, frames %d, bytes %d, gaps %d, reordered %d\n",
		stats.Sessions, stats.Frames, stats.Bytes, stats.Gaps, stats.Reordered)
	if recorder != nil {
		fmt.Fprintf(os.Stderr, "recorded %s into %s\n", recorder.Duration(), opts.webm)
	}
	return err
}
