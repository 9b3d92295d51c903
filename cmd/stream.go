package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/babelcloud/micstream/internal/control"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type streamOptions struct {
	flags      streamFlags
	reconnect  bool
	retryDelay time.Duration
}

// NewStreamCommand streams in the foreground without a control server
func NewStreamCommand() *cobra.Command {
	opts := &streamOptions{}

	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Capture audio and stream it until interrupted",
		Long: `Capture audio and stream it to a receiver in the foreground. This is the
same pipeline the server runs, driven directly instead of over the control API.`,
		Example: `  # Stream the microphone over TCP
  micstream stream --mode wifi --ip 192.168.1.20

  # Stream a test tone through an attached Android device
  micstream stream --mode adb --source tone

  # Stream a raw PCM file from stdin over UDP
  cat voice.pcm | micstream stream --mode udp --ip 192.168.1.20 --source file`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.flags.apply(cmd)
			return runStream(opts)
		},
	}

	opts.flags.register(cmd)
	flags := cmd.Flags()
	flags.BoolVar(&opts.reconnect, "reconnect", true, "Select a transport again when the session is lost")
	flags.DurationVar(&opts.retryDelay, "retry-delay", 2*time.Second, "Wait between reconnect attempts")

	return cmd
}

func runStream(opts *streamOptions) error {
	logger := util.Component("stream")

	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.controller.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	_, events := p.controller.Events().Subscribe(16)

	if reply := p.controller.Handle(ctx, control.Command{Op: control.StartAudio}); !reply.OK {
		return errors.Errorf("failed to start audio: %s", reply.Error)
	}

	if err := connectStream(ctx, p.controller); err != nil {
		return err
	}
	fmt.Println(color.CyanString("Press Ctrl+C to stop..."))

	for {
		select {
		case <-ctx.Done():
			status := p.controller.Snapshot()
			fmt.Printf("\nStopped. %d frames dropped by the buffer.\n", status.Dropped)
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch ev.Type {
			case control.EventAudioLost:
				return errors.Errorf("audio capture stopped: %s", ev.Reason)
			case control.EventStreamLost:
				fmt.Printf("%s stream lost: %s\n", color.YellowString("!"), ev.Reason)
				if !opts.reconnect {
					return errors.New("stream lost")
				}
				if err := reconnect(ctx, p.controller, opts.retryDelay); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			default:
				logger.Debug("Controller event", "type", ev.Type, "reason", ev.Reason)
			}
		}
	}
}

func connectStream(ctx context.Context, c *control.Controller) error {
	sp := util.NewUISpinner("Selecting transport")
	reply := c.Handle(ctx, control.Command{Op: control.StartStream})
	if !reply.OK {
		sp.Fail("No transport available")
		return errors.New(reply.Error)
	}
	sp.Success(fmt.Sprintf("Streaming %s over %s", color.GreenString("●"), reply.Status.Transport))
	return nil
}

// reconnect retries START_STREAM until it succeeds or ctx ends
func reconnect(ctx context.Context, c *control.Controller, delay time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		err := connectStream(ctx, c)
		if err == nil {
			return nil
		}
		util.Component("stream").Info("Reconnect failed", "error", err)
	}
}
