package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/babelcloud/micstream/config"
	"github.com/babelcloud/micstream/internal/control"
	"github.com/babelcloud/micstream/internal/daemon"
	"github.com/babelcloud/micstream/internal/server"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// NewServerCmd creates the server command with subcommands
func NewServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Manage the micstream control server",
		Long:  `Manage the micstream control server. The server owns the capture device and the transport, and accepts control commands over HTTP.`,
	}

	cmd.AddCommand(newServerStartCmd())
	cmd.AddCommand(newServerStopCmd())
	cmd.AddCommand(newServerStatusCmd())
	cmd.AddCommand(newServerRestartCmd())

	return cmd
}

// newServerStartCmd creates the 'server start' subcommand
func newServerStartCmd() *cobra.Command {
	var (
		port           int
		foreground     bool
		internalDaemon bool
		sf             streamFlags
	)

	cmd := &cobra.Command{
		Use:           "start",
		Short:         "Start the server",
		Long:          `Start the micstream control server if it's not already running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sf.apply(cmd)
			if foreground {
				return runServerInForeground(port)
			}
			if internalDaemon {
				return runServerInBackground(port)
			}
			return runServerInDaemon(port)
		},
		Example: `  # Start server in background
  micstream server start

  # Start server in foreground (see logs)
  micstream server start --foreground
  micstream server start -f

  # Start server on specific port, streaming over udp
  micstream server start -p 8080 --mode udp --ip 192.168.1.20`,
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", config.GetServerPort(), "Server port")
	flags.BoolVarP(&foreground, "foreground", "f", false, "Run server in foreground (show logs)")
	sf.register(cmd)

	// Flag --internal-daemon is hidden in help message for internal use.
	flags.BoolVarP(&internalDaemon, "internal-daemon", "", false, "")
	flags.Lookup("internal-daemon").Hidden = true

	return cmd
}

// newServerStopCmd creates the 'server stop' subcommand
func newServerStopCmd() *cobra.Command {
	var (
		port  int
		force bool
	)

	cmd := &cobra.Command{
		Use:           "stop",
		Short:         "Stop the server",
		Long:          `Stop the micstream control server if it's running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopServer(port, force)
		},
		Example: `  # Stop the server
  micstream server stop

  # Stop server running on specified port
  micstream server stop -p 29888`,
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", config.GetServerPort(), "Server port")
	flags.BoolVarP(&force, "force", "f", false, "Do not fail when the server is not running")

	return cmd
}

// newServerStatusCmd creates the 'server status' subcommand
func newServerStatusCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Check server status",
		Long:  `Check if the micstream control server is running and display its status.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dm := daemon.NewManagerFor(port, config.GetHome())
			if !dm.IsServerRunning() {
				fmt.Println(color.RedString("❌ Server is not running"))
				fmt.Println("   Use 'micstream server start' to start the server")
				return nil
			}

			fmt.Println(color.GreenString("✅ Server is running"))
			fmt.Printf("   API endpoint: %s/api/status\n", dm.URL())

			var status struct {
				Uptime  string         `json:"uptime"`
				Version string         `json:"version"`
				Stream  control.Status `json:"stream"`
			}
			if err := dm.CallAPI(http.MethodGet, "/api/status", nil, &status); err != nil {
				return err
			}
			fmt.Printf("   Version: %s, uptime %s\n\n", status.Version, status.Uptime)
			printStatus(status.Stream)
			return nil
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", config.GetServerPort(), "Server port")
	return cmd
}

// newServerRestartCmd creates the 'server restart' subcommand
func newServerRestartCmd() *cobra.Command {
	var (
		port       int
		foreground bool
		sf         streamFlags
	)

	cmd := &cobra.Command{
		Use:           "restart",
		Short:         "Restart the server",
		Long:          `Stop and then start the micstream control server.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			sf.apply(cmd)
			if err := stopServer(port, true); err != nil {
				return err
			}
			if foreground {
				return runServerInForeground(port)
			}
			return runServerInDaemon(port)
		},
		Example: `  # Restart the server
  micstream server restart

  # Restart in foreground mode
  micstream server restart -f`,
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", config.GetServerPort(), "Server port")
	flags.BoolVarP(&foreground, "foreground", "f", false, "Run server in foreground after restart (show logs)")
	sf.register(cmd)

	return cmd
}

// runServerInDaemon starts a detached server process and waits for it
func runServerInDaemon(port int) error {
	if err := checkServerStatus(port); err != nil {
		if err == ServerMismatchedError {
			return errors.Wrapf(err, "port %d is already been used", port)
		}
	} else {
		fmt.Printf("server has been already started on port %d\n", port)
		return nil
	}

	sp := util.NewUISpinner(fmt.Sprintf("Starting server on port %d", port))
	dm := daemon.NewManagerFor(port, config.GetHome())
	if err := dm.StartServer(); err != nil {
		sp.Fail("Server failed to start")
		return err
	}
	sp.Success(fmt.Sprintf("Server started on port %d (log: %s)", port, dm.LogFile()))
	return nil
}

// runServerInBackground is the body of the detached process. Its stdout
// and stderr already point at the daemon log.
func runServerInBackground(port int) error {
	util.Component("server").Info("Starting detached server", "port", port, "pid", os.Getpid())
	return serveUntilSignal(port, false)
}

func runServerInForeground(port int) error {
	if err := checkServerStatus(port); err != nil {
		if err == ServerMismatchedError {
			return errors.Wrapf(err, "port %d is already been used", port)
		}
	} else {
		fmt.Printf("server has been already started on port %d\n", port)
		return nil
	}
	return serveUntilSignal(port, true)
}

// serveUntilSignal runs the control server until it is asked to shut down
// over the API or the process receives SIGINT/SIGTERM
func serveUntilSignal(port int, banner bool) error {
	logger := util.Component("server")

	p, err := buildPipeline()
	if err != nil {
		return err
	}

	srv := server.NewMicServer(port, p.controller)
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	// Give the listener a moment to fail on a busy port
	select {
	case err := <-errChan:
		p.controller.Close()
		return errors.Wrapf(err, "fail to start server on port %d", port)
	case <-time.After(300 * time.Millisecond):
	}

	dm := daemon.NewManagerFor(port, config.GetHome())
	if err := dm.WritePIDFile(); err != nil {
		logger.Warn("Failed to write PID file", "error", err)
	}
	defer dm.RemovePIDFile()

	if banner {
		fmt.Printf("%s %s %s\n", color.GreenString("🎙  micstream server"), color.CyanString("➜"), color.BlueString("http://localhost:%d", port))
		fmt.Printf("   mode %s, audio %s\n", p.selector.Mode(), p.spec)
		fmt.Println(color.CyanString("Press Ctrl+C to stop..."))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-sigChan:
		logger.Info("Shutting down server...")
		if err := srv.Stop(); err != nil {
			logger.Warn("Error stopping server", "error", err)
		}
	case <-srv.Done():
		// shut down over the API
	case err := <-errChan:
		p.controller.Close()
		return err
	}

	// Start returns once Stop has finished
	select {
	case <-errChan:
	case <-time.After(5 * time.Second):
		logger.Warn("Server did not finish shutting down")
	}
	return nil
}

func checkServerStatus(port int) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://localhost:%d/api/health", port))
	if err != nil {
		return ServerPortUnavailableError
	}
	defer resp.Body.Close()
	var body struct {
		Status  string `json:"status"`
		Service string `json:"service"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ServerMismatchedError
	}
	if body.Service != "micstream-server" {
		return ServerMismatchedError
	}
	return nil
}

func stopServer(port int, force bool) error {
	if err := checkServerStatus(port); err != nil && !force {
		if err == ServerPortUnavailableError {
			return errors.Errorf("server is not running")
		}
		if err == ServerMismatchedError {
			return errors.Wrapf(err, "port %d is already been used by other process", port)
		}
	}

	dm := daemon.NewManagerFor(port, config.GetHome())
	if err := dm.StopServer(); err != nil {
		if force {
			return nil
		}
		return err
	}
	fmt.Printf("server on port %d has been stopped\n", port)
	return nil
}

var ServerPortUnavailableError = &serverPortUnavailableError{}

type serverPortUnavailableError struct{}

func (e *serverPortUnavailableError) Error() string {
	return "server port unavailable"
}

var ServerMismatchedError = &serverMismatchedError{}

type serverMismatchedError struct{}

func (e *serverMismatchedError) Error() string {
	return "server mismatched"
}
