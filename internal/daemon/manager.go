package daemon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/babelcloud/micstream/config"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/pkg/errors"
)

// DaemonEnv marks the environment of a background server process
const DaemonEnv = "MICSTREAM_SERVER_DAEMON"

// Manager handles the control server daemon lifecycle
type Manager struct {
	port   int
	url    string
	home   string
	client *http.Client
}

// NewManager creates a manager for the configured port and home directory
func NewManager() *Manager {
	return NewManagerFor(config.GetServerPort(), config.GetHome())
}

func NewManagerFor(port int, home string) *Manager {
	return &Manager{
		port:   port,
		url:    fmt.Sprintf("http://localhost:%d", port),
		home:   home,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// URL is the base URL of the control API
func (m *Manager) URL() string { return m.url }

func (m *Manager) Port() int { return m.port }

// LogFile is where the daemon writes its log
func (m *Manager) LogFile() string {
	return filepath.Join(m.home, "server.log")
}

func (m *Manager) getPIDFile() string {
	return filepath.Join(m.home, "server.pid")
}

// EnsureServerRunning starts the server if it is not already up
func (m *Manager) EnsureServerRunning() error {
	if m.IsServerRunning() {
		return nil
	}
	return m.StartServer()
}

// IsServerRunning checks the PID file first, then the health endpoint
func (m *Manager) IsServerRunning() bool {
	pidFile := m.getPIDFile()
	if pid, err := readPID(pidFile); err == nil {
		if isProcessAlive(pid) && m.checkHTTPHealth() {
			return true
		}
		// PID file exists but process is dead or not responding
		os.Remove(pidFile)
	}

	// The server might have been started in the foreground
	return m.checkHTTPHealth()
}

// checkHTTPHealth reports whether a micstream server answers on the port
func (m *Manager) checkHTTPHealth() bool {
	client := &http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(m.url + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	var health struct {
		Service string `json:"service"`
	}
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&health) != nil {
		return false
	}
	return health.Service == "micstream-server"
}

// StartServer starts the control server as a detached subprocess
func (m *Manager) StartServer() error {
	logger := util.Component("daemon")

	if err := os.MkdirAll(m.home, 0755); err != nil {
		return errors.Wrap(err, "failed to create daemon home")
	}

	logFd, err := os.OpenFile(m.LogFile(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrap(err, "failed to create log file")
	}
	defer logFd.Close()

	exePath, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "failed to get executable path")
	}

	cmd := exec.Command(exePath, "server", "start", "--internal-daemon", "--port", strconv.Itoa(m.port))
	cmd.Stdout = logFd
	cmd.Stderr = logFd
	cmd.Env = append(os.Environ(), DaemonEnv+"=1", "MICSTREAM_HOME="+m.home)
	cmd.Env = append(cmd.Env, config.StreamEnv()...)
	setSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "failed to start server daemon")
	}
	pid := cmd.Process.Pid
	// The child is detached; reap it if it exits while we are still around
	go cmd.Wait()

	if err := os.WriteFile(m.getPIDFile(), []byte(strconv.Itoa(pid)), 0644); err != nil {
		logger.Warn("Failed to write PID file", "error", err)
	}

	for i := 0; i < 20; i++ {
		time.Sleep(250 * time.Millisecond)
		if m.checkHTTPHealth() {
			logger.Info("Server started", "pid", pid, "port", m.port)
			return nil
		}
	}
	return errors.Errorf("server started but not responding on port %d (see %s)", m.port, m.LogFile())
}

// StopServer asks the server to shut down, falling back to a signal
func (m *Manager) StopServer() error {
	logger := util.Component("daemon")

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Post(m.url+"/api/server/shutdown", "application/json", nil)
	if err == nil {
		resp.Body.Close()
		for i := 0; i < 20 && m.checkHTTPHealth(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		os.Remove(m.getPIDFile())
		return nil
	}

	pidFile := m.getPIDFile()
	pid, err := readPID(pidFile)
	if err != nil {
		return errors.New("server not running")
	}

	if err := killProcess(pid, syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return errors.Wrap(err, "failed to stop server")
	}

	os.Remove(pidFile)
	logger.Info("Server stopped", "pid", pid)
	return nil
}

// WritePIDFile records the current process, used by a foreground server
func (m *Manager) WritePIDFile() error {
	if err := os.MkdirAll(m.home, 0755); err != nil {
		return err
	}
	return os.WriteFile(m.getPIDFile(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

// RemovePIDFile removes the PID file if it names the current process
func (m *Manager) RemovePIDFile() {
	if pid, err := readPID(m.getPIDFile()); err == nil && pid == os.Getpid() {
		os.Remove(m.getPIDFile())
	}
}

// CallAPI makes an API call to the server, starting it first if needed
func (m *Manager) CallAPI(method, endpoint string, body interface{}, result interface{}) error {
	if err := m.EnsureServerRunning(); err != nil {
		return errors.Wrap(err, "failed to start server")
	}

	var bodyReader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, m.url+endpoint, bodyReader)
	if err != nil {
		return errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "API call failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return errors.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return errors.Wrap(err, "failed to decode response")
		}
	}
	return nil
}

func readPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(b)))
}
