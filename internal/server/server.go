package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/babelcloud/micstream/internal/control"
	"github.com/babelcloud/micstream/internal/server/router"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// MicServer exposes a Controller over HTTP and websocket
type MicServer struct {
	port       int
	httpServer *http.Server
	router     *mux.Router
	controller *control.Controller

	// State
	mu        sync.RWMutex
	running   bool
	startTime time.Time
	buildID   string
	setupOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewMicServer creates the control server; the controller is closed on Stop
func NewMicServer(port int, controller *control.Controller) *MicServer {
	return &MicServer{
		port:       port,
		router:     mux.NewRouter(),
		controller: controller,
		done:       make(chan struct{}),
	}
}

// Handler returns the routed handler with logging, used directly by tests
func (s *MicServer) Handler() http.Handler {
	s.setupOnce.Do(s.setupRoutes)
	return loggingMiddleware(s.router)
}

// Start serves until Stop is called
func (s *MicServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", s.port)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener
func (s *MicServer) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.startTime = time.Now()
	s.buildID = GetBuildID()
	s.running = true
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: the events websocket is long-lived
	}
	srv := s.httpServer
	s.mu.Unlock()

	util.Component("server").Info("Control server listening", "addr", ln.Addr().String())
	err := srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-s.done
		return nil
	}
	return err
}

// Stop shuts the HTTP server down, then the controller
func (s *MicServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		logger := util.Component("server")

		s.mu.Lock()
		s.running = false
		srv := s.httpServer
		s.mu.Unlock()

		// Events websockets end once the bus is closed
		if cerr := s.controller.Close(); cerr != nil {
			logger.Warn("Controller shutdown reported errors", "error", cerr)
			err = cerr
		}

		if srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if serr := srv.Shutdown(ctx); serr != nil {
				logger.Warn("HTTP server shutdown error", "error", serr)
				// Force close if graceful shutdown fails
				if cerr := srv.Close(); cerr != nil {
					logger.Warn("HTTP server force close error", "error", cerr)
				}
			}
		}

		close(s.done)
		logger.Info("Control server stopped")
	})
	return err
}

// Done is closed once Stop has finished
func (s *MicServer) Done() <-chan struct{} {
	return s.done
}

func (s *MicServer) setupRoutes() {
	routers := []router.Router{
		&router.APIRouter{Controller: s.controller},
	}
	for _, r := range routers {
		r.RegisterRoutes(s.router, s)
	}
}

// ServerService interface implementations for handlers

func (s *MicServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *MicServer) GetPort() int {
	return s.port
}

func (s *MicServer) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

func (s *MicServer) GetBuildID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildID
}

func (s *MicServer) GetVersion() string {
	return BuildInfo.Version
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		util.Component("http").Debug("Request",
			"method", r.Method, "path", r.URL.Path, "status", lw.status,
			"bytes", lw.length, "duration", time.Since(start), "remote", r.RemoteAddr)
	})
}
