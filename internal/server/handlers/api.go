package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/babelcloud/micstream/internal/control"
	"github.com/babelcloud/micstream/internal/util"
)

// maxCommandBody bounds a POSTed command
const maxCommandBody = 64 << 10

// APIHandlers contains handlers for all /api/* routes
type APIHandlers struct {
	serverService ServerService
	controller    Controller
}

func NewAPIHandlers(serverSvc ServerService, controller Controller) *APIHandlers {
	return &APIHandlers{
		serverService: serverSvc,
		controller:    controller,
	}
}

// Health and status endpoints
func (h *APIHandlers) HandleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"micstream-server"}`))
}

func (h *APIHandlers) HandleStatus(w http.ResponseWriter, req *http.Request) {
	status := map[string]interface{}{
		"stream": h.controller.Snapshot(),
	}
	if h.serverService != nil {
		status["running"] = h.serverService.IsRunning()
		status["port"] = h.serverService.GetPort()
		status["uptime"] = h.serverService.GetUptime().Truncate(time.Second).String()
		status["version"] = h.serverService.GetVersion()
		status["build_id"] = h.serverService.GetBuildID()
	}
	RespondJSON(w, http.StatusOK, status)
}

// HandleCommand runs one control command. A rejected command is still a
// 200 response; the reply carries ok=false and the reason.
func (h *APIHandlers) HandleCommand(w http.ResponseWriter, req *http.Request) {
	var cmd control.Command
	dec := json.NewDecoder(io.LimitReader(req.Body, maxCommandBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		respondError(w, http.StatusBadRequest, "invalid command: "+err.Error())
		return
	}

	reply := h.controller.Handle(req.Context(), cmd)
	if !reply.OK {
		util.Component("api").Info("Command rejected", "op", cmd.Op, "error", reply.Error)
	}
	RespondJSON(w, http.StatusOK, reply)
}

// Server management endpoints
func (h *APIHandlers) HandleServerShutdown(w http.ResponseWriter, req *http.Request) {
	if h.serverService == nil {
		respondError(w, http.StatusNotImplemented, "server shutdown unavailable")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"message": "Server shutting down",
	})

	// Shutdown after response
	go func() {
		time.Sleep(100 * time.Millisecond)
		h.serverService.Stop()
	}()
}

func (h *APIHandlers) HandleServerInfo(w http.ResponseWriter, req *http.Request) {
	if h.serverService == nil {
		RespondJSON(w, http.StatusOK, map[string]string{"name": "micstream-server", "version": "dev"})
		return
	}

	RespondJSON(w, http.StatusOK, map[string]interface{}{
		"name":     "micstream-server",
		"version":  h.serverService.GetVersion(),
		"build_id": h.serverService.GetBuildID(),
		"uptime":   h.serverService.GetUptime().Truncate(time.Second).String(),
		"port":     h.serverService.GetPort(),
	})
}
