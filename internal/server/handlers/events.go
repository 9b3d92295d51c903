package handlers

import (
	"net/http"
	"time"

	"github.com/babelcloud/micstream/internal/control"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/gorilla/websocket"
)

const (
	eventWriteWait  = 5 * time.Second
	eventPingPeriod = 30 * time.Second
)

var eventUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// HandleEvents upgrades to a websocket and pushes every controller event.
// The current status is sent first so clients need no separate fetch.
func (h *APIHandlers) HandleEvents(w http.ResponseWriter, req *http.Request) {
	logger := util.Component("events")

	conn, err := eventUpgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Warn("Failed to upgrade events websocket", "error", err)
		return
	}
	defer conn.Close()

	id, events := h.controller.Events().Subscribe(16)
	defer h.controller.Events().Unsubscribe(id)
	logger.Debug("Events client connected", "subscriber", id, "remote", req.RemoteAddr)

	// Reader goroutine only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev control.Event) error {
		conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
		return conn.WriteJSON(ev)
	}
	if err := send(control.Event{Type: control.EventStatus, Status: h.controller.Snapshot()}); err != nil {
		return
	}

	ping := time.NewTicker(eventPingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"),
					time.Now().Add(eventWriteWait))
				return
			}
			if err := send(ev); err != nil {
				logger.Debug("Events client write failed", "subscriber", id, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventWriteWait)); err != nil {
				return
			}
		case <-gone:
			logger.Debug("Events client disconnected", "subscriber", id)
			return
		}
	}
}
