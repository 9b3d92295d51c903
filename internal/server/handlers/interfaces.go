package handlers

import (
	"context"
	"time"

	"github.com/babelcloud/micstream/internal/control"
)

// ServerService defines the server operations handlers need
type ServerService interface {
	IsRunning() bool
	GetPort() int
	GetUptime() time.Duration
	GetBuildID() string
	GetVersion() string

	// Server lifecycle
	Stop() error
}

// Controller is the command side of the streaming pipeline
type Controller interface {
	Handle(ctx context.Context, cmd control.Command) control.Reply
	Snapshot() control.Status
	Events() *control.EventBus
}
