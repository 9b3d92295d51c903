//go:build !linux

package transport

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
)

func dialRFCOMM(ctx context.Context, addr [6]byte, channel uint8, timeout time.Duration) (io.ReadWriteCloser, error) {
	return nil, errors.Wrap(ErrUnsupported, "rfcomm sockets are only available on linux")
}
