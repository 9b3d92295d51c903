package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	frameHeaderSize = 4
	// MaxFrameSize bounds a single payload; one second of 192kHz stereo f32 fits
	MaxFrameSize = 2 * 1024 * 1024
	// MaxDatagramSize is the largest UDP payload over IPv4
	MaxDatagramSize = 65507
)

var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// AppendFrame appends the [u32 BE length][payload] encoding of payload to dst
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return dst, errors.Wrapf(ErrFrameTooLarge, "%d bytes", len(payload))
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame writes one length-prefixed frame in a single Write call so
// that datagram transports carry each frame in one packet
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := AppendFrame(make([]byte, 0, frameHeaderSize+len(payload)), payload)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "failed to write frame")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, errors.Wrap(err, "truncated frame")
	}
	return payload, nil
}

// SplitFrame decodes a frame held entirely in b, as received in one datagram
func SplitFrame(b []byte) ([]byte, error) {
	if len(b) < frameHeaderSize {
		return nil, errors.Errorf("datagram too short: %d bytes", len(b))
	}
	size := binary.BigEndian.Uint32(b)
	if size > MaxFrameSize {
		return nil, errors.Wrapf(ErrFrameTooLarge, "%d bytes", size)
	}
	if int(size) != len(b)-frameHeaderSize {
		return nil, errors.Errorf("frame length %d does not match datagram payload %d", size, len(b)-frameHeaderSize)
	}
	return b[frameHeaderSize:], nil
}
