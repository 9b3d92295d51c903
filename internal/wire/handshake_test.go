package wire

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeStrings(t *testing.T) {
	assert.Len(t, CheckString, 15)
	assert.Len(t, AckString, 18)
}

func TestHandshakeAccepted(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	answered := make(chan error, 1)
	go func() { answered <- AnswerHandshake(server, time.Second) }()

	require.NoError(t, Handshake(client, time.Second))
	require.NoError(t, <-answered)
}

func TestHandshakeRejected(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"wrong ack", "AndroidMicCheckNak"},
		{"echoed check", "AndroidMicCheck" + "xyz"},
		{"garbage", "HTTP/1.1 400 Bad\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, server := net.Pipe()
			defer client.Close()
			defer server.Close()

			go func() {
				buf := make([]byte, len(CheckString))
				io.ReadFull(server, buf)
				server.Write([]byte(tt.reply))
			}()

			err := Handshake(client, time.Second)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrHandshakeMismatch)
		})
	}
}

func TestHandshakeTimesOut(t *testing.T) {
	t.Run("peer reads but never answers", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		go io.Copy(io.Discard, server)

		start := time.Now()
		err := Handshake(client, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrHandshakeTimeout)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("peer never reads", func(t *testing.T) {
		client, server := net.Pipe()
		defer client.Close()
		defer server.Close()

		err := Handshake(client, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrHandshakeTimeout)
	})

	t.Run("stream without deadlines is closed", func(t *testing.T) {
		r, w := io.Pipe()
		rw := &pipeRW{r: r, w: io.Discard, closer: r}

		err := Handshake(rw, 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrHandshakeTimeout)
		assert.True(t, rw.closed)
		w.Close()
	})
}

func TestAnswerHandshakeRejectsWrongCheck(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go client.Write([]byte("GET / HTTP/1.1\r"))
	err := AnswerHandshake(server, time.Second)
	assert.ErrorIs(t, err, ErrHandshakeMismatch)
}

type pipeRW struct {
	r      io.Reader
	w      io.Writer
	closer io.Closer
	closed bool
}

func (p *pipeRW) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeRW) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeRW) Close() error {
	p.closed = true
	return p.closer.Close()
}
