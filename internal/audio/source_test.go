package audio

import (
	"bytes"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/babelcloud/micstream/internal/util"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommandSourceMissingRecorder(t *testing.T) {
	_, err := NewCommandSource([]string{"definitely-not-a-recorder-binary"}, testSpec())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoDevice))

	_, err = NewCommandSource(nil, testSpec())
	assert.True(t, errors.Is(err, ErrNoDevice))
}

func TestDefaultRecorderCommandCarriesFormat(t *testing.T) {
	spec := Spec{SampleRate: 48000, Channels: 2, Format: FormatI16, FrameDuration: 20 * time.Millisecond}
	argv := DefaultRecorderCommand(spec)
	require.NotEmpty(t, argv)
	assert.Contains(t, argv, "48000")
	assert.Contains(t, argv, "2")
	if runtime.GOOS == "linux" {
		assert.Equal(t, "arecord", argv[0])
		assert.Contains(t, argv, "S16_LE")
	}
}

func TestCommandSourceFramesAndStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	spec := testSpec()

	// Two frames of silence, then a child that would outlive a plain kill of sh
	src, err := NewCommandSource([]string{"sh", "-c", "head -c 1280 /dev/zero; sleep 30"}, spec)
	require.NoError(t, err)
	require.NoError(t, src.Start())
	assert.True(t, src.Recording())

	for i := 0; i < 2; i++ {
		frame, err := src.NextFrame(2 * time.Second)
		require.NoError(t, err)
		assert.Len(t, frame, spec.FrameBytes())
	}

	stopped := make(chan error, 1)
	go func() { stopped <- src.Stop() }()
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not kill the recorder process group")
	}
	assert.False(t, src.Recording())

	frame, err := src.NextFrame(10 * time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, frame)

	require.NoError(t, src.Release())
	assert.Error(t, src.Start())
}

func TestRecorderStderrGoesToDebugLog(t *testing.T) {
	var buf bytes.Buffer
	util.SetLogOutput(&buf)
	util.InitLogger(true)
	defer func() {
		util.InitLogger(false)
		util.SetLogOutput(os.Stderr)
	}()

	chunk := []byte("overrun!!!\n\nsecond line\n")
	n, err := recorderLog{name: "arecord"}.Write(chunk)
	require.NoError(t, err)
	assert.Equal(t, len(chunk), n)
	assert.Contains(t, buf.String(), "arecord: overrun!!!")
	assert.Contains(t, buf.String(), "arecord: second line")
}
