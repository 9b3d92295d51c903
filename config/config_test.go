package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaults(t *testing.T) {
	assert.Equal(t, 29888, GetServerPort())
	assert.Equal(t, 55555, GetStreamPort())
	assert.Equal(t, 5, GetBufferCapacity())
	assert.Equal(t, 1500*time.Millisecond, GetHandshakeTimeout())
	assert.Equal(t, 20*time.Millisecond, GetFrameDuration())
	assert.Equal(t, 115200, GetSerialBaud())
	assert.NotEmpty(t, GetHome())
}

func TestSetOverrides(t *testing.T) {
	Set("stream.mode", "usb")
	defer Set("stream.mode", "auto")
	assert.Equal(t, "usb", GetStreamMode())

	Set("audio.command", []string{"arecord", "-q"})
	defer Set("audio.command", []string{})
	assert.Equal(t, []string{"arecord", "-q"}, GetAudioCommand())
}

func TestEnvironment(t *testing.T) {
	t.Setenv("MICSTREAM_IP", "192.168.1.20")
	assert.Equal(t, "192.168.1.20", GetStreamIP())
}

func TestStreamEnvCarriesOverrides(t *testing.T) {
	Set("stream.ip", "10.0.0.7")
	defer Set("stream.ip", "")
	Set("audio.denoise", true)
	defer Set("audio.denoise", false)

	env := StreamEnv()
	assert.Contains(t, env, "MICSTREAM_IP=10.0.0.7")
	assert.Contains(t, env, "MICSTREAM_DENOISE=true")
	assert.Contains(t, env, "MICSTREAM_PORT=55555")
}
