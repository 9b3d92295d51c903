package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"
)

var v *viper.Viper

func init() {
	v = viper.New()

	v.SetDefault("micstream.home", filepath.Join(xdg.Home, ".micstream"))
	v.SetDefault("server.port", 29888)

	v.SetDefault("stream.mode", "auto")
	v.SetDefault("stream.ip", "")
	v.SetDefault("stream.port", 55555)
	v.SetDefault("stream.encoding", "raw")
	v.SetDefault("stream.udp_handshake", false)

	v.SetDefault("audio.sample_rate", 16000)
	v.SetDefault("audio.channels", 1)
	v.SetDefault("audio.format", "i16")
	v.SetDefault("audio.source", "command")
	v.SetDefault("audio.command", []string{})
	v.SetDefault("audio.file", "-")
	v.SetDefault("audio.frame_ms", 20)
	v.SetDefault("audio.denoise", false)
	v.SetDefault("audio.denoise_threshold", 300)

	v.SetDefault("buffer.capacity", 5)
	v.SetDefault("handshake.timeout", 1500*time.Millisecond)

	v.SetDefault("serial.device", "")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("bluetooth.address", "")
	v.SetDefault("bluetooth.channel", 1)
	v.SetDefault("adb.serial", "")

	// Environment variables
	v.AutomaticEnv()
	v.BindEnv("micstream.home", "MICSTREAM_HOME")
	v.BindEnv("server.port", "MICSTREAM_SERVER_PORT")
	v.BindEnv("stream.mode", "MICSTREAM_MODE")
	v.BindEnv("stream.ip", "MICSTREAM_IP")
	v.BindEnv("stream.port", "MICSTREAM_PORT")
	v.BindEnv("stream.encoding", "MICSTREAM_ENCODING")
	v.BindEnv("audio.source", "MICSTREAM_AUDIO_SOURCE")
	v.BindEnv("audio.file", "MICSTREAM_AUDIO_FILE")
	v.BindEnv("audio.denoise", "MICSTREAM_DENOISE")
	v.BindEnv("serial.device", "MICSTREAM_SERIAL_DEVICE")
	v.BindEnv("bluetooth.address", "MICSTREAM_BT_ADDRESS")
	v.BindEnv("adb.serial", "ANDROID_SERIAL")

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	configPaths := []string{
		".",
		"$HOME/.micstream",
		"/etc/micstream",
	}
	for _, path := range configPaths {
		v.AddConfigPath(os.ExpandEnv(path))
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			panic(fmt.Sprintf("Fatal error reading config file: %s", err))
		}
	}
}

// Set overrides a key for the rest of the process, used for CLI flags
func Set(key string, value interface{}) {
	v.Set(key, value)
}

// StreamEnv returns the settings a CLI flag may have overridden as
// environment assignments, so a detached server starts with the same values
func StreamEnv() []string {
	return []string{
		"MICSTREAM_MODE=" + GetStreamMode(),
		"MICSTREAM_IP=" + GetStreamIP(),
		fmt.Sprintf("MICSTREAM_PORT=%d", GetStreamPort()),
		"MICSTREAM_ENCODING=" + GetStreamEncoding(),
		"MICSTREAM_AUDIO_SOURCE=" + GetAudioSource(),
		"MICSTREAM_AUDIO_FILE=" + GetAudioFile(),
		fmt.Sprintf("MICSTREAM_DENOISE=%t", GetDenoise()),
	}
}

// ConfigFile returns the config file in use, empty when running on defaults
func ConfigFile() string {
	return v.ConfigFileUsed()
}

// GetHome returns the state directory holding the pid and log files
func GetHome() string {
	return v.GetString("micstream.home")
}

func GetServerPort() int {
	return v.GetInt("server.port")
}

func GetStreamMode() string     { return v.GetString("stream.mode") }
func GetStreamIP() string       { return v.GetString("stream.ip") }
func GetStreamPort() int        { return v.GetInt("stream.port") }
func GetStreamEncoding() string { return v.GetString("stream.encoding") }
func GetUDPHandshake() bool     { return v.GetBool("stream.udp_handshake") }

func GetSampleRate() int      { return v.GetInt("audio.sample_rate") }
func GetChannels() int        { return v.GetInt("audio.channels") }
func GetSampleFormat() string { return v.GetString("audio.format") }
func GetAudioSource() string  { return v.GetString("audio.source") }
func GetAudioFile() string    { return v.GetString("audio.file") }
func GetDenoise() bool        { return v.GetBool("audio.denoise") }

// GetAudioCommand returns the recorder argv; empty means the platform default
func GetAudioCommand() []string {
	return v.GetStringSlice("audio.command")
}

func GetFrameDuration() time.Duration {
	return time.Duration(v.GetInt("audio.frame_ms")) * time.Millisecond
}

func GetDenoiseThreshold() int {
	return v.GetInt("audio.denoise_threshold")
}

func GetBufferCapacity() int {
	return v.GetInt("buffer.capacity")
}

func GetHandshakeTimeout() time.Duration {
	return v.GetDuration("handshake.timeout")
}

func GetSerialDevice() string { return v.GetString("serial.device") }
func GetSerialBaud() int      { return v.GetInt("serial.baud") }

func GetBluetoothAddress() string { return v.GetString("bluetooth.address") }
func GetBluetoothChannel() int    { return v.GetInt("bluetooth.channel") }

func GetADBSerial() string { return v.GetString("adb.serial") }
