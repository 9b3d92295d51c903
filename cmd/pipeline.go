package cmd

import (
	"strconv"

	"github.com/babelcloud/micstream/config"
	"github.com/babelcloud/micstream/internal/audio"
	"github.com/babelcloud/micstream/internal/control"
	"github.com/babelcloud/micstream/internal/transport"
	"github.com/babelcloud/micstream/internal/util"
	"github.com/babelcloud/micstream/internal/wire"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

// pipeline is the capture side wired to the transport selector
type pipeline struct {
	spec       audio.Spec
	buffer     *audio.FrameBuffer
	capture    *audio.CaptureLoop
	selector   *transport.Selector
	controller *control.Controller
}

// streamFlags are the overrides shared by commands that build a pipeline
type streamFlags struct {
	mode     string
	ip       string
	port     int
	encoding string
	source   string
	file     string
	denoise  bool
}

func (f *streamFlags) register(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringVarP(&f.mode, "mode", "m", "", "Transport mode (auto, wifi, bluetooth, usb, udp, adb)")
	flags.StringVar(&f.ip, "ip", "", "Receiver IP address for wifi and udp")
	flags.IntVar(&f.port, "stream-port", 0, "Receiver port for wifi and udp")
	flags.StringVarP(&f.encoding, "encoding", "e", "", "Frame encoding (raw or proto)")
	flags.StringVar(&f.source, "source", "", "Audio source (command, file, tone)")
	flags.StringVar(&f.file, "file", "", "PCM file for the file source, - for stdin")
	flags.BoolVar(&f.denoise, "denoise", false, "Apply the noise gate to captured frames")

	cmd.RegisterFlagCompletionFunc("mode", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return completeModes(), cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("encoding", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{string(wire.EncodingRaw), string(wire.EncodingProto)}, cobra.ShellCompDirectiveNoFileComp
	})
	cmd.RegisterFlagCompletionFunc("source", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"command", "file", "tone"}, cobra.ShellCompDirectiveNoFileComp
	})
}

// apply copies the flags the user set into the config
func (f *streamFlags) apply(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("mode") {
		config.Set("stream.mode", f.mode)
	}
	if flags.Changed("ip") {
		config.Set("stream.ip", f.ip)
	}
	if flags.Changed("stream-port") {
		config.Set("stream.port", f.port)
	}
	if flags.Changed("encoding") {
		config.Set("stream.encoding", f.encoding)
	}
	if flags.Changed("source") {
		config.Set("audio.source", f.source)
	}
	if flags.Changed("file") {
		config.Set("audio.file", f.file)
	}
	if flags.Changed("denoise") {
		config.Set("audio.denoise", f.denoise)
	}
}

func specFromConfig() (audio.Spec, error) {
	format, err := audio.ParseSampleFormat(config.GetSampleFormat())
	if err != nil {
		return audio.Spec{}, err
	}
	spec := audio.Spec{
		SampleRate:    config.GetSampleRate(),
		Channels:      config.GetChannels(),
		Format:        format,
		FrameDuration: config.GetFrameDuration(),
	}
	return spec, spec.Validate()
}

func transportOptionsFromConfig() (transport.Options, error) {
	opts := transport.DefaultOptions()
	opts.HandshakeTimeout = config.GetHandshakeTimeout()
	opts.UDPHandshake = config.GetUDPHandshake()
	opts.SerialDevice = config.GetSerialDevice()
	if baud := config.GetSerialBaud(); baud > 0 {
		opts.SerialBaud = baud
	}
	opts.BluetoothAddress = config.GetBluetoothAddress()
	if ch := config.GetBluetoothChannel(); ch > 0 {
		opts.BluetoothChannel = ch
	}
	opts.ADBSerial = config.GetADBSerial()

	if ip := config.GetStreamIP(); ip != "" {
		ep, err := transport.ParseEndpoint(ip, strconv.Itoa(config.GetStreamPort()))
		if err != nil {
			return opts, err
		}
		opts.Endpoint = ep
	}
	return opts, nil
}

// buildPipeline assembles everything from the current config. A capture
// device that cannot be opened is not fatal: the stream side still works
// and START_AUDIO reports the missing device.
func buildPipeline() (*pipeline, error) {
	logger := util.Component("pipeline")

	spec, err := specFromConfig()
	if err != nil {
		return nil, errors.Wrap(err, "invalid audio format")
	}
	mode, err := transport.ParseMode(config.GetStreamMode())
	if err != nil {
		return nil, err
	}
	encoding, err := wire.ParseEncoding(config.GetStreamEncoding())
	if err != nil {
		return nil, err
	}
	opts, err := transportOptionsFromConfig()
	if err != nil {
		return nil, err
	}
	modeCheck := func(m transport.Mode) error {
		if m == transport.ModeUDP {
			return wire.CheckDatagramFit(spec)
		}
		return nil
	}
	if err := modeCheck(mode); err != nil {
		return nil, err
	}

	p := &pipeline{
		spec:   spec,
		buffer: audio.NewFrameBuffer(config.GetBufferCapacity()),
	}
	p.selector = transport.NewSelector(opts, mode, encoding)

	var captureOpts []audio.CaptureOption
	if config.GetDenoise() {
		gate, err := audio.NewNoiseGate(spec.Format, config.GetDenoiseThreshold())
		if err != nil {
			return nil, err
		}
		captureOpts = append(captureOpts, audio.WithDenoiser(gate))
	}

	src, err := audio.OpenSource(audio.SourceConfig{
		Kind:    config.GetAudioSource(),
		Command: config.GetAudioCommand(),
		File:    config.GetAudioFile(),
		Spec:    spec,
	})
	if err != nil {
		logger.Warn("Audio source unavailable", "source", config.GetAudioSource(), "error", err)
	} else {
		p.capture, err = audio.NewCaptureLoop(src, spec, p.buffer, captureOpts...)
		if err != nil {
			src.Release()
			return nil, err
		}
	}

	// A nil *CaptureLoop must reach the controller as a nil interface
	var capturer control.Capturer
	if p.capture != nil {
		capturer = p.capture
	}
	p.controller = control.NewController(p.selector, capturer, p.buffer, control.WithModeCheck(modeCheck))

	logger.Debug("Pipeline ready", "spec", spec.String(), "mode", mode, "encoding", encoding, "endpoint", opts.Endpoint.String())
	return p, nil
}

func completeModes() []string {
	return []string{"auto", "wifi", "bluetooth", "usb", "udp", "adb"}
}
