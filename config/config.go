// Package config gathers the settings of the send/receive demo from
// defaults, the environment and command-line flags, in that order.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	// PortMin and PortMax bound the UDP ports of host candidates.
	PortMin uint16
	PortMax uint16

	// LocalAddresses restricts candidate gathering to these IPs.
	LocalAddresses []string

	// DotDumpDir is where graph dumps are written. Empty keeps them in memory.
	DotDumpDir string
	// DumpDelay is how long after negotiation the transport agents are dumped.
	DumpDelay time.Duration
	// Duration stops the demo after that long. Zero runs until interrupted.
	Duration time.Duration

	// KeyframeInterval paces the keyframe requests of the receiving agent.
	KeyframeInterval time.Duration

	// DebugAddr is the listen address of the debug API. Empty disables it.
	DebugAddr string

	VideoFile string
	AudioFile string
	Width     int
	Height    int
	Framerate float64

	// Outputs for the received streams. Empty paths disable them.
	WebMOutput string
	IVFOutput  string
	OggOutput  string

	// ForwardVideoPort and ForwardAudioPort forward received RTP to
	// 127.0.0.1. Zero disables forwarding.
	ForwardVideoPort int
	ForwardAudioPort int

	// RTPLogDir gets one packet log per transport agent.
	RTPLogDir string

	LogLevel string
	LogFile  string
}

func Default() Config {
	return Config{
		PortMin:          5000,
		PortMax:          5999,
		LocalAddresses:   []string{"127.0.0.1"},
		DumpDelay:        5 * time.Second,
		KeyframeInterval: 2 * time.Second,
		DebugAddr:        "localhost:8080",
		Width:            1280,
		Height:           720,
		Framerate:        30,
		LogLevel:         "info",
	}
}

// Load starts from Default, applies the environment read through getenv and
// then the flags in args.
func Load(args []string, getenv func(string) string) (Config, error) {
	config := Default()
	if err := config.applyEnv(getenv); err != nil {
		return config, err
	}

	flagSet := flag.NewFlagSet("send-receive", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	config.registerFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return config, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	return config, config.Validate()
}

// FromEnvironment loads the process environment and os.Args.
func FromEnvironment() (Config, error) {
	return Load(os.Args[1:], os.Getenv)
}

func (config *Config) applyEnv(getenv func(string) string) error {
	envOr := func(key, fallback string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return fallback
	}

	var err error
	parse := func(key string, set func(string) error) {
		if err != nil {
			return
		}
		if v := getenv(key); v != "" {
			if setErr := set(v); setErr != nil {
				err = fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, key, v, setErr)
			}
		}
	}

	parse("PORT_MIN", uint16Setter(&config.PortMin))
	parse("PORT_MAX", uint16Setter(&config.PortMax))
	parse("LOCAL_ADDRESSES", listSetter(&config.LocalAddresses))
	parse("DUMP_DELAY", durationSetter(&config.DumpDelay))
	parse("DURATION", durationSetter(&config.Duration))
	parse("KEYFRAME_INTERVAL", durationSetter(&config.KeyframeInterval))
	parse("WIDTH", intSetter(&config.Width))
	parse("HEIGHT", intSetter(&config.Height))
	parse("FRAMERATE", floatSetter(&config.Framerate))
	parse("FORWARD_VIDEO_PORT", intSetter(&config.ForwardVideoPort))
	parse("FORWARD_AUDIO_PORT", intSetter(&config.ForwardAudioPort))

	config.DotDumpDir = envOr("DOT_DUMP_DIR", config.DotDumpDir)
	config.DebugAddr = envOr("DEBUG_ADDR", config.DebugAddr)
	config.VideoFile = envOr("VIDEO_FILE", config.VideoFile)
	config.AudioFile = envOr("AUDIO_FILE", config.AudioFile)
	config.WebMOutput = envOr("WEBM_OUTPUT", config.WebMOutput)
	config.IVFOutput = envOr("IVF_OUTPUT", config.IVFOutput)
	config.OggOutput = envOr("OGG_OUTPUT", config.OggOutput)
	config.RTPLogDir = envOr("RTPLOGDIR", config.RTPLogDir)
	config.LogLevel = envOr("LOG_LEVEL", config.LogLevel)
	config.LogFile = envOr("LOG_FILE", config.LogFile)

	return err
}

func (config *Config) registerFlags(flagSet *flag.FlagSet) {
	flagSet.Func("port-min", fmt.Sprintf("lowest local UDP port (default: %d)", config.PortMin), uint16Setter(&config.PortMin))
	flagSet.Func("port-max", fmt.Sprintf("highest local UDP port (default: %d)", config.PortMax), uint16Setter(&config.PortMax))
	flagSet.Func("local-addresses", "comma separated local addresses used for candidates", listSetter(&config.LocalAddresses))
	flagSet.StringVar(&config.DotDumpDir, "dot-dir", config.DotDumpDir, "directory for .dot graph dumps")
	flagSet.DurationVar(&config.DumpDelay, "dump-delay", config.DumpDelay, "delay before dumping the transport agents")
	flagSet.DurationVar(&config.Duration, "duration", config.Duration, "stop after this long (0 = until interrupted)")
	flagSet.DurationVar(&config.KeyframeInterval, "keyframe-interval", config.KeyframeInterval, "interval between PLI/FIR keyframe requests")
	flagSet.StringVar(&config.DebugAddr, "debug-addr", config.DebugAddr, "debug API listen address (empty = disabled)")
	flagSet.StringVar(&config.VideoFile, "video-file", config.VideoFile, "IVF file played as the camera")
	flagSet.StringVar(&config.AudioFile, "audio-file", config.AudioFile, "Ogg/Opus file played as the microphone")
	flagSet.IntVar(&config.Width, "width", config.Width, "capture width")
	flagSet.IntVar(&config.Height, "height", config.Height, "capture height")
	flagSet.Float64Var(&config.Framerate, "framerate", config.Framerate, "capture framerate")
	flagSet.StringVar(&config.WebMOutput, "webm", config.WebMOutput, "record received media to this WebM file")
	flagSet.StringVar(&config.IVFOutput, "ivf", config.IVFOutput, "record received video to this IVF file")
	flagSet.StringVar(&config.OggOutput, "ogg", config.OggOutput, "record received audio to this Ogg file")
	flagSet.IntVar(&config.ForwardVideoPort, "forward-video-port", config.ForwardVideoPort, "forward received video RTP to this local port")
	flagSet.IntVar(&config.ForwardAudioPort, "forward-audio-port", config.ForwardAudioPort, "forward received audio RTP to this local port")
	flagSet.StringVar(&config.RTPLogDir, "rtp-log-dir", config.RTPLogDir, "directory for per agent RTP/RTCP packet logs")
	flagSet.StringVar(&config.LogLevel, "log-level", config.LogLevel, "disabled, error, warn, info, debug or trace")
	flagSet.StringVar(&config.LogFile, "log-file", config.LogFile, "write logs to this file instead of stdout")
}

func (config Config) Validate() error {
	var problems []string

	if config.PortMin == 0 || config.PortMax < config.PortMin {
		problems = append(problems, fmt.Sprintf("port range %d-%d", config.PortMin, config.PortMax))
	}
	for _, address := range config.LocalAddresses {
		if net.ParseIP(address) == nil {
			problems = append(problems, fmt.Sprintf("local address %q", address))
		}
	}
	if config.DumpDelay < 0 || config.Duration < 0 || config.KeyframeInterval < 0 {
		problems = append(problems, "negative duration")
	}
	if config.Width <= 0 || config.Height <= 0 {
		problems = append(problems, fmt.Sprintf("resolution %dx%d", config.Width, config.Height))
	}
	if config.Framerate <= 0 {
		problems = append(problems, fmt.Sprintf("framerate %g", config.Framerate))
	}
	for _, port := range []int{config.ForwardVideoPort, config.ForwardAudioPort} {
		if port < 0 || port > 65535 {
			problems = append(problems, fmt.Sprintf("forward port %d", port))
		}
	}
	if config.ForwardVideoPort != 0 && config.ForwardVideoPort == config.ForwardAudioPort {
		problems = append(problems, "audio and video forwarded to the same port")
	}
	if _, ok := logLevels[strings.ToLower(config.LogLevel)]; !ok {
		problems = append(problems, fmt.Sprintf("log level %q", config.LogLevel))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// logLevels mirrors the names pion/logging understands in PION_LOG_*.
var logLevels = map[string]struct{}{
	"disabled": {}, "error": {}, "warn": {}, "info": {}, "debug": {}, "trace": {},
}

func uint16Setter(target *uint16) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return err
		}
		*target = uint16(v)
		return nil
	}
}

func intSetter(target *int) func(string) error {
	return func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil {
			return err
		}
		*target = v
		return nil
	}
}

func floatSetter(target *float64) func(string) error {
	return func(s string) error {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return err
		}
		*target = v
		return nil
	}
}

func durationSetter(target *time.Duration) func(string) error {
	return func(s string) error {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*target = v
		return nil
	}
}

func listSetter(target *[]string) func(string) error {
	return func(s string) error {
		var values []string
		for _, value := range strings.Split(s, ",") {
			if value = strings.TrimSpace(value); value != "" {
				values = append(values, value)
			}
		}
		*target = values
		return nil
	}
}
