// Package demo wires a receiving and a sending transport agent together on
// the local host and renders what flows between them.
package demo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/go-webrtc-send-receive/config"
	"github.com/go-webrtc-send-receive/diag"
	"github.com/go-webrtc-send-receive/logutil"
	"github.com/go-webrtc-send-receive/media"
	"github.com/go-webrtc-send-receive/transcode"
	"github.com/go-webrtc-send-receive/webrtc"
	"github.com/pion/logging"
)

const (
	videoPayloadType    = 103
	videoRTXPayloadType = 123
	videoClockRate      = 90000
	audioPayloadType    = 100
	audioClockRate      = 48000
	audioChannels       = 1

	// Players listening on the forward ports expect these.
	forwardVideoPayloadType = 96
	forwardAudioPayloadType = 111
)

type Options struct {
	Config        config.Config
	LoggerFactory logging.LoggerFactory
	// OnRemoteSource is called on the loop once a received source got its renderer.
	OnRemoteSource func(source media.Source, renderer media.Renderer)
}

// SendReceive is the demo: a controlled agent receiving audio and video
// from a controlling agent fed by the capture sources.
type SendReceive struct {
	config         config.Config
	log            logging.LeveledLogger
	loggerFactory  logging.LoggerFactory
	manager        *webrtc.Manager
	onRemoteSource func(source media.Source, renderer media.Renderer)

	recvAgent *webrtc.TransportAgent
	sendAgent *webrtc.TransportAgent
	recvVideo *webrtc.MediaSession
	recvAudio *webrtc.MediaSession
	sendVideo *webrtc.MediaSession
	sendAudio *webrtc.MediaSession

	recorder   *transcode.WebMRecorder
	forwarders map[media.MediaType]*transcode.UDPForwarder

	// touched from the loop only
	ctx context.Context

	mu        sync.Mutex
	sources   []media.Source
	renderers []media.Renderer
	closers   []io.Closer
	closed    bool
}

// New builds both agents and the receiving sessions.
func New(options Options) (*SendReceive, error) {
	loggerFactory := options.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	cfg := options.Config

	demo := &SendReceive{
		config:         cfg,
		log:            loggerFactory.NewLogger("demo"),
		loggerFactory:  loggerFactory,
		onRemoteSource: options.OnRemoteSource,
		forwarders:     make(map[media.MediaType]*transcode.UDPForwarder),
	}

	capture := media.DefaultCaptureConfig()
	capture.VideoFile = cfg.VideoFile
	capture.AudioFile = cfg.AudioFile
	capture.Width, capture.Height, capture.Framerate = cfg.Width, cfg.Height, cfg.Framerate
	capture.LoggerFactory = loggerFactory

	demo.manager = webrtc.NewManager(webrtc.ManagerConfig{
		LoggerFactory: loggerFactory,
		Dumper:        diag.NewDumper(diag.DumperConfig{Dir: cfg.DotDumpDir, LoggerFactory: loggerFactory}),
		Capture:       capture,

		KeyframeRequestInterval: cfg.KeyframeInterval,
	})

	if err := demo.setup(); err != nil {
		return nil, errors.Join(err, demo.Close())
	}
	return demo, nil
}

func (demo *SendReceive) Manager() *webrtc.Manager {
	return demo.manager
}

// Run drives the demo until ctx ends, the configured duration elapses or
// something fails.
func (demo *SendReceive) Run(ctx context.Context) error {
	demo.ctx = ctx
	demo.manager.Start()
	demo.manager.GetCaptureSources(media.MediaTypeAudio|media.MediaTypeVideo, demo.gotSources)
	if demo.config.Duration > 0 {
		demo.manager.Loop.TimeoutAdd(demo.config.Duration, func() {
			demo.log.Infof("ran for %s, stopping", demo.config.Duration)
			demo.manager.Loop.Quit()
		})
	}
	return demo.manager.Loop.Run(ctx)
}

func (demo *SendReceive) Renderers() []media.Renderer {
	demo.mu.Lock()
	defer demo.mu.Unlock()
	return append([]media.Renderer(nil), demo.renderers...)
}

func (demo *SendReceive) Recorder() *transcode.WebMRecorder {
	return demo.recorder
}

func (demo *SendReceive) Close() error {
	demo.mu.Lock()
	if demo.closed {
		demo.mu.Unlock()
		return nil
	}
	demo.closed = true
	renderers := demo.renderers
	sources := demo.sources
	closers := demo.closers
	demo.mu.Unlock()

	errs := []error{demo.manager.Close()}
	for _, renderer := range renderers {
		errs = append(errs, renderer.Close())
	}
	if demo.recorder != nil {
		errs = append(errs, demo.recorder.Close())
	}
	for _, forwarder := range demo.forwarders {
		errs = append(errs, forwarder.Close())
	}
	errs = append(errs, media.CloseSources(sources))
	for _, closer := range closers {
		// Renderers close their own output files.
		if err := closer.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Private

func (demo *SendReceive) setup() error {
	cfg := demo.config

	demo.recvAgent = demo.manager.NewTransportAgent("recv", false)
	demo.sendAgent = demo.manager.NewTransportAgent("send", true)

	openRTPLog, err := logutil.GetRTPLogWriter(cfg.RTPLogDir)
	if err != nil {
		return err
	}
	for _, agent := range []*webrtc.TransportAgent{demo.recvAgent, demo.sendAgent} {
		if err := agent.SetLocalPortRange(cfg.PortMin, cfg.PortMax); err != nil {
			return err
		}
		for _, address := range cfg.LocalAddresses {
			if err := agent.AddLocalAddress(address); err != nil {
				return err
			}
		}
		if openRTPLog != nil {
			writer, err := openRTPLog(agent.Name())
			if err != nil {
				return err
			}
			demo.addCloser(writer)
			if err := agent.SetRTPLogWriter(writer); err != nil {
				return err
			}
		}
	}

	demo.recvVideo = demo.manager.NewMediaSession(false)
	demo.recvAudio = demo.manager.NewMediaSession(false)
	demo.sendVideo = demo.manager.NewMediaSession(true)
	demo.sendAudio = demo.manager.NewMediaSession(true)

	demo.exchangeCandidates(demo.recvVideo, demo.sendVideo)
	demo.exchangeCandidates(demo.sendVideo, demo.recvVideo)
	demo.exchangeCandidates(demo.recvAudio, demo.sendAudio)
	demo.exchangeCandidates(demo.sendAudio, demo.recvAudio)

	videoPayload, err := webrtc.NewVideoPayload(media.CodecTypeVP8, videoPayloadType, videoClockRate, true, false)
	if err != nil {
		return err
	}
	if err := videoPayload.SetRTXPayloadType(videoRTXPayloadType); err != nil {
		return err
	}
	if err := demo.recvVideo.AddReceivePayload(videoPayload); err != nil {
		return err
	}
	audioPayload, err := webrtc.NewAudioPayload(media.CodecTypeOpus, audioPayloadType, audioClockRate, audioChannels)
	if err != nil {
		return err
	}
	if err := demo.recvAudio.AddReceivePayload(audioPayload); err != nil {
		return err
	}

	demo.recvVideo.OnIncomingSource(demo.gotRemoteSource)
	demo.recvAudio.OnIncomingSource(demo.gotRemoteSource)

	if err := demo.recvAgent.AddSession(demo.recvVideo); err != nil {
		return err
	}
	if err := demo.recvAgent.AddSession(demo.recvAudio); err != nil {
		return err
	}

	return demo.setupOutputs()
}

func (demo *SendReceive) setupOutputs() error {
	cfg := demo.config

	if cfg.WebMOutput != "" {
		file, err := os.Create(cfg.WebMOutput)
		if err != nil {
			return err
		}
		demo.recorder = transcode.NewWebMRecorder(file, transcode.WebMRecorderConfig{
			AudioChannels: audioChannels,
			LoggerFactory: demo.loggerFactory,
		})
	}

	for mediaType, forward := range map[media.MediaType]struct {
		port        int
		payloadType uint8
	}{
		media.MediaTypeVideo: {cfg.ForwardVideoPort, forwardVideoPayloadType},
		media.MediaTypeAudio: {cfg.ForwardAudioPort, forwardAudioPayloadType},
	} {
		if forward.port == 0 {
			continue
		}
		forwarder, err := transcode.NewUDPForwarder(forward.port, forward.payloadType, demo.loggerFactory)
		if err != nil {
			return fmt.Errorf("forward %s: %w", mediaType, err)
		}
		demo.forwarders[mediaType] = forwarder
	}
	return nil
}

// exchangeCandidates adds every candidate gathered for from to its counterpart.
func (demo *SendReceive) exchangeCandidates(from, to *webrtc.MediaSession) {
	from.OnNewCandidate(func(candidate webrtc.Candidate) {
		if err := to.AddRemoteCandidate(candidate); err != nil {
			demo.fail(fmt.Errorf("add remote candidate %s: %w", candidate, err))
		}
	})
}

func (demo *SendReceive) gotRemoteSource(source media.Source) {
	var renderer media.Renderer
	var name string
	switch source.MediaType() {
	case media.MediaTypeVideo:
		output, err := demo.createOutput(demo.config.IVFOutput)
		if err != nil {
			demo.fail(err)
			return
		}
		renderer = media.NewVideoRenderer(media.VideoRendererConfig{
			Width:         demo.config.Width,
			Height:        demo.config.Height,
			Output:        output,
			LoggerFactory: demo.loggerFactory,
		})
		name = "video"
		if demo.recorder != nil {
			source.AddSink(demo.recorder.VideoSink())
		}
	case media.MediaTypeAudio:
		output, err := demo.createOutput(demo.config.OggOutput)
		if err != nil {
			demo.fail(err)
			return
		}
		renderer = media.NewAudioRenderer(media.AudioRendererConfig{
			Output:        output,
			LoggerFactory: demo.loggerFactory,
		})
		name = "audio"
		if demo.recorder != nil {
			source.AddSink(demo.recorder.AudioSink())
		}
	default:
		demo.fail(fmt.Errorf("remote source %q has media type %s", source.Name(), source.MediaType()))
		return
	}
	demo.addRenderer(renderer)

	if err := renderer.SetSource(source); err != nil {
		demo.fail(err)
		return
	}
	if forwarder, ok := demo.forwarders[source.MediaType()]; ok {
		if rtpSource, ok := source.(media.RTPSource); ok {
			rtpSource.AddRTPSink(forwarder)
		}
	}
	demo.log.Infof("got remote %s source %q", name, source.Name())

	demo.dump(source, "test_receive-got_remote_source-"+name+"-source")
	demo.dump(renderer, "test_receive-got_remote_source-"+name+"-renderer")

	if demo.onRemoteSource != nil {
		demo.onRemoteSource(source, renderer)
	}
}

func (demo *SendReceive) gotSources(sources []media.Source, err error) {
	if err != nil {
		demo.fail(fmt.Errorf("get capture sources: %w", err))
		return
	}
	demo.mu.Lock()
	demo.sources = append(demo.sources, sources...)
	demo.mu.Unlock()

	// Either kind may be missing; the receiver leaves its session idle.
	video := firstCaptureSource(sources, media.MediaTypeVideo)
	audio := firstCaptureSource(sources, media.MediaTypeAudio)
	if video == nil && audio == nil {
		demo.fail(errors.New("no capture source"))
		return
	}

	if video != nil {
		if err := demo.setupSendVideo(video); err != nil {
			demo.fail(fmt.Errorf("send video: %w", err))
			return
		}
	} else {
		demo.log.Warnf("no video capture source, sending audio only")
	}
	if audio != nil {
		if err := demo.setupSendAudio(audio); err != nil {
			demo.fail(fmt.Errorf("send audio: %w", err))
			return
		}
	} else {
		demo.log.Warnf("no audio capture source, sending video only")
	}

	if err := webrtc.Negotiate(demo.ctx, demo.recvAgent, demo.sendAgent); err != nil {
		demo.fail(err)
		return
	}

	demo.manager.Loop.TimeoutAdd(demo.config.DumpDelay, func() {
		demo.dumpAgent(demo.sendAgent, "test_send-got_source-transport_agent")
		demo.dumpAgent(demo.recvAgent, "test_receive-got_remote_source-transport_agent")
	})
}

func (demo *SendReceive) setupSendVideo(source media.Source) error {
	payload, err := webrtc.NewVideoPayload(media.CodecTypeVP8, videoPayloadType, videoClockRate, true, false)
	if err != nil {
		return err
	}
	payload.SetResolution(demo.config.Width, demo.config.Height)
	payload.SetFramerate(demo.config.Framerate)
	if err := payload.SetRTXPayloadType(videoRTXPayloadType); err != nil {
		return err
	}
	if err := demo.sendVideo.SetSendPayload(payload); err != nil {
		return err
	}
	if err := demo.sendVideo.SetSendSource(source); err != nil {
		return err
	}

	// The self view shows what is negotiated, not what the camera delivers.
	width, height := payload.Resolution()
	renderer := media.NewVideoRenderer(media.VideoRendererConfig{
		Width:         width,
		Height:        height,
		MaxFramerate:  payload.Framerate(),
		LoggerFactory: demo.loggerFactory,
	})
	demo.addRenderer(renderer)
	if err := renderer.SetSource(source); err != nil {
		return err
	}

	demo.dump(source, "test_send-got_source-video-source")
	demo.dump(renderer, "test_send-got_source-video-renderer")

	return demo.sendAgent.AddSession(demo.sendVideo)
}

func (demo *SendReceive) setupSendAudio(source media.Source) error {
	payload, err := webrtc.NewAudioPayload(media.CodecTypeOpus, audioPayloadType, audioClockRate, audioChannels)
	if err != nil {
		return err
	}
	if err := demo.sendAudio.SetSendPayload(payload); err != nil {
		return err
	}
	if err := demo.sendAudio.SetSendSource(source); err != nil {
		return err
	}

	demo.dump(source, "test_send-got_source-audio-source")

	return demo.sendAgent.AddSession(demo.sendAudio)
}

func firstCaptureSource(sources []media.Source, mediaType media.MediaType) media.Source {
	for _, source := range sources {
		if source.SourceType() == media.SourceTypeCapture && source.MediaType() == mediaType {
			return source
		}
	}
	return nil
}

func (demo *SendReceive) createOutput(path string) (io.Writer, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	demo.addCloser(file)
	return file, nil
}

func (demo *SendReceive) dump(describer diag.Describer, name string) {
	if _, err := demo.manager.Dumper().DumpDotFile(describer, name, true); err != nil {
		demo.log.Warnf("dump %s: %v", name, err)
	}
}

func (demo *SendReceive) dumpAgent(agent *webrtc.TransportAgent, name string) {
	if _, err := demo.manager.DumpAgent(agent, name); err != nil {
		demo.log.Warnf("dump %s: %v", name, err)
	}
}

func (demo *SendReceive) addRenderer(renderer media.Renderer) {
	demo.mu.Lock()
	defer demo.mu.Unlock()
	demo.renderers = append(demo.renderers, renderer)
}

func (demo *SendReceive) addCloser(closer io.Closer) {
	demo.mu.Lock()
	defer demo.mu.Unlock()
	demo.closers = append(demo.closers, closer)
}

func (demo *SendReceive) fail(err error) {
	demo.manager.Loop.Fail(err)
}
