package demo

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-webrtc-send-receive/config"
	"github.com/go-webrtc-send-receive/media"
	"github.com/pion/rtp"
	"github.com/pion/transport/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type remoteRenderers struct {
	mu        sync.Mutex
	renderers map[media.MediaType]media.Renderer
}

func (remote *remoteRenderers) add(source media.Source, renderer media.Renderer) {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	remote.renderers[source.MediaType()] = renderer
}

func (remote *remoteRenderers) frames(mediaType media.MediaType) uint64 {
	remote.mu.Lock()
	defer remote.mu.Unlock()
	renderer, ok := remote.renderers[mediaType]
	if !ok {
		return 0
	}
	return renderer.Stats().Frames
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.PortMin, cfg.PortMax = 20000, 20999
	cfg.DotDumpDir = t.TempDir()
	cfg.DumpDelay = 500 * time.Millisecond
	cfg.Width, cfg.Height, cfg.Framerate = 320, 240, 30
	return cfg
}

func TestSendReceiveLoopback(t *testing.T) {
	lim := test.TimeOut(60 * time.Second)
	defer lim.Stop()

	cfg := testConfig(t)
	outputs := t.TempDir()
	cfg.WebMOutput = filepath.Join(outputs, "received.webm")
	cfg.IVFOutput = filepath.Join(outputs, "received.ivf")
	cfg.OggOutput = filepath.Join(outputs, "received.ogg")
	cfg.RTPLogDir = filepath.Join(outputs, "rtp")

	remote := &remoteRenderers{renderers: make(map[media.MediaType]media.Renderer)}
	demo, err := New(Options{Config: cfg, OnRemoteSource: remote.add})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- demo.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return remote.frames(media.MediaTypeVideo) > 0 && remote.frames(media.MediaTypeAudio) > 0
	}, 40*time.Second, 100*time.Millisecond, "no media received")

	require.Eventually(t, func() bool {
		return demo.Recorder().Blocks() > 0
	}, 10*time.Second, 100*time.Millisecond, "nothing recorded")

	require.Eventually(t, func() bool {
		_, send := demo.Manager().Dumper().Get("test_send-got_source-transport_agent")
		_, recv := demo.Manager().Dumper().Get("test_receive-got_remote_source-transport_agent")
		return send && recv
	}, 10*time.Second, 100*time.Millisecond, "transport agents not dumped")

	cancel()
	require.NoError(t, <-runErr)
	require.NoError(t, demo.Close())

	// self view plus the two received streams
	assert.Len(t, demo.Renderers(), 3)

	entries, err := os.ReadDir(cfg.DotDumpDir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	for _, suffix := range []string{
		"-test_receive-got_remote_source-video-source.dot",
		"-test_receive-got_remote_source-video-renderer.dot",
		"-test_receive-got_remote_source-audio-source.dot",
		"-test_receive-got_remote_source-audio-renderer.dot",
		"-test_send-got_source-video-source.dot",
		"-test_send-got_source-video-renderer.dot",
		"-test_send-got_source-audio-source.dot",
		"-test_send-got_source-transport_agent.dot",
		"-test_receive-got_remote_source-transport_agent.dot",
	} {
		found := false
		for _, name := range names {
			found = found || strings.HasSuffix(name, suffix)
		}
		assert.True(t, found, "missing dump %s in %v", suffix, names)
	}

	agentDump, _ := demo.Manager().Dumper().Get("test_receive-got_remote_source-transport_agent")
	assert.Contains(t, string(agentDump), "recvonly")

	for path, magic := range map[string][]byte{
		cfg.WebMOutput: {0x1a, 0x45, 0xdf, 0xa3},
		cfg.IVFOutput:  []byte("DKIF"),
		cfg.OggOutput:  []byte("OggS"),
	} {
		content, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(content, magic), path)
	}

	for _, agent := range []string{"send", "recv"} {
		content, err := os.ReadFile(filepath.Join(cfg.RTPLogDir, agent+".log"))
		require.NoError(t, err)
		assert.Contains(t, string(content), "RTP")
	}
}

func TestSendReceiveDuration(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	cfg := testConfig(t)
	cfg.Duration = 300 * time.Millisecond

	demo, err := New(Options{Config: cfg})
	require.NoError(t, err)
	defer demo.Close()

	assert.NoError(t, demo.Run(context.Background()))
}

func TestSendReceiveMissingCaptureFile(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	cfg := testConfig(t)
	cfg.VideoFile = filepath.Join(t.TempDir(), "missing.ivf")

	demo, err := New(Options{Config: cfg})
	require.NoError(t, err)
	defer demo.Close()

	err = demo.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get capture sources")
}

func TestSendReceiveSingleCaptureKind(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	for _, tc := range []struct {
		name      string
		source    func() media.Source
		mediaType media.MediaType
		renderers int
	}{
		{
			name:      "audio only",
			source:    func() media.Source { return media.NewSyntheticAudioSource("mic", media.SourceTypeCapture, nil) },
			mediaType: media.MediaTypeAudio,
		},
		{
			name: "video only",
			source: func() media.Source {
				return media.NewSyntheticVideoSource("camera", media.SourceTypeCapture, 640, 480, 15, nil)
			},
			mediaType: media.MediaTypeVideo,
			renderers: 1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			demo, err := New(Options{Config: cfg})
			require.NoError(t, err)
			defer demo.Close()

			demo.ctx = context.Background()
			demo.gotSources([]media.Source{tc.source()}, nil)

			select {
			case <-demo.Manager().Loop.Done():
				t.Fatal("demo failed with a single capture source")
			default:
			}

			sessions := demo.sendAgent.Sessions()
			require.Len(t, sessions, 1)
			assert.Equal(t, tc.mediaType, sessions[0].MediaType())
			assert.True(t, demo.sendAgent.Info().Started)
			assert.True(t, demo.recvAgent.Info().Started)

			renderers := demo.Renderers()
			require.Len(t, renderers, tc.renderers)
			if tc.renderers > 0 {
				selfView, ok := renderers[0].(*media.VideoRenderer)
				require.True(t, ok)
				width, height := selfView.Size()
				assert.Equal(t, cfg.Width, width)
				assert.Equal(t, cfg.Height, height)
			}
		})
	}
}

func TestSendReceiveNoCaptureSource(t *testing.T) {
	lim := test.TimeOut(30 * time.Second)
	defer lim.Stop()

	demo, err := New(Options{Config: testConfig(t)})
	require.NoError(t, err)
	defer demo.Close()

	demo.ctx = context.Background()
	demo.gotSources(nil, nil)

	err = demo.Manager().Loop.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no capture source")
	assert.False(t, demo.sendAgent.Info().Started)
}

func TestSendReceiveForwardsVideo(t *testing.T) {
	lim := test.TimeOut(60 * time.Second)
	defer lim.Stop()

	listener, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	cfg := testConfig(t)
	cfg.ForwardVideoPort = listener.LocalAddr().(*net.UDPAddr).Port

	demo, err := New(Options{Config: cfg})
	require.NoError(t, err)
	defer demo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() {
		runErr <- demo.Run(ctx)
	}()

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(40*time.Second)))
	buffer := make([]byte, 1500)
	n, err := listener.Read(buffer)
	require.NoError(t, err)

	var packet rtp.Packet
	require.NoError(t, packet.Unmarshal(buffer[:n]))
	assert.Equal(t, uint8(forwardVideoPayloadType), packet.PayloadType)
	assert.NotEmpty(t, packet.Payload)

	cancel()
	require.NoError(t, <-runErr)

	forwarder := demo.forwarders[media.MediaTypeVideo]
	require.NotNil(t, forwarder)
	assert.Greater(t, forwarder.Forwarded(), uint64(0))
	_, forwardsAudio := demo.forwarders[media.MediaTypeAudio]
	assert.False(t, forwardsAudio)
}
