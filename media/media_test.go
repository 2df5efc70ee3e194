package media

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emicklei/dot"
	"github.com/pion/rtp"
	"github.com/pion/transport/v2/test"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectingSink struct {
	mu      sync.Mutex
	samples []pionmedia.Sample
}

func (sink *collectingSink) WriteSample(sample pionmedia.Sample) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.samples = append(sink.samples, sample)
	return nil
}

func (sink *collectingSink) count() int {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return len(sink.samples)
}

func (sink *collectingSink) first() pionmedia.Sample {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	return sink.samples[0]
}

type collectingRTPSink struct {
	mu      sync.Mutex
	packets []*rtp.Packet
}

func (sink *collectingRTPSink) WriteRTP(packet *rtp.Packet) error {
	sink.mu.Lock()
	defer sink.mu.Unlock()
	sink.packets = append(sink.packets, packet)
	return nil
}

func TestMediaType(t *testing.T) {
	both := MediaTypeAudio | MediaTypeVideo

	assert.Equal(t, "audio|video", both.String())
	assert.Equal(t, "unknown", MediaTypeUnknown.String())
	assert.True(t, both.Has(MediaTypeVideo))
	assert.False(t, MediaTypeAudio.Has(MediaTypeVideo))
	assert.False(t, both.Has(MediaTypeUnknown))

	for _, mediaType := range []MediaType{MediaTypeAudio, MediaTypeVideo} {
		assert.Equal(t, mediaType, MediaTypeFromKind(mediaType.CodecType()))
	}
	assert.Equal(t, MediaTypeUnknown, MediaTypeFromKind(0))
}

func TestCodecFromMimeType(t *testing.T) {
	assert.Equal(t, CodecTypeVP8, CodecFromMimeType("VIDEO/vp8"))
	assert.Equal(t, CodecTypeOpus, CodecFromMimeType("audio/opus"))
	assert.Equal(t, CodecTypeNone, CodecFromMimeType("video/rtx"))

	for _, codec := range []CodecType{CodecTypeOpus, CodecTypeVP8, CodecTypeVP9, CodecTypeH264} {
		assert.NotNil(t, codec.Depacketizer(), codec.String())
	}
	assert.Equal(t, MediaTypeVideo, CodecTypeH264.MediaType())
}

func TestVP8Frame(t *testing.T) {
	keyframe := vp8Frame(true, 1280, 720, 4000)
	require.Len(t, keyframe, 4000)

	width, height, ok := VP8KeyframeSize(keyframe)
	require.True(t, ok)
	assert.Equal(t, 1280, width)
	assert.Equal(t, 720, height)

	delta := vp8Frame(false, 1280, 720, 1200)
	assert.False(t, IsVP8Keyframe(delta))
	_, _, ok = VP8KeyframeSize(delta[:4])
	assert.False(t, ok)
}

func TestSyntheticAudioSource(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	source := NewSyntheticAudioSource("mic", SourceTypeCapture, nil)
	defer source.Close()

	sink := &collectingSink{}
	detach := source.AddSink(sink)

	assert.Eventually(t, func() bool { return sink.count() >= 3 }, 2*time.Second, 10*time.Millisecond)
	detach()
	detached := sink.count()
	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, sink.count(), detached+1)

	sample := sink.first()
	assert.Equal(t, opusSilence, sample.Data)
	assert.Equal(t, opusFrameDuration, sample.Duration)
	assert.Equal(t, MediaTypeAudio, source.MediaType())
	assert.NoError(t, source.Close())
}

func TestSyntheticVideoSourceKeyframes(t *testing.T) {
	report := test.CheckRoutines(t)
	defer report()

	source := NewSyntheticVideoSource("camera", SourceTypeCapture, 640, 480, 50, nil)
	defer source.Close()

	sink := &collectingSink{}
	source.AddSink(sink)
	require.Eventually(t, func() bool { return sink.count() >= 2 }, 2*time.Second, 10*time.Millisecond)

	width, height, ok := VP8KeyframeSize(sink.first().Data)
	require.True(t, ok, "first frame must be a keyframe")
	assert.Equal(t, 640, width)
	assert.Equal(t, 480, height)

	source.RequestKeyframe()
	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		for _, sample := range sink.samples[1:] {
			if IsVP8Keyframe(sample.Data) {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	assert.NoError(t, source.Close())
	assert.NoError(t, source.Close())
}

func TestGetCaptureSources(t *testing.T) {
	sources, err := GetCaptureSources(DefaultCaptureConfig(), MediaTypeAudio|MediaTypeVideo)
	require.NoError(t, err)
	defer CloseSources(sources)

	require.Len(t, sources, 3)
	assert.Equal(t, MediaTypeVideo, sources[0].MediaType())
	assert.Equal(t, SourceTypeCapture, sources[0].SourceType())
	assert.Equal(t, MediaTypeAudio, sources[1].MediaType())
	assert.Equal(t, SourceTypeTest, sources[2].SourceType())

	audioOnly, err := GetCaptureSources(DefaultCaptureConfig(), MediaTypeAudio)
	require.NoError(t, err)
	defer CloseSources(audioOnly)
	require.Len(t, audioOnly, 1)
	assert.Equal(t, CodecTypeOpus, audioOnly[0].Codec())
}

func TestGetCaptureSourcesMissingFile(t *testing.T) {
	config := DefaultCaptureConfig()
	config.VideoFile = "does-not-exist.ivf"

	_, err := GetCaptureSources(config, MediaTypeVideo)
	assert.Error(t, err)
}

type failingSource struct {
	*LocalSource
	err error
}

func (source *failingSource) Close() error {
	return errors.Join(source.LocalSource.Close(), source.err)
}

func TestCloseSourcesReportsErrors(t *testing.T) {
	errStuck := errors.New("device stuck")
	healthy := NewSyntheticAudioSource("mic", SourceTypeCapture, nil)
	stuck := &failingSource{LocalSource: NewSyntheticVideoSource("camera", SourceTypeCapture, 320, 240, 30, nil), err: errStuck}
	remote := NewRemoteSource("remote-audio", CodecTypeOpus, 48000, 1, nil)

	err := CloseSources([]Source{healthy, stuck, remote})
	assert.ErrorIs(t, err, errStuck)
	assert.Contains(t, err.Error(), "camera")

	assert.NoError(t, CloseSources([]Source{healthy, remote}))
}

func opusPacket(sequenceNumber uint16, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    100,
			SequenceNumber: sequenceNumber,
			Timestamp:      uint32(sequenceNumber) * 960,
			SSRC:           1234,
		},
		Payload: payload,
	}
}

func TestRemoteSourceReassemblesAndForwards(t *testing.T) {
	source := NewRemoteSource("remote-audio", CodecTypeOpus, 48000, 1, nil)
	samples := &collectingSink{}
	packets := &collectingRTPSink{}
	source.AddSink(samples)
	detachRTP := source.AddRTPSink(packets)

	for i := uint16(1); i <= 6; i++ {
		source.Push(opusPacket(i, []byte{0xf8, 0xff, byte(i)}))
	}

	assert.EqualValues(t, 6, source.Packets())
	assert.GreaterOrEqual(t, samples.count(), 3)
	require.Len(t, packets.packets, 6)

	// The RTP sink works on a copy.
	packets.packets[0].PayloadType = 96
	packets.packets[0].Payload[2] = 0xAA
	assert.Equal(t, byte(1), samples.first().Data[2])

	detachRTP()
	source.Push(opusPacket(7, []byte{0xf8, 0xff, 7}))
	assert.Len(t, packets.packets, 6)
	assert.Equal(t, uint32(48000), source.ClockRate())
	assert.Equal(t, SourceTypeCapture, source.SourceType())
}

func TestVideoRendererFramerateLimit(t *testing.T) {
	renderer := NewVideoRenderer(VideoRendererConfig{Width: 1280, Height: 720, MaxFramerate: 10})
	start := time.Unix(100, 0)

	frame := vp8Frame(true, 320, 240, 100)
	for i := 0; i < 10; i++ {
		at := start.Add(time.Duration(i) * 50 * time.Millisecond)
		require.NoError(t, renderer.WriteSample(pionmedia.Sample{Data: frame, Timestamp: at}))
	}

	stats := renderer.Stats()
	assert.EqualValues(t, 5, stats.Frames)
	assert.EqualValues(t, 5, stats.Dropped)
	assert.Equal(t, 320, stats.Width)
	assert.Equal(t, 240, stats.Height)

	width, height := renderer.Size()
	assert.Equal(t, 1280, width)
	assert.Equal(t, 720, height)
}

func TestRendererSetSource(t *testing.T) {
	renderer := NewAudioRenderer(AudioRendererConfig{})
	video := NewRemoteSource("remote-video", CodecTypeVP8, 90000, 0, nil)

	assert.ErrorIs(t, renderer.SetSource(nil), ErrNilSource)
	assert.ErrorIs(t, renderer.SetSource(video), ErrMediaTypeMismatch)

	audio := NewRemoteSource("remote-audio", CodecTypeOpus, 48000, 1, nil)
	require.NoError(t, renderer.SetSource(audio))
	assert.Equal(t, Source(audio), renderer.Source())
	assert.Equal(t, 1, audio.Stats().Sinks)

	require.NoError(t, renderer.Close())
	assert.Equal(t, 0, audio.Stats().Sinks)
	assert.ErrorIs(t, renderer.SetSource(audio), ErrRendererClosed)
}

func TestAudioRendererOggOutput(t *testing.T) {
	var output bytes.Buffer
	renderer := NewAudioRenderer(AudioRendererConfig{Output: &output})
	source := NewRemoteSource("remote-audio", CodecTypeOpus, 48000, 1, nil)
	require.NoError(t, renderer.SetSource(source))

	for i := uint16(1); i <= 4; i++ {
		source.Push(opusPacket(i, []byte{0xf8, 0xff, 0xfe}))
	}
	require.NoError(t, renderer.Close())

	assert.True(t, bytes.HasPrefix(output.Bytes(), []byte("OggS")))
	assert.Greater(t, renderer.Stats().Frames, uint64(0))
}

func TestDescribe(t *testing.T) {
	source := NewSyntheticAudioSource("mic", SourceTypeCapture, nil)
	renderer := NewAudioRenderer(AudioRendererConfig{})
	require.NoError(t, renderer.SetSource(source))
	defer source.Close()
	defer renderer.Close()

	graph := dot.NewGraph(dot.Directed)
	renderer.Describe(graph)
	out := graph.String()

	assert.Contains(t, out, "mic")
	assert.Contains(t, out, "audio renderer")
}
