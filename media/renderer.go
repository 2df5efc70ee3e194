package media

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emicklei/dot"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/rtp"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

var (
	ErrNilSource          = errors.New("media: nil source")
	ErrMediaTypeMismatch  = errors.New("media: source media type does not match renderer")
	ErrRendererClosed     = errors.New("media: renderer closed")
	errOutputNeedsPackets = errors.New("media: file output needs an RTP source")
)

type Renderer interface {
	SampleSink
	SetSource(source Source) error
	Source() Source
	Stats() RendererStats
	Describe(graph *dot.Graph) dot.Node
	Close() error
}

type RendererStats struct {
	Frames  uint64
	Dropped uint64
	Bytes   uint64
	// Width and Height are the last size seen in a VP8 keyframe.
	Width  int
	Height int
	Last   time.Time
}

// rtpWriteCloser is what pion's ivfwriter and oggwriter have in common.
type rtpWriteCloser interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// guardedWriter serializes packet writes against Close; packets arrive on the
// receiving goroutine while the renderer may be reconnected from elsewhere.
type guardedWriter struct {
	mu     sync.Mutex
	writer rtpWriteCloser
	closed bool
}

func (guarded *guardedWriter) WriteRTP(packet *rtp.Packet) error {
	guarded.mu.Lock()
	defer guarded.mu.Unlock()
	if guarded.closed {
		return ErrRendererClosed
	}
	return guarded.writer.WriteRTP(packet)
}

func (guarded *guardedWriter) Close() error {
	guarded.mu.Lock()
	defer guarded.mu.Unlock()
	if guarded.closed {
		return nil
	}
	guarded.closed = true
	return guarded.writer.Close()
}

type baseRenderer struct {
	id        string
	kind      string
	mediaType MediaType
	log       logging.LeveledLogger
	now       func() time.Time

	// minInterval is zero when frames are never dropped.
	minInterval time.Duration
	output      io.Writer
	openOutput  func(source RTPSource, output io.Writer) (rtpWriteCloser, error)

	mu        sync.Mutex
	source    Source
	detach    []func()
	writer    *guardedWriter
	stats     RendererStats
	lastFrame time.Time
	closed    bool
}

func newBaseRenderer(kind string, mediaType MediaType, loggerFactory logging.LoggerFactory) *baseRenderer {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &baseRenderer{
		id:        uuid.NewString(),
		kind:      kind,
		mediaType: mediaType,
		log:       loggerFactory.NewLogger("media-renderer"),
		now:       time.Now,
	}
}

// sampleSink keeps the renderer's WriteSample out of the source's way while
// letting the renderer be used directly as a sink.
type sampleSink func(sample pionmedia.Sample) error

func (sink sampleSink) WriteSample(sample pionmedia.Sample) error { return sink(sample) }

func (renderer *baseRenderer) SetSource(source Source) error {
	if source == nil {
		return ErrNilSource
	}
	if source.MediaType() != renderer.mediaType {
		return fmt.Errorf("%w: %s renderer, %s source", ErrMediaTypeMismatch, renderer.mediaType, source.MediaType())
	}

	renderer.mu.Lock()
	defer renderer.mu.Unlock()
	if renderer.closed {
		return ErrRendererClosed
	}

	renderer.disconnectLocked()
	renderer.source = source
	renderer.detach = append(renderer.detach, source.AddSink(sampleSink(renderer.WriteSample)))

	if renderer.output == nil {
		return nil
	}
	rtpSource, ok := source.(RTPSource)
	if !ok {
		renderer.log.Warnf("%s renderer: %v, %q only renders", renderer.kind, errOutputNeedsPackets, source.Name())
		return nil
	}
	writer, err := renderer.openOutput(rtpSource, renderer.output)
	if err != nil {
		return fmt.Errorf("open %s renderer output: %w", renderer.kind, err)
	}
	renderer.writer = &guardedWriter{writer: writer}
	renderer.detach = append(renderer.detach, rtpSource.AddRTPSink(renderer.writer))
	return nil
}

func (renderer *baseRenderer) disconnectLocked() {
	for _, detach := range renderer.detach {
		detach()
	}
	renderer.detach = nil
	if renderer.writer != nil {
		if err := renderer.writer.Close(); err != nil {
			renderer.log.Warnf("%s renderer: closing output: %v", renderer.kind, err)
		}
		renderer.writer = nil
	}
}

func (renderer *baseRenderer) Source() Source {
	renderer.mu.Lock()
	defer renderer.mu.Unlock()
	return renderer.source
}

func (renderer *baseRenderer) WriteSample(sample pionmedia.Sample) error {
	renderer.mu.Lock()
	defer renderer.mu.Unlock()
	if renderer.closed {
		return ErrRendererClosed
	}

	at := sample.Timestamp
	if at.IsZero() {
		at = renderer.now()
	}
	// A little slack so a source running exactly at the limit is not thinned out by jitter.
	if renderer.minInterval > 0 && !renderer.lastFrame.IsZero() && at.Sub(renderer.lastFrame) < renderer.minInterval*9/10 {
		renderer.stats.Dropped++
		return nil
	}
	renderer.lastFrame = at

	renderer.stats.Frames++
	renderer.stats.Bytes += uint64(len(sample.Data))
	renderer.stats.Last = at
	if width, height, ok := VP8KeyframeSize(sample.Data); ok {
		renderer.stats.Width, renderer.stats.Height = width, height
	}
	return nil
}

func (renderer *baseRenderer) Stats() RendererStats {
	renderer.mu.Lock()
	defer renderer.mu.Unlock()
	return renderer.stats
}

func (renderer *baseRenderer) Close() error {
	renderer.mu.Lock()
	defer renderer.mu.Unlock()
	if renderer.closed {
		return nil
	}
	renderer.closed = true
	renderer.disconnectLocked()
	return nil
}

func (renderer *baseRenderer) Describe(graph *dot.Graph) dot.Node {
	renderer.mu.Lock()
	defer renderer.mu.Unlock()

	node := graph.Node(renderer.id).
		Label(fmt.Sprintf("%s renderer\nframes=%d dropped=%d", renderer.kind, renderer.stats.Frames, renderer.stats.Dropped)).
		Attr("shape", "ellipse")
	if renderer.source != nil {
		graph.Edge(renderer.source.Describe(graph), node)
	}
	if renderer.writer != nil {
		output := graph.Node(renderer.id + "-output").Label(fmt.Sprintf("%T", renderer.writer.writer))
		graph.Edge(node, output)
	}
	return node
}

type VideoRendererConfig struct {
	Width        int
	Height       int
	MaxFramerate float64
	// Output receives an IVF recording of VP8 sources that still carry packets.
	Output        io.Writer
	LoggerFactory logging.LoggerFactory
}

type VideoRenderer struct {
	*baseRenderer
	width  int
	height int
}

func NewVideoRenderer(config VideoRendererConfig) *VideoRenderer {
	renderer := &VideoRenderer{
		baseRenderer: newBaseRenderer("video", MediaTypeVideo, config.LoggerFactory),
		width:        config.Width,
		height:       config.Height,
	}
	if config.MaxFramerate > 0 {
		renderer.minInterval = time.Duration(float64(time.Second) / config.MaxFramerate)
	}
	renderer.output = config.Output
	renderer.openOutput = func(source RTPSource, output io.Writer) (rtpWriteCloser, error) {
		if source.Codec() != CodecTypeVP8 {
			return nil, fmt.Errorf("ivf output supports vp8, not %s", source.Codec())
		}
		return ivfwriter.NewWith(output)
	}
	return renderer
}

// Size is the configured window size, not the size of the frames rendered.
func (renderer *VideoRenderer) Size() (int, int) {
	return renderer.width, renderer.height
}

type AudioRendererConfig struct {
	// Output receives an Ogg recording of Opus sources that still carry packets.
	Output        io.Writer
	LoggerFactory logging.LoggerFactory
}

type AudioRenderer struct {
	*baseRenderer
}

func NewAudioRenderer(config AudioRendererConfig) *AudioRenderer {
	renderer := &AudioRenderer{
		baseRenderer: newBaseRenderer("audio", MediaTypeAudio, config.LoggerFactory),
	}
	renderer.output = config.Output
	renderer.openOutput = func(source RTPSource, output io.Writer) (rtpWriteCloser, error) {
		if source.Codec() != CodecTypeOpus {
			return nil, fmt.Errorf("ogg output supports opus, not %s", source.Codec())
		}
		channels := source.Channels()
		if channels == 0 {
			channels = 1
		}
		return oggwriter.NewWith(output, source.ClockRate(), channels)
	}
	return renderer
}
