package media

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/emicklei/dot"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/rtp"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
)

// SampleSink consumes encoded frames. pion's TrackLocalStaticSample is one.
type SampleSink interface {
	WriteSample(sample pionmedia.Sample) error
}

// RTPSink consumes packets exactly as they arrived from the network.
type RTPSink interface {
	WriteRTP(packet *rtp.Packet) error
}

type Source interface {
	ID() string
	Name() string
	MediaType() MediaType
	SourceType() SourceType
	Codec() CodecType
	// AddSink attaches sink and returns the function that detaches it.
	AddSink(sink SampleSink) func()
	Stats() Stats
	Describe(graph *dot.Graph) dot.Node
}

// RTPSource is implemented by sources that still hold the packets they were built from.
type RTPSource interface {
	Source
	AddRTPSink(sink RTPSink) func()
	ClockRate() uint32
	Channels() uint16
}

// KeyframeRequester is implemented by sources able to emit a keyframe on demand.
type KeyframeRequester interface {
	RequestKeyframe()
}

type Stats struct {
	Samples    uint64
	Bytes      uint64
	SinkErrors uint64
	Sinks      int
}

type baseSource struct {
	id         string
	name       string
	mediaType  MediaType
	sourceType SourceType
	codec      CodecType
	log        logging.LeveledLogger

	mu          sync.RWMutex
	nextSinkID  int
	sinks       map[int]SampleSink
	onFirstSink func()

	samples    uint64
	bytes      uint64
	sinkErrors uint64
}

func newBaseSource(name string, mediaType MediaType, sourceType SourceType, codec CodecType, loggerFactory logging.LoggerFactory) *baseSource {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &baseSource{
		id:         uuid.NewString(),
		name:       name,
		mediaType:  mediaType,
		sourceType: sourceType,
		codec:      codec,
		log:        loggerFactory.NewLogger("media-source"),
		sinks:      make(map[int]SampleSink),
	}
}

func (source *baseSource) ID() string             { return source.id }
func (source *baseSource) Name() string           { return source.name }
func (source *baseSource) MediaType() MediaType   { return source.mediaType }
func (source *baseSource) SourceType() SourceType { return source.sourceType }
func (source *baseSource) Codec() CodecType       { return source.codec }

func (source *baseSource) AddSink(sink SampleSink) func() {
	source.mu.Lock()
	id := source.nextSinkID
	source.nextSinkID++
	source.sinks[id] = sink
	first := len(source.sinks) == 1 && source.onFirstSink != nil
	onFirstSink := source.onFirstSink
	source.mu.Unlock()

	if first {
		onFirstSink()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			source.mu.Lock()
			delete(source.sinks, id)
			source.mu.Unlock()
		})
	}
}

func (source *baseSource) Stats() Stats {
	source.mu.RLock()
	sinks := len(source.sinks)
	source.mu.RUnlock()

	return Stats{
		Samples:    atomic.LoadUint64(&source.samples),
		Bytes:      atomic.LoadUint64(&source.bytes),
		SinkErrors: atomic.LoadUint64(&source.sinkErrors),
		Sinks:      sinks,
	}
}

// emit hands the sample to every sink. A failing sink does not stop the others.
func (source *baseSource) emit(sample pionmedia.Sample) {
	atomic.AddUint64(&source.samples, 1)
	atomic.AddUint64(&source.bytes, uint64(len(sample.Data)))

	source.mu.RLock()
	sinks := make([]SampleSink, 0, len(source.sinks))
	for _, id := range source.sortedSinkIDs() {
		sinks = append(sinks, source.sinks[id])
	}
	source.mu.RUnlock()

	for _, sink := range sinks {
		if err := sink.WriteSample(sample); err != nil {
			atomic.AddUint64(&source.sinkErrors, 1)
			source.log.Debugf("%s: sink %T rejected sample: %v", source.name, sink, err)
		}
	}
}

// sortedSinkIDs keeps delivery in attach order. Caller holds mu.
func (source *baseSource) sortedSinkIDs() []int {
	ids := make([]int, 0, len(source.sinks))
	for id := range source.sinks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (source *baseSource) Describe(graph *dot.Graph) dot.Node {
	node := graph.Node(source.id).
		Label(fmt.Sprintf("%s\n%s %s (%s)", source.name, source.sourceType, source.mediaType, source.codec)).
		Box()

	source.mu.RLock()
	defer source.mu.RUnlock()
	for _, id := range source.sortedSinkIDs() {
		sink := graph.Node(fmt.Sprintf("%s-sink-%d", source.id, id)).
			Label(fmt.Sprintf("%T", source.sinks[id]))
		graph.Edge(node, sink)
	}
	return node
}
