package media

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/pion/logging"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/samplebuilder"
)

// maxLate is how long to wait until we can construct a completed media.Sample.
// maxLate is measured in RTP packet sequence numbers.
// A large maxLate will result in less packet loss but higher latency.
const maxLate = 10

// RemoteSource is a stream received from a peer. Packets pushed into it are
// handed to RTP sinks as they are and reassembled into samples for sample sinks.
type RemoteSource struct {
	*baseSource

	clockRate uint32
	channels  uint16

	builderMu sync.Mutex
	builder   *samplebuilder.SampleBuilder

	rtpMu         sync.RWMutex
	nextRTPSinkID int
	rtpSinks      map[int]RTPSink

	packets uint64
}

func NewRemoteSource(name string, codec CodecType, clockRate uint32, channels uint16, loggerFactory logging.LoggerFactory) *RemoteSource {
	source := &RemoteSource{
		baseSource: newBaseSource(name, codec.MediaType(), SourceTypeCapture, codec, loggerFactory),
		clockRate:  clockRate,
		channels:   channels,
		rtpSinks:   make(map[int]RTPSink),
	}
	if depacketizer := codec.Depacketizer(); depacketizer != nil {
		source.builder = samplebuilder.New(maxLate, depacketizer, clockRate)
	}
	return source
}

func (source *RemoteSource) ClockRate() uint32 { return source.clockRate }
func (source *RemoteSource) Channels() uint16  { return source.channels }

func (source *RemoteSource) Packets() uint64 {
	return atomic.LoadUint64(&source.packets)
}

func (source *RemoteSource) AddRTPSink(sink RTPSink) func() {
	source.rtpMu.Lock()
	id := source.nextRTPSinkID
	source.nextRTPSinkID++
	source.rtpSinks[id] = sink
	source.rtpMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			source.rtpMu.Lock()
			delete(source.rtpSinks, id)
			source.rtpMu.Unlock()
		})
	}
}

// Push takes ownership of packet.
func (source *RemoteSource) Push(packet *rtp.Packet) {
	atomic.AddUint64(&source.packets, 1)

	source.rtpMu.RLock()
	ids := make([]int, 0, len(source.rtpSinks))
	for id := range source.rtpSinks {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	sinks := make([]RTPSink, 0, len(ids))
	for _, id := range ids {
		sinks = append(sinks, source.rtpSinks[id])
	}
	source.rtpMu.RUnlock()

	// Sinks may rewrite headers, so each gets its own copy.
	for _, sink := range sinks {
		if err := sink.WriteRTP(packet.Clone()); err != nil {
			atomic.AddUint64(&source.sinkErrors, 1)
			source.log.Debugf("%s: rtp sink %T rejected packet: %v", source.name, sink, err)
		}
	}

	if source.builder == nil {
		return
	}

	source.builderMu.Lock()
	source.builder.Push(packet)
	for {
		sample := source.builder.Pop()
		if sample == nil {
			break
		}
		source.builderMu.Unlock()
		source.emit(*sample)
		source.builderMu.Lock()
	}
	source.builderMu.Unlock()
}
