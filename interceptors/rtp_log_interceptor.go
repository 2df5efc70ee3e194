package interceptors

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

type rtcpPacket struct {
	rtcp.Packet
	time time.Time
}

func (p *rtcpPacket) String() string {
	out := "RTCP"

	out += fmt.Sprintf("\t%d", p.time.UnixNano())
	out += fmt.Sprintf("\t%T", p.Packet)
	out += fmt.Sprintf("\t%v", p.DestinationSSRC())

	return out
}

type rtpPacket struct {
	header      rtp.Header
	payloadSize int
	time        time.Time
}

func (p *rtpPacket) String() string {
	out := "RTP"

	out += fmt.Sprintf("\t%d", p.time.UnixNano())
	out += fmt.Sprintf("\t%d", p.header.PayloadType)
	out += fmt.Sprintf("\t%x", p.header.SSRC)
	out += fmt.Sprintf("\t%d", p.header.SequenceNumber)
	out += fmt.Sprintf("\t%d", p.header.Timestamp)
	out += fmt.Sprintf("\t%v", boolToChar(p.header.Marker))
	out += fmt.Sprintf("\t%v", p.payloadSize)

	return out
}

type logLine struct {
	direction string
	packet    fmt.Stringer
}

// RTPLogFactory builds one RTPLogInterceptor per PeerConnection, all
// writing to the same stream.
type RTPLogFactory struct {
	name   string
	writer io.Writer
	log    logging.LeveledLogger
}

// NewRTPLogFactory prefixes every line with name unless pion hands the
// interceptor an id of its own.
func NewRTPLogFactory(name string, writer io.Writer, loggerFactory logging.LoggerFactory) *RTPLogFactory {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &RTPLogFactory{
		name:   name,
		writer: &syncWriter{writer: writer},
		log:    loggerFactory.NewLogger("rtp-log"),
	}
}

func (f *RTPLogFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	if id == "" {
		id = f.name
	}
	return NewRTPLogInterceptor(id, f.writer, f.log), nil
}

// RTPLogInterceptor writes one tab separated line per RTP or RTCP packet
// crossing the PeerConnection. Writes happen on a separate goroutine so
// the media path never waits on the log.
type RTPLogInterceptor struct {
	interceptor.NoOp

	id     string
	writer io.Writer
	log    logging.LeveledLogger

	lines chan logLine

	closeOnce sync.Once
	done      chan struct{}
	closed    chan struct{}
}

func NewRTPLogInterceptor(id string, writer io.Writer, log logging.LeveledLogger) *RTPLogInterceptor {
	i := &RTPLogInterceptor{
		id:     id,
		writer: writer,
		log:    log,
		lines:  make(chan logLine, 1024),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	go i.loop()
	return i
}

// BindRTCPReader logs incoming RTCP packets.
func (r *RTPLogInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		i, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}
		pkts, err := rtcp.Unmarshal(b[:i])
		if err != nil {
			return 0, nil, err
		}
		now := time.Now()
		for _, pkt := range pkts {
			r.push("in", &rtcpPacket{Packet: pkt, time: now})
		}
		return i, attr, nil
	})
}

// BindRTCPWriter logs outgoing RTCP packets.
func (r *RTPLogInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	return interceptor.RTCPWriterFunc(func(pkts []rtcp.Packet, attributes interceptor.Attributes) (int, error) {
		now := time.Now()
		for _, pkt := range pkts {
			r.push("out", &rtcpPacket{Packet: pkt, time: now})
		}
		return writer.Write(pkts, attributes)
	})
}

// BindLocalStream logs outgoing RTP packets.
func (r *RTPLogInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		r.push("out", &rtpPacket{header: *header, payloadSize: len(payload), time: time.Now()})
		return writer.Write(header, payload, attributes)
	})
}

// BindRemoteStream logs incoming RTP packets.
func (r *RTPLogInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		ts := time.Now()
		i, attr, err := reader.Read(b, a)
		if err != nil {
			return 0, nil, err
		}
		var header rtp.Header
		headerSize, err := header.Unmarshal(b[:i])
		if err != nil {
			return 0, nil, err
		}
		r.push("in", &rtpPacket{header: header, payloadSize: i - headerSize, time: ts})
		return i, attr, nil
	})
}

// push drops the line rather than block when the writer falls behind.
func (r *RTPLogInterceptor) push(direction string, packet fmt.Stringer) {
	select {
	case <-r.done:
	case r.lines <- logLine{direction: direction, packet: packet}:
	default:
		r.log.Debugf("%s: packet log full, dropping line", r.id)
	}
}

func (r *RTPLogInterceptor) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
	})
	<-r.closed
	return nil
}

func (r *RTPLogInterceptor) loop() {
	defer close(r.closed)
	for {
		select {
		case line := <-r.lines:
			r.write(line)
		case <-r.done:
			for {
				select {
				case line := <-r.lines:
					r.write(line)
				default:
					return
				}
			}
		}
	}
}

func (r *RTPLogInterceptor) write(line logLine) {
	if _, err := fmt.Fprintf(r.writer, "%s\t%s:\t%s\n", r.id, line.direction, line.packet); err != nil {
		r.log.Warnf("could not dump packet: %v", err)
	}
}

// syncWriter lets the interceptors of several PeerConnections share a stream.
type syncWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer.Write(p)
}

func boolToChar(b bool) string {
	if !b {
		return "0"
	}
	return "1"
}
