package transcode

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pion/logging"
	"github.com/pion/rtp"
)

const bufferSize = 1500

// UDPForwarder sends the packets of one stream to a local UDP port,
// rewriting their payload type to what the player listening there expects.
type UDPForwarder struct {
	conn        *net.UDPConn
	payloadType uint8
	log         logging.LeveledLogger

	mu     sync.Mutex
	buffer []byte

	forwarded uint64
	refused   uint64
}

// NewUDPForwarder dials 127.0.0.1:port. Players commonly use 96 for video
// and 111 for audio.
func NewUDPForwarder(port int, payloadType uint8, loggerFactory logging.LoggerFactory) (*UDPForwarder, error) {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}

	// Create a local addr
	localAddress, err := net.ResolveUDPAddr("udp", "127.0.0.1:")
	if err != nil {
		return nil, err
	}
	remoteAddress, err := net.ResolveUDPAddr("udp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, err
	}

	// Dial udp
	conn, err := net.DialUDP("udp", localAddress, remoteAddress)
	if err != nil {
		return nil, err
	}

	return &UDPForwarder{
		conn:        conn,
		payloadType: payloadType,
		log:         loggerFactory.NewLogger("udp-forwarder"),
		buffer:      make([]byte, bufferSize),
	}, nil
}

// WriteRTP forwards packet. It owns packet and may modify it.
func (forwarder *UDPForwarder) WriteRTP(packet *rtp.Packet) error {
	packet.PayloadType = forwarder.payloadType

	forwarder.mu.Lock()
	defer forwarder.mu.Unlock()

	n, err := packet.MarshalTo(forwarder.buffer)
	if err != nil {
		return err
	}
	return forwarder.connWrite(forwarder.buffer[:n])
}

func (forwarder *UDPForwarder) Forwarded() uint64 {
	return atomic.LoadUint64(&forwarder.forwarded)
}

func (forwarder *UDPForwarder) Refused() uint64 {
	return atomic.LoadUint64(&forwarder.refused)
}

func (forwarder *UDPForwarder) LocalAddr() net.Addr {
	return forwarder.conn.LocalAddr()
}

func (forwarder *UDPForwarder) Close() error {
	return forwarder.conn.Close()
}

// Private

func (forwarder *UDPForwarder) connWrite(buffer []byte) error {
	if _, writeErr := forwarder.conn.Write(buffer); writeErr != nil {
		// The player is usually started after the stream, so it is normal to
		// have nobody listening for a while. Keep forwarding on "connection refused".
		if errors.Is(writeErr, syscall.ECONNREFUSED) {
			if atomic.AddUint64(&forwarder.refused, 1) == 1 {
				forwarder.log.Warnf("%s: connection refused, is the player listening?", forwarder.conn.RemoteAddr())
			}
			return nil
		}
		return writeErr
	}
	atomic.AddUint64(&forwarder.forwarded, 1)
	return nil
}
