package transcode

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closingBuffer struct {
	bytes.Buffer
	closed bool
}

func (buffer *closingBuffer) Close() error {
	buffer.closed = true
	return nil
}

func vp8Keyframe(width, height int) []byte {
	frame := make([]byte, 64)
	frame[0] = 0x10
	copy(frame[3:6], []byte{0x9d, 0x01, 0x2a})
	binary.LittleEndian.PutUint16(frame[6:8], uint16(width))
	binary.LittleEndian.PutUint16(frame[8:10], uint16(height))
	return frame
}

func TestWebMRecorderWaitsForKeyframe(t *testing.T) {
	output := &closingBuffer{}
	recorder := NewWebMRecorder(output, WebMRecorderConfig{AudioChannels: 1})

	audio := pionmedia.Sample{Data: []byte{0xf8, 0xff, 0xfe}, Duration: 20 * time.Millisecond}
	delta := pionmedia.Sample{Data: []byte{0x11, 0x02, 0x00, 0x00}, Duration: 33 * time.Millisecond}

	require.NoError(t, recorder.AudioSink().WriteSample(audio))
	require.NoError(t, recorder.VideoSink().WriteSample(delta))
	assert.Zero(t, recorder.Blocks())
	assert.Zero(t, output.Len())

	require.NoError(t, recorder.VideoSink().WriteSample(pionmedia.Sample{Data: vp8Keyframe(640, 480), Duration: 33 * time.Millisecond}))
	require.NoError(t, recorder.VideoSink().WriteSample(delta))
	require.NoError(t, recorder.AudioSink().WriteSample(audio))
	assert.EqualValues(t, 3, recorder.Blocks())

	width, height := recorder.Size()
	assert.Equal(t, 640, width)
	assert.Equal(t, 480, height)

	require.NoError(t, recorder.Close())
	require.NoError(t, recorder.Close())
	assert.True(t, output.closed)
	assert.True(t, bytes.HasPrefix(output.Bytes(), []byte{0x1a, 0x45, 0xdf, 0xa3}), "EBML header")
	assert.ErrorIs(t, recorder.AudioSink().WriteSample(audio), ErrRecorderClosed)
}

func TestWebMRecorderCloseWithoutVideo(t *testing.T) {
	output := &closingBuffer{}
	recorder := NewWebMRecorder(output, WebMRecorderConfig{})

	require.NoError(t, recorder.Close())
	assert.True(t, output.closed)
	assert.Zero(t, output.Len())
}

func TestUDPForwarderRewritesPayloadType(t *testing.T) {
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer listener.Close()

	forwarder, err := NewUDPForwarder(listener.LocalAddr().(*net.UDPAddr).Port, 96, nil)
	require.NoError(t, err)
	defer forwarder.Close()

	packet := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 103, SequenceNumber: 42, SSRC: 7},
		Payload: []byte{1, 2, 3},
	}
	require.NoError(t, forwarder.WriteRTP(packet))
	assert.EqualValues(t, 1, forwarder.Forwarded())

	require.NoError(t, listener.SetReadDeadline(time.Now().Add(2*time.Second)))
	buffer := make([]byte, bufferSize)
	n, _, err := listener.ReadFromUDP(buffer)
	require.NoError(t, err)

	received := &rtp.Packet{}
	require.NoError(t, received.Unmarshal(buffer[:n]))
	assert.Equal(t, uint8(96), received.PayloadType)
	assert.Equal(t, uint16(42), received.SequenceNumber)
	assert.Equal(t, []byte{1, 2, 3}, received.Payload)
}

func TestUDPForwarderToleratesMissingPlayer(t *testing.T) {
	// Grab a free port and release it so nothing listens there.
	listener, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := listener.LocalAddr().(*net.UDPAddr).Port
	require.NoError(t, listener.Close())

	forwarder, err := NewUDPForwarder(port, 111, nil)
	require.NoError(t, err)
	defer forwarder.Close()

	for i := 0; i < 5; i++ {
		packet := &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: uint16(i)}, Payload: []byte{0}}
		assert.NoError(t, forwarder.WriteRTP(packet))
		time.Sleep(10 * time.Millisecond)
	}
	assert.EqualValues(t, 5, forwarder.Forwarded()+forwarder.Refused())
}
