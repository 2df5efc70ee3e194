package interceptors

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRTPLogInterceptor(t *testing.T) {
	var out bytes.Buffer
	factory := NewRTPLogFactory("send", &out, nil)

	i, err := factory.NewInterceptor("")
	require.NoError(t, err)

	var written int
	rtpWriter := i.BindLocalStream(&interceptor.StreamInfo{SSRC: 0xabcd}, interceptor.RTPWriterFunc(
		func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
			written++
			return len(payload), nil
		}))
	_, err = rtpWriter.Write(&rtp.Header{Version: 2, PayloadType: 103, SequenceNumber: 7, SSRC: 0xabcd, Marker: true}, make([]byte, 42), nil)
	require.NoError(t, err)

	rtcpWriter := i.BindRTCPWriter(interceptor.RTCPWriterFunc(
		func(pkts []rtcp.Packet, attributes interceptor.Attributes) (int, error) {
			return len(pkts), nil
		}))
	_, err = rtcpWriter.Write([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: 0xabcd}}, nil)
	require.NoError(t, err)

	require.NoError(t, i.Close())
	assert.Equal(t, 1, written)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "send\tout:\tRTP", strings.Join(strings.SplitN(lines[0], "\t", 4)[:3], "\t"))
	assert.True(t, strings.HasSuffix(lines[0], "\t103\tabcd\t7\t0\t1\t42"))
	assert.Contains(t, lines[1], "*rtcp.PictureLossIndication")
}

func TestRTPLogInterceptorRemoteStream(t *testing.T) {
	var out bytes.Buffer
	i := NewRTPLogInterceptor("recv", &syncWriter{writer: &out}, logging.NewDefaultLoggerFactory().NewLogger("test"))

	packet, err := (&rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 100, SequenceNumber: 1, SSRC: 1}, Payload: []byte{1, 2, 3}}).Marshal()
	require.NoError(t, err)

	reader := i.BindRemoteStream(&interceptor.StreamInfo{SSRC: 1}, interceptor.RTPReaderFunc(
		func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
			return copy(b, packet), a, nil
		}))
	buf := make([]byte, 1500)
	n, _, err := reader.Read(buf, nil)
	require.NoError(t, err)
	assert.Equal(t, len(packet), n)

	require.NoError(t, i.Close())
	require.NoError(t, i.Close())
	assert.True(t, strings.HasPrefix(out.String(), "recv\tin:\tRTP"))
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out.String()), "\t3"))
}
