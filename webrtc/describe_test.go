package webrtc

import (
	"testing"

	"github.com/emicklei/dot"
	"github.com/go-webrtc-send-receive/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const answerSDP = "v=0\r\n" +
	"o=- 1 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"a=group:BUNDLE 0 1\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 103 123\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=recvonly\r\n" +
	"a=rtpmap:103 VP8/90000\r\n" +
	"a=rtcp-fb:103 ccm fir\r\n" +
	"a=rtpmap:123 rtx/90000\r\n" +
	"a=fmtp:123 apt=103\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 100\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:1\r\n" +
	"a=rtpmap:100 opus/48000\r\n"

func TestSummarizeSDP(t *testing.T) {
	summaries, err := SummarizeSDP(answerSDP)
	require.NoError(t, err)
	require.Len(t, summaries, 2)

	assert.Equal(t, MediaSummary{
		Media:     "video",
		Mid:       "0",
		Direction: "recvonly",
		Codecs:    []string{"103 VP8/90000", "123 rtx/90000"},
	}, summaries[0])
	assert.Equal(t, "sendrecv", summaries[1].Direction)
	assert.Equal(t, "audio mid=1 sendrecv 100 opus/48000", summaries[1].String())

	_, err = SummarizeSDP("not sdp")
	assert.Error(t, err)
}

func TestDescribeBeforeStart(t *testing.T) {
	manager := newTestManager(t)
	agent := manager.NewTransportAgent("send", true)
	require.NoError(t, agent.SetLocalPortRange(5000, 5999))

	camera := media.NewSyntheticVideoSource("camera", media.SourceTypeCapture, 320, 240, 30, nil)
	defer camera.Close()

	session := manager.NewMediaSession(true)
	payload := vp8Payload(t)
	require.NoError(t, payload.SetRTXPayloadType(123))
	require.NoError(t, session.SetSendPayload(payload))
	require.NoError(t, session.SetSendSource(camera))
	require.NoError(t, agent.AddSession(session))

	graph := dot.NewGraph(dot.Directed)
	agent.Describe(graph)
	out := graph.String()

	assert.Contains(t, out, "send (controlling)")
	assert.Contains(t, out, "ports: 5000-5999")
	assert.Contains(t, out, "send: 103 vp8/90000 ccm-fir rtx=123")
	assert.Contains(t, out, "camera")
	assert.Nil(t, agent.NegotiatedMedia())
}
