package webrtc

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-webrtc-send-receive/media"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
)

// AgentLifecycleManager receives the PeerConnection callbacks of one agent
// and turns them into session events on the manager's loop.
type AgentLifecycleManager struct {
	AgentID        string
	AgentEventChan chan AgentEvent
	PeerConnection *webrtc.PeerConnection

	agent       *TransportAgent
	firSequence uint32
}

func (manager *AgentLifecycleManager) OnICECandidate(iceCandidate *webrtc.ICECandidate) {
	agent := manager.agent
	if agent.connection() != manager.PeerConnection {
		// gathered by a PeerConnection dropped by a rolled back start
		return
	}
	if iceCandidate == nil {
		agent.log.Debugf("%s: candidate gathering complete", agent.name)
		manager.publish("candidate gathering complete")
		return
	}

	candidate := newCandidate(iceCandidate)
	agent.log.Debugf("%s: new local candidate %s", agent.name, candidate)

	for _, session := range agent.addLocalCandidate(candidate) {
		session := session
		agent.manager.Loop.Post(func() {
			if handler := session.newCandidateHandler(); handler != nil {
				handler(candidate)
			}
		})
	}
}

// OnTrack routes an incoming track to the session owning its transceiver
// and feeds a RemoteSource with its packets.
func (manager *AgentLifecycleManager) OnTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	agent := manager.agent
	session := agent.sessionForReceiver(receiver)
	if session == nil {
		agent.log.Warnf("%s: track %s has no session, ignoring it", agent.name, track.ID())
		return
	}

	mediaType := media.MediaTypeFromKind(track.Kind())
	if mediaType != session.MediaType() {
		agent.log.Warnf("%s: %s track %s arrived on a %s session, ignoring it", agent.name, mediaType, track.ID(), session.MediaType())
		return
	}

	codec := track.Codec()
	source := media.NewRemoteSource(
		fmt.Sprintf("%s %s %s", agent.name, track.Kind(), track.StreamID()),
		media.CodecFromMimeType(codec.MimeType),
		codec.ClockRate,
		codec.Channels,
		agent.manager.loggerFactory,
	)
	agent.log.Infof("%s: incoming %s track, ssrc %d, pt %d", agent.name, codec.MimeType, track.SSRC(), track.PayloadType())
	manager.publish(fmt.Sprintf("incoming %s track", track.Kind()))

	onIncomingSource := session.addRemoteSource(source)
	if onIncomingSource != nil {
		agent.manager.Loop.Post(func() { onIncomingSource(source) })
	}

	if mediaType == media.MediaTypeVideo {
		if payload := session.receivePayload(track.PayloadType()); payload != nil {
			go manager.requestKeyframes(session, payload, track)
		}
	}

	for {
		packet, _, readErr := track.ReadRTP()
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				agent.log.Debugf("%s: track %s stopped: %v", agent.name, track.ID(), readErr)
			}
			return
		}
		source.Push(packet)
	}
}

func (manager *AgentLifecycleManager) OnICEConnectionStateChange(connectionState webrtc.ICEConnectionState) {
	manager.agent.log.Infof("%s: ICE connection state has changed %s", manager.agent.name, connectionState)
	manager.publish("ice " + connectionState.String())
}

func (manager *AgentLifecycleManager) OnConnectionStateChange(s webrtc.PeerConnectionState) {
	manager.agent.log.Infof("%s: peer connection state has changed: %s", manager.agent.name, s)
	manager.publish("peer " + s.String())

	if s == webrtc.PeerConnectionStateFailed {
		// Wait until PeerConnection has had no network activity for 30 seconds or another failure.
		// It may be reconnected using an ICE Restart.
		manager.agent.log.Errorf("%s: peer connection failed", manager.agent.name)
	}
}

// Private

func (manager *AgentLifecycleManager) publish(reason string) {
	manager.agent.manager.publish(AgentEvent{Reason: reason, AgentID: manager.AgentID})
}

// requestKeyframes sends a PLI when the payload negotiated nack pli, a FIR
// when it negotiated ccm fir, and nothing otherwise.
func (manager *AgentLifecycleManager) requestKeyframes(session *MediaSession, payload *Payload, track *webrtc.TrackRemote) {
	if !payload.nackPLI && !payload.ccmFIR {
		return
	}

	ticker := time.NewTicker(manager.agent.manager.keyframeRequestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-manager.agent.done:
			return
		case <-ticker.C:
		}

		ssrc := uint32(track.SSRC())
		var packet rtcp.Packet
		if payload.nackPLI {
			packet = &rtcp.PictureLossIndication{MediaSSRC: ssrc}
		} else {
			packet = &rtcp.FullIntraRequest{
				MediaSSRC: ssrc,
				FIR:       []rtcp.FIREntry{{SSRC: ssrc, SequenceNumber: uint8(atomic.AddUint32(&manager.firSequence, 1))}},
			}
		}
		if rtcpErr := manager.PeerConnection.WriteRTCP([]rtcp.Packet{packet}); rtcpErr != nil {
			if errors.Is(rtcpErr, io.ErrClosedPipe) {
				return
			}
			manager.agent.log.Debugf("%s: keyframe request: %v", manager.agent.name, rtcpErr)
			continue
		}
		atomic.AddUint64(&session.keyframeRequestsSent, 1)
	}
}

// readSenderRTCP drains the sender's RTCP, which the interceptors need, and
// turns keyframe requests into keyframes from the send source.
func (manager *AgentLifecycleManager) readSenderRTCP(session *MediaSession, sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			switch packet.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				session.requestKeyframe()
			}
		}
	}
}
