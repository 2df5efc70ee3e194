package webrtc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-webrtc-send-receive/media"
	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
)

// MediaSession is one audio or video stream of a transport agent.
type MediaSession struct {
	id             string
	dtlsClientMode bool
	log            logging.LeveledLogger

	mu               sync.Mutex
	agent            *TransportAgent
	sendPayload      *Payload
	receivePayloads  []*Payload
	sendSource       media.Source
	onNewCandidate   func(candidate Candidate)
	onIncomingSource func(source media.Source)

	// set once the agent started
	transceiver   *webrtc.RTPTransceiver
	track         *webrtc.TrackLocalStaticSample
	detachSource  func()
	remoteSources []*media.RemoteSource

	keyframeRequestsSent     uint64
	keyframeRequestsReceived uint64
}

func newMediaSession(dtlsClientMode bool, loggerFactory logging.LoggerFactory) *MediaSession {
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &MediaSession{
		id:             uuid.NewString(),
		dtlsClientMode: dtlsClientMode,
		log:            loggerFactory.NewLogger("media-session"),
	}
}

func (session *MediaSession) ID() string           { return session.id }
func (session *MediaSession) DTLSClientMode() bool { return session.dtlsClientMode }

// MediaType is taken from the payloads, or the send source when there are none yet.
func (session *MediaSession) MediaType() media.MediaType {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.mediaTypeLocked()
}

func (session *MediaSession) mediaTypeLocked() media.MediaType {
	switch {
	case session.sendPayload != nil:
		return session.sendPayload.mediaType
	case len(session.receivePayloads) > 0:
		return session.receivePayloads[0].mediaType
	case session.sendSource != nil:
		return session.sendSource.MediaType()
	}
	return media.MediaTypeUnknown
}

func (session *MediaSession) SetSendPayload(payload *Payload) error {
	if payload == nil {
		return ErrNilPayload
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if err := session.checkMutableLocked(); err != nil {
		return err
	}
	if err := session.checkMediaTypeLocked(payload.mediaType); err != nil {
		return err
	}
	session.sendPayload = payload
	return nil
}

func (session *MediaSession) AddReceivePayload(payload *Payload) error {
	if payload == nil {
		return ErrNilPayload
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if err := session.checkMutableLocked(); err != nil {
		return err
	}
	if err := session.checkMediaTypeLocked(payload.mediaType); err != nil {
		return err
	}
	// Payload types and rtx payload types share one namespace per session.
	used := make(map[uint8]bool)
	for _, existing := range session.receivePayloads {
		for _, payloadType := range existing.payloadTypes() {
			used[payloadType] = true
		}
	}
	for _, payloadType := range payload.payloadTypes() {
		if used[payloadType] {
			return fmt.Errorf("%w: %d already used", ErrInvalidPayloadType, payloadType)
		}
	}
	session.receivePayloads = append(session.receivePayloads, payload)
	return nil
}

func (session *MediaSession) SetSendSource(source media.Source) error {
	if source == nil {
		return media.ErrNilSource
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if err := session.checkMutableLocked(); err != nil {
		return err
	}
	if err := session.checkMediaTypeLocked(source.MediaType()); err != nil {
		return err
	}
	session.sendSource = source
	return nil
}

// OnNewCandidate sets the handler for candidates gathered by the session's
// agent. It runs on the event loop.
func (session *MediaSession) OnNewCandidate(fn func(candidate Candidate)) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.onNewCandidate = fn
}

// OnIncomingSource sets the handler for sources received from the remote
// peer. It runs on the event loop.
func (session *MediaSession) OnIncomingSource(fn func(source media.Source)) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.onIncomingSource = fn
}

// AddRemoteCandidate hands a candidate of the remote peer to the session's agent.
func (session *MediaSession) AddRemoteCandidate(candidate Candidate) error {
	session.mu.Lock()
	agent := session.agent
	session.mu.Unlock()
	if agent == nil {
		return ErrSessionDetached
	}
	return agent.addRemoteCandidate(candidate.Init())
}

func (session *MediaSession) Direction() webrtc.RTPTransceiverDirection {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.directionLocked()
}

func (session *MediaSession) directionLocked() webrtc.RTPTransceiverDirection {
	sending := session.sendPayload != nil && session.sendSource != nil
	receiving := len(session.receivePayloads) > 0
	switch {
	case sending && receiving:
		return webrtc.RTPTransceiverDirectionSendrecv
	case sending:
		return webrtc.RTPTransceiverDirectionSendonly
	case receiving:
		return webrtc.RTPTransceiverDirectionRecvonly
	}
	return webrtc.RTPTransceiverDirectionInactive
}

func (session *MediaSession) SendPayload() *Payload {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.sendPayload
}

func (session *MediaSession) ReceivePayloads() []*Payload {
	session.mu.Lock()
	defer session.mu.Unlock()
	return append([]*Payload(nil), session.receivePayloads...)
}

func (session *MediaSession) SendSource() media.Source {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.sendSource
}

func (session *MediaSession) RemoteSources() []*media.RemoteSource {
	session.mu.Lock()
	defer session.mu.Unlock()
	return append([]*media.RemoteSource(nil), session.remoteSources...)
}

// Private

func (session *MediaSession) checkMutableLocked() error {
	if session.agent != nil && session.agent.isStarted() {
		return ErrAgentStarted
	}
	return nil
}

func (session *MediaSession) checkMediaTypeLocked(mediaType media.MediaType) error {
	current := session.mediaTypeLocked()
	if current != media.MediaTypeUnknown && current != mediaType {
		return fmt.Errorf("%w: %s session, %s given", ErrCodecMismatch, current, mediaType)
	}
	return nil
}

// validateLocked checks the session can be added to an agent.
func (session *MediaSession) validateLocked() error {
	if session.sendPayload == nil && len(session.receivePayloads) == 0 {
		return ErrNoPayload
	}
	if session.sendPayload != nil && session.sendSource == nil {
		return ErrNoSendSource
	}
	if session.sendSource != nil && session.sendPayload == nil {
		return fmt.Errorf("%w: source %q has no send payload", ErrNoPayload, session.sendSource.Name())
	}
	if session.sendSource != nil && session.sendSource.Codec() != session.sendPayload.codec {
		return fmt.Errorf("%w: %s source, %s payload", ErrCodecMismatch, session.sendSource.Codec(), session.sendPayload.codec)
	}
	return nil
}

func (session *MediaSession) payloadsLocked() []*Payload {
	payloads := make([]*Payload, 0, len(session.receivePayloads)+1)
	if session.sendPayload != nil {
		payloads = append(payloads, session.sendPayload)
	}
	return append(payloads, session.receivePayloads...)
}

func (session *MediaSession) codecParametersLocked() []webrtc.RTPCodecParameters {
	var parameters []webrtc.RTPCodecParameters
	seen := make(map[webrtc.PayloadType]bool)
	for _, payload := range session.payloadsLocked() {
		for _, codec := range payload.codecParameters() {
			if seen[codec.PayloadType] {
				continue
			}
			seen[codec.PayloadType] = true
			parameters = append(parameters, codec)
		}
	}
	return parameters
}

func (session *MediaSession) receivePayload(payloadType webrtc.PayloadType) *Payload {
	session.mu.Lock()
	defer session.mu.Unlock()
	for _, payload := range session.receivePayloads {
		if webrtc.PayloadType(payload.payloadType) == payloadType {
			return payload
		}
	}
	return nil
}

// attachTransceiver adds the session's transceiver to peerConnection and,
// when sending, connects the send source to a local track.
func (session *MediaSession) attachTransceiver(peerConnection *webrtc.PeerConnection, streamID string) error {
	session.mu.Lock()
	defer session.mu.Unlock()

	direction := session.directionLocked()
	init := webrtc.RTPTransceiverInit{Direction: direction}

	var transceiver *webrtc.RTPTransceiver
	var err error
	if session.sendPayload != nil && session.sendSource != nil {
		session.track, err = webrtc.NewTrackLocalStaticSample(session.sendPayload.capability(), session.id, streamID)
		if err != nil {
			return err
		}
		transceiver, err = peerConnection.AddTransceiverFromTrack(session.track, init)
	} else {
		transceiver, err = peerConnection.AddTransceiverFromKind(session.mediaTypeLocked().CodecType(), init)
	}
	if err != nil {
		return fmt.Errorf("add %s transceiver: %w", direction, err)
	}
	if err := transceiver.SetCodecPreferences(session.codecParametersLocked()); err != nil {
		return fmt.Errorf("set codec preferences: %w", err)
	}
	session.transceiver = transceiver

	if session.track != nil {
		session.detachSource = session.sendSource.AddSink(session.track)
	}
	return nil
}

func (session *MediaSession) ownsReceiver(receiver *webrtc.RTPReceiver) bool {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.transceiver != nil && session.transceiver.Receiver() == receiver
}

func (session *MediaSession) sender() *webrtc.RTPSender {
	session.mu.Lock()
	defer session.mu.Unlock()
	if session.transceiver == nil || session.track == nil {
		return nil
	}
	return session.transceiver.Sender()
}

func (session *MediaSession) addRemoteSource(source *media.RemoteSource) func(source media.Source) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.remoteSources = append(session.remoteSources, source)
	return session.onIncomingSource
}

func (session *MediaSession) newCandidateHandler() func(candidate Candidate) {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.onNewCandidate
}

// requestKeyframe forwards a remote keyframe request to the send source.
func (session *MediaSession) requestKeyframe() {
	atomic.AddUint64(&session.keyframeRequestsReceived, 1)
	if requester, ok := session.SendSource().(media.KeyframeRequester); ok {
		requester.RequestKeyframe()
	}
}

func (session *MediaSession) detach() {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.detachLocked()
}

func (session *MediaSession) detachLocked() {
	if session.detachSource != nil {
		session.detachSource()
		session.detachSource = nil
	}
}

// reset drops what attachTransceiver set up. The session stays on its agent.
func (session *MediaSession) reset() {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.detachLocked()
	session.transceiver = nil
	session.track = nil
	session.remoteSources = nil
}

// SessionInfo is a snapshot of a session for the debug API.
type SessionInfo struct {
	ID                       string   `json:"id"`
	MediaType                string   `json:"mediaType"`
	Direction                string   `json:"direction"`
	DTLSClientMode           bool     `json:"dtlsClientMode"`
	SendPayload              string   `json:"sendPayload,omitempty"`
	ReceivePayloads          []string `json:"receivePayloads,omitempty"`
	SendSource               string   `json:"sendSource,omitempty"`
	Mid                      string   `json:"mid,omitempty"`
	RemoteSources            []string `json:"remoteSources,omitempty"`
	KeyframeRequestsSent     uint64   `json:"keyframeRequestsSent"`
	KeyframeRequestsReceived uint64   `json:"keyframeRequestsReceived"`
}

func (session *MediaSession) Info() SessionInfo {
	session.mu.Lock()
	defer session.mu.Unlock()

	info := SessionInfo{
		ID:                       session.id,
		MediaType:                session.mediaTypeLocked().String(),
		Direction:                session.directionLocked().String(),
		DTLSClientMode:           session.dtlsClientMode,
		KeyframeRequestsSent:     atomic.LoadUint64(&session.keyframeRequestsSent),
		KeyframeRequestsReceived: atomic.LoadUint64(&session.keyframeRequestsReceived),
	}
	if session.sendPayload != nil {
		info.SendPayload = session.sendPayload.String()
	}
	for _, payload := range session.receivePayloads {
		info.ReceivePayloads = append(info.ReceivePayloads, payload.String())
	}
	if session.sendSource != nil {
		info.SendSource = session.sendSource.Name()
	}
	if session.transceiver != nil {
		info.Mid = session.transceiver.Mid()
	}
	for _, source := range session.remoteSources {
		info.RemoteSources = append(info.RemoteSources, source.Name())
	}
	return info
}
