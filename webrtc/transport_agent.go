package webrtc

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
)

// TransportAgent owns one PeerConnection carrying all of its media sessions
// over a single bundled transport. The PeerConnection is only created when
// the agent starts negotiating, once every session is known.
type TransportAgent struct {
	id          string
	name        string
	controlling bool
	manager     *Manager
	log         logging.LeveledLogger

	started int32

	mu              sync.Mutex
	portMin         uint16
	portMax         uint16
	addresses       []net.IP
	rtpLog          io.Writer
	sessions        []*MediaSession
	peerConnection  *webrtc.PeerConnection
	lifecycle       *AgentLifecycleManager
	closed          bool
	done            chan struct{}
	localCandidates []Candidate

	remoteDescriptionSet bool
	pendingCandidates    []webrtc.ICECandidateInit
	remoteCandidates     map[string]struct{}
}

func newTransportAgent(manager *Manager, name string, controlling bool) *TransportAgent {
	return &TransportAgent{
		id:               uuid.NewString(),
		name:             name,
		controlling:      controlling,
		manager:          manager,
		log:              manager.loggerFactory.NewLogger("transport-agent"),
		done:             make(chan struct{}),
		remoteCandidates: make(map[string]struct{}),
	}
}

func (agent *TransportAgent) ID() string        { return agent.id }
func (agent *TransportAgent) Name() string      { return agent.name }
func (agent *TransportAgent) Controlling() bool { return agent.controlling }

// SetLocalPortRange limits the UDP ports used for host candidates.
func (agent *TransportAgent) SetLocalPortRange(min, max uint16) error {
	if min == 0 || max < min {
		return fmt.Errorf("%w: %d-%d", ErrInvalidPortRange, min, max)
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.isStarted() {
		return ErrAgentStarted
	}
	agent.portMin, agent.portMax = min, max
	return nil
}

// AddLocalAddress restricts candidate gathering to the given addresses.
// Without any, every interface is used.
func (agent *TransportAgent) AddLocalAddress(address string) error {
	ip := net.ParseIP(address)
	if ip == nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.isStarted() {
		return ErrAgentStarted
	}
	for _, existing := range agent.addresses {
		if existing.Equal(ip) {
			return nil
		}
	}
	agent.addresses = append(agent.addresses, ip)
	return nil
}

// SetRTPLogWriter makes the agent log every RTP and RTCP packet it sends or receives.
func (agent *TransportAgent) SetRTPLogWriter(writer io.Writer) error {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.isStarted() {
		return ErrAgentStarted
	}
	agent.rtpLog = writer
	return nil
}

func (agent *TransportAgent) AddSession(session *MediaSession) error {
	if session == nil {
		return ErrNoPayload
	}
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.closed {
		return ErrAgentClosed
	}
	if agent.isStarted() {
		return ErrAgentStarted
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.agent != nil {
		return ErrSessionAttached
	}
	if err := session.validateLocked(); err != nil {
		return err
	}
	session.agent = agent
	agent.sessions = append(agent.sessions, session)

	agent.log.Debugf("%s: added %s %s session", agent.name, session.directionLocked(), session.mediaTypeLocked())
	return nil
}

func (agent *TransportAgent) Sessions() []*MediaSession {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	return append([]*MediaSession(nil), agent.sessions...)
}

func (agent *TransportAgent) LocalCandidates() []Candidate {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	return append([]Candidate(nil), agent.localCandidates...)
}

func (agent *TransportAgent) ConnectionState() webrtc.PeerConnectionState {
	peerConnection := agent.connection()
	if peerConnection == nil {
		return webrtc.PeerConnectionStateNew
	}
	return peerConnection.ConnectionState()
}

func (agent *TransportAgent) ICEConnectionState() webrtc.ICEConnectionState {
	peerConnection := agent.connection()
	if peerConnection == nil {
		return webrtc.ICEConnectionStateNew
	}
	return peerConnection.ICEConnectionState()
}

func (agent *TransportAgent) Close() error {
	agent.mu.Lock()
	if agent.closed {
		agent.mu.Unlock()
		return nil
	}
	agent.closed = true
	close(agent.done)
	peerConnection := agent.peerConnection
	sessions := append([]*MediaSession(nil), agent.sessions...)
	agent.mu.Unlock()

	for _, session := range sessions {
		session.detach()
	}
	if peerConnection == nil {
		return nil
	}
	if err := peerConnection.Close(); err != nil {
		return fmt.Errorf("close %s: %w", agent.name, err)
	}
	return nil
}

// Private

func (agent *TransportAgent) isStarted() bool {
	return atomic.LoadInt32(&agent.started) == 1
}

func (agent *TransportAgent) connection() *webrtc.PeerConnection {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	return agent.peerConnection
}

// dtlsClientMode is the mode shared by every session of the agent.
func (agent *TransportAgent) dtlsClientMode() (bool, error) {
	sessions := agent.Sessions()
	if len(sessions) == 0 {
		return false, fmt.Errorf("%w: %s", ErrNoSessions, agent.name)
	}
	mode := sessions[0].dtlsClientMode
	for _, session := range sessions[1:] {
		if session.dtlsClientMode != mode {
			return false, fmt.Errorf("%w: sessions of %s disagree", ErrDTLSRoleConflict, agent.name)
		}
	}
	return mode, nil
}

// start creates the PeerConnection with one transceiver per session. On
// failure the agent is left unstarted.
func (agent *TransportAgent) start(answeringRole webrtc.DTLSRole) error {
	agent.mu.Lock()
	if agent.closed {
		agent.mu.Unlock()
		return ErrAgentClosed
	}
	if !atomic.CompareAndSwapInt32(&agent.started, 0, 1) {
		agent.mu.Unlock()
		return ErrAgentStarted
	}

	err := agent.startLocked(answeringRole)
	var stale *webrtc.PeerConnection
	if err != nil {
		stale = agent.resetLocked()
	}
	agent.mu.Unlock()

	if stale != nil {
		err = errors.Join(err, stale.Close())
	}
	return err
}

// abortStart returns a started agent to its configurable state, for when
// negotiation fails after start.
func (agent *TransportAgent) abortStart() error {
	agent.mu.Lock()
	if agent.closed || !agent.isStarted() {
		agent.mu.Unlock()
		return nil
	}
	stale := agent.resetLocked()
	agent.mu.Unlock()

	agent.log.Infof("%s: start rolled back", agent.name)
	if stale == nil {
		return nil
	}
	return stale.Close()
}

// resetLocked forgets the PeerConnection and everything learned through it.
// The caller closes the returned PeerConnection once the lock is released.
func (agent *TransportAgent) resetLocked() *webrtc.PeerConnection {
	stale := agent.peerConnection
	for _, session := range agent.sessions {
		session.reset()
	}
	agent.peerConnection = nil
	agent.lifecycle = nil
	agent.localCandidates = nil
	agent.remoteDescriptionSet = false
	agent.pendingCandidates = nil
	agent.remoteCandidates = make(map[string]struct{})
	atomic.StoreInt32(&agent.started, 0)
	return stale
}

func (agent *TransportAgent) startLocked(answeringRole webrtc.DTLSRole) error {
	mediaEngine, err := createMediaEngine(agent.sessions)
	if err != nil {
		return err
	}
	settingEngine, err := createSettingEngine(settingConfig{
		loggerFactory: agent.manager.loggerFactory,
		portMin:       agent.portMin,
		portMax:       agent.portMax,
		addresses:     agent.addresses,
		answeringRole: answeringRole,
	})
	if err != nil {
		return err
	}
	api, err := createNewApiWithMediaEngine(mediaEngine, settingEngine, agent.name, agent.rtpLog)
	if err != nil {
		return err
	}

	peerConnection, err := api.NewPeerConnection(webrtc.Configuration{
		BundlePolicy: webrtc.BundlePolicyMaxBundle,
	})
	if err != nil {
		return fmt.Errorf("create peer connection for %s: %w", agent.name, err)
	}
	agent.peerConnection = peerConnection

	for _, session := range agent.sessions {
		if err := session.attachTransceiver(peerConnection, agent.name); err != nil {
			return err
		}
	}

	agent.lifecycle = &AgentLifecycleManager{
		AgentID:        agent.id,
		AgentEventChan: agent.manager.AgentEventChan,
		PeerConnection: peerConnection,
		agent:          agent,
	}
	peerConnection.OnTrack(agent.lifecycle.OnTrack)
	peerConnection.OnICECandidate(agent.lifecycle.OnICECandidate)
	peerConnection.OnICEConnectionStateChange(agent.lifecycle.OnICEConnectionStateChange)
	peerConnection.OnConnectionStateChange(agent.lifecycle.OnConnectionStateChange)

	for _, session := range agent.sessions {
		if sender := session.sender(); sender != nil {
			go agent.lifecycle.readSenderRTCP(session, sender)
		}
	}

	agent.log.Infof("%s: started with %d sessions", agent.name, len(agent.sessions))
	return nil
}

// setRemoteDescription applies description and flushes the candidates that
// arrived before it.
func (agent *TransportAgent) setRemoteDescription(description webrtc.SessionDescription) error {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.peerConnection == nil {
		return fmt.Errorf("%s: set remote %s: not started", agent.name, description.Type)
	}
	if err := agent.peerConnection.SetRemoteDescription(description); err != nil {
		return fmt.Errorf("%s: set remote %s: %w", agent.name, description.Type, err)
	}
	agent.remoteDescriptionSet = true

	pending := agent.pendingCandidates
	agent.pendingCandidates = nil
	for _, candidate := range pending {
		if err := agent.peerConnection.AddICECandidate(candidate); err != nil {
			return fmt.Errorf("%s: add queued candidate: %w", agent.name, err)
		}
	}
	if len(pending) > 0 {
		agent.log.Debugf("%s: flushed %d queued candidates", agent.name, len(pending))
	}
	return nil
}

// addRemoteCandidate ignores candidates already seen: counterparts forward
// the shared bundle candidates once per session.
func (agent *TransportAgent) addRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	if agent.closed {
		return ErrAgentClosed
	}
	if _, seen := agent.remoteCandidates[candidate.Candidate]; seen {
		return nil
	}
	agent.remoteCandidates[candidate.Candidate] = struct{}{}

	if !agent.remoteDescriptionSet {
		agent.pendingCandidates = append(agent.pendingCandidates, candidate)
		return nil
	}
	return agent.peerConnection.AddICECandidate(candidate)
}

func (agent *TransportAgent) addLocalCandidate(candidate Candidate) []*MediaSession {
	agent.mu.Lock()
	defer agent.mu.Unlock()
	agent.localCandidates = append(agent.localCandidates, candidate)
	return append([]*MediaSession(nil), agent.sessions...)
}

func (agent *TransportAgent) sessionForReceiver(receiver *webrtc.RTPReceiver) *MediaSession {
	for _, session := range agent.Sessions() {
		if session.ownsReceiver(receiver) {
			return session
		}
	}
	return nil
}

// AgentInfo is a snapshot of an agent for the debug API.
type AgentInfo struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	Controlling        bool          `json:"controlling"`
	Started            bool          `json:"started"`
	PortMin            uint16        `json:"portMin,omitempty"`
	PortMax            uint16        `json:"portMax,omitempty"`
	LocalAddresses     []string      `json:"localAddresses,omitempty"`
	ConnectionState    string        `json:"connectionState"`
	ICEConnectionState string        `json:"iceConnectionState"`
	LocalCandidates    []Candidate   `json:"localCandidates,omitempty"`
	RemoteCandidates   int           `json:"remoteCandidates"`
	Sessions           []SessionInfo `json:"sessions"`
}

func (agent *TransportAgent) Info() AgentInfo {
	info := AgentInfo{
		ID:                 agent.id,
		Name:               agent.name,
		Controlling:        agent.controlling,
		Started:            agent.isStarted(),
		ConnectionState:    agent.ConnectionState().String(),
		ICEConnectionState: agent.ICEConnectionState().String(),
		LocalCandidates:    agent.LocalCandidates(),
	}

	agent.mu.Lock()
	info.PortMin, info.PortMax = agent.portMin, agent.portMax
	for _, address := range agent.addresses {
		info.LocalAddresses = append(info.LocalAddresses, address.String())
	}
	info.RemoteCandidates = len(agent.remoteCandidates)
	sessions := append([]*MediaSession(nil), agent.sessions...)
	agent.mu.Unlock()

	for _, session := range sessions {
		info.Sessions = append(info.Sessions, session.Info())
	}
	return info
}
