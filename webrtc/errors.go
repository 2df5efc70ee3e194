package webrtc

import "errors"

var (
	ErrInvalidPayloadType = errors.New("webrtc: payload type must be within 0..127")
	ErrInvalidClockRate   = errors.New("webrtc: clock rate must be positive")
	ErrCodecMismatch      = errors.New("webrtc: codec does not match media type")
	ErrInvalidPortRange   = errors.New("webrtc: invalid local port range")
	ErrInvalidAddress     = errors.New("webrtc: invalid local address")
	ErrAgentStarted       = errors.New("webrtc: transport agent already started")
	ErrAgentClosed        = errors.New("webrtc: transport agent closed")
	ErrICERoleConflict    = errors.New("webrtc: exactly one transport agent must be controlling")
	ErrDTLSRoleConflict   = errors.New("webrtc: conflicting dtls client modes")

	ErrNilPayload       = errors.New("webrtc: nil payload")
	ErrNoPayload        = errors.New("webrtc: media session has no payload")
	ErrNoSendSource     = errors.New("webrtc: sending media session has no source")
	ErrSessionAttached  = errors.New("webrtc: media session already belongs to a transport agent")
	ErrSessionDetached  = errors.New("webrtc: media session does not belong to a transport agent")
	ErrNoSessions       = errors.New("webrtc: transport agent has no media sessions")
	ErrEventLoopStopped = errors.New("webrtc: event loop stopped")
)
