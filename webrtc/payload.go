package webrtc

import (
	"fmt"
	"time"

	"github.com/go-webrtc-send-receive/media"
	"github.com/pion/webrtc/v3"
)

const mimeTypeRTX = "video/rtx"

// Payload is one entry of a media session's codec list, the equivalent of
// an SDP rtpmap line with its fmtp and rtcp-fb attributes.
type Payload struct {
	codec       media.CodecType
	mediaType   media.MediaType
	payloadType uint8
	clockRate   uint32

	// audio
	channels uint16

	// video
	ccmFIR    bool
	nackPLI   bool
	width     int
	height    int
	framerate float64

	rtxPayloadType uint8
	hasRTX         bool
	rtxTime        time.Duration
}

func newPayload(codec media.CodecType, mediaType media.MediaType, payloadType int, clockRate uint32) (*Payload, error) {
	if payloadType < 0 || payloadType > 127 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPayloadType, payloadType)
	}
	if clockRate == 0 {
		return nil, ErrInvalidClockRate
	}
	if codec.MediaType() != mediaType {
		return nil, fmt.Errorf("%w: %s is not %s", ErrCodecMismatch, codec, mediaType)
	}
	return &Payload{
		codec:       codec,
		mediaType:   mediaType,
		payloadType: uint8(payloadType),
		clockRate:   clockRate,
	}, nil
}

// NewVideoPayload describes a video codec. ccmFIR and nackPLI advertise the
// keyframe request mechanisms the receiver will use.
func NewVideoPayload(codec media.CodecType, payloadType int, clockRate uint32, ccmFIR, nackPLI bool) (*Payload, error) {
	payload, err := newPayload(codec, media.MediaTypeVideo, payloadType, clockRate)
	if err != nil {
		return nil, err
	}
	payload.ccmFIR = ccmFIR
	payload.nackPLI = nackPLI
	return payload, nil
}

func NewAudioPayload(codec media.CodecType, payloadType int, clockRate uint32, channels uint16) (*Payload, error) {
	payload, err := newPayload(codec, media.MediaTypeAudio, payloadType, clockRate)
	if err != nil {
		return nil, err
	}
	payload.channels = channels
	return payload, nil
}

func (payload *Payload) Codec() media.CodecType     { return payload.codec }
func (payload *Payload) MediaType() media.MediaType { return payload.mediaType }
func (payload *Payload) PayloadType() uint8         { return payload.payloadType }
func (payload *Payload) ClockRate() uint32          { return payload.clockRate }
func (payload *Payload) Channels() uint16           { return payload.channels }
func (payload *Payload) CCMFIR() bool               { return payload.ccmFIR }
func (payload *Payload) NACKPLI() bool              { return payload.nackPLI }
func (payload *Payload) Framerate() float64         { return payload.framerate }

func (payload *Payload) Resolution() (int, int) {
	return payload.width, payload.height
}

func (payload *Payload) SetResolution(width, height int) {
	payload.width, payload.height = width, height
}

func (payload *Payload) SetFramerate(framerate float64) {
	payload.framerate = framerate
}

// SetRTXPayloadType adds a retransmission payload bound to this one with apt.
func (payload *Payload) SetRTXPayloadType(payloadType int) error {
	if payloadType < 0 || payloadType > 127 || uint8(payloadType) == payload.payloadType {
		return fmt.Errorf("%w: rtx %d", ErrInvalidPayloadType, payloadType)
	}
	if payload.mediaType != media.MediaTypeVideo {
		return fmt.Errorf("%w: rtx on %s", ErrCodecMismatch, payload.mediaType)
	}
	payload.rtxPayloadType = uint8(payloadType)
	payload.hasRTX = true
	return nil
}

func (payload *Payload) RTXPayloadType() (uint8, bool) {
	return payload.rtxPayloadType, payload.hasRTX
}

// payloadTypes lists the payload type and, when set, the rtx one.
func (payload *Payload) payloadTypes() []uint8 {
	if payload.hasRTX {
		return []uint8{payload.payloadType, payload.rtxPayloadType}
	}
	return []uint8{payload.payloadType}
}

func (payload *Payload) SetRTXTime(rtxTime time.Duration) {
	payload.rtxTime = rtxTime
}

func (payload *Payload) String() string {
	out := fmt.Sprintf("%d %s/%d", payload.payloadType, payload.codec, payload.clockRate)
	if payload.mediaType == media.MediaTypeAudio {
		return out + fmt.Sprintf("/%d", payload.channels)
	}
	if payload.width > 0 && payload.height > 0 {
		out += fmt.Sprintf(" %dx%d", payload.width, payload.height)
	}
	if payload.framerate > 0 {
		out += fmt.Sprintf("@%g", payload.framerate)
	}
	if payload.ccmFIR {
		out += " ccm-fir"
	}
	if payload.nackPLI {
		out += " nack-pli"
	}
	if payload.hasRTX {
		out += fmt.Sprintf(" rtx=%d", payload.rtxPayloadType)
	}
	return out
}

func (payload *Payload) capability() webrtc.RTPCodecCapability {
	capability := webrtc.RTPCodecCapability{
		MimeType:    payload.codec.MimeType(),
		ClockRate:   payload.clockRate,
		Channels:    payload.channels,
		SDPFmtpLine: defaultFmtpLine(payload.codec),
	}
	if payload.ccmFIR {
		capability.RTCPFeedback = append(capability.RTCPFeedback, webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBCCM, Parameter: "fir"})
	}
	if payload.nackPLI {
		capability.RTCPFeedback = append(capability.RTCPFeedback, webrtc.RTCPFeedback{Type: webrtc.TypeRTCPFBNACK, Parameter: "pli"})
	}
	return capability
}

// codecParameters lists what gets registered with the MediaEngine: the
// payload itself followed by its RTX companion.
func (payload *Payload) codecParameters() []webrtc.RTPCodecParameters {
	parameters := []webrtc.RTPCodecParameters{{
		RTPCodecCapability: payload.capability(),
		PayloadType:        webrtc.PayloadType(payload.payloadType),
	}}
	if !payload.hasRTX {
		return parameters
	}

	fmtp := fmt.Sprintf("apt=%d", payload.payloadType)
	if payload.rtxTime > 0 {
		fmtp += fmt.Sprintf(";rtx-time=%d", payload.rtxTime.Milliseconds())
	}
	return append(parameters, webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    mimeTypeRTX,
			ClockRate:   payload.clockRate,
			SDPFmtpLine: fmtp,
		},
		PayloadType: webrtc.PayloadType(payload.rtxPayloadType),
	})
}

func defaultFmtpLine(codec media.CodecType) string {
	switch codec {
	case media.CodecTypeOpus:
		return "minptime=10;useinbandfec=1"
	case media.CodecTypeVP9:
		return "profile-id=0"
	case media.CodecTypeH264:
		return "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f"
	default:
		return ""
	}
}
