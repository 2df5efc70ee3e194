package media

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v3"
)

// MediaType is a bitmask so capture enumeration can ask for several kinds at once.
type MediaType uint8

const (
	MediaTypeUnknown MediaType = 0
	MediaTypeAudio   MediaType = 1 << 0
	MediaTypeVideo   MediaType = 1 << 1
)

func (mediaType MediaType) String() string {
	var kinds []string
	if mediaType&MediaTypeAudio != 0 {
		kinds = append(kinds, "audio")
	}
	if mediaType&MediaTypeVideo != 0 {
		kinds = append(kinds, "video")
	}
	if len(kinds) == 0 {
		return "unknown"
	}
	return strings.Join(kinds, "|")
}

// Has reports whether every kind in other is also set in mediaType.
func (mediaType MediaType) Has(other MediaType) bool {
	return other != MediaTypeUnknown && mediaType&other == other
}

// CodecType maps the kind to pion's codec type, for transceivers.
func (mediaType MediaType) CodecType() webrtc.RTPCodecType {
	switch mediaType {
	case MediaTypeAudio:
		return webrtc.RTPCodecTypeAudio
	case MediaTypeVideo:
		return webrtc.RTPCodecTypeVideo
	}
	return 0
}

func MediaTypeFromKind(kind webrtc.RTPCodecType) MediaType {
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return MediaTypeAudio
	case webrtc.RTPCodecTypeVideo:
		return MediaTypeVideo
	}
	return MediaTypeUnknown
}

type SourceType uint8

const (
	SourceTypeUnknown SourceType = iota
	SourceTypeCapture
	SourceTypeTest
)

func (sourceType SourceType) String() string {
	return [...]string{
		"unknown",
		"capture",
		"test",
	}[sourceType]
}

type CodecType uint8

const (
	CodecTypeNone CodecType = iota
	CodecTypeOpus
	CodecTypeVP8
	CodecTypeVP9
	CodecTypeH264
)

func (codec CodecType) String() string {
	return [...]string{
		"none",
		"opus",
		"vp8",
		"vp9",
		"h264",
	}[codec]
}

func (codec CodecType) MimeType() string {
	switch codec {
	case CodecTypeOpus:
		return webrtc.MimeTypeOpus
	case CodecTypeVP8:
		return webrtc.MimeTypeVP8
	case CodecTypeVP9:
		return webrtc.MimeTypeVP9
	case CodecTypeH264:
		return webrtc.MimeTypeH264
	}
	return ""
}

func (codec CodecType) MediaType() MediaType {
	switch codec {
	case CodecTypeOpus:
		return MediaTypeAudio
	case CodecTypeVP8, CodecTypeVP9, CodecTypeH264:
		return MediaTypeVideo
	}
	return MediaTypeUnknown
}

// Depacketizer returns a fresh depacketizer; they carry per-stream state.
func (codec CodecType) Depacketizer() rtp.Depacketizer {
	switch codec {
	case CodecTypeOpus:
		return &codecs.OpusPacket{}
	case CodecTypeVP8:
		return &codecs.VP8Packet{}
	case CodecTypeVP9:
		return &codecs.VP9Packet{}
	case CodecTypeH264:
		return &codecs.H264Packet{}
	}
	return nil
}

// CodecFromMimeType is case-insensitive, as SDP mime types are.
func CodecFromMimeType(mimeType string) CodecType {
	for _, codec := range []CodecType{CodecTypeOpus, CodecTypeVP8, CodecTypeVP9, CodecTypeH264} {
		if strings.EqualFold(codec.MimeType(), mimeType) {
			return codec
		}
	}
	return CodecTypeNone
}
