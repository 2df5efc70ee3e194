package media

import "encoding/binary"

// A VP8 keyframe starts with a 3 byte frame tag, the start code 9d 01 2a and
// two little endian 14 bit dimensions (RFC 6386 section 9.1).
const vp8KeyframeHeaderSize = 10

var vp8StartCode = [3]byte{0x9d, 0x01, 0x2a}

func IsVP8Keyframe(frame []byte) bool {
	return len(frame) >= vp8KeyframeHeaderSize && frame[0]&0x1 == 0 &&
		frame[3] == vp8StartCode[0] && frame[4] == vp8StartCode[1] && frame[5] == vp8StartCode[2]
}

// VP8KeyframeSize reads the picture size out of a keyframe header.
func VP8KeyframeSize(frame []byte) (width, height int, ok bool) {
	if !IsVP8Keyframe(frame) {
		return 0, 0, false
	}
	raw := uint(frame[6]) | uint(frame[7])<<8 | uint(frame[8])<<16 | uint(frame[9])<<24
	width = int(raw & 0x3FFF)
	height = int((raw >> 16) & 0x3FFF)

	return width, height, true
}

// vp8Frame lays out a frame header in front of a payload of the given size.
// Only the header is meaningful; the rest is filler for the transport.
func vp8Frame(keyframe bool, width, height, size int) []byte {
	if size < vp8KeyframeHeaderSize {
		size = vp8KeyframeHeaderSize
	}
	frame := make([]byte, size)

	firstPartitionSize := uint32(size - vp8KeyframeHeaderSize)
	// version 0, show_frame set
	tag := uint32(0x10) | (firstPartitionSize&0x7FFFF)<<5
	if !keyframe {
		tag |= 0x1
	}
	frame[0] = byte(tag)
	frame[1] = byte(tag >> 8)
	frame[2] = byte(tag >> 16)

	if keyframe {
		copy(frame[3:6], vp8StartCode[:])
		binary.LittleEndian.PutUint16(frame[6:8], uint16(width&0x3FFF))
		binary.LittleEndian.PutUint16(frame[8:10], uint16(height&0x3FFF))
	}
	for i := vp8KeyframeHeaderSize; i < size; i++ {
		frame[i] = byte(i)
	}

	return frame
}
