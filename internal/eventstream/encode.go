package eventstream

import (
	"encoding/binary"
	"hash/crc32"
)

// Encode builds a wire frame from string headers and a payload. It is the
// inverse of the decoder and exists mainly for tests and local tooling.
func Encode(headers map[string]string, payload []byte) []byte {
	var headerBytes []byte
	for name, value := range headers {
		headerBytes = append(headerBytes, byte(len(name)))
		headerBytes = append(headerBytes, name...)
		headerBytes = append(headerBytes, headerTypeString)
		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(value)))
		headerBytes = append(headerBytes, lenBuf[:]...)
		headerBytes = append(headerBytes, value...)
	}

	totalLen := uint32(preludeLen + len(headerBytes) + len(payload) + crcLen)
	frame := make([]byte, 0, totalLen)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], totalLen)
	frame = append(frame, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], uint32(len(headerBytes)))
	frame = append(frame, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], crc32.ChecksumIEEE(frame))
	frame = append(frame, u32[:]...)

	frame = append(frame, headerBytes...)
	frame = append(frame, payload...)

	binary.BigEndian.PutUint32(u32[:], crc32.ChecksumIEEE(frame))
	frame = append(frame, u32[:]...)
	return frame
}

// EncodeEvent builds a frame for a named logical event with a JSON payload.
func EncodeEvent(eventType string, payload []byte) []byte {
	return Encode(map[string]string{
		":message-type": "event",
		":event-type":   eventType,
		":content-type": "application/json",
	}, payload)
}
