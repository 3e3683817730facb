// Package eventstream implements the AWS EventStream binary framing used by
// the CodeWhisperer streaming API. It provides an incremental decoder that
// accepts arbitrary byte chunks from the wire and yields complete frames,
// plus typed views over the logical events carried in frame payloads.
package eventstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	log "github.com/sirupsen/logrus"
)

// Frame layout:
//
//	total_len:u32 | headers_len:u32 | prelude_crc:u32 | headers | payload | msg_crc:u32
//
// All integers big-endian. prelude_crc covers the first 8 bytes; msg_crc
// covers everything before it.
const (
	preludeLen = 12
	crcLen     = 4
	minFrameLen = preludeLen + crcLen

	// maxBufferSize bounds the internal reassembly buffer.
	maxBufferSize = 16 * 1024 * 1024
)

// Header value types from the AWS EventStream spec.
const (
	headerTypeBoolTrue  = 0
	headerTypeBoolFalse = 1
	headerTypeByte      = 2
	headerTypeShort     = 3
	headerTypeInt       = 4
	headerTypeLong      = 5
	headerTypeByteArray = 6
	headerTypeString    = 7
	headerTypeTimestamp = 8
	headerTypeUUID      = 9
)

// ErrBufferOverflow is returned when buffered bytes exceed maxBufferSize.
// The decoder drops its buffer when this happens.
var ErrBufferOverflow = errors.New("eventstream: buffer overflow")

// Frame is a decoded EventStream message.
type Frame struct {
	// Headers holds string-typed headers by name. Non-string header values
	// are not needed by this gateway and are skipped during decode.
	Headers map[string]string
	// Payload is the raw frame payload, normally JSON.
	Payload []byte
}

// EventType returns the value of the ":event-type" header.
func (f *Frame) EventType() string {
	return f.Headers[":event-type"]
}

// MessageType returns the value of the ":message-type" header.
func (f *Frame) MessageType() string {
	return f.Headers[":message-type"]
}

// Decoder incrementally reassembles EventStream frames from wire chunks.
// A zero Decoder is ready for use. Not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and returns every complete frame
// now available. Partial trailing data stays buffered for the next call.
// Frames failing CRC validation are consumed by their declared length and
// skipped; decoding continues with the following frame.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	if len(d.buf)+len(chunk) > maxBufferSize {
		d.buf = nil
		return nil, ErrBufferOverflow
	}
	d.buf = append(d.buf, chunk...)

	var frames []Frame
	for {
		frame, consumed, err := decodeFrame(d.buf)
		if consumed == 0 {
			break
		}
		d.buf = d.buf[consumed:]
		if err != nil {
			log.Debugf("eventstream: dropping malformed frame: %v", err)
			continue
		}
		frames = append(frames, *frame)
	}
	return frames, nil
}

// Buffered returns the number of bytes currently awaiting more data.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// decodeFrame attempts to decode one frame from the front of buf. It returns
// the number of bytes consumed; zero means more data is needed. A non-nil
// error with non-zero consumed means the frame was invalid and skipped.
func decodeFrame(buf []byte) (*Frame, int, error) {
	if len(buf) < preludeLen {
		return nil, 0, nil
	}

	totalLen := binary.BigEndian.Uint32(buf[0:4])
	headersLen := binary.BigEndian.Uint32(buf[4:8])
	preludeCRC := binary.BigEndian.Uint32(buf[8:12])

	if totalLen < minFrameLen || totalLen > maxBufferSize {
		// The declared length cannot be trusted, so the rest of the buffer
		// cannot be re-synchronised. Discard everything.
		return nil, len(buf), fmt.Errorf("implausible frame length %d", totalLen)
	}
	if uint32(len(buf)) < totalLen {
		return nil, 0, nil
	}

	frame := buf[:totalLen]

	if crc32.ChecksumIEEE(frame[:8]) != preludeCRC {
		return nil, int(totalLen), errors.New("prelude CRC mismatch")
	}
	if headersLen > totalLen-minFrameLen {
		return nil, int(totalLen), fmt.Errorf("headers length %d exceeds frame", headersLen)
	}

	msgCRC := binary.BigEndian.Uint32(frame[totalLen-crcLen:])
	if crc32.ChecksumIEEE(frame[:totalLen-crcLen]) != msgCRC {
		return nil, int(totalLen), errors.New("message CRC mismatch")
	}

	headers, err := parseHeaders(frame[preludeLen : preludeLen+headersLen])
	if err != nil {
		return nil, int(totalLen), fmt.Errorf("parse headers: %w", err)
	}

	payload := frame[preludeLen+headersLen : totalLen-crcLen]
	out := make([]byte, len(payload))
	copy(out, payload)

	return &Frame{Headers: headers, Payload: out}, int(totalLen), nil
}

// parseHeaders decodes the header block. Each header is encoded as
// name_len:u8 | name | type:u8 | value. Only string values (type 7) are
// retained.
func parseHeaders(data []byte) (map[string]string, error) {
	headers := make(map[string]string)
	pos := 0
	for pos < len(data) {
		nameLen := int(data[pos])
		pos++
		if pos+nameLen+1 > len(data) {
			return nil, errors.New("truncated header name")
		}
		name := string(data[pos : pos+nameLen])
		pos += nameLen

		valueType := data[pos]
		pos++

		switch valueType {
		case headerTypeBoolTrue, headerTypeBoolFalse:
			// No value bytes.
		case headerTypeByte:
			pos++
		case headerTypeShort:
			pos += 2
		case headerTypeInt:
			pos += 4
		case headerTypeLong, headerTypeTimestamp:
			pos += 8
		case headerTypeUUID:
			pos += 16
		case headerTypeByteArray, headerTypeString:
			if pos+2 > len(data) {
				return nil, errors.New("truncated header value length")
			}
			valueLen := int(binary.BigEndian.Uint16(data[pos : pos+2]))
			pos += 2
			if pos+valueLen > len(data) {
				return nil, errors.New("truncated header value")
			}
			if valueType == headerTypeString {
				headers[name] = string(data[pos : pos+valueLen])
			}
			pos += valueLen
		default:
			return nil, fmt.Errorf("unknown header value type %d", valueType)
		}
		if pos > len(data) {
			return nil, errors.New("truncated header")
		}
	}
	return headers, nil
}
