// Package protocol implements the frame format used by the stream transports.
//
// A frame is a fixed 14-byte header followed by a variable-length body. The
// receiver reads the header first to learn the body length, then reads exactly
// that many bytes. The body is a message envelope encoded with the codec named
// in the header.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│ serial  │ bodyLen │    body ...    │
//	│ gsb  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	berr "gsus/errors"
)

// Magic number bytes: "gsb" (gsus bus).
// Rejects connections that do not speak the protocol (e.g. an HTTP client on the wrong port).
const (
	MagicNumber byte = 0x67 // 'g'
	MagicByte2  byte = 0x73 // 's'
	MagicByte3  byte = 0x62 // 'b'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (serial) + 4 (bodyLen)

	// MaxBodyLen bounds a single frame so a corrupt length cannot force a huge allocation.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType tells the receiver how to route a frame without decoding its body.
type MsgType byte

const (
	MsgTypeCall      MsgType = 0 // client → daemon method call
	MsgTypeReply     MsgType = 1 // daemon → client method return or error
	MsgTypeHeartbeat MsgType = 2 // keepalive probe (no body)
	MsgTypeSignal    MsgType = 3 // daemon → client broadcast
)

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header represents the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // envelope format: 0=JSON, 1=Binary
	MsgType   MsgType // call, reply, heartbeat or signal
	Serial    uint32  // caller serial; matches a reply to its call
	BodyLen   uint32
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) != h.BodyLen {
		return fmt.Errorf("body length %d, header says %d: %w", len(body), h.BodyLen, berr.ErrFormat)
	}
	if h.BodyLen > MaxBodyLen {
		return fmt.Errorf("body length %d exceeds %d: %w", h.BodyLen, MaxBodyLen, berr.ErrFormat)
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(body))
	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Serial)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)

	// one write per frame
	buf = append(buf, body...)
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// Errors from r are returned unchanged (io.EOF on a clean close); malformed
// headers are reported as berr.ErrFormat.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("invalid magic number: %x: %w", headerBuf[0:3], berr.ErrFormat)
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("unsupported version: %d: %w", headerBuf[3], berr.ErrFormat)
	}
	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, fmt.Errorf("unsupported codec type: %d: %w", headerBuf[4], berr.ErrFormat)
	}

	msgType := MsgType(headerBuf[5])
	switch msgType {
	case MsgTypeCall, MsgTypeReply, MsgTypeHeartbeat, MsgTypeSignal:
	default:
		return nil, nil, fmt.Errorf("unsupported message type: %d: %w", msgType, berr.ErrFormat)
	}

	serial := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("body length %d exceeds %d: %w", bodyLen, MaxBodyLen, berr.ErrFormat)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Serial:    serial,
		BodyLen:   bodyLen,
	}, body, nil
}
