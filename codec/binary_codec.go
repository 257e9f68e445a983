package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	berr "gsus/errors"
	"gsus/message"
)

// BinaryCodec lays an envelope out as fixed fields followed by length-prefixed ones:
//
//	type(1) flags(1) serial(4) replySerial(4)
//	path, interface, member, errorName, destination, sender   (uint16 length + bytes each)
//	body                                                      (uint32 length + bytes)
type BinaryCodec struct{}

const maxHeaderString = 1<<16 - 1

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	// v must be *Message
	msg, ok := v.(*message.Message)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *message.Message")
	}

	fields := []string{msg.Path, msg.Interface, msg.Member, msg.ErrorName, msg.Destination, msg.Sender}
	total := 1 + 1 + 4 + 4 + 4 + len(msg.Body)
	for _, f := range fields {
		if len(f) > maxHeaderString {
			return nil, fmt.Errorf("BinaryCodec: header field too long (%d): %w", len(f), berr.ErrFormat)
		}
		total += 2 + len(f)
	}

	buf := make([]byte, 0, total)
	buf = append(buf, byte(msg.Type), byte(msg.Flags))
	buf = binary.BigEndian.AppendUint32(buf, msg.Serial)
	buf = binary.BigEndian.AppendUint32(buf, msg.ReplySerial)
	for _, f := range fields {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(f)))
		buf = append(buf, f...)
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Body)))
	buf = append(buf, msg.Body...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	// v must be *Message
	msg, ok := v.(*message.Message)
	if !ok {
		return errors.New("BinaryCodec: v must be *message.Message")
	}

	r := reader{buf: data}
	if err := r.need(10); err != nil {
		return fmt.Errorf("BinaryCodec: header: %w", err)
	}
	msg.Type = message.Type(data[0])
	msg.Flags = message.Flags(data[1])
	msg.Serial = binary.BigEndian.Uint32(data[2:6])
	msg.ReplySerial = binary.BigEndian.Uint32(data[6:10])
	r.off = 10

	fields := []*string{&msg.Path, &msg.Interface, &msg.Member, &msg.ErrorName, &msg.Destination, &msg.Sender}
	for _, f := range fields {
		if err := r.need(2); err != nil {
			return fmt.Errorf("BinaryCodec: field length: %w", err)
		}
		n := int(binary.BigEndian.Uint16(data[r.off : r.off+2]))
		r.off += 2
		if err := r.need(n); err != nil {
			return fmt.Errorf("BinaryCodec: field: %w", err)
		}
		*f = string(data[r.off : r.off+n])
		r.off += n
	}

	bodyLen, err := r.uint32()
	if err != nil {
		return fmt.Errorf("BinaryCodec: body length: %w", err)
	}
	if uint64(bodyLen) != uint64(len(data)-r.off) {
		return fmt.Errorf("BinaryCodec: body length %d, have %d: %w", bodyLen, len(data)-r.off, berr.ErrFormat)
	}
	msg.Body = make([]byte, bodyLen)
	copy(msg.Body, data[r.off:])
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
