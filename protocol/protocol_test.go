package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	berr "gsus/errors"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeBinary,
		MsgType:   MsgTypeCall,
		Serial:    12345,
		BodyLen:   11,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.CodecType != header.CodecType {
		t.Errorf("CodecType mismatch: got %d, want %d", decodedHeader.CodecType, header.CodecType)
	}
	if decodedHeader.MsgType != header.MsgType {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, header.MsgType)
	}
	if decodedHeader.Serial != header.Serial {
		t.Errorf("Serial mismatch: got %d, want %d", decodedHeader.Serial, header.Serial)
	}
	if decodedHeader.BodyLen != header.BodyLen {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, header.BodyLen)
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{'m', 'r', 'p', Version, CodecTypeJSON, byte(MsgTypeCall), 0x00, 0x00, 0x30, 0x39, 0x00, 0x00, 0x00, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("Expected error for invalid magic number, but got nil")
	}
	if !errors.Is(err, berr.ErrFormat) {
		t.Errorf("expected format error, got %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	header := Header{
		CodecType: CodecTypeBinary,
		MsgType:   MsgTypeHeartbeat,
		Serial:    1,
	}
	var buf bytes.Buffer
	if err := Encode(&buf, &header, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.MsgType != MsgTypeHeartbeat {
		t.Errorf("MsgType mismatch: got %d, want %d", decodedHeader.MsgType, MsgTypeHeartbeat)
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{
		MagicNumber, MagicByte2, MagicByte3,
		0xFF,
		CodecTypeJSON,
		byte(MsgTypeCall),
		0, 0, 0, 1, // serial
		0, 0, 0, 0, // body length
	})

	_, _, err := Decode(&buf)
	if !errors.Is(err, berr.ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestDecodeUnknownMsgType(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeBinary, 9, 0, 0, 0, 1, 0, 0, 0, 0})

	if _, _, err := Decode(&buf); !errors.Is(err, berr.ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestDecodeOversizedBody(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeBinary, byte(MsgTypeCall), 0, 0, 0, 1, 0xff, 0xff, 0xff, 0xff})

	if _, _, err := Decode(&buf); !errors.Is(err, berr.ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeSignal, BodyLen: 4}, []byte("ping")); err != nil {
		t.Fatal(err)
	}
	raw := buf.Bytes()[:buf.Len()-2]

	if _, _, err := Decode(bytes.NewReader(raw)); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestEncodeLengthMismatch(t *testing.T) {
	var buf bytes.Buffer
	err := Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeCall, BodyLen: 3}, []byte("toolong"))
	if !errors.Is(err, berr.ErrFormat) {
		t.Fatalf("expected format error, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written, got %d bytes", buf.Len())
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	header := &Header{
		CodecType: CodecTypeBinary,
		MsgType:   MsgTypeReply,
		Serial:    999,
		BodyLen:   uint32(len(largeBody)),
	}
	if err := Encode(&buf, header, largeBody); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("large body mismatch")
	}
	t.Logf("encoded and decoded %d bytes", len(largeBody))
}
