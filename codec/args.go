package codec

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	berr "gsus/errors"
)

// Signature lists the types of an argument list using D-Bus type codes:
// "s" string, "b" boolean, "as" array of strings. The empty signature means no values.
type Signature string

const (
	TypeString      = "s"
	TypeBoolean     = "b"
	TypeStringArray = "as"
)

// MaxSignatureLen is the longest signature a body can declare (one length byte).
const MaxSignatureLen = 255

// Types splits the signature into its single complete types.
func (s Signature) Types() ([]string, error) {
	if len(s) > MaxSignatureLen {
		return nil, fmt.Errorf("signature too long (%d): %w", len(s), berr.ErrFormat)
	}
	var types []string
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 's', 'b':
			types = append(types, string(s[i]))
		case 'a':
			if i+1 >= len(s) || s[i+1] != 's' {
				return nil, fmt.Errorf("signature %q: unsupported array at %d: %w", string(s), i, berr.ErrFormat)
			}
			types = append(types, TypeStringArray)
			i++
		default:
			return nil, fmt.Errorf("signature %q: unsupported type %q: %w", string(s), s[i], berr.ErrFormat)
		}
	}
	return types, nil
}

// Valid reports whether every type in the signature is supported.
func (s Signature) Valid() bool {
	_, err := s.Types()
	return err == nil
}

// SignatureOf returns the signature describing values.
func SignatureOf(values ...any) (Signature, error) {
	sig := make([]byte, 0, len(values))
	for i, v := range values {
		switch v.(type) {
		case string:
			sig = append(sig, 's')
		case bool:
			sig = append(sig, 'b')
		case []string:
			sig = append(sig, 'a', 's')
		default:
			return "", fmt.Errorf("value %d: unsupported type %T: %w", i, v, berr.ErrFormat)
		}
	}
	if len(sig) > MaxSignatureLen {
		return "", fmt.Errorf("too many values (%d): %w", len(values), berr.ErrFormat)
	}
	return Signature(sig), nil
}

// Encode serializes values into a self-describing body:
//
//	[sigLen uint8][signature][value...]
//
// Strings are a uint32 big-endian length followed by the bytes, booleans a single
// byte (0 or 1), string arrays a uint32 element count followed by the strings.
func Encode(values ...any) ([]byte, error) {
	sig, err := SignatureOf(values...)
	if err != nil {
		return nil, err
	}

	size := 1 + len(sig)
	for _, v := range values {
		switch x := v.(type) {
		case string:
			size += 4 + len(x)
		case bool:
			size++
		case []string:
			size += 4
			for _, s := range x {
				size += 4 + len(s)
			}
		}
	}

	buf := make([]byte, 0, size)
	buf = append(buf, byte(len(sig)))
	buf = append(buf, sig...)
	for i, v := range values {
		switch x := v.(type) {
		case string:
			if !utf8.ValidString(x) {
				return nil, fmt.Errorf("value %d: invalid UTF-8: %w", i, berr.ErrFormat)
			}
			buf = appendString(buf, x)
		case bool:
			if x {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case []string:
			buf = binary.BigEndian.AppendUint32(buf, uint32(len(x)))
			for j, s := range x {
				if !utf8.ValidString(s) {
					return nil, fmt.Errorf("value %d element %d: invalid UTF-8: %w", i, j, berr.ErrFormat)
				}
				buf = appendString(buf, s)
			}
		}
	}
	return buf, nil
}

// MustEncode is Encode for values whose types are known to be supported.
func MustEncode(values ...any) []byte {
	b, err := Encode(values...)
	if err != nil {
		panic(err)
	}
	return b
}

// PeekSignature returns the signature a body declares.
func PeekSignature(raw []byte) (Signature, error) {
	if len(raw) == 0 {
		return "", fmt.Errorf("empty body: %w", berr.ErrFormat)
	}
	n := int(raw[0])
	if len(raw) < 1+n {
		return "", fmt.Errorf("truncated signature: %w", berr.ErrFormat)
	}
	return Signature(raw[1 : 1+n]), nil
}

// Decode parses raw, which must declare exactly the expected signature.
// Values come back as string, bool and []string in signature order.
func Decode(expected Signature, raw []byte) ([]any, error) {
	declared, err := PeekSignature(raw)
	if err != nil {
		return nil, err
	}
	if declared != expected {
		return nil, fmt.Errorf("signature %q, expected %q: %w", string(declared), string(expected), berr.ErrFormat)
	}
	types, err := expected.Types()
	if err != nil {
		return nil, err
	}

	r := reader{buf: raw, off: 1 + len(declared)}
	values := make([]any, 0, len(types))
	for i, typ := range types {
		var v any
		switch typ {
		case TypeString:
			v, err = r.string()
		case TypeBoolean:
			v, err = r.bool()
		case TypeStringArray:
			v, err = r.strings()
		}
		if err != nil {
			return nil, fmt.Errorf("value %d (%s): %w", i, typ, err)
		}
		values = append(values, v)
	}
	if r.off != len(raw) {
		return nil, fmt.Errorf("%d trailing bytes: %w", len(raw)-r.off, berr.ErrFormat)
	}
	return values, nil
}

// DecodeAny decodes a body against the signature it declares.
func DecodeAny(raw []byte) ([]any, error) {
	sig, err := PeekSignature(raw)
	if err != nil {
		return nil, err
	}
	return Decode(sig, raw)
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// reader walks a body and reports truncation as a format error.
type reader struct {
	buf []byte
	off int
}

func (r *reader) need(n int) error {
	if n < 0 || len(r.buf)-r.off < n {
		return fmt.Errorf("truncated at offset %d: %w", r.off, berr.ErrFormat)
	}
	return nil
}

func (r *reader) uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.off : r.off+4])
	r.off += 4
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.uint32()
	if err != nil {
		return "", err
	}
	if uint64(n) > uint64(len(r.buf)-r.off) {
		return "", fmt.Errorf("string length %d exceeds body: %w", n, berr.ErrFormat)
	}
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("invalid UTF-8: %w", berr.ErrFormat)
	}
	return s, nil
}

func (r *reader) bool() (bool, error) {
	if err := r.need(1); err != nil {
		return false, err
	}
	b := r.buf[r.off]
	r.off++
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("invalid boolean byte %d: %w", b, berr.ErrFormat)
	}
}

func (r *reader) strings() ([]string, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	// every element needs at least its 4-byte length
	if uint64(n)*4 > uint64(len(r.buf)-r.off) {
		return nil, fmt.Errorf("array length %d exceeds body: %w", n, berr.ErrFormat)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := r.string()
		if err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}
