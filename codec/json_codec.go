package codec

import (
	"encoding/json"
	"fmt"

	berr "gsus/errors"
)

// JSONCodec encodes envelopes with encoding/json. Useful when inspecting traffic;
// the binary codec is the default on the wire.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json envelope: %w: %w", berr.ErrFormat, err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
