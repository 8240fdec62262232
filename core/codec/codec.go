package codec

import (
	"encoding/json"
	"errors"
)

var (
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// Codec encodes response payloads
type Codec interface {
	// Encode encodes a value to bytes
	Encode(v interface{}) ([]byte, error)

	// Name returns the codec name
	Name() string

	// ContentType returns the media type of encoded payloads
	ContentType() string
}

// ForName returns a codec by its name; "" selects JSON
func ForName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return &JSONCodec{}, nil
	case "proto", "protobuf":
		return &ProtobufCodec{}, nil
	default:
		return nil, ErrUnsupportedCodec
	}
}

// JSONCodec implements JSON encoding
type JSONCodec struct{}

func (c *JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Name() string {
	return "json"
}

func (c *JSONCodec) ContentType() string {
	return "application/json"
}
