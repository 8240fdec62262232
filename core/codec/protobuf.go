package codec

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtobufCodec implements Protocol Buffers encoding.
//
// Values that are not proto.Message are carried as a google.protobuf.Struct
// built from their JSON form, so plain Go structs can be served as protobuf.
type ProtobufCodec struct{}

func (c *ProtobufCodec) Encode(v interface{}) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		s, err := ToStruct(v)
		if err != nil {
			return nil, err
		}
		msg = s
	}
	return proto.Marshal(msg)
}

func (c *ProtobufCodec) Name() string {
	return "protobuf"
}

func (c *ProtobufCodec) ContentType() string {
	return "application/x-protobuf"
}

// ToStruct converts a JSON-marshalable object into a structpb.Struct
func ToStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("value %T is not a JSON object: %w", v, err)
	}
	return structpb.NewStruct(fields)
}
