package payload

import (
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// Proto encodes protobuf messages. Values must implement proto.Message.
type Proto struct{}

func (Proto) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a proto.Message", ErrTypeMismatch, reflect.TypeOf(v).String())
	}
	return proto.Marshal(msg)
}

func (Proto) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%w: %s is not a proto.Message", ErrTypeMismatch, reflect.TypeOf(v).String())
	}
	return proto.Unmarshal(data, msg)
}
