// Package payload layers typed request/reply values on top of weft's raw
// payload blobs. The core never looks inside a payload; this package is
// how applications agree on what the bytes mean.
package payload

import (
	"errors"
	"fmt"
	"reflect"
)

var ErrTypeMismatch = errors.New("payload: value does not match the codec")

// Codec translates one application value to and from a payload blob.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Bytes is the identity codec: values are []byte already.
type Bytes struct{}

func (Bytes) Marshal(v any) ([]byte, error) {
	buf, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not []byte", ErrTypeMismatch, reflect.TypeOf(v).String())
	}
	return buf, nil
}

func (Bytes) Unmarshal(data []byte, v any) error {
	dst, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("%w: %s is not *[]byte", ErrTypeMismatch, reflect.TypeOf(v).String())
	}
	*dst = append([]byte(nil), data...)
	return nil
}
