package util

import (
	"encoding/json"
	"fmt"
)

// EncoderDecoder turns records into the bytes kept in stores and queues.
type EncoderDecoder[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (*T, error)
}

type JsonEncDec[T any] struct{}

var _ EncoderDecoder[any] = new(JsonEncDec[any])

func NewJsonEncoderDecoder[T any]() *JsonEncDec[T] {
	return &JsonEncDec[T]{}
}

func (encdec *JsonEncDec[T]) Encode(value T) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", value, err)
	}
	return data, nil
}

func (encdec *JsonEncDec[T]) Decode(data []byte) (*T, error) {
	var res T
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode %T: %w", res, err)
	}
	return &res, nil
}

// DecodeEach decodes a batch of messages in order. One bad message fails the
// whole batch.
func DecodeEach[T any](encdec EncoderDecoder[T], messages []string) ([]*T, error) {
	out := make([]*T, 0, len(messages))
	for i, m := range messages {
		v, err := encdec.Decode([]byte(m))
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}
