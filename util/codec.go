package util

import (
	"encoding/json"
)

// Codec serializes persisted values. Kept behind an interface so the wire
// format can change without touching the storage layers.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (*T, error)
}

type JsonCodec[T any] struct{}

var _ Codec[any] = JsonCodec[any]{}

func NewJsonCodec[T any]() JsonCodec[T] {
	return JsonCodec[T]{}
}

func (JsonCodec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

func (JsonCodec[T]) Decode(data []byte) (*T, error) {
	var res T
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, err
	}
	return &res, nil
}
