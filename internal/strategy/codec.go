package strategy

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Encode serializes a stage output (Dataset, Matrix or Selection) into a
// cache payload.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a payload written by Encode.
func Decode[T any](payload []byte) (T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(&v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}
