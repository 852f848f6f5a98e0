package commsutil

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodePayload serializes a value to JSON bytes for a NATS message.
func EncodePayload(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("commsutil:codec - failed to encode payload: %w", err)
	}
	return data, nil
}

// DecodeAny decodes a single JSON value, keeping numbers as json.Number so
// integer parameters survive forwarding unchanged. Trailing data is an error.
func DecodeAny(data []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("commsutil:codec - unexpected data after JSON value")
	}
	return v, nil
}
