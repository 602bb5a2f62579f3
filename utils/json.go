package utils

import (
	"bytes"
	"encoding/json"
)

// Marshal generic struct to JSON
func MarshalToJSON[T any](input T) (string, error) {
	jsonData, err := json.Marshal(input)
	if err != nil {
		return "", err
	}
	return string(jsonData), nil
}

// Unmarshal JSON to generic struct
func UnmarshalFromJSON[T any](data []byte, output *T) error {
	return json.Unmarshal(data, output)
}

// CanonicalJSON renders content with stable object-key ordering so that hashing
// the result is reproducible across processes and releases. Numbers pass through
// as json.Number to avoid float re-encoding drift.
func CanonicalJSON(content any) ([]byte, error) {
	var raw []byte
	switch v := content.(type) {
	case nil:
		return []byte("null"), nil
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}

	// encoding/json marshals map keys in sorted order, so a decode/encode
	// round trip through interface{} is the canonical form.
	return json.Marshal(decoded)
}
