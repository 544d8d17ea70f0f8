package client

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Converter turns a payload into a SEND body
type Converter interface {
	ContentType() string
	Marshal(payload any) ([]byte, error)
}

// JSONConverter encodes payloads as JSON.
// []byte, string and json.RawMessage are assumed to be JSON already.
type JSONConverter struct{}

func (JSONConverter) ContentType() string { return "application/json" }

func (JSONConverter) Marshal(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return data, nil
}

// TextConverter sends payloads as plain text
type TextConverter struct{}

func (TextConverter) ContentType() string { return "text/plain" }

func (TextConverter) Marshal(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case fmt.Stringer:
		return []byte(v.String()), nil
	}
	return []byte(fmt.Sprint(payload)), nil
}

// ConverterByName resolves "json" (default) or "text"
func ConverterByName(name string) (Converter, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONConverter{}, nil
	case "text", "plain":
		return TextConverter{}, nil
	default:
		return nil, fmt.Errorf("unknown converter %q (expected json or text)", name)
	}
}
