// Package codec turns application values into the opaque payload bytes carried
// by an envelope and back. Decoders here run only on payloads whose signature
// has already been verified.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"gopkg.in/yaml.v3"
)

// Codec encodes and decodes a value of type V to and from a byte slice.
// Implementations return an error on malformed input and have no side effects.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// Names accepted by ByName.
const (
	NameGob  = "gob"
	NameJSON = "json"
	NameYAML = "yaml"
)

// ByName returns the codec registered under name.
func ByName[V any](name string) (Codec[V], error) {
	switch name {
	case NameGob, "":
		return Gob[V]{}, nil
	case NameJSON:
		return JSON[V]{}, nil
	case NameYAML:
		return YAML[V]{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// Gob is the native Go object codec.
type Gob[V any] struct{}

func (Gob[V]) Encode(v V) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, fmt.Errorf("codec: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (Gob[V]) Decode(data []byte) (V, error) {
	var v V
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("codec: gob decode: %w", err)
	}
	return v, nil
}

// JSON emits RFC 8785 canonical JSON, so equal values always produce equal
// payloads and therefore equal signatures.
type JSON[V any] struct{}

func (JSON[V]) Encode(v V) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: json encode: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("codec: json canonicalize: %w", err)
	}
	return out, nil
}

func (JSON[V]) Decode(data []byte) (V, error) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("codec: json decode: %w", err)
	}
	return v, nil
}

// YAML uses gopkg.in/yaml.v3.
type YAML[V any] struct{}

func (YAML[V]) Encode(v V) ([]byte, error) {
	out, err := yaml.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: yaml encode: %w", err)
	}
	return out, nil
}

func (YAML[V]) Decode(data []byte) (V, error) {
	var v V
	if err := yaml.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("codec: yaml decode: %w", err)
	}
	return v, nil
}

// Raw passes bytes through untouched.
type Raw struct{}

func (Raw) Encode(v []byte) ([]byte, error) { return bytes.Clone(v), nil }

func (Raw) Decode(data []byte) ([]byte, error) { return bytes.Clone(data), nil }
