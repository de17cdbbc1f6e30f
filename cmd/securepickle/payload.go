package main

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/securepickle/pkg/codec"
)

// payloadCodec adapts a named codec to raw CLI input. JSON and YAML input is
// normalised before signing, so equal documents produce equal envelopes;
// gob payloads are opaque and passed through.
func payloadCodec(name string) (codec.Codec[[]byte], error) {
	switch name {
	case codec.NameGob, "":
		return codec.Raw{}, nil
	case codec.NameJSON:
		return normalised{name: name, parse: json.Unmarshal, inner: codec.JSON[any]{}}, nil
	case codec.NameYAML:
		return normalised{name: name, parse: yaml.Unmarshal, inner: codec.YAML[any]{}}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

type normalised struct {
	name  string
	parse func([]byte, any) error
	inner codec.Codec[any]
}

func (n normalised) Encode(doc []byte) ([]byte, error) {
	var v any
	if err := n.parse(doc, &v); err != nil {
		return nil, fmt.Errorf("parse %s input: %w", n.name, err)
	}
	return n.inner.Encode(v)
}

func (n normalised) Decode(data []byte) ([]byte, error) {
	if _, err := n.inner.Decode(data); err != nil {
		return nil, err
	}
	return data, nil
}
