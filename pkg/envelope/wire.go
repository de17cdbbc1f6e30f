package envelope

import (
	"bytes"
	"fmt"
)

// Separator delimits the framing fields on the wire.
const Separator byte = '|'

var separator = []byte{Separator}

// Frame holds the framing fields of a serialized envelope. PayloadSize is
// informational and never signed.
type Frame struct {
	Header      []byte
	Version     []byte
	Primitive   []byte
	Signature   []byte
	PayloadSize int
}

func (f Frame) clone() Frame {
	return Frame{
		Header:      bytes.Clone(f.Header),
		Version:     bytes.Clone(f.Version),
		Primitive:   bytes.Clone(f.Primitive),
		Signature:   bytes.Clone(f.Signature),
		PayloadSize: f.PayloadSize,
	}
}

// Serialize re-signs the payload with the envelope key and returns the wire
// form. The emitted signature is always freshly computed, whatever signature
// the envelope was built with. The payload must be readable: serializing an
// unverified or invalid envelope fails with ErrUnvalidated.
func (e *Envelope) Serialize() ([]byte, error) {
	if e.released.Load() {
		return nil, ErrKeyReleased
	}
	payload, err := e.Payload()
	if err != nil {
		return nil, err
	}
	p, err := lookupPrimitive(e.frame.Primitive)
	if err != nil {
		return nil, err
	}
	sig := p.sign(e.frame, payload, e.key)

	size := len(e.frame.Header) + len(e.frame.Version) + len(e.frame.Primitive) + len(sig) + len(payload) + 4
	out := make([]byte, 0, size)
	for _, field := range [][]byte{e.frame.Header, e.frame.Version, e.frame.Primitive, sig} {
		out = append(out, field...)
		out = append(out, Separator)
	}
	return append(out, payload...), nil
}

// Parse returns the framing fields of wire without verifying anything or
// exposing the payload. The returned slices alias wire.
func Parse(wire []byte) (Frame, error) {
	f, _, err := split(wire)
	return f, err
}

// split separates wire into its framing fields and the payload tail.
func split(wire []byte) (Frame, []byte, error) {
	if !bytes.HasPrefix(wire, []byte(DefaultHeader)) {
		return Frame{}, nil, fmt.Errorf("%w: not securepickle data (invalid header)", ErrEnvelope)
	}
	var fields [4][]byte
	rest := wire
	for i := range fields {
		idx := bytes.IndexByte(rest, Separator)
		if idx < 0 {
			return Frame{}, nil, fmt.Errorf("%w: truncated envelope: %d of 4 fields present", ErrEnvelope, i)
		}
		fields[i] = rest[:idx]
		rest = rest[idx+1:]
	}
	f := Frame{
		Header:      fields[0],
		Version:     fields[1],
		Primitive:   fields[2],
		Signature:   fields[3],
		PayloadSize: len(rest),
	}
	return f, rest, nil
}

// Deserialize parses wire and builds a verified Envelope with key. Pass
// WithoutAutoValidate to defer verification; framing options are ignored.
func Deserialize(wire, key []byte, opts ...Option) (*Envelope, error) {
	f, payload, err := split(wire)
	if err != nil {
		return nil, err
	}
	all := make([]Option, 0, len(opts)+4)
	all = append(all, opts...)
	all = append(all,
		WithHeader(f.Header),
		WithVersion(f.Version),
		WithPrimitive(f.Primitive),
		WithSignature(f.Signature),
	)
	return New(payload, key, all...)
}
