// Package envelope implements the securepickle signed envelope: a serialized
// payload wrapped with a keyed MAC so a receiver holding the shared secret can
// reject tampered or forged data before decoding it.
//
// Wire layout:
//
//	<header>|<version>|<primitive>|<signature>|<payload>
//
// The payload is the tail after the fourth separator and may itself contain
// separator bytes.
package envelope

import (
	"bytes"
	"crypto/hmac"
	"fmt"
	"sync/atomic"
)

// Defaults written by locally constructed envelopes.
const (
	DefaultHeader    = "securepickle"
	DefaultVersion   = "1.0"
	DefaultPrimitive = HMACSHA512
)

// State is the validation state of an Envelope.
type State int32

const (
	// StateUnverified: signed, verification not yet run.
	StateUnverified State = iota
	// StateUnsignedValid: built locally without a signature.
	StateUnsignedValid
	// StateValid: signature checked and matched.
	StateValid
	// StateInvalid: signature checked and did not match.
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateUnsignedValid:
		return "unsigned-valid"
	case StateValid:
		return "valid"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Envelope is a signed (or not yet signed) unit of serialized data.
//
// Fields are fixed at construction. The only mutation afterwards is the
// validation state, set by Validate, and key release by Destroy.
type Envelope struct {
	frame    Frame
	signed   bool
	payload  []byte
	key      []byte
	state    atomic.Int32
	released atomic.Bool
}

// Option customises New and Deserialize.
type Option func(*options)

type options struct {
	header       []byte
	version      []byte
	primitive    []byte
	signature    []byte
	signed       bool
	autoValidate bool
}

// WithSignature attaches a signature. A non-nil empty slice counts as a
// (wrong) signature, not as an absent one.
func WithSignature(sig []byte) Option {
	return func(o *options) {
		o.signature = sig
		o.signed = sig != nil
	}
}

// WithHeader overrides DefaultHeader.
func WithHeader(h []byte) Option {
	return func(o *options) { o.header = h }
}

// WithVersion overrides DefaultVersion.
func WithVersion(v []byte) Option {
	return func(o *options) { o.version = v }
}

// WithPrimitive overrides DefaultPrimitive.
func WithPrimitive(p []byte) Option {
	return func(o *options) { o.primitive = p }
}

// WithoutAutoValidate defers verification of a supplied signature to an
// explicit Validate call.
func WithoutAutoValidate() Option {
	return func(o *options) { o.autoValidate = false }
}

// New builds an Envelope around payload.
//
// Without a signature the envelope is immediately valid and ready to be
// serialized. With a signature it is verified before New returns, unless
// WithoutAutoValidate is given; a failed verification is returned as the
// construction error and no Envelope is produced.
func New(payload, key []byte, opts ...Option) (*Envelope, error) {
	o := options{
		header:       []byte(DefaultHeader),
		version:      []byte(DefaultVersion),
		primitive:    []byte(DefaultPrimitive),
		autoValidate: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if key == nil {
		return nil, fmt.Errorf("%w: key is not set", ErrEnvelope)
	}
	if o.header == nil {
		return nil, fmt.Errorf("%w: header is not set", ErrEnvelope)
	}
	if o.version == nil {
		return nil, fmt.Errorf("%w: version is not set", ErrEnvelope)
	}
	if o.primitive == nil {
		return nil, fmt.Errorf("%w: primitive is not set", ErrEnvelope)
	}
	if _, err := lookupPrimitive(o.primitive); err != nil {
		return nil, err
	}
	if err := checkVersion(o.version); err != nil {
		return nil, err
	}

	e := &Envelope{
		frame: Frame{
			Header:    bytes.Clone(o.header),
			Version:   bytes.Clone(o.version),
			Primitive: bytes.Clone(o.primitive),
		},
		signed:  o.signed,
		payload: bytes.Clone(payload),
		key:     bytes.Clone(key),
	}
	if e.payload == nil {
		e.payload = []byte{}
	}
	if e.key == nil {
		e.key = []byte{}
	}

	if !o.signed {
		e.state.Store(int32(StateUnsignedValid))
		return e, nil
	}

	e.frame.Signature = bytes.Clone(o.signature)
	e.state.Store(int32(StateUnverified))
	if o.autoValidate {
		if err := e.Validate(); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Validate recomputes the signature from the payload and key and compares it
// in constant time with the carried one. On a match the envelope becomes
// valid; on a mismatch it becomes invalid and a *SignatureError is returned.
//
// An envelope built without a signature has nothing to compare against:
// Validate reports a mismatch and leaves its unsigned-valid state untouched.
func (e *Envelope) Validate() error {
	if e.released.Load() {
		return ErrKeyReleased
	}
	p, err := lookupPrimitive(e.frame.Primitive)
	if err != nil {
		return err
	}
	expected := p.sign(e.frame, e.payload, e.key)
	if !e.signed {
		return &SignatureError{Expected: expected}
	}
	if !hmac.Equal(expected, e.frame.Signature) {
		e.state.Store(int32(StateInvalid))
		return &SignatureError{Expected: expected, Received: bytes.Clone(e.frame.Signature)}
	}
	e.state.Store(int32(StateValid))
	return nil
}

// Valid reports whether the payload may be read.
func (e *Envelope) Valid() bool {
	s := e.State()
	return s == StateValid || s == StateUnsignedValid
}

// State returns the current validation state.
func (e *Envelope) State() State {
	return State(e.state.Load())
}

// Payload returns a copy of the serialized payload. It fails with
// ErrUnvalidated unless the envelope is valid.
func (e *Envelope) Payload() ([]byte, error) {
	if !e.Valid() {
		return nil, fmt.Errorf("%w: call Validate before reading the payload (state %s)", ErrUnvalidated, e.State())
	}
	return bytes.Clone(e.payload), nil
}

// Header returns the format tag.
func (e *Envelope) Header() []byte { return bytes.Clone(e.frame.Header) }

// Version returns the wire-layout revision.
func (e *Envelope) Version() []byte { return bytes.Clone(e.frame.Version) }

// Primitive returns the MAC algorithm identifier.
func (e *Envelope) Primitive() []byte { return bytes.Clone(e.frame.Primitive) }

// Signature returns the carried signature, or nil for an unsigned envelope.
func (e *Envelope) Signature() []byte {
	if !e.signed {
		return nil
	}
	return bytes.Clone(e.frame.Signature)
}

// HasSignature reports whether the envelope was built with a signature.
func (e *Envelope) HasSignature() bool { return e.signed }

// Frame returns the framing fields.
func (e *Envelope) Frame() Frame {
	f := e.frame.clone()
	if !e.signed {
		f.Signature = nil
	}
	f.PayloadSize = len(e.payload)
	return f
}

// Destroy zeroes the envelope's copy of the key. Validate and Serialize fail
// with ErrKeyReleased afterwards; an already settled state is kept.
// Destroy must not run concurrently with Validate or Serialize.
func (e *Envelope) Destroy() {
	if e.released.Swap(true) {
		return
	}
	clear(e.key)
}
