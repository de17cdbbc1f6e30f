package envelope

import (
	"errors"
	"fmt"
)

// Every error returned by this package matches ErrEnvelope under errors.Is.
// The more specific kinds below wrap it.
var (
	ErrEnvelope         = errors.New("envelope error")
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrEnvelope)
	ErrUnvalidated      = fmt.Errorf("%w: payload not validated", ErrEnvelope)
	ErrCompatibility    = fmt.Errorf("%w: incompatible or unknown feature", ErrEnvelope)
	ErrKeyReleased      = fmt.Errorf("%w: key released", ErrEnvelope)
)

// SignatureError reports a MAC mismatch. Expected is the signature recomputed
// from the payload and key; Received is the one carried by the envelope.
type SignatureError struct {
	Expected []byte
	Received []byte
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("envelope: data was signed by a different key: expected %s, got %s", e.Expected, e.Received)
}

func (e *SignatureError) Unwrap() error {
	return ErrInvalidSignature
}
