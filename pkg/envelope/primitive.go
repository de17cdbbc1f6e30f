package envelope

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/crypto/sha3"
)

// Primitive identifiers as they appear on the wire.
const (
	HMACSHA512       = "HMAC(SHA512)"
	HMACSHA3512      = "HMAC(SHA3-512)"
	FramedHMACSHA512 = "FRAMED-HMAC(SHA512)"
)

// primitive is a registered MAC construction. Framed primitives authenticate
// header, version and primitive id along with the payload; the others sign
// the payload alone.
type primitive struct {
	id     string
	hash   func() hash.Hash
	framed bool
}

var primitives = map[string]primitive{
	HMACSHA512:       {id: HMACSHA512, hash: sha512.New},
	HMACSHA3512:      {id: HMACSHA3512, hash: sha3.New512},
	FramedHMACSHA512: {id: FramedHMACSHA512, hash: sha512.New, framed: true},
}

// supportedMajor is the only wire-layout major revision this package reads.
const supportedMajor = 1

// Primitives returns the supported primitive identifiers in sorted order.
func Primitives() []string {
	ids := make([]string, 0, len(primitives))
	for id := range primitives {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Supported reports whether id names a registered primitive.
func Supported(id string) bool {
	_, ok := primitives[id]
	return ok
}

func lookupPrimitive(id []byte) (primitive, error) {
	p, ok := primitives[string(id)]
	if !ok {
		return primitive{}, fmt.Errorf("%w: unsupported crypto primitive %q", ErrCompatibility, id)
	}
	return p, nil
}

func checkVersion(version []byte) error {
	v, err := semver.NewVersion(string(version))
	if err != nil {
		return fmt.Errorf("%w: unparseable format version %q", ErrCompatibility, version)
	}
	if v.Major() != supportedMajor {
		return fmt.Errorf("%w: unsupported format version %q", ErrCompatibility, version)
	}
	return nil
}

// sign returns the lowercase hex MAC for payload under key.
func (p primitive) sign(f Frame, payload, key []byte) []byte {
	m := hmac.New(p.hash, key)
	if p.framed {
		for _, field := range [][]byte{f.Header, f.Version, f.Primitive} {
			m.Write(field)
			m.Write(separator)
		}
	}
	m.Write(payload)
	sum := m.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

// Sign computes the reference HMAC(SHA512) signature of payload: the
// lowercase hex digest as ASCII bytes.
func Sign(payload, key []byte) []byte {
	return primitives[HMACSHA512].sign(Frame{}, payload, key)
}

// SignFrame signs payload with the primitive named by f.Primitive.
func SignFrame(f Frame, payload, key []byte) ([]byte, error) {
	p, err := lookupPrimitive(f.Primitive)
	if err != nil {
		return nil, err
	}
	return p.sign(f, payload, key), nil
}
