package envelope

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testData       = []byte("mydata")
	testKey        = []byte("mykey")
	testSignature  = []byte("7daa03a2ebc25ab865460b8bbb9a896bec86139ec65ab71346313fda9d1471dee41d04f10c1ceef808006b999ec3be69d7576151172a1a699f7bf659ecfedc08")
	testSerialized = []byte("securepickle|1.0|HMAC(SHA512)|7daa03a2ebc25ab865460b8bbb9a896bec86139ec65ab71346313fda9d1471dee41d04f10c1ceef808006b999ec3be69d7576151172a1a699f7bf659ecfedc08|mydata")
)

func TestNew_Unsigned(t *testing.T) {
	e, err := New([]byte{}, []byte{})
	require.NoError(t, err)

	assert.True(t, e.Valid())
	assert.Equal(t, StateUnsignedValid, e.State())
	assert.False(t, e.HasSignature())
	assert.Nil(t, e.Signature())

	payload, err := e.Payload()
	require.NoError(t, err)
	assert.Empty(t, payload)
}

func TestNew_WithSignatureValidates(t *testing.T) {
	_, err := New([]byte{}, []byte{}, WithSignature([]byte{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.ErrorIs(t, err, ErrEnvelope)

	e, err := New([]byte{}, []byte{}, WithSignature([]byte{}), WithoutAutoValidate())
	require.NoError(t, err)
	assert.False(t, e.Valid())
	assert.Equal(t, StateUnverified, e.State())

	_, err = e.Payload()
	assert.ErrorIs(t, err, ErrUnvalidated)
}

func TestNew_MissingKey(t *testing.T) {
	_, err := New(testData, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvelope)
	assert.NotErrorIs(t, err, ErrCompatibility)
}

func TestNew_NilFramingFields(t *testing.T) {
	for name, opt := range map[string]Option{
		"header":    WithHeader(nil),
		"version":   WithVersion(nil),
		"primitive": WithPrimitive(nil),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := New(testData, testKey, opt)
			assert.ErrorIs(t, err, ErrEnvelope)
		})
	}
}

func TestNew_UnsupportedPrimitiveBeforeSignature(t *testing.T) {
	// Correct signature for the payload, but the primitive is unknown.
	_, err := New(testData, testKey, WithPrimitive([]byte("HMAC(MD5)")), WithSignature(testSignature))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompatibility)
	assert.NotErrorIs(t, err, ErrInvalidSignature)

	// Same when the signature is wrong: compatibility is reported first.
	_, err = New(testData, testKey, WithPrimitive([]byte("HMAC(MD5)")), WithSignature([]byte("bogus")))
	assert.ErrorIs(t, err, ErrCompatibility)

	_, err = New(testData, testKey, WithPrimitive([]byte("HMAC(MD5)")))
	assert.ErrorIs(t, err, ErrCompatibility)
}

func TestNew_Version(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"1.0", true},
		{"1.1", true},
		{"1", true},
		{"2.0", false},
		{"0.9", false},
		{"not-a-version", false},
		{"", false},
	}
	for _, tc := range tests {
		t.Run(tc.version, func(t *testing.T) {
			_, err := New(testData, testKey, WithVersion([]byte(tc.version)))
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrCompatibility)
		})
	}
}

func TestValidate_Invalid(t *testing.T) {
	e, err := New([]byte{}, []byte{}, WithSignature([]byte{}), WithoutAutoValidate())
	require.NoError(t, err)

	err = e.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	var sigErr *SignatureError
	require.True(t, errors.As(err, &sigErr))
	assert.Len(t, sigErr.Expected, 128)
	assert.Empty(t, sigErr.Received)

	assert.Equal(t, StateInvalid, e.State())
	_, err = e.Payload()
	assert.ErrorIs(t, err, ErrUnvalidated)
}

func TestValidate_Valid(t *testing.T) {
	e, err := New(testData, testKey, WithSignature(testSignature), WithoutAutoValidate())
	require.NoError(t, err)
	require.NoError(t, e.Validate())

	payload, err := e.Payload()
	require.NoError(t, err)
	assert.Equal(t, testData, payload)
	assert.Equal(t, StateValid, e.State())

	// Idempotent.
	require.NoError(t, e.Validate())
	assert.True(t, e.Valid())
}

func TestValidate_WrongKeyReportsSignatureNotAccess(t *testing.T) {
	e, err := New(testData, []byte("otherkey"), WithSignature(testSignature), WithoutAutoValidate())
	require.NoError(t, err)

	_, err = e.Payload()
	assert.ErrorIs(t, err, ErrUnvalidated)

	err = e.Validate()
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.NotErrorIs(t, err, ErrUnvalidated)

	var sigErr *SignatureError
	require.ErrorAs(t, err, &sigErr)
	assert.Equal(t, testSignature, sigErr.Received)
	assert.NotEqual(t, testSignature, sigErr.Expected)
}

func TestValidate_Unsigned(t *testing.T) {
	e, err := New(testData, testKey)
	require.NoError(t, err)

	err = e.Validate()
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Equal(t, StateUnsignedValid, e.State())
}

func TestSign(t *testing.T) {
	assert.Equal(t, testSignature, Sign(testData, testKey))
	assert.Equal(t, Sign(testData, testKey), Sign(testData, testKey))
	assert.NotEqual(t, Sign(testData, testKey), Sign(testData, []byte("mykey2")))
	assert.Len(t, Sign(nil, nil), 128)
	assert.Equal(t, bytes.ToLower(testSignature), testSignature)
}

func TestSignFrame(t *testing.T) {
	f := Frame{Header: []byte(DefaultHeader), Version: []byte(DefaultVersion), Primitive: []byte(HMACSHA512)}
	sig, err := SignFrame(f, testData, testKey)
	require.NoError(t, err)
	assert.Equal(t, testSignature, sig)

	f.Primitive = []byte(FramedHMACSHA512)
	framed, err := SignFrame(f, testData, testKey)
	require.NoError(t, err)
	assert.NotEqual(t, testSignature, framed)

	f.Version = []byte("1.1")
	bumped, err := SignFrame(f, testData, testKey)
	require.NoError(t, err)
	assert.NotEqual(t, framed, bumped, "framed signatures must cover the version")

	f.Primitive = []byte("nope")
	_, err = SignFrame(f, testData, testKey)
	assert.ErrorIs(t, err, ErrCompatibility)
}

func TestPrimitives(t *testing.T) {
	ids := Primitives()
	assert.Contains(t, ids, HMACSHA512)
	assert.Contains(t, ids, HMACSHA3512)
	assert.Contains(t, ids, FramedHMACSHA512)
	assert.True(t, Supported(DefaultPrimitive))
	assert.False(t, Supported("HMAC(SHA1)"))
}

func TestSerialize(t *testing.T) {
	e, err := New(testData, testKey)
	require.NoError(t, err)

	out, err := e.Serialize()
	require.NoError(t, err)
	assert.Equal(t, testSerialized, out)
}

func TestSerialize_ResignsStaleSignature(t *testing.T) {
	// A validated envelope always emits the signature recomputed from its
	// own payload and key.
	e, err := Deserialize(testSerialized, testKey)
	require.NoError(t, err)

	out, err := e.Serialize()
	require.NoError(t, err)
	assert.Equal(t, testSerialized, out)
}

func TestSerialize_Unvalidated(t *testing.T) {
	e, err := New(testData, testKey, WithSignature([]byte("stale")), WithoutAutoValidate())
	require.NoError(t, err)

	_, err = e.Serialize()
	assert.ErrorIs(t, err, ErrUnvalidated)
}

func TestDeserialize_Invalid(t *testing.T) {
	_, err := Deserialize([]byte("randomdata"), []byte("randomkey"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnvelope)
	assert.NotErrorIs(t, err, ErrInvalidSignature)

	_, err = Deserialize([]byte("randomdata"), testKey)
	assert.ErrorIs(t, err, ErrEnvelope)
}

func TestDeserialize_Truncated(t *testing.T) {
	for _, wire := range []string{
		"securepickle",
		"securepickle|1.0",
		"securepickle|1.0|HMAC(SHA512)",
		"securepickle|1.0|HMAC(SHA512)|abc",
	} {
		_, err := Deserialize([]byte(wire), testKey)
		assert.ErrorIs(t, err, ErrEnvelope, wire)
		assert.NotErrorIs(t, err, ErrInvalidSignature, wire)
	}
}

func TestDeserialize_Valid(t *testing.T) {
	d, err := Deserialize(testSerialized, testKey)
	require.NoError(t, err)

	assert.True(t, d.Valid())
	assert.Equal(t, []byte("securepickle"), d.Header())
	assert.Equal(t, []byte("1.0"), d.Version())
	assert.Equal(t, []byte("HMAC(SHA512)"), d.Primitive())
	assert.Equal(t, testSignature, d.Signature())

	payload, err := d.Payload()
	require.NoError(t, err)
	assert.Equal(t, testData, payload)
}

func TestDeserialize_WrongKey(t *testing.T) {
	_, err := Deserialize(testSerialized, []byte("randomkey"))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDeserialize_Deferred(t *testing.T) {
	d, err := Deserialize(testSerialized, []byte("randomkey"), WithoutAutoValidate())
	require.NoError(t, err)
	assert.Equal(t, StateUnverified, d.State())
	assert.ErrorIs(t, d.Validate(), ErrInvalidSignature)
	assert.Equal(t, StateInvalid, d.State())
}

func TestDeserialize_UnsupportedPrimitive(t *testing.T) {
	wire := bytes.Replace(testSerialized, []byte("HMAC(SHA512)"), []byte("HMAC(SHA256)"), 1)
	_, err := Deserialize(wire, testKey)
	assert.ErrorIs(t, err, ErrCompatibility)
}

func TestDeserialize_PayloadWithSeparators(t *testing.T) {
	payload := []byte("a|b||c|")
	e, err := New(payload, testKey)
	require.NoError(t, err)
	wire, err := e.Serialize()
	require.NoError(t, err)

	d, err := Deserialize(wire, testKey)
	require.NoError(t, err)
	got, err := d.Payload()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDeserialize_TamperDetection(t *testing.T) {
	sigStart := len("securepickle|1.0|HMAC(SHA512)|")
	for i := sigStart; i < len(testSerialized); i++ {
		if testSerialized[i] == Separator {
			continue
		}
		tampered := bytes.Clone(testSerialized)
		tampered[i] ^= 0x01
		_, err := Deserialize(tampered, testKey)
		require.ErrorIs(t, err, ErrInvalidSignature, "byte %d", i)
	}
}

func TestRoundTrip_AllPrimitives(t *testing.T) {
	for _, id := range Primitives() {
		t.Run(id, func(t *testing.T) {
			e, err := New(testData, testKey, WithPrimitive([]byte(id)))
			require.NoError(t, err)
			wire, err := e.Serialize()
			require.NoError(t, err)

			d, err := Deserialize(wire, testKey)
			require.NoError(t, err)
			assert.True(t, d.Valid())
			assert.Equal(t, []byte(id), d.Primitive())

			_, err = Deserialize(wire, []byte("otherkey"))
			assert.ErrorIs(t, err, ErrInvalidSignature)
		})
	}
}

func TestFramed_VersionSubstitutionDetected(t *testing.T) {
	e, err := New(testData, testKey, WithPrimitive([]byte(FramedHMACSHA512)))
	require.NoError(t, err)
	wire, err := e.Serialize()
	require.NoError(t, err)

	forged := bytes.Replace(wire, []byte("|1.0|"), []byte("|1.9|"), 1)
	_, err = Deserialize(forged, testKey)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	// The reference primitive leaves the version unauthenticated.
	loose := bytes.Replace(testSerialized, []byte("|1.0|"), []byte("|1.9|"), 1)
	_, err = Deserialize(loose, testKey)
	assert.NoError(t, err)
}

func TestParse(t *testing.T) {
	f, err := Parse(testSerialized)
	require.NoError(t, err)
	assert.Equal(t, []byte(DefaultHeader), f.Header)
	assert.Equal(t, []byte(DefaultVersion), f.Version)
	assert.Equal(t, []byte(DefaultPrimitive), f.Primitive)
	assert.Equal(t, testSignature, f.Signature)
	assert.Equal(t, len(testData), f.PayloadSize)

	_, err = Parse([]byte("randomdata"))
	assert.ErrorIs(t, err, ErrEnvelope)
	_, err = Parse([]byte("securepickle|1.0|HMAC(SHA512)"))
	assert.ErrorIs(t, err, ErrEnvelope)
}

func TestDestroy(t *testing.T) {
	e, err := Deserialize(testSerialized, testKey)
	require.NoError(t, err)

	e.Destroy()
	assert.ErrorIs(t, e.Validate(), ErrKeyReleased)
	_, err = e.Serialize()
	assert.ErrorIs(t, err, ErrKeyReleased)

	// Settled state survives key release.
	assert.True(t, e.Valid())
	e.Destroy()
}

func TestNew_CopiesInputs(t *testing.T) {
	payload := bytes.Clone(testData)
	key := bytes.Clone(testKey)
	e, err := New(payload, key)
	require.NoError(t, err)

	payload[0] = 'X'
	key[0] = 'X'

	out, err := e.Serialize()
	require.NoError(t, err)
	assert.Equal(t, testSerialized, out)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "unsigned-valid", StateUnsignedValid.String())
	assert.Equal(t, "unverified", StateUnverified.String())
	assert.Equal(t, "valid", StateValid.String())
	assert.Equal(t, "invalid", StateInvalid.String())
	assert.Equal(t, "State(9)", State(9).String())
}
