// Package securepickle signs encoded values on the way out and verifies them
// before decoding on the way in.
//
// A Pickler binds a Codec to a KeyStore. The package-level Dumps, Loads, Dump
// and Load use the gob codec and a process-wide key set with SetKey.
package securepickle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/securepickle/pkg/blobstore"
	"github.com/Mindburn-Labs/securepickle/pkg/codec"
	"github.com/Mindburn-Labs/securepickle/pkg/envelope"
	"github.com/Mindburn-Labs/securepickle/pkg/keystore"
	"github.com/Mindburn-Labs/securepickle/pkg/observability"
	"github.com/Mindburn-Labs/securepickle/pkg/policy"
)

var (
	// ErrThrottled is returned by Loads while too many signature failures
	// have been seen recently.
	ErrThrottled = errors.New("securepickle: too many invalid signatures, throttled")
	// ErrPolicy is returned when a verified envelope is rejected by policy.
	ErrPolicy = errors.New("securepickle: rejected by policy")
)

// Pickler dumps and loads values of type V.
type Pickler[V any] struct {
	codec     codec.Codec[V]
	keys      keystore.KeyStore
	primitive string
	policy    *policy.Policy
	limiter   *rate.Limiter
	obs       *observability.Provider
	logger    *slog.Logger
}

// Option configures a Pickler.
type Option func(*options)

type options struct {
	primitive string
	policy    *policy.Policy
	limiter   *rate.Limiter
	obs       *observability.Provider
	logger    *slog.Logger
}

// WithPrimitive selects the signing primitive for Dumps. Loads accepts any
// supported primitive.
func WithPrimitive(id string) Option {
	return func(o *options) { o.primitive = id }
}

// WithPolicy rejects verified envelopes that p does not allow.
func WithPolicy(p *policy.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithFailureLimit permits burst invalid signatures, refilled at r per
// second. Once exhausted, Loads fails with ErrThrottled without verifying.
func WithFailureLimit(r rate.Limit, burst int) Option {
	return func(o *options) { o.limiter = rate.NewLimiter(r, burst) }
}

// WithObservability records spans and metrics for every operation.
func WithObservability(p *observability.Provider) Option {
	return func(o *options) { o.obs = p }
}

// WithLogger overrides the default component logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New returns a Pickler encoding with c and signing with keys.
func New[V any](c codec.Codec[V], keys keystore.KeyStore, opts ...Option) (*Pickler[V], error) {
	if c == nil {
		return nil, errors.New("securepickle: codec is nil")
	}
	if keys == nil {
		return nil, errors.New("securepickle: key store is nil")
	}
	o := options{primitive: envelope.DefaultPrimitive}
	for _, opt := range opts {
		opt(&o)
	}
	if !envelope.Supported(o.primitive) {
		return nil, fmt.Errorf("securepickle: %w: primitive %q", envelope.ErrCompatibility, o.primitive)
	}
	if o.logger == nil {
		o.logger = slog.Default().With("component", "securepickle")
	}
	return &Pickler[V]{
		codec:     c,
		keys:      keys,
		primitive: o.primitive,
		policy:    o.policy,
		limiter:   o.limiter,
		obs:       o.obs,
		logger:    o.logger,
	}, nil
}

// Dumps encodes v and returns the signed wire form.
func (p *Pickler[V]) Dumps(ctx context.Context, v V) (out []byte, err error) {
	ctx, done := p.obs.TrackOperation(ctx, "securepickle.dumps", attribute.String("securepickle.primitive", p.primitive))
	defer func() { done(err) }()

	payload, err := p.codec.Encode(v)
	if err != nil {
		return nil, fmt.Errorf("securepickle: dumps: %w", err)
	}
	key, err := p.keys.Key(ctx)
	if err != nil {
		return nil, fmt.Errorf("securepickle: dumps: %w: %w", envelope.ErrEnvelope, err)
	}
	defer clear(key)

	env, err := envelope.New(payload, key, envelope.WithPrimitive([]byte(p.primitive)))
	if err != nil {
		return nil, fmt.Errorf("securepickle: dumps: %w", err)
	}
	defer env.Destroy()

	out, err = env.Serialize()
	if err != nil {
		return nil, fmt.Errorf("securepickle: dumps: %w", err)
	}
	return out, nil
}

// Loads verifies data and decodes its payload. With a KeyRing every retained
// key is tried, active key first.
func (p *Pickler[V]) Loads(ctx context.Context, data []byte) (v V, err error) {
	ctx, done := p.obs.TrackOperation(ctx, "securepickle.loads")
	defer func() { done(err) }()

	if p.limiter != nil && p.limiter.Tokens() < 1 {
		p.logger.WarnContext(ctx, "rejecting envelope while throttled")
		return v, ErrThrottled
	}

	env, err := p.open(ctx, data)
	if err != nil {
		return v, err
	}
	defer env.Destroy()

	frame := env.Frame()
	allowed, err := p.policy.Allow(frame)
	if err != nil {
		return v, fmt.Errorf("securepickle: loads: %w", err)
	}
	if !allowed {
		p.logger.WarnContext(ctx, "envelope rejected by policy",
			"policy", p.policy.String(), "primitive", string(frame.Primitive), "payload_size", frame.PayloadSize)
		return v, fmt.Errorf("%w: %s", ErrPolicy, p.policy)
	}

	payload, err := env.Payload()
	if err != nil {
		return v, fmt.Errorf("securepickle: loads: %w", err)
	}
	v, err = p.codec.Decode(payload)
	if err != nil {
		return v, fmt.Errorf("securepickle: loads: %w", err)
	}
	return v, nil
}

// open verifies data against the configured key or keys. Framing is
// checked first, so malformed input is reported whether or not a key is set.
func (p *Pickler[V]) open(ctx context.Context, data []byte) (*envelope.Envelope, error) {
	frame, err := envelope.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("securepickle: loads: %w", err)
	}
	keys, err := p.candidateKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("securepickle: loads: %w: %w", envelope.ErrEnvelope, err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("securepickle: loads: %w: %w", envelope.ErrEnvelope, keystore.ErrNoKey)
	}
	defer func() {
		for _, k := range keys {
			clear(k)
		}
	}()

	var firstErr error
	for i, key := range keys {
		env, err := envelope.Deserialize(data, key)
		if err == nil {
			p.obs.RecordVerification(ctx, true, string(frame.Primitive))
			if i > 0 {
				p.logger.InfoContext(ctx, "envelope verified with retired key", "key_index", i)
			}
			return env, nil
		}
		if !errors.Is(err, envelope.ErrInvalidSignature) {
			return nil, fmt.Errorf("securepickle: loads: %w", err)
		}
		if firstErr == nil {
			firstErr = err
		}
	}

	p.obs.RecordVerification(ctx, false, string(frame.Primitive))
	if p.limiter != nil {
		p.limiter.Allow()
	}
	p.logger.WarnContext(ctx, "invalid envelope signature", "keys_tried", len(keys))
	return nil, fmt.Errorf("securepickle: loads: %w", firstErr)
}

func (p *Pickler[V]) candidateKeys(ctx context.Context) ([][]byte, error) {
	if ring, ok := p.keys.(keystore.KeyRing); ok {
		return ring.Keys(ctx)
	}
	key, err := p.keys.Key(ctx)
	if err != nil {
		return nil, err
	}
	return [][]byte{key}, nil
}

// Dump writes the signed wire form of v to w.
func (p *Pickler[V]) Dump(ctx context.Context, v V, w io.Writer) error {
	data, err := p.Dumps(ctx, v)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("securepickle: dump: %w", err)
	}
	return nil
}

// Load reads r to EOF and loads the envelope it holds.
func (p *Pickler[V]) Load(ctx context.Context, r io.Reader) (V, error) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		var zero V
		return zero, fmt.Errorf("securepickle: load: %w", err)
	}
	return p.Loads(ctx, buf.Bytes())
}

// Put stores the signed wire form of v and returns its reference.
func (p *Pickler[V]) Put(ctx context.Context, store blobstore.Store, v V) (string, error) {
	data, err := p.Dumps(ctx, v)
	if err != nil {
		return "", err
	}
	ref, err := store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("securepickle: put: %w", err)
	}
	p.logger.DebugContext(ctx, "stored envelope", "ref", ref, "size", len(data))
	return ref, nil
}

// Get fetches ref from store and loads it.
func (p *Pickler[V]) Get(ctx context.Context, store blobstore.Store, ref string) (V, error) {
	data, err := store.Get(ctx, ref)
	if err != nil {
		var zero V
		return zero, fmt.Errorf("securepickle: get: %w", err)
	}
	return p.Loads(ctx, data)
}
