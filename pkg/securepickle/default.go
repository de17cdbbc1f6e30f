package securepickle

import (
	"context"
	"io"

	"github.com/Mindburn-Labs/securepickle/pkg/codec"
	"github.com/Mindburn-Labs/securepickle/pkg/keystore"
)

// defaultKey backs the package-level functions. It starts unset.
var defaultKey = &keystore.Static{}

// SetKey sets the process-wide key used by Dumps, Loads, Dump and Load.
// An empty key is a valid key; nil unsets it.
func SetKey(key []byte) {
	defaultKey.Set(key)
}

func defaultPickler[V any]() *Pickler[V] {
	p, _ := New[V](codec.Gob[V]{}, defaultKey)
	return p
}

// Dumps gob-encodes v and signs it with the process-wide key.
func Dumps[V any](v V) ([]byte, error) {
	return defaultPickler[V]().Dumps(context.Background(), v)
}

// Loads verifies data with the process-wide key and gob-decodes it.
func Loads[V any](data []byte) (V, error) {
	return defaultPickler[V]().Loads(context.Background(), data)
}

// Dump writes Dumps(v) to w.
func Dump[V any](v V, w io.Writer) error {
	return defaultPickler[V]().Dump(context.Background(), v, w)
}

// Load reads r to EOF and returns Loads of its contents.
func Load[V any](r io.Reader) (V, error) {
	return defaultPickler[V]().Load(context.Background(), r)
}
