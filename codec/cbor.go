package codec

import "github.com/fxamacker/cbor/v2"

// CBOROptions tunes NewCBOR.
type CBOROptions struct {
	// Deterministic selects RFC 8949 core deterministic encoding, so equal
	// values always produce equal frames. Off, the smaller preferred
	// unsorted encoding is used.
	Deterministic bool
	// MaxNestedLevels bounds decode depth. 0 keeps the library default.
	MaxNestedLevels int
}

// CBOR encodes values with fxamacker/cbor. Times are written as RFC3339Nano
// strings. The zero value is not usable; construct with NewCBOR or MustCBOR.
type CBOR[V any] struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

var _ Codec[struct{}] = CBOR[struct{}]{}

func NewCBOR[V any](o CBOROptions) (CBOR[V], error) {
	eo := cbor.PreferredUnsortedEncOptions()
	if o.Deterministic {
		eo = cbor.CoreDetEncOptions()
	}
	eo.Time = cbor.TimeRFC3339Nano
	em, err := eo.EncMode()
	if err != nil {
		return CBOR[V]{}, err
	}

	do := cbor.DecOptions{MaxNestedLevels: o.MaxNestedLevels}
	dm, err := do.DecMode()
	if err != nil {
		return CBOR[V]{}, err
	}
	return CBOR[V]{enc: em, dec: dm}, nil
}

// MustCBOR panics if the options are invalid. Meant for tests and
// package-level vars.
func MustCBOR[V any](o CBOROptions) CBOR[V] {
	c, err := NewCBOR[V](o)
	if err != nil {
		panic(err)
	}
	return c
}

func (c CBOR[V]) Encode(v V) ([]byte, error) { return c.enc.Marshal(v) }

func (c CBOR[V]) Decode(b []byte) (V, error) {
	var v V
	err := c.dec.Unmarshal(b, &v)
	return v, err
}
