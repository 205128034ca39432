package codec

import "fmt"

// Codec turns values into the bytes a tier holds and back.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}

// ByName returns a structured codec by its configuration name: "json",
// "msgpack", "cbor" or "cbor-det". Used by tools that pick the encoding
// from flags or env.
func ByName[V any](name string) (Codec[V], error) {
	switch name {
	case "json", "":
		return JSON[V]{}, nil
	case "msgpack":
		return Msgpack[V]{}, nil
	case "cbor", "cbor-det":
		c, err := NewCBOR[V](CBOROptions{Deterministic: name == "cbor-det"})
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// String stores strings as their raw bytes.
type String struct{}

func (String) Encode(s string) ([]byte, error) { return []byte(s), nil }
func (String) Decode(b []byte) (string, error) { return string(b), nil }

// Bytes passes byte slices through untouched.
type Bytes struct{}

func (Bytes) Encode(b []byte) ([]byte, error) { return b, nil }
func (Bytes) Decode(b []byte) ([]byte, error) { return b, nil }
