package codec

import (
	"bytes"

	"github.com/vmihailenco/msgpack/v5"
)

// Msgpack encodes values with vmihailenco/msgpack. The zero value is ready
// to use and honors `msgpack` struct tags.
//
// JSONTags makes fields without a msgpack tag fall back to their json tag,
// so one struct definition serves both codecs. CompactInts stores integers
// in the smallest msgpack form that holds them.
type Msgpack[V any] struct {
	JSONTags    bool
	CompactInts bool
}

func (c Msgpack[V]) Encode(v V) ([]byte, error) {
	if !c.JSONTags && !c.CompactInts {
		return msgpack.Marshal(v)
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if c.JSONTags {
		enc.SetCustomStructTag("json")
	}
	enc.UseCompactInts(c.CompactInts)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c Msgpack[V]) Decode(b []byte) (V, error) {
	var v V
	if !c.JSONTags {
		err := msgpack.Unmarshal(b, &v)
		return v, err
	}
	dec := msgpack.NewDecoder(bytes.NewReader(b))
	dec.SetCustomStructTag("json")
	err := dec.Decode(&v)
	return v, err
}
