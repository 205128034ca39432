// Package wire frames the values a read-write cache keeps in its cache tier.
//
// Frame: magic(4) | ver(1) | flags(1) | gen(u64 be) | vlen(u32 be) | payload(vlen)
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const (
	version byte = 1
	hdrLen       = 4 + 1 + 1 + 8 + 4
)

// Flags.
const (
	// FlagStorePending marks a value accepted for write-behind but not yet
	// persisted. A process taking over the key must still store it.
	FlagStorePending byte = 1 << 0
)

var (
	ErrCorrupt = errors.New("tiercache: corrupt cache frame")
	magic4     = [...]byte{'T', 'I', 'E', 'R'}
)

type Frame struct {
	Flags   byte
	Gen     uint64
	Payload []byte
}

func (f Frame) Pending() bool { return f.Flags&FlagStorePending != 0 }

func Encode(f Frame) []byte {
	var buf bytes.Buffer
	buf.Grow(hdrLen + len(f.Payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)
	buf.WriteByte(f.Flags)

	var u8 [8]byte
	binary.BigEndian.PutUint64(u8[:], f.Gen)
	buf.Write(u8[:])

	var u4 [4]byte
	binary.BigEndian.PutUint32(u4[:], uint32(len(f.Payload)))
	buf.Write(u4[:])

	buf.Write(f.Payload)
	return buf.Bytes()
}

// Decode parses b. The payload aliases b.
func Decode(b []byte) (Frame, error) {
	if len(b) < hdrLen || !bytes.Equal(b[:4], magic4[:]) || b[4] != version {
		return Frame{}, ErrCorrupt
	}
	f := Frame{
		Flags: b[5],
		Gen:   binary.BigEndian.Uint64(b[6:14]),
	}
	vlen := int(binary.BigEndian.Uint32(b[14:18]))
	if vlen != len(b)-hdrLen {
		return Frame{}, ErrCorrupt
	}
	f.Payload = b[hdrLen:]
	return f, nil
}
