package core

import "github.com/ethereum/go-ethereum/rlp"

// Blob is the canonical container for opaque per-block "extra data",
// signatures, and serialized events. It RLP-encodes as a plain byte string
// regardless of the payload it carries.
type Blob []byte

func (b Blob) Bytes() []byte { return []byte(b) }

func (b Blob) IsEmpty() bool { return len(b) == 0 }

// Clone returns a defensive copy so callers can mutate without aliasing
// the original payload (mirrors the copy-before-store discipline used
// throughout the DBDiff/DBState overlay).
func (b Blob) Clone() Blob {
	if b == nil {
		return nil
	}
	out := make(Blob, len(b))
	copy(out, b)
	return out
}

// MustEncode panics on encode failure; reserved for values that are known
// to be RLP-encodable by construction (fixed-width primitives).
func MustEncode(v interface{}) Blob {
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		panic(err)
	}
	return Blob(b)
}
