package core

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// Hash is the 256-bit identifier of a block or transaction. It is stored and
// compared big-endian so lexicographic byte order matches numeric order,
// which RecordKeeper relies on for BlocksByHeight/height-tie-break ordering.
type Hash [32]byte

// KeyHash is a validator identity: RIPEMD160(SHA3-256(DER public key)).
type KeyHash [20]byte

var (
	ZeroHash    Hash
	ZeroKeyHash KeyHash
)

func (h Hash) Bytes() []byte { return h[:] }
func (k KeyHash) Bytes() []byte { return k[:] }

func (h Hash) Hex() string { return hex.EncodeToString(h[:]) }
func (k KeyHash) Hex() string { return hex.EncodeToString(k[:]) }

func (h Hash) String() string { return h.Hex() }
func (k KeyHash) String() string { return k.Hex() }

func (h Hash) IsZero() bool { return h == ZeroHash }
func (k KeyHash) IsZero() bool { return k == ZeroKeyHash }

// Cmp gives lexicographic ordering over the raw bytes, which for a
// big-endian fixed-width integer is also numeric ordering.
func (h Hash) Cmp(o Hash) int { return bytes.Compare(h[:], o[:]) }
func (k KeyHash) Cmp(o KeyHash) int { return bytes.Compare(k[:], o[:]) }

// Uint256 exposes the hash as a big-endian 256-bit integer, used by fork
// selection's hash-ordering tiebreak and by difficulty arithmetic.
func (h Hash) Uint256() *uint256.Int {
	var u uint256.Int
	u.SetBytes(h[:])
	return &u
}

func HashFromUint256(u *uint256.Int) Hash {
	var h Hash
	b := u.Bytes32()
	copy(h[:], b[:])
	return h
}

func HashFromHex(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("hash: %w", err)
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

func KeyHashFromHex(s string) (KeyHash, error) {
	var k KeyHash
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("key hash: %w", err)
	}
	if len(b) != len(k) {
		return k, fmt.Errorf("key hash: want %d bytes, got %d", len(k), len(b))
	}
	copy(k[:], b)
	return k, nil
}

// EncodeRLP/DecodeRLP let Hash/KeyHash be embedded directly in RLP-encoded
// structs (BlockHeader, Txn, Packet, ...) the way go-ethereum's own common.Hash
// does.
func (h Hash) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, h[:])
}

func (h *Hash) DecodeRLP(s *rlp.Stream) error {
	var b []byte
	if err := s.Decode(&b); err != nil {
		return err
	}
	if len(b) != len(h) {
		return fmt.Errorf("hash: rlp payload is %d bytes, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return nil
}

func (k KeyHash) EncodeRLP(w io.Writer) error {
	return rlp.Encode(w, k[:])
}

func (k *KeyHash) DecodeRLP(s *rlp.Stream) error {
	var b []byte
	if err := s.Decode(&b); err != nil {
		return err
	}
	if len(b) != len(k) {
		return fmt.Errorf("key hash: rlp payload is %d bytes, want %d", len(b), len(k))
	}
	copy(k[:], b)
	return nil
}

// SortHashes sorts a slice of hashes in place, ascending.
func SortHashes(hs []Hash) {
	sort.Slice(hs, func(i, j int) bool { return hs[i].Cmp(hs[j]) < 0 })
}
