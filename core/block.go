package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// BlockHeader carries everything needed to validate a block without its
// transaction bodies (§3).
type BlockHeader struct {
	Version    uint16
	Timestamp  Time
	Shard      Hash
	Prev       Hash
	MerkleRoot Hash
	Blob       Blob // forger-specific payload (EPoSBlockData, difficulty, ...)
	Creator    KeyHash
	Signature  Blob
}

// Block is a header plus the ordered set of included transaction hashes.
// The set is stored sorted so two validators that received the same
// transactions in different order still produce an identical merkle root
// (§8 property 2).
type Block struct {
	Header BlockHeader
	Txns   []Hash
}

// signingPayload is the header with Signature zeroed, the body every
// BlockRule.Signature check and every forger signs.
func (b *Block) signingPayload() ([]byte, error) {
	h := b.Header
	h.Signature = nil
	return rlp.EncodeToBytes(&h)
}

func (b *Block) Sign(key *ValidatorKey) error {
	payload, err := b.signingPayload()
	if err != nil {
		return fmt.Errorf("block: signing payload: %w", err)
	}
	sig, err := key.Sign(payload)
	if err != nil {
		return err
	}
	b.Header.Signature = sig
	b.Header.Creator = key.KeyHash()
	return nil
}

func (b *Block) VerifySignature(creatorDER Blob) bool {
	payload, err := b.signingPayload()
	if err != nil {
		return false
	}
	return VerifySignature(creatorDER, payload, b.Header.Signature)
}

// Hash identifies the block by its full serialized header (txn hash set is
// referenced via MerkleRoot, not included directly, so reordering Txns
// without touching the header cannot change the block's identity).
func (b *Block) Hash() Hash {
	h, err := rlp.EncodeToBytes(&b.Header)
	if err != nil {
		panic(fmt.Sprintf("block: rlp encode header for hash: %v", err))
	}
	return keccakLikeHash(h)
}

// SortedTxnSet returns txns deduplicated and sorted ascending — the
// canonical form stored on a Block and fed to MerkleRoot.
func SortedTxnSet(txns []Hash) []Hash {
	seen := make(map[Hash]struct{}, len(txns))
	out := make([]Hash, 0, len(txns))
	for _, h := range txns {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		out = append(out, h)
	}
	SortHashes(out)
	return out
}

// MerkleRoot computes a deterministic root over a sorted txn-hash set: the
// set is already ordered by SortedTxnSet, so insertion order never affects
// the result (§8 property 2).
func MerkleRoot(txns []Hash) Hash {
	sorted := SortedTxnSet(txns)
	if len(sorted) == 0 {
		return ZeroHash
	}
	level := make([]Hash, len(sorted))
	copy(level, sorted)
	for len(level) > 1 {
		next := make([]Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				// odd node out: duplicate it, the standard Merkle-tree fixup
				next = append(next, pairHash(level[i], level[i]))
			} else {
				next = append(next, pairHash(level[i], level[i+1]))
			}
		}
		level = next
	}
	return level[0]
}

func pairHash(a, b Hash) Hash {
	buf := make([]byte, 0, 64)
	buf = append(buf, a[:]...)
	buf = append(buf, b[:]...)
	return keccakLikeHash(buf)
}

func (b *Block) Encode() (Blob, error) {
	raw, err := rlp.EncodeToBytes(b)
	return Blob(raw), err
}

func DecodeBlock(b Blob) (*Block, error) {
	var blk Block
	if err := rlp.DecodeBytes(b, &blk); err != nil {
		return nil, fmt.Errorf("deserialize block: %w", err)
	}
	return &blk, nil
}
