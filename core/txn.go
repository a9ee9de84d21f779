package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Txn is a client-signed request to apply a Mutation to network state.
type Txn struct {
	Timestamp Time
	Creator   KeyHash
	Mutation  Mutation
	Signature Blob
}

// signingPayload returns timestamp ∥ creator ∥ serialized(mutation), the
// exact byte string the signature covers (§3).
func (t *Txn) signingPayload() ([]byte, error) {
	mutBytes, err := rlp.EncodeToBytes(&t.Mutation)
	if err != nil {
		return nil, fmt.Errorf("txn: encode mutation: %w", err)
	}
	type payload struct {
		Timestamp int64
		Creator   KeyHash
		Mutation  []byte
	}
	return rlp.EncodeToBytes(&payload{
		Timestamp: int64(t.Timestamp),
		Creator:   t.Creator,
		Mutation:  mutBytes,
	})
}

// Sign fills t.Signature using key, which must hash (via KeyHash) to
// t.Creator.
func (t *Txn) Sign(key *ValidatorKey) error {
	if key.KeyHash() != t.Creator {
		return fmt.Errorf("txn: signing key does not match creator")
	}
	payload, err := t.signingPayload()
	if err != nil {
		return err
	}
	sig, err := key.Sign(payload)
	if err != nil {
		return err
	}
	t.Signature = sig
	return nil
}

// VerifySignature checks t.Signature against creatorDER, which callers
// must first have confirmed hashes to t.Creator.
func (t *Txn) VerifySignature(creatorDER Blob) bool {
	payload, err := t.signingPayload()
	if err != nil {
		return false
	}
	return VerifySignature(creatorDER, payload, t.Signature)
}

// Hash computes the txn's identifier over its full serialized struct,
// signature included (§3).
func (t *Txn) Hash() Hash {
	b, err := rlp.EncodeToBytes(t)
	if err != nil {
		panic(fmt.Sprintf("txn: rlp encode for hash: %v", err))
	}
	return keccakLikeHash(b)
}

func (t *Txn) Encode() (Blob, error) {
	b, err := rlp.EncodeToBytes(t)
	return Blob(b), err
}

func DecodeTxn(b Blob) (*Txn, error) {
	var t Txn
	if err := rlp.DecodeBytes(b, &t); err != nil {
		return nil, fmt.Errorf("deserialize txn: %w", err)
	}
	return &t, nil
}
