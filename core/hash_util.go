package core

import "golang.org/x/crypto/sha3"

// keccakLikeHash is the single hash function used to turn serialized bytes
// into a Hash throughout the package: block/txn identifiers, merkle nodes,
// and state-root digests all go through this one function so changing the
// hash primitive is a one-line edit.
func keccakLikeHash(b []byte) Hash {
	return Hash(sha3.Sum256(b))
}
