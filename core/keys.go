package core

import (
	"crypto/rand"
	"encoding/asn1"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // spec-mandated hash, not used for anything security-load-bearing beyond identity derivation
	"golang.org/x/crypto/sha3"
)

// ValidatorKey is a local signing identity: a secp256k1 keypair whose public
// half is exchanged (and stored) DER-wrapped, per §3/§6.
type ValidatorKey struct {
	priv *secp256k1.PrivateKey
}

// GenerateValidatorKey creates a fresh secp256k1 keypair. Persistence to
// `<workdir>/keys/<name>.pem` is the external collaborator's job (§1 scope).
func GenerateValidatorKey() (*ValidatorKey, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate validator key: %w", err)
	}
	return &ValidatorKey{priv: priv}, nil
}

func ValidatorKeyFromBytes(raw []byte) (*ValidatorKey, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("validator key: want 32 bytes, got %d", len(raw))
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return &ValidatorKey{priv: priv}, nil
}

func (k *ValidatorKey) Bytes() []byte { return k.priv.Serialize() }

// PublicKeyDER returns the DER-wrapped public key: a DER SEQUENCE holding
// the raw 33-byte compressed secp256k1 point. Go's stdlib x509 package only
// registers the NIST P-curves for ECDSA, so a minimal ASN.1 wrapper (instead
// of x509.MarshalPKIXPublicKey) is used to keep "DER" meaningful for a
// secp256k1 key.
func (k *ValidatorKey) PublicKeyDER() Blob {
	return derWrapPublicKey(k.priv.PubKey())
}

func derWrapPublicKey(pub *secp256k1.PublicKey) Blob {
	raw, err := asn1.Marshal(pub.SerializeCompressed())
	if err != nil {
		panic(fmt.Sprintf("keys: DER-wrap public key: %v", err))
	}
	return Blob(raw)
}

// ParsePublicKeyDER recovers the secp256k1 public key from its DER wrapper.
func ParsePublicKeyDER(der Blob) (*secp256k1.PublicKey, error) {
	var raw []byte
	if _, err := asn1.Unmarshal(der, &raw); err != nil {
		return nil, fmt.Errorf("parse DER public key: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return pub, nil
}

// Sign produces a deterministic (RFC6979) ECDSA signature over the SHA3-256
// digest of msg, DER-encoded.
func (k *ValidatorKey) Sign(msg []byte) (Blob, error) {
	digest := sha3.Sum256(msg)
	sig := ecdsa.Sign(k.priv, digest[:])
	return Blob(sig.Serialize()), nil
}

// VerifySignature checks a DER-wrapped public key's signature over msg.
func VerifySignature(pubDER Blob, msg []byte, sig Blob) bool {
	pub, err := ParsePublicKeyDER(pubDER)
	if err != nil {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	digest := sha3.Sum256(msg)
	return parsed.Verify(digest[:], pub)
}

// KeyHashOf derives a validator identity from its DER-wrapped public key:
// RIPEMD160(SHA3-256(der)), exactly as §3 specifies.
func KeyHashOf(der Blob) KeyHash {
	s := sha3.Sum256(der)
	r := ripemd160.New()
	r.Write(s[:])
	sum := r.Sum(nil)
	var kh KeyHash
	copy(kh[:], sum)
	return kh
}

// KeyHash returns this key's own validator identity.
func (k *ValidatorKey) KeyHash() KeyHash {
	return KeyHashOf(k.PublicKeyDER())
}

func randomNonce(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
