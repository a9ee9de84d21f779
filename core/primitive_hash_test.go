package core

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
)

func TestHashHexRoundTrip(t *testing.T) {
	var h Hash
	h[0] = 0xde
	h[31] = 0xef
	got, err := HashFromHex(h.Hex())
	if err != nil {
		t.Fatalf("HashFromHex: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %x want %x", got, h)
	}
}

func TestHashFromHexWrongLength(t *testing.T) {
	if _, err := HashFromHex("abcd"); err == nil {
		t.Fatalf("expected error for short hex input")
	}
}

func TestSortHashesAscending(t *testing.T) {
	a := Hash{0x01}
	b := Hash{0x02}
	c := Hash{0x03}
	hs := []Hash{c, a, b}
	SortHashes(hs)
	if hs[0] != a || hs[1] != b || hs[2] != c {
		t.Fatalf("not sorted ascending: %v", hs)
	}
}

func TestHashUint256RoundTrip(t *testing.T) {
	h := Hash{0x01, 0x02, 0x03}
	u := h.Uint256()
	back := HashFromUint256(u)
	if back != h {
		t.Fatalf("uint256 round trip mismatch: got %x want %x", back, h)
	}
}

func TestHashRLPRoundTrip(t *testing.T) {
	h := Hash{0xaa, 0xbb, 0xcc}
	var buf bytes.Buffer
	if err := rlp.Encode(&buf, h); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var got Hash
	if err := rlp.Decode(&buf, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("rlp round trip mismatch: got %x want %x", got, h)
	}
}

func TestHashCmpOrdersLikeBigEndianInteger(t *testing.T) {
	low := Hash{0x00, 0xff}
	high := Hash{0x01, 0x00}
	if low.Cmp(high) >= 0 {
		t.Fatalf("expected low < high, got Cmp=%d", low.Cmp(high))
	}
}

func TestKeyHashOfIsDeterministic(t *testing.T) {
	der := Blob("some-der-encoded-public-key")
	a := KeyHashOf(der)
	b := KeyHashOf(der)
	if a != b {
		t.Fatalf("KeyHashOf not deterministic: %x vs %x", a, b)
	}
	if a.IsZero() {
		t.Fatalf("expected non-zero key hash")
	}
}
