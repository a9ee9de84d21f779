package core

import "testing"

func TestBlockPackagePackUnpackRoundTrip(t *testing.T) {
	rk, key := newTestRecordKeeper(t)
	txn := signedTxn(t, key, Change{Kind: ChangeSetValue, Key: "k", Value: []byte("v")})
	if err := rk.AddPendingTxn(txn, true); err != nil {
		t.Fatalf("AddPendingTxn: %v", err)
	}
	block, err := rk.CreateBlock()
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	if err := block.Sign(key); err != nil {
		t.Fatalf("sign block: %v", err)
	}
	if _, err := rk.AddBlock(block, true); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}

	pkg, lastHash, err := rk.GetBlocksBetween(ZeroHash, block.Hash(), 1<<20)
	if err != nil {
		t.Fatalf("GetBlocksBetween: %v", err)
	}
	if lastHash != block.Hash() {
		t.Fatalf("expected last hash to be the new block, got %x", lastHash)
	}
	if len(pkg.Blocks) != 1 || len(pkg.Txns) != 1 {
		t.Fatalf("expected 1 block and 1 txn in the package, got %d/%d", len(pkg.Blocks), len(pkg.Txns))
	}

	zipped, err := pkg.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	unpacked, unpackedLast, err := UnpackBlockPackage(zipped)
	if err != nil {
		t.Fatalf("UnpackBlockPackage: %v", err)
	}
	if unpackedLast != block.Hash() {
		t.Fatalf("expected unpacked last hash to match, got %x", unpackedLast)
	}
	blocks, err := unpacked.ToBlocks()
	if err != nil {
		t.Fatalf("ToBlocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0].Hash() != block.Hash() {
		t.Fatalf("expected reconstituted block to match original")
	}
}

func TestBlockPackageEmptyWhenLastKnownEqualsTarget(t *testing.T) {
	rk, _ := newTestRecordKeeper(t)
	pkg, last, err := rk.GetBlocksBetween(ZeroHash, ZeroHash, 1<<20)
	if err != nil {
		t.Fatalf("GetBlocksBetween: %v", err)
	}
	if last != ZeroHash || len(pkg.Blocks) != 0 {
		t.Fatalf("expected an empty package, got %+v", pkg)
	}
}

func TestImportPkgAppliesBlocksInOrder(t *testing.T) {
	rk1, key := newTestRecordKeeper(t)
	txn := signedTxn(t, key, Change{Kind: ChangeSetValue, Key: "k", Value: []byte("v")})
	if err := rk1.AddPendingTxn(txn, true); err != nil {
		t.Fatalf("AddPendingTxn: %v", err)
	}
	block, err := rk1.CreateBlock()
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	if err := block.Sign(key); err != nil {
		t.Fatalf("sign block: %v", err)
	}
	if _, err := rk1.AddBlock(block, true); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	pkg, _, err := rk1.GetBlocksBetween(ZeroHash, block.Hash(), 1<<20)
	if err != nil {
		t.Fatalf("GetBlocksBetween: %v", err)
	}

	rk2, _ := newTestRecordKeeper(t)
	// rk2 needs the same validator registered for the block/txn signatures
	// to verify; newTestRecordKeeper seeds a different random validator per
	// call, so register key's DER directly on rk2's backing store too.
	if err := seedValidator(rk2, key); err != nil {
		t.Fatalf("seed rk2 validator: %v", err)
	}

	if err := rk2.ImportPkg(pkg); err != nil {
		t.Fatalf("ImportPkg: %v", err)
	}
	head, height := rk2.CurrentHead()
	if head != block.Hash() || height != 0 {
		t.Fatalf("expected rk2 head to match imported block, got %x height %d", head, height)
	}
}

func seedValidator(rk *RecordKeeper, key *ValidatorKey) error {
	return rk.store.Put(KeyValidatorKey(key.KeyHash()), key.PublicKeyDER().Bytes())
}
