package core

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestRecordKeeper(t *testing.T) (*RecordKeeper, *ValidatorKey) {
	t.Helper()
	store, err := OpenBoltKVStore(filepath.Join(t.TempDir(), "rk.db"))
	if err != nil {
		t.Fatalf("OpenBoltKVStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key, err := GenerateValidatorKey()
	if err != nil {
		t.Fatalf("GenerateValidatorKey: %v", err)
	}
	if err := store.Put(KeyValidatorKey(key.KeyHash()), key.PublicKeyDER().Bytes()); err != nil {
		t.Fatalf("seed validator key: %v", err)
	}

	rk, err := NewRecordKeeper(RecordKeeperParams{
		Store:      store,
		AdminKeyID: key.KeyHash(),
	})
	if err != nil {
		t.Fatalf("NewRecordKeeper: %v", err)
	}
	return rk, key
}

func signedTxn(t *testing.T, key *ValidatorKey, changes ...Change) *Txn {
	t.Helper()
	txn := &Txn{
		Timestamp: Now(),
		Creator:   key.KeyHash(),
		Mutation:  NewMutation(changes...),
	}
	if err := txn.Sign(key); err != nil {
		t.Fatalf("sign txn: %v", err)
	}
	return txn
}

func signedBlock(t *testing.T, key *ValidatorKey, prev Hash, txns []Hash) *Block {
	t.Helper()
	block := &Block{
		Header: BlockHeader{
			Version:    1,
			Timestamp:  Now(),
			Prev:       prev,
			MerkleRoot: MerkleRoot(txns),
		},
		Txns: SortedTxnSet(txns),
	}
	if err := block.Sign(key); err != nil {
		t.Fatalf("sign block: %v", err)
	}
	return block
}

func TestRecordKeeperAddPendingTxnThenCreateBlock(t *testing.T) {
	rk, key := newTestRecordKeeper(t)

	txn := signedTxn(t, key, Change{Kind: ChangeSetValue, Key: "k", Value: []byte("v")})
	if err := rk.AddPendingTxn(txn, true); err != nil {
		t.Fatalf("AddPendingTxn: %v", err)
	}
	if rk.PendingCount() != 1 {
		t.Fatalf("expected 1 pending txn, got %d", rk.PendingCount())
	}

	block, err := rk.CreateBlock()
	if err != nil {
		t.Fatalf("CreateBlock: %v", err)
	}
	if len(block.Txns) != 1 || block.Txns[0] != txn.Hash() {
		t.Fatalf("expected block to include the pending txn, got %+v", block.Txns)
	}
}

func TestRecordKeeperAddPendingTxnRejectsDuplicate(t *testing.T) {
	rk, key := newTestRecordKeeper(t)
	txn := signedTxn(t, key, Change{Kind: ChangeSetValue, Key: "k", Value: []byte("v")})
	if err := rk.AddPendingTxn(txn, true); err != nil {
		t.Fatalf("first AddPendingTxn: %v", err)
	}
	if err := rk.AddPendingTxn(txn, true); err == nil {
		t.Fatalf("expected duplicate pending txn to be rejected")
	}
}

func TestRecordKeeperAddBlockCommitsForward(t *testing.T) {
	rk, key := newTestRecordKeeper(t)
	txn := signedTxn(t, key, Change{Kind: ChangeSetValue, Key: "k", Value: []byte("v1")})
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

	added, err := rk.AddBlock(block, true)
	if err != nil {
		t.Fatalf("AddBlock: %v", err)
	}
	if !added {
		t.Fatalf("expected block to be newly added")
	}

	head, height := rk.CurrentHead()
	if head != block.Hash() || height != 0 {
		t.Fatalf("expected head to be the new block at height 0, got %x height %d", head, height)
	}
	if rk.PendingCount() != 0 {
		t.Fatalf("expected mempool to be cleared after commit, got %d", rk.PendingCount())
	}

	again, err := rk.AddBlock(block, true)
	if err != nil {
		t.Fatalf("re-adding the same block should not error: %v", err)
	}
	if again {
		t.Fatalf("re-adding an already-known block should report added=false")
	}
}

func TestRecordKeeperAddBlockRejectsMissingPrevious(t *testing.T) {
	rk, key := newTestRecordKeeper(t)
	block := signedBlock(t, key, Hash{0xAA}, nil)
	if _, err := rk.AddBlock(block, true); err == nil {
		t.Fatalf("expected MissingPrevious error for an orphan block")
	}
}

func TestRecordKeeperStepBackUndoesMutation(t *testing.T) {
	rk, key := newTestRecordKeeper(t)
	txn := signedTxn(t, key, Change{Kind: ChangeSetValue, Key: "k", Value: []byte("v1")})
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

	if err := rk.StepBack(); err != nil {
		t.Fatalf("StepBack: %v", err)
	}
	head, height := rk.CurrentHead()
	if !head.IsZero() || height != 0 {
		t.Fatalf("expected head to return to the origin, got %x height %d", head, height)
	}
}

func TestRecordKeeperIsBlockInCurrentChain(t *testing.T) {
	rk, key := newTestRecordKeeper(t)
	block := signedBlock(t, key, ZeroHash, nil)
	if _, err := rk.AddBlock(block, true); err != nil {
		t.Fatalf("AddBlock: %v", err)
	}

	ok, err := rk.IsBlockInCurrentChain(block.Hash())
	if err != nil || !ok {
		t.Fatalf("expected committed block to be in current chain, ok=%v err=%v", ok, err)
	}
	ok, err = rk.IsBlockInCurrentChain(Hash{0xFF})
	if err != nil || ok {
		t.Fatalf("expected unknown hash to not be in current chain, ok=%v err=%v", ok, err)
	}
}

func TestRecordKeeperAddBlockOnNonZeroPrevDoesNotDeadlock(t *testing.T) {
	rk, key := newTestRecordKeeper(t)

	first := signedBlock(t, key, ZeroHash, nil)
	if _, err := rk.AddBlock(first, true); err != nil {
		t.Fatalf("AddBlock first: %v", err)
	}

	second := signedBlock(t, key, first.Hash(), nil)
	done := make(chan error, 1)
	go func() { done <- func() (err error) { _, err = rk.AddBlock(second, true); return }() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("AddBlock second: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("AddBlock on a block with Prev != ZeroHash deadlocked")
	}

	_, height := rk.CurrentHead()
	if height != 1 {
		t.Fatalf("expected height 1 after stacking a second block, got %d", height)
	}
}

func TestRecordKeeperAddPendingTxnRejectsOverBudget(t *testing.T) {
	store, err := OpenBoltKVStore(filepath.Join(t.TempDir(), "rk.db"))
	if err != nil {
		t.Fatalf("OpenBoltKVStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	key, err := GenerateValidatorKey()
	if err != nil {
		t.Fatalf("GenerateValidatorKey: %v", err)
	}
	if err := store.Put(KeyValidatorKey(key.KeyHash()), key.PublicKeyDER().Bytes()); err != nil {
		t.Fatalf("seed validator key: %v", err)
	}
	rk, err := NewRecordKeeper(RecordKeeperParams{
		Store:              store,
		AdminKeyID:         key.KeyHash(),
		MempoolBudgetBytes: 1,
	})
	if err != nil {
		t.Fatalf("NewRecordKeeper: %v", err)
	}

	txn := signedTxn(t, key, Change{Kind: ChangeSetValue, Key: "k", Value: []byte("v")})
	err = rk.AddPendingTxn(txn, true)
	if err == nil {
		t.Fatalf("expected AddPendingTxn to reject a txn over the mempool budget")
	}
	var oom *OutOfMemoryError
	if !errors.As(err, &oom) {
		t.Fatalf("expected an *OutOfMemoryError, got %T: %v", err, err)
	}
}

func TestRecordKeeperAddBlockRejectsTransferBeyondStake(t *testing.T) {
	rk, key := newTestRecordKeeper(t)
	other, err := GenerateValidatorKey()
	if err != nil {
		t.Fatalf("GenerateValidatorKey: %v", err)
	}
	txn := signedTxn(t, key, Change{
		Kind:       ChangeTransfer,
		From:       key.KeyHash(),
		Recipients: map[KeyHash]uint64{other.KeyHash(): 100},
	})
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
	if _, err := rk.AddBlock(block, true); err == nil {
		t.Fatalf("expected a transfer beyond available stake to be rejected at block validation")
	}
}
