package core

import "testing"

func TestTurnParityModeIsSetupTick(t *testing.T) {
	if !SetupTicks0And1.IsSetupTick(0) || !SetupTicks0And1.IsSetupTick(1) {
		t.Fatalf("SetupTicks0And1 should treat ticks 0 and 1 as setup")
	}
	if SetupTicks0And1.IsSetupTick(2) {
		t.Fatalf("SetupTicks0And1 should not treat tick 2 as setup")
	}
	if !SetupTick0Only.IsSetupTick(0) {
		t.Fatalf("SetupTick0Only should treat tick 0 as setup")
	}
	if SetupTick0Only.IsSetupTick(1) {
		t.Fatalf("SetupTick0Only should not treat tick 1 as setup")
	}
}

func TestTxnRuleAdminCheckRejectsNonAdminAdminChange(t *testing.T) {
	admin := KeyHash{0x01}
	other := KeyHash{0x02}
	txn := &Txn{Creator: other, Mutation: NewMutation(Change{Kind: ChangeAdmin, Key: "k", Value: []byte("v")})}
	if err := (txnRuleAdminCheck{}).IsValid(nil, txn, admin); err == nil {
		t.Fatalf("expected an Admin change from a non-admin creator to be rejected")
	}
	txn.Creator = admin
	if err := (txnRuleAdminCheck{}).IsValid(nil, txn, admin); err != nil {
		t.Fatalf("expected an Admin change from the admin creator to be accepted, got %v", err)
	}
}

func TestTxnRuleNewValidatorRejectsNonAdmin(t *testing.T) {
	admin := KeyHash{0x01}
	other := KeyHash{0x02}
	txn := &Txn{Creator: other, Mutation: NewMutation(Change{Kind: ChangeNewValidator, ValidatorDER: Blob("der")})}
	if err := (txnRuleNewValidator{}).IsValid(nil, txn, admin); err == nil {
		t.Fatalf("expected a NewValidator change from a non-admin creator to be rejected")
	}
}

func TestTxnRuleDuplicatesRejectsRepeatedNewValidator(t *testing.T) {
	der := Blob("der")
	txn := &Txn{Mutation: NewMutation(
		Change{Kind: ChangeNewValidator, ValidatorDER: der},
		Change{Kind: ChangeNewValidator, ValidatorDER: der},
	)}
	if err := (txnRuleDuplicates{}).IsValid(nil, txn, KeyHash{}); err == nil {
		t.Fatalf("expected duplicate NewValidator changes within a txn to be rejected")
	}
}

func TestTxnRuleDuplicatesAllowsRepeatedSetValue(t *testing.T) {
	txn := &Txn{Mutation: NewMutation(
		Change{Kind: ChangeSetValue, Key: "k", Value: []byte("a")},
		Change{Kind: ChangeSetValue, Key: "k", Value: []byte("b")},
	)}
	if err := (txnRuleDuplicates{}).IsValid(nil, txn, KeyHash{}); err != nil {
		t.Fatalf("txnRuleDuplicates should only police NewValidator/PlotEvent, got %v", err)
	}
}

func TestMutationRuleDuplicatesRejectsCrossTxnCollision(t *testing.T) {
	changes := []ChangeAuthor{
		{Change: Change{Kind: ChangeSetValue, Key: "k"}, Author: KeyHash{0x01}},
		{Change: Change{Kind: ChangeSetValue, Key: "k"}, Author: KeyHash{0x02}},
	}
	if err := (mutationRuleDuplicates{}).IsValid(nil, changes, KeyHash{}); err == nil {
		t.Fatalf("expected two changes targeting the same key across different txns to collide")
	}
}

func TestMutationRulePlotEventRejectsSelfRecipient(t *testing.T) {
	origin := PlotID{X: 1, Y: 1}
	changes := []ChangeAuthor{{Change: Change{Kind: ChangePlotEvent, PlotFrom: origin, PlotTo: []PlotID{origin}}}}
	if err := (mutationRulePlotEvent{}).IsValid(nil, changes, KeyHash{}); err == nil {
		t.Fatalf("expected a plot event naming its own origin as a recipient to be rejected")
	}
}

func TestMutationRuleSharesRejectsWrongSigner(t *testing.T) {
	_, state, _ := newTestState(t)
	sender := KeyHash{0x01}
	impostor := KeyHash{0x02}
	admin := KeyHash{0x03}
	changes := []ChangeAuthor{{
		Change: Change{Kind: ChangeTransfer, From: sender, Recipients: map[KeyHash]uint64{{0x04}: 1}},
		Author: impostor,
	}}
	if err := (mutationRuleShares{}).IsValid(state, changes, admin); err == nil {
		t.Fatalf("expected a transfer authored by someone other than From (or admin) to be rejected")
	}
}

func TestMutationRuleSharesAllowsAdminAuthoredTransfer(t *testing.T) {
	store := openTestStore(t)
	sender := KeyHash{0x01}
	admin := KeyHash{0x03}
	if err := store.Put(KeyValidatorStake(sender), heightToBytes(100)); err != nil {
		t.Fatalf("seed stake: %v", err)
	}
	snap, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	defer snap.Release()
	state := NewDBState(NewDBDiff(), snap)
	changes := []ChangeAuthor{{
		Change: Change{Kind: ChangeTransfer, From: sender, Recipients: map[KeyHash]uint64{{0x04}: 10}},
		Author: admin,
	}}
	if err := (mutationRuleShares{}).IsValid(state, changes, admin); err != nil {
		t.Fatalf("expected a transfer authored by the admin to be accepted regardless of From, got %v", err)
	}
}

func TestBlockRuleMerkleRootRejectsMismatch(t *testing.T) {
	block := &Block{Header: BlockHeader{MerkleRoot: Hash{0x01}}, Txns: []Hash{{0x02}}}
	if err := (blockRuleMerkleRoot{}).IsValid(nil, nil, block, nil); err == nil {
		t.Fatalf("expected a merkle root not matching the txn set to be rejected")
	}
	block.Header.MerkleRoot = MerkleRoot(block.Txns)
	if err := (blockRuleMerkleRoot{}).IsValid(nil, nil, block, nil); err != nil {
		t.Fatalf("expected a correct merkle root to pass, got %v", err)
	}
}

func TestBlockRuleTimeStampRejectsBeforePrev(t *testing.T) {
	prev := &BlockHeader{Timestamp: Time(1000)}
	block := &Block{Header: BlockHeader{Timestamp: Time(500)}}
	if err := (blockRuleTimeStamp{}).IsValid(nil, prev, block, nil); err == nil {
		t.Fatalf("expected a block timestamped before its parent to be rejected")
	}
}

func TestBlockRuleTimeStampRejectsFuture(t *testing.T) {
	block := &Block{Header: BlockHeader{Timestamp: Now().Add(1 << 40)}}
	if err := (blockRuleTimeStamp{}).IsValid(nil, nil, block, nil); err == nil {
		t.Fatalf("expected a far-future block timestamp to be rejected")
	}
}
