package core

import "testing"

func newTestState(t *testing.T, seeds ...func(*BoltKVStore)) (*DBDiff, *DBState, *BoltKVStore) {
	t.Helper()
	store := openTestStore(t)
	for _, seed := range seeds {
		seed(store)
	}
	snap, err := store.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	t.Cleanup(snap.Release)
	diff := NewDBDiff()
	return diff, NewDBState(diff, snap), store
}

func TestApplyMutationSetValueThenContraRestores(t *testing.T) {
	diff, state, _ := newTestState(t, func(store *BoltKVStore) {
		if err := store.Put(KeyGeneric("k"), []byte("original")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	})

	m := NewMutation(Change{Kind: ChangeSetValue, Key: "k", Value: []byte("updated")})
	contra, err := buildContra(state, m)
	if err != nil {
		t.Fatalf("buildContra: %v", err)
	}
	if contra.Changes[0].Kind != ChangeSetValue || string(contra.Changes[0].Value) != "original" {
		t.Fatalf("expected contra to carry the original value, got %+v", contra.Changes[0])
	}

	if err := applyMutation(diff, state, m); err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	v, err := state.Get(KeyGeneric("k"))
	if err != nil || string(v) != "updated" {
		t.Fatalf("expected updated value, got %q err %v", v, err)
	}

	if err := applyMutation(diff, state, contra); err != nil {
		t.Fatalf("applyMutation(contra): %v", err)
	}
	v, err = state.Get(KeyGeneric("k"))
	if err != nil || string(v) != "original" {
		t.Fatalf("expected contra to restore the original value, got %q err %v", v, err)
	}
}

func TestApplyMutationNewValidatorContraRemoves(t *testing.T) {
	diff, state, _ := newTestState(t)
	der := Blob("fake-der")
	kh := KeyHashOf(der)

	m := NewMutation(Change{Kind: ChangeNewValidator, ValidatorDER: der})
	if err := applyMutation(diff, state, m); err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	if v, err := state.Get(KeyValidatorKey(kh)); err != nil || string(v) != "fake-der" {
		t.Fatalf("expected validator key registered, got %q err %v", v, err)
	}

	contra := m.AsContra()
	if err := applyMutation(diff, state, contra); err != nil {
		t.Fatalf("applyMutation(contra): %v", err)
	}
	if _, err := state.Get(KeyValidatorKey(kh)); err != ErrNotFound {
		t.Fatalf("expected validator key removed by contra, got err %v", err)
	}
}

func TestApplyTransferMovesStakeAndContraReverses(t *testing.T) {
	sender := KeyHash{0x01}
	recipient := KeyHash{0x02}
	diff, state, _ := newTestState(t, func(store *BoltKVStore) {
		if err := store.Put(KeyValidatorStake(sender), heightToBytes(100)); err != nil {
			t.Fatalf("seed sender stake: %v", err)
		}
	})

	m := NewMutation(Change{Kind: ChangeTransfer, From: sender, Recipients: map[KeyHash]uint64{recipient: 30}})
	if err := applyMutation(diff, state, m); err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	senderStake, _ := state.Get(KeyValidatorStake(sender))
	recipStake, _ := state.Get(KeyValidatorStake(recipient))
	sv, _ := heightFromBytes(senderStake)
	rv, _ := heightFromBytes(recipStake)
	if sv != 70 {
		t.Fatalf("expected sender stake 70, got %d", sv)
	}
	if rv != 30 {
		t.Fatalf("expected recipient stake 30, got %d", rv)
	}

	contra := m.AsContra()
	if err := applyMutation(diff, state, contra); err != nil {
		t.Fatalf("applyMutation(contra): %v", err)
	}
	senderStake2, _ := state.Get(KeyValidatorStake(sender))
	recipStake2, _ := state.Get(KeyValidatorStake(recipient))
	sv2, _ := heightFromBytes(senderStake2)
	rv2, _ := heightFromBytes(recipStake2)
	if sv2 != 100 {
		t.Fatalf("expected sender stake restored to 100, got %d", sv2)
	}
	if rv2 != 0 {
		t.Fatalf("expected recipient stake restored to 0, got %d", rv2)
	}
}

func TestApplyTransferRejectsNegativeStake(t *testing.T) {
	diff, state, _ := newTestState(t)
	sender := KeyHash{0x03}
	recipient := KeyHash{0x04}
	m := NewMutation(Change{Kind: ChangeTransfer, From: sender, Recipients: map[KeyHash]uint64{recipient: 50}})
	if err := applyMutation(diff, state, m); err == nil {
		t.Fatalf("expected transfer from a zero-stake sender to fail")
	}
}

func TestApplyChangeAddEventThenContraRemoves(t *testing.T) {
	diff, state, _ := newTestState(t)
	plot := PlotID{X: 1, Y: 2}
	m := NewMutation(Change{Kind: ChangeAddEvent, Plot: plot, Tick: 5, Event: Blob("ev")})
	if err := applyMutation(diff, state, m); err != nil {
		t.Fatalf("applyMutation: %v", err)
	}
	if len(diff.additive) != 1 {
		t.Fatalf("expected 1 additive entry, got %d", len(diff.additive))
	}

	contra := m.AsContra()
	if err := applyMutation(diff, state, contra); err != nil {
		t.Fatalf("applyMutation(contra): %v", err)
	}
	if len(diff.additive) != 0 || len(diff.subtractive) != 0 {
		t.Fatalf("expected the addition to be cancelled by its contra removal")
	}
}

func TestBuildContraReadsPriorValuesFromPreMutationStateForSameKey(t *testing.T) {
	_, state, _ := newTestState(t, func(store *BoltKVStore) {
		if err := store.Put(KeyGeneric("k"), []byte("v0")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	})
	m := NewMutation(
		Change{Kind: ChangeSetValue, Key: "k", Value: []byte("v1")},
		Change{Kind: ChangeSetValue, Key: "k", Value: []byte("v2")},
	)
	contra, err := buildContra(state, m)
	if err != nil {
		t.Fatalf("buildContra: %v", err)
	}
	if len(contra.Changes) != 2 {
		t.Fatalf("expected 2 contra changes, got %d", len(contra.Changes))
	}
	// buildContra reads every prior value against the same pre-mutation
	// state snapshot (it runs before applyMutation), so both entries
	// restore the value that was in state before the mutation touched it.
	if string(contra.Changes[0].Value) != "v0" || string(contra.Changes[1].Value) != "v0" {
		t.Fatalf("expected both contra changes to restore v0, got %q and %q",
			contra.Changes[0].Value, contra.Changes[1].Value)
	}
}
