package core

import "testing"

func TestChangeIdentityKeyIgnoresPayload(t *testing.T) {
	a := Change{Kind: ChangeSetValue, Key: "k1", Value: []byte("v1")}
	b := Change{Kind: ChangeSetValue, Key: "k1", Value: []byte("v2")}
	if !a.Equal(b) {
		t.Fatalf("changes with the same key should be equal regardless of value")
	}
	c := Change{Kind: ChangeSetValue, Key: "k2", Value: []byte("v1")}
	if a.Equal(c) {
		t.Fatalf("changes with different keys should not be equal")
	}
}

func TestChangeIdentityKeyDistinguishesKinds(t *testing.T) {
	a := Change{Kind: ChangeSetValue, Key: "x"}
	b := Change{Kind: ChangeAdmin, Key: "x"}
	if a.Equal(b) {
		t.Fatalf("same key but different kind should not be equal")
	}
}

func TestChangeRLPRoundTrip(t *testing.T) {
	want := Change{
		Kind:       ChangeTransfer,
		From:       KeyHash{0x01},
		Recipients: map[KeyHash]uint64{{0x02}: 10, {0x03}: 20},
	}
	enc, err := rlpEncodeMutation(NewMutation(want))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := rlpDecodeMutation(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Len() != 1 {
		t.Fatalf("expected 1 change, got %d", got.Len())
	}
	c := got.Changes[0]
	if c.Kind != ChangeTransfer || c.From != want.From {
		t.Fatalf("round trip mismatch: %+v", c)
	}
	if len(c.Recipients) != 2 || c.Recipients[KeyHash{0x02}] != 10 || c.Recipients[KeyHash{0x03}] != 20 {
		t.Fatalf("recipients mismatch: %+v", c.Recipients)
	}
}

func TestChangeRLPRoundTripPlotEvent(t *testing.T) {
	want := Change{
		Kind:     ChangePlotEvent,
		PlotFrom: PlotID{X: 1, Y: 2},
		PlotTo:   []PlotID{{X: 3, Y: 4}, {X: 5, Y: 6}},
		Tick:     7,
	}
	enc, err := rlpEncodeMutation(NewMutation(want))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := rlpDecodeMutation(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	c := got.Changes[0]
	if len(c.PlotTo) != 2 || c.PlotTo[0] != want.PlotTo[0] || c.PlotTo[1] != want.PlotTo[1] {
		t.Fatalf("plot-to mismatch: %+v", c.PlotTo)
	}
}

func TestMutationMergeConcatenatesChanges(t *testing.T) {
	a := NewMutation(Change{Kind: ChangeSetValue, Key: "a"})
	b := NewMutation(Change{Kind: ChangeSetValue, Key: "b"})
	merged := a.Merge(b)
	if merged.Len() != 2 {
		t.Fatalf("expected 2 changes, got %d", merged.Len())
	}
}

func TestMutationMergeContraMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic merging a contra with a non-contra mutation")
		}
	}()
	a := NewMutation(Change{Kind: ChangeSetValue, Key: "a"}).AsContra()
	b := NewMutation(Change{Kind: ChangeSetValue, Key: "b"})
	a.Merge(b)
}

func TestMutationAssertContraPanicsOnMismatch(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected a panic on contra mismatch")
		}
	}()
	m := NewMutation(Change{Kind: ChangeSetValue, Key: "a"})
	m.AssertContra(true)
}

func TestMutationAsContraPreservesChanges(t *testing.T) {
	m := NewMutation(Change{Kind: ChangeSetValue, Key: "a"})
	contra := m.AsContra()
	if !contra.Contra {
		t.Fatalf("expected contra flag set")
	}
	if contra.Len() != m.Len() {
		t.Fatalf("AsContra should preserve changes")
	}
}

func TestMutationIsEmpty(t *testing.T) {
	var m Mutation
	if !m.IsEmpty() {
		t.Fatalf("zero-value mutation should be empty")
	}
	m = NewMutation(Change{Kind: ChangeSetValue, Key: "a"})
	if m.IsEmpty() {
		t.Fatalf("mutation with a change should not be empty")
	}
}
