package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// Mutation is an ordered sequence of Changes plus a "contra" flag
// distinguishing a forward mutation from its inverse (§3, §9 "Design
// Notes: contra-mutations"). A contra is itself a Mutation with Contra set;
// the same application path is used for both, and every application site
// asserts the flag matches its expectation to catch programmer error.
type Mutation struct {
	Changes []Change
	Contra  bool
}

func NewMutation(changes ...Change) Mutation {
	return Mutation{Changes: changes}
}

// AsContra returns a copy of m with the contra flag forced on; used when
// building the inverse mutation recorded against ContraMut(block).
func (m Mutation) AsContra() Mutation {
	return Mutation{Changes: m.Changes, Contra: true}
}

// Merge concatenates two mutations. Merging a contra with a non-contra
// mutation is a programmer error (§3: "equality of contras with normal
// mutations is forbidden by invariant") and panics rather than silently
// producing a mutation whose application order would be ambiguous.
func (m Mutation) Merge(o Mutation) Mutation {
	if m.Contra != o.Contra && len(m.Changes) > 0 && len(o.Changes) > 0 {
		panic("mutation: cannot merge a contra mutation with a non-contra mutation")
	}
	out := Mutation{Contra: m.Contra || o.Contra}
	out.Changes = append(out.Changes, m.Changes...)
	out.Changes = append(out.Changes, o.Changes...)
	return out
}

func (m Mutation) Len() int { return len(m.Changes) }

func (m Mutation) IsEmpty() bool { return len(m.Changes) == 0 }

// AssertContra panics if m's contra flag doesn't match want. Called at every
// mutation-application site per §9's "assert the flag on every application
// site to catch programmer errors".
func (m Mutation) AssertContra(want bool) {
	if m.Contra != want {
		panic(fmt.Sprintf("mutation: expected contra=%v, got contra=%v", want, m.Contra))
	}
}

func rlpEncodeMutation(m Mutation) (Blob, error) {
	b, err := rlp.EncodeToBytes(&m)
	return Blob(b), err
}

func rlpDecodeMutation(b Blob) (Mutation, error) {
	var m Mutation
	if err := rlp.DecodeBytes(b, &m); err != nil {
		return Mutation{}, NewDeserializeError("mutation", err)
	}
	return m, nil
}
