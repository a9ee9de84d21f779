package core

import (
	"fmt"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
)

// ChangeKind tags the variant carried by a Change.
type ChangeKind uint8

const (
	ChangeSetValue ChangeKind = iota
	ChangeAddEvent
	ChangeNewValidator
	ChangeTransfer
	ChangeAdmin
	ChangePlotEvent
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeSetValue:
		return "SetValue"
	case ChangeAddEvent:
		return "AddEvent"
	case ChangeNewValidator:
		return "NewValidator"
	case ChangeTransfer:
		return "Transfer"
	case ChangeAdmin:
		return "Admin"
	case ChangePlotEvent:
		return "PlotEvent"
	default:
		return fmt.Sprintf("ChangeKind(%d)", uint8(k))
	}
}

// Change is a tagged variant over the mutation primitives the rule engine
// and the network keyspace understand. Only one of the payload fields is
// populated depending on Kind; the others are left at their zero value.
//
// Equality and hashing are defined over the "key-like identifier" only
// (§3): Value/Supp on SetValue and AddEvent's event bytes are excluded, so
// two changes that touch the same key/plot/validator/sender collide for deduplication purposes even if their payload differs.
type Change struct {
	Kind ChangeKind

	// SetValue
	Key   string
	Value []byte
	Supp  []byte

	// AddEvent
	Plot  PlotID
	Tick  uint64
	Event Blob

	// NewValidator
	ValidatorDER Blob

	// Transfer
	From       KeyHash
	Recipients map[KeyHash]uint64

	// Admin reuses Key/Value

	// PlotEvent
	PlotFrom PlotID
	PlotTo   []PlotID
}

// IdentityKey returns the byte string that equality/hashing compare, per
// §3's "Changes are equal iff their key-like identifier matches".
func (c Change) IdentityKey() string {
	switch c.Kind {
	case ChangeSetValue, ChangeAdmin:
		return fmt.Sprintf("%d:%s", c.Kind, c.Key)
	case ChangeAddEvent:
		return fmt.Sprintf("%d:%s:%d", c.Kind, c.Plot, c.Tick)
	case ChangeNewValidator:
		return fmt.Sprintf("%d:%x", c.Kind, KeyHashOf(c.ValidatorDER))
	case ChangeTransfer:
		return fmt.Sprintf("%d:%s", c.Kind, c.From.Hex())
	case ChangePlotEvent:
		return fmt.Sprintf("%d:%s:%d", c.Kind, c.PlotFrom, c.Tick)
	default:
		return fmt.Sprintf("%d:?", c.Kind)
	}
}

func (c Change) Equal(o Change) bool {
	return c.Kind == o.Kind && c.IdentityKey() == o.IdentityKey()
}

// rlpChange is the wire-shape of Change: a flat struct so RLP (which has no
// native sum-type support) can encode every variant uniformly.
type rlpChange struct {
	Kind         uint8
	Key          string
	Value        []byte
	Supp         []byte
	PlotX, PlotY int32
	Tick         uint64
	Event        []byte
	ValidatorDER []byte
	From         KeyHash
	RecipKeys    []KeyHash
	RecipAmts    []uint64
	ToX, ToY     []int32
}

func (c Change) EncodeRLP(w io.Writer) error {
	r := rlpChange{
		Kind:         uint8(c.Kind),
		Key:          c.Key,
		Value:        c.Value,
		Supp:         c.Supp,
		PlotX:        c.Plot.X,
		PlotY:        c.Plot.Y,
		Tick:         c.Tick,
		Event:        c.Event,
		ValidatorDER: c.ValidatorDER,
		From:         c.From,
	}
	recipKeys := make([]KeyHash, 0, len(c.Recipients))
	for kh := range c.Recipients {
		recipKeys = append(recipKeys, kh)
	}
	sort.Slice(recipKeys, func(i, j int) bool { return recipKeys[i].Cmp(recipKeys[j]) < 0 })
	for _, kh := range recipKeys {
		r.RecipKeys = append(r.RecipKeys, kh)
		r.RecipAmts = append(r.RecipAmts, c.Recipients[kh])
	}
	for _, p := range c.PlotTo {
		r.ToX = append(r.ToX, p.X)
		r.ToY = append(r.ToY, p.Y)
	}
	return rlp.Encode(w, &r)
}

func (c *Change) DecodeRLP(s *rlp.Stream) error {
	var r rlpChange
	if err := s.Decode(&r); err != nil {
		return err
	}
	c.Kind = ChangeKind(r.Kind)
	c.Key = r.Key
	c.Value = r.Value
	c.Supp = r.Supp
	c.Plot = PlotID{X: r.PlotX, Y: r.PlotY}
	c.Tick = r.Tick
	c.Event = r.Event
	c.ValidatorDER = r.ValidatorDER
	c.From = r.From
	if len(r.RecipKeys) > 0 {
		c.Recipients = make(map[KeyHash]uint64, len(r.RecipKeys))
		for i, kh := range r.RecipKeys {
			c.Recipients[kh] = r.RecipAmts[i]
		}
	}
	for i := range r.ToX {
		c.PlotTo = append(c.PlotTo, PlotID{X: r.ToX[i], Y: r.ToY[i]})
	}
	return nil
}
