package core

import (
	"fmt"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"
)

// RawEvents is an ordered mapping tick → sequence of event blobs, stored
// one bucket (BucketSizeTicks ticks wide) per DB row (§3).
type RawEvents struct {
	Ticks  []uint64
	Events [][]Blob // Events[i] corresponds to Ticks[i]
}

// rlpRawEvents flattens RawEvents into parallel slices RLP can encode
// directly (a map-of-slices has no native RLP shape, same issue change.go
// solves for Change.Recipients).
type rlpRawEvents struct {
	Ticks   []uint64
	Counts  []uint32
	Payload [][]byte
}

func (r RawEvents) EncodeRLP(w io.Writer) error {
	out := rlpRawEvents{Ticks: r.Ticks}
	for _, evs := range r.Events {
		out.Counts = append(out.Counts, uint32(len(evs)))
		for _, e := range evs {
			out.Payload = append(out.Payload, e.Bytes())
		}
	}
	return rlp.Encode(w, &out)
}

func (r *RawEvents) DecodeRLP(s *rlp.Stream) error {
	var in rlpRawEvents
	if err := s.Decode(&in); err != nil {
		return err
	}
	r.Ticks = in.Ticks
	r.Events = make([][]Blob, len(in.Ticks))
	idx := 0
	for i, cnt := range in.Counts {
		for j := uint32(0); j < cnt; j++ {
			r.Events[i] = append(r.Events[i], Blob(in.Payload[idx]))
			idx++
		}
	}
	return nil
}

// AddEvent appends ev at tick, keeping Ticks sorted ascending.
func (r *RawEvents) AddEvent(tick uint64, ev Blob) {
	i := sort.Search(len(r.Ticks), func(i int) bool { return r.Ticks[i] >= tick })
	if i < len(r.Ticks) && r.Ticks[i] == tick {
		r.Events[i] = append(r.Events[i], ev)
		return
	}
	r.Ticks = append(r.Ticks, 0)
	copy(r.Ticks[i+1:], r.Ticks[i:])
	r.Ticks[i] = tick

	r.Events = append(r.Events, nil)
	copy(r.Events[i+1:], r.Events[i:])
	r.Events[i] = []Blob{ev}
}

// RemoveEvent removes the first occurrence of ev at tick, dropping the
// tick entry entirely if it becomes empty. Used by DBDiff.Compile's
// subtractive-event merge.
func (r *RawEvents) RemoveEvent(tick uint64, ev Blob) bool {
	i := sort.Search(len(r.Ticks), func(i int) bool { return r.Ticks[i] >= tick })
	if i >= len(r.Ticks) || r.Ticks[i] != tick {
		return false
	}
	for j, e := range r.Events[i] {
		if string(e) == string(ev) {
			r.Events[i] = append(r.Events[i][:j], r.Events[i][j+1:]...)
			break
		}
	}
	if len(r.Events[i]) == 0 {
		r.Ticks = append(r.Ticks[:i], r.Ticks[i+1:]...)
		r.Events = append(r.Events[:i], r.Events[i+1:]...)
	}
	return true
}

// FromTick returns the subsequence of (tick, events) pairs with
// tick >= from, preserving order — the filter §4.2's plot-event reads
// apply.
func (r RawEvents) FromTick(from uint64) RawEvents {
	i := sort.Search(len(r.Ticks), func(i int) bool { return r.Ticks[i] >= from })
	return RawEvents{Ticks: r.Ticks[i:], Events: r.Events[i:]}
}

func (r RawEvents) Encode() (Blob, error) {
	b, err := rlp.EncodeToBytes(&r)
	return Blob(b), err
}

func DecodeRawEvents(b Blob) (RawEvents, error) {
	var r RawEvents
	if len(b) == 0 {
		return r, nil
	}
	if err := rlp.DecodeBytes(b, &r); err != nil {
		return r, fmt.Errorf("deserialize raw events: %w", err)
	}
	return r, nil
}
