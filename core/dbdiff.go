package core

import "sort"

// plotEventKey is the (plot, tick) identity an additive or subtractive
// event entry is keyed by inside a DBDiff.
type plotEventKey struct {
	Plot PlotID
	Tick uint64
}

type plotEventEntry struct {
	key plotEventKey
	ev  Blob
}

// DBDiff stages the writes of a single logical RK operation (add-block,
// step-back, rule probe) before they are committed (§4.2). A key can
// never be simultaneously "set" and "deleted": Set clears any pending
// delete for that key and vice versa. Adding an event that is pending
// removal cancels the removal instead of accumulating, and vice versa.
type DBDiff struct {
	sets    map[string][]byte
	deletes map[string]struct{}

	additive    []plotEventEntry
	subtractive []plotEventEntry

	keyAllow map[string]struct{} // nil means unrestricted
	plotBox  *PlotBoundingBox
}

// PlotBoundingBox restricts which plots a diff may touch; used by rule
// probes that want to assert a mutation stays within a declared region.
type PlotBoundingBox struct {
	MinX, MinY, MaxX, MaxY int32
}

func (b PlotBoundingBox) Contains(p PlotID) bool {
	return p.X >= b.MinX && p.X <= b.MaxX && p.Y >= b.MinY && p.Y <= b.MaxY
}

func NewDBDiff() *DBDiff {
	return &DBDiff{
		sets:    make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (d *DBDiff) SetKeyAllowList(allow map[string]struct{}) { d.keyAllow = allow }
func (d *DBDiff) SetPlotBoundingBox(b *PlotBoundingBox)     { d.plotBox = b }

func (d *DBDiff) keyAllowed(key []byte) bool {
	if d.keyAllow == nil {
		return true
	}
	_, ok := d.keyAllow[string(key)]
	return ok
}

// Set records a key-value write, clearing any pending delete for key.
func (d *DBDiff) Set(key, value []byte) {
	k := string(key)
	delete(d.deletes, k)
	d.sets[k] = append([]byte(nil), value...)
}

// DeleteKey records a key deletion, clearing any pending set for key.
func (d *DBDiff) DeleteKey(key []byte) {
	k := string(key)
	delete(d.sets, k)
	d.deletes[k] = struct{}{}
}

// AddEvent records an additive plot event. If the same (plot, tick, event)
// is pending removal, the removal is cancelled instead of the addition
// accumulating on top of it.
func (d *DBDiff) AddEvent(plot PlotID, tick uint64, ev Blob) {
	key := plotEventKey{Plot: plot, Tick: tick}
	for i, e := range d.subtractive {
		if e.key == key && string(e.ev) == string(ev) {
			d.subtractive = append(d.subtractive[:i], d.subtractive[i+1:]...)
			return
		}
	}
	d.additive = append(d.additive, plotEventEntry{key: key, ev: ev})
}

// RemoveEvent records a subtractive plot event, with the same
// cancel-rather-than-accumulate rule as AddEvent.
func (d *DBDiff) RemoveEvent(plot PlotID, tick uint64, ev Blob) {
	key := plotEventKey{Plot: plot, Tick: tick}
	for i, e := range d.additive {
		if e.key == key && string(e.ev) == string(ev) {
			d.additive = append(d.additive[:i], d.additive[i+1:]...)
			return
		}
	}
	d.subtractive = append(d.subtractive, plotEventEntry{key: key, ev: ev})
}

func (d *DBDiff) IsEmpty() bool {
	return len(d.sets) == 0 && len(d.deletes) == 0 && len(d.additive) == 0 && len(d.subtractive) == 0
}

// DBState is the read-through view §4.2 describes: reads consult the diff
// first, then fall through to the backing snapshot.
type DBState struct {
	diff *DBDiff
	snap KVSnapshot
}

func NewDBState(diff *DBDiff, snap KVSnapshot) *DBState {
	return &DBState{diff: diff, snap: snap}
}

// Get returns the diff's pending value for key, ErrNotFound if the diff
// marks it deleted, or falls through to the backing store.
func (s *DBState) Get(key []byte) ([]byte, error) {
	k := string(key)
	if v, ok := s.diff.sets[k]; ok {
		return v, nil
	}
	if _, ok := s.diff.deletes[k]; ok {
		return nil, ErrNotFound
	}
	return s.snap.Get(key)
}

// GetPlotEvents merges the stored buckets for plot with the diff's pending
// additions/removals, filtered to tick >= fromTick.
func (s *DBState) GetPlotEvents(plot PlotID, fromTick uint64) (RawEvents, error) {
	merged := RawEvents{}

	lowBucket := TickBucket(fromTick)
	err := s.snap.IteratePrefix(KeyPlotPrefix(plot), false, func(key, value []byte) bool {
		bucket, ok := bucketFromPlotKey(key)
		if !ok || bucket < lowBucket {
			return true
		}
		re, decErr := DecodeRawEvents(Blob(value))
		if decErr != nil {
			return true
		}
		for i, tick := range re.Ticks {
			for _, ev := range re.Events[i] {
				merged.AddEvent(tick, ev)
			}
		}
		return true
	})
	if err != nil {
		return RawEvents{}, NewDBError("iterate plot events", err)
	}

	for _, e := range s.diff.additive {
		if e.key.Plot == plot {
			merged.AddEvent(e.key.Tick, e.ev)
		}
	}
	for _, e := range s.diff.subtractive {
		if e.key.Plot == plot {
			merged.RemoveEvent(e.key.Tick, e.ev)
		}
	}
	return merged.FromTick(fromTick), nil
}

func bucketFromPlotKey(key []byte) (uint64, bool) {
	// keyspace(1) + sub(1) + plotX(4) + plotY(4) + bucket(8)
	const want = 1 + 1 + 4 + 4 + 8
	if len(key) != want {
		return 0, false
	}
	b, err := heightFromBytes(key[10:18])
	if err != nil {
		return 0, false
	}
	return b, true
}

// Compile produces a single write batch: new/deleted keys as-is, then for
// each touched plot the affected bucket(s) are read, removals applied,
// additions applied, and the merged bucket written back. Every bucket
// index from 0 up to the plot's greatest bucket (pre-existing or touched)
// that has no row yet is written as an empty bucket, so scans never
// encounter gaps.
func (d *DBDiff) Compile(snap KVSnapshot) (*WriteBatch, error) {
	batch := &WriteBatch{}

	keys := make([]string, 0, len(d.sets))
	for k := range d.sets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !d.keyAllowed([]byte(k)) {
			continue
		}
		batch.Put([]byte(k), d.sets[k])
	}

	delKeys := make([]string, 0, len(d.deletes))
	for k := range d.deletes {
		delKeys = append(delKeys, k)
	}
	sort.Strings(delKeys)
	for _, k := range delKeys {
		if !d.keyAllowed([]byte(k)) {
			continue
		}
		batch.Delete([]byte(k))
	}

	plots := make(map[PlotID]struct{})
	for _, e := range d.additive {
		plots[e.key.Plot] = struct{}{}
	}
	for _, e := range d.subtractive {
		plots[e.key.Plot] = struct{}{}
	}

	orderedPlots := make([]PlotID, 0, len(plots))
	for p := range plots {
		orderedPlots = append(orderedPlots, p)
	}
	SortPlotIDs(orderedPlots)

	for _, p := range orderedPlots {
		if d.plotBox != nil && !d.plotBox.Contains(p) {
			continue
		}
		if err := d.compilePlot(snap, batch, p); err != nil {
			return nil, err
		}
	}

	return batch, nil
}

func (d *DBDiff) compilePlot(snap KVSnapshot, batch *WriteBatch, p PlotID) error {
	buckets := make(map[uint64]RawEvents)
	var highWatermark uint64
	var sawAny bool

	err := snap.IteratePrefix(KeyPlotPrefix(p), false, func(key, value []byte) bool {
		b, ok := bucketFromPlotKey(key)
		if !ok {
			return true
		}
		re, decErr := DecodeRawEvents(Blob(value))
		if decErr != nil {
			return true
		}
		buckets[b] = re
		if !sawAny || b > highWatermark {
			highWatermark = b
			sawAny = true
		}
		return true
	})
	if err != nil {
		return NewDBError("scan plot buckets", err)
	}

	touch := func(tick uint64, fn func(*RawEvents)) {
		b := TickBucket(tick)
		re := buckets[b]
		fn(&re)
		buckets[b] = re
		if !sawAny || b > highWatermark {
			highWatermark = b
			sawAny = true
		}
	}

	for _, e := range d.subtractive {
		if e.key.Plot == p {
			touch(e.key.Tick, func(re *RawEvents) { re.RemoveEvent(e.key.Tick, e.ev) })
		}
	}
	for _, e := range d.additive {
		if e.key.Plot == p {
			touch(e.key.Tick, func(re *RawEvents) { re.AddEvent(e.key.Tick, e.ev) })
		}
	}

	var greatestTouched uint64
	var hasTouched bool
	for b := range buckets {
		if !hasTouched || b > greatestTouched {
			greatestTouched = b
			hasTouched = true
		}
	}

	// Write an empty bucket for every missing index from 0 up to the
	// greatest bucket (pre-existing or touched) so range scans never
	// encounter gaps in the bucket sequence.
	if hasTouched {
		for b := uint64(0); b <= greatestTouched; b++ {
			if _, ok := buckets[b]; !ok {
				buckets[b] = RawEvents{}
			}
		}
	}

	bucketIdxs := make([]uint64, 0, len(buckets))
	for b := range buckets {
		bucketIdxs = append(bucketIdxs, b)
	}
	sort.Slice(bucketIdxs, func(i, j int) bool { return bucketIdxs[i] < bucketIdxs[j] })

	for _, b := range bucketIdxs {
		re := buckets[b]
		enc, err := re.Encode()
		if err != nil {
			return NewDBError("encode raw events bucket", err)
		}
		batch.Put(KeyPlot(p, b), enc.Bytes())
	}
	return nil
}
