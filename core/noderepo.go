package core

import (
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// NodeRecord is one entry in the node repository: `KeyHash → {endpoint,
// public_key, version, name, score}` (§4.6).
type NodeRecord struct {
	ID        KeyHash
	Endpoint  string
	PublicKey Blob
	Version   uint32
	Name      string
	Score     int32
}

type scoredNode struct {
	record *NodeRecord
}

// NodeRepository maintains the KeyHash → NodeRecord map plus a parallel
// sorted-by-score slice for O(1) priority selection.
type NodeRepository struct {
	mu sync.RWMutex

	byID   map[KeyHash]*NodeRecord
	sorted []*NodeRecord // descending by Score

	scoreCap int32
	log      *logrus.Logger
}

// DefaultSeedNodes is the hard-coded seed list an empty or absent
// node-repository file is populated with on load.
var DefaultSeedNodes = []NodeRecord{
	{Endpoint: "seed1.plotchain.local:30303", Name: "seed-1"},
	{Endpoint: "seed2.plotchain.local:30303", Name: "seed-2"},
}

func NewNodeRepository(scoreCap int32, log *logrus.Logger) *NodeRepository {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NodeRepository{
		byID:     make(map[KeyHash]*NodeRecord),
		scoreCap: scoreCap,
		log:      log,
	}
}

// LoadOrSeed loads the repository from path; an empty or absent file is
// populated with DefaultSeedNodes.
func (r *NodeRepository) LoadOrSeed(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil || len(raw) == 0 {
		for _, seed := range DefaultSeedNodes {
			rec := seed
			if rec.ID.IsZero() {
				rec.ID = KeyHashOf(Blob(rec.Endpoint))
			}
			r.upsert(&rec)
		}
		r.log.Infof("noderepo: seeded %d default nodes", len(DefaultSeedNodes))
		return nil
	}
	var entries []struct {
		Node  NodeRecord
		Score int32
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return err
	}
	for _, e := range entries {
		rec := e.Node
		rec.Score = e.Score
		r.upsert(&rec)
	}
	return nil
}

// Save serializes the repository as a plain list of {node, score}.
func (r *NodeRepository) Save(path string) error {
	r.mu.RLock()
	entries := make([]struct {
		Node  NodeRecord `json:"node"`
		Score int32      `json:"score"`
	}, 0, len(r.byID))
	for _, rec := range r.byID {
		entries = append(entries, struct {
			Node  NodeRecord `json:"node"`
			Score int32      `json:"score"`
		}{Node: *rec, Score: rec.Score})
	}
	r.mu.RUnlock()
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func (r *NodeRepository) upsert(rec *NodeRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[rec.ID] = rec
	r.resortLocked()
}

func (r *NodeRepository) resortLocked() {
	r.sorted = r.sorted[:0]
	for _, rec := range r.byID {
		r.sorted = append(r.sorted, rec)
	}
	sort.Slice(r.sorted, func(i, j int) bool { return r.sorted[i].Score > r.sorted[j].Score })
}

// Apply reconciles a fresh announcement against the stored record,
// returning whether anything changed.
func (r *NodeRepository) Apply(ann NodeRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[ann.ID]
	if !ok {
		ann.Score = 0
		cp := ann
		r.byID[ann.ID] = &cp
		r.resortLocked()
		return true
	}
	changed := existing.Endpoint != ann.Endpoint ||
		existing.Version != ann.Version ||
		existing.Name != ann.Name ||
		string(existing.PublicKey) != string(ann.PublicKey)
	if changed {
		existing.Endpoint = ann.Endpoint
		existing.Version = ann.Version
		existing.Name = ann.Name
		existing.PublicKey = ann.PublicKey
	}
	return changed
}

// UpScore increments id's score by 1, saturating at the configured cap.
func (r *NodeRepository) UpScore(id KeyHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return
	}
	if rec.Score < r.scoreCap {
		rec.Score++
	}
	r.resortLocked()
}

// DownScore halves id's score, or drops it to 0 if already <= 0.
func (r *NodeRepository) DownScore(id KeyHash) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return
	}
	if rec.Score <= 0 {
		rec.Score = 0
	} else {
		rec.Score /= 2
	}
	r.resortLocked()
}

// Top returns up to n highest-scored nodes, descending.
func (r *NodeRepository) Top(n int) []NodeRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n > len(r.sorted) {
		n = len(r.sorted)
	}
	out := make([]NodeRecord, n)
	for i := 0; i < n; i++ {
		out[i] = *r.sorted[i]
	}
	return out
}

// Trim retains only the top-N scored nodes.
func (r *NodeRepository) Trim(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n >= len(r.sorted) {
		return
	}
	keep := r.sorted[:n]
	newByID := make(map[KeyHash]*NodeRecord, n)
	for _, rec := range keep {
		newByID[rec.ID] = rec
	}
	r.byID = newByID
	r.resortLocked()
}

func (r *NodeRepository) Get(id KeyHash) (NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byID[id]
	if !ok {
		return NodeRecord{}, false
	}
	return *rec, true
}

func (r *NodeRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
