package core

import (
	"fmt"
	"sync"

	"github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// ShardMode governs whether a Shard participates in block production and
// reliable-flood amplification.
type ShardMode int

const (
	ShardPrimary ShardMode = iota
	ShardAuxiliary
	ShardQueryOnly
)

// reservedPort is the local demux byte reserved for the initial Introduce;
// a shard's real ports are allocated from 0..254.
const reservedPort = 255

const broadcastWindow = 256

// Shard is a collection of sessions for one network-id, plus the node repo
// feeding it and the job queue driving outbound sync/discovery traffic.
type Shard struct {
	mu sync.RWMutex

	networkID Hash
	mode      ShardMode
	port      uint8
	minNodes  int
	maxNodes  int

	sessions map[string]*Session // keyed by remote socket address

	repo *NodeRepository
	jobs *JobQueue

	// seenBroadcast is the recently-seen broadcast-id window (§4.8
	// reliable flood): a bounded LRU so a flood of distinct ids can't
	// grow it unbounded, evicting the oldest id once full.
	seenBroadcast *lru.Cache[uint64, struct{}]

	log *logrus.Logger
}

// NewShard constructs a shard for networkID, backed by repo for peer
// selection.
func NewShard(networkID Hash, mode ShardMode, minNodes, maxNodes int, repo *NodeRepository, log *logrus.Logger) *Shard {
	if log == nil {
		log = logrus.StandardLogger()
	}
	seen, err := lru.New[uint64, struct{}](broadcastWindow)
	if err != nil {
		panic(fmt.Sprintf("shard: broadcast window cache: %v", err))
	}
	return &Shard{
		networkID:     networkID,
		mode:          mode,
		minNodes:      minNodes,
		maxNodes:      maxNodes,
		sessions:      make(map[string]*Session),
		repo:          repo,
		jobs:          NewJobQueue(),
		seenBroadcast: seen,
		log:           log,
	}
}

// Open registers a new session for remoteAddr if one doesn't already exist.
func (sh *Shard) Open(remoteAddr string) *Session {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if s, ok := sh.sessions[remoteAddr]; ok {
		return s
	}
	s := NewSession(remoteAddr)
	sh.sessions[remoteAddr] = s
	return s
}

func (sh *Shard) Get(remoteAddr string) (*Session, bool) {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	s, ok := sh.sessions[remoteAddr]
	return s, ok
}

// Close drops remoteAddr from the session map.
func (sh *Shard) Close(remoteAddr string) {
	sh.mu.Lock()
	defer sh.mu.Unlock()
	delete(sh.sessions, remoteAddr)
}

func (sh *Shard) ActiveSessions() []*Session {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	out := make([]*Session, 0, len(sh.sessions))
	for _, s := range sh.sessions {
		if s.State() == SessionActive {
			out = append(out, s)
		}
	}
	return out
}

func (sh *Shard) Len() int {
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return len(sh.sessions)
}

// NodeScan tops sessions up to minNodes, drawing candidates from the node
// repository that don't already have an open session.
func (sh *Shard) NodeScan() []NodeRecord {
	sh.mu.RLock()
	have := len(sh.sessions)
	existing := make(map[string]struct{}, len(sh.sessions))
	for addr := range sh.sessions {
		existing[addr] = struct{}{}
	}
	sh.mu.RUnlock()

	if have >= sh.minNodes {
		return nil
	}
	need := sh.minNodes - have
	candidates := sh.repo.Top(sh.minNodes * 4)
	var out []NodeRecord
	for _, n := range candidates {
		if _, ok := existing[n.Endpoint]; ok {
			continue
		}
		out = append(out, n)
		if len(out) >= need {
			break
		}
	}
	return out
}

// PeriodicCheck walks every session, emitting pings, striking timed-out
// pending jobs, and evicting sessions that exceed their strike budget.
// Callers are expected to actually transmit the returned ping packets and
// close-reason byes.
func (sh *Shard) PeriodicCheck() (pings []*Session, evicted []string) {
	sh.mu.RLock()
	sessions := make([]*Session, 0, len(sh.sessions))
	addrs := make([]string, 0, len(sh.sessions))
	for addr, s := range sh.sessions {
		sessions = append(sessions, s)
		addrs = append(addrs, addr)
	}
	sh.mu.RUnlock()

	now := Now()
	for i, s := range sessions {
		if s.State() != SessionActive {
			continue
		}
		for range s.ExpiredPending(now) {
			if s.StrikeTimeout() {
				evicted = append(evicted, addrs[i])
			}
		}
		pings = append(pings, s)
	}
	for _, addr := range evicted {
		sh.Close(addr)
	}
	return pings, evicted
}

// ReliableFlood broadcasts pkt to every active session, suppressing
// duplicates via a rolling window of recently-seen broadcast identifiers.
func (sh *Shard) ReliableFlood(id uint64, pkt Packet) bool {
	sh.mu.Lock()
	if sh.seenBroadcast.Contains(id) {
		sh.mu.Unlock()
		return false
	}
	sh.seenBroadcast.Add(id, struct{}{})
	sh.mu.Unlock()

	if sh.mode == ShardQueryOnly {
		return true
	}
	for _, s := range sh.ActiveSessions() {
		s.Enqueue(pkt)
	}
	return true
}

func (sh *Shard) Jobs() *JobQueue { return sh.jobs }
func (sh *Shard) Mode() ShardMode { return sh.mode }
func (sh *Shard) Port() uint8     { return sh.port }
