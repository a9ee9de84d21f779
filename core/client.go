package core

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// NetworkClient ties the shards, node repository, and RecordKeeper together
// for one running node, and is the surface the forger consults to decide
// whether it may propose a block.
type NetworkClient struct {
	mu sync.RWMutex

	rk     *RecordKeeper
	shards map[Hash]*Shard
	repo   *NodeRepository

	log *logrus.Logger

	quit chan struct{}
}

func NewNetworkClient(rk *RecordKeeper, repo *NodeRepository, log *logrus.Logger) *NetworkClient {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &NetworkClient{
		rk:     rk,
		shards: make(map[Hash]*Shard),
		repo:   repo,
		log:    log,
		quit:   make(chan struct{}),
	}
}

// AddShard registers shard under its network-id, assigning it the next
// free demux port (0..254) in registration order.
func (c *NetworkClient) AddShard(shard *Shard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	shard.port = uint8(len(c.shards))
	c.shards[shard.networkID] = shard
}

func (c *NetworkClient) Shard(networkID Hash) (*Shard, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shards[networkID]
	return s, ok
}

func (c *NetworkClient) Shards() []*Shard {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Shard, 0, len(c.shards))
	for _, s := range c.shards {
		out = append(out, s)
	}
	return out
}

// PeerCount sums active sessions across every shard.
func (c *NetworkClient) PeerCount() int {
	n := 0
	for _, s := range c.Shards() {
		n += len(s.ActiveSessions())
	}
	return n
}

// ShouldForge answers the forger's gating question: connected to at least
// one peer, and no SyncChain job currently outstanding anywhere.
func (c *NetworkClient) ShouldForge() bool {
	return c.PeerCount() >= 1 && !chainSyncExists()
}

func (c *NetworkClient) RecordKeeper() *RecordKeeper { return c.rk }

// Quit signals every long-lived task to stop: every active session is sent
// a Bye{Exit}, the node repository is flushed, and the quit channel is
// closed so blocked readers return.
func (c *NetworkClient) Quit(repoPath string) {
	for _, sh := range c.Shards() {
		for _, s := range sh.ActiveSessions() {
			s.Enqueue(s.Close(ByeExit))
		}
	}
	if repoPath != "" && c.repo != nil {
		if err := c.repo.Save(repoPath); err != nil {
			c.log.Warnf("client: flush node repository: %v", err)
		}
	}
	close(c.quit)
}

// Done is closed once Quit has been called.
func (c *NetworkClient) Done() <-chan struct{} { return c.quit }
