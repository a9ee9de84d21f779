package core

import "testing"

func TestShardReliableFloodSuppressesDuplicates(t *testing.T) {
	repo := NewNodeRepository(1000, nil)
	sh := NewShard(Hash{0x01}, ShardPrimary, 1, 8, repo, nil)

	first := sh.ReliableFlood(1, Packet{Seq: 1})
	if !first {
		t.Fatalf("first flood of a fresh broadcast id should propagate")
	}
	second := sh.ReliableFlood(1, Packet{Seq: 1})
	if second {
		t.Fatalf("re-flooding the same broadcast id should be suppressed")
	}
}

func TestShardReliableFloodEvictsOldestBeyondWindow(t *testing.T) {
	repo := NewNodeRepository(1000, nil)
	sh := NewShard(Hash{0x01}, ShardPrimary, 1, 8, repo, nil)

	for id := uint64(1); id <= broadcastWindow; id++ {
		if ok := sh.ReliableFlood(id, Packet{Seq: id}); !ok {
			t.Fatalf("flood of fresh id %d should propagate", id)
		}
	}
	// One more distinct id evicts broadcast id 1 from the LRU window.
	if ok := sh.ReliableFlood(broadcastWindow+1, Packet{Seq: broadcastWindow + 1}); !ok {
		t.Fatalf("flood of fresh id %d should propagate", broadcastWindow+1)
	}
	if ok := sh.ReliableFlood(1, Packet{Seq: 1}); !ok {
		t.Fatalf("expected broadcast id 1 to have been evicted and treated as fresh again")
	}
}

func TestShardReliableFloodQueryOnlyStillSuppressesButDoesNotEnqueue(t *testing.T) {
	repo := NewNodeRepository(1000, nil)
	sh := NewShard(Hash{0x01}, ShardQueryOnly, 1, 8, repo, nil)
	sess := sh.Open("peer:1")
	sess.HandleIntroduce(NodeAnnouncement{}, Hash{0x01})

	if ok := sh.ReliableFlood(1, Packet{Seq: 1}); !ok {
		t.Fatalf("query-only shard should still report the broadcast as accepted")
	}
	if len(sess.Drain()) != 0 {
		t.Fatalf("query-only shard should not amplify by enqueueing to sessions")
	}
}

func TestShardOpenReturnsSameSessionForSameAddr(t *testing.T) {
	repo := NewNodeRepository(1000, nil)
	sh := NewShard(Hash{0x01}, ShardPrimary, 1, 8, repo, nil)
	a := sh.Open("peer:1")
	b := sh.Open("peer:1")
	if a != b {
		t.Fatalf("Open should return the existing session for an address already open")
	}
	if sh.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", sh.Len())
	}
}

func TestShardCloseRemovesSession(t *testing.T) {
	repo := NewNodeRepository(1000, nil)
	sh := NewShard(Hash{0x01}, ShardPrimary, 1, 8, repo, nil)
	sh.Open("peer:1")
	sh.Close("peer:1")
	if _, ok := sh.Get("peer:1"); ok {
		t.Fatalf("session should be gone after Close")
	}
}

func TestShardNodeScanRespectsMinNodes(t *testing.T) {
	repo := NewNodeRepository(1000, nil)
	for i := 0; i < 5; i++ {
		repo.Apply(NodeRecord{ID: KeyHash{byte(i + 1)}, Endpoint: "node:1"})
	}
	sh := NewShard(Hash{0x01}, ShardPrimary, 3, 8, repo, nil)
	if got := sh.NodeScan(); len(got) == 0 {
		t.Fatalf("expected candidates when below min_nodes")
	}

	sh.Open("peer:1")
	sh.Open("peer:2")
	sh.Open("peer:3")
	if got := sh.NodeScan(); got != nil {
		t.Fatalf("expected no candidates once min_nodes is met, got %v", got)
	}
}
