package core

import "testing"

func TestSessionHandshakeLifecycle(t *testing.T) {
	s := NewSession("127.0.0.1:4000")
	if s.State() != SessionHandshaking {
		t.Fatalf("new session should start Handshaking, got %s", s.State())
	}
	node := NodeAnnouncement{ID: KeyHash{0x01}, Endpoint: "127.0.0.1:4000"}
	if !s.HandleIntroduce(node, Hash{0x01}) {
		t.Fatalf("first HandleIntroduce should succeed")
	}
	if s.State() != SessionActive {
		t.Fatalf("session should be Active after Introduce, got %s", s.State())
	}
	if s.HandleIntroduce(node, Hash{0x01}) {
		t.Fatalf("a second HandleIntroduce on an Active session should be rejected")
	}
}

func TestSessionNextSeqIncrements(t *testing.T) {
	s := NewSession("peer:1")
	if got := s.NextSeq(); got != 1 {
		t.Fatalf("first seq = %d, want 1", got)
	}
	if got := s.NextSeq(); got != 2 {
		t.Fatalf("second seq = %d, want 2", got)
	}
}

func TestSessionPendingTracking(t *testing.T) {
	s := NewSession("peer:1")
	deadline := Now()
	s.TrackPending(5, MsgFindNodes, deadline)
	if s.ResolvePending(5, MsgNodeList) {
		t.Fatalf("resolving with the wrong kind should fail")
	}
	s.TrackPending(5, MsgFindNodes, deadline)
	if !s.ResolvePending(5, MsgFindNodes) {
		t.Fatalf("resolving with the matching kind should succeed")
	}
	if s.ResolvePending(5, MsgFindNodes) {
		t.Fatalf("resolving twice should fail: entry was already cleared")
	}
}

func TestSessionStrikeTimeoutThreshold(t *testing.T) {
	s := NewSession("peer:1")
	for i := 0; i < TimeoutTolerance; i++ {
		if s.StrikeTimeout() {
			t.Fatalf("should not close before exceeding TimeoutTolerance, strike %d", i+1)
		}
	}
	if !s.StrikeTimeout() {
		t.Fatalf("should close once strikes exceed TimeoutTolerance")
	}
}

func TestSessionStrikeAbuseThreshold(t *testing.T) {
	s := NewSession("peer:1")
	for i := 0; i < MaxAbuses; i++ {
		if s.StrikeAbuse() {
			t.Fatalf("should not close before exceeding MaxAbuses, strike %d", i+1)
		}
	}
	if !s.StrikeAbuse() {
		t.Fatalf("should close once strikes exceed MaxAbuses")
	}
}

func TestSessionRecordPongMovesTowardRTT(t *testing.T) {
	s := NewSession("peer:1")
	sentAt := Time(0)
	s.RecordPong(sentAt)
	if s.PingMs() <= 0 {
		t.Fatalf("ping estimate should move toward a positive RTT, got %f", s.PingMs())
	}
}

func TestSessionEnqueueDrain(t *testing.T) {
	s := NewSession("peer:1")
	s.Enqueue(Packet{Seq: 1})
	s.Enqueue(Packet{Seq: 2})
	drained := s.Drain()
	if len(drained) != 2 {
		t.Fatalf("expected 2 queued packets, got %d", len(drained))
	}
	if more := s.Drain(); len(more) != 0 {
		t.Fatalf("drain should empty the queue, got %d left", len(more))
	}
}

func TestSessionExpiredPending(t *testing.T) {
	s := NewSession("peer:1")
	past := Time(0)
	s.TrackPending(1, MsgPing, past)
	expired := s.ExpiredPending(Now())
	if len(expired) != 1 || expired[0] != 1 {
		t.Fatalf("expected seq 1 to be expired, got %v", expired)
	}
	if expired2 := s.ExpiredPending(Now()); len(expired2) != 0 {
		t.Fatalf("expired entries should be removed after first check")
	}
}

func TestSessionCloseQueuesByeAndTransitions(t *testing.T) {
	s := NewSession("peer:1")
	pkt := s.Close(ByeExit)
	if s.State() != SessionClosing {
		t.Fatalf("Close should transition to Closing, got %s", s.State())
	}
	if pkt.Msg.Kind != MsgBye || pkt.Msg.Reason != ByeExit {
		t.Fatalf("Close should return a Bye packet with the given reason, got %+v", pkt.Msg)
	}
}
