package core

import (
	"sync"
	"time"
)

// SessionState is a session's position in the per-peer handshake state
// machine.
type SessionState int

const (
	SessionHandshaking SessionState = iota
	SessionActive
	SessionClosing
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionHandshaking:
		return "Handshaking"
	case SessionActive:
		return "Active"
	case SessionClosing:
		return "Closing"
	case SessionClosed:
		return "Closed"
	}
	return "Unknown"
}

// pendingJob is the metadata a session keeps for an outstanding request it
// is waiting on a reply for, keyed by the outgoing seq it was sent under.
type pendingJob struct {
	kind     MessageKind
	deadline Time
}

// Session is the per-peer state machine for one (network-id, remote-node)
// pair: handshake progress, RTT estimate, abuse/timeout accounting, and the
// outbound send queue the transport drains.
type Session struct {
	mu sync.Mutex

	remoteAddr string
	networkID  Hash
	node       NodeAnnouncement

	state SessionState

	seq     uint32
	pending map[uint32]pendingJob

	pingMs       float64
	timeoutCount int
	abuseCount   int

	sendQueue []Packet
}

// NewSession constructs a session in Handshaking state for the given remote
// socket address.
func NewSession(remoteAddr string) *Session {
	return &Session{
		remoteAddr: remoteAddr,
		state:      SessionHandshaking,
		pending:    make(map[uint32]pendingJob),
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) RemoteAddr() string { return s.remoteAddr }

// NextSeq returns the next outgoing seq, incrementing the counter.
func (s *Session) NextSeq() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// TrackPending records that seq expects a reply of kind by deadline.
func (s *Session) TrackPending(seq uint32, kind MessageKind, deadline Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[seq] = pendingJob{kind: kind, deadline: deadline}
}

// ResolvePending clears a tracked seq, reporting whether it matched kind.
func (s *Session) ResolvePending(seq uint32, kind MessageKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.pending[seq]
	if !ok {
		return false
	}
	delete(s.pending, seq)
	return job.kind == kind
}

// HandleIntroduce transitions Handshaking -> Active once the peer's
// Introduce has already been signature- and network-id-verified by the
// caller (the session itself holds no key material to verify against).
func (s *Session) HandleIntroduce(node NodeAnnouncement, networkID Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionHandshaking {
		return false
	}
	s.node = node
	s.networkID = networkID
	s.state = SessionActive
	return true
}

// RecordPong folds a Pong's round trip into the weighted moving average
// ping estimate: ping += (rtt - ping) / PingRetention.
func (s *Session) RecordPong(sentAt Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rtt := float64(Now().UnixMs() - sentAt.UnixMs())
	s.pingMs += (rtt - s.pingMs) / float64(PingRetention)
	s.timeoutCount = 0
}

func (s *Session) PingMs() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pingMs
}

// StrikeTimeout records a missed ping cycle, returning true if the session
// should now close (strikes exceeded TimeoutTolerance).
func (s *Session) StrikeTimeout() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeoutCount++
	return s.timeoutCount > TimeoutTolerance
}

// StrikeAbuse records a protocol violation, returning true if the session
// should now close (abuse count exceeded MaxAbuses).
func (s *Session) StrikeAbuse() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abuseCount++
	return s.abuseCount > MaxAbuses
}

// Close transitions the session to Closing, queuing a Bye to be flushed by
// the transport before the session is dropped from the shard.
func (s *Session) Close(reason ByeReason) Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = SessionClosing
	s.seq++
	return Packet{Seq: s.seq, Msg: Message{Kind: MsgBye, Reason: reason}}
}

// Enqueue appends pkt to the outbound send queue.
func (s *Session) Enqueue(pkt Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendQueue = append(s.sendQueue, pkt)
}

// Drain removes and returns every queued outbound packet.
func (s *Session) Drain() []Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sendQueue
	s.sendQueue = nil
	return out
}

// ExpiredPending returns the seqs whose deadline has passed as of now, and
// removes them.
func (s *Session) ExpiredPending(now Time) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []uint32
	for seq, job := range s.pending {
		if job.deadline.Before(now) || job.deadline == now {
			expired = append(expired, seq)
			delete(s.pending, seq)
		}
	}
	return expired
}

const (
	pingTimeout      = 3 * time.Second
	jobTimeout       = 5 * time.Second
	nodeScanInterval = 5 * time.Second
)
