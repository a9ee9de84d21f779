package core

import "fmt"

// MessageKind tags the variant carried by a Message (§4.9).
type MessageKind uint8

const (
	MsgIntroduce MessageKind = iota
	MsgPing
	MsgPong
	MsgFindNodes
	MsgNodeList
	MsgNewTransaction
	MsgNewBlock
	MsgBroadcast
	MsgSyncBlocks
	MsgChainData
	MsgQueryData
	MsgSpotChainData
	MsgDataError
	MsgBye
)

// NodeAnnouncement is the self-description a peer sends in Introduce and
// NodeList.
type NodeAnnouncement struct {
	ID        KeyHash
	Endpoint  string
	PublicKey Blob
	Version   uint32
	Name      string
}

// DataErrorKind enumerates the DataError payload kinds.
type DataErrorKind uint8

const (
	DataErrorHashesNotFound DataErrorKind = iota
	DataErrorInternalError
)

// ByeReason enumerates why a session is being closed.
type ByeReason uint8

const (
	ByeExit ByeReason = iota
	ByeAbuse
	ByeTimeout
)

// Message is a tagged union over the protocol's message catalogue. Only
// the fields relevant to Kind are populated.
type Message struct {
	Kind MessageKind

	// Introduce
	NetworkID Hash
	Node      NodeAnnouncement
	Port      uint8

	// Ping / Pong
	PingTime Time

	// FindNodes / NodeList
	Skip  uint32
	Nodes []NodeAnnouncement

	// NewTransaction
	Txn *Txn

	// NewBlock
	Block *Block

	// Broadcast
	BroadcastID uint8
	Payload     Blob

	// SyncBlocks
	LastKnown Hash
	Target    Hash

	// ChainData
	To     Hash
	Zipped Blob

	// QueryData / SpotChainData
	Hashes []Hash
	Blocks []*Block
	Txns   []*Txn

	// DataError
	ErrorKind DataErrorKind

	// Bye
	Reason ByeReason
}

// Packet is the signed envelope every Message travels inside (§4.9).
type Packet struct {
	Seq uint32
	Msg Message
	Sig Blob
}

func (k MessageKind) String() string {
	names := []string{
		"Introduce", "Ping", "Pong", "FindNodes", "NodeList",
		"NewTransaction", "NewBlock", "Broadcast", "SyncBlocks",
		"ChainData", "QueryData", "SpotChainData", "DataError", "Bye",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return fmt.Sprintf("MessageKind(%d)", uint8(k))
}

const (
	NodeResponseSize = 8
	MaxJobRetries    = 3
	MaxPacketSize    = 64 * 1024
	TimeoutTolerance = 3
	MaxAbuses        = 3
	PingRetention    = 40
)
