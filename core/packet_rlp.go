package core

import (
	"io"

	"github.com/ethereum/go-ethereum/rlp"
)

// packetWire is Packet's flat wire shape. Message is a sum type whose
// Txn/Block/Blocks/Txns fields are pointers or pointer-bearing slices,
// which RLP cannot encode directly when nil/absent; each such field is
// instead pre-serialized (via its own Encode) into a byte slice that is
// empty when absent, and Nodes is split into parallel per-field slices,
// the same flattening technique change.go uses for Change's variants.
type packetWire struct {
	Seq uint32
	Sig []byte

	Kind uint8

	NetworkID Hash
	NodeID    KeyHash
	NodeEP    string
	NodePub   []byte
	NodeVer   uint32
	NodeName  string
	Port      uint8

	PingTime int64

	Skip      uint32
	NodesID   []KeyHash
	NodesEP   []string
	NodesPub  [][]byte
	NodesVer  []uint32
	NodesName []string

	TxnRaw []byte

	BlockRaw []byte

	BroadcastID uint8
	Payload     []byte

	LastKnown Hash
	Target    Hash

	To     Hash
	Zipped []byte

	Hashes    []Hash
	BlocksRaw [][]byte
	TxnsRaw   [][]byte

	ErrorKind uint8
	Reason    uint8
}

func encodeNodeList(nodes []NodeAnnouncement) ([]KeyHash, []string, [][]byte, []uint32, []string) {
	ids := make([]KeyHash, len(nodes))
	eps := make([]string, len(nodes))
	pubs := make([][]byte, len(nodes))
	vers := make([]uint32, len(nodes))
	names := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
		eps[i] = n.Endpoint
		pubs[i] = n.PublicKey.Bytes()
		vers[i] = n.Version
		names[i] = n.Name
	}
	return ids, eps, pubs, vers, names
}

func decodeNodeList(ids []KeyHash, eps []string, pubs [][]byte, vers []uint32, names []string) []NodeAnnouncement {
	out := make([]NodeAnnouncement, len(ids))
	for i := range ids {
		out[i] = NodeAnnouncement{ID: ids[i], Endpoint: eps[i], PublicKey: Blob(pubs[i]), Version: vers[i], Name: names[i]}
	}
	return out
}

func buildMessageWire(m Message) (packetWire, error) {
	wire := packetWire{
		Kind:        uint8(m.Kind),
		NetworkID:   m.NetworkID,
		NodeID:      m.Node.ID,
		NodeEP:      m.Node.Endpoint,
		NodePub:     m.Node.PublicKey.Bytes(),
		NodeVer:     m.Node.Version,
		NodeName:    m.Node.Name,
		Port:        m.Port,
		PingTime:    int64(m.PingTime),
		Skip:        m.Skip,
		BroadcastID: m.BroadcastID,
		Payload:     m.Payload.Bytes(),
		LastKnown:   m.LastKnown,
		Target:      m.Target,
		To:          m.To,
		Zipped:      m.Zipped.Bytes(),
		Hashes:      m.Hashes,
		ErrorKind:   uint8(m.ErrorKind),
		Reason:      uint8(m.Reason),
	}
	wire.NodesID, wire.NodesEP, wire.NodesPub, wire.NodesVer, wire.NodesName = encodeNodeList(m.Nodes)

	if m.Txn != nil {
		raw, err := m.Txn.Encode()
		if err != nil {
			return wire, err
		}
		wire.TxnRaw = raw.Bytes()
	}
	if m.Block != nil {
		raw, err := m.Block.Encode()
		if err != nil {
			return wire, err
		}
		wire.BlockRaw = raw.Bytes()
	}
	for _, b := range m.Blocks {
		raw, err := b.Encode()
		if err != nil {
			return wire, err
		}
		wire.BlocksRaw = append(wire.BlocksRaw, raw.Bytes())
	}
	for _, t := range m.Txns {
		raw, err := t.Encode()
		if err != nil {
			return wire, err
		}
		wire.TxnsRaw = append(wire.TxnsRaw, raw.Bytes())
	}
	return wire, nil
}

// EncodeMessage serializes m alone (without a Seq/Sig envelope), the exact
// payload an Introduce's signature is computed over and verified against.
func EncodeMessage(m Message) (Blob, error) {
	wire, err := buildMessageWire(m)
	if err != nil {
		return nil, err
	}
	raw, err := rlp.EncodeToBytes(&wire)
	return Blob(raw), err
}

func (p Packet) EncodeRLP(w io.Writer) error {
	wire, err := buildMessageWire(p.Msg)
	if err != nil {
		return err
	}
	wire.Seq = p.Seq
	wire.Sig = p.Sig.Bytes()
	return rlp.Encode(w, &wire)
}

func (p *Packet) DecodeRLP(s *rlp.Stream) error {
	var wire packetWire
	if err := s.Decode(&wire); err != nil {
		return err
	}
	p.Seq = wire.Seq
	p.Sig = Blob(wire.Sig)

	m := Message{
		Kind:        MessageKind(wire.Kind),
		NetworkID:   wire.NetworkID,
		Port:        wire.Port,
		PingTime:    TimeFromUnixMs(wire.PingTime),
		Skip:        wire.Skip,
		BroadcastID: wire.BroadcastID,
		Payload:     Blob(wire.Payload),
		LastKnown:   wire.LastKnown,
		Target:      wire.Target,
		To:          wire.To,
		Zipped:      Blob(wire.Zipped),
		Hashes:      wire.Hashes,
		ErrorKind:   DataErrorKind(wire.ErrorKind),
		Reason:      ByeReason(wire.Reason),
	}
	m.Node = NodeAnnouncement{ID: wire.NodeID, Endpoint: wire.NodeEP, PublicKey: Blob(wire.NodePub), Version: wire.NodeVer, Name: wire.NodeName}
	m.Nodes = decodeNodeList(wire.NodesID, wire.NodesEP, wire.NodesPub, wire.NodesVer, wire.NodesName)

	if len(wire.TxnRaw) > 0 {
		txn, err := DecodeTxn(Blob(wire.TxnRaw))
		if err != nil {
			return err
		}
		m.Txn = txn
	}
	if len(wire.BlockRaw) > 0 {
		blk, err := DecodeBlock(Blob(wire.BlockRaw))
		if err != nil {
			return err
		}
		m.Block = blk
	}
	for _, raw := range wire.BlocksRaw {
		blk, err := DecodeBlock(Blob(raw))
		if err != nil {
			return err
		}
		m.Blocks = append(m.Blocks, blk)
	}
	for _, raw := range wire.TxnsRaw {
		txn, err := DecodeTxn(Blob(raw))
		if err != nil {
			return err
		}
		m.Txns = append(m.Txns, txn)
	}

	p.Msg = m
	return nil
}

func (p *Packet) Encode() (Blob, error) {
	raw, err := rlp.EncodeToBytes(p)
	return Blob(raw), err
}

func DecodePacket(b Blob) (*Packet, error) {
	var p Packet
	if err := rlp.DecodeBytes(b, &p); err != nil {
		return nil, NewDeserializeError("packet", err)
	}
	return &p, nil
}
