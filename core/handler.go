package core

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// BroadcastHandler processes a Broadcast payload for one broadcast-id and
// reports whether the shard should re-flood it.
type BroadcastHandler func(payload Blob) (propagate bool)

// Handler dispatches incoming Packets per the message catalogue, wiring
// RecordKeeper, the node repository, and the per-shard job queue together.
type Handler struct {
	rk        *RecordKeeper
	repo      *NodeRepository
	byteLimit int

	broadcastReceivers [256]BroadcastHandler

	log *logrus.Logger
}

func NewHandler(rk *RecordKeeper, repo *NodeRepository, byteLimit int, log *logrus.Logger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if byteLimit <= 0 {
		byteLimit = MaxPacketSize
	}
	return &Handler{rk: rk, repo: repo, byteLimit: byteLimit, log: log}
}

// RegisterBroadcast installs a handler for the given broadcast-id. It is a
// single-writer set-once cell: a second registration for the same id is
// rejected.
func (h *Handler) RegisterBroadcast(id uint8, fn BroadcastHandler) bool {
	if h.broadcastReceivers[id] != nil {
		return false
	}
	h.broadcastReceivers[id] = fn
	return true
}

// Handle processes one packet received over session s of shard sh, routing
// it per Kind and returning any reply packets the transport should send
// back.
func (h *Handler) Handle(sh *Shard, s *Session, networkID Hash, pkt Packet) []Packet {
	m := pkt.Msg
	switch m.Kind {
	case MsgIntroduce:
		return h.handleIntroduce(sh, s, networkID, pkt)
	case MsgPing:
		return []Packet{{Seq: s.NextSeq(), Msg: Message{Kind: MsgPong, PingTime: m.PingTime}}}
	case MsgPong:
		s.RecordPong(m.PingTime)
		return nil
	case MsgFindNodes:
		return h.handleFindNodes(s, m)
	case MsgNodeList:
		h.handleNodeList(sh, m)
		return nil
	case MsgNewTransaction:
		h.handleNewTransaction(sh, s, m)
		return nil
	case MsgNewBlock:
		return h.handleNewBlock(sh, s, m)
	case MsgBroadcast:
		h.handleBroadcast(sh, pkt)
		return nil
	case MsgSyncBlocks:
		return h.handleSyncBlocks(m)
	case MsgChainData:
		return h.handleChainData(sh, s, m)
	case MsgQueryData:
		return h.handleQueryData(m)
	case MsgSpotChainData:
		h.handleSpotChainData(m)
		return nil
	case MsgDataError:
		h.handleDataError(sh, s, pkt.Seq)
		return nil
	case MsgBye:
		sh.Close(s.RemoteAddr())
		return nil
	}
	return nil
}

func (h *Handler) handleIntroduce(sh *Shard, s *Session, networkID Hash, pkt Packet) []Packet {
	m := pkt.Msg
	if m.NetworkID != networkID {
		return nil
	}
	if !VerifySignature(m.Node.PublicKey, pkt.sigPayload(), pkt.Sig) {
		return nil
	}
	if !s.HandleIntroduce(m.Node, networkID) {
		return nil
	}
	h.repo.Apply(NodeRecord{ID: m.Node.ID, Endpoint: m.Node.Endpoint, PublicKey: m.Node.PublicKey, Version: m.Node.Version, Name: m.Node.Name})
	return []Packet{{Seq: s.NextSeq(), Msg: Message{Kind: MsgIntroduce, NetworkID: networkID, Node: m.Node, Port: sh.Port()}}}
}

func (h *Handler) handleFindNodes(s *Session, m Message) []Packet {
	all := h.repo.Top(int(m.Skip) + NodeResponseSize)
	if int(m.Skip) >= len(all) {
		return []Packet{{Seq: s.NextSeq(), Msg: Message{Kind: MsgNodeList, NetworkID: m.NetworkID, Skip: m.Skip}}}
	}
	end := int(m.Skip) + NodeResponseSize
	if end > len(all) {
		end = len(all)
	}
	var nodes []NodeAnnouncement
	for _, n := range all[m.Skip:end] {
		nodes = append(nodes, NodeAnnouncement{ID: n.ID, Endpoint: n.Endpoint, PublicKey: n.PublicKey, Version: n.Version, Name: n.Name})
	}
	return []Packet{{Seq: s.NextSeq(), Msg: Message{Kind: MsgNodeList, Nodes: nodes, NetworkID: m.NetworkID, Skip: m.Skip}}}
}

func (h *Handler) handleNodeList(sh *Shard, m Message) {
	for _, n := range m.Nodes {
		h.repo.Apply(NodeRecord{ID: n.ID, Endpoint: n.Endpoint, PublicKey: n.PublicKey, Version: n.Version, Name: n.Name})
	}
	room := sh.maxNodes - sh.minNodes
	if room <= 0 {
		return
	}
	have := sh.Len()
	if have >= sh.maxNodes {
		return
	}
	// No sessions are opened here: the announced nodes are only recorded in
	// the repository, and the top candidates looked up below are not dialled.
	_ = h.repo.Top(room)
}

func (h *Handler) handleNewTransaction(sh *Shard, s *Session, m Message) {
	if m.Txn == nil {
		return
	}
	err := h.rk.AddPendingTxn(m.Txn, false)
	if err == nil || errors.Is(err, ErrNotFound) {
		return
	}
	var logicErr *LogicError
	if errors.As(err, &logicErr) && s.StrikeAbuse() {
		s.Enqueue(s.Close(ByeAbuse))
		sh.Close(s.RemoteAddr())
	}
}

func (h *Handler) handleNewBlock(sh *Shard, s *Session, m Message) []Packet {
	if m.Block == nil {
		return nil
	}
	_, err := h.rk.AddBlock(m.Block, false)
	if err == nil {
		return nil
	}
	var logicErr *LogicError
	if errors.As(err, &logicErr) && logicErr.Kind == MissingPrevious {
		head, _ := h.rk.CurrentHead()
		job := sh.Jobs().Submit(JobData{Kind: JobSyncChain, Target: m.Block.Hash(), Cursor: head}, s.RemoteAddr())
		h.log.Debugf("handler: job %s syncing chain to %s from %s", job.ID, m.Block.Hash().Hex(), s.RemoteAddr())
	}
	return nil
}

func (h *Handler) handleBroadcast(sh *Shard, pkt Packet) {
	m := pkt.Msg
	fn := h.broadcastReceivers[m.BroadcastID]
	if fn == nil {
		return
	}
	if fn(m.Payload) {
		sh.ReliableFlood(uint64(pkt.Seq)<<8|uint64(m.BroadcastID), pkt)
	}
}

func (h *Handler) handleSyncBlocks(m Message) []Packet {
	pkg, last, err := h.rk.GetBlocksBetween(m.LastKnown, m.Target, h.byteLimit)
	if err != nil {
		return []Packet{{Msg: Message{Kind: MsgDataError, ErrorKind: DataErrorHashesNotFound, Hashes: []Hash{m.Target}}}}
	}
	zipped, err := pkg.Pack()
	if err != nil {
		return []Packet{{Msg: Message{Kind: MsgDataError, ErrorKind: DataErrorInternalError}}}
	}
	return []Packet{{Msg: Message{Kind: MsgChainData, To: last, Zipped: zipped}}}
}

func (h *Handler) handleChainData(sh *Shard, s *Session, m Message) []Packet {
	pkg, last, err := UnpackBlockPackage(m.Zipped)
	if err != nil {
		return nil
	}
	if err := h.rk.ImportPkg(pkg); err != nil {
		return nil
	}
	sh.Jobs().CompleteSyncChain(s.RemoteAddr(), last)
	if m.To != last {
		head, _ := h.rk.CurrentHead()
		return []Packet{{Seq: s.NextSeq(), Msg: Message{Kind: MsgSyncBlocks, LastKnown: head, Target: m.To}}}
	}
	return nil
}

func (h *Handler) handleQueryData(m Message) []Packet {
	var blocks []*Block
	var txns []*Txn
	var missing []Hash
	for _, hash := range m.Hashes {
		if blk, err := h.rk.GetBlock(hash); err == nil {
			blocks = append(blocks, blk)
			continue
		}
		if txn, err := h.rk.GetTxn(hash); err == nil {
			txns = append(txns, txn)
			continue
		}
		missing = append(missing, hash)
	}
	var out []Packet
	if len(blocks) > 0 || len(txns) > 0 {
		out = append(out, Packet{Msg: Message{Kind: MsgSpotChainData, Blocks: blocks, Txns: txns}})
	}
	if len(missing) > 0 {
		out = append(out, Packet{Msg: Message{Kind: MsgDataError, ErrorKind: DataErrorHashesNotFound, Hashes: missing}})
	}
	return out
}

func (h *Handler) handleSpotChainData(m Message) {
	for _, blk := range m.Blocks {
		_, _ = h.rk.AddBlock(blk, false)
	}
	for _, txn := range m.Txns {
		_ = h.rk.AddPendingTxn(txn, false)
	}
}

func (h *Handler) handleDataError(sh *Shard, s *Session, seq uint32) {
	sh.Jobs().DataError(s.RemoteAddr(), seq)
}

// sigPayload is the byte span an Introduce's signature covers: the
// serialized Message alone, independent of the enclosing Packet's Seq/Sig.
func (p Packet) sigPayload() Blob {
	enc, err := EncodeMessage(p.Msg)
	if err != nil {
		return nil
	}
	return enc
}
