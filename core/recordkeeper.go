package core

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// defaultMempoolBudgetBytes is the pending-txn pool's default byte budget
// (§5 back-pressure bounds the pool by size, not entry count).
const defaultMempoolBudgetBytes = 8 * 1024 * 1024

// pendingTxn is a mempool entry: the txn plus when it was first seen, so
// expiry and get_txn_receive_time have something to answer from before
// the txn is committed. size is its RLP-encoded length, charged against
// the mempool's byte budget.
type pendingTxn struct {
	txn        *Txn
	receivedAt Time
	size       int
}

// RecordKeeper is the single logical owner of chain head and network
// state (§4.3). All mutating operations are serialized by mu; readers
// take a KVStore snapshot so they never observe a partially-applied
// write.
type RecordKeeper struct {
	mu sync.Mutex

	store  KVStore
	cfg    *RecordKeeperConfig
	log    *logrus.Logger
	events *EventBus

	adminKey KeyHash

	pendingMu     sync.RWMutex
	pending       map[Hash]pendingTxn
	mempoolBytes  int
	mempoolBudget int

	head       Hash
	headHeight uint64
}

// RecordKeeperParams are the construction-time values that don't belong
// in the rule-plugin config: storage backend, logger, event sink, and the
// network's admin identity.
type RecordKeeperParams struct {
	Store              KVStore
	Config             *RecordKeeperConfig
	Logger             *logrus.Logger
	Events             *EventBus
	AdminKeyID         KeyHash
	MempoolBudgetBytes int
}

func NewRecordKeeper(p RecordKeeperParams) (*RecordKeeper, error) {
	if p.Store == nil {
		return nil, fmt.Errorf("recordkeeper: store is required")
	}
	if p.Config == nil {
		p.Config = NewRecordKeeperConfig().WithBuiltinRules()
	}
	if p.Logger == nil {
		p.Logger = logrus.StandardLogger()
	}
	if p.Events == nil {
		p.Events = NewEventBus()
	}
	if p.MempoolBudgetBytes <= 0 {
		p.MempoolBudgetBytes = defaultMempoolBudgetBytes
	}
	rk := &RecordKeeper{
		store:         p.Store,
		cfg:           p.Config,
		log:           p.Logger,
		events:        p.Events,
		adminKey:      p.AdminKeyID,
		pending:       make(map[Hash]pendingTxn),
		mempoolBudget: p.MempoolBudgetBytes,
	}
	if err := rk.loadHead(); err != nil {
		return nil, err
	}
	return rk, nil
}

func (rk *RecordKeeper) Events() *EventBus { return rk.events }

func (rk *RecordKeeper) loadHead() error {
	raw, err := rk.store.Get(KeyCurrentHead())
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return NewDBError("load current head", err)
	}
	if len(raw) != 40 {
		return fmt.Errorf("recordkeeper: malformed CurrentHead row")
	}
	copy(rk.head[:], raw[:32])
	h, err := heightFromBytes(raw[32:])
	if err != nil {
		return err
	}
	rk.headHeight = h
	return nil
}

// snapshotState opens a backing-store snapshot and wraps it with a fresh
// DBDiff, the read-through pair every operation validates against.
func (rk *RecordKeeper) snapshotState() (*DBDiff, *DBState, KVSnapshot, error) {
	snap, err := rk.store.Snapshot()
	if err != nil {
		return nil, nil, nil, NewDBError("open snapshot", err)
	}
	diff := NewDBDiff()
	return diff, NewDBState(diff, snap), snap, nil
}

// stateValidatorLookup implements ValidatorLookup by reading through a
// DBState, so rule validation always sees pending diff writes (e.g. a
// NewValidator change earlier in the same block) as well as committed
// state.
type stateValidatorLookup struct {
	state *DBState
}

func (l stateValidatorLookup) ValidatorKeyDER(id KeyHash) (Blob, bool) {
	raw, err := l.state.Get(KeyValidatorKey(id))
	if err != nil {
		return nil, false
	}
	return Blob(raw), true
}

// PendingCount reports the current mempool size.
func (rk *RecordKeeper) PendingCount() int {
	rk.pendingMu.RLock()
	defer rk.pendingMu.RUnlock()
	return len(rk.pending)
}

// pendingTxnSize is the RLP-encoded byte size a txn charges against the
// mempool's budget.
func pendingTxnSize(txn *Txn) (int, error) {
	enc, err := txn.Encode()
	if err != nil {
		return 0, err
	}
	return len(enc.Bytes()), nil
}

// stagePendingLocked inserts txn into the mempool and charges its size
// against the byte budget. Callers must hold pendingMu and must not
// already have hash present (or the budget double-counts on overwrite).
func (rk *RecordKeeper) stagePendingLocked(hash Hash, txn *Txn, size int) {
	rk.pending[hash] = pendingTxn{txn: txn, receivedAt: Now(), size: size}
	rk.mempoolBytes += size
}

// CreateBlock assembles an unsigned block proposal over the current
// pending set, in hash order, bounded by the mempool size (§4.3).
func (rk *RecordKeeper) CreateBlock() (*Block, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()

	rk.pendingMu.RLock()
	txns := make([]Hash, 0, len(rk.pending))
	for h := range rk.pending {
		txns = append(txns, h)
	}
	rk.pendingMu.RUnlock()
	SortHashes(txns)

	return &Block{
		Header: BlockHeader{
			Version:    1,
			Timestamp:  Now(),
			Prev:       rk.head,
			MerkleRoot: MerkleRoot(txns),
			Blob:       nil,
			Creator:    ZeroKeyHash,
			Signature:  nil,
		},
		Txns: txns,
	}, nil
}

// IsBlockInCurrentChain reports whether hash is an ancestor of (or equal
// to) the current head.
func (rk *RecordKeeper) IsBlockInCurrentChain(hash Hash) (bool, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	return rk.isBlockInCurrentChainLocked(hash)
}

// isBlockInCurrentChainLocked walks Prev pointers from the current head.
// The origin block's Prev is ZeroHash, which terminates the walk: if hash
// itself is ZeroHash it matches on the first iteration where cur is zero,
// otherwise a zero Prev with no match means hash is not an ancestor.
func (rk *RecordKeeper) isBlockInCurrentChainLocked(hash Hash) (bool, error) {
	cur := rk.head
	for {
		if cur == hash {
			return true, nil
		}
		if cur.IsZero() {
			return false, nil
		}
		hdr, err := rk.getBlockHeaderRaw(cur)
		if err != nil {
			if err == ErrNotFound {
				return false, nil
			}
			return false, err
		}
		if hdr.Prev == cur {
			return false, fmt.Errorf("recordkeeper: self-referential prev on %x", cur)
		}
		cur = hdr.Prev
	}
}

func (rk *RecordKeeper) getBlockHeaderRaw(hash Hash) (*BlockHeader, error) {
	raw, err := rk.store.Get(KeyBlockHeader(hash))
	if err != nil {
		return nil, err
	}
	blk, err := DecodeBlock(Blob(raw))
	if err != nil {
		return nil, NewDeserializeError("block header", err)
	}
	return &blk.Header, nil
}

func (rk *RecordKeeper) GetBlockHeader(hash Hash) (*BlockHeader, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	return rk.getBlockHeaderRaw(hash)
}

func (rk *RecordKeeper) GetBlock(hash Hash) (*Block, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	raw, err := rk.store.Get(KeyBlockHeader(hash))
	if err != nil {
		return nil, err
	}
	blk, err := DecodeBlock(Blob(raw))
	if err != nil {
		return nil, NewDeserializeError("block", err)
	}
	return blk, nil
}

func (rk *RecordKeeper) GetTxn(hash Hash) (*Txn, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	raw, err := rk.store.Get(KeyTxn(hash))
	if err != nil {
		return nil, err
	}
	return DecodeTxn(Blob(raw))
}

func (rk *RecordKeeper) GetBlockHeight(hash Hash) (uint64, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	return rk.getBlockHeightLocked(hash)
}

// getBlockHeightLocked is GetBlockHeight without taking rk.mu: callers that
// already hold it (AddBlock, StepBack, the fork-choice walk in fork.go)
// must use this instead, since sync.Mutex isn't reentrant.
func (rk *RecordKeeper) getBlockHeightLocked(hash Hash) (uint64, error) {
	raw, err := rk.store.Get(KeyHeightByBlock(hash))
	if err != nil {
		return 0, err
	}
	return heightFromBytes(raw)
}

func (rk *RecordKeeper) GetBlocksOfHeight(height uint64) ([]Hash, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	raw, err := rk.store.Get(KeyBlocksByHeight(height))
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return decodeHashList(raw)
}

func (rk *RecordKeeper) GetLatestBlocks(n int) ([]Hash, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	out := make([]Hash, 0, n)
	cur := rk.head
	for i := 0; i < n && !cur.IsZero(); i++ {
		out = append(out, cur)
		hdr, err := rk.getBlockHeaderRaw(cur)
		if err != nil {
			break
		}
		cur = hdr.Prev
	}
	return out, nil
}

func (rk *RecordKeeper) GetPlotEvents(plot PlotID, fromTick uint64) (RawEvents, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	_, state, snap, err := rk.snapshotState()
	if err != nil {
		return RawEvents{}, err
	}
	defer snap.Release()
	return state.GetPlotEvents(plot, fromTick)
}

func (rk *RecordKeeper) GetTxnBlocks(hash Hash) ([]Hash, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	raw, err := rk.store.Get(KeyBlocksByTxn(hash))
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return decodeHashList(raw)
}

func (rk *RecordKeeper) GetAccountTxns(account KeyHash) ([]Hash, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	raw, err := rk.store.Get(KeyTxnsByAccount(account))
	if err != nil {
		if err == ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	return decodeHashList(raw)
}

func (rk *RecordKeeper) GetTxnReceiveTime(hash Hash) (Time, error) {
	rk.pendingMu.RLock()
	if p, ok := rk.pending[hash]; ok {
		rk.pendingMu.RUnlock()
		return p.receivedAt, nil
	}
	rk.pendingMu.RUnlock()

	rk.mu.Lock()
	defer rk.mu.Unlock()
	raw, err := rk.store.Get(KeyTxnReceiveTime(hash))
	if err != nil {
		return 0, err
	}
	ms, err := heightFromBytes(raw)
	if err != nil {
		return 0, err
	}
	return TimeFromUnixMs(int64(ms)), nil
}

func (rk *RecordKeeper) CurrentHead() (Hash, uint64) {
	rk.mu.Lock()
	defer rk.mu.Unlock()
	return rk.head, rk.headHeight
}

// AddPendingTxn validates txn via TxnRules and stores it in the mempool.
// fresh marks a locally-originated txn (vs. one relayed from a peer);
// reserved for future rate-limiting, not consulted by validation today.
func (rk *RecordKeeper) AddPendingTxn(txn *Txn, fresh bool) error {
	hash := txn.Hash()

	rk.pendingMu.RLock()
	_, alreadyPending := rk.pending[hash]
	rk.pendingMu.RUnlock()
	if alreadyPending {
		return NewLogicError(Duplicate)
	}

	rk.mu.Lock()
	_, state, snap, serr := rk.snapshotState()
	if serr != nil {
		rk.mu.Unlock()
		return serr
	}
	if already, e := rk.txnInChainLocked(hash); e == nil && already {
		snap.Release()
		rk.mu.Unlock()
		return NewLogicError(Duplicate)
	}
	verr := rk.cfg.validateTxn(state, txn, rk.adminKey)
	snap.Release()
	rk.mu.Unlock()
	if verr != nil {
		return verr
	}

	size, serr2 := pendingTxnSize(txn)
	if serr2 != nil {
		return NewDeserializeError("encode pending txn", serr2)
	}

	rk.pendingMu.Lock()
	if rk.mempoolBytes+size > rk.mempoolBudget {
		rk.pendingMu.Unlock()
		return NewOutOfMemoryError("pending-txn pool")
	}
	rk.stagePendingLocked(hash, txn, size)
	rk.pendingMu.Unlock()

	rk.log.Infof("recordkeeper: pending txn %s accepted (fresh=%v)", hash.Hex(), fresh)
	rk.events.Publish(NewTxnEvent{Hash: hash})
	return nil
}

func (rk *RecordKeeper) txnInChainLocked(hash Hash) (bool, error) {
	_, err := rk.store.Get(KeyTxn(hash))
	if err == nil {
		return true, nil
	}
	if err == ErrNotFound {
		return false, nil
	}
	return false, err
}

func decodeHashList(raw []byte) ([]Hash, error) {
	if len(raw)%32 != 0 {
		return nil, fmt.Errorf("recordkeeper: malformed hash list (%d bytes)", len(raw))
	}
	out := make([]Hash, 0, len(raw)/32)
	for i := 0; i < len(raw); i += 32 {
		var h Hash
		copy(h[:], raw[i:i+32])
		out = append(out, h)
	}
	return out, nil
}

func encodeHashList(hs []Hash) []byte {
	out := make([]byte, 0, len(hs)*32)
	for _, h := range hs {
		out = append(out, h[:]...)
	}
	return out
}

func appendHashUnique(raw []byte, h Hash) []byte {
	for i := 0; i+32 <= len(raw); i += 32 {
		if Hash(raw[i : i+32]) == h {
			return raw
		}
	}
	return append(raw, h[:]...)
}
