package core

import "fmt"

// blockMutation reconstructs the Mutation a committed block applies by
// concatenating its included txns' mutations in the block's stored txn
// order. Txns must already be resolvable (either still pending, for the
// block currently being added, or already committed to Chain for
// previously-seen blocks being replayed during a reorg).
func (rk *RecordKeeper) blockMutation(block *Block) (Mutation, []ChangeAuthor, error) {
	var merged Mutation
	var authors []ChangeAuthor
	for _, th := range block.Txns {
		txn, err := rk.resolveTxn(th)
		if err != nil {
			return Mutation{}, nil, err
		}
		merged = merged.Merge(txn.Mutation)
		for _, c := range txn.Mutation.Changes {
			authors = append(authors, ChangeAuthor{Change: c, Author: txn.Creator})
		}
	}
	return merged, authors, nil
}

func (rk *RecordKeeper) resolveTxn(hash Hash) (*Txn, error) {
	rk.pendingMu.RLock()
	if p, ok := rk.pending[hash]; ok {
		rk.pendingMu.RUnlock()
		return p.txn, nil
	}
	rk.pendingMu.RUnlock()

	raw, err := rk.store.Get(KeyTxn(hash))
	if err != nil {
		return nil, err
	}
	return DecodeTxn(Blob(raw))
}

// AddBlock validates and stores block. It returns whether the block was
// newly added (false if it was already known). fresh marks a
// locally-forged block (vs. one relayed from a peer).
func (rk *RecordKeeper) AddBlock(block *Block, fresh bool) (bool, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()

	hash := block.Hash()
	if _, err := rk.store.Get(KeyBlockHeader(hash)); err == nil {
		return false, nil
	}

	var newHeight uint64
	if !block.Header.Prev.IsZero() {
		h, err := rk.getBlockHeightLocked(block.Header.Prev)
		if err != nil {
			if err == ErrNotFound {
				return false, NewLogicError(MissingPrevious)
			}
			return false, err
		}
		newHeight = h + 1
	}

	var prevHeader *BlockHeader
	if !block.Header.Prev.IsZero() {
		hdr, err := rk.getBlockHeaderRaw(block.Header.Prev)
		if err != nil {
			return false, NewLogicError(MissingPrevious)
		}
		prevHeader = hdr
	}

	diff, state, snap, err := rk.snapshotState()
	if err != nil {
		return false, err
	}
	defer snap.Release()

	lookup := stateValidatorLookup{state: state}
	if err := rk.cfg.validateBlock(state, prevHeader, block, lookup); err != nil {
		return false, err
	}

	mutation, authors, err := rk.blockMutation(block)
	if err != nil {
		return false, err
	}
	for _, th := range block.Txns {
		txn, terr := rk.resolveTxn(th)
		if terr != nil {
			return false, terr
		}
		if verr := rk.cfg.validateTxn(state, txn, rk.adminKey); verr != nil {
			return false, verr
		}
	}
	if err := rk.cfg.validateMutation(state, authors, rk.adminKey); err != nil {
		return false, err
	}

	promote := block.Header.Prev == rk.head || winsForkChoice(newHeight, hash, rk.headHeight, rk.head)
	uncled := !promote

	if block.Header.Prev == rk.head {
		if err := rk.commitForwardLocked(diff, state, block, hash, newHeight, mutation); err != nil {
			return false, err
		}
	} else if promote {
		if err := rk.reorgToLocked(block, hash, newHeight); err != nil {
			return false, err
		}
	} else {
		if err := rk.storeUnpromotedLocked(block, hash, newHeight); err != nil {
			return false, err
		}
	}

	rk.log.Infof("recordkeeper: added block %s height %d uncled=%v", hash.Hex(), newHeight, uncled)
	rk.events.Publish(NewBlockEvent{Hash: hash, Uncled: uncled})
	return true, nil
}

// commitForwardLocked is the fast path: block attaches directly to the
// current head.
func (rk *RecordKeeper) commitForwardLocked(diff *DBDiff, state *DBState, block *Block, hash Hash, height uint64, mutation Mutation) error {
	contra, err := buildContra(state, mutation)
	if err != nil {
		return err
	}
	if err := applyMutation(diff, state, mutation); err != nil {
		return err
	}

	rk.indexNewBlockLocked(diff, block, hash, height)

	contraBlob, err := mutation2Blob(contra)
	if err != nil {
		return err
	}
	diff.Set(KeyContraMut(hash), contraBlob.Bytes())
	diff.Set(KeyCurrentHead(), append(append([]byte(nil), hash[:]...), heightToBytes(height)...))

	snapForCompile, err := rk.store.Snapshot()
	if err != nil {
		return NewDBError("open compile snapshot", err)
	}
	defer snapForCompile.Release()
	batch, err := diff.Compile(snapForCompile)
	if err != nil {
		return err
	}
	if err := rk.store.WriteBatch(batch); err != nil {
		return NewDBError("commit block", err)
	}

	rk.head = hash
	rk.headHeight = height
	rk.clearPendingTxns(block.Txns)
	return nil
}

// storeUnpromotedLocked stores a block (and its txns) without applying its
// mutation to network state: an uncle that doesn't currently win fork
// choice.
func (rk *RecordKeeper) storeUnpromotedLocked(block *Block, hash Hash, height uint64) error {
	diff := NewDBDiff()
	rk.indexNewBlockLocked(diff, block, hash, height)

	snap, err := rk.store.Snapshot()
	if err != nil {
		return NewDBError("open compile snapshot", err)
	}
	defer snap.Release()
	batch, err := diff.Compile(snap)
	if err != nil {
		return err
	}
	return rk.store.WriteBatch(batch)
}

// reorgToLocked promotes block onto the active chain: walk back applying
// contras to the LCA with the current chain, then walk forward replaying
// every intervening block's mutation plus block's own.
func (rk *RecordKeeper) reorgToLocked(block *Block, hash Hash, height uint64) error {
	lca, forwardPath, headSidePath, err := rk.findLCA(rk.head, block.Header.Prev)
	if err != nil {
		return fmt.Errorf("recordkeeper: reorg: %w", err)
	}

	lcaHeight, err := rk.heightOf(lca)
	if err != nil {
		return err
	}

	snap, err := rk.store.Snapshot()
	if err != nil {
		return NewDBError("open reorg snapshot", err)
	}
	defer snap.Release()

	diff := NewDBDiff()
	state := NewDBState(diff, snap)

	// Walk back: apply each head-side block's recorded contra, from the
	// current head down to (but not including) the LCA.
	for i := len(headSidePath) - 1; i >= 0; i-- {
		h := headSidePath[i]
		raw, err := state.Get(KeyContraMut(h))
		if err != nil {
			return NewDBError("load contra for reorg unwind", err)
		}
		contra, err := decodeMutationBlob(Blob(raw))
		if err != nil {
			return err
		}
		if err := applyMutation(diff, state, contra); err != nil {
			return err
		}
	}

	rk.events.Publish(StateInvalidatedEvent{NewHeight: height, AfterHeight: lcaHeight, AfterTick: 0})

	// Walk forward: replay every intervening block (already stored as
	// uncles, mutation not yet applied) then the new block itself.
	fullPath := make([]struct {
		hash  Hash
		block *Block
	}, 0, len(forwardPath)+1)
	for _, h := range forwardPath {
		raw, err := rk.store.Get(KeyBlockHeader(h))
		if err != nil {
			return NewDBError("load intervening block for reorg", err)
		}
		blk, err := DecodeBlock(Blob(raw))
		if err != nil {
			return NewDeserializeError("intervening block", err)
		}
		fullPath = append(fullPath, struct {
			hash  Hash
			block *Block
		}{hash: h, block: blk})
	}
	fullPath = append(fullPath, struct {
		hash  Hash
		block *Block
	}{hash: hash, block: block})

	curHeight := lcaHeight
	for _, step := range fullPath {
		curHeight++
		mutation, _, err := rk.blockMutationThroughState(step.block, state)
		if err != nil {
			return err
		}
		contra, err := buildContra(state, mutation)
		if err != nil {
			return err
		}
		if err := applyMutation(diff, state, mutation); err != nil {
			return err
		}
		contraBlob, err := mutation2Blob(contra)
		if err != nil {
			return err
		}
		diff.Set(KeyContraMut(step.hash), contraBlob.Bytes())
		diff.Set(KeyHeightByBlock(step.hash), heightToBytes(curHeight))
		appendToHeightIndexDiff(diff, state, curHeight, step.hash)
	}

	diff.Set(KeyCurrentHead(), append(append([]byte(nil), hash[:]...), heightToBytes(height)...))

	rk.indexNewBlockLocked(diff, block, hash, height)

	compileSnap, err := rk.store.Snapshot()
	if err != nil {
		return NewDBError("open compile snapshot", err)
	}
	defer compileSnap.Release()
	batch, err := diff.Compile(compileSnap)
	if err != nil {
		return err
	}
	if err := rk.store.WriteBatch(batch); err != nil {
		return NewDBError("commit reorg", err)
	}

	rk.head = hash
	rk.headHeight = height
	rk.clearPendingTxns(block.Txns)
	return nil
}

// blockMutationThroughState is blockMutation but resolving txns through a
// DBState-visible store (so a txn created earlier in the same reorg pass
// is still resolvable); today it delegates to the same resolution path
// since txns are immutable once stored.
func (rk *RecordKeeper) blockMutationThroughState(block *Block, _ *DBState) (Mutation, []ChangeAuthor, error) {
	return rk.blockMutation(block)
}

// indexNewBlockLocked writes the keyspace rows common to every newly seen
// block regardless of whether it was promoted: Chain rows plus the
// HeightByBlock/BlocksByHeight/BlocksByTxn/TxnsByAccount/TxnReceiveTime
// cache rows.
func (rk *RecordKeeper) indexNewBlockLocked(diff *DBDiff, block *Block, hash Hash, height uint64) {
	enc, _ := block.Encode()
	diff.Set(KeyBlockHeader(hash), enc.Bytes())
	diff.Set(KeyHeightByBlock(hash), heightToBytes(height))
	diff.Set(KeyBlocksByHeight(height), appendHashUnique(currentBlocksAtHeight(rk.store, height), hash))
	diff.Set(KeyTxnList(hash), encodeHashList(block.Txns))

	for _, th := range block.Txns {
		txn, err := rk.resolveTxn(th)
		if err != nil {
			continue
		}
		txnBlob, _ := txn.Encode()
		diff.Set(KeyTxn(th), txnBlob.Bytes())
		diff.Set(KeyBlocksByTxn(th), appendHashUnique(currentRaw(rk.store, KeyBlocksByTxn(th)), hash))
		diff.Set(KeyTxnsByAccount(txn.Creator), appendHashUnique(currentRaw(rk.store, KeyTxnsByAccount(txn.Creator)), th))
		diff.Set(KeyTxnReceiveTime(th), heightToBytes(uint64(rk.txnReceiveTimeLocked(th))))
	}
}

func appendToHeightIndexDiff(diff *DBDiff, state *DBState, height uint64, hash Hash) {
	raw, err := state.Get(KeyBlocksByHeight(height))
	if err != nil {
		raw = nil
	}
	diff.Set(KeyBlocksByHeight(height), appendHashUnique(raw, hash))
}

func (rk *RecordKeeper) txnReceiveTimeLocked(hash Hash) int64 {
	rk.pendingMu.RLock()
	defer rk.pendingMu.RUnlock()
	if p, ok := rk.pending[hash]; ok {
		return p.receivedAt.UnixMs()
	}
	return Now().UnixMs()
}

func currentRaw(store KVStore, key []byte) []byte {
	raw, err := store.Get(key)
	if err != nil {
		return nil
	}
	return raw
}

func currentBlocksAtHeight(store KVStore, height uint64) []byte {
	return currentRaw(store, KeyBlocksByHeight(height))
}

func (rk *RecordKeeper) clearPendingTxns(txns []Hash) {
	rk.pendingMu.Lock()
	defer rk.pendingMu.Unlock()
	for _, h := range txns {
		if p, ok := rk.pending[h]; ok {
			rk.mempoolBytes -= p.size
			delete(rk.pending, h)
		}
	}
}

// StepBack moves head to current.Prev, applying ContraMut(current). Fails
// on the origin block.
func (rk *RecordKeeper) StepBack() error {
	rk.mu.Lock()
	defer rk.mu.Unlock()

	if rk.head.IsZero() {
		return NewLogicError(UndoOrigin)
	}
	hdr, err := rk.getBlockHeaderRaw(rk.head)
	if err != nil {
		return err
	}

	diff, state, snap, err := rk.snapshotState()
	if err != nil {
		return err
	}
	defer snap.Release()

	raw, err := state.Get(KeyContraMut(rk.head))
	if err != nil {
		return NewDBError("load contra for step back", err)
	}
	contra, err := decodeMutationBlob(Blob(raw))
	if err != nil {
		return err
	}
	if err := applyMutation(diff, state, contra); err != nil {
		return err
	}

	var prevHeight uint64
	if !hdr.Prev.IsZero() {
		h, err := rk.getBlockHeightLocked(hdr.Prev)
		if err != nil {
			return err
		}
		prevHeight = h
	}
	diff.Set(KeyCurrentHead(), append(append([]byte(nil), hdr.Prev[:]...), heightToBytes(prevHeight)...))

	compileSnap, err := rk.store.Snapshot()
	if err != nil {
		return NewDBError("open compile snapshot", err)
	}
	defer compileSnap.Release()
	batch, err := diff.Compile(compileSnap)
	if err != nil {
		return err
	}
	if err := rk.store.WriteBatch(batch); err != nil {
		return NewDBError("commit step back", err)
	}

	rk.head = hdr.Prev
	rk.headHeight = prevHeight
	return nil
}

func mutation2Blob(m Mutation) (Blob, error) {
	return rlpEncodeMutation(m)
}

func decodeMutationBlob(b Blob) (Mutation, error) {
	return rlpDecodeMutation(b)
}
