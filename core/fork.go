package core

import "fmt"

// ancestorEntry is one step of a chain walked back from some starting
// block to the origin.
type ancestorEntry struct {
	Hash   Hash
	Height uint64
}

// ancestorsFrom walks Prev pointers from start back to the origin block
// (whose Prev is ZeroHash), returning entries ordered from start back to
// origin inclusive.
func (rk *RecordKeeper) ancestorsFrom(start Hash) ([]ancestorEntry, error) {
	var out []ancestorEntry
	cur := start
	for {
		height, err := rk.getBlockHeightLocked(cur)
		if err != nil {
			return nil, fmt.Errorf("recordkeeper: ancestor walk: %w", err)
		}
		out = append(out, ancestorEntry{Hash: cur, Height: height})
		hdr, err := rk.getBlockHeaderRaw(cur)
		if err != nil {
			return nil, fmt.Errorf("recordkeeper: ancestor walk header: %w", err)
		}
		if hdr.Prev.IsZero() {
			return out, nil
		}
		cur = hdr.Prev
	}
}

// findLCA locates the lowest common ancestor of head and candidate,
// returning the LCA hash, the path from LCA (exclusive) to candidate
// (inclusive) in ascending (forward-applicable) order, and the path from
// LCA (exclusive) to head (inclusive) in ascending order — the blocks
// whose contras must be applied, walked in descending (head-first) order
// by the caller.
func (rk *RecordKeeper) findLCA(head, candidate Hash) (lca Hash, forwardFromLCA, headSideFromLCA []Hash, err error) {
	headChain, err := rk.ancestorsFrom(head)
	if err != nil {
		return ZeroHash, nil, nil, err
	}
	headIndex := make(map[Hash]int, len(headChain))
	for i, e := range headChain {
		headIndex[e.Hash] = i
	}

	candChain, err := rk.ancestorsFrom(candidate)
	if err != nil {
		return ZeroHash, nil, nil, err
	}

	var candIdx = -1
	for i, e := range candChain {
		if j, ok := headIndex[e.Hash]; ok {
			candIdx = i
			lca = e.Hash
			_ = j
			break
		}
	}
	if candIdx < 0 {
		return ZeroHash, nil, nil, fmt.Errorf("recordkeeper: no common ancestor between %x and %x", head, candidate)
	}
	headIdx := headIndex[lca]

	// candChain[0:candIdx] is candidate..LCA-exclusive, descending; reverse
	// for ascending (forward-applicable) order.
	forwardFromLCA = make([]Hash, candIdx)
	for i := 0; i < candIdx; i++ {
		forwardFromLCA[candIdx-1-i] = candChain[i].Hash
	}

	headSideFromLCA = make([]Hash, headIdx)
	for i := 0; i < headIdx; i++ {
		headSideFromLCA[headIdx-1-i] = headChain[i].Hash
	}

	return lca, forwardFromLCA, headSideFromLCA, nil
}

// heightOf is a small helper used by fork-selection comparisons.
func (rk *RecordKeeper) heightOf(hash Hash) (uint64, error) {
	if hash.IsZero() {
		return 0, nil
	}
	return rk.getBlockHeightLocked(hash)
}

// winsForkChoice reports whether a candidate block at candHeight/candHash
// should become the new head over the current head: longest height wins,
// ties broken by hash ordering (§4.3).
func winsForkChoice(candHeight uint64, candHash Hash, headHeight uint64, headHash Hash) bool {
	if candHeight != headHeight {
		return candHeight > headHeight
	}
	return candHash.Cmp(headHash) > 0
}
