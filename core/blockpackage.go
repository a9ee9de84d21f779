package core

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/klauspost/compress/flate"
)

// packagedBlock is one block's wire-shape inside a BlockPackage: the
// header plus u16 indices into the package's shared txn table (§4.4).
type packagedBlock struct {
	Header  BlockHeader
	TxnIdxs []uint16
}

// blockPackageWire is the RLP-serialized, pre-compression shape.
type blockPackageWire struct {
	Blocks []packagedBlock
	Txns   []*Txn
}

// BlockPackage is a sync-efficient, compressed bundle of consecutive
// blocks exchanged between peers.
type BlockPackage struct {
	Blocks []packagedBlock
	Txns   []*Txn
}

const maxPackageTxns = 65535

// BuildBlockPackage walks parent pointers from target down to lastKnown,
// collecting block hashes in reverse order until byteLimit is exhausted,
// then reverses so the package runs from the ancestor closest to
// lastKnown upward toward target.
func (rk *RecordKeeper) BuildBlockPackage(lastKnown, target Hash, byteLimit int) (*BlockPackage, Hash, error) {
	rk.mu.Lock()
	defer rk.mu.Unlock()

	if lastKnown == target {
		return &BlockPackage{}, lastKnown, nil
	}

	var hashes []Hash
	cur := target
	size := 0
	for cur != lastKnown {
		hdr, err := rk.getBlockHeaderRaw(cur)
		if err != nil {
			return nil, ZeroHash, NewLogicError(MissingPrevious)
		}
		if hdr.Prev == cur {
			return nil, ZeroHash, fmt.Errorf("recordkeeper: self-referential prev on %x", cur)
		}
		hashes = append(hashes, cur)
		size += 32 + len(hdr.Blob)
		if size >= byteLimit {
			break
		}
		cur = hdr.Prev
	}
	// Reverse: hashes was collected target-down-to-lastKnown; the package
	// runs lastKnown-up-to-target.
	for i, j := 0, len(hashes)-1; i < j; i, j = i+1, j-1 {
		hashes[i], hashes[j] = hashes[j], hashes[i]
	}

	txnTable := make(map[Hash]uint16)
	var txns []*Txn
	pkg := &BlockPackage{}
	var lastHash Hash

	for _, h := range hashes {
		raw, err := rk.store.Get(KeyBlockHeader(h))
		if err != nil {
			return nil, ZeroHash, NewDBError("load block for package", err)
		}
		blk, err := DecodeBlock(Blob(raw))
		if err != nil {
			return nil, ZeroHash, NewDeserializeError("block for package", err)
		}
		idxs := make([]uint16, 0, len(blk.Txns))
		for _, th := range blk.Txns {
			idx, ok := txnTable[th]
			if !ok {
				if len(txns) >= maxPackageTxns {
					return nil, ZeroHash, fmt.Errorf("recordkeeper: package exceeds %d distinct txns", maxPackageTxns)
				}
				txn, err := rk.resolveTxn(th)
				if err != nil {
					return nil, ZeroHash, err
				}
				idx = uint16(len(txns))
				txnTable[th] = idx
				txns = append(txns, txn)
			}
			idxs = append(idxs, idx)
		}
		pkg.Blocks = append(pkg.Blocks, packagedBlock{Header: blk.Header, TxnIdxs: idxs})
		lastHash = h
	}
	pkg.Txns = txns
	return pkg, lastHash, nil
}

// Pack serializes and compresses the package with a deflate-family codec.
func (p *BlockPackage) Pack() (Blob, error) {
	wire := blockPackageWire{Blocks: p.Blocks, Txns: p.Txns}
	raw, err := rlp.EncodeToBytes(&wire)
	if err != nil {
		return nil, fmt.Errorf("block package: encode: %w", err)
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("block package: compress: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return nil, fmt.Errorf("block package: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("block package: compress: %w", err)
	}
	return Blob(buf.Bytes()), nil
}

// UnpackBlockPackage decompresses and deserializes zipped, and reports the
// hash of the last block so the receiver can continue syncing past this
// package without decompressing again to inspect it.
func UnpackBlockPackage(zipped Blob) (*BlockPackage, Hash, error) {
	r := flate.NewReader(bytes.NewReader(zipped))
	defer r.Close()
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, ZeroHash, NewDeserializeError("block package: decompress", err)
	}
	var wire blockPackageWire
	if err := rlp.DecodeBytes(raw, &wire); err != nil {
		return nil, ZeroHash, NewDeserializeError("block package", err)
	}
	pkg := &BlockPackage{Blocks: wire.Blocks, Txns: wire.Txns}
	if len(pkg.Blocks) == 0 {
		return pkg, ZeroHash, nil
	}
	last := pkg.Blocks[len(pkg.Blocks)-1]
	h := (&Block{Header: last.Header}).Hash()
	return pkg, h, nil
}

// ToBlocks reconstitutes the full Block list the package describes,
// resolving each block's txn indices against the shared txn table.
func (p *BlockPackage) ToBlocks() ([]*Block, error) {
	out := make([]*Block, 0, len(p.Blocks))
	for _, pb := range p.Blocks {
		txns := make([]Hash, 0, len(pb.TxnIdxs))
		for _, idx := range pb.TxnIdxs {
			if int(idx) >= len(p.Txns) {
				return nil, fmt.Errorf("block package: txn index %d out of range", idx)
			}
			txns = append(txns, p.Txns[idx].Hash())
		}
		out = append(out, &Block{Header: pb.Header, Txns: txns})
	}
	return out, nil
}

// GetBlocksBetween is the public RecordKeeper entry point for building a
// BlockPackage spanning (lastKnown, target].
func (rk *RecordKeeper) GetBlocksBetween(lastKnown, target Hash, byteLimit int) (*BlockPackage, Hash, error) {
	return rk.BuildBlockPackage(lastKnown, target, byteLimit)
}

// ImportPkg applies every block in pkg, in order, via AddBlock. Its txns
// are staged into the pending set first so blockMutation can resolve
// them; staging here bypasses the mempool budget check since these txns
// are already committed on the sending peer's chain, not awaiting room.
func (rk *RecordKeeper) ImportPkg(pkg *BlockPackage) error {
	for _, txn := range pkg.Txns {
		h := txn.Hash()
		size, err := pendingTxnSize(txn)
		if err != nil {
			return NewDeserializeError("encode imported txn", err)
		}
		rk.pendingMu.Lock()
		if _, ok := rk.pending[h]; !ok {
			rk.stagePendingLocked(h, txn, size)
		}
		rk.pendingMu.Unlock()
	}
	blocks, err := pkg.ToBlocks()
	if err != nil {
		return err
	}
	for _, blk := range blocks {
		if _, err := rk.AddBlock(blk, false); err != nil {
			return err
		}
	}
	return nil
}
