package core

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"
)

// latestBlocksFrom walks Prev pointers starting at start (inclusive),
// collecting up to n hashes. Unlocked: callers outside the writer lock
// only, reading committed headers directly off the store.
func (rk *RecordKeeper) latestBlocksFrom(start Hash, n int) ([]Hash, error) {
	var out []Hash
	cur := start
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

// blockAtDepth walks back up to depth blocks from prev (prev itself is
// depth 0), stopping early at the origin. It returns the header reached
// and that header's Prev hash.
func (rk *RecordKeeper) blockAtDepth(prev *BlockHeader, depth uint64) (*BlockHeader, Hash, error) {
	cur := prev
	curHash := prev.Prev
	for i := uint64(0); i < depth; i++ {
		if curHash.IsZero() {
			return cur, curHash, nil
		}
		hdr, err := rk.getBlockHeaderRaw(curHash)
		if err != nil {
			return nil, ZeroHash, err
		}
		cur = hdr
		curHash = hdr.Prev
	}
	return cur, curHash, nil
}

func newForgerTimer(delayMs int64) *time.Timer {
	return time.NewTimer(time.Duration(delayMs) * time.Millisecond)
}

// EPoSSignature is one validator's compounding signature over a forged
// block's blob.
type EPoSSignature struct {
	PublicKey Blob
	Signature Blob
}

// EPoSBlockData is the sequential-signature proof a forged block's blob
// carries: each eligible validator signs in turn (not a BLS aggregate),
// and Hashes binds the block to recent history by compounding the last
// HashCompounds blocks' middle signers.
type EPoSBlockData struct {
	Hashes []KeyHash
	Sigs   []EPoSSignature
}

// forgerBlob is the full decoded shape of BlockHeader.Blob for an EPoS
// block: the retarget-derived difficulty plus the signature proof.
type forgerBlob struct {
	Difficulty uint64
	EPoS       EPoSBlockData
}

func encodeForgerBlob(b forgerBlob) (Blob, error) {
	raw, err := rlp.EncodeToBytes(&b)
	return Blob(raw), err
}

func decodeForgerBlob(b Blob) (forgerBlob, error) {
	var out forgerBlob
	err := rlp.DecodeBytes(b, &out)
	return out, err
}

// middleSigner is the KeyHash of the validator whose signature sits at
// index len(sigs)/2 of a block's EPoS proof.
func middleSigner(data EPoSBlockData) (KeyHash, bool) {
	if len(data.Sigs) == 0 {
		return ZeroKeyHash, false
	}
	mid := data.Sigs[len(data.Sigs)/2]
	return KeyHashOf(mid.PublicKey), true
}

// Forger produces blocks on a parallel schedule derived from difficulty and
// a pseudo-random per-validator delay.
type Forger struct {
	rk     *RecordKeeper
	client *NetworkClient
	key    *ValidatorKey
	cfg    *RecordKeeperConfig

	log *logrus.Logger
}

func NewForger(rk *RecordKeeper, client *NetworkClient, key *ValidatorKey, cfg *RecordKeeperConfig, log *logrus.Logger) *Forger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Forger{rk: rk, client: client, key: key, cfg: cfg, log: log}
}

// validatorsRequired derives floor(log_base(ValidatorsCountBase) of the
// count of distinct middle signers across the last ValidatorsScan blocks
// ending at prev).
func (f *Forger) validatorsRequired(prev Hash) (uint64, error) {
	hashes, err := f.rk.latestBlocksFrom(prev, int(f.cfg.ValidatorsScan))
	if err != nil {
		return 1, err
	}
	seen := make(map[KeyHash]struct{})
	for _, h := range hashes {
		hdr, err := f.rk.GetBlockHeader(h)
		if err != nil {
			continue
		}
		blob, err := decodeForgerBlob(hdr.Blob)
		if err != nil {
			continue
		}
		if mid, ok := middleSigner(blob.EPoS); ok {
			seen[mid] = struct{}{}
		}
	}
	count := len(seen)
	if count < 1 {
		count = 1
	}
	required := math.Floor(math.Log(float64(count)) / math.Log(f.cfg.ValidatorsCountBase))
	if required < 1 {
		required = 1
	}
	return uint64(required), nil
}

// difficulty computes the target difficulty for the block built on top of
// prev, retargeting every RecalculateBlocks blocks.
func (f *Forger) difficulty(prev *BlockHeader, prevHeight uint64) (uint64, error) {
	validatorsRequired, err := f.validatorsRequired(prev.Prev)
	if err != nil {
		return 0, err
	}

	var base uint64
	if (prevHeight+1)%f.cfg.RecalculateBlocks == 0 {
		walked, walkedHash, err := f.rk.blockAtDepth(prev, f.cfg.RecalculateBlocks)
		if err != nil {
			return 0, err
		}
		_ = walkedHash
		lastBlob, err := decodeForgerBlob(walked.Blob)
		if err != nil {
			return 0, err
		}
		lastDiff := lastBlob.Difficulty
		expectedMs := f.cfg.RateTargetMs * int64(f.cfg.RecalculateBlocks)
		actualMs := int64(prev.Timestamp.UnixMs()) - int64(walked.Timestamp.UnixMs())
		if actualMs <= 0 {
			actualMs = 1
		}
		base = uint64((expectedMs * int64(lastDiff)) / actualMs)
	} else {
		prevBlob, err := decodeForgerBlob(prev.Blob)
		if err != nil {
			return 1, nil
		}
		base = prevBlob.Difficulty
	}
	if base < validatorsRequired {
		return 1, nil
	}
	return base / validatorsRequired, nil
}

// compoundHashes gathers the middle signers of the last HashCompounds
// blocks ending at prev, binding the new block to recent history.
func (f *Forger) compoundHashes(prev Hash) ([]KeyHash, error) {
	hashes, err := f.rk.latestBlocksFrom(prev, int(f.cfg.HashCompounds))
	if err != nil {
		return nil, err
	}
	var out []KeyHash
	for _, h := range hashes {
		hdr, err := f.rk.GetBlockHeader(h)
		if err != nil {
			continue
		}
		blob, err := decodeForgerBlob(hdr.Blob)
		if err != nil {
			continue
		}
		if mid, ok := middleSigner(blob.EPoS); ok {
			out = append(out, mid)
		}
	}
	return out, nil
}

// Propose runs one forging attempt: build a candidate block, compute
// difficulty, and schedule the signed submission after a randomized
// delay. onNewHead, if closed before the timer fires, cancels the
// attempt.
func (f *Forger) Propose(onNewHead <-chan struct{}) error {
	logger := zap.L().Sugar()
	if !f.client.ShouldForge() {
		return nil
	}

	head, height := f.rk.CurrentHead()
	prev, err := f.rk.GetBlockHeader(head)
	if err != nil && !head.IsZero() {
		return err
	}
	if prev == nil {
		prev = &BlockHeader{}
	}

	b, err := f.rk.CreateBlock()
	if err != nil {
		return err
	}

	diff, err := f.difficulty(prev, height)
	if err != nil {
		return err
	}
	compounded, err := f.compoundHashes(head)
	if err != nil {
		return err
	}

	blobRaw, err := encodeForgerBlob(forgerBlob{Difficulty: diff, EPoS: EPoSBlockData{Hashes: compounded}})
	if err != nil {
		return err
	}
	b.Header.Blob = blobRaw

	delayMs, err := randomDelay(diff, f.cfg.RateTargetMs)
	if err != nil {
		return err
	}

	logger.Infof("forger: scheduling proposal at height %d difficulty %d delay %dms", height+1, diff, delayMs)
	timer := newForgerTimer(delayMs)
	select {
	case <-onNewHead:
		timer.Stop()
		logger.Debugf("forger: proposal at height %d superseded by new head", height+1)
		return nil
	case <-timer.C:
	}

	sig, err := f.key.Sign(b.Header.Blob)
	if err != nil {
		return err
	}
	blob, err := decodeForgerBlob(b.Header.Blob)
	if err != nil {
		return err
	}
	blob.EPoS.Sigs = append(blob.EPoS.Sigs, EPoSSignature{PublicKey: f.key.PublicKeyDER(), Signature: sig})
	reencoded, err := encodeForgerBlob(blob)
	if err != nil {
		return err
	}
	b.Header.Blob = reencoded

	if err := b.Sign(f.key); err != nil {
		return err
	}

	_, err = f.rk.AddBlock(b, true)
	if err != nil {
		logger.Errorf("forger: proposal at height %d rejected: %v", height+1, err)
		return err
	}
	logger.Infof("forger: proposal at height %d accepted", height+1)
	return nil
}

// Validate re-derives difficulty from prev and checks it matches the
// block's recorded difficulty, then verifies every signature in sequence.
func (f *Forger) Validate(prev *BlockHeader, prevHeight uint64, block *Block) error {
	wantDiff, err := f.difficulty(prev, prevHeight)
	if err != nil {
		return err
	}
	blob, err := decodeForgerBlob(block.Header.Blob)
	if err != nil {
		return NewDeserializeError("forger blob", err)
	}
	if blob.Difficulty != wantDiff {
		return NewInvalidMutationError("difficulty mismatch")
	}
	signed := blockBlobSigningPayload(block)
	for _, s := range blob.EPoS.Sigs {
		if !VerifySignature(s.PublicKey, signed, s.Signature) {
			return NewLogicError(InvalidSignature)
		}
	}
	return nil
}

func blockBlobSigningPayload(block *Block) []byte {
	blob, err := decodeForgerBlob(block.Header.Blob)
	if err != nil {
		return block.Header.Blob.Bytes()
	}
	raw, err := rlp.EncodeToBytes(&forgerBlob{Difficulty: blob.Difficulty, EPoS: EPoSBlockData{Hashes: blob.EPoS.Hashes}})
	if err != nil {
		return block.Header.Blob.Bytes()
	}
	return raw
}

func randomDelay(difficulty uint64, rateTargetMs int64) (int64, error) {
	maxMs := int64(difficulty) * rateTargetMs * 2
	if maxMs <= 0 {
		return 0, nil
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxMs))
	if err != nil {
		return 0, err
	}
	return n.Int64(), nil
}
