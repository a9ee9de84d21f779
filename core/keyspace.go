package core

import (
	"encoding/binary"
	"fmt"
)

// Keyspace tags the three key families every stored byte-key belongs to
// (§3 "Keyspaces and their invariants"). The tag is the key's first byte,
// so a single bbolt bucket iteration can be range-scoped to one keyspace.
type Keyspace byte

const (
	KeyspaceChain   Keyspace = 'b'
	KeyspaceCache   Keyspace = 'c'
	KeyspaceNetwork Keyspace = 'n'
)

// Sub-key kinds within KeyspaceChain and KeyspaceCache. Network keyspace
// rows (Plot, ValidatorKey, ValidatorStake, AdminKeyID, Generic) are tagged
// the same way so a single byte disambiguates row shape during iteration.
const (
	subBlockHeader byte = iota
	subTxnList
	subTxn
	subHeightByBlock
	subBlocksByHeight
	subBlocksByTxn
	subTxnsByAccount
	subTxnReceiveTime
	subContraMut
	subCurrentHead
	subPlot
	subValidatorKey
	subValidatorStake
	subAdminKeyID
	subGeneric
)

// BucketSizeTicks is the tick span covered by one RawEvents row (§3
// "Stored bucketed by tick / BUCKET_SIZE").
const BucketSizeTicks uint64 = 1024

func keyPrefix(ks Keyspace, sub byte) []byte {
	return []byte{byte(ks), sub}
}

func KeyBlockHeader(h Hash) []byte {
	return append(keyPrefix(KeyspaceChain, subBlockHeader), h[:]...)
}

func KeyTxnList(h Hash) []byte {
	return append(keyPrefix(KeyspaceChain, subTxnList), h[:]...)
}

func KeyTxn(h Hash) []byte {
	return append(keyPrefix(KeyspaceChain, subTxn), h[:]...)
}

func KeyHeightByBlock(h Hash) []byte {
	return append(keyPrefix(KeyspaceCache, subHeightByBlock), h[:]...)
}

// KeyBlocksByHeight is big-endian so ascending byte-order iteration over
// this sub-key visits heights in ascending numeric order (BlocksByLatest /
// fork-height comparisons depend on this).
func KeyBlocksByHeight(height uint64) []byte {
	k := keyPrefix(KeyspaceCache, subBlocksByHeight)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return append(k, b[:]...)
}

func KeyBlocksByTxn(txn Hash) []byte {
	return append(keyPrefix(KeyspaceCache, subBlocksByTxn), txn[:]...)
}

func KeyTxnsByAccount(account KeyHash) []byte {
	return append(keyPrefix(KeyspaceCache, subTxnsByAccount), account[:]...)
}

func KeyTxnReceiveTime(txn Hash) []byte {
	return append(keyPrefix(KeyspaceCache, subTxnReceiveTime), txn[:]...)
}

func KeyContraMut(block Hash) []byte {
	return append(keyPrefix(KeyspaceCache, subContraMut), block[:]...)
}

func KeyCurrentHead() []byte {
	return keyPrefix(KeyspaceCache, subCurrentHead)
}

// KeyPlot addresses one RawEvents bucket: plot id then big-endian bucket
// index, so a prefix scan on the plot's first 10 bytes (keyspace + sub +
// plot id) walks its buckets in ascending tick order.
func KeyPlot(p PlotID, bucket uint64) []byte {
	k := keyPrefix(KeyspaceNetwork, subPlot)
	k = appendPlotID(k, p)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bucket)
	return append(k, b[:]...)
}

// KeyPlotPrefix is KeyPlot without the bucket suffix, used to range-scan
// every bucket belonging to a plot.
func KeyPlotPrefix(p PlotID) []byte {
	k := keyPrefix(KeyspaceNetwork, subPlot)
	return appendPlotID(k, p)
}

func appendPlotID(k []byte, p PlotID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(p.X))
	binary.BigEndian.PutUint32(b[4:8], uint32(p.Y))
	return append(k, b[:]...)
}

func KeyValidatorKey(id KeyHash) []byte {
	return append(keyPrefix(KeyspaceNetwork, subValidatorKey), id[:]...)
}

func KeyValidatorStake(id KeyHash) []byte {
	return append(keyPrefix(KeyspaceNetwork, subValidatorStake), id[:]...)
}

func KeyAdminKeyID() []byte {
	return keyPrefix(KeyspaceNetwork, subAdminKeyID)
}

func KeyGeneric(key string) []byte {
	return append(keyPrefix(KeyspaceNetwork, subGeneric), []byte(key)...)
}

// TickBucket returns the bucket index a given tick falls into.
func TickBucket(tick uint64) uint64 { return tick / BucketSizeTicks }

func heightFromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("keyspace: height value is %d bytes, want 8", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func heightToBytes(h uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], h)
	return b[:]
}
