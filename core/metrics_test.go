package core

import "testing"

func TestMetricsCollectorSnapshotWithoutBackends(t *testing.T) {
	m := NewMetricsCollector(nil, nil)
	snap := m.Snapshot()
	if snap.Height != 0 || snap.LastHash != "" || snap.PendingTxns != 0 || snap.PeerCount != 0 {
		t.Fatalf("expected a zeroed snapshot with no RecordKeeper/NetworkClient, got %+v", snap)
	}
	if snap.Timestamp == 0 {
		t.Fatalf("expected Snapshot to stamp the current time")
	}
}

func TestMetricsCollectorSnapshotReflectsRecordKeeper(t *testing.T) {
	rk, _ := newTestRecordKeeper(t)
	m := NewMetricsCollector(rk, nil)
	snap := m.Snapshot()
	head, height := rk.CurrentHead()
	if snap.Height != height || snap.LastHash != head.Hex() {
		t.Fatalf("expected snapshot to mirror CurrentHead, got %+v", snap)
	}
}

func TestMetricsCollectorRecordDoesNotPanic(t *testing.T) {
	m := NewMetricsCollector(nil, nil)
	m.Record()
	m.BlockAccepted()
	m.BlockRejected()
	m.TxnAccepted()
	m.ForgeAttempted()
}
