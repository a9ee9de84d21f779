package core

import "testing"

func TestJobQueueSubmitAssignsDistinctIDs(t *testing.T) {
	q := NewJobQueue()
	a := q.Submit(JobData{Kind: JobSyncChain, Target: Hash{0x01}}, "peer1")
	b := q.Submit(JobData{Kind: JobSyncChain, Target: Hash{0x02}}, "peer1")
	if a.ID == "" || b.ID == "" {
		t.Fatalf("expected every submitted job to carry a non-empty ID")
	}
	if a.ID == b.ID {
		t.Fatalf("expected distinct jobs to carry distinct IDs")
	}
	q.CompleteSyncChain("peer1", Hash{0x01})
	q.CompleteSyncChain("peer1", Hash{0x02})
}

func TestJobQueueSubmitDeduplicatesSyncChain(t *testing.T) {
	q := NewJobQueue()
	target := Hash{0x01}
	first := q.Submit(JobData{Kind: JobSyncChain, Target: target}, "peer1")
	second := q.Submit(JobData{Kind: JobSyncChain, Target: target}, "peer1")
	if first != second {
		t.Fatalf("submitting the same target twice for the same peer should return the existing job")
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 job, got %d", q.Len())
	}
	q.CompleteSyncChain("peer1", target)
	if q.Len() != 0 {
		t.Fatalf("expected job to be removed after completion, got %d", q.Len())
	}
}

func TestJobQueueAdvanceExtendsWalk(t *testing.T) {
	q := NewJobQueue()
	targetA := Hash{0x01}
	targetB := Hash{0x02}
	q.Submit(JobData{Kind: JobSyncChain, Target: targetA}, "peer1")

	if !q.Advance(targetA, targetB, targetA) {
		t.Fatalf("expected advance to succeed when newTargetPrev == existingTarget")
	}
	all := q.All()
	if len(all) != 1 || all[0].Data.Target != targetB {
		t.Fatalf("expected job's target to advance to targetB, got %+v", all)
	}
	q.CompleteSyncChain("peer1", targetB)
}

func TestJobQueueDataErrorDropsAfterMaxRetries(t *testing.T) {
	q := NewJobQueue()
	target := Hash{0x03}
	job := q.Submit(JobData{Kind: JobSyncChain, Target: target}, "peer1")
	q.BindSeq(job, 7)

	for i := 0; i < MaxJobRetries; i++ {
		if got := q.DataError("peer1", 7); got == nil {
			t.Fatalf("job should survive retry %d (within MaxJobRetries)", i+1)
		}
	}
	if got := q.DataError("peer1", 7); got != nil {
		t.Fatalf("job should be dropped once retries exceed MaxJobRetries")
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue to be empty after drop, got %d", q.Len())
	}
}

func TestJobQueueCompleteSyncChainAdvancesCursor(t *testing.T) {
	q := NewJobQueue()
	target := Hash{0x04}
	mid := Hash{0x05}
	q.Submit(JobData{Kind: JobSyncChain, Target: target}, "peer1")

	q.CompleteSyncChain("peer1", mid)
	all := q.All()
	if len(all) != 1 || all[0].Data.Cursor != mid {
		t.Fatalf("expected cursor to advance to the intermediate hash, got %+v", all)
	}

	q.CompleteSyncChain("peer1", target)
	if q.Len() != 0 {
		t.Fatalf("expected job removed once target reached, got %d", q.Len())
	}
}

func TestChainSyncExistsTracksActiveSyncJobs(t *testing.T) {
	q := NewJobQueue()
	target := Hash{0x06}
	job := q.Submit(JobData{Kind: JobSyncChain, Target: target}, "peer1")
	if !chainSyncExists() {
		t.Fatalf("expected an active sync to be visible process-wide")
	}
	q.BindSeq(job, 1)
	for i := 0; i <= MaxJobRetries; i++ {
		q.DataError("peer1", 1)
	}
	if chainSyncExists() {
		t.Fatalf("expected no active sync after the job was dropped")
	}
}
