package core

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// JobDataKind tags a NetworkJob's payload variant.
type JobDataKind int

const (
	JobSyncChain JobDataKind = iota
	JobFindNodes
)

// JobData is the per-kind payload of a NetworkJob: SyncChain walks from
// Cursor toward Target; FindNodes re-requests peers for NetworkID.
type JobData struct {
	Kind JobDataKind

	Target Hash
	Cursor Hash

	NetworkID Hash
}

// NetworkJob is one outstanding unit of scheduled network work, tracked per
// shard. ID correlates a job across its retry/advance lifecycle in logs
// and traces, independent of the peer/seq it's currently addressed to.
type NetworkJob struct {
	ID   string
	Data JobData
	Try  uint16

	peer string
	seq  uint32
}

// activeSyncs is the process-wide count of outstanding SyncChain jobs; the
// forger refuses to propose blocks while it is nonzero.
var activeSyncs int64

func chainSyncExists() bool { return atomic.LoadInt64(&activeSyncs) > 0 }

// JobQueue is a per-shard queue of NetworkJobs with de-duplication,
// augmentation, and retry/drop bookkeeping.
type JobQueue struct {
	mu   sync.Mutex
	jobs []*NetworkJob
}

func NewJobQueue() *JobQueue {
	return &JobQueue{}
}

// Submit enqueues data for peer. A SyncChain job with the same peer and
// target as an existing one is not enqueued again; the existing job is
// returned. Submit does not advance an existing job whose target is the
// new target's parent; only Advance does that.
func (q *JobQueue) Submit(data JobData, peer string) *NetworkJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	if data.Kind == JobSyncChain {
		for _, j := range q.jobs {
			if j.Data.Kind != JobSyncChain || j.peer != peer {
				continue
			}
			if j.Data.Target == data.Target {
				return j // exact duplicate
			}
		}
	}

	job := &NetworkJob{ID: uuid.NewString(), Data: data, peer: peer}
	q.jobs = append(q.jobs, job)
	if data.Kind == JobSyncChain {
		atomic.AddInt64(&activeSyncs, 1)
	}
	return job
}

// Advance moves an existing SyncChain job whose target is existingTarget
// on to newTarget when newTargetPrev (newTarget's parent) equals
// existingTarget, extending the walk to cover newTarget instead of
// starting a second job. Returns true if an existing job was advanced
// rather than a fresh one needed.
func (q *JobQueue) Advance(existingTarget, newTarget Hash, newTargetPrev Hash) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.Data.Kind == JobSyncChain && j.Data.Target == existingTarget && newTargetPrev == existingTarget {
			j.Data.Target = newTarget
			return true
		}
	}
	return false
}

// DataError attributes a DataError reply to the job awaiting seq on peer,
// incrementing its try counter and dropping it once MaxJobRetries is
// exceeded. Returns the job if it survives, nil if dropped or not found.
func (q *JobQueue) DataError(peer string, seq uint32) *NetworkJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.jobs {
		if j.peer != peer || j.seq != seq {
			continue
		}
		j.Try++
		if j.Try > MaxJobRetries {
			q.removeLocked(i)
			return nil
		}
		return j
	}
	return nil
}

// CompleteSyncChain finishes or advances a SyncChain job once a ChainData
// reply arrives: done if lastHash equals the job's Target, otherwise the
// job's cursor advances to lastHash for the next round.
func (q *JobQueue) CompleteSyncChain(peer string, lastHash Hash) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, j := range q.jobs {
		if j.peer != peer || j.Data.Kind != JobSyncChain {
			continue
		}
		if lastHash == j.Data.Target {
			q.removeLocked(i)
			return
		}
		j.Data.Cursor = lastHash
		return
	}
}

func (q *JobQueue) removeLocked(i int) {
	j := q.jobs[i]
	if j.Data.Kind == JobSyncChain {
		atomic.AddInt64(&activeSyncs, -1)
	}
	q.jobs = append(q.jobs[:i], q.jobs[i+1:]...)
}

// BindSeq records the outgoing seq a job's request was sent under, so a
// later reply (or DataError) can be matched back to it.
func (q *JobQueue) BindSeq(job *NetworkJob, seq uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.seq = seq
}

func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *JobQueue) All() []*NetworkJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*NetworkJob, len(q.jobs))
	copy(out, q.jobs)
	return out
}
