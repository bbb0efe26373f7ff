// Package metrics aggregates service counters and exposes point-in-time
// snapshots for the status API and CLI.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vibestack/syncd/pkg/lsn"
)

// Snapshot is the complete metrics state at a point in time.
type Snapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	ElapsedSec float64   `json:"elapsed_sec"`

	// LSN tracking
	HeadLSN        string `json:"head_lsn"`
	ConfirmedLSN   string `json:"confirmed_lsn"`
	ReplicationLag string `json:"replication_lag"`

	// Ingest
	ChangesIngested int64 `json:"changes_ingested"`
	CommitsIngested int64 `json:"commits_ingested"`

	// Sessions
	LiveSessions      int   `json:"live_sessions"`
	CatchupsCompleted int64 `json:"catchups_completed"`

	// Submissions
	BatchesApplied  int64 `json:"batches_applied"`
	ChangesRejected int64 `json:"changes_rejected"`

	// Errors
	ErrorCount int64  `json:"error_count"`
	LastError  string `json:"last_error,omitempty"`
}

// Collector aggregates counters from the ingester, sessions, and applier.
// All recording methods are safe for concurrent use.
type Collector struct {
	startedAt time.Time

	mu        sync.RWMutex
	head      lsn.LSN
	confirmed lsn.LSN

	changesIngested   atomic.Int64
	commitsIngested   atomic.Int64
	catchupsCompleted atomic.Int64
	batchesApplied    atomic.Int64
	changesRejected   atomic.Int64

	errorCount atomic.Int64
	lastError  atomic.Value // string
}

// NewCollector creates a Collector anchored at the current time.
func NewCollector() *Collector {
	return &Collector{startedAt: time.Now()}
}

// RecordIngest notes one committed transaction of n changes at the given
// commit position.
func (c *Collector) RecordIngest(commit lsn.LSN, n int) {
	c.commitsIngested.Add(1)
	c.changesIngested.Add(int64(n))
	c.mu.Lock()
	if lsn.Compare(commit, c.head) > 0 {
		c.head = commit
	}
	c.mu.Unlock()
}

// RecordCheckpoint notes the replication slot position last confirmed to the
// upstream server. The distance to the ingested head is the replication lag.
func (c *Collector) RecordCheckpoint(confirmed lsn.LSN) {
	c.mu.Lock()
	c.confirmed = confirmed
	c.mu.Unlock()
}

// RecordCatchupCompleted notes one replay that reached its head.
func (c *Collector) RecordCatchupCompleted() { c.catchupsCompleted.Add(1) }

// RecordApply notes one committed client batch and its rejected rows.
func (c *Collector) RecordApply(rejected int) {
	c.batchesApplied.Add(1)
	c.changesRejected.Add(int64(rejected))
}

// RecordError notes a non-fatal service error.
func (c *Collector) RecordError(err error) {
	c.errorCount.Add(1)
	c.lastError.Store(err.Error())
}

// Snapshot captures the current state. liveSessions comes from the session
// manager, which owns that gauge.
func (c *Collector) Snapshot(liveSessions int) Snapshot {
	c.mu.RLock()
	head, confirmed := c.head, c.confirmed
	c.mu.RUnlock()

	s := Snapshot{
		Timestamp:         time.Now(),
		ElapsedSec:        time.Since(c.startedAt).Seconds(),
		HeadLSN:           head.String(),
		ConfirmedLSN:      confirmed.String(),
		ReplicationLag:    lsn.FormatLag(lsn.Lag(confirmed, head)),
		ChangesIngested:   c.changesIngested.Load(),
		CommitsIngested:   c.commitsIngested.Load(),
		LiveSessions:      liveSessions,
		CatchupsCompleted: c.catchupsCompleted.Load(),
		BatchesApplied:    c.batchesApplied.Load(),
		ChangesRejected:   c.changesRejected.Load(),
		ErrorCount:        c.errorCount.Load(),
	}
	if v, ok := c.lastError.Load().(string); ok {
		s.LastError = v
	}
	return s
}
