// Package change defines the row-change record shared by the ingest,
// catchup, broadcast, and submission paths, together with the table
// dependency hierarchy, batch deduplication, and last-write-wins
// arbitration.
package change

import (
	"time"

	"github.com/vibestack/syncd/pkg/lsn"
)

// Op is the DML operation carried by a Change.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether o is one of the three known operations.
func (o Op) Valid() bool {
	switch o {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Change is one row-level mutation. Data holds the full row image for
// inserts and updates; for deletes only the id key is required. LSN is
// assigned by the ingester at commit time and is zero for client-submitted
// changes that have not yet round-tripped through the WAL.
type Change struct {
	Table     string         `json:"table"`
	Op        Op             `json:"op"`
	Data      map[string]any `json:"data"`
	LSN       lsn.LSN        `json:"lsn"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// ID returns the row identifier from the data payload, or "" when absent.
func (c Change) ID() string {
	if v, ok := c.Data["id"].(string); ok {
		return v
	}
	return ""
}

// ClientID returns the originating client recorded on the row, or "".
func (c Change) ClientID() string {
	if v, ok := c.Data["clientId"].(string); ok {
		return v
	}
	return ""
}

// RowKey identifies a row across the dataset.
type RowKey struct {
	Table string
	ID    string
}

// Key returns the (table, id) identity of the change.
func (c Change) Key() RowKey {
	return RowKey{Table: c.Table, ID: c.ID()}
}

// CloneData returns a shallow copy of the data payload so merges never
// mutate a caller's map.
func (c Change) CloneData() map[string]any {
	out := make(map[string]any, len(c.Data))
	for k, v := range c.Data {
		out[k] = v
	}
	return out
}
