// Package registry tracks known clients and their durable resumption
// offsets. A client record outlives any single connection and is removed
// only by explicit deprovisioning.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/vibestack/syncd/pkg/lsn"
)

// ErrNotFound is returned when a client record does not exist.
var ErrNotFound = errors.New("registry: client not found")

// Client is one durable client record.
type Client struct {
	ClientID   string    `json:"clientId"`
	LastAckLSN lsn.LSN   `json:"lastAckLSN"`
	ProfileID  string    `json:"profileId,omitempty"`
	SubjectID  string    `json:"subjectId,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Registry is the durable client store. UpdateLastAck is a
// compare-and-advance: an LSN at or below the stored one is silently
// ignored, so a stale acknowledgement can never rewind a cursor.
type Registry interface {
	Get(ctx context.Context, clientID string) (Client, bool, error)
	Upsert(ctx context.Context, c Client) error
	UpdateLastAck(ctx context.Context, clientID string, l lsn.LSN) error
	List(ctx context.Context) ([]Client, error)
	Delete(ctx context.Context, clientID string) error
}

// MinAckLSN returns the oldest acknowledged LSN across all clients, which
// bounds how far the ledger may be truncated. The second result is false
// when there are no clients.
func MinAckLSN(ctx context.Context, r Registry) (lsn.LSN, bool, error) {
	clients, err := r.List(ctx)
	if err != nil {
		return lsn.Zero, false, err
	}
	if len(clients) == 0 {
		return lsn.Zero, false, nil
	}
	min := clients[0].LastAckLSN
	for _, c := range clients[1:] {
		if c.LastAckLSN < min {
			min = c.LastAckLSN
		}
	}
	return min, true, nil
}
