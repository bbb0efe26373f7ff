// Package ledger implements the append-only change-history store keyed by
// LSN. The ingester is the sole writer; the catchup engine and broadcaster
// read ranges from it.
package ledger

import (
	"context"
	"errors"

	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/pkg/lsn"
)

// ErrZeroLSN is returned when a change without an assigned LSN is appended.
var ErrZeroLSN = errors.New("ledger: change has no LSN")

// Store is the change-history ledger. Append is idempotent on LSN; range
// reads are ordered ascending by LSN and gap-free between consecutive calls
// as long as no truncation crosses the boundary.
type Store interface {
	Append(ctx context.Context, c change.Change) error
	HeadLSN(ctx context.Context) (lsn.LSN, error)
	// ReadRange returns changes with from < lsn <= to, ascending, at most
	// limit entries. A zero `to` means head.
	ReadRange(ctx context.Context, from, to lsn.LSN, limit int) ([]change.Change, error)
	// CountRange counts changes with from < lsn <= to.
	CountRange(ctx context.Context, from, to lsn.LSN) (int, error)
	// TruncateBefore discards entries strictly below the given LSN.
	TruncateBefore(ctx context.Context, before lsn.LSN) error
}
