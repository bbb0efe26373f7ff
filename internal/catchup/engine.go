// Package catchup replays change history to a reconnecting client in
// ack-gated chunks, from its last acknowledged LSN to the head observed at
// connection time.
package catchup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/internal/ledger"
	"github.com/vibestack/syncd/pkg/lsn"
)

var (
	// ErrAckTimeout marks a client that did not acknowledge a chunk in time.
	ErrAckTimeout = errors.New("catchup: chunk acknowledgement timed out")
	// ErrBadAck marks an out-of-order or mismatched chunk acknowledgement.
	ErrBadAck = errors.New("catchup: unexpected acknowledgement")
)

// Ack is a client's confirmation of one received chunk.
type Ack struct {
	Chunk int
	LSN   lsn.LSN
}

// Chunk is one ordered slice of the replay.
type Chunk struct {
	Changes []change.Change
	Index   int // 1-based
	Total   int
	LastLSN lsn.LSN
}

// Sender carries chunks to the client; implemented by the session.
type Sender interface {
	SendChunk(ctx context.Context, c Chunk) error
}

// Options tune the replay.
type Options struct {
	ChunkSize  int
	AckTimeout time.Duration
}

// Engine streams ledger history to sessions. One Engine serves all
// sessions; Run carries all per-replay state.
type Engine struct {
	store  ledger.Store
	opts   Options
	logger zerolog.Logger
}

// New creates a catchup engine over the given ledger.
func New(store ledger.Store, opts Options, logger zerolog.Logger) *Engine {
	return &Engine{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "catchup").Logger(),
	}
}

// Run streams the (from, to] history to send, withholding each chunk until
// the previous one is acknowledged on acks. Changes originated by clientID
// are filtered out of every chunk. onAck, when non-nil, runs after each
// valid acknowledgement with the chunk's last LSN so the caller can advance
// the durable cursor. Run returns the final LSN the completion message
// should carry. Progress is not persisted here; an interrupted replay is
// recomputed from the registry on reconnect.
func (e *Engine) Run(ctx context.Context, clientID string, from, to lsn.LSN, send Sender, acks <-chan Ack, onAck func(lsn.LSN)) (lsn.LSN, error) {
	if lsn.Compare(from, to) >= 0 {
		return from, nil
	}

	count, err := e.store.CountRange(ctx, from, to)
	if err != nil {
		return from, fmt.Errorf("count catchup range: %w", err)
	}
	if count == 0 {
		return to, nil
	}
	total := (count + e.opts.ChunkSize - 1) / e.opts.ChunkSize

	e.logger.Debug().
		Str("client", clientID).
		Stringer("from", from).
		Stringer("to", to).
		Int("changes", count).
		Int("chunks", total).
		Msg("starting catchup replay")

	cursor := from
	for index := 1; index <= total; index++ {
		entries, err := e.store.ReadRange(ctx, cursor, to, e.opts.ChunkSize)
		if err != nil {
			return cursor, fmt.Errorf("read chunk %d: %w", index, err)
		}
		if len(entries) == 0 {
			// Ledger truncated under us past the client's cursor; the
			// remaining chunks no longer exist.
			return cursor, fmt.Errorf("catchup range vanished at chunk %d of %d", index, total)
		}
		last := entries[len(entries)-1].LSN

		res := change.Dedupe(entries, clientID)
		chunk := Chunk{
			Changes: res.Changes,
			Index:   index,
			Total:   total,
			LastLSN: last,
		}
		if err := send.SendChunk(ctx, chunk); err != nil {
			return cursor, fmt.Errorf("send chunk %d: %w", index, err)
		}

		if err := e.awaitAck(ctx, acks, index, last); err != nil {
			return cursor, err
		}
		cursor = last
		if onAck != nil {
			onAck(last)
		}
	}

	return cursor, nil
}

func (e *Engine) awaitAck(ctx context.Context, acks <-chan Ack, index int, last lsn.LSN) error {
	timer := time.NewTimer(e.opts.AckTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-acks:
		if !ok {
			return fmt.Errorf("%w: ack stream closed", ErrBadAck)
		}
		if ack.Chunk != index {
			return fmt.Errorf("%w: got chunk %d, want %d", ErrBadAck, ack.Chunk, index)
		}
		if ack.LSN != last {
			return fmt.Errorf("%w: got lsn %s, want %s", ErrBadAck, ack.LSN, last)
		}
		return nil
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
