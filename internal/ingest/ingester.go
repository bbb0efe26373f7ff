// Package ingest tails the database's logical replication stream and turns
// committed transactions into ledger entries and live broadcasts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/internal/ledger"
	"github.com/vibestack/syncd/pkg/lsn"
)

// Publisher receives each committed batch after it is durably appended to
// the ledger.
type Publisher interface {
	Publish(changes []change.Change)
}

// Options configure the replication connection.
type Options struct {
	DSN         string
	SlotName    string
	Publication string
}

// Ingester owns the replication connection. It creates the slot if needed,
// streams pgoutput messages, appends committed changes to the ledger, and
// hands each batch to the publisher. Connection failures reconnect with
// backoff; an LSN regression halts the ingester entirely.
type Ingester struct {
	opts   Options
	store  ledger.Store
	pub    Publisher
	logger zerolog.Logger

	asm *assembler

	confirmed    atomic.Uint64 // lsn.LSN, read concurrently by status reporting
	lastStatusAt time.Time
	onCommit     func(commit lsn.LSN, n int)
}

// New creates an Ingester. The slot name has dashes normalized away because
// replication slot identifiers cannot carry them.
func New(opts Options, store ledger.Store, pub Publisher, logger zerolog.Logger) *Ingester {
	l := logger.With().Str("component", "ingester").Logger()
	return &Ingester{
		opts: Options{
			DSN:         opts.DSN,
			SlotName:    strings.ReplaceAll(opts.SlotName, "-", "_"),
			Publication: opts.Publication,
		},
		store:  store,
		pub:    pub,
		logger: l,
		asm:    newAssembler(l),
	}
}

// OnCommit registers a hook invoked after each committed batch is appended
// and published. Used for metrics.
func (i *Ingester) OnCommit(fn func(commit lsn.LSN, n int)) { i.onCommit = fn }

// ConfirmedLSN reports the last checkpoint reported to the server.
func (i *Ingester) ConfirmedLSN() lsn.LSN { return lsn.LSN(i.confirmed.Load()) }

const (
	standbyInterval   = 10 * time.Second
	recvTimeout       = 2 * time.Second
	backoffInitial    = time.Second
	backoffMax        = 30 * time.Second
	backoffResetAfter = time.Minute
	sqlstateDupeSlot  = "42710"
)

// Run connects and streams until ctx is cancelled or a fatal error occurs.
// Transient connection errors are retried with exponential backoff, resuming
// from the confirmed checkpoint; the server replays anything past it.
func (i *Ingester) Run(ctx context.Context) error {
	var backoff time.Duration
	for {
		started := time.Now()
		err := i.streamOnce(ctx)
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrLSNRegression):
			i.logger.Error().Err(err).Msg("halting ingester")
			return err
		}

		backoff = nextBackoff(backoff, time.Since(started))
		i.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("replication stream lost, reconnecting")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// nextBackoff doubles the reconnect delay up to the cap, starting over after
// the previous stream stayed healthy long enough.
func nextBackoff(prev, streamed time.Duration) time.Duration {
	if prev == 0 || streamed >= backoffResetAfter {
		return backoffInitial
	}
	return min(prev*2, backoffMax)
}

// streamOnce runs one connection's lifetime: connect, ensure the slot,
// start replication, and pump messages until the connection dies.
func (i *Ingester) streamOnce(ctx context.Context) error {
	conn, err := pgconn.Connect(ctx, i.opts.DSN)
	if err != nil {
		return fmt.Errorf("connect replication: %w", err)
	}
	defer conn.Close(context.Background())

	if err := i.ensureSlot(ctx, conn); err != nil {
		return err
	}

	start := i.ConfirmedLSN().Pg()
	err = pglogrepl.StartReplication(ctx, conn, i.opts.SlotName, start,
		pglogrepl.StartReplicationOptions{
			PluginArgs: []string{
				"proto_version '1'",
				fmt.Sprintf("publication_names '%s'", i.opts.Publication),
			},
		})
	if err != nil {
		return fmt.Errorf("start replication: %w", err)
	}
	i.logger.Info().
		Str("slot", i.opts.SlotName).
		Str("publication", i.opts.Publication).
		Stringer("from", i.ConfirmedLSN()).
		Msg("replication stream started")

	i.lastStatusAt = time.Now()
	return i.receiveLoop(ctx, conn)
}

// ensureSlot creates the replication slot, tolerating one that already
// exists from a previous run.
func (i *Ingester) ensureSlot(ctx context.Context, conn *pgconn.PgConn) error {
	sql := fmt.Sprintf(`CREATE_REPLICATION_SLOT %s LOGICAL pgoutput NOEXPORT_SNAPSHOT`, i.opts.SlotName)
	result, err := pglogrepl.ParseCreateReplicationSlot(conn.Exec(ctx, sql))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == sqlstateDupeSlot {
			i.logger.Debug().Str("slot", i.opts.SlotName).Msg("replication slot already exists")
			return nil
		}
		return fmt.Errorf("create replication slot: %w", err)
	}

	consistent, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return fmt.Errorf("parse consistent point: %w", err)
	}
	if i.ConfirmedLSN().IsZero() {
		i.confirmed.Store(uint64(consistent))
	}
	i.logger.Info().
		Str("slot", i.opts.SlotName).
		Stringer("consistent_point", consistent).
		Msg("created replication slot")
	return nil
}

func (i *Ingester) receiveLoop(ctx context.Context, conn *pgconn.PgConn) error {
	for {
		select {
		case <-ctx.Done():
			// Final checkpoint so restart does not replay acknowledged work.
			i.sendStandbyStatus(context.Background(), conn)
			return ctx.Err()
		default:
		}

		if time.Since(i.lastStatusAt) >= standbyInterval {
			i.sendStandbyStatus(ctx, conn)
		}

		recvCtx, cancel := context.WithDeadline(ctx, time.Now().Add(recvTimeout))
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			if pgconn.Timeout(err) {
				continue
			}
			return fmt.Errorf("receive message: %w", err)
		}

		if errResp, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("server error: %s: %s (SQLSTATE %s)", errResp.Severity, errResp.Message, errResp.Code)
		}

		copyData, ok := rawMsg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				i.logger.Err(err).Msg("parse keepalive")
				continue
			}
			if pkm.ReplyRequested {
				i.sendStandbyStatus(ctx, conn)
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				i.logger.Err(err).Msg("parse xlogdata")
				continue
			}
			if err := i.handleWALData(ctx, xld); err != nil {
				return err
			}
		}
	}
}

func (i *Ingester) handleWALData(ctx context.Context, xld pglogrepl.XLogData) error {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		// A single undecodable event is logged and skipped; the checkpoint
		// does not advance past it until a later commit does.
		i.logger.Err(err).Stringer("wal_start", xld.WALStart).Msg("parse WAL data, skipping event")
		return nil
	}

	b, err := i.asm.handle(logicalMsg, lsn.FromPg(xld.WALStart))
	if err != nil {
		return err
	}
	if b == nil {
		return nil
	}

	for _, c := range b.changes {
		if err := i.store.Append(ctx, c); err != nil {
			return fmt.Errorf("append change %s to ledger: %w", c.LSN, err)
		}
	}
	i.pub.Publish(b.changes)

	i.confirmed.Store(uint64(b.commitLSN))
	if i.onCommit != nil {
		i.onCommit(b.commitLSN, len(b.changes))
	}
	i.logger.Debug().
		Stringer("commit", b.commitLSN).
		Int("changes", len(b.changes)).
		Msg("transaction ingested")
	return nil
}

func (i *Ingester) sendStandbyStatus(ctx context.Context, conn *pgconn.PgConn) {
	pos := i.ConfirmedLSN().Pg()
	err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: pos,
		WALFlushPosition: pos,
		WALApplyPosition: pos,
	})
	if err != nil {
		i.logger.Err(err).Msg("send standby status")
		return
	}
	i.lastStatusAt = time.Now()
}
