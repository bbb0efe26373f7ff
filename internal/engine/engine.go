// Package engine assembles the service: database, ledger, registry,
// replication ingester, broadcaster, catchup, and session management behind
// one handle with an explicit lifecycle.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/auth"
	"github.com/vibestack/syncd/internal/broadcast"
	"github.com/vibestack/syncd/internal/catchup"
	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/internal/config"
	"github.com/vibestack/syncd/internal/db"
	"github.com/vibestack/syncd/internal/ingest"
	"github.com/vibestack/syncd/internal/ledger"
	"github.com/vibestack/syncd/internal/metrics"
	"github.com/vibestack/syncd/internal/protocol"
	"github.com/vibestack/syncd/internal/registry"
	"github.com/vibestack/syncd/internal/session"
	"github.com/vibestack/syncd/internal/submit"
)

const retentionInterval = time.Hour

// Engine owns every long-lived component. Construct with New, start the
// background work with Start, hand connections to Serve, and Close on
// shutdown.
type Engine struct {
	cfg       config.Config
	logger    zerolog.Logger
	database  *db.DB
	store     ledger.Store
	reg       registry.Registry
	collector *metrics.Collector
	bcast     *broadcast.Broadcaster
	ingester  *ingest.Ingester
	sessions  *session.Manager

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New connects to the database, runs migrations, ensures the publication,
// and wires the components. Nothing streams until Start.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*Engine, error) {
	database, err := db.Open(ctx, cfg.Database.URL, logger)
	if err != nil {
		return nil, err
	}
	if err := database.EnsurePublication(ctx, cfg.Replication.Publication); err != nil {
		database.Close()
		return nil, err
	}

	store := ledger.NewPostgres(database.Pool)
	reg := registry.NewPostgres(database.Pool)
	collector := metrics.NewCollector()

	bcast := broadcast.New(broadcast.Options{
		QueueDepth:   cfg.Sync.OutboundQueueDepth,
		StallTimeout: cfg.Sync.BackpressureTimeout(),
	}, logger)

	replayer := catchup.New(store, catchup.Options{
		ChunkSize:  cfg.Sync.CatchupChunkSize,
		AckTimeout: cfg.Sync.AckTimeout(),
	}, logger)

	applier := &meteredApplier{
		applier:   submit.NewApplier(database.Pool, logger),
		collector: collector,
	}

	sessions := session.NewManager(session.Deps{
		Registry: reg,
		Ledger:   store,
		Catchup:  replayer,
		Live:     bcast,
		Applier:  applier,
	}, session.Options{
		HeartbeatInterval: cfg.Sync.HeartbeatInterval(),
		WriteTimeout:      cfg.Sync.WriteTimeout(),
		QueueDepth:        cfg.Sync.OutboundQueueDepth,
		OnCatchupComplete: collector.RecordCatchupCompleted,
	}, logger)

	ingester := ingest.New(ingest.Options{
		DSN:         cfg.Database.ReplicationDSN(),
		SlotName:    cfg.Replication.SlotName,
		Publication: cfg.Replication.Publication,
	}, store, bcast, logger)
	ingester.OnCommit(collector.RecordIngest)

	return &Engine{
		cfg:       cfg,
		logger:    logger.With().Str("component", "engine").Logger(),
		database:  database,
		store:     store,
		reg:       reg,
		collector: collector,
		bcast:     bcast,
		ingester:  ingester,
		sessions:  sessions,
	}, nil
}

// Start launches the replication ingester and the ledger retention sweep.
// The returned channel yields the ingester's terminal error, if any; it
// closes cleanly on context cancellation.
func (e *Engine) Start(ctx context.Context) <-chan error {
	ctx, e.cancel = context.WithCancel(ctx)
	fatal := make(chan error, 1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(fatal)
		if err := e.ingester.Run(ctx); err != nil && ctx.Err() == nil {
			e.collector.RecordError(err)
			fatal <- fmt.Errorf("ingester halted: %w", err)
		}
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.retentionLoop(ctx)
	}()

	e.logger.Info().
		Str("slot", e.cfg.Replication.SlotName).
		Str("publication", e.cfg.Replication.Publication).
		Msg("engine started")
	return fatal
}

// Serve runs one client connection to completion.
func (e *Engine) Serve(ctx context.Context, clientID string, ident auth.Identity, conn session.Conn) error {
	return e.sessions.Serve(ctx, clientID, ident, conn)
}

// Registry exposes the durable client store for administrative surfaces.
func (e *Engine) Registry() registry.Registry { return e.reg }

// Status reports current service counters.
func (e *Engine) Status() metrics.Snapshot {
	e.collector.RecordCheckpoint(e.ingester.ConfirmedLSN())
	return e.collector.Snapshot(e.sessions.Count())
}

// Close stops background work, force-closes sessions, and releases the pool.
func (e *Engine) Close() {
	if e.cancel != nil {
		e.cancel()
	}
	e.sessions.CloseAll()
	e.bcast.Close()
	e.wg.Wait()
	e.database.Close()
	e.logger.Info().Msg("engine stopped")
}

// retentionLoop periodically drops ledger history every client has
// acknowledged. With no registered clients nothing is truncated, since a
// first-time client must still be able to replay from zero.
func (e *Engine) retentionLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			min, ok, err := registry.MinAckLSN(ctx, e.reg)
			if err != nil {
				e.logger.Warn().Err(err).Msg("resolve retention floor")
				continue
			}
			if !ok || min.IsZero() {
				continue
			}
			if err := e.store.TruncateBefore(ctx, min); err != nil {
				e.logger.Warn().Err(err).Stringer("before", min).Msg("truncate ledger")
				continue
			}
			e.logger.Debug().Stringer("before", min).Msg("ledger truncated")
		case <-ctx.Done():
			return
		}
	}
}

// meteredApplier adapts the submit applier to the session's interface and
// records batch metrics.
type meteredApplier struct {
	applier   *submit.Applier
	collector *metrics.Collector
}

func (m *meteredApplier) Apply(ctx context.Context, clientID string, changes []change.Change) (session.ApplyResult, error) {
	res, err := m.applier.Apply(ctx, clientID, changes)
	if err != nil {
		m.collector.RecordError(err)
		return session.ApplyResult{}, err
	}
	m.collector.RecordApply(len(res.Rejected))

	out := session.ApplyResult{ResultingLSN: res.ResultingLSN}
	for _, r := range res.Rejected {
		out.Rejected = append(out.Rejected, protocol.RejectedRow{ID: r.ID, Reason: r.Reason})
	}
	return out, nil
}

var _ session.Applier = (*meteredApplier)(nil)
