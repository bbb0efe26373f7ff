// Package broadcast fans newly committed changes out to subscribed sessions,
// preserving per-session LSN order and isolating slow consumers behind
// bounded queues.
package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/pkg/lsn"
)

// Batch is one ordered group of committed changes. LastLSN is the highest
// LSN in Changes and is what the receiving session acknowledges.
type Batch struct {
	Changes []change.Change
	LastLSN lsn.LSN
}

// Sink is the session-side receiver of batches. Deliver blocks until the
// batch is accepted into the session's outbound queue or ctx expires;
// CloseSlow asks the session to shut down with a SlowConsumer close code.
type Sink interface {
	Deliver(ctx context.Context, b Batch) error
	CloseSlow()
}

// Options tune per-subscriber queueing.
type Options struct {
	// QueueDepth is the number of changes a subscriber may have pending
	// before it is considered stalled.
	QueueDepth int
	// StallTimeout is how long a stalled subscriber may block delivery
	// before it is closed as a slow consumer.
	StallTimeout time.Duration
}

// Broadcaster is the single fan-out point between the ingester and live
// sessions. Subscriptions are rare mutations; deliveries are reads.
type Broadcaster struct {
	opts   Options
	logger zerolog.Logger
	subs   *xsync.Map[string, *subscriber]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Broadcaster. Call Close to stop all subscriber pumps.
func New(opts Options, logger zerolog.Logger) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		opts:   opts,
		logger: logger.With().Str("component", "broadcaster").Logger(),
		subs:   xsync.NewMap[string, *subscriber](),
		ctx:    ctx,
		cancel: cancel,
	}
}

type subscriber struct {
	id     string
	sink   Sink
	logger zerolog.Logger

	mu       sync.Mutex
	pending  []Batch
	items    int
	cursor   lsn.LSN
	closed   bool
	overflow bool

	wake chan struct{}

	queueDepth int
}

// Subscribe registers a session for live delivery of changes with LSN above
// cursor. Any prior subscription under the same id is replaced.
func (b *Broadcaster) Subscribe(sessionID string, cursor lsn.LSN, sink Sink) {
	sub := &subscriber{
		id:         sessionID,
		sink:       sink,
		logger:     b.logger.With().Str("session", sessionID).Logger(),
		cursor:     cursor,
		wake:       make(chan struct{}, 1),
		queueDepth: b.opts.QueueDepth,
	}
	if prev, loaded := b.subs.LoadAndStore(sessionID, sub); loaded {
		prev.close()
	}
	b.wg.Add(1)
	go b.pump(sub)
	b.logger.Debug().Str("session", sessionID).Stringer("cursor", cursor).Msg("session subscribed")
}

// Unsubscribe removes a session. Pending undelivered batches are discarded;
// the session's durable cursor lives in the registry, not here.
func (b *Broadcaster) Unsubscribe(sessionID string) {
	if sub, ok := b.subs.LoadAndDelete(sessionID); ok {
		sub.close()
		b.logger.Debug().Str("session", sessionID).Msg("session unsubscribed")
	}
}

// Publish hands one committed batch to every subscriber. Changes at or
// below a subscriber's cursor are skipped for that subscriber, keeping the
// per-session LSN sequence strictly ascending.
func (b *Broadcaster) Publish(changes []change.Change) {
	if len(changes) == 0 {
		return
	}
	last := changes[len(changes)-1].LSN
	b.subs.Range(func(_ string, sub *subscriber) bool {
		sub.enqueue(Batch{Changes: changes, LastLSN: last})
		return true
	})
}

// Close stops every subscriber pump and waits for them to exit.
func (b *Broadcaster) Close() {
	b.cancel()
	b.subs.Range(func(id string, sub *subscriber) bool {
		sub.close()
		b.subs.Delete(id)
		return true
	})
	b.wg.Wait()
}

func (s *subscriber) enqueue(batch Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if lsn.Compare(batch.LastLSN, s.cursor) <= 0 {
		return
	}
	// Trim changes already covered by the cursor so reconnect races cannot
	// redeliver.
	if first := batch.Changes[0].LSN; lsn.Compare(first, s.cursor) <= 0 {
		kept := make([]change.Change, 0, len(batch.Changes))
		for _, c := range batch.Changes {
			if lsn.Compare(c.LSN, s.cursor) > 0 {
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			return
		}
		batch.Changes = kept
	}
	s.cursor = batch.LastLSN
	s.pending = append(s.pending, batch)
	s.items += len(batch.Changes)
	if s.items > s.queueDepth && !s.overflow {
		s.overflow = true
		s.logger.Warn().Int("pending_changes", s.items).Msg("subscriber queue over depth")
	} else if s.items <= s.queueDepth {
		s.overflow = false
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return Batch{}, false
	}
	batch := s.pending[0]
	s.pending = s.pending[1:]
	s.items -= len(batch.Changes)
	return batch, true
}

func (s *subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// pump drains one subscriber's queue in order. A delivery that blocks past
// StallTimeout marks the session a slow consumer; other subscribers keep
// their own pumps and are unaffected.
func (b *Broadcaster) pump(sub *subscriber) {
	defer b.wg.Done()

	for {
		if sub.isClosed() || b.ctx.Err() != nil {
			return
		}
		batch, ok := sub.next()
		if !ok {
			select {
			case <-sub.wake:
				continue
			case <-b.ctx.Done():
				return
			}
		}

		ctx, cancel := context.WithTimeout(b.ctx, b.opts.StallTimeout)
		err := sub.sink.Deliver(ctx, batch)
		cancel()
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			sub.logger.Warn().Err(err).
				Stringer("last_lsn", batch.LastLSN).
				Msg("delivery stalled past backpressure budget, closing slow consumer")
			sub.close()
			b.subs.Delete(sub.id)
			sub.sink.CloseSlow()
			return
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	return b.subs.Size()
}
