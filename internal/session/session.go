// Package session runs the per-connection protocol state machine: handshake,
// ack-gated catchup replay, then live delivery until the client disconnects
// or is closed with one of the protocol's close codes.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/broadcast"
	"github.com/vibestack/syncd/internal/catchup"
	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/internal/ledger"
	"github.com/vibestack/syncd/internal/protocol"
	"github.com/vibestack/syncd/internal/registry"
	"github.com/vibestack/syncd/pkg/lsn"
)

// State is the session lifecycle position.
type State int32

const (
	StateOpening State = iota
	StateAwaitingCatchup
	StateCatchup
	StateLive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateAwaitingCatchup:
		return "awaiting_catchup"
	case StateCatchup:
		return "catchup"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ErrClosed is returned when a send races the session teardown.
var ErrClosed = errors.New("session closed")

// Conn abstracts the transport so the state machine is testable without a
// network. The production implementation wraps a WebSocket.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Replayer streams catchup history; satisfied by *catchup.Engine.
type Replayer interface {
	Run(ctx context.Context, clientID string, from, to lsn.LSN, send catchup.Sender, acks <-chan catchup.Ack, onAck func(lsn.LSN)) (lsn.LSN, error)
}

// Subscriptions is the live fan-out registration surface; satisfied by
// *broadcast.Broadcaster.
type Subscriptions interface {
	Subscribe(sessionID string, cursor lsn.LSN, sink broadcast.Sink)
	Unsubscribe(sessionID string)
}

// ApplyResult reports the outcome of one submitted batch.
type ApplyResult struct {
	ResultingLSN lsn.LSN
	Rejected     []protocol.RejectedRow
}

// Applier commits client-submitted batches to the database.
type Applier interface {
	Apply(ctx context.Context, clientID string, changes []change.Change) (ApplyResult, error)
}

// Deps are the engine-owned collaborators a session talks to.
type Deps struct {
	Registry registry.Registry
	Ledger   ledger.Store
	Catchup  Replayer
	Live     Subscriptions
	Applier  Applier
}

// Options tune session timing and queueing.
type Options struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
	QueueDepth        int

	// OnCatchupComplete, when non-nil, runs each time a session finishes its
	// replay and goes live.
	OnCatchupComplete func()
}

// Session is one client connection's state machine. It implements
// catchup.Sender for the replay phase and broadcast.Sink for the live phase.
type Session struct {
	clientID string
	conn     Conn
	deps     Deps
	opts     Options
	logger   zerolog.Logger

	state    atomic.Int32
	lastSeen atomic.Int64

	outbound chan []byte
	acks     chan catchup.Ack

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(clientID string, conn Conn, deps Deps, opts Options, logger zerolog.Logger) *Session {
	return &Session{
		clientID: clientID,
		conn:     conn,
		deps:     deps,
		opts:     opts,
		logger:   logger.With().Str("component", "session").Str("client", clientID).Logger(),
		outbound: make(chan []byte, opts.QueueDepth),
		acks:     make(chan catchup.Ack),
		done:     make(chan struct{}),
	}
}

// ClientID reports the client this session serves.
func (s *Session) ClientID() string { return s.clientID }

// State reports the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) touch() { s.lastSeen.Store(time.Now().UnixNano()) }

// Run drives the session until the connection drops, the client disconnects,
// or a violation closes it. It blocks until all session goroutines exit.
func (s *Session) Run(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.close(protocol.StatusNormal, "server closing")

	s.setState(StateAwaitingCatchup)
	s.touch()
	s.logger.Info().Msg("session opened")

	s.wg.Add(2)
	go s.writeLoop()
	go s.watchdog()

	err := s.readLoop()
	s.close(protocol.StatusNormal, "connection closed")
	s.wg.Wait()
	s.setState(StateClosed)
	s.logger.Info().Stringer("state", s.State()).Msg("session closed")
	return err
}

// close starts the teardown exactly once with the given close code. The
// session sits in closing until Run's goroutines drain; Run marks it closed.
func (s *Session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() {
		s.setState(StateClosing)
		s.deps.Live.Unsubscribe(s.clientID)
		close(s.done)
		if s.cancel != nil {
			s.cancel()
		}
		if err := s.conn.Close(code, reason); err != nil {
			s.logger.Debug().Err(err).Msg("transport close")
		}
		if code != protocol.StatusNormal {
			s.logger.Warn().Int("code", int(code)).Str("reason", reason).Msg("session closed abnormally")
		}
	})
}

// CloseSuperseded terminates this session because the same client opened a
// newer connection.
func (s *Session) CloseSuperseded() {
	s.close(protocol.StatusSuperseded, "superseded by a newer connection")
}

func (s *Session) readLoop() error {
	for {
		data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			s.logger.Debug().Err(err).Msg("read ended")
			return nil
		}
		s.touch()

		msg, err := protocol.DecodeInbound(data)
		if err != nil {
			s.logger.Warn().Err(err).Msg("undecodable client frame")
			s.close(protocol.StatusProtocolError, "malformed message")
			return err
		}
		if err := s.handle(msg); err != nil {
			return err
		}
	}
}

func (s *Session) handle(msg protocol.Inbound) error {
	switch m := msg.(type) {
	case protocol.Heartbeat:
		return nil

	case protocol.Disconnect:
		s.close(protocol.StatusNormal, "client disconnect")
		return nil

	case protocol.CatchupRequest:
		if st := s.State(); st != StateAwaitingCatchup {
			return s.violation("catchup request in state %s", st)
		}
		return s.startCatchup(m)

	case protocol.CatchupReceived:
		if st := s.State(); st != StateCatchup {
			return s.violation("catchup ack in state %s", st)
		}
		select {
		case s.acks <- catchup.Ack{Chunk: m.Chunk, LSN: m.LSN}:
			return nil
		case <-s.ctx.Done():
			return nil
		}

	case protocol.ChangesReceived:
		if st := s.State(); st != StateLive {
			return s.violation("live ack in state %s", st)
		}
		if err := s.deps.Registry.UpdateLastAck(s.ctx, s.clientID, m.LastLSN); err != nil {
			s.logger.Warn().Err(err).Stringer("lsn", m.LastLSN).Msg("advance ack cursor")
		}
		return nil

	case protocol.Submit:
		if st := s.State(); st != StateLive {
			return s.violation("submit in state %s", st)
		}
		s.handleSubmit(m)
		return nil

	default:
		return s.violation("unhandled message type %q", msg.Env().Type)
	}
}

func (s *Session) violation(format string, args ...any) error {
	err := fmt.Errorf("protocol violation: "+format, args...)
	s.logger.Warn().Err(err).Msg("closing session")
	s.close(protocol.StatusProtocolError, err.Error())
	return err
}

// startCatchup resolves the replay window and runs the replay concurrently
// so the read loop stays free to route chunk acknowledgements.
func (s *Session) startCatchup(m protocol.CatchupRequest) error {
	from := lsn.Zero
	if client, ok, err := s.deps.Registry.Get(s.ctx, s.clientID); err == nil && ok {
		from = client.LastAckLSN
	}
	// A client-supplied cursor is authoritative for what the client actually
	// holds, even when it is behind the registry's.
	if m.FromLSN != nil {
		from = *m.FromLSN
	}

	head, err := s.deps.Ledger.HeadLSN(s.ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("resolve ledger head")
		s.close(protocol.StatusNormal, "internal error")
		return err
	}

	s.setState(StateCatchup)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runCatchup(from, head)
	}()
	return nil
}

func (s *Session) runCatchup(from, head lsn.LSN) {
	onAck := func(l lsn.LSN) {
		if err := s.deps.Registry.UpdateLastAck(s.ctx, s.clientID, l); err != nil {
			s.logger.Warn().Err(err).Stringer("lsn", l).Msg("persist catchup cursor")
		}
	}

	final, err := s.deps.Catchup.Run(s.ctx, s.clientID, from, head, s, s.acks, onAck)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Warn().Err(err).Msg("catchup replay failed")
			s.close(protocol.StatusProtocolError, "catchup failed")
		}
		return
	}

	completed := protocol.CatchupCompleted{
		Envelope: protocol.NewEnvelope(protocol.TypeCatchupCompleted, s.clientID, uuid.NewString()),
		LastLSN:  final,
	}
	if err := s.send(s.ctx, completed); err != nil {
		return
	}

	// Subscribe at the replayed cursor so live delivery picks up exactly
	// where the replay stopped.
	s.deps.Live.Subscribe(s.clientID, final, s)
	s.setState(StateLive)
	if s.opts.OnCatchupComplete != nil {
		s.opts.OnCatchupComplete()
	}
	s.logger.Info().Stringer("cursor", final).Msg("session live")
}

func (s *Session) handleSubmit(m protocol.Submit) {
	res, err := s.deps.Applier.Apply(s.ctx, s.clientID, m.Changes)
	if err != nil {
		s.logger.Warn().Err(err).Str("batch", m.BatchID).Msg("submit failed")
		nack := protocol.SubmitNack{
			Envelope: protocol.NewEnvelope(protocol.TypeSubmitNack, s.clientID, uuid.NewString()),
			BatchID:  m.BatchID,
			Reason:   err.Error(),
		}
		_ = s.send(s.ctx, nack)
		return
	}

	if len(res.Rejected) > 0 {
		nack := protocol.SubmitNack{
			Envelope: protocol.NewEnvelope(protocol.TypeSubmitNack, s.clientID, uuid.NewString()),
			BatchID:  m.BatchID,
			Reason:   "some changes were rejected",
			Rejected: res.Rejected,
		}
		_ = s.send(s.ctx, nack)
		return
	}

	ack := protocol.SubmitAck{
		Envelope:     protocol.NewEnvelope(protocol.TypeSubmitAck, s.clientID, uuid.NewString()),
		BatchID:      m.BatchID,
		ResultingLSN: res.ResultingLSN,
	}
	_ = s.send(s.ctx, ack)
}

// SendChunk implements catchup.Sender.
func (s *Session) SendChunk(ctx context.Context, c catchup.Chunk) error {
	msg := protocol.CatchupChanges{
		Envelope: protocol.NewEnvelope(protocol.TypeCatchupChanges, s.clientID, uuid.NewString()),
		Changes:  c.Changes,
		Sequence: protocol.Sequence{Chunk: c.Index, Total: c.Total},
		LastLSN:  c.LastLSN,
	}
	return s.send(ctx, msg)
}

// Deliver implements broadcast.Sink. Changes this client originated are
// filtered out so a client never receives its own writes back.
func (s *Session) Deliver(ctx context.Context, b broadcast.Batch) error {
	res := change.Dedupe(b.Changes, s.clientID)
	if len(res.Changes) == 0 {
		return nil
	}
	msg := protocol.LiveChanges{
		Envelope: protocol.NewEnvelope(protocol.TypeLiveChanges, s.clientID, uuid.NewString()),
		Changes:  res.Changes,
		LastLSN:  b.LastLSN,
	}
	return s.send(ctx, msg)
}

// CloseSlow implements broadcast.Sink.
func (s *Session) CloseSlow() {
	s.close(protocol.StatusSlowConsumer, "outbound queue stalled")
}

func (s *Session) send(ctx context.Context, msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case s.outbound <- data:
		return nil
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case data := <-s.outbound:
			ctx, cancel := context.WithTimeout(s.ctx, s.opts.WriteTimeout)
			err := s.conn.Write(ctx, data)
			cancel()
			if err != nil {
				if s.ctx.Err() == nil {
					s.logger.Debug().Err(err).Msg("write failed")
					s.close(protocol.StatusNormal, "write failed")
				}
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// watchdog closes the session when the client misses three heartbeat
// intervals without any inbound traffic.
func (s *Session) watchdog() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			last := time.Unix(0, s.lastSeen.Load())
			if time.Since(last) > 3*s.opts.HeartbeatInterval {
				s.close(protocol.StatusHeartbeatLost, "heartbeat lost")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}
