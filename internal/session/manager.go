package session

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/auth"
	"github.com/vibestack/syncd/internal/protocol"
	"github.com/vibestack/syncd/internal/registry"
)

// Manager owns all live sessions. It enforces one session per client: a new
// connection supersedes and closes any existing one for the same clientID.
type Manager struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger

	sessions *xsync.Map[string, *Session]
}

// NewManager creates a session manager.
func NewManager(deps Deps, opts Options, logger zerolog.Logger) *Manager {
	return &Manager{
		deps:     deps,
		opts:     opts,
		logger:   logger.With().Str("component", "sessions").Logger(),
		sessions: xsync.NewMap[string, *Session](),
	}
}

// Serve runs one client connection to completion. It registers the client
// and its verified identity in the registry, supersedes any prior session
// for the same clientID, and blocks until the session ends.
func (m *Manager) Serve(ctx context.Context, clientID string, ident auth.Identity, conn Conn) error {
	sess := newSession(clientID, conn, m.deps, m.opts, m.logger)

	if prev, loaded := m.sessions.LoadAndStore(clientID, sess); loaded {
		m.logger.Info().Str("client", clientID).Msg("superseding existing session")
		prev.CloseSuperseded()
	}

	err := m.deps.Registry.Upsert(ctx, registry.Client{
		ClientID:  clientID,
		SubjectID: ident.SubjectID,
		ProfileID: ident.ProfileID,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		m.logger.Error().Err(err).Str("client", clientID).Msg("register client")
	}

	runErr := sess.Run(ctx)

	// Remove only our own entry; a superseding session may already have
	// replaced it.
	m.sessions.Compute(clientID, func(current *Session, loaded bool) (*Session, xsync.ComputeOp) {
		if loaded && current == sess {
			return nil, xsync.DeleteOp
		}
		return current, xsync.CancelOp
	})
	return runErr
}

// Count reports the number of live sessions.
func (m *Manager) Count() int { return m.sessions.Size() }

// CloseAll force-closes every session, used during shutdown.
func (m *Manager) CloseAll() {
	m.sessions.Range(func(id string, sess *Session) bool {
		sess.close(protocol.StatusNormal, "server shutting down")
		m.sessions.Delete(id)
		return true
	})
}
