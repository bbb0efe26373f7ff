package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibestack/syncd/pkg/lsn"
)

// Postgres stores client records in the sync_clients table. The
// compare-and-advance on last_ack_lsn happens inside a single UPDATE so
// concurrent acknowledgements cannot rewind the cursor.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a registry over the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Get(ctx context.Context, clientID string) (Client, bool, error) {
	var (
		c      Client
		rawLSN string
	)
	err := p.pool.QueryRow(ctx, `
		SELECT client_id, last_ack_lsn, profile_id, subject_id, updated_at
		FROM sync_clients WHERE client_id = $1
	`, clientID).Scan(&c.ClientID, &rawLSN, &c.ProfileID, &c.SubjectID, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Client{}, false, nil
		}
		return Client{}, false, fmt.Errorf("get client %s: %w", clientID, err)
	}
	if c.LastAckLSN, err = lsn.Parse(rawLSN); err != nil {
		return Client{}, false, fmt.Errorf("stored ack lsn %q: %w", rawLSN, err)
	}
	return c, true, nil
}

func (p *Postgres) Upsert(ctx context.Context, c Client) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sync_clients (client_id, last_ack_lsn, profile_id, subject_id, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (client_id) DO UPDATE SET
			profile_id = EXCLUDED.profile_id,
			subject_id = EXCLUDED.subject_id,
			last_ack_lsn = CASE
				WHEN EXCLUDED.last_ack_lsn::pg_lsn > sync_clients.last_ack_lsn::pg_lsn
				THEN EXCLUDED.last_ack_lsn
				ELSE sync_clients.last_ack_lsn
			END,
			updated_at = now()
	`, c.ClientID, c.LastAckLSN.String(), c.ProfileID, c.SubjectID)
	if err != nil {
		return fmt.Errorf("upsert client %s: %w", c.ClientID, err)
	}
	return nil
}

func (p *Postgres) UpdateLastAck(ctx context.Context, clientID string, l lsn.LSN) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE sync_clients
		SET last_ack_lsn = $2, updated_at = now()
		WHERE client_id = $1 AND $2::pg_lsn > last_ack_lsn::pg_lsn
	`, clientID, l.String())
	if err != nil {
		return fmt.Errorf("update ack for %s: %w", clientID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the client is unknown or the LSN does not advance; only
		// the former is an error.
		var exists bool
		if err := p.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM sync_clients WHERE client_id = $1)`, clientID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check client %s: %w", clientID, err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (p *Postgres) List(ctx context.Context) ([]Client, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT client_id, last_ack_lsn, profile_id, subject_id, updated_at
		FROM sync_clients ORDER BY client_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []Client
	for rows.Next() {
		var (
			c      Client
			rawLSN string
		)
		if err := rows.Scan(&c.ClientID, &rawLSN, &c.ProfileID, &c.SubjectID, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		if c.LastAckLSN, err = lsn.Parse(rawLSN); err != nil {
			return nil, fmt.Errorf("stored ack lsn %q: %w", rawLSN, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) Delete(ctx context.Context, clientID string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sync_clients WHERE client_id = $1`, clientID)
	if err != nil {
		return fmt.Errorf("delete client %s: %w", clientID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
