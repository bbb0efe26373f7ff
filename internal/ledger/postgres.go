package ledger

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/pkg/lsn"
)

// Postgres stores the ledger in the sync_changes table. The lsn column is
// text in the canonical X/Y form; comparisons cast through pg_lsn so range
// scans order correctly.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a ledger over the given pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Append(ctx context.Context, c change.Change) error {
	if c.LSN.IsZero() {
		return ErrZeroLSN
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO sync_changes (lsn, table_name, op, data, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (lsn) DO NOTHING
	`, c.LSN.String(), c.Table, string(c.Op), c.Data, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("append change %s: %w", c.LSN, err)
	}
	return nil
}

func (p *Postgres) HeadLSN(ctx context.Context) (lsn.LSN, error) {
	var head *string
	err := p.pool.QueryRow(ctx, `
		SELECT max(lsn::pg_lsn)::text FROM sync_changes
	`).Scan(&head)
	if err != nil {
		return lsn.Zero, fmt.Errorf("head lsn: %w", err)
	}
	if head == nil {
		return lsn.Zero, nil
	}
	return lsn.Parse(*head)
}

func (p *Postgres) ReadRange(ctx context.Context, from, to lsn.LSN, limit int) ([]change.Change, error) {
	query := `
		SELECT lsn, table_name, op, data, updated_at
		FROM sync_changes
		WHERE lsn::pg_lsn > $1::pg_lsn
	`
	args := []any{from.String()}
	if !to.IsZero() {
		query += ` AND lsn::pg_lsn <= $2::pg_lsn`
		args = append(args, to.String())
	}
	query += fmt.Sprintf(` ORDER BY lsn::pg_lsn ASC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("read range after %s: %w", from, err)
	}
	defer rows.Close()

	var out []change.Change
	for rows.Next() {
		var (
			c      change.Change
			rawLSN string
			op     string
		)
		if err := rows.Scan(&rawLSN, &c.Table, &op, &c.Data, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		c.Op = change.Op(op)
		if c.LSN, err = lsn.Parse(rawLSN); err != nil {
			return nil, fmt.Errorf("stored lsn %q: %w", rawLSN, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) CountRange(ctx context.Context, from, to lsn.LSN) (int, error) {
	query := `SELECT count(*) FROM sync_changes WHERE lsn::pg_lsn > $1::pg_lsn`
	args := []any{from.String()}
	if !to.IsZero() {
		query += ` AND lsn::pg_lsn <= $2::pg_lsn`
		args = append(args, to.String())
	}

	var n int
	if err := p.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count range: %w", err)
	}
	return n, nil
}

func (p *Postgres) TruncateBefore(ctx context.Context, before lsn.LSN) error {
	_, err := p.pool.Exec(ctx, `
		DELETE FROM sync_changes WHERE lsn::pg_lsn < $1::pg_lsn
	`, before.String())
	if err != nil {
		return fmt.Errorf("truncate before %s: %w", before, err)
	}
	return nil
}
