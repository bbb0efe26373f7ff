// Package submit commits client-authored change batches to the database,
// validating provenance, collapsing redundant changes, and applying in
// dependency order under last-write-wins.
package submit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/pkg/lsn"
)

const sqlstateFKViolation = "23503"

// Rejection reports one change that was permanently refused.
type Rejection struct {
	ID     string
	Table  string
	Reason string
}

// Result is the outcome of applying one batch.
type Result struct {
	ResultingLSN lsn.LSN
	Applied      int
	Rejected     []Rejection
}

// Applier writes submitted batches through a pgx pool.
type Applier struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewApplier creates an Applier over the given pool.
func NewApplier(pool *pgxpool.Pool, logger zerolog.Logger) *Applier {
	return &Applier{
		pool:   pool,
		logger: logger.With().Str("component", "applier").Logger(),
	}
}

// Apply validates, collapses, and commits one client batch. The whole batch
// is tried in a single transaction first; on a foreign key violation it is
// retried row by row under savepoints so independent changes still land and
// only the offending rows are rejected.
func (a *Applier) Apply(ctx context.Context, clientID string, changes []change.Change) (Result, error) {
	valid, rejected := validate(clientID, changes)

	ded := change.Dedupe(valid, "")
	stmts := make([]statement, 0, len(ded.Changes))
	for _, c := range ded.Changes {
		st, err := buildStatement(c)
		if err != nil {
			rejected = append(rejected, Rejection{ID: c.ID(), Table: c.Table, Reason: err.Error()})
			continue
		}
		stmts = append(stmts, st)
	}

	if len(stmts) == 0 {
		return Result{Rejected: rejected}, nil
	}

	result, err := a.applyAtomic(ctx, stmts)
	if err != nil {
		var pgErr *pgconn.PgError
		if !errors.As(err, &pgErr) || pgErr.Code != sqlstateFKViolation {
			return Result{}, err
		}
		a.logger.Warn().Err(err).Int("changes", len(stmts)).Msg("batch hit foreign key violation, retrying row by row")
		result, err = a.applyRowByRow(ctx, stmts)
		if err != nil {
			return Result{}, err
		}
	}

	result.Rejected = append(result.Rejected, rejected...)
	a.logger.Debug().
		Str("client", clientID).
		Int("applied", result.Applied).
		Int("rejected", len(result.Rejected)).
		Stringer("resulting_lsn", result.ResultingLSN).
		Msg("batch applied")
	return result, nil
}

// applyAtomic commits every statement in one transaction or none of them.
func (a *Applier) applyAtomic(ctx context.Context, stmts []statement) (Result, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, st := range stmts {
		if _, err := tx.Exec(ctx, st.sql, st.args...); err != nil {
			return Result{}, fmt.Errorf("apply %s on %s (id %s): %w", st.op, st.table, st.id, err)
		}
	}

	resulting, err := currentWALPosition(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit batch: %w", err)
	}
	return Result{ResultingLSN: resulting, Applied: len(stmts)}, nil
}

// applyRowByRow wraps each statement in a savepoint so one bad row cannot
// drag down the rest of the batch.
func (a *Applier) applyRowByRow(ctx context.Context, stmts []statement) (Result, error) {
	tx, err := a.pool.Begin(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var result Result
	for _, st := range stmts {
		if err := a.execInSavepoint(ctx, tx, st); err != nil {
			var pgErr *pgconn.PgError
			reason := err.Error()
			if errors.As(err, &pgErr) {
				reason = pgErr.Message
			}
			result.Rejected = append(result.Rejected, Rejection{ID: st.id, Table: st.table, Reason: reason})
			continue
		}
		result.Applied++
	}

	result.ResultingLSN, err = currentWALPosition(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Result{}, fmt.Errorf("commit partial batch: %w", err)
	}
	return result, nil
}

func (a *Applier) execInSavepoint(ctx context.Context, tx pgx.Tx, st statement) error {
	sp, err := tx.Begin(ctx) // nested Begin issues a savepoint
	if err != nil {
		return err
	}
	if _, err := sp.Exec(ctx, st.sql, st.args...); err != nil {
		_ = sp.Rollback(ctx)
		return err
	}
	return sp.Commit(ctx)
}

func currentWALPosition(ctx context.Context, tx pgx.Tx) (lsn.LSN, error) {
	var raw string
	if err := tx.QueryRow(ctx, `SELECT pg_current_wal_lsn()::text`).Scan(&raw); err != nil {
		return lsn.Zero, fmt.Errorf("read wal position: %w", err)
	}
	pos, err := lsn.Parse(raw)
	if err != nil {
		return lsn.Zero, fmt.Errorf("parse wal position %q: %w", raw, err)
	}
	return pos, nil
}

// validate splits a batch into applicable changes and provenance rejections.
// A change must target a known table, carry a valid op and row id, and claim
// the submitting client as its author.
func validate(clientID string, changes []change.Change) ([]change.Change, []Rejection) {
	var valid []change.Change
	var rejected []Rejection
	for _, c := range changes {
		switch {
		case !change.Known(c.Table):
			rejected = append(rejected, Rejection{ID: c.ID(), Table: c.Table, Reason: fmt.Sprintf("unknown table %q", c.Table)})
		case !c.Op.Valid():
			rejected = append(rejected, Rejection{ID: c.ID(), Table: c.Table, Reason: fmt.Sprintf("invalid op %q", c.Op)})
		case c.ID() == "":
			rejected = append(rejected, Rejection{Table: c.Table, Reason: "missing row id"})
		case c.ClientID() != clientID:
			rejected = append(rejected, Rejection{ID: c.ID(), Table: c.Table, Reason: "clientId does not match submitting client"})
		default:
			valid = append(valid, c)
		}
	}
	return valid, rejected
}

type statement struct {
	sql   string
	args  []any
	op    change.Op
	table string
	id    string
}

func buildStatement(c change.Change) (statement, error) {
	if c.Op == change.OpDelete {
		return buildDelete(c), nil
	}
	return buildUpsert(c)
}

// buildUpsert renders an insert-or-update guarded by last-write-wins: the
// update only lands when the incoming (updated_at, client_id) pair beats the
// stored row's.
func buildUpsert(c change.Change) (statement, error) {
	tbl, ok := change.Tables[c.Table]
	if !ok {
		return statement{}, fmt.Errorf("unknown table %q", c.Table)
	}

	data := make(map[string]any, len(c.Data))
	for k, v := range c.Data {
		data[snakeCase(k)] = v
	}
	data["updated_at"] = c.UpdatedAt
	data["client_id"] = c.ClientID()

	var cols []string
	var args []any
	for _, col := range tbl.Columns {
		v, ok := data[col]
		if !ok {
			continue
		}
		cols = append(cols, col)
		args = append(args, v)
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO ")
	sb.WriteString(quoteIdent(c.Table))
	sb.WriteString(" (")
	for i, col := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(quoteIdent(col))
	}
	sb.WriteString(") VALUES (")
	for i := range cols {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "$%d", i+1)
	}
	sb.WriteString(") ON CONFLICT (id) DO UPDATE SET ")
	first := true
	for _, col := range cols {
		if col == "id" {
			continue
		}
		if !first {
			sb.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&sb, "%s = EXCLUDED.%s", quoteIdent(col), quoteIdent(col))
	}
	fmt.Fprintf(&sb,
		" WHERE %[1]s.updated_at < EXCLUDED.updated_at OR (%[1]s.updated_at = EXCLUDED.updated_at AND %[1]s.client_id < EXCLUDED.client_id)",
		quoteIdent(c.Table))

	return statement{sql: sb.String(), args: args, op: c.Op, table: c.Table, id: c.ID()}, nil
}

func buildDelete(c change.Change) statement {
	sql := fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdent(c.Table))
	return statement{sql: sql, args: []any{c.ID()}, op: change.OpDelete, table: c.Table, id: c.ID()}
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// snakeCase maps the wire's camelCase field names onto column names.
func snakeCase(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if unicode.IsUpper(r) {
			sb.WriteByte('_')
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
