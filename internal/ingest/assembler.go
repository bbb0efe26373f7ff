package ingest

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/pkg/lsn"
)

// ErrLSNRegression is fatal: the WAL stream handed us a commit at or below
// one we already processed. The ingester halts rather than corrupt the
// ledger's ordering.
var ErrLSNRegression = errors.New("ingest: commit LSN regression")

type relColumn struct {
	name string
	typ  uint32 // pg_type OID
}

type relation struct {
	name    string
	columns []relColumn
}

// assembler folds the pgoutput message stream into per-transaction change
// batches. Row events buffer under the open transaction; the batch is
// released at commit, each change carrying the WAL position of its own row
// event so ledger keys stay unique within a transaction.
type assembler struct {
	logger    zerolog.Logger
	relations map[uint32]relation

	inTx    bool
	pending []change.Change

	lastCommit lsn.LSN
}

func newAssembler(logger zerolog.Logger) *assembler {
	return &assembler{
		logger:    logger,
		relations: make(map[uint32]relation),
	}
}

// batch is one committed transaction's changes.
type batch struct {
	changes   []change.Change
	commitLSN lsn.LSN
}

// handle consumes one logical message at the given WAL position. It returns
// a non-nil batch exactly when a transaction commits.
func (a *assembler) handle(msg pglogrepl.Message, walPos lsn.LSN) (*batch, error) {
	switch m := msg.(type) {
	case *pglogrepl.BeginMessage:
		a.inTx = true
		a.pending = a.pending[:0]

	case *pglogrepl.RelationMessage:
		cols := make([]relColumn, len(m.Columns))
		for i, c := range m.Columns {
			cols[i] = relColumn{name: c.Name, typ: c.DataType}
		}
		a.relations[m.RelationID] = relation{name: m.RelationName, columns: cols}

	case *pglogrepl.InsertMessage:
		a.bufferRow(m.RelationID, change.OpInsert, m.Tuple, walPos)

	case *pglogrepl.UpdateMessage:
		a.bufferRow(m.RelationID, change.OpUpdate, m.NewTuple, walPos)

	case *pglogrepl.DeleteMessage:
		a.bufferRow(m.RelationID, change.OpDelete, m.OldTuple, walPos)

	case *pglogrepl.CommitMessage:
		commit := lsn.FromPg(m.CommitLSN)
		if lsn.Compare(commit, a.lastCommit) <= 0 {
			return nil, fmt.Errorf("%w: %s after %s", ErrLSNRegression, commit, a.lastCommit)
		}
		a.lastCommit = commit
		a.inTx = false
		if len(a.pending) == 0 {
			return nil, nil
		}
		out := &batch{
			changes:   append([]change.Change(nil), a.pending...),
			commitLSN: commit,
		}
		a.pending = a.pending[:0]
		return out, nil
	}

	return nil, nil
}

func (a *assembler) bufferRow(relationID uint32, op change.Op, tuple *pglogrepl.TupleData, walPos lsn.LSN) {
	rel, ok := a.relations[relationID]
	if !ok {
		a.logger.Warn().Uint32("relation_id", relationID).Str("op", string(op)).Msg("row event for unknown relation, skipping")
		return
	}
	if !change.Known(rel.name) {
		// Non-domain tables flow through the publication filter in normal
		// operation; skip defensively when they do not.
		a.logger.Debug().Str("table", rel.name).Msg("row event for unsynced table, skipping")
		return
	}
	if !a.inTx {
		a.logger.Warn().Str("table", rel.name).Msg("row event outside transaction, skipping")
		return
	}
	if tuple == nil {
		a.logger.Warn().Str("table", rel.name).Str("op", string(op)).Msg("row event without tuple, skipping")
		return
	}

	data := decodeTuple(tuple, rel.columns)
	c := change.Change{
		Table:     rel.name,
		Op:        op,
		Data:      data,
		LSN:       walPos,
		UpdatedAt: rowUpdatedAt(data),
	}
	if op == change.OpDelete {
		// Only the identity survives a delete.
		c.Data = map[string]any{"id": c.ID()}
	}
	a.pending = append(a.pending, c)
}

func decodeTuple(tuple *pglogrepl.TupleData, columns []relColumn) map[string]any {
	data := make(map[string]any, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(columns) {
			break
		}
		name := columns[i].name
		switch col.DataType {
		case pglogrepl.TupleDataTypeNull:
			data[name] = nil
		case pglogrepl.TupleDataTypeText:
			data[name] = decodeValue(columns[i].typ, string(col.Data))
		}
		// Unchanged TOAST columns are omitted; the row image elsewhere is
		// authoritative for them.
	}
	// Rename snake_case sync columns to the wire's camelCase.
	if v, ok := data["client_id"]; ok {
		data["clientId"] = v
		delete(data, "client_id")
	}
	return data
}

// pg_type OIDs for the column types the synced tables carry.
const (
	typeBool        = 16
	typeInt8        = 20
	typeInt2        = 21
	typeInt4        = 23
	typeText        = 25
	typeFloat4      = 700
	typeFloat8      = 701
	typeTimestamp   = 1114
	typeTimestamptz = 1184
)

// decodeValue converts a textual pgoutput value by the column's declared
// type. Anything unrecognized passes through as a string, so text that
// merely looks numeric keeps its type.
func decodeValue(typ uint32, raw string) any {
	switch typ {
	case typeBool:
		return raw == "t"
	case typeInt2, typeInt4, typeInt8:
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return n
		}
	case typeFloat4, typeFloat8:
		if f, err := strconv.ParseFloat(raw, 64); err == nil {
			return f
		}
	case typeTimestamp, typeTimestamptz:
		if t, err := parsePgTime(raw); err == nil {
			return t.Format(time.RFC3339Nano)
		}
	}
	return raw
}

func rowUpdatedAt(data map[string]any) time.Time {
	if s, ok := data["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if t, err := parsePgTime(s); err == nil {
			return t
		}
	}
	return time.Now().UTC()
}

var pgTimeLayouts = []string{
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC3339Nano,
}

func parsePgTime(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range pgTimeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
