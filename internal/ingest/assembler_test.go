package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/rs/zerolog"

	"github.com/vibestack/syncd/internal/change"
	"github.com/vibestack/syncd/pkg/lsn"
)

const tasksRelID = 101

func tasksRelation() *pglogrepl.RelationMessage {
	return &pglogrepl.RelationMessage{
		RelationID:   tasksRelID,
		RelationName: "tasks",
		Columns: []*pglogrepl.RelationMessageColumn{
			{Name: "id", DataType: typeText},
			{Name: "title", DataType: typeText},
			{Name: "updated_at", DataType: typeTimestamptz},
			{Name: "client_id", DataType: typeText},
		},
	}
}

func textTuple(values ...string) *pglogrepl.TupleData {
	cols := make([]*pglogrepl.TupleDataColumn, len(values))
	for i, v := range values {
		cols[i] = &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Data: []byte(v)}
	}
	return &pglogrepl.TupleData{Columns: cols}
}

func feed(t *testing.T, a *assembler, msgs []pglogrepl.Message, positions []lsn.LSN) *batch {
	t.Helper()
	var out *batch
	for i, m := range msgs {
		b, err := a.handle(m, positions[i])
		if err != nil {
			t.Fatalf("message %d: %v", i, err)
		}
		if b != nil {
			out = b
		}
	}
	return out
}

func TestAssembleInsertTransaction(t *testing.T) {
	a := newAssembler(zerolog.Nop())

	msgs := []pglogrepl.Message{
		&pglogrepl.BeginMessage{FinalLSN: pglogrepl.LSN(0x30), Xid: 7},
		tasksRelation(),
		&pglogrepl.InsertMessage{
			RelationID: tasksRelID,
			Tuple:      textTuple("t1", "write report", "2026-03-01 09:30:00.5+00", "client-a"),
		},
		&pglogrepl.CommitMessage{CommitLSN: pglogrepl.LSN(0x30)},
	}
	b := feed(t, a, msgs, []lsn.LSN{0x10, 0x11, 0x20, 0x30})

	if b == nil {
		t.Fatal("commit produced no batch")
	}
	if b.commitLSN != lsn.MustParse("0/30") {
		t.Errorf("commitLSN = %s, want 0/30", b.commitLSN)
	}
	if len(b.changes) != 1 {
		t.Fatalf("changes = %d, want 1", len(b.changes))
	}
	c := b.changes[0]
	if c.Table != "tasks" || c.Op != change.OpInsert {
		t.Errorf("got %s %s", c.Table, c.Op)
	}
	if c.LSN != lsn.MustParse("0/20") {
		t.Errorf("row LSN = %s, want its own WAL position 0/20", c.LSN)
	}
	if c.ID() != "t1" {
		t.Errorf("id = %q", c.ID())
	}
	if c.ClientID() != "client-a" {
		t.Errorf("clientId = %q, want camelCase rename applied", c.ClientID())
	}
	if _, ok := c.Data["client_id"]; ok {
		t.Error("snake_case client_id should be dropped from data")
	}
	want := time.Date(2026, 3, 1, 9, 30, 0, 500_000_000, time.UTC)
	if !c.UpdatedAt.Equal(want) {
		t.Errorf("updatedAt = %v, want %v", c.UpdatedAt, want)
	}
}

func TestAssembleMultiRowTransactionKeepsDistinctLSNs(t *testing.T) {
	a := newAssembler(zerolog.Nop())

	msgs := []pglogrepl.Message{
		&pglogrepl.BeginMessage{FinalLSN: pglogrepl.LSN(0x50)},
		tasksRelation(),
		&pglogrepl.InsertMessage{RelationID: tasksRelID, Tuple: textTuple("t1", "a", "2026-03-01 09:00:00+00", "c1")},
		&pglogrepl.UpdateMessage{RelationID: tasksRelID, NewTuple: textTuple("t2", "b", "2026-03-01 09:00:01+00", "c1")},
		&pglogrepl.CommitMessage{CommitLSN: pglogrepl.LSN(0x50)},
	}
	b := feed(t, a, msgs, []lsn.LSN{0x10, 0x11, 0x20, 0x30, 0x50})

	if b == nil || len(b.changes) != 2 {
		t.Fatalf("batch = %+v, want 2 changes", b)
	}
	if b.changes[0].LSN == b.changes[1].LSN {
		t.Error("rows in one transaction must carry distinct LSNs")
	}
	if lsn.Compare(b.changes[0].LSN, b.changes[1].LSN) >= 0 {
		t.Error("row LSNs must ascend in stream order")
	}
	if b.changes[1].Op != change.OpUpdate {
		t.Errorf("second op = %s, want update", b.changes[1].Op)
	}
}

func TestAssembleDeleteKeepsOnlyIdentity(t *testing.T) {
	a := newAssembler(zerolog.Nop())

	msgs := []pglogrepl.Message{
		&pglogrepl.BeginMessage{FinalLSN: pglogrepl.LSN(0x40)},
		tasksRelation(),
		&pglogrepl.DeleteMessage{RelationID: tasksRelID, OldTuple: textTuple("t9", "stale title", "2026-03-01 09:00:00+00", "c1")},
		&pglogrepl.CommitMessage{CommitLSN: pglogrepl.LSN(0x40)},
	}
	b := feed(t, a, msgs, []lsn.LSN{0x10, 0x11, 0x20, 0x40})

	if b == nil || len(b.changes) != 1 {
		t.Fatalf("batch = %+v, want 1 change", b)
	}
	c := b.changes[0]
	if c.Op != change.OpDelete {
		t.Errorf("op = %s", c.Op)
	}
	if len(c.Data) != 1 || c.ID() != "t9" {
		t.Errorf("delete data = %v, want only id", c.Data)
	}
}

func TestAssembleEmptyTransactionYieldsNoBatch(t *testing.T) {
	a := newAssembler(zerolog.Nop())

	msgs := []pglogrepl.Message{
		&pglogrepl.BeginMessage{FinalLSN: pglogrepl.LSN(0x20)},
		&pglogrepl.CommitMessage{CommitLSN: pglogrepl.LSN(0x20)},
	}
	if b := feed(t, a, msgs, []lsn.LSN{0x10, 0x20}); b != nil {
		t.Errorf("empty transaction produced batch %+v", b)
	}
}

func TestAssembleSkipsUnknownRelation(t *testing.T) {
	a := newAssembler(zerolog.Nop())

	msgs := []pglogrepl.Message{
		&pglogrepl.BeginMessage{FinalLSN: pglogrepl.LSN(0x30)},
		&pglogrepl.InsertMessage{RelationID: 999, Tuple: textTuple("x")},
		&pglogrepl.CommitMessage{CommitLSN: pglogrepl.LSN(0x30)},
	}
	if b := feed(t, a, msgs, []lsn.LSN{0x10, 0x20, 0x30}); b != nil {
		t.Errorf("unknown relation should be skipped, got %+v", b)
	}
}

func TestAssembleSkipsUnsyncedTable(t *testing.T) {
	a := newAssembler(zerolog.Nop())

	rel := &pglogrepl.RelationMessage{
		RelationID:   55,
		RelationName: "audit_log",
		Columns:      []*pglogrepl.RelationMessageColumn{{Name: "id", DataType: typeText}},
	}
	msgs := []pglogrepl.Message{
		&pglogrepl.BeginMessage{FinalLSN: pglogrepl.LSN(0x30)},
		rel,
		&pglogrepl.InsertMessage{RelationID: 55, Tuple: textTuple("x")},
		&pglogrepl.CommitMessage{CommitLSN: pglogrepl.LSN(0x30)},
	}
	if b := feed(t, a, msgs, []lsn.LSN{0x10, 0x11, 0x20, 0x30}); b != nil {
		t.Errorf("unsynced table should be skipped, got %+v", b)
	}
}

func TestAssembleNullColumn(t *testing.T) {
	a := newAssembler(zerolog.Nop())

	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		{DataType: pglogrepl.TupleDataTypeText, Data: []byte("t1")},
		{DataType: pglogrepl.TupleDataTypeNull},
		{DataType: pglogrepl.TupleDataTypeText, Data: []byte("2026-03-01 09:00:00+00")},
		{DataType: pglogrepl.TupleDataTypeText, Data: []byte("c1")},
	}}
	msgs := []pglogrepl.Message{
		&pglogrepl.BeginMessage{FinalLSN: pglogrepl.LSN(0x30)},
		tasksRelation(),
		&pglogrepl.InsertMessage{RelationID: tasksRelID, Tuple: tuple},
		&pglogrepl.CommitMessage{CommitLSN: pglogrepl.LSN(0x30)},
	}
	b := feed(t, a, msgs, []lsn.LSN{0x10, 0x11, 0x20, 0x30})

	if b == nil || len(b.changes) != 1 {
		t.Fatal("want one change")
	}
	if v, ok := b.changes[0].Data["title"]; !ok || v != nil {
		t.Errorf("null column = %v (present %v), want explicit nil", v, ok)
	}
}

func TestAssembleCommitRegressionIsFatal(t *testing.T) {
	a := newAssembler(zerolog.Nop())

	first := []pglogrepl.Message{
		&pglogrepl.BeginMessage{FinalLSN: pglogrepl.LSN(0x50)},
		&pglogrepl.CommitMessage{CommitLSN: pglogrepl.LSN(0x50)},
	}
	feed(t, a, first, []lsn.LSN{0x10, 0x50})

	if _, err := a.handle(&pglogrepl.BeginMessage{FinalLSN: pglogrepl.LSN(0x40)}, lsn.LSN(0x30)); err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err := a.handle(&pglogrepl.CommitMessage{CommitLSN: pglogrepl.LSN(0x40)}, lsn.LSN(0x40))
	if !errors.Is(err, ErrLSNRegression) {
		t.Errorf("err = %v, want ErrLSNRegression", err)
	}
}

func TestDecodeValueByColumnType(t *testing.T) {
	tests := []struct {
		typ  uint32
		raw  string
		want any
	}{
		{typeInt4, "42", int64(42)},
		{typeInt8, "9000000000", int64(9_000_000_000)},
		{typeBool, "t", true},
		{typeBool, "f", false},
		{typeFloat8, "1.5", 1.5},
		{typeText, "plain text", "plain text"},
		{typeText, "123", "123"}, // numeric-looking text stays text
		{typeText, "t", "t"},
		{typeTimestamptz, "2026-03-01 09:30:00+00", "2026-03-01T09:30:00Z"},
	}
	for _, tt := range tests {
		if got := decodeValue(tt.typ, tt.raw); got != tt.want {
			t.Errorf("decodeValue(%d, %q) = %v (%T), want %v", tt.typ, tt.raw, got, got, tt.want)
		}
	}
}

func TestAssembleNumericTitleStaysText(t *testing.T) {
	a := newAssembler(zerolog.Nop())

	msgs := []pglogrepl.Message{
		&pglogrepl.BeginMessage{FinalLSN: pglogrepl.LSN(0x30)},
		tasksRelation(),
		&pglogrepl.InsertMessage{
			RelationID: tasksRelID,
			Tuple:      textTuple("t1", "123", "2026-03-01 09:00:00+00", "c1"),
		},
		&pglogrepl.CommitMessage{CommitLSN: pglogrepl.LSN(0x30)},
	}
	b := feed(t, a, msgs, []lsn.LSN{0x10, 0x11, 0x20, 0x30})

	if b == nil || len(b.changes) != 1 {
		t.Fatal("want one change")
	}
	if got := b.changes[0].Data["title"]; got != "123" {
		t.Errorf("title = %v (%T), want the string unchanged", got, got)
	}
}
