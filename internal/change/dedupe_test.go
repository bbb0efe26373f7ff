package change

import (
	"reflect"
	"testing"
	"time"

	"github.com/vibestack/syncd/pkg/lsn"
)

var base = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func mk(table, id string, op Op, sec int, fields map[string]any) Change {
	data := map[string]any{"id": id}
	for k, v := range fields {
		data[k] = v
	}
	return Change{Table: table, Op: op, Data: data, UpdatedAt: at(sec)}
}

func TestDedupeInsertThenUpdateCollapses(t *testing.T) {
	in := []Change{
		mk("tasks", "t1", OpInsert, 0, map[string]any{"title": "a"}),
		mk("tasks", "t1", OpUpdate, 1, map[string]any{"title": "b"}),
	}
	res := Dedupe(in, "")

	if len(res.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(res.Changes))
	}
	got := res.Changes[0]
	if got.Op != OpInsert {
		t.Errorf("op = %s, want insert", got.Op)
	}
	if got.Data["title"] != "b" {
		t.Errorf("title = %v, want b", got.Data["title"])
	}
	if !got.UpdatedAt.Equal(at(1)) {
		t.Errorf("updatedAt should advance to the newer change")
	}
	if len(res.Transformations) != 1 {
		t.Errorf("transformations = %v, want one merge", res.Transformations)
	}
}

func TestDedupeUpdateUpdateMergesNewerWins(t *testing.T) {
	in := []Change{
		mk("tasks", "t1", OpUpdate, 0, map[string]any{"title": "old", "status": "open"}),
		mk("tasks", "t1", OpUpdate, 5, map[string]any{"title": "new"}),
	}
	res := Dedupe(in, "")

	if len(res.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(res.Changes))
	}
	got := res.Changes[0]
	if got.Op != OpUpdate {
		t.Errorf("op = %s, want update", got.Op)
	}
	if got.Data["title"] != "new" {
		t.Errorf("newer title should win, got %v", got.Data["title"])
	}
	if got.Data["status"] != "open" {
		t.Errorf("older field should survive the merge, got %v", got.Data["status"])
	}
}

func TestDedupeDeleteDominates(t *testing.T) {
	in := []Change{
		mk("tasks", "t1", OpUpdate, 2, map[string]any{"title": "c"}),
		mk("tasks", "t1", OpDelete, 3, nil),
		mk("tasks", "t1", OpInsert, 1, map[string]any{"title": "d"}),
	}
	res := Dedupe(in, "")

	if len(res.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(res.Changes))
	}
	if res.Changes[0].Op != OpDelete {
		t.Errorf("op = %s, want delete", res.Changes[0].Op)
	}
	if len(res.Dropped.Outdated) != 2 {
		t.Errorf("dropped %d, want 2", len(res.Dropped.Outdated))
	}
}

func TestDedupeDeleteDominatesEvenWhenOlder(t *testing.T) {
	// A delete present anywhere in the row's history wins the collapse.
	in := []Change{
		mk("tasks", "t1", OpDelete, 1, nil),
		mk("tasks", "t1", OpUpdate, 5, map[string]any{"title": "late"}),
	}
	res := Dedupe(in, "")
	if len(res.Changes) != 1 || res.Changes[0].Op != OpDelete {
		t.Fatalf("delete should dominate, got %+v", res.Changes)
	}
}

func TestDedupeKeepsLatestDelete(t *testing.T) {
	in := []Change{
		mk("tasks", "t1", OpDelete, 1, nil),
		mk("tasks", "t1", OpDelete, 4, nil),
	}
	res := Dedupe(in, "")
	if len(res.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(res.Changes))
	}
	if !res.Changes[0].UpdatedAt.Equal(at(4)) {
		t.Errorf("latest delete should be retained")
	}
}

func TestDedupeMissingID(t *testing.T) {
	in := []Change{
		{Table: "tasks", Op: OpUpdate, Data: map[string]any{"title": "no id"}, UpdatedAt: at(0)},
		mk("tasks", "t1", OpUpdate, 1, map[string]any{"title": "ok"}),
	}
	res := Dedupe(in, "")
	if len(res.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(res.Changes))
	}
	if len(res.Dropped.MissingID) != 1 {
		t.Errorf("missing-id dropped = %d, want 1", len(res.Dropped.MissingID))
	}
}

func TestDedupeOriginFilter(t *testing.T) {
	mine := mk("tasks", "t1", OpUpdate, 1, map[string]any{"clientId": "me"})
	theirs := mk("tasks", "t2", OpUpdate, 1, map[string]any{"clientId": "other"})
	res := Dedupe([]Change{mine, theirs}, "me")

	if len(res.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(res.Changes))
	}
	if res.Changes[0].ID() != "t2" {
		t.Errorf("own echo should be filtered, kept %s", res.Changes[0].ID())
	}
}

func TestDedupeIndependentRowsSurvive(t *testing.T) {
	in := []Change{
		mk("tasks", "t1", OpUpdate, 1, nil),
		mk("tasks", "t2", OpUpdate, 1, nil),
		mk("projects", "t1", OpUpdate, 1, nil), // same id, different table
	}
	res := Dedupe(in, "")
	if len(res.Changes) != 3 {
		t.Fatalf("got %d changes, want 3", len(res.Changes))
	}
}

func TestDedupeLWWTiebreakByClientID(t *testing.T) {
	a := mk("projects", "p1", OpUpdate, 1, map[string]any{"name": "from A", "clientId": "A"})
	b := mk("projects", "p1", OpUpdate, 1, map[string]any{"name": "from B", "clientId": "B"})
	res := Dedupe([]Change{b, a}, "")

	if len(res.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(res.Changes))
	}
	if res.Changes[0].Data["name"] != "from B" {
		t.Errorf("lexicographically greater clientId should win, got %v", res.Changes[0].Data["name"])
	}
}

func TestDedupeIdempotent(t *testing.T) {
	in := []Change{
		mk("tasks", "t1", OpInsert, 0, map[string]any{"title": "a"}),
		mk("tasks", "t1", OpUpdate, 1, map[string]any{"title": "b"}),
		mk("tasks", "t2", OpDelete, 2, nil),
		mk("users", "u1", OpInsert, 0, map[string]any{"name": "n"}),
	}
	once := Dedupe(in, "")
	twice := Dedupe(once.Changes, "")

	if !reflect.DeepEqual(once.Changes, twice.Changes) {
		t.Errorf("dedupe not idempotent:\nonce:  %+v\ntwice: %+v", once.Changes, twice.Changes)
	}
	if len(twice.Dropped.Outdated) != 0 || len(twice.Dropped.MissingID) != 0 {
		t.Errorf("second pass should drop nothing")
	}
}

// applyToRow simulates applying a change sequence to a single row's state.
func applyToRow(state map[string]any, cs []Change) map[string]any {
	for _, c := range cs {
		switch c.Op {
		case OpDelete:
			state = nil
		case OpInsert:
			state = c.CloneData()
		case OpUpdate:
			if state == nil {
				continue
			}
			for k, v := range c.Data {
				state[k] = v
			}
		}
	}
	return state
}

func TestMergeEquivalence(t *testing.T) {
	sequences := [][]Change{
		{
			mk("tasks", "t1", OpInsert, 0, map[string]any{"title": "a", "status": "open"}),
			mk("tasks", "t1", OpUpdate, 1, map[string]any{"title": "b"}),
			mk("tasks", "t1", OpUpdate, 2, map[string]any{"status": "done"}),
		},
		{
			mk("tasks", "t1", OpInsert, 0, map[string]any{"title": "x"}),
			mk("tasks", "t1", OpDelete, 1, nil),
		},
		{
			mk("tasks", "t1", OpUpdate, 0, map[string]any{"title": "u1"}),
			mk("tasks", "t1", OpUpdate, 3, map[string]any{"title": "u2"}),
		},
	}

	for i, seq := range sequences {
		raw := applyToRow(map[string]any{}, seq)
		deduped := applyToRow(map[string]any{}, Dedupe(seq, "").Changes)
		if !reflect.DeepEqual(raw, deduped) {
			t.Errorf("sequence %d: raw %v != deduped %v", i, raw, deduped)
		}
	}
}

func TestDedupeAdvancesLSNOnMerge(t *testing.T) {
	older := mk("tasks", "t1", OpInsert, 0, map[string]any{"title": "a"})
	older.LSN = lsn.MustParse("0/10")
	newer := mk("tasks", "t1", OpUpdate, 1, map[string]any{"title": "b"})
	newer.LSN = lsn.MustParse("0/20")

	res := Dedupe([]Change{older, newer}, "")
	if len(res.Changes) != 1 {
		t.Fatalf("got %d changes, want 1", len(res.Changes))
	}
	if res.Changes[0].LSN != lsn.MustParse("0/20") {
		t.Errorf("merged change should carry the newer LSN, got %s", res.Changes[0].LSN)
	}
}
