package change

import (
	"fmt"
	"sort"
)

// Table describes one domain table: the columns the sync path is allowed to
// touch and the parent tables its rows reference. The descriptors are static;
// the sync path never reflects over a runtime schema.
type Table struct {
	Name    string
	Columns []string
	Parents []string
}

// Tables is the domain schema in dependency form. An entry's Parents are the
// tables its foreign keys point at; the graph must stay acyclic.
var Tables = map[string]Table{
	"users": {
		Name:    "users",
		Columns: []string{"id", "name", "email", "updated_at", "client_id"},
	},
	"projects": {
		Name:    "projects",
		Columns: []string{"id", "name", "description", "owner_id", "updated_at", "client_id"},
		Parents: []string{"users"},
	},
	"tasks": {
		Name:    "tasks",
		Columns: []string{"id", "project_id", "title", "description", "status", "assignee_id", "updated_at", "client_id"},
		Parents: []string{"projects", "users"},
	},
	"comments": {
		Name:    "comments",
		Columns: []string{"id", "task_id", "author_id", "body", "updated_at", "client_id"},
		Parents: []string{"tasks", "users"},
	},
}

// Known reports whether name is a domain table.
func Known(name string) bool {
	_, ok := Tables[name]
	return ok
}

var levels = computeLevels()

func computeLevels() map[string]int {
	out := make(map[string]int, len(Tables))
	var visit func(name string, trail map[string]bool) int
	visit = func(name string, trail map[string]bool) int {
		if lvl, ok := out[name]; ok {
			return lvl
		}
		if trail[name] {
			panic(fmt.Sprintf("change: dependency cycle through table %q", name))
		}
		trail[name] = true
		lvl := 0
		for _, p := range Tables[name].Parents {
			if pl := visit(p, trail) + 1; pl > lvl {
				lvl = pl
			}
		}
		delete(trail, name)
		out[name] = lvl
		return lvl
	}
	for name := range Tables {
		visit(name, map[string]bool{})
	}
	return out
}

// DependencyLevel returns the table's depth in the hierarchy: 0 for roots,
// otherwise one more than the deepest parent.
func DependencyLevel(table string) (int, error) {
	lvl, ok := levels[table]
	if !ok {
		return 0, fmt.Errorf("change: unknown table %q", table)
	}
	return lvl, nil
}

// OrderForApply sorts a batch so that applying it in order cannot violate
// foreign keys: inserts and updates run parent-first (ascending level),
// deletes run child-first (descending level) and after all non-deletes.
// Ties keep the input order. Unknown tables sort last so validation
// elsewhere can reject them with their batch position intact.
func OrderForApply(changes []Change) []Change {
	out := make([]Change, len(changes))
	copy(out, changes)
	sort.SliceStable(out, func(i, j int) bool {
		return applyRank(out[i]) < applyRank(out[j])
	})
	return out
}

func applyRank(c Change) int {
	lvl, ok := levels[c.Table]
	if !ok {
		return 1 << 20
	}
	if c.Op == OpDelete {
		// Deletes follow every non-delete, deepest child first.
		return (1 << 10) + (len(Tables) - lvl)
	}
	return lvl
}
