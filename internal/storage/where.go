package storage

import (
	"fmt"
	"strings"
)

// whereBuilder collects AND-ed conditions with positional arguments.
type whereBuilder struct {
	conditions []string
	args       []any
}

// add appends a condition whose single placeholder is written as "?".
func (w *whereBuilder) add(cond string, arg any) {
	w.args = append(w.args, arg)
	w.conditions = append(w.conditions, strings.Replace(cond, "?", fmt.Sprintf("$%d", len(w.args)), 1))
}

func (w *whereBuilder) clause() string {
	if len(w.conditions) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conditions, " AND ")
}

// page appends LIMIT/OFFSET placeholders and returns the SQL suffix.
func (w *whereBuilder) page(limit, offset int) string {
	w.args = append(w.args, limit, offset)
	n := len(w.args)
	return fmt.Sprintf(" LIMIT $%d OFFSET $%d", n-1, n)
}

// Listing defaults.
const (
	defaultLimit = 50
	maxLimit     = 1000
)

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
