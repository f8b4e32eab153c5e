package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWhereBuilder(t *testing.T) {
	w := &whereBuilder{}
	assert.Empty(t, w.clause())

	w.add("property = ?", "example.com")
	w.add("status = ?", "new")
	assert.Equal(t, " WHERE property = $1 AND status = $2", w.clause())

	page := w.page(10, 20)
	assert.Equal(t, " LIMIT $3 OFFSET $4", page)
	assert.Equal(t, []any{"example.com", "new", 10, 20}, w.args)
}

func TestClampPage(t *testing.T) {
	tests := []struct {
		name                  string
		limit, offset         int
		wantLimit, wantOffset int
	}{
		{"defaults", 0, 0, defaultLimit, 0},
		{"negative offset", 10, -5, 10, 0},
		{"over max", 5000, 3, maxLimit, 3},
		{"passthrough", 25, 50, 25, 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, o := clampPage(tt.limit, tt.offset)
			assert.Equal(t, tt.wantLimit, l)
			assert.Equal(t, tt.wantOffset, o)
		})
	}
}
