package siem

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/authgateway/gateway/internal/audit"
)

func TestBoundedQueue_EvictsOldestWhenFull(t *testing.T) {
	q := newBoundedQueue(2)
	q.push(audit.Record{ID: "a"})
	q.push(audit.Record{ID: "b"})
	q.push(audit.Record{ID: "c"}) // evicts "a"

	assert.Equal(t, int64(1), q.evictedCount())
	assert.Equal(t, 2, q.len())

	drained := q.drain(10)
	assert.Equal(t, []string{"b", "c"}, idsOf(drained))
}

func TestBoundedQueue_DrainIsFIFOAndPartial(t *testing.T) {
	q := newBoundedQueue(10)
	q.push(audit.Record{ID: "a"})
	q.push(audit.Record{ID: "b"})
	q.push(audit.Record{ID: "c"})

	first := q.drain(2)
	assert.Equal(t, []string{"a", "b"}, idsOf(first))
	assert.Equal(t, 1, q.len())

	rest := q.drain(10)
	assert.Equal(t, []string{"c"}, idsOf(rest))
	assert.Equal(t, 0, q.len())
}

func idsOf(records []audit.Record) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}
