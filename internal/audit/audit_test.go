package audit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(t *Trail, n int, op string) {
	for i := 0; i < n; i++ {
		t.Record(Entry{At: int64(i), ConnID: fmt.Sprintf("c%d", i), Op: op})
	}
}

func TestFindNewestFirst(t *testing.T) {
	trail := New(Config{Capacity: 16})
	defer trail.Close()
	record(trail, 3, "store.get")

	got := trail.Find(Query{})
	require.Len(t, got, 3)
	assert.Equal(t, "c2", got[0].ConnID)
	assert.Equal(t, "c0", got[2].ConnID)
}

func TestRingWrap(t *testing.T) {
	trail := New(Config{Capacity: 4})
	defer trail.Close()
	record(trail, 6, "store.get")

	got := trail.Find(Query{})
	require.Len(t, got, 4, "ring keeps only the newest entries")
	assert.Equal(t, "c5", got[0].ConnID)
	assert.Equal(t, "c2", got[3].ConnID)

	stats := trail.Stats()
	assert.Equal(t, int64(6), stats["recorded"])
	assert.Equal(t, 4, stats["retained"])
	assert.Equal(t, 4, stats["capacity"])
	assert.Equal(t, false, stats["redisSink"])
}

func TestFindFilters(t *testing.T) {
	trail := New(Config{Capacity: 16})
	defer trail.Close()
	trail.Record(Entry{ConnID: "c1", UserID: "alice", Op: "store.insert"})
	trail.Record(Entry{ConnID: "c2", UserID: "bob", Op: "store.insert", Code: "FORBIDDEN"})
	trail.Record(Entry{ConnID: "c3", UserID: "alice", Op: "store.delete"})

	byUser := trail.Find(Query{UserID: "alice"})
	require.Len(t, byUser, 2)
	assert.Equal(t, "store.delete", byUser[0].Op)

	byOp := trail.Find(Query{Op: "store.insert"})
	require.Len(t, byOp, 2)

	byCode := trail.Find(Query{Code: "FORBIDDEN"})
	require.Len(t, byCode, 1)
	assert.Equal(t, "bob", byCode[0].UserID)

	assert.Empty(t, trail.Find(Query{UserID: "carol"}))
}

func TestFindOffsetLimit(t *testing.T) {
	trail := New(Config{Capacity: 32})
	defer trail.Close()
	record(trail, 10, "store.get")

	page := trail.Find(Query{Limit: 3})
	require.Len(t, page, 3)
	assert.Equal(t, "c9", page[0].ConnID)

	next := trail.Find(Query{Limit: 3, Offset: 3})
	require.Len(t, next, 3)
	assert.Equal(t, "c6", next[0].ConnID)

	tail := trail.Find(Query{Limit: 100, Offset: 8})
	require.Len(t, tail, 2)
	assert.Equal(t, "c1", tail[0].ConnID)
}
