package changes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palmcal/internal/model"
)

func drain(idx *Index) []model.ChangeRecord {
	var out []model.ChangeRecord
	var c Cursor
	for {
		rec, ok := idx.NextAfter(&c)
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

func TestBuildAndIterate(t *testing.T) {
	idx := Build([]model.ChangeRecord{
		{EventID: "a", Kind: model.ChangeAdded},
		{EventID: "b", Kind: model.ChangeModified},
		{EventID: "c", Kind: model.ChangeDeleted},
	}, nil)

	assert.Equal(t, 3, idx.Len())
	assert.Equal(t, Counts{Added: 1, Modified: 1, Deleted: 1}, idx.Counts())
	assert.Equal(t, []model.ChangeRecord{
		{EventID: "a", Kind: model.ChangeAdded},
		{EventID: "b", Kind: model.ChangeModified},
		{EventID: "c", Kind: model.ChangeDeleted},
	}, drain(idx))
}

func TestClearHidesEntry(t *testing.T) {
	idx := Build([]model.ChangeRecord{
		{EventID: "a", Kind: model.ChangeAdded},
		{EventID: "b", Kind: model.ChangeModified},
		{EventID: "c", Kind: model.ChangeModified},
	}, nil)

	var c Cursor
	first, ok := idx.NextAfter(&c)
	require.True(t, ok)
	assert.Equal(t, "a", first.EventID)

	// Clearing an entry ahead of the cursor skips it.
	assert.True(t, idx.Clear("b"))
	assert.False(t, idx.Clear("b"))

	next, ok := idx.NextAfter(&c)
	require.True(t, ok)
	assert.Equal(t, "c", next.EventID)

	_, ok = idx.NextAfter(&c)
	assert.False(t, ok)

	assert.Equal(t, []string{"a", "c"}, idx.Pending())
}

func TestBuildSkipsArchived(t *testing.T) {
	archived := map[string]bool{"b": true}
	idx := Build([]model.ChangeRecord{
		{EventID: "a", Kind: model.ChangeAdded},
		{EventID: "b", Kind: model.ChangeModified},
	}, func(id string) bool { return archived[id] })

	assert.Equal(t, []string{"a"}, idx.Pending())
	_, ok := idx.Kind("b")
	assert.False(t, ok)
}

func TestBuildDuplicateKeepsLatestKind(t *testing.T) {
	idx := Build([]model.ChangeRecord{
		{EventID: "a", Kind: model.ChangeAdded},
		{EventID: "b", Kind: model.ChangeAdded},
		{EventID: "a", Kind: model.ChangeDeleted},
		{EventID: "", Kind: model.ChangeAdded},
	}, nil)

	assert.Equal(t, []model.ChangeRecord{
		{EventID: "a", Kind: model.ChangeDeleted},
		{EventID: "b", Kind: model.ChangeAdded},
	}, drain(idx))
}
