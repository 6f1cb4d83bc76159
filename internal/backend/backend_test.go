package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"palmcal/internal/model"
)

func TestDiff(t *testing.T) {
	prev := Snapshot{"a": "1", "b": "1", "z": "1", "y": "1"}
	changes, next := Diff(prev, []Fingerprinted{
		{ID: "c", Fingerprint: "1"},
		{ID: "a", Fingerprint: "1"},
		{ID: "b", Fingerprint: "2"},
	})

	assert.Equal(t, []model.ChangeRecord{
		{EventID: "c", Kind: model.ChangeAdded},
		{EventID: "b", Kind: model.ChangeModified},
		{EventID: "y", Kind: model.ChangeDeleted},
		{EventID: "z", Kind: model.ChangeDeleted},
	}, changes)
	assert.Equal(t, Snapshot{"a": "1", "b": "2", "c": "1"}, next)

	again, _ := Diff(next, []Fingerprinted{
		{ID: "c", Fingerprint: "1"},
		{ID: "a", Fingerprint: "1"},
		{ID: "b", Fingerprint: "2"},
	})
	assert.Empty(t, again)
}

func TestResolveTZID(t *testing.T) {
	loc, ok := ResolveTZID("Europe/Berlin")
	assert.True(t, ok)
	assert.Equal(t, "Europe/Berlin", loc.String())

	loc, ok = ResolveTZID("/softwarestudio.org/Olson_20011030_5/America/New_York")
	assert.True(t, ok)
	assert.Equal(t, "America/New_York", loc.String())

	_, ok = ResolveTZID("Mars/Olympus_Mons")
	assert.False(t, ok)

	_, ok = ResolveTZID("")
	assert.False(t, ok)
}
