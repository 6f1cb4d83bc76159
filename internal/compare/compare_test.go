package compare

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palmcal/internal/datebook"
	"palmcal/internal/model"
	"palmcal/internal/translate"
)

func fixture(t *testing.T) (*translate.Translator, model.Event) {
	t.Helper()
	tr := translate.New(time.UTC, nil, datebook.DefaultAppInfo())
	ev := model.Event{
		Summary: "Call",
		Start:   model.DateTime{Value: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)},
		End:     model.DateTime{Value: time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)},
	}
	return tr, ev
}

func TestEqual(t *testing.T) {
	tr, ev := fixture(t)
	_, data, err := tr.EncodeBytes(ev)
	require.NoError(t, err)

	same, err := Equal(tr, ev, data)
	require.NoError(t, err)
	assert.True(t, same)

	// Trailing bytes make a different record.
	same, err = Equal(tr, ev, append(append([]byte{}, data...), 0))
	require.NoError(t, err)
	assert.False(t, same)

	edited := ev.Clone()
	edited.Summary = "Call back"
	same, err = Equal(tr, edited, data)
	require.NoError(t, err)
	assert.False(t, same)
}

func TestRecordSecret(t *testing.T) {
	tr, ev := fixture(t)
	_, data, err := tr.EncodeBytes(ev)
	require.NoError(t, err)

	same, err := Record(tr, ev, data, false)
	require.NoError(t, err)
	assert.True(t, same)

	same, err = Record(tr, ev, data, true)
	require.NoError(t, err)
	assert.False(t, same)
}

func TestEqualEncodeFailure(t *testing.T) {
	tr, _ := fixture(t)
	same, err := Equal(tr, model.Event{}, nil)
	assert.Error(t, err)
	assert.False(t, same)
}
