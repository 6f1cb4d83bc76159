package hotsync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"palmcal/internal/conduit"
)

func TestRunnerRecordsState(t *testing.T) {
	var seen []conduit.Summary
	fail := false
	r := NewRunner(func(context.Context) (conduit.Summary, error) {
		if fail {
			return conduit.Summary{Status: conduit.StatusAborted}, errors.New("store down")
		}
		return conduit.Summary{Status: conduit.StatusSuccess, Added: 1}, nil
	}, func(s conduit.Summary) { seen = append(seen, s) })

	assert.Nil(t, r.State().Last)

	sum, err := r.Run(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Added)

	fail = true
	_, err = r.Run(context.Background(), "cron")
	assert.Error(t, err)

	st := r.State()
	assert.False(t, st.Running)
	assert.Equal(t, 2, st.Runs)
	assert.Equal(t, "cron", st.LastTrigger)
	assert.Equal(t, "store down", st.LastError)
	require.NotNil(t, st.Last)
	assert.Equal(t, conduit.StatusAborted, st.Last.Status)
	assert.Len(t, seen, 2)
}

func TestRunnerRejectsOverlap(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	r := NewRunner(func(context.Context) (conduit.Summary, error) {
		close(entered)
		<-release
		return conduit.Summary{}, nil
	}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), "first")
		done <- err
	}()
	<-entered

	assert.True(t, r.State().Running)
	_, err := r.Run(context.Background(), "second")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, r.State().Runs)
}
