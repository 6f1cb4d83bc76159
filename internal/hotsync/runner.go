package hotsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"palmcal/internal/conduit"
	appLog "palmcal/internal/log"
)

// ErrBusy is returned when a sync is requested while one is running.
var ErrBusy = errors.New("hotsync: a sync is already running")

// SyncFunc performs one complete sync.
type SyncFunc func(ctx context.Context) (conduit.Summary, error)

// State is what the daemon reports about past and running syncs.
type State struct {
	Running     bool             `json:"running"`
	Runs        int              `json:"runs"`
	LastTrigger string           `json:"last_trigger,omitempty"`
	LastError   string           `json:"last_error,omitempty"`
	Last        *conduit.Summary `json:"last,omitempty"`
}

// Runner serializes syncs coming from the scheduler, the file watcher and
// the HTTP API. Only one runs at a time; concurrent requests fail fast.
type Runner struct {
	run     SyncFunc
	observe func(conduit.Summary)

	exclusive sync.Mutex

	mu    sync.RWMutex
	state State
}

// NewRunner wraps run. observe, if non-nil, sees every finished summary.
func NewRunner(run SyncFunc, observe func(conduit.Summary)) *Runner {
	return &Runner{run: run, observe: observe}
}

// Run performs a sync now. trigger names the caller for the logs.
func (r *Runner) Run(ctx context.Context, trigger string) (conduit.Summary, error) {
	if !r.exclusive.TryLock() {
		appLog.Debug("sync request dropped, already running", "trigger", trigger)
		return conduit.Summary{}, ErrBusy
	}
	defer r.exclusive.Unlock()

	r.mu.Lock()
	r.state.Running = true
	r.state.LastTrigger = trigger
	r.mu.Unlock()

	start := time.Now()
	appLog.Info("sync started", "trigger", trigger)
	sum, err := r.run(ctx)

	r.mu.Lock()
	r.state.Running = false
	r.state.Runs++
	r.state.Last = &sum
	r.state.LastError = ""
	if err != nil {
		r.state.LastError = err.Error()
	}
	r.mu.Unlock()

	if r.observe != nil {
		r.observe(sum)
	}
	if err != nil {
		appLog.Error("sync failed", err, "trigger", trigger, "elapsed", time.Since(start).String())
	} else {
		appLog.Info("sync finished", "trigger", trigger, "status", sum.Status.String(), "elapsed", time.Since(start).String())
	}
	return sum, err
}

// State returns a snapshot of the runner state.
func (r *Runner) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := r.state
	if out.Last != nil {
		last := *out.Last
		out.Last = &last
	}
	return out
}
