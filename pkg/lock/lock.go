// Package lock provides the process-wide single-flight execution lock
package lock

import (
	"errors"
	"sync"
	"time"

	"github.com/speedrun-hq/giwa-runner/pkg/metrics"
)

// ErrOperationInProgress is returned when a run is started while another holds the lock
var ErrOperationInProgress = errors.New("operation in progress")

// Holder describes the current owner of the lock
type Holder struct {
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lock allows at most one run at a time, it is not re-entrant
type Lock struct {
	mu     sync.Mutex
	held   bool
	holder Holder
}

// New creates an unlocked Lock
func New() *Lock {
	return &Lock{}
}

// TryAcquire takes the lock for runID without blocking
func (l *Lock) TryAcquire(runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held {
		metrics.LockRejections.Inc()
		return ErrOperationInProgress
	}
	l.held = true
	l.holder = Holder{RunID: runID, AcquiredAt: time.Now()}
	metrics.ActiveRuns.Set(1)
	return nil
}

// Release frees the lock if runID holds it, releasing a lock held by another run is a no-op
func (l *Lock) Release(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.held || l.holder.RunID != runID {
		return
	}
	l.held = false
	l.holder = Holder{}
	metrics.ActiveRuns.Set(0)
}

// Holder returns the current owner, false when the lock is free
func (l *Lock) Holder() (Holder, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.held
}
